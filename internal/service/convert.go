package service

import (
	"slices"
	"strings"
	"time"

	"github.com/tazhate/calsync/internal/domain"
	"github.com/tazhate/calsync/internal/remote"
	"github.com/teambition/rrule-go"
)

const (
	CompanyTitlePrefix  = "Company Event: "
	PersonalTitlePrefix = "Personal Event: "
)

// RemoteTitle prefixes the title by scope. Anniversaries keep their title.
func RemoteTitle(ev *domain.CalendarEvent) string {
	if ev.EventType == domain.EventTypeAnniversary {
		return ev.Title
	}
	prefix := PersonalTitlePrefix
	if ev.Scope == domain.ScopeCompany {
		prefix = CompanyTitlePrefix
	}
	if strings.HasPrefix(ev.Title, prefix) {
		return ev.Title
	}
	return prefix + ev.Title
}

// splitTitle strips a known prefix; scope is empty when none was found
func splitTitle(summary string) (string, domain.Scope) {
	switch {
	case strings.HasPrefix(summary, CompanyTitlePrefix):
		return strings.TrimPrefix(summary, CompanyTitlePrefix), domain.ScopeCompany
	case strings.HasPrefix(summary, PersonalTitlePrefix):
		return strings.TrimPrefix(summary, PersonalTitlePrefix), domain.ScopePersonal
	}
	return summary, ""
}

// ParseRecurrence validates a stored rule and returns its provider lines
func ParseRecurrence(rule string) ([]string, error) {
	var lines []string
	for _, line := range strings.Split(rule, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if body, ok := strings.CutPrefix(line, "RRULE:"); ok || !strings.Contains(line, ":") {
			if _, err := rrule.StrToROption(body); err != nil {
				return nil, err
			}
			line = "RRULE:" + body
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func normalizeRecurrence(rule string) string {
	lines, err := ParseRecurrence(rule)
	if err != nil {
		return rule
	}
	return strings.Join(lines, "\n")
}

// ToRemote converts a local event into the provider shape
func ToRemote(ev *domain.CalendarEvent, tz *time.Location) (*remote.Event, error) {
	bad := func(reason string) (*remote.Event, error) {
		return nil, &DataError{EventID: ev.ID, Reason: reason}
	}

	out := &remote.Event{
		Summary:     RemoteTitle(ev),
		Description: ev.Description,
		Location:    ev.Location,
		Attendees:   slices.Clone(ev.Participants),
	}
	if ev.HasRemote() {
		out.ID = *ev.RemoteEventID
	}

	if ev.AllDay || ev.StartTime == "" {
		day, err := time.ParseInLocation(domain.DateLayout, ev.Date, tz)
		if err != nil {
			return bad("invalid date " + ev.Date)
		}
		out.Start = &remote.EventTime{Date: day.Format(domain.DateLayout)}
		// end date is exclusive
		out.End = &remote.EventTime{Date: day.AddDate(0, 0, 1).Format(domain.DateLayout)}
	} else {
		start, err := ev.Start(tz)
		if err != nil {
			return bad("invalid start " + ev.Date + " " + ev.StartTime)
		}
		end, err := ev.End(tz)
		if err != nil {
			return bad("invalid end " + ev.EndTime)
		}
		out.Start = &remote.EventTime{DateTime: &start, TimeZone: tz.String()}
		out.End = &remote.EventTime{DateTime: &end, TimeZone: tz.String()}
	}

	if ev.Recurrence != "" {
		lines, err := ParseRecurrence(ev.Recurrence)
		if err != nil {
			return bad("invalid recurrence: " + err.Error())
		}
		out.Recurrence = lines
	}
	return out, nil
}

// FromRemote extracts the content fields of a provider event. The returned
// event has no identity or sync metadata; Scope is empty when the title
// carried no known prefix.
func FromRemote(re *remote.Event, tz *time.Location) (*domain.CalendarEvent, error) {
	if re.Start == nil || (re.Start.DateTime == nil && re.Start.Date == "") {
		return nil, &DataError{EventID: re.ID, Reason: "missing start"}
	}

	title, scope := splitTitle(re.Summary)
	ev := &domain.CalendarEvent{
		Title:        title,
		Scope:        scope,
		Description:  re.Description,
		Location:     re.Location,
		Participants: domain.NormalizeParticipants(re.Attendees),
		Recurrence:   strings.Join(re.Recurrence, "\n"),
	}

	if re.Start.IsAllDay() {
		day, err := time.Parse(domain.DateLayout, re.Start.Date)
		if err != nil {
			return nil, &DataError{EventID: re.ID, Reason: "invalid start date " + re.Start.Date}
		}
		ev.Date = day.Format(domain.DateLayout)
		ev.AllDay = true
		return ev, nil
	}

	start := re.Start.DateTime.In(tz)
	ev.Date = start.Format(domain.DateLayout)
	ev.StartTime = start.Format(domain.TimeLayout)
	ev.EndTime = ev.StartTime
	if re.End != nil && re.End.DateTime != nil {
		ev.EndTime = re.End.DateTime.In(tz).Format(domain.TimeLayout)
	}
	return ev, nil
}

// contentChanged compares the fields a pull may overwrite
func contentChanged(local, incoming *domain.CalendarEvent) bool {
	if incoming.Scope != "" && incoming.Scope != local.Scope {
		return true
	}
	return local.Title != incoming.Title ||
		local.Description != incoming.Description ||
		local.Location != incoming.Location ||
		local.Date != incoming.Date ||
		local.AllDay != incoming.AllDay ||
		local.StartTime != incoming.StartTime ||
		local.EffectiveEndTime() != incoming.EffectiveEndTime() ||
		normalizeRecurrence(local.Recurrence) != normalizeRecurrence(incoming.Recurrence) ||
		!slices.Equal(local.Participants, incoming.Participants)
}

// applyRemote overwrites the content fields of local with incoming
func applyRemote(local, incoming *domain.CalendarEvent) {
	local.Title = incoming.Title
	if incoming.Scope != "" {
		local.Scope = incoming.Scope
	}
	local.Description = incoming.Description
	local.Location = incoming.Location
	local.Date = incoming.Date
	local.AllDay = incoming.AllDay
	local.StartTime = incoming.StartTime
	local.EndTime = incoming.EndTime
	local.Recurrence = incoming.Recurrence
	local.Participants = incoming.Participants
}
