package service

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tazhate/calsync/internal/domain"
	"github.com/teambition/rrule-go"
)

const anniversaryIDPrefix = "anniversary-"

// AnniversaryID is the deterministic id of a company's anniversary in a year
func AnniversaryID(companyID int64, year int) string {
	return fmt.Sprintf("%s%d-%d", anniversaryIDPrefix, companyID, year)
}

// ParseAnniversaryID is the inverse of AnniversaryID
func ParseAnniversaryID(id string) (companyID int64, year int, ok bool) {
	rest, found := strings.CutPrefix(id, anniversaryIDPrefix)
	if !found {
		return 0, 0, false
	}
	i := strings.LastIndex(rest, "-")
	if i <= 0 {
		return 0, 0, false
	}
	companyID, err := strconv.ParseInt(rest[:i], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	year, err = strconv.Atoi(rest[i+1:])
	if err != nil {
		return 0, 0, false
	}
	return companyID, year, true
}

// GenerateAnniversaries derives the virtual anniversary events of all
// companies with a founding date whose date falls within [from, to].
// A founding date of Feb 29 only yields events in leap years.
func GenerateAnniversaries(userID int64, companies []*domain.Company, from, to time.Time) ([]*domain.CalendarEvent, error) {
	fromDay := truncateDay(from)
	toDay := truncateDay(to)

	var events []*domain.CalendarEvent
	for _, c := range companies {
		if !c.HasFoundingDate() {
			continue
		}
		founded := truncateDay(*c.FoundedOn)

		rule, err := rrule.NewRRule(rrule.ROption{
			Freq:    rrule.YEARLY,
			Dtstart: founded,
		})
		if err != nil {
			return nil, fmt.Errorf("company %d: %w", c.ID, err)
		}

		for _, day := range rule.Between(fromDay, toDay, true) {
			n := day.Year() - founded.Year()
			if n == 0 {
				continue
			}
			companyID := c.ID
			events = append(events, &domain.CalendarEvent{
				UserID:          userID,
				CompanyID:       &companyID,
				Scope:           domain.ScopeCompany,
				EventType:       domain.EventTypeAnniversary,
				Title:           fmt.Sprintf("%s: %d. anniversary", c.Name, n),
				Date:            day.Format(domain.DateLayout),
				AllDay:          true,
				SyncStatus:      domain.SyncStatusLocal,
				OriginalEventID: AnniversaryID(c.ID, day.Year()),
			})
		}
	}
	return events, nil
}

// AnniversaryDate returns the date of a generated anniversary, or "" if the
// id does not belong to one of the companies.
func AnniversaryDate(originalEventID string, companies []*domain.Company) string {
	companyID, year, ok := ParseAnniversaryID(originalEventID)
	if !ok {
		return ""
	}
	for _, c := range companies {
		if c.ID != companyID || !c.HasFoundingDate() {
			continue
		}
		f := c.FoundedOn
		d := time.Date(year, f.Month(), f.Day(), 0, 0, 0, 0, time.UTC)
		if d.Month() != f.Month() {
			return ""
		}
		return d.Format(domain.DateLayout)
	}
	return ""
}

// truncateDay keeps the calendar date of t as UTC midnight
func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
