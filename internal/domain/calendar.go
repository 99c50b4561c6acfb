package domain

import (
	"fmt"
	"time"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// SyncStatus is the sync state of a local calendar event
type SyncStatus string

const (
	SyncStatusLocal   SyncStatus = "LOCAL"
	SyncStatusPending SyncStatus = "PENDING" // queued by the UI layer, treated like LOCAL
	SyncStatusSynced  SyncStatus = "SYNCED"
)

// Scope tells whether an event belongs to the user or to one of their companies
type Scope string

const (
	ScopePersonal Scope = "personal"
	ScopeCompany  Scope = "company"
)

type EventType string

const (
	EventTypeMeeting     EventType = "meeting"
	EventTypeDeadline    EventType = "deadline"
	EventTypeReminder    EventType = "reminder"
	EventTypeAnniversary EventType = "anniversary"
	EventTypeOther       EventType = "other"
)

// CalendarEvent is a locally stored event, or a virtual one produced by the
// anniversary generator (OriginalEventID set, never persisted).
type CalendarEvent struct {
	ID           string
	UserID       int64
	CompanyID    *int64
	Scope        Scope
	EventType    EventType
	Title        string
	Description  string
	Location     string
	Date         string // YYYY-MM-DD
	StartTime    string // HH:MM, empty for all-day events
	EndTime      string // HH:MM, optional
	AllDay       bool
	Recurrence   string // provider-native rule, e.g. "RRULE:FREQ=WEEKLY;BYDAY=MO"
	Participants []string

	SyncStatus       SyncStatus
	RemoteEventID    *string
	RemoteCalendarID string
	RemoteEtag       *string // freshness hint only
	LastSyncedAt     *time.Time

	// OriginalEventID identifies generated events, e.g. "anniversary-12-2026"
	OriginalEventID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsAutoGenerated returns true for events derived from business data
func (e *CalendarEvent) IsAutoGenerated() bool {
	return e.OriginalEventID != ""
}

// NeedsPush returns true while the event waits to be sent to the provider
func (e *CalendarEvent) NeedsPush() bool {
	return e.SyncStatus == SyncStatusLocal || e.SyncStatus == SyncStatusPending
}

// HasRemote returns true if the event is linked to a provider event
func (e *CalendarEvent) HasRemote() bool {
	return e.RemoteEventID != nil && *e.RemoteEventID != ""
}

// MarkSynced links the event to its remote counterpart
func (e *CalendarEvent) MarkSynced(remoteID, calendarID, etag string, now time.Time) {
	id := remoteID
	e.RemoteEventID = &id
	e.RemoteCalendarID = calendarID
	if etag != "" {
		tag := etag
		e.RemoteEtag = &tag
	} else {
		e.RemoteEtag = nil
	}
	synced := now
	e.LastSyncedAt = &synced
	e.SyncStatus = SyncStatusSynced
}

// CheckSyncInvariant validates the relation between status and remote id.
// PENDING may keep the remote id of an event edited after its last sync.
func (e *CalendarEvent) CheckSyncInvariant() error {
	switch e.SyncStatus {
	case SyncStatusSynced:
		if !e.HasRemote() {
			return fmt.Errorf("event %s: SYNCED without remote event id", e.ID)
		}
	case SyncStatusLocal:
		if e.HasRemote() {
			return fmt.Errorf("event %s: LOCAL with remote event id %s", e.ID, *e.RemoteEventID)
		}
	case SyncStatusPending:
	default:
		return fmt.Errorf("event %s: unknown sync status %q", e.ID, e.SyncStatus)
	}
	return nil
}

// Start returns the event start in the given location. All-day events start
// at midnight.
func (e *CalendarEvent) Start(loc *time.Location) (time.Time, error) {
	if e.AllDay || e.StartTime == "" {
		return time.ParseInLocation(DateLayout, e.Date, loc)
	}
	return time.ParseInLocation(DateLayout+" "+TimeLayout, e.Date+" "+e.StartTime, loc)
}

// End returns the event end; a missing end time falls back to the start.
func (e *CalendarEvent) End(loc *time.Location) (time.Time, error) {
	if e.AllDay || e.EndTime == "" {
		return e.Start(loc)
	}
	end, err := time.ParseInLocation(DateLayout+" "+TimeLayout, e.Date+" "+e.EndTime, loc)
	if err != nil {
		return time.Time{}, err
	}
	start, err := e.Start(loc)
	if err != nil {
		return time.Time{}, err
	}
	// end before start means the event runs past midnight
	if end.Before(start) {
		end = end.AddDate(0, 0, 1)
	}
	return end, nil
}

// EffectiveEndTime is EndTime, or StartTime when no end was given
func (e *CalendarEvent) EffectiveEndTime() string {
	if e.EndTime == "" {
		return e.StartTime
	}
	return e.EndTime
}

// EventFilter selects local events. Zero values do not filter.
type EventFilter struct {
	UserID           int64
	Statuses         []SyncStatus
	From             string // inclusive date, YYYY-MM-DD
	To               string // inclusive date, YYYY-MM-DD
	RemoteEventID    *string
	HasRemoteID      bool
	RemoteCalendarID string // also matches events with no recorded calendar
}
