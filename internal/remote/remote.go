// Package remote defines the provider-neutral calendar gateway.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// EventTime is either a date-only value (all-day) or a date-time
type EventTime struct {
	Date     string     // YYYY-MM-DD, set for all-day events
	DateTime *time.Time // set for timed events
	TimeZone string
}

// IsAllDay returns true if the time carries no date-time
func (t *EventTime) IsAllDay() bool {
	return t != nil && t.DateTime == nil
}

// Event is the provider event shape. Every optional field is explicit.
type Event struct {
	ID          string
	Etag        string
	Summary     string
	Description string
	Location    string
	Status      string
	Start       *EventTime
	End         *EventTime
	Attendees   []string
	Recurrence  []string

	// RecurringEventID is set on expanded instances of a recurring series
	RecurringEventID string
}

// Cancelled reports events the provider keeps only as deletion markers
func (e *Event) Cancelled() bool {
	return e.Status == "cancelled"
}

// Window bounds a list call, [TimeMin, TimeMax)
type Window struct {
	TimeMin time.Time
	TimeMax time.Time
}

// Gateway talks to one provider. Callers hand in a valid access token; the
// gateway never refreshes it.
type Gateway interface {
	// List returns every event of the window or fails as a whole
	List(ctx context.Context, token, calendarID string, w Window) ([]*Event, error)
	Create(ctx context.Context, token, calendarID string, ev *Event) (*Event, error)
	Update(ctx context.Context, token, calendarID string, ev *Event) (*Event, error)
	Delete(ctx context.Context, token, calendarID, eventID string) error
}

const (
	OpList   = "list"
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// RemoteError describes a failed provider call
type RemoteError struct {
	Op         string
	CalendarID string
	EventID    string
	StatusCode int
	Err        error
}

func (e *RemoteError) Error() string {
	msg := e.Op + " " + e.CalendarID
	if e.EventID != "" {
		msg += "/" + e.EventID
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the provider no longer knows the event
func (e *RemoteError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

// IsNotFound unwraps err looking for a not-found RemoteError
func IsNotFound(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.IsNotFound()
}
