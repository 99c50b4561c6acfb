package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tazhate/calsync/internal/domain"
	"github.com/tazhate/calsync/internal/remote"
)

var ErrEventNotFound = errors.New("event not found")

type LocalEventStore interface {
	EventStore
	GetEvent(ctx context.Context, id string) (*domain.CalendarEvent, error)
}

// CalendarService handles user edits of local events. Changes reach the
// provider on the next sync run.
type CalendarService struct {
	store   LocalEventStore
	tokens  CredentialProvider
	gateway remote.Gateway
	logger  *slog.Logger
}

func NewCalendarService(store LocalEventStore, tokens CredentialProvider, gateway remote.Gateway, logger *slog.Logger) *CalendarService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CalendarService{
		store:   store,
		tokens:  tokens,
		gateway: gateway,
		logger:  logger,
	}
}

// validate normalizes user input in place
func validate(ev *domain.CalendarEvent) error {
	ev.Title = strings.TrimSpace(ev.Title)
	if ev.Title == "" {
		return &DataError{EventID: ev.ID, Reason: "title is required"}
	}
	if _, err := time.Parse(domain.DateLayout, ev.Date); err != nil {
		return &DataError{EventID: ev.ID, Reason: "date must be YYYY-MM-DD"}
	}
	if ev.AllDay {
		ev.StartTime, ev.EndTime = "", ""
	} else {
		if _, err := time.Parse(domain.TimeLayout, ev.StartTime); err != nil {
			return &DataError{EventID: ev.ID, Reason: "start time must be HH:MM"}
		}
		if ev.EndTime != "" {
			if _, err := time.Parse(domain.TimeLayout, ev.EndTime); err != nil {
				return &DataError{EventID: ev.ID, Reason: "end time must be HH:MM"}
			}
		}
	}
	if ev.Recurrence != "" {
		if _, err := ParseRecurrence(ev.Recurrence); err != nil {
			return &DataError{EventID: ev.ID, Reason: "invalid recurrence: " + err.Error()}
		}
	}
	switch ev.Scope {
	case "":
		ev.Scope = domain.ScopePersonal
	case domain.ScopePersonal, domain.ScopeCompany:
	default:
		return &DataError{EventID: ev.ID, Reason: fmt.Sprintf("unknown scope %q", ev.Scope)}
	}
	if ev.Scope == domain.ScopeCompany && ev.CompanyID == nil {
		return &DataError{EventID: ev.ID, Reason: "company events need a company"}
	}
	if ev.EventType == "" {
		ev.EventType = domain.EventTypeOther
	}
	ev.Participants = domain.NormalizeParticipants(ev.Participants)
	return nil
}

// CreateEvent stores a new LOCAL event
func (s *CalendarService) CreateEvent(ctx context.Context, ev *domain.CalendarEvent) error {
	if err := validate(ev); err != nil {
		return err
	}
	ev.ID = ""
	ev.OriginalEventID = ""
	ev.SyncStatus = domain.SyncStatusLocal
	ev.RemoteEventID = nil
	ev.RemoteEtag = nil
	ev.LastSyncedAt = nil
	if err := s.store.CreateEvent(ctx, ev); err != nil {
		return fmt.Errorf("create local event: %w", err)
	}
	return nil
}

// UpdateEvent saves user edits. A synced event becomes PENDING and keeps
// its remote id so the next push updates instead of creating.
func (s *CalendarService) UpdateEvent(ctx context.Context, ev *domain.CalendarEvent) error {
	current, err := s.store.GetEvent(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("get event: %w", err)
	}
	if current == nil || current.UserID != ev.UserID {
		return ErrEventNotFound
	}
	if err := validate(ev); err != nil {
		return err
	}

	ev.RemoteEventID = current.RemoteEventID
	ev.RemoteCalendarID = current.RemoteCalendarID
	ev.RemoteEtag = current.RemoteEtag
	ev.LastSyncedAt = current.LastSyncedAt
	ev.CreatedAt = current.CreatedAt
	ev.SyncStatus = domain.SyncStatusLocal
	if current.HasRemote() {
		ev.SyncStatus = domain.SyncStatusPending
	}

	if err := s.store.UpdateEvent(ctx, ev); err != nil {
		return fmt.Errorf("update local event: %w", err)
	}
	return nil
}

// DeleteEvent deletes an event locally and, if linked, from the provider.
// The remote delete is best effort.
func (s *CalendarService) DeleteEvent(ctx context.Context, userID int64, eventID string) error {
	ev, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("get event: %w", err)
	}
	if ev == nil || ev.UserID != userID {
		return ErrEventNotFound
	}

	if ev.HasRemote() && s.gateway != nil {
		if err := s.deleteRemote(ctx, ev); err != nil {
			s.logger.Warn("remote delete failed", "user_id", userID, "event_id", ev.ID, "err", err)
		}
	}

	return s.store.DeleteEvent(ctx, eventID)
}

func (s *CalendarService) deleteRemote(ctx context.Context, ev *domain.CalendarEvent) error {
	token, err := s.tokens.EnsureValidCredential(ctx, ev.UserID)
	if err != nil {
		return err
	}
	calendarID := ev.RemoteCalendarID
	if calendarID == "" {
		calendarID = token.CalendarID
	}
	if calendarID == "" {
		calendarID = DefaultCalendarID
	}
	err = s.gateway.Delete(ctx, token.Value, calendarID, *ev.RemoteEventID)
	if remote.IsNotFound(err) {
		return nil
	}
	return err
}

// ListRange returns the events of a user dated within [from, to]
func (s *CalendarService) ListRange(ctx context.Context, userID int64, from, to string) ([]*domain.CalendarEvent, error) {
	return s.store.FindEvents(ctx, domain.EventFilter{UserID: userID, From: from, To: to})
}
