package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tazhate/calsync/internal/domain"
	"github.com/tazhate/calsync/internal/remote"
)

const DefaultCalendarID = "primary"

// Activity statuses written to the sync log
const (
	ActivityDeleted    = "deleted"
	ActivityTombstoned = "tombstoned"
	ActivitySuppressed = "suppressed"
)

type EventStore interface {
	FindEvents(ctx context.Context, f domain.EventFilter) ([]*domain.CalendarEvent, error)
	CreateEvent(ctx context.Context, e *domain.CalendarEvent) error
	UpdateEvent(ctx context.Context, e *domain.CalendarEvent) error
	DeleteEvent(ctx context.Context, id string) error
}

type TombstoneLedger interface {
	ListTombstones(ctx context.Context, userID int64, from, to string) ([]*domain.Tombstone, error)
	ListActiveTombstones(ctx context.Context, userID int64, from, to string) ([]*domain.Tombstone, error)
	GetTombstone(ctx context.Context, userID int64, originalEventID string) (*domain.Tombstone, error)
	CreateTombstone(ctx context.Context, t *domain.Tombstone) error
	MarkTombstoneDeleted(ctx context.Context, userID int64, originalEventID string) error
}

// SyncStore is everything a sync run reads or writes locally
type SyncStore interface {
	EventStore
	TombstoneLedger
	ListCompanies(ctx context.Context, userID int64) ([]*domain.Company, error)
	LogSyncActivity(ctx context.Context, a *domain.SyncActivity) error
	UpdateLastSyncAt(ctx context.Context, userID int64, t time.Time) error
}

type CredentialProvider interface {
	EnsureValidCredential(ctx context.Context, userID int64) (*AccessToken, error)
}

type SyncSettings struct {
	Timezone   *time.Location // fallback when the credential has none
	PastDays   int
	FutureDays int
}

// SyncService reconciles the local event store with the remote calendar.
// It holds no per-user lock; callers run at most one sync per user.
type SyncService struct {
	store    SyncStore
	tokens   CredentialProvider
	gateway  remote.Gateway
	settings SyncSettings
	now      func() time.Time
	logger   *slog.Logger
}

func NewSyncService(store SyncStore, tokens CredentialProvider, gateway remote.Gateway, settings SyncSettings, logger *slog.Logger) *SyncService {
	if settings.Timezone == nil {
		settings.Timezone = time.UTC
	}
	if settings.PastDays <= 0 {
		settings.PastDays = 30
	}
	if settings.FutureDays <= 0 {
		settings.FutureDays = 180
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{
		store:    store,
		tokens:   tokens,
		gateway:  gateway,
		settings: settings,
		now:      time.Now,
		logger:   logger,
	}
}

// syncRun carries the state of one invocation
type syncRun struct {
	userID     int64
	token      string
	calendarID string
	tz         *time.Location
	window     remote.Window
	fromDate   string
	toDate     string
	opts       domain.SyncOptions
	result     *domain.SyncRunResult
	logger     *slog.Logger
}

func (r *syncRun) addError(phase string, err error) {
	r.result.Errors = append(r.result.Errors, phase+": "+err.Error())
}

func (r *syncRun) regular() bool {
	return r.opts.SyncType != domain.SyncTypeAutoGenerated
}

// owns reports whether a record linked to calendarID belongs to the calendar
// of this run. Records without a calendar predate calendar tracking.
func (r *syncRun) owns(calendarID string) bool {
	return calendarID == "" || calendarID == r.calendarID
}

func (r *syncRun) generated() bool {
	return r.opts.SyncType == domain.SyncTypeAutoGenerated ||
		(r.opts.SyncType == domain.SyncTypeAll && r.opts.IncludeAutoGenerated)
}

// covers reports whether the listing of this run is guaranteed to contain
// the event if it still exists remotely. Events crossing a window edge are
// left alone.
func (r *syncRun) covers(ev *domain.CalendarEvent) bool {
	start, err := ev.Start(r.tz)
	if err != nil {
		return false
	}
	end := start.AddDate(0, 0, 1)
	if !ev.AllDay && ev.StartTime != "" {
		if end, err = ev.End(r.tz); err != nil {
			return false
		}
	}
	return !start.Before(r.window.TimeMin) && !end.After(r.window.TimeMax)
}

// forEachItem processes items one at a time. A failed item is recorded and
// never stops its siblings; successful items that changed something bump
// the counter.
func forEachItem[T any](run *syncRun, phase string, items []T, counter *int, process func(T) (bool, error)) {
	for _, item := range items {
		changed, err := process(item)
		if err != nil {
			run.logger.Warn("sync item failed", "phase", phase, "err", err)
			run.addError(phase, err)
			continue
		}
		if changed {
			*counter++
		}
	}
}

func (s *SyncService) resolveOptions(opts domain.SyncOptions, now time.Time) (domain.SyncOptions, error) {
	syncType, err := domain.ParseSyncType(string(opts.SyncType))
	if err != nil {
		return opts, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	opts.SyncType = syncType
	if opts.TimeMin.IsZero() {
		opts.TimeMin = now.AddDate(0, 0, -s.settings.PastDays)
	}
	if opts.TimeMax.IsZero() {
		opts.TimeMax = now.AddDate(0, 0, s.settings.FutureDays)
	}
	if !opts.TimeMax.After(opts.TimeMin) {
		return opts, fmt.Errorf("%w: timeMax %s is not after timeMin %s", ErrInvalidOptions,
			opts.TimeMax.Format(time.RFC3339), opts.TimeMin.Format(time.RFC3339))
	}
	return opts, nil
}

// RunSync executes Auth, Push, Pull and Cleanup for one user. Only an auth
// failure or invalid options are returned as error; everything else ends up
// in the result's error list.
func (s *SyncService) RunSync(ctx context.Context, userID int64, opts domain.SyncOptions) (*domain.SyncRunResult, error) {
	started := s.now()
	opts, err := s.resolveOptions(opts, started)
	if err != nil {
		return nil, err
	}

	result := &domain.SyncRunResult{SyncType: opts.SyncType, StartedAt: started}
	logger := s.logger.With("user_id", userID, "sync_type", opts.SyncType)

	token, err := s.tokens.EnsureValidCredential(ctx, userID)
	if err != nil {
		logger.Error("sync aborted", "phase", domain.PhaseAuth, "err", err)
		result.Errors = []string{domain.PhaseAuth + ": " + err.Error()}
		result.FinishedAt = s.now()
		return result, err
	}

	run := s.newRun(userID, token, opts, result, logger)

	if run.regular() {
		s.phase(ctx, run, domain.PhasePush, s.pushRegular)
	}
	if run.generated() {
		s.phase(ctx, run, domain.PhasePush, s.pushGenerated)
	}
	if run.regular() {
		s.phase(ctx, run, domain.PhasePull, s.pull)
	}
	s.phase(ctx, run, domain.PhaseCleanup, s.cleanup)

	result.FinishedAt = s.now()
	if err := s.store.UpdateLastSyncAt(ctx, userID, result.FinishedAt); err != nil {
		run.addError("finish", fmt.Errorf("update last sync: %w", err))
	}

	logger.Info("sync finished",
		"pushed", result.Pushed,
		"pulled", result.Pulled,
		"deleted", result.Deleted,
		"errors", len(result.Errors),
		"took", result.FinishedAt.Sub(started),
	)
	return result, nil
}

func (s *SyncService) newRun(userID int64, token *AccessToken, opts domain.SyncOptions, result *domain.SyncRunResult, logger *slog.Logger) *syncRun {
	tz := s.settings.Timezone
	if token.TimeZone != "" {
		if loc, err := time.LoadLocation(token.TimeZone); err == nil {
			tz = loc
		} else {
			logger.Warn("unknown credential timezone, using default", "tz", token.TimeZone)
		}
	}

	calendarID := opts.CalendarID
	if calendarID == "" {
		calendarID = token.CalendarID
	}
	if calendarID == "" {
		calendarID = DefaultCalendarID
	}

	return &syncRun{
		userID:     userID,
		token:      token.Value,
		calendarID: calendarID,
		tz:         tz,
		window:     remote.Window{TimeMin: opts.TimeMin, TimeMax: opts.TimeMax},
		fromDate:   opts.TimeMin.In(tz).Format(domain.DateLayout),
		toDate:     opts.TimeMax.In(tz).Format(domain.DateLayout),
		opts:       opts,
		result:     result,
		logger:     logger,
	}
}

// phase runs one phase and contains its failure
func (s *SyncService) phase(ctx context.Context, run *syncRun, name string, fn func(context.Context, *syncRun) error) {
	if err := fn(ctx, run); err != nil {
		run.logger.Error("sync phase failed", "phase", name, "err", err)
		run.addError(name, err)
	}
}

// === Push ===

func (s *SyncService) pushRegular(ctx context.Context, run *syncRun) error {
	events, err := s.store.FindEvents(ctx, domain.EventFilter{
		UserID:   run.userID,
		Statuses: []domain.SyncStatus{domain.SyncStatusLocal, domain.SyncStatusPending},
		From:     run.fromDate,
		To:       run.toDate,
	})
	if err != nil {
		return fmt.Errorf("load pending events: %w", err)
	}

	forEachItem(run, domain.PhasePush, events, &run.result.Pushed, func(ev *domain.CalendarEvent) (bool, error) {
		if ev.IsAutoGenerated() {
			return false, nil
		}
		payload, err := ToRemote(ev, run.tz)
		if err != nil {
			return false, err
		}

		// a linked event is updated where it lives, not in this run's calendar
		calendarID := run.calendarID
		var saved *remote.Event
		if ev.HasRemote() {
			if ev.RemoteCalendarID != "" {
				calendarID = ev.RemoteCalendarID
			}
			saved, err = s.gateway.Update(ctx, run.token, calendarID, payload)
		} else {
			saved, err = s.gateway.Create(ctx, run.token, calendarID, payload)
		}
		if err != nil {
			return false, fmt.Errorf("event %s: %w", ev.ID, err)
		}

		ev.MarkSynced(saved.ID, calendarID, saved.Etag, s.now())
		if err := s.store.UpdateEvent(ctx, ev); err != nil {
			return false, fmt.Errorf("event %s: save sync state: %w", ev.ID, err)
		}
		run.logger.Debug("pushed event", "event_id", ev.ID, "remote_id", saved.ID)
		return true, nil
	})
	return nil
}

func (s *SyncService) pushGenerated(ctx context.Context, run *syncRun) error {
	companies, err := s.store.ListCompanies(ctx, run.userID)
	if err != nil {
		return fmt.Errorf("load companies: %w", err)
	}
	from, _ := time.Parse(domain.DateLayout, run.fromDate)
	to, _ := time.Parse(domain.DateLayout, run.toDate)
	generated, err := GenerateAnniversaries(run.userID, companies, from, to)
	if err != nil {
		return fmt.Errorf("generate anniversaries: %w", err)
	}

	forEachItem(run, domain.PhasePush, generated, &run.result.Pushed, func(ev *domain.CalendarEvent) (bool, error) {
		// any record, active or deleted, means this event must not be pushed
		known, err := s.store.GetTombstone(ctx, run.userID, ev.OriginalEventID)
		if err != nil {
			return false, fmt.Errorf("%s: load tombstone: %w", ev.OriginalEventID, err)
		}
		if known != nil {
			return false, nil
		}

		payload, err := ToRemote(ev, run.tz)
		if err != nil {
			return false, err
		}
		saved, err := s.gateway.Create(ctx, run.token, run.calendarID, payload)
		if err != nil {
			return false, fmt.Errorf("%s: %w", ev.OriginalEventID, err)
		}

		ts := &domain.Tombstone{
			OriginalEventID:  ev.OriginalEventID,
			RemoteEventID:    saved.ID,
			RemoteCalendarID: run.calendarID,
			UserID:           run.userID,
			Title:            ev.Title,
			Date:             ev.Date,
			SyncedAt:         s.now(),
			State:            domain.TombstoneActive,
		}
		if err := s.store.CreateTombstone(ctx, ts); err != nil {
			// without a record the next run would push a duplicate
			if derr := s.gateway.Delete(ctx, run.token, run.calendarID, saved.ID); derr != nil {
				run.logger.Warn("orphaned remote event", "remote_id", saved.ID, "err", derr)
			}
			return false, fmt.Errorf("%s: record tombstone: %w", ev.OriginalEventID, err)
		}
		return true, nil
	})
	return nil
}

// === Pull ===

// generatedRemoteIDs returns the remote ids owned by tombstones in the window
func (s *SyncService) generatedRemoteIDs(ctx context.Context, run *syncRun) (map[string]bool, error) {
	records, err := s.store.ListTombstones(ctx, run.userID, run.fromDate, run.toDate)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(records))
	for _, t := range records {
		if t.RemoteEventID != "" && run.owns(t.RemoteCalendarID) {
			ids[t.RemoteEventID] = true
		}
	}
	return ids, nil
}

func (s *SyncService) pull(ctx context.Context, run *syncRun) error {
	// the whole window or nothing
	remoteEvents, err := s.gateway.List(ctx, run.token, run.calendarID, run.window)
	if err != nil {
		return fmt.Errorf("list remote events: %w", err)
	}
	generatedIDs, err := s.generatedRemoteIDs(ctx, run)
	if err != nil {
		return fmt.Errorf("load tombstones: %w", err)
	}
	// series masters stored locally; their expanded instances are not imported
	linked, err := s.store.FindEvents(ctx, domain.EventFilter{
		UserID:           run.userID,
		HasRemoteID:      true,
		RemoteCalendarID: run.calendarID,
	})
	if err != nil {
		return fmt.Errorf("load linked events: %w", err)
	}
	byRemoteID := make(map[string]*domain.CalendarEvent, len(linked))
	for _, ev := range linked {
		byRemoteID[*ev.RemoteEventID] = ev
	}

	forEachItem(run, domain.PhasePull, remoteEvents, &run.result.Pulled, func(re *remote.Event) (bool, error) {
		if re.Cancelled() || generatedIDs[re.ID] {
			return false, nil
		}
		if re.RecurringEventID != "" {
			if _, ok := byRemoteID[re.RecurringEventID]; ok {
				return false, nil
			}
		}

		incoming, err := FromRemote(re, run.tz)
		if err != nil {
			return false, err
		}

		if local, ok := byRemoteID[re.ID]; ok {
			return s.pullExisting(ctx, run, local, incoming, re)
		}

		incoming.UserID = run.userID
		if incoming.Scope == "" {
			incoming.Scope = domain.ScopePersonal
		}
		incoming.EventType = domain.EventTypeOther
		incoming.MarkSynced(re.ID, run.calendarID, re.Etag, s.now())
		if err := s.store.CreateEvent(ctx, incoming); err != nil {
			return false, fmt.Errorf("remote %s: create local event: %w", re.ID, err)
		}
		byRemoteID[re.ID] = incoming
		return true, nil
	})
	return nil
}

// pullExisting overwrites a linked local event; only real changes count
func (s *SyncService) pullExisting(ctx context.Context, run *syncRun, local, incoming *domain.CalendarEvent, re *remote.Event) (bool, error) {
	sameEtag := re.Etag != "" && local.RemoteEtag != nil && *local.RemoteEtag == re.Etag
	if local.SyncStatus == domain.SyncStatusSynced && (sameEtag || !contentChanged(local, incoming)) {
		if sameEtag {
			return false, nil
		}
		// refresh the freshness hint without counting
		local.MarkSynced(re.ID, run.calendarID, re.Etag, s.now())
		if err := s.store.UpdateEvent(ctx, local); err != nil {
			return false, fmt.Errorf("remote %s: update etag of %s: %w", re.ID, local.ID, err)
		}
		return false, nil
	}

	applyRemote(local, incoming)
	local.MarkSynced(re.ID, run.calendarID, re.Etag, s.now())
	if err := s.store.UpdateEvent(ctx, local); err != nil {
		return false, fmt.Errorf("remote %s: update local event %s: %w", re.ID, local.ID, err)
	}
	return true, nil
}

// === Cleanup ===

func (s *SyncService) cleanup(ctx context.Context, run *syncRun) error {
	// listed again: push and pull may have changed the remote side
	remoteEvents, err := s.gateway.List(ctx, run.token, run.calendarID, run.window)
	if err != nil {
		return fmt.Errorf("list remote events: %w", err)
	}
	present := make(map[string]bool, len(remoteEvents))
	for _, re := range remoteEvents {
		if re.Cancelled() {
			continue
		}
		present[re.ID] = true
		if re.RecurringEventID != "" {
			present[re.RecurringEventID] = true
		}
	}

	if run.regular() {
		if err := s.cleanupEvents(ctx, run, present); err != nil {
			run.addError(domain.PhaseCleanup, err)
		}
	}
	if run.generated() {
		if err := s.cleanupTombstones(ctx, run, present); err != nil {
			run.addError(domain.PhaseCleanup, err)
		}
	}
	return nil
}

func (s *SyncService) cleanupEvents(ctx context.Context, run *syncRun, present map[string]bool) error {
	// only events linked to the listed calendar can be judged absent
	linked, err := s.store.FindEvents(ctx, domain.EventFilter{
		UserID:           run.userID,
		From:             run.fromDate,
		To:               run.toDate,
		HasRemoteID:      true,
		RemoteCalendarID: run.calendarID,
	})
	if err != nil {
		return fmt.Errorf("load linked events: %w", err)
	}

	forEachItem(run, domain.PhaseCleanup, linked, &run.result.Deleted, func(ev *domain.CalendarEvent) (bool, error) {
		remoteID := *ev.RemoteEventID
		if present[remoteID] || !run.owns(ev.RemoteCalendarID) || !run.covers(ev) {
			return false, nil
		}
		eventID := ev.ID
		msg := fmt.Sprintf("remote event %s no longer exists, deleting %q", remoteID, ev.Title)
		if err := s.logActivity(ctx, run.userID, &eventID, domain.PhaseCleanup, ActivityDeleted, msg); err != nil {
			return false, fmt.Errorf("event %s: log activity: %w", ev.ID, err)
		}
		if err := s.store.DeleteEvent(ctx, ev.ID); err != nil {
			return false, fmt.Errorf("event %s: delete: %w", ev.ID, err)
		}
		return true, nil
	})
	return nil
}

func (s *SyncService) cleanupTombstones(ctx context.Context, run *syncRun, present map[string]bool) error {
	records, err := s.store.ListActiveTombstones(ctx, run.userID, run.fromDate, run.toDate)
	if err != nil {
		return fmt.Errorf("load tombstones: %w", err)
	}

	forEachItem(run, domain.PhaseCleanup, records, &run.result.Deleted, func(t *domain.Tombstone) (bool, error) {
		if present[t.RemoteEventID] || !run.owns(t.RemoteCalendarID) || !run.covers(&domain.CalendarEvent{Date: t.Date, AllDay: true}) {
			return false, nil
		}
		msg := fmt.Sprintf("remote event %s of %s no longer exists, suppressing %q", t.RemoteEventID, t.OriginalEventID, t.Title)
		if err := s.logActivity(ctx, run.userID, nil, domain.PhaseCleanup, ActivityTombstoned, msg); err != nil {
			return false, fmt.Errorf("%s: log activity: %w", t.OriginalEventID, err)
		}
		if err := s.store.MarkTombstoneDeleted(ctx, run.userID, t.OriginalEventID); err != nil {
			return false, fmt.Errorf("%s: mark deleted: %w", t.OriginalEventID, err)
		}
		return true, nil
	})
	return nil
}

// logActivity appends to the sync log. If the entry cannot reference the
// event it is written without the reference, the id moved into the message.
func (s *SyncService) logActivity(ctx context.Context, userID int64, eventID *string, phase, status, msg string) error {
	a := &domain.SyncActivity{
		UserID:    userID,
		EventID:   eventID,
		Phase:     phase,
		Status:    status,
		Message:   msg,
		CreatedAt: s.now(),
	}
	err := s.store.LogSyncActivity(ctx, a)
	if err == nil || eventID == nil {
		return err
	}
	s.logger.Warn("activity log fallback", "event_id", *eventID, "err", err)
	a.EventID = nil
	a.Message = fmt.Sprintf("[event %s] %s", *eventID, msg)
	return s.store.LogSyncActivity(ctx, a)
}

// SuppressAutoEvent removes a generated event on the user's request. The
// remote copy is deleted if known; the ledger keeps a deleted record so no
// later run pushes the event again.
func (s *SyncService) SuppressAutoEvent(ctx context.Context, userID int64, originalEventID string) error {
	if originalEventID == "" {
		return errors.New("empty generated event id")
	}

	existing, err := s.store.GetTombstone(ctx, userID, originalEventID)
	if err != nil {
		return fmt.Errorf("load tombstone: %w", err)
	}
	if existing != nil && existing.IsDeleted() {
		return nil
	}

	msg := fmt.Sprintf("generated event %s suppressed by user", originalEventID)
	if existing != nil && existing.RemoteEventID != "" {
		s.deleteRemoteCopy(ctx, userID, existing.RemoteCalendarID, existing.RemoteEventID)
	}
	if err := s.logActivity(ctx, userID, nil, domain.PhasePush, ActivitySuppressed, msg); err != nil {
		return fmt.Errorf("log activity: %w", err)
	}

	if existing != nil {
		return s.store.MarkTombstoneDeleted(ctx, userID, originalEventID)
	}

	companies, err := s.store.ListCompanies(ctx, userID)
	if err != nil {
		return fmt.Errorf("load companies: %w", err)
	}
	return s.store.CreateTombstone(ctx, &domain.Tombstone{
		OriginalEventID: originalEventID,
		UserID:          userID,
		Date:            AnniversaryDate(originalEventID, companies),
		SyncedAt:        s.now(),
		State:           domain.TombstoneDeleted,
	})
}

// deleteRemoteCopy is best effort; cleanup catches what it misses. An empty
// calendarID falls back to the credential's calendar.
func (s *SyncService) deleteRemoteCopy(ctx context.Context, userID int64, calendarID, remoteID string) {
	token, err := s.tokens.EnsureValidCredential(ctx, userID)
	if err != nil {
		s.logger.Warn("suppress: no access token", "user_id", userID, "err", err)
		return
	}
	if calendarID == "" {
		calendarID = token.CalendarID
	}
	if calendarID == "" {
		calendarID = DefaultCalendarID
	}
	err = s.gateway.Delete(ctx, token.Value, calendarID, remoteID)
	if err != nil && !remote.IsNotFound(err) {
		s.logger.Warn("suppress: remote delete failed", "user_id", userID, "remote_id", remoteID, "err", err)
	}
}
