package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/tazhate/calsync/internal/domain"
	"github.com/tazhate/calsync/internal/remote"
)

// memStore is an in-memory SyncStore. Reads and writes copy, like a database.
type memStore struct {
	mu         sync.Mutex
	events     map[string]*domain.CalendarEvent
	tombstones []*domain.Tombstone
	companies  []*domain.Company
	activity   []*domain.SyncActivity
	lastSync   map[int64]time.Time
	nextID     int

	// ops records mutations in order, e.g. "activity", "delete:<id>"
	ops []string

	findErr          error
	rejectEventRefs  bool // simulate a foreign key failure on activity rows
	updateLastSyncFn func() error
}

func newMemStore() *memStore {
	return &memStore{
		events:   map[string]*domain.CalendarEvent{},
		lastSync: map[int64]time.Time{},
	}
}

func cloneEvent(e *domain.CalendarEvent) *domain.CalendarEvent {
	c := *e
	c.Participants = slices.Clone(e.Participants)
	if e.RemoteEventID != nil {
		id := *e.RemoteEventID
		c.RemoteEventID = &id
	}
	if e.RemoteEtag != nil {
		tag := *e.RemoteEtag
		c.RemoteEtag = &tag
	}
	return &c
}

// add stores an event as-is, for test setup
func (m *memStore) add(e *domain.CalendarEvent) *domain.CalendarEvent {
	if err := m.CreateEvent(context.Background(), e); err != nil {
		panic(err)
	}
	return e
}

func (m *memStore) get(id string) *domain.CalendarEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil
	}
	return cloneEvent(e)
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *memStore) FindEvents(_ context.Context, f domain.EventFilter) ([]*domain.CalendarEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}

	var out []*domain.CalendarEvent
	for _, e := range m.events {
		if f.UserID != 0 && e.UserID != f.UserID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.SyncStatus) {
			continue
		}
		if f.From != "" && e.Date < f.From {
			continue
		}
		if f.To != "" && e.Date > f.To {
			continue
		}
		if f.RemoteEventID != nil && (e.RemoteEventID == nil || *e.RemoteEventID != *f.RemoteEventID) {
			continue
		}
		if f.HasRemoteID && !e.HasRemote() {
			continue
		}
		if f.RemoteCalendarID != "" && e.RemoteCalendarID != "" && e.RemoteCalendarID != f.RemoteCalendarID {
			continue
		}
		out = append(out, cloneEvent(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memStore) GetEvent(_ context.Context, id string) (*domain.CalendarEvent, error) {
	return m.get(id), nil
}

func (m *memStore) CreateEvent(_ context.Context, e *domain.CalendarEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.IsAutoGenerated() {
		return errors.New("generated events are not stored")
	}
	if e.ID == "" {
		m.nextID++
		e.ID = fmt.Sprintf("ev-%d", m.nextID)
	}
	if e.SyncStatus == "" {
		e.SyncStatus = domain.SyncStatusLocal
	}
	if err := e.CheckSyncInvariant(); err != nil {
		return err
	}
	if _, exists := m.events[e.ID]; exists {
		return fmt.Errorf("duplicate id %s", e.ID)
	}
	m.events[e.ID] = cloneEvent(e)
	m.ops = append(m.ops, "create:"+e.ID)
	return nil
}

func (m *memStore) UpdateEvent(_ context.Context, e *domain.CalendarEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := e.CheckSyncInvariant(); err != nil {
		return err
	}
	if _, ok := m.events[e.ID]; !ok {
		return fmt.Errorf("event %s not found", e.ID)
	}
	m.events[e.ID] = cloneEvent(e)
	m.ops = append(m.ops, "update:"+e.ID)
	return nil
}

func (m *memStore) DeleteEvent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, id)
	m.ops = append(m.ops, "delete:"+id)
	return nil
}

func (m *memStore) listTombstones(userID int64, from, to string, activeOnly bool) []*domain.Tombstone {
	var out []*domain.Tombstone
	for _, t := range m.tombstones {
		if t.UserID != userID || t.Date < from || t.Date > to {
			continue
		}
		if activeOnly && t.IsDeleted() {
			continue
		}
		c := *t
		out = append(out, &c)
	}
	return out
}

func (m *memStore) ListTombstones(_ context.Context, userID int64, from, to string) ([]*domain.Tombstone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listTombstones(userID, from, to, false), nil
}

func (m *memStore) ListActiveTombstones(_ context.Context, userID int64, from, to string) ([]*domain.Tombstone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listTombstones(userID, from, to, true), nil
}

func (m *memStore) GetTombstone(_ context.Context, userID int64, originalEventID string) (*domain.Tombstone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *domain.Tombstone
	for _, t := range m.tombstones {
		if t.UserID != userID || t.OriginalEventID != originalEventID {
			continue
		}
		if found == nil || !t.IsDeleted() {
			found = t
		}
	}
	if found == nil {
		return nil, nil
	}
	c := *found
	return &c, nil
}

func (m *memStore) CreateTombstone(_ context.Context, t *domain.Tombstone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.State == "" {
		t.State = domain.TombstoneActive
	}
	for _, existing := range m.tombstones {
		if t.State == domain.TombstoneActive && !existing.IsDeleted() &&
			existing.UserID == t.UserID && existing.OriginalEventID == t.OriginalEventID {
			return errors.New("active tombstone exists")
		}
	}
	c := *t
	c.ID = int64(len(m.tombstones) + 1)
	t.ID = c.ID
	m.tombstones = append(m.tombstones, &c)
	m.ops = append(m.ops, "tombstone:"+t.OriginalEventID)
	return nil
}

func (m *memStore) MarkTombstoneDeleted(_ context.Context, userID int64, originalEventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tombstones {
		if t.UserID == userID && t.OriginalEventID == originalEventID && !t.IsDeleted() {
			t.State = domain.TombstoneDeleted
		}
	}
	m.ops = append(m.ops, "tombstone-deleted:"+originalEventID)
	return nil
}

func (m *memStore) ListCompanies(_ context.Context, userID int64) ([]*domain.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Company
	for _, c := range m.companies {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) LogSyncActivity(_ context.Context, a *domain.SyncActivity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.EventID != nil && m.rejectEventRefs {
		return errors.New("FOREIGN KEY constraint failed")
	}
	c := *a
	m.activity = append(m.activity, &c)
	m.ops = append(m.ops, "activity")
	return nil
}

func (m *memStore) UpdateLastSyncAt(_ context.Context, userID int64, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateLastSyncFn != nil {
		if err := m.updateLastSyncFn(); err != nil {
			return err
		}
	}
	m.lastSync[userID] = t
	return nil
}

// fakeGateway keeps remote events in memory and counts calls. Every event
// lives in one calendar; operations on another calendar do not see it.
type fakeGateway struct {
	mu       sync.Mutex
	events   map[string]*remote.Event
	calendar map[string]string // event id -> calendar id
	nextID   int

	listCalls   int
	createCalls int
	updateCalls int
	deleteCalls int

	listErr     error
	createErrOn map[string]error // by summary
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		events:      map[string]*remote.Event{},
		calendar:    map[string]string{},
		createErrOn: map[string]error{},
	}
}

func cloneRemote(e *remote.Event) *remote.Event {
	c := *e
	c.Attendees = slices.Clone(e.Attendees)
	c.Recurrence = slices.Clone(e.Recurrence)
	return &c
}

// put seeds a remote event in the primary calendar
func (g *fakeGateway) put(ev *remote.Event) {
	g.putIn(DefaultCalendarID, ev)
}

func (g *fakeGateway) putIn(calendarID string, ev *remote.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events[ev.ID] = cloneRemote(ev)
	g.calendar[ev.ID] = calendarID
}

func (g *fakeGateway) remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.events, id)
	delete(g.calendar, id)
}

// in reports whether the event exists in the calendar; callers hold mu
func (g *fakeGateway) in(calendarID, eventID string) bool {
	_, ok := g.events[eventID]
	return ok && g.calendar[eventID] == calendarID
}

func (g *fakeGateway) List(_ context.Context, _, calendarID string, _ remote.Window) ([]*remote.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listCalls++
	if g.listErr != nil {
		return nil, &remote.RemoteError{Op: remote.OpList, CalendarID: "primary", Err: g.listErr}
	}
	ids := make([]string, 0, len(g.events))
	for id := range g.events {
		if g.calendar[id] == calendarID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]*remote.Event, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneRemote(g.events[id]))
	}
	return out, nil
}

func (g *fakeGateway) Create(_ context.Context, _, calendarID string, ev *remote.Event) (*remote.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	if err := g.createErrOn[ev.Summary]; err != nil {
		return nil, &remote.RemoteError{Op: remote.OpCreate, CalendarID: calendarID, StatusCode: http.StatusInternalServerError, Err: err}
	}
	g.nextID++
	c := cloneRemote(ev)
	c.ID = fmt.Sprintf("g-%d", g.nextID)
	c.Etag = fmt.Sprintf(`"%s-1"`, c.ID)
	g.events[c.ID] = c
	g.calendar[c.ID] = calendarID
	return cloneRemote(c), nil
}

func (g *fakeGateway) Update(_ context.Context, _, calendarID string, ev *remote.Event) (*remote.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updateCalls++
	existing, ok := g.events[ev.ID]
	if !ok || !g.in(calendarID, ev.ID) {
		return nil, &remote.RemoteError{Op: remote.OpUpdate, CalendarID: calendarID, EventID: ev.ID, StatusCode: http.StatusNotFound}
	}
	c := cloneRemote(ev)
	c.Etag = existing.Etag + "+"
	g.events[c.ID] = c
	return cloneRemote(c), nil
}

func (g *fakeGateway) Delete(_ context.Context, _, calendarID, eventID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleteCalls++
	if !g.in(calendarID, eventID) {
		return &remote.RemoteError{Op: remote.OpDelete, CalendarID: calendarID, EventID: eventID, StatusCode: http.StatusNotFound}
	}
	delete(g.events, eventID)
	delete(g.calendar, eventID)
	return nil
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listCalls + g.createCalls + g.updateCalls + g.deleteCalls
}

// fakeTokens returns a fixed token or error
type fakeTokens struct {
	token *AccessToken
	err   error
	calls int
}

func (f *fakeTokens) EnsureValidCredential(_ context.Context, _ int64) (*AccessToken, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}
