package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tazhate/calsync/internal/domain"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "data", "calsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createUser(t *testing.T, s *Storage) *domain.User {
	t.Helper()
	u := &domain.User{Email: "owner@example.com", Name: "Owner"}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func strPtr(s string) *string { return &s }

func TestEventLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	u := createUser(t, s)

	e := &domain.CalendarEvent{
		UserID:       u.ID,
		Scope:        domain.ScopePersonal,
		EventType:    domain.EventTypeMeeting,
		Title:        "Tax review",
		Date:         "2026-11-02",
		StartTime:    "10:00",
		EndTime:      "11:00",
		Participants: []string{"a@example.com"},
	}
	require.NoError(t, s.CreateEvent(ctx, e))
	require.NotEmpty(t, e.ID)
	assert.Equal(t, domain.SyncStatusLocal, e.SyncStatus)

	got, err := s.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Tax review", got.Title)
	assert.Equal(t, []string{"a@example.com"}, got.Participants)
	assert.Nil(t, got.RemoteEventID)

	got.MarkSynced("g1", "primary", "etag-1", time.Now())
	require.NoError(t, s.UpdateEvent(ctx, got))

	found, err := s.FindEvents(ctx, domain.EventFilter{UserID: u.ID, RemoteEventID: strPtr("g1")})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, domain.SyncStatusSynced, found[0].SyncStatus)
	assert.Equal(t, "etag-1", *found[0].RemoteEtag)
	assert.NotNil(t, found[0].LastSyncedAt)

	require.NoError(t, s.DeleteEvent(ctx, e.ID))
	got, err = s.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCreateEvent_RejectsInvariantViolation(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	u := createUser(t, s)

	err := s.CreateEvent(ctx, &domain.CalendarEvent{
		UserID: u.ID, Title: "x", Date: "2026-11-02", SyncStatus: domain.SyncStatusSynced,
	})
	assert.Error(t, err)

	err = s.CreateEvent(ctx, &domain.CalendarEvent{
		UserID: u.ID, Title: "x", Date: "2026-11-02", OriginalEventID: "anniversary-1-2026",
	})
	assert.Error(t, err)
}

func TestFindEvents_Filters(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	u := createUser(t, s)

	mk := func(date string, status domain.SyncStatus, remote *string) {
		require.NoError(t, s.CreateEvent(ctx, &domain.CalendarEvent{
			UserID: u.ID, Title: date, Date: date, AllDay: true, SyncStatus: status, RemoteEventID: remote,
		}))
	}
	mk("2026-10-01", domain.SyncStatusLocal, nil)
	mk("2026-10-15", domain.SyncStatusPending, nil)
	mk("2026-10-20", domain.SyncStatusSynced, strPtr("r1"))
	mk("2027-01-01", domain.SyncStatusLocal, nil)

	pending, err := s.FindEvents(ctx, domain.EventFilter{
		UserID:   u.ID,
		Statuses: []domain.SyncStatus{domain.SyncStatusLocal, domain.SyncStatusPending},
		From:     "2026-10-01",
		To:       "2026-12-31",
	})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "2026-10-01", pending[0].Date)
	assert.Equal(t, "2026-10-15", pending[1].Date)

	linked, err := s.FindEvents(ctx, domain.EventFilter{UserID: u.ID, HasRemoteID: true})
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, "r1", *linked[0].RemoteEventID)
}

func TestFindEvents_RemoteCalendar(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	u := createUser(t, s)

	for _, link := range []struct{ remoteID, calendarID string }{
		{"w1", "work"},
		{"p1", "personal"},
		{"old", ""},
	} {
		e := &domain.CalendarEvent{UserID: u.ID, Title: link.remoteID, Date: "2026-10-20", AllDay: true}
		require.NoError(t, s.CreateEvent(ctx, e))
		e.MarkSynced(link.remoteID, link.calendarID, "e", time.Now())
		require.NoError(t, s.UpdateEvent(ctx, e))
	}

	found, err := s.FindEvents(ctx, domain.EventFilter{UserID: u.ID, HasRemoteID: true, RemoteCalendarID: "personal"})
	require.NoError(t, err)
	var ids []string
	for _, e := range found {
		ids = append(ids, *e.RemoteEventID)
	}
	// events without a recorded calendar match any calendar
	assert.ElementsMatch(t, []string{"p1", "old"}, ids)
}

func TestNew_ReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calsync.db")
	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()
	u := createUser(t, s)
	require.NoError(t, s.CreateTombstone(context.Background(), &domain.Tombstone{
		OriginalEventID: "anniversary-1-2026", RemoteCalendarID: "work", UserID: u.ID, Date: "2026-11-10",
	}))
}

func TestRemoteEventIDUniquePerUser(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	u := createUser(t, s)

	e1 := &domain.CalendarEvent{UserID: u.ID, Title: "a", Date: "2026-10-01", SyncStatus: domain.SyncStatusSynced, RemoteEventID: strPtr("dup")}
	e2 := &domain.CalendarEvent{UserID: u.ID, Title: "b", Date: "2026-10-02", SyncStatus: domain.SyncStatusSynced, RemoteEventID: strPtr("dup")}
	require.NoError(t, s.CreateEvent(ctx, e1))
	assert.Error(t, s.CreateEvent(ctx, e2))
}

func TestParticipants_MalformedStoredValue(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	u := createUser(t, s)

	e := &domain.CalendarEvent{UserID: u.ID, Title: "x", Date: "2026-10-01"}
	require.NoError(t, s.CreateEvent(ctx, e))
	_, err := s.db.Exec(`UPDATE calendar_events SET participants = '{"not":"an array"}' WHERE id = ?`, e.ID)
	require.NoError(t, err)

	got, err := s.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Participants)
}

func TestTombstones(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	u := createUser(t, s)

	ts := &domain.Tombstone{
		OriginalEventID:  "anniversary-1-2026",
		RemoteEventID:    "g-anniv",
		RemoteCalendarID: "work",
		UserID:           u.ID,
		Title:            "Acme: 5. anniversary",
		Date:             "2026-11-10",
	}
	require.NoError(t, s.CreateTombstone(ctx, ts))
	assert.Equal(t, domain.TombstoneActive, ts.State)

	// second active record for the same generated event is rejected
	dup := *ts
	dup.ID = 0
	assert.Error(t, s.CreateTombstone(ctx, &dup))

	active, err := s.ListActiveTombstones(ctx, u.ID, "2026-10-01", "2026-12-31")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "work", active[0].RemoteCalendarID)

	require.NoError(t, s.MarkTombstoneDeleted(ctx, u.ID, ts.OriginalEventID))

	active, err = s.ListActiveTombstones(ctx, u.ID, "2026-10-01", "2026-12-31")
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := s.ListTombstones(ctx, u.ID, "2026-10-01", "2026-12-31")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].IsDeleted())

	got, err := s.GetTombstone(ctx, u.ID, ts.OriginalEventID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsDeleted())

	missing, err := s.GetTombstone(ctx, u.ID, "anniversary-9-2030")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCredentials(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	u := createUser(t, s)

	c, err := s.GetCredential(ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, c)

	expiry := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveCredential(ctx, &domain.Credential{
		UserID:          u.ID,
		AccessTokenEnc:  "old-access",
		RefreshTokenEnc: "refresh",
		Expiry:          expiry,
		TimeZone:        "Europe/Berlin",
		CalendarID:      "primary",
	}))

	ids, err := s.ListConnectedUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{u.ID}, ids)

	newExpiry := expiry.Add(time.Hour)
	require.NoError(t, s.UpdateCredentialToken(ctx, u.ID, "new-access", "", newExpiry))

	c, err = s.GetCredential(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "new-access", c.AccessTokenEnc)
	assert.Equal(t, "refresh", c.RefreshTokenEnc)
	assert.True(t, c.Expiry.Equal(newExpiry))
	assert.Equal(t, "Europe/Berlin", c.TimeZone)

	assert.Error(t, s.UpdateCredentialToken(ctx, u.ID+100, "x", "", newExpiry))
}

func TestSyncActivity_ForeignKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	u := createUser(t, s)

	e := &domain.CalendarEvent{UserID: u.ID, Title: "x", Date: "2026-10-01"}
	require.NoError(t, s.CreateEvent(ctx, e))

	require.NoError(t, s.LogSyncActivity(ctx, &domain.SyncActivity{
		UserID: u.ID, EventID: &e.ID, Phase: domain.PhaseCleanup, Status: "deleted", Message: "remote gone",
	}))

	gone := "missing-event"
	err := s.LogSyncActivity(ctx, &domain.SyncActivity{
		UserID: u.ID, EventID: &gone, Phase: domain.PhaseCleanup, Status: "deleted",
	})
	assert.Error(t, err)

	// deleting the event keeps the audit row
	require.NoError(t, s.DeleteEvent(ctx, e.ID))
	list, err := s.ListSyncActivity(ctx, u.ID, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].EventID)
	assert.Equal(t, "remote gone", list[0].Message)
}

func TestUsersAndCompanies(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	u := createUser(t, s)

	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateLastSyncAt(ctx, u.ID, now))
	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSyncAt)
	assert.True(t, got.LastSyncAt.Equal(now))

	founded := time.Date(2019, 3, 14, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateCompany(ctx, &domain.Company{UserID: u.ID, Name: "Acme", FoundedOn: &founded}))
	require.NoError(t, s.CreateCompany(ctx, &domain.Company{UserID: u.ID, Name: "NoDate"}))

	companies, err := s.ListCompanies(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, companies, 2)
	require.True(t, companies[0].HasFoundingDate())
	assert.Equal(t, "2019-03-14", companies[0].FoundedOn.Format(domain.DateLayout))
	assert.False(t, companies[1].HasFoundingDate())

	missing, err := s.GetUser(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}
