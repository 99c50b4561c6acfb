package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tazhate/calsync/internal/domain"

	_ "github.com/mattn/go-sqlite3"
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// sqlite serializes writers anyway
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			telegram_chat_id INTEGER NOT NULL DEFAULT 0,
			last_sync_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS companies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			founded_on TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_companies_user ON companies(user_id)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			user_id INTEGER PRIMARY KEY,
			access_token_enc TEXT NOT NULL DEFAULT '',
			refresh_token_enc TEXT NOT NULL DEFAULT '',
			expiry DATETIME,
			time_zone TEXT NOT NULL DEFAULT '',
			calendar_id TEXT NOT NULL DEFAULT '',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,
		`CREATE TABLE IF NOT EXISTS calendar_events (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			company_id INTEGER,
			scope TEXT NOT NULL DEFAULT 'personal',
			event_type TEXT NOT NULL DEFAULT 'other',
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			date TEXT NOT NULL,
			start_time TEXT NOT NULL DEFAULT '',
			end_time TEXT NOT NULL DEFAULT '',
			all_day INTEGER NOT NULL DEFAULT 0,
			recurrence TEXT NOT NULL DEFAULT '',
			participants TEXT NOT NULL DEFAULT '[]',
			sync_status TEXT NOT NULL DEFAULT 'LOCAL',
			remote_event_id TEXT,
			remote_calendar_id TEXT NOT NULL DEFAULT '',
			remote_etag TEXT,
			last_synced_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id),
			FOREIGN KEY (company_id) REFERENCES companies(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calendar_events_user_date ON calendar_events(user_id, date)`,
		`CREATE INDEX IF NOT EXISTS idx_calendar_events_status ON calendar_events(sync_status)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_calendar_events_remote
			ON calendar_events(user_id, remote_event_id) WHERE remote_event_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS tombstones (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			original_event_id TEXT NOT NULL,
			remote_event_id TEXT NOT NULL DEFAULT '',
			user_id INTEGER NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			date TEXT NOT NULL,
			synced_at DATETIME NOT NULL,
			state TEXT NOT NULL DEFAULT 'active',
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,
		`ALTER TABLE tombstones ADD COLUMN remote_calendar_id TEXT NOT NULL DEFAULT ''`,
		`CREATE INDEX IF NOT EXISTS idx_tombstones_user_date ON tombstones(user_id, date)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tombstones_active
			ON tombstones(original_event_id, user_id) WHERE state = 'active'`,
		`CREATE TABLE IF NOT EXISTS sync_activity (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			event_id TEXT,
			phase TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id),
			FOREIGN KEY (event_id) REFERENCES calendar_events(id) ON DELETE SET NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_activity_user ON sync_activity(user_id, id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "duplicate column" errors for ALTER TABLE
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf("exec migration: %w", err)
			}
		}
	}
	return nil
}

// === Users ===

func (s *Storage) CreateUser(ctx context.Context, u *domain.User) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, name, telegram_chat_id, created_at) VALUES (?, ?, ?, ?)`,
		u.Email, u.Name, u.TelegramChatID, now,
	)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	u.ID = id
	u.CreatedAt = now
	return nil
}

func (s *Storage) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	u := &domain.User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, telegram_chat_id, last_sync_at, created_at FROM users WHERE id = ?`,
		id,
	).Scan(&u.ID, &u.Email, &u.Name, &u.TelegramChatID, &u.LastSyncAt, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

// UpdateLastSyncAt stamps the end of a sync run
func (s *Storage) UpdateLastSyncAt(ctx context.Context, userID int64, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_sync_at = ? WHERE id = ?`, t, userID)
	return err
}

// === Companies ===

func (s *Storage) CreateCompany(ctx context.Context, c *domain.Company) error {
	var founded *string
	if c.FoundedOn != nil {
		f := c.FoundedOn.Format(domain.DateLayout)
		founded = &f
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO companies (user_id, name, founded_on, created_at) VALUES (?, ?, ?, ?)`,
		c.UserID, c.Name, founded, now,
	)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	c.ID = id
	c.CreatedAt = now
	return nil
}

func (s *Storage) ListCompanies(ctx context.Context, userID int64) ([]*domain.Company, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, founded_on, created_at FROM companies WHERE user_id = ? ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var companies []*domain.Company
	for rows.Next() {
		c := &domain.Company{}
		var founded sql.NullString
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &founded, &c.CreatedAt); err != nil {
			return nil, err
		}
		if founded.Valid && founded.String != "" {
			t, err := time.Parse(domain.DateLayout, founded.String)
			if err != nil {
				return nil, fmt.Errorf("company %d founded_on: %w", c.ID, err)
			}
			c.FoundedOn = &t
		}
		companies = append(companies, c)
	}
	return companies, rows.Err()
}

// === Credentials ===

func (s *Storage) GetCredential(ctx context.Context, userID int64) (*domain.Credential, error) {
	c := &domain.Credential{}
	var expiry sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, access_token_enc, refresh_token_enc, expiry, time_zone, calendar_id, updated_at
		 FROM credentials WHERE user_id = ?`,
		userID,
	).Scan(&c.UserID, &c.AccessTokenEnc, &c.RefreshTokenEnc, &expiry, &c.TimeZone, &c.CalendarID, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expiry.Valid {
		c.Expiry = expiry.Time
	}
	return c, nil
}

// SaveCredential inserts or replaces the connection of a user
func (s *Storage) SaveCredential(ctx context.Context, c *domain.Credential) error {
	c.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (user_id, access_token_enc, refresh_token_enc, expiry, time_zone, calendar_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			access_token_enc = excluded.access_token_enc,
			refresh_token_enc = excluded.refresh_token_enc,
			expiry = excluded.expiry,
			time_zone = excluded.time_zone,
			calendar_id = excluded.calendar_id,
			updated_at = excluded.updated_at`,
		c.UserID, c.AccessTokenEnc, c.RefreshTokenEnc, c.Expiry, c.TimeZone, c.CalendarID, c.UpdatedAt,
	)
	return err
}

// UpdateCredentialToken stores a refreshed access token. An empty refresh
// token keeps the stored one.
func (s *Storage) UpdateCredentialToken(ctx context.Context, userID int64, accessEnc, refreshEnc string, expiry time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET access_token_enc = ?, refresh_token_enc = COALESCE(NULLIF(?, ''), refresh_token_enc),
		 expiry = ?, updated_at = ? WHERE user_id = ?`,
		accessEnc, refreshEnc, expiry, time.Now(), userID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no credential for user %d", userID)
	}
	return nil
}

// ListConnectedUserIDs returns users with a stored refresh token
func (s *Storage) ListConnectedUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM credentials WHERE refresh_token_enc != '' ORDER BY user_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// === Calendar Events ===

const eventColumns = `id, user_id, company_id, scope, event_type, title, description, location, date,
	start_time, end_time, all_day, recurrence, participants, sync_status, remote_event_id,
	remote_calendar_id, remote_etag, last_synced_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*domain.CalendarEvent, error) {
	e := &domain.CalendarEvent{}
	var participants string
	if err := row.Scan(
		&e.ID, &e.UserID, &e.CompanyID, &e.Scope, &e.EventType, &e.Title, &e.Description, &e.Location, &e.Date,
		&e.StartTime, &e.EndTime, &e.AllDay, &e.Recurrence, &participants, &e.SyncStatus, &e.RemoteEventID,
		&e.RemoteCalendarID, &e.RemoteEtag, &e.LastSyncedAt, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	e.Participants = domain.ParseParticipants(participants)
	return e, nil
}

// CreateEvent stores a new event, assigning an id if it has none
func (s *Storage) CreateEvent(ctx context.Context, e *domain.CalendarEvent) error {
	if e.IsAutoGenerated() {
		return fmt.Errorf("event %s: generated events are not stored", e.OriginalEventID)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.SyncStatus == "" {
		e.SyncStatus = domain.SyncStatusLocal
	}
	if err := e.CheckSyncInvariant(); err != nil {
		return err
	}

	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calendar_events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.CompanyID, e.Scope, e.EventType, e.Title, e.Description, e.Location, e.Date,
		e.StartTime, e.EndTime, e.AllDay, e.Recurrence, domain.EncodeParticipants(e.Participants), e.SyncStatus, e.RemoteEventID,
		e.RemoteCalendarID, e.RemoteEtag, e.LastSyncedAt, now, now,
	)
	if err != nil {
		return err
	}
	e.CreatedAt = now
	e.UpdatedAt = now
	return nil
}

func (s *Storage) GetEvent(ctx context.Context, id string) (*domain.CalendarEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM calendar_events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// UpdateEvent overwrites all mutable fields of an event
func (s *Storage) UpdateEvent(ctx context.Context, e *domain.CalendarEvent) error {
	if err := e.CheckSyncInvariant(); err != nil {
		return err
	}
	e.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE calendar_events SET company_id = ?, scope = ?, event_type = ?, title = ?, description = ?, location = ?,
		 date = ?, start_time = ?, end_time = ?, all_day = ?, recurrence = ?, participants = ?, sync_status = ?,
		 remote_event_id = ?, remote_calendar_id = ?, remote_etag = ?, last_synced_at = ?, updated_at = ?
		 WHERE id = ?`,
		e.CompanyID, e.Scope, e.EventType, e.Title, e.Description, e.Location,
		e.Date, e.StartTime, e.EndTime, e.AllDay, e.Recurrence, domain.EncodeParticipants(e.Participants), e.SyncStatus,
		e.RemoteEventID, e.RemoteCalendarID, e.RemoteEtag, e.LastSyncedAt, e.UpdatedAt,
		e.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("event %s not found", e.ID)
	}
	return nil
}

func (s *Storage) DeleteEvent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM calendar_events WHERE id = ?`, id)
	return err
}

// FindEvents returns the events matching all set filter fields, ordered by date
func (s *Storage) FindEvents(ctx context.Context, f domain.EventFilter) ([]*domain.CalendarEvent, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != 0 {
		where = append(where, `user_id = ?`)
		args = append(args, f.UserID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, `sync_status IN (`+strings.Join(marks, ", ")+`)`)
	}
	if f.From != "" {
		where = append(where, `date >= ?`)
		args = append(args, f.From)
	}
	if f.To != "" {
		where = append(where, `date <= ?`)
		args = append(args, f.To)
	}
	if f.RemoteEventID != nil {
		where = append(where, `remote_event_id = ?`)
		args = append(args, *f.RemoteEventID)
	}
	if f.HasRemoteID {
		where = append(where, `remote_event_id IS NOT NULL AND remote_event_id != ''`)
	}
	if f.RemoteCalendarID != "" {
		where = append(where, `(remote_calendar_id = ? OR remote_calendar_id = '')`)
		args = append(args, f.RemoteCalendarID)
	}

	query := `SELECT ` + eventColumns + ` FROM calendar_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY date ASC, start_time ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.CalendarEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// === Tombstones ===

const tombstoneColumns = `id, original_event_id, remote_event_id, remote_calendar_id, user_id, title, date, synced_at, state`

func scanTombstone(row rowScanner) (*domain.Tombstone, error) {
	t := &domain.Tombstone{}
	err := row.Scan(&t.ID, &t.OriginalEventID, &t.RemoteEventID, &t.RemoteCalendarID, &t.UserID, &t.Title, &t.Date, &t.SyncedAt, &t.State)
	return t, err
}

func (s *Storage) queryTombstones(ctx context.Context, query string, args ...any) ([]*domain.Tombstone, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*domain.Tombstone
	for rows.Next() {
		t, err := scanTombstone(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// ListTombstones returns records of all states dated within [from, to]
func (s *Storage) ListTombstones(ctx context.Context, userID int64, from, to string) ([]*domain.Tombstone, error) {
	return s.queryTombstones(ctx,
		`SELECT `+tombstoneColumns+` FROM tombstones WHERE user_id = ? AND date >= ? AND date <= ? ORDER BY date, id`,
		userID, from, to,
	)
}

// ListActiveTombstones returns non-deleted records dated within [from, to]
func (s *Storage) ListActiveTombstones(ctx context.Context, userID int64, from, to string) ([]*domain.Tombstone, error) {
	return s.queryTombstones(ctx,
		`SELECT `+tombstoneColumns+` FROM tombstones
		 WHERE user_id = ? AND date >= ? AND date <= ? AND state = ? ORDER BY date, id`,
		userID, from, to, domain.TombstoneActive,
	)
}

// GetTombstone prefers the active record, then the most recent deleted one
func (s *Storage) GetTombstone(ctx context.Context, userID int64, originalEventID string) (*domain.Tombstone, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tombstoneColumns+` FROM tombstones WHERE user_id = ? AND original_event_id = ?
		 ORDER BY state = 'active' DESC, id DESC LIMIT 1`,
		userID, originalEventID,
	)
	t, err := scanTombstone(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Storage) CreateTombstone(ctx context.Context, t *domain.Tombstone) error {
	if t.State == "" {
		t.State = domain.TombstoneActive
	}
	if t.SyncedAt.IsZero() {
		t.SyncedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tombstones (original_event_id, remote_event_id, remote_calendar_id, user_id, title, date, synced_at, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.OriginalEventID, t.RemoteEventID, t.RemoteCalendarID, t.UserID, t.Title, t.Date, t.SyncedAt, t.State,
	)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	t.ID = id
	return nil
}

// MarkTombstoneDeleted flips the active record to deleted. Records are never
// removed.
func (s *Storage) MarkTombstoneDeleted(ctx context.Context, userID int64, originalEventID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tombstones SET state = ? WHERE user_id = ? AND original_event_id = ? AND state = ?`,
		domain.TombstoneDeleted, userID, originalEventID, domain.TombstoneActive,
	)
	return err
}

// === Sync activity ===

func (s *Storage) LogSyncActivity(ctx context.Context, a *domain.SyncActivity) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_activity (user_id, event_id, phase, status, message, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.UserID, a.EventID, a.Phase, a.Status, a.Message, a.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	a.ID = id
	return nil
}

// ListSyncActivity returns the newest entries first
func (s *Storage) ListSyncActivity(ctx context.Context, userID int64, limit int) ([]*domain.SyncActivity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, event_id, phase, status, message, created_at
		 FROM sync_activity WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*domain.SyncActivity
	for rows.Next() {
		a := &domain.SyncActivity{}
		if err := rows.Scan(&a.ID, &a.UserID, &a.EventID, &a.Phase, &a.Status, &a.Message, &a.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}
