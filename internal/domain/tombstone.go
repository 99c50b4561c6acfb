package domain

import "time"

// TombstoneState is kept as an explicit state; rows are never removed so a
// later regeneration cannot resurrect a deleted event.
type TombstoneState string

const (
	TombstoneActive  TombstoneState = "active"
	TombstoneDeleted TombstoneState = "deleted"
)

// Tombstone records an auto-generated event that has been pushed remotely
type Tombstone struct {
	ID               int64
	OriginalEventID  string
	RemoteEventID    string
	RemoteCalendarID string // calendar the copy was pushed to
	UserID           int64
	Title            string
	Date             string // YYYY-MM-DD
	SyncedAt         time.Time
	State            TombstoneState
}

func (t *Tombstone) IsDeleted() bool {
	return t.State == TombstoneDeleted
}
