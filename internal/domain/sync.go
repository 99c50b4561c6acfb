package domain

import (
	"fmt"
	"time"
)

type SyncType string

const (
	SyncTypeAll           SyncType = "all"
	SyncTypeRegular       SyncType = "regular"
	SyncTypeAutoGenerated SyncType = "auto-generated"
)

// ParseSyncType accepts the API spelling of a sync type; empty means all
func ParseSyncType(s string) (SyncType, error) {
	switch SyncType(s) {
	case "":
		return SyncTypeAll, nil
	case SyncTypeAll, SyncTypeRegular, SyncTypeAutoGenerated:
		return SyncType(s), nil
	default:
		return "", fmt.Errorf("invalid sync type %q", s)
	}
}

// SyncOptions parameterizes one sync run. Zero values get defaults.
type SyncOptions struct {
	CalendarID           string
	SyncType             SyncType
	TimeMin              time.Time
	TimeMax              time.Time
	IncludeAutoGenerated bool
}

// SyncRunResult is returned to the caller, never persisted
type SyncRunResult struct {
	Pushed     int
	Pulled     int
	Deleted    int
	Errors     []string
	SyncType   SyncType
	StartedAt  time.Time
	FinishedAt time.Time
}

func (r *SyncRunResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Sync phases, also used as SyncActivity.Phase
const (
	PhaseAuth    = "auth"
	PhasePush    = "push"
	PhasePull    = "pull"
	PhaseCleanup = "cleanup"
)

// SyncActivity is an append-only audit entry
type SyncActivity struct {
	ID        int64
	UserID    int64
	EventID   *string
	Phase     string
	Status    string
	Message   string
	CreatedAt time.Time
}
