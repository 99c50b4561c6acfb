package service

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected   = errors.New("calendar not connected")
	ErrRefreshFailed  = errors.New("token refresh failed")
	ErrInvalidOptions = errors.New("invalid sync options")
)

// AuthErrorKind names why no access token is available
type AuthErrorKind string

const (
	NotConnected  AuthErrorKind = "NotConnected"
	RefreshFailed AuthErrorKind = "RefreshFailed"
)

// AuthError aborts a sync run before any phase
type AuthError struct {
	Kind   AuthErrorKind
	UserID int64
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("user %d: %s: %v", e.UserID, e.Kind, e.Err)
	}
	return fmt.Sprintf("user %d: %s", e.UserID, e.Kind)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels, so errors.Is(err, ErrNotConnected) works
func (e *AuthError) Is(target error) bool {
	switch target {
	case ErrNotConnected:
		return e.Kind == NotConnected
	case ErrRefreshFailed:
		return e.Kind == RefreshFailed
	}
	return false
}

// DataError marks a single malformed item; it never aborts a run
type DataError struct {
	EventID string
	Reason  string
}

func (e *DataError) Error() string {
	if e.EventID == "" {
		return "invalid event: " + e.Reason
	}
	return fmt.Sprintf("invalid event %s: %s", e.EventID, e.Reason)
}
