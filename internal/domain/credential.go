package domain

import "time"

// Credential holds the encrypted OAuth tokens of a user's provider connection
type Credential struct {
	UserID          int64
	AccessTokenEnc  string
	RefreshTokenEnc string
	Expiry          time.Time
	TimeZone        string // provider calendar timezone, IANA name
	CalendarID      string // default calendar to sync
	UpdatedAt       time.Time
}

// IsConnected returns true if a refresh token is stored
func (c *Credential) IsConnected() bool {
	return c != nil && c.RefreshTokenEnc != ""
}
