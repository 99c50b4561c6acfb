package domain

import "time"

type User struct {
	ID             int64
	Email          string
	Name           string
	TelegramChatID int64
	LastSyncAt     *time.Time
	CreatedAt      time.Time
}

// Company is a bookkeeping tenant owned by a user
type Company struct {
	ID        int64
	UserID    int64
	Name      string
	FoundedOn *time.Time // nil if unknown, no anniversaries then
	CreatedAt time.Time
}

// HasFoundingDate returns true if anniversaries can be derived
func (c *Company) HasFoundingDate() bool {
	return c.FoundedOn != nil
}
