package token

import (
	"time"

	"github.com/google/uuid"
)

// Token is an admin-issued access token. It is a rate/quota policy, not a
// balance: consumption is derived by summing the generation rows recorded
// against it, never kept as a stored counter that could go stale under
// concurrent or partially failed requests.
type Token struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	ClientName      string     `db:"client_name" json:"client_name"`
	TotalLimit      *int       `db:"total_limit" json:"total_limit,omitempty"`
	DailyLimit      *int       `db:"daily_limit" json:"daily_limit,omitempty"`
	CreditsPerUse   int        `db:"credits_per_use" json:"credits_per_use"`
	CooldownSeconds int        `db:"cooldown_seconds" json:"cooldown_seconds"`
	ExpiresAt       *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	IsActive        bool       `db:"is_active" json:"is_active"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}

// Usage is the derived consumption of a token
type Usage struct {
	TotalUsed  int        `db:"total_used" json:"total_used"`
	UsedToday  int        `db:"used_today" json:"used_today"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
}

// Expired reports whether the token has passed its expiry
func (t *Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}
