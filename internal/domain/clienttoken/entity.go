package clienttoken

import (
	"time"

	"github.com/google/uuid"
)

// ClientToken is a reseller-issued sub-token. Unlike an admin access token
// it IS a prepaid balance: total_credits - credits_used = remaining.
type ClientToken struct {
	ID           uuid.UUID `db:"id" json:"id"`
	OwnerUserID  uuid.UUID `db:"owner_user_id" json:"owner_user_id"`
	Label        string    `db:"label" json:"label"`
	TotalCredits int       `db:"total_credits" json:"total_credits"`
	CreditsUsed  int       `db:"credits_used" json:"credits_used"`
	IsActive     bool      `db:"is_active" json:"is_active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Remaining is the unspent credit capacity
func (t *ClientToken) Remaining() int {
	return t.TotalCredits - t.CreditsUsed
}
