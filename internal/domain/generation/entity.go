package generation

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the generation state machine:
// creating -> queued -> waiting_invite -> running -> completed, with error,
// expired and cancelled reachable from any non-terminal state. Terminal
// status and settlement are separate axes; settlement may lag behind.
type Status string

const (
	StatusCreating      Status = "creating"
	StatusQueued        Status = "queued"
	StatusWaitingInvite Status = "waiting_invite"
	StatusRunning       Status = "running"
	StatusCompleted     Status = "completed"
	StatusError         Status = "error"
	StatusExpired       Status = "expired"
	StatusCancelled     Status = "cancelled"
)

var allStatuses = map[Status]bool{
	StatusCreating:      true,
	StatusQueued:        true,
	StatusWaitingInvite: true,
	StatusRunning:       true,
	StatusCompleted:     true,
	StatusError:         true,
	StatusExpired:       true,
	StatusCancelled:     true,
}

// ParseStatus validates a raw status against the allow-list. Unrecognized
// strings are rejected before they can be persisted.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.TrimSpace(raw))
	if !allStatuses[s] {
		return "", ErrInvalidStatus
	}
	return s, nil
}

// Terminal reports whether the status admits no further farm progress
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// QueuedFarmIDPrefix marks placeholder farm ids assigned while a generation
// waits for a concurrency slot. The real id replaces it on dispatch.
const QueuedFarmIDPrefix = "queued-"

// NewPlaceholderFarmID creates a placeholder farm id for a queued generation
func NewPlaceholderFarmID() string {
	return QueuedFarmIDPrefix + uuid.New().String()
}

// Generation is one request-to-delivery unit of work. Exactly one of
// UserID, TokenID and ClientTokenID is set and decides the refund path at
// settlement. SettledAt transitions null -> non-null exactly once; every
// settlement entry point claims it with a conditional update.
type Generation struct {
	ID               uuid.UUID     `db:"id" json:"id"`
	FarmID           string        `db:"farm_id" json:"farm_id"`
	CreditsRequested int           `db:"credits_requested" json:"credits_requested"`
	CreditsEarned    int           `db:"credits_earned" json:"credits_earned"`
	Status           Status        `db:"status" json:"status"`
	SettledAt        *time.Time    `db:"settled_at" json:"settled_at,omitempty"`
	UserID           uuid.NullUUID `db:"user_id" json:"user_id,omitempty"`
	TokenID          uuid.NullUUID `db:"token_id" json:"token_id,omitempty"`
	ClientTokenID    uuid.NullUUID `db:"client_token_id" json:"client_token_id,omitempty"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updated_at"`
}

// Delivered clamps the observed credits into [0, requested]
func (g *Generation) Delivered() int {
	d := g.CreditsEarned
	if d < 0 {
		d = 0
	}
	if d > g.CreditsRequested {
		d = g.CreditsRequested
	}
	return d
}

// Shortfall is the undelivered remainder owed back at settlement
func (g *Generation) Shortfall() int {
	return g.CreditsRequested - g.Delivered()
}

// AwaitingSlot reports whether the generation still carries a queue
// placeholder instead of a real farm id
func (g *Generation) AwaitingSlot() bool {
	return g.Status == StatusQueued && strings.HasPrefix(g.FarmID, QueuedFarmIDPrefix)
}

// Settled reports whether settlement has claimed this generation
func (g *Generation) Settled() bool {
	return g.SettledAt != nil
}

// Anomaly is a data-integrity finding surfaced to operators. Never
// auto-corrected: fixing a detected inconsistency mechanically risks
// compounding it.
type Anomaly struct {
	GenerationID uuid.UUID `db:"generation_id" json:"generation_id"`
	FarmID       string    `db:"farm_id" json:"farm_id"`
	Reason       string    `db:"reason" json:"reason"`
}
