package wallet

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionTypeDeposit TransactionType = "deposit"
	TransactionTypeDebit   TransactionType = "debit"
)

// Wallet holds a user's prepaid currency balance. The balance is only ever
// mutated through the atomic primitives in this package; every mutation
// appends an immutable transaction row, so the sum of transactions always
// reconciles to the stored balance.
type Wallet struct {
	UserID    uuid.UUID       `db:"user_id" json:"user_id"`
	Balance   decimal.Decimal `db:"balance" json:"balance"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// Transaction is an immutable ledger line. ReferenceID correlates the line
// to a generation (its farm id) or an order (its provider transaction id)
// and doubles as the idempotency key for deposits.
type Transaction struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	UserID      uuid.UUID       `db:"user_id" json:"user_id"`
	Type        TransactionType `db:"type" json:"type"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	Credits     *int            `db:"credits" json:"credits,omitempty"`
	Description string          `db:"description" json:"description"`
	ReferenceID *string         `db:"reference_id" json:"reference_id,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}
