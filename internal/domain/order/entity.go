package order

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

// Status is the payment lifecycle. There is no failed state: an unpaid
// order simply ages out of the reconciliation window.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
)

// Type decides the side effect applied when the order is paid
type Type string

const (
	TypeDeposit       Type = "deposit"
	TypeUpgradeDaily  Type = "upgrade_daily"
	TypeUpgradePerUse Type = "upgrade_per_use"
	TypeTokenPurchase Type = "token_purchase"
)

func (t Type) Valid() bool {
	switch t {
	case TypeDeposit, TypeUpgradeDaily, TypeUpgradePerUse, TypeTokenPurchase:
		return true
	}
	return false
}

// Order is one PIX charge awaiting payment. Amount is the nominal value of
// the purchase; ChargedAmount is what the provider actually bills after an
// optional coupon discount.
type Order struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	UserID           uuid.UUID       `db:"user_id" json:"user_id"`
	Type             Type            `db:"type" json:"type"`
	Status           Status          `db:"status" json:"status"`
	Amount           decimal.Decimal `db:"amount" json:"amount"`
	ChargedAmount    decimal.Decimal `db:"charged_amount" json:"charged_amount"`
	Metadata         types.JSONText  `db:"metadata" json:"metadata,omitempty"`
	CouponCode       *string         `db:"coupon_code" json:"coupon_code,omitempty"`
	DiscountAmount   decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	PixTransactionID *string         `db:"pix_transaction_id" json:"pix_transaction_id,omitempty"`
	PixCode          *string         `db:"pix_code" json:"pix_code,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	PaidAt           *time.Time      `db:"paid_at" json:"paid_at,omitempty"`
}

// UpgradeMetadata is the payload for upgrade_daily and upgrade_per_use orders
type UpgradeMetadata struct {
	TokenID            uuid.UUID `json:"token_id"`
	DailyLimitIncrease int       `json:"daily_limit_increase,omitempty"`
	CreditsPerUse      int       `json:"credits_per_use,omitempty"`
}

// TokenPurchaseMetadata is the payload for token_purchase orders
type TokenPurchaseMetadata struct {
	ClientName      string `json:"client_name"`
	TotalLimit      *int   `json:"total_limit,omitempty"`
	DailyLimit      *int   `json:"daily_limit,omitempty"`
	CreditsPerUse   int    `json:"credits_per_use,omitempty"`
	CooldownSeconds int    `json:"cooldown_seconds,omitempty"`
}

// Coupon is a percentage discount applied at order creation
type Coupon struct {
	Code       string     `db:"code" json:"code"`
	PercentOff int        `db:"percent_off" json:"percent_off"`
	MaxUses    int        `db:"max_uses" json:"max_uses"`
	Uses       int        `db:"uses" json:"uses"`
	ExpiresAt  *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	IsActive   bool       `db:"is_active" json:"is_active"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}
