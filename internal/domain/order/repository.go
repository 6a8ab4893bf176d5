package order

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Reconciliation window for pending orders. Younger orders are still inside
// normal webhook latency; older ones are abandoned carts not worth polling.
const (
	reconcileMinAge = 2 * time.Minute
	reconcileMaxAge = 7 * 24 * time.Hour
)

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, o *Order) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, type, status, amount, charged_amount, metadata, coupon_code, discount_amount, pix_transaction_id, pix_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, o.ID, o.UserID, o.Type, o.Status, o.Amount, o.ChargedAmount, o.Metadata, o.CouponCode, o.DiscountAmount, o.PixTransactionID, o.PixCode)
	return err
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	var o Order
	err := r.db.GetContext(ctx, &o, `SELECT * FROM orders WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *Repository) GetByPixTransactionID(ctx context.Context, txID string) (*Order, error) {
	var o Order
	err := r.db.GetContext(ctx, &o, `SELECT * FROM orders WHERE pix_transaction_id = $1`, txID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ClaimPaid flips pending to paid, succeeding exactly once. The webhook and
// the reconciliation sweep both call this; whoever loses the race no-ops.
func (r *Repository) ClaimPaid(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE orders SET status = 'paid', paid_at = now() WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// RollbackPaid reopens an order whose side effect failed after the claim
func (r *Repository) RollbackPaid(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE orders SET status = 'pending', paid_at = NULL WHERE id = $1
	`, id)
	return err
}

// StalePending lists orders old enough that the webhook likely got lost but
// young enough to still be worth polling the provider about.
func (r *Repository) StalePending(ctx context.Context, limit int) ([]Order, error) {
	orders := make([]Order, 0)
	err := r.db.SelectContext(ctx, &orders, `
		SELECT * FROM orders
		WHERE status = 'pending'
		  AND pix_transaction_id IS NOT NULL
		  AND created_at < now() - make_interval(secs => $1)
		  AND created_at > now() - make_interval(secs => $2)
		ORDER BY created_at ASC
		LIMIT $3
	`, reconcileMinAge.Seconds(), reconcileMaxAge.Seconds(), limit)
	return orders, err
}

func (r *Repository) GetCoupon(ctx context.Context, code string) (*Coupon, error) {
	var c Coupon
	err := r.db.GetContext(ctx, &c, `SELECT * FROM coupons WHERE code = $1`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCouponNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// RedeemCoupon consumes one use with a conditional UPDATE so concurrent
// redemptions cannot overshoot max_uses.
func (r *Repository) RedeemCoupon(ctx context.Context, code string) (*Coupon, error) {
	var c Coupon
	err := r.db.GetContext(ctx, &c, `
		UPDATE coupons SET uses = uses + 1
		WHERE code = $1 AND is_active AND uses < max_uses
		  AND (expires_at IS NULL OR expires_at > now())
		RETURNING *
	`, code)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := r.GetCoupon(ctx, code)
		if getErr != nil {
			return nil, getErr
		}
		switch {
		case !existing.IsActive:
			return nil, ErrCouponInactive
		case existing.ExpiresAt != nil && existing.ExpiresAt.Before(time.Now()):
			return nil, ErrCouponExpired
		default:
			return nil, ErrCouponExhausted
		}
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ReleaseCoupon returns a use after a failed order creation
func (r *Repository) ReleaseCoupon(ctx context.Context, code string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE coupons SET uses = GREATEST(uses - 1, 0) WHERE code = $1
	`, code)
	return err
}

// CreateCoupon registers a new discount code
func (r *Repository) CreateCoupon(ctx context.Context, c *Coupon) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO coupons (code, percent_off, max_uses, uses, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.Code, c.PercentOff, c.MaxUses, c.Uses, c.ExpiresAt, c.IsActive)
	return err
}
