package clienttoken

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, t *ClientToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO client_tokens (id, owner_user_id, label, total_credits, credits_used, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.OwnerUserID, t.Label, t.TotalCredits, t.CreditsUsed, t.IsActive)
	return err
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*ClientToken, error) {
	var t ClientToken
	err := r.db.GetContext(ctx, &t, `SELECT * FROM client_tokens WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]ClientToken, error) {
	tokens := make([]ClientToken, 0)
	err := r.db.SelectContext(ctx, &tokens, `
		SELECT * FROM client_tokens WHERE owner_user_id = $1 ORDER BY created_at DESC
	`, ownerID)
	return tokens, err
}

// Use consumes credits with a conditional UPDATE acting as compare-and-swap:
// the WHERE clause enforces both the active flag and the capacity clamp, so
// concurrent uses can never push credits_used past total_credits.
func (r *Repository) Use(ctx context.Context, id uuid.UUID, credits int) (remaining int, err error) {
	var out struct {
		TotalCredits int `db:"total_credits"`
		CreditsUsed  int `db:"credits_used"`
	}
	err = r.db.GetContext(ctx, &out, `
		UPDATE client_tokens
		SET credits_used = credits_used + $2
		WHERE id = $1 AND is_active AND credits_used + $2 <= total_credits
		RETURNING total_credits, credits_used
	`, id, credits)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish why the swap found nothing
		t, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return 0, getErr
		}
		if !t.IsActive {
			return 0, ErrInactive
		}
		return t.Remaining(), ErrInsufficientCredits
	}
	if err != nil {
		return 0, err
	}
	return out.TotalCredits - out.CreditsUsed, nil
}

// Refund returns credits, clamped so credits_used never goes negative
func (r *Repository) Refund(ctx context.Context, id uuid.UUID, credits int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE client_tokens
		SET credits_used = GREATEST(credits_used - $2, 0)
		WHERE id = $1
	`, id, credits)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimDeactivation flips the active flag, succeeding only once
func (r *Repository) ClaimDeactivation(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE client_tokens SET is_active = false WHERE id = $1 AND is_active
	`, id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either missing or already inactive
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return ErrAlreadyDeactivated
	}
	return nil
}

// Reactivate restores the active flag, used to roll back a failed deactivation
func (r *Repository) Reactivate(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE client_tokens SET is_active = true WHERE id = $1`, id)
	return err
}
