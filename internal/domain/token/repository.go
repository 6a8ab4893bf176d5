package token

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

func (r *Repository) Create(ctx context.Context, t *Token) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO access_tokens (id, client_name, total_limit, daily_limit, credits_per_use, cooldown_seconds, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.ClientName, t.TotalLimit, t.DailyLimit, t.CreditsPerUse, t.CooldownSeconds, t.ExpiresAt, t.IsActive)
	return err
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Token, error) {
	var t Token
	err := r.db.GetContext(ctx, &t, `SELECT * FROM access_tokens WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) List(ctx context.Context, limit, offset int) ([]Token, error) {
	if limit <= 0 {
		limit = 50
	}
	tokens := make([]Token, 0)
	err := r.db.SelectContext(ctx, &tokens, `
		SELECT * FROM access_tokens ORDER BY created_at DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	return tokens, err
}

func (r *Repository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE access_tokens SET is_active = $2 WHERE id = $1`, id, active)
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

func (r *Repository) AddDailyLimit(ctx context.Context, id uuid.UUID, delta int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE access_tokens SET daily_limit = COALESCE(daily_limit, 0) + $2 WHERE id = $1
	`, id, delta)
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

func (r *Repository) SetCreditsPerUse(ctx context.Context, id uuid.UUID, creditsPerUse int) error {
	res, err := r.db.ExecContext(ctx, `UPDATE access_tokens SET credits_per_use = $2 WHERE id = $1`, id, creditsPerUse)
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

// lockTx loads the token under a row lock inside the caller's transaction
func (r *Repository) lockTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*Token, error) {
	var t Token
	err := tx.GetContext(ctx, &t, `SELECT * FROM access_tokens WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// usageTx derives consumption by summing generation rows. Cancelled
// generations do not count against the quota; everything else does.
func (r *Repository) usageTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*Usage, error) {
	var u Usage
	err := tx.GetContext(ctx, &u, `
		SELECT
			COALESCE(SUM(credits_requested), 0) AS total_used,
			COALESCE(SUM(credits_requested) FILTER (WHERE created_at >= date_trunc('day', now())), 0) AS used_today,
			MAX(created_at) AS last_used_at
		FROM generations
		WHERE token_id = $1 AND status <> 'cancelled'
	`, id)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Usage derives consumption outside a transaction, for display
func (r *Repository) Usage(ctx context.Context, id uuid.UUID) (*Usage, error) {
	var u Usage
	err := r.db.GetContext(ctx, &u, `
		SELECT
			COALESCE(SUM(credits_requested), 0) AS total_used,
			COALESCE(SUM(credits_requested) FILTER (WHERE created_at >= date_trunc('day', now())), 0) AS used_today,
			MAX(created_at) AS last_used_at
		FROM generations
		WHERE token_id = $1 AND status <> 'cancelled'
	`, id)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
