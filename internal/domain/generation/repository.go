package generation

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Liveness windows for the admission count. A row that stopped receiving
// updates is a ghost: it consumed a slot once but the farm no longer works
// on it, so it must not block new admissions forever.
const (
	runningLiveness       = 10 * time.Minute
	waitingInviteLiveness = 12 * time.Minute
	creatingLiveness      = 3 * time.Minute

	// waitingInviteSLA bounds how long a generation may sit waiting for an
	// invite before the sweeper cancels and refunds it.
	waitingInviteSLA = 10 * time.Minute

	// staleSettleAge is how long a terminal generation may stay unsettled
	// before the sweeper forces settlement.
	staleSettleAge = 10 * time.Minute
)

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	return r.db.BeginTxx(ctx, nil)
}

func (r *Repository) Insert(ctx context.Context, g *Generation) error {
	return r.insert(ctx, r.db, g)
}

func (r *Repository) InsertTx(ctx context.Context, tx *sqlx.Tx, g *Generation) error {
	return r.insert(ctx, tx, g)
}

func (r *Repository) insert(ctx context.Context, ext sqlx.ExtContext, g *Generation) error {
	_, err := ext.ExecContext(ctx, `
		INSERT INTO generations (id, farm_id, credits_requested, credits_earned, status, user_id, token_id, client_token_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, g.ID, g.FarmID, g.CreditsRequested, g.CreditsEarned, g.Status, g.UserID, g.TokenID, g.ClientTokenID)
	return err
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Generation, error) {
	var g Generation
	err := r.db.GetContext(ctx, &g, `SELECT * FROM generations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *Repository) GetByFarmID(ctx context.Context, farmID string) (*Generation, error) {
	var g Generation
	err := r.db.GetContext(ctx, &g, `SELECT * FROM generations WHERE farm_id = $1`, farmID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Generation, error) {
	gens := make([]Generation, 0)
	err := r.db.SelectContext(ctx, &gens, `
		SELECT * FROM generations WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	return gens, err
}

// CountActive counts generations occupying a farm slot, filtered by the
// liveness windows so abandoned rows age out of the count instead of
// deadlocking admission.
func (r *Repository) CountActive(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM generations
		WHERE (status = 'running' AND updated_at > now() - make_interval(secs => $1))
		   OR (status = 'waiting_invite' AND created_at > now() - make_interval(secs => $2))
		   OR (status = 'creating' AND created_at > now() - make_interval(secs => $3))
	`, runningLiveness.Seconds(), waitingInviteLiveness.Seconds(), creatingLiveness.Seconds())
	return n, err
}

func (r *Repository) CountQueued(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM generations WHERE status = 'queued' AND farm_id LIKE $1
	`, QueuedFarmIDPrefix+"%")
	return n, err
}

// QueuePosition is the 1-based FIFO position among slot-awaiting generations
func (r *Repository) QueuePosition(ctx context.Context, id uuid.UUID) (int, error) {
	var pos int
	err := r.db.GetContext(ctx, &pos, `
		SELECT COUNT(*) + 1 FROM generations
		WHERE status = 'queued' AND farm_id LIKE $1
		  AND created_at < (SELECT created_at FROM generations WHERE id = $2)
	`, QueuedFarmIDPrefix+"%", id)
	return pos, err
}

// OldestQueuedTx locks the head of the queue for dispatch. SKIP LOCKED lets
// concurrent dispatchers each take a different row instead of blocking.
func (r *Repository) OldestQueuedTx(ctx context.Context, tx *sqlx.Tx) (*Generation, error) {
	var g Generation
	err := tx.GetContext(ctx, &g, `
		SELECT * FROM generations
		WHERE status = 'queued' AND farm_id LIKE $1
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, QueuedFarmIDPrefix+"%")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// DispatchTx swaps the queue placeholder for the real farm id
func (r *Repository) DispatchTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, farmID string, status Status) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE generations SET farm_id = $2, status = $3, updated_at = now() WHERE id = $1
	`, id, farmID, status)
	return err
}

func (r *Repository) SetStatus(ctx context.Context, id uuid.UUID, status Status) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE generations SET status = $2, updated_at = now() WHERE id = $1
	`, id, status)
	return err
}

// ApplyProgress records a farm status report. credits_earned only moves up
// and never past credits_requested, so out-of-order or inflated reports
// cannot regress or overstate delivery. A nil status keeps the current one.
func (r *Repository) ApplyProgress(ctx context.Context, id uuid.UUID, status *Status, credits *int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE generations
		SET status = COALESCE($2, status),
		    credits_earned = CASE
		        WHEN $3::int IS NULL THEN credits_earned
		        ELSE LEAST(credits_requested, GREATEST(credits_earned, $3::int))
		    END,
		    updated_at = now()
		WHERE id = $1
	`, id, status, credits)
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

// ClaimSettlement atomically claims the one settlement slot. The row lock
// plus the settled_at IS NULL condition make the claim exclusive: exactly
// one caller gets claimed=true, every later caller gets claimed=false. The
// returned snapshot carries the pre-override status so a failed refund can
// restore it.
func (r *Repository) ClaimSettlement(ctx context.Context, id uuid.UUID, override *Status) (*Generation, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var g Generation
	err = tx.GetContext(ctx, &g, `SELECT * FROM generations WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}
	if g.SettledAt != nil {
		return &g, false, nil
	}

	status := g.Status
	if override != nil {
		status = *override
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE generations SET settled_at = now(), status = $2, updated_at = now()
		WHERE id = $1 AND settled_at IS NULL
	`, id, status); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &g, true, nil
}

// ReleaseSettlement undoes a claim whose refund failed, restoring the prior
// status so the sweeper retries the whole settlement later.
func (r *Repository) ReleaseSettlement(ctx context.Context, id uuid.UUID, prior Status) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE generations SET settled_at = NULL, status = $2, updated_at = now() WHERE id = $1
	`, id, prior)
	return err
}

// StaleUnsettled lists generations the sweeper should settle: completed rows
// whose live settlement never ran (no age gate, the customer is owed the
// shortfall now), other terminal rows past the settle age, waiting_invite
// rows past the invite SLA, and creating rows stuck past their liveness
// window, which happens when a failed admission's refund also failed and the
// claim was released.
func (r *Repository) StaleUnsettled(ctx context.Context, limit int) ([]Generation, error) {
	gens := make([]Generation, 0)
	err := r.db.SelectContext(ctx, &gens, `
		SELECT * FROM generations
		WHERE settled_at IS NULL
		  AND (
		        status = 'completed'
		     OR (status IN ('error', 'expired', 'cancelled') AND updated_at < now() - make_interval(secs => $1))
		     OR (status = 'waiting_invite' AND created_at < now() - make_interval(secs => $2))
		     OR (status = 'creating' AND created_at < now() - make_interval(secs => $3))
		  )
		ORDER BY updated_at ASC
		LIMIT $4
	`, staleSettleAge.Seconds(), waitingInviteSLA.Seconds(), creatingLiveness.Seconds(), limit)
	return gens, err
}

// PendingForClientToken lists unsettled generations charged to a client token
func (r *Repository) PendingForClientToken(ctx context.Context, tokenID uuid.UUID) ([]Generation, error) {
	gens := make([]Generation, 0)
	err := r.db.SelectContext(ctx, &gens, `
		SELECT * FROM generations
		WHERE client_token_id = $1 AND settled_at IS NULL
		ORDER BY created_at ASC
	`, tokenID)
	return gens, err
}

// Anomalies cross-checks settled wallet-funded generations against the
// ledger: every one must have its original debit, and every shortfall must
// have its refund deposit. Findings are reported, never auto-corrected.
func (r *Repository) Anomalies(ctx context.Context, limit int) ([]Anomaly, error) {
	anomalies := make([]Anomaly, 0)
	err := r.db.SelectContext(ctx, &anomalies, `
		SELECT g.id AS generation_id, g.farm_id, 'missing debit for settled generation' AS reason
		FROM generations g
		WHERE g.user_id IS NOT NULL
		  AND g.settled_at IS NOT NULL
		  AND NOT EXISTS (
		        SELECT 1 FROM wallet_transactions t
		        WHERE t.user_id = g.user_id AND t.type = 'debit' AND t.reference_id = g.farm_id
		  )
		UNION ALL
		SELECT g.id, g.farm_id, 'missing refund for undelivered credits'
		FROM generations g
		WHERE g.user_id IS NOT NULL
		  AND g.settled_at IS NOT NULL
		  AND LEAST(GREATEST(g.credits_earned, 0), g.credits_requested) < g.credits_requested
		  AND NOT EXISTS (
		        SELECT 1 FROM wallet_transactions t
		        WHERE t.user_id = g.user_id AND t.type = 'deposit' AND t.reference_id = 'refund:' || g.farm_id
		  )
		LIMIT $1
	`, limit)
	return anomalies, err
}
