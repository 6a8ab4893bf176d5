package wallet

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

var errDuplicateReference = errors.New("duplicate reference")

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// applyResult describes the outcome of an atomic balance mutation
type applyResult struct {
	Balance    decimal.Decimal // balance before the mutation
	NewBalance decimal.Decimal
	Duplicate  bool // an identical row for the same reference already existed
}

func (r *Repository) EnsureWallet(ctx context.Context, userID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_wallets (user_id, balance)
		VALUES ($1, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	return err
}

func (r *Repository) GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	if err := r.EnsureWallet(ctx, userID); err != nil {
		return decimal.Zero, err
	}

	var balance decimal.Decimal
	err := r.db.GetContext(ctx, &balance, `SELECT balance FROM user_wallets WHERE user_id = $1`, userID)
	return balance, err
}

func (r *Repository) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 20
	}

	txs := make([]Transaction, 0)
	err := r.db.SelectContext(ctx, &txs, `
		SELECT id, user_id, type, amount, credits, description, reference_id, created_at
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	return txs, err
}

// RewriteReferenceTx renames the reference on ledger rows when a queued
// generation is dispatched and its placeholder farm id becomes real. Runs in
// the caller's transaction so the generation row and its ledger lines move
// together.
func (r *Repository) RewriteReferenceTx(ctx context.Context, tx *sqlx.Tx, oldRef, newRef string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE wallet_transactions SET reference_id = $2 WHERE reference_id = $1
	`, oldRef, newRef)
	return err
}

func (r *Repository) lockWallet(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID) (decimal.Decimal, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_wallets (user_id, balance)
		VALUES ($1, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return decimal.Zero, err
	}

	var balance decimal.Decimal
	err := tx.GetContext(ctx, &balance, `SELECT balance FROM user_wallets WHERE user_id = $1 FOR UPDATE`, userID)
	return balance, err
}

func (r *Repository) getTransactionAmountByRef(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, txType TransactionType, referenceID string) (decimal.Decimal, bool, error) {
	if referenceID == "" {
		return decimal.Zero, false, nil
	}

	var amount decimal.Decimal
	err := tx.GetContext(ctx, &amount, `
		SELECT amount
		FROM wallet_transactions
		WHERE user_id = $1 AND type = $2 AND reference_id = $3
		LIMIT 1
	`, userID, string(txType), referenceID)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return amount, true, nil
}

func (r *Repository) insertTransaction(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, txType TransactionType, amount decimal.Decimal, credits *int, description, referenceID string) error {
	var ref interface{}
	if referenceID == "" {
		ref = nil
	} else {
		ref = referenceID
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (user_id, type, amount, credits, description, reference_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, userID, string(txType), amount, credits, description, ref)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return errDuplicateReference
		}
		return err
	}
	return nil
}

// apply mutates the balance by delta inside one transaction, holding a row
// lock on the wallet for the duration. Deposits with a reference already on
// the ledger are absorbed as duplicates rather than applied twice.
func (r *Repository) apply(ctx context.Context, userID uuid.UUID, txType TransactionType, delta, amount decimal.Decimal, credits *int, description, referenceID string) (*applyResult, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	balance, err := r.lockWallet(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	existingAmount, exists, err := r.getTransactionAmountByRef(ctx, tx, userID, txType, referenceID)
	if err != nil {
		return nil, err
	}
	if exists {
		if !existingAmount.Equal(amount) {
			return nil, ErrReferenceConflict
		}
		return &applyResult{Balance: balance, NewBalance: balance, Duplicate: true}, nil
	}

	nextBalance := balance.Add(delta)
	if nextBalance.IsNegative() {
		return &applyResult{Balance: balance, NewBalance: balance}, ErrInsufficientFunds
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE user_wallets SET balance = $1, updated_at = now() WHERE user_id = $2
	`, nextBalance, userID); err != nil {
		return nil, err
	}

	if err := r.insertTransaction(ctx, tx, userID, txType, amount, credits, description, referenceID); err != nil {
		if errors.Is(err, errDuplicateReference) {
			existingAmount, exists, checkErr := r.getTransactionAmountByRef(ctx, tx, userID, txType, referenceID)
			if checkErr != nil {
				return nil, checkErr
			}
			if !exists || !existingAmount.Equal(amount) {
				return nil, ErrReferenceConflict
			}
			return &applyResult{Balance: balance, NewBalance: balance, Duplicate: true}, nil
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &applyResult{Balance: balance, NewBalance: nextBalance}, nil
}

func (r *Repository) Debit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, credits *int, description, referenceID string) (*applyResult, error) {
	return r.apply(ctx, userID, TransactionTypeDebit, amount.Neg(), amount, credits, description, referenceID)
}

func (r *Repository) Credit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, description, referenceID string) (*applyResult, error) {
	return r.apply(ctx, userID, TransactionTypeDeposit, amount, amount, nil, description, referenceID)
}
