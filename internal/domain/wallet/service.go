package wallet

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// DebitResult reports the balances around a debit. On ErrInsufficientFunds
// Balance still carries the current balance so callers can tell the user how
// much is missing.
type DebitResult struct {
	Balance    decimal.Decimal `json:"balance"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// CreditResult reports the outcome of a credit. AlreadyCredited means a
// deposit with the same reference was found and the call was a no-op, the
// expected shape when the webhook and the reconciliation sweep both try to
// credit the same order.
type CreditResult struct {
	NewBalance      decimal.Decimal `json:"new_balance"`
	AlreadyCredited bool            `json:"already_credited"`
}

type Service struct {
	repo *Repository
}

func NewService(repo *Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	return s.repo.GetBalance(ctx, userID)
}

func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, error) {
	return s.repo.ListTransactions(ctx, userID, limit, offset)
}

// Debit atomically removes amount from the wallet. Insufficient balance is a
// normal outcome, returned as ErrInsufficientFunds alongside the current
// balance, never a panic or a bare 500.
func (s *Service) Debit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, credits int, description, referenceID string) (*DebitResult, error) {
	if amount.LessThanOrEqual(decimal.Zero) || referenceID == "" {
		return nil, ErrInvalidAmount
	}

	var creditsPtr *int
	if credits > 0 {
		creditsPtr = &credits
	}

	res, err := s.repo.Debit(ctx, userID, amount, creditsPtr, description, referenceID)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) && res != nil {
			return &DebitResult{Balance: res.Balance, NewBalance: res.Balance}, ErrInsufficientFunds
		}
		return nil, err
	}

	log.Info().
		Str("user_id", userID.String()).
		Str("amount", amount.String()).
		Int("credits", credits).
		Str("reference_id", referenceID).
		Msg("wallet debit applied")

	return &DebitResult{Balance: res.Balance, NewBalance: res.NewBalance}, nil
}

// Credit atomically adds amount to the wallet, idempotently per reference.
func (s *Service) Credit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, description, referenceID string) (*CreditResult, error) {
	if amount.LessThanOrEqual(decimal.Zero) || referenceID == "" {
		return nil, ErrInvalidAmount
	}

	res, err := s.repo.Credit(ctx, userID, amount, description, referenceID)
	if err != nil {
		return nil, err
	}

	if res.Duplicate {
		log.Info().
			Str("user_id", userID.String()).
			Str("reference_id", referenceID).
			Msg("wallet credit skipped, reference already credited")
		return &CreditResult{NewBalance: res.NewBalance, AlreadyCredited: true}, nil
	}

	log.Info().
		Str("user_id", userID.String()).
		Str("amount", amount.String()).
		Str("reference_id", referenceID).
		Msg("wallet credit applied")

	return &CreditResult{NewBalance: res.NewBalance}, nil
}

// RewriteReferenceTx moves ledger rows from a queue placeholder reference to
// the real farm id within the caller's transaction.
func (s *Service) RewriteReferenceTx(ctx context.Context, tx *sqlx.Tx, oldRef, newRef string) error {
	return s.repo.RewriteReferenceTx(ctx, tx, oldRef, newRef)
}
