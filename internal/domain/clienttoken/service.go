package clienttoken

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/credhub/credhub-api/internal/domain/pricing"
	"github.com/credhub/credhub-api/internal/domain/wallet"
)

// GenerationSettler finalizes any pending generations charged to a client
// token before its unused value is refunded.
type GenerationSettler interface {
	SettlePendingForClientToken(ctx context.Context, tokenID uuid.UUID) error
}

// UseResult reports the remaining credits after a consumption
type UseResult struct {
	Remaining int `json:"remaining"`
}

type Service struct {
	repo    *Repository
	wallets *wallet.Service
	prices  *pricing.Table
}

func NewService(repo *Repository, wallets *wallet.Service, prices *pricing.Table) *Service {
	return &Service{repo: repo, wallets: wallets, prices: prices}
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*ClientToken, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]ClientToken, error) {
	return s.repo.ListByOwner(ctx, ownerID)
}

// Mint creates a prepaid sub-token by spending the reseller's wallet
// balance. If persisting the token fails after the debit, the debit is
// reversed so a failed mint never leaves money taken with nothing minted.
func (s *Service) Mint(ctx context.Context, ownerID uuid.UUID, label string, credits int) (*ClientToken, *wallet.DebitResult, error) {
	if credits <= 0 {
		return nil, nil, ErrInvalidCredits
	}

	cost := s.prices.Price(credits)
	id := uuid.New()
	ref := "client-token:" + id.String()

	debit, err := s.wallets.Debit(ctx, ownerID, cost, credits, fmt.Sprintf("mint client token %q", label), ref)
	if err != nil {
		return nil, debit, err
	}

	t := &ClientToken{
		ID:           id,
		OwnerUserID:  ownerID,
		Label:        label,
		TotalCredits: credits,
		CreditsUsed:  0,
		IsActive:     true,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		if _, refundErr := s.wallets.Credit(ctx, ownerID, cost, "client token mint rollback", "rollback:"+ref); refundErr != nil {
			log.Error().Err(refundErr).Str("client_token_id", id.String()).Msg("mint rollback refund failed")
		}
		return nil, nil, err
	}

	log.Info().
		Str("client_token_id", id.String()).
		Str("owner_id", ownerID.String()).
		Int("credits", credits).
		Str("cost", cost.String()).
		Msg("client token minted")

	return t, debit, nil
}

// Use atomically consumes credits from the token
func (s *Service) Use(ctx context.Context, id uuid.UUID, credits int) (*UseResult, error) {
	if credits <= 0 {
		return nil, ErrInvalidCredits
	}
	remaining, err := s.repo.Use(ctx, id, credits)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			return &UseResult{Remaining: remaining}, err
		}
		return nil, err
	}
	return &UseResult{Remaining: remaining}, nil
}

// Refund returns credits to the token, clamped at zero used
func (s *Service) Refund(ctx context.Context, id uuid.UUID, credits int) error {
	if credits <= 0 {
		return nil
	}
	if err := s.repo.Refund(ctx, id, credits); err != nil {
		return err
	}
	log.Info().Str("client_token_id", id.String()).Int("credits", credits).Msg("client token credits refunded")
	return nil
}

// Deactivate settles any pending generations on the token, then refunds the
// monetary value of the unused credits to the owner's wallet. The active
// flag flip is the claim: a second deactivation finds it already unset and
// does nothing.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID, settler GenerationSettler) (decimal.Decimal, error) {
	if err := s.repo.ClaimDeactivation(ctx, id); err != nil {
		return decimal.Zero, err
	}

	// Pending generations refund their shortfall onto the token first, so
	// the remaining-value computation below sees the final usage numbers.
	if err := settler.SettlePendingForClientToken(ctx, id); err != nil {
		if reactivateErr := s.repo.Reactivate(ctx, id); reactivateErr != nil {
			log.Error().Err(reactivateErr).Str("client_token_id", id.String()).Msg("deactivation rollback failed")
		}
		return decimal.Zero, err
	}

	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}

	// Refund the cost differential, mirroring generation settlement: the
	// reseller paid Price(total) and consumed Price(used) worth of it.
	refund := s.prices.Price(t.TotalCredits).Sub(s.prices.Price(t.CreditsUsed))
	if refund.GreaterThan(decimal.Zero) {
		ref := "client-token-deactivate:" + id.String()
		if _, err := s.wallets.Credit(ctx, t.OwnerUserID, refund, fmt.Sprintf("deactivate client token %q", t.Label), ref); err != nil {
			if reactivateErr := s.repo.Reactivate(ctx, id); reactivateErr != nil {
				log.Error().Err(reactivateErr).Str("client_token_id", id.String()).Msg("deactivation rollback failed")
			}
			return decimal.Zero, err
		}
	}

	log.Info().
		Str("client_token_id", id.String()).
		Str("refund", refund.String()).
		Msg("client token deactivated")

	return refund, nil
}
