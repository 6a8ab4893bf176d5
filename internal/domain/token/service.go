package token

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

type Service struct {
	repo *Repository
}

func NewService(repo *Repository) *Service {
	return &Service{repo: repo}
}

// CreateParams describes a new admin token
type CreateParams struct {
	ClientName      string
	TotalLimit      *int
	DailyLimit      *int
	CreditsPerUse   int
	CooldownSeconds int
	ExpiresAt       *time.Time
}

func (s *Service) Create(ctx context.Context, p CreateParams) (*Token, error) {
	t := &Token{
		ID:              uuid.New(),
		ClientName:      p.ClientName,
		TotalLimit:      p.TotalLimit,
		DailyLimit:      p.DailyLimit,
		CreditsPerUse:   p.CreditsPerUse,
		CooldownSeconds: p.CooldownSeconds,
		ExpiresAt:       p.ExpiresAt,
		IsActive:        true,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, err
	}
	log.Info().Str("token_id", t.ID.String()).Str("client", t.ClientName).Msg("access token created")
	return t, nil
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Token, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]Token, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return s.repo.SetActive(ctx, id, active)
}

func (s *Service) Usage(ctx context.Context, id uuid.UUID) (*Usage, error) {
	return s.repo.Usage(ctx, id)
}

func (s *Service) AddDailyLimit(ctx context.Context, id uuid.UUID, delta int) error {
	return s.repo.AddDailyLimit(ctx, id, delta)
}

func (s *Service) SetCreditsPerUse(ctx context.Context, id uuid.UUID, creditsPerUse int) error {
	return s.repo.SetCreditsPerUse(ctx, id, creditsPerUse)
}

// ReserveTx validates a reservation against the token's policy inside the
// caller's transaction, holding a row lock on the token so concurrent
// reservations serialize. The caller inserts the generation row in the same
// transaction; if the caller rolls back, no usage was recorded anywhere.
func (s *Service) ReserveTx(ctx context.Context, tx *sqlx.Tx, tokenID uuid.UUID, credits int) error {
	if credits <= 0 {
		return ErrInvalidCredits
	}

	t, err := s.repo.lockTx(ctx, tx, tokenID)
	if err != nil {
		return err
	}

	now := time.Now()
	if !t.IsActive {
		return ErrInactive
	}
	if t.Expired(now) {
		return ErrExpired
	}
	if t.CreditsPerUse > 0 && credits > t.CreditsPerUse {
		return ErrPerUseExceeded
	}

	usage, err := s.repo.usageTx(ctx, tx, tokenID)
	if err != nil {
		return err
	}

	if t.TotalLimit != nil && usage.TotalUsed+credits > *t.TotalLimit {
		return ErrTotalLimitReached
	}
	if t.DailyLimit != nil && usage.UsedToday+credits > *t.DailyLimit {
		return ErrDailyLimitReached
	}
	if t.CooldownSeconds > 0 && usage.LastUsedAt != nil {
		if now.Sub(*usage.LastUsedAt) < time.Duration(t.CooldownSeconds)*time.Second {
			return ErrCooldownActive
		}
	}

	return nil
}
