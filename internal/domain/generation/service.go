package generation

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/credhub/credhub-api/internal/domain/clienttoken"
	"github.com/credhub/credhub-api/internal/domain/pricing"
	"github.com/credhub/credhub-api/internal/domain/wallet"
	"github.com/credhub/credhub-api/internal/pkg/farm"
	"github.com/credhub/credhub-api/internal/pkg/metrics"
)

// FarmClient is the outbound contract to the bot-allocation service
type FarmClient interface {
	CreateGeneration(ctx context.Context, credits int) (*farm.CreateResult, error)
	Status(ctx context.Context, farmID string) (*farm.StatusResult, error)
	Cancel(ctx context.Context, farmID string) error
}

// WalletLedger is the money side of a wallet-funded generation
type WalletLedger interface {
	Debit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, credits int, description, referenceID string) (*wallet.DebitResult, error)
	Credit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, description, referenceID string) (*wallet.CreditResult, error)
	RewriteReferenceTx(ctx context.Context, tx *sqlx.Tx, oldRef, newRef string) error
}

// TokenReserver reserves admin token capacity inside the caller's transaction
type TokenReserver interface {
	ReserveTx(ctx context.Context, tx *sqlx.Tx, tokenID uuid.UUID, credits int) error
}

// ClientTokenLedger is the prepaid-credit side of a client-token generation
type ClientTokenLedger interface {
	Use(ctx context.Context, id uuid.UUID, credits int) (*clienttoken.UseResult, error)
	Refund(ctx context.Context, id uuid.UUID, credits int) error
}

// Waker nudges the background sweeper after capacity frees up. Optional:
// the queue still drains on the sweep interval without it.
type Waker interface {
	Wake(ctx context.Context) error
}

type Service struct {
	repo         *Repository
	farm         FarmClient
	wallets      WalletLedger
	tokens       TokenReserver
	clientTokens ClientTokenLedger
	prices       *pricing.Table
	ceiling      int
	waker        Waker
}

func NewService(repo *Repository, farmClient FarmClient, wallets WalletLedger, tokens TokenReserver, clientTokens ClientTokenLedger, prices *pricing.Table, ceiling int, waker Waker) *Service {
	if ceiling <= 0 {
		ceiling = 8
	}
	return &Service{
		repo:         repo,
		farm:         farmClient,
		wallets:      wallets,
		tokens:       tokens,
		clientTokens: clientTokens,
		prices:       prices,
		ceiling:      ceiling,
		waker:        waker,
	}
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Generation, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Generation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListByUser(ctx, userID, limit)
}

func (s *Service) Anomalies(ctx context.Context, limit int) ([]Anomaly, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.Anomalies(ctx, limit)
}

// CreateForUser charges the wallet up front, then asks for a farm slot. The
// placeholder farm id doubles as the debit reference until dispatch swaps in
// the real one. If the farm create fails the generation settles as cancelled,
// which refunds the full charge through the normal settlement path.
func (s *Service) CreateForUser(ctx context.Context, userID uuid.UUID, credits int) (*Generation, int, *wallet.DebitResult, error) {
	if credits <= 0 {
		return nil, 0, nil, ErrInvalidCredits
	}

	placeholder := NewPlaceholderFarmID()
	cost := s.prices.Price(credits)

	debit, err := s.wallets.Debit(ctx, userID, cost, credits, "credit generation", placeholder)
	if err != nil {
		return nil, 0, debit, err
	}

	g := &Generation{
		ID:               uuid.New(),
		FarmID:           placeholder,
		CreditsRequested: credits,
		Status:           StatusCreating,
		UserID:           uuid.NullUUID{UUID: userID, Valid: true},
	}
	if err := s.repo.Insert(ctx, g); err != nil {
		if _, refundErr := s.wallets.Credit(ctx, userID, cost, "generation create rollback", "rollback:"+placeholder); refundErr != nil {
			log.Error().Err(refundErr).Str("reference_id", placeholder).Msg("create rollback refund failed")
		}
		return nil, 0, nil, err
	}

	pos, err := s.admit(ctx, g)
	if err != nil {
		s.cancelAfterFailedAdmission(ctx, g.ID)
		return nil, 0, nil, err
	}
	return g, pos, debit, nil
}

// CreateForToken reserves admin token capacity and inserts the generation in
// one transaction, so the usage accounting can never admit past a limit.
func (s *Service) CreateForToken(ctx context.Context, tokenID uuid.UUID, credits int) (*Generation, int, error) {
	if credits <= 0 {
		return nil, 0, ErrInvalidCredits
	}

	g := &Generation{
		ID:               uuid.New(),
		FarmID:           NewPlaceholderFarmID(),
		CreditsRequested: credits,
		Status:           StatusCreating,
		TokenID:          uuid.NullUUID{UUID: tokenID, Valid: true},
	}

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	if err := s.tokens.ReserveTx(ctx, tx, tokenID, credits); err != nil {
		return nil, 0, err
	}
	if err := s.repo.InsertTx(ctx, tx, g); err != nil {
		return nil, 0, err
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}

	pos, err := s.admit(ctx, g)
	if err != nil {
		// Cancelled generations drop out of the token usage sums
		s.cancelAfterFailedAdmission(ctx, g.ID)
		return nil, 0, err
	}
	return g, pos, nil
}

// CreateForClientToken spends prepaid credits, then asks for a farm slot
func (s *Service) CreateForClientToken(ctx context.Context, clientTokenID uuid.UUID, credits int) (*Generation, int, *clienttoken.UseResult, error) {
	if credits <= 0 {
		return nil, 0, nil, ErrInvalidCredits
	}

	use, err := s.clientTokens.Use(ctx, clientTokenID, credits)
	if err != nil {
		return nil, 0, use, err
	}

	g := &Generation{
		ID:               uuid.New(),
		FarmID:           NewPlaceholderFarmID(),
		CreditsRequested: credits,
		Status:           StatusCreating,
		ClientTokenID:    uuid.NullUUID{UUID: clientTokenID, Valid: true},
	}
	if err := s.repo.Insert(ctx, g); err != nil {
		if refundErr := s.clientTokens.Refund(ctx, clientTokenID, credits); refundErr != nil {
			log.Error().Err(refundErr).Str("client_token_id", clientTokenID.String()).Msg("create rollback refund failed")
		}
		return nil, 0, nil, err
	}

	pos, err := s.admit(ctx, g)
	if err != nil {
		s.cancelAfterFailedAdmission(ctx, g.ID)
		return nil, 0, nil, err
	}
	return g, pos, use, nil
}

func (s *Service) cancelAfterFailedAdmission(ctx context.Context, id uuid.UUID) {
	cancelled := StatusCancelled
	if err := s.Settle(ctx, id, &cancelled); err != nil {
		// The sweeper retries stale unsettled rows, so money is not lost
		log.Error().Err(err).Str("generation_id", id.String()).Msg("settlement after failed admission did not complete")
	}
}

// admit either dispatches the generation to the farm or parks it in the
// local queue when the concurrency ceiling is reached. The ceiling is a soft
// bound: two concurrent admissions can both read a free slot and both
// dispatch. The farm tolerates brief overshoot; strictness here is not worth
// serializing every create.
func (s *Service) admit(ctx context.Context, g *Generation) (int, error) {
	active, err := s.repo.CountActive(ctx)
	if err != nil {
		return 0, err
	}
	if active >= s.ceiling {
		if err := s.repo.SetStatus(ctx, g.ID, StatusQueued); err != nil {
			return 0, err
		}
		g.Status = StatusQueued
		pos, posErr := s.repo.QueuePosition(ctx, g.ID)
		if posErr != nil {
			pos = 0
		}
		metrics.AdmissionsTotal.WithLabelValues("queued").Inc()
		s.updateQueueDepth(ctx)
		log.Info().Str("generation_id", g.ID.String()).Int("position", pos).Msg("generation queued, concurrency ceiling reached")
		return pos, nil
	}

	res, err := s.farm.CreateGeneration(ctx, g.CreditsRequested)
	if err != nil {
		return 0, err
	}
	status := StatusWaitingInvite
	if res.Queued {
		status = StatusQueued
	}
	if err := s.dispatch(ctx, g, res.FarmID, status); err != nil {
		return 0, err
	}
	metrics.AdmissionsTotal.WithLabelValues("admitted").Inc()
	log.Info().
		Str("generation_id", g.ID.String()).
		Str("farm_id", res.FarmID).
		Str("status", string(status)).
		Msg("generation dispatched to farm")
	if res.Queued {
		return res.QueuePosition, nil
	}
	return 0, nil
}

// dispatch swaps the placeholder for the real farm id. The generation row
// and the ledger reference move in the same transaction, so the debit stays
// traceable to its generation at every instant.
func (s *Service) dispatch(ctx context.Context, g *Generation, farmID string, status Status) error {
	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.repo.DispatchTx(ctx, tx, g.ID, farmID, status); err != nil {
		return err
	}
	if err := s.wallets.RewriteReferenceTx(ctx, tx, g.FarmID, farmID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	g.FarmID = farmID
	g.Status = status
	return nil
}

// SyncStatus polls the farm and folds the report into the row. Credits only
// ratchet up; a terminal report triggers settlement and a queue drain.
func (s *Service) SyncStatus(ctx context.Context, id uuid.UUID) (*Generation, *farm.StatusResult, int, error) {
	g, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, 0, err
	}

	if g.AwaitingSlot() {
		pos, posErr := s.repo.QueuePosition(ctx, g.ID)
		if posErr != nil {
			pos = 0
		}
		return g, nil, pos, nil
	}
	if g.Status.Terminal() && g.Settled() {
		return g, nil, 0, nil
	}

	res, err := s.farm.Status(ctx, g.FarmID)
	if err != nil {
		return g, nil, 0, err
	}

	var statusPtr *Status
	if st, parseErr := ParseStatus(res.Status); parseErr == nil {
		statusPtr = &st
	} else {
		log.Warn().Str("farm_id", g.FarmID).Str("status", res.Status).Msg("farm reported unrecognized status, keeping current")
	}
	delivered := res.Delivered()
	if err := s.repo.ApplyProgress(ctx, g.ID, statusPtr, &delivered); err != nil {
		return g, res, 0, err
	}

	g, err = s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, res, 0, err
	}
	if g.Status.Terminal() && !g.Settled() {
		if err := s.Settle(ctx, id, nil); err != nil {
			log.Error().Err(err).Str("generation_id", id.String()).Msg("settlement after terminal poll failed")
		} else if _, err := s.ProcessQueue(ctx); err != nil {
			log.Error().Err(err).Msg("queue drain after settlement failed")
		}
		if fresh, freshErr := s.repo.GetByID(ctx, id); freshErr == nil {
			g = fresh
		}
	}
	return g, res, 0, nil
}

// PushStatus applies an operator-supplied status report. Unrecognized
// statuses are rejected outright rather than persisted.
func (s *Service) PushStatus(ctx context.Context, id uuid.UUID, rawStatus string, credits *int) (*Generation, error) {
	st, err := ParseStatus(rawStatus)
	if err != nil {
		return nil, err
	}
	if err := s.repo.ApplyProgress(ctx, id, &st, credits); err != nil {
		return nil, err
	}
	if st.Terminal() {
		if err := s.Settle(ctx, id, nil); err != nil {
			log.Error().Err(err).Str("generation_id", id.String()).Msg("settlement after status push failed")
		} else if _, err := s.ProcessQueue(ctx); err != nil {
			log.Error().Err(err).Msg("queue drain after settlement failed")
		}
	}
	return s.repo.GetByID(ctx, id)
}

// Cancel aborts the generation and settles it as cancelled, refunding the
// undelivered remainder. Already-settled generations are a no-op.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Generation, error) {
	g, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Settled() {
		return g, nil
	}

	if !strings.HasPrefix(g.FarmID, QueuedFarmIDPrefix) && !g.Status.Terminal() {
		// Best effort: a farm that already finished returns an error here,
		// settlement below still accounts for whatever was delivered.
		if err := s.farm.Cancel(ctx, g.FarmID); err != nil {
			log.Warn().Err(err).Str("farm_id", g.FarmID).Msg("farm cancel failed")
		}
	}

	cancelled := StatusCancelled
	if err := s.Settle(ctx, id, &cancelled); err != nil {
		return nil, err
	}
	if _, err := s.ProcessQueue(ctx); err != nil {
		log.Error().Err(err).Msg("queue drain after cancel failed")
	}
	return s.repo.GetByID(ctx, id)
}

// Expire is the user-facing give-up on a generation stuck before delivery
// started. Running or completed generations are past the point of expiry.
func (s *Service) Expire(ctx context.Context, id uuid.UUID) (*Generation, error) {
	g, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch g.Status {
	case StatusCreating, StatusQueued, StatusWaitingInvite:
	default:
		return nil, ErrNotExpirable
	}

	expired := StatusExpired
	if err := s.Settle(ctx, id, &expired); err != nil {
		return nil, err
	}
	if _, err := s.ProcessQueue(ctx); err != nil {
		log.Error().Err(err).Msg("queue drain after expire failed")
	}
	return s.repo.GetByID(ctx, id)
}

// Settle finalizes the money for a generation exactly once. Whoever claims
// the settled_at flip performs the refund; everyone else no-ops. A failed
// refund releases the claim so the sweeper retries the whole settlement.
func (s *Service) Settle(ctx context.Context, id uuid.UUID, override *Status) error {
	prior, claimed, err := s.repo.ClaimSettlement(ctx, id, override)
	if err != nil {
		return err
	}
	if !claimed {
		metrics.SettlementsTotal.WithLabelValues("noop").Inc()
		return nil
	}

	delivered := prior.Delivered()
	shortfall := prior.CreditsRequested - delivered
	refundKind := "none"
	var refundErr error

	switch {
	case prior.UserID.Valid && shortfall > 0:
		// The refund is the cost differential, not a per-credit rate: with
		// volume pricing the buyer paid bulk rates for credits that were
		// never delivered at bulk.
		refund := s.prices.Price(prior.CreditsRequested).Sub(s.prices.Price(delivered))
		if refund.GreaterThan(decimal.Zero) {
			refundKind = "wallet"
			_, refundErr = s.wallets.Credit(ctx, prior.UserID.UUID, refund, "generation refund", "refund:"+prior.FarmID)
		}
	case prior.ClientTokenID.Valid && shortfall > 0:
		refundKind = "client_token"
		refundErr = s.clientTokens.Refund(ctx, prior.ClientTokenID.UUID, shortfall)
	}

	if refundErr != nil {
		if relErr := s.repo.ReleaseSettlement(ctx, id, prior.Status); relErr != nil {
			log.Error().Err(relErr).Str("generation_id", id.String()).Msg("settlement release failed, row stays claimed")
		}
		metrics.SettlementsTotal.WithLabelValues("rolled_back").Inc()
		return refundErr
	}

	metrics.SettlementsTotal.WithLabelValues("settled").Inc()
	metrics.RefundsTotal.WithLabelValues(refundKind).Inc()
	log.Info().
		Str("generation_id", id.String()).
		Str("farm_id", prior.FarmID).
		Int("delivered", delivered).
		Int("shortfall", shortfall).
		Str("refund_kind", refundKind).
		Msg("generation settled")

	if s.waker != nil {
		if err := s.waker.Wake(ctx); err != nil {
			log.Warn().Err(err).Msg("sweeper wake publish failed")
		}
	}
	return nil
}

// ProcessQueue dispatches queued generations while slots are free, oldest
// first. A farm failure leaves the head queued for the next drain.
func (s *Service) ProcessQueue(ctx context.Context) (int, error) {
	dispatched := 0
	for {
		active, err := s.repo.CountActive(ctx)
		if err != nil {
			s.updateQueueDepth(ctx)
			return dispatched, err
		}
		if active >= s.ceiling {
			break
		}
		ok, err := s.dispatchOldestQueued(ctx)
		if err != nil {
			s.updateQueueDepth(ctx)
			return dispatched, err
		}
		if !ok {
			break
		}
		dispatched++
	}
	s.updateQueueDepth(ctx)
	return dispatched, nil
}

func (s *Service) dispatchOldestQueued(ctx context.Context) (bool, error) {
	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	g, err := s.repo.OldestQueuedTx(ctx, tx)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	res, err := s.farm.CreateGeneration(ctx, g.CreditsRequested)
	if err != nil {
		return false, err
	}
	status := StatusWaitingInvite
	if res.Queued {
		status = StatusQueued
	}
	if err := s.repo.DispatchTx(ctx, tx, g.ID, res.FarmID, status); err != nil {
		return false, err
	}
	if err := s.wallets.RewriteReferenceTx(ctx, tx, g.FarmID, res.FarmID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	metrics.AdmissionsTotal.WithLabelValues("dispatched").Inc()
	log.Info().
		Str("generation_id", g.ID.String()).
		Str("farm_id", res.FarmID).
		Msg("queued generation dispatched")
	return true, nil
}

// SweepStale settles generations whose settlement never ran: terminal rows
// left unsettled and waiting_invite rows past the invite SLA. Item failures
// are isolated; one bad row never stops the sweep.
func (s *Service) SweepStale(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	items, err := s.repo.StaleUnsettled(ctx, limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for i := range items {
		g := &items[i]
		var override *Status
		if !g.Status.Terminal() {
			if !strings.HasPrefix(g.FarmID, QueuedFarmIDPrefix) {
				if err := s.farm.Cancel(ctx, g.FarmID); err != nil {
					log.Warn().Err(err).Str("farm_id", g.FarmID).Msg("farm cancel during sweep failed")
				}
			}
			cancelled := StatusCancelled
			override = &cancelled
		}
		if err := s.Settle(ctx, g.ID, override); err != nil {
			metrics.SweepItemsTotal.WithLabelValues("settlement", "error").Inc()
			log.Error().Err(err).Str("generation_id", g.ID.String()).Msg("sweep settlement failed")
			continue
		}
		metrics.SweepItemsTotal.WithLabelValues("settlement", "ok").Inc()
		processed++
	}

	if _, err := s.ProcessQueue(ctx); err != nil {
		log.Error().Err(err).Msg("queue drain after sweep failed")
	}
	return processed, nil
}

// SettlePendingForClientToken settles every unsettled generation charged to
// the token, cancelling the unfinished ones. Returns the first failure so
// the caller can hold off the monetary refund.
func (s *Service) SettlePendingForClientToken(ctx context.Context, tokenID uuid.UUID) error {
	gens, err := s.repo.PendingForClientToken(ctx, tokenID)
	if err != nil {
		return err
	}
	for i := range gens {
		g := &gens[i]
		var override *Status
		if !g.Status.Terminal() {
			if !strings.HasPrefix(g.FarmID, QueuedFarmIDPrefix) {
				if err := s.farm.Cancel(ctx, g.FarmID); err != nil {
					log.Warn().Err(err).Str("farm_id", g.FarmID).Msg("farm cancel during token deactivation failed")
				}
			}
			cancelled := StatusCancelled
			override = &cancelled
		}
		if err := s.Settle(ctx, g.ID, override); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) updateQueueDepth(ctx context.Context) {
	n, err := s.repo.CountQueued(ctx)
	if err != nil {
		return
	}
	metrics.QueueDepth.Set(float64(n))
}
