package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/credhub/credhub-api/internal/domain/token"
	"github.com/credhub/credhub-api/internal/domain/wallet"
	"github.com/credhub/credhub-api/internal/pkg/metrics"
	"github.com/credhub/credhub-api/internal/pkg/pix"
)

// PixGateway is the outbound contract to the payment provider
type PixGateway interface {
	CreateCharge(ctx context.Context, req pix.CreateChargeRequest) (*pix.Charge, error)
	GetTransactionStatus(ctx context.Context, transactionID string) (string, error)
}

// WalletCrediter credits a paid deposit into the buyer's wallet
type WalletCrediter interface {
	Credit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, description, referenceID string) (*wallet.CreditResult, error)
}

// TokenAdmin applies token upgrades and purchases when their orders pay
type TokenAdmin interface {
	Create(ctx context.Context, p token.CreateParams) (*token.Token, error)
	AddDailyLimit(ctx context.Context, id uuid.UUID, delta int) error
	SetCreditsPerUse(ctx context.Context, id uuid.UUID, creditsPerUse int) error
}

type Service struct {
	repo    *Repository
	pix     PixGateway
	wallets WalletCrediter
	tokens  TokenAdmin
}

func NewService(repo *Repository, gateway PixGateway, wallets WalletCrediter, tokens TokenAdmin) *Service {
	return &Service{repo: repo, pix: gateway, wallets: wallets, tokens: tokens}
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.repo.GetByID(ctx, id)
}

// CreateDeposit opens a PIX charge for a wallet top-up. The coupon discounts
// what the provider bills; the wallet is credited the nominal amount when
// the charge pays.
func (s *Service) CreateDeposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, customer pix.Customer, couponCode *string) (*Order, *pix.Charge, error) {
	return s.create(ctx, userID, TypeDeposit, amount, nil, customer, couponCode)
}

// Create opens a PIX charge for any order type. Metadata must match the
// type: upgrades name the token, purchases describe the new token.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, orderType Type, amount decimal.Decimal, metadata interface{}, customer pix.Customer, couponCode *string) (*Order, *pix.Charge, error) {
	return s.create(ctx, userID, orderType, amount, metadata, customer, couponCode)
}

func (s *Service) create(ctx context.Context, userID uuid.UUID, orderType Type, amount decimal.Decimal, metadata interface{}, customer pix.Customer, couponCode *string) (*Order, *pix.Charge, error) {
	if !orderType.Valid() {
		return nil, nil, ErrInvalidType
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, nil, ErrInvalidAmount
	}

	discount := decimal.Zero
	var redeemedCode *string
	if couponCode != nil && *couponCode != "" {
		coupon, err := s.repo.RedeemCoupon(ctx, *couponCode)
		if err != nil {
			return nil, nil, err
		}
		discount = amount.Mul(decimal.NewFromInt(int64(coupon.PercentOff))).Div(decimal.NewFromInt(100)).Round(2)
		redeemedCode = &coupon.Code
	}
	charged := amount.Sub(discount)
	if charged.LessThanOrEqual(decimal.Zero) {
		// A 100% coupon still needs a billable charge; clamp to one cent
		charged = decimal.NewFromFloat(0.01)
	}

	releaseCoupon := func() {
		if redeemedCode == nil {
			return
		}
		if err := s.repo.ReleaseCoupon(ctx, *redeemedCode); err != nil {
			log.Error().Err(err).Str("coupon", *redeemedCode).Msg("coupon release failed")
		}
	}

	var raw json.RawMessage
	if metadata != nil {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			releaseCoupon()
			return nil, nil, fmt.Errorf("encode order metadata: %w", err)
		}
		raw = encoded
	}

	charge, err := s.pix.CreateCharge(ctx, pix.CreateChargeRequest{Amount: charged, Customer: customer})
	if err != nil {
		releaseCoupon()
		return nil, nil, err
	}

	o := &Order{
		ID:               uuid.New(),
		UserID:           userID,
		Type:             orderType,
		Status:           StatusPending,
		Amount:           amount,
		ChargedAmount:    charged,
		Metadata:         types.JSONText(raw),
		CouponCode:       redeemedCode,
		DiscountAmount:   discount,
		PixTransactionID: &charge.TransactionID,
		PixCode:          &charge.PixCode,
	}
	if err := s.repo.Create(ctx, o); err != nil {
		releaseCoupon()
		return nil, nil, err
	}

	log.Info().
		Str("order_id", o.ID.String()).
		Str("user_id", userID.String()).
		Str("type", string(orderType)).
		Str("amount", amount.String()).
		Str("charged", charged.String()).
		Str("pix_transaction_id", charge.TransactionID).
		Msg("order created")

	return o, charge, nil
}

// HandlePaid claims the order and applies its side effect. The claim makes
// this safe to call from the webhook and the reconciliation sweep at once;
// a failed side effect reopens the order for a later retry.
func (s *Service) HandlePaid(ctx context.Context, o *Order) error {
	claimed, err := s.repo.ClaimPaid(ctx, o.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	if err := s.applySideEffect(ctx, o); err != nil {
		if rbErr := s.repo.RollbackPaid(ctx, o.ID); rbErr != nil {
			log.Error().Err(rbErr).Str("order_id", o.ID.String()).Msg("order rollback failed, stuck paid without side effect")
		}
		return err
	}

	log.Info().
		Str("order_id", o.ID.String()).
		Str("type", string(o.Type)).
		Msg("order paid and applied")
	return nil
}

func (s *Service) applySideEffect(ctx context.Context, o *Order) error {
	switch o.Type {
	case TypeDeposit:
		if o.PixTransactionID == nil {
			return ErrInvalidMetadata
		}
		// The wallet credit is idempotent on the transaction id, a second
		// application of the same deposit is a no-op.
		_, err := s.wallets.Credit(ctx, o.UserID, o.Amount, "pix deposit", *o.PixTransactionID)
		return err

	case TypeUpgradeDaily:
		var m UpgradeMetadata
		if err := json.Unmarshal(o.Metadata, &m); err != nil || m.TokenID == uuid.Nil || m.DailyLimitIncrease <= 0 {
			return ErrInvalidMetadata
		}
		return s.tokens.AddDailyLimit(ctx, m.TokenID, m.DailyLimitIncrease)

	case TypeUpgradePerUse:
		var m UpgradeMetadata
		if err := json.Unmarshal(o.Metadata, &m); err != nil || m.TokenID == uuid.Nil || m.CreditsPerUse <= 0 {
			return ErrInvalidMetadata
		}
		return s.tokens.SetCreditsPerUse(ctx, m.TokenID, m.CreditsPerUse)

	case TypeTokenPurchase:
		var m TokenPurchaseMetadata
		if err := json.Unmarshal(o.Metadata, &m); err != nil || m.ClientName == "" {
			return ErrInvalidMetadata
		}
		_, err := s.tokens.Create(ctx, token.CreateParams{
			ClientName:      m.ClientName,
			TotalLimit:      m.TotalLimit,
			DailyLimit:      m.DailyLimit,
			CreditsPerUse:   m.CreditsPerUse,
			CooldownSeconds: m.CooldownSeconds,
		})
		return err

	default:
		return ErrInvalidType
	}
}

// HandleWebhook applies a provider event. Only transaction.paid does
// anything; unknown events and unknown transactions are acknowledged so the
// provider stops retrying them.
func (s *Service) HandleWebhook(ctx context.Context, event string, transactionID string) error {
	if event != "transaction.paid" {
		log.Debug().Str("event", event).Msg("ignoring webhook event")
		return nil
	}

	o, err := s.repo.GetByPixTransactionID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Warn().Str("pix_transaction_id", transactionID).Msg("webhook for unknown transaction")
			return nil
		}
		return err
	}
	return s.HandlePaid(ctx, o)
}

// Reconcile polls the provider for pending orders whose webhook never
// arrived. Item failures are isolated.
func (s *Service) Reconcile(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 25
	}
	orders, err := s.repo.StalePending(ctx, limit)
	if err != nil {
		return 0, err
	}

	applied := 0
	for i := range orders {
		o := &orders[i]
		status, err := s.pix.GetTransactionStatus(ctx, *o.PixTransactionID)
		if err != nil {
			metrics.SweepItemsTotal.WithLabelValues("orders", "error").Inc()
			log.Warn().Err(err).Str("order_id", o.ID.String()).Msg("provider status poll failed")
			continue
		}
		if status != "paid" {
			metrics.SweepItemsTotal.WithLabelValues("orders", "still_pending").Inc()
			continue
		}
		if err := s.HandlePaid(ctx, o); err != nil {
			metrics.SweepItemsTotal.WithLabelValues("orders", "error").Inc()
			log.Error().Err(err).Str("order_id", o.ID.String()).Msg("reconciliation apply failed")
			continue
		}
		metrics.SweepItemsTotal.WithLabelValues("orders", "ok").Inc()
		applied++
	}
	return applied, nil
}
