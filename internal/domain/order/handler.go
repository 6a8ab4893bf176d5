package order

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/credhub/credhub-api/internal/middleware"
	"github.com/credhub/credhub-api/internal/pkg/pix"
	"github.com/credhub/credhub-api/internal/pkg/response"
	"github.com/credhub/credhub-api/internal/pkg/validator"
)

const signatureHeader = "X-Webhook-Signature"

type Handler struct {
	svc           *Service
	webhookSecret string
}

func NewHandler(svc *Service, webhookSecret string) *Handler {
	return &Handler{svc: svc, webhookSecret: webhookSecret}
}

type depositRequest struct {
	Amount     decimal.Decimal `json:"amount" validate:"required"`
	CouponCode *string         `json:"coupon_code,omitempty"`
	Customer   struct {
		Name     string `json:"name" validate:"required,max=150"`
		Email    string `json:"email" validate:"required,email"`
		Document string `json:"document,omitempty"`
	} `json:"customer"`
}

// CreateDeposit opens a PIX charge for a wallet top-up and returns the
// copy-paste code the buyer pays with.
func (h *Handler) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if fields := validator.Validate(req); fields != nil {
		response.UnprocessableEntity(w, "validation failed", fields)
		return
	}

	customer := pix.Customer{Name: req.Customer.Name, Email: req.Customer.Email, Document: req.Customer.Document}
	o, charge, err := h.svc.CreateDeposit(r.Context(), userID, req.Amount, customer, req.CouponCode)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAmount):
			response.BadRequest(w, err.Error())
		case errors.Is(err, ErrCouponNotFound):
			response.NotFound(w, err.Error())
		case errors.Is(err, ErrCouponInactive), errors.Is(err, ErrCouponExpired), errors.Is(err, ErrCouponExhausted):
			response.Error(w, http.StatusConflict, "COUPON_UNUSABLE", err.Error())
		default:
			response.Error(w, http.StatusBadGateway, "PAYMENT_PROVIDER_UNAVAILABLE", "charge could not be created")
		}
		return
	}

	response.Created(w, map[string]interface{}{
		"order":      o,
		"pix_code":   charge.PixCode,
		"expires_at": charge.ExpiresAt,
	})
}

// Get returns one of the caller's orders
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid order id")
		return
	}

	o, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(w, "order not found")
			return
		}
		response.InternalError(w)
		return
	}
	if o.UserID != userID && middleware.GetRole(r.Context()) != "admin" {
		response.Forbidden(w, "order belongs to another account")
		return
	}
	response.OK(w, map[string]interface{}{"order": o})
}

type webhookPayload struct {
	Event         string `json:"event"`
	TransactionID string `json:"transactionId"`
}

// Webhook receives provider payment events. The signature covers the raw
// body, so the body is read before any JSON decoding; verification is
// mandatory whenever a secret is configured.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		response.BadRequest(w, "unreadable body")
		return
	}

	if h.webhookSecret != "" {
		if !pix.VerifySignature(body, r.Header.Get(signatureHeader), h.webhookSecret) {
			log.Warn().Msg("webhook signature verification failed")
			response.Unauthorized(w, "invalid signature")
			return
		}
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if payload.TransactionID == "" {
		response.BadRequest(w, "missing transactionId")
		return
	}

	if err := h.svc.HandleWebhook(r.Context(), payload.Event, payload.TransactionID); err != nil {
		// Non-2xx makes the provider retry, which is what we want here
		response.InternalError(w)
		return
	}
	response.OK(w, map[string]interface{}{"received": true})
}

// Routes are the authenticated order endpoints
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Post("/deposit", h.CreateDeposit)
	r.Get("/{id}", h.Get)
	return r
}

// WebhookRoutes are unauthenticated; the HMAC signature is the credential
func (h *Handler) WebhookRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/pix", h.Webhook)
	return r
}
