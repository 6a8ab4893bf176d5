package clienttoken

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/credhub/credhub-api/internal/domain/wallet"
	"github.com/credhub/credhub-api/internal/middleware"
	"github.com/credhub/credhub-api/internal/pkg/response"
	"github.com/credhub/credhub-api/internal/pkg/validator"
)

type Handler struct {
	svc     *Service
	settler GenerationSettler
}

func NewHandler(svc *Service, settler GenerationSettler) *Handler {
	return &Handler{svc: svc, settler: settler}
}

type mintRequest struct {
	Label   string `json:"label" validate:"required,max=100"`
	Credits int    `json:"credits" validate:"required,gt=0"`
}

func (h *Handler) Mint(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if fields := validator.Validate(req); fields != nil {
		response.UnprocessableEntity(w, "validation failed", fields)
		return
	}

	t, debit, err := h.svc.Mint(r.Context(), userID, req.Label, req.Credits)
	if err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			details := map[string]interface{}{}
			if debit != nil {
				details["balance"] = debit.Balance
			}
			response.ErrorWithDetails(w, http.StatusConflict, "INSUFFICIENT_BALANCE", "wallet balance too low to mint token", details)
			return
		}
		response.InternalError(w)
		return
	}

	response.Created(w, map[string]interface{}{"token": t, "new_balance": debit.NewBalance})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	tokens, err := h.svc.ListByOwner(r.Context(), userID)
	if err != nil {
		response.InternalError(w)
		return
	}
	response.OK(w, map[string]interface{}{"tokens": tokens})
}

func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid client token id")
		return
	}

	t, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(w, "client token not found")
			return
		}
		response.InternalError(w)
		return
	}
	if t.OwnerUserID != userID {
		response.Forbidden(w, "not the token owner")
		return
	}

	refund, err := h.svc.Deactivate(r.Context(), id, h.settler)
	if err != nil {
		if errors.Is(err, ErrAlreadyDeactivated) {
			response.OK(w, map[string]interface{}{"already_deactivated": true})
			return
		}
		response.InternalError(w)
		return
	}

	response.OK(w, map[string]interface{}{"refund": refund})
}

func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Post("/", h.Mint)
	r.Get("/", h.List)
	r.Post("/{id}/deactivate", h.Deactivate)
	return r
}
