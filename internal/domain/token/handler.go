package token

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/credhub/credhub-api/internal/pkg/response"
	"github.com/credhub/credhub-api/internal/pkg/validator"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type createTokenRequest struct {
	ClientName      string     `json:"client_name" validate:"required"`
	TotalLimit      *int       `json:"total_limit" validate:"omitempty,gt=0"`
	DailyLimit      *int       `json:"daily_limit" validate:"omitempty,gt=0"`
	CreditsPerUse   int        `json:"credits_per_use" validate:"omitempty,gt=0"`
	CooldownSeconds int        `json:"cooldown_seconds" validate:"omitempty,gt=0"`
	ExpiresAt       *time.Time `json:"expires_at"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if fields := validator.Validate(req); fields != nil {
		response.UnprocessableEntity(w, "validation failed", fields)
		return
	}

	t, err := h.svc.Create(r.Context(), CreateParams{
		ClientName:      req.ClientName,
		TotalLimit:      req.TotalLimit,
		DailyLimit:      req.DailyLimit,
		CreditsPerUse:   req.CreditsPerUse,
		CooldownSeconds: req.CooldownSeconds,
		ExpiresAt:       req.ExpiresAt,
	})
	if err != nil {
		response.InternalError(w)
		return
	}
	response.Created(w, t)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	tokens, err := h.svc.List(r.Context(), limit, offset)
	if err != nil {
		response.InternalError(w)
		return
	}
	response.OK(w, map[string]interface{}{"tokens": tokens})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid token id")
		return
	}

	t, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(w, "token not found")
			return
		}
		response.InternalError(w)
		return
	}

	usage, err := h.svc.Usage(r.Context(), id)
	if err != nil {
		response.InternalError(w)
		return
	}

	response.OK(w, map[string]interface{}{"token": t, "usage": usage})
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

func (h *Handler) SetActive(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid token id")
		return
	}

	var req setActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}

	if err := h.svc.SetActive(r.Context(), id, req.Active); err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(w, "token not found")
			return
		}
		response.InternalError(w)
		return
	}
	response.OK(w, map[string]interface{}{"active": req.Active})
}

func (h *Handler) Routes(adminMiddleware ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	for _, mw := range adminMiddleware {
		r.Use(mw)
	}
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}/active", h.SetActive)
	return r
}
