package generation

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/credhub/credhub-api/internal/domain/clienttoken"
	"github.com/credhub/credhub-api/internal/domain/token"
	"github.com/credhub/credhub-api/internal/domain/wallet"
	"github.com/credhub/credhub-api/internal/middleware"
	"github.com/credhub/credhub-api/internal/pkg/response"
	"github.com/credhub/credhub-api/internal/pkg/validator"
)

const (
	farmTokenHeader   = "X-Farm-Token"
	clientTokenHeader = "X-Client-Token"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type createRequest struct {
	Credits int `json:"credits" validate:"required,gt=0"`
}

// Create starts a wallet-funded generation for the authenticated reseller
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if fields := validator.Validate(req); fields != nil {
		response.UnprocessableEntity(w, "validation failed", fields)
		return
	}

	g, pos, debit, err := h.svc.CreateForUser(r.Context(), userID, req.Credits)
	if err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			details := map[string]interface{}{}
			if debit != nil {
				details["balance"] = debit.Balance
			}
			response.ErrorWithDetails(w, http.StatusConflict, "INSUFFICIENT_BALANCE", "wallet balance too low", details)
			return
		}
		if errors.Is(err, ErrInvalidCredits) {
			response.BadRequest(w, err.Error())
			return
		}
		response.Error(w, http.StatusBadGateway, "FARM_UNAVAILABLE", "generation could not be started, charge refunded")
		return
	}

	data := map[string]interface{}{"generation": g, "new_balance": debit.NewBalance}
	if g.Status == StatusQueued {
		data["queue_position"] = pos
	}
	response.Created(w, data)
}

// Get polls the farm and returns the fresh state of the generation
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	g, ok := h.ownedGeneration(w, r)
	if !ok {
		return
	}

	g, farmRes, pos, err := h.svc.SyncStatus(r.Context(), g.ID)
	if err != nil && g == nil {
		response.InternalError(w)
		return
	}

	data := map[string]interface{}{"generation": g}
	if g != nil && g.AwaitingSlot() {
		data["queue_position"] = pos
	}
	if farmRes != nil {
		data["farm"] = farmRes
	}
	if err != nil {
		// Stale local state is still useful when the farm is unreachable
		data["farm_error"] = "status poll failed"
	}
	response.OK(w, data)
}

// List returns the caller's recent generations
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	gens, err := h.svc.ListByUser(r.Context(), userID, limit)
	if err != nil {
		response.InternalError(w)
		return
	}
	response.OK(w, map[string]interface{}{"generations": gens})
}

// Cancel aborts a generation and refunds the undelivered remainder
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	g, ok := h.ownedGeneration(w, r)
	if !ok {
		return
	}

	g, err := h.svc.Cancel(r.Context(), g.ID)
	if err != nil {
		response.InternalError(w)
		return
	}
	response.OK(w, map[string]interface{}{"generation": g})
}

// Expire gives up on a generation stuck before delivery started
func (h *Handler) Expire(w http.ResponseWriter, r *http.Request) {
	g, ok := h.ownedGeneration(w, r)
	if !ok {
		return
	}

	g, err := h.svc.Expire(r.Context(), g.ID)
	if err != nil {
		if errors.Is(err, ErrNotExpirable) {
			response.Conflict(w, "generation already started delivering, cancel it instead")
			return
		}
		response.InternalError(w)
		return
	}
	response.OK(w, map[string]interface{}{"generation": g})
}

// FarmGenerate starts a generation charged against an admin-issued token
// carried in the X-Farm-Token header.
func (h *Handler) FarmGenerate(w http.ResponseWriter, r *http.Request) {
	tokenID, err := uuid.Parse(r.Header.Get(farmTokenHeader))
	if err != nil {
		response.Unauthorized(w, "missing or malformed farm token")
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if fields := validator.Validate(req); fields != nil {
		response.UnprocessableEntity(w, "validation failed", fields)
		return
	}

	g, pos, err := h.svc.CreateForToken(r.Context(), tokenID, req.Credits)
	if err != nil {
		h.writeTokenError(w, err)
		return
	}

	data := map[string]interface{}{"generation": g}
	if g.Status == StatusQueued {
		data["queue_position"] = pos
	}
	response.Created(w, data)
}

// ClientGenerate starts a generation spending prepaid client-token credits
// carried in the X-Client-Token header.
func (h *Handler) ClientGenerate(w http.ResponseWriter, r *http.Request) {
	tokenID, err := uuid.Parse(r.Header.Get(clientTokenHeader))
	if err != nil {
		response.Unauthorized(w, "missing or malformed client token")
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if fields := validator.Validate(req); fields != nil {
		response.UnprocessableEntity(w, "validation failed", fields)
		return
	}

	g, pos, use, err := h.svc.CreateForClientToken(r.Context(), tokenID, req.Credits)
	if err != nil {
		h.writeClientTokenError(w, err, use)
		return
	}

	data := map[string]interface{}{"generation": g, "remaining_credits": use.Remaining}
	if g.Status == StatusQueued {
		data["queue_position"] = pos
	}
	response.Created(w, data)
}

// PushStatus lets an operator apply a status report by hand, typically when
// the farm's poll endpoint is lying or down.
func (h *Handler) PushStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid generation id")
		return
	}

	var req struct {
		Status        string `json:"status" validate:"required"`
		CreditsEarned *int   `json:"credits_earned,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if fields := validator.Validate(req); fields != nil {
		response.UnprocessableEntity(w, "validation failed", fields)
		return
	}

	g, err := h.svc.PushStatus(r.Context(), id, req.Status, req.CreditsEarned)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidStatus):
			response.BadRequest(w, err.Error())
		case errors.Is(err, ErrNotFound):
			response.NotFound(w, "generation not found")
		default:
			response.InternalError(w)
		}
		return
	}
	response.OK(w, map[string]interface{}{"generation": g})
}

// Anomalies reports ledger inconsistencies for operator review
func (h *Handler) Anomalies(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	anomalies, err := h.svc.Anomalies(r.Context(), limit)
	if err != nil {
		response.InternalError(w)
		return
	}
	response.OK(w, map[string]interface{}{"anomalies": anomalies})
}

func (h *Handler) ownedGeneration(w http.ResponseWriter, r *http.Request) (*Generation, bool) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return nil, false
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid generation id")
		return nil, false
	}

	g, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(w, "generation not found")
			return nil, false
		}
		response.InternalError(w)
		return nil, false
	}

	if middleware.GetRole(r.Context()) != "admin" && (!g.UserID.Valid || g.UserID.UUID != userID) {
		response.Forbidden(w, "generation belongs to another account")
		return nil, false
	}
	return g, true
}

func (h *Handler) writeTokenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, token.ErrNotFound):
		response.Unauthorized(w, "invalid farm token")
	case errors.Is(err, token.ErrInactive), errors.Is(err, token.ErrExpired):
		response.Forbidden(w, err.Error())
	case errors.Is(err, token.ErrPerUseExceeded):
		response.Error(w, http.StatusUnprocessableEntity, "CREDITS_PER_USE_EXCEEDED", err.Error())
	case errors.Is(err, token.ErrTotalLimitReached), errors.Is(err, token.ErrDailyLimitReached):
		response.Error(w, http.StatusTooManyRequests, "TOKEN_LIMIT_REACHED", err.Error())
	case errors.Is(err, token.ErrCooldownActive):
		response.Error(w, http.StatusTooManyRequests, "COOLDOWN_ACTIVE", err.Error())
	case errors.Is(err, ErrInvalidCredits):
		response.BadRequest(w, err.Error())
	default:
		response.Error(w, http.StatusBadGateway, "FARM_UNAVAILABLE", "generation could not be started")
	}
}

func (h *Handler) writeClientTokenError(w http.ResponseWriter, err error, use *clienttoken.UseResult) {
	switch {
	case errors.Is(err, clienttoken.ErrNotFound):
		response.Unauthorized(w, "invalid client token")
	case errors.Is(err, clienttoken.ErrInactive):
		response.Forbidden(w, err.Error())
	case errors.Is(err, clienttoken.ErrInsufficientCredits):
		details := map[string]interface{}{}
		if use != nil {
			details["remaining"] = use.Remaining
		}
		response.ErrorWithDetails(w, http.StatusConflict, "INSUFFICIENT_CREDITS", err.Error(), details)
	case errors.Is(err, ErrInvalidCredits):
		response.BadRequest(w, err.Error())
	default:
		response.Error(w, http.StatusBadGateway, "FARM_UNAVAILABLE", "generation could not be started, credits refunded")
	}
}

// Routes are the authenticated reseller-facing generation endpoints
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/cancel", h.Cancel)
	r.Post("/{id}/expire", h.Expire)
	return r
}

// FarmRoutes serve machine callers authenticated by the X-Farm-Token header
func (h *Handler) FarmRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/generate", h.FarmGenerate)
	return r
}

// ClientRoutes serve end customers authenticated by the X-Client-Token header
func (h *Handler) ClientRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/generate", h.ClientGenerate)
	return r
}

// AdminRoutes expose status pushes and anomaly reports
func (h *Handler) AdminRoutes(adminMiddleware ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	for _, mw := range adminMiddleware {
		r.Use(mw)
	}
	r.Get("/anomalies", h.Anomalies)
	r.Post("/generations/{id}/status", h.PushStatus)
	return r
}
