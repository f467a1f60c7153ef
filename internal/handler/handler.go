package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/amethystlabs/amethyst-backend/internal/infrastructure/auth"
	"github.com/amethystlabs/amethyst-backend/internal/models"
	service "github.com/amethystlabs/amethyst-backend/internal/services"
	pkgerrors "github.com/amethystlabs/amethyst-backend/pkg/errors"
	"github.com/gorilla/mux"
)

type Handler struct {
	accounts    service.AccountService
	ledger      service.LedgerService
	generations service.GenerationService
	payments    service.PaymentService
}

func NewHandler(
	accounts service.AccountService,
	ledger service.LedgerService,
	generations service.GenerationService,
	payments service.PaymentService,
) *Handler {
	return &Handler{
		accounts:    accounts,
		ledger:      ledger,
		generations: generations,
		payments:    payments,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) RegisterPublicRoutes(r *mux.Router) {
	r.HandleFunc("/register", h.Register).Methods("POST")
	r.HandleFunc("/login", h.Login).Methods("POST")
	r.HandleFunc("/webhooks/stripe", h.StripeWebhook).Methods("POST")
}

func (h *Handler) RegisterProtectedRoutes(r *mux.Router) {
	r.HandleFunc("/logout", h.Logout).Methods("POST")
	r.HandleFunc("/profile", h.GetProfile).Methods("GET")
	r.HandleFunc("/generate", h.Generate).Methods("POST")
	r.HandleFunc("/generations", h.GetGenerations).Methods("GET")
	r.HandleFunc("/balance", h.GetBalance).Methods("GET")
	r.HandleFunc("/history", h.GetHistory).Methods("GET")
	r.HandleFunc("/credits/checkout", h.CreateCheckout).Methods("POST")
	r.HandleFunc("/credits/ad-watch", h.WatchAd).Methods("POST")
}

func (h *Handler) RegisterModerationRoutes(r *mux.Router) {
	r.HandleFunc("/generations", h.ListAllGenerations).Methods("GET")
	r.HandleFunc("/generations/{id:[0-9]+}/delete", h.DeleteGeneration).Methods("POST")
	r.HandleFunc("/generations/{id:[0-9]+}/restore", h.RestoreGeneration).Methods("POST")
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	token, err := h.accounts.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, pkgerrors.ErrEmailExists):
			h.writeError(w, http.StatusConflict, err)
		case errors.Is(err, pkgerrors.ErrInvalidInput):
			h.writeError(w, http.StatusBadRequest, err)
		default:
			h.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	token, err := h.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, err)
		} else {
			h.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("not authenticated"))
		return
	}
	if err := h.accounts.Logout(r.Context(), accountID); err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("not authenticated"))
		return
	}
	account, err := h.accounts.GetProfile(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, err)
		} else {
			h.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("not authenticated"))
		return
	}

	var req service.GenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	gen, err := h.generations.Generate(r.Context(), accountID, req)
	if err != nil {
		switch {
		case errors.Is(err, pkgerrors.ErrInsufficientBalance):
			h.writeError(w, http.StatusPaymentRequired, err)
		case errors.Is(err, pkgerrors.ErrInvalidInput):
			h.writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, pkgerrors.ErrRefundFailed):
			// Charged but not compensated yet; the reconciliation path will
			// restore the credits.
			h.writeJSON(w, http.StatusBadGateway, map[string]string{
				"error":  "generation failed",
				"detail": "your credits will be restored shortly",
			})
		case errors.Is(err, pkgerrors.ErrProviderFailure):
			h.writeJSON(w, http.StatusBadGateway, map[string]string{
				"error":  "generation failed",
				"detail": "your credits have been refunded",
			})
		default:
			h.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, gen)
}

func (h *Handler) GetGenerations(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("not authenticated"))
		return
	}
	gens, err := h.generations.GetHistory(r.Context(), accountID, parseLimit(r))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if gens == nil {
		gens = []models.Generation{}
	}
	h.writeJSON(w, http.StatusOK, gens)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("not authenticated"))
		return
	}
	balance, err := h.ledger.GetBalance(r.Context(), accountID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int32{"balance": balance})
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("not authenticated"))
		return
	}
	transactions, err := h.ledger.GetHistory(r.Context(), accountID, parseLimit(r))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if transactions == nil {
		transactions = []models.Transaction{}
	}
	h.writeJSON(w, http.StatusOK, transactions)
}

func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("not authenticated"))
		return
	}

	var req struct {
		Credits int32 `json:"credits"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	url, err := h.payments.CreateCheckout(r.Context(), accountID, req.Credits)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrInvalidInput) {
			h.writeError(w, http.StatusBadRequest, err)
		} else {
			h.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"checkout_url": url})
}

func (h *Handler) WatchAd(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("not authenticated"))
		return
	}

	var req struct {
		AdViewID string `json:"ad_view_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	tx, err := h.accounts.WatchAd(r.Context(), accountID, req.AdViewID)
	if err != nil {
		switch {
		case errors.Is(err, pkgerrors.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, err)
		case errors.Is(err, pkgerrors.ErrInvalidInput):
			h.writeError(w, http.StatusBadRequest, err)
		default:
			h.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, tx)
}

func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("missing signature header"))
		return
	}

	if err := h.payments.HandleWebhook(r.Context(), payload, signature); err != nil {
		if errors.Is(err, pkgerrors.ErrInvalidInput) {
			h.writeError(w, http.StatusBadRequest, err)
		} else {
			h.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

func (h *Handler) ListAllGenerations(w http.ResponseWriter, r *http.Request) {
	gens, err := h.generations.ListAll(r.Context(), parseLimit(r))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if gens == nil {
		gens = []models.Generation{}
	}
	h.writeJSON(w, http.StatusOK, gens)
}

func (h *Handler) DeleteGeneration(w http.ResponseWriter, r *http.Request) {
	h.setGenerationTombstone(w, r, h.generations.Delete)
}

func (h *Handler) RestoreGeneration(w http.ResponseWriter, r *http.Request) {
	h.setGenerationTombstone(w, r, h.generations.Restore)
}

func (h *Handler) setGenerationTombstone(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id int32) error) {
	idStr := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(idStr, 10, 32)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, errors.New("invalid generation id"))
		return
	}
	if err := op(r.Context(), int32(id)); err != nil {
		if errors.Is(err, pkgerrors.ErrGenerationNotFound) {
			h.writeError(w, http.StatusNotFound, err)
		} else {
			h.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil && limit > 0 {
			return limit
		}
	}
	return 0
}
