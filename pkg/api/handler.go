// Package api provides plain net/http read endpoints for balances,
// reservations, and quota standing.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/mihaimyh/goenergy/pkg/energy"
)

const maxUserIDLen = 255

// Handler provides HTTP endpoints for ledger inspection
type Handler struct {
	config Config
}

// GetBalance returns the user's available credit balance.
// Users without an account report a zero balance rather than an error.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	balance, err := h.config.Ledger.Balance(r.Context(), userID)
	if err != nil && !errors.Is(err, energy.ErrAccountNotFound) {
		h.handleError(w, r, fmt.Errorf("failed to get balance: %w", err), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, BalanceResponse{UserID: userID, Balance: balance})
}

// GetReservation returns a reservation owned by the requesting user.
// The reservation id comes from the "id" query parameter or, when the
// route registers one, the {id} path value.
func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	if id == "" {
		id = r.URL.Query().Get("id")
	}
	if id == "" {
		h.handleError(w, r, fmt.Errorf("reservation id is required"), http.StatusBadRequest)
		return
	}

	resv, err := h.config.Ledger.GetReservation(r.Context(), id)
	if errors.Is(err, energy.ErrReservationNotFound) {
		h.handleError(w, r, fmt.Errorf("reservation not found"), http.StatusNotFound)
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get reservation: %w", err), http.StatusInternalServerError)
		return
	}

	// Reservations are private to their owner
	if resv.UserID != userID {
		h.handleError(w, r, fmt.Errorf("reservation not found"), http.StatusNotFound)
		return
	}

	resp := ReservationResponse{
		ID:         resv.ID,
		UserID:     resv.UserID,
		Feature:    resv.Feature,
		Status:     string(resv.Status),
		HeldAmount: resv.HeldAmount,
		FinalCost:  resv.FinalCost,
		Reason:     resv.Reason,
		Provider:   resv.Provider,
		Model:      resv.Model,
		Metadata:   resv.Metadata,
		CreatedAt:  resv.CreatedAt,
	}
	if !resv.ResolvedAt.IsZero() {
		t := resv.ResolvedAt
		resp.ResolvedAt = &t
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetQuota returns the user's current rate-limit standing for a feature
// without consuming a unit.
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	feature := r.URL.Query().Get("feature")
	if feature == "" {
		h.handleError(w, r, fmt.Errorf("feature is required"), http.StatusBadRequest)
		return
	}

	limit := h.config.QuotaLimits[feature]
	standing, err := h.config.Ledger.QuotaStanding(r.Context(), userID, feature, limit)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get quota standing: %w", err), http.StatusInternalServerError)
		return
	}

	resp := QuotaResponse{
		UserID:    userID,
		Feature:   feature,
		Limit:     standing.Limit,
		Remaining: standing.Remaining,
		ResetAt:   standing.ResetAt,
	}
	if standing.Remaining == math.MaxInt64 {
		resp.Remaining = -1
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.config.Logger.Error("failed to encode response",
			energy.Field{Key: "error", Value: err.Error()},
		)
	}
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, status int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}
