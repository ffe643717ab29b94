package api

import "time"

// BalanceResponse reports a user's available credit balance
type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// ReservationResponse reports the state of a single reservation
type ReservationResponse struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Feature    string         `json:"feature"`
	Status     string         `json:"status"`
	HeldAmount int64          `json:"held_amount"`
	FinalCost  int64          `json:"final_cost,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Provider   string         `json:"provider,omitempty"`
	Model      string         `json:"model,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// QuotaResponse reports the current rate-limit window standing
type QuotaResponse struct {
	UserID    string    `json:"user_id"`
	Feature   string    `json:"feature"`
	Limit     int64     `json:"limit"` // 0 means unlimited
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// errorResponse is the JSON body for all error statuses
type errorResponse struct {
	Error string `json:"error"`
}
