package energy

import (
	"time"
)

// ReservationStatus defines the lifecycle state of a credit reservation.
// A reservation is created PENDING and resolves exactly once to either
// SETTLED or REFUNDED.
type ReservationStatus string

const (
	// StatusPending means credits are held but the final cost is unknown
	StatusPending ReservationStatus = "PENDING"
	// StatusSettled means the reservation resolved into a final charge
	StatusSettled ReservationStatus = "SETTLED"
	// StatusRefunded means the full hold was returned to the account
	StatusRefunded ReservationStatus = "REFUNDED"
)

// Terminal reports whether the status permits no further transitions.
func (s ReservationStatus) Terminal() bool {
	return s == StatusSettled || s == StatusRefunded
}

// Account holds a user's available credit balance.
// Balance is in the smallest credit unit and never goes negative.
type Account struct {
	UserID    string
	Balance   int64
	UpdatedAt time.Time
}

// TokenUsage carries provider-reported token counts for a settlement.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Reservation represents a provisional debit against an account.
type Reservation struct {
	ID         string `json:"id"`
	UserID     string `json:"userId"`
	Feature    string `json:"feature"`
	RequestID  string `json:"requestId,omitempty"`
	HeldAmount int64  `json:"heldAmount"`

	// FinalCost is set only once the reservation settles.
	FinalCost int64             `json:"finalCost,omitempty"`
	Status    ReservationStatus `json:"status"`

	Provider string      `json:"provider,omitempty"`
	Model    string      `json:"model,omitempty"`
	Usage    *TokenUsage `json:"usage,omitempty"`

	// Reason records why a reservation was refunded.
	Reason string `json:"reason,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt  time.Time `json:"createdAt"`
	ResolvedAt time.Time `json:"resolvedAt,omitzero"`
}

// ReserveRequest describes a new credit hold.
type ReserveRequest struct {
	UserID  string
	Amount  int64
	Feature string

	// RequestID is a caller-supplied idempotency key. A repeat Reserve
	// with the same (UserID, Feature, RequestID) returns the existing
	// reservation instead of creating a second hold.
	RequestID string

	Provider string
	Model    string
	Metadata map[string]any
}

// ReserveResult is returned by Ledger.Reserve.
type ReserveResult struct {
	Reservation *Reservation

	// BalanceAfter is the account balance after the hold was taken.
	BalanceAfter int64

	// Reused is true when an existing reservation was returned for a
	// retried RequestID.
	Reused bool
}

// SettleOptions carries optional settlement context recorded on the
// reservation.
type SettleOptions struct {
	Provider string
	Model    string
	Usage    *TokenUsage
	Metadata map[string]any
}

// SettlementResult is returned by Ledger.Settle.
type SettlementResult struct {
	Reservation      *Reservation
	FinalCost        int64
	Returned         int64
	CreditsRemaining int64

	// AlreadyResolved is true when the reservation was already terminal
	// and this call had no effect.
	AlreadyResolved bool
}

// RefundResult is returned by Ledger.Refund.
type RefundResult struct {
	Reservation      *Reservation
	Returned         int64
	CreditsRemaining int64
	AlreadyResolved  bool
}

// QuotaResult reports the outcome of a rate-limit window check.
type QuotaResult struct {
	Allowed   bool
	Remaining int64
	Limit     int64
	ResetAt   time.Time
}

// Config holds ledger configuration.
type Config struct {
	// QuotaWindow is the fixed rate-limit window (default: 1 hour).
	// Windows are aligned to wall-clock boundaries.
	QuotaWindow time.Duration

	// JobTTL is the time-to-live for job correlation entries
	// (default: 6 hours).
	JobTTL time.Duration

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking ledger operations (default: NoopMetrics).
	Metrics Metrics
}

// DefaultQuotaWindow is the rate-limit window used when Config.QuotaWindow
// is zero.
const DefaultQuotaWindow = time.Hour

// DefaultJobTTL is the correlation TTL used when Config.JobTTL is zero.
const DefaultJobTTL = 6 * time.Hour
