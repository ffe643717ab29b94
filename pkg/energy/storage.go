package energy

import (
	"context"
	"time"
)

// Storage defines the persistence contract for accounts, reservations,
// quota windows, and job correlation entries.
// All methods use concrete types from this package to avoid import cycles.
type Storage interface {
	// GetAccount retrieves an account by user id.
	// Returns ErrAccountNotFound if the user has no account.
	GetAccount(ctx context.Context, userID string) (*Account, error)

	// CreditAccount atomically adds amount to the user's balance,
	// creating the account if it does not exist.
	// Returns the new balance.
	CreditAccount(ctx context.Context, userID string, amount int64) (int64, error)

	// CreateReservation atomically debits the hold from the account and
	// creates a PENDING reservation. The debit and the insert are a
	// single transaction: on insufficient balance nothing changes and an
	// *InsufficientCreditsError is returned.
	//
	// If a reservation with the same (UserID, Feature, RequestID) already
	// exists it is returned unchanged with Reused set; no new hold is
	// taken.
	CreateReservation(ctx context.Context, req *ReserveRequest, id string) (*ReserveResult, error)

	// GetReservation retrieves a reservation by id.
	// Returns ErrReservationNotFound if unknown.
	GetReservation(ctx context.Context, id string) (*Reservation, error)

	// ResolveReservation performs the single atomic terminal transition
	// PENDING -> {SETTLED | REFUNDED} and applies the balance credit in
	// the same transaction. Concurrent callers race on the status check:
	// exactly one wins; losers get ErrAlreadyResolved together with the
	// winner's reservation so they can report the prior outcome.
	ResolveReservation(ctx context.Context, req *ResolveRequest) (*Resolution, error)

	// ConsumeQuota atomically increments the per-(user, feature) counter
	// for the window containing req.Now and reports whether the request
	// fits under req.Limit. The increment only happens when it does.
	ConsumeQuota(ctx context.Context, req *QuotaRequest) (*QuotaResult, error)

	// PeekQuota reports the current window standing without consuming.
	PeekQuota(ctx context.Context, req *QuotaRequest) (*QuotaResult, error)

	// PutJob creates or overwrites a job correlation entry with a fresh TTL.
	PutJob(ctx context.Context, key string, payload map[string]any, ttl time.Duration) error

	// GetJob retrieves a job correlation entry.
	// Returns ErrJobNotFound when the entry never existed or its TTL has
	// elapsed; expiry is a logical read-time check.
	GetJob(ctx context.Context, key string) (map[string]any, error)

	// MergeJob shallow-merges update into the stored payload without
	// extending the TTL. Returns the merged payload, or ErrJobNotFound
	// when the entry is absent or logically expired.
	MergeJob(ctx context.Context, key string, update map[string]any) (map[string]any, error)
}

// ResolveRequest describes a terminal reservation transition.
type ResolveRequest struct {
	ReservationID string
	To            ReservationStatus

	// FinalCost is the permanent charge for SETTLED transitions. The
	// ledger clamps it to the held amount before it reaches storage, so
	// Returned = HeldAmount - FinalCost is never negative.
	FinalCost int64

	// Reason is recorded for REFUNDED transitions.
	Reason string

	Provider string
	Model    string
	Usage    *TokenUsage
	Metadata map[string]any
}

// Resolution is the outcome of a ResolveReservation call.
type Resolution struct {
	Reservation *Reservation

	// Returned is the amount credited back to the account.
	Returned int64

	// BalanceAfter is the account balance after the credit.
	BalanceAfter int64
}

// QuotaRequest describes a rate-limit window check.
type QuotaRequest struct {
	UserID  string
	Feature string
	Limit   int64
	Window  time.Duration
	Now     time.Time
}
