package energy

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// Ledger manages credit reservations, settlements, and refunds over a
// Storage backend. All operations are safe for concurrent use.
type Ledger struct {
	storage Storage
	config  Config
}

// NewLedger creates a new ledger with the given storage and configuration.
func NewLedger(storage Storage, config Config) (*Ledger, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	// Set defaults
	if config.QuotaWindow == 0 {
		config.QuotaWindow = DefaultQuotaWindow
	}
	if config.JobTTL == 0 {
		config.JobTTL = DefaultJobTTL
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	return &Ledger{
		storage: storage,
		config:  config,
	}, nil
}

// Balance returns the user's current available balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	acct, err := l.storage.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Grant adds credits to the user's balance, creating the account if
// needed. Used for top-ups and sign-up bonuses.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	balance, err := l.storage.CreditAccount(ctx, userID, amount)
	if err != nil {
		return 0, err
	}
	l.config.Logger.Info("credits granted",
		Field{"user_id", userID},
		Field{"amount", amount},
		Field{"balance", balance},
	)
	return balance, nil
}

// Reserve places a hold on the user's balance. The debit and the
// reservation insert are atomic; on insufficient balance nothing changes
// and an *InsufficientCreditsError reports the required and available
// amounts.
//
// Reserve is idempotent on RequestID: a retried call with the same
// (UserID, Feature, RequestID) returns the existing reservation, whatever
// its current status, instead of taking a second hold.
func (l *Ledger) Reserve(ctx context.Context, req *ReserveRequest) (*ReserveResult, error) {
	if req == nil || req.UserID == "" {
		return nil, ErrAccountNotFound
	}
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	start := time.Now()
	res, err := l.storage.CreateReservation(ctx, req, uuid.NewString())
	l.config.Metrics.RecordOperation("reserve", time.Since(start), err)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			l.config.Logger.Warn("reserve rejected",
				Field{"user_id", req.UserID},
				Field{"feature", req.Feature},
				Field{"amount", req.Amount},
			)
		}
		return nil, err
	}

	l.config.Metrics.RecordReservation(req.Feature, req.Amount, res.Reused)
	l.config.Logger.Debug("credits reserved",
		Field{"user_id", req.UserID},
		Field{"reservation_id", res.Reservation.ID},
		Field{"amount", res.Reservation.HeldAmount},
		Field{"reused", res.Reused},
	)
	return res, nil
}

// Settle resolves a reservation into its final charge. The difference
// between the held amount and the final cost is credited back to the
// balance; finalCost is clamped to the hold, so a settlement can never
// charge more than was reserved.
//
// Settle is idempotent: repeat or concurrent calls on a non-PENDING
// reservation perform no balance mutation and return the prior terminal
// outcome with AlreadyResolved set.
func (l *Ledger) Settle(ctx context.Context, reservationID string, finalCost int64, opts *SettleOptions) (*SettlementResult, error) {
	if finalCost < 0 {
		return nil, ErrInvalidAmount
	}

	resv, err := l.storage.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	// HeldAmount is immutable after creation, so clamping outside the
	// transition transaction is race-free.
	if finalCost > resv.HeldAmount {
		finalCost = resv.HeldAmount
	}

	req := &ResolveRequest{
		ReservationID: reservationID,
		To:            StatusSettled,
		FinalCost:     finalCost,
	}
	if opts != nil {
		req.Provider = opts.Provider
		req.Model = opts.Model
		req.Usage = opts.Usage
		req.Metadata = opts.Metadata
	}

	start := time.Now()
	resolution, err := l.storage.ResolveReservation(ctx, req)
	l.config.Metrics.RecordOperation("settle", time.Since(start), err)
	if err != nil {
		if errors.Is(err, ErrAlreadyResolved) {
			return l.priorSettlement(ctx, resolution)
		}
		return nil, err
	}

	l.config.Metrics.RecordSettlement(resolution.Reservation.Feature, finalCost, resolution.Returned)
	l.config.Logger.Debug("reservation settled",
		Field{"reservation_id", reservationID},
		Field{"final_cost", finalCost},
		Field{"returned", resolution.Returned},
	)
	return &SettlementResult{
		Reservation:      resolution.Reservation,
		FinalCost:        finalCost,
		Returned:         resolution.Returned,
		CreditsRemaining: resolution.BalanceAfter,
	}, nil
}

// Refund resolves a reservation by returning the full hold to the
// balance. The reason is recorded on the reservation for audit.
//
// Refund has the same idempotency behavior as Settle: the loser of a
// concurrent resolution race observes the winner's outcome and mutates
// nothing.
func (l *Ledger) Refund(ctx context.Context, reservationID, reason string) (*RefundResult, error) {
	start := time.Now()
	resolution, err := l.storage.ResolveReservation(ctx, &ResolveRequest{
		ReservationID: reservationID,
		To:            StatusRefunded,
		Reason:        reason,
	})
	l.config.Metrics.RecordOperation("refund", time.Since(start), err)
	if err != nil {
		if errors.Is(err, ErrAlreadyResolved) {
			return l.priorRefund(ctx, resolution)
		}
		return nil, err
	}

	l.config.Metrics.RecordRefund(resolution.Reservation.Feature, resolution.Returned)
	l.config.Logger.Info("reservation refunded",
		Field{"reservation_id", reservationID},
		Field{"returned", resolution.Returned},
		Field{"reason", reason},
	)
	return &RefundResult{
		Reservation:      resolution.Reservation,
		Returned:         resolution.Returned,
		CreditsRemaining: resolution.BalanceAfter,
	}, nil
}

// ConsumeQuota checks and consumes one unit of the per-(user, feature)
// hourly quota. Quota is independent of the credit balance: a request may
// have sufficient credits and still be rejected here. A limit of zero or
// less disables the check.
func (l *Ledger) ConsumeQuota(ctx context.Context, userID, feature string, limit int64) (*QuotaResult, error) {
	now := time.Now().UTC()
	window := l.config.QuotaWindow

	if limit <= 0 {
		return &QuotaResult{
			Allowed:   true,
			Remaining: math.MaxInt64,
			Limit:     0,
			ResetAt:   now.Truncate(window).Add(window),
		}, nil
	}

	start := time.Now()
	result, err := l.storage.ConsumeQuota(ctx, &QuotaRequest{
		UserID:  userID,
		Feature: feature,
		Limit:   limit,
		Window:  window,
		Now:     now,
	})
	l.config.Metrics.RecordOperation("consume_quota", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	if !result.Allowed {
		l.config.Metrics.RecordQuotaRejection(feature)
		l.config.Logger.Warn("quota exceeded",
			Field{"user_id", userID},
			Field{"feature", feature},
			Field{"limit", limit},
		)
	}
	return result, nil
}

// QuotaStanding reports the current window standing without consuming a
// unit. A limit of zero or less reports unlimited.
func (l *Ledger) QuotaStanding(ctx context.Context, userID, feature string, limit int64) (*QuotaResult, error) {
	now := time.Now().UTC()
	window := l.config.QuotaWindow

	if limit <= 0 {
		return &QuotaResult{
			Allowed:   true,
			Remaining: math.MaxInt64,
			Limit:     0,
			ResetAt:   now.Truncate(window).Add(window),
		}, nil
	}

	return l.storage.PeekQuota(ctx, &QuotaRequest{
		UserID:  userID,
		Feature: feature,
		Limit:   limit,
		Window:  window,
		Now:     now,
	})
}

// Jobs returns a Correlator bound to this ledger's storage and TTL.
func (l *Ledger) Jobs() *Correlator {
	return &Correlator{
		storage: l.storage,
		ttl:     l.config.JobTTL,
		logger:  l.config.Logger,
	}
}

// GetReservation retrieves a reservation by id.
func (l *Ledger) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	return l.storage.GetReservation(ctx, id)
}

// priorSettlement builds the no-op result reported to the loser of a
// settle race. The winner may have refunded instead; the reservation in
// the resolution carries whichever terminal state won.
func (l *Ledger) priorSettlement(ctx context.Context, resolution *Resolution) (*SettlementResult, error) {
	resv := resolution.Reservation
	balance, err := l.Balance(ctx, resv.UserID)
	if err != nil {
		return nil, err
	}
	return &SettlementResult{
		Reservation:      resv,
		FinalCost:        resv.FinalCost,
		CreditsRemaining: balance,
		AlreadyResolved:  true,
	}, nil
}

func (l *Ledger) priorRefund(ctx context.Context, resolution *Resolution) (*RefundResult, error) {
	resv := resolution.Reservation
	balance, err := l.Balance(ctx, resv.UserID)
	if err != nil {
		return nil, err
	}
	return &RefundResult{
		Reservation:      resv,
		CreditsRemaining: balance,
		AlreadyResolved:  true,
	}, nil
}
