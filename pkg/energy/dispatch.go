package energy

import (
	"context"
	"fmt"
)

// Provider is the external generation service. A call either completes
// synchronously with a cost-bearing result or returns a handle to an
// asynchronous job that finishes via webhook.
type Provider interface {
	// Name identifies the provider in job keys and audit records.
	Name() string

	// Generate performs the generation call. Implementations must not
	// touch ledger state; compensation is the dispatcher's job.
	Generate(ctx context.Context, req *GenerationRequest) (*GenerationResult, error)
}

// GenerationRequest describes one unit of generation work.
type GenerationRequest struct {
	UserID  string
	Feature string
	Prompt  string
	Model   string

	// Kind tags the job key for async work, e.g. "media".
	Kind string

	Metadata map[string]any
}

// GenerationResult is either a finished synchronous result or an async
// job handle.
type GenerationResult struct {
	// Async is true when the work was dispatched to the provider and will
	// complete via webhook; JobID correlates the callback.
	Async bool
	JobID string

	// Synchronous completion.
	Output []string
	Cost   int64
	Usage  *TokenUsage
}

// ResultSink durably records a finished synchronous result (e.g. pushes
// artifacts to object storage). External collaborator.
type ResultSink interface {
	Store(ctx context.Context, req *GenerationRequest, output []string) error
}

// DispatchResult is returned by Dispatcher.Dispatch.
type DispatchResult struct {
	ReservationID string

	// Async work: the job was cached under JobKey and awaits the webhook.
	Async  bool
	JobKey string
	JobID  string

	// Synchronous work: the settled outcome.
	Output           []string
	FinalCost        int64
	CreditsRemaining int64
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Ledger   *Ledger
	Provider Provider

	// Sink records synchronous results before settlement. Optional; when
	// nil results are settled without persistence.
	Sink ResultSink

	// QuotaLimit is the hourly per-user cap for the dispatched feature.
	// Zero or less disables the quota check.
	QuotaLimit int64
}

// Dispatcher runs the full metered-generation flow: hold credits, check
// quota, call the provider, and resolve the hold. Every failure after the
// hold exists triggers a compensating refund before the error surfaces.
// A hold never outlives this function without reaching a terminal state,
// except for the bounded async window while awaiting the webhook.
type Dispatcher struct {
	config DispatcherConfig
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(config DispatcherConfig) (*Dispatcher, error) {
	if config.Ledger == nil {
		return nil, ErrStorageUnavailable
	}
	if config.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	return &Dispatcher{config: config}, nil
}

// Dispatch executes one generation request holding estimate credits.
func (d *Dispatcher) Dispatch(ctx context.Context, req *GenerationRequest, estimate int64, requestID string) (*DispatchResult, error) {
	ledger := d.config.Ledger
	provider := d.config.Provider

	reserved, err := ledger.Reserve(ctx, &ReserveRequest{
		UserID:    req.UserID,
		Amount:    estimate,
		Feature:   req.Feature,
		RequestID: requestID,
		Provider:  provider.Name(),
		Model:     req.Model,
		Metadata:  req.Metadata,
	})
	if err != nil {
		return nil, err
	}
	reservationID := reserved.Reservation.ID

	// Quota is orthogonal to the balance; a hold taken for a
	// quota-rejected attempt is returned before the rejection surfaces.
	quota, err := ledger.ConsumeQuota(ctx, req.UserID, req.Feature, d.config.QuotaLimit)
	if err != nil {
		return nil, d.refundAndWrap(ctx, reservationID, "quota-check-failed", err)
	}
	if !quota.Allowed {
		if _, rerr := ledger.Refund(ctx, reservationID, "rate-limited"); rerr != nil {
			ledger.config.Logger.Error("refund after quota rejection failed",
				Field{"reservation_id", reservationID},
				Field{"error", rerr},
			)
		}
		return nil, fmt.Errorf("%s: %w", req.Feature, ErrQuotaExceeded)
	}

	// Provider I/O happens outside any lock; only the terminal transition
	// itself is atomic.
	result, err := provider.Generate(ctx, req)
	if err != nil {
		return nil, d.refundAndWrap(ctx, reservationID, "provider-failed",
			&UpstreamError{Provider: provider.Name(), Err: err})
	}

	if result.Async {
		return d.correlate(ctx, req, result, reservationID, estimate)
	}
	return d.complete(ctx, req, result, reservationID)
}

// correlate caches the async job so the webhook can finish settlement.
func (d *Dispatcher) correlate(ctx context.Context, req *GenerationRequest, result *GenerationResult, reservationID string, estimate int64) (*DispatchResult, error) {
	kind := req.Kind
	if kind == "" {
		kind = "media"
	}
	key := JobKey(d.config.Provider.Name(), kind, result.JobID)

	payload := map[string]any{
		"reservationId": reservationID,
		"userId":        req.UserID,
		"feature":       req.Feature,
		"model":         req.Model,
		"prompt":        req.Prompt,
		"cost":          estimate,
	}
	for k, v := range req.Metadata {
		payload[k] = v
	}

	if err := d.config.Ledger.Jobs().Put(ctx, key, payload); err != nil {
		// Without the correlation the webhook can never settle this hold.
		return nil, d.refundAndWrap(ctx, reservationID, "job-cache-failed",
			&PersistenceError{Op: "job cache", Err: err})
	}

	return &DispatchResult{
		ReservationID: reservationID,
		Async:         true,
		JobKey:        key,
		JobID:         result.JobID,
	}, nil
}

// complete persists and settles a synchronous result.
func (d *Dispatcher) complete(ctx context.Context, req *GenerationRequest, result *GenerationResult, reservationID string) (*DispatchResult, error) {
	if d.config.Sink != nil && len(result.Output) > 0 {
		if err := d.config.Sink.Store(ctx, req, result.Output); err != nil {
			return nil, d.refundAndWrap(ctx, reservationID, "persist-failed",
				&PersistenceError{Op: "result", Err: err})
		}
	}

	settlement, err := d.config.Ledger.Settle(ctx, reservationID, result.Cost, &SettleOptions{
		Provider: d.config.Provider.Name(),
		Model:    req.Model,
		Usage:    result.Usage,
	})
	if err != nil {
		return nil, err
	}

	return &DispatchResult{
		ReservationID:    reservationID,
		Output:           result.Output,
		FinalCost:        settlement.FinalCost,
		CreditsRemaining: settlement.CreditsRemaining,
	}, nil
}

// refundAndWrap compensates the hold and returns cause. A refund failure
// is logged, not returned: the original cause is what the caller acts on.
func (d *Dispatcher) refundAndWrap(ctx context.Context, reservationID, reason string, cause error) error {
	if _, err := d.config.Ledger.Refund(ctx, reservationID, reason); err != nil {
		d.config.Ledger.config.Logger.Error("compensating refund failed",
			Field{"reservation_id", reservationID},
			Field{"reason", reason},
			Field{"error", err},
		)
	}
	return cause
}
