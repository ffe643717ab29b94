// Package webhook implements the signed ingress for asynchronous
// generation callbacks. A delivery is verified, correlated against the
// job cache, and drives the ledger to settle or refund the reservation it
// belongs to. The provider delivers at least once, possibly concurrently;
// correctness rests on the ledger's single-winner terminal transition and
// the correlator's processing lock, not on delivery ordering.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/goenergy/pkg/energy"
)

const (
	headerID        = "webhook-id"
	headerTimestamp = "webhook-timestamp"
	headerSignature = "webhook-signature"
)

// Handler is the http.Handler for provider callbacks.
type Handler struct {
	config Config
	secret []byte
}

// NewHandler creates a webhook handler.
func NewHandler(config Config) (*Handler, error) {
	if config.Ledger == nil || config.Jobs == nil {
		return nil, energy.ErrStorageUnavailable
	}
	cfg := config.withDefaults()

	var secret []byte
	if cfg.Secret != "" {
		decoded, err := decodeSecret(cfg.Secret)
		if err != nil {
			return nil, fmt.Errorf("invalid webhook secret: %w", err)
		}
		secret = decoded
	}

	return &Handler{config: cfg, secret: secret}, nil
}

// ServeHTTP verifies, correlates, and dispatches one delivery. No ledger
// or cache state is touched before the signature check passes. Once a
// delivery is authenticated and correlated, the handler acknowledges with
// 200 even when the job turns out to be unknown or already processed, so
// the provider stops retrying callbacks that can no longer be actioned.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.Header.Get(headerID)
	timestamp := r.Header.Get(headerTimestamp)
	signatures := r.Header.Get(headerSignature)
	if id == "" || timestamp == "" || signatures == "" || len(h.secret) == 0 {
		h.reject(w, "missing_headers", "missing headers or secret", http.StatusBadRequest)
		return
	}

	body, err := h.readBody(w, r)
	if err != nil {
		if errors.Is(err, errPayloadTooLarge) {
			h.reject(w, "payload_too_large", "payload too large", http.StatusRequestEntityTooLarge)
		} else {
			h.reject(w, "invalid_payload", "invalid payload", http.StatusBadRequest)
		}
		return
	}

	if !h.timestampFresh(timestamp) {
		h.reject(w, "bad_timestamp", "timestamp outside tolerance", http.StatusBadRequest)
		return
	}

	if !verifySignature(h.secret, id, timestamp, body, signatures) {
		h.reject(w, "auth_failed", "invalid signature", http.StatusForbidden)
		return
	}

	cb, err := parseCallback(body)
	if err != nil {
		h.reject(w, "invalid_payload", "invalid payload", http.StatusBadRequest)
		return
	}

	outcome, err := h.process(r.Context(), cb)
	h.config.Metrics.RecordProcessingDuration(h.config.Provider, string(cb.Status), time.Since(start))
	if err != nil {
		h.config.Logger.Error("webhook processing failed",
			energy.Field{Key: "job_id", Value: cb.JobID},
			energy.Field{Key: "status", Value: string(cb.Status)},
			energy.Field{Key: "error", Value: err},
		)
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}

	h.config.Metrics.RecordDelivery(h.config.Provider, string(cb.Status), outcome)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

// process correlates the callback and drives the ledger. The returned
// outcome is for metrics; an error aborts with a 500 so the provider
// retries the delivery.
func (h *Handler) process(ctx context.Context, cb *callback) (string, error) {
	key := energy.JobKey(h.config.Provider, h.config.Kind, cb.JobID)

	job, err := h.config.Jobs.Get(ctx, key)
	if errors.Is(err, energy.ErrJobNotFound) {
		// Never existed or TTL lapsed: acknowledge so the provider stops
		// retrying a callback that can no longer be actioned.
		h.config.Logger.Warn("webhook for unknown job",
			energy.Field{Key: "job_id", Value: cb.JobID},
			energy.Field{Key: "job_key", Value: key},
		)
		return "unknown_job", nil
	}
	if err != nil {
		return "", err
	}

	switch cb.Status {
	case StatusSucceeded:
		return h.handleSucceeded(ctx, key, job, cb)
	case StatusFailed, StatusCanceled:
		return h.handleFailed(ctx, key, job, cb)
	default:
		// Intermediate provider status, not terminal.
		return "ack", nil
	}
}

func (h *Handler) handleSucceeded(ctx context.Context, key string, job map[string]any, cb *callback) (string, error) {
	// Idempotency guard against duplicate success deliveries.
	if job["assets"] != nil {
		return "duplicate", nil
	}

	locked, err := h.config.Jobs.AcquireLock(ctx, key, "webhook")
	if errors.Is(err, energy.ErrAlreadyResolved) || errors.Is(err, energy.ErrJobNotFound) {
		// Another delivery is processing this job right now.
		return "duplicate", nil
	}
	if err != nil {
		return "", err
	}
	if locked["assets"] != nil {
		return "duplicate", nil
	}

	if len(cb.Output) == 0 {
		// Terminal success without artifacts is a provider anomaly; record
		// it and acknowledge so retries stop. The reservation stays
		// PENDING for out-of-band reconciliation.
		if _, err := h.config.Jobs.Merge(ctx, key, map[string]any{
			"error":        "no output from provider",
			"processingId": nil, "processingAt": nil, "processingBy": nil,
		}); err != nil && !errors.Is(err, energy.ErrJobNotFound) {
			return "", err
		}
		return "ack", nil
	}

	// Artifact I/O happens here, outside the reservation's state
	// transition; only settle itself is atomic.
	assets, err := h.storeAssets(ctx, locked, cb.Output)
	if err != nil {
		h.unlock(ctx, key)
		return "", err
	}

	update := map[string]any{
		"assets":    assets,
		"settledAt": h.config.Now().UTC().Format(time.RFC3339),
		"processingId": nil, "processingAt": nil, "processingBy": nil,
	}

	if reservationID, ok := job["reservationId"].(string); ok && reservationID != "" {
		finalCost, err := h.finalCost(ctx, job, reservationID)
		if err != nil {
			h.unlock(ctx, key)
			return "", err
		}
		settlement, err := h.config.Ledger.Settle(ctx, reservationID, finalCost, &energy.SettleOptions{
			Provider: h.config.Provider,
			Model:    stringFromAny(job["model"]),
		})
		switch {
		case errors.Is(err, energy.ErrReservationNotFound):
			// Correlation outlived the reservation; log and move on.
			h.config.Logger.Warn("settle skipped, reservation missing",
				energy.Field{Key: "reservation_id", Value: reservationID},
			)
		case err != nil:
			h.unlock(ctx, key)
			return "", err
		default:
			update["creditsRemaining"] = settlement.CreditsRemaining
		}
	}

	if _, err := h.config.Jobs.Merge(ctx, key, update); err != nil && !errors.Is(err, energy.ErrJobNotFound) {
		return "", err
	}
	return "settled", nil
}

func (h *Handler) handleFailed(ctx context.Context, key string, job map[string]any, cb *callback) (string, error) {
	// Idempotency guard against duplicate failure deliveries.
	if job["refundedAt"] != nil {
		return "duplicate", nil
	}

	reservationID, _ := job["reservationId"].(string)
	if reservationID != "" {
		reason := "generation-" + string(cb.Status)
		if cb.Error != "" {
			reason = cb.Error
		}
		result, err := h.config.Ledger.Refund(ctx, reservationID, reason)
		switch {
		case errors.Is(err, energy.ErrReservationNotFound):
			h.config.Logger.Warn("refund skipped, reservation missing",
				energy.Field{Key: "reservation_id", Value: reservationID},
			)
		case err != nil:
			return "", err
		case result.AlreadyResolved:
			// The user-initiated cancellation path got there first.
		}
	}

	if _, err := h.config.Jobs.Merge(ctx, key, map[string]any{
		"refundedAt": h.config.Now().UTC().Format(time.RFC3339),
		"error":      cb.Error,
	}); err != nil && !errors.Is(err, energy.ErrJobNotFound) {
		return "", err
	}
	return "refunded", nil
}

// finalCost resolves the settlement charge: the cost cached at dispatch
// time, or the full hold when the dispatch never recorded one.
func (h *Handler) finalCost(ctx context.Context, job map[string]any, reservationID string) (int64, error) {
	if cost, ok := job["cost"]; ok {
		return int64FromAny(cost), nil
	}
	resv, err := h.config.Ledger.GetReservation(ctx, reservationID)
	if errors.Is(err, energy.ErrReservationNotFound) {
		// Settle reports the miss; nothing to compute here.
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return resv.HeldAmount, nil
}

func (h *Handler) storeAssets(ctx context.Context, job map[string]any, output []string) ([]Asset, error) {
	if h.config.Sink == nil {
		assets := make([]Asset, 0, len(output))
		for _, url := range output {
			assets = append(assets, Asset{URL: url})
		}
		return assets, nil
	}
	return h.config.Sink.Store(ctx, job, output)
}

func (h *Handler) unlock(ctx context.Context, key string) {
	if err := h.config.Jobs.ReleaseLock(ctx, key); err != nil {
		h.config.Logger.Error("release processing lock failed",
			energy.Field{Key: "job_key", Value: key},
			energy.Field{Key: "error", Value: err},
		)
	}
}

// timestampFresh accepts the delivery timestamp in seconds or
// milliseconds and bounds its drift against the local clock.
func (h *Handler) timestampFresh(timestamp string) bool {
	parsed, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	seconds := parsed
	if parsed > 1e12 {
		seconds = parsed / 1000
	}
	drift := h.config.Now().Unix() - seconds
	return math.Abs(float64(drift)) <= h.config.Tolerance.Seconds()
}

var errPayloadTooLarge = errors.New("payload too large")

// readBody reads the request body under the configured size limit.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errPayloadTooLarge
		}
		return nil, err
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	return body, nil
}

func (h *Handler) reject(w http.ResponseWriter, reason, msg string, code int) {
	h.config.Metrics.RecordRejection(h.config.Provider, reason)
	http.Error(w, msg, code)
}

func int64FromAny(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func stringFromAny(v any) string {
	s, _ := v.(string)
	return s
}
