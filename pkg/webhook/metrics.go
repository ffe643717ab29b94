package webhook

import "time"

// Metrics defines the interface for tracking webhook processing.
type Metrics interface {
	// RecordDelivery records a processed delivery.
	// status: normalized job status; outcome: "settled", "refunded",
	// "duplicate", "unknown_job", "ack".
	RecordDelivery(provider, status, outcome string)

	// RecordRejection records a rejected delivery.
	// reason: "missing_headers", "bad_timestamp", "auth_failed",
	// "invalid_payload", "payload_too_large".
	RecordRejection(provider, reason string)

	// RecordProcessingDuration records how long a delivery took.
	RecordProcessingDuration(provider, status string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDelivery(provider, status, outcome string)                        {}
func (n *NoopMetrics) RecordRejection(provider, reason string)                                {}
func (n *NoopMetrics) RecordProcessingDuration(provider, status string, d time.Duration)      {}
