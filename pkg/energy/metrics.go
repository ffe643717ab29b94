package energy

import "time"

// Metrics defines the interface for tracking ledger operations.
type Metrics interface {
	// RecordReservation records a successful hold (or an idempotent reuse).
	RecordReservation(feature string, amount int64, reused bool)

	// RecordSettlement records a terminal settlement with the final cost
	// and the amount returned to the balance.
	RecordSettlement(feature string, finalCost, returned int64)

	// RecordRefund records a terminal refund.
	RecordRefund(feature string, returned int64)

	// RecordQuotaRejection records a rate-limit rejection.
	RecordQuotaRejection(feature string)

	// RecordOperation records the duration and status of a storage-backed
	// ledger operation.
	RecordOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordReservation(feature string, amount int64, reused bool)          {}
func (n *NoopMetrics) RecordSettlement(feature string, finalCost, returned int64)           {}
func (n *NoopMetrics) RecordRefund(feature string, returned int64)                          {}
func (n *NoopMetrics) RecordQuotaRejection(feature string)                                  {}
func (n *NoopMetrics) RecordOperation(operation string, duration time.Duration, err error)  {}
