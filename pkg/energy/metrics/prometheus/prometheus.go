package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements energy.Metrics using Prometheus.
type Metrics struct {
	reservationsTotal    *prometheus.CounterVec
	reservationAmount    *prometheus.HistogramVec
	settlementsTotal     *prometheus.CounterVec
	settlementCost       *prometheus.HistogramVec
	settlementReturned   *prometheus.HistogramVec
	refundsTotal         *prometheus.CounterVec
	quotaRejectionsTotal *prometheus.CounterVec
	operationDuration    *prometheus.HistogramVec
	operationErrors      *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		reservationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Total number of credit reservations.",
		}, []string{"feature", "reused"}),

		reservationAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reservation_amount",
			Help:      "Distribution of reserved credit amounts.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000},
		}, []string{"feature"}),

		settlementsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Total number of settled reservations.",
		}, []string{"feature"}),

		settlementCost: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_final_cost",
			Help:      "Distribution of final settlement charges.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000},
		}, []string{"feature"}),

		settlementReturned: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_returned_credits",
			Help:      "Distribution of credits returned at settlement.",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 500},
		}, []string{"feature"}),

		refundsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_total",
			Help:      "Total number of refunded reservations.",
		}, []string{"feature"}),

		quotaRejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Total number of rate-limit rejections.",
		}, []string{"feature"}),

		operationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of storage-backed ledger operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		operationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Total number of failed ledger operations.",
		}, []string{"operation"}),
	}
}

// RecordReservation implements energy.Metrics.
func (m *Metrics) RecordReservation(feature string, amount int64, reused bool) {
	m.reservationsTotal.WithLabelValues(feature, strconv.FormatBool(reused)).Inc()
	if !reused {
		m.reservationAmount.WithLabelValues(feature).Observe(float64(amount))
	}
}

// RecordSettlement implements energy.Metrics.
func (m *Metrics) RecordSettlement(feature string, finalCost, returned int64) {
	m.settlementsTotal.WithLabelValues(feature).Inc()
	m.settlementCost.WithLabelValues(feature).Observe(float64(finalCost))
	m.settlementReturned.WithLabelValues(feature).Observe(float64(returned))
}

// RecordRefund implements energy.Metrics.
func (m *Metrics) RecordRefund(feature string, returned int64) {
	m.refundsTotal.WithLabelValues(feature).Inc()
}

// RecordQuotaRejection implements energy.Metrics.
func (m *Metrics) RecordQuotaRejection(feature string) {
	m.quotaRejectionsTotal.WithLabelValues(feature).Inc()
}

// RecordOperation implements energy.Metrics.
func (m *Metrics) RecordOperation(operation string, duration time.Duration, err error) {
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.operationErrors.WithLabelValues(operation).Inc()
	}
}
