package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	if metrics == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordReservation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordReservation("image", 100, false)
	metrics.RecordReservation("image", 100, true)
	metrics.RecordReservation("video", 250, false)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	var reservations *dto.MetricFamily
	for _, m := range families {
		if m.GetName() == "test_reservations_total" {
			reservations = m
			break
		}
	}
	if reservations == nil {
		t.Fatal("Expected to find reservations metric")
	}
	// image fresh, image reused, video fresh
	if len(reservations.Metric) != 3 {
		t.Errorf("Expected 3 time series, got %d", len(reservations.Metric))
	}

	// Reused reservations must not re-observe the amount histogram
	var amounts *dto.MetricFamily
	for _, m := range families {
		if m.GetName() == "test_reservation_amount" {
			amounts = m
			break
		}
	}
	if amounts == nil {
		t.Fatal("Expected to find reservation amount metric")
	}
	var observed uint64
	for _, m := range amounts.Metric {
		observed += m.GetHistogram().GetSampleCount()
	}
	if observed != 2 {
		t.Errorf("Expected 2 amount observations, got %d", observed)
	}
}

func TestRecordSettlementAndRefund(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordSettlement("image", 60, 40)
	metrics.RecordRefund("image", 100)
	metrics.RecordQuotaRejection("image")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	names := make(map[string]bool, len(families))
	for _, m := range families {
		names[m.GetName()] = true
	}
	for _, want := range []string{
		"test_settlements_total",
		"test_settlement_final_cost",
		"test_settlement_returned_credits",
		"test_refunds_total",
		"test_quota_rejections_total",
	} {
		if !names[want] {
			t.Errorf("Expected metric %s to be registered", want)
		}
	}
}

func TestRecordOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordOperation("reserve", 5*time.Millisecond, nil)
	metrics.RecordOperation("reserve", 10*time.Millisecond, errors.New("backend down"))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	var errorsFamily *dto.MetricFamily
	for _, m := range families {
		if m.GetName() == "test_operation_errors_total" {
			errorsFamily = m
			break
		}
	}
	if errorsFamily == nil {
		t.Fatal("Expected to find operation errors metric")
	}
	if got := errorsFamily.Metric[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("Expected 1 recorded error, got %v", got)
	}
}
