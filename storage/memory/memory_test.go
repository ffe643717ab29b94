package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mihaimyh/goenergy/pkg/energy"
)

func TestQuotaWindowRollover(t *testing.T) {
	base := time.Date(2026, 8, 31, 10, 30, 0, 0, time.UTC)
	s := New()
	ctx := context.Background()

	req := &energy.QuotaRequest{
		UserID: "user-1", Feature: "image",
		Limit: 2, Window: time.Hour, Now: base,
	}
	for i := 0; i < 2; i++ {
		res, err := s.ConsumeQuota(ctx, req)
		if err != nil {
			t.Fatalf("ConsumeQuota: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d denied", i+1)
		}
	}

	res, _ := s.ConsumeQuota(ctx, req)
	if res.Allowed {
		t.Error("expected denial at limit")
	}
	// Window is aligned to the wall clock, not the first request
	wantReset := time.Date(2026, 8, 31, 11, 0, 0, 0, time.UTC)
	if !res.ResetAt.Equal(wantReset) {
		t.Errorf("expected reset %v, got %v", wantReset, res.ResetAt)
	}

	// 10:59 is still the same window
	req.Now = time.Date(2026, 8, 31, 10, 59, 0, 0, time.UTC)
	if res, _ := s.ConsumeQuota(ctx, req); res.Allowed {
		t.Error("expected denial within same window")
	}

	// 11:00 opens a fresh window
	req.Now = wantReset
	if res, _ := s.ConsumeQuota(ctx, req); !res.Allowed {
		t.Error("expected new window to allow")
	}
}

func TestPeekQuotaDoesNotConsume(t *testing.T) {
	s := New()
	ctx := context.Background()

	req := &energy.QuotaRequest{
		UserID: "user-1", Feature: "image",
		Limit: 3, Window: time.Hour, Now: time.Now(),
	}
	if _, err := s.ConsumeQuota(ctx, req); err != nil {
		t.Fatalf("ConsumeQuota: %v", err)
	}

	for i := 0; i < 5; i++ {
		res, err := s.PeekQuota(ctx, req)
		if err != nil {
			t.Fatalf("PeekQuota: %v", err)
		}
		if res.Remaining != 2 {
			t.Fatalf("peek %d: expected remaining 2, got %d", i+1, res.Remaining)
		}
	}
}

func TestResolveRejectsUnknownStatus(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.CreditAccount(ctx, "user-1", 100); err != nil {
		t.Fatalf("CreditAccount: %v", err)
	}
	if _, err := s.CreateReservation(ctx,
		&energy.ReserveRequest{UserID: "user-1", Amount: 50, Feature: "image"}, "resv-1"); err != nil {
		t.Fatalf("CreateReservation: %v", err)
	}

	if _, err := s.ResolveReservation(ctx, &energy.ResolveRequest{
		ReservationID: "resv-1", To: energy.StatusPending,
	}); err == nil {
		t.Error("expected error resolving to PENDING")
	}
}

func TestReservationCopiesAreIsolated(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.CreditAccount(ctx, "user-1", 100); err != nil {
		t.Fatalf("CreditAccount: %v", err)
	}
	res, err := s.CreateReservation(ctx, &energy.ReserveRequest{
		UserID: "user-1", Amount: 50, Feature: "image",
		Metadata: map[string]any{"k": "v"},
	}, "resv-1")
	if err != nil {
		t.Fatalf("CreateReservation: %v", err)
	}

	// Mutating the returned copy must not leak into the store
	res.Reservation.Status = energy.StatusSettled
	res.Reservation.Metadata["k"] = "tampered"

	stored, err := s.GetReservation(ctx, "resv-1")
	if err != nil {
		t.Fatalf("GetReservation: %v", err)
	}
	if stored.Status != energy.StatusPending {
		t.Error("caller mutation leaked into stored status")
	}
	if stored.Metadata["k"] != "v" {
		t.Error("caller mutation leaked into stored metadata")
	}
}

func TestJobExpiryIsLogical(t *testing.T) {
	now := time.Now()
	current := now
	s := New(WithNowFunc(func() time.Time { return current }))
	ctx := context.Background()

	if err := s.PutJob(ctx, "k", map[string]any{"a": 1}, time.Minute); err != nil {
		t.Fatalf("PutJob: %v", err)
	}

	current = now.Add(time.Minute)
	if _, err := s.GetJob(ctx, "k"); !errors.Is(err, energy.ErrJobNotFound) {
		t.Errorf("expected logical expiry at TTL boundary, got %v", err)
	}

	// The physical record still exists but stays invisible
	s.mu.RLock()
	_, exists := s.jobs["k"]
	s.mu.RUnlock()
	if !exists {
		t.Error("expected physical record to remain")
	}
}

func TestMergeIntoNilPayload(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.PutJob(ctx, "k", nil, time.Minute); err != nil {
		t.Fatalf("PutJob: %v", err)
	}

	merged, err := s.MergeJob(ctx, "k", map[string]any{"error": "x"})
	if err != nil {
		t.Fatalf("MergeJob: %v", err)
	}
	if merged["error"] != "x" {
		t.Errorf("expected merged field, got %v", merged)
	}

	got, err := s.GetJob(ctx, "k")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got["error"] != "x" {
		t.Errorf("expected merge to persist, got %v", got)
	}
}

func TestClear(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.CreditAccount(ctx, "user-1", 100); err != nil {
		t.Fatalf("CreditAccount: %v", err)
	}
	s.Clear()

	if _, err := s.GetAccount(ctx, "user-1"); !errors.Is(err, energy.ErrAccountNotFound) {
		t.Errorf("expected empty store after Clear, got %v", err)
	}
}
