package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goenergy/pkg/energy"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

func setupStorage(t *testing.T) *Storage {
	t.Helper()

	client := setupTestRedis(t)
	t.Cleanup(func() { client.Close() })

	s, err := New(client, DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNew(t *testing.T) {
	if _, err := New(nil, DefaultConfig()); err == nil {
		t.Error("expected error for nil client")
	}

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	s, err := New(client, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.config.KeyPrefix != "goenergy:" {
		t.Errorf("expected default prefix, got %q", s.config.KeyPrefix)
	}
}

func TestCreditAndGetAccount(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	if _, err := s.GetAccount(ctx, "user-1"); !errors.Is(err, energy.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}

	balance, err := s.CreditAccount(ctx, "user-1", 500)
	if err != nil {
		t.Fatalf("CreditAccount: %v", err)
	}
	if balance != 500 {
		t.Errorf("expected balance 500, got %d", balance)
	}

	acct, err := s.GetAccount(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.Balance != 500 {
		t.Errorf("expected balance 500, got %d", acct.Balance)
	}
	if acct.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be set")
	}
}

func TestCreateReservation(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	if _, err := s.CreditAccount(ctx, "user-1", 100); err != nil {
		t.Fatalf("CreditAccount: %v", err)
	}

	req := &energy.ReserveRequest{
		UserID:    "user-1",
		Amount:    40,
		Feature:   "image",
		RequestID: "req-1",
	}
	result, err := s.CreateReservation(ctx, req, "resv-1")
	if err != nil {
		t.Fatalf("CreateReservation: %v", err)
	}
	if result.BalanceAfter != 60 {
		t.Errorf("expected balance 60, got %d", result.BalanceAfter)
	}
	if result.Reservation.Status != energy.StatusPending {
		t.Errorf("expected PENDING, got %s", result.Reservation.Status)
	}

	// Same request id returns the original hold
	repeat, err := s.CreateReservation(ctx, req, "resv-2")
	if err != nil {
		t.Fatalf("repeat CreateReservation: %v", err)
	}
	if !repeat.Reused {
		t.Error("expected Reused for repeated request id")
	}
	if repeat.Reservation.ID != "resv-1" {
		t.Errorf("expected original reservation, got %s", repeat.Reservation.ID)
	}
	if repeat.BalanceAfter != 60 {
		t.Errorf("expected balance unchanged at 60, got %d", repeat.BalanceAfter)
	}

	// Insufficient balance takes nothing
	big := &energy.ReserveRequest{UserID: "user-1", Amount: 500, Feature: "image", RequestID: "req-2"}
	_, err = s.CreateReservation(ctx, big, "resv-3")
	var ice *energy.InsufficientCreditsError
	if !errors.As(err, &ice) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if ice.Available != 60 {
		t.Errorf("expected available 60, got %d", ice.Available)
	}

	acct, err := s.GetAccount(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.Balance != 60 {
		t.Errorf("failed reserve changed balance: %d", acct.Balance)
	}
}

func TestResolveReservation(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	if _, err := s.CreditAccount(ctx, "user-1", 100); err != nil {
		t.Fatalf("CreditAccount: %v", err)
	}
	req := &energy.ReserveRequest{UserID: "user-1", Amount: 50, Feature: "image"}
	if _, err := s.CreateReservation(ctx, req, "resv-1"); err != nil {
		t.Fatalf("CreateReservation: %v", err)
	}

	res, err := s.ResolveReservation(ctx, &energy.ResolveRequest{
		ReservationID: "resv-1",
		To:            energy.StatusSettled,
		FinalCost:     30,
		Usage:         &energy.TokenUsage{TotalTokens: 1200},
	})
	if err != nil {
		t.Fatalf("ResolveReservation: %v", err)
	}
	if res.Returned != 20 {
		t.Errorf("expected returned 20, got %d", res.Returned)
	}
	if res.BalanceAfter != 70 {
		t.Errorf("expected balance 70, got %d", res.BalanceAfter)
	}
	if res.Reservation.Status != energy.StatusSettled {
		t.Errorf("expected SETTLED, got %s", res.Reservation.Status)
	}
	if res.Reservation.FinalCost != 30 {
		t.Errorf("expected final cost 30, got %d", res.Reservation.FinalCost)
	}
	if res.Reservation.Usage == nil || res.Reservation.Usage.TotalTokens != 1200 {
		t.Error("expected usage recorded on reservation")
	}

	// Second resolve loses the race and reports the prior outcome
	again, err := s.ResolveReservation(ctx, &energy.ResolveRequest{
		ReservationID: "resv-1",
		To:            energy.StatusRefunded,
		Reason:        "late-webhook",
	})
	if !errors.Is(err, energy.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if again == nil || again.Reservation.Status != energy.StatusSettled {
		t.Error("expected winner's reservation with the loss")
	}

	acct, err := s.GetAccount(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.Balance != 70 {
		t.Errorf("losing resolve changed balance: %d", acct.Balance)
	}
}

func TestResolveRefund(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	if _, err := s.CreditAccount(ctx, "user-1", 100); err != nil {
		t.Fatalf("CreditAccount: %v", err)
	}
	req := &energy.ReserveRequest{UserID: "user-1", Amount: 60, Feature: "video"}
	if _, err := s.CreateReservation(ctx, req, "resv-1"); err != nil {
		t.Fatalf("CreateReservation: %v", err)
	}

	res, err := s.ResolveReservation(ctx, &energy.ResolveRequest{
		ReservationID: "resv-1",
		To:            energy.StatusRefunded,
		Reason:        "generation-failed",
	})
	if err != nil {
		t.Fatalf("ResolveReservation: %v", err)
	}
	if res.Returned != 60 {
		t.Errorf("expected full hold returned, got %d", res.Returned)
	}
	if res.BalanceAfter != 100 {
		t.Errorf("expected balance restored to 100, got %d", res.BalanceAfter)
	}
	if res.Reservation.Reason != "generation-failed" {
		t.Errorf("expected reason recorded, got %q", res.Reservation.Reason)
	}
}

func TestConsumeQuota(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	now := time.Now()
	req := &energy.QuotaRequest{
		UserID: "user-1", Feature: "image",
		Limit: 3, Window: time.Hour, Now: now,
	}
	for i := 0; i < 3; i++ {
		res, err := s.ConsumeQuota(ctx, req)
		if err != nil {
			t.Fatalf("ConsumeQuota: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d unexpectedly denied", i+1)
		}
		if res.Remaining != int64(2-i) {
			t.Errorf("request %d: expected remaining %d, got %d", i+1, 2-i, res.Remaining)
		}
	}

	res, err := s.ConsumeQuota(ctx, req)
	if err != nil {
		t.Fatalf("ConsumeQuota: %v", err)
	}
	if res.Allowed {
		t.Error("expected fourth request denied")
	}
	if res.ResetAt != now.UTC().Truncate(time.Hour).Add(time.Hour) {
		t.Errorf("unexpected reset time %v", res.ResetAt)
	}

	// A new window starts fresh
	req.Now = now.Add(time.Hour)
	res, err = s.ConsumeQuota(ctx, req)
	if err != nil {
		t.Fatalf("ConsumeQuota: %v", err)
	}
	if !res.Allowed {
		t.Error("expected next window to allow")
	}
}

func TestJobNilPayload(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	if err := s.PutJob(ctx, "replicate:media:p0", nil, time.Hour); err != nil {
		t.Fatalf("PutJob: %v", err)
	}

	merged, err := s.MergeJob(ctx, "replicate:media:p0", map[string]any{"error": "x"})
	if err != nil {
		t.Fatalf("MergeJob: %v", err)
	}
	if merged["error"] != "x" {
		t.Errorf("expected merged field, got %v", merged)
	}
}

func TestJobLifecycle(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	if _, err := s.GetJob(ctx, "replicate:media:p1"); !errors.Is(err, energy.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}

	payload := map[string]any{"reservationId": "resv-1", "userId": "user-1"}
	if err := s.PutJob(ctx, "replicate:media:p1", payload, time.Hour); err != nil {
		t.Fatalf("PutJob: %v", err)
	}

	merged, err := s.MergeJob(ctx, "replicate:media:p1", map[string]any{
		"processingId": "lock-1",
		"userId":       "user-2",
	})
	if err != nil {
		t.Fatalf("MergeJob: %v", err)
	}
	if merged["reservationId"] != "resv-1" {
		t.Error("merge dropped existing field")
	}
	if merged["userId"] != "user-2" {
		t.Error("merge did not overwrite field")
	}

	// nil values remove keys (lock release)
	merged, err = s.MergeJob(ctx, "replicate:media:p1", map[string]any{"processingId": nil})
	if err != nil {
		t.Fatalf("MergeJob unset: %v", err)
	}
	if _, ok := merged["processingId"]; ok {
		t.Error("expected processingId removed")
	}

	// Merge preserves the TTL
	ttl, err := s.client.TTL(ctx, s.jobKey("replicate:media:p1")).Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 || ttl > time.Hour {
		t.Errorf("expected TTL preserved, got %v", ttl)
	}

	if _, err := s.MergeJob(ctx, "replicate:media:missing", map[string]any{"x": 1}); !errors.Is(err, energy.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound for missing job, got %v", err)
	}
}
