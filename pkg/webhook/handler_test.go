package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/goenergy/pkg/energy"
	"github.com/mihaimyh/goenergy/storage/memory"
)

const testSecret = "test-secret"

type recordingMetrics struct {
	mu         sync.Mutex
	outcomes   []string
	rejections []string
}

func (m *recordingMetrics) RecordDelivery(provider, status, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *recordingMetrics) RecordRejection(provider, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections = append(m.rejections, reason)
}

func (m *recordingMetrics) RecordProcessingDuration(provider, status string, d time.Duration) {}

func (m *recordingMetrics) lastOutcome() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.outcomes) == 0 {
		return ""
	}
	return m.outcomes[len(m.outcomes)-1]
}

func (m *recordingMetrics) lastRejection() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.rejections) == 0 {
		return ""
	}
	return m.rejections[len(m.rejections)-1]
}

type testEnv struct {
	handler *Handler
	ledger  *energy.Ledger
	jobs    *energy.Correlator
	metrics *recordingMetrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New()
	ledger, err := energy.NewLedger(store, energy.Config{})
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	metrics := &recordingMetrics{}
	handler, err := NewHandler(Config{
		Secret:  testSecret,
		Ledger:  ledger,
		Jobs:    ledger.Jobs(),
		Metrics: metrics,
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return &testEnv{handler: handler, ledger: ledger, jobs: ledger.Jobs(), metrics: metrics}
}

// seedReservation grants alice 100 credits, holds 50 for an image job,
// and correlates it under pred-1 with a cached dispatch cost of 30.
func (e *testEnv) seedReservation(t *testing.T) *energy.Reservation {
	t.Helper()
	ctx := context.Background()
	if _, err := e.ledger.Grant(ctx, "alice", 100); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	result, err := e.ledger.Reserve(ctx, &energy.ReserveRequest{
		UserID:  "alice",
		Amount:  50,
		Feature: "image",
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	key := energy.JobKey("replicate", "media", "pred-1")
	err = e.jobs.Put(ctx, key, map[string]any{
		"reservationId": result.Reservation.ID,
		"userId":        "alice",
		"feature":       "image",
		"cost":          int64(30),
		"model":         "sdxl",
	})
	if err != nil {
		t.Fatalf("Put job: %v", err)
	}
	return result.Reservation
}

func signedRequest(body string) *http.Request {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	return signedRequestAt(body, timestamp)
}

func signedRequestAt(body, timestamp string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/replicate", strings.NewReader(body))
	req.Header.Set("webhook-id", "msg_1")
	req.Header.Set("webhook-timestamp", timestamp)
	req.Header.Set("webhook-signature", "v1,"+sign([]byte(testSecret), "msg_1", timestamp, []byte(body)))
	return req
}

func (e *testEnv) deliver(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestNewHandlerValidation(t *testing.T) {
	if _, err := NewHandler(Config{}); err == nil {
		t.Error("expected error without ledger and jobs")
	}

	env := newTestEnv(t)
	if _, err := NewHandler(Config{Ledger: env.ledger, Jobs: env.jobs, Secret: "whsec_!!!"}); err == nil {
		t.Error("expected error for undecodable secret")
	}
}

func TestHandlerMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/webhooks/replicate", nil)
	rec := env.deliver(t, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestHandlerMissingHeaders(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/replicate", strings.NewReader(`{"id":"pred-1"}`))
	rec := env.deliver(t, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if env.metrics.lastRejection() != "missing_headers" {
		t.Errorf("expected missing_headers rejection, got %q", env.metrics.lastRejection())
	}
}

func TestHandlerNoSecretConfigured(t *testing.T) {
	store := memory.New()
	ledger, _ := energy.NewLedger(store, energy.Config{})
	handler, err := NewHandler(Config{Ledger: ledger, Jobs: ledger.Jobs()})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	env := &testEnv{handler: handler, metrics: &recordingMetrics{}}
	rec := env.deliver(t, signedRequest(`{"id":"pred-1","status":"succeeded"}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without a configured secret, got %d", rec.Code)
	}
}

func TestHandlerBadSignatureLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	resv := env.seedReservation(t)
	ctx := context.Background()

	body := `{"id":"pred-1","status":"succeeded","output":["https://cdn.example/1.png"]}`
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/replicate", strings.NewReader(body))
	req.Header.Set("webhook-id", "msg_1")
	req.Header.Set("webhook-timestamp", timestamp)
	req.Header.Set("webhook-signature", "v1,"+sign([]byte("wrong-secret"), "msg_1", timestamp, []byte(body)))

	rec := env.deliver(t, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if env.metrics.lastRejection() != "auth_failed" {
		t.Errorf("expected auth_failed rejection, got %q", env.metrics.lastRejection())
	}

	// The forged delivery must not have moved any state.
	current, err := env.ledger.GetReservation(ctx, resv.ID)
	if err != nil {
		t.Fatalf("GetReservation: %v", err)
	}
	if current.Status != energy.StatusPending {
		t.Errorf("expected reservation to stay PENDING, got %s", current.Status)
	}
	job, err := env.jobs.Get(ctx, energy.JobKey("replicate", "media", "pred-1"))
	if err != nil {
		t.Fatalf("Get job: %v", err)
	}
	if job["assets"] != nil || job["settledAt"] != nil {
		t.Error("expected job entry to be untouched")
	}
}

func TestHandlerStaleTimestamp(t *testing.T) {
	env := newTestEnv(t)
	env.seedReservation(t)

	stale := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	rec := env.deliver(t, signedRequestAt(`{"id":"pred-1","status":"succeeded","output":["u"]}`, stale))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for stale timestamp, got %d", rec.Code)
	}
	if env.metrics.lastRejection() != "bad_timestamp" {
		t.Errorf("expected bad_timestamp rejection, got %q", env.metrics.lastRejection())
	}
}

func TestHandlerMillisecondTimestamp(t *testing.T) {
	env := newTestEnv(t)
	env.seedReservation(t)

	millis := strconv.FormatInt(time.Now().UnixMilli(), 10)
	body := `{"id":"pred-1","status":"succeeded","output":["https://cdn.example/1.png"]}`
	rec := env.deliver(t, signedRequestAt(body, millis))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for millisecond timestamp, got %d: %s", rec.Code, rec.Body.String())
	}
	if env.metrics.lastOutcome() != "settled" {
		t.Errorf("expected settled outcome, got %q", env.metrics.lastOutcome())
	}
}

func TestHandlerOversizedBody(t *testing.T) {
	env := newTestEnv(t)
	body := `{"id":"pred-1","padding":"` + strings.Repeat("x", 300*1024) + `"}`
	rec := env.deliver(t, signedRequest(body))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
}

func TestHandlerMalformedBody(t *testing.T) {
	env := newTestEnv(t)
	rec := env.deliver(t, signedRequest(`{"status":"succeeded"}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for body without job id, got %d", rec.Code)
	}
	rec = env.deliver(t, signedRequest(`not json`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestHandlerSucceededSettles(t *testing.T) {
	env := newTestEnv(t)
	resv := env.seedReservation(t)
	ctx := context.Background()

	body := `{"id":"pred-1","status":"succeeded","output":["https://cdn.example/1.png","https://cdn.example/2.png"]}`
	rec := env.deliver(t, signedRequest(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != `{"ok":true}` {
		t.Errorf("unexpected body %q", got)
	}

	// The hold of 50 settles at the cached dispatch cost of 30.
	current, err := env.ledger.GetReservation(ctx, resv.ID)
	if err != nil {
		t.Fatalf("GetReservation: %v", err)
	}
	if current.Status != energy.StatusSettled || current.FinalCost != 30 {
		t.Errorf("expected SETTLED at cost 30, got %s cost %d", current.Status, current.FinalCost)
	}
	balance, err := env.ledger.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 70 {
		t.Errorf("expected balance 70 after settle, got %d", balance)
	}

	job, err := env.jobs.Get(ctx, energy.JobKey("replicate", "media", "pred-1"))
	if err != nil {
		t.Fatalf("Get job: %v", err)
	}
	assets, ok := job["assets"].([]Asset)
	if !ok || len(assets) != 2 {
		t.Fatalf("expected 2 assets, got %v", job["assets"])
	}
	if assets[0].URL != "https://cdn.example/1.png" {
		t.Errorf("unexpected asset %+v", assets[0])
	}
	if job["settledAt"] == nil {
		t.Error("expected settledAt on the job entry")
	}
	if job["creditsRemaining"] != int64(70) {
		t.Errorf("expected creditsRemaining 70, got %v", job["creditsRemaining"])
	}
	if job["processingId"] != nil || job["processingAt"] != nil {
		t.Error("expected processing lock fields to be cleared")
	}
}

func TestHandlerSucceededWithoutCostChargesHold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.ledger.Grant(ctx, "bob", 100); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	result, err := env.ledger.Reserve(ctx, &energy.ReserveRequest{UserID: "bob", Amount: 40, Feature: "image"})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	key := energy.JobKey("replicate", "media", "pred-1")
	if err := env.jobs.Put(ctx, key, map[string]any{"reservationId": result.Reservation.ID}); err != nil {
		t.Fatalf("Put job: %v", err)
	}

	rec := env.deliver(t, signedRequest(`{"id":"pred-1","status":"succeeded","output":["u"]}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	current, _ := env.ledger.GetReservation(ctx, result.Reservation.ID)
	if current.FinalCost != 40 {
		t.Errorf("expected full hold charged when no cost was cached, got %d", current.FinalCost)
	}
}

func TestHandlerDuplicateSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.seedReservation(t)
	ctx := context.Background()

	body := `{"id":"pred-1","status":"succeeded","output":["https://cdn.example/1.png"]}`
	if rec := env.deliver(t, signedRequest(body)); rec.Code != http.StatusOK {
		t.Fatalf("first delivery: expected 200, got %d", rec.Code)
	}
	if rec := env.deliver(t, signedRequest(body)); rec.Code != http.StatusOK {
		t.Fatalf("second delivery: expected 200, got %d", rec.Code)
	}
	if env.metrics.lastOutcome() != "duplicate" {
		t.Errorf("expected duplicate outcome, got %q", env.metrics.lastOutcome())
	}

	// No double settle.
	balance, err := env.ledger.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 70 {
		t.Errorf("expected balance 70 after duplicate delivery, got %d", balance)
	}
}

func TestHandlerSucceededWithoutOutput(t *testing.T) {
	env := newTestEnv(t)
	resv := env.seedReservation(t)
	ctx := context.Background()

	rec := env.deliver(t, signedRequest(`{"id":"pred-1","status":"succeeded","output":null}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if env.metrics.lastOutcome() != "ack" {
		t.Errorf("expected ack outcome, got %q", env.metrics.lastOutcome())
	}

	// The anomaly is recorded and the hold is left for reconciliation.
	current, _ := env.ledger.GetReservation(ctx, resv.ID)
	if current.Status != energy.StatusPending {
		t.Errorf("expected reservation to stay PENDING, got %s", current.Status)
	}
	job, err := env.jobs.Get(ctx, energy.JobKey("replicate", "media", "pred-1"))
	if err != nil {
		t.Fatalf("Get job: %v", err)
	}
	if job["error"] != "no output from provider" {
		t.Errorf("unexpected job error %v", job["error"])
	}
	if job["processingId"] != nil {
		t.Error("expected processing lock to be released")
	}
}

func TestHandlerFailedRefunds(t *testing.T) {
	env := newTestEnv(t)
	resv := env.seedReservation(t)
	ctx := context.Background()

	rec := env.deliver(t, signedRequest(`{"id":"pred-1","status":"failed","error":"NSFW content detected"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if env.metrics.lastOutcome() != "refunded" {
		t.Errorf("expected refunded outcome, got %q", env.metrics.lastOutcome())
	}

	current, _ := env.ledger.GetReservation(ctx, resv.ID)
	if current.Status != energy.StatusRefunded {
		t.Errorf("expected REFUNDED, got %s", current.Status)
	}
	if current.Reason != "NSFW content detected" {
		t.Errorf("unexpected refund reason %q", current.Reason)
	}
	balance, _ := env.ledger.Balance(ctx, "alice")
	if balance != 100 {
		t.Errorf("expected full hold returned, got balance %d", balance)
	}

	job, _ := env.jobs.Get(ctx, energy.JobKey("replicate", "media", "pred-1"))
	if job["refundedAt"] == nil {
		t.Error("expected refundedAt on the job entry")
	}
}

func TestHandlerCanceledRefundsWithDefaultReason(t *testing.T) {
	env := newTestEnv(t)
	resv := env.seedReservation(t)
	ctx := context.Background()

	rec := env.deliver(t, signedRequest(`{"id":"pred-1","status":"canceled"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	current, _ := env.ledger.GetReservation(ctx, resv.ID)
	if current.Status != energy.StatusRefunded {
		t.Errorf("expected REFUNDED, got %s", current.Status)
	}
	if current.Reason != "generation-canceled" {
		t.Errorf("unexpected refund reason %q", current.Reason)
	}
}

func TestHandlerDuplicateFailure(t *testing.T) {
	env := newTestEnv(t)
	env.seedReservation(t)
	ctx := context.Background()

	body := `{"id":"pred-1","status":"failed","error":"boom"}`
	env.deliver(t, signedRequest(body))
	rec := env.deliver(t, signedRequest(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if env.metrics.lastOutcome() != "duplicate" {
		t.Errorf("expected duplicate outcome, got %q", env.metrics.lastOutcome())
	}
	balance, _ := env.ledger.Balance(ctx, "alice")
	if balance != 100 {
		t.Errorf("expected balance 100, got %d", balance)
	}
}

func TestHandlerUnknownJob(t *testing.T) {
	env := newTestEnv(t)
	rec := env.deliver(t, signedRequest(`{"id":"pred-unknown","status":"succeeded","output":["u"]}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 ack for unknown job, got %d", rec.Code)
	}
	if env.metrics.lastOutcome() != "unknown_job" {
		t.Errorf("expected unknown_job outcome, got %q", env.metrics.lastOutcome())
	}
}

func TestHandlerLateDeliveryAfterJobExpiry(t *testing.T) {
	var mu sync.Mutex
	current := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(d)
	}

	store := memory.New(memory.WithNowFunc(clock))
	ledger, err := energy.NewLedger(store, energy.Config{JobTTL: time.Hour})
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	metrics := &recordingMetrics{}
	handler, err := NewHandler(Config{
		Secret:  testSecret,
		Ledger:  ledger,
		Jobs:    ledger.Jobs(),
		Metrics: metrics,
		Now:     clock,
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	ctx := context.Background()
	if _, err := ledger.Grant(ctx, "alice", 100); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	result, err := ledger.Reserve(ctx, &energy.ReserveRequest{UserID: "alice", Amount: 50, Feature: "image"})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	key := energy.JobKey("replicate", "media", "pred-1")
	err = ledger.Jobs().Put(ctx, key, map[string]any{
		"reservationId": result.Reservation.ID,
		"cost":          int64(30),
	})
	if err != nil {
		t.Fatalf("Put job: %v", err)
	}

	// The correlation entry lapses before the provider calls back
	advance(61 * time.Minute)

	timestamp := strconv.FormatInt(clock().Unix(), 10)
	body := `{"id":"pred-1","status":"succeeded","output":["https://cdn.example/1.png"]}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequestAt(body, timestamp))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 ack for a late delivery, got %d", rec.Code)
	}
	if metrics.lastOutcome() != "unknown_job" {
		t.Errorf("expected unknown_job outcome, got %q", metrics.lastOutcome())
	}

	// The hold is left untouched for out-of-band reconciliation
	resv, err := ledger.GetReservation(ctx, result.Reservation.ID)
	if err != nil {
		t.Fatalf("GetReservation: %v", err)
	}
	if resv.Status != energy.StatusPending {
		t.Errorf("expected reservation to stay PENDING, got %s", resv.Status)
	}
	balance, err := ledger.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 50 {
		t.Errorf("expected balance 50, got %d", balance)
	}
}

func TestHandlerIntermediateStatus(t *testing.T) {
	env := newTestEnv(t)
	resv := env.seedReservation(t)
	ctx := context.Background()

	rec := env.deliver(t, signedRequest(`{"id":"pred-1","status":"processing"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if env.metrics.lastOutcome() != "ack" {
		t.Errorf("expected ack outcome, got %q", env.metrics.lastOutcome())
	}
	current, _ := env.ledger.GetReservation(ctx, resv.ID)
	if current.Status != energy.StatusPending {
		t.Errorf("expected reservation to stay PENDING, got %s", current.Status)
	}
}

type brokenJobStorage struct {
	*memory.Storage
}

func (b *brokenJobStorage) GetJob(ctx context.Context, key string) (map[string]any, error) {
	return nil, errors.New("backend unavailable")
}

func TestHandlerProcessingError(t *testing.T) {
	store := memory.New()
	ledger, err := energy.NewLedger(store, energy.Config{})
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	jobs, err := energy.NewCorrelator(&brokenJobStorage{Storage: store}, time.Hour)
	if err != nil {
		t.Fatalf("NewCorrelator: %v", err)
	}
	handler, err := NewHandler(Config{Secret: testSecret, Ledger: ledger, Jobs: jobs})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(`{"id":"pred-1","status":"succeeded","output":["u"]}`))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 so the provider retries, got %d", rec.Code)
	}
}
