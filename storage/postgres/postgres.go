// Package postgres provides a PostgreSQL implementation of the energy.Storage interface.
// This implementation uses SQL transactions with SELECT FOR UPDATE for atomic
// reservation transitions and conditional updates for balance debits.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/goenergy/pkg/energy"
)

// Schema contains the DDL for all tables this adapter uses. Run it once
// at deploy time, or call InitSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id    TEXT PRIMARY KEY,
	balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS reservations (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	feature     TEXT NOT NULL,
	request_id  TEXT,
	held_amount BIGINT NOT NULL,
	final_cost  BIGINT NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	provider    TEXT,
	model       TEXT,
	usage       JSONB,
	reason      TEXT,
	metadata    JSONB,
	created_at  TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS reservations_request_idx
	ON reservations (user_id, feature, request_id)
	WHERE request_id IS NOT NULL AND request_id <> '';

CREATE TABLE IF NOT EXISTS quota_windows (
	user_id      TEXT NOT NULL,
	feature      TEXT NOT NULL,
	window_start TIMESTAMPTZ NOT NULL,
	count        BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, feature, window_start)
);

CREATE TABLE IF NOT EXISTS jobs (
	key        TEXT PRIMARY KEY,
	payload    JSONB NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// Storage implements energy.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration for expired job rows and stale quota windows
	CleanupEnabled  bool
	CleanupInterval time.Duration

	// Now overrides the clock, used by tests
	Now func() time.Time
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())

	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// InitSchema creates the tables this adapter needs if they do not exist.
func (s *Storage) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies database connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetAccount implements energy.Storage
func (s *Storage) GetAccount(ctx context.Context, userID string) (*energy.Account, error) {
	var acct energy.Account
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, balance, updated_at FROM accounts WHERE user_id = $1`,
		userID).Scan(&acct.UserID, &acct.Balance, &acct.UpdatedAt)

	if err == pgx.ErrNoRows {
		return nil, energy.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &acct, nil
}

// CreditAccount implements energy.Storage
func (s *Storage) CreditAccount(ctx context.Context, userID string, amount int64) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO accounts (user_id, balance, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id) DO UPDATE SET
				balance = accounts.balance + EXCLUDED.balance,
				updated_at = EXCLUDED.updated_at
			RETURNING balance`,
		userID, amount, s.config.Now().UTC()).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to credit account: %w", err)
	}
	return balance, nil
}

// CreateReservation implements energy.Storage
func (s *Storage) CreateReservation(ctx context.Context, req *energy.ReserveRequest, id string) (*energy.ReserveResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Retries with the same request id return the original hold
	if req.RequestID != "" {
		existing, err := scanReservation(tx.QueryRow(ctx,
			reservationSelect+` WHERE user_id = $1 AND feature = $2 AND request_id = $3`,
			req.UserID, req.Feature, req.RequestID))
		if err != nil && err != pgx.ErrNoRows {
			return nil, fmt.Errorf("failed to check request index: %w", err)
		}
		if err == nil {
			var balance int64
			if err := tx.QueryRow(ctx,
				`SELECT balance FROM accounts WHERE user_id = $1`,
				req.UserID).Scan(&balance); err != nil {
				return nil, fmt.Errorf("failed to read balance: %w", err)
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("failed to commit: %w", err)
			}
			return &energy.ReserveResult{Reservation: existing, BalanceAfter: balance, Reused: true}, nil
		}
	}

	now := s.config.Now().UTC()

	// Conditional debit: only succeeds when the balance covers the hold
	var balance int64
	err = tx.QueryRow(ctx,
		`UPDATE accounts SET balance = balance - $2, updated_at = $3
			WHERE user_id = $1 AND balance >= $2
			RETURNING balance`,
		req.UserID, req.Amount, now).Scan(&balance)
	if err == pgx.ErrNoRows {
		var available int64
		err = tx.QueryRow(ctx,
			`SELECT balance FROM accounts WHERE user_id = $1`, req.UserID).Scan(&available)
		if err == pgx.ErrNoRows {
			return nil, energy.ErrAccountNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read balance: %w", err)
		}
		return nil, &energy.InsufficientCreditsError{Required: req.Amount, Available: available}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to debit account: %w", err)
	}

	resv := &energy.Reservation{
		ID:         id,
		UserID:     req.UserID,
		Feature:    req.Feature,
		RequestID:  req.RequestID,
		HeldAmount: req.Amount,
		Status:     energy.StatusPending,
		Provider:   req.Provider,
		Model:      req.Model,
		Metadata:   req.Metadata,
		CreatedAt:  now,
	}
	metadata, err := marshalJSONB(req.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO reservations
			(id, user_id, feature, request_id, held_amount, status, provider, model, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, req.UserID, req.Feature, req.RequestID, req.Amount,
		string(energy.StatusPending), req.Provider, req.Model, metadata, now)
	if err != nil {
		// A concurrent reserve with the same request id won the insert
		// race: its row blocks ours on the unique index until it commits,
		// then ours fails with a unique violation. Undo the debit and
		// return the winner's reservation.
		var pgErr *pgconn.PgError
		if req.RequestID != "" && errors.As(err, &pgErr) && pgErr.Code == "23505" {
			//nolint:errcheck // Rollback error is safe to ignore here
			_ = tx.Rollback(ctx)
			return s.reusedReservation(ctx, req)
		}
		return nil, fmt.Errorf("failed to insert reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &energy.ReserveResult{Reservation: resv, BalanceAfter: balance}, nil
}

// reusedReservation loads the reservation a concurrent reserve created
// for the same (user, feature, request id).
func (s *Storage) reusedReservation(ctx context.Context, req *energy.ReserveRequest) (*energy.ReserveResult, error) {
	existing, err := scanReservation(s.pool.QueryRow(ctx,
		reservationSelect+` WHERE user_id = $1 AND feature = $2 AND request_id = $3`,
		req.UserID, req.Feature, req.RequestID))
	if err != nil {
		return nil, fmt.Errorf("failed to load reserved request: %w", err)
	}

	var balance int64
	if err := s.pool.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE user_id = $1`, req.UserID).Scan(&balance); err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	return &energy.ReserveResult{Reservation: existing, BalanceAfter: balance, Reused: true}, nil
}

// GetReservation implements energy.Storage
func (s *Storage) GetReservation(ctx context.Context, id string) (*energy.Reservation, error) {
	resv, err := scanReservation(s.pool.QueryRow(ctx,
		reservationSelect+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, energy.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return resv, nil
}

// ResolveReservation implements energy.Storage
func (s *Storage) ResolveReservation(ctx context.Context, req *energy.ResolveRequest) (*energy.Resolution, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Lock the row so exactly one caller wins the terminal transition
	current, err := scanReservation(tx.QueryRow(ctx,
		reservationSelect+` WHERE id = $1 FOR UPDATE`, req.ReservationID))
	if err == pgx.ErrNoRows {
		return nil, energy.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock reservation: %w", err)
	}

	if current.Status.Terminal() {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		return &energy.Resolution{Reservation: current}, energy.ErrAlreadyResolved
	}

	returned := current.HeldAmount - req.FinalCost
	if req.To == energy.StatusRefunded {
		returned = current.HeldAmount
	}
	now := s.config.Now().UTC()

	updated := *current
	updated.Status = req.To
	updated.ResolvedAt = now
	if req.To == energy.StatusSettled {
		updated.FinalCost = req.FinalCost
	}
	if req.Reason != "" {
		updated.Reason = req.Reason
	}
	if req.Provider != "" {
		updated.Provider = req.Provider
	}
	if req.Model != "" {
		updated.Model = req.Model
	}
	if req.Usage != nil {
		updated.Usage = req.Usage
	}
	if len(req.Metadata) > 0 {
		merged := make(map[string]any, len(current.Metadata)+len(req.Metadata))
		for k, v := range current.Metadata {
			merged[k] = v
		}
		for k, v := range req.Metadata {
			merged[k] = v
		}
		updated.Metadata = merged
	}

	usage, err := marshalJSONB(updated.Usage)
	if err != nil {
		return nil, err
	}
	metadata, err := marshalJSONB(updated.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE reservations SET
			status = $2, final_cost = $3, reason = $4, provider = $5,
			model = $6, usage = $7, metadata = $8, resolved_at = $9
			WHERE id = $1`,
		req.ReservationID, string(updated.Status), updated.FinalCost, updated.Reason,
		updated.Provider, updated.Model, usage, metadata, now)
	if err != nil {
		return nil, fmt.Errorf("failed to update reservation: %w", err)
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`UPDATE accounts SET balance = balance + $2, updated_at = $3
			WHERE user_id = $1
			RETURNING balance`,
		current.UserID, returned, now).Scan(&balance)
	if err != nil {
		return nil, fmt.Errorf("failed to credit account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &energy.Resolution{Reservation: &updated, Returned: returned, BalanceAfter: balance}, nil
}

// ConsumeQuota implements energy.Storage
func (s *Storage) ConsumeQuota(ctx context.Context, req *energy.QuotaRequest) (*energy.QuotaResult, error) {
	windowStart := req.Now.UTC().Truncate(req.Window)
	resetAt := windowStart.Add(req.Window)

	// The conditional upsert only increments while under the limit, so a
	// denied request leaves the counter untouched.
	var count int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO quota_windows (user_id, feature, window_start, count)
			VALUES ($1, $2, $3, 1)
			ON CONFLICT (user_id, feature, window_start) DO UPDATE SET
				count = quota_windows.count + 1
			WHERE quota_windows.count < $4
			RETURNING count`,
		req.UserID, req.Feature, windowStart, req.Limit).Scan(&count)

	if err == pgx.ErrNoRows {
		return &energy.QuotaResult{Allowed: false, Limit: req.Limit, ResetAt: resetAt}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume quota: %w", err)
	}

	return &energy.QuotaResult{
		Allowed:   true,
		Remaining: req.Limit - count,
		Limit:     req.Limit,
		ResetAt:   resetAt,
	}, nil
}

// PeekQuota implements energy.Storage
func (s *Storage) PeekQuota(ctx context.Context, req *energy.QuotaRequest) (*energy.QuotaResult, error) {
	windowStart := req.Now.UTC().Truncate(req.Window)
	resetAt := windowStart.Add(req.Window)

	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT count FROM quota_windows
			WHERE user_id = $1 AND feature = $2 AND window_start = $3`,
		req.UserID, req.Feature, windowStart).Scan(&count)
	if err != nil && err != pgx.ErrNoRows {
		return nil, fmt.Errorf("failed to peek quota: %w", err)
	}

	remaining := req.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return &energy.QuotaResult{
		Allowed:   count < req.Limit,
		Remaining: remaining,
		Limit:     req.Limit,
		ResetAt:   resetAt,
	}, nil
}

// PutJob implements energy.Storage
func (s *Storage) PutJob(ctx context.Context, key string, payload map[string]any, ttl time.Duration) error {
	data, err := marshalJSONB(payload)
	if err != nil {
		return err
	}
	if data == nil {
		// The payload column is NOT NULL; an empty entry is still valid
		data = []byte("{}")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (key, payload, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET
				payload = EXCLUDED.payload,
				expires_at = EXCLUDED.expires_at`,
		key, data, s.config.Now().UTC().Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to put job: %w", err)
	}
	return nil
}

// GetJob implements energy.Storage
// Expiry is a logical read-time check; the cleanup goroutine removes
// expired rows eventually.
func (s *Storage) GetJob(ctx context.Context, key string) (map[string]any, error) {
	var data []byte
	var expiresAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT payload, expires_at FROM jobs WHERE key = $1`, key).Scan(&data, &expiresAt)
	if err == pgx.ErrNoRows {
		return nil, energy.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if !s.config.Now().Before(expiresAt) {
		return nil, energy.ErrJobNotFound
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return payload, nil
}

// MergeJob implements energy.Storage
func (s *Storage) MergeJob(ctx context.Context, key string, update map[string]any) (map[string]any, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	var data []byte
	var expiresAt time.Time
	err = tx.QueryRow(ctx,
		`SELECT payload, expires_at FROM jobs WHERE key = $1 FOR UPDATE`, key).Scan(&data, &expiresAt)
	if err == pgx.ErrNoRows {
		return nil, energy.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock job: %w", err)
	}
	if !s.config.Now().Before(expiresAt) {
		return nil, energy.ErrJobNotFound
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	for k, v := range update {
		if v == nil {
			delete(payload, k)
			continue
		}
		payload[k] = v
	}

	merged, err := marshalJSONB(payload)
	if err != nil {
		return nil, err
	}
	// expires_at is deliberately untouched: merges never extend the TTL
	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET payload = $2 WHERE key = $1`, key, merged); err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return payload, nil
}

// startCleanup periodically removes expired job rows and quota windows
// older than a day
func (s *Storage) startCleanup(ctx context.Context) {
	interval := s.config.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // Cleanup is best-effort; the next tick retries
			_ = s.Cleanup(ctx)
		}
	}
}

// Cleanup removes expired job rows and stale quota windows immediately
func (s *Storage) Cleanup(ctx context.Context) error {
	now := s.config.Now().UTC()
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE expires_at < $1`, now); err != nil {
		return fmt.Errorf("failed to clean up jobs: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM quota_windows WHERE window_start < $1`, now.Add(-24*time.Hour)); err != nil {
		return fmt.Errorf("failed to clean up quota windows: %w", err)
	}
	return nil
}

const reservationSelect = `SELECT id, user_id, feature, request_id, held_amount,
	final_cost, status, provider, model, usage, reason, metadata, created_at, resolved_at
	FROM reservations`

func scanReservation(row pgx.Row) (*energy.Reservation, error) {
	var resv energy.Reservation
	var requestID, provider, model, reason *string
	var usage, metadata []byte
	var resolvedAt *time.Time

	err := row.Scan(&resv.ID, &resv.UserID, &resv.Feature, &requestID, &resv.HeldAmount,
		&resv.FinalCost, &resv.Status, &provider, &model, &usage, &reason,
		&metadata, &resv.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	if requestID != nil {
		resv.RequestID = *requestID
	}
	if provider != nil {
		resv.Provider = *provider
	}
	if model != nil {
		resv.Model = *model
	}
	if reason != nil {
		resv.Reason = *reason
	}
	if resolvedAt != nil {
		resv.ResolvedAt = *resolvedAt
	}
	if len(usage) > 0 {
		if err := json.Unmarshal(usage, &resv.Usage); err != nil {
			return nil, fmt.Errorf("corrupt usage for %s: %w", resv.ID, err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &resv.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata for %s: %w", resv.ID, err)
		}
	}
	return &resv, nil
}

func marshalJSONB(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	case *energy.TokenUsage:
		if t == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal jsonb value: %w", err)
	}
	return data, nil
}
