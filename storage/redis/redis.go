// Package redis provides a Redis implementation of the energy.Storage interface.
// This implementation uses atomic operations via Lua scripts for transaction safety.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goenergy/pkg/energy"
)

// Storage implements energy.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "goenergy:")
	KeyPrefix string

	// RequestIndexTTL bounds how long idempotency keys are kept
	// (default: 7 days, 0 = no expiration)
	RequestIndexTTL time.Duration

	// QuotaGrace extends quota key expiry past the window boundary so a
	// just-closed window can still be inspected (default: 1 minute)
	QuotaGrace time.Duration

	// Now overrides the clock, used by tests
	Now func() time.Time
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:       "goenergy:",
		RequestIndexTTL: 7 * 24 * time.Hour,
		QuotaGrace:      time.Minute,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "goenergy:"
	}
	if config.RequestIndexTTL == 0 {
		config.RequestIndexTTL = 7 * 24 * time.Hour
	}
	if config.QuotaGrace == 0 {
		config.QuotaGrace = time.Minute
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}

	s.loadScripts()

	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Reserve: debit the hold and create the reservation in one step.
	// The request-index key makes retries with the same RequestID return
	// the original reservation instead of taking a second hold.
	s.scripts["reserve"] = redis.NewScript(`
		local reqKey = KEYS[1]
		local accountKey = KEYS[2]
		local resvKey = KEYS[3]
		local amount = tonumber(ARGV[1])
		local resvData = ARGV[2]
		local resvID = ARGV[3]
		local hasReqKey = ARGV[4] == '1'
		local reqTTL = tonumber(ARGV[5])

		if hasReqKey then
			local existing = redis.call('GET', reqKey)
			if existing then
				return {'reused', existing, '0'}
			end
		end

		local balance = redis.call('HGET', accountKey, 'balance')
		if not balance then
			return {'noaccount', '', '0'}
		end
		balance = tonumber(balance)
		if balance < amount then
			return {'insufficient', '', tostring(balance)}
		end

		balance = redis.call('HINCRBY', accountKey, 'balance', -amount)
		redis.call('HSET', accountKey, 'updatedAt', ARGV[6])
		redis.call('SET', resvKey, resvData)
		if hasReqKey then
			if reqTTL > 0 then
				redis.call('SET', reqKey, resvID, 'EX', reqTTL)
			else
				redis.call('SET', reqKey, resvID)
			end
		end
		return {'ok', '', tostring(balance)}
	`)

	// Resolve: the single PENDING -> terminal transition plus the balance
	// credit. Concurrent callers race on the status check inside the
	// script; losers see the already-written terminal document.
	s.scripts["resolve"] = redis.NewScript(`
		local resvKey = KEYS[1]
		local accountKey = KEYS[2]
		local patchData = ARGV[1]
		local returned = tonumber(ARGV[2])

		local raw = redis.call('GET', resvKey)
		if not raw then
			return {'notfound', '', '0'}
		end
		local resv = cjson.decode(raw)
		if resv.status ~= 'PENDING' then
			return {'resolved', raw, '0'}
		end

		local patch = cjson.decode(patchData)
		for k, v in pairs(patch) do
			if k == 'metadata' then
				local meta = resv.metadata
				if type(meta) ~= 'table' then
					meta = {}
				end
				for mk, mv in pairs(v) do
					meta[mk] = mv
				end
				resv.metadata = meta
			else
				resv[k] = v
			end
		end

		local balance = redis.call('HINCRBY', accountKey, 'balance', returned)
		redis.call('HSET', accountKey, 'updatedAt', ARGV[3])
		local updated = cjson.encode(resv)
		redis.call('SET', resvKey, updated)
		return {'ok', updated, tostring(balance)}
	`)

	// Quota: increment-and-check against a wall-clock-aligned window key.
	// The counter only moves when the request fits under the limit.
	s.scripts["quota"] = redis.NewScript(`
		local key = KEYS[1]
		local limit = tonumber(ARGV[1])
		local expireAt = tonumber(ARGV[2])

		local count = tonumber(redis.call('GET', key) or '0')
		if count >= limit then
			return {0, count}
		end
		count = redis.call('INCR', key)
		redis.call('PEXPIREAT', key, expireAt)
		return {1, count}
	`)

	// MergeJob: shallow merge into the stored payload, preserving the
	// remaining TTL. Keys listed in the unset array are removed, which is
	// how processing locks are released.
	s.scripts["mergeJob"] = redis.NewScript(`
		local key = KEYS[1]
		local raw = redis.call('GET', key)
		if not raw then
			return false
		end
		local job = cjson.decode(raw)
		local patch = cjson.decode(ARGV[1])
		for k, v in pairs(patch) do
			job[k] = v
		end
		local unset = cjson.decode(ARGV[2])
		for _, k in ipairs(unset) do
			job[k] = nil
		end
		local updated = cjson.encode(job)
		redis.call('SET', key, updated, 'KEEPTTL')
		return updated
	`)
}

func (s *Storage) accountKey(userID string) string {
	return s.config.KeyPrefix + "account:" + userID
}

func (s *Storage) reservationKey(id string) string {
	return s.config.KeyPrefix + "resv:" + id
}

func (s *Storage) requestKey(userID, feature, requestID string) string {
	return fmt.Sprintf("%sreq:%s:%s:%s", s.config.KeyPrefix, userID, feature, requestID)
}

func (s *Storage) quotaKey(userID, feature string, windowStart time.Time) string {
	return fmt.Sprintf("%squota:%s:%s:%d", s.config.KeyPrefix, userID, feature, windowStart.Unix())
}

func (s *Storage) jobKey(key string) string {
	return s.config.KeyPrefix + "job:" + key
}

// GetAccount implements energy.Storage
func (s *Storage) GetAccount(ctx context.Context, userID string) (*energy.Account, error) {
	fields, err := s.client.HGetAll(ctx, s.accountKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if len(fields) == 0 {
		return nil, energy.ErrAccountNotFound
	}

	acct := &energy.Account{UserID: userID}
	if _, err := fmt.Sscanf(fields["balance"], "%d", &acct.Balance); err != nil {
		return nil, fmt.Errorf("corrupt balance for %s: %w", userID, err)
	}
	if raw, ok := fields["updatedAt"]; ok && raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			acct.UpdatedAt = t
		}
	}
	return acct, nil
}

// CreditAccount implements energy.Storage
func (s *Storage) CreditAccount(ctx context.Context, userID string, amount int64) (int64, error) {
	key := s.accountKey(userID)

	pipe := s.client.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, "balance", amount)
	pipe.HSet(ctx, key, "updatedAt", s.config.Now().UTC().Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to credit account: %w", err)
	}
	return incr.Val(), nil
}

// CreateReservation implements energy.Storage
func (s *Storage) CreateReservation(ctx context.Context, req *energy.ReserveRequest, id string) (*energy.ReserveResult, error) {
	now := s.config.Now().UTC()
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
	data, err := json.Marshal(resv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reservation: %w", err)
	}

	hasReqKey := "0"
	reqKey := s.reservationKey(id) // placeholder, never written
	if req.RequestID != "" {
		hasReqKey = "1"
		reqKey = s.requestKey(req.UserID, req.Feature, req.RequestID)
	}

	res, err := s.scripts["reserve"].Run(ctx, s.client,
		[]string{reqKey, s.accountKey(req.UserID), s.reservationKey(id)},
		req.Amount, string(data), id, hasReqKey,
		int64(s.config.RequestIndexTTL.Seconds()), now.Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("reserve script failed: %w", err)
	}

	status, values, err := scriptReply(res)
	if err != nil {
		return nil, err
	}
	switch status {
	case "reused":
		existing, err := s.GetReservation(ctx, values[0])
		if err != nil {
			return nil, fmt.Errorf("request index points at missing reservation %s: %w", values[0], err)
		}
		acct, err := s.GetAccount(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		return &energy.ReserveResult{Reservation: existing, BalanceAfter: acct.Balance, Reused: true}, nil
	case "noaccount":
		return nil, energy.ErrAccountNotFound
	case "insufficient":
		available := parseInt(values[1])
		return nil, &energy.InsufficientCreditsError{Required: req.Amount, Available: available}
	case "ok":
		return &energy.ReserveResult{Reservation: resv, BalanceAfter: parseInt(values[1])}, nil
	default:
		return nil, fmt.Errorf("unexpected reserve status %q", status)
	}
}

// GetReservation implements energy.Storage
func (s *Storage) GetReservation(ctx context.Context, id string) (*energy.Reservation, error) {
	data, err := s.client.Get(ctx, s.reservationKey(id)).Bytes()
	if err == redis.Nil {
		return nil, energy.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}

	var resv energy.Reservation
	if err := json.Unmarshal(data, &resv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reservation: %w", err)
	}
	return &resv, nil
}

// ResolveReservation implements energy.Storage
func (s *Storage) ResolveReservation(ctx context.Context, req *energy.ResolveRequest) (*energy.Resolution, error) {
	current, err := s.GetReservation(ctx, req.ReservationID)
	if err != nil {
		return nil, err
	}

	// Returned is computed from the immutable hold, so reading it outside
	// the script is safe; the script itself re-checks the status.
	returned := current.HeldAmount - req.FinalCost
	if req.To == energy.StatusRefunded {
		returned = current.HeldAmount
	}

	now := s.config.Now().UTC()
	patch := map[string]any{
		"status":     string(req.To),
		"resolvedAt": now.Format(time.RFC3339Nano),
	}
	if req.To == energy.StatusSettled {
		patch["finalCost"] = req.FinalCost
	}
	if req.Reason != "" {
		patch["reason"] = req.Reason
	}
	if req.Provider != "" {
		patch["provider"] = req.Provider
	}
	if req.Model != "" {
		patch["model"] = req.Model
	}
	if req.Usage != nil {
		patch["usage"] = req.Usage
	}
	if len(req.Metadata) > 0 {
		patch["metadata"] = req.Metadata
	}
	patchData, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resolve patch: %w", err)
	}

	res, err := s.scripts["resolve"].Run(ctx, s.client,
		[]string{s.reservationKey(req.ReservationID), s.accountKey(current.UserID)},
		string(patchData), returned, now.Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("resolve script failed: %w", err)
	}

	status, values, err := scriptReply(res)
	if err != nil {
		return nil, err
	}
	switch status {
	case "notfound":
		return nil, energy.ErrReservationNotFound
	case "resolved":
		winner, err := unmarshalReservation(values[0])
		if err != nil {
			return nil, err
		}
		return &energy.Resolution{Reservation: winner}, energy.ErrAlreadyResolved
	case "ok":
		updated, err := unmarshalReservation(values[0])
		if err != nil {
			return nil, err
		}
		return &energy.Resolution{
			Reservation:  updated,
			Returned:     returned,
			BalanceAfter: parseInt(values[1]),
		}, nil
	default:
		return nil, fmt.Errorf("unexpected resolve status %q", status)
	}
}

// ConsumeQuota implements energy.Storage
func (s *Storage) ConsumeQuota(ctx context.Context, req *energy.QuotaRequest) (*energy.QuotaResult, error) {
	windowStart := req.Now.UTC().Truncate(req.Window)
	resetAt := windowStart.Add(req.Window)
	expireAt := resetAt.Add(s.config.QuotaGrace)

	res, err := s.scripts["quota"].Run(ctx, s.client,
		[]string{s.quotaKey(req.UserID, req.Feature, windowStart)},
		req.Limit, expireAt.UnixMilli(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("quota script failed: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) < 2 {
		return nil, fmt.Errorf("unexpected quota reply %T", res)
	}
	allowed, _ := reply[0].(int64)
	count, _ := reply[1].(int64)

	result := &energy.QuotaResult{
		Allowed: allowed == 1,
		Limit:   req.Limit,
		ResetAt: resetAt,
	}
	if result.Allowed {
		result.Remaining = req.Limit - count
	}
	return result, nil
}

// PeekQuota implements energy.Storage
func (s *Storage) PeekQuota(ctx context.Context, req *energy.QuotaRequest) (*energy.QuotaResult, error) {
	windowStart := req.Now.UTC().Truncate(req.Window)
	resetAt := windowStart.Add(req.Window)

	raw, err := s.client.Get(ctx, s.quotaKey(req.UserID, req.Feature, windowStart)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to peek quota: %w", err)
	}
	count := parseInt(raw)

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
	if payload == nil {
		// Store an empty object, not "null", so merges have a table
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := s.client.Set(ctx, s.jobKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to put job: %w", err)
	}
	return nil
}

// GetJob implements energy.Storage
// Expiry is native here: Redis drops the key when the TTL elapses.
func (s *Storage) GetJob(ctx context.Context, key string) (map[string]any, error) {
	data, err := s.client.Get(ctx, s.jobKey(key)).Bytes()
	if err == redis.Nil {
		return nil, energy.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return payload, nil
}

// MergeJob implements energy.Storage
func (s *Storage) MergeJob(ctx context.Context, key string, update map[string]any) (map[string]any, error) {
	patch := make(map[string]any, len(update))
	unset := make([]string, 0)
	for k, v := range update {
		if v == nil {
			unset = append(unset, k)
			continue
		}
		patch[k] = v
	}
	patchData, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job patch: %w", err)
	}
	unsetData, err := json.Marshal(unset)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job unset list: %w", err)
	}

	res, err := s.scripts["mergeJob"].Run(ctx, s.client,
		[]string{s.jobKey(key)}, string(patchData), string(unsetData),
	).Result()
	if err == redis.Nil {
		return nil, energy.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("merge job script failed: %w", err)
	}

	raw, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected merge reply %T", res)
	}
	var merged map[string]any
	if err := json.Unmarshal([]byte(raw), &merged); err != nil {
		return nil, fmt.Errorf("failed to unmarshal merged job: %w", err)
	}
	return merged, nil
}

// scriptReply unpacks the {status, data, number} array convention the
// reserve and resolve scripts use.
func scriptReply(res interface{}) (string, []string, error) {
	reply, ok := res.([]interface{})
	if !ok || len(reply) == 0 {
		return "", nil, fmt.Errorf("unexpected script reply %T", res)
	}
	status, _ := reply[0].(string)
	values := make([]string, 0, len(reply)-1)
	for _, v := range reply[1:] {
		str, _ := v.(string)
		values = append(values, str)
	}
	return status, values, nil
}

func parseInt(s string) int64 {
	var n int64
	fmt.Sscanf(s, "%d", &n)
	return n
}

func unmarshalReservation(raw string) (*energy.Reservation, error) {
	var resv energy.Reservation
	if err := json.Unmarshal([]byte(raw), &resv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reservation: %w", err)
	}
	return &resv, nil
}
