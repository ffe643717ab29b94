package energy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Correlator maps an external provider's job identifier to the
// reservation and context needed to finish settlement when the provider
// calls back. Entries lapse by TTL; an expired entry is treated as absent
// even if the physical record still exists.
type Correlator struct {
	storage Storage
	ttl     time.Duration
	logger  Logger
}

// NewCorrelator creates a correlator over the given storage.
// A ttl of zero uses DefaultJobTTL.
func NewCorrelator(storage Storage, ttl time.Duration) (*Correlator, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if ttl == 0 {
		ttl = DefaultJobTTL
	}
	return &Correlator{storage: storage, ttl: ttl, logger: &NoopLogger{}}, nil
}

// JobKey builds the cache key for an external job:
// "{provider}:{kind}:{externalJobID}".
func JobKey(provider, kind, externalJobID string) string {
	return fmt.Sprintf("%s:%s:%s", provider, kind, externalJobID)
}

// Put creates or overwrites an entry with a fresh TTL.
func (c *Correlator) Put(ctx context.Context, key string, payload map[string]any) error {
	return c.storage.PutJob(ctx, key, payload, c.ttl)
}

// Get retrieves an entry. Returns ErrJobNotFound both when the entry
// never existed and when its TTL has elapsed.
func (c *Correlator) Get(ctx context.Context, key string) (map[string]any, error) {
	return c.storage.GetJob(ctx, key)
}

// Merge shallow-merges update into the stored payload. Result fields are
// appended, never destructively overwritten as a whole; the original TTL
// is preserved. Returns ErrJobNotFound for absent or expired entries.
func (c *Correlator) Merge(ctx context.Context, key string, update map[string]any) (map[string]any, error) {
	return c.storage.MergeJob(ctx, key, update)
}

// Processing-lock payload fields. The lock is cooperative: concurrent
// webhook deliveries for the same job elect one worker while the others
// acknowledge and back off. A stale lock (holder died mid-fetch) is
// reclaimed after LockTTL.
const (
	lockFieldID     = "processingId"
	lockFieldAt     = "processingAt"
	lockFieldHolder = "processingBy"

	// LockTTL bounds how long a processing lock is honored.
	LockTTL = 10 * time.Minute
)

// AcquireLock attempts to take the processing lock on a job entry.
// Returns the locked payload on success, ErrJobNotFound when the entry is
// absent, or ErrAlreadyResolved when another holder owns a fresh lock.
func (c *Correlator) AcquireLock(ctx context.Context, key, holder string) (map[string]any, error) {
	current, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if freshLock(current, time.Now()) {
		return nil, ErrAlreadyResolved
	}

	lockID := uuid.NewString()
	if _, err := c.Merge(ctx, key, map[string]any{
		lockFieldID:     lockID,
		lockFieldAt:     time.Now().UTC().Format(time.RFC3339),
		lockFieldHolder: holder,
	}); err != nil {
		return nil, err
	}

	// Read back to confirm we won; a concurrent acquirer may have merged
	// over our lock id.
	confirmed, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if id, _ := confirmed[lockFieldID].(string); id != lockID {
		return nil, ErrAlreadyResolved
	}
	return confirmed, nil
}

// ReleaseLock clears the processing lock fields.
func (c *Correlator) ReleaseLock(ctx context.Context, key string) error {
	_, err := c.Merge(ctx, key, map[string]any{
		lockFieldID:     nil,
		lockFieldAt:     nil,
		lockFieldHolder: nil,
	})
	if errors.Is(err, ErrJobNotFound) {
		return nil
	}
	return err
}

func freshLock(payload map[string]any, now time.Time) bool {
	id, _ := payload[lockFieldID].(string)
	at, _ := payload[lockFieldAt].(string)
	if id == "" || at == "" {
		return false
	}
	lockedAt, err := time.Parse(time.RFC3339, at)
	if err != nil {
		return false
	}
	return now.Sub(lockedAt) < LockTTL
}
