// Package memory provides an in-memory implementation of the
// energy.Storage interface. Primarily intended for testing and
// single-instance development setups.
package memory

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/mihaimyh/goenergy/pkg/energy"
)

// Storage implements energy.Storage using in-memory maps guarded by a
// single mutex, which makes every operation trivially atomic.
type Storage struct {
	mu           sync.RWMutex
	accounts     map[string]*energy.Account
	reservations map[string]*energy.Reservation
	byRequestID  map[string]string // (userID|feature|requestID) -> reservation id
	quota        map[string]int64  // (userID|feature|windowStart) -> count
	jobs         map[string]*jobEntry

	now func() time.Time
}

type jobEntry struct {
	payload   map[string]any
	expiresAt time.Time
}

// Option configures the storage.
type Option func(*Storage)

// WithNowFunc overrides the clock, for TTL and window tests.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Storage) {
		s.now = now
	}
}

// New creates a new in-memory storage adapter.
func New(opts ...Option) *Storage {
	s := &Storage{
		accounts:     make(map[string]*energy.Account),
		reservations: make(map[string]*energy.Reservation),
		byRequestID:  make(map[string]string),
		quota:        make(map[string]int64),
		jobs:         make(map[string]*jobEntry),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetAccount implements energy.Storage.
func (s *Storage) GetAccount(_ context.Context, userID string) (*energy.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return nil, energy.ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

// CreditAccount implements energy.Storage.
func (s *Storage) CreditAccount(_ context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, energy.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		acct = &energy.Account{UserID: userID}
		s.accounts[userID] = acct
	}
	acct.Balance += amount
	acct.UpdatedAt = s.now().UTC()
	return acct.Balance, nil
}

// CreateReservation implements energy.Storage. The balance debit and the
// reservation insert happen under one lock.
func (s *Storage) CreateReservation(_ context.Context, req *energy.ReserveRequest, id string) (*energy.ReserveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.RequestID != "" {
		if existingID, ok := s.byRequestID[requestKey(req.UserID, req.Feature, req.RequestID)]; ok {
			existing := s.reservations[existingID]
			balance := int64(0)
			if acct, ok := s.accounts[req.UserID]; ok {
				balance = acct.Balance
			}
			return &energy.ReserveResult{
				Reservation:  copyReservation(existing),
				BalanceAfter: balance,
				Reused:       true,
			}, nil
		}
	}

	acct, ok := s.accounts[req.UserID]
	if !ok {
		return nil, &energy.InsufficientCreditsError{Required: req.Amount, Available: 0}
	}
	if acct.Balance < req.Amount {
		return nil, &energy.InsufficientCreditsError{Required: req.Amount, Available: acct.Balance}
	}

	acct.Balance -= req.Amount
	acct.UpdatedAt = s.now().UTC()

	resv := &energy.Reservation{
		ID:         id,
		UserID:     req.UserID,
		Feature:    req.Feature,
		RequestID:  req.RequestID,
		HeldAmount: req.Amount,
		Status:     energy.StatusPending,
		Provider:   req.Provider,
		Model:      req.Model,
		Metadata:   maps.Clone(req.Metadata),
		CreatedAt:  s.now().UTC(),
	}
	s.reservations[id] = resv
	if req.RequestID != "" {
		s.byRequestID[requestKey(req.UserID, req.Feature, req.RequestID)] = id
	}

	return &energy.ReserveResult{
		Reservation:  copyReservation(resv),
		BalanceAfter: acct.Balance,
	}, nil
}

// GetReservation implements energy.Storage.
func (s *Storage) GetReservation(_ context.Context, id string) (*energy.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resv, ok := s.reservations[id]
	if !ok {
		return nil, energy.ErrReservationNotFound
	}
	return copyReservation(resv), nil
}

// ResolveReservation implements energy.Storage. Status check, terminal
// write, and balance credit are a single critical section, so exactly one
// concurrent caller wins.
func (s *Storage) ResolveReservation(_ context.Context, req *energy.ResolveRequest) (*energy.Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resv, ok := s.reservations[req.ReservationID]
	if !ok {
		return nil, energy.ErrReservationNotFound
	}
	if resv.Status.Terminal() {
		return &energy.Resolution{Reservation: copyReservation(resv)}, energy.ErrAlreadyResolved
	}

	var returned int64
	switch req.To {
	case energy.StatusSettled:
		resv.FinalCost = req.FinalCost
		returned = resv.HeldAmount - req.FinalCost
		if req.Provider != "" {
			resv.Provider = req.Provider
		}
		if req.Model != "" {
			resv.Model = req.Model
		}
		if req.Usage != nil {
			u := *req.Usage
			resv.Usage = &u
		}
		if len(req.Metadata) > 0 && resv.Metadata == nil {
			resv.Metadata = make(map[string]any)
		}
		for k, v := range req.Metadata {
			resv.Metadata[k] = v
		}
	case energy.StatusRefunded:
		returned = resv.HeldAmount
		resv.Reason = req.Reason
	default:
		return nil, energy.ErrInvalidAmount
	}

	resv.Status = req.To
	resv.ResolvedAt = s.now().UTC()

	acct := s.accounts[resv.UserID]
	if acct == nil {
		acct = &energy.Account{UserID: resv.UserID}
		s.accounts[resv.UserID] = acct
	}
	if returned > 0 {
		acct.Balance += returned
		acct.UpdatedAt = s.now().UTC()
	}

	return &energy.Resolution{
		Reservation:  copyReservation(resv),
		Returned:     returned,
		BalanceAfter: acct.Balance,
	}, nil
}

// ConsumeQuota implements energy.Storage with an increment-and-check
// against the wall-clock-aligned window.
func (s *Storage) ConsumeQuota(_ context.Context, req *energy.QuotaRequest) (*energy.QuotaResult, error) {
	windowStart := req.Now.UTC().Truncate(req.Window)
	resetAt := windowStart.Add(req.Window)
	key := quotaKey(req.UserID, req.Feature, windowStart)

	s.mu.Lock()
	defer s.mu.Unlock()

	count := s.quota[key]
	if count >= req.Limit {
		return &energy.QuotaResult{Allowed: false, Remaining: 0, Limit: req.Limit, ResetAt: resetAt}, nil
	}
	count++
	s.quota[key] = count

	return &energy.QuotaResult{
		Allowed:   true,
		Remaining: req.Limit - count,
		Limit:     req.Limit,
		ResetAt:   resetAt,
	}, nil
}

// PeekQuota implements energy.Storage.
func (s *Storage) PeekQuota(_ context.Context, req *energy.QuotaRequest) (*energy.QuotaResult, error) {
	windowStart := req.Now.UTC().Truncate(req.Window)
	resetAt := windowStart.Add(req.Window)

	s.mu.RLock()
	defer s.mu.RUnlock()

	count := s.quota[quotaKey(req.UserID, req.Feature, windowStart)]
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

// PutJob implements energy.Storage.
func (s *Storage) PutJob(_ context.Context, key string, payload map[string]any, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := maps.Clone(payload)
	if stored == nil {
		// A nil payload still creates a mergeable entry.
		stored = make(map[string]any)
	}
	s.jobs[key] = &jobEntry{
		payload:   stored,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// GetJob implements energy.Storage. Expiry is checked at read time; the
// physical record may outlive its TTL and is still reported absent.
func (s *Storage) GetJob(_ context.Context, key string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.jobs[key]
	if !ok || !s.now().Before(entry.expiresAt) {
		return nil, energy.ErrJobNotFound
	}
	return maps.Clone(entry.payload), nil
}

// MergeJob implements energy.Storage. The TTL is preserved; a merge never
// revives an expired entry. A nil value removes the field.
func (s *Storage) MergeJob(_ context.Context, key string, update map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.jobs[key]
	if !ok || !s.now().Before(entry.expiresAt) {
		return nil, energy.ErrJobNotFound
	}
	for k, v := range update {
		if v == nil {
			delete(entry.payload, k)
			continue
		}
		entry.payload[k] = v
	}
	return maps.Clone(entry.payload), nil
}

// Clear removes all data (useful for testing).
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts = make(map[string]*energy.Account)
	s.reservations = make(map[string]*energy.Reservation)
	s.byRequestID = make(map[string]string)
	s.quota = make(map[string]int64)
	s.jobs = make(map[string]*jobEntry)
}

func requestKey(userID, feature, requestID string) string {
	return userID + "|" + feature + "|" + requestID
}

func quotaKey(userID, feature string, windowStart time.Time) string {
	return userID + "|" + feature + "|" + windowStart.Format(time.RFC3339)
}

func copyReservation(r *energy.Reservation) *energy.Reservation {
	cp := *r
	cp.Metadata = maps.Clone(r.Metadata)
	if r.Usage != nil {
		u := *r.Usage
		cp.Usage = &u
	}
	return &cp
}
