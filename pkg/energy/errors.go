package energy

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientCredits is returned when the account balance cannot
	// cover a requested hold. Use errors.As with *InsufficientCreditsError
	// to read the required/available figures.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrQuotaExceeded is returned when the hourly feature quota is
	// exhausted, independent of the credit balance.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrInvalidAmount is returned for non-positive hold amounts or
	// negative final costs.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrAccountNotFound is returned when no account exists for a user.
	ErrAccountNotFound = errors.New("account not found")

	// ErrReservationNotFound is returned when a reservation id is unknown.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrAlreadyResolved is returned by storage when a settle or refund
	// loses the terminal-transition race. The ledger converts it into a
	// no-op result carrying the winner's outcome; callers normally never
	// see it.
	ErrAlreadyResolved = errors.New("reservation already resolved")

	// ErrJobNotFound is returned when a job correlation entry is missing
	// or has passed its TTL. Both cases are indistinguishable on purpose.
	ErrJobNotFound = errors.New("job not found")

	// ErrStorageUnavailable is returned when no storage backend is wired.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// InsufficientCreditsError reports a failed hold with the amounts involved.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

// Unwrap makes errors.Is(err, ErrInsufficientCredits) work.
func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// UpstreamError wraps a failure from the external generation provider.
// The dispatcher refunds the hold before returning it.
type UpstreamError struct {
	Provider string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// PersistenceError wraps a failure to durably record a result after a
// successful provider call. The dispatcher refunds the hold before
// returning it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
