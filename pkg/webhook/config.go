package webhook

import (
	"time"

	"github.com/mihaimyh/goenergy/pkg/energy"
)

// Config holds webhook ingress configuration.
type Config struct {
	// Secret is the shared webhook signing secret. Secrets with a
	// "whsec_" prefix carry base64url key bytes; others are used raw.
	Secret string

	// Provider names the callback source; it prefixes job keys
	// (default: "replicate").
	Provider string

	// Kind is the job-key resource kind (default: "media").
	Kind string

	// Ledger settles and refunds the correlated reservations (required).
	Ledger *energy.Ledger

	// Jobs looks up and updates the correlation entries (required).
	Jobs *energy.Correlator

	// Sink fetches and durably stores result artifacts for succeeded
	// jobs. Optional; when nil the output URLs are recorded as-is.
	Sink AssetSink

	// Tolerance bounds how far a delivery timestamp may drift from the
	// local clock (default: 5 minutes).
	Tolerance time.Duration

	// MaxBodyBytes limits the request body (default: 256 KiB).
	MaxBodyBytes int64

	// Logger is used for structured logging (default: NoopLogger).
	Logger energy.Logger

	// Metrics tracks webhook processing (default: NoopMetrics).
	Metrics Metrics

	// Now overrides the clock for tests.
	Now func() time.Time
}

// DefaultTolerance is the timestamp drift allowed when Config.Tolerance
// is zero.
const DefaultTolerance = 5 * time.Minute

// DefaultMaxBodyBytes is the body limit used when Config.MaxBodyBytes is
// zero.
const DefaultMaxBodyBytes = 256 * 1024

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Provider == "" {
		cfg.Provider = "replicate"
	}
	if cfg.Kind == "" {
		cfg.Kind = "media"
	}
	if cfg.Tolerance == 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = &energy.NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}
