// Package echo provides Echo middleware for hourly rate-limit enforcement
package echo

import (
	"net/http"
	"strconv"
	"time"

	goecho "github.com/labstack/echo/v4"

	"github.com/mihaimyh/goenergy/pkg/energy"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c goecho.Context) string

// FeatureExtractor extracts the feature name from an Echo context
type FeatureExtractor func(c goecho.Context) string

// LimitResolver returns the hourly request limit for a feature
// A limit of zero or less disables the check
type LimitResolver func(feature string) int64

// Config holds middleware configuration
type Config struct {
	// Ledger is the energy ledger instance (required)
	Ledger *energy.Ledger

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetFeature extracts feature name from context (required)
	GetFeature FeatureExtractor

	// GetLimit resolves the hourly limit per feature (required)
	GetLimit LimitResolver

	// OnQuotaExceeded is called when the hourly limit is exhausted
	// If nil, returns 429 JSON with rate limit headers
	OnQuotaExceeded func(c goecho.Context, result *energy.QuotaResult) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 JSON
	OnUnauthorized func(c goecho.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 JSON
	OnError func(c goecho.Context, err error) error
}

// Middleware creates an Echo middleware that consumes one unit of the
// user's hourly feature quota per request
func Middleware(cfg Config) goecho.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Ledger == nil {
		panic("goenergy/middleware/echo: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("goenergy/middleware/echo: Config.GetUserID is required")
	}
	if cfg.GetFeature == nil {
		panic("goenergy/middleware/echo: Config.GetFeature is required")
	}
	if cfg.GetLimit == nil {
		panic("goenergy/middleware/echo: Config.GetLimit is required")
	}

	return func(next goecho.HandlerFunc) goecho.HandlerFunc {
		return func(c goecho.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}

			feature := cfg.GetFeature(c)
			limit := cfg.GetLimit(feature)

			result, err := cfg.Ledger.ConsumeQuota(c.Request().Context(), userID, feature, limit)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
			}

			setRateLimitHeaders(c, result)
			if !result.Allowed {
				if cfg.OnQuotaExceeded != nil {
					return cfg.OnQuotaExceeded(c, result)
				}
				retryAfter := time.Until(result.ResetAt)
				if retryAfter < 0 {
					retryAfter = 0
				}
				c.Response().Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
				return c.JSON(http.StatusTooManyRequests, map[string]any{
					"error":    "rate limit exceeded",
					"feature":  feature,
					"limit":    result.Limit,
					"reset_at": result.ResetAt,
				})
			}

			return next(c)
		}
	}
}

func setRateLimitHeaders(c goecho.Context, result *energy.QuotaResult) {
	if result.Limit <= 0 {
		return
	}
	h := c.Response().Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

// Common extractors for convenience

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c goecho.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromEchoContext returns a UserIDExtractor that gets user ID from the
// Echo context values set by an auth middleware
func FromEchoContext(key string) UserIDExtractor {
	return func(c goecho.Context) string {
		if userID, ok := c.Get(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FixedFeature returns a FeatureExtractor that always returns a fixed feature name
func FixedFeature(feature string) FeatureExtractor {
	return func(goecho.Context) string {
		return feature
	}
}

// FromParam returns a FeatureExtractor that reads the feature from a route parameter
func FromParam(name string) FeatureExtractor {
	return func(c goecho.Context) string {
		return c.Param(name)
	}
}

// FixedLimit returns a LimitResolver that applies the same limit to all features
func FixedLimit(limit int64) LimitResolver {
	return func(string) int64 {
		return limit
	}
}

// LimitMap returns a LimitResolver backed by a feature -> limit map.
// Features absent from the map are unlimited.
func LimitMap(limits map[string]int64) LimitResolver {
	return func(feature string) int64 {
		return limits[feature]
	}
}
