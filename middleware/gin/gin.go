// Package gin provides Gin middleware for hourly rate-limit enforcement
package gin

import (
	"net/http"
	"strconv"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/goenergy/pkg/energy"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// FeatureExtractor extracts the feature name from a Gin context
type FeatureExtractor func(c *gongin.Context) string

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
	OnQuotaExceeded func(c *gongin.Context, result *energy.QuotaResult)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 JSON
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 JSON
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that consumes one unit of the
// user's hourly feature quota per request
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Ledger == nil {
		panic("goenergy/middleware/gin: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("goenergy/middleware/gin: Config.GetUserID is required")
	}
	if cfg.GetFeature == nil {
		panic("goenergy/middleware/gin: Config.GetFeature is required")
	}
	if cfg.GetLimit == nil {
		panic("goenergy/middleware/gin: Config.GetLimit is required")
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
				c.Abort()
			} else {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gongin.H{"error": "unauthorized"})
			}
			return
		}

		feature := cfg.GetFeature(c)
		limit := cfg.GetLimit(feature)

		result, err := cfg.Ledger.ConsumeQuota(c.Request.Context(), userID, feature, limit)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
				c.Abort()
			} else {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gongin.H{"error": "internal error"})
			}
			return
		}

		setRateLimitHeaders(c, result)
		if !result.Allowed {
			if cfg.OnQuotaExceeded != nil {
				cfg.OnQuotaExceeded(c, result)
				c.Abort()
			} else {
				retryAfter := time.Until(result.ResetAt)
				if retryAfter < 0 {
					retryAfter = 0
				}
				c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gongin.H{
					"error":    "rate limit exceeded",
					"feature":  feature,
					"limit":    result.Limit,
					"reset_at": result.ResetAt,
				})
			}
			return
		}

		c.Next()
	}
}

func setRateLimitHeaders(c *gongin.Context, result *energy.QuotaResult) {
	if result.Limit <= 0 {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

// Common extractors for convenience

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromGinContext returns a UserIDExtractor that gets user ID from the
// Gin keys set by an auth middleware
func FromGinContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if userID, ok := c.Get(key); ok {
			if s, ok := userID.(string); ok {
				return s
			}
		}
		return ""
	}
}

// FixedFeature returns a FeatureExtractor that always returns a fixed feature name
func FixedFeature(feature string) FeatureExtractor {
	return func(*gongin.Context) string {
		return feature
	}
}

// FromParam returns a FeatureExtractor that reads the feature from a route parameter
func FromParam(name string) FeatureExtractor {
	return func(c *gongin.Context) string {
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
