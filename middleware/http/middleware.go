// Package http provides HTTP middleware for hourly rate-limit enforcement
package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/goenergy/pkg/energy"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// FeatureExtractor extracts the feature name from an HTTP request
// For example: "image", "video", "chat"
type FeatureExtractor func(r *http.Request) string

// LimitResolver returns the hourly request limit for a feature
// A limit of zero or less disables the check
type LimitResolver func(feature string) int64

// Config holds middleware configuration
type Config struct {
	// Ledger is the energy ledger instance (required)
	Ledger *energy.Ledger

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetFeature extracts feature name from request (required)
	GetFeature FeatureExtractor

	// GetLimit resolves the hourly limit per feature (required)
	GetLimit LimitResolver

	// OnQuotaExceeded is called when the hourly limit is exhausted
	// If nil, returns 429 Too Many Requests with rate limit headers
	OnQuotaExceeded func(w http.ResponseWriter, r *http.Request, result *energy.QuotaResult)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that consumes one unit of the
// user's hourly feature quota per request. Rate limiting is independent
// of the credit balance: it only bounds request frequency.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Ledger == nil {
		panic("goenergy/middleware/http: Config.Ledger is required")
	}
	if config.GetUserID == nil {
		panic("goenergy/middleware/http: Config.GetUserID is required")
	}
	if config.GetFeature == nil {
		panic("goenergy/middleware/http: Config.GetFeature is required")
	}
	if config.GetLimit == nil {
		panic("goenergy/middleware/http: Config.GetLimit is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			feature := config.GetFeature(r)
			limit := config.GetLimit(feature)

			result, err := config.Ledger.ConsumeQuota(r.Context(), userID, feature, limit)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			setRateLimitHeaders(w, result)
			if !result.Allowed {
				if config.OnQuotaExceeded != nil {
					config.OnQuotaExceeded(w, r, result)
				} else {
					retryAfter := time.Until(result.ResetAt)
					if retryAfter < 0 {
						retryAfter = 0
					}
					w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
					msg := fmt.Sprintf("Rate limit exceeded for %s: %d requests per hour", feature, result.Limit)
					http.Error(w, msg, http.StatusTooManyRequests)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces rate limits (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func setRateLimitHeaders(w http.ResponseWriter, result *energy.QuotaResult) {
	if result.Limit <= 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

// Common extractors for convenience

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

// FixedFeature returns a FeatureExtractor that always returns a fixed feature name
func FixedFeature(feature string) FeatureExtractor {
	return func(*http.Request) string {
		return feature
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "energy:userID"
)

// FromContext returns a UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
