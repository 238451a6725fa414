// Package shield holds the HTTP middleware in front of the termwatch admin
// API: security headers, body limits, request IDs, rate limiting and the
// admin bearer token.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.AdminStack(cfg) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// Config tunes the admin stack.
type Config struct {
	// Token, when set, is required as "Authorization: Bearer <token>" on
	// every route except the excluded prefixes.
	Token string
	// MaxBody caps request bodies. Default 64 KiB.
	MaxBody int64
	// RateLimit is the per-IP request budget for each window. Zero disables.
	RateLimit  int
	RateWindow time.Duration
	// Public path prefixes skip auth and rate limiting.
	Public []string
}

// AdminStack returns the middleware chain for the admin router, outermost first:
// HeadToGet, SecurityHeaders, MaxBody, RequestID, RateLimiter, BearerToken.
func AdminStack(cfg Config) []func(http.Handler) http.Handler {
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 64 * 1024
	}
	stack := []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(APIHeaders()),
		MaxBody(cfg.MaxBody),
		RequestID,
	}
	if cfg.RateLimit > 0 {
		stack = append(stack, NewRateLimiter(cfg.RateLimit, cfg.RateWindow, cfg.Public...).Middleware)
	}
	if cfg.Token != "" {
		stack = append(stack, BearerToken(cfg.Token, cfg.Public...))
	}
	return stack
}

// HeadToGet lets GET routes answer HEAD; net/http drops the body.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}

// MaxBody limits every request body to maxBytes.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken rejects requests without the admin token with 401 JSON.
func BearerToken(token string, public ...string) func(http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hasPrefix(r.URL.Path, public) {
				next.ServeHTTP(w, r)
				return
			}
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				GetLogger(r.Context()).Warn("shield: unauthorized")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

func hasPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
