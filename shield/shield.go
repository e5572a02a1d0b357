// Package shield provides the HTTP middleware stack of the typenote server:
// security headers, body limits, per-request logging and rate limiting.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(middleware.RequestID, middleware.Recoverer)
//	for _, mw := range shield.Stack(logger, rl, 256<<10) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// Logger returns the request logger stored by RequestLogger, or
// slog.Default when none is set.
func Logger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// Stack returns the standard middleware stack in order:
// HeadToGet → SecurityHeaders → MaxBody → RequestLogger → RateLimiter.
// A nil rl skips rate limiting.
func Stack(logger *slog.Logger, rl *RateLimiter, maxBody int64) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(maxBody),
		RequestLogger(logger),
	}
	if rl != nil {
		stack = append(stack, rl.Middleware)
	}
	return stack
}

// HeadToGet serves HEAD requests through the GET routes. net/http drops
// the body for HEAD responses.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
