// ABOUTME: HTTP middleware applying a Limiter per client address
// ABOUTME: Denied requests get 429 with Retry-After; backend errors fail closed

package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/converto/converto-gateway/internal/auth"
	"github.com/converto/converto-gateway/internal/metrics"
)

// KeyFunc derives the rate limit key for a request.
type KeyFunc func(r *http.Request) string

// ClientIP keys requests by the remote address host.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

// Middleware limits requests for one route. The key is prefixed with route
// so each route has its own budget.
func Middleware(l Limiter, route string, keyFunc KeyFunc, m *metrics.Metrics) func(http.Handler) http.Handler {
	if keyFunc == nil {
		keyFunc = ClientIP
	}
	logger := slog.Default().With("component", "ratelimit", "route", route)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := l.Allow(r.Context(), route+":"+keyFunc(r))
			if err != nil {
				logger.Error("rate limiter unavailable", "error", err)
				w.Header().Set("Retry-After", "1")
				auth.WriteError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			if !d.Allowed {
				m.ObserveRateLimited(route)
				w.Header().Set("Retry-After", retryAfterHeader(d.RetryAfter))
				auth.WriteError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterHeader(d time.Duration) string {
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
