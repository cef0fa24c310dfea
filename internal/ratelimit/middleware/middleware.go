// Package middleware enforces rate limits on incoming HTTP requests.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"medgate/internal/ratelimit/metrics"
	"medgate/internal/ratelimit/models"
	"medgate/internal/ratelimit/service"
	"medgate/pkg/platform/httputil"
	"medgate/pkg/requestcontext"
)

// RateLimit checks each request against the limiter before passing it on.
//
// Identity is the authenticated user ID when present, otherwise the client
// IP. Limit headers are set on every response; blocked requests get 429
// with Retry-After. An internal limiter fault fails open: bookkeeping must
// never be the reason a request fails.
func RateLimit(svc *service.Service, logger *slog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			identity := identityFor(r)

			result, err := svc.Check(ctx, identity, r.URL.Path)
			if err != nil {
				if m != nil {
					m.InternalFaults.Inc()
				}
				logger.ErrorContext(ctx, "rate limit check failed, allowing request",
					"error", err, "path", r.URL.Path)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
				httputil.WriteJSON(w, http.StatusTooManyRequests, models.RateLimitExceededResponse{
					Error:      "rate_limit_exceeded",
					Message:    "Too many requests. Please try again later.",
					RetryAfter: result.RetryAfter,
				})
				return
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if err := svc.RecordOutcome(ctx, identity, r.URL.Path, rec.status); err != nil {
				if m != nil {
					m.InternalFaults.Inc()
				}
				logger.ErrorContext(ctx, "rate limit outcome bookkeeping failed",
					"error", err, "path", r.URL.Path)
			}
		})
	}
}

func identityFor(r *http.Request) string {
	ctx := r.Context()
	if userID := requestcontext.UserID(ctx); userID != "" {
		return userID
	}
	if ip := requestcontext.ClientIP(ctx); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// statusRecorder captures the response status for SkipSuccessful
// bookkeeping.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
