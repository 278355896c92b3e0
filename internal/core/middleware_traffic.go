package core

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"

	"eventpulse/internal/types"
)

// IngestRateLimit limits requests per client IP with a sliding window
// counter. Rejected requests get a 429 rate_limit_exceeded envelope; httprate
// sets the X-RateLimit-* and Retry-After headers.
func (s *Server) IngestRateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	if limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(limit, window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return ClientIP(r), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			s.Logger.Warn("ingest rate limit exceeded",
				slog.String("ip", ClientIP(r)),
				slog.String("path", r.URL.Path),
			)
			Error(w, r, types.NewAppError(types.ErrCodeRateLimit, "too many requests", nil))
		}),
	)
}

// ClientIP returns the first X-Forwarded-For hop, else the host part of
// RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
