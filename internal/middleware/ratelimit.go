package middleware

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"docapi/internal/domain"
	"docapi/internal/quota"
)

// RateLimit applies a per-minute window to every request. Authenticated
// requests are keyed by owner, anonymous ones by client IP. Window keys are
// prefixed with scope so separate route groups do not share a budget.
func RateLimit(limiter *quota.Limiter, scope string, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := scope + ":ip:" + clientIPForRateLimit(r)
			if owner := OwnerIDFromContext(r.Context()); owner != "" {
				key = scope + ":owner:" + owner
			}
			err := limiter.CheckRate(r.Context(), key, limit)
			var rl *domain.RateLimitError
			if errors.As(err, &rl) {
				secs := int(rl.RetryAfter.Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeError(w, http.StatusTooManyRequests, "rate_limited",
					Translate(LocaleFromContext(r.Context()), MsgRateLimited, secs),
					map[string]any{"current": rl.Current, "limit": rl.Limit, "retry_after": secs})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIPForRateLimit(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		for _, part := range strings.Split(xf, ",") {
			ip := strings.TrimSpace(part)
			if ip == "" {
				continue
			}
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		if net.ParseIP(host) != nil {
			return host
		}
	} else if net.ParseIP(r.RemoteAddr) != nil {
		return r.RemoteAddr
	}

	return r.RemoteAddr
}
