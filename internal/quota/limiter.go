// Package quota enforces per-account request rates and usage quotas.
package quota

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"docapi/internal/domain"
	"docapi/internal/infra"
	"docapi/internal/store"
)

// WindowsCollection holds the per-minute request counters.
const WindowsCollection = "rate_windows"

const window = time.Minute

// Limiter counts requests in fixed one-minute windows. Store failures let
// the request through.
type Limiter struct {
	store   store.Store
	logger  zerolog.Logger
	metrics *infra.Metrics
	now     func() time.Time
}

// NewLimiter builds a limiter on top of s.
func NewLimiter(s store.Store, logger zerolog.Logger, metrics *infra.Metrics) *Limiter {
	return &Limiter{store: s, logger: logger, metrics: metrics, now: time.Now}
}

// WithClock overrides time.Now.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// WindowKey names the counter for key in the minute containing t.
func WindowKey(key string, t time.Time) string {
	return key + ":" + t.UTC().Format("200601021504")
}

// CheckRate admits the request unless key already used limit requests in the
// current minute. A limit of zero or less is never enforced.
func (l *Limiter) CheckRate(ctx context.Context, key string, limit int) error {
	if limit <= 0 {
		return nil
	}
	now := l.now()
	count, err := l.store.Increment(ctx, WindowsCollection, WindowKey(key, now), 1, window+5*time.Second)
	if err != nil {
		l.metrics.Admission("rate", "fail_open")
		l.logger.Warn().Err(err).Str("key", key).Msg("quota: rate window unavailable, allowing request")
		return nil
	}
	if before := count - 1; before >= int64(limit) {
		l.metrics.Admission("rate", "rejected")
		return &domain.RateLimitError{Limit: limit, Current: before, RetryAfter: retryAfter(now)}
	}
	l.metrics.Admission("rate", "allowed")
	return nil
}

// retryAfter is the time left in the current window, rounded up to a whole
// second.
func retryAfter(now time.Time) time.Duration {
	left := now.Truncate(window).Add(window).Sub(now)
	secs := (left + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	return secs * time.Second
}
