package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrNoSecret is returned when no signing secret is available at all.
var ErrNoSecret = errors.New("webhooks: no signing secret configured")

// SecretFunc fetches the current signing secret from its backing store.
type SecretFunc func(ctx context.Context) (string, error)

// SecretCache holds the signing secret for ttl before asking the source
// again. When a refresh fails the previous value keeps being served.
type SecretCache struct {
	source   SecretFunc
	fallback string
	ttl      time.Duration
	now      func() time.Time

	mu        sync.Mutex
	value     string
	fetchedAt time.Time
}

// NewSecretCache builds a cache over source. fallback is used when the source
// has no secret stored, typically the WEBHOOK_SIGNING_SECRET env value.
func NewSecretCache(source SecretFunc, ttl time.Duration, fallback string) *SecretCache {
	return &SecretCache{source: source, fallback: strings.TrimSpace(fallback), ttl: ttl, now: time.Now}
}

// StaticSecret returns a cache that always serves secret.
func StaticSecret(secret string) *SecretCache {
	return NewSecretCache(nil, 0, secret)
}

// Get returns the cached secret, refreshing it when stale.
func (c *SecretCache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.source == nil {
		if c.fallback == "" {
			return "", ErrNoSecret
		}
		return c.fallback, nil
	}
	if c.value != "" && c.now().Sub(c.fetchedAt) < c.ttl {
		return c.value, nil
	}

	fresh, err := c.source(ctx)
	if err != nil {
		if c.value != "" {
			return c.value, nil
		}
		if c.fallback != "" {
			return c.fallback, nil
		}
		return "", err
	}
	fresh = strings.TrimSpace(fresh)
	if fresh == "" {
		fresh = c.fallback
	}
	if fresh == "" {
		return "", ErrNoSecret
	}
	c.value = fresh
	c.fetchedAt = c.now()
	return c.value, nil
}

// Invalidate forces the next Get to consult the source.
func (c *SecretCache) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

const signaturePrefix = "sha256="

// Sign computes the X-Webhook-Signature value for a request body sent at
// timestamp (unix seconds).
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign. Timestamps further than
// tolerance from now are rejected; a zero tolerance disables the check.
func Verify(secret string, timestamp int64, body []byte, signature string, now time.Time, tolerance time.Duration) bool {
	if secret == "" || !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	if tolerance > 0 {
		skew := now.Sub(time.Unix(timestamp, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > tolerance {
			return false
		}
	}
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}
