package webhooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	values []string
	errs   []error
	calls  int
}

func (s *countingSource) fetch(context.Context) (string, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i < len(s.values) {
		return s.values[i], nil
	}
	return s.values[len(s.values)-1], nil
}

func TestSecretCacheRefreshesAfterTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	src := &countingSource{values: []string{"one", "two"}}
	c := NewSecretCache(src.fetch, time.Minute, "")
	c.now = func() time.Time { return now }

	v, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", v)

	now = now.Add(30 * time.Second)
	v, _ = c.Get(ctx)
	assert.Equal(t, "one", v)
	assert.Equal(t, 1, src.calls)

	now = now.Add(time.Minute)
	v, _ = c.Get(ctx)
	assert.Equal(t, "two", v)
	assert.Equal(t, 2, src.calls)

	c.Invalidate()
	_, _ = c.Get(ctx)
	assert.Equal(t, 3, src.calls)
}

func TestSecretCacheServesStaleValueOnFailure(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	src := &countingSource{values: []string{"one", ""}, errs: []error{nil, errors.New("db down")}}
	c := NewSecretCache(src.fetch, time.Minute, "")
	c.now = func() time.Time { return now }

	_, err := c.Get(ctx)
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	v, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", v)
}

func TestSecretCacheFallback(t *testing.T) {
	ctx := context.Background()

	c := NewSecretCache(func(context.Context) (string, error) { return "", nil }, time.Minute, "env-secret")
	v, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "env-secret", v)

	c = NewSecretCache(func(context.Context) (string, error) { return "", errors.New("down") }, time.Minute, "")
	_, err = c.Get(ctx)
	assert.Error(t, err)

	_, err = StaticSecret("").Get(ctx)
	assert.ErrorIs(t, err, ErrNoSecret)
	v, err = StaticSecret("s").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s", v)
}

func TestSignVerify(t *testing.T) {
	now := time.Unix(1714521600, 0)
	body := []byte(`{"event":"job.completed"}`)
	sig := Sign("secret", now.Unix(), body)

	assert.True(t, Verify("secret", now.Unix(), body, sig, now, 5*time.Minute))
	assert.False(t, Verify("other", now.Unix(), body, sig, now, 5*time.Minute))
	assert.False(t, Verify("secret", now.Unix(), []byte(`{}`), sig, now, 5*time.Minute))
	assert.False(t, Verify("secret", now.Unix(), body, sig, now.Add(10*time.Minute), 5*time.Minute))
	assert.True(t, Verify("secret", now.Unix(), body, sig, now.Add(10*time.Minute), 0))
	assert.False(t, Verify("secret", now.Unix(), body, "deadbeef", now, 0))
}
