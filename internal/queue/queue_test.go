package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docapi/internal/domain"
)

func newStream(t *testing.T, cfg StreamConfig) (*RedisStream, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if cfg.Stream == "" {
		cfg.Stream = "docapi:jobs"
	}
	if cfg.Group == "" {
		cfg.Group = "workers"
	}
	if cfg.Poll == 0 {
		cfg.Poll = 50 * time.Millisecond
	}
	q, err := NewRedisStream(context.Background(), client, cfg, zerolog.Nop())
	require.NoError(t, err)
	return q, client
}

func TestQueueBackends(t *testing.T) {
	backends := map[string]func(t *testing.T) Queue{
		"memory": func(t *testing.T) Queue { return NewMemory(50 * time.Millisecond) },
		"redis": func(t *testing.T) Queue {
			q, _ := newStream(t, StreamConfig{})
			return q
		},
	}
	for name, build := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := build(t)

			msg := SubmitMessage{JobID: "j1", OwnerID: "u1", InputType: domain.InputHTML, Content: "<p>hi</p>"}
			require.NoError(t, q.Publish(ctx, KindJobSubmit, msg))

			d, err := q.Receive(ctx)
			require.NoError(t, err)
			assert.Equal(t, KindJobSubmit, d.Kind)
			assert.Equal(t, 1, d.Attempt)
			var got SubmitMessage
			require.NoError(t, d.Decode(&got))
			assert.Equal(t, msg, got)
			require.NoError(t, q.Ack(ctx, d))

			_, err = q.Receive(ctx)
			assert.ErrorIs(t, err, ErrEmpty)
		})
	}
}

func TestMemoryNackRedelivers(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(50 * time.Millisecond)
	require.NoError(t, q.Publish(ctx, KindCreditDeduct, DeductMessage{JobID: "j1", OwnerID: "u1", Amount: domain.Units(1)}))

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, d))

	again, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, d.ID, again.ID)
	assert.Equal(t, 2, again.Attempt)
	require.NoError(t, q.Ack(ctx, again))

	ready, inflight := q.Len()
	assert.Zero(t, ready)
	assert.Zero(t, inflight)
}

func TestMemoryReceiveWakesOnPublish(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(5 * time.Second)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Publish(ctx, KindJobSubmit, SubmitMessage{JobID: "late"})
	}()
	d, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindJobSubmit, d.Kind)
}

func TestMemoryReceiveHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemory(time.Second).Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisStreamReclaimsAbandonedMessage(t *testing.T) {
	ctx := context.Background()
	q, _ := newStream(t, StreamConfig{VisibilityTimeout: time.Millisecond})

	require.NoError(t, q.Publish(ctx, KindJobSubmit, SubmitMessage{JobID: "j1"}))
	first, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, first))

	time.Sleep(20 * time.Millisecond)
	again, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 2, again.Attempt)
	require.NoError(t, q.Ack(ctx, again))

	time.Sleep(20 * time.Millisecond)
	_, err = q.Receive(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestRedisStreamDeadLettersAfterMaxDeliveries(t *testing.T) {
	ctx := context.Background()
	q, client := newStream(t, StreamConfig{VisibilityTimeout: time.Millisecond, MaxDeliveries: 1})

	require.NoError(t, q.Publish(ctx, KindCreditDeduct, DeductMessage{JobID: "j1"}))
	_, err := q.Receive(ctx)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = q.Receive(ctx)
	assert.ErrorIs(t, err, ErrEmpty)

	dead, err := client.XLen(ctx, "docapi:jobs:dead").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)
}

func TestNewRedisStreamIsIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := StreamConfig{Stream: "s", Group: "g"}
	_, err := NewRedisStream(context.Background(), client, cfg, zerolog.Nop())
	require.NoError(t, err)
	_, err = NewRedisStream(context.Background(), client, cfg, zerolog.Nop())
	require.NoError(t, err)

	_, err = NewRedisStream(context.Background(), client, StreamConfig{}, zerolog.Nop())
	assert.Error(t, err)
}
