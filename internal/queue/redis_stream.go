package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultMaxDeliveries bounds redeliveries before a message is parked on the
// dead-letter stream.
const DefaultMaxDeliveries = 10

// StreamConfig names the stream and consumer group.
type StreamConfig struct {
	Stream   string
	Group    string
	Consumer string
	// Poll is how long Receive blocks waiting for new entries.
	Poll time.Duration
	// VisibilityTimeout is how long an unacknowledged entry stays with its
	// consumer before another one may claim it.
	VisibilityTimeout time.Duration
	MaxDeliveries     int
}

// RedisStream is a Queue on a Redis stream with a consumer group. Entries
// that are neither acked nor nacked within the visibility timeout are
// reclaimed by the next Receive on any consumer.
type RedisStream struct {
	client redis.UniversalClient
	cfg    StreamConfig
	logger zerolog.Logger
}

// NewRedisStream creates the consumer group if needed.
func NewRedisStream(ctx context.Context, client redis.UniversalClient, cfg StreamConfig, logger zerolog.Logger) (*RedisStream, error) {
	if cfg.Stream == "" || cfg.Group == "" {
		return nil, errors.New("queue: stream and group are required")
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "consumer-1"
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 2 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = DefaultMaxDeliveries
	}
	err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("queue: create consumer group: %w", err)
	}
	return &RedisStream{client: client, cfg: cfg, logger: logger}, nil
}

func (q *RedisStream) Publish(ctx context.Context, kind string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{"kind": kind, "body": string(raw)},
	}).Err()
}

// Receive returns the next entry, preferring abandoned ones.
func (q *RedisStream) Receive(ctx context.Context) (Delivery, error) {
	for {
		d, ok, err := q.reclaim(ctx)
		if err != nil {
			return Delivery{}, err
		}
		if !ok {
			d, ok, err = q.read(ctx)
			if err != nil {
				return Delivery{}, err
			}
			if !ok {
				return Delivery{}, ErrEmpty
			}
		}
		if d.Attempt > q.cfg.MaxDeliveries {
			q.deadLetter(ctx, d)
			continue
		}
		return d, nil
	}
}

func (q *RedisStream) read(ctx context.Context) (Delivery, bool, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    1,
		Block:    q.cfg.Poll,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, err
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			return toDelivery(msg, 1), true, nil
		}
	}
	return Delivery{}, false, nil
}

func (q *RedisStream) reclaim(ctx context.Context) (Delivery, bool, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.VisibilityTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Delivery{}, false, err
	}
	if len(msgs) == 0 {
		return Delivery{}, false, nil
	}
	msg := msgs[0]
	attempt := 2
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.cfg.Stream,
		Group:  q.cfg.Group,
		Start:  msg.ID,
		End:    msg.ID,
		Count:  1,
	}).Result()
	if err == nil && len(pending) == 1 && pending[0].RetryCount > 1 {
		attempt = int(pending[0].RetryCount)
	}
	q.logger.Info().Str("stream_id", msg.ID).Int("attempt", attempt).Msg("queue: reclaimed abandoned message")
	return toDelivery(msg, attempt), true, nil
}

func toDelivery(msg redis.XMessage, attempt int) Delivery {
	kind, _ := msg.Values["kind"].(string)
	body, _ := msg.Values["body"].(string)
	return Delivery{ID: msg.ID, Kind: kind, Body: []byte(body), Attempt: attempt}
}

func (q *RedisStream) Ack(ctx context.Context, d Delivery) error {
	return q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, d.ID).Err()
}

// Nack leaves the entry pending; it becomes visible again once the
// visibility timeout passes.
func (q *RedisStream) Nack(context.Context, Delivery) error {
	return nil
}

func (q *RedisStream) deadLetter(ctx context.Context, d Delivery) {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream + ":dead",
		Values: map[string]any{"kind": d.Kind, "body": string(d.Body), "source_id": d.ID, "attempts": d.Attempt},
	}).Err()
	if err != nil {
		q.logger.Error().Err(err).Str("stream_id", d.ID).Msg("queue: dead-letter write failed")
		return
	}
	if err := q.Ack(ctx, d); err != nil {
		q.logger.Error().Err(err).Str("stream_id", d.ID).Msg("queue: dead-letter ack failed")
		return
	}
	q.logger.Warn().Str("stream_id", d.ID).Str("kind", d.Kind).Int("attempts", d.Attempt).Msg("queue: message dead-lettered")
}
