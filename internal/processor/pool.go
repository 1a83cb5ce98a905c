package processor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"docapi/internal/infra"
	"docapi/internal/queue"
)

// Handle routes one queue delivery. A nil result acks the message; an error
// leaves it for redelivery. Undecodable and unknown messages are dropped.
func (p *Processor) Handle(ctx context.Context, d queue.Delivery) error {
	switch d.Kind {
	case queue.KindJobSubmit:
		var msg queue.SubmitMessage
		if err := d.Decode(&msg); err != nil || msg.JobID == "" {
			p.logger.Error().Err(err).Str("message_id", d.ID).Msg("processor: malformed submission dropped")
			return nil
		}
		return p.HandleSubmission(ctx, msg)
	case queue.KindCreditDeduct:
		var msg queue.DeductMessage
		if err := d.Decode(&msg); err != nil || msg.JobID == "" {
			p.logger.Error().Err(err).Str("message_id", d.ID).Msg("processor: malformed deduction dropped")
			return nil
		}
		return p.HandleDeduction(ctx, msg)
	default:
		p.logger.Warn().Str("message_id", d.ID).Str("kind", d.Kind).Msg("processor: unknown message kind dropped")
		return nil
	}
}

// Handler processes one delivery.
type Handler interface {
	Handle(ctx context.Context, d queue.Delivery) error
}

// Pool runs stateless workers that pull from a consumer. Workers share
// nothing; coordination happens in the store.
type Pool struct {
	consumer queue.Consumer
	handler  Handler
	workers  int
	logger   zerolog.Logger
	metrics  *infra.Metrics
	backoff  time.Duration
}

func NewPool(consumer queue.Consumer, handler Handler, workers int, logger zerolog.Logger, metrics *infra.Metrics) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{consumer: consumer, handler: handler, workers: workers, logger: logger, metrics: metrics, backoff: time.Second}
}

// Run blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info().Int("workers", p.workers).Msg("worker: started")
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.loop(ctx, i)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info().Msg("worker: stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := p.logger.With().Int("worker", id).Logger()
	for ctx.Err() == nil {
		d, err := p.consumer.Receive(ctx)
		switch {
		case errors.Is(err, queue.ErrEmpty):
			continue
		case ctx.Err() != nil:
			return
		case err != nil:
			log.Error().Err(err).Msg("worker: receive failed")
			if sleepCtx(ctx, p.backoff) != nil {
				return
			}
			continue
		}
		p.process(ctx, log, d)
	}
}

func (p *Pool) process(ctx context.Context, log zerolog.Logger, d queue.Delivery) {
	log.Info().Str("message_id", d.ID).Str("kind", d.Kind).Int("attempt", d.Attempt).Msg("worker: picked message")
	if err := p.handler.Handle(ctx, d); err != nil {
		p.metrics.QueueMessage(d.Kind, "retry")
		log.Warn().Err(err).Str("message_id", d.ID).Msg("worker: message left for redelivery")
		if err := p.consumer.Nack(context.WithoutCancel(ctx), d); err != nil {
			log.Error().Err(err).Str("message_id", d.ID).Msg("worker: nack failed")
		}
		return
	}
	p.metrics.QueueMessage(d.Kind, "ack")
	if err := p.consumer.Ack(context.WithoutCancel(ctx), d); err != nil {
		log.Error().Err(err).Str("message_id", d.ID).Msg("worker: ack failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
