package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"docapi/internal/domain"
	"docapi/internal/ids"
	"docapi/internal/infra"
	"docapi/internal/store"
)

// Request headers sent with every delivery.
const (
	HeaderEvent      = "X-Webhook-Event"
	HeaderWebhookID  = "X-Webhook-ID"
	HeaderDeliveryID = "X-Webhook-Delivery-ID"
	HeaderTimestamp  = "X-Webhook-Timestamp"
	HeaderSignature  = "X-Webhook-Signature"
)

// Config controls the retry policy.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Backoff is the wait before retry n; the last entry repeats.
	Backoff []time.Duration
	// Timeout bounds one attempt.
	Timeout time.Duration
	// Concurrency caps parallel deliveries per dispatch.
	Concurrency int
}

// DefaultConfig returns 3 retries with 1s/2s/4s backoff and a 10s timeout.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		Backoff:     []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		Timeout:     10 * time.Second,
		Concurrency: 8,
	}
}

// Result is the outcome of delivering one event to one webhook.
type Result struct {
	WebhookID  string
	DeliveryID string
	Status     domain.DeliveryStatus
	StatusCode int
	Attempts   int
	Err        error
}

// Delivered reports whether the receiver acknowledged the event.
func (r Result) Delivered() bool { return r.Status == domain.DeliverySuccess }

// Dispatcher fans events out to subscribed webhooks.
type Dispatcher struct {
	registry *Registry
	store    store.Store
	client   *http.Client
	secrets  *SecretCache
	cfg      Config
	logger   zerolog.Logger
	metrics  *infra.Metrics
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithHTTPClient(c *http.Client) DispatcherOption { return func(d *Dispatcher) { d.client = c } }

func WithMetrics(m *infra.Metrics) DispatcherOption { return func(d *Dispatcher) { d.metrics = m } }

func WithLogger(l zerolog.Logger) DispatcherOption { return func(d *Dispatcher) { d.logger = l } }

// WithSleep replaces the backoff wait, mostly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) DispatcherOption {
	return func(d *Dispatcher) { d.sleep = fn }
}

// NewDispatcher builds a dispatcher. Delivery records are written to s.
func NewDispatcher(registry *Registry, s store.Store, secrets *SecretCache, cfg Config, opts ...DispatcherOption) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	d := &Dispatcher{
		registry: registry,
		store:    s,
		client:   &http.Client{},
		secrets:  secrets,
		cfg:      cfg,
		logger:   zerolog.Nop(),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch delivers payload to every active webhook of ownerID subscribed to
// event. Each webhook is delivered independently; one failing never stops
// the others. The error is non-nil only when subscriptions cannot be listed.
func (d *Dispatcher) Dispatch(ctx context.Context, ownerID string, event domain.EventType, payload domain.EventPayload, jobID string) ([]Result, error) {
	hooks, err := d.registry.ListActiveForEvent(ctx, ownerID, event)
	if err != nil {
		return nil, err
	}
	if len(hooks) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(hooks))
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i, hook := range hooks {
		g.Go(func() error {
			results[i] = d.deliver(ctx, hook, event, jobID, body)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if !r.Delivered() {
			d.logger.Warn().
				Str("owner_id", ownerID).
				Str("webhook_id", r.WebhookID).
				Str("job_id", jobID).
				Str("event", string(event)).
				Int("attempts", r.Attempts).
				Err(r.Err).
				Msg("webhooks: delivery failed")
		}
	}
	return results, nil
}

// AnyDelivered reports whether at least one webhook acknowledged.
func AnyDelivered(results []Result) bool {
	for _, r := range results {
		if r.Delivered() {
			return true
		}
	}
	return false
}

func (d *Dispatcher) deliver(ctx context.Context, hook domain.Webhook, event domain.EventType, jobID string, body []byte) Result {
	res := Result{WebhookID: hook.ID, DeliveryID: ids.New(ids.PrefixDelivery)}
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		out := d.attempt(ctx, hook, event, res.DeliveryID, body)
		res.Attempts = attempt + 1
		res.Status, res.StatusCode, res.Err = out.status, out.code, out.err

		d.record(ctx, hook, event, jobID, res.DeliveryID, attempt, out, len(body))
		d.metrics.WebhookAttempt(string(out.status), out.took)

		if out.status == domain.DeliverySuccess || !out.retryable || attempt == d.cfg.MaxRetries {
			break
		}
		if err := d.sleep(ctx, d.backoff(attempt)); err != nil {
			res.Err = err
			break
		}
	}
	if err := d.registry.RecordOutcome(ctx, hook.ID, res.Delivered(), d.now()); err != nil && !errors.Is(err, store.ErrNotFound) {
		d.logger.Error().Err(err).Str("webhook_id", hook.ID).Msg("webhooks: statistics update failed")
	}
	return res
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	if len(d.cfg.Backoff) == 0 {
		return 0
	}
	if attempt >= len(d.cfg.Backoff) {
		return d.cfg.Backoff[len(d.cfg.Backoff)-1]
	}
	return d.cfg.Backoff[attempt]
}

type attemptOutcome struct {
	status    domain.DeliveryStatus
	code      int
	retryable bool
	took      time.Duration
	err       error
}

func (d *Dispatcher) attempt(ctx context.Context, hook domain.Webhook, event domain.EventType, deliveryID string, body []byte) attemptOutcome {
	actx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return attemptOutcome{status: domain.DeliveryFailed, err: err}
	}
	ts := d.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "docapi-webhooks/1")
	req.Header.Set(HeaderEvent, string(event))
	req.Header.Set(HeaderWebhookID, hook.ID)
	req.Header.Set(HeaderDeliveryID, deliveryID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	if d.secrets != nil {
		secret, err := d.secrets.Get(ctx)
		if err != nil {
			d.logger.Warn().Err(err).Str("webhook_id", hook.ID).Msg("webhooks: sending unsigned delivery")
		} else {
			req.Header.Set(HeaderSignature, Sign(secret, ts, body))
		}
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	took := time.Since(start)
	if err != nil {
		if isTimeout(err) {
			return attemptOutcome{status: domain.DeliveryTimeout, retryable: ctx.Err() == nil, took: took, err: err}
		}
		return attemptOutcome{status: domain.DeliveryFailed, retryable: ctx.Err() == nil, took: took, err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	out := attemptOutcome{code: resp.StatusCode, took: took}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		out.status = domain.DeliverySuccess
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		out.status = domain.DeliveryFailed
		out.retryable = true
		out.err = errors.New(resp.Status)
	default:
		out.status = domain.DeliveryFailed
		out.err = errors.New(resp.Status)
	}
	return out
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (d *Dispatcher) record(ctx context.Context, hook domain.Webhook, event domain.EventType, jobID, deliveryID string, attempt int, out attemptOutcome, size int) {
	rec := domain.WebhookDeliveryRecord{
		ID:          ids.New(ids.PrefixAttempt),
		DeliveryID:  deliveryID,
		WebhookID:   hook.ID,
		OwnerID:     hook.OwnerID,
		JobID:       jobID,
		EventType:   event,
		Status:      out.status,
		StatusCode:  out.code,
		RetryCount:  attempt,
		DeliveredAt: d.now().UTC(),
		DurationMS:  out.took.Milliseconds(),
		PayloadSize: size,
	}
	if out.err != nil {
		rec.Error = out.err.Error()
	}
	idx := []string{"webhook:" + hook.ID, "owner:" + hook.OwnerID}
	if jobID != "" {
		idx = append(idx, "job:"+jobID)
	}
	// The audit write must not depend on the caller still waiting.
	if err := store.Create(context.WithoutCancel(ctx), d.store, DeliveriesCollection, rec.ID, rec, idx...); err != nil {
		d.logger.Error().Err(err).Str("webhook_id", hook.ID).Str("delivery_id", deliveryID).Msg("webhooks: delivery record not written")
	}
}

// ListDeliveries returns the attempt history of one webhook, newest first.
func (d *Dispatcher) ListDeliveries(ctx context.Context, ownerID, webhookID string) ([]domain.WebhookDeliveryRecord, error) {
	if _, err := d.registry.Get(ctx, ownerID, webhookID); err != nil {
		return nil, err
	}
	return d.query(ctx, "webhook:"+webhookID, ownerID)
}

// ListByJob returns every attempt made for the owner's job, newest first.
func (d *Dispatcher) ListByJob(ctx context.Context, ownerID, jobID string) ([]domain.WebhookDeliveryRecord, error) {
	return d.query(ctx, "job:"+jobID, ownerID)
}

func (d *Dispatcher) query(ctx context.Context, index, ownerID string) ([]domain.WebhookDeliveryRecord, error) {
	recs, err := store.QueryAll[domain.WebhookDeliveryRecord](ctx, d.store, DeliveriesCollection, index)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DeliveredAt.Equal(out[j].DeliveredAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].DeliveredAt.After(out[j].DeliveredAt)
	})
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
