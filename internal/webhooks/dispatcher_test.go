package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docapi/internal/domain"
	"docapi/internal/ids"
	"docapi/internal/store"
)

type harness struct {
	store      *store.Memory
	registry   *Registry
	dispatcher *Dispatcher

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T, srv *httptest.Server, cfg Config) *harness {
	t.Helper()
	h := &harness{store: store.NewMemory()}
	h.registry = NewRegistry(h.store, nil, zerolog.Nop())
	h.dispatcher = NewDispatcher(h.registry, h.store, StaticSecret("test-secret"), cfg,
		WithHTTPClient(srv.Client()),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			return ctx.Err()
		}),
	)
	return h
}

func (h *harness) hook(t *testing.T, url string, events ...domain.EventType) domain.Webhook {
	t.Helper()
	hook, err := h.registry.Create(context.Background(), "u1", CreateRequest{URL: url, Events: events})
	require.NoError(t, err)
	return hook
}

func samplePayload() domain.EventPayload {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	job := domain.Job{ID: "job-1", Type: domain.JobTypeLong, Status: domain.JobStatusCompleted, Pages: 2, Cost: domain.Units(1), CreatedAt: now, CompletedAt: &now}
	return domain.PayloadForJob(domain.EventJobCompleted, job, now)
}

func statusServer(t *testing.T, codes ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		if n >= len(codes) {
			n = len(codes) - 1
		}
		w.WriteHeader(codes[n])
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestDispatchSignsAndRecords(t *testing.T) {
	var got *http.Request
	var body []byte
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := newHarness(t, srv, DefaultConfig())
	hook := h.hook(t, srv.URL, domain.EventJobCompleted)

	results, err := h.dispatcher.Dispatch(context.Background(), "u1", domain.EventJobCompleted, samplePayload(), "job-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Delivered())
	assert.Equal(t, 1, results[0].Attempts)
	assert.True(t, AnyDelivered(results))

	require.NotNil(t, got)
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "job.completed", got.Header.Get(HeaderEvent))
	assert.Equal(t, hook.ID, got.Header.Get(HeaderWebhookID))
	assert.True(t, ids.HasPrefix(got.Header.Get(HeaderDeliveryID), ids.PrefixDelivery))
	ts, err := strconv.ParseInt(got.Header.Get(HeaderTimestamp), 10, 64)
	require.NoError(t, err)
	assert.True(t, Verify("test-secret", ts, body, got.Header.Get(HeaderSignature), time.Now(), time.Minute))

	var payload domain.EventPayload
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "job-1", payload.JobID)
	require.NotNil(t, payload.Cost)
	assert.Equal(t, domain.Units(1), *payload.Cost)

	recs, err := h.dispatcher.ListDeliveries(context.Background(), "u1", hook.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.DeliverySuccess, recs[0].Status)
	assert.Equal(t, http.StatusNoContent, recs[0].StatusCode)
	assert.Equal(t, results[0].DeliveryID, recs[0].DeliveryID)
	assert.Equal(t, len(body), recs[0].PayloadSize)

	stored, err := h.registry.Get(context.Background(), "u1", hook.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.SuccessCount)
	assert.NotNil(t, stored.LastSuccessAt)
	assert.NotNil(t, stored.LastTriggeredAt)
	assert.Nil(t, stored.LastFailureAt)
}

func TestDispatchRetriesUpToBound(t *testing.T) {
	srv, calls := statusServer(t, http.StatusInternalServerError)
	h := newHarness(t, srv, DefaultConfig())
	hook := h.hook(t, srv.URL, domain.EventJobCompleted)

	results, err := h.dispatcher.Dispatch(context.Background(), "u1", domain.EventJobCompleted, samplePayload(), "job-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Delivered())
	assert.Equal(t, 4, results[0].Attempts)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, h.sleeps)

	recs, err := h.dispatcher.ListDeliveries(context.Background(), "u1", hook.ID)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	for i, rec := range recs {
		assert.Equal(t, 3-i, rec.RetryCount, "newest first")
		assert.Equal(t, results[0].DeliveryID, rec.DeliveryID, "retries share the delivery id")
	}

	stored, err := h.registry.Get(context.Background(), "u1", hook.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.FailureCount, "statistics count deliveries, not attempts")
	assert.Equal(t, int64(0), stored.SuccessCount)
}

func TestDispatchTerminalStatusStopsAfterOneAttempt(t *testing.T) {
	for _, code := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusGone} {
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			srv, calls := statusServer(t, code)
			h := newHarness(t, srv, DefaultConfig())
			h.hook(t, srv.URL, domain.EventJobCompleted)

			results, err := h.dispatcher.Dispatch(context.Background(), "u1", domain.EventJobCompleted, samplePayload(), "job-1")
			require.NoError(t, err)
			assert.Equal(t, 1, results[0].Attempts)
			assert.Equal(t, int32(1), calls.Load())
			assert.Equal(t, code, results[0].StatusCode)
			assert.Empty(t, h.sleeps)
		})
	}
}

func TestDispatchRetriesTooManyRequestsThenSucceeds(t *testing.T) {
	srv, calls := statusServer(t, http.StatusTooManyRequests, http.StatusBadGateway, http.StatusOK)
	h := newHarness(t, srv, DefaultConfig())
	h.hook(t, srv.URL, domain.EventJobCompleted)

	results, err := h.dispatcher.Dispatch(context.Background(), "u1", domain.EventJobCompleted, samplePayload(), "job-1")
	require.NoError(t, err)
	assert.True(t, results[0].Delivered())
	assert.Equal(t, 3, results[0].Attempts)
	assert.Equal(t, int32(3), calls.Load())

	recs, err := h.dispatcher.ListByJob(context.Background(), "u1", "job-1")
	require.NoError(t, err)
	assert.Len(t, recs, 3)
	foreign, err := h.dispatcher.ListByJob(context.Background(), "u2", "job-1")
	require.NoError(t, err)
	assert.Empty(t, foreign)
}

func TestDispatchTimeoutIsRecordedAndRetried(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.MaxRetries = 1
	h := newHarness(t, srv, cfg)
	hook := h.hook(t, srv.URL, domain.EventJobCompleted)

	results, err := h.dispatcher.Dispatch(context.Background(), "u1", domain.EventJobCompleted, samplePayload(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryTimeout, results[0].Status)
	assert.Equal(t, 2, results[0].Attempts)

	recs, err := h.dispatcher.ListDeliveries(context.Background(), "u1", hook.ID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, domain.DeliveryTimeout, recs[0].Status)
}

func TestDispatchIsolatesFailuresPerWebhook(t *testing.T) {
	bad, _ := statusServer(t, http.StatusBadRequest)
	good, goodCalls := statusServer(t, http.StatusOK)

	// Both test servers share one self-signed certificate authority.
	h := newHarness(t, good, DefaultConfig())
	h.hook(t, bad.URL, domain.EventJobCompleted)
	okHook := h.hook(t, good.URL, domain.EventJobCompleted)
	h.hook(t, good.URL, domain.EventJobFailed)

	results, err := h.dispatcher.Dispatch(context.Background(), "u1", domain.EventJobCompleted, samplePayload(), "job-1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int32(1), goodCalls.Load(), "unsubscribed webhook not called")

	byHook := map[string]Result{}
	for _, r := range results {
		byHook[r.WebhookID] = r
	}
	assert.True(t, byHook[okHook.ID].Delivered())
	assert.True(t, AnyDelivered(results))
}

func TestDispatchWithoutSubscribers(t *testing.T) {
	srv, calls := statusServer(t, http.StatusOK)
	h := newHarness(t, srv, DefaultConfig())
	h.hook(t, srv.URL, domain.EventJobFailed)

	results, err := h.dispatcher.Dispatch(context.Background(), "u1", domain.EventJobCompleted, samplePayload(), "job-1")
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.False(t, AnyDelivered(results))
	assert.Equal(t, int32(0), calls.Load())
}

func TestListDeliveriesChecksOwner(t *testing.T) {
	srv, _ := statusServer(t, http.StatusOK)
	h := newHarness(t, srv, DefaultConfig())
	hook := h.hook(t, srv.URL, domain.EventJobCompleted)

	_, err := h.dispatcher.ListDeliveries(context.Background(), "u2", hook.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}
