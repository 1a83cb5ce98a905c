package processor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docapi/internal/billing"
	"docapi/internal/domain"
	"docapi/internal/jobs"
	"docapi/internal/queue"
	"docapi/internal/render"
	"docapi/internal/storage"
	"docapi/internal/store"
	"docapi/internal/webhooks"
)

var testPlans = domain.Plans{
	"paid":     {Name: "paid", PricePerPage: domain.Units(1)},
	"trial":    {Name: "trial", PricePerPage: domain.Units(1), FreeCredits: 2},
	"unpriced": {Name: "unpriced"},
}

type stubRenderer struct {
	pages int
	err   error
	block bool
	calls atomic.Int32
}

func (r *stubRenderer) Render(ctx context.Context, req render.Request) (*render.Document, error) {
	r.calls.Add(1)
	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	return &render.Document{Data: []byte("%PDF-" + req.JobID), ContentType: "application/pdf", Pages: r.pages}, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.EventPayload
}

func (l *eventLog) add(p domain.EventPayload) {
	l.mu.Lock()
	l.events = append(l.events, p)
	l.mu.Unlock()
}

func (l *eventLog) count(event domain.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

type fixture struct {
	store    *store.Memory
	jobs     *jobs.Registry
	ledger   *billing.Ledger
	queue    *queue.Memory
	renderer *stubRenderer
	events   *eventLog
	proc     *Processor
}

type fixtureOption func(*Deps, *Config)

func newFixture(t *testing.T, renderer *stubRenderer, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemory(),
		queue:    queue.NewMemory(20 * time.Millisecond),
		renderer: renderer,
		events:   &eventLog{},
	}
	f.jobs = jobs.NewRegistry(f.store)
	f.ledger = billing.NewLedger(f.store, billing.WithPlans(testPlans))

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p domain.EventPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
			f.events.add(p)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	hooks := webhooks.NewRegistry(f.store, nil, zerolog.Nop())
	_, err := hooks.Create(context.Background(), "u1", webhooks.CreateRequest{URL: srv.URL, Events: domain.SupportedEvents})
	require.NoError(t, err)
	dispatcher := webhooks.NewDispatcher(hooks, f.store, webhooks.StaticSecret("s"), webhooks.DefaultConfig(),
		webhooks.WithHTTPClient(srv.Client()),
		webhooks.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)

	fs, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	deps := Deps{
		Jobs:      f.jobs,
		Ledger:    f.ledger,
		Renderer:  renderer,
		Artifacts: storage.NewArtifacts(fs, "https://files.example.com", time.Hour),
		Notifier:  dispatcher,
		Queue:     f.queue,
		Logger:    zerolog.Nop(),
	}
	cfg := Config{QuickTimeout: time.Second, Pages: render.PagePolicy{MaxPages: 10, Mode: render.PageTruncate}}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}
	f.proc = New(deps, cfg)
	t.Cleanup(f.proc.Wait)
	return f
}

func (f *fixture) account(t *testing.T, plan string, balance int64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.ledger.OpenAccount(ctx, "u1", "u1@example.com", plan)
	require.NoError(t, err)
	if balance > 0 {
		_, _, err = f.ledger.Purchase(ctx, "u1", domain.Units(balance), "seed")
		require.NoError(t, err)
	}
}

func (f *fixture) nextSubmission(t *testing.T) queue.Delivery {
	t.Helper()
	d, err := f.queue.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, queue.KindJobSubmit, d.Kind)
	return d
}

func (f *fixture) completedDeductions(t *testing.T, jobID string) []domain.CreditTransaction {
	t.Helper()
	txns, err := f.ledger.TransactionsForJob(context.Background(), jobID)
	require.NoError(t, err)
	var out []domain.CreditTransaction
	for _, txn := range txns {
		if txn.Status == domain.TransactionCompleted {
			out = append(out, txn)
		}
	}
	return out
}

func htmlInput() domain.RenderInput {
	return domain.RenderInput{Mode: domain.InputHTML, Content: "<h1>Invoice</h1>"}
}

// =============================================================================
// Long jobs
// =============================================================================

func TestLongJobLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &stubRenderer{pages: 3})
	f.account(t, "paid", 10)

	job, err := f.proc.SubmitLong(ctx, "u1", htmlInput())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)

	require.NoError(t, f.proc.Handle(ctx, f.nextSubmission(t)))
	f.proc.Wait()

	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, 3, got.Pages)
	assert.Equal(t, domain.Units(3), got.Cost)
	assert.Equal(t, domain.BillingBilled, got.BillingStatus)
	require.NotNil(t, got.Artifact)
	assert.Equal(t, "https://files.example.com/generated/"+job.ID+"/document.pdf", got.Artifact.URL)
	assert.True(t, got.WebhookDelivered)

	acct, err := f.ledger.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.Units(7), acct.CreditsBalance)
	assert.Equal(t, int64(1), acct.TotalCount)

	assert.Equal(t, 1, f.events.count(domain.EventJobQueued))
	assert.Equal(t, 1, f.events.count(domain.EventJobProcessing))
	assert.Equal(t, 1, f.events.count(domain.EventJobCompleted))
}

func TestDuplicateSubmissionIsAbsorbed(t *testing.T) {
	ctx := context.Background()
	r := &stubRenderer{pages: 1}
	f := newFixture(t, r)
	f.account(t, "paid", 10)

	job, err := f.proc.SubmitLong(ctx, "u1", htmlInput())
	require.NoError(t, err)
	d := f.nextSubmission(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.proc.Handle(ctx, d))
		}()
	}
	wg.Wait()
	require.NoError(t, f.proc.Handle(ctx, d), "late redelivery")
	f.proc.Wait()

	assert.Equal(t, int32(1), r.calls.Load())
	acct, err := f.ledger.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.Units(9), acct.CreditsBalance)

	txns, err := f.ledger.TransactionsForJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
	assert.Equal(t, 1, f.events.count(domain.EventJobCompleted))
}

func TestLongJobRenderFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &stubRenderer{err: errors.New("boom")})
	f.account(t, "paid", 10)

	job, err := f.proc.SubmitLong(ctx, "u1", htmlInput())
	require.NoError(t, err)
	require.NoError(t, f.proc.Handle(ctx, f.nextSubmission(t)))
	f.proc.Wait()

	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.NotEmpty(t, got.ErrorMessage)
	assert.Equal(t, 1, f.events.count(domain.EventJobFailed))

	acct, err := f.ledger.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.Units(10), acct.CreditsBalance)
}

func TestLongJobPageLimitReject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &stubRenderer{pages: 12}, func(_ *Deps, cfg *Config) {
		cfg.Pages = render.PagePolicy{MaxPages: 10, Mode: render.PageReject}
	})
	f.account(t, "paid", 100)

	job, err := f.proc.SubmitLong(ctx, "u1", htmlInput())
	require.NoError(t, err)
	require.NoError(t, f.proc.Handle(ctx, f.nextSubmission(t)))

	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "page limit")
}

func TestLongJobPageLimitTruncate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &stubRenderer{pages: 12})
	f.account(t, "paid", 100)

	job, err := f.proc.SubmitLong(ctx, "u1", htmlInput())
	require.NoError(t, err)
	require.NoError(t, f.proc.Handle(ctx, f.nextSubmission(t)))

	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Pages)
	assert.True(t, got.Truncated)
	assert.Equal(t, domain.Units(10), got.Cost)
}

func TestInsufficientCreditsCompletesUnbilled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &stubRenderer{pages: 5})
	f.account(t, "paid", 2)

	job, err := f.proc.SubmitLong(ctx, "u1", htmlInput())
	require.NoError(t, err)
	require.NoError(t, f.proc.Handle(ctx, f.nextSubmission(t)))

	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, domain.BillingUnbilled, got.BillingStatus)

	acct, err := f.ledger.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.Units(2), acct.CreditsBalance)
}

type flakyLedger struct {
	*billing.Ledger
	failures atomic.Int32
}

func (l *flakyLedger) Deduct(ctx context.Context, ownerID, jobID string, amount domain.Money) (domain.DeductionResult, error) {
	if l.failures.Add(-1) >= 0 {
		return domain.DeductionResult{}, domain.ErrLedgerConflict
	}
	return l.Ledger.Deduct(ctx, ownerID, jobID, amount)
}

func TestTransientLedgerErrorDefersDeduction(t *testing.T) {
	ctx := context.Background()
	var flaky *flakyLedger
	f := newFixture(t, &stubRenderer{pages: 2}, func(deps *Deps, _ *Config) {
		flaky = &flakyLedger{Ledger: deps.Ledger.(*billing.Ledger)}
		flaky.failures.Store(2)
		deps.Ledger = flaky
	})
	f.account(t, "paid", 10)

	job, err := f.proc.SubmitLong(ctx, "u1", htmlInput())
	require.NoError(t, err)
	require.NoError(t, f.proc.Handle(ctx, f.nextSubmission(t)))

	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, domain.BillingPending, got.BillingStatus)

	deferred, err := f.queue.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, queue.KindCreditDeduct, deferred.Kind)

	assert.Error(t, f.proc.Handle(ctx, deferred), "still failing, message is retried")
	require.NoError(t, f.proc.Handle(ctx, deferred))
	require.NoError(t, f.proc.Handle(ctx, deferred), "redelivery after success is idempotent")

	got, err = f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BillingBilled, got.BillingStatus)
	assert.Equal(t, domain.Units(2), got.Cost)

	acct, err := f.ledger.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.Units(8), acct.CreditsBalance)
}

type planlessLedger struct {
	*billing.Ledger
	failures atomic.Int32
}

func (l *planlessLedger) PlanFor(ctx context.Context, ownerID string) (domain.Plan, error) {
	if l.failures.Add(-1) >= 0 {
		return domain.Plan{}, errors.New("accounts unavailable")
	}
	return l.Ledger.PlanFor(ctx, ownerID)
}

func TestPlanLookupFailureNeverChargesZero(t *testing.T) {
	ctx := context.Background()
	var planless *planlessLedger
	f := newFixture(t, &stubRenderer{pages: 3}, func(deps *Deps, _ *Config) {
		planless = &planlessLedger{Ledger: deps.Ledger.(*billing.Ledger)}
		planless.failures.Store(2)
		deps.Ledger = planless
	})
	f.account(t, "paid", 10)

	got, err := f.proc.RunQuick(ctx, "u1", htmlInput())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, domain.BillingPending, got.BillingStatus)
	assert.Equal(t, domain.Money(0), got.Cost)

	txns, err := f.ledger.TransactionsForJob(ctx, got.ID)
	require.NoError(t, err)
	assert.Empty(t, txns, "nothing is committed while the price is unknown")

	deferred, err := f.queue.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, queue.KindCreditDeduct, deferred.Kind)

	assert.Error(t, f.proc.Handle(ctx, deferred), "plan still unavailable, message is retried")
	txns, err = f.ledger.TransactionsForJob(ctx, got.ID)
	require.NoError(t, err)
	assert.Empty(t, txns)

	require.NoError(t, f.proc.Handle(ctx, deferred))
	require.NoError(t, f.proc.Handle(ctx, deferred))

	billed, err := f.jobs.Get(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BillingBilled, billed.BillingStatus)
	assert.Equal(t, domain.Units(3), billed.Cost)

	acct, err := f.ledger.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.Units(7), acct.CreditsBalance)
	assert.Len(t, f.completedDeductions(t, got.ID), 1)
}

func TestSubmitLongValidates(t *testing.T) {
	f := newFixture(t, &stubRenderer{pages: 1})
	cases := []domain.RenderInput{
		{Mode: "pdf", Content: "x"},
		{Mode: domain.InputHTML, Content: "   "},
		{Mode: domain.InputURL, Content: "ftp://example.com/file"},
	}
	for _, in := range cases {
		_, err := f.proc.SubmitLong(context.Background(), "u1", in)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	}
}

// =============================================================================
// Quick jobs
// =============================================================================

func TestQuickJobsUseFreeCreditsFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &stubRenderer{pages: 1})
	f.account(t, "trial", 10)

	statuses := []domain.BillingStatus{}
	for i := 0; i < 3; i++ {
		job, err := f.proc.RunQuick(ctx, "u1", htmlInput())
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, job.Status)
		statuses = append(statuses, job.BillingStatus)
	}
	assert.Equal(t, []domain.BillingStatus{domain.BillingFree, domain.BillingFree, domain.BillingBilled}, statuses)

	acct, err := f.ledger.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.FreeCreditsRemaining)
	assert.Equal(t, domain.Units(9), acct.CreditsBalance)
	assert.Equal(t, int64(3), acct.TotalCount)
}

func TestQuickJobTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &stubRenderer{block: true}, func(_ *Deps, cfg *Config) {
		cfg.QuickTimeout = 30 * time.Millisecond
	})
	f.account(t, "paid", 10)

	job, err := f.proc.RunQuick(ctx, "u1", htmlInput())
	require.ErrorIs(t, err, domain.ErrJobTimeout)
	assert.Equal(t, domain.JobStatusTimeout, job.Status)
	assert.True(t, job.TimedOut)
	assert.Contains(t, job.ErrorMessage, "asynchronous")

	f.proc.Wait()
	assert.Equal(t, 1, f.events.count(domain.EventJobTimeout))

	acct, err := f.ledger.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.Units(10), acct.CreditsBalance)
	assert.Equal(t, int64(0), acct.TotalCount)
}

func TestQuickJobRenderFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &stubRenderer{err: domain.ErrRendererFailure})
	f.account(t, "unpriced", 0)

	job, err := f.proc.RunQuick(ctx, "u1", htmlInput())
	assert.ErrorIs(t, err, domain.ErrRendererFailure)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.False(t, job.TimedOut)
}

// =============================================================================
// Queue plumbing
// =============================================================================

func TestHandleDropsUnknownAndMalformed(t *testing.T) {
	f := newFixture(t, &stubRenderer{pages: 1})
	ctx := context.Background()
	assert.NoError(t, f.proc.Handle(ctx, queue.Delivery{ID: "1", Kind: "job.archive", Body: []byte(`{}`)}))
	assert.NoError(t, f.proc.Handle(ctx, queue.Delivery{ID: "2", Kind: queue.KindJobSubmit, Body: []byte(`not json`)}))
	assert.NoError(t, f.proc.Handle(ctx, queue.Delivery{ID: "3", Kind: queue.KindJobSubmit, Body: []byte(`{"job_id":"missing"}`)}))
}

func TestPoolProcessesQueuedJobs(t *testing.T) {
	f := newFixture(t, &stubRenderer{pages: 1})
	f.account(t, "paid", 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := f.proc.SubmitLong(ctx, "u1", htmlInput())
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	pool := NewPool(f.queue, f.proc, 2, zerolog.Nop(), nil)
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			j, err := f.jobs.Get(context.Background(), id)
			if err != nil || j.Status != domain.JobStatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}

	ready, inflight := f.queue.Len()
	assert.Zero(t, ready)
	assert.Zero(t, inflight)
}

type failingConsumer struct {
	*queue.Memory
	nacked atomic.Int32
}

func (c *failingConsumer) Nack(ctx context.Context, d queue.Delivery) error {
	c.nacked.Add(1)
	return c.Memory.Nack(ctx, d)
}

type errHandler struct{ calls atomic.Int32 }

func (h *errHandler) Handle(context.Context, queue.Delivery) error {
	if h.calls.Add(1) == 1 {
		return errors.New("transient")
	}
	return nil
}

func TestPoolNacksFailedMessages(t *testing.T) {
	q := &failingConsumer{Memory: queue.NewMemory(10 * time.Millisecond)}
	require.NoError(t, q.Publish(context.Background(), queue.KindCreditDeduct, queue.DeductMessage{JobID: "j1"}))
	h := &errHandler{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = NewPool(q, h, 1, zerolog.Nop(), nil).Run(ctx) }()

	require.Eventually(t, func() bool { return h.calls.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), q.nacked.Load())
}
