package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docapi/internal/billing"
	"docapi/internal/domain"
	"docapi/internal/http/handlers"
	"docapi/internal/jobs"
	"docapi/internal/middleware"
	"docapi/internal/processor"
	"docapi/internal/queue"
	"docapi/internal/quota"
	"docapi/internal/render"
	"docapi/internal/storage"
	"docapi/internal/store"
	"docapi/internal/webhooks"
)

const (
	jwtSecret     = "jwt-secret"
	paymentSecret = "pay-secret"
)

var testPlans = domain.Plans{
	"metered": {Name: "metered", PricePerPage: domain.Units(1)},
	"tight":   {Name: "tight", RateLimitPerMinute: 2},
	"capped":  {Name: "capped", Quota: 1},
	"starter": {Name: "starter", MaxWebhooks: 1},
}

type testEnv struct {
	handler http.Handler
	ledger  *billing.Ledger
	queue   *queue.Memory
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemory()
	log := zerolog.Nop()
	ledger := billing.NewLedger(st, billing.WithPlans(testPlans))
	registry := jobs.NewRegistry(st)
	limiter := quota.NewLimiter(st, log, nil)
	admission := quota.NewAdmission(ledger, limiter, quota.NewGuard(ledger, log, nil), log)
	hooks := webhooks.NewRegistry(st, ledger, log)
	dispatcher := webhooks.NewDispatcher(hooks, st, webhooks.StaticSecret("whsec"), webhooks.DefaultConfig(),
		webhooks.WithSleep(func(context.Context, time.Duration) error { return nil }))

	fs, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	artifacts := storage.NewArtifacts(fs, "http://files.test", time.Hour)
	q := queue.NewMemory(10 * time.Millisecond)

	proc := processor.New(processor.Deps{
		Jobs:      registry,
		Ledger:    ledger,
		Renderer:  render.Passthrough{},
		Artifacts: artifacts,
		Notifier:  dispatcher,
		Queue:     q,
		Logger:    log,
	}, processor.Config{QuickTimeout: time.Second, Pages: render.PagePolicy{MaxPages: 50, Mode: render.PageTruncate}})
	t.Cleanup(proc.Wait)

	app := &handlers.App{
		Logger:             log,
		Jobs:               registry,
		Ledger:             ledger,
		Admission:          admission,
		Processor:          proc,
		Webhooks:           hooks,
		Deliveries:         dispatcher,
		Artifacts:          artifacts,
		PaymentSecret:      webhooks.StaticSecret(paymentSecret),
		SignatureTolerance: 5 * time.Minute,
		QuickTimeout:       time.Second,
	}
	h := NewRouter(app, Options{
		JWTSecret:     jwtSecret,
		CORSOrigins:   []string{"*"},
		DefaultLocale: "en",
		Logger:        log,
		Limiter:       limiter,
	})
	return &testEnv{handler: h, ledger: ledger, queue: q}
}

func (e *testEnv) account(t *testing.T, owner, plan string, balance int64) {
	t.Helper()
	_, err := e.ledger.OpenAccount(context.Background(), owner, owner+"@example.com", plan)
	require.NoError(t, err)
	if balance > 0 {
		_, _, err = e.ledger.Purchase(context.Background(), owner, domain.Units(balance), "seed-"+owner)
		require.NoError(t, err)
	}
}

func (e *testEnv) do(t *testing.T, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if owner != "" {
		token, err := middleware.SignJWT(jwtSecret, middleware.TokenClaims{Sub: owner, Exp: time.Now().Add(time.Hour).Unix()})
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

type errorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	return body
}

func htmlJob() map[string]any {
	return map[string]any{"input_type": "html", "content": "<h1>Hello</h1>"}
}

func TestHealthAndAuth(t *testing.T) {
	env := newEnv(t)

	rr := env.do(t, http.MethodGet, "/v1/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodGet, "/v1/jobs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rr).Error.Code)
}

func TestQuickJobChargesAndServesArtifact(t *testing.T) {
	env := newEnv(t)
	env.account(t, "u1", "metered", 5)

	rr := env.do(t, http.MethodPost, "/v1/jobs/quick", "u1", htmlJob())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var view domain.JobView
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&view))
	assert.Equal(t, domain.JobStatusCompleted, view.Status)
	assert.Equal(t, domain.BillingBilled, view.BillingStatus)
	require.NotNil(t, view.TimedOut)
	assert.False(t, *view.TimedOut)
	assert.Nil(t, view.WebhookDelivered)

	rr = env.do(t, http.MethodGet, "/v1/account", "u1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var acct struct {
		Account domain.Account `json:"account"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&acct))
	assert.Equal(t, domain.Units(4), acct.Account.CreditsBalance)
	assert.Empty(t, acct.Account.Applied)

	rr = env.do(t, http.MethodGet, "/v1/jobs/"+view.ID+"/artifact", "u1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "<h1>Hello</h1>", rr.Body.String())
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/html")

	rr = env.do(t, http.MethodGet, "/v1/jobs/"+view.ID, "u2", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, http.MethodGet, "/v1/account/transactions", "u1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var txns struct {
		Items []domain.CreditTransaction `json:"items"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&txns))
	require.Len(t, txns.Items, 2)
	assert.Equal(t, domain.TransactionDeduction, txns.Items[0].Type)
}

func TestLongJobIsQueued(t *testing.T) {
	env := newEnv(t)
	env.account(t, "u1", "metered", 5)

	rr := env.do(t, http.MethodPost, "/v1/jobs", "u1", htmlJob())
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var view domain.JobView
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&view))
	assert.Equal(t, domain.JobStatusQueued, view.Status)
	assert.Equal(t, "/v1/jobs/"+view.ID, rr.Header().Get("Location"))

	ready, _ := env.queue.Len()
	assert.Equal(t, 1, ready)

	rr = env.do(t, http.MethodGet, "/v1/jobs?status=queued", "u1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Items []domain.JobView `json:"items"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, view.ID, list.Items[0].ID)

	rr = env.do(t, http.MethodGet, "/v1/jobs?status=bogus", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSubmissionValidation(t *testing.T) {
	env := newEnv(t)
	env.account(t, "u1", "metered", 5)

	rr := env.do(t, http.MethodPost, "/v1/jobs", "u1", map[string]any{"input_type": "pdf", "content": "x"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_input", decodeError(t, rr).Error.Code)

	rr = env.do(t, http.MethodPost, "/v1/jobs", "u1", map[string]any{"input_type": "html", "content": "x", "extra": 1})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/v1/jobs", "ghost", htmlJob())
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAdmissionErrors(t *testing.T) {
	env := newEnv(t)
	env.account(t, "fast", "tight", 0)
	env.account(t, "capped", "capped", 0)
	env.account(t, "broke", "metered", 0)

	for i := 0; i < 2; i++ {
		rr := env.do(t, http.MethodPost, "/v1/jobs/quick", "fast", htmlJob())
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}
	rr := env.do(t, http.MethodPost, "/v1/jobs/quick", "fast", htmlJob())
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	retryAfter, err := strconv.Atoi(rr.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 1)
	body := decodeError(t, rr)
	assert.Equal(t, "rate_limited", body.Error.Code)
	assert.Equal(t, float64(2), body.Error.Details["limit"])
	assert.Equal(t, float64(2), body.Error.Details["current"])
	assert.Equal(t, float64(retryAfter), body.Error.Details["retry_after"])

	rr = env.do(t, http.MethodPost, "/v1/jobs/quick", "capped", htmlJob())
	require.Equal(t, http.StatusOK, rr.Code)
	rr = env.do(t, http.MethodPost, "/v1/jobs/quick", "capped", htmlJob())
	require.Equal(t, http.StatusForbidden, rr.Code)
	body = decodeError(t, rr)
	assert.Equal(t, "quota_exceeded", body.Error.Code)
	assert.Equal(t, float64(1), body.Error.Details["current"])
	assert.Equal(t, float64(1), body.Error.Details["limit"])

	rr = env.do(t, http.MethodPost, "/v1/jobs/quick", "broke", htmlJob())
	require.Equal(t, http.StatusPaymentRequired, rr.Code)
	body = decodeError(t, rr)
	assert.Equal(t, "insufficient_credits", body.Error.Code)
	assert.Equal(t, "1.00", body.Error.Details["required"])
}

func TestWebhookRoutes(t *testing.T) {
	env := newEnv(t)
	env.account(t, "u1", "starter", 0)

	rr := env.do(t, http.MethodPost, "/v1/webhooks", "u1", map[string]any{"url": "http://example.com/hook", "events": []string{"job.completed"}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/v1/webhooks", "u1", map[string]any{"url": "https://example.com/hook", "events": []string{"job.completed"}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var hook domain.Webhook
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&hook))

	rr = env.do(t, http.MethodPost, "/v1/webhooks", "u1", map[string]any{"url": "https://example.com/other", "events": []string{"job.failed"}})
	require.Equal(t, http.StatusForbidden, rr.Code)
	body := decodeError(t, rr)
	assert.Equal(t, "limit_exceeded", body.Error.Code)
	assert.Equal(t, float64(1), body.Error.Details["current"])
	assert.Equal(t, float64(1), body.Error.Details["limit"])

	rr = env.do(t, http.MethodPatch, "/v1/webhooks/"+hook.ID, "u1", map[string]any{"is_active": false})
	require.Equal(t, http.StatusOK, rr.Code)
	var patched domain.Webhook
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&patched))
	assert.False(t, patched.IsActive)

	rr = env.do(t, http.MethodGet, "/v1/webhooks/"+hook.ID, "u2", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, http.MethodGet, "/v1/webhooks/"+hook.ID+"/deliveries", "u1", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodDelete, "/v1/webhooks/"+hook.ID, "u1", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = env.do(t, http.MethodGet, "/v1/webhooks/"+hook.ID, "u1", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func signedCallback(t *testing.T, path string, body any, secret string) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	ts := time.Now().Unix()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set(handlers.HeaderPaymentTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(handlers.HeaderPaymentSignature, webhooks.Sign(secret, ts, raw))
	return req
}

func TestPaymentCallbacks(t *testing.T) {
	env := newEnv(t)
	env.account(t, "u1", "metered", 0)
	purchase := map[string]any{"owner_id": "u1", "amount": "100.00", "reference": "pay_1"}

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, signedCallback(t, "/v1/billing/purchases", purchase, "wrong"))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, signedCallback(t, "/v1/billing/purchases", purchase, paymentSecret))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, signedCallback(t, "/v1/billing/purchases", purchase, paymentSecret))
	require.Equal(t, http.StatusOK, rr.Code)
	var replay struct {
		Duplicate bool `json:"duplicate"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&replay))
	assert.True(t, replay.Duplicate)

	refund := map[string]any{"owner_id": "u1", "reference": "pay_1", "adjustment_id": "adj_1"}
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, signedCallback(t, "/v1/billing/refunds", refund, paymentSecret))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	acct, err := env.ledger.GetAccount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.Money(0), acct.CreditsBalance)
}
