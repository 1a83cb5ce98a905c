package webhooks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docapi/internal/domain"
	"docapi/internal/store"
)

type fixedPlan struct{ plan domain.Plan }

func (f fixedPlan) PlanFor(context.Context, string) (domain.Plan, error) { return f.plan, nil }

func newTestRegistry(maxWebhooks int) *Registry {
	return NewRegistry(store.NewMemory(), fixedPlan{domain.Plan{Name: "test", MaxWebhooks: maxWebhooks}}, zerolog.Nop())
}

func createReq(url string, events ...domain.EventType) CreateRequest {
	return CreateRequest{URL: url, Events: events}
}

func TestCreateEnforcesPlanCapacity(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(1)

	first, err := r.Create(ctx, "u1", createReq("https://example.com/hook", domain.EventJobCompleted))
	require.NoError(t, err)
	assert.True(t, first.IsActive)
	assert.NotEmpty(t, first.ID)

	_, err = r.Create(ctx, "u1", createReq("https://example.com/other", domain.EventJobFailed))
	var le *domain.LimitError
	require.ErrorAs(t, err, &le)
	assert.ErrorIs(t, err, domain.ErrLimitExceeded)
	assert.Equal(t, 1, le.Current)
	assert.Equal(t, 1, le.Max)

	_, err = r.Create(ctx, "u2", createReq("https://example.com/hook", domain.EventJobCompleted))
	assert.NoError(t, err, "limit is per owner")
}

func TestCreateCapacityHoldsUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(5)

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Create(ctx, "u1", createReq("https://example.com/h", domain.EventJobCompleted)); err == nil {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), created.Load())

	hooks, err := r.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, hooks, 5)
}

func TestCreateUnlimitedWhenPlanHasNoLimit(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(store.NewMemory(), nil, zerolog.Nop())
	for i := 0; i < 30; i++ {
		_, err := r.Create(ctx, "u1", createReq("https://example.com/h", domain.EventJobQueued))
		require.NoError(t, err)
	}
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(0)

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"missing url", createReq("", domain.EventJobCompleted)},
		{"plain http", createReq("http://example.com/hook", domain.EventJobCompleted)},
		{"relative url", createReq("/hook", domain.EventJobCompleted)},
		{"no events", createReq("https://example.com/hook")},
		{"unknown event", createReq("https://example.com/hook", "job.deleted")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Create(ctx, "u1", tc.req)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestCreateDeduplicatesEvents(t *testing.T) {
	r := newTestRegistry(0)
	hook, err := r.Create(context.Background(), "u1", createReq("https://example.com/h",
		domain.EventJobCompleted, domain.EventJobFailed, domain.EventJobCompleted))
	require.NoError(t, err)
	assert.Equal(t, []domain.EventType{domain.EventJobCompleted, domain.EventJobFailed}, hook.Events)
}

func TestGetUpdateDeleteOwnership(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(1)
	hook, err := r.Create(ctx, "u1", createReq("https://example.com/h", domain.EventJobCompleted))
	require.NoError(t, err)

	_, err = r.Get(ctx, "u2", hook.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = r.Get(ctx, "u1", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	inactive := false
	events := []domain.EventType{domain.EventJobTimeout}
	_, err = r.Update(ctx, "u2", hook.ID, domain.WebhookPatch{IsActive: &inactive})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	updated, err := r.Update(ctx, "u1", hook.ID, domain.WebhookPatch{IsActive: &inactive, Events: &events})
	require.NoError(t, err)
	assert.False(t, updated.IsActive)
	assert.Equal(t, events, updated.Events)
	assert.Equal(t, hook.URL, updated.URL)

	bad := "http://insecure.example.com"
	_, err = r.Update(ctx, "u1", hook.ID, domain.WebhookPatch{URL: &bad})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	assert.ErrorIs(t, r.Delete(ctx, "u2", hook.ID), domain.ErrForbidden)
	require.NoError(t, r.Delete(ctx, "u1", hook.ID))
	assert.ErrorIs(t, r.Delete(ctx, "u1", hook.ID), domain.ErrNotFound)

	_, err = r.Create(ctx, "u1", createReq("https://example.com/again", domain.EventJobCompleted))
	assert.NoError(t, err, "deleting frees capacity")
}

func TestListActiveForEvent(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(0)

	done, err := r.Create(ctx, "u1", createReq("https://example.com/a", domain.EventJobCompleted))
	require.NoError(t, err)
	_, err = r.Create(ctx, "u1", createReq("https://example.com/b", domain.EventJobFailed))
	require.NoError(t, err)
	paused, err := r.Create(ctx, "u1", createReq("https://example.com/c", domain.EventJobCompleted))
	require.NoError(t, err)
	off := false
	_, err = r.Update(ctx, "u1", paused.ID, domain.WebhookPatch{IsActive: &off})
	require.NoError(t, err)

	hooks, err := r.ListActiveForEvent(ctx, "u1", domain.EventJobCompleted)
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.Equal(t, done.ID, hooks[0].ID)
}
