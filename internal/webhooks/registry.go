// Package webhooks manages callback subscriptions and delivers job events
// to them.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"docapi/internal/domain"
	"docapi/internal/ids"
	"docapi/internal/store"
)

// Collections owned by the webhook subsystem.
const (
	WebhooksCollection   = "webhooks"
	DeliveriesCollection = "webhook_deliveries"
	slotsCollection      = "webhook_slots"
)

const maxDescription = 500

// PlanResolver resolves the plan an owner is on.
type PlanResolver interface {
	PlanFor(ctx context.Context, ownerID string) (domain.Plan, error)
}

// slots counts an owner's webhooks so creation can enforce the plan limit
// with a single-key compare-and-swap.
type slots struct {
	OwnerID string `json:"owner_id"`
	Count   int    `json:"count"`
}

// Registry is the per-owner webhook subscription store.
type Registry struct {
	store  store.Store
	plans  PlanResolver
	logger zerolog.Logger
	now    func() time.Time
}

// NewRegistry builds a registry. plans may be nil, in which case no
// capacity limit applies.
func NewRegistry(s store.Store, plans PlanResolver, logger zerolog.Logger) *Registry {
	return &Registry{store: s, plans: plans, logger: logger, now: time.Now}
}

// CreateRequest describes a new subscription.
type CreateRequest struct {
	URL         string             `json:"url"`
	Events      []domain.EventType `json:"events"`
	Description string             `json:"description,omitempty"`
}

// Create registers a webhook for ownerID. The plan capacity is checked at
// creation time only; lowering a plan never removes existing webhooks.
func (r *Registry) Create(ctx context.Context, ownerID string, req CreateRequest) (domain.Webhook, error) {
	target, err := validateURL(req.URL)
	if err != nil {
		return domain.Webhook{}, err
	}
	events, err := validateEvents(req.Events)
	if err != nil {
		return domain.Webhook{}, err
	}
	desc := strings.TrimSpace(req.Description)
	if len(desc) > maxDescription {
		return domain.Webhook{}, domain.Invalid("description", "must be at most %d characters", maxDescription)
	}

	limit := 0
	if r.plans != nil {
		plan, err := r.plans.PlanFor(ctx, ownerID)
		if err != nil {
			return domain.Webhook{}, err
		}
		limit = plan.MaxWebhooks
	}
	if err := r.reserveSlot(ctx, ownerID, limit); err != nil {
		return domain.Webhook{}, err
	}

	now := r.now().UTC()
	hook := domain.Webhook{
		ID:          ids.New(ids.PrefixWebhook),
		OwnerID:     ownerID,
		URL:         target,
		Events:      events,
		Description: desc,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.Create(ctx, r.store, WebhooksCollection, hook.ID, hook, webhookIndexes(hook)...); err != nil {
		r.releaseSlot(ctx, ownerID)
		return domain.Webhook{}, err
	}
	r.logger.Info().Str("owner_id", ownerID).Str("webhook_id", hook.ID).Msg("webhooks: created")
	return hook, nil
}

func (r *Registry) reserveSlot(ctx context.Context, ownerID string, limit int) error {
	for {
		_, err := store.Mutate(ctx, r.store, slotsCollection, ownerID, func(cur slots) (slots, []string, error) {
			if limit > 0 && cur.Count >= limit {
				return cur, nil, &domain.LimitError{Resource: "webhooks", Current: cur.Count, Max: limit}
			}
			cur.Count++
			return cur, nil, nil
		})
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		count, err := r.countOwned(ctx, ownerID)
		if err != nil {
			return err
		}
		err = store.Create(ctx, r.store, slotsCollection, ownerID, slots{OwnerID: ownerID, Count: count})
		if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			return err
		}
	}
}

func (r *Registry) releaseSlot(ctx context.Context, ownerID string) {
	_, err := store.Mutate(ctx, r.store, slotsCollection, ownerID, func(cur slots) (slots, []string, error) {
		if cur.Count > 0 {
			cur.Count--
		}
		return cur, nil, nil
	})
	if err != nil {
		r.logger.Error().Err(err).Str("owner_id", ownerID).Msg("webhooks: release slot failed")
	}
}

func (r *Registry) countOwned(ctx context.Context, ownerID string) (int, error) {
	recs, err := r.store.Query(ctx, WebhooksCollection, "owner:"+ownerID)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Get returns a webhook owned by ownerID.
func (r *Registry) Get(ctx context.Context, ownerID, id string) (domain.Webhook, error) {
	hook, _, err := store.Load[domain.Webhook](ctx, r.store, WebhooksCollection, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Webhook{}, fmt.Errorf("webhook %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Webhook{}, err
	}
	if hook.OwnerID != ownerID {
		return domain.Webhook{}, fmt.Errorf("webhook %s: %w", id, domain.ErrForbidden)
	}
	return hook, nil
}

// List returns the owner's webhooks, oldest first.
func (r *Registry) List(ctx context.Context, ownerID string) ([]domain.Webhook, error) {
	hooks, err := store.QueryAll[domain.Webhook](ctx, r.store, WebhooksCollection, "owner:"+ownerID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].CreatedAt.Before(hooks[j].CreatedAt) })
	return hooks, nil
}

// ListActiveForEvent returns the owner's active webhooks subscribed to event.
func (r *Registry) ListActiveForEvent(ctx context.Context, ownerID string, event domain.EventType) ([]domain.Webhook, error) {
	hooks, err := r.List(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := hooks[:0]
	for _, h := range hooks {
		if h.IsActive && h.Subscribes(event) {
			out = append(out, h)
		}
	}
	return out, nil
}

// Update applies the set fields of patch.
func (r *Registry) Update(ctx context.Context, ownerID, id string, patch domain.WebhookPatch) (domain.Webhook, error) {
	if patch.URL != nil {
		target, err := validateURL(*patch.URL)
		if err != nil {
			return domain.Webhook{}, err
		}
		patch.URL = &target
	}
	if patch.Events != nil {
		events, err := validateEvents(*patch.Events)
		if err != nil {
			return domain.Webhook{}, err
		}
		patch.Events = &events
	}
	if patch.Description != nil {
		desc := strings.TrimSpace(*patch.Description)
		if len(desc) > maxDescription {
			return domain.Webhook{}, domain.Invalid("description", "must be at most %d characters", maxDescription)
		}
		patch.Description = &desc
	}

	hook, err := store.Mutate(ctx, r.store, WebhooksCollection, id, func(cur domain.Webhook) (domain.Webhook, []string, error) {
		if cur.OwnerID != ownerID {
			return cur, nil, fmt.Errorf("webhook %s: %w", id, domain.ErrForbidden)
		}
		if patch.URL != nil {
			cur.URL = *patch.URL
		}
		if patch.Events != nil {
			cur.Events = *patch.Events
		}
		if patch.Description != nil {
			cur.Description = *patch.Description
		}
		if patch.IsActive != nil {
			cur.IsActive = *patch.IsActive
		}
		cur.UpdatedAt = r.now().UTC()
		return cur, webhookIndexes(cur), nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return domain.Webhook{}, fmt.Errorf("webhook %s: %w", id, domain.ErrNotFound)
	}
	return hook, err
}

// Delete removes a webhook. Its delivery history is kept.
func (r *Registry) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := r.Get(ctx, ownerID, id); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, WebhooksCollection, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("webhook %s: %w", id, domain.ErrNotFound)
		}
		return err
	}
	r.releaseSlot(ctx, ownerID)
	r.logger.Info().Str("owner_id", ownerID).Str("webhook_id", id).Msg("webhooks: deleted")
	return nil
}

// RecordOutcome updates the aggregate statistics after the final attempt of
// one delivery.
func (r *Registry) RecordOutcome(ctx context.Context, id string, success bool, at time.Time) error {
	_, err := store.Mutate(ctx, r.store, WebhooksCollection, id, func(cur domain.Webhook) (domain.Webhook, []string, error) {
		at := at.UTC()
		if success {
			cur.SuccessCount++
			cur.LastSuccessAt = &at
		} else {
			cur.FailureCount++
			cur.LastFailureAt = &at
		}
		cur.LastTriggeredAt = &at
		return cur, webhookIndexes(cur), nil
	})
	return err
}

func webhookIndexes(h domain.Webhook) []string {
	return []string{"owner:" + h.OwnerID}
}

func validateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", domain.Invalid("url", "is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", domain.Invalid("url", "must be an absolute URL")
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return "", domain.Invalid("url", "must use https")
	}
	return u.String(), nil
}

func validateEvents(events []domain.EventType) ([]domain.EventType, error) {
	if len(events) == 0 {
		return nil, domain.Invalid("events", "at least one event is required")
	}
	seen := make(map[domain.EventType]struct{}, len(events))
	out := make([]domain.EventType, 0, len(events))
	for _, e := range events {
		if !e.Valid() {
			return nil, domain.Invalid("events", "unsupported event %q", e)
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out, nil
}
