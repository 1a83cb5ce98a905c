// Package jobs tracks job records and guards the job state machine.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"docapi/internal/domain"
	"docapi/internal/infra"
	"docapi/internal/store"
)

// Collection holds job records.
const Collection = "jobs"

// TransitionResult reports the outcome of the processing guard.
type TransitionResult struct {
	Applied bool
	Job     domain.Job
}

// Registry persists jobs and owns their status transitions.
type Registry struct {
	store   store.Store
	logger  zerolog.Logger
	metrics *infra.Metrics
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l zerolog.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *infra.Metrics) Option { return func(r *Registry) { r.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// NewRegistry builds a job registry on top of s.
func NewRegistry(s store.Store, opts ...Option) *Registry {
	r := &Registry{store: s, logger: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewJobID returns a fresh globally unique job identifier.
func NewJobID() string {
	return uuid.NewString()
}

func indexes(j domain.Job) []string {
	return []string{
		"owner:" + j.OwnerID,
		"owner_status:" + j.OwnerID + ":" + string(j.Status),
	}
}

// Create inserts a new job. Long jobs start queued and quick jobs start
// processing.
func (r *Registry) Create(ctx context.Context, j domain.Job) (domain.Job, error) {
	if j.OwnerID == "" {
		return domain.Job{}, domain.Invalid("owner_id", "is required")
	}
	if j.ID == "" {
		j.ID = NewJobID()
	}
	now := r.now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	switch j.Type {
	case domain.JobTypeLong:
		j.Status = domain.JobStatusQueued
	case domain.JobTypeQuick:
		j.Status = domain.JobStatusProcessing
		j.StartedAt = &now
	default:
		return domain.Job{}, domain.Invalid("job_type", "unsupported job type %q", j.Type)
	}
	if j.BillingStatus == "" {
		j.BillingStatus = domain.BillingPending
	}

	if err := store.Create(ctx, r.store, Collection, j.ID, j, indexes(j)...); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return domain.Job{}, fmt.Errorf("job %s: %w", j.ID, domain.ErrAlreadyExists)
		}
		return domain.Job{}, err
	}
	r.metrics.JobTransition(string(j.Type), string(j.Status))
	r.logger.Info().Str("job_id", j.ID).Str("owner_id", j.OwnerID).Str("status", string(j.Status)).Msg("jobs: created")
	return j, nil
}

// Get returns the job or domain.ErrNotFound.
func (r *Registry) Get(ctx context.Context, jobID string) (domain.Job, error) {
	j, _, err := store.Load[domain.Job](ctx, r.store, Collection, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Job{}, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	return j, err
}

// GetOwned returns the job when it belongs to ownerID. Jobs owned by someone
// else are reported as not found.
func (r *Registry) GetOwned(ctx context.Context, ownerID, jobID string) (domain.Job, error) {
	j, err := r.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.OwnerID != ownerID {
		return domain.Job{}, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	return j, nil
}

// ListByOwner lists the owner's jobs, optionally filtered by status.
func (r *Registry) ListByOwner(ctx context.Context, ownerID string, status domain.JobStatus) ([]domain.Job, error) {
	index := "owner:" + ownerID
	if status != "" {
		index = "owner_status:" + ownerID + ":" + string(status)
	}
	return store.QueryAll[domain.Job](ctx, r.store, Collection, index)
}

var errSkip = errors.New("transition not applicable")

// TransitionToProcessing is the dedup guard. Only a caller that moves the
// job out of queued sees Applied; every other caller must skip the work.
// Store errors are returned so the caller fails closed.
func (r *Registry) TransitionToProcessing(ctx context.Context, jobID string) (TransitionResult, error) {
	current, rec, err := store.Load[domain.Job](ctx, r.store, Collection, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return TransitionResult{}, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	if err != nil {
		return TransitionResult{}, err
	}
	if current.Status != domain.JobStatusQueued {
		r.absorbed(current)
		return TransitionResult{Applied: false, Job: current}, nil
	}

	now := r.now().UTC()
	next := current
	next.Status = domain.JobStatusProcessing
	next.StartedAt = &now
	next.UpdatedAt = now
	next.Attempts++

	if _, err := store.Encode(rec, next, indexes(next)...); err != nil {
		return TransitionResult{}, err
	}
	ok, err := r.store.CompareAndSwap(ctx, rec, rec.Version)
	if err != nil {
		return TransitionResult{}, err
	}
	if !ok {
		latest, getErr := r.Get(ctx, jobID)
		if getErr != nil {
			latest = current
		}
		r.absorbed(latest)
		return TransitionResult{Applied: false, Job: latest}, nil
	}

	r.metrics.JobTransition(string(next.Type), string(next.Status))
	r.logger.Info().Str("job_id", jobID).Msg("jobs: processing")
	return TransitionResult{Applied: true, Job: next}, nil
}

func (r *Registry) absorbed(j domain.Job) {
	r.metrics.DuplicateAbsorbed()
	r.logger.Info().Str("job_id", j.ID).Str("status", string(j.Status)).Msg("jobs: duplicate delivery absorbed")
}

// Complete records a successful outcome.
func (r *Registry) Complete(ctx context.Context, jobID string, result domain.JobResult) (domain.Job, error) {
	return r.finish(ctx, jobID, domain.JobStatusCompleted, func(j *domain.Job) {
		j.Artifact = result.Artifact
		j.Pages = result.Pages
		j.Truncated = result.Truncated
		j.Cost = result.Cost
		j.BillingStatus = result.BillingStatus
		j.ErrorMessage = ""
	})
}

// Fail records a failed outcome with a client-facing message.
func (r *Registry) Fail(ctx context.Context, jobID, message string) (domain.Job, error) {
	return r.finish(ctx, jobID, domain.JobStatusFailed, func(j *domain.Job) {
		j.ErrorMessage = message
		if j.BillingStatus == domain.BillingPending {
			j.BillingStatus = ""
		}
	})
}

// MarkTimeout records that a quick job exceeded its wall-clock budget.
func (r *Registry) MarkTimeout(ctx context.Context, jobID, message string) (domain.Job, error) {
	return r.finish(ctx, jobID, domain.JobStatusTimeout, func(j *domain.Job) {
		j.TimedOut = true
		j.ErrorMessage = message
		if j.BillingStatus == domain.BillingPending {
			j.BillingStatus = ""
		}
	})
}

// finish writes a terminal status. On a job that is already terminal the
// status is left alone and the stored job is returned unchanged.
func (r *Registry) finish(ctx context.Context, jobID string, status domain.JobStatus, apply func(*domain.Job)) (domain.Job, error) {
	applied := false
	var current domain.Job
	next, err := store.Mutate(ctx, r.store, Collection, jobID, func(j domain.Job) (domain.Job, []string, error) {
		current = j
		if j.Status.IsTerminal() {
			return j, nil, errSkip
		}
		if !domain.CanTransition(j.Type, j.Status, status) {
			return j, nil, fmt.Errorf("job %s %s -> %s: %w", jobID, j.Status, status, domain.ErrInvalidTransition)
		}
		now := r.now().UTC()
		j.Status = status
		j.UpdatedAt = now
		if j.CompletedAt == nil {
			j.CompletedAt = &now
		}
		apply(&j)
		applied = true
		return j, indexes(j), nil
	})
	switch {
	case errors.Is(err, errSkip):
		r.logger.Debug().Str("job_id", jobID).Str("status", string(current.Status)).Msg("jobs: already terminal")
		return current, nil
	case errors.Is(err, store.ErrNotFound):
		return domain.Job{}, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	case err != nil:
		return domain.Job{}, err
	}
	if applied {
		r.metrics.JobTransition(string(next.Type), string(status))
		r.logger.Info().Str("job_id", jobID).Str("status", string(status)).Msg("jobs: finished")
	}
	return next, nil
}

// MarkWebhookDelivered flags that at least one webhook acknowledged the
// job's terminal event.
func (r *Registry) MarkWebhookDelivered(ctx context.Context, jobID string) error {
	_, err := store.Mutate(ctx, r.store, Collection, jobID, func(j domain.Job) (domain.Job, []string, error) {
		if j.WebhookDelivered {
			return j, nil, errSkip
		}
		j.WebhookDelivered = true
		j.UpdatedAt = r.now().UTC()
		return j, indexes(j), nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	return err
}

// UpdateBilling records a late settlement for a completed job.
func (r *Registry) UpdateBilling(ctx context.Context, jobID string, status domain.BillingStatus, cost domain.Money) error {
	_, err := store.Mutate(ctx, r.store, Collection, jobID, func(j domain.Job) (domain.Job, []string, error) {
		if j.BillingStatus == status && j.Cost == cost {
			return j, nil, errSkip
		}
		j.BillingStatus = status
		j.Cost = cost
		j.UpdatedAt = r.now().UTC()
		return j, indexes(j), nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	return err
}
