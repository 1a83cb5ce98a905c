// Package processor drives jobs through rendering, billing and
// notification.
package processor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"docapi/internal/domain"
	"docapi/internal/infra"
	"docapi/internal/jobs"
	"docapi/internal/queue"
	"docapi/internal/render"
	"docapi/internal/storage"
	"docapi/internal/webhooks"
)

// MaxContentBytes bounds submitted content.
const MaxContentBytes = 5 << 20

// Ledger is the part of the credit ledger the processor needs.
type Ledger interface {
	PlanFor(ctx context.Context, ownerID string) (domain.Plan, error)
	Deduct(ctx context.Context, ownerID, jobID string, amount domain.Money) (domain.DeductionResult, error)
}

// Notifier fans job events out to webhooks.
type Notifier interface {
	Dispatch(ctx context.Context, ownerID string, event domain.EventType, payload domain.EventPayload, jobID string) ([]webhooks.Result, error)
}

// Config holds processing limits.
type Config struct {
	QuickTimeout time.Duration
	Pages        render.PagePolicy
}

// Processor is the job orchestrator shared by the API and the workers.
type Processor struct {
	jobs      *jobs.Registry
	ledger    Ledger
	renderer  render.Renderer
	artifacts *storage.Artifacts
	notifier  Notifier
	queue     queue.Publisher
	cfg       Config
	logger    zerolog.Logger
	metrics   *infra.Metrics
	now       func() time.Time

	background sync.WaitGroup
}

// Deps groups the collaborators of a Processor.
type Deps struct {
	Jobs      *jobs.Registry
	Ledger    Ledger
	Renderer  render.Renderer
	Artifacts *storage.Artifacts
	Notifier  Notifier
	Queue     queue.Publisher
	Logger    zerolog.Logger
	Metrics   *infra.Metrics
}

func New(deps Deps, cfg Config) *Processor {
	if cfg.QuickTimeout <= 0 {
		cfg.QuickTimeout = 30 * time.Second
	}
	return &Processor{
		jobs:      deps.Jobs,
		ledger:    deps.Ledger,
		renderer:  deps.Renderer,
		artifacts: deps.Artifacts,
		notifier:  deps.Notifier,
		queue:     deps.Queue,
		cfg:       cfg,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		now:       time.Now,
	}
}

// Wait blocks until background notifications have finished.
func (p *Processor) Wait() { p.background.Wait() }

// ValidateInput rejects malformed submissions.
func ValidateInput(in domain.RenderInput) error {
	if !in.Mode.Valid() {
		return domain.Invalid("input_type", "must be one of html, markdown, image, url")
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return domain.Invalid("content", "is required")
	}
	if len(in.Content) > MaxContentBytes {
		return domain.Invalid("content", "must be at most %d bytes", MaxContentBytes)
	}
	if in.Mode == domain.InputURL {
		u, err := url.Parse(content)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return domain.Invalid("content", "must be an absolute http(s) URL")
		}
	}
	return nil
}

// =============================================================================
// Long jobs
// =============================================================================

// SubmitLong creates a queued job and enqueues it for a worker.
func (p *Processor) SubmitLong(ctx context.Context, ownerID string, in domain.RenderInput) (domain.Job, error) {
	if err := ValidateInput(in); err != nil {
		return domain.Job{}, err
	}
	job, err := p.jobs.Create(ctx, domain.Job{OwnerID: ownerID, Type: domain.JobTypeLong, Mode: in.Mode})
	if err != nil {
		return domain.Job{}, err
	}
	msg := queue.SubmitMessage{
		JobID:     job.ID,
		OwnerID:   ownerID,
		InputType: in.Mode,
		Content:   in.Content,
		Options:   in.Options,
	}
	if err := p.queue.Publish(ctx, queue.KindJobSubmit, msg); err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("processor: enqueue failed")
		if failed, ferr := p.failQueued(context.WithoutCancel(ctx), job.ID, "The job could not be queued. Please submit it again."); ferr == nil {
			p.notify(ctx, failed, false)
		}
		return domain.Job{}, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	p.notify(ctx, job, false)
	return job, nil
}

// failQueued moves a queued job through processing to failed.
func (p *Processor) failQueued(ctx context.Context, jobID, message string) (domain.Job, error) {
	if _, err := p.jobs.TransitionToProcessing(ctx, jobID); err != nil {
		return domain.Job{}, err
	}
	return p.jobs.Fail(ctx, jobID, message)
}

// HandleSubmission runs one long job. Redeliveries of a job that already
// left queued are absorbed. A returned error means the message should be
// redelivered.
func (p *Processor) HandleSubmission(ctx context.Context, msg queue.SubmitMessage) error {
	res, err := p.jobs.TransitionToProcessing(ctx, msg.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		p.logger.Warn().Str("job_id", msg.JobID).Msg("processor: submission for unknown job dropped")
		return nil
	}
	if err != nil {
		return err
	}
	if !res.Applied {
		return nil
	}
	job := res.Job
	p.notify(ctx, job, false)

	in := domain.RenderInput{Mode: msg.InputType, Content: msg.Content, Options: msg.Options}
	result, err := p.produce(ctx, job, in)
	if err != nil {
		failed, ferr := p.jobs.Fail(context.WithoutCancel(ctx), job.ID, failureMessage(err))
		if ferr != nil {
			p.logger.Error().Err(ferr).Str("job_id", job.ID).Msg("processor: fail write failed")
			return nil
		}
		p.notifySync(ctx, failed)
		return nil
	}

	result = p.settle(ctx, job, result)
	done, err := p.jobs.Complete(context.WithoutCancel(ctx), job.ID, result)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("processor: complete write failed")
		return err
	}
	p.notifySync(ctx, done)
	return nil
}

// HandleDeduction settles a deduction deferred by a transient ledger error.
// Insufficient credits end the retries; other errors ask for redelivery.
func (p *Processor) HandleDeduction(ctx context.Context, msg queue.DeductMessage) error {
	amount := msg.Amount
	if msg.Unpriced {
		plan, err := p.ledger.PlanFor(ctx, msg.OwnerID)
		if errors.Is(err, domain.ErrNotFound) {
			p.logger.Warn().Str("job_id", msg.JobID).Str("owner_id", msg.OwnerID).Msg("processor: deferred deduction for unknown account dropped")
			return nil
		}
		if err != nil {
			return fmt.Errorf("price job %s: %w", msg.JobID, err)
		}
		amount = priceFor(plan, msg.Pages)
	}

	res, err := p.ledger.Deduct(ctx, msg.OwnerID, msg.JobID, amount)
	var insufficient *domain.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		return p.jobs.UpdateBilling(ctx, msg.JobID, domain.BillingUnbilled, amount)
	case errors.Is(err, domain.ErrNotFound):
		p.logger.Warn().Str("job_id", msg.JobID).Str("owner_id", msg.OwnerID).Msg("processor: deferred deduction for unknown account dropped")
		return nil
	case err != nil:
		return err
	}
	status, cost := billingFor(res)
	return p.jobs.UpdateBilling(ctx, msg.JobID, status, cost)
}

// =============================================================================
// Quick jobs
// =============================================================================

// RunQuick renders synchronously within the quick-job budget. When the
// budget runs out the job is marked timeout, the late result is dropped and
// domain.ErrJobTimeout returned.
func (p *Processor) RunQuick(ctx context.Context, ownerID string, in domain.RenderInput) (domain.Job, error) {
	if err := ValidateInput(in); err != nil {
		return domain.Job{}, err
	}
	job, err := p.jobs.Create(ctx, domain.Job{OwnerID: ownerID, Type: domain.JobTypeQuick, Mode: in.Mode})
	if err != nil {
		return domain.Job{}, err
	}
	p.notify(ctx, job, false)

	rctx, cancel := context.WithTimeout(ctx, p.cfg.QuickTimeout)
	defer cancel()

	type outcome struct {
		doc *render.Document
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		doc, err := p.render(rctx, job, in)
		done <- outcome{doc, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-rctx.Done():
		out = outcome{err: rctx.Err()}
	}

	if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
		msg := fmt.Sprintf("Rendering took longer than %s. Submit large documents to the asynchronous jobs endpoint.", p.cfg.QuickTimeout)
		timedOut, err := p.jobs.MarkTimeout(context.WithoutCancel(ctx), job.ID, msg)
		if err != nil {
			return domain.Job{}, err
		}
		p.notify(ctx, timedOut, false)
		return timedOut, fmt.Errorf("job %s: %w", job.ID, domain.ErrJobTimeout)
	}

	var result domain.JobResult
	if out.err == nil {
		result, out.err = p.store(ctx, job, out.doc)
	}
	if out.err != nil {
		failed, err := p.jobs.Fail(context.WithoutCancel(ctx), job.ID, failureMessage(out.err))
		if err != nil {
			return domain.Job{}, err
		}
		p.notify(ctx, failed, false)
		return failed, out.err
	}

	result = p.settle(ctx, job, result)
	completed, err := p.jobs.Complete(context.WithoutCancel(ctx), job.ID, result)
	if err != nil {
		return domain.Job{}, err
	}
	if completed.Status != domain.JobStatusCompleted && result.Artifact != nil {
		if err := p.artifacts.Discard(context.WithoutCancel(ctx), *result.Artifact); err != nil {
			p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("processor: discard orphaned artifact failed")
		}
	}
	p.notify(ctx, completed, false)
	return completed, nil
}

// =============================================================================
// Shared steps
// =============================================================================

// produce renders and stores the document.
func (p *Processor) produce(ctx context.Context, job domain.Job, in domain.RenderInput) (domain.JobResult, error) {
	doc, err := p.render(ctx, job, in)
	if err != nil {
		return domain.JobResult{}, err
	}
	return p.store(ctx, job, doc)
}

func (p *Processor) render(ctx context.Context, job domain.Job, in domain.RenderInput) (*render.Document, error) {
	start := time.Now()
	doc, err := p.renderer.Render(ctx, render.Request{
		JobID:    job.ID,
		Mode:     in.Mode,
		Content:  in.Content,
		Options:  in.Options,
		MaxPages: p.cfg.Pages.MaxPages,
	})
	p.metrics.Render(string(job.Type), time.Since(start))
	return doc, err
}

func (p *Processor) store(ctx context.Context, job domain.Job, doc *render.Document) (domain.JobResult, error) {
	truncated, err := p.cfg.Pages.Apply(doc)
	if err != nil {
		return domain.JobResult{}, err
	}
	art, err := p.artifacts.Save(ctx, job.ID, doc.ContentType, doc.Data)
	if err != nil {
		return domain.JobResult{}, fmt.Errorf("store artifact: %w", err)
	}
	return domain.JobResult{Artifact: art, Pages: doc.Pages, Truncated: truncated}, nil
}

// settle prices the job and commits the deduction. Insufficient credits
// leave the job unbilled. Transient ledger errors, including a failed plan
// lookup, defer the deduction to the queue so the terminal write is not held
// up. A job is never charged at a price that was not resolved.
func (p *Processor) settle(ctx context.Context, job domain.Job, result domain.JobResult) domain.JobResult {
	msg := queue.DeductMessage{JobID: job.ID, OwnerID: job.OwnerID, Pages: result.Pages}

	plan, err := p.ledger.PlanFor(ctx, job.OwnerID)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("processor: plan lookup failed")
		result.Cost = 0
		result.BillingStatus = domain.BillingPending
		msg.Unpriced = true
		p.deferDeduction(ctx, msg, err)
		return result
	}
	price := priceFor(plan, result.Pages)
	result.Cost = price

	res, err := p.ledger.Deduct(ctx, job.OwnerID, job.ID, price)
	var insufficient *domain.InsufficientCreditsError
	switch {
	case err == nil:
		result.BillingStatus, result.Cost = billingFor(res)
	case errors.As(err, &insufficient):
		result.BillingStatus = domain.BillingUnbilled
	default:
		result.BillingStatus = domain.BillingPending
		msg.Amount = price
		p.deferDeduction(ctx, msg, err)
	}
	return result
}

func (p *Processor) deferDeduction(ctx context.Context, msg queue.DeductMessage, cause error) {
	msg.Timestamp = p.now().UTC()
	if err := p.queue.Publish(context.WithoutCancel(ctx), queue.KindCreditDeduct, msg); err != nil {
		p.logger.Error().Err(err).AnErr("cause", cause).Str("job_id", msg.JobID).Str("amount", msg.Amount.String()).
			Bool("unpriced", msg.Unpriced).Msg("processor: deduction could not be deferred, job left with pending billing")
		return
	}
	p.logger.Warn().Err(cause).Str("job_id", msg.JobID).Msg("processor: deduction deferred to queue")
}

func priceFor(plan domain.Plan, pages int) domain.Money {
	if plan.PricePerPage <= 0 {
		return 0
	}
	return plan.Price(pages)
}

func billingFor(res domain.DeductionResult) (domain.BillingStatus, domain.Money) {
	if res.Transaction.UsedFreeCredits {
		return domain.BillingFree, 0
	}
	return domain.BillingBilled, res.Transaction.Amount.Neg()
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrPageLimitExceeded):
		return "The document exceeds the page limit. Reduce its length and submit it again."
	case errors.Is(err, context.Canceled):
		return "Processing was interrupted. Please submit the job again."
	case errors.Is(err, domain.ErrRendererFailure):
		return "The document could not be rendered. Check the input and try again."
	default:
		return "The document could not be generated. Check the input and try again."
	}
}

// notify fires the event for the job's current status without waiting for
// delivery.
func (p *Processor) notify(ctx context.Context, job domain.Job, markDelivered bool) {
	if p.notifier == nil {
		return
	}
	p.background.Add(1)
	go func() {
		defer p.background.Done()
		p.dispatch(context.WithoutCancel(ctx), job, markDelivered)
	}()
}

// notifySync delivers the terminal event of a long job inline and records
// whether any webhook acknowledged it.
func (p *Processor) notifySync(ctx context.Context, job domain.Job) {
	if p.notifier == nil {
		return
	}
	p.dispatch(context.WithoutCancel(ctx), job, true)
}

func (p *Processor) dispatch(ctx context.Context, job domain.Job, markDelivered bool) {
	event := domain.EventForStatus(job.Status)
	results, err := p.notifier.Dispatch(ctx, job.OwnerID, event, domain.PayloadForJob(event, job, p.now().UTC()), job.ID)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Str("event", string(event)).Msg("processor: webhook dispatch failed")
		return
	}
	if markDelivered && webhooks.AnyDelivered(results) {
		if err := p.jobs.MarkWebhookDelivered(ctx, job.ID); err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("processor: mark webhook delivered failed")
		}
	}
}
