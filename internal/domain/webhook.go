package domain

import "time"

// EventType names a job lifecycle notification.
type EventType string

const (
	EventJobQueued     EventType = "job.queued"
	EventJobProcessing EventType = "job.processing"
	EventJobCompleted  EventType = "job.completed"
	EventJobFailed     EventType = "job.failed"
	EventJobTimeout    EventType = "job.timeout"
)

// SupportedEvents is the subscribable event vocabulary.
var SupportedEvents = []EventType{
	EventJobQueued,
	EventJobProcessing,
	EventJobCompleted,
	EventJobFailed,
	EventJobTimeout,
}

// Valid reports whether the event is part of the vocabulary.
func (e EventType) Valid() bool {
	for _, s := range SupportedEvents {
		if s == e {
			return true
		}
	}
	return false
}

// EventForStatus maps a job status to its lifecycle event.
func EventForStatus(status JobStatus) EventType {
	switch status {
	case JobStatusQueued:
		return EventJobQueued
	case JobStatusProcessing:
		return EventJobProcessing
	case JobStatusCompleted:
		return EventJobCompleted
	case JobStatusTimeout:
		return EventJobTimeout
	default:
		return EventJobFailed
	}
}

// Webhook is a callback subscription owned by an account.
type Webhook struct {
	ID              string      `json:"webhook_id"`
	OwnerID         string      `json:"owner_id"`
	URL             string      `json:"url"`
	Events          []EventType `json:"events"`
	Description     string      `json:"description,omitempty"`
	IsActive        bool        `json:"is_active"`
	SuccessCount    int64       `json:"success_count"`
	FailureCount    int64       `json:"failure_count"`
	LastSuccessAt   *time.Time  `json:"last_success_at,omitempty"`
	LastFailureAt   *time.Time  `json:"last_failure_at,omitempty"`
	LastTriggeredAt *time.Time  `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Subscribes reports whether the webhook wants the event.
func (w Webhook) Subscribes(event EventType) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// WebhookPatch lists the fields an owner may change. Nil fields are left
// untouched.
type WebhookPatch struct {
	URL         *string      `json:"url,omitempty"`
	Events      *[]EventType `json:"events,omitempty"`
	Description *string      `json:"description,omitempty"`
	IsActive    *bool        `json:"is_active,omitempty"`
}

// DeliveryStatus is the outcome of one delivery attempt.
type DeliveryStatus string

const (
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliveryTimeout DeliveryStatus = "timeout"
)

// WebhookDeliveryRecord is the immutable audit row written per attempt.
type WebhookDeliveryRecord struct {
	ID          string         `json:"id"`
	DeliveryID  string         `json:"delivery_id"`
	WebhookID   string         `json:"webhook_id"`
	OwnerID     string         `json:"owner_id"`
	JobID       string         `json:"job_id,omitempty"`
	EventType   EventType      `json:"event_type"`
	Status      DeliveryStatus `json:"status"`
	StatusCode  int            `json:"status_code,omitempty"`
	RetryCount  int            `json:"retry_count"`
	DeliveredAt time.Time      `json:"delivered_at"`
	DurationMS  int64          `json:"duration_ms"`
	PayloadSize int            `json:"payload_size"`
	Error       string         `json:"error,omitempty"`
}

// EventPayload is the JSON body posted to webhook receivers.
type EventPayload struct {
	Event         EventType     `json:"event"`
	JobID         string        `json:"job_id"`
	JobType       JobType       `json:"job_type"`
	Status        JobStatus     `json:"status"`
	ArtifactURL   string        `json:"artifact_url,omitempty"`
	ArtifactUntil *time.Time    `json:"artifact_expires_at,omitempty"`
	Pages         int           `json:"pages,omitempty"`
	Cost          *Money        `json:"cost,omitempty"`
	BillingStatus BillingStatus `json:"billing_status,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// PayloadForJob builds the event payload describing the job's current state.
func PayloadForJob(event EventType, j Job, now time.Time) EventPayload {
	p := EventPayload{
		Event:         event,
		JobID:         j.ID,
		JobType:       j.Type,
		Status:        j.Status,
		Pages:         j.Pages,
		BillingStatus: j.BillingStatus,
		ErrorMessage:  j.ErrorMessage,
		CreatedAt:     j.CreatedAt,
		CompletedAt:   j.CompletedAt,
		Timestamp:     now,
	}
	if j.Artifact != nil {
		p.ArtifactURL = j.Artifact.URL
		p.ArtifactUntil = j.Artifact.ExpiresAt
	}
	if j.Status == JobStatusCompleted {
		cost := j.Cost
		p.Cost = &cost
	}
	return p
}
