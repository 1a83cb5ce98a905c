package domain

import "time"

// JobType distinguishes synchronous from queued rendering.
type JobType string

const (
	JobTypeQuick JobType = "quick"
	JobTypeLong  JobType = "long"
)

// InputMode enumerates the accepted input kinds.
type InputMode string

const (
	InputHTML     InputMode = "html"
	InputMarkdown InputMode = "markdown"
	InputImage    InputMode = "image"
	InputURL      InputMode = "url"
)

// Valid reports whether the mode is supported.
func (m InputMode) Valid() bool {
	switch m {
	case InputHTML, InputMarkdown, InputImage, InputURL:
		return true
	}
	return false
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusTimeout    JobStatus = "timeout"
)

// Valid reports whether the status is part of the state machine.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusTimeout:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition can leave this status.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusTimeout
}

// CanTransition reports whether from → to is an edge of the job state
// machine for the given job type.
func CanTransition(jobType JobType, from, to JobStatus) bool {
	switch from {
	case JobStatusQueued:
		return to == JobStatusProcessing
	case JobStatusProcessing:
		switch to {
		case JobStatusCompleted, JobStatusFailed:
			return true
		case JobStatusTimeout:
			return jobType == JobTypeQuick
		}
	}
	return false
}

// BillingStatus records how a job's charge was settled.
type BillingStatus string

const (
	BillingPending  BillingStatus = "pending"
	BillingBilled   BillingStatus = "billed"
	BillingFree     BillingStatus = "free_credit"
	BillingUnbilled BillingStatus = "unbilled"
)

// Job encapsulates the lifecycle of one document generation.
type Job struct {
	ID           string     `json:"job_id"`
	OwnerID      string     `json:"owner_id"`
	Type         JobType    `json:"job_type"`
	Mode         InputMode  `json:"mode"`
	Status       JobStatus  `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`

	Pages         int           `json:"pages,omitempty"`
	Truncated     bool          `json:"truncated,omitempty"`
	Cost          Money         `json:"cost"`
	BillingStatus BillingStatus `json:"billing_status,omitempty"`

	Artifact *Artifact `json:"artifact,omitempty"`

	// Long jobs only.
	WebhookDelivered bool `json:"webhook_delivered,omitempty"`
	// Quick jobs only.
	TimedOut bool `json:"timed_out,omitempty"`

	// Attempts counts applied queued-to-processing transitions. That
	// transition happens at most once, so it is 0 or 1. Not exposed to
	// clients.
	Attempts int `json:"attempts"`
}

// JobResult carries the outcome written by Complete.
type JobResult struct {
	Artifact      *Artifact
	Pages         int
	Truncated     bool
	Cost          Money
	BillingStatus BillingStatus
}

// JobView is the client-facing projection of a Job.
type JobView struct {
	ID               string        `json:"job_id"`
	Type             JobType       `json:"job_type"`
	Mode             InputMode     `json:"mode"`
	Status           JobStatus     `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	Pages            int           `json:"pages,omitempty"`
	Truncated        bool          `json:"truncated,omitempty"`
	Cost             Money         `json:"cost"`
	BillingStatus    BillingStatus `json:"billing_status,omitempty"`
	ArtifactURL      string        `json:"artifact_url,omitempty"`
	ArtifactExpires  *time.Time    `json:"artifact_expires_at,omitempty"`
	WebhookDelivered *bool         `json:"webhook_delivered,omitempty"`
	TimedOut         *bool         `json:"timed_out,omitempty"`
}

// View projects the job onto its public read model.
func (j Job) View() JobView {
	v := JobView{
		ID:            j.ID,
		Type:          j.Type,
		Mode:          j.Mode,
		Status:        j.Status,
		CreatedAt:     j.CreatedAt,
		CompletedAt:   j.CompletedAt,
		ErrorMessage:  j.ErrorMessage,
		Pages:         j.Pages,
		Truncated:     j.Truncated,
		Cost:          j.Cost,
		BillingStatus: j.BillingStatus,
	}
	if j.Artifact != nil {
		v.ArtifactURL = j.Artifact.URL
		v.ArtifactExpires = j.Artifact.ExpiresAt
	}
	switch j.Type {
	case JobTypeLong:
		delivered := j.WebhookDelivered
		v.WebhookDelivered = &delivered
	case JobTypeQuick:
		timedOut := j.TimedOut
		v.TimedOut = &timedOut
	}
	return v
}
