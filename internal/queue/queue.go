// Package queue carries job submissions and deferred ledger work between
// the API and the workers with at-least-once delivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"docapi/internal/domain"
)

// Message kinds.
const (
	KindJobSubmit    = "job.submit"
	KindCreditDeduct = "credit.deduct"
)

// ErrEmpty is returned by Receive when nothing arrived within the poll
// interval.
var ErrEmpty = errors.New("queue: no message available")

// Delivery is one received message. Attempt starts at 1 and grows each time
// the message is redelivered.
type Delivery struct {
	ID      string
	Kind    string
	Body    []byte
	Attempt int
}

// Decode unmarshals the body into v.
func (d Delivery) Decode(v any) error {
	return json.Unmarshal(d.Body, v)
}

// Publisher enqueues messages.
type Publisher interface {
	Publish(ctx context.Context, kind string, body any) error
}

// Consumer receives messages. Ack removes a message for good; Nack hands it
// back for a later redelivery.
type Consumer interface {
	Receive(ctx context.Context) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	Nack(ctx context.Context, d Delivery) error
}

// Queue is both ends.
type Queue interface {
	Publisher
	Consumer
}

// SubmitMessage asks a worker to render a long job.
type SubmitMessage struct {
	JobID     string            `json:"job_id"`
	OwnerID   string            `json:"owner_id"`
	InputType domain.InputMode  `json:"input_type"`
	Content   string            `json:"content"`
	Options   map[string]string `json:"options,omitempty"`
}

// DeductMessage defers a ledger deduction for a finished job.
// When Unpriced is set the amount is resolved from the owner's plan and
// Pages at delivery time.
type DeductMessage struct {
	JobID     string       `json:"job_id"`
	OwnerID   string       `json:"owner_id"`
	Amount    domain.Money `json:"amount"`
	Pages     int          `json:"pages,omitempty"`
	Unpriced  bool         `json:"unpriced,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
