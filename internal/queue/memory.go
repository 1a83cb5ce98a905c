package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process queue for tests and single-binary development.
type Memory struct {
	mu       sync.Mutex
	ready    []Delivery
	inflight map[string]Delivery
	seq      int
	notify   chan struct{}
	poll     time.Duration
}

// NewMemory returns an empty queue whose Receive waits up to poll.
func NewMemory(poll time.Duration) *Memory {
	if poll <= 0 {
		poll = time.Second
	}
	return &Memory{
		inflight: make(map[string]Delivery),
		notify:   make(chan struct{}, 1),
		poll:     poll,
	}
}

func (m *Memory) Publish(_ context.Context, kind string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.seq++
	m.ready = append(m.ready, Delivery{ID: strconv.Itoa(m.seq), Kind: kind, Body: raw, Attempt: 1})
	m.mu.Unlock()
	m.wake()
	return nil
}

func (m *Memory) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Memory) Receive(ctx context.Context) (Delivery, error) {
	timer := time.NewTimer(m.poll)
	defer timer.Stop()
	for {
		m.mu.Lock()
		if len(m.ready) > 0 {
			d := m.ready[0]
			m.ready = m.ready[1:]
			m.inflight[d.ID] = d
			more := len(m.ready) > 0
			m.mu.Unlock()
			if more {
				m.wake()
			}
			return d, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-timer.C:
			return Delivery{}, ErrEmpty
		case <-m.notify:
		}
	}
}

func (m *Memory) Ack(_ context.Context, d Delivery) error {
	m.mu.Lock()
	delete(m.inflight, d.ID)
	m.mu.Unlock()
	return nil
}

// Nack puts the message back at the end of the queue with its attempt
// counter bumped.
func (m *Memory) Nack(_ context.Context, d Delivery) error {
	m.mu.Lock()
	if cur, ok := m.inflight[d.ID]; ok {
		delete(m.inflight, d.ID)
		cur.Attempt++
		m.ready = append(m.ready, cur)
	}
	m.mu.Unlock()
	m.wake()
	return nil
}

// Len reports queued plus in-flight messages.
func (m *Memory) Len() (ready, inflight int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready), len(m.inflight)
}
