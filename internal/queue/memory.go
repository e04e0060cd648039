package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type memItem struct {
	id      string
	body    []byte
	attempt int
}

// Memory is an in-process Queue for single-binary deployments and tests.
// It applies the same retry policy as RabbitMQ but loses pending jobs on
// restart.
type Memory struct {
	policy Policy
	log    *slog.Logger

	items chan memItem
	done  chan struct{}

	mu     sync.Mutex
	parked []Parked
	timers map[*time.Timer]struct{}
	closed bool
}

// NewMemory creates a Memory queue holding up to capacity pending jobs.
func NewMemory(policy Policy, capacity int) *Memory {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if capacity <= 0 {
		capacity = 256
	}
	return &Memory{
		policy: policy,
		log:    slog.Default().With("queue", "memory"),
		items:  make(chan memItem, capacity),
		done:   make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
	}
}

func (m *Memory) push(ctx context.Context, it memItem) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.items <- it:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish enqueues job. It blocks while the queue is full.
func (m *Memory) Publish(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return m.push(ctx, memItem{id: job.ID, body: body})
}

// Run consumes with concurrency workers until ctx is cancelled or the
// queue is closed.
func (m *Memory) Run(ctx context.Context, concurrency int, h Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	var wg sync.WaitGroup
	for range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-m.done:
					return
				case it := <-m.items:
					m.handle(ctx, it, h)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (m *Memory) handle(ctx context.Context, it memItem, h Handler) {
	attempt := it.attempt + 1
	err := h(ctx, Delivery{
		ID:      it.id,
		Body:    it.body,
		Attempt: attempt,
		Final:   attempt >= m.policy.MaxAttempts,
	})

	switch m.policy.Decide(err, attempt) {
	case Ack:
	case Retry:
		delay := m.policy.Backoff(attempt)
		m.log.Warn("Job failed, scheduling retry", "job_id", it.id, "attempt", attempt, "delay", delay, "error", err)
		it.attempt = attempt
		m.later(delay, it)
	case Park:
		m.log.Error("Job parked", "job_id", it.id, "attempt", attempt, "error", err)
		reason := ""
		if err != nil {
			reason = err.Error()
		}
		m.mu.Lock()
		m.parked = append(m.parked, Parked{
			ID:       it.id,
			Body:     it.body,
			Attempts: attempt,
			Reason:   reason,
			ParkedAt: time.Now().UTC(),
		})
		m.mu.Unlock()
	}
}

func (m *Memory) later(delay time.Duration, it memItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, t)
		m.mu.Unlock()
		if err := m.push(context.Background(), it); err != nil {
			m.log.Warn("Dropping retry", "job_id", it.id, "error", err)
		}
	})
	m.timers[t] = struct{}{}
}

// Parked returns up to limit parked jobs, oldest first. A limit below
// one returns nothing.
func (m *Memory) Parked(_ context.Context, limit int) ([]Parked, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := max(0, min(limit, len(m.parked)))
	return append([]Parked(nil), m.parked[:n]...), nil
}

// Replay requeues up to limit parked jobs with a fresh attempt count.
func (m *Memory) Replay(ctx context.Context, limit int) (int, error) {
	m.mu.Lock()
	n := max(0, min(limit, len(m.parked)))
	batch := append([]Parked(nil), m.parked[:n]...)
	m.parked = m.parked[n:]
	m.mu.Unlock()

	for i, p := range batch {
		if err := m.push(ctx, memItem{id: p.ID, body: p.Body}); err != nil {
			m.mu.Lock()
			m.parked = append(batch[i:], m.parked...)
			m.mu.Unlock()
			return i, err
		}
	}
	return n, nil
}

// Close stops workers and pending retries.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	for t := range m.timers {
		t.Stop()
	}
	clear(m.timers)
	return nil
}
