// Package queue carries inbound WhatsApp messages from the webhook to the
// dispatcher workers. Failed jobs are retried through per-attempt delay
// queues with exponential backoff and parked once attempts run out.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/watchdesk/internal/domain"
)

// ErrPoison marks a job that can never succeed, such as an undecodable
// body. Poison jobs are parked without further attempts.
var ErrPoison = errors.New("poison message")

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Job is one inbound message waiting for dispatch.
type Job struct {
	ID         string                `json:"id"`
	TenantID   string                `json:"tenant_id"`
	Message    domain.InboundMessage `json:"message"`
	EnqueuedAt time.Time             `json:"enqueued_at"`
}

// NewJob wraps msg in a Job with a fresh id.
func NewJob(tenantID string, msg *domain.InboundMessage) *Job {
	return &Job{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Message:    *msg,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Delivery is a job body handed to a Handler. Attempt starts at 1.
type Delivery struct {
	ID      string
	Body    []byte
	Attempt int
	Final   bool
}

// Handler processes one delivery. Returning nil acknowledges it, ErrPoison
// parks it, and any other error schedules a retry.
type Handler func(ctx context.Context, d Delivery) error

// JSONHandler decodes the body into T and calls h. Decode failures become
// ErrPoison.
func JSONHandler[T any](h func(ctx context.Context, v T, d Delivery) error) Handler {
	return func(ctx context.Context, d Delivery) error {
		var v T
		if err := json.Unmarshal(d.Body, &v); err != nil {
			return fmt.Errorf("decode job %s: %w: %v", d.ID, ErrPoison, err)
		}
		return h(ctx, v, d)
	}
}

// Outcome is what happens to a delivery after its handler returns.
type Outcome int

const (
	Ack Outcome = iota
	Retry
	Park
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case Park:
		return "park"
	}
	return "unknown"
}

// Policy bounds retries.
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// Backoff returns the wait before attempt+1: base, 2*base, 4*base...
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BackoffBase << (attempt - 1)
}

// Decide maps a handler result to an outcome.
func (p Policy) Decide(err error, attempt int) Outcome {
	switch {
	case err == nil:
		return Ack
	case errors.Is(err, ErrPoison):
		return Park
	case attempt >= p.MaxAttempts:
		return Park
	default:
		return Retry
	}
}

// Parked is a job that exhausted its attempts.
type Parked struct {
	ID       string    `json:"id"`
	Body     []byte    `json:"body"`
	Attempts int       `json:"attempts"`
	Reason   string    `json:"reason"`
	ParkedAt time.Time `json:"parked_at"`
}

// Job decodes the parked body, or returns nil when it is not a Job.
func (p Parked) Job() *Job {
	var j Job
	if err := json.Unmarshal(p.Body, &j); err != nil {
		return nil
	}
	return &j
}

// Queue is a durable job queue.
type Queue interface {
	// Publish enqueues job for its first attempt.
	Publish(ctx context.Context, job *Job) error

	// Run consumes jobs with concurrency workers until ctx is cancelled.
	Run(ctx context.Context, concurrency int, h Handler) error

	// Parked returns up to limit parked jobs without removing them.
	Parked(ctx context.Context, limit int) ([]Parked, error)

	// Replay moves up to limit parked jobs back to the main queue with a
	// fresh attempt count.
	Replay(ctx context.Context, limit int) (int, error)

	Close() error
}
