package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrLeaseTimeout is returned when a lease could not be acquired before
	// the context or wait deadline expired.
	ErrLeaseTimeout = errors.New("session: lease not acquired")

	// ErrLeaseLost is the cancellation cause of a WithLease context whose
	// lease could not be renewed.
	ErrLeaseLost = errors.New("session: lease lost")
)

const (
	leaseMinBackoff = 25 * time.Millisecond
	leaseMaxBackoff = 500 * time.Millisecond
)

// LeaseStore grants exclusive, expiring ownership of a key.
type LeaseStore interface {
	// TryAcquireLease takes key for owner unless another owner holds an
	// unexpired lease. Re-acquiring an owned lease extends it.
	TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// ReleaseLease drops the lease when owner still holds it.
	ReleaseLease(ctx context.Context, key, owner string) error
}

// Locker serializes work per subject key on top of a LeaseStore. The lease
// TTL bounds how long a crashed worker can block a key; a live holder renews
// it every ttl/3.
type Locker struct {
	store LeaseStore
	ttl   time.Duration
	wait  time.Duration
}

// NewLocker creates a Locker. wait caps how long Acquire polls.
func NewLocker(store LeaseStore, ttl, wait time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if wait <= 0 {
		wait = ttl
	}
	return &Locker{store: store, ttl: ttl, wait: wait}
}

// Lease is a held lock on one subject key.
type Lease struct {
	key    string
	owner  string
	locker *Locker
}

// Release frees the lease. It uses a fresh context so release still happens
// after the job context is cancelled.
func (l *Lease) Release() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.locker.store.ReleaseLease(ctx, l.key, l.owner)
}

// Acquire blocks until the lease for subjectKey is held, polling with backoff.
func (l *Locker) Acquire(ctx context.Context, subjectKey string) (*Lease, error) {
	owner := uuid.NewString()
	key := "lease:" + subjectKey

	ctx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	delay := leaseMinBackoff
	for {
		ok, err := l.store.TryAcquireLease(ctx, key, owner, l.ttl)
		if err != nil {
			return nil, fmt.Errorf("acquire lease for %s: %w", subjectKey, err)
		}
		if ok {
			return &Lease{key: key, owner: owner, locker: l}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrLeaseTimeout, subjectKey)
		case <-time.After(delay):
		}
		delay *= 2
		if delay > leaseMaxBackoff {
			delay = leaseMaxBackoff
		}
	}
}

// renew extends the lease every ttl/3 until stop is closed. A failed or
// refused renewal cancels the holder's context with ErrLeaseLost.
func (l *Lease) renew(ctx context.Context, cancel context.CancelCauseFunc, stop <-chan struct{}) {
	ticker := time.NewTicker(max(l.locker.ttl/3, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := l.locker.store.TryAcquireLease(ctx, l.key, l.owner, l.locker.ttl)
			if err != nil || !ok {
				slog.Warn("Lease renewal failed", "key", l.key, "error", err)
				cancel(ErrLeaseLost)
				return
			}
		}
	}
}

// WithLease runs fn while holding the lease for subjectKey. The lease is
// renewed while fn runs; if it is lost, fn's context is cancelled with
// cause ErrLeaseLost.
func (l *Locker) WithLease(ctx context.Context, subjectKey string, fn func(context.Context) error) error {
	lease, err := l.Acquire(ctx, subjectKey)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		lease.renew(ctx, cancel, stop)
	}()
	defer func() {
		close(stop)
		<-renewed
		cancel(nil)
		_ = lease.Release()
	}()

	err = fn(ctx)
	if err != nil && errors.Is(context.Cause(ctx), ErrLeaseLost) {
		return fmt.Errorf("%w: %s: %w", ErrLeaseLost, subjectKey, err)
	}
	return err
}

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

// MemoryLeases is an in-process LeaseStore.
type MemoryLeases struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

// NewMemoryLeases creates an empty MemoryLeases.
func NewMemoryLeases() *MemoryLeases {
	return &MemoryLeases{leases: make(map[string]memoryLease), now: time.Now}
}

// TryAcquireLease implements LeaseStore.
func (m *MemoryLeases) TryAcquireLease(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.leases[key]; ok && cur.owner != owner && now.Before(cur.expiresAt) {
		return false, nil
	}
	m.leases[key] = memoryLease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// ReleaseLease implements LeaseStore.
func (m *MemoryLeases) ReleaseLease(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.leases[key]; ok && cur.owner == owner {
		delete(m.leases, key)
	}
	return nil
}
