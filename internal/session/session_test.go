package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type testSession struct {
	Meta
	State string   `json:"state"`
	Notes []string `json:"notes,omitempty"`
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store[testSession, *testSession], *Pointers, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC)}
	kv := NewMemoryKV()
	kv.SetClock(clock.Now)
	ptrs := NewPointers(kv)
	ptrs.now = clock.Now
	s := NewStore[testSession](kv, "booking", time.Hour).WithClock(clock.Now).Tracked(ptrs, KindBooking)
	return s, ptrs, clock
}

func TestStoreGetAfterCreate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	created, err := s.Create(ctx, "tenant-1", "+5511999990000", &testSession{State: "awaiting_date"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated id")
	}

	got, err := s.Get(ctx, "+5511999990000")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected session")
	}
	if got.ID != created.ID || got.State != "awaiting_date" || got.TenantID != "tenant-1" {
		t.Fatalf("unexpected session: %+v", got)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("createdAt not revived: %v vs %v", got.CreatedAt, created.CreatedAt)
	}
}

func TestStoreExpiresAfterTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, ptrs, clock := newTestStore(t)

	if _, err := s.Create(ctx, "t", "k", &testSession{State: "awaiting_date"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	clock.Advance(time.Hour + time.Second)

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected expired session to be absent, got %+v", got)
	}
	active, _ := ptrs.Get(ctx, "k")
	if active != nil {
		t.Fatalf("expected pointer to expire with session, got %+v", active)
	}
}

func TestStoreSaveRefreshesTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _, clock := newTestStore(t)

	rec, _ := s.Create(ctx, "t", "k", &testSession{State: "awaiting_date"})
	clock.Advance(50 * time.Minute)
	rec.State = "awaiting_time"
	if err := s.Save(ctx, "k", rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	clock.Advance(50 * time.Minute)

	got, _ := s.Get(ctx, "k")
	if got == nil || got.State != "awaiting_time" {
		t.Fatalf("expected refreshed session, got %+v", got)
	}
}

func TestStoreUpdateMissingReturnsNil(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestStore(t)

	got, err := s.Update(context.Background(), "missing", func(r *testSession) { r.State = "x" })
	if err != nil || got != nil {
		t.Fatalf("expected nil,nil got %+v,%v", got, err)
	}
}

func TestStoreUpdateOverwritesWholeRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	_, _ = s.Create(ctx, "t", "k", &testSession{State: "a", Notes: []string{"one"}})
	got, err := s.Update(ctx, "k", func(r *testSession) {
		r.State = "b"
		r.Notes = nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got.State != "b" {
		t.Fatalf("unexpected state %q", got.State)
	}
	reread, _ := s.Get(ctx, "k")
	if len(reread.Notes) != 0 {
		t.Fatalf("expected notes dropped, got %v", reread.Notes)
	}
}

func TestTrackedStoreMaintainsPointer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, ptrs, _ := newTestStore(t)

	rec, _ := s.Create(ctx, "t", "k", &testSession{State: "awaiting_date"})
	active, err := ptrs.Get(ctx, "k")
	if err != nil || active == nil {
		t.Fatalf("expected pointer, got %v %v", active, err)
	}
	if active.Kind != KindBooking || active.SessionID != rec.ID {
		t.Fatalf("unexpected pointer %+v", active)
	}

	if err := s.Clear(ctx, "k"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if active, _ := ptrs.Get(ctx, "k"); active != nil {
		t.Fatalf("expected pointer cleared, got %+v", active)
	}
}

func TestFinishKeepsRecordButReleasesKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, ptrs, clock := newTestStore(t)

	rec, _ := s.Create(ctx, "t", "k", &testSession{State: "processing"})
	rec.State = "completed"
	if err := s.Finish(ctx, "k", rec, 15*time.Minute); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if active, _ := ptrs.Get(ctx, "k"); active != nil {
		t.Fatalf("expected pointer released, got %+v", active)
	}
	got, _ := s.Get(ctx, "k")
	if got == nil || got.State != "completed" {
		t.Fatalf("expected retained record, got %+v", got)
	}
	clock.Advance(16 * time.Minute)
	if got, _ := s.Get(ctx, "k"); got != nil {
		t.Fatal("expected retained record to expire")
	}
}

func TestPointerClearIgnoresOtherKind(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ptrs := NewPointers(NewMemoryKV())

	if err := ptrs.Set(ctx, "k", KindVerification, "v-1", time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := ptrs.Clear(ctx, "k", KindBooking); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	active, _ := ptrs.Get(ctx, "k")
	if active == nil || active.Kind != KindVerification {
		t.Fatalf("verification pointer should survive, got %+v", active)
	}
}

func TestLockerSerializesSameKey(t *testing.T) {
	t.Parallel()
	locker := NewLocker(NewMemoryLeases(), time.Minute, 5*time.Second)

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLease(context.Background(), "+551100000000", func(context.Context) error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("WithLease failed: %v", err)
			}
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected exclusive access, saw %d concurrent holders", maxSeen)
	}
}

func TestLockerRenewsDuringLongStep(t *testing.T) {
	t.Parallel()
	locker := NewLocker(NewMemoryLeases(), 100*time.Millisecond, time.Second)

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLease(context.Background(), "+5511", func(ctx context.Context) error {
				mu.Lock()
				inside++
				maxSeen = max(maxSeen, inside)
				mu.Unlock()
				time.Sleep(300 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return ctx.Err()
			})
			if err != nil {
				t.Errorf("WithLease failed: %v", err)
			}
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected the lease to outlive its ttl, saw %d concurrent holders", maxSeen)
	}
}

// refusingLeases grants the first acquisition and refuses every renewal.
type refusingLeases struct {
	mu    sync.Mutex
	calls int
}

func (r *refusingLeases) TryAcquireLease(context.Context, string, string, time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.calls == 1, nil
}

func (r *refusingLeases) ReleaseLease(context.Context, string, string) error { return nil }

func TestLockerCancelsStepWhenLeaseLost(t *testing.T) {
	t.Parallel()
	locker := NewLocker(&refusingLeases{}, 30*time.Millisecond, time.Second)

	err := locker.WithLease(context.Background(), "k", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			if !errors.Is(context.Cause(ctx), ErrLeaseLost) {
				t.Errorf("expected ErrLeaseLost cause, got %v", context.Cause(ctx))
			}
			return ctx.Err()
		case <-time.After(2 * time.Second):
			t.Error("step was not cancelled after the lease was lost")
			return nil
		}
	})
	if !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
}

func TestLockerTimesOut(t *testing.T) {
	t.Parallel()
	leases := NewMemoryLeases()
	held, _ := leases.TryAcquireLease(context.Background(), "lease:k", "someone-else", time.Minute)
	if !held {
		t.Fatal("setup lease not acquired")
	}

	locker := NewLocker(leases, time.Minute, 60*time.Millisecond)
	_, err := locker.Acquire(context.Background(), "k")
	if !errors.Is(err, ErrLeaseTimeout) {
		t.Fatalf("expected ErrLeaseTimeout, got %v", err)
	}
}

func TestSweepContinuesAfterFailure(t *testing.T) {
	t.Parallel()
	got := Sweep(context.Background(),
		SweepTask{Name: "broken", Run: func(context.Context) (int64, error) { return 0, errors.New("boom") }},
		SweepTask{Name: "kv", Run: func(context.Context) (int64, error) { return 3, nil }},
	)
	if got["kv"] != 3 {
		t.Fatalf("expected kv task to run, got %v", got)
	}
	if _, ok := got["broken"]; ok {
		t.Fatal("failed task should not report a count")
	}
}
