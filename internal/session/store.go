package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is used when a Store is created with a non-positive TTL.
const DefaultTTL = 30 * time.Minute

// Meta is the bookkeeping every session record carries. Embed it in a
// workflow's session struct.
type Meta struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	SubjectKey string    `json:"subjectKey"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// SessionMeta returns the embedded bookkeeping.
func (m *Meta) SessionMeta() *Meta { return m }

// Record is implemented by pointers to structs embedding Meta.
type Record interface {
	SessionMeta() *Meta
}

// Store keeps records of type T under one namespace. Writes overwrite the
// whole record and refresh its TTL; merging is the caller's job.
type Store[T any, PT interface {
	*T
	Record
}] struct {
	kv        KV
	namespace string
	ttl       time.Duration
	now       func() time.Time

	pointers *Pointers
	kind     Kind
}

// NewStore creates a Store for namespace with the given default TTL.
func NewStore[T any, PT interface {
	*T
	Record
}](kv KV, namespace string, ttl time.Duration) *Store[T, PT] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store[T, PT]{kv: kv, namespace: namespace, ttl: ttl, now: time.Now}
}

// Tracked makes the store maintain the subject key's active-workflow pointer:
// Create and Save point it at this store's record, Clear and Finish remove it.
func (s *Store[T, PT]) Tracked(p *Pointers, kind Kind) *Store[T, PT] {
	s.pointers = p
	s.kind = kind
	return s
}

// WithClock overrides the clock used for timestamps.
func (s *Store[T, PT]) WithClock(now func() time.Time) *Store[T, PT] {
	s.now = now
	return s
}

// Namespace returns the key prefix of this store.
func (s *Store[T, PT]) Namespace() string { return s.namespace }

// TTL returns the namespace default TTL.
func (s *Store[T, PT]) TTL() time.Duration { return s.ttl }

func (s *Store[T, PT]) key(subjectKey string) string {
	return s.namespace + ":" + subjectKey
}

// Create stamps rec with a fresh id and timestamps and writes it, replacing
// any previous record for subjectKey.
func (s *Store[T, PT]) Create(ctx context.Context, tenantID, subjectKey string, rec PT) (PT, error) {
	now := s.now().UTC()
	meta := rec.SessionMeta()
	meta.ID = uuid.NewString()
	meta.TenantID = tenantID
	meta.SubjectKey = subjectKey
	meta.CreatedAt = now
	meta.UpdatedAt = now

	if err := s.write(ctx, subjectKey, rec, s.ttl); err != nil {
		return nil, err
	}
	if err := s.point(ctx, subjectKey, meta.ID); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns the live record for subjectKey, or nil when absent or expired.
func (s *Store[T, PT]) Get(ctx context.Context, subjectKey string) (PT, error) {
	raw, err := s.kv.Get(ctx, s.key(subjectKey))
	if err != nil {
		return nil, fmt.Errorf("get %s session: %w", s.namespace, err)
	}
	if raw == nil {
		return nil, nil
	}
	rec := PT(new(T))
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("decode %s session: %w", s.namespace, err)
	}
	return rec, nil
}

// Save overwrites the record for subjectKey and refreshes its TTL.
func (s *Store[T, PT]) Save(ctx context.Context, subjectKey string, rec PT) error {
	rec.SessionMeta().UpdatedAt = s.now().UTC()
	if err := s.write(ctx, subjectKey, rec, s.ttl); err != nil {
		return err
	}
	return s.point(ctx, subjectKey, rec.SessionMeta().ID)
}

// Update applies mutate to the current record and saves it. It returns nil
// without writing when no record exists. The read-modify-write is only safe
// under a Locker lease for subjectKey.
func (s *Store[T, PT]) Update(ctx context.Context, subjectKey string, mutate func(PT)) (PT, error) {
	rec, err := s.Get(ctx, subjectKey)
	if err != nil || rec == nil {
		return nil, err
	}
	mutate(rec)
	if err := s.Save(ctx, subjectKey, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Clear deletes the record for subjectKey.
func (s *Store[T, PT]) Clear(ctx context.Context, subjectKey string) error {
	if err := s.kv.Delete(ctx, s.key(subjectKey)); err != nil {
		return fmt.Errorf("clear %s session: %w", s.namespace, err)
	}
	return s.unpoint(ctx, subjectKey)
}

// Finish keeps a terminal record readable for retention but releases the
// subject key so new messages are routed elsewhere.
func (s *Store[T, PT]) Finish(ctx context.Context, subjectKey string, rec PT, retention time.Duration) error {
	rec.SessionMeta().UpdatedAt = s.now().UTC()
	if err := s.write(ctx, subjectKey, rec, retention); err != nil {
		return err
	}
	return s.unpoint(ctx, subjectKey)
}

func (s *Store[T, PT]) write(ctx context.Context, subjectKey string, rec PT, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s session: %w", s.namespace, err)
	}
	if err := s.kv.Set(ctx, s.key(subjectKey), raw, ttl); err != nil {
		return fmt.Errorf("write %s session: %w", s.namespace, err)
	}
	return nil
}

func (s *Store[T, PT]) point(ctx context.Context, subjectKey, sessionID string) error {
	if s.pointers == nil {
		return nil
	}
	return s.pointers.Set(ctx, subjectKey, s.kind, sessionID, s.ttl)
}

func (s *Store[T, PT]) unpoint(ctx context.Context, subjectKey string) error {
	if s.pointers == nil {
		return nil
	}
	return s.pointers.Clear(ctx, subjectKey, s.kind)
}
