package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies a workflow that can own a subject key.
type Kind string

const (
	KindBooking      Kind = "booking"
	KindVerification Kind = "verification"
	KindFeedback     Kind = "feedback"
)

const pointerNamespace = "active"

// ActiveWorkflow says which workflow session currently owns a subject key.
type ActiveWorkflow struct {
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"sessionId"`
	Since     time.Time `json:"since"`
}

// Pointers stores at most one ActiveWorkflow per subject key.
type Pointers struct {
	kv  KV
	now func() time.Time
}

// NewPointers creates a pointer table over kv.
func NewPointers(kv KV) *Pointers {
	return &Pointers{kv: kv, now: time.Now}
}

func pointerKey(subjectKey string) string {
	return pointerNamespace + ":" + subjectKey
}

// Get returns the current owner of subjectKey, or nil.
func (p *Pointers) Get(ctx context.Context, subjectKey string) (*ActiveWorkflow, error) {
	raw, err := p.kv.Get(ctx, pointerKey(subjectKey))
	if err != nil {
		return nil, fmt.Errorf("get active workflow: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var a ActiveWorkflow
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode active workflow: %w", err)
	}
	return &a, nil
}

// Set points subjectKey at a session, keeping Since when the owner is unchanged.
func (p *Pointers) Set(ctx context.Context, subjectKey string, kind Kind, sessionID string, ttl time.Duration) error {
	since := p.now().UTC()
	if cur, err := p.Get(ctx, subjectKey); err == nil && cur != nil && cur.Kind == kind && cur.SessionID == sessionID {
		since = cur.Since
	}
	raw, err := json.Marshal(ActiveWorkflow{Kind: kind, SessionID: sessionID, Since: since})
	if err != nil {
		return fmt.Errorf("encode active workflow: %w", err)
	}
	if err := p.kv.Set(ctx, pointerKey(subjectKey), raw, ttl); err != nil {
		return fmt.Errorf("set active workflow: %w", err)
	}
	return nil
}

// Clear removes the pointer when it still belongs to kind.
func (p *Pointers) Clear(ctx context.Context, subjectKey string, kind Kind) error {
	cur, err := p.Get(ctx, subjectKey)
	if err != nil {
		return err
	}
	if cur == nil || cur.Kind != kind {
		return nil
	}
	if err := p.kv.Delete(ctx, pointerKey(subjectKey)); err != nil {
		return fmt.Errorf("clear active workflow: %w", err)
	}
	return nil
}

// Drop removes the pointer regardless of owner.
func (p *Pointers) Drop(ctx context.Context, subjectKey string) error {
	if err := p.kv.Delete(ctx, pointerKey(subjectKey)); err != nil {
		return fmt.Errorf("drop active workflow: %w", err)
	}
	return nil
}
