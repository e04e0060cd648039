package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/watchdesk/internal/domain"
)

// ErrNoThread is returned when a customer has no thread to resume.
var ErrNoThread = errors.New("agent: no thread for customer")

// ThreadStatusStore is what Resume needs.
type ThreadStatusStore interface {
	GetThreadByCustomer(ctx context.Context, tenantID, customerID string) (*domain.Thread, error)
	SetThreadStatus(ctx context.Context, threadID string, status domain.ThreadStatus) error
}

// Resume reactivates a paused thread so the agent answers the customer
// again. Resuming an active thread is a no-op.
func Resume(ctx context.Context, repo ThreadStatusStore, tenantID, customerID string) (*domain.Thread, error) {
	t, err := repo.GetThreadByCustomer(ctx, tenantID, customerID)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoThread, customerID)
	}
	if !t.IsPaused() {
		return t, nil
	}
	if err := repo.SetThreadStatus(ctx, t.ID, domain.ThreadActive); err != nil {
		return nil, fmt.Errorf("resume thread: %w", err)
	}
	t.Status = domain.ThreadActive
	slog.Info("Thread resumed", "thread_id", t.ID, "customer_id", customerID)
	return t, nil
}
