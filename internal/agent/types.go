// Package agent runs the tool-calling conversation loop for customers that
// are not inside a structured workflow.
//
// The loop is stateless between model calls: every turn rebuilds the whole
// prompt from the customer profile, remembered facts and the thread's event
// log, so the persisted Thread is the model's only memory.
package agent

import (
	"context"
	"encoding/json"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/ashureev/watchdesk/internal/messaging"
	"github.com/ashureev/watchdesk/internal/scheduling"
)

// Fixed replies of the loop.
const (
	// HandoffMessage is returned when a tool paused the thread for a human.
	HandoffMessage = "I have notified a salesperson. They will be with you shortly."

	// ExhaustedMessage is returned when the turn bound is hit without a
	// final answer.
	ExhaustedMessage = "I'm sorry, I'm having trouble processing your request right now."
)

// ActionPauseThread in a tool result hands the conversation to a human.
const ActionPauseThread = "PAUSE_THREAD"

const (
	defaultMaxTurns = 5
	memoryLimit     = 10
)

// Repository is the persistence the loop and its tools need.
type Repository interface {
	GetThreadByCustomer(ctx context.Context, tenantID, customerID string) (*domain.Thread, error)
	SaveThread(ctx context.Context, t *domain.Thread) error

	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	UpsertCustomer(ctx context.Context, c *domain.Customer) error
	AddMemory(ctx context.Context, m *domain.Memory) error
	ListMemories(ctx context.Context, customerID string, limit int) ([]*domain.Memory, error)

	SearchProducts(ctx context.Context, tenantID string, q domain.CatalogQuery) ([]*domain.Product, error)
	ListSalespeople(ctx context.Context, tenantID string, activeOnly bool) ([]*domain.Salesperson, error)
}

// Scheduler is the booking surface exposed to tools.
type Scheduler interface {
	AvailableSlots(ctx context.Context, tenantID, date, preferred string) ([]scheduling.Slot, error)
	Book(ctx context.Context, req scheduling.BookingRequest) (*domain.Appointment, error)
}

// Services are the handles injected into every tool call.
type Services struct {
	Repo      Repository
	Scheduler Scheduler
	Sender    messaging.Sender
}

// ToolContext identifies who a tool acts for.
type ToolContext struct {
	TenantID   string
	CustomerID string
	ThreadID   string
	Customer   *domain.Customer
	Services   Services
}

// Result is the JSON object a tool hands back to the model.
type Result map[string]any

// Pauses reports whether the result asks to hand the thread to a human.
func (r Result) Pauses() bool {
	action, _ := r["action"].(string)
	return action == ActionPauseThread
}

func errorResult(msg string) Result {
	return Result{"error": msg}
}

func (r Result) raw() json.RawMessage {
	out, err := json.Marshal(r)
	if err != nil {
		out, _ = json.Marshal(errorResult("encode tool result: " + err.Error()))
	}
	return out
}
