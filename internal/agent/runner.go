package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/watchdesk/internal/config"
	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/ashureev/watchdesk/internal/llm"
	"github.com/ashureev/watchdesk/internal/workflow"
)

// Runner drives the bounded tool-calling loop.
type Runner struct {
	model    llm.ChatCompleter
	registry *Registry
	services Services
	cfg      config.AgentConfig
	now      func() time.Time
}

// NewRunner creates a Runner. A nil registry uses DefaultRegistry.
func NewRunner(model llm.ChatCompleter, registry *Registry, services Services, cfg config.AgentConfig) *Runner {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	return &Runner{model: model, registry: registry, services: services, cfg: cfg, now: time.Now}
}

// WithClock overrides the clock used for event timestamps.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

func (r *Runner) event(t domain.EventType) domain.Event {
	return domain.Event{ID: uuid.NewString(), Type: t, Timestamp: r.now().UTC()}
}

// Thread returns the customer's thread, creating an empty active one when
// none exists yet. New threads are not persisted until an event lands.
func (r *Runner) Thread(ctx context.Context, tenantID, customerID string) (*domain.Thread, error) {
	t, err := r.services.Repo.GetThreadByCustomer(ctx, tenantID, customerID)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	if t != nil {
		return t, nil
	}
	return &domain.Thread{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		CustomerID: customerID,
		Status:     domain.ThreadActive,
	}, nil
}

func (r *Runner) record(ctx context.Context, t *domain.Thread, e domain.Event) error {
	t.Events = append(t.Events, e)
	if err := r.services.Repo.SaveThread(ctx, t); err != nil {
		return fmt.Errorf("append %s event: %w", e.Type, err)
	}
	return nil
}

// Run appends message to the customer's thread and loops until the model
// answers, a tool pauses the thread, or MaxTurns is used up. A paused
// thread records the message and returns an empty reply.
func (r *Runner) Run(ctx context.Context, tenantID, customerID, message string) (string, error) {
	t, err := r.Thread(ctx, tenantID, customerID)
	if err != nil {
		return "", err
	}

	in := r.event(domain.EventUserMessage)
	in.Content = message
	if err := r.record(ctx, t, in); err != nil {
		return "", err
	}
	if t.IsPaused() {
		slog.Info("Thread paused, staying silent", "thread_id", t.ID)
		return "", nil
	}

	for turn := 1; turn <= r.cfg.MaxTurns; turn++ {
		customer, err := r.services.Repo.GetCustomer(ctx, customerID)
		if err != nil {
			return "", fmt.Errorf("load customer: %w", err)
		}
		if customer == nil {
			return "", fmt.Errorf("customer %s not found", customerID)
		}
		memories, err := r.services.Repo.ListMemories(ctx, customerID, memoryLimit)
		if err != nil {
			return "", fmt.Errorf("list memories: %w", err)
		}

		resp, err := r.model.Complete(ctx, llm.Request{
			System:      buildPrompt(customer, memories, t, r.cfg.HistoryLimit, r.cfg.HistoryMaxChars),
			Prompt:      nextStepPrompt,
			Tools:       r.registry.Defs(),
			Temperature: 0.4,
		})
		if err != nil {
			if !errors.Is(err, llm.ErrUnavailable) {
				return "", fmt.Errorf("complete turn %d: %w", turn, err)
			}
			slog.Warn("Agent model unavailable", "thread_id", t.ID, "turn", turn, "error", err)
			failed := r.event(domain.EventError)
			failed.Error = err.Error()
			if err := r.record(ctx, t, failed); err != nil {
				return "", err
			}
			return workflow.TryAgainMessage, nil
		}

		if len(resp.ToolCalls) == 0 {
			reply := strings.TrimSpace(resp.Text)
			if reply == "" {
				reply = ExhaustedMessage
			}
			out := r.event(domain.EventAgentResponse)
			out.Content = reply
			if err := r.record(ctx, t, out); err != nil {
				return "", err
			}
			return reply, nil
		}

		tc := ToolContext{
			TenantID:   tenantID,
			CustomerID: customerID,
			ThreadID:   t.ID,
			Customer:   customer,
			Services:   r.services,
		}
		for _, call := range resp.ToolCalls {
			ev := r.event(domain.EventToolCall)
			ev.ToolName, ev.ToolCallID, ev.Args = call.Name, call.ID, call.Args
			if err := r.record(ctx, t, ev); err != nil {
				return "", err
			}

			res := r.registry.Execute(ctx, tc, call.Name, call.Args)

			ev = r.event(domain.EventToolResult)
			ev.ToolName, ev.ToolCallID, ev.Result = call.Name, call.ID, res.raw()
			if err := r.record(ctx, t, ev); err != nil {
				return "", err
			}

			if res.Pauses() {
				t.Status = domain.ThreadPaused
				if err := r.services.Repo.SaveThread(ctx, t); err != nil {
					return "", fmt.Errorf("pause thread: %w", err)
				}
				slog.Info("Thread paused for salesperson", "thread_id", t.ID, "turn", turn)
				return HandoffMessage, nil
			}
		}
	}

	slog.Warn("Agent turn limit reached", "thread_id", t.ID, "max_turns", r.cfg.MaxTurns)
	return ExhaustedMessage, nil
}
