package domain

import (
	"encoding/json"
	"time"
)

// ThreadStatus is the lifecycle state of an agent thread.
type ThreadStatus string

const (
	ThreadActive ThreadStatus = "active"
	ThreadPaused ThreadStatus = "paused"
)

// EventType tags an agent event.
type EventType string

const (
	EventUserMessage   EventType = "user_message"
	EventAgentResponse EventType = "agent_response"
	EventToolCall      EventType = "tool_call"
	EventToolResult    EventType = "tool_result"
	EventError         EventType = "error"
)

// Event is one append-only entry in a thread. Which payload fields are set
// depends on Type: Content for messages, ToolName/ToolCallID/Args for calls,
// ToolName/ToolCallID/Result for results, Error for errors.
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	Content    string          `json:"content,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Thread is the durable conversation log between the agent and one customer.
type Thread struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenant_id"`
	CustomerID string            `json:"customer_id"`
	Status     ThreadStatus      `json:"status"`
	Events     []Event           `json:"events"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// IsPaused reports whether a human has taken over the thread.
func (t *Thread) IsPaused() bool {
	return t.Status == ThreadPaused
}

// LastEvents returns at most n trailing events.
func (t *Thread) LastEvents(n int) []Event {
	if n <= 0 || n >= len(t.Events) {
		return t.Events
	}
	return t.Events[len(t.Events)-n:]
}
