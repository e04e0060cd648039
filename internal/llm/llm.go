// Package llm wraps the language-model providers behind small capability
// interfaces: chat completion with tools, document vision extraction and
// audio transcription.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/watchdesk/internal/domain"
)

// ErrUnavailable wraps every provider failure: timeouts, transport errors,
// non-2xx responses and unparseable output. Callers answer the user with a
// retry message and keep their state.
var ErrUnavailable = errors.New("language model unavailable")

// ToolDef declares a tool the model may call. Parameters is a JSON schema
// object with "properties" and optionally "required".
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Request is a single-turn completion: the whole context travels in System
// and Prompt on every call.
type Request struct {
	System      string
	Prompt      string
	Tools       []ToolDef
	JSON        bool
	Temperature float64
	MaxTokens   int
}

// Response carries either text or tool calls.
type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// ChatCompleter asks a model for the next action.
type ChatCompleter interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Analysis is the extraction result of one document. Only the field
// matching the requested kind is set.
type Analysis struct {
	Photo     *domain.WatchPhotoAnalysis
	Guarantee *domain.GuaranteeCardAnalysis
	Invoice   *domain.InvoiceAnalysis
}

// Confidence returns the model's self-reported confidence, 0 when unknown.
func (a *Analysis) Confidence() int {
	switch {
	case a == nil:
		return 0
	case a.Photo != nil:
		return int(a.Photo.Confidence)
	case a.Guarantee != nil:
		return int(a.Guarantee.Confidence)
	case a.Invoice != nil:
		return int(a.Invoice.Confidence)
	}
	return 0
}

// VisionExtractor reads structured fields from a document image.
type VisionExtractor interface {
	Extract(ctx context.Context, kind domain.DocumentKind, imageURL string) (*Analysis, error)
}

// Transcriber turns a voice note into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioURL string) (string, error)
}

// Unavailable wraps err as ErrUnavailable with context.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// DecodeJSON unmarshals model output into v, tolerating markdown fences and
// prose around the object.
func DecodeJSON(text string, v any) error {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if start, end := strings.Index(s, "{"), strings.LastIndex(s, "}"); start >= 0 && end > start {
		s = s[start : end+1]
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("decode model json: %w", err)
	}
	return nil
}
