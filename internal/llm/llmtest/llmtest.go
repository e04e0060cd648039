// Package llmtest provides scripted model fakes for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/ashureev/watchdesk/internal/llm"
)

// Completer replays scripted responses in order. When the script runs
// out, Fallback is returned, or Err when Fallback is nil.
type Completer struct {
	mu       sync.Mutex
	script   []Step
	Fallback *llm.Response
	Requests []llm.Request
}

// Step is one scripted reply.
type Step struct {
	Response *llm.Response
	Err      error
}

// NewCompleter creates a Completer from steps.
func NewCompleter(steps ...Step) *Completer {
	return &Completer{script: steps}
}

// Text is a step answering with plain text.
func Text(s string) Step {
	return Step{Response: &llm.Response{Text: s}}
}

// Call is a step requesting one tool call with args marshalled to JSON.
func Call(id, name string, args any) Step {
	raw, _ := json.Marshal(args)
	return Step{Response: &llm.Response{ToolCalls: []llm.ToolCall{{ID: id, Name: name, Args: raw}}}}
}

// Fail is a step returning err.
func Fail(err error) Step {
	return Step{Err: err}
}

// Complete implements llm.ChatCompleter.
func (c *Completer) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Requests = append(c.Requests, req)
	if len(c.script) == 0 {
		if c.Fallback != nil {
			return c.Fallback, nil
		}
		return nil, llm.Unavailable("llmtest", context.DeadlineExceeded)
	}
	step := c.script[0]
	c.script = c.script[1:]
	return step.Response, step.Err
}

// Calls returns how many completions were requested.
func (c *Completer) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Requests)
}

// Vision returns canned analyses per document kind.
type Vision struct {
	mu       sync.Mutex
	Results  map[domain.DocumentKind]*llm.Analysis
	Err      error
	Requests []string
}

// Extract implements llm.VisionExtractor.
func (v *Vision) Extract(_ context.Context, kind domain.DocumentKind, imageURL string) (*llm.Analysis, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.Requests = append(v.Requests, imageURL)
	if v.Err != nil {
		return nil, v.Err
	}
	if a, ok := v.Results[kind]; ok {
		return a, nil
	}
	return llm.DecodeAnalysis(kind, "{}")
}

// Transcriber returns a fixed transcript.
type Transcriber struct {
	Text string
	Err  error
}

// Transcribe implements llm.Transcriber.
func (t *Transcriber) Transcribe(context.Context, string) (string, error) {
	return t.Text, t.Err
}
