package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 1024

// AnthropicClient implements ChatCompleter with Claude models.
type AnthropicClient struct {
	client  anthropic.Client
	model   string
	timeout time.Duration
}

// NewAnthropicClient creates a client for model.
func NewAnthropicClient(apiKey, model string, timeout time.Duration) *AnthropicClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AnthropicClient{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(1)),
		model:   model,
		timeout: timeout,
	}
}

// Complete implements ChatCompleter. JSON requests are steered through the
// system prompt since the API has no JSON mode.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	system := req.System
	if req.JSON {
		system = strings.TrimSpace(system + "\n\nRespond with a single JSON object and nothing else.")
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   maxTokens,
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
		Temperature: anthropic.Float(req.Temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildAnthropicTools(req.Tools)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, Unavailable("anthropic messages", err)
	}

	out := &Response{}
	var text []string
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			text = append(text, v.Text)
		case anthropic.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: v.ID, Name: v.Name, Args: v.Input})
		}
	}
	out.Text = strings.TrimSpace(strings.Join(text, "\n"))
	if out.Text == "" && len(out.ToolCalls) == 0 {
		return nil, Unavailable("anthropic messages", fmt.Errorf("empty response (stop reason %s)", msg.StopReason))
	}
	return out, nil
}

func buildAnthropicTools(defs []ToolDef) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		schema := anthropic.ToolInputSchemaParam{Properties: d.Parameters["properties"]}
		if req, ok := d.Parameters["required"].([]string); ok {
			schema.Required = req
		}
		tools = append(tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        d.Name,
				Description: anthropic.String(d.Description),
				InputSchema: schema,
			},
		})
	}
	return tools
}
