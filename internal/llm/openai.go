package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// MediaFetcher downloads gateway media that needs credentials.
type MediaFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

// OpenAIConfig configures OpenAIClient.
type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	ChatModel       string
	VisionModel     string
	TranscribeModel string
	Timeout         time.Duration
}

// OpenAIClient implements ChatCompleter, VisionExtractor and Transcriber.
type OpenAIClient struct {
	client  openai.Client
	cfg     OpenAIConfig
	fetcher MediaFetcher
}

// NewOpenAIClient creates a client. fetcher may be nil, in which case media
// URLs are handed to the provider as they are and audio cannot be
// transcribed.
func NewOpenAIClient(cfg OpenAIConfig, fetcher MediaFetcher) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(1)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OpenAIClient{client: openai.NewClient(opts...), cfg: cfg, fetcher: fetcher}
}

// Complete implements ChatCompleter.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.cfg.ChatModel),
		Messages:    buildOpenAIMessages(req),
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		params.Tools = buildOpenAITools(req.Tools)
	}
	if req.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, Unavailable("openai chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return nil, Unavailable("openai chat completion", fmt.Errorf("no choices in response"))
	}

	msg := resp.Choices[0].Message
	out := &Response{Text: strings.TrimSpace(msg.Content)}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: []byte(tc.Function.Arguments),
		})
	}
	return out, nil
}

func buildOpenAIMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	var msgs []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	return append(msgs, openai.UserMessage(req.Prompt))
}

func buildOpenAITools(defs []ToolDef) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        d.Name,
				Description: openai.String(d.Description),
				Parameters:  openai.FunctionParameters(d.Parameters),
			},
		})
	}
	return tools
}

// Extract implements VisionExtractor.
func (c *OpenAIClient) Extract(ctx context.Context, kind domain.DocumentKind, imageURL string) (*Analysis, error) {
	prompt, err := VisionPrompt(kind)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	src, err := c.imageSource(ctx, imageURL)
	if err != nil {
		return nil, Unavailable("fetch document image", err)
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.cfg.VisionModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(prompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL:    src,
					Detail: "high",
				}),
			}),
		},
		MaxTokens:   openai.Int(600),
		Temperature: openai.Float(0.1),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return nil, Unavailable("openai vision", err)
	}
	if len(resp.Choices) == 0 {
		return nil, Unavailable("openai vision", fmt.Errorf("no choices in response"))
	}

	analysis, err := DecodeAnalysis(kind, resp.Choices[0].Message.Content)
	if err != nil {
		return nil, Unavailable("openai vision", err)
	}
	return analysis, nil
}

// imageSource inlines the image as a data URL when a fetcher is available,
// because gateway media URLs are not publicly readable.
func (c *OpenAIClient) imageSource(ctx context.Context, url string) (string, error) {
	if c.fetcher == nil {
		return url, nil
	}
	data, contentType, err := c.fetcher.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// Transcribe implements Transcriber. Voice notes are Portuguese.
func (c *OpenAIClient) Transcribe(ctx context.Context, audioURL string) (string, error) {
	if c.fetcher == nil {
		return "", fmt.Errorf("transcribe: no media fetcher configured")
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	data, contentType, err := c.fetcher.Fetch(ctx, audioURL)
	if err != nil {
		return "", Unavailable("fetch audio", err)
	}
	if contentType == "" {
		contentType = "audio/ogg"
	}

	tr, err := c.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:     openai.File(bytes.NewReader(data), "audio"+audioExt(contentType), contentType),
		Model:    openai.AudioModel(c.cfg.TranscribeModel),
		Language: openai.String("pt"),
	})
	if err != nil {
		return "", Unavailable("openai transcription", err)
	}
	return strings.TrimSpace(tr.Text), nil
}

func audioExt(contentType string) string {
	sub := path.Base(strings.SplitN(contentType, ";", 2)[0])
	switch sub {
	case "mpeg":
		return ".mp3"
	case "", ".", "/":
		return ".ogg"
	}
	return "." + sub
}
