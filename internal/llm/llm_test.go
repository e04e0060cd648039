package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/watchdesk/internal/domain"
)

func TestDecodeJSONToleratesFences(t *testing.T) {
	t.Parallel()

	var out struct {
		Name string `json:"customer_name"`
	}
	text := "Claro!\n```json\n{\"customer_name\": \"João\"}\n```"
	if err := DecodeJSON(text, &out); err != nil {
		t.Fatalf("DecodeJSON failed: %v", err)
	}
	if out.Name != "João" {
		t.Fatalf("Name = %q", out.Name)
	}

	if err := DecodeJSON("sem json aqui", &out); err == nil {
		t.Fatal("expected error for text without JSON")
	}
}

func TestDecodeAnalysisCleansUnknowns(t *testing.T) {
	t.Parallel()

	a, err := DecodeAnalysis(domain.DocumentGuarantee, `{"brand":"Rolex","model":"null","reference_number":"126610LN","serial_number":null,"purchase_date":"2023-05-02","confidence":88}`)
	if err != nil {
		t.Fatalf("DecodeAnalysis failed: %v", err)
	}
	if a.Guarantee == nil || a.Photo != nil || a.Invoice != nil {
		t.Fatalf("wrong kind populated: %+v", a)
	}
	g := a.Guarantee
	if g.Brand != "Rolex" || g.Model != "" || g.Serial != "" || g.Reference != "126610LN" {
		t.Fatalf("unexpected guarantee %+v", g)
	}
	if a.Confidence() != 88 {
		t.Fatalf("Confidence = %d", a.Confidence())
	}

	inv, err := DecodeAnalysis(domain.DocumentInvoice, `{"country":"Unknown","amount":89000.5,"valid":true}`)
	if err != nil {
		t.Fatalf("DecodeAnalysis failed: %v", err)
	}
	if inv.Invoice.Country != "" || inv.Invoice.Amount == nil || *inv.Invoice.Amount != 89000.5 {
		t.Fatalf("unexpected invoice %+v", inv.Invoice)
	}

	if _, err := DecodeAnalysis("passport", "{}"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestDecodeAnalysisToleratesLooseNumbers(t *testing.T) {
	t.Parallel()

	photo, err := DecodeAnalysis(domain.DocumentWatchPhoto, `{"brand":"Omega","confidence":87.5}`)
	if err != nil {
		t.Fatalf("fractional confidence rejected: %v", err)
	}
	if photo.Confidence() != 88 {
		t.Errorf("Confidence = %d, want 88", photo.Confidence())
	}

	inv, err := DecodeAnalysis(domain.DocumentInvoice, `{"amount":"R$ 50.000,00","currency":"BRL","confidence":"92"}`)
	if err != nil {
		t.Fatalf("printed amount rejected: %v", err)
	}
	if inv.Invoice.Amount == nil || *inv.Invoice.Amount != 50000 {
		t.Errorf("Amount = %v, want 50000", inv.Invoice.Amount)
	}
	if inv.Confidence() != 92 {
		t.Errorf("Confidence = %d, want 92", inv.Confidence())
	}

	blank, err := DecodeAnalysis(domain.DocumentInvoice, `{"amount":"ilegível","confidence":null}`)
	if err != nil {
		t.Fatalf("unreadable amount rejected: %v", err)
	}
	if blank.Invoice.Amount != nil || blank.Confidence() != 0 {
		t.Errorf("unexpected invoice %+v", blank.Invoice)
	}
}

func TestAnthropicToolsSplitSchema(t *testing.T) {
	t.Parallel()

	tools := buildAnthropicTools([]ToolDef{{
		Name:        "log_memory",
		Description: "Store a fact",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"fact": map[string]any{"type": "string"}},
			"required":   []string{"fact"},
		},
	}})
	if len(tools) != 1 || tools[0].OfTool == nil {
		t.Fatalf("unexpected tools %+v", tools)
	}
	schema := tools[0].OfTool.InputSchema
	if len(schema.Required) != 1 || schema.Required[0] != "fact" {
		t.Fatalf("required not carried: %+v", schema.Required)
	}
	if _, ok := schema.Properties.(map[string]any)["fact"]; !ok {
		t.Fatalf("properties not carried: %+v", schema.Properties)
	}
}

func TestAudioExt(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"audio/ogg":              ".ogg",
		"audio/ogg; codecs=opus": ".ogg",
		"audio/mpeg":             ".mp3",
		"audio/amr":              ".amr",
	}
	for in, want := range cases {
		if got := audioExt(in); got != want {
			t.Errorf("audioExt(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOpenAICompleteReturnsToolCalls(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		_ = json.Unmarshal(raw, &body)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": null,
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "check_catalog", "arguments": "{\"query\":\"rolex\"}"}
					}]
				}
			}]
		}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1/", ChatModel: "gpt-4o", Timeout: 5 * time.Second}, nil)
	resp, err := c.Complete(context.Background(), Request{
		System: "sys",
		Prompt: "tem rolex?",
		Tools: []ToolDef{{
			Name:       "check_catalog",
			Parameters: map[string]any{"type": "object", "properties": map[string]any{"query": map[string]any{"type": "string"}}},
		}},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "check_catalog" || string(resp.ToolCalls[0].Args) != `{"query":"rolex"}` {
		t.Fatalf("unexpected response %+v", resp)
	}

	mu.Lock()
	defer mu.Unlock()
	if body["model"] != "gpt-4o" {
		t.Fatalf("model not sent: %v", body["model"])
	}
	if tools, ok := body["tools"].([]any); !ok || len(tools) != 1 {
		t.Fatalf("tools not sent: %v", body["tools"])
	}
}

func TestOpenAICompleteWrapsFailures(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad request","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1/", ChatModel: "gpt-4o", Timeout: 5 * time.Second}, nil)
	_, err := c.Complete(context.Background(), Request{Prompt: "oi"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
