package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/watchdesk/internal/config"
	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/ashureev/watchdesk/internal/llm"
	"github.com/ashureev/watchdesk/internal/llm/llmtest"
	"github.com/ashureev/watchdesk/internal/workflow"
)

const (
	tenantID   = "tenant-1"
	customerID = "cust-1"
)

type fakeRepo struct {
	mu          sync.Mutex
	threads     map[string]*domain.Thread
	saves       int
	customers   map[string]*domain.Customer
	memories    []*domain.Memory
	products    []*domain.Product
	salespeople []*domain.Salesperson
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		threads: make(map[string]*domain.Thread),
		customers: map[string]*domain.Customer{
			customerID: {ID: customerID, TenantID: tenantID, Phone: "+5511999990000", Name: "Marina", Interests: []string{"Rolex"}},
		},
	}
}

func cloneThread(t *domain.Thread) *domain.Thread {
	cp := *t
	cp.Events = append([]domain.Event(nil), t.Events...)
	return &cp
}

func (f *fakeRepo) GetThreadByCustomer(_ context.Context, _, customerID string) (*domain.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.threads[customerID]; ok {
		return cloneThread(t), nil
	}
	return nil, nil
}

func (f *fakeRepo) SaveThread(_ context.Context, t *domain.Thread) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	f.threads[t.CustomerID] = cloneThread(t)
	return nil
}

func (f *fakeRepo) thread(t *testing.T) *domain.Thread {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	th, ok := f.threads[customerID]
	if !ok {
		t.Fatal("thread was never saved")
	}
	return cloneThread(th)
}

func (f *fakeRepo) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.customers[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeRepo) UpsertCustomer(_ context.Context, c *domain.Customer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.customers[c.ID] = &cp
	return nil
}

func (f *fakeRepo) AddMemory(_ context.Context, m *domain.Memory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memories = append(f.memories, m)
	return nil
}

func (f *fakeRepo) ListMemories(_ context.Context, customerID string, limit int) ([]*domain.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Memory
	for i := len(f.memories) - 1; i >= 0 && len(out) < limit; i-- {
		if f.memories[i].CustomerID == customerID {
			out = append(out, f.memories[i])
		}
	}
	return out, nil
}

func (f *fakeRepo) SearchProducts(_ context.Context, _ string, q domain.CatalogQuery) ([]*domain.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Product
	for _, p := range f.products {
		if q.Brand != "" && !strings.EqualFold(p.Brand, q.Brand) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeRepo) ListSalespeople(context.Context, string, bool) ([]*domain.Salesperson, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.salespeople, nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) Send(_ context.Context, to, _, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, to+"|"+body)
	return nil
}

func testConfig() config.AgentConfig {
	return config.AgentConfig{Enabled: true, MaxTurns: 5, HistoryLimit: 40, HistoryMaxChars: 12000}
}

func newRunner(repo *fakeRepo, model llm.ChatCompleter, registry *Registry, sender *recordingSender) *Runner {
	clock := time.Date(2026, 1, 21, 13, 0, 0, 0, time.UTC)
	services := Services{Repo: repo}
	if sender != nil {
		services.Sender = sender
	}
	return NewRunner(model, registry, services, testConfig()).
		WithClock(func() time.Time { return clock })
}

func eventTypes(th *domain.Thread) []domain.EventType {
	out := make([]domain.EventType, 0, len(th.Events))
	for _, e := range th.Events {
		out = append(out, e.Type)
	}
	return out
}

func TestRunReturnsFinalText(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	model := llmtest.NewCompleter(llmtest.Text("Temos o Submariner disponível."))
	r := newRunner(repo, model, nil, nil)

	reply, err := r.Run(context.Background(), tenantID, customerID, "Vocês têm Submariner?")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if reply != "Temos o Submariner disponível." {
		t.Fatalf("unexpected reply %q", reply)
	}

	th := repo.thread(t)
	got := eventTypes(th)
	if len(got) != 2 || got[0] != domain.EventUserMessage || got[1] != domain.EventAgentResponse {
		t.Fatalf("unexpected events %v", got)
	}
	if th.Status != domain.ThreadActive {
		t.Fatalf("expected active thread, got %s", th.Status)
	}

	req := model.Requests[0]
	if !strings.Contains(req.System, "<name>Marina</name>") || !strings.Contains(req.System, "Vocês têm Submariner?") {
		t.Fatalf("prompt misses profile or history:\n%s", req.System)
	}
	if len(req.Tools) != 6 {
		t.Fatalf("expected 6 tools offered, got %d", len(req.Tools))
	}
}

func TestRunPausesOnFirstTurn(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	handoff := Tool{
		Name:       "handoff",
		Parameters: objectSchema(map[string]any{}),
		Execute: func(context.Context, ToolContext, json.RawMessage) (Result, error) {
			return Result{"action": ActionPauseThread}, nil
		},
	}
	model := llmtest.NewCompleter(llmtest.Call("c1", "handoff", map[string]any{}))
	model.Fallback = &llm.Response{Text: "should not be asked"}
	r := newRunner(repo, model, NewRegistry(handoff), nil)

	reply, err := r.Run(context.Background(), tenantID, customerID, "quero falar com alguém")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if reply != HandoffMessage {
		t.Fatalf("expected handoff message, got %q", reply)
	}
	if model.Calls() != 1 {
		t.Fatalf("expected 1 model call, got %d", model.Calls())
	}

	th := repo.thread(t)
	if th.Status != domain.ThreadPaused {
		t.Fatalf("expected persisted paused status, got %s", th.Status)
	}
	got := eventTypes(th)
	want := []domain.EventType{domain.EventUserMessage, domain.EventToolCall, domain.EventToolResult}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestRunStopsAfterMaxTurns(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	calls := 0
	noop := Tool{
		Name:       "noop",
		Parameters: objectSchema(map[string]any{}),
		Execute: func(context.Context, ToolContext, json.RawMessage) (Result, error) {
			calls++
			return Result{"ok": true}, nil
		},
	}
	model := llmtest.NewCompleter()
	model.Fallback = &llm.Response{ToolCalls: []llm.ToolCall{{ID: "loop", Name: "noop", Args: json.RawMessage(`{}`)}}}
	r := newRunner(repo, model, NewRegistry(noop), nil)

	reply, err := r.Run(context.Background(), tenantID, customerID, "oi")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if reply != ExhaustedMessage {
		t.Fatalf("expected apology, got %q", reply)
	}
	if model.Calls() != 5 {
		t.Fatalf("expected exactly 5 model calls, got %d", model.Calls())
	}
	if calls != 5 {
		t.Fatalf("expected 5 tool executions, got %d", calls)
	}
	if n := len(repo.thread(t).Events); n != 11 {
		t.Fatalf("expected 11 events, got %d", n)
	}
}

func TestRunFeedsToolErrorsBackToModel(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	failing := Tool{
		Name:       "explode",
		Parameters: objectSchema(map[string]any{}),
		Execute: func(context.Context, ToolContext, json.RawMessage) (Result, error) {
			return nil, errors.New("inventory offline")
		},
	}
	panicking := Tool{
		Name:       "panics",
		Parameters: objectSchema(map[string]any{}),
		Execute: func(context.Context, ToolContext, json.RawMessage) (Result, error) {
			panic("boom")
		},
	}
	model := llmtest.NewCompleter(
		llmtest.Call("c1", "missing_tool", map[string]any{}),
		llmtest.Call("c2", "explode", map[string]any{}),
		llmtest.Call("c3", "panics", map[string]any{}),
		llmtest.Text("Desculpe, vou verificar com a equipe."),
	)
	r := newRunner(repo, model, NewRegistry(failing, panicking), nil)

	reply, err := r.Run(context.Background(), tenantID, customerID, "tem estoque?")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if reply != "Desculpe, vou verificar com a equipe." {
		t.Fatalf("unexpected reply %q", reply)
	}

	var results []string
	for _, e := range repo.thread(t).Events {
		if e.Type == domain.EventToolResult {
			results = append(results, string(e.Result))
		}
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 tool results, got %d", len(results))
	}
	for i, want := range []string{"Tool missing_tool not found", "inventory offline", "boom"} {
		if !strings.Contains(results[i], `"error"`) || !strings.Contains(results[i], want) {
			t.Fatalf("result %d = %s, want error mentioning %q", i, results[i], want)
		}
	}
	if !strings.Contains(model.Requests[3].System, "inventory offline") {
		t.Fatal("expected the tool error in the next prompt")
	}
}

func TestRunStaysSilentOnPausedThread(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.threads[customerID] = &domain.Thread{ID: "th-1", TenantID: tenantID, CustomerID: customerID, Status: domain.ThreadPaused}
	model := llmtest.NewCompleter()
	r := newRunner(repo, model, nil, nil)

	reply, err := r.Run(context.Background(), tenantID, customerID, "alô?")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if reply != "" {
		t.Fatalf("expected silence, got %q", reply)
	}
	if model.Calls() != 0 {
		t.Fatal("paused thread must not call the model")
	}
	if n := len(repo.thread(t).Events); n != 1 {
		t.Fatalf("expected the message to be recorded, got %d events", n)
	}
}

func TestRunModelOutageRecordsError(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	model := llmtest.NewCompleter(llmtest.Fail(llm.Unavailable("chat", context.DeadlineExceeded)))
	r := newRunner(repo, model, nil, nil)

	reply, err := r.Run(context.Background(), tenantID, customerID, "oi")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if reply != workflow.TryAgainMessage {
		t.Fatalf("unexpected reply %q", reply)
	}
	got := eventTypes(repo.thread(t))
	if len(got) != 2 || got[1] != domain.EventError {
		t.Fatalf("expected error event, got %v", got)
	}
}

func TestDefaultToolsUpdateProfileAndMemory(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	model := llmtest.NewCompleter(
		llmtest.Call("c1", "update_profile", map[string]any{
			"interests":       []string{"Rolex", "mergulho"},
			"preferredBrands": []string{"Tudor"},
			"budgetRange":     "50k-80k",
		}),
		llmtest.Call("c2", "log_memory", map[string]any{"fact": "Vai para Paris em março"}),
		llmtest.Text("Anotado!"),
	)
	r := newRunner(repo, model, nil, nil)

	if _, err := r.Run(context.Background(), tenantID, customerID, "gosto de mergulho"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	c, _ := repo.GetCustomer(context.Background(), customerID)
	if strings.Join(c.Interests, ",") != "Rolex,mergulho" {
		t.Fatalf("interests not merged: %v", c.Interests)
	}
	if c.BudgetRange != "50k-80k" || len(c.PreferredBrands) != 1 {
		t.Fatalf("profile not updated: %+v", c)
	}
	if len(repo.memories) != 1 || repo.memories[0].Source != "conversation" {
		t.Fatalf("memory not logged: %+v", repo.memories)
	}
	if !strings.Contains(model.Requests[2].System, "Vai para Paris em março") {
		t.Fatal("expected the new memory in the next prompt")
	}
}

func TestRequestSalespersonHelpWithoutStaffDoesNotPause(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	model := llmtest.NewCompleter(
		llmtest.Call("c1", "request_salesperson_help", map[string]any{"reason": "desconto", "summary": "quer negociar"}),
		llmtest.Text("Nossa equipe retornará em breve."),
	)
	r := newRunner(repo, model, nil, &recordingSender{})

	reply, err := r.Run(context.Background(), tenantID, customerID, "faz desconto?")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if reply != "Nossa equipe retornará em breve." {
		t.Fatalf("unexpected reply %q", reply)
	}
	if repo.thread(t).IsPaused() {
		t.Fatal("thread must stay active without a salesperson")
	}
}

func TestRequestSalespersonHelpNotifiesAndPauses(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.salespeople = []*domain.Salesperson{{ID: "sp-1", Name: "João", Phone: "+5511911112222", Active: true}}
	sender := &recordingSender{}
	model := llmtest.NewCompleter(
		llmtest.Call("c1", "request_salesperson_help", map[string]any{"reason": "desconto", "summary": "quer negociar"}),
	)
	r := newRunner(repo, model, nil, sender)

	reply, err := r.Run(context.Background(), tenantID, customerID, "faz desconto?")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if reply != HandoffMessage {
		t.Fatalf("unexpected reply %q", reply)
	}
	if len(sender.sent) != 1 || !strings.HasPrefix(sender.sent[0], "+5511911112222|") || !strings.Contains(sender.sent[0], "desconto") {
		t.Fatalf("unexpected notification %v", sender.sent)
	}
	if !repo.thread(t).IsPaused() {
		t.Fatal("expected paused thread")
	}
}

func TestHistoryWindowKeepsNewestWithinBudget(t *testing.T) {
	t.Parallel()

	var events []domain.Event
	for i := 0; i < 10; i++ {
		events = append(events, domain.Event{Type: domain.EventUserMessage, Content: strings.Repeat("x", 50)})
	}

	lines, omitted := historyWindow(events, 4, 0)
	if len(lines) != 4 || omitted != 6 {
		t.Fatalf("limit: got %d lines, %d omitted", len(lines), omitted)
	}

	one := len(formatEvent(events[0]))
	lines, omitted = historyWindow(events, 0, one*3+1)
	if len(lines) != 3 || omitted != 7 {
		t.Fatalf("char budget: got %d lines, %d omitted", len(lines), omitted)
	}

	lines, _ = historyWindow(events, 0, 1)
	if len(lines) != 1 {
		t.Fatal("the newest event must always be kept")
	}
}
