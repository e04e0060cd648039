package rag

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/ashureev/watchdesk/internal/llm"
	"github.com/ashureev/watchdesk/internal/llm/llmtest"
	"github.com/ashureev/watchdesk/internal/workflow"
)

type fakeRepo struct {
	mu       sync.Mutex
	products []*domain.Product
	queries  []domain.CatalogQuery
	memories []*domain.Memory
	threads  map[string]*domain.Thread
}

func (f *fakeRepo) SearchProducts(_ context.Context, _ string, q domain.CatalogQuery) ([]*domain.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	var out []*domain.Product
	for _, p := range f.products {
		if q.Brand != "" && !strings.EqualFold(p.Brand, q.Brand) {
			continue
		}
		if q.Text != "" && !strings.Contains(strings.ToLower(p.Name+" "+p.Description), q.Text) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeRepo) ListMemories(context.Context, string, int) ([]*domain.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memories, nil
}

func (f *fakeRepo) GetThreadByCustomer(_ context.Context, _, customerID string) (*domain.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[customerID]
	if !ok {
		return nil, nil
	}
	cp := *t
	cp.Events = append([]domain.Event(nil), t.Events...)
	return &cp, nil
}

func (f *fakeRepo) SaveThread(_ context.Context, t *domain.Thread) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.threads == nil {
		f.threads = map[string]*domain.Thread{}
	}
	cp := *t
	f.threads[t.CustomerID] = &cp
	return nil
}

func catalog() []*domain.Product {
	return []*domain.Product{
		{ID: "p1", Name: "Submariner Date 126610LN", Brand: "Rolex", Category: "Relógio", Price: 89500, Description: "Aço, mergulho 300m"},
		{ID: "p2", Name: "Speedmaster Moonwatch", Brand: "Omega", Category: "Relógio", Price: 52000, Description: "Cronógrafo manual"},
		{ID: "p3", Name: "Anel Solitário", Brand: "Maison", Category: "Joia", Price: 18000, Description: "Ouro branco com diamante"},
	}
}

func input(text string, c *domain.Customer) workflow.Input {
	return workflow.Input{
		TenantID:   "tenant-1",
		SubjectKey: "+5511999990000",
		Customer:   c,
		Message:    &domain.InboundMessage{From: "+5511999990000", Body: text},
	}
}

func TestShouldSearch(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"oi":                               false,
		"Bom dia, tudo bem?":               false,
		"obrigado pela ajuda":              false,
		"Oi, quanto custa o Rolex?":        true,
		"Vocês têm algum relógio de ouro?": true,
		"Procuro um anel com diamante":     true,
		"qual o horário de vocês amanhã?":  false,
	}
	for msg, want := range cases {
		if got := ShouldSearch(msg); got != want {
			t.Errorf("ShouldSearch(%q) = %v, want %v", msg, got, want)
		}
	}
}

func TestReplyGroundsOnBrandProducts(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{products: catalog()}
	model := llmtest.NewCompleter(llmtest.Text("Temos o Submariner Date por R$ 89.500."))
	r := New(repo, model)

	customer := &domain.Customer{ID: "c1", Name: "Paulo", Phone: "+5511999990000"}
	reply, err := r.Reply(context.Background(), input("Vocês têm Rolex Submariner?", customer))
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if !strings.Contains(reply, "Submariner") {
		t.Fatalf("unexpected reply %q", reply)
	}

	system := model.Requests[0].System
	if !strings.Contains(system, "Submariner Date 126610LN") || strings.Contains(system, "Speedmaster") {
		t.Fatalf("prompt should list only the Rolex:\n%s", system)
	}
	if !strings.Contains(system, "first message") {
		t.Fatal("new customer should be greeted")
	}
	if repo.queries[0].Brand != "Rolex" {
		t.Fatalf("expected brand query first, got %+v", repo.queries[0])
	}

	th := repo.threads["c1"]
	if th == nil || len(th.Events) != 2 || th.Events[1].Content != reply {
		t.Fatalf("exchange not recorded: %+v", th)
	}
}

func TestReplyFallsBackToKeywords(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{products: catalog()}
	model := llmtest.NewCompleter(llmtest.Text("Temos um solitário lindo."))
	r := New(repo, model)

	if _, err := r.Reply(context.Background(), input("Procuro um anel com diamante", nil)); err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if !strings.Contains(model.Requests[0].System, "Anel Solitário") {
		t.Fatalf("keyword search missed the ring:\n%s", model.Requests[0].System)
	}
	for _, q := range repo.queries {
		if q.Text == "procuro" || q.Text == "com" {
			t.Fatalf("stopword used as query: %+v", q)
		}
	}
}

func TestReplyCarriesHistoryAndFacts(t *testing.T) {
	t.Parallel()

	last := time.Date(2026, 1, 20, 15, 0, 0, 0, time.UTC)
	repo := &fakeRepo{
		memories: []*domain.Memory{{Fact: "Coleciona relógios de mergulho"}},
		threads: map[string]*domain.Thread{"c1": {ID: "t1", CustomerID: "c1", Events: []domain.Event{
			{Type: domain.EventUserMessage, Content: "Gosto de relógios esportivos"},
			{Type: domain.EventToolCall, ToolName: "check_catalog"},
			{Type: domain.EventAgentResponse, Content: "Ótima escolha!"},
		}}},
	}
	model := llmtest.NewCompleter(llmtest.Text("Claro!"))
	r := New(repo, model)

	customer := &domain.Customer{ID: "c1", Name: "Paulo", LastInteraction: &last}
	if _, err := r.Reply(context.Background(), input("pode me ajudar?", customer)); err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	system := model.Requests[0].System
	for _, want := range []string{"Customer: Gosto de relógios esportivos", "Assistant: Ótima escolha!", "Coleciona relógios de mergulho", "do not greet"} {
		if !strings.Contains(system, want) {
			t.Fatalf("prompt missing %q:\n%s", want, system)
		}
	}
	if strings.Contains(system, "check_catalog") {
		t.Fatal("tool events must not leak into the history")
	}
	if strings.Contains(system, "RELEVANT PRODUCTS") {
		t.Fatal("no search expected for a non-product message")
	}
	if n := len(repo.threads["c1"].Events); n != 5 {
		t.Fatalf("expected 5 events after reply, got %d", n)
	}
}

func TestReplyModelOutage(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	model := llmtest.NewCompleter(llmtest.Fail(llm.Unavailable("chat", context.DeadlineExceeded)))
	r := New(repo, model)

	reply, err := r.Reply(context.Background(), input("oi", &domain.Customer{ID: "c1"}))
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if reply != workflow.TryAgainMessage {
		t.Fatalf("unexpected reply %q", reply)
	}
	if len(repo.threads) != 0 {
		t.Fatal("failed reply must not be recorded")
	}
}

func TestPriceUsesBrazilianSeparators(t *testing.T) {
	t.Parallel()

	if got := Price(45000); !strings.HasPrefix(got, "R$ 45.000") {
		t.Fatalf("Price = %q", got)
	}
}
