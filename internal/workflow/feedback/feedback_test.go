package feedback

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/ashureev/watchdesk/internal/llm"
	"github.com/ashureev/watchdesk/internal/llm/llmtest"
	"github.com/ashureev/watchdesk/internal/scheduling"
	"github.com/ashureev/watchdesk/internal/session"
	"github.com/ashureev/watchdesk/internal/store"
	"github.com/ashureev/watchdesk/internal/workflow"
)

const staffPhone = "+5511977776666"

var visitDay = time.Date(2026, 1, 21, 18, 0, 0, 0, scheduling.Location)

type fakeCustomers struct {
	mu           sync.Mutex
	customers    []*domain.Customer
	appointments []*domain.Appointment
}

func (f *fakeCustomers) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.customers {
		if c.ID == id {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeCustomers) GetCustomerByPhone(_ context.Context, _, phone string) (*domain.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.customers {
		if c.Phone == phone {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeCustomers) SearchCustomers(_ context.Context, q store.CustomerSearch) ([]*domain.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	first := strings.ToLower(strings.Fields(q.Name)[0])
	var out []*domain.Customer
	for _, c := range f.customers {
		name := strings.ToLower(c.Name)
		if q.Partial && !strings.HasPrefix(name, first) {
			continue
		}
		if !q.Partial && !strings.EqualFold(c.Name, q.Name) {
			continue
		}
		if q.City != "" && !strings.EqualFold(c.City, q.City) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeCustomers) UpsertCustomer(_ context.Context, c *domain.Customer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == "" {
		c.ID = "cust-" + c.Phone
	}
	cp := *c
	for i, existing := range f.customers {
		if existing.ID == c.ID {
			f.customers[i] = &cp
			return nil
		}
	}
	f.customers = append(f.customers, &cp)
	return nil
}

func (f *fakeCustomers) CreateAppointment(_ context.Context, a *domain.Appointment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appointments = append(f.appointments, a)
	return nil
}

type recordingSender struct {
	mu   sync.Mutex
	to   []string
	sent []string
}

func (r *recordingSender) Send(_ context.Context, to, _ string, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.to = append(r.to, to)
	r.sent = append(r.sent, body)
	return nil
}

func newFlow(t *testing.T, customers *fakeCustomers, model *llmtest.Completer, tr *llmtest.Transcriber) (*Flow, *recordingSender) {
	t.Helper()
	kv := session.NewMemoryKV()
	sender := &recordingSender{}
	flow := New(NewStore(kv, session.NewPointers(kv), time.Hour), customers, model, tr, sender).
		WithClock(func() time.Time { return visitDay })
	return flow, sender
}

func staffText(body string) workflow.Input {
	return workflow.Input{
		TenantID:   "boutique",
		SubjectKey: staffPhone,
		Message:    &domain.InboundMessage{From: staffPhone, To: "+5511900000000", Body: body},
	}
}

func staffAudio(url string) workflow.Input {
	return workflow.Input{
		TenantID:   "boutique",
		SubjectKey: staffPhone,
		Message:    &domain.InboundMessage{From: staffPhone, MediaURLs: []string{url}, MediaTypes: []string{"audio/ogg"}},
	}
}

func step(t *testing.T, flow *Flow, sess *Session, in workflow.Input) (*Session, string) {
	t.Helper()
	next, reply, err := flow.Step(context.Background(), sess, in)
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	return next, reply
}

func TestFeedbackSingleMatchWithFollowUp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	customers := &fakeCustomers{customers: []*domain.Customer{
		{ID: "c1", TenantID: "boutique", Phone: "+5511955554444", Name: "Carla Souza", Notes: "[2025-12-01] Gosta de ouro"},
	}}
	model := llmtest.NewCompleter(
		llmtest.Text(`{"customer_name":"Carla Souza","product_interest":"Datejust 36","budget_min":40000,"budget_max":60000,"birthday":"03-15","hobbies":["golfe"],"visit_notes":"Quer mostrador azul"}`),
		llmtest.Text(`"Olá Carla! Foi ótimo receber você. O Datejust azul está te esperando! 😊"`),
	)
	flow, sender := newFlow(t, customers, model, &llmtest.Transcriber{})

	sess, reply, err := flow.Start(ctx, staffText("/feedback Atendi a Carla Souza, adorou o Datejust 36"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if sess.State != StateAwaitingConfirmation || sess.CustomerID != "c1" {
		t.Fatalf("expected confirmation for c1, got %+v", sess)
	}
	for _, want := range []string{"Encontrei este cliente", "R$ 40.000 - R$ 60.000", "15/03", "golfe"} {
		if !strings.Contains(reply, want) {
			t.Fatalf("reply missing %q: %q", want, reply)
		}
	}
	if !strings.Contains(model.Requests[0].Prompt, "Atendi a Carla Souza") || strings.Contains(model.Requests[0].Prompt, "/feedback") {
		t.Fatalf("unexpected extraction prompt %q", model.Requests[0].Prompt)
	}

	sess, reply = step(t, flow, sess, staffText("Sim"))
	if sess.State != StateAwaitingFollowUp || !strings.Contains(reply, "Dados atualizados") {
		t.Fatalf("unexpected confirmation result: %s %q", sess.State, reply)
	}
	updated, _ := customers.GetCustomer(ctx, "c1")
	if updated.LastInterest != "Datejust 36" || updated.Birthday != "03-15" || *updated.BudgetMax != 60000 {
		t.Fatalf("profile not updated: %+v", updated)
	}
	if !strings.HasSuffix(updated.Notes, "\n[2026-01-21] Quer mostrador azul") {
		t.Fatalf("notes not appended: %q", updated.Notes)
	}
	if len(customers.appointments) != 1 || customers.appointments[0].Status != domain.AppointmentCompleted || customers.appointments[0].Time != "N/A (walk-in)" {
		t.Fatalf("expected walk-in record, got %+v", customers.appointments)
	}

	sess, reply = step(t, flow, sess, staffText("sim"))
	if sess.State != StateCompleted {
		t.Fatalf("expected completed, got %s", sess.State)
	}
	if len(sender.to) != 1 || sender.to[0] != "+5511955554444" || strings.HasPrefix(sender.sent[0], `"`) {
		t.Fatalf("unexpected follow-up %v %v", sender.to, sender.sent)
	}
	if !strings.Contains(reply, "Feedback concluído") {
		t.Fatalf("unexpected reply %q", reply)
	}
	if got, _ := flow.Get(ctx, staffPhone); got != nil {
		t.Fatalf("expected session cleared, got %+v", got)
	}
}

func TestFeedbackAudioNewCustomerCancelled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	customers := &fakeCustomers{}
	model := llmtest.NewCompleter(llmtest.Text(`{"customer_name":"Pedro Lima","product_interest":"Speedmaster"}`))
	flow, _ := newFlow(t, customers, model, &llmtest.Transcriber{Text: "Atendi o Pedro Lima, gostou do Speedmaster"})

	sess, reply, err := flow.Start(ctx, staffAudio("https://media/voice.ogg"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !strings.HasPrefix(reply, `Transcrição: "Atendi o Pedro Lima`) || !strings.Contains(reply, "não encontrado") {
		t.Fatalf("unexpected reply %q", reply)
	}
	if sess.State != StateAwaitingNewCustomerPhone {
		t.Fatalf("expected new customer state, got %s", sess.State)
	}

	sess, reply = step(t, flow, sess, staffText("1199"))
	if sess.State != StateAwaitingNewCustomerPhone || !strings.Contains(reply, "Telefone inválido") {
		t.Fatalf("short phone accepted: %q", reply)
	}

	sess, reply = step(t, flow, sess, staffText("(11) 98888-1234"))
	if sess.State != StateAwaitingConfirmation || sess.CustomerPhone != "+5511988881234" {
		t.Fatalf("customer not created: %+v", sess)
	}
	if !strings.HasPrefix(reply, "✅ Cliente criado!") || len(customers.customers) != 1 {
		t.Fatalf("unexpected reply %q", reply)
	}

	sess, reply = step(t, flow, sess, staffText("não"))
	if sess.State != StateCancelled || !strings.Contains(reply, "cancelado") {
		t.Fatalf("expected cancel, got %s %q", sess.State, reply)
	}
	if len(customers.appointments) != 0 {
		t.Fatal("cancelled feedback must not record a visit")
	}
}

func TestFeedbackDisambiguation(t *testing.T) {
	t.Parallel()
	customers := &fakeCustomers{customers: []*domain.Customer{
		{ID: "a", Phone: "+5511911110001", Name: "João Silva", City: "Campinas"},
		{ID: "b", Phone: "+5511911110002", Name: "João Silva", City: "São Paulo", LastVisit: "2025-11-02"},
	}}
	model := llmtest.NewCompleter(llmtest.Text(`{"customer_name":"João Silva"}`))
	flow, _ := newFlow(t, customers, model, &llmtest.Transcriber{})

	sess, reply, err := flow.Start(context.Background(), staffText("João Silva passou aqui"))
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != StateAwaitingDisambiguation || len(sess.Matches) != 2 {
		t.Fatalf("expected two candidates, got %+v", sess)
	}
	if !strings.Contains(reply, "Encontrei 2 clientes") || !strings.Contains(reply, "Última visita: 2025-11-02") {
		t.Fatalf("unexpected reply %q", reply)
	}

	sess, reply = step(t, flow, sess, staffText("3"))
	if sess.State != StateAwaitingDisambiguation || !strings.Contains(reply, "(1-2)") {
		t.Fatalf("out-of-range choice accepted: %q", reply)
	}

	sess, _ = step(t, flow, sess, staffText("2"))
	if sess.State != StateAwaitingConfirmation || sess.CustomerID != "b" {
		t.Fatalf("expected customer b, got %+v", sess)
	}
}

func TestFeedbackCityNarrowsMatches(t *testing.T) {
	t.Parallel()
	customers := &fakeCustomers{customers: []*domain.Customer{
		{ID: "a", Phone: "+5511911110001", Name: "João Silva", City: "Campinas"},
		{ID: "b", Phone: "+5511911110002", Name: "João Silva", City: "São Paulo"},
	}}
	model := llmtest.NewCompleter(llmtest.Text(`{"customer_name":"João Silva","city":"são paulo"}`))
	flow, _ := newFlow(t, customers, model, &llmtest.Transcriber{})

	sess, _, err := flow.Start(context.Background(), staffText("João Silva de São Paulo"))
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != StateAwaitingConfirmation || sess.CustomerID != "b" {
		t.Fatalf("expected city match b, got %+v", sess)
	}
}

func TestFeedbackExtractionOutageKeepsSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	model := llmtest.NewCompleter(
		llmtest.Fail(llm.Unavailable("openai", context.DeadlineExceeded)),
		llmtest.Text(`{"customer_name":null}`),
		llmtest.Text(`{"customer_name":"Ana Reis"}`),
	)
	flow, _ := newFlow(t, &fakeCustomers{}, model, &llmtest.Transcriber{})

	sess, reply, err := flow.Start(ctx, staffText("cliente gostou do Tank"))
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != StateAwaitingExtraction || !strings.Contains(reply, "Erro ao processar feedback") {
		t.Fatalf("unexpected outage handling: %s %q", sess.State, reply)
	}

	sess, reply = step(t, flow, sess, staffText("cliente gostou do Tank"))
	if sess.State != StateAwaitingExtraction || !strings.Contains(reply, "nome do cliente") {
		t.Fatalf("expected name request, got %q", reply)
	}

	sess, _ = step(t, flow, sess, staffText("Ana Reis gostou do Tank"))
	if sess.State != StateAwaitingNewCustomerPhone || sess.RawInput != "Ana Reis gostou do Tank" {
		t.Fatalf("expected fresh report to be used, got %+v", sess)
	}
}

func TestFeedbackTranscribedOutageSavesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	model := llmtest.NewCompleter(llmtest.Fail(llm.Unavailable("openai", context.DeadlineExceeded)))
	flow, _ := newFlow(t, &fakeCustomers{}, model, &llmtest.Transcriber{Text: "Atendi a Ana Reis"})

	_, reply, err := flow.Start(ctx, staffAudio("https://media/voice.ogg"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(reply, `Transcrição: "Atendi a Ana Reis"`) || !strings.Contains(reply, "Erro ao processar feedback") {
		t.Fatalf("unexpected reply %q", reply)
	}

	stored, err := flow.Get(ctx, staffPhone)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored == nil || stored.State != StateAwaitingTranscription || stored.Transcription != "" {
		t.Fatalf("expected untouched session, got %+v", stored)
	}
}

func TestFeedbackHelpWithoutContent(t *testing.T) {
	t.Parallel()
	flow, _ := newFlow(t, &fakeCustomers{}, llmtest.NewCompleter(), &llmtest.Transcriber{})

	sess, reply, err := flow.Start(context.Background(), staffText("/feedback"))
	if err != nil {
		t.Fatal(err)
	}
	if sess != nil || reply != HelpMessage {
		t.Fatalf("expected help, got %+v %q", sess, reply)
	}
}

func TestConfirmationMessageBudgetForms(t *testing.T) {
	t.Parallel()
	low, high := 50000.0, 1250000.0

	if got := ConfirmationMessage("Ana", &Data{BudgetMin: &low}); !strings.Contains(got, "R$ 50.000+") {
		t.Fatalf("unexpected min-only budget %q", got)
	}
	if got := ConfirmationMessage("Ana", &Data{BudgetMax: &high}); !strings.Contains(got, "Até R$ 1.250.000") {
		t.Fatalf("unexpected max-only budget %q", got)
	}
}
