package verification

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/ashureev/watchdesk/internal/identity"
	"github.com/ashureev/watchdesk/internal/llm"
	"github.com/ashureev/watchdesk/internal/llm/llmtest"
	"github.com/ashureev/watchdesk/internal/session"
	"github.com/ashureev/watchdesk/internal/workflow"
)

const (
	phone    = "+5511988887777"
	validCPF = "529.982.247-25"
)

type fakeRecords struct {
	mu      sync.Mutex
	saved   []*domain.VerificationRecord
	tenant  *domain.Tenant
	saveErr error
}

func (f *fakeRecords) SaveVerification(_ context.Context, r *domain.VerificationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, r)
	return nil
}

func (f *fakeRecords) GetTenant(_ context.Context, _ string) (*domain.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tenant, nil
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

type harness struct {
	flow    *Flow
	vision  *llmtest.Vision
	records *fakeRecords
	sender  *recordingSender
	ptrs    *session.Pointers
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	vault, err := identity.NewVault(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("NewVault failed: %v", err)
	}
	kv := session.NewMemoryKV()
	ptrs := session.NewPointers(kv)
	h := &harness{
		vision:  &llmtest.Vision{Results: cleanDocuments()},
		records: &fakeRecords{tenant: &domain.Tenant{ID: "boutique", OwnerPhone: "+5511911112222"}},
		sender:  &recordingSender{},
		ptrs:    ptrs,
	}
	h.flow = New(NewStore(kv, ptrs, time.Hour), h.vision, vault, h.records, h.sender, 15*time.Minute)
	return h
}

func valid(b bool) *bool { return &b }

func cleanDocuments() map[domain.DocumentKind]*llm.Analysis {
	return map[domain.DocumentKind]*llm.Analysis{
		domain.DocumentWatchPhoto: {Photo: &domain.WatchPhotoAnalysis{
			Brand: "Rolex", Model: "Submariner", Reference: "126610LN", Serial: "7Z1234", Confidence: 90,
		}},
		domain.DocumentGuarantee: {Guarantee: &domain.GuaranteeCardAnalysis{
			Brand: "Rolex", Model: "Submariner", Reference: "126610LN", Serial: "7Z1234", PurchaseDate: "2024-03-10", Confidence: 90,
		}},
		domain.DocumentInvoice: {Invoice: &domain.InvoiceAnalysis{
			InvoiceDate: "2024-03-12", Serial: "7Z1234", Items: []string{"Relógio Rolex Submariner"},
			Country: "Brasil", Valid: valid(true), Confidence: 90,
		}},
	}
}

func text(body string) workflow.Input {
	return workflow.Input{
		TenantID:   "boutique",
		SubjectKey: phone,
		Message:    &domain.InboundMessage{From: phone, Body: body, ProfileName: "Marcos"},
	}
}

func media(url string) workflow.Input {
	return workflow.Input{
		TenantID:   "boutique",
		SubjectKey: phone,
		Message:    &domain.InboundMessage{From: phone, MediaURLs: []string{url}, MediaTypes: []string{"image/jpeg"}},
	}
}

// advance runs inputs in order and fails on any error.
func (h *harness) advance(t *testing.T, sess *Session, inputs ...workflow.Input) (*Session, string) {
	t.Helper()
	var reply string
	var err error
	for _, in := range inputs {
		state := sess.State
		sess, reply, err = h.flow.Step(context.Background(), sess, in)
		if err != nil {
			t.Fatalf("Step failed in %s: %v", state, err)
		}
	}
	return sess, reply
}

func TestVerificationHappyPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	sess, reply, err := h.flow.Start(ctx, text("quero vender meu relógio"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if sess.State != StateAwaitingCPF || !strings.Contains(reply, "CPF") {
		t.Fatalf("unexpected start: %s %q", sess.State, reply)
	}

	wantStates := []State{StateAwaitingWatchInfo, StateAwaitingWatchPhoto, StateAwaitingGuarantee, StateAwaitingInvoice, StateAwaitingOptionalDocs}
	inputs := []workflow.Input{text(validCPF), text("Rolex Submariner"), media("https://m/photo"), media("https://m/card"), media("https://m/nf")}
	for i, in := range inputs {
		sess, _ = h.advance(t, sess, in)
		if sess.State != wantStates[i] {
			t.Fatalf("step %d: expected %s, got %s", i, wantStates[i], sess.State)
		}
	}
	if sess.CPFMasked != "***.***.247-25" || strings.Contains(sess.CPFSealed, "52998224725") {
		t.Fatalf("cpf not protected: masked=%q sealed=%q", sess.CPFMasked, sess.CPFSealed)
	}

	sess, reply = h.advance(t, sess, text("pode enviar o relatório"))
	if sess.State != StateCompleted {
		t.Fatalf("expected completed, got %s", sess.State)
	}
	if len(h.records.saved) != 1 {
		t.Fatalf("expected one record, got %d", len(h.records.saved))
	}
	rec := h.records.saved[0]
	if !strings.Contains(reply, "#VER-"+rec.ShortID()) {
		t.Fatalf("summary missing id: %q", reply)
	}
	if rec.CPFEncrypted == "" || rec.Brand != "Rolex" || rec.Status == "" || rec.Report == "" {
		t.Fatalf("incomplete record %+v", rec)
	}
	if len(h.sender.sent) != 2 || h.sender.to[0] != "+5511911112222" {
		t.Fatalf("expected owner alert and draft, got %v", h.sender.to)
	}
	if !strings.Contains(h.sender.sent[0], "Nova Verificação Completa") {
		t.Fatalf("unexpected alert %q", h.sender.sent[0])
	}

	if a, _ := h.ptrs.Get(ctx, phone); a != nil {
		t.Fatalf("expected pointer released, got %+v", a)
	}
	if kept, _ := h.flow.Get(ctx, phone); kept == nil || kept.State != StateCompleted {
		t.Fatalf("expected completed session retained, got %+v", kept)
	}
}

func TestVerificationInvoiceMismatchAsksForExplanation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.vision.Results[domain.DocumentInvoice].Invoice.Serial = "9Q8888"

	sess, _, _ := h.flow.Start(context.Background(), text("avaliar relógio"))
	sess, reply := h.advance(t, sess, text(validCPF), text("Rolex Submariner"), media("p"), media("g"), media("i"))
	if sess.State != StateAwaitingDateExplanation {
		t.Fatalf("expected awaiting_date_explanation, got %s", sess.State)
	}
	if !strings.Contains(reply, "9Q8888") {
		t.Fatalf("expected mismatch details, got %q", reply)
	}

	sess, reply = h.advance(t, sess, media("x"))
	if sess.State != StateAwaitingDateExplanation || !strings.Contains(reply, "9Q8888") {
		t.Fatalf("media should restate the question, got %s %q", sess.State, reply)
	}

	sess, _ = h.advance(t, sess, text("o serial foi abreviado pela loja"))
	if sess.State != StateAwaitingOptionalDocs || sess.DateMismatchReason == "" {
		t.Fatalf("explanation not stored: %+v", sess)
	}

	sess, reply = h.advance(t, sess, media("https://m/box"))
	if len(sess.AdditionalDocs) != 1 || !strings.Contains(reply, "Documento adicional recebido") {
		t.Fatalf("extra doc not kept: %+v %q", sess.AdditionalDocs, reply)
	}

	sess, _ = h.advance(t, sess, text("finalizar"))
	if sess.State != StateCompleted || h.records.saved[0].DateMismatchReason == "" {
		t.Fatalf("expected completed with reason, got %s", sess.State)
	}
}

func TestVerificationRejectsWrongInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	sess, prompt, _ := h.flow.Start(context.Background(), text("vender"))
	sess, reply := h.advance(t, sess, text("123.456.789-00"))
	if sess.State != StateAwaitingCPF || !strings.Contains(reply, "CPF inválido") {
		t.Fatalf("invalid cpf accepted: %s %q", sess.State, reply)
	}

	sess, reply = h.advance(t, sess, media("early"))
	if sess.State != StateAwaitingCPF || reply != prompt {
		t.Fatalf("media before its state should restate prompt, got %q", reply)
	}

	sess, _ = h.advance(t, sess, text(validCPF))
	sess, reply = h.advance(t, sess, text("ok"))
	if sess.State != StateAwaitingWatchInfo || reply != NextPrompt(sess) {
		t.Fatalf("short model accepted: %s %q", sess.State, reply)
	}

	sess, _ = h.advance(t, sess, text("Omega Speedmaster"))
	sess, reply = h.advance(t, sess, text("já mando"))
	if sess.State != StateAwaitingWatchPhoto || reply != NextPrompt(sess) {
		t.Fatalf("text in a media state should restate prompt, got %s %q", sess.State, reply)
	}
	if len(h.vision.Requests) != 0 {
		t.Fatalf("no extraction expected, got %v", h.vision.Requests)
	}
}

func TestVerificationVisionOutageKeepsState(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	sess, _, _ := h.flow.Start(context.Background(), text("vender"))
	sess, _ = h.advance(t, sess, text(validCPF), text("Cartier Santos"))

	h.vision.Err = llm.Unavailable("vision", context.DeadlineExceeded)
	sess, reply := h.advance(t, sess, media("photo"))
	if reply != workflow.TryAgainMessage || sess.State != StateAwaitingWatchPhoto {
		t.Fatalf("expected retry message, got %s %q", sess.State, reply)
	}
	stored, _ := h.flow.Get(context.Background(), phone)
	if stored.State != StateAwaitingWatchPhoto || stored.PhotoURL != "" {
		t.Fatalf("session changed on outage: %+v", stored)
	}
}

func TestVerificationFinalizeStoreFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	boom := errors.New("disk full")

	sess, _, _ := h.flow.Start(context.Background(), text("vender"))
	sess, _ = h.advance(t, sess, text(validCPF), text("Rolex Datejust"), media("p"), media("g"), media("i"))

	h.records.saveErr = boom
	if _, _, err := h.flow.Step(context.Background(), sess, text("enviar")); !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
	stored, _ := h.flow.Get(context.Background(), phone)
	if stored.State != StateProcessing || stored.RecordID == "" {
		t.Fatalf("expected processing session to resume from, got %+v", stored)
	}

	h.records.saveErr = nil
	sess, _ = h.advance(t, stored, text("oi?"))
	if sess.State != StateCompleted || h.records.saved[0].ID != stored.RecordID {
		t.Fatalf("resume did not reuse record id: %+v", sess)
	}
}

func TestWants(t *testing.T) {
	t.Parallel()

	if !Wants("Gostaria de AVALIAR meu relógio") || Wants("quero agendar") {
		t.Fatal("unexpected Wants result")
	}
}
