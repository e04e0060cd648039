// Package verification runs the watch-selling document collection: CPF,
// stated model, photo, warranty card, invoice, optional extras, then a
// risk report for the boutique.
package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/ashureev/watchdesk/internal/identity"
	"github.com/ashureev/watchdesk/internal/llm"
	"github.com/ashureev/watchdesk/internal/messaging"
	"github.com/ashureev/watchdesk/internal/risk"
	"github.com/ashureev/watchdesk/internal/scheduling"
	"github.com/ashureev/watchdesk/internal/session"
	"github.com/ashureev/watchdesk/internal/shared"
	"github.com/ashureev/watchdesk/internal/workflow"
	"github.com/google/uuid"
)

// Namespace is the session-store namespace of verification sessions.
const Namespace = "verification"

// State is a verification session state.
type State string

const (
	StateAwaitingCPF             State = "awaiting_cpf"
	StateAwaitingWatchInfo       State = "awaiting_watch_info"
	StateAwaitingWatchPhoto      State = "awaiting_watch_photo"
	StateAwaitingGuarantee       State = "awaiting_guarantee"
	StateAwaitingInvoice         State = "awaiting_invoice"
	StateAwaitingDateExplanation State = "awaiting_date_explanation"
	StateAwaitingOptionalDocs    State = "awaiting_optional_docs"
	StateProcessing              State = "processing"
	StateCompleted               State = "completed"
)

// MinModelLength is the shortest accepted watch description.
const MinModelLength = 3

// Session is the verification state of one customer. The CPF is only
// held sealed.
type Session struct {
	session.Meta
	State              State                         `json:"state"`
	CustomerName       string                        `json:"customerName"`
	CPFSealed          string                        `json:"cpfSealed,omitempty"`
	CPFMasked          string                        `json:"cpfMasked,omitempty"`
	StatedModel        string                        `json:"statedModel,omitempty"`
	PhotoURL           string                        `json:"photoUrl,omitempty"`
	GuaranteeURL       string                        `json:"guaranteeUrl,omitempty"`
	InvoiceURL         string                        `json:"invoiceUrl,omitempty"`
	Photo              *domain.WatchPhotoAnalysis    `json:"photo,omitempty"`
	Guarantee          *domain.GuaranteeCardAnalysis `json:"guarantee,omitempty"`
	Invoice            *domain.InvoiceAnalysis       `json:"invoice,omitempty"`
	AdditionalDocs     []string                      `json:"additionalDocs,omitempty"`
	DateMismatchReason string                        `json:"dateMismatchReason,omitempty"`
	RecordID           string                        `json:"recordId,omitempty"`
}

// Documents returns the analyses gathered so far.
func (s *Session) Documents() risk.Documents {
	return risk.Documents{Photo: s.Photo, Guarantee: s.Guarantee, Invoice: s.Invoice, StatedModel: s.StatedModel}
}

// Store keeps verification sessions.
type Store = session.Store[Session, *Session]

// NewStore creates the verification session store and registers it with
// the active-workflow pointers.
func NewStore(kv session.KV, pointers *session.Pointers, ttl time.Duration) *Store {
	return session.NewStore[Session](kv, Namespace, ttl).Tracked(pointers, session.KindVerification)
}

var startKeywords = []string{"vender", "avaliar", "verificar", "autenticar"}

// Wants reports whether a message asks to sell or verify a watch.
func Wants(text string) bool {
	return shared.ContainsAny(text, startKeywords...)
}

// Records is the persistence the flow needs.
type Records interface {
	SaveVerification(ctx context.Context, r *domain.VerificationRecord) error
	GetTenant(ctx context.Context, id string) (*domain.Tenant, error)
}

// Sealer encrypts a CPF bound to the customer's subject key.
type Sealer interface {
	Seal(cpf, subjectKey string) (string, error)
}

// Flow runs verification steps.
type Flow struct {
	store        *Store
	vision       llm.VisionExtractor
	vault        Sealer
	records      Records
	sender       messaging.Sender
	completedTTL time.Duration
	now          func() time.Time
}

// New creates a verification flow. Completed sessions stay readable for
// completedTTL after the report is sent.
func New(store *Store, vision llm.VisionExtractor, vault Sealer, records Records, sender messaging.Sender, completedTTL time.Duration) *Flow {
	return &Flow{
		store:        store,
		vision:       vision,
		vault:        vault,
		records:      records,
		sender:       sender,
		completedTTL: completedTTL,
		now:          time.Now,
	}
}

// WithClock overrides the clock stamped on records.
func (f *Flow) WithClock(now func() time.Time) *Flow {
	f.now = now
	return f
}

// Get returns the session for key, or nil.
func (f *Flow) Get(ctx context.Context, key string) (*Session, error) {
	return f.store.Get(ctx, key)
}

// Start opens a verification session and asks for the CPF.
func (f *Flow) Start(ctx context.Context, in workflow.Input) (*Session, string, error) {
	sess, err := f.store.Create(ctx, in.TenantID, in.SubjectKey, &Session{
		State:        StateAwaitingCPF,
		CustomerName: in.CustomerName(),
	})
	if err != nil {
		return nil, "", fmt.Errorf("create verification session: %w", err)
	}
	slog.Info("Verification session started", "phone", identity.MaskPhone(in.SubjectKey), "session_id", sess.ID)
	return sess, NextPrompt(sess), nil
}

// Step advances sess with one inbound message. Input of the wrong class
// for the current state restates the prompt without touching the session.
func (f *Flow) Step(ctx context.Context, sess *Session, in workflow.Input) (*Session, string, error) {
	switch sess.State {
	case StateAwaitingCPF:
		if in.Text() == "" {
			return sess, NextPrompt(sess), nil
		}
		return f.handleCPF(ctx, sess, in)
	case StateAwaitingWatchInfo:
		if in.Text() == "" {
			return sess, NextPrompt(sess), nil
		}
		return f.handleWatchInfo(ctx, sess, in)
	case StateAwaitingWatchPhoto, StateAwaitingGuarantee, StateAwaitingInvoice:
		if !in.HasMedia() {
			return sess, NextPrompt(sess), nil
		}
		return f.handleDocument(ctx, sess, in)
	case StateAwaitingDateExplanation:
		if in.Text() == "" {
			return sess, NextPrompt(sess), nil
		}
		return f.handleExplanation(ctx, sess, in)
	case StateAwaitingOptionalDocs:
		return f.handleOptional(ctx, sess, in)
	case StateProcessing:
		return f.finalize(ctx, sess, in)
	}
	return sess, NextPrompt(sess), nil
}

func (f *Flow) handleCPF(ctx context.Context, sess *Session, in workflow.Input) (*Session, string, error) {
	cpf := shared.Digits(in.Text())
	if !identity.IsValidCPF(cpf) {
		return sess, "CPF inválido. Por favor, envie um CPF válido no formato XXX.XXX.XXX-XX ou apenas números.", nil
	}
	sealed, err := f.vault.Seal(cpf, in.SubjectKey)
	if err != nil {
		return nil, "", fmt.Errorf("seal cpf: %w", err)
	}

	sess.CPFSealed = sealed
	sess.CPFMasked = identity.MaskCPF(cpf)
	sess.State = StateAwaitingWatchInfo
	if err := f.store.Save(ctx, in.SubjectKey, sess); err != nil {
		return nil, "", fmt.Errorf("save verification session: %w", err)
	}
	return sess, NextPrompt(sess), nil
}

func (f *Flow) handleWatchInfo(ctx context.Context, sess *Session, in workflow.Input) (*Session, string, error) {
	model := in.Text()
	if len([]rune(model)) < MinModelLength {
		return sess, NextPrompt(sess), nil
	}

	sess.StatedModel = model
	sess.State = StateAwaitingWatchPhoto
	if err := f.store.Save(ctx, in.SubjectKey, sess); err != nil {
		return nil, "", fmt.Errorf("save verification session: %w", err)
	}
	return sess, NextPrompt(sess), nil
}

var documentKinds = map[State]domain.DocumentKind{
	StateAwaitingWatchPhoto: domain.DocumentWatchPhoto,
	StateAwaitingGuarantee:  domain.DocumentGuarantee,
	StateAwaitingInvoice:    domain.DocumentInvoice,
}

// handleDocument analyzes the first attachment as the document the state
// waits for. A failed extraction leaves the session as it was.
func (f *Flow) handleDocument(ctx context.Context, sess *Session, in workflow.Input) (*Session, string, error) {
	kind := documentKinds[sess.State]
	url := in.Message.MediaURLs[0]

	analysis, err := f.vision.Extract(ctx, kind, url)
	if err != nil {
		if errors.Is(err, llm.ErrUnavailable) {
			slog.Warn("Document extraction failed", "kind", kind, "phone", identity.MaskPhone(in.SubjectKey), "error", err)
			return sess, workflow.TryAgainMessage, nil
		}
		return nil, "", fmt.Errorf("extract %s: %w", kind, err)
	}
	slog.Info("Document analyzed", "kind", kind, "session_id", sess.ID, "confidence", analysis.Confidence())

	var reply string
	switch sess.State {
	case StateAwaitingWatchPhoto:
		sess.PhotoURL, sess.Photo = url, analysis.Photo
		sess.State = StateAwaitingGuarantee
		reply = photoAck(analysis.Photo) + NextPrompt(sess)
	case StateAwaitingGuarantee:
		sess.GuaranteeURL, sess.Guarantee = url, analysis.Guarantee
		sess.State = StateAwaitingInvoice
		reply = NextPrompt(sess)
	case StateAwaitingInvoice:
		sess.InvoiceURL, sess.Invoice = url, analysis.Invoice
		check := risk.CheckInvoice(sess.Photo, sess.Guarantee, sess.Invoice)
		if check.NeedsExplanation() {
			sess.State = StateAwaitingDateExplanation
			reply = check.Message()
		} else {
			sess.State = StateAwaitingOptionalDocs
			reply = NextPrompt(sess)
		}
	}

	if err := f.store.Save(ctx, in.SubjectKey, sess); err != nil {
		return nil, "", fmt.Errorf("save verification session: %w", err)
	}
	return sess, reply, nil
}

func photoAck(p *domain.WatchPhotoAnalysis) string {
	var b strings.Builder
	b.WriteString("Recebi a foto do seu relógio! ")
	if p != nil && (p.Brand != "" || p.Model != "") {
		brand := p.Brand
		if brand == "" {
			brand = "relógio"
		}
		fmt.Fprintf(&b, "Identifico um %s. ", strings.TrimSpace(brand+" "+p.Model))
	}
	if p != nil && p.Reference != "" {
		fmt.Fprintf(&b, "Referência: %s. ", p.Reference)
	}
	b.WriteString("\n\n")
	return b.String()
}

func (f *Flow) handleExplanation(ctx context.Context, sess *Session, in workflow.Input) (*Session, string, error) {
	sess.DateMismatchReason = in.Text()
	sess.State = StateAwaitingOptionalDocs
	if err := f.store.Save(ctx, in.SubjectKey, sess); err != nil {
		return nil, "", fmt.Errorf("save verification session: %w", err)
	}
	return sess, "Entendi! Vou incluir essa informação no relatório. ✅\n\nQuer enviar documentos adicionais (fatura cartão, comprovante viagem, box) ou prefere que eu envie o relatório agora para a boutique?", nil
}

var finalizeKeywords = []string{"enviar", "relatório", "agora", "boutique", "finalizar"}

func (f *Flow) handleOptional(ctx context.Context, sess *Session, in workflow.Input) (*Session, string, error) {
	if in.Text() != "" && shared.ContainsAny(in.Text(), finalizeKeywords...) {
		return f.finalize(ctx, sess, in)
	}
	if in.HasMedia() {
		sess.AdditionalDocs = append(sess.AdditionalDocs, in.Message.MediaURLs...)
		if err := f.store.Save(ctx, in.SubjectKey, sess); err != nil {
			return nil, "", fmt.Errorf("save verification session: %w", err)
		}
		return sess, "✅ Documento adicional recebido! Quer enviar mais documentos ou prefere que eu envie o relatório para a boutique?", nil
	}
	return sess, `Não entendi. Responda "enviar relatório" para finalizar ou envie outro documento.`, nil
}

// finalize scores the documents, stores the record, alerts the owner and
// closes the session. A session left in processing by a crash runs this
// again on the next message.
func (f *Flow) finalize(ctx context.Context, sess *Session, in workflow.Input) (*Session, string, error) {
	sess.State = StateProcessing
	if sess.RecordID == "" {
		sess.RecordID = uuid.NewString()
	}
	if err := f.store.Save(ctx, in.SubjectKey, sess); err != nil {
		return nil, "", fmt.Errorf("save verification session: %w", err)
	}

	rec, verdict := f.buildRecord(sess, in.TenantID)
	if err := f.records.SaveVerification(ctx, rec); err != nil {
		return nil, "", fmt.Errorf("save verification record: %w", err)
	}
	slog.Info("Verification completed",
		"record_id", rec.ID,
		"phone", identity.MaskPhone(in.SubjectKey),
		"risk_category", rec.RiskCategory,
		"risk_score", rec.RiskScore,
	)

	f.notifyOwner(ctx, in.TenantID, rec, verdict)

	sess.State = StateCompleted
	if err := f.store.Finish(ctx, in.SubjectKey, sess, f.completedTTL); err != nil {
		return nil, "", fmt.Errorf("finish verification session: %w", err)
	}
	return sess, risk.CustomerSummary(rec.ShortID()), nil
}

func (f *Flow) buildRecord(sess *Session, tenantID string) (*domain.VerificationRecord, risk.Assessment) {
	docs := sess.Documents()
	score := risk.ConsistencyScore(docs)
	xref := risk.CrossReference(docs)
	penalty, band := risk.CalcPenalty(risk.PenaltyFor(docs, xref))
	verdict := risk.Assess(score, xref, docs)

	rec := &domain.VerificationRecord{
		ID:                 sess.RecordID,
		TenantID:           tenantID,
		CustomerPhone:      sess.SubjectKey,
		CustomerName:       sess.CustomerName,
		CPFEncrypted:       sess.CPFSealed,
		CPFMasked:          sess.CPFMasked,
		StatedModel:        sess.StatedModel,
		Brand:              docs.Brand(),
		Model:              docs.Model(),
		Reference:          docs.Reference(),
		Serial:             docs.Serial(),
		PhotoURL:           sess.PhotoURL,
		GuaranteeURL:       sess.GuaranteeURL,
		InvoiceURL:         sess.InvoiceURL,
		AdditionalDocs:     sess.AdditionalDocs,
		DateMismatchReason: sess.DateMismatchReason,
		ConsistencyScore:   score,
		PenaltyScore:       penalty,
		PenaltyBand:        band,
		RiskCategory:       string(verdict.Category),
		RiskLabel:          verdict.Label,
		RiskColor:          string(verdict.Color),
		RiskScore:          verdict.RiskScore(),
		Recommendation:     verdict.Recommendation,
		CriticalIssues:     verdict.CriticalIssues,
		Warnings:           verdict.Warnings,
		PassedChecks:       xref.PassedChecks,
		Status:             risk.StatusFor(verdict.Color),
		CreatedAt:          f.now().UTC(),
	}
	rec.Report = risk.Report(risk.ReportInput{
		Record:     rec,
		Docs:       docs,
		CrossRef:   xref,
		Assessment: verdict,
		Location:   scheduling.Location,
	})
	return rec, verdict
}

// notifyOwner sends the alert and a reply draft to the tenant owner. A
// failed send is logged; the record is already stored.
func (f *Flow) notifyOwner(ctx context.Context, tenantID string, rec *domain.VerificationRecord, verdict risk.Assessment) {
	if f.sender == nil {
		return
	}
	tenant, err := f.records.GetTenant(ctx, tenantID)
	if err != nil || tenant == nil || tenant.OwnerPhone == "" {
		slog.Warn("No owner phone for verification alert", "tenant_id", tenantID, "record_id", rec.ID, "error", err)
		return
	}

	messages := []string{
		risk.StoreNotification(rec),
		"📝 *Sugestão de resposta ao cliente:*\n\n" + risk.OwnerMessage(rec.CustomerName, rec.Brand, rec.Model, verdict),
	}
	for _, body := range messages {
		if err := f.sender.Send(ctx, tenant.OwnerPhone, tenant.WhatsAppNumber, body); err != nil {
			slog.Error("Failed to notify owner", "tenant_id", tenantID, "record_id", rec.ID, "error", err)
			return
		}
	}
}

// NextPrompt returns what the customer is asked in sess's state.
func NextPrompt(sess *Session) string {
	switch sess.State {
	case StateAwaitingCPF:
		return "Perfeito! Para iniciar a verificação, preciso do seu CPF."
	case StateAwaitingWatchInfo:
		return "Obrigado! Agora, qual relógio você gostaria de vender? (marca e modelo)"
	case StateAwaitingWatchPhoto:
		return "Ótimo! Vou precisar de alguns documentos. Primeiro, envie uma foto clara do relógio mostrando o mostrador e a caixa.\n\n" +
			"💡 *Dica:* Se conseguir visualizar o número de série (geralmente na parte de trás da caixa), tente incluir na foto. Isso ajuda na verificação, mas não é obrigatório!"
	case StateAwaitingGuarantee:
		return "Perfeito! Agora envie uma foto do certificado de garantia (guarantee card)."
	case StateAwaitingInvoice:
		return "Ótimo! Por último, envie a Nota Fiscal de compra original."
	case StateAwaitingDateExplanation:
		return risk.CheckInvoice(sess.Photo, sess.Guarantee, sess.Invoice).Message()
	case StateAwaitingOptionalDocs:
		return "Recebi todos os documentos principais! Para fortalecer a verificação, você pode enviar documentos adicionais (opcional):\n" +
			"- Fatura do cartão de crédito (comprovando a compra)\n" +
			"- Comprovante de viagem (se comprou no exterior)\n" +
			"- Box original do relógio\n" +
			"- Outros certificados ou documentos\n\n" +
			"Prefere enviar agora ou que eu envie o relatório atual para a boutique?"
	case StateProcessing:
		return "Estou analisando os documentos... ⏳"
	case StateCompleted:
		return "✅ Verificação concluída! O relatório foi enviado para a boutique."
	}
	return "Olá! Como posso ajudar?"
}
