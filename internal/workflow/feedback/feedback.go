// Package feedback lets salespeople enrich a customer's profile after a
// visit by sending a voice note or a text describing it.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/ashureev/watchdesk/internal/identity"
	"github.com/ashureev/watchdesk/internal/llm"
	"github.com/ashureev/watchdesk/internal/messaging"
	"github.com/ashureev/watchdesk/internal/scheduling"
	"github.com/ashureev/watchdesk/internal/session"
	"github.com/ashureev/watchdesk/internal/shared"
	"github.com/ashureev/watchdesk/internal/store"
	"github.com/ashureev/watchdesk/internal/workflow"
)

// Namespace is the session-store namespace of feedback sessions.
const Namespace = "feedback"

// State is a feedback session state.
type State string

const (
	StateAwaitingTranscription    State = "awaiting_transcription"
	StateAwaitingExtraction       State = "awaiting_extraction"
	StateAwaitingDisambiguation   State = "awaiting_disambiguation"
	StateAwaitingConfirmation     State = "awaiting_confirmation"
	StateAwaitingNewCustomerPhone State = "awaiting_new_customer_confirm"
	StateAwaitingFollowUp         State = "awaiting_follow_up"
	StateCompleted                State = "completed"
	StateCancelled                State = "cancelled"
)

// Session is one salesperson's feedback in progress.
type Session struct {
	session.Meta
	State         State   `json:"state"`
	Audio         bool    `json:"audio"`
	RawInput      string  `json:"rawInput"`
	Transcription string  `json:"transcription,omitempty"`
	Data          *Data   `json:"data,omitempty"`
	Matches       []Match `json:"matches,omitempty"`
	CustomerID    string  `json:"customerId,omitempty"`
	CustomerPhone string  `json:"customerPhone,omitempty"`
	CustomerName  string  `json:"customerName,omitempty"`
}

// Store keeps feedback sessions.
type Store = session.Store[Session, *Session]

// NewStore creates the feedback session store and registers it with the
// active-workflow pointers.
func NewStore(kv session.KV, pointers *session.Pointers, ttl time.Duration) *Store {
	return session.NewStore[Session](kv, Namespace, ttl).Tracked(pointers, session.KindFeedback)
}

// Customers is the persistence the flow needs.
type Customers interface {
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	GetCustomerByPhone(ctx context.Context, tenantID, phone string) (*domain.Customer, error)
	SearchCustomers(ctx context.Context, q store.CustomerSearch) ([]*domain.Customer, error)
	UpsertCustomer(ctx context.Context, c *domain.Customer) error
	CreateAppointment(ctx context.Context, a *domain.Appointment) error
}

const commandPrefix = "/feedback"

// IsCommand reports whether text explicitly starts a new feedback.
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(text)), commandPrefix)
}

// HelpMessage explains how to send feedback.
const HelpMessage = "Para enviar feedback, você pode:\n\n📱 Enviar um áudio descrevendo a visita\n📝 Ou escrever os detalhes\n\n" +
	"Exemplo: \"Atendi o João Silva hoje, ele adorou o Submariner preto, aniversário 15/03\""

// Flow runs feedback steps.
type Flow struct {
	store       *Store
	customers   Customers
	model       llm.ChatCompleter
	transcriber llm.Transcriber
	sender      messaging.Sender
	now         func() time.Time
}

// New creates a feedback flow.
func New(store *Store, customers Customers, model llm.ChatCompleter, transcriber llm.Transcriber, sender messaging.Sender) *Flow {
	return &Flow{
		store:       store,
		customers:   customers,
		model:       model,
		transcriber: transcriber,
		sender:      sender,
		now:         time.Now,
	}
}

// WithClock overrides the clock used for visit dates.
func (f *Flow) WithClock(now func() time.Time) *Flow {
	f.now = now
	return f
}

// Get returns the salesperson's session, or nil.
func (f *Flow) Get(ctx context.Context, key string) (*Session, error) {
	return f.store.Get(ctx, key)
}

func (f *Flow) today() string {
	return f.now().In(scheduling.Location).Format(scheduling.DateLayout)
}

// Start opens a session from a voice note or a text and processes it right
// away. Without either it only explains how to send feedback.
func (f *Flow) Start(ctx context.Context, in workflow.Input) (*Session, string, error) {
	sess := &Session{}
	switch text := stripCommand(in.Text()); {
	case in.Message != nil && in.Message.HasAudio():
		sess.Audio = true
		sess.RawInput = in.Message.MediaURLs[0]
		sess.State = StateAwaitingTranscription
	case text != "":
		sess.RawInput = text
		sess.State = StateAwaitingExtraction
	default:
		return nil, HelpMessage, nil
	}

	sess, err := f.store.Create(ctx, in.TenantID, in.SubjectKey, sess)
	if err != nil {
		return nil, "", fmt.Errorf("create feedback session: %w", err)
	}
	slog.Info("Feedback session started", "phone", identity.MaskPhone(in.SubjectKey), "session_id", sess.ID, "audio", sess.Audio)
	return f.process(ctx, sess, in)
}

func stripCommand(text string) string {
	if IsCommand(text) {
		return strings.TrimSpace(text[len(commandPrefix):])
	}
	return text
}

// Step advances sess with one inbound message. An explicit /feedback
// command discards the session and starts over.
func (f *Flow) Step(ctx context.Context, sess *Session, in workflow.Input) (*Session, string, error) {
	if IsCommand(in.Text()) {
		if err := f.store.Clear(ctx, in.SubjectKey); err != nil {
			return nil, "", err
		}
		return f.Start(ctx, in)
	}

	answer := shared.Fold(in.Text())
	switch sess.State {
	case StateAwaitingTranscription, StateAwaitingExtraction:
		// A fresh report replaces the one that could not be processed.
		if in.Message != nil && in.Message.HasAudio() {
			sess.Audio, sess.RawInput, sess.Transcription = true, in.Message.MediaURLs[0], ""
			sess.State = StateAwaitingTranscription
		} else if in.Text() != "" {
			sess.Audio, sess.RawInput, sess.Transcription = false, in.Text(), ""
			sess.State = StateAwaitingExtraction
		}
		return f.process(ctx, sess, in)
	case StateAwaitingDisambiguation:
		return f.handleDisambiguation(ctx, sess, in, answer)
	case StateAwaitingNewCustomerPhone:
		return f.handleNewCustomer(ctx, sess, in, answer)
	case StateAwaitingConfirmation:
		return f.handleConfirmation(ctx, sess, in, answer)
	case StateAwaitingFollowUp:
		return f.handleFollowUp(ctx, sess, in, answer)
	}
	if err := f.store.Clear(ctx, in.SubjectKey); err != nil {
		return nil, "", err
	}
	return sess, "Não entendi. Envie /feedback para começar de novo.", nil
}

// process transcribes when needed and then extracts the report. The
// session is saved only once extraction has produced a customer, so an
// outage leaves the stored state where it was.
func (f *Flow) process(ctx context.Context, sess *Session, in workflow.Input) (*Session, string, error) {
	prefix := ""
	if sess.State == StateAwaitingTranscription {
		text, err := f.transcriber.Transcribe(ctx, sess.RawInput)
		if err != nil {
			if !errors.Is(err, llm.ErrUnavailable) {
				return nil, "", fmt.Errorf("transcribe feedback: %w", err)
			}
			slog.Warn("Feedback transcription failed", "session_id", sess.ID, "error", err)
			return sess, "❌ Erro ao transcrever áudio. Pode enviar o feedback como texto?\n\nExemplo: \"João Silva - Submariner - budget 50k\"", nil
		}
		sess.Transcription = strings.TrimSpace(text)
		sess.State = StateAwaitingExtraction
		prefix = fmt.Sprintf("Transcrição: \"%s\"\n\n", sess.Transcription)
	}

	source := sess.RawInput
	if sess.Transcription != "" {
		source = sess.Transcription
	}
	data, err := extractData(ctx, f.model, source, f.today())
	if err != nil {
		if !errors.Is(err, llm.ErrUnavailable) {
			return nil, "", fmt.Errorf("extract feedback: %w", err)
		}
		slog.Warn("Feedback extraction failed", "session_id", sess.ID, "error", err)
		return sess, prefix + "❌ Erro ao processar feedback. Pode tentar enviar novamente?", nil
	}
	if data.CustomerName == "" {
		return sess, prefix + "❌ Não consegui identificar o nome do cliente. Pode enviar novamente com o nome?\n\nExemplo: \"João Silva gostou do Submariner\"", nil
	}

	found, err := findCustomers(ctx, f.customers, in.TenantID, data)
	if err != nil {
		return nil, "", err
	}
	sess.Data = data
	sess.CustomerName = data.CustomerName
	sess.Matches = toMatches(found)

	var reply string
	switch len(found) {
	case 0:
		sess.State = StateAwaitingNewCustomerPhone
		reply = fmt.Sprintf("%s não encontrado no sistema. É um cliente novo? Se sim, envie o telefone do cliente.", data.CustomerName)
	case 1:
		f.choose(sess, sess.Matches[0])
		visit := "Primeira visita\n"
		if found[0].LastVisit != "" {
			visit = fmt.Sprintf("Última visita: %s\n", found[0].LastVisit)
		}
		reply = fmt.Sprintf("Encontrei este cliente:\n\n%s - %s\n%s\n%s", found[0].Name, found[0].Phone, visit, ConfirmationMessage(found[0].Name, data))
	default:
		sess.State = StateAwaitingDisambiguation
		reply = DisambiguationMessage(sess.Matches)
	}

	if err := f.store.Save(ctx, in.SubjectKey, sess); err != nil {
		return nil, "", fmt.Errorf("save feedback session: %w", err)
	}
	return sess, prefix + reply, nil
}

func (f *Flow) choose(sess *Session, m Match) {
	sess.CustomerID = m.ID
	sess.CustomerPhone = m.Phone
	sess.CustomerName = m.Name
	sess.State = StateAwaitingConfirmation
}

var choiceRe = regexp.MustCompile(`^\d+$`)

func (f *Flow) handleDisambiguation(ctx context.Context, sess *Session, in workflow.Input, answer string) (*Session, string, error) {
	if shared.EqualsAny(answer, "nenhum", "nao", "não") {
		sess.State = StateAwaitingNewCustomerPhone
		if err := f.store.Save(ctx, in.SubjectKey, sess); err != nil {
			return nil, "", fmt.Errorf("save feedback session: %w", err)
		}
		return sess, "Entendi. Qual o telefone do cliente?", nil
	}

	n := 0
	if choiceRe.MatchString(answer) {
		n, _ = strconv.Atoi(answer)
	}
	if n < 1 || n > len(sess.Matches) {
		return sess, fmt.Sprintf("Por favor, responda com o número (1-%d) ou \"nenhum\".", len(sess.Matches)), nil
	}

	chosen := sess.Matches[n-1]
	f.choose(sess, chosen)
	if err := f.store.Save(ctx, in.SubjectKey, sess); err != nil {
		return nil, "", fmt.Errorf("save feedback session: %w", err)
	}
	return sess, ConfirmationMessage(chosen.Name, sess.Data), nil
}

// MinPhoneDigits is the shortest phone accepted for a new customer.
const MinPhoneDigits = 10

func (f *Flow) handleNewCustomer(ctx context.Context, sess *Session, in workflow.Input, answer string) (*Session, string, error) {
	if shared.EqualsAny(answer, "sim", "s") {
		return sess, "Qual o telefone do cliente?", nil
	}
	if len(shared.Digits(in.Text())) < MinPhoneDigits {
		return sess, "Telefone inválido. Por favor, envie o número completo:\n\nExemplo: +5511999999999 ou 11999999999", nil
	}
	phone := identity.NormalizePhone(in.Text())

	c, err := f.customers.GetCustomerByPhone(ctx, in.TenantID, phone)
	if err != nil {
		return nil, "", fmt.Errorf("get customer by phone: %w", err)
	}
	if c == nil {
		c = &domain.Customer{TenantID: in.TenantID, Phone: phone, Name: sess.CustomerName}
		if err := f.customers.UpsertCustomer(ctx, c); err != nil {
			return nil, "", fmt.Errorf("create customer: %w", err)
		}
		slog.Info("Customer created from feedback", "customer_id", c.ID, "phone", identity.MaskPhone(phone))
	}

	f.choose(sess, Match{ID: c.ID, Name: c.DisplayName(), Phone: c.Phone})
	if err := f.store.Save(ctx, in.SubjectKey, sess); err != nil {
		return nil, "", fmt.Errorf("save feedback session: %w", err)
	}
	return sess, "✅ Cliente criado!\n\n" + ConfirmationMessage(sess.CustomerName, sess.Data), nil
}

func (f *Flow) handleConfirmation(ctx context.Context, sess *Session, in workflow.Input, answer string) (*Session, string, error) {
	switch {
	case shared.EqualsAny(answer, "sim", "s"):
	case shared.EqualsAny(answer, "nao", "n"):
		sess.State = StateCancelled
		if err := f.store.Clear(ctx, in.SubjectKey); err != nil {
			return nil, "", err
		}
		return sess, "Feedback cancelado. Envie /feedback para começar de novo.", nil
	default:
		return sess, "Por favor, responda \"Sim\" para confirmar ou \"Não\" para cancelar.", nil
	}

	c, err := f.customers.GetCustomer(ctx, sess.CustomerID)
	if err != nil {
		return nil, "", fmt.Errorf("get customer: %w", err)
	}
	if c == nil {
		if err := f.store.Clear(ctx, in.SubjectKey); err != nil {
			return nil, "", err
		}
		return sess, "❌ Cliente não encontrado. Vamos começar de novo? Envie /feedback", nil
	}

	today := f.today()
	applyToCustomer(c, sess.Data, today)
	if err := f.customers.UpsertCustomer(ctx, c); err != nil {
		return nil, "", fmt.Errorf("update customer: %w", err)
	}

	visit := &domain.Appointment{
		TenantID:        in.TenantID,
		CustomerPhone:   c.Phone,
		CustomerName:    c.Name,
		Date:            c.LastVisit,
		Time:            "N/A (walk-in)",
		ProductInterest: sess.Data.ProductInterest,
		Status:          domain.AppointmentCompleted,
		Notes:           sess.Data.VisitNotes,
	}
	if err := f.customers.CreateAppointment(ctx, visit); err != nil {
		slog.Error("Failed to record walk-in visit", "customer_id", c.ID, "error", err)
	}

	sess.State = StateAwaitingFollowUp
	if err := f.store.Save(ctx, in.SubjectKey, sess); err != nil {
		return nil, "", fmt.Errorf("save feedback session: %w", err)
	}
	slog.Info("Customer updated from feedback", "customer_id", c.ID, "session_id", sess.ID)
	return sess, fmt.Sprintf("✅ Dados atualizados!\n\nQuer que eu envie uma mensagem de follow-up para %s? (Sim/Não)", c.DisplayName()), nil
}

func (f *Flow) handleFollowUp(ctx context.Context, sess *Session, in workflow.Input, answer string) (*Session, string, error) {
	switch {
	case shared.EqualsAny(answer, "sim", "s"):
	case shared.EqualsAny(answer, "nao", "n"):
		sess.State = StateCompleted
		if err := f.store.Clear(ctx, in.SubjectKey); err != nil {
			return nil, "", err
		}
		return sess, "✅ Feedback salvo sem enviar mensagem. Obrigado!", nil
	default:
		return sess, "Quer enviar mensagem de follow-up? (Sim/Não)", nil
	}

	text := fallbackFollowUp(sess.CustomerName, sess.Data)
	resp, err := f.model.Complete(ctx, llm.Request{
		System:      followUpSystem,
		Prompt:      followUpPrompt(sess.CustomerName, sess.Data),
		Temperature: 0.7,
	})
	switch {
	case err != nil:
		slog.Warn("Follow-up generation failed, using fallback", "session_id", sess.ID, "error", err)
	case strings.TrimSpace(resp.Text) != "":
		text = strings.Trim(strings.TrimSpace(resp.Text), `"`)
	}

	from := ""
	if in.Message != nil {
		from = in.Message.To
	}
	if err := f.sender.Send(ctx, sess.CustomerPhone, from, text); err != nil {
		slog.Error("Failed to send follow-up", "phone", identity.MaskPhone(sess.CustomerPhone), "error", err)
		return sess, "❌ Não consegui enviar a mensagem agora. Responda \"sim\" para tentar de novo ou \"não\" para encerrar.", nil
	}

	sess.State = StateCompleted
	if err := f.store.Clear(ctx, in.SubjectKey); err != nil {
		return nil, "", err
	}
	return sess, fmt.Sprintf("✅ Mensagem enviada para %s!\n\n\"%s\"\n\nFeedback concluído! 🎯", sess.CustomerName, text), nil
}
