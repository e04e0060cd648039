// Package booking runs the visit-booking conversation: date, then time,
// then an optional product of interest.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/ashureev/watchdesk/internal/identity"
	"github.com/ashureev/watchdesk/internal/scheduling"
	"github.com/ashureev/watchdesk/internal/session"
	"github.com/ashureev/watchdesk/internal/shared"
	"github.com/ashureev/watchdesk/internal/workflow"
)

// Namespace is the session-store namespace of booking sessions.
const Namespace = "booking"

// State is a booking session state.
type State string

const (
	StateAwaitingDate    State = "awaiting_date"
	StateAwaitingTime    State = "awaiting_time"
	StateAwaitingProduct State = "awaiting_product"
	StateCompleted       State = "completed"
)

// Session is the booking conversation state of one customer.
type Session struct {
	session.Meta
	State           State             `json:"state"`
	CustomerName    string            `json:"customerName"`
	PreferredDate   string            `json:"preferredDate,omitempty"`
	PreferredTime   string            `json:"preferredTime,omitempty"`
	AvailableSlots  []scheduling.Slot `json:"availableSlots,omitempty"`
	ProductInterest string            `json:"productInterest,omitempty"`
	AppointmentID   string            `json:"appointmentId,omitempty"`
}

// Store keeps booking sessions.
type Store = session.Store[Session, *Session]

// NewStore creates the booking session store and registers it with the
// active-workflow pointers.
func NewStore(kv session.KV, pointers *session.Pointers, ttl time.Duration) *Store {
	return session.NewStore[Session](kv, Namespace, ttl).Tracked(pointers, session.KindBooking)
}

var startKeywords = []string{"agendar", "visita", "marcar"}

// Wants reports whether a message asks to book a visit.
func Wants(text string) bool {
	return shared.ContainsAny(text, startKeywords...)
}

// Scheduler is the part of the scheduling service the flow uses.
type Scheduler interface {
	AvailableSlots(ctx context.Context, tenantID, date, preferred string) ([]scheduling.Slot, error)
	Book(ctx context.Context, req scheduling.BookingRequest) (*domain.Appointment, error)
}

// Flow runs booking steps.
type Flow struct {
	store *Store
	sched Scheduler
	now   func() time.Time
}

// New creates a booking flow.
func New(store *Store, sched Scheduler) *Flow {
	return &Flow{store: store, sched: sched, now: time.Now}
}

// WithClock overrides the clock used to resolve relative dates.
func (f *Flow) WithClock(now func() time.Time) *Flow {
	f.now = now
	return f
}

// Get returns the live session for key, or nil.
func (f *Flow) Get(ctx context.Context, key string) (*Session, error) {
	return f.store.Get(ctx, key)
}

// Start opens a booking session. A brand named in the opening message is
// kept as the product of interest, and a date in it is handled right away.
func (f *Flow) Start(ctx context.Context, in workflow.Input) (*Session, string, error) {
	sess := &Session{State: StateAwaitingDate, CustomerName: in.CustomerName()}
	if brands := domain.DetectBrands(in.Text()); len(brands) > 0 {
		sess.ProductInterest = strings.Join(brands, ", ")
	}
	sess, err := f.store.Create(ctx, in.TenantID, in.SubjectKey, sess)
	if err != nil {
		return nil, "", fmt.Errorf("create booking session: %w", err)
	}
	slog.Info("Booking session started", "phone", identity.MaskPhone(in.SubjectKey), "session_id", sess.ID)

	if _, ok := scheduling.ParseDate(in.Text(), f.now()); ok {
		return f.handleDate(ctx, sess, in)
	}
	return sess, NextPrompt(sess), nil
}

// Step advances sess with one inbound message.
func (f *Flow) Step(ctx context.Context, sess *Session, in workflow.Input) (*Session, string, error) {
	if in.Text() == "" {
		return sess, NextPrompt(sess), nil
	}
	switch sess.State {
	case StateAwaitingDate:
		return f.handleDate(ctx, sess, in)
	case StateAwaitingTime:
		return f.handleTime(ctx, sess, in)
	case StateAwaitingProduct:
		return f.handleProduct(ctx, sess, in)
	}
	if err := f.store.Clear(ctx, in.SubjectKey); err != nil {
		return nil, "", err
	}
	return sess, NextPrompt(sess), nil
}

func (f *Flow) handleDate(ctx context.Context, sess *Session, in workflow.Input) (*Session, string, error) {
	date, ok := scheduling.ParseDate(in.Text(), f.now())
	if !ok {
		return sess, "Não entendi a data. Pode me dizer de outra forma?\n\nExemplos: \"amanhã\", \"sexta-feira\", ou \"25/01\"", nil
	}

	slots, err := f.sched.AvailableSlots(ctx, in.TenantID, date, "")
	if err != nil {
		return nil, "", err
	}
	if len(slots) == 0 {
		return sess, scheduling.NoSlotsMessage(date), nil
	}

	sess.PreferredDate = date
	sess.AvailableSlots = slots
	sess.State = StateAwaitingTime
	if err := f.store.Save(ctx, in.SubjectKey, sess); err != nil {
		return nil, "", fmt.Errorf("save booking session: %w", err)
	}
	return sess, scheduling.OfferMessage(slots, date), nil
}

func (f *Flow) handleTime(ctx context.Context, sess *Session, in workflow.Input) (*Session, string, error) {
	clock, ok := scheduling.ParseTime(in.Text(), sess.AvailableSlots)
	if !ok {
		return sess, "Desculpe, não entendi o horário. Escolha um dos horários disponíveis acima, ou diga algo como \"manhã\" ou \"tarde\".", nil
	}

	sess.PreferredTime = clock
	if sess.ProductInterest != "" {
		return f.book(ctx, sess, in)
	}

	sess.State = StateAwaitingProduct
	if err := f.store.Save(ctx, in.SubjectKey, sess); err != nil {
		return nil, "", fmt.Errorf("save booking session: %w", err)
	}
	return sess, fmt.Sprintf("Perfeito! %s está reservado para você. 🎯\n\nO que gostaria de ver na visita? (opcional)", clock), nil
}

var skipWords = []string{"não", "nao", "pular", "skip"}

func (f *Flow) handleProduct(ctx context.Context, sess *Session, in workflow.Input) (*Session, string, error) {
	if !shared.EqualsAny(in.Text(), skipWords...) {
		sess.ProductInterest = in.Text()
	}
	return f.book(ctx, sess, in)
}

func (f *Flow) book(ctx context.Context, sess *Session, in workflow.Input) (*Session, string, error) {
	appt, err := f.sched.Book(ctx, scheduling.BookingRequest{
		TenantID:        in.TenantID,
		CustomerPhone:   in.SubjectKey,
		CustomerName:    sess.CustomerName,
		Date:            sess.PreferredDate,
		Time:            sess.PreferredTime,
		ProductInterest: sess.ProductInterest,
	})
	switch {
	case errors.Is(err, scheduling.ErrSlotFull):
		return f.reoffer(ctx, sess, in)
	case errors.Is(err, scheduling.ErrNoSalesperson):
		if err := f.store.Clear(ctx, in.SubjectKey); err != nil {
			return nil, "", err
		}
		return sess, "Ops, houve um problema ao confirmar o agendamento. Pode tentar novamente?", nil
	case err != nil:
		return nil, "", err
	}

	sess.State = StateCompleted
	sess.AppointmentID = appt.ID
	if err := f.store.Clear(ctx, in.SubjectKey); err != nil {
		return nil, "", err
	}
	return sess, scheduling.CustomerConfirmation(appt), nil
}

// reoffer shows fresh slots after the chosen one filled up meanwhile.
func (f *Flow) reoffer(ctx context.Context, sess *Session, in workflow.Input) (*Session, string, error) {
	taken := sess.PreferredTime
	slots, err := f.sched.AvailableSlots(ctx, in.TenantID, sess.PreferredDate, "")
	if err != nil {
		return nil, "", err
	}

	sess.PreferredTime = ""
	sess.AvailableSlots = slots
	reply := ""
	if len(slots) == 0 {
		sess.State = StateAwaitingDate
		reply = scheduling.NoSlotsMessage(sess.PreferredDate)
	} else {
		sess.State = StateAwaitingTime
		reply = fmt.Sprintf("Ops, o horário %s acabou de ser preenchido. 😔\n\n%s", taken, scheduling.OfferMessage(slots, sess.PreferredDate))
	}
	if err := f.store.Save(ctx, in.SubjectKey, sess); err != nil {
		return nil, "", fmt.Errorf("save booking session: %w", err)
	}
	return sess, reply, nil
}

// NextPrompt returns what the customer is asked in sess's state.
func NextPrompt(sess *Session) string {
	switch sess.State {
	case StateAwaitingDate:
		return "📅 *Agendar Visita*\n\nQual dia você prefere?\n\nPode ser:\n• Hoje ou amanhã\n• Dia da semana (ex: sexta-feira)\n• Data específica (ex: 25/01)"
	case StateAwaitingTime:
		if len(sess.AvailableSlots) > 0 {
			return scheduling.SlotsMessage(sess.AvailableSlots, sess.PreferredDate)
		}
		return "Aguardando confirmação..."
	case StateAwaitingProduct:
		return "Perfeito! 🎯\n\nPara finalizar, qual produto você tem interesse em ver?\n\n(Opcional - pode pular digitando \"não\")"
	case StateCompleted:
		return "✅ Agendamento confirmado! Aguardamos você."
	}
	return "Olá! Como posso ajudar?"
}
