package booking

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/ashureev/watchdesk/internal/scheduling"
	"github.com/ashureev/watchdesk/internal/session"
	"github.com/ashureev/watchdesk/internal/workflow"
)

const phone = "+5511999990000"

// wednesday is 2026-01-21 10:00 in the store's zone.
var wednesday = time.Date(2026, 1, 21, 10, 0, 0, 0, scheduling.Location)

type fakeScheduler struct {
	mu       sync.Mutex
	slots    []scheduling.Slot
	bookErrs []error
	booked   []scheduling.BookingRequest
}

func (f *fakeScheduler) AvailableSlots(_ context.Context, _, _, _ string) ([]scheduling.Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduling.Slot(nil), f.slots...), nil
}

func (f *fakeScheduler) Book(_ context.Context, req scheduling.BookingRequest) (*domain.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bookErrs) > 0 {
		err := f.bookErrs[0]
		f.bookErrs = f.bookErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.booked = append(f.booked, req)
	return &domain.Appointment{
		ID:              "appt-1",
		TenantID:        req.TenantID,
		CustomerPhone:   req.CustomerPhone,
		CustomerName:    req.CustomerName,
		SalespersonName: "Ana",
		Date:            req.Date,
		Time:            req.Time,
		ProductInterest: req.ProductInterest,
		Status:          domain.AppointmentPending,
	}, nil
}

func newFlow(t *testing.T, sched *fakeScheduler) (*Flow, *session.Pointers) {
	t.Helper()
	kv := session.NewMemoryKV()
	ptrs := session.NewPointers(kv)
	return New(NewStore(kv, ptrs, time.Hour), sched).WithClock(func() time.Time { return wednesday }), ptrs
}

func input(body string) workflow.Input {
	return workflow.Input{
		TenantID:   "boutique",
		SubjectKey: phone,
		Message:    &domain.InboundMessage{From: phone, Body: body, ProfileName: "Carla"},
	}
}

func afternoonSlots() []scheduling.Slot {
	return []scheduling.Slot{
		{Time: "14:00", Capacity: 5, Booked: 1, Percentage: 20},
		{Time: "16:00", Capacity: 5, Booked: 0, Percentage: 0},
	}
}

func TestBookingEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sched := &fakeScheduler{slots: afternoonSlots()}
	flow, ptrs := newFlow(t, sched)

	sess, reply, err := flow.Start(ctx, input("quero agendar uma visita"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if sess.State != StateAwaitingDate || !strings.Contains(reply, "Qual dia você prefere?") {
		t.Fatalf("unexpected start: state=%s reply=%q", sess.State, reply)
	}
	if a, _ := ptrs.Get(ctx, phone); a == nil || a.Kind != session.KindBooking {
		t.Fatalf("expected booking pointer, got %+v", a)
	}

	sess, reply, err = flow.Step(ctx, sess, input("sexta-feira"))
	if err != nil {
		t.Fatalf("date step failed: %v", err)
	}
	if sess.State != StateAwaitingTime || sess.PreferredDate != "2026-01-23" {
		t.Fatalf("unexpected date step: %+v", sess)
	}
	if !strings.Contains(reply, "14:00") || !strings.Contains(reply, "Qual horário") {
		t.Fatalf("expected slot offer, got %q", reply)
	}

	sess, reply, err = flow.Step(ctx, sess, input("14h"))
	if err != nil {
		t.Fatalf("time step failed: %v", err)
	}
	if sess.State != StateAwaitingProduct || sess.PreferredTime != "14:00" {
		t.Fatalf("unexpected time step: %+v", sess)
	}
	if !strings.Contains(reply, "14:00 está reservado") {
		t.Fatalf("unexpected reply %q", reply)
	}

	sess, reply, err = flow.Step(ctx, sess, input("não"))
	if err != nil {
		t.Fatalf("product step failed: %v", err)
	}
	if sess.State != StateCompleted || sess.AppointmentID != "appt-1" {
		t.Fatalf("expected completed session, got %+v", sess)
	}
	if len(sched.booked) != 1 || sched.booked[0].ProductInterest != "" || sched.booked[0].CustomerName != "Carla" {
		t.Fatalf("unexpected booking request %+v", sched.booked)
	}
	if reply == "" {
		t.Fatal("expected confirmation reply")
	}

	if got, _ := flow.Get(ctx, phone); got != nil {
		t.Fatalf("expected session cleared, got %+v", got)
	}
	if a, _ := ptrs.Get(ctx, phone); a != nil {
		t.Fatalf("expected pointer cleared, got %+v", a)
	}
}

func TestBookingSkipsProductWhenBrandKnown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sched := &fakeScheduler{slots: afternoonSlots()}
	flow, _ := newFlow(t, sched)

	sess, _, err := flow.Start(ctx, input("quero marcar uma visita pra ver um Rolex"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if sess.ProductInterest == "" {
		t.Fatal("expected brand to be captured")
	}
	sess, _, _ = flow.Step(ctx, sess, input("amanhã"))
	sess, _, err = flow.Step(ctx, sess, input("16:00"))
	if err != nil {
		t.Fatalf("time step failed: %v", err)
	}
	if sess.State != StateCompleted {
		t.Fatalf("expected completed, got %s", sess.State)
	}
	if len(sched.booked) != 1 || sched.booked[0].Date != "2026-01-22" || sched.booked[0].Time != "16:00" {
		t.Fatalf("unexpected booking %+v", sched.booked)
	}
}

func TestBookingDateInOpeningMessage(t *testing.T) {
	t.Parallel()
	flow, _ := newFlow(t, &fakeScheduler{slots: afternoonSlots()})

	sess, reply, err := flow.Start(context.Background(), input("posso agendar pra amanhã?"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if sess.State != StateAwaitingTime || !strings.Contains(reply, "14:00") {
		t.Fatalf("expected slot offer, got state=%s reply=%q", sess.State, reply)
	}
}

func TestBookingRepromptsOnBadInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	flow, _ := newFlow(t, &fakeScheduler{slots: afternoonSlots()})

	sess, _, _ := flow.Start(ctx, input("agendar"))
	sess, reply, err := flow.Step(ctx, sess, input("quando der"))
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != StateAwaitingDate || !strings.Contains(reply, "Não entendi a data") {
		t.Fatalf("unexpected: state=%s reply=%q", sess.State, reply)
	}

	sess, _, _ = flow.Step(ctx, sess, input("amanhã"))
	sess, reply, err = flow.Step(ctx, sess, input("qualquer um"))
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != StateAwaitingTime || !strings.Contains(reply, "não entendi o horário") {
		t.Fatalf("unexpected: state=%s reply=%q", sess.State, reply)
	}
}

func TestBookingNoSlotsKeepsAskingForDate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	flow, _ := newFlow(t, &fakeScheduler{})

	sess, _, _ := flow.Start(ctx, input("agendar"))
	sess, reply, err := flow.Step(ctx, sess, input("amanhã"))
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != StateAwaitingDate {
		t.Fatalf("expected awaiting_date, got %s", sess.State)
	}
	if reply != scheduling.NoSlotsMessage("2026-01-22") {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestBookingReoffersWhenSlotFillsUp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sched := &fakeScheduler{slots: afternoonSlots(), bookErrs: []error{scheduling.ErrSlotFull}}
	flow, _ := newFlow(t, sched)

	sess, _, _ := flow.Start(ctx, input("agendar"))
	sess, _, _ = flow.Step(ctx, sess, input("amanhã"))
	sess, _, _ = flow.Step(ctx, sess, input("14h"))
	sess, reply, err := flow.Step(ctx, sess, input("pular"))
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != StateAwaitingTime || sess.PreferredTime != "" {
		t.Fatalf("expected to pick a time again, got %+v", sess)
	}
	if !strings.Contains(reply, "acabou de ser preenchido") {
		t.Fatalf("unexpected reply %q", reply)
	}

	sess, _, err = flow.Step(ctx, sess, input("16h"))
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != StateAwaitingProduct {
		t.Fatalf("expected awaiting_product, got %s", sess.State)
	}
}

func TestBookingWithoutStaffClearsSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sched := &fakeScheduler{slots: afternoonSlots(), bookErrs: []error{scheduling.ErrNoSalesperson}}
	flow, _ := newFlow(t, sched)

	sess, _, _ := flow.Start(ctx, input("agendar"))
	sess, _, _ = flow.Step(ctx, sess, input("amanhã"))
	sess, _, _ = flow.Step(ctx, sess, input("14h"))
	_, reply, err := flow.Step(ctx, sess, input("Submariner"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "houve um problema") {
		t.Fatalf("unexpected reply %q", reply)
	}
	if got, _ := flow.Get(ctx, phone); got != nil {
		t.Fatalf("expected session cleared, got %+v", got)
	}
}

func TestNextPrompt(t *testing.T) {
	t.Parallel()

	if got := NextPrompt(&Session{State: StateCompleted}); !strings.Contains(got, "Agendamento confirmado") {
		t.Fatalf("unexpected completed prompt %q", got)
	}
	if got := NextPrompt(&Session{State: StateAwaitingProduct}); !strings.Contains(got, "qual produto") {
		t.Fatalf("unexpected product prompt %q", got)
	}
	if !Wants("Quero MARCAR uma visita") || Wants("bom dia") {
		t.Fatal("unexpected Wants result")
	}
}
