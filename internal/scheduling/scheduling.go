// Package scheduling books store visits: it computes free slots, assigns
// the least busy salesperson, and formats the related WhatsApp messages.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/ashureev/watchdesk/internal/identity"
	"github.com/ashureev/watchdesk/internal/messaging"
)

// Defaults applied when availability or staff rows leave a limit unset.
const (
	DefaultMaxBookings = 5
	DefaultDailyCap    = 5
)

var (
	// ErrSlotFull means the slot filled up before the booking landed.
	ErrSlotFull = errors.New("slot no longer available")

	// ErrNoSalesperson means every active salesperson is at their daily cap.
	ErrNoSalesperson = errors.New("no salesperson available")
)

// Slot is a bookable time with its current fill.
type Slot struct {
	Time       string `json:"time"`
	Capacity   int    `json:"capacity"`
	Booked     int    `json:"booked"`
	Percentage int    `json:"percentage"`
}

// Remaining returns the free places left in the slot.
func (s Slot) Remaining() int { return s.Capacity - s.Booked }

// Repository is the persistence the scheduler needs.
type Repository interface {
	ListAvailability(ctx context.Context, tenantID string, weekday time.Weekday) ([]domain.AvailabilitySlot, error)
	CountBookings(ctx context.Context, tenantID, date string) (map[string]int, error)
	CountSalespersonLoad(ctx context.Context, tenantID, date string) (map[string]int, error)
	ListSalespeople(ctx context.Context, tenantID string, activeOnly bool) ([]*domain.Salesperson, error)
	BookSlot(ctx context.Context, a *domain.Appointment, maxBookings int) (bool, error)
	ListAppointments(ctx context.Context, tenantID, customerPhone string) ([]*domain.Appointment, error)
	ListAppointmentsOn(ctx context.Context, tenantID, date, salespersonID string) ([]*domain.Appointment, error)
	SetAppointmentStatus(ctx context.Context, id string, status domain.AppointmentStatus) error
}

// Service books appointments against a Repository.
type Service struct {
	repo   Repository
	sender messaging.Sender
	now    func() time.Time
}

// NewService creates a scheduler. sender may be nil, in which case nobody
// is notified.
func NewService(repo Repository, sender messaging.Sender) *Service {
	return &Service{repo: repo, sender: sender, now: time.Now}
}

// WithClock overrides the clock used for "today".
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Now returns the scheduler's current time.
func (s *Service) Now() time.Time { return s.now() }

// AvailableSlots lists the slots of date that still have room, least busy
// first. A preferred time, when offered, is moved to the front.
func (s *Service) AvailableSlots(ctx context.Context, tenantID, date, preferred string) ([]Slot, error) {
	day, err := ParseDay(date)
	if err != nil {
		return nil, fmt.Errorf("parse date %q: %w", date, err)
	}

	avail, err := s.repo.ListAvailability(ctx, tenantID, day.Weekday())
	if err != nil {
		return nil, fmt.Errorf("list availability: %w", err)
	}
	if len(avail) == 0 {
		slog.Warn("No availability configured", "tenant_id", tenantID, "weekday", day.Weekday().String())
		return nil, nil
	}

	booked, err := s.repo.CountBookings(ctx, tenantID, date)
	if err != nil {
		return nil, fmt.Errorf("count bookings: %w", err)
	}

	slots := make([]Slot, 0, len(avail))
	for _, a := range avail {
		capacity := a.MaxBookings
		if capacity <= 0 {
			capacity = DefaultMaxBookings
		}
		n := booked[a.Time]
		if n >= capacity {
			continue
		}
		slots = append(slots, Slot{
			Time:       a.Time,
			Capacity:   capacity,
			Booked:     n,
			Percentage: int(math.Round(float64(n) / float64(capacity) * 100)),
		})
	}

	sort.SliceStable(slots, func(i, j int) bool {
		if preferred != "" && (slots[i].Time == preferred) != (slots[j].Time == preferred) {
			return slots[i].Time == preferred
		}
		if slots[i].Percentage != slots[j].Percentage {
			return slots[i].Percentage < slots[j].Percentage
		}
		return slots[i].Time < slots[j].Time
	})
	return slots, nil
}

// AssignSalesperson returns the active salesperson with the fewest
// appointments on date who is still under their daily cap, or nil.
func (s *Service) AssignSalesperson(ctx context.Context, tenantID, date string) (*domain.Salesperson, error) {
	staff, err := s.repo.ListSalespeople(ctx, tenantID, true)
	if err != nil {
		return nil, fmt.Errorf("list salespeople: %w", err)
	}
	if len(staff) == 0 {
		slog.Warn("No active salespeople", "tenant_id", tenantID)
		return nil, nil
	}

	load, err := s.repo.CountSalespersonLoad(ctx, tenantID, date)
	if err != nil {
		return nil, fmt.Errorf("count salesperson load: %w", err)
	}

	var best *domain.Salesperson
	for _, sp := range staff {
		limit := sp.MaxDailyAppointments
		if limit <= 0 {
			limit = DefaultDailyCap
		}
		if load[sp.ID] >= limit {
			continue
		}
		if best == nil || load[sp.ID] < load[best.ID] {
			best = sp
		}
	}
	if best == nil {
		slog.Warn("All salespeople at capacity", "tenant_id", tenantID, "date", date)
	}
	return best, nil
}

// BookingRequest describes a visit to book.
type BookingRequest struct {
	TenantID        string
	CustomerPhone   string
	CustomerName    string
	Date            string
	Time            string
	ProductInterest string
	Notes           string
}

// Book reserves the slot, assigns a salesperson and notifies them. It
// returns ErrSlotFull when the slot has no room left and ErrNoSalesperson
// when nobody can take the visit.
func (s *Service) Book(ctx context.Context, req BookingRequest) (*domain.Appointment, error) {
	slots, err := s.AvailableSlots(ctx, req.TenantID, req.Date, req.Time)
	if err != nil {
		return nil, err
	}
	var slot *Slot
	for i := range slots {
		if slots[i].Time == req.Time {
			slot = &slots[i]
			break
		}
	}
	if slot == nil {
		return nil, ErrSlotFull
	}

	sp, err := s.AssignSalesperson(ctx, req.TenantID, req.Date)
	if err != nil {
		return nil, err
	}
	if sp == nil {
		return nil, ErrNoSalesperson
	}

	appt := &domain.Appointment{
		TenantID:        req.TenantID,
		CustomerPhone:   req.CustomerPhone,
		CustomerName:    req.CustomerName,
		SalespersonID:   sp.ID,
		SalespersonName: sp.Name,
		Date:            req.Date,
		Time:            req.Time,
		ProductInterest: req.ProductInterest,
		Notes:           req.Notes,
		Status:          domain.AppointmentPending,
	}
	ok, err := s.repo.BookSlot(ctx, appt, slot.Capacity)
	if err != nil {
		return nil, fmt.Errorf("book slot: %w", err)
	}
	if !ok {
		return nil, ErrSlotFull
	}

	slog.Info("Appointment booked",
		"appointment_id", appt.ID,
		"phone", identity.MaskPhone(appt.CustomerPhone),
		"salesperson", sp.Name,
		"date", appt.Date,
		"time", appt.Time,
	)

	if s.sender != nil && sp.Phone != "" {
		if err := s.sender.Send(ctx, sp.Phone, "", SalespersonNotification(appt)); err != nil {
			slog.Error("Failed to notify salesperson", "salesperson_id", sp.ID, "error", err)
		}
	}
	return appt, nil
}

// Confirm marks the customer's next pending appointment as confirmed. It
// returns nil when there is nothing to confirm.
func (s *Service) Confirm(ctx context.Context, tenantID, phone string) (*domain.Appointment, error) {
	appts, err := s.repo.ListAppointments(ctx, tenantID, phone)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	today := s.now().In(Location).Format(DateLayout)

	var next *domain.Appointment
	for _, a := range appts {
		if a.Status != domain.AppointmentPending || a.Date < today {
			continue
		}
		if next == nil || a.Date < next.Date || (a.Date == next.Date && a.Time < next.Time) {
			next = a
		}
	}
	if next == nil {
		return nil, nil
	}
	if err := s.repo.SetAppointmentStatus(ctx, next.ID, domain.AppointmentConfirmed); err != nil {
		return nil, fmt.Errorf("confirm appointment: %w", err)
	}
	next.Status = domain.AppointmentConfirmed
	return next, nil
}

// ConfirmedMessage acknowledges a confirmed appointment.
func ConfirmedMessage(a *domain.Appointment) string {
	return fmt.Sprintf("Presença confirmada! ✅\n\nTe esperamos %s às %s. 💎", DayMonth(a.Date), a.Time)
}

// SendDailyReports sends today's agenda to every active salesperson and
// returns how many reports went out.
func (s *Service) SendDailyReports(ctx context.Context, tenantID string) (int, error) {
	if s.sender == nil {
		return 0, fmt.Errorf("send daily reports: no sender configured")
	}
	staff, err := s.repo.ListSalespeople(ctx, tenantID, true)
	if err != nil {
		return 0, fmt.Errorf("list salespeople: %w", err)
	}
	today := s.now().In(Location).Format(DateLayout)

	sent := 0
	for _, sp := range staff {
		appts, err := s.repo.ListAppointmentsOn(ctx, tenantID, today, sp.ID)
		if err != nil {
			return sent, fmt.Errorf("list appointments for %s: %w", sp.ID, err)
		}
		if err := s.sender.Send(ctx, sp.Phone, "", DailyReport(today, appts)); err != nil {
			slog.Error("Failed to send daily report", "salesperson_id", sp.ID, "error", err)
			continue
		}
		sent++
	}
	slog.Info("Daily schedule reports sent", "tenant_id", tenantID, "sent", sent)
	return sent, nil
}
