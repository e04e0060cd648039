package domain

import "time"

// AppointmentStatus tracks an appointment lifecycle.
type AppointmentStatus string

const (
	AppointmentPending   AppointmentStatus = "pending"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCancelled AppointmentStatus = "cancelled"
)

// Appointment is a store visit.
type Appointment struct {
	ID              string            `json:"id"`
	TenantID        string            `json:"tenant_id"`
	CustomerPhone   string            `json:"customer_phone"`
	CustomerName    string            `json:"customer_name,omitempty"`
	SalespersonID   string            `json:"salesperson_id,omitempty"`
	SalespersonName string            `json:"salesperson_name,omitempty"`
	Date            string            `json:"date"` // YYYY-MM-DD
	Time            string            `json:"time"` // HH:MM
	ProductInterest string            `json:"product_interest,omitempty"`
	Status          AppointmentStatus `json:"status"`
	Notes           string            `json:"notes,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// AvailabilitySlot is one bookable time on a weekday.
type AvailabilitySlot struct {
	TenantID    string       `json:"tenant_id" yaml:"-"`
	Weekday     time.Weekday `json:"weekday" yaml:"-"`
	Time        string       `json:"time" yaml:"time"`
	MaxBookings int          `json:"max_bookings" yaml:"max_bookings"`
}
