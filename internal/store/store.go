// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/ashureev/watchdesk/internal/session"
)

// ErrNotFound is returned by updates addressed at a missing row. Lookups
// return nil, nil instead.
var ErrNotFound = errors.New("store: not found")

// TenantStore persists tenants.
type TenantStore interface {
	// GetTenant returns a tenant by id, or nil when unknown.
	GetTenant(ctx context.Context, id string) (*domain.Tenant, error)

	// GetTenantByNumber resolves the tenant that owns a WhatsApp number.
	GetTenantByNumber(ctx context.Context, number string) (*domain.Tenant, error)

	// UpsertTenant creates or updates a tenant.
	UpsertTenant(ctx context.Context, t *domain.Tenant) error
}

// CustomerSearch filters SearchCustomers. Partial matches Name as a prefix
// of the customer's first name instead of the full name.
type CustomerSearch struct {
	TenantID string
	Name     string
	City     string
	Partial  bool
	Limit    int
}

// CustomerStore persists customers and their learned facts.
type CustomerStore interface {
	// GetCustomer returns a customer by id, or nil.
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)

	// GetCustomerByPhone returns the tenant's customer with phone, or nil.
	GetCustomerByPhone(ctx context.Context, tenantID, phone string) (*domain.Customer, error)

	// UpsertCustomer creates or updates a customer keyed by (tenant, phone).
	UpsertCustomer(ctx context.Context, c *domain.Customer) error

	// SearchCustomers finds customers by name, optionally within a city.
	SearchCustomers(ctx context.Context, q CustomerSearch) ([]*domain.Customer, error)

	// TouchLastInteraction records that the customer just chatted.
	TouchLastInteraction(ctx context.Context, customerID string, at time.Time) error

	// AddMemory stores a fact about a customer.
	AddMemory(ctx context.Context, m *domain.Memory) error

	// ListMemories returns the newest facts first.
	ListMemories(ctx context.Context, customerID string, limit int) ([]*domain.Memory, error)
}

// CatalogStore persists products.
type CatalogStore interface {
	UpsertProduct(ctx context.Context, p *domain.Product) error
	SearchProducts(ctx context.Context, tenantID string, q domain.CatalogQuery) ([]*domain.Product, error)
	ListBrands(ctx context.Context, tenantID string) ([]string, error)
}

// StaffStore persists salespeople.
type StaffStore interface {
	UpsertSalesperson(ctx context.Context, sp *domain.Salesperson) error
	ListSalespeople(ctx context.Context, tenantID string, activeOnly bool) ([]*domain.Salesperson, error)

	// GetSalespersonByPhone returns the staff member using phone, or nil.
	GetSalespersonByPhone(ctx context.Context, tenantID, phone string) (*domain.Salesperson, error)
}

// ScheduleStore persists weekly availability and appointments.
type ScheduleStore interface {
	// ReplaceAvailability swaps all slots of one weekday.
	ReplaceAvailability(ctx context.Context, tenantID string, weekday time.Weekday, slots []domain.AvailabilitySlot) error

	ListAvailability(ctx context.Context, tenantID string, weekday time.Weekday) ([]domain.AvailabilitySlot, error)

	// CountBookings returns non-cancelled bookings per time on date.
	CountBookings(ctx context.Context, tenantID, date string) (map[string]int, error)

	// CountSalespersonLoad returns non-cancelled appointments per salesperson on date.
	CountSalespersonLoad(ctx context.Context, tenantID, date string) (map[string]int, error)

	// BookSlot inserts a when fewer than maxBookings non-cancelled
	// appointments exist for its date and time. It reports false when full.
	BookSlot(ctx context.Context, a *domain.Appointment, maxBookings int) (bool, error)

	// CreateAppointment inserts without a capacity check.
	CreateAppointment(ctx context.Context, a *domain.Appointment) error

	ListAppointments(ctx context.Context, tenantID, customerPhone string) ([]*domain.Appointment, error)

	// ListAppointmentsOn returns the day's non-cancelled appointments,
	// optionally for one salesperson only.
	ListAppointmentsOn(ctx context.Context, tenantID, date, salespersonID string) ([]*domain.Appointment, error)

	SetAppointmentStatus(ctx context.Context, id string, status domain.AppointmentStatus) error
}

// VerificationStore persists completed verifications.
type VerificationStore interface {
	SaveVerification(ctx context.Context, r *domain.VerificationRecord) error
	GetVerification(ctx context.Context, id string) (*domain.VerificationRecord, error)
	ListVerifications(ctx context.Context, tenantID string, limit int) ([]*domain.VerificationRecord, error)
}

// ThreadStore persists agent threads, one per customer.
type ThreadStore interface {
	// GetThreadByCustomer returns the customer's thread, or nil.
	GetThreadByCustomer(ctx context.Context, tenantID, customerID string) (*domain.Thread, error)

	// SaveThread writes the whole thread including its events.
	SaveThread(ctx context.Context, t *domain.Thread) error

	// SetThreadStatus changes status without touching events.
	SetThreadStatus(ctx context.Context, threadID string, status domain.ThreadStatus) error

	ListPausedThreads(ctx context.Context, tenantID string) ([]*domain.Thread, error)

	// PurgeIdleThreads deletes threads not updated within retention.
	PurgeIdleThreads(ctx context.Context, retention time.Duration) (int64, error)
}

// Repository is the full persistence surface of the service.
type Repository interface {
	TenantStore
	CustomerStore
	CatalogStore
	StaffStore
	ScheduleStore
	VerificationStore
	ThreadStore
	session.LeaseStore

	// KV exposes the expiring key-value table behind workflow sessions.
	KV() session.KV

	// PurgeExpiredValues deletes expired kv rows.
	PurgeExpiredValues(ctx context.Context) (int64, error)

	// PurgeExpiredLeases deletes expired leases.
	PurgeExpiredLeases(ctx context.Context) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
