package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/google/uuid"
)

// UpsertSalesperson creates or updates a salesperson.
func (s *SQLiteStore) UpsertSalesperson(ctx context.Context, sp *domain.Salesperson) error {
	if sp.ID == "" {
		sp.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO salespeople (id, tenant_id, name, phone, max_daily_appointments, active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			phone = excluded.phone,
			max_daily_appointments = excluded.max_daily_appointments,
			active = excluded.active`,
		sp.ID, sp.TenantID, sp.Name, sp.Phone, sp.MaxDailyAppointments, boolInt(sp.Active))
	if err != nil {
		return fmt.Errorf("upsert salesperson: %w", err)
	}
	return nil
}

// ListSalespeople returns the tenant's salespeople ordered by name.
func (s *SQLiteStore) ListSalespeople(ctx context.Context, tenantID string, activeOnly bool) ([]*domain.Salesperson, error) {
	query := `SELECT id, tenant_id, name, phone, max_daily_appointments, active FROM salespeople WHERE tenant_id = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query salespeople: %w", err)
	}
	defer closeRows(rows, "list salespeople")

	var out []*domain.Salesperson
	for rows.Next() {
		sp, err := scanSalesperson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan salesperson row: %w", err)
		}
		out = append(out, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate salespeople: %w", err)
	}
	return out, nil
}

// GetSalespersonByPhone returns the active staff member using phone.
func (s *SQLiteStore) GetSalespersonByPhone(ctx context.Context, tenantID, phone string) (*domain.Salesperson, error) {
	sp, err := scanSalesperson(s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, phone, max_daily_appointments, active
		FROM salespeople WHERE tenant_id = ? AND phone = ? AND active = 1`, tenantID, phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan salesperson row: %w", err)
	}
	return sp, nil
}

func scanSalesperson(row rowScanner) (*domain.Salesperson, error) {
	var sp domain.Salesperson
	var active int
	if err := row.Scan(&sp.ID, &sp.TenantID, &sp.Name, &sp.Phone, &sp.MaxDailyAppointments, &active); err != nil {
		return nil, err
	}
	sp.Active = active == 1
	return &sp, nil
}

// ReplaceAvailability swaps all slots of one weekday in a transaction.
func (s *SQLiteStore) ReplaceAvailability(ctx context.Context, tenantID string, weekday time.Weekday, slots []domain.AvailabilitySlot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin availability tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM availability WHERE tenant_id = ? AND weekday = ?`, tenantID, int(weekday)); err != nil {
		return fmt.Errorf("clear availability: %w", err)
	}
	for _, slot := range slots {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO availability (tenant_id, weekday, time, max_bookings) VALUES (?, ?, ?, ?)`,
			tenantID, int(weekday), slot.Time, slot.MaxBookings); err != nil {
			return fmt.Errorf("insert availability %s: %w", slot.Time, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit availability: %w", err)
	}
	return nil
}

// ListAvailability returns a weekday's slots ordered by time.
func (s *SQLiteStore) ListAvailability(ctx context.Context, tenantID string, weekday time.Weekday) ([]domain.AvailabilitySlot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT time, max_bookings FROM availability
		WHERE tenant_id = ? AND weekday = ? ORDER BY time`, tenantID, int(weekday))
	if err != nil {
		return nil, fmt.Errorf("query availability: %w", err)
	}
	defer closeRows(rows, "list availability")

	var out []domain.AvailabilitySlot
	for rows.Next() {
		slot := domain.AvailabilitySlot{TenantID: tenantID, Weekday: weekday}
		if err := rows.Scan(&slot.Time, &slot.MaxBookings); err != nil {
			return nil, fmt.Errorf("scan availability row: %w", err)
		}
		out = append(out, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate availability: %w", err)
	}
	return out, nil
}

// CountBookings returns non-cancelled bookings per time on date.
func (s *SQLiteStore) CountBookings(ctx context.Context, tenantID, date string) (map[string]int, error) {
	return s.countBy(ctx, "time", tenantID, date)
}

// CountSalespersonLoad returns non-cancelled appointments per salesperson on date.
func (s *SQLiteStore) CountSalespersonLoad(ctx context.Context, tenantID, date string) (map[string]int, error) {
	return s.countBy(ctx, "salesperson_id", tenantID, date)
}

func (s *SQLiteStore) countBy(ctx context.Context, column, tenantID, date string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+column+`, COUNT(*) FROM appointments
		WHERE tenant_id = ? AND date = ? AND status != ? AND `+column+` IS NOT NULL
		GROUP BY `+column, tenantID, date, string(domain.AppointmentCancelled))
	if err != nil {
		return nil, fmt.Errorf("count appointments by %s: %w", column, err)
	}
	defer closeRows(rows, "count appointments")

	out := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scan count row: %w", err)
		}
		out[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return out, nil
}

// BookSlot inserts a only while its slot has capacity. The capacity check and
// the insert are one statement, so two workers cannot overbook the slot.
func (s *SQLiteStore) BookSlot(ctx context.Context, a *domain.Appointment, maxBookings int) (bool, error) {
	s.fillAppointment(a)
	var affected int64
	err := s.retrySQLite(ctx, "book slot", func() error {
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO appointments (id, tenant_id, customer_phone, customer_name, salesperson_id,
				salesperson_name, date, time, product_interest, status, notes, created_at)
			SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
			WHERE (SELECT COUNT(*) FROM appointments
				WHERE tenant_id = ? AND date = ? AND time = ? AND status != ?) < ?`,
			a.ID, a.TenantID, a.CustomerPhone, nullable(a.CustomerName), nullable(a.SalespersonID),
			nullable(a.SalespersonName), a.Date, a.Time, nullable(a.ProductInterest), string(a.Status),
			nullable(a.Notes), a.CreatedAt.Unix(),
			a.TenantID, a.Date, a.Time, string(domain.AppointmentCancelled), maxBookings)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// CreateAppointment inserts without a capacity check. Walk-in visits use it.
func (s *SQLiteStore) CreateAppointment(ctx context.Context, a *domain.Appointment) error {
	s.fillAppointment(a)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO appointments (id, tenant_id, customer_phone, customer_name, salesperson_id,
			salesperson_name, date, time, product_interest, status, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.CustomerPhone, nullable(a.CustomerName), nullable(a.SalespersonID),
		nullable(a.SalespersonName), a.Date, a.Time, nullable(a.ProductInterest), string(a.Status),
		nullable(a.Notes), a.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) fillAppointment(a *domain.Appointment) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	if a.Status == "" {
		a.Status = domain.AppointmentPending
	}
}

const appointmentColumns = `id, tenant_id, customer_phone, customer_name, salesperson_id,
	salesperson_name, date, time, product_interest, status, notes, created_at`

// ListAppointments returns a customer's appointments, newest first.
func (s *SQLiteStore) ListAppointments(ctx context.Context, tenantID, customerPhone string) ([]*domain.Appointment, error) {
	return s.queryAppointments(ctx, "list appointments", `
		SELECT `+appointmentColumns+`
		FROM appointments WHERE tenant_id = ? AND customer_phone = ?
		ORDER BY date DESC, time DESC`, tenantID, customerPhone)
}

// ListAppointmentsOn returns the non-cancelled appointments of date in time
// order. An empty salespersonID lists the whole store.
func (s *SQLiteStore) ListAppointmentsOn(ctx context.Context, tenantID, date, salespersonID string) ([]*domain.Appointment, error) {
	return s.queryAppointments(ctx, "list appointments on date", `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE tenant_id = ? AND date = ? AND status != ? AND (? = '' OR salesperson_id = ?)
		ORDER BY time ASC`,
		tenantID, date, string(domain.AppointmentCancelled), salespersonID, salespersonID)
}

// SetAppointmentStatus changes the status of one appointment.
func (s *SQLiteStore) SetAppointmentStatus(ctx context.Context, id string, status domain.AppointmentStatus) error {
	var affected int64
	err := s.retrySQLite(ctx, "set appointment status", func() error {
		result, err := s.db.ExecContext(ctx, `UPDATE appointments SET status = ? WHERE id = ?`, string(status), id)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("appointment %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) queryAppointments(ctx context.Context, op, query string, args ...interface{}) ([]*domain.Appointment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer closeRows(rows, op)

	var out []*domain.Appointment
	for rows.Next() {
		var a domain.Appointment
		var name, spID, spName, interest, notes sql.NullString
		var status string
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.TenantID, &a.CustomerPhone, &name, &spID, &spName,
			&a.Date, &a.Time, &interest, &status, &notes, &createdAt); err != nil {
			return nil, fmt.Errorf("scan appointment row: %w", err)
		}
		a.CustomerName = name.String
		a.SalespersonID = spID.String
		a.SalespersonName = spName.String
		a.ProductInterest = interest.String
		a.Status = domain.AppointmentStatus(status)
		a.Notes = notes.String
		a.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate appointments: %w", err)
	}
	return out, nil
}
