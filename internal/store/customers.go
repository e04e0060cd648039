package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/google/uuid"
)

// GetTenant returns a tenant by id.
func (s *SQLiteStore) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	return s.scanTenant(s.db.QueryRowContext(ctx,
		`SELECT id, name, whatsapp_number, owner_phone, created_at FROM tenants WHERE id = ?`, id))
}

// GetTenantByNumber resolves the tenant owning a WhatsApp number.
func (s *SQLiteStore) GetTenantByNumber(ctx context.Context, number string) (*domain.Tenant, error) {
	return s.scanTenant(s.db.QueryRowContext(ctx,
		`SELECT id, name, whatsapp_number, owner_phone, created_at FROM tenants WHERE whatsapp_number = ?`, number))
}

func (s *SQLiteStore) scanTenant(row *sql.Row) (*domain.Tenant, error) {
	var t domain.Tenant
	var owner sql.NullString
	var createdAt int64
	err := row.Scan(&t.ID, &t.Name, &t.WhatsAppNumber, &owner, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant row: %w", err)
	}
	t.OwnerPhone = owner.String
	t.CreatedAt = time.Unix(createdAt, 0)
	return &t, nil
}

// UpsertTenant creates or updates a tenant.
func (s *SQLiteStore) UpsertTenant(ctx context.Context, t *domain.Tenant) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, whatsapp_number, owner_phone, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			whatsapp_number = excluded.whatsapp_number,
			owner_phone = excluded.owner_phone`,
		t.ID, t.Name, t.WhatsAppNumber, nullable(t.OwnerPhone), t.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

const customerColumns = `id, tenant_id, phone, name, city, interests_json, hobbies_json,
	style_json, brands_json, budget_range, budget_min, budget_max, birthday,
	last_interest, notes, last_visit, last_interaction, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCustomer(row rowScanner) (*domain.Customer, error) {
	var c domain.Customer
	var (
		name, city, interests, hobbies, style, brands sql.NullString
		budgetRange, birthday, lastInterest           sql.NullString
		notes, lastVisit                              sql.NullString
		budgetMin, budgetMax, lastInteraction         sql.NullInt64
		createdAt, updatedAt                          int64
	)
	if err := row.Scan(&c.ID, &c.TenantID, &c.Phone, &name, &city,
		&interests, &hobbies, &style, &brands, &budgetRange, &budgetMin, &budgetMax,
		&birthday, &lastInterest, &notes, &lastVisit, &lastInteraction,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}

	c.Name = name.String
	c.City = city.String
	c.Interests = decodeList(interests)
	c.Hobbies = decodeList(hobbies)
	c.StylePreferences = decodeList(style)
	c.PreferredBrands = decodeList(brands)
	c.BudgetRange = budgetRange.String
	if budgetMin.Valid {
		v := budgetMin.Int64
		c.BudgetMin = &v
	}
	if budgetMax.Valid {
		v := budgetMax.Int64
		c.BudgetMax = &v
	}
	c.Birthday = birthday.String
	c.LastInterest = lastInterest.String
	c.Notes = notes.String
	c.LastVisit = lastVisit.String
	if lastInteraction.Valid {
		ts := time.Unix(lastInteraction.Int64, 0)
		c.LastInteraction = &ts
	}
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)
	return &c, nil
}

// GetCustomer returns a customer by id.
func (s *SQLiteStore) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	c, err := scanCustomer(s.db.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan customer row: %w", err)
	}
	return c, nil
}

// GetCustomerByPhone returns the tenant's customer with phone.
func (s *SQLiteStore) GetCustomerByPhone(ctx context.Context, tenantID, phone string) (*domain.Customer, error) {
	c, err := scanCustomer(s.db.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE tenant_id = ? AND phone = ?`, tenantID, phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan customer row: %w", err)
	}
	return c, nil
}

// UpsertCustomer creates or updates a customer keyed by (tenant, phone).
// A missing ID is generated; on conflict the stored ID is kept.
func (s *SQLiteStore) UpsertCustomer(ctx context.Context, c *domain.Customer) error {
	now := s.now()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	var budgetMin, budgetMax, lastInteraction interface{}
	if c.BudgetMin != nil {
		budgetMin = *c.BudgetMin
	}
	if c.BudgetMax != nil {
		budgetMax = *c.BudgetMax
	}
	if c.LastInteraction != nil {
		lastInteraction = c.LastInteraction.Unix()
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO customers (`+customerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, phone) DO UPDATE SET
			name = excluded.name,
			city = excluded.city,
			interests_json = excluded.interests_json,
			hobbies_json = excluded.hobbies_json,
			style_json = excluded.style_json,
			brands_json = excluded.brands_json,
			budget_range = excluded.budget_range,
			budget_min = excluded.budget_min,
			budget_max = excluded.budget_max,
			birthday = excluded.birthday,
			last_interest = excluded.last_interest,
			notes = excluded.notes,
			last_visit = excluded.last_visit,
			last_interaction = COALESCE(excluded.last_interaction, customers.last_interaction),
			updated_at = excluded.updated_at
		RETURNING id`,
		c.ID, c.TenantID, c.Phone, nullable(c.Name), nullable(c.City),
		encodeList(c.Interests), encodeList(c.Hobbies), encodeList(c.StylePreferences), encodeList(c.PreferredBrands),
		nullable(c.BudgetRange), budgetMin, budgetMax, nullable(c.Birthday),
		nullable(c.LastInterest), nullable(c.Notes), nullable(c.LastVisit), lastInteraction,
		c.CreatedAt.Unix(), c.UpdatedAt.Unix(),
	)
	if err := row.Scan(&c.ID); err != nil {
		return fmt.Errorf("upsert customer: %w", err)
	}
	return nil
}

// SearchCustomers finds customers by name. Exact search compares the whole
// name case-insensitively; partial search matches the first name prefix.
func (s *SQLiteStore) SearchCustomers(ctx context.Context, q CustomerSearch) ([]*domain.Customer, error) {
	name := strings.TrimSpace(q.Name)
	if name == "" {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}

	query := `SELECT ` + customerColumns + ` FROM customers WHERE tenant_id = ?`
	args := []interface{}{q.TenantID}
	if q.Partial {
		first := strings.Fields(name)[0]
		query += ` AND name LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(first)+"%")
	} else {
		query += ` AND name = ? COLLATE NOCASE`
		args = append(args, name)
	}
	if city := strings.TrimSpace(q.City); city != "" {
		query += ` AND city = ? COLLATE NOCASE`
		args = append(args, city)
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query customers: %w", err)
	}
	defer closeRows(rows, "search customers")

	var out []*domain.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan customer row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate customers: %w", err)
	}
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// TouchLastInteraction records that the customer just chatted.
func (s *SQLiteStore) TouchLastInteraction(ctx context.Context, customerID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE customers SET last_interaction = ?, updated_at = ? WHERE id = ?`,
		at.Unix(), s.now().Unix(), customerID)
	if err != nil {
		return fmt.Errorf("update last_interaction: %w", err)
	}
	return nil
}

// AddMemory stores a fact about a customer.
func (s *SQLiteStore) AddMemory(ctx context.Context, m *domain.Memory) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, customer_id, fact, source, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.CustomerID, m.Fact, m.Source, m.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// ListMemories returns the newest facts first.
func (s *SQLiteStore) ListMemories(ctx context.Context, customerID string, limit int) ([]*domain.Memory, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, fact, source, created_at FROM memories
		WHERE customer_id = ? ORDER BY created_at DESC LIMIT ?`, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer closeRows(rows, "list memories")

	var out []*domain.Memory
	for rows.Next() {
		var m domain.Memory
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.CustomerID, &m.Fact, &m.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return out, nil
}
