package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/google/uuid"
)

// UpsertProduct creates or updates a catalog item.
func (s *SQLiteStore) UpsertProduct(ctx context.Context, p *domain.Product) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.UpdatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, tenant_id, name, brand, category, description, price, active, in_stock, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			brand = excluded.brand,
			category = excluded.category,
			description = excluded.description,
			price = excluded.price,
			active = excluded.active,
			in_stock = excluded.in_stock,
			updated_at = excluded.updated_at`,
		p.ID, p.TenantID, p.Name, p.Brand, nullable(p.Category), nullable(p.Description),
		p.Price, boolInt(p.Active), boolInt(p.InStock), p.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

// SearchProducts returns active, in-stock products matching q. Each word of
// q.Text must appear in the name, brand, category, or description.
func (s *SQLiteStore) SearchProducts(ctx context.Context, tenantID string, q domain.CatalogQuery) ([]*domain.Product, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}

	query := `
		SELECT id, tenant_id, name, brand, category, description, price, active, in_stock, updated_at
		FROM products WHERE tenant_id = ? AND active = 1 AND in_stock = 1`
	args := []interface{}{tenantID}

	if q.Brand != "" {
		query += ` AND brand = ? COLLATE NOCASE`
		args = append(args, q.Brand)
	}
	if q.MinPrice != nil {
		query += ` AND price >= ?`
		args = append(args, *q.MinPrice)
	}
	if q.MaxPrice != nil {
		query += ` AND price <= ?`
		args = append(args, *q.MaxPrice)
	}
	for _, word := range strings.Fields(q.Text) {
		if len([]rune(word)) < 3 {
			continue
		}
		pattern := "%" + escapeLike(word) + "%"
		query += ` AND (name LIKE ? ESCAPE '\' OR brand LIKE ? ESCAPE '\' OR category LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\')`
		args = append(args, pattern, pattern, pattern, pattern)
	}
	query += ` ORDER BY price DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer closeRows(rows, "search products")

	var out []*domain.Product
	for rows.Next() {
		var p domain.Product
		var category, description sql.NullString
		var active, inStock int
		var updatedAt int64
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.Brand, &category, &description,
			&p.Price, &active, &inStock, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan product row: %w", err)
		}
		p.Category = category.String
		p.Description = description.String
		p.Active = active == 1
		p.InStock = inStock == 1
		p.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return out, nil
}

// ListBrands returns the distinct brands of active products.
func (s *SQLiteStore) ListBrands(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT brand FROM products WHERE tenant_id = ? AND active = 1 ORDER BY brand`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query brands: %w", err)
	}
	defer closeRows(rows, "list brands")

	var out []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("scan brand row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
