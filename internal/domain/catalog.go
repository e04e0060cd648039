package domain

import "time"

// Product is a catalog item offered by a tenant.
type Product struct {
	ID          string    `json:"id" yaml:"id"`
	TenantID    string    `json:"tenant_id" yaml:"-"`
	Name        string    `json:"name" yaml:"name"`
	Brand       string    `json:"brand" yaml:"brand"`
	Category    string    `json:"category,omitempty" yaml:"category"`
	Description string    `json:"description,omitempty" yaml:"description"`
	Price       float64   `json:"price" yaml:"price"`
	Active      bool      `json:"active" yaml:"active"`
	InStock     bool      `json:"in_stock" yaml:"in_stock"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}

// CatalogQuery filters the catalog.
type CatalogQuery struct {
	Text     string
	Brand    string
	MinPrice *float64
	MaxPrice *float64
	Limit    int
}
