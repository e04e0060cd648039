// Package domain contains core domain types for the watchdesk service.
package domain

import (
	"time"
)

// Tenant is a store that owns a WhatsApp number.
type Tenant struct {
	ID             string    `json:"id" yaml:"id"`
	Name           string    `json:"name" yaml:"name"`
	WhatsAppNumber string    `json:"whatsapp_number" yaml:"whatsapp_number"`
	OwnerPhone     string    `json:"owner_phone,omitempty" yaml:"owner_phone"`
	CreatedAt      time.Time `json:"created_at" yaml:"-"`
}

// Customer is a contact known to a tenant, keyed by phone.
type Customer struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	Phone            string     `json:"phone"`
	Name             string     `json:"name,omitempty"`
	City             string     `json:"city,omitempty"`
	Interests        []string   `json:"interests,omitempty"`
	Hobbies          []string   `json:"hobbies,omitempty"`
	StylePreferences []string   `json:"style_preferences,omitempty"`
	PreferredBrands  []string   `json:"preferred_brands,omitempty"`
	BudgetRange      string     `json:"budget_range,omitempty"`
	BudgetMin        *int64     `json:"budget_min,omitempty"`
	BudgetMax        *int64     `json:"budget_max,omitempty"`
	Birthday         string     `json:"birthday,omitempty"` // MM-DD
	LastInterest     string     `json:"last_interest,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	LastVisit        string     `json:"last_visit,omitempty"` // YYYY-MM-DD
	LastInteraction  *time.Time `json:"last_interaction,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// IsFirstInteraction reports whether the customer never chatted before.
func (c *Customer) IsFirstInteraction() bool {
	return c.LastInteraction == nil
}

// DisplayName returns the customer's name or a neutral fallback.
func (c *Customer) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return "Cliente"
}

// Memory is a durable fact learned about a customer.
type Memory struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customer_id"`
	Fact       string    `json:"fact"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
}

// Salesperson is a staff member who receives appointments and feedback prompts.
type Salesperson struct {
	ID                   string `json:"id" yaml:"id"`
	TenantID             string `json:"tenant_id" yaml:"-"`
	Name                 string `json:"name" yaml:"name"`
	Phone                string `json:"phone" yaml:"phone"`
	MaxDailyAppointments int    `json:"max_daily_appointments" yaml:"max_daily_appointments"`
	Active               bool   `json:"active" yaml:"active"`
}
