package scheduling

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/ashureev/watchdesk/internal/identity"
	"github.com/ashureev/watchdesk/internal/shared"
	"gopkg.in/yaml.v3"
)

// Seed is the store schedule file: tenant, staff, weekly availability and
// an optional starter catalog.
type Seed struct {
	Tenant       domain.Tenant                        `yaml:"tenant"`
	Salespeople  []domain.Salesperson                 `yaml:"salespeople"`
	Availability map[string][]domain.AvailabilitySlot `yaml:"availability"`
	Products     []domain.Product                     `yaml:"products"`
}

// SeedStore is what Apply writes to.
type SeedStore interface {
	UpsertTenant(ctx context.Context, t *domain.Tenant) error
	UpsertSalesperson(ctx context.Context, sp *domain.Salesperson) error
	ReplaceAvailability(ctx context.Context, tenantID string, weekday time.Weekday, slots []domain.AvailabilitySlot) error
	UpsertProduct(ctx context.Context, p *domain.Product) error
}

var weekdayKeys = map[string]time.Weekday{
	"sunday": time.Sunday, "domingo": time.Sunday,
	"monday": time.Monday, "segunda": time.Monday,
	"tuesday": time.Tuesday, "terca": time.Tuesday,
	"wednesday": time.Wednesday, "quarta": time.Wednesday,
	"thursday": time.Thursday, "quinta": time.Thursday,
	"friday": time.Friday, "sexta": time.Friday,
	"saturday": time.Saturday, "sabado": time.Saturday,
}

// LoadSeed reads and validates a schedule file.
func LoadSeed(path string) (*Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule file: %w", err)
	}
	return ParseSeed(raw)
}

// ParseSeed decodes and validates schedule YAML.
func ParseSeed(raw []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("decode schedule file: %w", err)
	}
	if seed.Tenant.ID == "" {
		return nil, fmt.Errorf("schedule file: tenant.id is required")
	}
	seed.Tenant.WhatsAppNumber = identity.NormalizePhone(seed.Tenant.WhatsAppNumber)
	seed.Tenant.OwnerPhone = identity.NormalizePhone(seed.Tenant.OwnerPhone)

	for day, slots := range seed.Availability {
		if _, ok := weekdayKeys[shared.Fold(day)]; !ok {
			return nil, fmt.Errorf("schedule file: unknown weekday %q", day)
		}
		for _, s := range slots {
			if _, err := time.Parse("15:04", s.Time); err != nil {
				return nil, fmt.Errorf("schedule file: %s: bad time %q", day, s.Time)
			}
		}
	}
	for i := range seed.Salespeople {
		sp := &seed.Salespeople[i]
		if strings.TrimSpace(sp.Name) == "" {
			return nil, fmt.Errorf("schedule file: salesperson %d has no name", i+1)
		}
		sp.Phone = identity.NormalizePhone(sp.Phone)
	}
	return &seed, nil
}

// Apply writes the seed. Weekdays listed in the file have their slots
// replaced; weekdays not listed are left alone.
func (s *Seed) Apply(ctx context.Context, st SeedStore) error {
	tenantID := s.Tenant.ID
	if err := st.UpsertTenant(ctx, &s.Tenant); err != nil {
		return fmt.Errorf("seed tenant: %w", err)
	}
	for i := range s.Salespeople {
		sp := s.Salespeople[i]
		sp.TenantID = tenantID
		if err := st.UpsertSalesperson(ctx, &sp); err != nil {
			return fmt.Errorf("seed salesperson %s: %w", sp.Name, err)
		}
	}

	days := make([]string, 0, len(s.Availability))
	for day := range s.Availability {
		days = append(days, day)
	}
	sort.Strings(days)
	for _, day := range days {
		wd := weekdayKeys[shared.Fold(day)]
		slots := make([]domain.AvailabilitySlot, 0, len(s.Availability[day]))
		for _, slot := range s.Availability[day] {
			slot.TenantID = tenantID
			slot.Weekday = wd
			if slot.MaxBookings <= 0 {
				slot.MaxBookings = DefaultMaxBookings
			}
			slots = append(slots, slot)
		}
		if err := st.ReplaceAvailability(ctx, tenantID, wd, slots); err != nil {
			return fmt.Errorf("seed availability for %s: %w", day, err)
		}
	}

	for i := range s.Products {
		p := s.Products[i]
		p.TenantID = tenantID
		if err := st.UpsertProduct(ctx, &p); err != nil {
			return fmt.Errorf("seed product %s: %w", p.Name, err)
		}
	}
	return nil
}
