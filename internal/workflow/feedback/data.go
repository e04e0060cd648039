package feedback

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/ashureev/watchdesk/internal/identity"
	"github.com/ashureev/watchdesk/internal/llm"
	"github.com/ashureev/watchdesk/internal/store"
	"github.com/samber/lo"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Data is what the model extracts from a salesperson's visit report.
type Data struct {
	CustomerName     string   `json:"customer_name"`
	CustomerPhone    string   `json:"customer_phone,omitempty"`
	City             string   `json:"city,omitempty"`
	ProductInterest  string   `json:"product_interest,omitempty"`
	BudgetMin        *float64 `json:"budget_min,omitempty"`
	BudgetMax        *float64 `json:"budget_max,omitempty"`
	Birthday         string   `json:"birthday,omitempty"` // MM-DD
	Hobbies          []string `json:"hobbies,omitempty"`
	VisitNotes       string   `json:"visit_notes,omitempty"`
	NextAction       string   `json:"next_action,omitempty"`
	VisitedAt        string   `json:"visited_at,omitempty"` // YYYY-MM-DD
	SalespersonNotes string   `json:"salesperson_notes,omitempty"`
}

const extractionSystem = "You are a data extraction specialist. Extract structured data from salesperson feedback and return ONLY valid JSON."

func extractionPrompt(text, today string) string {
	return fmt.Sprintf(`Extract structured customer feedback from this salesperson's message:

%q

Return ONLY a valid JSON object with these fields (use null if not mentioned):
{
  "customer_name": "string or null",
  "customer_phone": "string or null (format +55XXXXXXXXXXX)",
  "city": "string or null (customer's city if mentioned)",
  "product_interest": "string or null",
  "budget_min": number or null,
  "budget_max": number or null,
  "birthday": "string or null (MM-DD format only, no year)",
  "hobbies": ["string"] or null,
  "visit_notes": "string or null",
  "next_action": "string or null",
  "visited_at": "%[2]s",
  "salesperson_notes": "string or null"
}

Rules:
- Extract only what was explicitly mentioned
- Extract city if mentioned (e.g., "João de São Paulo" -> city: "São Paulo")
- Convert dates to standardized formats (birthday: MM-DD)
- Extract budget ranges if mentioned ("40-60k" -> min: 40000, max: 60000)
- Identify product brands and models
- Be conservative - if unsure, use null
- visited_at is always today's date: %[2]s`, text, today)
}

// extractData asks the model for Data. Unparseable output counts as the
// model being unavailable.
func extractData(ctx context.Context, model llm.ChatCompleter, text, today string) (*Data, error) {
	resp, err := model.Complete(ctx, llm.Request{
		System:      extractionSystem,
		Prompt:      extractionPrompt(text, today),
		JSON:        true,
		Temperature: 0.1,
	})
	if err != nil {
		return nil, err
	}
	var d Data
	if err := llm.DecodeJSON(resp.Text, &d); err != nil {
		return nil, llm.Unavailable("extract feedback", err)
	}
	d.CustomerName = strings.TrimSpace(d.CustomerName)
	d.Hobbies = lo.Compact(d.Hobbies)
	if d.VisitedAt == "" {
		d.VisitedAt = today
	}
	return &d, nil
}

// Match is a candidate customer kept in the session for disambiguation.
type Match struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	City         string `json:"city,omitempty"`
	LastVisit    string `json:"lastVisit,omitempty"`
	LastInterest string `json:"lastInterest,omitempty"`
}

func toMatches(customers []*domain.Customer) []Match {
	return lo.Map(customers, func(c *domain.Customer, _ int) Match {
		return Match{ID: c.ID, Name: c.Name, Phone: c.Phone, City: c.City, LastVisit: c.LastVisit, LastInterest: c.LastInterest}
	})
}

// MaxMatches bounds the candidates offered for disambiguation.
const MaxMatches = 5

// findCustomers looks the customer up by phone, then by exact name within
// the city, then by exact name, then by first name.
func findCustomers(ctx context.Context, repo Customers, tenantID string, d *Data) ([]*domain.Customer, error) {
	if phone := identity.NormalizePhone(d.CustomerPhone); phone != "" {
		c, err := repo.GetCustomerByPhone(ctx, tenantID, phone)
		if err != nil {
			return nil, fmt.Errorf("find customer by phone: %w", err)
		}
		if c != nil {
			return []*domain.Customer{c}, nil
		}
	}

	search := func(partial bool, city string) ([]*domain.Customer, error) {
		found, err := repo.SearchCustomers(ctx, store.CustomerSearch{
			TenantID: tenantID,
			Name:     d.CustomerName,
			City:     city,
			Partial:  partial,
			Limit:    MaxMatches,
		})
		if err != nil {
			return nil, fmt.Errorf("search customers: %w", err)
		}
		return found, nil
	}

	type step struct {
		partial bool
		city    string
	}
	steps := []step{{false, ""}, {true, ""}}
	if d.City != "" {
		steps = []step{{false, d.City}, {false, ""}, {true, d.City}, {true, ""}}
	}
	for _, s := range steps {
		found, err := search(s.partial, s.city)
		if err != nil {
			return nil, err
		}
		if len(found) > 0 {
			return found, nil
		}
	}
	return nil, nil
}

var brazil = message.NewPrinter(language.BrazilianPortuguese)

func reais(v float64) string {
	return "R$ " + brazil.Sprintf("%d", int64(v))
}

func budgetText(d *Data) string {
	switch {
	case d.BudgetMin != nil && *d.BudgetMin > 0 && d.BudgetMax != nil && *d.BudgetMax > 0:
		return reais(*d.BudgetMin) + " - " + reais(*d.BudgetMax)
	case d.BudgetMin != nil && *d.BudgetMin > 0:
		return reais(*d.BudgetMin) + "+"
	case d.BudgetMax != nil && *d.BudgetMax > 0:
		return "Até " + reais(*d.BudgetMax)
	}
	return ""
}

// ConfirmationMessage lists what will be saved for the customer.
func ConfirmationMessage(customerName string, d *Data) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Confirma as informações do %s?\n\n", customerName)
	if d.ProductInterest != "" {
		fmt.Fprintf(&b, "✅ Interesse: %s\n", d.ProductInterest)
	}
	if budget := budgetText(d); budget != "" {
		fmt.Fprintf(&b, "✅ Budget: %s\n", budget)
	}
	if month, day, ok := strings.Cut(d.Birthday, "-"); ok {
		fmt.Fprintf(&b, "✅ Aniversário: %s/%s\n", day, month)
	}
	if len(d.Hobbies) > 0 {
		fmt.Fprintf(&b, "✅ Hobbies: %s\n", strings.Join(d.Hobbies, ", "))
	}
	if d.VisitNotes != "" {
		fmt.Fprintf(&b, "✅ Observação: %s\n", d.VisitNotes)
	}
	if d.NextAction != "" {
		fmt.Fprintf(&b, "✅ Próxima ação: %s\n", d.NextAction)
	}
	b.WriteString("\nConfirmar? (Sim/Não)")
	return b.String()
}

// DisambiguationMessage numbers the candidates.
func DisambiguationMessage(matches []Match) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Encontrei %d clientes com nome similar. Qual deles?\n\n", len(matches))
	for i, m := range matches {
		city := ""
		if m.City != "" {
			city = " - " + m.City
		}
		fmt.Fprintf(&b, "%d️⃣ %s%s - %s\n", i+1, m.Name, city, m.Phone)
		if m.LastVisit != "" {
			fmt.Fprintf(&b, "   Última visita: %s\n", m.LastVisit)
		}
		if m.LastInterest != "" {
			fmt.Fprintf(&b, "   Interesse: %s\n", m.LastInterest)
		}
		b.WriteString("\n")
	}
	b.WriteString(`Responda com o número (1, 2, 3...) ou "nenhum" se for um cliente novo.`)
	return b.String()
}

// applyToCustomer merges the visit report into the profile. Notes are
// appended with a dated prefix.
func applyToCustomer(c *domain.Customer, d *Data, today string) {
	if d.ProductInterest != "" {
		c.LastInterest = d.ProductInterest
		c.Interests = lo.Uniq(append(c.Interests, d.ProductInterest))
	}
	if d.BudgetMin != nil {
		v := int64(*d.BudgetMin)
		c.BudgetMin = &v
	}
	if d.BudgetMax != nil {
		v := int64(*d.BudgetMax)
		c.BudgetMax = &v
	}
	if budget := budgetText(d); budget != "" {
		c.BudgetRange = budget
	}
	if d.Birthday != "" {
		c.Birthday = d.Birthday
	}
	if d.City != "" {
		c.City = d.City
	}
	if len(d.Hobbies) > 0 {
		c.Hobbies = lo.Uniq(append(c.Hobbies, d.Hobbies...))
	}
	if notes := strings.Join(lo.Compact([]string{d.VisitNotes, d.SalespersonNotes}), " | "); notes != "" {
		line := fmt.Sprintf("[%s] %s", today, notes)
		if c.Notes != "" {
			c.Notes += "\n" + line
		} else {
			c.Notes = line
		}
	}
	c.LastVisit = d.VisitedAt
	if c.LastVisit == "" {
		c.LastVisit = today
	}
}

const followUpSystem = "You are a luxury retail sales assistant. Generate warm, personal follow-up messages."

func followUpPrompt(customerName string, d *Data) string {
	var b strings.Builder
	b.WriteString("Generate a friendly, professional WhatsApp follow-up message for a luxury watch/jewelry customer.\n\n")
	fmt.Fprintf(&b, "Customer: %s\n", customerName)
	if d.ProductInterest != "" {
		fmt.Fprintf(&b, "Interested in: %s\n", d.ProductInterest)
	}
	if d.VisitNotes != "" {
		fmt.Fprintf(&b, "Visit notes: %s\n", d.VisitNotes)
	}
	if d.NextAction != "" {
		fmt.Fprintf(&b, "Next action: %s\n", d.NextAction)
	}
	b.WriteString(`
Requirements:
- Warm and personal tone (use "você")
- Reference the product they were interested in
- Short (2-3 sentences max)
- Include subtle call-to-action
- Brazilian Portuguese
- End with a friendly emoji

Return ONLY the message text, no quotes.`)
	return b.String()
}

func fallbackFollowUp(customerName string, d *Data) string {
	product := ""
	if d.ProductInterest != "" {
		product = fmt.Sprintf(" O %s que você viu está disponível.", d.ProductInterest)
	}
	return fmt.Sprintf("Olá %s! Foi um prazer recebê-lo.%s Quando quiser agendar outra visita, é só me chamar! 😊", customerName, product)
}
