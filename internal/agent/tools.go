package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/lo"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/ashureev/watchdesk/internal/identity"
	"github.com/ashureev/watchdesk/internal/llm"
	"github.com/ashureev/watchdesk/internal/scheduling"
)

// Tool is one side-effecting capability the model may invoke. Parameters
// is a static JSON schema object.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Execute     func(ctx context.Context, tc ToolContext, args json.RawMessage) (Result, error)
}

// Registry is the fixed set of tools offered on every turn.
type Registry struct {
	tools  []Tool
	byName map[string]Tool
}

// NewRegistry creates a registry. A later tool replaces an earlier one of
// the same name.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{byName: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if _, dup := r.byName[t.Name]; dup {
			r.tools = lo.Reject(r.tools, func(x Tool, _ int) bool { return x.Name == t.Name })
		}
		r.tools = append(r.tools, t)
		r.byName[t.Name] = t
	}
	return r
}

// DefaultRegistry holds the boutique tools.
func DefaultRegistry() *Registry {
	return NewRegistry(
		checkCatalogTool(),
		updateProfileTool(),
		logMemoryTool(),
		checkAvailabilityTool(),
		bookAppointmentTool(),
		requestSalespersonHelpTool(),
	)
}

// Defs returns the tool declarations in registration order.
func (r *Registry) Defs() []llm.ToolDef {
	return lo.Map(r.tools, func(t Tool, _ int) llm.ToolDef {
		return llm.ToolDef{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
	})
}

// Execute runs the named tool. Unknown names, failures and panics come back
// as {"error": ...} results so the model can see them.
func (r *Registry) Execute(ctx context.Context, tc ToolContext, name string, args json.RawMessage) (res Result) {
	t, ok := r.byName[name]
	if !ok {
		return errorResult(fmt.Sprintf("Tool %s not found", name))
	}
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Tool panicked", "tool", name, "panic", p)
			res = errorResult(fmt.Sprintf("tool %s failed: %v", name, p))
		}
	}()

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	out, err := t.Execute(ctx, tc, args)
	if err != nil {
		slog.Warn("Tool returned error", "tool", name, "customer_id", tc.CustomerID, "error", err)
		return errorResult(err.Error())
	}
	if out == nil {
		out = Result{"success": true}
	}
	return out
}

func decodeArgs(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func stringProp(desc string) map[string]any {
	p := map[string]any{"type": "string"}
	if desc != "" {
		p["description"] = desc
	}
	return p
}

func numberProp(desc string) map[string]any {
	p := map[string]any{"type": "number"}
	if desc != "" {
		p["description"] = desc
	}
	return p
}

func listProp(desc string) map[string]any {
	p := map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	if desc != "" {
		p["description"] = desc
	}
	return p
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}

type catalogArgs struct {
	Query    string   `json:"query"`
	Brand    string   `json:"brand"`
	MinPrice *float64 `json:"minPrice"`
	MaxPrice *float64 `json:"maxPrice"`
}

func checkCatalogTool() Tool {
	return Tool{
		Name:        "check_catalog",
		Description: "Search the product catalog for watches based on brand, model, or keywords.",
		Parameters: objectSchema(map[string]any{
			"query":    stringProp(`Search keywords (e.g., "Rolex Submariner", "Gold watch")`),
			"brand":    stringProp(""),
			"minPrice": numberProp(""),
			"maxPrice": numberProp(""),
		}, "query"),
		Execute: func(ctx context.Context, tc ToolContext, raw json.RawMessage) (Result, error) {
			var args catalogArgs
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			products, err := tc.Services.Repo.SearchProducts(ctx, tc.TenantID, domain.CatalogQuery{
				Text:     args.Query,
				Brand:    args.Brand,
				MinPrice: args.MinPrice,
				MaxPrice: args.MaxPrice,
				Limit:    5,
			})
			if err != nil {
				return nil, fmt.Errorf("search catalog: %w", err)
			}
			return Result{
				"found": len(products),
				"products": lo.Map(products, func(p *domain.Product, _ int) map[string]any {
					return map[string]any{
						"id":          p.ID,
						"title":       p.Name,
						"brand":       p.Brand,
						"price":       p.Price,
						"description": p.Description,
						"inStock":     p.InStock,
					}
				}),
			}, nil
		},
	}
}

type profileArgs struct {
	Interests        []string `json:"interests"`
	Hobbies          []string `json:"hobbies"`
	StylePreferences []string `json:"stylePreferences"`
	BudgetRange      string   `json:"budgetRange"`
	PreferredBrands  []string `json:"preferredBrands"`
}

func mergeList(cur, add []string) []string {
	return lo.Uniq(lo.Compact(append(append([]string{}, cur...), lo.Map(add, func(s string, _ int) string {
		return strings.TrimSpace(s)
	})...)))
}

func updateProfileTool() Tool {
	return Tool{
		Name:        "update_profile",
		Description: "Update the customer's profile with new information (interests, hobbies, style preferences, etc.).",
		Parameters: objectSchema(map[string]any{
			"interests":        listProp(""),
			"hobbies":          listProp(""),
			"stylePreferences": listProp(""),
			"budgetRange":      stringProp(""),
			"preferredBrands":  listProp(""),
		}),
		Execute: func(ctx context.Context, tc ToolContext, raw json.RawMessage) (Result, error) {
			var args profileArgs
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			c, err := tc.Services.Repo.GetCustomer(ctx, tc.CustomerID)
			if err != nil {
				return nil, fmt.Errorf("load customer: %w", err)
			}
			if c == nil {
				return nil, errors.New("customer not found")
			}

			c.Interests = mergeList(c.Interests, args.Interests)
			c.Hobbies = mergeList(c.Hobbies, args.Hobbies)
			c.StylePreferences = mergeList(c.StylePreferences, args.StylePreferences)
			c.PreferredBrands = mergeList(c.PreferredBrands, args.PreferredBrands)
			if b := strings.TrimSpace(args.BudgetRange); b != "" {
				c.BudgetRange = b
			}
			if err := tc.Services.Repo.UpsertCustomer(ctx, c); err != nil {
				return nil, fmt.Errorf("save customer: %w", err)
			}
			return Result{"success": true, "message": "Profile updated", "profile": profileOf(c)}, nil
		},
	}
}

type memoryArgs struct {
	Fact   string `json:"fact"`
	Source string `json:"source"`
}

func logMemoryTool() Tool {
	return Tool{
		Name:        "log_memory",
		Description: "Log a specific fact or memory about the customer that is not a structured profile field.",
		Parameters: objectSchema(map[string]any{
			"fact":   stringProp(`The fact to remember, e.g., "Customer mentioned they are going to Paris next month"`),
			"source": stringProp(""),
		}, "fact"),
		Execute: func(ctx context.Context, tc ToolContext, raw json.RawMessage) (Result, error) {
			var args memoryArgs
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			fact := strings.TrimSpace(args.Fact)
			if fact == "" {
				return nil, errors.New("fact is required")
			}
			if args.Source == "" {
				args.Source = "conversation"
			}
			if err := tc.Services.Repo.AddMemory(ctx, &domain.Memory{
				CustomerID: tc.CustomerID,
				Fact:       fact,
				Source:     args.Source,
			}); err != nil {
				return nil, fmt.Errorf("add memory: %w", err)
			}
			return Result{"success": true, "message": "Memory logged"}, nil
		},
	}
}

type availabilityArgs struct {
	Date string `json:"date"`
}

func parseISODate(s string) (string, error) {
	d, err := scheduling.ParseDay(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("date must be YYYY-MM-DD, got %q", s)
	}
	return d.Format(scheduling.DateLayout), nil
}

func checkAvailabilityTool() Tool {
	return Tool{
		Name:        "check_availability",
		Description: "Check available appointment slots for a specific date.",
		Parameters: objectSchema(map[string]any{
			"date": stringProp("The date to check in YYYY-MM-DD format"),
		}, "date"),
		Execute: func(ctx context.Context, tc ToolContext, raw json.RawMessage) (Result, error) {
			var args availabilityArgs
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			date, err := parseISODate(args.Date)
			if err != nil {
				return nil, err
			}
			if tc.Services.Scheduler == nil {
				return nil, errors.New("scheduling is not available")
			}
			slots, err := tc.Services.Scheduler.AvailableSlots(ctx, tc.TenantID, date, "")
			if err != nil {
				return nil, fmt.Errorf("list slots: %w", err)
			}
			return Result{
				"date": date,
				"slots": lo.Map(slots, func(s scheduling.Slot, _ int) map[string]any {
					return map[string]any{"time": s.Time, "remaining": s.Remaining()}
				}),
			}, nil
		},
	}
}

type bookingArgs struct {
	Date            string `json:"date"`
	Time            string `json:"time"`
	ProductInterest string `json:"productInterest"`
}

func bookAppointmentTool() Tool {
	return Tool{
		Name:        "book_appointment",
		Description: "Book a store visit for the current customer.",
		Parameters: objectSchema(map[string]any{
			"date":            stringProp("YYYY-MM-DD"),
			"time":            stringProp("HH:MM"),
			"productInterest": stringProp("Watch or brand the customer wants to see"),
		}, "date", "time"),
		Execute: func(ctx context.Context, tc ToolContext, raw json.RawMessage) (Result, error) {
			var args bookingArgs
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			date, err := parseISODate(args.Date)
			if err != nil {
				return nil, err
			}
			if tc.Services.Scheduler == nil {
				return nil, errors.New("scheduling is not available")
			}
			if tc.Customer == nil {
				return nil, errors.New("customer not found")
			}
			appt, err := tc.Services.Scheduler.Book(ctx, scheduling.BookingRequest{
				TenantID:        tc.TenantID,
				CustomerPhone:   tc.Customer.Phone,
				CustomerName:    tc.Customer.DisplayName(),
				Date:            date,
				Time:            strings.TrimSpace(args.Time),
				ProductInterest: strings.TrimSpace(args.ProductInterest),
				Notes:           "Booked by assistant",
			})
			if err != nil {
				return nil, err
			}
			return Result{
				"status":        "booked",
				"appointmentId": appt.ID,
				"date":          appt.Date,
				"time":          appt.Time,
				"salesperson":   appt.SalespersonName,
			}, nil
		},
	}
}

type helpArgs struct {
	Reason  string `json:"reason"`
	Summary string `json:"summary"`
}

func requestSalespersonHelpTool() Tool {
	return Tool{
		Name:        "request_salesperson_help",
		Description: "Request help from a human salesperson. Use this when the user asks for something outside your scope, negotiations, or explicit human contact.",
		Parameters: objectSchema(map[string]any{
			"reason":  stringProp("Why you are requesting help"),
			"summary": stringProp("Brief summary of the conversation so far"),
		}, "reason", "summary"),
		Execute: func(ctx context.Context, tc ToolContext, raw json.RawMessage) (Result, error) {
			var args helpArgs
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			staff, err := tc.Services.Repo.ListSalespeople(ctx, tc.TenantID, true)
			if err != nil {
				return nil, fmt.Errorf("list salespeople: %w", err)
			}
			sp, ok := lo.Find(staff, func(s *domain.Salesperson) bool { return s.Phone != "" })
			if !ok {
				return Result{"success": false, "message": "No available salesperson found."}, nil
			}

			if tc.Services.Sender != nil {
				if err := tc.Services.Sender.Send(ctx, sp.Phone, "", handoffNotice(tc.Customer, args)); err != nil {
					slog.Error("Failed to notify salesperson of handoff",
						"salesperson_id", sp.ID, "customer_id", tc.CustomerID, "error", err)
				}
			}
			slog.Info("Thread handed to salesperson",
				"thread_id", tc.ThreadID, "salesperson", sp.Name, "reason", args.Reason)

			return Result{
				"success":         true,
				"message":         "Salesperson notified",
				"action":          ActionPauseThread,
				"salespersonName": sp.Name,
			}, nil
		},
	}
}

func handoffNotice(c *domain.Customer, args helpArgs) string {
	name, phone := "Cliente", ""
	if c != nil {
		name, phone = c.DisplayName(), c.Phone
	}
	var b strings.Builder
	b.WriteString("🙋 *Cliente pediu atendimento humano*\n\n")
	fmt.Fprintf(&b, "👤 %s", name)
	if phone != "" {
		fmt.Fprintf(&b, " (%s)", identity.NormalizePhone(phone))
	}
	b.WriteString("\n")
	if args.Reason != "" {
		fmt.Fprintf(&b, "❓ Motivo: %s\n", args.Reason)
	}
	if args.Summary != "" {
		fmt.Fprintf(&b, "📝 Resumo: %s\n", args.Summary)
	}
	b.WriteString("\nO assistente automático ficará pausado até a conversa ser retomada.")
	return b.String()
}
