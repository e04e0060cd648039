package agent

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ashureev/watchdesk/internal/domain"
)

const systemIdentity = `<system>
You are an advanced AI assistant for a luxury watch boutique.
Your goal is to assist customers with their inquiries, verify watches, and provide personalized recommendations.
You have access to the customer's profile and history.
Always use the provided tools to take actions.
Answer the customer in Brazilian Portuguese unless they write in another language.
</system>`

const instructions = `<instructions>
Based on the history and customer profile, determine the next step.
If you need to search for a watch, use 'check_catalog'.
If the customer mentions a new interest, use 'update_profile' or 'log_memory'.
If the customer wants to visit the store, use 'check_availability' and then 'book_appointment'.
If the customer wants to sell or verify a watch, tell them to send "quero vender meu relógio" to start the verification.
If you are unsure or need human help, use 'request_salesperson_help'.
Reply with plain text only when you have the final answer for the customer.
</instructions>`

// nextStepPrompt is the user turn paired with the rebuilt system prompt.
const nextStepPrompt = "Decide the next step for this conversation."

type profile struct {
	Interests        []string `json:"interests,omitempty"`
	Hobbies          []string `json:"hobbies,omitempty"`
	StylePreferences []string `json:"stylePreferences,omitempty"`
	PreferredBrands  []string `json:"preferredBrands,omitempty"`
	BudgetRange      string   `json:"budgetRange,omitempty"`
	City             string   `json:"city,omitempty"`
	LastInterest     string   `json:"lastInterest,omitempty"`
	LastVisit        string   `json:"lastVisit,omitempty"`
}

func profileOf(c *domain.Customer) profile {
	return profile{
		Interests:        c.Interests,
		Hobbies:          c.Hobbies,
		StylePreferences: c.StylePreferences,
		PreferredBrands:  c.PreferredBrands,
		BudgetRange:      c.BudgetRange,
		City:             c.City,
		LastInterest:     c.LastInterest,
		LastVisit:        c.LastVisit,
	}
}

// historyWindow renders at most limit trailing events whose total size fits
// maxChars. The newest event is always kept. It also reports how many older
// events were left out.
func historyWindow(events []domain.Event, limit, maxChars int) ([]string, int) {
	start := 0
	if limit > 0 && len(events) > limit {
		start = len(events) - limit
	}
	var lines []string
	total := 0
	for i := len(events) - 1; i >= start; i-- {
		line := formatEvent(events[i])
		if maxChars > 0 && total+len(line) > maxChars && len(lines) > 0 {
			break
		}
		total += len(line)
		lines = append(lines, line)
	}
	slices.Reverse(lines)
	return lines, len(events) - len(lines)
}

// buildPrompt renders the whole conversation state into one system prompt.
func buildPrompt(c *domain.Customer, memories []*domain.Memory, t *domain.Thread, historyLimit, historyMaxChars int) string {
	var b strings.Builder
	b.WriteString(systemIdentity)
	b.WriteString("\n\n")

	b.WriteString("<customer_profile>\n")
	fmt.Fprintf(&b, "  <name>%s</name>\n", nameOrUnknown(c))
	fmt.Fprintf(&b, "  <phone>%s</phone>\n", c.Phone)
	fmt.Fprintf(&b, "  <tags>%s</tags>\n", strings.Join(c.Interests, ", "))
	raw, _ := json.Marshal(profileOf(c))
	fmt.Fprintf(&b, "  <profile>%s</profile>\n", raw)
	if len(memories) > 0 {
		b.WriteString("  <memories>\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "    <fact source=\"%s\">%s</fact>\n", m.Source, m.Fact)
		}
		b.WriteString("  </memories>\n")
	}
	b.WriteString("</customer_profile>\n\n")

	lines, omitted := historyWindow(t.Events, historyLimit, historyMaxChars)
	if omitted > 0 {
		fmt.Fprintf(&b, "<history omitted_events=\"%d\">\n", omitted)
	} else {
		b.WriteString("<history>\n")
	}
	for _, l := range lines {
		b.WriteString(l)
	}
	b.WriteString("</history>\n\n")

	b.WriteString(instructions)
	return b.String()
}

func nameOrUnknown(c *domain.Customer) string {
	if c.Name == "" {
		return "Unknown"
	}
	return c.Name
}

func formatEvent(e domain.Event) string {
	ts := e.Timestamp.UTC().Format(time.RFC3339)
	switch e.Type {
	case domain.EventUserMessage, domain.EventAgentResponse:
		return fmt.Sprintf("<event type=\"%s\" time=\"%s\">%s</event>\n", e.Type, ts, e.Content)
	case domain.EventToolCall:
		return fmt.Sprintf("<event type=\"tool_call\" time=\"%s\" tool=\"%s\">%s</event>\n", ts, e.ToolName, rawOrEmpty(e.Args))
	case domain.EventToolResult:
		return fmt.Sprintf("<event type=\"tool_result\" time=\"%s\" tool=\"%s\">%s</event>\n", ts, e.ToolName, rawOrEmpty(e.Result))
	case domain.EventError:
		return fmt.Sprintf("<event type=\"error\" time=\"%s\">%s</event>\n", ts, e.Error)
	default:
		return fmt.Sprintf("<event type=\"%s\" time=\"%s\">%s</event>\n", e.Type, ts, e.Content)
	}
}

func rawOrEmpty(r json.RawMessage) string {
	if len(r) == 0 {
		return "{}"
	}
	return string(r)
}
