// Package rag answers free-form customer messages with catalog context: it
// looks up products the message mentions and asks the model for a reply
// grounded on them.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/ashureev/watchdesk/internal/identity"
	"github.com/ashureev/watchdesk/internal/llm"
	"github.com/ashureev/watchdesk/internal/shared"
	"github.com/ashureev/watchdesk/internal/workflow"
)

const (
	// MaxProducts caps the catalog items placed in the prompt.
	MaxProducts = 5

	// HistoryMessages is how many past messages the prompt carries.
	HistoryMessages = 10

	maxKeywordQueries = 4
)

// Repository is what the responder reads and records.
type Repository interface {
	SearchProducts(ctx context.Context, tenantID string, q domain.CatalogQuery) ([]*domain.Product, error)
	ListMemories(ctx context.Context, customerID string, limit int) ([]*domain.Memory, error)
	GetThreadByCustomer(ctx context.Context, tenantID, customerID string) (*domain.Thread, error)
	SaveThread(ctx context.Context, t *domain.Thread) error
}

// Responder produces the default reply.
type Responder struct {
	repo  Repository
	model llm.ChatCompleter
	now   func() time.Time
}

// New creates a Responder.
func New(repo Repository, model llm.ChatCompleter) *Responder {
	return &Responder{repo: repo, model: model, now: time.Now}
}

// WithClock overrides the clock used for recorded events.
func (r *Responder) WithClock(now func() time.Time) *Responder {
	r.now = now
	return r
}

var skipPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(oi|ola|bom dia|boa tarde|boa noite|hello|hi)\b`),
	regexp.MustCompile(`^(obrigad|thanks|valeu)`),
	regexp.MustCompile(`^(sim|nao|ok|tudo bem)\b`),
	regexp.MustCompile(`\b(como esta|tudo bem|tudo certo)\b`),
}

var productKeywords = []string{
	"rolex", "patek", "philippe", "audemars", "piguet", "omega", "cartier", "iwc",
	"breitling", "tag", "heuer", "panerai", "hublot", "vacheron", "constantin", "tudor",
	"relogio", "watch", "cronografo", "automatico", "diver", "mergulho",
	"anel", "ring", "colar", "necklace", "pulseira", "bracelet", "brinco", "earring",
	"ouro", "gold", "prata", "silver", "platina", "platinum", "diamante", "diamond",
	"comprar", "buy", "preco", "price", "disponivel", "available", "modelo", "model",
	"catalogo", "catalog", "produto", "product", "busco", "procuro", "looking",
	"interested", "interesse",
}

// ShouldSearch reports whether msg looks like a product question worth a
// catalog lookup. A brand mention always qualifies; otherwise greetings and
// short acknowledgements are skipped.
func ShouldSearch(msg string) bool {
	if len([]rune(strings.TrimSpace(msg))) < 5 {
		return false
	}
	if len(domain.DetectBrands(msg)) > 0 {
		return true
	}
	folded := shared.Fold(msg)
	for _, p := range skipPatterns {
		if p.MatchString(folded) {
			return false
		}
	}
	return lo.SomeBy(productKeywords, func(k string) bool { return strings.Contains(folded, k) })
}

var stopwords = map[string]bool{
	"quero": true, "queria": true, "gostaria": true, "voces": true, "tem": true,
	"para": true, "com": true, "uma": true, "algum": true, "alguma": true, "sobre": true,
	"qual": true, "quanto": true, "custa": true, "preco": true, "relogio": true, "relogios": true,
	"modelo": true, "busco": true, "procuro": true, "comprar": true, "disponivel": true,
	"watch": true, "looking": true, "the": true, "for": true, "and": true,
}

// keywords returns the distinctive words of msg used for catalog queries.
func keywords(msg string) []string {
	words := strings.FieldsFunc(shared.Fold(msg), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	words = lo.Filter(words, func(w string, _ int) bool { return len(w) >= 4 && !stopwords[w] })
	return lo.Uniq(words)
}

// findProducts searches by detected brand first, then by single keywords,
// keeping the first MaxProducts distinct items.
func (r *Responder) findProducts(ctx context.Context, tenantID, msg string) ([]*domain.Product, error) {
	var found []*domain.Product
	add := func(q domain.CatalogQuery) error {
		q.Limit = MaxProducts
		ps, err := r.repo.SearchProducts(ctx, tenantID, q)
		if err != nil {
			return fmt.Errorf("search products: %w", err)
		}
		found = lo.UniqBy(append(found, ps...), func(p *domain.Product) string { return p.ID })
		return nil
	}

	for _, brand := range domain.DetectBrands(msg) {
		if err := add(domain.CatalogQuery{Brand: brand}); err != nil {
			return nil, err
		}
	}
	if len(found) == 0 {
		for i, k := range keywords(msg) {
			if i == maxKeywordQueries || len(found) >= MaxProducts {
				break
			}
			if err := add(domain.CatalogQuery{Text: k}); err != nil {
				return nil, err
			}
		}
	}
	if len(found) > MaxProducts {
		found = found[:MaxProducts]
	}
	return found, nil
}

var brazil = message.NewPrinter(language.BrazilianPortuguese)

// Price renders a catalog price in reais, e.g. "R$ 45.000,00".
func Price(v float64) string {
	return brazil.Sprintf("R$ %.2f", v)
}

// PromptInput is everything BuildPrompt renders.
type PromptInput struct {
	CustomerName     string
	FirstInteraction bool
	Memories         []*domain.Memory
	History          []string
	Products         []*domain.Product
	Searched         bool
}

// BuildPrompt renders the system prompt for the default reply.
func BuildPrompt(in PromptInput) string {
	var b strings.Builder
	b.WriteString(`You are a luxury watch and jewelry sales assistant for a high-end boutique. You are knowledgeable, professional, and helpful.

Your primary goal is to understand customer needs and recommend products from the catalog.

Guidelines:
- Always answer in Brazilian Portuguese, in a short WhatsApp-friendly message
- Be warm and professional
- Ask clarifying questions to understand budget, style preferences, and occasion
- Use the catalog context below to make personalized recommendations
- If multiple products match, present 2-3 options with key differentiators
- Include prices when discussing specific products
- Never invent products - only recommend items from the catalog context
- If no relevant products found, ask more questions to narrow down preferences
- To book a visit the customer can write "quero agendar uma visita"; to sell or authenticate a watch, "quero vender meu relógio"
`)

	if in.CustomerName != "" {
		fmt.Fprintf(&b, "\nCUSTOMER: %s\n", in.CustomerName)
	}
	if in.FirstInteraction {
		b.WriteString("This is the customer's first message: greet them and briefly introduce the boutique.\n")
	} else {
		b.WriteString("This is an ongoing conversation: do not greet or introduce yourself again.\n")
	}

	if len(in.Memories) > 0 {
		b.WriteString("\nKNOWN FACTS ABOUT THE CUSTOMER:\n")
		for _, m := range in.Memories {
			fmt.Fprintf(&b, "- %s\n", m.Fact)
		}
	}

	if len(in.History) > 0 {
		fmt.Fprintf(&b, "\nCONVERSATION HISTORY:\n%s\n", strings.Join(in.History, "\n"))
	}

	switch {
	case len(in.Products) > 0:
		b.WriteString("\nRELEVANT PRODUCTS FROM CATALOG:\n\n")
		for i, p := range in.Products {
			fmt.Fprintf(&b, "%d. %s\n", i+1, p.Name)
			fmt.Fprintf(&b, "   Marca: %s\n", p.Brand)
			if p.Category != "" {
				fmt.Fprintf(&b, "   Categoria: %s\n", p.Category)
			}
			if p.Price > 0 {
				fmt.Fprintf(&b, "   Preço: %s\n", Price(p.Price))
			}
			if p.Description != "" {
				fmt.Fprintf(&b, "   Descrição: %s\n", p.Description)
			}
			b.WriteString("\n")
		}
		b.WriteString("Use these products to make informed recommendations. Reference specific models when relevant.\n")
	case in.Searched:
		b.WriteString("\nNo specific products match this query yet. Ask questions to understand what the customer is looking for, then make recommendations.\n")
	}
	return b.String()
}

func historyLines(t *domain.Thread) []string {
	if t == nil {
		return nil
	}
	msgs := lo.Filter(t.Events, func(e domain.Event, _ int) bool {
		return e.Type == domain.EventUserMessage || e.Type == domain.EventAgentResponse
	})
	if len(msgs) > HistoryMessages {
		msgs = msgs[len(msgs)-HistoryMessages:]
	}
	return lo.Map(msgs, func(e domain.Event, _ int) string {
		if e.Type == domain.EventUserMessage {
			return "Customer: " + e.Content
		}
		return "Assistant: " + e.Content
	})
}

// Reply answers in.Text(). The exchange is appended to the customer's
// thread so later replies, and the agent, see it. Model failures return
// the retry message and record nothing.
func (r *Responder) Reply(ctx context.Context, in workflow.Input) (string, error) {
	text := in.Text()
	pi := PromptInput{CustomerName: in.CustomerName(), FirstInteraction: true}

	var thread *domain.Thread
	if c := in.Customer; c != nil && c.ID != "" {
		pi.FirstInteraction = c.IsFirstInteraction()
		mems, err := r.repo.ListMemories(ctx, c.ID, 10)
		if err != nil {
			return "", fmt.Errorf("list memories: %w", err)
		}
		pi.Memories = mems
		if thread, err = r.repo.GetThreadByCustomer(ctx, in.TenantID, c.ID); err != nil {
			return "", fmt.Errorf("load thread: %w", err)
		}
		pi.History = historyLines(thread)
	}

	if ShouldSearch(text) {
		products, err := r.findProducts(ctx, in.TenantID, text)
		if err != nil {
			return "", err
		}
		pi.Products, pi.Searched = products, true
		slog.Info("Catalog search completed",
			"phone", identity.MaskPhone(in.SubjectKey), "results", len(products))
	}

	resp, err := r.model.Complete(ctx, llm.Request{
		System:      BuildPrompt(pi),
		Prompt:      text,
		Temperature: 0.7,
		MaxTokens:   500,
	})
	if err != nil {
		if errors.Is(err, llm.ErrUnavailable) {
			slog.Warn("Default reply unavailable", "phone", identity.MaskPhone(in.SubjectKey), "error", err)
			return workflow.TryAgainMessage, nil
		}
		return "", fmt.Errorf("complete reply: %w", err)
	}
	reply := strings.TrimSpace(resp.Text)
	if reply == "" {
		return workflow.TryAgainMessage, nil
	}

	if in.Customer != nil && in.Customer.ID != "" {
		if err := r.record(ctx, thread, in, text, reply); err != nil {
			return "", err
		}
	}
	return reply, nil
}

func (r *Responder) record(ctx context.Context, t *domain.Thread, in workflow.Input, text, reply string) error {
	if t == nil {
		t = &domain.Thread{
			ID:         uuid.NewString(),
			TenantID:   in.TenantID,
			CustomerID: in.Customer.ID,
			Status:     domain.ThreadActive,
		}
	}
	now := r.now().UTC()
	t.Events = append(t.Events,
		domain.Event{ID: uuid.NewString(), Type: domain.EventUserMessage, Timestamp: now, Content: text},
		domain.Event{ID: uuid.NewString(), Type: domain.EventAgentResponse, Timestamp: now, Content: reply},
	)
	if err := r.repo.SaveThread(ctx, t); err != nil {
		return fmt.Errorf("record reply: %w", err)
	}
	return nil
}
