package risk

import (
	"fmt"
	"strings"

	"github.com/ashureev/watchdesk/internal/domain"
)

// InvoiceCheck is what the invoice step found worth asking the customer about.
type InvoiceCheck struct {
	Mismatches     []string
	MissingDetails []string
}

// NeedsExplanation reports whether the customer must confirm before moving on.
func (c InvoiceCheck) NeedsExplanation() bool {
	return len(c.Mismatches) > 0 || len(c.MissingDetails) > 0
}

// CheckInvoice compares a freshly analyzed invoice with the earlier
// documents. Serials tolerate one containing the other because invoices
// often abbreviate them.
func CheckInvoice(photo *domain.WatchPhotoAnalysis, guarantee *domain.GuaranteeCardAnalysis, invoice *domain.InvoiceAnalysis) InvoiceCheck {
	var c InvoiceCheck
	if invoice == nil {
		return c
	}

	var photoSerial, photoRef, cardSerial, cardRef, cardDate string
	if photo != nil {
		photoSerial, photoRef = photo.Serial, photo.Reference
	}
	if guarantee != nil {
		cardSerial, cardRef, cardDate = guarantee.Serial, guarantee.Reference, guarantee.PurchaseDate
	}

	if serialsDiffer(cardSerial, invoice.Serial) {
		c.Mismatches = append(c.Mismatches, fmt.Sprintf("📌 Serial no certificado: *%s*\n📌 Serial na Nota Fiscal: *%s*", cardSerial, invoice.Serial))
	}
	if serialsDiffer(photoSerial, cardSerial) {
		c.Mismatches = append(c.Mismatches, fmt.Sprintf("📌 Serial na foto: *%s*\n📌 Serial no certificado: *%s*", photoSerial, cardSerial))
	}
	if photoRef != "" && cardRef != "" && photoRef != cardRef {
		c.Mismatches = append(c.Mismatches, fmt.Sprintf("📌 Referência na foto: *%s*\n📌 Referência no certificado: *%s*", photoRef, cardRef))
	}
	if cardDate != "" && invoice.InvoiceDate != "" {
		if days, ok := DaysBetween(cardDate, invoice.InvoiceDate); ok && days > MaxDateGapDays {
			c.Mismatches = append(c.Mismatches, fmt.Sprintf("📅 Data no certificado: *%s*\n📅 Data na Nota Fiscal: *%s*", cardDate, invoice.InvoiceDate))
		}
	}

	if invoice.Serial == "" {
		c.MissingDetails = append(c.MissingDetails, "- Número de série não encontrado na Nota Fiscal")
	}
	if len(invoice.Items) > 0 && !mentionsWatch(invoice.Items) {
		c.MissingDetails = append(c.MissingDetails, `- Nota Fiscal não menciona especificamente "relógio"`)
	}
	return c
}

// Message renders the question sent to the customer.
func (c InvoiceCheck) Message() string {
	if len(c.Mismatches) > 0 {
		var b strings.Builder
		b.WriteString("⚠️ *Encontrei algumas diferenças entre os documentos:*\n\n")
		b.WriteString(strings.Join(c.Mismatches, "\n\n"))
		if len(c.Mismatches) >= 2 {
			b.WriteString("\n\n🤔 *Isso pode indicar:*")
			b.WriteString("\n1️⃣ Você está tentando vender *2 relógios diferentes* (envie os documentos de cada um separadamente)")
			b.WriteString("\n2️⃣ Houve um *erro ao enviar* os documentos (documentos misturados)")
			b.WriteString("\n3️⃣ Os documentos estão *corretos mas com informações diferentes* (explique o motivo)")
			b.WriteString("\n\n👉 Responda qual é o caso para continuar.")
		} else {
			b.WriteString("\n\n*Os documentos estão corretos?* Se sim, responda \"sim\" para continuar.")
		}
		return b.String()
	}
	return "⚠️ *Notei que a Nota Fiscal:*\n\n" + strings.Join(c.MissingDetails, "\n") +
		"\n\n*Essa Nota Fiscal é do relógio que você enviou?* Se sim, responda \"sim\" para continuar. " +
		"Vou incluir no relatório que faltavam essas informações na NF."
}

func serialsDiffer(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" || a == b {
		return false
	}
	return !strings.Contains(a, b) && !strings.Contains(b, a)
}

func mentionsWatch(items []string) bool {
	for _, item := range items {
		lower := strings.ToLower(item)
		if strings.Contains(lower, "relógio") || strings.Contains(lower, "relogio") || strings.Contains(lower, "watch") {
			return true
		}
	}
	return false
}
