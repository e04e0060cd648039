package risk

import (
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/watchdesk/internal/domain"
)

// StatusFor maps a verdict color to the stored review status.
func StatusFor(c Color) domain.VerificationStatus {
	switch c {
	case ColorRed:
		return domain.VerificationRejected
	case ColorGreen:
		return domain.VerificationApproved
	default:
		return domain.VerificationManualReview
	}
}

// OwnerMessage is the draft the owner can forward to the customer.
func OwnerMessage(customerName, brand, model string, a Assessment) string {
	watch := strings.TrimSpace(brand + " " + model)
	switch a.Category {
	case CategoryComplete:
		return fmt.Sprintf(`Olá %s! Recebemos a verificação do seu %s.

✅ Documentação completa e consistente! (Score: %d/100)

Quando você poderia visitar nossa boutique para uma avaliação presencial?
Temos disponibilidade esta semana.

Qual horário funciona melhor para você?`, customerName, watch, a.Score)

	case CategoryMissingGuarantee:
		return fmt.Sprintf(`Olá %s! Recebemos a verificação do seu %s.

⚠️ Notamos que não foi enviado o cartão de garantia original.

Para prosseguir com a avaliação, precisaremos:
- Verificação presencial mais detalhada
- Documentação adicional (se disponível)

Poderia agendar uma visita? Nossos especialistas poderão te orientar melhor.`, customerName, watch)

	case CategoryWrongPictures:
		return fmt.Sprintf(`Olá %s! Recebemos a verificação do seu %s.

📋 Detectamos algumas inconsistências entre os documentos enviados.

Seria possível nos encontrar pessoalmente para esclarecer alguns detalhes?
Isso nos ajudará a fazer uma avaliação mais precisa.

Quando você teria disponibilidade?`, customerName, watch)

	case CategoryInvoiceAbroad:
		origin := ""
		if len(a.Warnings) > 0 {
			origin = a.Warnings[0]
		}
		return fmt.Sprintf(`Olá %s! Recebemos a verificação do seu %s.

📋 Notamos que a nota fiscal é do exterior (%s).

Para prosseguir, precisaremos verificar:
- Documentação de importação
- Compliance fiscal brasileiro

Poderia agendar uma visita para conversarmos pessoalmente?`, customerName, watch, origin)

	case CategorySuspicious:
		return fmt.Sprintf(`Olá %s, obrigado pelo contato.

Após análise preliminar do %s, infelizmente não poderemos prosseguir
com a avaliação neste momento devido a inconsistências graves na documentação.

Recomendamos que você busque uma segunda opinião com outro especialista.

Ficamos à disposição caso tenha dúvidas.`, customerName, watch)

	default:
		lines := make([]string, 0, len(a.CriticalIssues))
		for _, i := range a.CriticalIssues {
			lines = append(lines, "- "+i)
		}
		return fmt.Sprintf(`Olá %s, obrigado pelo interesse em vender seu %s.

Infelizmente, precisamos de esclarecimentos sobre a documentação enviada.
Detectamos algumas inconsistências que precisam ser verificadas.

Poderia nos enviar:
%s

Ou, se preferir, pode agendar uma visita para trazer os documentos pessoalmente.`, customerName, watch, strings.Join(lines, "\n"))
	}
}

// StoreNotification is the short alert sent to the owner's phone.
func StoreNotification(r *domain.VerificationRecord) string {
	emoji, text := "⚠️", "Requer revisão manual"
	switch r.Status {
	case domain.VerificationApproved:
		emoji, text = "✅", "Aprovado para avaliação"
	case domain.VerificationRejected:
		emoji, text = "❌", "Inconsistências detectadas"
	}
	var b strings.Builder
	b.WriteString("📊 *Nova Verificação Completa!*\n\n")
	fmt.Fprintf(&b, "Cliente: %s\n", r.CustomerName)
	fmt.Fprintf(&b, "Relógio: %s\n", strings.TrimSpace(r.Brand+" "+r.Model))
	fmt.Fprintf(&b, "Status: %s %s\n", emoji, text)
	fmt.Fprintf(&b, "Risco: %s (%d/100)\n", r.RiskLabel, r.RiskScore)
	fmt.Fprintf(&b, "\nCódigo: #VER-%s", r.ShortID())
	return b.String()
}

// CustomerSummary is the final reply to the customer.
func CustomerSummary(shortID string) string {
	return `✅ Verificação concluída!

Sua documentação foi analisada e enviada para a equipe da boutique.

⚠️ *Importante:* Este relatório é uma análise preliminar. Qualquer proposta de compra e valor só será definida após avaliação física do relógio por nossos especialistas.

Em breve entraremos em contato para agendar uma avaliação presencial.

Código de verificação: #VER-` + shortID
}

// ReportInput collects what Report renders.
type ReportInput struct {
	Record     *domain.VerificationRecord
	Docs       Documents
	CrossRef   CrossReferenceResult
	Assessment Assessment
	Location   *time.Location
}

// Report renders the markdown report kept with the verification.
func Report(in ReportInput) string {
	r := in.Record
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	var b strings.Builder

	fmt.Fprintf(&b, "# RELATÓRIO DE VERIFICAÇÃO - %s %s\n\n", orDash(r.Brand, "Não identificado"), orDash(r.Model, ""))
	fmt.Fprintf(&b, "**Cliente:** %s (CPF: %s)\n", r.CustomerName, orDash(r.CPFMasked, "Não informado"))
	fmt.Fprintf(&b, "**Data:** %s\n", r.CreatedAt.In(loc).Format("02/01/2006 15:04"))
	fmt.Fprintf(&b, "**ID Verificação:** #VER-%s\n\n---\n\n", r.ShortID())

	b.WriteString("## 📸 DOCUMENTOS RECEBIDOS\n\n")
	if r.PhotoURL != "" {
		b.WriteString("✅ Foto do relógio\n")
	}
	if r.GuaranteeURL != "" {
		b.WriteString("✅ Certificado de garantia\n")
	}
	if r.InvoiceURL != "" {
		b.WriteString("✅ Nota Fiscal\n")
	}
	if n := len(r.AdditionalDocs); n > 0 {
		fmt.Fprintf(&b, "✅ %d documento(s) adicional(is)\n", n)
	}

	b.WriteString("\n---\n\n## 🔍 ANÁLISE TÉCNICA\n\n")
	fmt.Fprintf(&b, "**Marca:** %s\n", orDash(r.Brand, "Não identificado"))
	fmt.Fprintf(&b, "**Modelo:** %s\n", orDash(r.Model, "Não identificado"))
	fmt.Fprintf(&b, "**Referência:** %s\n", orDash(r.Reference, "Não identificado"))
	fmt.Fprintf(&b, "**Serial:** %s\n", orDash(r.Serial, "Não identificado"))
	if p := in.Docs.Photo; p != nil {
		if p.ConditionNotes != "" {
			fmt.Fprintf(&b, "**Condição:** %s\n", p.ConditionNotes)
		}
		if len(p.VisibleDamage) > 0 {
			fmt.Fprintf(&b, "**Danos Visíveis:** %s\n", strings.Join(p.VisibleDamage, ", "))
		}
	}

	b.WriteString("\n---\n\n## ✅ CONSISTÊNCIA DE DADOS\n\n")
	b.WriteString("| Campo | Foto | Garantia | NF | Status |\n|-------|------|----------|----|--------|\n")
	var pRef, gRef, iRef, pModel, gModel, gDate, iDate string
	if p := in.Docs.Photo; p != nil {
		pRef, pModel = p.Reference, p.Model
	}
	if g := in.Docs.Guarantee; g != nil {
		gRef, gModel, gDate = g.Reference, g.Model, g.PurchaseDate
	}
	if i := in.Docs.Invoice; i != nil {
		iRef, iDate = i.Reference, i.InvoiceDate
	}
	fmt.Fprintf(&b, "| Referência | %s | %s | %s | %s |\n", orDash(pRef, "-"), orDash(gRef, "-"), orDash(iRef, "-"), mark(in.CrossRef.ReferenceMatch, "❌"))
	fmt.Fprintf(&b, "| Modelo | %s | %s | - | %s |\n", orDash(pModel, "-"), orDash(gModel, "-"), mark(in.CrossRef.ModelMatch, "⚠️"))
	fmt.Fprintf(&b, "| Data Compra | - | %s | %s | %s |\n", orDash(gDate, "-"), orDash(iDate, "-"), mark(in.CrossRef.DateMatch, "⚠️"))
	if r.DateMismatchReason != "" {
		fmt.Fprintf(&b, "\n**Explicação do cliente sobre diferenças:** %s\n", r.DateMismatchReason)
	}

	a := in.Assessment
	b.WriteString("\n---\n\n## ⚖️ AVALIAÇÃO DE RISCO LEGAL\n\n")
	fmt.Fprintf(&b, "**Categoria:** %s **%s**\n", a.Icon, a.Label)
	fmt.Fprintf(&b, "**Índice de Consistência Documental (ICD):** %d/100\n", a.Score)
	fmt.Fprintf(&b, "**Penalidades documentais:** %d/100 (%s)\n", r.PenaltyScore, r.PenaltyBand)
	fmt.Fprintf(&b, "**Nível de Risco:** %s\n\n", riskLevel(a.Color))
	fmt.Fprintf(&b, "**Recomendação:**\n%s\n", a.Recommendation)
	writeList(&b, "\n**🚨 Problemas Críticos:**\n", a.CriticalIssues)
	writeList(&b, "\n**⚠️ Atenção:**\n", a.Warnings)

	if i := in.Docs.Invoice; i != nil && i.InvoiceNumber != "" {
		b.WriteString("\n---\n\n## 🇧🇷 NOTA FISCAL\n\n")
		fmt.Fprintf(&b, "**Número NF:** %s\n", i.InvoiceNumber)
		if i.StoreCNPJ != "" {
			fmt.Fprintf(&b, "**CNPJ Emissor:** %s\n", i.StoreCNPJ)
		}
	}

	b.WriteString("\n---\n\n## 📋 OBSERVAÇÕES\n\n")
	for _, c := range in.CrossRef.PassedChecks {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	if g := in.Docs.Guarantee; g != nil && g.StoreName != "" {
		fmt.Fprintf(&b, "- Relógio adquirido em: %s\n", g.StoreName)
	}
	if p := in.Docs.Photo; p != nil && len(p.AuthenticityMarkers) > 0 {
		fmt.Fprintf(&b, "- Marcadores de autenticidade identificados: %s\n", strings.Join(p.AuthenticityMarkers, ", "))
	}

	b.WriteString("\n---\n\n## ⚠️ ALERTAS\n\n")
	if len(in.CrossRef.Issues) == 0 && len(in.CrossRef.Warnings) == 0 {
		b.WriteString("Nenhum alerta detectado.\n")
	}
	writeList(&b, "**🚨 CRÍTICO:**\n", in.CrossRef.Issues)
	writeList(&b, "\n**⚠️ ATENÇÃO:**\n", in.CrossRef.Warnings)

	b.WriteString("\n---\n\n**Documentos anexos:**\n")
	if r.PhotoURL != "" {
		fmt.Fprintf(&b, "- [Foto do relógio](%s)\n", r.PhotoURL)
	}
	if r.GuaranteeURL != "" {
		fmt.Fprintf(&b, "- [Certificado de garantia](%s)\n", r.GuaranteeURL)
	}
	if r.InvoiceURL != "" {
		fmt.Fprintf(&b, "- [Nota Fiscal](%s)\n", r.InvoiceURL)
	}
	for i, u := range r.AdditionalDocs {
		fmt.Fprintf(&b, "- [Documento adicional %d](%s)\n", i+1, u)
	}
	b.WriteString("\n_Este relatório é uma análise preliminar e não substitui a inspeção física._\n")
	return b.String()
}

func writeList(b *strings.Builder, header string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString(header)
	for _, i := range items {
		fmt.Fprintf(b, "- %s\n", i)
	}
}

func orDash(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func mark(ok bool, bad string) string {
	if ok {
		return "✅"
	}
	return bad
}

func riskLevel(c Color) string {
	switch c {
	case ColorGreen:
		return "🟢 BAIXO"
	case ColorYellow:
		return "🟡 MÉDIO"
	case ColorOrange:
		return "🟠 ALTO"
	default:
		return "🔴 CRÍTICO"
	}
}
