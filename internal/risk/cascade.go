package risk

import (
	"math"
	"strings"

	"github.com/samber/lo"
)

// Category is a closed set of verdicts.
type Category string

const (
	CategoryComplete         Category = "complete_documentation"
	CategoryMissingGuarantee Category = "missing_guarantee"
	CategoryWrongPictures    Category = "wrong_pictures"
	CategoryInvoiceAbroad    Category = "invoice_outside_brazil"
	CategoryInconsistent     Category = "inconsistent_information"
	CategorySuspicious       Category = "suspicious_documents"
)

// Color is the severity tier shown to staff.
type Color string

const (
	ColorGreen  Color = "green"
	ColorYellow Color = "yellow"
	ColorOrange Color = "orange"
	ColorRed    Color = "red"
)

var categoryWeights = map[Category]float64{
	CategoryComplete:         1.0,
	CategoryMissingGuarantee: 0.85,
	CategoryWrongPictures:    0.75,
	CategoryInvoiceAbroad:    0.8,
	CategoryInconsistent:     0.6,
	CategorySuspicious:       0.3,
}

var fraudKeywords = []string{"fake", "fraud", "falsificad"}

// Assessment is the verdict for one verification.
type Assessment struct {
	Category       Category `json:"category"`
	Label          string   `json:"label"`
	Color          Color    `json:"color"`
	Icon           string   `json:"icon"`
	Recommendation string   `json:"recommendation"`
	Score          int      `json:"score"`
	CriticalIssues []string `json:"critical_issues"`
	Warnings       []string `json:"warnings"`
}

// RiskScore re-weights the consistency score by category.
func (a Assessment) RiskScore() int {
	return Weighted(a.Category, a.Score)
}

// Weighted returns round(score * weight(category)).
func Weighted(c Category, score int) int {
	w, ok := categoryWeights[c]
	if !ok {
		w = categoryWeights[CategoryInconsistent]
	}
	return int(math.Round(float64(score) * w))
}

// Assess runs the priority cascade. The first matching rule wins:
// suspicious, inconsistent, invoice abroad, wrong pictures, missing
// guarantee, complete, then a manual-analysis fallback.
func Assess(score int, x CrossReferenceResult, d Documents) Assessment {
	missing := d.Missing()

	if fraud := filterIssues(x.Issues, isFraudIssue); score < 30 || len(fraud) > 0 {
		if len(fraud) == 0 {
			fraud = []string{"ICD muito baixo (< 30)"}
		}
		return Assessment{
			Category:       CategorySuspicious,
			Label:          "Documentos Suspeitos",
			Color:          ColorRed,
			Icon:           "🚫",
			Recommendation: "NÃO PROSSEGUIR - Indicadores de fraude detectados. Consulte especialista imediatamente.",
			Score:          score,
			CriticalIssues: fraud,
			Warnings:       []string{},
		}
	}

	if score < 50 {
		return Assessment{
			Category:       CategoryInconsistent,
			Label:          "Informações Inconsistentes",
			Color:          ColorOrange,
			Icon:           "⚠️",
			Recommendation: "Alto risco - Inconsistências graves entre documentos. Recomenda-se não prosseguir.",
			Score:          score,
			CriticalIssues: nonNil(x.Issues),
			Warnings:       nonNil(x.PassedChecks),
		}
	}

	if d.Invoice != nil && isForeignCountry(d.Invoice.Country) {
		return Assessment{
			Category:       CategoryInvoiceAbroad,
			Label:          "Nota Fiscal do Exterior",
			Color:          ColorOrange,
			Icon:           "⚠️",
			Recommendation: "Verificar documentação de importação e compliance fiscal. Consulte contador/advogado.",
			Score:          score,
			CriticalIssues: []string{},
			Warnings: []string{
				"Nota fiscal emitida em: " + d.Invoice.Country,
				"Verifique documentação de importação",
				"Possíveis implicações fiscais",
			},
		}
	}

	if (!x.ReferenceMatch || !x.SerialMatch) && score < 70 {
		return Assessment{
			Category:       CategoryWrongPictures,
			Label:          "Documentos Incompatíveis",
			Color:          ColorYellow,
			Icon:           "⚠️",
			Recommendation: "Documentos não correspondem ao relógio. Solicite documentação correta ou verificação manual.",
			Score:          score,
			CriticalIssues: filterIssues(x.Issues, isIdentifierIssue),
			Warnings:       nonNil(x.PassedChecks),
		}
	}

	if d.Guarantee == nil && score < 85 {
		return Assessment{
			Category:       CategoryMissingGuarantee,
			Label:          "Sem Cartão de Garantia",
			Color:          ColorYellow,
			Icon:           "⚠️",
			Recommendation: "Prosseguir com cautela - Sem garantia oficial. Verificação presencial altamente recomendada.",
			Score:          score,
			CriticalIssues: []string{},
			Warnings:       []string{"Cartão de garantia não fornecido", "Autenticidade mais difícil de verificar"},
		}
	}

	if score >= 70 && len(missing) == 0 {
		warnings := []string{}
		if score < 85 {
			warnings = append(warnings, "Verificação presencial ainda recomendada")
		}
		return Assessment{
			Category:       CategoryComplete,
			Label:          "Documentação Completa",
			Color:          ColorGreen,
			Icon:           "✅",
			Recommendation: "Baixo risco - Documentação completa e consistente. Agendar avaliação presencial.",
			Score:          score,
			CriticalIssues: []string{},
			Warnings:       warnings,
		}
	}

	return Assessment{
		Category:       CategoryInconsistent,
		Label:          "Requer Análise Manual",
		Color:          ColorOrange,
		Icon:           "⚠️",
		Recommendation: "Verificação manual necessária. Consulte especialista.",
		Score:          score,
		CriticalIssues: nonNil(x.Issues),
		Warnings:       nonNil(x.PassedChecks),
	}
}

func isFraudIssue(issue string) bool {
	lower := strings.ToLower(issue)
	for _, k := range fraudKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func isIdentifierIssue(issue string) bool {
	return strings.HasPrefix(issue, "Referência") || strings.HasPrefix(issue, "Serial")
}

func isForeignCountry(country string) bool {
	c := strings.ToLower(strings.TrimSpace(country))
	return c != "" && c != "brazil" && c != "brasil"
}

func filterIssues(issues []string, keep func(string) bool) []string {
	return nonNil(lo.Filter(issues, func(i string, _ int) bool { return keep(i) }))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string(nil), s...)
}
