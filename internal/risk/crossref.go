// Package risk cross-references extracted document fields and turns them
// into a risk verdict for a watch verification.
package risk

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/samber/lo"
)

// MaxDateGapDays is the largest tolerated gap between the warranty card
// purchase date and the invoice date.
const MaxDateGapDays = 60

// Documents are the analyses available for one verification. A nil pointer
// means the document was never analyzed.
type Documents struct {
	Photo       *domain.WatchPhotoAnalysis
	Guarantee   *domain.GuaranteeCardAnalysis
	Invoice     *domain.InvoiceAnalysis
	StatedModel string
}

// Missing lists the absent documents by their customer-facing name.
func (d Documents) Missing() []string {
	var out []string
	if d.Photo == nil {
		out = append(out, "Foto do relógio")
	}
	if d.Guarantee == nil {
		out = append(out, "Cartão de garantia")
	}
	if d.Invoice == nil {
		out = append(out, "Nota fiscal")
	}
	return out
}

// Complete reports whether all three documents were analyzed.
func (d Documents) Complete() bool {
	return d.Photo != nil && d.Guarantee != nil && d.Invoice != nil
}

// Brand returns the first brand read from the photo or the card.
func (d Documents) Brand() string {
	if d.Photo != nil && d.Photo.Brand != "" {
		return d.Photo.Brand
	}
	if d.Guarantee != nil {
		return d.Guarantee.Brand
	}
	return ""
}

// Model returns the first model read from the photo or card, or the model
// the customer stated.
func (d Documents) Model() string {
	if d.Photo != nil && d.Photo.Model != "" {
		return d.Photo.Model
	}
	if d.Guarantee != nil && d.Guarantee.Model != "" {
		return d.Guarantee.Model
	}
	return d.StatedModel
}

// Reference returns the first reference number read from the photo or card.
func (d Documents) Reference() string {
	if d.Photo != nil && d.Photo.Reference != "" {
		return d.Photo.Reference
	}
	if d.Guarantee != nil {
		return d.Guarantee.Reference
	}
	return ""
}

// Serial returns the first serial number read from the photo or card.
func (d Documents) Serial() string {
	if d.Photo != nil && d.Photo.Serial != "" {
		return d.Photo.Serial
	}
	if d.Guarantee != nil {
		return d.Guarantee.Serial
	}
	return ""
}

// CrossReferenceResult is derived from Documents and never stored on its own.
type CrossReferenceResult struct {
	ReferenceMatch bool     `json:"reference_match"`
	SerialMatch    bool     `json:"serial_match"`
	DateMatch      bool     `json:"date_match"`
	ModelMatch     bool     `json:"model_match"`
	Issues         []string `json:"issues"`
	Warnings       []string `json:"warnings"`
	PassedChecks   []string `json:"passed_checks"`
}

type sourced struct {
	source string
	value  string
}

// CrossReference compares reference and serial numbers across documents,
// the card and invoice dates, and the stated model against the documents.
// A field matches when its present values are all equal; absence never
// counts as a mismatch.
func CrossReference(d Documents) CrossReferenceResult {
	res := CrossReferenceResult{ReferenceMatch: true, SerialMatch: true, DateMatch: true, ModelMatch: true}

	var refs, serials []sourced
	if d.Photo != nil {
		refs = appendPresent(refs, "Foto", d.Photo.Reference)
		serials = appendPresent(serials, "Foto", d.Photo.Serial)
	}
	if d.Guarantee != nil {
		refs = appendPresent(refs, "Garantia", d.Guarantee.Reference)
		serials = appendPresent(serials, "Garantia", d.Guarantee.Serial)
	}
	if d.Invoice != nil {
		refs = appendPresent(refs, "NF", d.Invoice.Reference)
		serials = appendPresent(serials, "NF", d.Invoice.Serial)
	}

	res.ReferenceMatch = compareField(&res, "Referência", refs)
	res.SerialMatch = compareField(&res, "Serial", serials)

	if d.Guarantee != nil && d.Invoice != nil && d.Guarantee.PurchaseDate != "" && d.Invoice.InvoiceDate != "" {
		if days, ok := DaysBetween(d.Guarantee.PurchaseDate, d.Invoice.InvoiceDate); ok {
			if days > MaxDateGapDays {
				res.DateMatch = false
				res.Warnings = append(res.Warnings, fmt.Sprintf("Datas divergem: Garantia=%s, NF=%s (%d dias de diferença)",
					d.Guarantee.PurchaseDate, d.Invoice.InvoiceDate, days))
			} else {
				res.PassedChecks = append(res.PassedChecks, fmt.Sprintf("Datas consistentes (%d dias de diferença)", days))
			}
		}
	}

	var models []string
	if d.Photo != nil && d.Photo.Model != "" {
		models = append(models, d.Photo.Model)
	}
	if d.Guarantee != nil && d.Guarantee.Model != "" {
		models = append(models, d.Guarantee.Model)
	}
	stated := strings.ToLower(strings.TrimSpace(d.StatedModel))
	for _, m := range models {
		lm := strings.ToLower(m)
		if !strings.Contains(stated, lm) && !strings.Contains(lm, stated) {
			res.ModelMatch = false
			break
		}
	}
	if !res.ModelMatch {
		res.Warnings = append(res.Warnings, fmt.Sprintf("Cliente mencionou %q mas documentos mostram %q",
			d.StatedModel, strings.Join(models, ", ")))
	} else if len(models) > 0 {
		res.PassedChecks = append(res.PassedChecks, "Modelo consistente com declaração do cliente")
	}

	return res
}

func appendPresent(list []sourced, source, value string) []sourced {
	value = strings.TrimSpace(value)
	if value == "" {
		return list
	}
	return append(list, sourced{source: source, value: value})
}

func compareField(res *CrossReferenceResult, label string, values []sourced) bool {
	if len(values) == 0 {
		return true
	}
	unique := lo.UniqBy(values, func(v sourced) string { return v.value })
	if len(unique) <= 1 {
		res.PassedChecks = append(res.PassedChecks, fmt.Sprintf("%s consistente: %s", label, values[0].value))
		return true
	}
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, fmt.Sprintf("%s=%q", v.source, v.value))
	}
	res.Issues = append(res.Issues, fmt.Sprintf("%s inconsistente: %s", label, strings.Join(parts, ", ")))
	return false
}

var dateLayouts = []string{"2006-01-02", "02/01/2006", "02/01/06", "02-01-2006", "02.01.2006", "01/2006"}

// ParseDocumentDate reads a date as printed on Brazilian documents, day
// first, falling back to free-form parsing.
func ParseDocumentDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// DaysBetween returns the absolute whole-day gap between two document dates.
func DaysBetween(a, b string) (int, bool) {
	ta, ok := ParseDocumentDate(a)
	if !ok {
		return 0, false
	}
	tb, ok := ParseDocumentDate(b)
	if !ok {
		return 0, false
	}
	return int(math.Round(math.Abs(ta.Sub(tb).Hours()) / 24)), true
}
