package risk

import (
	"math"
	"strings"
)

// MismatchPenalty is subtracted from the consistency score per mismatch.
const MismatchPenalty = 15

// PartialDocumentsScore is used when not every document was analyzed.
const PartialDocumentsScore = 50

// ConsistencyScore averages the extraction confidences of the three
// documents and subtracts MismatchPenalty for every pair that disagrees on
// brand, model, or serial. The result is floored at 0.
func ConsistencyScore(d Documents) int {
	if !d.Complete() {
		return PartialDocumentsScore
	}
	avg := float64(d.Photo.Confidence+d.Guarantee.Confidence+d.Invoice.Confidence) / 3

	mismatches := 0
	if conflicts(d.Photo.Brand, d.Guarantee.Brand) {
		mismatches++
	}
	if conflicts(d.Photo.Model, d.Guarantee.Model) {
		mismatches++
	}
	if conflicts(d.Photo.Serial, d.Guarantee.Serial) {
		mismatches++
	}
	if conflicts(d.Guarantee.Serial, d.Invoice.Serial) {
		mismatches++
	}

	score := avg - float64(MismatchPenalty*mismatches)
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return int(math.Round(score))
}

// conflicts reports two present values that differ, ignoring case.
func conflicts(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return false
	}
	return !strings.EqualFold(a, b)
}

// PenaltyInput flags the documentary problems counted by CalcPenalty.
type PenaltyInput struct {
	InvoiceMissing      bool
	InvoiceInvalid      bool
	SerialMismatch      bool
	IssuerDenies        bool
	ServiceNoteMissing  bool
	HistoryInconsistent bool
	SellerUnidentified  bool
}

// CalcPenalty starts at 100 and subtracts a fixed weight per flag.
func CalcPenalty(in PenaltyInput) (int, string) {
	score := 100
	if in.InvoiceMissing {
		score -= 30
	}
	if in.InvoiceInvalid {
		score -= 20
	}
	if in.SerialMismatch {
		score -= 25
	}
	if in.IssuerDenies {
		score -= 15
	}
	if in.ServiceNoteMissing {
		score -= 20
	}
	if in.HistoryInconsistent {
		score -= 30
	}
	if in.SellerUnidentified {
		score -= 50
	}
	if score < 0 {
		score = 0
	}
	return score, PenaltyBand(score)
}

// PenaltyBand names a penalty score range.
func PenaltyBand(score int) string {
	switch {
	case score >= 90:
		return "Consistente (validado)"
	case score >= 70:
		return "Consistente (sem validação)"
	case score >= 41:
		return "Inconclusivo"
	default:
		return "Inconsistente"
	}
}

// PenaltyFor derives the penalty flags from a verification's documents.
func PenaltyFor(d Documents, x CrossReferenceResult) PenaltyInput {
	in := PenaltyInput{
		InvoiceMissing:      d.Invoice == nil,
		SerialMismatch:      !x.SerialMatch,
		ServiceNoteMissing:  d.Guarantee == nil,
		HistoryInconsistent: !x.ModelMatch || !x.DateMatch,
	}
	if d.Invoice != nil && d.Invoice.Valid != nil {
		in.InvoiceInvalid = !*d.Invoice.Valid
	}
	return in
}
