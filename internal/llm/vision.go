package llm

import (
	"fmt"
	"strings"

	"github.com/ashureev/watchdesk/internal/domain"
)

const photoPrompt = `You are a luxury watch expert. Analyze this watch photo and extract:

1. Brand (Rolex, Patek Philippe, Audemars Piguet, etc.)
2. Model (Submariner, Nautilus, Royal Oak, etc.)
3. Reference number (visible on dial, caseback, or between lugs)
4. Serial number (if visible on caseback or between lugs)
5. Condition notes (scratches, wear, polishing signs)
6. Authenticity markers (correct logo, fonts, dial details, crown guards)
7. Any visible damage or modifications

Return ONLY a JSON object with these fields (use null if not visible):
{
  "brand": "string or null",
  "model": "string or null",
  "reference_number": "string or null",
  "serial_number": "string or null",
  "condition_notes": "string or null",
  "authenticity_markers": ["marker1", "marker2"] or [],
  "visible_damage": ["damage1", "damage2"] or [],
  "confidence": 0-100
}

Be precise. If you cannot clearly read something, return null for that field.`

const guaranteePrompt = `You are a document verification expert for luxury watches. Analyze this watch guarantee card/warranty certificate and extract:

1. Brand
2. Model
3. Reference number
4. Serial number
5. Purchase date (format: YYYY-MM-DD)
6. Store name (authorized dealer)
7. Store location (city, country)
8. Warranty duration (e.g., "2 years", "5 years")

Return ONLY a JSON object:
{
  "brand": "string or null",
  "model": "string or null",
  "reference_number": "string or null",
  "serial_number": "string or null",
  "purchase_date": "YYYY-MM-DD or null",
  "store_name": "string or null",
  "store_location": "string or null",
  "warranty_duration": "string or null",
  "confidence": 0-100
}

Be precise with dates (convert to YYYY-MM-DD). If illegible, return null.`

const invoicePrompt = `You are a financial document verification expert. Analyze this invoice/Nota Fiscal and extract:

1. Invoice number
2. Invoice date (format: YYYY-MM-DD)
3. Store/Company name
4. CNPJ (Brazilian company ID, if present)
5. Store address
6. Product description (should mention watch brand/model)
7. Items purchased
8. Reference number (if mentioned in product description)
9. Serial number (if mentioned)
10. Total amount and currency (BRL, USD, EUR, etc.)
11. Country where the invoice was issued
12. Whether it appears to be a legitimate invoice

Return ONLY a JSON object:
{
  "invoice_number": "string or null",
  "invoice_date": "YYYY-MM-DD or null",
  "store_name": "string or null",
  "store_cnpj": "string or null",
  "store_address": "string or null",
  "product_description": "string or null",
  "items": ["item1", "item2"],
  "reference_number": "string or null",
  "serial_number": "string or null",
  "amount": number or null,
  "currency": "string or null",
  "country": "string or null",
  "valid": true/false,
  "confidence": 0-100
}

Be precise with dates and numbers. If illegible, return null.`

// VisionPrompt returns the extraction instructions for a document kind.
func VisionPrompt(kind domain.DocumentKind) (string, error) {
	switch kind {
	case domain.DocumentWatchPhoto:
		return photoPrompt, nil
	case domain.DocumentGuarantee:
		return guaranteePrompt, nil
	case domain.DocumentInvoice:
		return invoicePrompt, nil
	}
	return "", fmt.Errorf("unknown document kind %q", kind)
}

// DecodeAnalysis parses model output for kind. Null fields and the
// literal strings "null" or "unknown" come back as empty strings.
func DecodeAnalysis(kind domain.DocumentKind, text string) (*Analysis, error) {
	switch kind {
	case domain.DocumentWatchPhoto:
		var p domain.WatchPhotoAnalysis
		if err := DecodeJSON(text, &p); err != nil {
			return nil, err
		}
		for _, f := range []*string{&p.Brand, &p.Model, &p.Reference, &p.Serial, &p.ConditionNotes} {
			*f = clean(*f)
		}
		return &Analysis{Photo: &p}, nil
	case domain.DocumentGuarantee:
		var g domain.GuaranteeCardAnalysis
		if err := DecodeJSON(text, &g); err != nil {
			return nil, err
		}
		for _, f := range []*string{&g.Brand, &g.Model, &g.Reference, &g.Serial, &g.PurchaseDate, &g.StoreName, &g.StoreLocation, &g.WarrantyDuration} {
			*f = clean(*f)
		}
		return &Analysis{Guarantee: &g}, nil
	case domain.DocumentInvoice:
		var inv domain.InvoiceAnalysis
		if err := DecodeJSON(text, &inv); err != nil {
			return nil, err
		}
		for _, f := range []*string{&inv.InvoiceNumber, &inv.InvoiceDate, &inv.StoreName, &inv.StoreCNPJ, &inv.StoreAddress, &inv.ProductDescription, &inv.Reference, &inv.Serial, &inv.Currency, &inv.Country} {
			*f = clean(*f)
		}
		if inv.Amount != nil && *inv.Amount == 0 {
			inv.Amount = nil
		}
		return &Analysis{Invoice: &inv}, nil
	}
	return nil, fmt.Errorf("unknown document kind %q", kind)
}

func clean(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "null", "unknown", "n/a", "none":
		return ""
	}
	return s
}
