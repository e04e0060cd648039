package domain

import (
	"strings"
	"time"
)

// DocumentKind names a verification document.
type DocumentKind string

const (
	DocumentWatchPhoto DocumentKind = "watch_photo"
	DocumentGuarantee  DocumentKind = "guarantee_card"
	DocumentInvoice    DocumentKind = "invoice"
)

// WatchPhotoAnalysis holds fields read from a photo of the watch.
// Empty strings mean the field could not be read.
type WatchPhotoAnalysis struct {
	Brand               string   `json:"brand,omitempty"`
	Model               string   `json:"model,omitempty"`
	Reference           string   `json:"reference_number,omitempty"`
	Serial              string   `json:"serial_number,omitempty"`
	ConditionNotes      string   `json:"condition_notes,omitempty"`
	AuthenticityMarkers []string `json:"authenticity_markers,omitempty"`
	VisibleDamage       []string `json:"visible_damage,omitempty"`
	Confidence          Score    `json:"confidence"`
}

// GuaranteeCardAnalysis holds fields read from the warranty card.
type GuaranteeCardAnalysis struct {
	Brand            string `json:"brand,omitempty"`
	Model            string `json:"model,omitempty"`
	Reference        string `json:"reference_number,omitempty"`
	Serial           string `json:"serial_number,omitempty"`
	PurchaseDate     string `json:"purchase_date,omitempty"`
	StoreName        string `json:"store_name,omitempty"`
	StoreLocation    string `json:"store_location,omitempty"`
	WarrantyDuration string `json:"warranty_duration,omitempty"`
	Confidence       Score  `json:"confidence"`
}

// InvoiceAnalysis holds fields read from the purchase invoice.
type InvoiceAnalysis struct {
	InvoiceNumber      string   `json:"invoice_number,omitempty"`
	InvoiceDate        string   `json:"invoice_date,omitempty"`
	StoreName          string   `json:"store_name,omitempty"`
	StoreCNPJ          string   `json:"store_cnpj,omitempty"`
	StoreAddress       string   `json:"store_address,omitempty"`
	ProductDescription string   `json:"product_description,omitempty"`
	Items              []string `json:"items,omitempty"`
	Reference          string   `json:"reference_number,omitempty"`
	Serial             string   `json:"serial_number,omitempty"`
	Amount             *Money   `json:"amount,omitempty"`
	Currency           string   `json:"currency,omitempty"`
	Country            string   `json:"country,omitempty"`
	Valid              *bool    `json:"valid,omitempty"`
	Confidence         Score    `json:"confidence"`
}

// VerificationStatus is the review outcome stored with a record.
type VerificationStatus string

const (
	VerificationApproved     VerificationStatus = "approved"
	VerificationRejected     VerificationStatus = "rejected"
	VerificationManualReview VerificationStatus = "manual_review"
)

// VerificationRecord is written once per completed verification.
type VerificationRecord struct {
	ID                 string             `json:"id"`
	TenantID           string             `json:"tenant_id"`
	CustomerPhone      string             `json:"customer_phone"`
	CustomerName       string             `json:"customer_name,omitempty"`
	CPFEncrypted       string             `json:"-"`
	CPFMasked          string             `json:"cpf_masked"`
	StatedModel        string             `json:"stated_model"`
	Brand              string             `json:"brand,omitempty"`
	Model              string             `json:"model,omitempty"`
	Reference          string             `json:"reference,omitempty"`
	Serial             string             `json:"serial,omitempty"`
	PhotoURL           string             `json:"photo_url"`
	GuaranteeURL       string             `json:"guarantee_url"`
	InvoiceURL         string             `json:"invoice_url"`
	AdditionalDocs     []string           `json:"additional_docs,omitempty"`
	DateMismatchReason string             `json:"date_mismatch_reason,omitempty"`
	ConsistencyScore   int                `json:"consistency_score"`
	PenaltyScore       int                `json:"penalty_score"`
	PenaltyBand        string             `json:"penalty_band"`
	RiskCategory       string             `json:"risk_category"`
	RiskLabel          string             `json:"risk_label"`
	RiskColor          string             `json:"risk_color"`
	RiskScore          int                `json:"risk_score"`
	Recommendation     string             `json:"recommendation"`
	CriticalIssues     []string           `json:"critical_issues,omitempty"`
	Warnings           []string           `json:"warnings,omitempty"`
	PassedChecks       []string           `json:"passed_checks,omitempty"`
	Status             VerificationStatus `json:"status"`
	Report             string             `json:"report,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
}

// ShortID is the customer-facing verification code.
func (r *VerificationRecord) ShortID() string {
	id := r.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return strings.ToUpper(id)
}
