package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProcessingStatus represents the compliance-pipeline state of an invoice.
type ProcessingStatus string

const (
	ProcessingPending ProcessingStatus = "PENDING"
	ProcessingCleared ProcessingStatus = "CLEARED"
	ProcessingFlagged ProcessingStatus = "FLAGGED"
	// ProcessingFailed marks an invoice whose job exhausted all retries.
	ProcessingFailed ProcessingStatus = "FAILED"
)

// VerificationStatus represents the tax-ID verification state of an invoice.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "PENDING"
	VerificationVerified VerificationStatus = "VERIFIED"
	VerificationFailed   VerificationStatus = "FAILED"
)

// ExtractionMethod records how an invoice's data entered the system.
type ExtractionMethod string

const (
	ExtractionAutomated ExtractionMethod = "AUTOMATED"
	ExtractionManual    ExtractionMethod = "MANUAL"
)

// Invoice is a single submitted invoice. Invoices are never deleted, only
// superseded by new submissions; processing and verification status are the
// only mutable fields after ingestion.
type Invoice struct {
	ID                 string              `json:"id"`
	InvoiceNumber      string              `json:"invoice_number"` // declared number on the document
	InvoiceDate        *time.Time          `json:"invoice_date,omitempty"`
	VendorName         string              `json:"vendor_name"`
	VendorTaxID        string              `json:"vendor_tax_id"`
	BuyerTaxID         string              `json:"buyer_tax_id"`
	GrandTotal         decimal.NullDecimal `json:"grand_total"` // null when extraction produced none
	Currency           string              `json:"currency"`
	ExtractionMethod   ExtractionMethod    `json:"extraction_method"`
	Confidence         decimal.Decimal     `json:"confidence"` // 0-100
	Status             ProcessingStatus    `json:"status"`
	VerificationStatus VerificationStatus  `json:"verification_status"`
	BatchID            string              `json:"batch_id,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
}

// LineItem is one line of an invoice. Immutable once persisted; historical
// line items feed the price-outlier check for future invoices from the same
// vendor.
type LineItem struct {
	ID            string              `json:"id"`
	InvoiceID     string              `json:"invoice_id"`
	Description   string              `json:"description"`
	NormalizedKey string              `json:"normalized_key"`
	TaxCode       string              `json:"tax_code"`
	Quantity      decimal.Decimal     `json:"quantity"`
	UnitPrice     decimal.Decimal     `json:"unit_price"`
	DeclaredRate  decimal.Decimal     `json:"declared_rate"` // percent
	LineTotal     decimal.NullDecimal `json:"line_total"`    // null when extraction produced none
	CreatedAt     time.Time           `json:"created_at"`
}

// FlagKind identifies the compliance check that raised a flag.
type FlagKind string

const (
	FlagDuplicate       FlagKind = "DUPLICATE"
	FlagArithmeticError FlagKind = "ARITHMETIC_ERROR"
	FlagRateMismatch    FlagKind = "RATE_MISMATCH"
	FlagUnknownCode     FlagKind = "UNKNOWN_CODE"
	FlagPriceAnomaly    FlagKind = "PRICE_ANOMALY"
)

// FlagSeverity grades a compliance flag.
type FlagSeverity string

const (
	SeverityCritical FlagSeverity = "CRITICAL"
	SeverityWarning  FlagSeverity = "WARNING"
	SeverityInfo     FlagSeverity = "INFO"
)

// ComplianceFlag is one finding raised against an invoice (optionally a
// specific line item). Append-only within a pipeline run; a re-run
// supersedes the previous run's flags wholesale.
type ComplianceFlag struct {
	ID          string       `json:"id"`
	InvoiceID   string       `json:"invoice_id"`
	LineItemID  string       `json:"line_item_id,omitempty"`
	Kind        FlagKind     `json:"kind"`
	Severity    FlagSeverity `json:"severity"`
	Description string       `json:"description"`
	CreatedAt   time.Time    `json:"created_at"`
}

// DuplicateLink ties a duplicate invoice to the earliest submission with the
// same (invoice number, vendor tax ID) pair.
type DuplicateLink struct {
	DuplicateID string    `json:"duplicate_id"`
	OriginalID  string    `json:"original_id"`
	DetectedAt  time.Time `json:"detected_at"`
}

// DeriveProcessingStatus maps a completed check run to the invoice status:
// any CRITICAL or WARNING flag means FLAGGED, otherwise CLEARED.
func DeriveProcessingStatus(flags []ComplianceFlag) ProcessingStatus {
	for _, f := range flags {
		if f.Severity == SeverityCritical || f.Severity == SeverityWarning {
			return ProcessingFlagged
		}
	}
	return ProcessingCleared
}
