package model

// ExtractionResult is the wire contract of the external extraction service.
// Absent fields come back as null, never fabricated, so everything the
// service may omit is a pointer.
type ExtractionResult struct {
	IsInvoice     bool                 `json:"is_invoice"`
	InvoiceID     *string              `json:"invoice_id"`
	InvoiceDate   *string              `json:"invoice_date"` // YYYY-MM-DD
	VendorName    *string              `json:"vendor_name"`
	VendorTaxID   *string              `json:"vendor_tax_id"`
	BuyerTaxID    *string              `json:"buyer_tax_id"`
	Currency      *string              `json:"currency"`
	GrandTotal    *string              `json:"grand_total"`
	LineItems     []ExtractedLineItem  `json:"line_items"`
	Confidence    *float64             `json:"confidence"` // 0-100, when derivable
	FailureReason string               `json:"error,omitempty"`
}

// ExtractedLineItem is one extracted invoice line.
type ExtractedLineItem struct {
	Description  *string `json:"description"`
	TaxCode      *string `json:"tax_code"`
	Quantity     *string `json:"quantity"`
	UnitPrice    *string `json:"unit_price"`
	DeclaredRate *string `json:"declared_rate"`
	LineTotal    *string `json:"line_total"`
}
