package pipeline

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearledger/invoice-sentinel/internal/model"
)

// Confidence estimates extraction confidence (0-100) from the shape of the
// result itself, for extractors that do not report one. Three weighted
// components: field completeness (40%), data quality (30%), and response
// certainty (30%).
func Confidence(r *model.ExtractionResult) decimal.Decimal {
	if r == nil || !r.IsInvoice {
		return decimal.Zero
	}
	score := completenessScore(r)*0.40 + qualityScore(r)*0.30 + certaintyScore(r)*0.30
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return decimal.NewFromFloat(score).Round(2)
}

// ConfidenceLevel buckets a confidence score for reporting.
func ConfidenceLevel(score decimal.Decimal) string {
	switch {
	case score.GreaterThanOrEqual(decimal.NewFromInt(80)):
		return "HIGH"
	case score.GreaterThanOrEqual(decimal.NewFromInt(50)):
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// completenessScore: required fields 60, important fields 30, line items 10.
func completenessScore(r *model.ExtractionResult) float64 {
	score := 0.0

	required := []*string{r.InvoiceID, r.VendorName, r.GrandTotal}
	present := 0
	for _, f := range required {
		if hasText(f) {
			present++
		}
	}
	score += float64(present) / float64(len(required)) * 60.0

	important := []*string{r.InvoiceDate, r.VendorTaxID, r.BuyerTaxID}
	present = 0
	for _, f := range important {
		if hasText(f) {
			present++
		}
	}
	score += float64(present) / float64(len(important)) * 30.0

	if len(r.LineItems) > 0 {
		complete := 0
		for _, li := range r.LineItems {
			if hasText(li.Description) && li.Quantity != nil && li.UnitPrice != nil {
				complete++
			}
		}
		score += float64(complete) / float64(len(r.LineItems)) * 10.0
	}

	return score
}

// qualityScore: tax-ID format 30, date format 20, numeric validity 30, tax
// codes 20. Registered tax IDs are 15 characters.
func qualityScore(r *model.ExtractionResult) float64 {
	score := 0.0

	if len(derefTrim(r.VendorTaxID)) == 15 {
		score += 15.0
	}
	if len(derefTrim(r.BuyerTaxID)) == 15 {
		score += 15.0
	}

	if hasText(r.InvoiceDate) {
		if _, err := time.Parse("2006-01-02", derefTrim(r.InvoiceDate)); err == nil {
			score += 20.0
		}
	}

	if validNumber(r.GrandTotal) {
		score += 15.0
	}
	if len(r.LineItems) > 0 {
		validItems := 0
		withCode := 0
		for _, li := range r.LineItems {
			if validNumber(li.Quantity) && validNumber(li.UnitPrice) && validNumber(li.LineTotal) {
				validItems++
			}
			if hasText(li.TaxCode) {
				withCode++
			}
		}
		score += float64(validItems) / float64(len(r.LineItems)) * 15.0
		score += float64(withCode) / float64(len(r.LineItems)) * 20.0
	}

	return score
}

// certaintyScore: critical fields non-null 40, internal consistency 30,
// vendor identification 30.
func certaintyScore(r *model.ExtractionResult) float64 {
	score := 0.0

	critical := []*string{r.InvoiceID, r.VendorName, r.GrandTotal, r.InvoiceDate}
	nonNull := 0
	for _, f := range critical {
		if f != nil {
			nonNull++
		}
	}
	score += float64(nonNull) / float64(len(critical)) * 40.0

	if len(r.LineItems) > 0 {
		consistent := 0.0
		for _, li := range r.LineItems {
			qty, okQ := parseFloat(li.Quantity)
			price, okP := parseFloat(li.UnitPrice)
			total, okT := parseFloat(li.LineTotal)
			if !okQ || !okP || !okT {
				continue
			}
			expected := qty * price
			base := expected
			if base < 0.01 {
				base = 0.01
			}
			if abs(expected-total)/base < 0.01 {
				consistent++
			} else {
				// Values exist but disagree; partial credit.
				consistent += 0.5
			}
		}
		score += consistent / float64(len(r.LineItems)) * 30.0
	} else {
		score += 15.0
	}

	vendor := []*string{r.VendorName, r.VendorTaxID}
	present := 0
	for _, f := range vendor {
		if hasText(f) {
			present++
		}
	}
	score += float64(present) / float64(len(vendor)) * 30.0

	return score
}

func hasText(p *string) bool {
	return p != nil && strings.TrimSpace(*p) != ""
}

func validNumber(p *string) bool {
	f, ok := parseFloat(p)
	return ok && f >= 0
}

func parseFloat(p *string) (float64, bool) {
	if p == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(*p), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
