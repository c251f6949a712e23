// Package pipeline turns extraction results into persisted invoices and runs
// the per-invoice compliance pass.
package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearledger/invoice-sentinel/internal/model"
	"github.com/clearledger/invoice-sentinel/internal/normalize"
	"github.com/clearledger/invoice-sentinel/internal/resilience"
)

// BuildInvoice validates an extraction result and materializes it as an
// Invoice plus line items, ready for persistence. Missing fields stay at
// their zero values so downstream checks can flag incomplete documents;
// malformed or negative numerics reject the document outright with a
// ValidationError.
func BuildInvoice(result *model.ExtractionResult, batchID string) (*model.Invoice, []model.LineItem, error) {
	if result == nil || !result.IsInvoice {
		reason := "document is not an invoice"
		if result != nil && result.FailureReason != "" {
			reason = result.FailureReason
		}
		return nil, nil, &resilience.ExtractionError{Reason: reason}
	}

	now := time.Now().UTC()
	inv := &model.Invoice{
		ID:                 uuid.NewString(),
		InvoiceNumber:      derefTrim(result.InvoiceID),
		VendorName:         derefTrim(result.VendorName),
		VendorTaxID:        derefTrim(result.VendorTaxID),
		BuyerTaxID:         derefTrim(result.BuyerTaxID),
		Currency:           derefTrim(result.Currency),
		ExtractionMethod:   model.ExtractionAutomated,
		Status:             model.ProcessingPending,
		VerificationStatus: model.VerificationPending,
		BatchID:            batchID,
		CreatedAt:          now,
	}

	var err error
	inv.GrandTotal, err = parseOptionalAmount("grand_total", result.GrandTotal)
	if err != nil {
		return nil, nil, err
	}

	if date := derefTrim(result.InvoiceDate); date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, nil, &resilience.ValidationError{
				Field:  "invoice_date",
				Reason: fmt.Sprintf("not a YYYY-MM-DD date: %q", date),
			}
		}
		inv.InvoiceDate = &parsed
	}

	if result.Confidence != nil {
		inv.Confidence = clampPercent(decimal.NewFromFloat(*result.Confidence))
	} else {
		inv.Confidence = Confidence(result)
	}

	items := make([]model.LineItem, 0, len(result.LineItems))
	for i, li := range result.LineItems {
		desc := derefTrim(li.Description)
		item := model.LineItem{
			ID:            uuid.NewString(),
			InvoiceID:     inv.ID,
			Description:   desc,
			NormalizedKey: normalize.Key(desc),
			TaxCode:       derefTrim(li.TaxCode),
			CreatedAt:     now,
		}
		fields := []struct {
			name string
			dst  *decimal.Decimal
			src  *string
		}{
			{"quantity", &item.Quantity, li.Quantity},
			{"unit_price", &item.UnitPrice, li.UnitPrice},
			{"declared_rate", &item.DeclaredRate, li.DeclaredRate},
		}
		for _, f := range fields {
			*f.dst, err = parseAmount(fmt.Sprintf("line_items[%d].%s", i, f.name), f.src)
			if err != nil {
				return nil, nil, err
			}
		}
		item.LineTotal, err = parseOptionalAmount(fmt.Sprintf("line_items[%d].line_total", i), li.LineTotal)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, item)
	}

	return inv, items, nil
}

// parseAmount parses a numeric field that defaults to zero when the
// extractor could not read it. Garbage or negatives are rejected.
func parseAmount(field string, raw *string) (decimal.Decimal, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(*raw))
	if err != nil {
		return decimal.Zero, &resilience.ValidationError{
			Field:  field,
			Reason: fmt.Sprintf("not a number: %q", *raw),
		}
	}
	if d.IsNegative() {
		return decimal.Zero, &resilience.ValidationError{
			Field:  field,
			Reason: fmt.Sprintf("negative amount: %s", d),
		}
	}
	return d, nil
}

// parseOptionalAmount is parseAmount for fields where absence must stay
// distinguishable from zero, such as declared totals. The arithmetic check
// only compares totals the document actually declared.
func parseOptionalAmount(field string, raw *string) (decimal.NullDecimal, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := parseAmount(field, raw)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}, nil
}

func derefTrim(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

func clampPercent(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	if d.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.NewFromInt(100)
	}
	return d
}
