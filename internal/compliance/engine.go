package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/clearledger/invoice-sentinel/internal/config"
	"github.com/clearledger/invoice-sentinel/internal/model"
	"github.com/clearledger/invoice-sentinel/internal/ratetable"
)

// arithmeticTolerance absorbs two-decimal rounding in declared totals.
var arithmeticTolerance = decimal.NewFromFloat(0.01)

// PriceHistory answers what a vendor historically charged for a normalized
// product key. Implementations must exclude the invoice under inspection.
type PriceHistory interface {
	HistoricalAverage(ctx context.Context, vendorTaxID, normalizedKey, excludeInvoiceID string) (avg decimal.Decimal, samples int, err error)
}

// DuplicateFinder locates the earliest existing invoice with the same
// (invoice number, vendor tax ID) pair, or nil when none exists.
type DuplicateFinder interface {
	FindOriginal(ctx context.Context, inv *model.Invoice) (*model.Invoice, error)
}

// Engine runs the four compliance checks over an invoice and its line items.
// Checks are independent: a failing check contributes no flags but never
// suppresses the others.
type Engine struct {
	rates      *ratetable.Table
	history    PriceHistory
	dups       DuplicateFinder
	deviation  decimal.Decimal
	minSamples int
}

// Result is the outcome of a full check run. Original is non-nil when the
// duplicate check matched, so the caller can hand off to duplicate linking.
type Result struct {
	Flags    []model.ComplianceFlag
	Original *model.Invoice
	// CheckErrors counts checks that failed to run at all.
	CheckErrors int
}

func NewEngine(rates *ratetable.Table, history PriceHistory, dups DuplicateFinder, cfg config.PipelineConfig) *Engine {
	return &Engine{
		rates:      rates,
		history:    history,
		dups:       dups,
		deviation:  decimal.NewFromFloat(cfg.OutlierDeviation),
		minSamples: cfg.MinPriceSamples,
	}
}

// RunAll executes every check and returns the union of their flags. No check
// short-circuits another; a check that errors is logged and skipped.
func (e *Engine) RunAll(ctx context.Context, inv *model.Invoice, items []model.LineItem) Result {
	var res Result

	orig, flags, err := e.checkDuplicate(ctx, inv)
	if err != nil {
		zap.L().Warn("compliance: duplicate check failed",
			zap.String("invoice_id", inv.ID), zap.Error(err))
		res.CheckErrors++
	} else {
		res.Original = orig
		res.Flags = append(res.Flags, flags...)
	}

	res.Flags = append(res.Flags, e.checkArithmetic(inv, items)...)
	res.Flags = append(res.Flags, e.checkTaxRates(inv, items)...)

	flags, err = e.checkPriceOutliers(ctx, inv, items)
	if err != nil {
		zap.L().Warn("compliance: price outlier check failed",
			zap.String("invoice_id", inv.ID), zap.Error(err))
		res.CheckErrors++
	} else {
		res.Flags = append(res.Flags, flags...)
	}

	return res
}

func (e *Engine) checkDuplicate(ctx context.Context, inv *model.Invoice) (*model.Invoice, []model.ComplianceFlag, error) {
	if inv.InvoiceNumber == "" || inv.VendorTaxID == "" {
		return nil, nil, nil
	}
	orig, err := e.dups.FindOriginal(ctx, inv)
	if err != nil {
		return nil, nil, err
	}
	if orig == nil {
		return nil, nil, nil
	}
	flag := newFlag(inv.ID, "", model.FlagDuplicate, model.SeverityCritical,
		fmt.Sprintf("invoice %s from vendor %s already submitted as %s",
			inv.InvoiceNumber, inv.VendorTaxID, orig.ID))
	return orig, []model.ComplianceFlag{flag}, nil
}

func (e *Engine) checkArithmetic(inv *model.Invoice, items []model.LineItem) []model.ComplianceFlag {
	var flags []model.ComplianceFlag
	hundred := decimal.NewFromInt(100)

	// Lines with no declared total contribute their computed total to the
	// sum and skip the per-line comparison; absence is a completeness
	// problem, not an arithmetic one.
	var sum decimal.Decimal
	for _, item := range items {
		expected := item.Quantity.Mul(item.UnitPrice).
			Mul(decimal.NewFromInt(1).Add(item.DeclaredRate.Div(hundred)))
		if !item.LineTotal.Valid {
			sum = sum.Add(expected)
			continue
		}
		sum = sum.Add(item.LineTotal.Decimal)
		if expected.Sub(item.LineTotal.Decimal).Abs().GreaterThan(arithmeticTolerance) {
			flags = append(flags, newFlag(inv.ID, item.ID,
				model.FlagArithmeticError, model.SeverityCritical,
				fmt.Sprintf("line total %s does not match computed %s (%s x %s at %s%%)",
					item.LineTotal.Decimal.StringFixed(2), expected.StringFixed(2),
					item.Quantity, item.UnitPrice, item.DeclaredRate)))
		}
	}

	if len(items) > 0 && inv.GrandTotal.Valid &&
		sum.Sub(inv.GrandTotal.Decimal).Abs().GreaterThan(arithmeticTolerance) {
		flags = append(flags, newFlag(inv.ID, "",
			model.FlagArithmeticError, model.SeverityCritical,
			fmt.Sprintf("grand total %s does not match sum of line totals %s",
				inv.GrandTotal.Decimal.StringFixed(2), sum.StringFixed(2))))
	}

	return flags
}

func (e *Engine) checkTaxRates(inv *model.Invoice, items []model.LineItem) []model.ComplianceFlag {
	var flags []model.ComplianceFlag
	for _, item := range items {
		code := ratetable.CleanCode(item.TaxCode)
		if code == "" {
			continue
		}
		entry, ok := e.rates.Lookup(code)
		if !ok {
			flags = append(flags, newFlag(inv.ID, item.ID,
				model.FlagUnknownCode, model.SeverityInfo,
				fmt.Sprintf("tax code %s not found in rate schedule", code)))
			continue
		}
		if !entry.Rate.Equal(item.DeclaredRate) {
			flags = append(flags, newFlag(inv.ID, item.ID,
				model.FlagRateMismatch, model.SeverityWarning,
				fmt.Sprintf("declared rate %s%% for code %s, official rate is %s%%",
					item.DeclaredRate, code, entry.Rate)))
		}
	}
	return flags
}

func (e *Engine) checkPriceOutliers(ctx context.Context, inv *model.Invoice, items []model.LineItem) ([]model.ComplianceFlag, error) {
	var flags []model.ComplianceFlag
	for _, item := range items {
		if item.NormalizedKey == "" || inv.VendorTaxID == "" {
			continue
		}
		avg, samples, err := e.history.HistoricalAverage(ctx, inv.VendorTaxID, item.NormalizedKey, inv.ID)
		if err != nil {
			return nil, err
		}
		if samples < e.minSamples || !avg.IsPositive() {
			continue
		}
		deviation := item.UnitPrice.Sub(avg).Abs().Div(avg)
		if deviation.GreaterThan(e.deviation) {
			flags = append(flags, newFlag(inv.ID, item.ID,
				model.FlagPriceAnomaly, model.SeverityWarning,
				fmt.Sprintf("unit price %s deviates %s%% from historical average %s (%d samples)",
					item.UnitPrice.StringFixed(2),
					deviation.Mul(decimal.NewFromInt(100)).StringFixed(1),
					avg.StringFixed(2), samples)))
		}
	}
	return flags, nil
}

func newFlag(invoiceID, lineItemID string, kind model.FlagKind, sev model.FlagSeverity, desc string) model.ComplianceFlag {
	return model.ComplianceFlag{
		ID:          uuid.NewString(),
		InvoiceID:   invoiceID,
		LineItemID:  lineItemID,
		Kind:        kind,
		Severity:    sev,
		Description: desc,
		CreatedAt:   time.Now().UTC(),
	}
}
