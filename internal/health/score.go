// Package health computes the weighted 0-10 health assessment of an invoice
// from its compliance flags, verification state, and extraction confidence.
package health

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearledger/invoice-sentinel/internal/model"
)

// Category weights, in percent. They sum to 100.
var (
	weightCompleteness = decimal.NewFromInt(25)
	weightVerification = decimal.NewFromInt(30)
	weightCompliance   = decimal.NewFromInt(25)
	weightFraud        = decimal.NewFromInt(15)
	weightConfidence   = decimal.NewFromInt(5)
)

var (
	penaltyCritical = decimal.NewFromInt(40)
	penaltyWarning  = decimal.NewFromInt(15)
	penaltyFraud    = decimal.NewFromInt(50)

	hundred = decimal.NewFromInt(100)
	ten     = decimal.NewFromInt(10)
	fifty   = decimal.NewFromInt(50)
)

// Compute scores an invoice against its current flags. It is deterministic:
// the same invoice and flags always produce the same score, so recomputation
// after a pipeline re-run safely overwrites the stored row.
//
// Every category is clamped to [0, 100] before weighting, and every
// zero-denominator case resolves to a fixed default. The overall score is
// therefore always finite and within [0.0, 10.0].
func Compute(inv *model.Invoice, flags []model.ComplianceFlag) model.HealthScore {
	completeness := clampCategory(scoreCompleteness(inv))
	verification := clampCategory(scoreVerification(inv))
	compliance := clampCategory(scoreCompliance(flags))
	fraud := clampCategory(scoreFraud(flags))
	confidence := clampCategory(scoreConfidence(inv))

	weighted := completeness.Mul(weightCompleteness).
		Add(verification.Mul(weightVerification)).
		Add(compliance.Mul(weightCompliance)).
		Add(fraud.Mul(weightFraud)).
		Add(confidence.Mul(weightConfidence)).
		Div(hundred)

	overall := weighted.Div(ten).Round(1)
	if overall.IsNegative() {
		overall = decimal.Zero
	}
	if overall.GreaterThan(ten) {
		overall = ten
	}

	return model.HealthScore{
		InvoiceID:    inv.ID,
		Overall:      overall,
		Status:       statusFor(overall),
		Completeness: completeness,
		Verification: verification,
		Compliance:   compliance,
		Fraud:        fraud,
		Confidence:   confidence,
		KeyFlags: keyFlags(flags, map[string]decimal.Decimal{
			"data completeness":     completeness,
			"verification":          verification,
			"compliance":            compliance,
			"fraud risk":            fraud,
			"extraction confidence": confidence,
		}),
		ComputedAt: time.Now().UTC(),
	}
}

func statusFor(overall decimal.Decimal) model.HealthStatus {
	switch {
	case overall.GreaterThanOrEqual(decimal.NewFromInt(8)):
		return model.HealthHealthy
	case overall.GreaterThanOrEqual(decimal.NewFromInt(5)):
		return model.HealthReview
	default:
		return model.HealthAtRisk
	}
}

// scoreCompleteness is the fraction of required invoice fields present.
func scoreCompleteness(inv *model.Invoice) decimal.Decimal {
	present := 0
	checks := []bool{
		inv.InvoiceNumber != "",
		inv.InvoiceDate != nil,
		inv.VendorName != "",
		inv.VendorTaxID != "",
		inv.GrandTotal.Valid && inv.GrandTotal.Decimal.IsPositive(),
		inv.Currency != "",
	}
	for _, ok := range checks {
		if ok {
			present++
		}
	}
	if len(checks) == 0 {
		return hundred
	}
	return decimal.NewFromInt(int64(present)).Mul(hundred).
		Div(decimal.NewFromInt(int64(len(checks))))
}

func scoreVerification(inv *model.Invoice) decimal.Decimal {
	switch inv.VerificationStatus {
	case model.VerificationVerified:
		return hundred
	case model.VerificationFailed:
		return decimal.Zero
	default:
		return fifty
	}
}

func scoreCompliance(flags []model.ComplianceFlag) decimal.Decimal {
	score := hundred
	for _, f := range flags {
		switch f.Severity {
		case model.SeverityCritical:
			score = score.Sub(penaltyCritical)
		case model.SeverityWarning:
			score = score.Sub(penaltyWarning)
		}
	}
	return score
}

func scoreFraud(flags []model.ComplianceFlag) decimal.Decimal {
	score := hundred
	for _, f := range flags {
		if f.Kind == model.FlagDuplicate || f.Kind == model.FlagPriceAnomaly {
			score = score.Sub(penaltyFraud)
		}
	}
	return score
}

// scoreConfidence uses the extraction confidence directly; manual entry has
// no confidence, which counts as a fixed 50.
func scoreConfidence(inv *model.Invoice) decimal.Decimal {
	if inv.ExtractionMethod == model.ExtractionManual {
		return fifty
	}
	return inv.Confidence
}

func clampCategory(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	if v.GreaterThan(hundred) {
		return hundred
	}
	return v
}

// keyFlags concatenates flag descriptions with a synthesized note for any
// category scoring below 50. Iteration order over categories is fixed so the
// output is stable across recomputations.
func keyFlags(flags []model.ComplianceFlag, categories map[string]decimal.Decimal) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		out = append(out, f.Description)
	}
	for _, name := range []string{"data completeness", "verification", "compliance", "fraud risk", "extraction confidence"} {
		if categories[name].LessThan(fifty) {
			out = append(out, fmt.Sprintf("low %s score (%s)", name, categories[name].StringFixed(0)))
		}
	}
	return out
}
