package pipeline

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/clearledger/invoice-sentinel/internal/model"
)

func TestConfidence_NotAnInvoice(t *testing.T) {
	assert.True(t, Confidence(&model.ExtractionResult{IsInvoice: false}).IsZero())
	assert.True(t, Confidence(nil).IsZero())
}

func TestConfidence_CompleteConsistentExtraction(t *testing.T) {
	r := fullExtraction()
	r.Confidence = nil
	r.LineItems[0].LineTotal = str("100.00") // matches 2 x 50.00

	score := Confidence(r)
	assert.True(t, score.Equal(decimal.NewFromInt(100)), "got %s", score)
}

func TestConfidence_BareResultScoresLow(t *testing.T) {
	score := Confidence(&model.ExtractionResult{IsInvoice: true})
	// Only the no-line-items partial credit in the certainty component.
	assert.True(t, score.Equal(decimal.RequireFromString("4.5")), "got %s", score)
}

func TestConfidence_InconsistentLineTotalsScoreLower(t *testing.T) {
	consistent := fullExtraction()
	consistent.Confidence = nil
	consistent.LineItems[0].LineTotal = str("100.00")

	inconsistent := fullExtraction()
	inconsistent.Confidence = nil
	inconsistent.LineItems[0].LineTotal = str("90.00")

	assert.True(t, Confidence(inconsistent).LessThan(Confidence(consistent)))
}

func TestConfidence_ShortTaxIDsLoseQualityPoints(t *testing.T) {
	full := fullExtraction()
	full.Confidence = nil
	full.LineItems[0].LineTotal = str("100.00")

	short := fullExtraction()
	short.Confidence = nil
	short.LineItems[0].LineTotal = str("100.00")
	short.VendorTaxID = str("TAX-1")

	assert.True(t, Confidence(short).LessThan(Confidence(full)))
}

func TestConfidenceLevel(t *testing.T) {
	tests := []struct {
		score string
		level string
	}{
		{"95", "HIGH"},
		{"80", "HIGH"},
		{"79.9", "MEDIUM"},
		{"50", "MEDIUM"},
		{"49.9", "LOW"},
		{"0", "LOW"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.level, ConfidenceLevel(decimal.RequireFromString(tt.score)), "score %s", tt.score)
	}
}
