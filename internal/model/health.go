package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// HealthStatus buckets an overall health score.
type HealthStatus string

const (
	HealthHealthy HealthStatus = "HEALTHY" // score >= 8.0
	HealthReview  HealthStatus = "REVIEW"  // 5.0 <= score < 8.0
	HealthAtRisk  HealthStatus = "AT_RISK" // score < 5.0
)

// HealthScore is the weighted 0-10 assessment of an invoice. One row per
// invoice; recomputation fully replaces the prior row.
type HealthScore struct {
	InvoiceID    string          `json:"invoice_id"`
	Overall      decimal.Decimal `json:"overall"` // 0.0-10.0, one decimal place
	Status       HealthStatus    `json:"status"`
	Completeness decimal.Decimal `json:"completeness"` // category sub-scores, 0-100
	Verification decimal.Decimal `json:"verification"`
	Compliance   decimal.Decimal `json:"compliance"`
	Fraud        decimal.Decimal `json:"fraud"`
	Confidence   decimal.Decimal `json:"confidence"`
	KeyFlags     []string        `json:"key_flags"`
	ComputedAt   time.Time       `json:"computed_at"`
}
