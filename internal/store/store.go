// Package store persists invoices, compliance results, and batch state. Two
// implementations exist: SQLite for single-node deployments and Postgres for
// shared ones.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearledger/invoice-sentinel/internal/model"
)

// InvoiceFilter specifies criteria for listing invoices.
type InvoiceFilter struct {
	Status      model.ProcessingStatus `json:"status,omitempty"`
	VendorTaxID string                 `json:"vendor_tax_id,omitempty"`
	BatchID     string                 `json:"batch_id,omitempty"`
	Limit       int                    `json:"limit,omitempty"`
	Offset      int                    `json:"offset,omitempty"`
}

// Store defines the persistence interface for the compliance pipeline.
type Store interface {
	// Invoices
	CreateInvoice(ctx context.Context, inv *model.Invoice, items []model.LineItem) error
	GetInvoice(ctx context.Context, id string) (*model.Invoice, error)
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]model.Invoice, error)
	GetLineItems(ctx context.Context, invoiceID string) ([]model.LineItem, error)
	SetInvoiceStatus(ctx context.Context, id string, status model.ProcessingStatus) error
	SetInvoiceVerification(ctx context.Context, id string, status model.VerificationStatus) error
	SetVerificationByTaxID(ctx context.Context, taxID string, status model.VerificationStatus) error

	// Duplicate detection and historical pricing. FindEarliestInvoice only
	// considers invoices created strictly before the given instant (id as a
	// tie-break), so an invoice never matches later submissions in its own
	// batch.
	FindEarliestInvoice(ctx context.Context, vendorTaxID, invoiceNumber, excludeID string, before time.Time) (*model.Invoice, error)
	HistoricalAverage(ctx context.Context, vendorTaxID, normalizedKey, excludeInvoiceID string) (decimal.Decimal, int, error)

	// Compliance flags. Replace deletes the invoice's prior flags and
	// inserts the new set in one transaction, so a pipeline re-run never
	// double-counts.
	ReplaceComplianceFlags(ctx context.Context, invoiceID string, flags []model.ComplianceFlag) error
	GetComplianceFlags(ctx context.Context, invoiceID string) ([]model.ComplianceFlag, error)

	// Duplicate links
	GetDuplicateLink(ctx context.Context, duplicateID string) (*model.DuplicateLink, error)
	CreateDuplicateLink(ctx context.Context, link *model.DuplicateLink) error
	ListDuplicatesOf(ctx context.Context, originalID string) ([]model.DuplicateLink, error)

	// Health scores
	UpsertHealthScore(ctx context.Context, score *model.HealthScore) error
	GetHealthScore(ctx context.Context, invoiceID string) (*model.HealthScore, error)

	// Tax-ID verification cache
	GetTaxIDRecord(ctx context.Context, taxID string) (*model.TaxIDRecord, error)
	UpsertTaxIDRecord(ctx context.Context, rec *model.TaxIDRecord) error

	// Batches. The increments are single atomic statements that also
	// derive the terminal status, so concurrent completions never lose a
	// count or observe a stale status.
	CreateBatch(ctx context.Context, batch *model.InvoiceBatch) error
	GetBatch(ctx context.Context, id string) (*model.InvoiceBatch, error)
	IncrementBatchProcessed(ctx context.Context, id string) (*model.InvoiceBatch, error)
	IncrementBatchFailed(ctx context.Context, id string) (*model.InvoiceBatch, error)

	// Job queue. ClaimJob hands each pending job to exactly one worker;
	// running jobs whose claim lease expired become claimable again.
	// ReleaseJob returns an interrupted job to pending without burning an
	// attempt.
	EnqueueJob(ctx context.Context, job *model.ProcessingJob) error
	ClaimJob(ctx context.Context) (*model.ProcessingJob, error)
	CompleteJob(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, jobID string, attempts int, lastError string) error
	ReleaseJob(ctx context.Context, jobID string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
