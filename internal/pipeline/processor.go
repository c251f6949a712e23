package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clearledger/invoice-sentinel/internal/compliance"
	"github.com/clearledger/invoice-sentinel/internal/health"
	"github.com/clearledger/invoice-sentinel/internal/model"
)

// Store is the persistence surface the processor needs.
type Store interface {
	GetInvoice(ctx context.Context, id string) (*model.Invoice, error)
	GetLineItems(ctx context.Context, invoiceID string) ([]model.LineItem, error)
	ReplaceComplianceFlags(ctx context.Context, invoiceID string, flags []model.ComplianceFlag) error
	SetInvoiceStatus(ctx context.Context, id string, status model.ProcessingStatus) error
	SetInvoiceVerification(ctx context.Context, id string, status model.VerificationStatus) error
	UpsertHealthScore(ctx context.Context, score *model.HealthScore) error
	GetTaxIDRecord(ctx context.Context, taxID string) (*model.TaxIDRecord, error)
}

// Checker runs the compliance checks against one invoice.
type Checker interface {
	RunAll(ctx context.Context, inv *model.Invoice, items []model.LineItem) compliance.Result
}

// Linker records a duplicate invoice against its original.
type Linker interface {
	Link(ctx context.Context, dup, orig *model.Invoice) error
}

// Processor runs the full per-invoice pass. Process is idempotent: a re-run
// supersedes the previous run's flags and recomputes status, verification,
// and health from scratch.
type Processor struct {
	store  Store
	checks Checker
	linker Linker
}

func NewProcessor(store Store, checks Checker, linker Linker) *Processor {
	return &Processor{store: store, checks: checks, linker: linker}
}

// Process runs compliance checks, duplicate linking, the verification cache
// lookup, and the health score for one stored invoice. The health score is
// computed last, after every check has settled, so it always reflects the
// final flag set and verification state.
func (p *Processor) Process(ctx context.Context, invoiceID string) error {
	inv, err := p.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: load invoice %s", invoiceID)
	}
	if inv == nil {
		return eris.Errorf("pipeline: invoice not found: %s", invoiceID)
	}
	items, err := p.store.GetLineItems(ctx, invoiceID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: load line items %s", invoiceID)
	}

	res := p.checks.RunAll(ctx, inv, items)
	if res.CheckErrors > 0 {
		zap.L().Warn("some compliance checks did not complete",
			zap.String("invoice_id", inv.ID),
			zap.Int("failed_checks", res.CheckErrors))
	}

	if err := p.store.ReplaceComplianceFlags(ctx, inv.ID, res.Flags); err != nil {
		return eris.Wrapf(err, "pipeline: persist flags %s", invoiceID)
	}

	if res.Original != nil {
		// Duplicates inherit the original's verification; no portal
		// round-trip for an invoice that should not have been submitted.
		if err := p.linker.Link(ctx, inv, res.Original); err != nil {
			return eris.Wrapf(err, "pipeline: link duplicate %s", invoiceID)
		}
	} else if inv.VerificationStatus == model.VerificationPending && inv.VendorTaxID != "" {
		rec, err := p.store.GetTaxIDRecord(ctx, inv.VendorTaxID)
		if err != nil {
			return eris.Wrapf(err, "pipeline: tax id cache lookup %s", invoiceID)
		}
		if rec != nil {
			if err := p.store.SetInvoiceVerification(ctx, inv.ID, model.VerificationVerified); err != nil {
				return eris.Wrapf(err, "pipeline: mark verified %s", invoiceID)
			}
			inv.VerificationStatus = model.VerificationVerified
		}
		// Cache miss leaves the invoice PENDING for the manual
		// challenge flow.
	}

	status := model.DeriveProcessingStatus(res.Flags)
	if err := p.store.SetInvoiceStatus(ctx, inv.ID, status); err != nil {
		return eris.Wrapf(err, "pipeline: set status %s", invoiceID)
	}
	inv.Status = status

	score := health.Compute(inv, res.Flags)
	if err := p.store.UpsertHealthScore(ctx, &score); err != nil {
		return eris.Wrapf(err, "pipeline: persist health score %s", invoiceID)
	}

	zap.L().Info("invoice processed",
		zap.String("invoice_id", inv.ID),
		zap.String("status", string(status)),
		zap.String("verification", string(inv.VerificationStatus)),
		zap.String("health", score.Overall.String()),
		zap.Int("flags", len(res.Flags)))
	return nil
}
