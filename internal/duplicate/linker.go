// Package duplicate links resubmitted invoices to their original and carries
// verification state across so the pipeline never re-verifies a known tax ID
// for a duplicate.
package duplicate

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clearledger/invoice-sentinel/internal/model"
)

// Store is the persistence the linker needs.
type Store interface {
	// FindEarliestInvoice returns the oldest invoice with the given
	// (invoice number, vendor tax ID) pair created before the given
	// instant, excluding excludeID, or nil.
	FindEarliestInvoice(ctx context.Context, vendorTaxID, invoiceNumber, excludeID string, before time.Time) (*model.Invoice, error)
	GetDuplicateLink(ctx context.Context, duplicateID string) (*model.DuplicateLink, error)
	CreateDuplicateLink(ctx context.Context, link *model.DuplicateLink) error
	SetInvoiceVerification(ctx context.Context, invoiceID string, status model.VerificationStatus) error
}

// Linker detects and records duplicate submissions.
type Linker struct {
	store Store
}

func NewLinker(store Store) *Linker {
	return &Linker{store: store}
}

// FindOriginal returns the earliest-created invoice sharing the submission's
// (invoice number, vendor tax ID) pair, or nil when the submission is first.
// Only invoices created before this one count: later submissions in the same
// batch are duplicates of it, not the other way around.
func (l *Linker) FindOriginal(ctx context.Context, inv *model.Invoice) (*model.Invoice, error) {
	if inv.InvoiceNumber == "" || inv.VendorTaxID == "" {
		return nil, nil
	}
	orig, err := l.store.FindEarliestInvoice(ctx, inv.VendorTaxID, inv.InvoiceNumber, inv.ID, inv.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "duplicate: find original")
	}
	return orig, nil
}

// Link records dup as a duplicate of orig and copies the original's
// verification status onto the duplicate. The original is never mutated.
// Linking is idempotent and an invoice can never be linked to itself.
func (l *Linker) Link(ctx context.Context, dup, orig *model.Invoice) error {
	if dup.ID == orig.ID {
		return nil
	}
	existing, err := l.store.GetDuplicateLink(ctx, dup.ID)
	if err != nil {
		return eris.Wrap(err, "duplicate: check existing link")
	}
	if existing != nil {
		return nil
	}

	link := &model.DuplicateLink{
		DuplicateID: dup.ID,
		OriginalID:  orig.ID,
		DetectedAt:  time.Now().UTC(),
	}
	if err := l.store.CreateDuplicateLink(ctx, link); err != nil {
		return eris.Wrap(err, "duplicate: create link")
	}

	if orig.VerificationStatus != dup.VerificationStatus {
		if err := l.store.SetInvoiceVerification(ctx, dup.ID, orig.VerificationStatus); err != nil {
			return eris.Wrap(err, "duplicate: copy verification status")
		}
		dup.VerificationStatus = orig.VerificationStatus
	}

	zap.L().Info("linked duplicate invoice",
		zap.String("duplicate_id", dup.ID),
		zap.String("original_id", orig.ID),
		zap.String("verification_status", string(orig.VerificationStatus)))
	return nil
}

// IsLinked reports whether an invoice already has a duplicate link. The
// pipeline uses this to skip fresh tax-ID verification for duplicates.
func (l *Linker) IsLinked(ctx context.Context, invoiceID string) (bool, error) {
	link, err := l.store.GetDuplicateLink(ctx, invoiceID)
	if err != nil {
		return false, eris.Wrap(err, "duplicate: get link")
	}
	return link != nil, nil
}
