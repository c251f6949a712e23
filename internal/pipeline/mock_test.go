package pipeline

import (
	"context"

	"github.com/clearledger/invoice-sentinel/internal/compliance"
	"github.com/clearledger/invoice-sentinel/internal/model"
)

type fakeStore struct {
	invoice   *model.Invoice
	items     []model.LineItem
	taxRecord *model.TaxIDRecord

	getInvoiceErr error
	cacheErr      error

	replacedFlags   []model.ComplianceFlag
	replaceCalls    int
	setStatus       model.ProcessingStatus
	setVerification model.VerificationStatus
	verifyCalls     int
	cacheLookups    int
	savedScore      *model.HealthScore
}

func (f *fakeStore) GetInvoice(_ context.Context, id string) (*model.Invoice, error) {
	if f.getInvoiceErr != nil {
		return nil, f.getInvoiceErr
	}
	if f.invoice == nil || f.invoice.ID != id {
		return nil, nil
	}
	cp := *f.invoice
	return &cp, nil
}

func (f *fakeStore) GetLineItems(_ context.Context, _ string) ([]model.LineItem, error) {
	return f.items, nil
}

func (f *fakeStore) ReplaceComplianceFlags(_ context.Context, _ string, flags []model.ComplianceFlag) error {
	f.replaceCalls++
	f.replacedFlags = flags
	return nil
}

func (f *fakeStore) SetInvoiceStatus(_ context.Context, _ string, status model.ProcessingStatus) error {
	f.setStatus = status
	return nil
}

func (f *fakeStore) SetInvoiceVerification(_ context.Context, _ string, status model.VerificationStatus) error {
	f.verifyCalls++
	f.setVerification = status
	return nil
}

func (f *fakeStore) UpsertHealthScore(_ context.Context, score *model.HealthScore) error {
	f.savedScore = score
	return nil
}

func (f *fakeStore) GetTaxIDRecord(_ context.Context, _ string) (*model.TaxIDRecord, error) {
	f.cacheLookups++
	if f.cacheErr != nil {
		return nil, f.cacheErr
	}
	return f.taxRecord, nil
}

type fakeChecker struct {
	result compliance.Result
}

func (f *fakeChecker) RunAll(_ context.Context, _ *model.Invoice, _ []model.LineItem) compliance.Result {
	return f.result
}

type fakeLinker struct {
	linked [][2]string // [duplicate, original]
	err    error
}

func (f *fakeLinker) Link(_ context.Context, dup, orig *model.Invoice) error {
	if f.err != nil {
		return f.err
	}
	f.linked = append(f.linked, [2]string{dup.ID, orig.ID})
	dup.VerificationStatus = orig.VerificationStatus
	return nil
}
