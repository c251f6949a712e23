package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearledger/invoice-sentinel/internal/compliance"
	"github.com/clearledger/invoice-sentinel/internal/model"
)

func storedInvoice() *model.Invoice {
	return &model.Invoice{
		ID:                 "inv-1",
		InvoiceNumber:      "INV-001",
		VendorName:         "Acme Supplies",
		VendorTaxID:        "29ABCDE1234F1Z5",
		GrandTotal:         decimal.NewNullDecimal(decimal.RequireFromString("118.00")),
		Currency:           "INR",
		ExtractionMethod:   model.ExtractionAutomated,
		Confidence:         decimal.RequireFromString("90"),
		Status:             model.ProcessingPending,
		VerificationStatus: model.VerificationPending,
		CreatedAt:          time.Now().UTC(),
	}
}

func TestProcess_CleanInvoice_CacheHit(t *testing.T) {
	store := &fakeStore{
		invoice:   storedInvoice(),
		taxRecord: &model.TaxIDRecord{TaxID: "29ABCDE1234F1Z5", LegalName: "Acme Supplies Pvt Ltd"},
	}
	linker := &fakeLinker{}
	p := NewProcessor(store, &fakeChecker{}, linker)

	require.NoError(t, p.Process(context.Background(), "inv-1"))

	assert.Equal(t, 1, store.replaceCalls, "flags are superseded even when empty")
	assert.Empty(t, store.replacedFlags)
	assert.Equal(t, model.ProcessingCleared, store.setStatus)
	assert.Equal(t, model.VerificationVerified, store.setVerification)
	assert.Empty(t, linker.linked)

	require.NotNil(t, store.savedScore)
	assert.Equal(t, "inv-1", store.savedScore.InvoiceID)
	assert.Equal(t, model.HealthHealthy, store.savedScore.Status)
}

func TestProcess_CacheMiss_LeavesPending(t *testing.T) {
	store := &fakeStore{invoice: storedInvoice()}
	p := NewProcessor(store, &fakeChecker{}, &fakeLinker{})

	require.NoError(t, p.Process(context.Background(), "inv-1"))

	assert.Equal(t, 1, store.cacheLookups)
	assert.Zero(t, store.verifyCalls, "a cache miss must not touch verification")
	require.NotNil(t, store.savedScore)
	// Unverified invoices carry the middling verification category.
	assert.True(t, store.savedScore.Verification.Equal(decimal.NewFromInt(50)),
		"got %s", store.savedScore.Verification)
}

func TestProcess_DuplicateShortCircuitsVerification(t *testing.T) {
	orig := storedInvoice()
	orig.ID = "inv-0"
	orig.VerificationStatus = model.VerificationVerified

	store := &fakeStore{invoice: storedInvoice()}
	checker := &fakeChecker{result: compliance.Result{
		Original: orig,
		Flags: []model.ComplianceFlag{{
			ID: "f-1", InvoiceID: "inv-1",
			Kind: model.FlagDuplicate, Severity: model.SeverityCritical,
			Description: "duplicate of inv-0",
		}},
	}}
	linker := &fakeLinker{}
	p := NewProcessor(store, checker, linker)

	require.NoError(t, p.Process(context.Background(), "inv-1"))

	require.Len(t, linker.linked, 1)
	assert.Equal(t, [2]string{"inv-1", "inv-0"}, linker.linked[0])
	assert.Zero(t, store.cacheLookups, "duplicates never reach the verification cache")
	assert.Equal(t, model.ProcessingFlagged, store.setStatus)
}

func TestProcess_FlagsDriveStatus(t *testing.T) {
	store := &fakeStore{invoice: storedInvoice()}
	checker := &fakeChecker{result: compliance.Result{
		Flags: []model.ComplianceFlag{{
			ID: "f-1", InvoiceID: "inv-1",
			Kind: model.FlagRateMismatch, Severity: model.SeverityWarning,
			Description: "declared 12% but code 8471 carries 18%",
		}},
	}}
	p := NewProcessor(store, checker, &fakeLinker{})

	require.NoError(t, p.Process(context.Background(), "inv-1"))

	assert.Equal(t, model.ProcessingFlagged, store.setStatus)
	require.NotNil(t, store.savedScore)
	assert.Len(t, store.replacedFlags, 1)
}

func TestProcess_InvoiceNotFound(t *testing.T) {
	p := NewProcessor(&fakeStore{}, &fakeChecker{}, &fakeLinker{})

	err := p.Process(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invoice not found")
}

func TestProcess_StoreErrorPropagates(t *testing.T) {
	store := &fakeStore{getInvoiceErr: errors.New("connection reset")}
	p := NewProcessor(store, &fakeChecker{}, &fakeLinker{})

	err := p.Process(context.Background(), "inv-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load invoice")
}

func TestProcess_CacheErrorPropagates(t *testing.T) {
	store := &fakeStore{invoice: storedInvoice(), cacheErr: errors.New("disk I/O error")}
	p := NewProcessor(store, &fakeChecker{}, &fakeLinker{})

	err := p.Process(context.Background(), "inv-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tax id cache lookup")
}
