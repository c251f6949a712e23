package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearledger/invoice-sentinel/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func ndec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(dec(s))
}

func testInvoice(created time.Time) (*model.Invoice, []model.LineItem) {
	id := uuid.NewString()
	date := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	inv := &model.Invoice{
		ID:                 id,
		InvoiceNumber:      "INV-001",
		InvoiceDate:        &date,
		VendorName:         "Acme Supplies",
		VendorTaxID:        "29ABCDE1234F1Z5",
		BuyerTaxID:         "27FGHIJ5678K2Z3",
		GrandTotal:         ndec("59.00"),
		Currency:           "INR",
		ExtractionMethod:   model.ExtractionAutomated,
		Confidence:         dec("92.5"),
		Status:             model.ProcessingPending,
		VerificationStatus: model.VerificationPending,
		CreatedAt:          created,
	}
	items := []model.LineItem{{
		ID:            uuid.NewString(),
		InvoiceID:     id,
		Description:   "Industrial Widget",
		NormalizedKey: "industrial widget",
		TaxCode:       "8471",
		Quantity:      dec("10"),
		UnitPrice:     dec("5.00"),
		DeclaredRate:  dec("18"),
		LineTotal:     ndec("59.00"),
		CreatedAt:     created,
	}}
	return inv, items
}

func TestInvoiceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inv, items := testInvoice(time.Now().UTC().Truncate(time.Second))
	require.NoError(t, s.CreateInvoice(ctx, inv, items))

	got, err := s.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, inv.InvoiceNumber, got.InvoiceNumber)
	assert.Equal(t, inv.VendorTaxID, got.VendorTaxID)
	require.True(t, got.GrandTotal.Valid)
	assert.True(t, got.GrandTotal.Decimal.Equal(dec("59.00")))
	assert.True(t, got.Confidence.Equal(dec("92.5")))
	require.NotNil(t, got.InvoiceDate)
	assert.Equal(t, 2026, got.InvoiceDate.Year())

	gotItems, err := s.GetLineItems(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, gotItems, 1)
	assert.Equal(t, "industrial widget", gotItems[0].NormalizedKey)
	assert.True(t, gotItems[0].UnitPrice.Equal(dec("5.00")))
}

func TestInvoiceRoundTrip_NullTotals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inv, items := testInvoice(time.Now().UTC())
	inv.GrandTotal = decimal.NullDecimal{}
	items[0].LineTotal = decimal.NullDecimal{}
	require.NoError(t, s.CreateInvoice(ctx, inv, items))

	got, err := s.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.False(t, got.GrandTotal.Valid, "absent totals survive the round trip as null")

	gotItems, err := s.GetLineItems(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, gotItems, 1)
	assert.False(t, gotItems[0].LineTotal.Valid)
}

func TestGetInvoice_Missing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetInvoice(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListInvoices_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, itemsA := testInvoice(time.Now().UTC())
	a.Status = model.ProcessingFlagged
	require.NoError(t, s.CreateInvoice(ctx, a, itemsA))

	b, itemsB := testInvoice(time.Now().UTC())
	b.InvoiceNumber = "INV-002"
	b.Status = model.ProcessingCleared
	require.NoError(t, s.CreateInvoice(ctx, b, itemsB))

	flagged, err := s.ListInvoices(ctx, InvoiceFilter{Status: model.ProcessingFlagged})
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, a.ID, flagged[0].ID)

	all, err := s.ListInvoices(ctx, InvoiceFilter{VendorTaxID: "29ABCDE1234F1Z5"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSetStatuses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inv, items := testInvoice(time.Now().UTC())
	require.NoError(t, s.CreateInvoice(ctx, inv, items))

	require.NoError(t, s.SetInvoiceStatus(ctx, inv.ID, model.ProcessingFlagged))
	require.NoError(t, s.SetInvoiceVerification(ctx, inv.ID, model.VerificationVerified))

	got, err := s.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessingFlagged, got.Status)
	assert.Equal(t, model.VerificationVerified, got.VerificationStatus)

	assert.Error(t, s.SetInvoiceStatus(ctx, "missing", model.ProcessingCleared))
}

func TestSetVerificationByTaxID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, itemsA := testInvoice(time.Now().UTC())
	require.NoError(t, s.CreateInvoice(ctx, a, itemsA))
	b, itemsB := testInvoice(time.Now().UTC())
	b.InvoiceNumber = "INV-002"
	require.NoError(t, s.CreateInvoice(ctx, b, itemsB))

	require.NoError(t, s.SetVerificationByTaxID(ctx, "29ABCDE1234F1Z5", model.VerificationVerified))

	for _, id := range []string{a.ID, b.ID} {
		got, err := s.GetInvoice(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.VerificationVerified, got.VerificationStatus)
	}
}

func TestFindEarliestInvoice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	later, itemsL := testInvoice(base.Add(time.Hour))
	require.NoError(t, s.CreateInvoice(ctx, later, itemsL))
	earlier, itemsE := testInvoice(base)
	require.NoError(t, s.CreateInvoice(ctx, earlier, itemsE))

	got, err := s.FindEarliestInvoice(ctx, "29ABCDE1234F1Z5", "INV-001", "other", base.Add(2*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, earlier.ID, got.ID)

	got, err = s.FindEarliestInvoice(ctx, "29ABCDE1234F1Z5", "INV-001", later.ID, later.CreatedAt)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, earlier.ID, got.ID)

	got, err = s.FindEarliestInvoice(ctx, "29ABCDE1234F1Z5", "INV-999", "x", base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFindEarliestInvoice_OnlyEarlierCreated(t *testing.T) {
	// A whole batch lands in the invoices table before any job runs. The
	// batch's first invoice must come up clean; the second must resolve to
	// the first.
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first, itemsA := testInvoice(base)
	require.NoError(t, s.CreateInvoice(ctx, first, itemsA))
	second, itemsB := testInvoice(base.Add(time.Second))
	require.NoError(t, s.CreateInvoice(ctx, second, itemsB))

	got, err := s.FindEarliestInvoice(ctx, "29ABCDE1234F1Z5", "INV-001", first.ID, first.CreatedAt)
	require.NoError(t, err)
	assert.Nil(t, got, "first submission has no original")

	got, err = s.FindEarliestInvoice(ctx, "29ABCDE1234F1Z5", "INV-001", second.ID, second.CreatedAt)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
}

func TestHistoricalAverage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	prices := []string{"100", "100", "102"}
	for _, p := range prices {
		inv, items := testInvoice(time.Now().UTC())
		inv.InvoiceNumber = uuid.NewString()
		items[0].UnitPrice = dec(p)
		require.NoError(t, s.CreateInvoice(ctx, inv, items))
	}

	avg, n, err := s.HistoricalAverage(ctx, "29ABCDE1234F1Z5", "industrial widget", "new-invoice")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, avg.Sub(dec("100.6666")).Abs().LessThan(dec("0.001")), "avg was %s", avg)

	// The invoice under inspection is excluded from its own history.
	exclude, itemsX := testInvoice(time.Now().UTC())
	exclude.InvoiceNumber = uuid.NewString()
	itemsX[0].UnitPrice = dec("500")
	require.NoError(t, s.CreateInvoice(ctx, exclude, itemsX))

	avg2, n2, err := s.HistoricalAverage(ctx, "29ABCDE1234F1Z5", "industrial widget", exclude.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n2)
	assert.True(t, avg2.Equal(avg))

	_, n3, err := s.HistoricalAverage(ctx, "29ABCDE1234F1Z5", "unknown key", "x")
	require.NoError(t, err)
	assert.Zero(t, n3)
}

func TestReplaceComplianceFlags_Supersedes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inv, items := testInvoice(time.Now().UTC())
	require.NoError(t, s.CreateInvoice(ctx, inv, items))

	first := []model.ComplianceFlag{
		{ID: uuid.NewString(), InvoiceID: inv.ID, Kind: model.FlagArithmeticError,
			Severity: model.SeverityCritical, Description: "old run", CreatedAt: time.Now().UTC()},
		{ID: uuid.NewString(), InvoiceID: inv.ID, Kind: model.FlagUnknownCode,
			Severity: model.SeverityInfo, Description: "old run 2", CreatedAt: time.Now().UTC()},
	}
	require.NoError(t, s.ReplaceComplianceFlags(ctx, inv.ID, first))

	second := []model.ComplianceFlag{
		{ID: uuid.NewString(), InvoiceID: inv.ID, LineItemID: items[0].ID,
			Kind: model.FlagRateMismatch, Severity: model.SeverityWarning,
			Description: "new run", CreatedAt: time.Now().UTC()},
	}
	require.NoError(t, s.ReplaceComplianceFlags(ctx, inv.ID, second))

	got, err := s.GetComplianceFlags(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, got, 1, "re-run supersedes prior flags")
	assert.Equal(t, model.FlagRateMismatch, got[0].Kind)
	assert.Equal(t, items[0].ID, got[0].LineItemID)

	require.NoError(t, s.ReplaceComplianceFlags(ctx, inv.ID, nil))
	got, err = s.GetComplianceFlags(ctx, inv.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDuplicateLinks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orig, itemsO := testInvoice(time.Now().UTC())
	require.NoError(t, s.CreateInvoice(ctx, orig, itemsO))
	dup, itemsD := testInvoice(time.Now().UTC())
	require.NoError(t, s.CreateInvoice(ctx, dup, itemsD))

	link := &model.DuplicateLink{
		DuplicateID: dup.ID, OriginalID: orig.ID,
		DetectedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.CreateDuplicateLink(ctx, link))
	require.NoError(t, s.CreateDuplicateLink(ctx, link), "re-insert is a no-op")

	got, err := s.GetDuplicateLink(ctx, dup.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, orig.ID, got.OriginalID)

	none, err := s.GetDuplicateLink(ctx, orig.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	list, err := s.ListDuplicatesOf(ctx, orig.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, dup.ID, list[0].DuplicateID)
}

func TestHealthScoreUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inv, items := testInvoice(time.Now().UTC())
	require.NoError(t, s.CreateInvoice(ctx, inv, items))

	score := &model.HealthScore{
		InvoiceID: inv.ID, Overall: dec("6.3"), Status: model.HealthReview,
		Completeness: dec("100"), Verification: dec("50"), Compliance: dec("45"),
		Fraud: dec("50"), Confidence: dec("90"),
		KeyFlags:   []string{"duplicate of inv-0"},
		ComputedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.UpsertHealthScore(ctx, score))

	score.Overall = dec("9.5")
	score.Status = model.HealthHealthy
	score.KeyFlags = nil
	require.NoError(t, s.UpsertHealthScore(ctx, score), "recompute replaces the row")

	got, err := s.GetHealthScore(ctx, inv.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Overall.Equal(dec("9.5")))
	assert.Equal(t, model.HealthHealthy, got.Status)
	assert.Empty(t, got.KeyFlags)
}

func TestTaxIDCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	miss, err := s.GetTaxIDRecord(ctx, "29ABCDE1234F1Z5")
	require.NoError(t, err)
	assert.Nil(t, miss)

	reg := time.Date(2019, 7, 1, 0, 0, 0, 0, time.UTC)
	rec := &model.TaxIDRecord{
		TaxID: "29ABCDE1234F1Z5", LegalName: "Acme Supplies Pvt Ltd", TradeName: "Acme",
		Status: "Active", RegistrationDate: &reg, BusinessType: "Private Limited",
		LastVerifiedAt: time.Now().UTC().Truncate(time.Second), VerificationCount: 1,
	}
	require.NoError(t, s.UpsertTaxIDRecord(ctx, rec))

	rec.LegalName = "Acme Supplies Private Limited"
	rec.VerificationCount = 2
	require.NoError(t, s.UpsertTaxIDRecord(ctx, rec))

	got, err := s.GetTaxIDRecord(ctx, "29ABCDE1234F1Z5")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Acme Supplies Private Limited", got.LegalName)
	assert.Equal(t, 2, got.VerificationCount)
	require.NotNil(t, got.RegistrationDate)
	assert.Equal(t, 2019, got.RegistrationDate.Year())
}

func TestBatchCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := &model.InvoiceBatch{
		ID: uuid.NewString(), Owner: "ops", Total: 5,
		Status: model.BatchProcessing, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateBatch(ctx, batch))

	// 3 successes and 2 terminal failures.
	for i := 0; i < 3; i++ {
		_, err := s.IncrementBatchProcessed(ctx, batch.ID)
		require.NoError(t, err)
	}
	mid, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchProcessing, mid.Status, "not terminal yet")

	_, err = s.IncrementBatchFailed(ctx, batch.ID)
	require.NoError(t, err)
	final, err := s.IncrementBatchFailed(ctx, batch.ID)
	require.NoError(t, err)

	assert.Equal(t, 3, final.Processed)
	assert.Equal(t, 2, final.Failed)
	assert.Equal(t, 5, final.Total)
	assert.Equal(t, model.BatchPartialFailure, final.Status)
	assert.True(t, final.Terminal())
}

func TestBatchCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := &model.InvoiceBatch{
		ID: uuid.NewString(), Total: 2,
		Status: model.BatchProcessing, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateBatch(ctx, batch))

	_, err := s.IncrementBatchProcessed(ctx, batch.ID)
	require.NoError(t, err)
	final, err := s.IncrementBatchProcessed(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchCompleted, final.Status)
}

func TestJobQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inv, items := testInvoice(time.Now().UTC())
	require.NoError(t, s.CreateInvoice(ctx, inv, items))

	empty, err := s.ClaimJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty, "empty queue claims nothing")

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	first := &model.ProcessingJob{
		ID: uuid.NewString(), InvoiceID: inv.ID, Status: model.JobPending,
		CreatedAt: base, UpdatedAt: base,
	}
	second := &model.ProcessingJob{
		ID: uuid.NewString(), InvoiceID: inv.ID, Status: model.JobPending,
		CreatedAt: base.Add(time.Minute), UpdatedAt: base.Add(time.Minute),
	}
	require.NoError(t, s.EnqueueJob(ctx, first))
	require.NoError(t, s.EnqueueJob(ctx, second))

	claimed, err := s.ClaimJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID, "oldest job first")
	assert.Equal(t, model.JobRunning, claimed.Status)

	require.NoError(t, s.CompleteJob(ctx, claimed.ID))

	claimed2, err := s.ClaimJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed2)
	assert.Equal(t, second.ID, claimed2.ID)

	require.NoError(t, s.FailJob(ctx, claimed2.ID, 3, "extraction failed: not an invoice"))

	drained, err := s.ClaimJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, drained, "done and failed jobs are not reclaimed")
}

func TestReleaseJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inv, items := testInvoice(time.Now().UTC())
	require.NoError(t, s.CreateInvoice(ctx, inv, items))

	now := time.Now().UTC()
	job := &model.ProcessingJob{
		ID: uuid.NewString(), InvoiceID: inv.ID, Status: model.JobPending,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.EnqueueJob(ctx, job))

	claimed, err := s.ClaimJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, s.ReleaseJob(ctx, claimed.ID))

	reclaimed, err := s.ClaimJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, reclaimed, "released job is claimable again")
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Zero(t, reclaimed.Attempts, "release does not burn an attempt")

	assert.Error(t, s.ReleaseJob(ctx, "missing"))
}

func TestClaimJob_ReclaimsExpiredLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inv, items := testInvoice(time.Now().UTC())
	require.NoError(t, s.CreateInvoice(ctx, inv, items))

	now := time.Now().UTC()
	job := &model.ProcessingJob{
		ID: uuid.NewString(), InvoiceID: inv.ID, Status: model.JobPending,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.EnqueueJob(ctx, job))

	claimed, err := s.ClaimJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// A freshly claimed job belongs to its worker.
	none, err := s.ClaimJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	// Age the claim past the lease, as if the worker died mid-job.
	_, err = s.db.ExecContext(ctx,
		`UPDATE processing_jobs SET updated_at = ? WHERE id = ?`,
		now.Add(-2*jobLease), job.ID)
	require.NoError(t, err)

	reclaimed, err := s.ClaimJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, reclaimed, "expired claim is reclaimable")
	assert.Equal(t, job.ID, reclaimed.ID)
}
