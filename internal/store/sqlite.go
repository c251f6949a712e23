package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/clearledger/invoice-sentinel/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Monetary values are
// stored as decimal strings so nothing ever round-trips through floats.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS invoices (
	id                  TEXT PRIMARY KEY,
	invoice_number      TEXT NOT NULL DEFAULT '',
	invoice_date        DATETIME,
	vendor_name         TEXT NOT NULL DEFAULT '',
	vendor_tax_id       TEXT NOT NULL DEFAULT '',
	buyer_tax_id        TEXT NOT NULL DEFAULT '',
	grand_total         TEXT,
	currency            TEXT NOT NULL DEFAULT '',
	extraction_method   TEXT NOT NULL DEFAULT 'AUTOMATED',
	confidence          TEXT NOT NULL DEFAULT '0',
	status              TEXT NOT NULL DEFAULT 'PENDING',
	verification_status TEXT NOT NULL DEFAULT 'PENDING',
	batch_id            TEXT,
	created_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS line_items (
	id             TEXT PRIMARY KEY,
	invoice_id     TEXT NOT NULL REFERENCES invoices(id),
	description    TEXT NOT NULL DEFAULT '',
	normalized_key TEXT NOT NULL DEFAULT '',
	tax_code       TEXT NOT NULL DEFAULT '',
	quantity       TEXT NOT NULL DEFAULT '0',
	unit_price     TEXT NOT NULL DEFAULT '0',
	declared_rate  TEXT NOT NULL DEFAULT '0',
	line_total     TEXT,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS compliance_flags (
	id           TEXT PRIMARY KEY,
	invoice_id   TEXT NOT NULL REFERENCES invoices(id),
	line_item_id TEXT,
	kind         TEXT NOT NULL,
	severity     TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS duplicate_links (
	duplicate_id TEXT PRIMARY KEY REFERENCES invoices(id),
	original_id  TEXT NOT NULL REFERENCES invoices(id),
	detected_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS health_scores (
	invoice_id   TEXT PRIMARY KEY REFERENCES invoices(id),
	overall      TEXT NOT NULL,
	status       TEXT NOT NULL,
	completeness TEXT NOT NULL,
	verification TEXT NOT NULL,
	compliance   TEXT NOT NULL,
	fraud        TEXT NOT NULL,
	confidence   TEXT NOT NULL,
	key_flags    TEXT NOT NULL DEFAULT '[]',
	computed_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tax_id_cache (
	tax_id             TEXT PRIMARY KEY,
	legal_name         TEXT NOT NULL DEFAULT '',
	trade_name         TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT '',
	registration_date  DATETIME,
	business_type      TEXT NOT NULL DEFAULT '',
	address            TEXT NOT NULL DEFAULT '',
	einvoice_status    TEXT NOT NULL DEFAULT '',
	last_verified_at   DATETIME NOT NULL,
	verification_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS batches (
	id         TEXT PRIMARY KEY,
	owner      TEXT NOT NULL DEFAULT '',
	total      INTEGER NOT NULL,
	processed  INTEGER NOT NULL DEFAULT 0,
	failed     INTEGER NOT NULL DEFAULT 0,
	status     TEXT NOT NULL DEFAULT 'PROCESSING',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS processing_jobs (
	id         TEXT PRIMARY KEY,
	invoice_id TEXT NOT NULL REFERENCES invoices(id),
	batch_id   TEXT,
	status     TEXT NOT NULL DEFAULT 'pending',
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_invoices_vendor_number ON invoices(vendor_tax_id, invoice_number);
CREATE INDEX IF NOT EXISTS idx_invoices_batch ON invoices(batch_id);
CREATE INDEX IF NOT EXISTS idx_line_items_invoice ON line_items(invoice_id);
CREATE INDEX IF NOT EXISTS idx_line_items_key ON line_items(normalized_key);
CREATE INDEX IF NOT EXISTS idx_flags_invoice ON compliance_flags(invoice_id);
CREATE INDEX IF NOT EXISTS idx_links_original ON duplicate_links(original_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON processing_jobs(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const invoiceColumns = `id, invoice_number, invoice_date, vendor_name, vendor_tax_id, buyer_tax_id,
	grand_total, currency, extraction_method, confidence, status, verification_status, batch_id, created_at`

func (s *SQLiteStore) CreateInvoice(ctx context.Context, inv *model.Invoice, items []model.LineItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO invoices (`+invoiceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.InvoiceNumber, nullTime(inv.InvoiceDate), inv.VendorName, inv.VendorTaxID,
		inv.BuyerTaxID, nullDecimal(inv.GrandTotal), inv.Currency, string(inv.ExtractionMethod),
		inv.Confidence.String(), string(inv.Status), string(inv.VerificationStatus),
		nullString(inv.BatchID), inv.CreatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert invoice")
	}

	for _, item := range items {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO line_items (id, invoice_id, description, normalized_key, tax_code,
			 quantity, unit_price, declared_rate, line_total, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, inv.ID, item.Description, item.NormalizedKey, item.TaxCode,
			item.Quantity.String(), item.UnitPrice.String(), item.DeclaredRate.String(),
			nullDecimal(item.LineTotal), item.CreatedAt,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert line item")
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit invoice")
}

func (s *SQLiteStore) GetInvoice(ctx context.Context, id string) (*model.Invoice, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	inv, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get invoice %s", id)
	}
	return inv, nil
}

func (s *SQLiteStore) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]model.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.VendorTaxID != "" {
		query += ` AND vendor_tax_id = ?`
		args = append(args, filter.VendorTaxID)
	}
	if filter.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, filter.BatchID)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list invoices")
	}
	defer rows.Close()

	var out []model.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan invoice")
		}
		out = append(out, *inv)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list invoices rows")
}

func (s *SQLiteStore) GetLineItems(ctx context.Context, invoiceID string) ([]model.LineItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, invoice_id, description, normalized_key, tax_code,
		 quantity, unit_price, declared_rate, line_total, created_at
		 FROM line_items WHERE invoice_id = ? ORDER BY created_at, id`, invoiceID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get line items %s", invoiceID)
	}
	defer rows.Close()

	var out []model.LineItem
	for rows.Next() {
		var item model.LineItem
		var qty, price, rate string
		var total sql.NullString
		if err := rows.Scan(&item.ID, &item.InvoiceID, &item.Description, &item.NormalizedKey,
			&item.TaxCode, &qty, &price, &rate, &total, &item.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan line item")
		}
		if err := parseDecimals(map[*decimal.Decimal]string{
			&item.Quantity: qty, &item.UnitPrice: price, &item.DeclaredRate: rate,
		}); err != nil {
			return nil, err
		}
		if err := parseNullDecimal(&item.LineTotal, total); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: line item rows")
}

func (s *SQLiteStore) SetInvoiceStatus(ctx context.Context, id string, status model.ProcessingStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE invoices SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set invoice status %s", id)
	}
	return checkRowsAffected(res, "invoice", id)
}

func (s *SQLiteStore) SetInvoiceVerification(ctx context.Context, id string, status model.VerificationStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE invoices SET verification_status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set invoice verification %s", id)
	}
	return checkRowsAffected(res, "invoice", id)
}

func (s *SQLiteStore) SetVerificationByTaxID(ctx context.Context, taxID string, status model.VerificationStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE invoices SET verification_status = ? WHERE vendor_tax_id = ? AND verification_status != ?`,
		string(status), taxID, string(model.VerificationVerified))
	return eris.Wrapf(err, "sqlite: set verification by tax id %s", taxID)
}

func (s *SQLiteStore) FindEarliestInvoice(ctx context.Context, vendorTaxID, invoiceNumber, excludeID string, before time.Time) (*model.Invoice, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE vendor_tax_id = ? AND invoice_number = ? AND id != ?
		 AND (created_at < ? OR (created_at = ? AND id < ?))
		 ORDER BY created_at, id LIMIT 1`,
		vendorTaxID, invoiceNumber, excludeID, before, before, excludeID)
	inv, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find earliest invoice")
	}
	return inv, nil
}

func (s *SQLiteStore) HistoricalAverage(ctx context.Context, vendorTaxID, normalizedKey, excludeInvoiceID string) (decimal.Decimal, int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT li.unit_price FROM line_items li
		 JOIN invoices i ON i.id = li.invoice_id
		 WHERE i.vendor_tax_id = ? AND li.normalized_key = ? AND li.invoice_id != ?`,
		vendorTaxID, normalizedKey, excludeInvoiceID)
	if err != nil {
		return decimal.Zero, 0, eris.Wrap(err, "sqlite: historical prices")
	}
	defer rows.Close()

	var prices []decimal.Decimal
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, 0, eris.Wrap(err, "sqlite: scan unit price")
		}
		p, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, 0, eris.Wrapf(err, "sqlite: bad unit price %q", raw)
		}
		prices = append(prices, p)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, 0, eris.Wrap(err, "sqlite: price rows")
	}
	return averagePrices(prices)
}

func (s *SQLiteStore) ReplaceComplianceFlags(ctx context.Context, invoiceID string, flags []model.ComplianceFlag) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM compliance_flags WHERE invoice_id = ?`, invoiceID); err != nil {
		return eris.Wrap(err, "sqlite: delete prior flags")
	}
	for _, f := range flags {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO compliance_flags (id, invoice_id, line_item_id, kind, severity, description, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			f.ID, invoiceID, nullString(f.LineItemID), string(f.Kind), string(f.Severity),
			f.Description, f.CreatedAt)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert flag")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit flags")
}

func (s *SQLiteStore) GetComplianceFlags(ctx context.Context, invoiceID string) ([]model.ComplianceFlag, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, invoice_id, line_item_id, kind, severity, description, created_at
		 FROM compliance_flags WHERE invoice_id = ? ORDER BY created_at, id`, invoiceID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get flags %s", invoiceID)
	}
	defer rows.Close()

	var out []model.ComplianceFlag
	for rows.Next() {
		var f model.ComplianceFlag
		var lineItem sql.NullString
		var kind, severity string
		if err := rows.Scan(&f.ID, &f.InvoiceID, &lineItem, &kind, &severity,
			&f.Description, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan flag")
		}
		f.LineItemID = lineItem.String
		f.Kind = model.FlagKind(kind)
		f.Severity = model.FlagSeverity(severity)
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: flag rows")
}

func (s *SQLiteStore) GetDuplicateLink(ctx context.Context, duplicateID string) (*model.DuplicateLink, error) {
	var link model.DuplicateLink
	err := s.db.QueryRowContext(ctx,
		`SELECT duplicate_id, original_id, detected_at FROM duplicate_links WHERE duplicate_id = ?`,
		duplicateID).Scan(&link.DuplicateID, &link.OriginalID, &link.DetectedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get duplicate link %s", duplicateID)
	}
	return &link, nil
}

func (s *SQLiteStore) CreateDuplicateLink(ctx context.Context, link *model.DuplicateLink) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO duplicate_links (duplicate_id, original_id, detected_at) VALUES (?, ?, ?)`,
		link.DuplicateID, link.OriginalID, link.DetectedAt)
	return eris.Wrap(err, "sqlite: create duplicate link")
}

func (s *SQLiteStore) ListDuplicatesOf(ctx context.Context, originalID string) ([]model.DuplicateLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT duplicate_id, original_id, detected_at FROM duplicate_links
		 WHERE original_id = ? ORDER BY detected_at`, originalID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list duplicates of %s", originalID)
	}
	defer rows.Close()

	var out []model.DuplicateLink
	for rows.Next() {
		var link model.DuplicateLink
		if err := rows.Scan(&link.DuplicateID, &link.OriginalID, &link.DetectedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan duplicate link")
		}
		out = append(out, link)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: duplicate link rows")
}

func (s *SQLiteStore) UpsertHealthScore(ctx context.Context, score *model.HealthScore) error {
	keyFlags, err := json.Marshal(score.KeyFlags)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal key flags")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO health_scores (invoice_id, overall, status, completeness, verification,
		 compliance, fraud, confidence, key_flags, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(invoice_id) DO UPDATE SET
		 overall=excluded.overall, status=excluded.status, completeness=excluded.completeness,
		 verification=excluded.verification, compliance=excluded.compliance, fraud=excluded.fraud,
		 confidence=excluded.confidence, key_flags=excluded.key_flags, computed_at=excluded.computed_at`,
		score.InvoiceID, score.Overall.String(), string(score.Status),
		score.Completeness.String(), score.Verification.String(), score.Compliance.String(),
		score.Fraud.String(), score.Confidence.String(), string(keyFlags), score.ComputedAt)
	return eris.Wrap(err, "sqlite: upsert health score")
}

func (s *SQLiteStore) GetHealthScore(ctx context.Context, invoiceID string) (*model.HealthScore, error) {
	var score model.HealthScore
	var overall, completeness, verification, compliance, fraud, confidence, status, keyFlags string
	err := s.db.QueryRowContext(ctx,
		`SELECT invoice_id, overall, status, completeness, verification, compliance, fraud,
		 confidence, key_flags, computed_at FROM health_scores WHERE invoice_id = ?`, invoiceID).
		Scan(&score.InvoiceID, &overall, &status, &completeness, &verification,
			&compliance, &fraud, &confidence, &keyFlags, &score.ComputedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get health score %s", invoiceID)
	}

	score.Status = model.HealthStatus(status)
	if err := parseDecimals(map[*decimal.Decimal]string{
		&score.Overall: overall, &score.Completeness: completeness,
		&score.Verification: verification, &score.Compliance: compliance,
		&score.Fraud: fraud, &score.Confidence: confidence,
	}); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(keyFlags), &score.KeyFlags); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal key flags")
	}
	return &score, nil
}

func (s *SQLiteStore) GetTaxIDRecord(ctx context.Context, taxID string) (*model.TaxIDRecord, error) {
	var rec model.TaxIDRecord
	var regDate sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT tax_id, legal_name, trade_name, status, registration_date, business_type,
		 address, einvoice_status, last_verified_at, verification_count
		 FROM tax_id_cache WHERE tax_id = ?`, taxID).
		Scan(&rec.TaxID, &rec.LegalName, &rec.TradeName, &rec.Status, &regDate,
			&rec.BusinessType, &rec.Address, &rec.EInvoiceStatus,
			&rec.LastVerifiedAt, &rec.VerificationCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get tax id record %s", taxID)
	}
	if regDate.Valid {
		rec.RegistrationDate = &regDate.Time
	}
	return &rec, nil
}

func (s *SQLiteStore) UpsertTaxIDRecord(ctx context.Context, rec *model.TaxIDRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tax_id_cache (tax_id, legal_name, trade_name, status, registration_date,
		 business_type, address, einvoice_status, last_verified_at, verification_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tax_id) DO UPDATE SET
		 legal_name=excluded.legal_name, trade_name=excluded.trade_name, status=excluded.status,
		 registration_date=excluded.registration_date, business_type=excluded.business_type,
		 address=excluded.address, einvoice_status=excluded.einvoice_status,
		 last_verified_at=excluded.last_verified_at, verification_count=excluded.verification_count`,
		rec.TaxID, rec.LegalName, rec.TradeName, rec.Status, nullTime(rec.RegistrationDate),
		rec.BusinessType, rec.Address, rec.EInvoiceStatus, rec.LastVerifiedAt, rec.VerificationCount)
	return eris.Wrap(err, "sqlite: upsert tax id record")
}

func (s *SQLiteStore) CreateBatch(ctx context.Context, batch *model.InvoiceBatch) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (id, owner, total, processed, failed, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		batch.ID, batch.Owner, batch.Total, batch.Processed, batch.Failed,
		string(batch.Status), batch.CreatedAt, batch.UpdatedAt)
	return eris.Wrap(err, "sqlite: create batch")
}

func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*model.InvoiceBatch, error) {
	var b model.InvoiceBatch
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner, total, processed, failed, status, created_at, updated_at
		 FROM batches WHERE id = ?`, id).
		Scan(&b.ID, &b.Owner, &b.Total, &b.Processed, &b.Failed, &status, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get batch %s", id)
	}
	b.Status = model.BatchStatus(status)
	return &b, nil
}

// batchIncrement updates one counter and derives the terminal status in the
// same statement, so concurrent completions cannot lose an increment or
// publish a stale status.
const batchIncrement = `
UPDATE batches SET
	%s = %s + 1,
	status = CASE
		WHEN processed + failed + 1 >= total AND failed + %d > 0 THEN 'PARTIAL_FAILURE'
		WHEN processed + failed + 1 >= total THEN 'COMPLETED'
		ELSE 'PROCESSING'
	END,
	updated_at = ?
WHERE id = ?`

func (s *SQLiteStore) IncrementBatchProcessed(ctx context.Context, id string) (*model.InvoiceBatch, error) {
	return s.incrementBatch(ctx, id, "processed", 0)
}

func (s *SQLiteStore) IncrementBatchFailed(ctx context.Context, id string) (*model.InvoiceBatch, error) {
	return s.incrementBatch(ctx, id, "failed", 1)
}

func (s *SQLiteStore) incrementBatch(ctx context.Context, id, column string, failedDelta int) (*model.InvoiceBatch, error) {
	query := fmt.Sprintf(batchIncrement, column, column, failedDelta)
	res, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: increment batch %s", id)
	}
	if err := checkRowsAffected(res, "batch", id); err != nil {
		return nil, err
	}
	return s.GetBatch(ctx, id)
}

func (s *SQLiteStore) EnqueueJob(ctx context.Context, job *model.ProcessingJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processing_jobs (id, invoice_id, batch_id, status, attempts, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.InvoiceID, nullString(job.BatchID), string(job.Status),
		job.Attempts, job.LastError, job.CreatedAt, job.UpdatedAt)
	return eris.Wrap(err, "sqlite: enqueue job")
}

// jobLease bounds how long a claimed job may sit in 'running' before another
// worker may reclaim it. A worker that died mid-job leaves its claim behind;
// without the lease the job would stay running forever.
const jobLease = 5 * time.Minute

func (s *SQLiteStore) ClaimJob(ctx context.Context) (*model.ProcessingJob, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx,
		`UPDATE processing_jobs SET status = 'running', updated_at = ?
		 WHERE id = (SELECT id FROM processing_jobs
		 WHERE status = 'pending' OR (status = 'running' AND updated_at < ?)
		 ORDER BY created_at, id LIMIT 1)
		 RETURNING id, invoice_id, batch_id, status, attempts, last_error, created_at, updated_at`,
		now, now.Add(-jobLease))
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim job")
	}
	return job, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs SET status = 'done', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), jobID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) FailJob(ctx context.Context, jobID string, attempts int, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		attempts, lastError, time.Now().UTC(), jobID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) ReleaseJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs SET status = 'pending', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), jobID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: release job %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*model.Invoice, error) {
	var inv model.Invoice
	var invoiceDate sql.NullTime
	var batchID, grandTotal sql.NullString
	var confidence, method, status, verification string
	err := row.Scan(&inv.ID, &inv.InvoiceNumber, &invoiceDate, &inv.VendorName,
		&inv.VendorTaxID, &inv.BuyerTaxID, &grandTotal, &inv.Currency, &method,
		&confidence, &status, &verification, &batchID, &inv.CreatedAt)
	if err != nil {
		return nil, err
	}
	if invoiceDate.Valid {
		inv.InvoiceDate = &invoiceDate.Time
	}
	inv.BatchID = batchID.String
	inv.ExtractionMethod = model.ExtractionMethod(method)
	inv.Status = model.ProcessingStatus(status)
	inv.VerificationStatus = model.VerificationStatus(verification)
	if err := parseDecimals(map[*decimal.Decimal]string{&inv.Confidence: confidence}); err != nil {
		return nil, err
	}
	if err := parseNullDecimal(&inv.GrandTotal, grandTotal); err != nil {
		return nil, err
	}
	return &inv, nil
}

func scanJob(row rowScanner) (*model.ProcessingJob, error) {
	var job model.ProcessingJob
	var batchID sql.NullString
	var status string
	err := row.Scan(&job.ID, &job.InvoiceID, &batchID, &status, &job.Attempts,
		&job.LastError, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.BatchID = batchID.String
	job.Status = model.JobStatus(status)
	return &job, nil
}

func averagePrices(prices []decimal.Decimal) (decimal.Decimal, int, error) {
	if len(prices) == 0 {
		return decimal.Zero, 0, nil
	}
	return decimal.Avg(prices[0], prices[1:]...), len(prices), nil
}

func parseDecimals(fields map[*decimal.Decimal]string) error {
	for dst, raw := range fields {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return eris.Wrapf(err, "store: parse decimal %q", raw)
		}
		*dst = d
	}
	return nil
}

func parseNullDecimal(dst *decimal.NullDecimal, raw sql.NullString) error {
	if !raw.Valid {
		*dst = decimal.NullDecimal{}
		return nil
	}
	d, err := decimal.NewFromString(raw.String)
	if err != nil {
		return eris.Wrapf(err, "store: parse decimal %q", raw.String)
	}
	*dst = decimal.NullDecimal{Decimal: d, Valid: true}
	return nil
}

func nullStringOf(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullDecimal(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "store: rows affected for %s %s", entity, id)
	}
	if n == 0 {
		return eris.Errorf("store: %s %s not found", entity, id)
	}
	return nil
}
