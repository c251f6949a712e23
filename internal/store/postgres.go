package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/clearledger/invoice-sentinel/internal/db"
	"github.com/clearledger/invoice-sentinel/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access, such as the bulk history importer.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS invoices (
	id                  TEXT PRIMARY KEY,
	invoice_number      TEXT NOT NULL DEFAULT '',
	invoice_date        TIMESTAMPTZ,
	vendor_name         TEXT NOT NULL DEFAULT '',
	vendor_tax_id       TEXT NOT NULL DEFAULT '',
	buyer_tax_id        TEXT NOT NULL DEFAULT '',
	grand_total         NUMERIC,
	currency            TEXT NOT NULL DEFAULT '',
	extraction_method   TEXT NOT NULL DEFAULT 'AUTOMATED',
	confidence          NUMERIC NOT NULL DEFAULT 0,
	status              TEXT NOT NULL DEFAULT 'PENDING',
	verification_status TEXT NOT NULL DEFAULT 'PENDING',
	batch_id            TEXT,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS line_items (
	id             TEXT PRIMARY KEY,
	invoice_id     TEXT NOT NULL REFERENCES invoices(id),
	description    TEXT NOT NULL DEFAULT '',
	normalized_key TEXT NOT NULL DEFAULT '',
	tax_code       TEXT NOT NULL DEFAULT '',
	quantity       NUMERIC NOT NULL DEFAULT 0,
	unit_price     NUMERIC NOT NULL DEFAULT 0,
	declared_rate  NUMERIC NOT NULL DEFAULT 0,
	line_total     NUMERIC,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS compliance_flags (
	id           TEXT PRIMARY KEY,
	invoice_id   TEXT NOT NULL REFERENCES invoices(id),
	line_item_id TEXT,
	kind         TEXT NOT NULL,
	severity     TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS duplicate_links (
	duplicate_id TEXT PRIMARY KEY REFERENCES invoices(id),
	original_id  TEXT NOT NULL REFERENCES invoices(id),
	detected_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS health_scores (
	invoice_id   TEXT PRIMARY KEY REFERENCES invoices(id),
	overall      NUMERIC NOT NULL,
	status       TEXT NOT NULL,
	completeness NUMERIC NOT NULL,
	verification NUMERIC NOT NULL,
	compliance   NUMERIC NOT NULL,
	fraud        NUMERIC NOT NULL,
	confidence   NUMERIC NOT NULL,
	key_flags    JSONB NOT NULL DEFAULT '[]',
	computed_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS tax_id_cache (
	tax_id             TEXT PRIMARY KEY,
	legal_name         TEXT NOT NULL DEFAULT '',
	trade_name         TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT '',
	registration_date  TIMESTAMPTZ,
	business_type      TEXT NOT NULL DEFAULT '',
	address            TEXT NOT NULL DEFAULT '',
	einvoice_status    TEXT NOT NULL DEFAULT '',
	last_verified_at   TIMESTAMPTZ NOT NULL,
	verification_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS batches (
	id         TEXT PRIMARY KEY,
	owner      TEXT NOT NULL DEFAULT '',
	total      INTEGER NOT NULL,
	processed  INTEGER NOT NULL DEFAULT 0,
	failed     INTEGER NOT NULL DEFAULT 0,
	status     TEXT NOT NULL DEFAULT 'PROCESSING',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS processing_jobs (
	id         TEXT PRIMARY KEY,
	invoice_id TEXT NOT NULL REFERENCES invoices(id),
	batch_id   TEXT,
	status     TEXT NOT NULL DEFAULT 'pending',
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_invoices_vendor_number ON invoices(vendor_tax_id, invoice_number);
CREATE INDEX IF NOT EXISTS idx_invoices_batch ON invoices(batch_id);
CREATE INDEX IF NOT EXISTS idx_line_items_invoice ON line_items(invoice_id);
CREATE INDEX IF NOT EXISTS idx_line_items_key ON line_items(normalized_key);
CREATE INDEX IF NOT EXISTS idx_flags_invoice ON compliance_flags(invoice_id);
CREATE INDEX IF NOT EXISTS idx_links_original ON duplicate_links(original_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON processing_jobs(status);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateInvoice(ctx context.Context, inv *model.Invoice, items []model.LineItem) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO invoices (id, invoice_number, invoice_date, vendor_name, vendor_tax_id,
		 buyer_tax_id, grand_total, currency, extraction_method, confidence, status,
		 verification_status, batch_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		inv.ID, inv.InvoiceNumber, inv.InvoiceDate, inv.VendorName, inv.VendorTaxID,
		inv.BuyerTaxID, nullDecimal(inv.GrandTotal), inv.Currency, string(inv.ExtractionMethod),
		inv.Confidence.String(), string(inv.Status), string(inv.VerificationStatus),
		nullString(inv.BatchID), inv.CreatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: insert invoice")
	}

	if len(items) > 0 {
		rows := make([][]any, 0, len(items))
		for _, item := range items {
			rows = append(rows, []any{
				item.ID, inv.ID, item.Description, item.NormalizedKey, item.TaxCode,
				item.Quantity.String(), item.UnitPrice.String(), item.DeclaredRate.String(),
				nullDecimal(item.LineTotal), item.CreatedAt,
			})
		}
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"line_items"},
			[]string{"id", "invoice_id", "description", "normalized_key", "tax_code",
				"quantity", "unit_price", "declared_rate", "line_total", "created_at"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return eris.Wrap(err, "postgres: copy line items")
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit invoice")
}

const pgInvoiceColumns = `id, invoice_number, invoice_date, vendor_name, vendor_tax_id, buyer_tax_id,
	grand_total::text, currency, extraction_method, confidence::text, status, verification_status, batch_id, created_at`

func (s *PostgresStore) GetInvoice(ctx context.Context, id string) (*model.Invoice, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgInvoiceColumns+` FROM invoices WHERE id = $1`, id)
	inv, err := scanPgInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get invoice %s", id)
	}
	return inv, nil
}

func (s *PostgresStore) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]model.Invoice, error) {
	query := `SELECT ` + pgInvoiceColumns + ` FROM invoices WHERE true`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.VendorTaxID != "" {
		query += ` AND vendor_tax_id = ` + arg(filter.VendorTaxID)
	}
	if filter.BatchID != "" {
		query += ` AND batch_id = ` + arg(filter.BatchID)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ` + arg(filter.Offset)
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list invoices")
	}
	defer rows.Close()

	var out []model.Invoice
	for rows.Next() {
		inv, err := scanPgInvoice(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan invoice")
		}
		out = append(out, *inv)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list invoices rows")
}

func (s *PostgresStore) GetLineItems(ctx context.Context, invoiceID string) ([]model.LineItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, invoice_id, description, normalized_key, tax_code,
		 quantity::text, unit_price::text, declared_rate::text, line_total::text, created_at
		 FROM line_items WHERE invoice_id = $1 ORDER BY created_at, id`, invoiceID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get line items %s", invoiceID)
	}
	defer rows.Close()

	var out []model.LineItem
	for rows.Next() {
		var item model.LineItem
		var qty, price, rate string
		var total *string
		if err := rows.Scan(&item.ID, &item.InvoiceID, &item.Description, &item.NormalizedKey,
			&item.TaxCode, &qty, &price, &rate, &total, &item.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan line item")
		}
		if err := parseDecimals(map[*decimal.Decimal]string{
			&item.Quantity: qty, &item.UnitPrice: price, &item.DeclaredRate: rate,
		}); err != nil {
			return nil, err
		}
		if err := parseNullDecimal(&item.LineTotal, nullStringOf(total)); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, eris.Wrap(rows.Err(), "postgres: line item rows")
}

func (s *PostgresStore) SetInvoiceStatus(ctx context.Context, id string, status model.ProcessingStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE invoices SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set invoice status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("invoice not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) SetInvoiceVerification(ctx context.Context, id string, status model.VerificationStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE invoices SET verification_status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set invoice verification %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("invoice not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) SetVerificationByTaxID(ctx context.Context, taxID string, status model.VerificationStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE invoices SET verification_status = $1 WHERE vendor_tax_id = $2 AND verification_status != $3`,
		string(status), taxID, string(model.VerificationVerified))
	return eris.Wrapf(err, "postgres: set verification by tax id %s", taxID)
}

func (s *PostgresStore) FindEarliestInvoice(ctx context.Context, vendorTaxID, invoiceNumber, excludeID string, before time.Time) (*model.Invoice, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgInvoiceColumns+` FROM invoices
		 WHERE vendor_tax_id = $1 AND invoice_number = $2 AND id != $3
		 AND (created_at < $4 OR (created_at = $4 AND id < $3))
		 ORDER BY created_at, id LIMIT 1`,
		vendorTaxID, invoiceNumber, excludeID, before)
	inv, err := scanPgInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find earliest invoice")
	}
	return inv, nil
}

func (s *PostgresStore) HistoricalAverage(ctx context.Context, vendorTaxID, normalizedKey, excludeInvoiceID string) (decimal.Decimal, int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT li.unit_price::text FROM line_items li
		 JOIN invoices i ON i.id = li.invoice_id
		 WHERE i.vendor_tax_id = $1 AND li.normalized_key = $2 AND li.invoice_id != $3`,
		vendorTaxID, normalizedKey, excludeInvoiceID)
	if err != nil {
		return decimal.Zero, 0, eris.Wrap(err, "postgres: historical prices")
	}
	defer rows.Close()

	var prices []decimal.Decimal
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, 0, eris.Wrap(err, "postgres: scan unit price")
		}
		p, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, 0, eris.Wrapf(err, "postgres: bad unit price %q", raw)
		}
		prices = append(prices, p)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, 0, eris.Wrap(err, "postgres: price rows")
	}
	return averagePrices(prices)
}

func (s *PostgresStore) ReplaceComplianceFlags(ctx context.Context, invoiceID string, flags []model.ComplianceFlag) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM compliance_flags WHERE invoice_id = $1`, invoiceID); err != nil {
		return eris.Wrap(err, "postgres: delete prior flags")
	}
	for _, f := range flags {
		_, err := tx.Exec(ctx,
			`INSERT INTO compliance_flags (id, invoice_id, line_item_id, kind, severity, description, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			f.ID, invoiceID, nullString(f.LineItemID), string(f.Kind), string(f.Severity),
			f.Description, f.CreatedAt)
		if err != nil {
			return eris.Wrap(err, "postgres: insert flag")
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit flags")
}

func (s *PostgresStore) GetComplianceFlags(ctx context.Context, invoiceID string) ([]model.ComplianceFlag, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, invoice_id, line_item_id, kind, severity, description, created_at
		 FROM compliance_flags WHERE invoice_id = $1 ORDER BY created_at, id`, invoiceID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get flags %s", invoiceID)
	}
	defer rows.Close()

	var out []model.ComplianceFlag
	for rows.Next() {
		var f model.ComplianceFlag
		var lineItem *string
		var kind, severity string
		if err := rows.Scan(&f.ID, &f.InvoiceID, &lineItem, &kind, &severity,
			&f.Description, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan flag")
		}
		if lineItem != nil {
			f.LineItemID = *lineItem
		}
		f.Kind = model.FlagKind(kind)
		f.Severity = model.FlagSeverity(severity)
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: flag rows")
}

func (s *PostgresStore) GetDuplicateLink(ctx context.Context, duplicateID string) (*model.DuplicateLink, error) {
	var link model.DuplicateLink
	err := s.pool.QueryRow(ctx,
		`SELECT duplicate_id, original_id, detected_at FROM duplicate_links WHERE duplicate_id = $1`,
		duplicateID).Scan(&link.DuplicateID, &link.OriginalID, &link.DetectedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get duplicate link %s", duplicateID)
	}
	return &link, nil
}

func (s *PostgresStore) CreateDuplicateLink(ctx context.Context, link *model.DuplicateLink) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO duplicate_links (duplicate_id, original_id, detected_at)
		 VALUES ($1, $2, $3) ON CONFLICT (duplicate_id) DO NOTHING`,
		link.DuplicateID, link.OriginalID, link.DetectedAt)
	return eris.Wrap(err, "postgres: create duplicate link")
}

func (s *PostgresStore) ListDuplicatesOf(ctx context.Context, originalID string) ([]model.DuplicateLink, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT duplicate_id, original_id, detected_at FROM duplicate_links
		 WHERE original_id = $1 ORDER BY detected_at`, originalID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list duplicates of %s", originalID)
	}
	defer rows.Close()

	var out []model.DuplicateLink
	for rows.Next() {
		var link model.DuplicateLink
		if err := rows.Scan(&link.DuplicateID, &link.OriginalID, &link.DetectedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan duplicate link")
		}
		out = append(out, link)
	}
	return out, eris.Wrap(rows.Err(), "postgres: duplicate link rows")
}

func (s *PostgresStore) UpsertHealthScore(ctx context.Context, score *model.HealthScore) error {
	keyFlags, err := json.Marshal(score.KeyFlags)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal key flags")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO health_scores (invoice_id, overall, status, completeness, verification,
		 compliance, fraud, confidence, key_flags, computed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (invoice_id) DO UPDATE SET
		 overall=excluded.overall, status=excluded.status, completeness=excluded.completeness,
		 verification=excluded.verification, compliance=excluded.compliance, fraud=excluded.fraud,
		 confidence=excluded.confidence, key_flags=excluded.key_flags, computed_at=excluded.computed_at`,
		score.InvoiceID, score.Overall.String(), string(score.Status),
		score.Completeness.String(), score.Verification.String(), score.Compliance.String(),
		score.Fraud.String(), score.Confidence.String(), keyFlags, score.ComputedAt)
	return eris.Wrap(err, "postgres: upsert health score")
}

func (s *PostgresStore) GetHealthScore(ctx context.Context, invoiceID string) (*model.HealthScore, error) {
	var score model.HealthScore
	var overall, completeness, verification, compliance, fraud, confidence, status string
	var keyFlags []byte
	err := s.pool.QueryRow(ctx,
		`SELECT invoice_id, overall::text, status, completeness::text, verification::text,
		 compliance::text, fraud::text, confidence::text, key_flags, computed_at
		 FROM health_scores WHERE invoice_id = $1`, invoiceID).
		Scan(&score.InvoiceID, &overall, &status, &completeness, &verification,
			&compliance, &fraud, &confidence, &keyFlags, &score.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get health score %s", invoiceID)
	}

	score.Status = model.HealthStatus(status)
	if err := parseDecimals(map[*decimal.Decimal]string{
		&score.Overall: overall, &score.Completeness: completeness,
		&score.Verification: verification, &score.Compliance: compliance,
		&score.Fraud: fraud, &score.Confidence: confidence,
	}); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(keyFlags, &score.KeyFlags); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal key flags")
	}
	return &score, nil
}

func (s *PostgresStore) GetTaxIDRecord(ctx context.Context, taxID string) (*model.TaxIDRecord, error) {
	var rec model.TaxIDRecord
	err := s.pool.QueryRow(ctx,
		`SELECT tax_id, legal_name, trade_name, status, registration_date, business_type,
		 address, einvoice_status, last_verified_at, verification_count
		 FROM tax_id_cache WHERE tax_id = $1`, taxID).
		Scan(&rec.TaxID, &rec.LegalName, &rec.TradeName, &rec.Status, &rec.RegistrationDate,
			&rec.BusinessType, &rec.Address, &rec.EInvoiceStatus,
			&rec.LastVerifiedAt, &rec.VerificationCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get tax id record %s", taxID)
	}
	return &rec, nil
}

func (s *PostgresStore) UpsertTaxIDRecord(ctx context.Context, rec *model.TaxIDRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tax_id_cache (tax_id, legal_name, trade_name, status, registration_date,
		 business_type, address, einvoice_status, last_verified_at, verification_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (tax_id) DO UPDATE SET
		 legal_name=excluded.legal_name, trade_name=excluded.trade_name, status=excluded.status,
		 registration_date=excluded.registration_date, business_type=excluded.business_type,
		 address=excluded.address, einvoice_status=excluded.einvoice_status,
		 last_verified_at=excluded.last_verified_at, verification_count=excluded.verification_count`,
		rec.TaxID, rec.LegalName, rec.TradeName, rec.Status, rec.RegistrationDate,
		rec.BusinessType, rec.Address, rec.EInvoiceStatus, rec.LastVerifiedAt, rec.VerificationCount)
	return eris.Wrap(err, "postgres: upsert tax id record")
}

func (s *PostgresStore) CreateBatch(ctx context.Context, batch *model.InvoiceBatch) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO batches (id, owner, total, processed, failed, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		batch.ID, batch.Owner, batch.Total, batch.Processed, batch.Failed,
		string(batch.Status), batch.CreatedAt, batch.UpdatedAt)
	return eris.Wrap(err, "postgres: create batch")
}

func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*model.InvoiceBatch, error) {
	var b model.InvoiceBatch
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner, total, processed, failed, status, created_at, updated_at
		 FROM batches WHERE id = $1`, id).
		Scan(&b.ID, &b.Owner, &b.Total, &b.Processed, &b.Failed, &status, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get batch %s", id)
	}
	b.Status = model.BatchStatus(status)
	return &b, nil
}

const pgBatchIncrement = `
UPDATE batches SET
	%s = %s + 1,
	status = CASE
		WHEN processed + failed + 1 >= total AND failed + %d > 0 THEN 'PARTIAL_FAILURE'
		WHEN processed + failed + 1 >= total THEN 'COMPLETED'
		ELSE 'PROCESSING'
	END,
	updated_at = $1
WHERE id = $2
RETURNING id, owner, total, processed, failed, status, created_at, updated_at`

func (s *PostgresStore) IncrementBatchProcessed(ctx context.Context, id string) (*model.InvoiceBatch, error) {
	return s.incrementBatch(ctx, id, "processed", 0)
}

func (s *PostgresStore) IncrementBatchFailed(ctx context.Context, id string) (*model.InvoiceBatch, error) {
	return s.incrementBatch(ctx, id, "failed", 1)
}

func (s *PostgresStore) incrementBatch(ctx context.Context, id, column string, failedDelta int) (*model.InvoiceBatch, error) {
	var b model.InvoiceBatch
	var status string
	query := fmt.Sprintf(pgBatchIncrement, column, column, failedDelta)
	err := s.pool.QueryRow(ctx, query, time.Now().UTC(), id).
		Scan(&b.ID, &b.Owner, &b.Total, &b.Processed, &b.Failed, &status, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("batch not found: %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: increment batch %s", id)
	}
	b.Status = model.BatchStatus(status)
	return &b, nil
}

func (s *PostgresStore) EnqueueJob(ctx context.Context, job *model.ProcessingJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO processing_jobs (id, invoice_id, batch_id, status, attempts, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.InvoiceID, nullString(job.BatchID), string(job.Status),
		job.Attempts, job.LastError, job.CreatedAt, job.UpdatedAt)
	return eris.Wrap(err, "postgres: enqueue job")
}

// ClaimJob hands the oldest claimable job to the caller. SKIP LOCKED keeps
// concurrent workers from ever claiming the same job; running jobs whose
// lease expired are claimable again.
func (s *PostgresStore) ClaimJob(ctx context.Context) (*model.ProcessingJob, error) {
	var job model.ProcessingJob
	var batchID *string
	var status string
	now := time.Now().UTC()
	err := s.pool.QueryRow(ctx,
		`UPDATE processing_jobs SET status = 'running', updated_at = $1
		 WHERE id = (
			SELECT id FROM processing_jobs
			WHERE status = 'pending' OR (status = 'running' AND updated_at < $2)
			ORDER BY created_at, id LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, invoice_id, batch_id, status, attempts, last_error, created_at, updated_at`,
		now, now.Add(-jobLease)).
		Scan(&job.ID, &job.InvoiceID, &batchID, &status, &job.Attempts,
			&job.LastError, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim job")
	}
	if batchID != nil {
		job.BatchID = *batchID
	}
	job.Status = model.JobStatus(status)
	return &job, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE processing_jobs SET status = 'done', updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), jobID)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", jobID)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID string, attempts int, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE processing_jobs SET status = 'failed', attempts = $1, last_error = $2, updated_at = $3 WHERE id = $4`,
		attempts, lastError, time.Now().UTC(), jobID)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", jobID)
	}
	return nil
}

func (s *PostgresStore) ReleaseJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE processing_jobs SET status = 'pending', updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), jobID)
	if err != nil {
		return eris.Wrapf(err, "postgres: release job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", jobID)
	}
	return nil
}

type pgRowScanner interface {
	Scan(dest ...any) error
}

func scanPgInvoice(row pgRowScanner) (*model.Invoice, error) {
	var inv model.Invoice
	var batchID, grandTotal *string
	var confidence, method, status, verification string
	err := row.Scan(&inv.ID, &inv.InvoiceNumber, &inv.InvoiceDate, &inv.VendorName,
		&inv.VendorTaxID, &inv.BuyerTaxID, &grandTotal, &inv.Currency, &method,
		&confidence, &status, &verification, &batchID, &inv.CreatedAt)
	if err != nil {
		return nil, err
	}
	if batchID != nil {
		inv.BatchID = *batchID
	}
	inv.ExtractionMethod = model.ExtractionMethod(method)
	inv.Status = model.ProcessingStatus(status)
	inv.VerificationStatus = model.VerificationStatus(verification)
	if err := parseDecimals(map[*decimal.Decimal]string{&inv.Confidence: confidence}); err != nil {
		return nil, err
	}
	if err := parseNullDecimal(&inv.GrandTotal, nullStringOf(grandTotal)); err != nil {
		return nil, err
	}
	return &inv, nil
}
