package main

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clearledger/invoice-sentinel/internal/db"
	"github.com/clearledger/invoice-sentinel/internal/model"
	"github.com/clearledger/invoice-sentinel/internal/normalize"
	"github.com/clearledger/invoice-sentinel/internal/store"
)

// historyColumns is the required CSV header for historical imports.
var historyColumns = []string{
	"invoice_number", "invoice_date", "vendor_name", "vendor_tax_id",
	"currency", "grand_total", "description", "tax_code",
	"quantity", "unit_price", "declared_rate", "line_total",
}

var importCmd = &cobra.Command{
	Use:   "import <csv>",
	Short: "Load historical invoices for the price index",
	Long:  "Imports vetted ledger data, one CSV row per line item. Imported line items seed the per-vendor price history the outlier check compares against. Re-importing the same file is a no-op: invoice IDs are derived from (vendor tax ID, invoice number).",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrapf(err, "open %s", args[0])
		}
		defer f.Close()

		invoices, err := parseHistoryCSV(f)
		if err != nil {
			return err
		}
		if len(invoices) == 0 {
			return eris.New("no rows to import")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		var imported int
		if pg, ok := st.(*store.PostgresStore); ok {
			imported, err = bulkImport(ctx, pg, invoices)
		} else {
			imported, err = rowImport(ctx, st, invoices)
		}
		if err != nil {
			return err
		}

		zap.L().Info("history imported",
			zap.Int("invoices", len(invoices)),
			zap.Int("written", imported))
		return nil
	},
}

// historyInvoice is one grouped invoice from the CSV.
type historyInvoice struct {
	Invoice model.Invoice
	Items   []model.LineItem
}

// parseHistoryCSV groups line-item rows into invoices keyed by
// (vendor tax ID, invoice number), with deterministic IDs so repeated
// imports upsert instead of duplicating.
func parseHistoryCSV(r io.Reader) ([]historyInvoice, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, eris.Wrap(err, "read CSV header")
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, want := range historyColumns {
		if _, ok := col[want]; !ok {
			return nil, eris.Errorf("missing CSV column: %s", want)
		}
	}

	now := time.Now().UTC()
	byKey := make(map[string]*historyInvoice)
	var order []string

	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "read CSV line %d", line)
		}
		field := func(name string) string {
			return strings.TrimSpace(record[col[name]])
		}

		vendorTaxID := field("vendor_tax_id")
		number := field("invoice_number")
		if vendorTaxID == "" || number == "" {
			return nil, eris.Errorf("line %d: vendor_tax_id and invoice_number are required", line)
		}

		key := vendorTaxID + "\x00" + number
		inv, ok := byKey[key]
		if !ok {
			invoiceID := historyID("invoice", vendorTaxID, number)
			grandTotal, err := parseHistoryAmount(line, "grand_total", field("grand_total"))
			if err != nil {
				return nil, err
			}

			inv = &historyInvoice{Invoice: model.Invoice{
				ID:                 invoiceID,
				InvoiceNumber:      number,
				VendorName:         field("vendor_name"),
				VendorTaxID:        vendorTaxID,
				Currency:           field("currency"),
				GrandTotal:         decimal.NullDecimal{Decimal: grandTotal, Valid: true},
				ExtractionMethod:   model.ExtractionManual,
				Confidence:         decimal.NewFromInt(100),
				Status:             model.ProcessingCleared,
				VerificationStatus: model.VerificationPending,
				CreatedAt:          now,
			}}
			if date := field("invoice_date"); date != "" {
				parsed, err := time.Parse("2006-01-02", date)
				if err != nil {
					return nil, eris.Errorf("line %d: invoice_date %q is not YYYY-MM-DD", line, date)
				}
				inv.Invoice.InvoiceDate = &parsed
			}
			byKey[key] = inv
			order = append(order, key)
		}

		desc := field("description")
		item := model.LineItem{
			ID:            historyID("line", vendorTaxID, number, len(inv.Items)),
			InvoiceID:     inv.Invoice.ID,
			Description:   desc,
			NormalizedKey: normalize.Key(desc),
			TaxCode:       field("tax_code"),
			CreatedAt:     now,
		}
		for _, f := range []struct {
			name string
			dst  *decimal.Decimal
		}{
			{"quantity", &item.Quantity},
			{"unit_price", &item.UnitPrice},
			{"declared_rate", &item.DeclaredRate},
		} {
			*f.dst, err = parseHistoryAmount(line, f.name, field(f.name))
			if err != nil {
				return nil, err
			}
		}
		lineTotal, err := parseHistoryAmount(line, "line_total", field("line_total"))
		if err != nil {
			return nil, err
		}
		item.LineTotal = decimal.NullDecimal{Decimal: lineTotal, Valid: true}
		inv.Items = append(inv.Items, item)
	}

	out := make([]historyInvoice, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	return out, nil
}

func parseHistoryAmount(line int, name, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, eris.Errorf("line %d: %s %q is not a number", line, name, raw)
	}
	return d, nil
}

// historyID derives a stable UUID from the identifying fields, so imports
// are idempotent across runs.
func historyID(kind, vendorTaxID, number string, extra ...int) string {
	name := kind + ":" + vendorTaxID + ":" + number
	for _, n := range extra {
		name += ":" + strconv.Itoa(n)
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// bulkImport merges invoices and line items through temp-table COPY upserts.
func bulkImport(ctx context.Context, pg *store.PostgresStore, invoices []historyInvoice) (int, error) {
	invoiceRows := make([][]any, 0, len(invoices))
	var itemRows [][]any
	for _, h := range invoices {
		inv := h.Invoice
		invoiceRows = append(invoiceRows, []any{
			inv.ID, inv.InvoiceNumber, inv.InvoiceDate, inv.VendorName, inv.VendorTaxID,
			inv.BuyerTaxID, inv.GrandTotal.Decimal.String(), inv.Currency, string(inv.ExtractionMethod),
			inv.Confidence.String(), string(inv.Status), string(inv.VerificationStatus),
			nil, inv.CreatedAt,
		})
		for _, item := range h.Items {
			itemRows = append(itemRows, []any{
				item.ID, item.InvoiceID, item.Description, item.NormalizedKey, item.TaxCode,
				item.Quantity.String(), item.UnitPrice.String(), item.DeclaredRate.String(),
				item.LineTotal.Decimal.String(), item.CreatedAt,
			})
		}
	}

	n, err := db.BulkUpsert(ctx, pg.Pool(), db.UpsertConfig{
		Table: "invoices",
		Columns: []string{"id", "invoice_number", "invoice_date", "vendor_name", "vendor_tax_id",
			"buyer_tax_id", "grand_total", "currency", "extraction_method", "confidence",
			"status", "verification_status", "batch_id", "created_at"},
		ConflictKeys: []string{"id"},
	}, invoiceRows)
	if err != nil {
		return 0, err
	}

	_, err = db.BulkUpsert(ctx, pg.Pool(), db.UpsertConfig{
		Table: "line_items",
		Columns: []string{"id", "invoice_id", "description", "normalized_key", "tax_code",
			"quantity", "unit_price", "declared_rate", "line_total", "created_at"},
		ConflictKeys: []string{"id"},
	}, itemRows)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// rowImport is the SQLite path: per-invoice inserts, skipping invoices that
// are already present.
func rowImport(ctx context.Context, st store.Store, invoices []historyInvoice) (int, error) {
	written := 0
	for _, h := range invoices {
		existing, err := st.GetInvoice(ctx, h.Invoice.ID)
		if err != nil {
			return written, eris.Wrap(err, "check existing invoice")
		}
		if existing != nil {
			continue
		}
		if err := st.CreateInvoice(ctx, &h.Invoice, h.Items); err != nil {
			return written, eris.Wrapf(err, "import invoice %s", h.Invoice.InvoiceNumber)
		}
		written++
	}
	return written, nil
}

func init() {
	rootCmd.AddCommand(importCmd)
}
