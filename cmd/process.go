package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clearledger/invoice-sentinel/internal/model"
	"github.com/clearledger/invoice-sentinel/internal/pipeline"
	"github.com/clearledger/invoice-sentinel/internal/store"
)

var processExtract bool

var processCmd = &cobra.Command{
	Use:   "process <file>",
	Short: "Run one invoice through the compliance pipeline",
	Long:  "Reads an extraction-result JSON file (or, with --extract, sends a document to the extraction service first), stores the invoice, and runs all checks synchronously.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := loadExtraction(ctx, env, args[0])
		if err != nil {
			return err
		}

		inv, items, err := pipeline.BuildInvoice(result, "")
		if err != nil {
			return eris.Wrap(err, "build invoice")
		}
		if err := env.Store.CreateInvoice(ctx, inv, items); err != nil {
			return eris.Wrap(err, "store invoice")
		}

		if err := env.Processor.Process(ctx, inv.ID); err != nil {
			return eris.Wrap(err, "process invoice")
		}

		report, err := invoiceReport(ctx, env.Store, inv.ID)
		if err != nil {
			return err
		}
		if report == nil {
			return eris.Errorf("invoice %s vanished after processing", inv.ID)
		}

		zap.L().Info("processing complete",
			zap.String("invoice_id", inv.ID),
			zap.String("status", string(report.Invoice.Status)),
			zap.String("confidence_level", pipeline.ConfidenceLevel(inv.Confidence)))

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

// loadExtraction reads an extraction result from disk, either as a stored
// JSON result or by sending the raw document through the extraction service.
func loadExtraction(ctx context.Context, env *sentinelEnv, path string) (*model.ExtractionResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}

	if processExtract {
		result, err := env.Extractor.Extract(ctx, data, filepath.Base(path))
		if err != nil {
			return nil, eris.Wrap(err, "extract document")
		}
		return result, nil
	}

	var result model.ExtractionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, eris.Wrapf(err, "parse extraction result %s", path)
	}
	return &result, nil
}

// invoiceSnapshot bundles everything known about one processed invoice.
type invoiceSnapshot struct {
	Invoice    *model.Invoice         `json:"invoice"`
	LineItems  []model.LineItem       `json:"line_items"`
	Flags      []model.ComplianceFlag `json:"flags"`
	Health     *model.HealthScore     `json:"health,omitempty"`
	Duplicates []model.DuplicateLink  `json:"duplicates,omitempty"`
}

func invoiceReport(ctx context.Context, st store.Store, invoiceID string) (*invoiceSnapshot, error) {
	inv, err := st.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, eris.Wrap(err, "load invoice")
	}
	if inv == nil {
		return nil, nil
	}
	items, err := st.GetLineItems(ctx, invoiceID)
	if err != nil {
		return nil, eris.Wrap(err, "load line items")
	}
	flags, err := st.GetComplianceFlags(ctx, invoiceID)
	if err != nil {
		return nil, eris.Wrap(err, "load flags")
	}
	score, err := st.GetHealthScore(ctx, invoiceID)
	if err != nil {
		return nil, eris.Wrap(err, "load health score")
	}
	dups, err := st.ListDuplicatesOf(ctx, invoiceID)
	if err != nil {
		return nil, eris.Wrap(err, "load duplicates")
	}
	return &invoiceSnapshot{
		Invoice:    inv,
		LineItems:  items,
		Flags:      flags,
		Health:     score,
		Duplicates: dups,
	}, nil
}

func init() {
	processCmd.Flags().BoolVar(&processExtract, "extract", false, "treat the file as a raw document and run extraction first")
	rootCmd.AddCommand(processCmd)
}
