package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clearledger/invoice-sentinel/internal/model"
	"github.com/clearledger/invoice-sentinel/internal/pipeline"
	"github.com/clearledger/invoice-sentinel/internal/worker"
)

var (
	batchOwner string
	batchWait  bool
)

var batchCmd = &cobra.Command{
	Use:   "batch <dir>",
	Short: "Submit a directory of extraction results as one batch",
	Long:  "Creates a batch from every .json extraction result in the directory, enqueues a processing job per invoice, and (with --wait) drains the queue in-process.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		paths, err := filepath.Glob(filepath.Join(args[0], "*.json"))
		if err != nil {
			return eris.Wrap(err, "scan batch directory")
		}
		sort.Strings(paths)
		if len(paths) == 0 {
			return eris.Errorf("no extraction results under %s", args[0])
		}

		now := time.Now().UTC()
		batch := &model.InvoiceBatch{
			ID:        uuid.NewString(),
			Owner:     batchOwner,
			Total:     len(paths),
			Status:    model.BatchProcessing,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := env.Store.CreateBatch(ctx, batch); err != nil {
			return eris.Wrap(err, "create batch")
		}

		enqueued := 0
		for _, path := range paths {
			if err := enqueueOne(cmd, env, batch.ID, path); err != nil {
				// A rejected file burns one failure slot so the batch
				// still reaches a terminal status.
				zap.L().Warn("file rejected at ingestion",
					zap.String("path", path),
					zap.Error(err))
				if _, err := env.Store.IncrementBatchFailed(ctx, batch.ID); err != nil {
					return eris.Wrap(err, "count rejected file")
				}
				continue
			}
			enqueued++
		}

		zap.L().Info("batch submitted",
			zap.String("batch_id", batch.ID),
			zap.Int("enqueued", enqueued),
			zap.Int("rejected", len(paths)-enqueued))

		if batchWait {
			pool := worker.NewPool(env.Store, env.Processor, cfg.Worker)
			if err := pool.Drain(ctx); err != nil {
				return eris.Wrap(err, "drain batch")
			}
		}

		final, err := env.Store.GetBatch(ctx, batch.ID)
		if err != nil {
			return eris.Wrap(err, "load batch")
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(final)
	},
}

func enqueueOne(cmd *cobra.Command, env *sentinelEnv, batchID, path string) error {
	ctx := cmd.Context()

	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "read %s", path)
	}
	var result model.ExtractionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return eris.Wrapf(err, "parse %s", path)
	}

	inv, items, err := pipeline.BuildInvoice(&result, batchID)
	if err != nil {
		return err
	}
	if err := env.Store.CreateInvoice(ctx, inv, items); err != nil {
		return eris.Wrap(err, "store invoice")
	}

	now := time.Now().UTC()
	job := &model.ProcessingJob{
		ID:        uuid.NewString(),
		InvoiceID: inv.ID,
		BatchID:   batchID,
		Status:    model.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return env.Store.EnqueueJob(ctx, job)
}

func init() {
	batchCmd.Flags().StringVar(&batchOwner, "owner", "", "batch owner recorded on the submission")
	batchCmd.Flags().BoolVar(&batchWait, "wait", true, "process the batch before returning")
	rootCmd.AddCommand(batchCmd)
}
