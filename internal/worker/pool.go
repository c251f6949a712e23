// Package worker drains the durable processing-job queue. Claiming a job
// flips it to running inside a single statement, so no two workers ever
// share an invoice.
package worker

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clearledger/invoice-sentinel/internal/config"
	"github.com/clearledger/invoice-sentinel/internal/model"
	"github.com/clearledger/invoice-sentinel/internal/resilience"
)

// Queue is the store surface the pool needs.
type Queue interface {
	ClaimJob(ctx context.Context) (*model.ProcessingJob, error)
	CompleteJob(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, jobID string, attempts int, lastError string) error
	ReleaseJob(ctx context.Context, jobID string) error
	SetInvoiceStatus(ctx context.Context, id string, status model.ProcessingStatus) error
	IncrementBatchProcessed(ctx context.Context, id string) (*model.InvoiceBatch, error)
	IncrementBatchFailed(ctx context.Context, id string) (*model.InvoiceBatch, error)
}

// Handler processes one invoice. Implemented by pipeline.Processor.
type Handler interface {
	Process(ctx context.Context, invoiceID string) error
}

// Pool runs a bounded set of workers against the job queue.
type Pool struct {
	queue   Queue
	handler Handler
	policy  resilience.Policy
	workers int
	poll    time.Duration
}

func NewPool(queue Queue, handler Handler, cfg config.WorkerConfig) *Pool {
	workers := cfg.Concurrency
	if workers <= 0 {
		workers = 4
	}
	poll := time.Duration(cfg.PollIntervalMS) * time.Millisecond
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	policy := resilience.DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseBackoffSecs > 0 {
		policy.BaseDelay = time.Duration(cfg.BaseBackoffSecs) * time.Second
	}
	policy.OnRetry = resilience.LogRetries("process invoice")

	return &Pool{
		queue:   queue,
		handler: handler,
		policy:  policy,
		workers: workers,
		poll:    poll,
	}
}

// Run drains the queue until ctx is canceled. Workers poll independently;
// an empty queue costs one sleep per worker per interval.
func (p *Pool) Run(ctx context.Context) error {
	zap.L().Info("worker pool starting",
		zap.Int("workers", p.workers),
		zap.Duration("poll_interval", p.poll))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			return p.runWorker(gctx)
		})
	}
	err := g.Wait()
	if eris.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Drain processes jobs until the queue is empty, then returns. Used by the
// batch command to finish a submitted batch in-process.
func (p *Pool) Drain(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				claimed, err := p.step(gctx)
				if err != nil {
					return err
				}
				if !claimed {
					return nil
				}
			}
		})
	}
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context) error {
	for {
		claimed, err := p.step(ctx)
		if err != nil {
			return err
		}
		if claimed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.poll):
		}
	}
}

// step claims and runs at most one job. Returns false when the queue was
// empty.
func (p *Pool) step(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	job, err := p.queue.ClaimJob(ctx)
	if err != nil {
		return false, eris.Wrap(err, "worker: claim job")
	}
	if job == nil {
		return false, nil
	}

	p.runJob(ctx, job)
	return true, nil
}

// runJob executes one claimed job with retries. Job outcomes are recorded
// even when the handler fails; only store errors on the outcome path bubble
// into the log.
func (p *Pool) runJob(ctx context.Context, job *model.ProcessingJob) {
	attempts := 0
	policy := p.policy
	policy.OnRetry = func(attempt int, err error) {
		zap.L().Warn("retrying job",
			zap.String("job_id", job.ID),
			zap.String("invoice_id", job.InvoiceID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	err := resilience.Do(ctx, policy, func(ctx context.Context) error {
		attempts++
		return p.handler.Process(ctx, job.InvoiceID)
	})
	if err != nil {
		if ctx.Err() != nil {
			p.releaseJob(ctx, job)
			return
		}
		p.recordFailure(ctx, job, attempts, err)
		return
	}
	p.recordSuccess(ctx, job)
}

// releaseJob puts an interrupted job back in the queue. A shutdown mid-job is
// not a processing failure; the job must not stay claimed or burn an attempt.
// The write runs on a detached context because the worker's own is already
// canceled.
func (p *Pool) releaseJob(ctx context.Context, job *model.ProcessingJob) {
	zap.L().Info("releasing interrupted job",
		zap.String("job_id", job.ID),
		zap.String("invoice_id", job.InvoiceID))
	if err := p.queue.ReleaseJob(context.WithoutCancel(ctx), job.ID); err != nil {
		zap.L().Error("release job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (p *Pool) recordSuccess(ctx context.Context, job *model.ProcessingJob) {
	if err := p.queue.CompleteJob(ctx, job.ID); err != nil {
		zap.L().Error("complete job", zap.String("job_id", job.ID), zap.Error(err))
	}
	if job.BatchID == "" {
		return
	}
	batch, err := p.queue.IncrementBatchProcessed(ctx, job.BatchID)
	if err != nil {
		zap.L().Error("increment batch processed", zap.String("batch_id", job.BatchID), zap.Error(err))
		return
	}
	logBatchIfDone(batch)
}

// recordFailure marks the invoice terminally failed after retries are
// exhausted and rolls the failure into the batch counters.
func (p *Pool) recordFailure(ctx context.Context, job *model.ProcessingJob, attempts int, jobErr error) {
	zap.L().Error("job failed",
		zap.String("job_id", job.ID),
		zap.String("invoice_id", job.InvoiceID),
		zap.Int("attempts", attempts),
		zap.Error(jobErr))

	if err := p.queue.SetInvoiceStatus(ctx, job.InvoiceID, model.ProcessingFailed); err != nil {
		zap.L().Error("mark invoice failed", zap.String("invoice_id", job.InvoiceID), zap.Error(err))
	}
	if err := p.queue.FailJob(ctx, job.ID, attempts, jobErr.Error()); err != nil {
		zap.L().Error("fail job", zap.String("job_id", job.ID), zap.Error(err))
	}
	if job.BatchID == "" {
		return
	}
	batch, err := p.queue.IncrementBatchFailed(ctx, job.BatchID)
	if err != nil {
		zap.L().Error("increment batch failed", zap.String("batch_id", job.BatchID), zap.Error(err))
		return
	}
	logBatchIfDone(batch)
}

func logBatchIfDone(batch *model.InvoiceBatch) {
	if batch.Status == model.BatchProcessing {
		return
	}
	zap.L().Info("batch finished",
		zap.String("batch_id", batch.ID),
		zap.String("status", string(batch.Status)),
		zap.Int("processed", batch.Processed),
		zap.Int("failed", batch.Failed),
		zap.Int("total", batch.Total))
}
