package model

import "time"

// BatchStatus is the aggregate state of a multi-file submission.
type BatchStatus string

const (
	BatchProcessing     BatchStatus = "PROCESSING"
	BatchCompleted      BatchStatus = "COMPLETED"
	BatchPartialFailure BatchStatus = "PARTIAL_FAILURE"
)

// InvoiceBatch groups invoices submitted together. Counters are updated by
// atomic store operations as worker jobs complete; the batch becomes terminal
// once processed+failed == total.
type InvoiceBatch struct {
	ID        string      `json:"id"`
	Owner     string      `json:"owner"`
	Total     int         `json:"total"`
	Processed int         `json:"processed"`
	Failed    int         `json:"failed"`
	Status    BatchStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Terminal reports whether every job in the batch has finished.
func (b *InvoiceBatch) Terminal() bool {
	return b.Processed+b.Failed >= b.Total
}

// JobStatus is the queue state of a processing job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// ProcessingJob is one unit of work on the durable queue: process a single
// invoice through the full pipeline. At most one worker holds a claim on a
// given invoice at a time.
type ProcessingJob struct {
	ID        string    `json:"id"`
	InvoiceID string    `json:"invoice_id"`
	BatchID   string    `json:"batch_id,omitempty"`
	Status    JobStatus `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
