// Package job defines the data model shared by the ingress adapter, the
// durable store, and the drip scheduler.
package job

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusDelayed   Status = "delayed_retry"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is a single unit of downstream work.
type Job struct {
	ID           string          `json:"job_id"`
	Tool         string          `json:"tool"`
	Params       json.RawMessage `json:"params"`
	RowID        string          `json:"row_id"`
	BatchID      string          `json:"batch_id,omitempty"`
	CallbackURL  string          `json:"callback_url,omitempty"`
	Priority     int             `json:"priority"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	Status       Status          `json:"status"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`

	// Seq is assigned by the store at push time and breaks priority ties
	// in submission order.
	Seq int64 `json:"seq"`
}

// Batch is the aggregate accounting record for a group of jobs submitted
// together.
type Batch struct {
	BatchID   string    `json:"batch_id"`
	Tool      string    `json:"tool"`
	CreatedAt time.Time `json:"created_at"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
}

// Pending returns the number of jobs in the batch that have not yet
// reached a terminal state.
func (b Batch) Pending() int {
	return b.Total - b.Completed - b.Failed
}

// ResultRecord is written once per job on terminal outcome.
type ResultRecord struct {
	JobID      string          `json:"job_id"`
	RowID      string          `json:"row_id"`
	Tool       string          `json:"tool"`
	BatchID    string          `json:"batch_id,omitempty"`
	Status     Status          `json:"status"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
	StoredAt   time.Time       `json:"stored_at"`
}

// Stats is a point-in-time snapshot of queue occupancy.
type Stats struct {
	Waiting           int64 `json:"waiting"`
	Active            int64 `json:"active"`
	CompletedRetained int64 `json:"completed_retained"`
	FailedRetained    int64 `json:"failed_retained"`
	Delayed           int64 `json:"delayed"`
}
