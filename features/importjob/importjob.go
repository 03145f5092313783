package importjob

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the job can no longer accept batch calls.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

const (
	// DefaultBatchSize is used when a process call does not specify one.
	DefaultBatchSize = 50
	// MaxBatchSize bounds a single chunk.
	MaxBatchSize = 100
)

var (
	ErrNotFound   = errors.New("import job not found")
	ErrBadState   = errors.New("import job is not processable")
	ErrValidation = errors.New("invalid import request")
)

// RowError is one failed row, captured as data so the rest of the chunk
// keeps processing.
type RowError struct {
	RowIndex   int    `json:"row_index"`
	ExternalID string `json:"external_id,omitempty"`
	Message    string `json:"message"`
}

// ImportJob is the pull-driven batch variant: raw_data is fixed at creation
// and processed_rows alone drives the slicing, so every piece of progress
// state lives in the row, never in the process advancing it.
type ImportJob struct {
	ID                  string            `json:"id"`
	Status              Status            `json:"status"`
	RawData             []json.RawMessage `json:"-"`
	TotalRows           int               `json:"total_rows"`
	ProcessedRows       int               `json:"processed_rows"`
	ImportedCount       int               `json:"imported_count"`
	UpdatedCount        int               `json:"updated_count"`
	SkippedCount        int               `json:"skipped_count"`
	SkippedClaimedCount int               `json:"skipped_claimed_count"`
	ErrorCount          int               `json:"error_count"`
	PendingImageCount   int               `json:"pending_image_count"`
	Errors              []RowError        `json:"errors"`
	StartedAt           *time.Time        `json:"started_at,omitempty"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
}

// ChunkDelta is the cumulative contribution of one processed chunk. It is
// applied to the live row in a single statement.
type ChunkDelta struct {
	Processed      int
	Imported       int
	Updated        int
	Skipped        int
	SkippedClaimed int
	PendingImages  int
	Errors         []RowError
}

// BatchResult is what one ProcessNextBatch call reports back.
type BatchResult struct {
	Processed         int        `json:"processed"`
	Imported          int        `json:"imported"`
	Updated           int        `json:"updated"`
	Skipped           int        `json:"skipped"`
	SkippedClaimed    int        `json:"skippedClaimed"`
	PendingImageCount int        `json:"pendingImageCount"`
	Errors            []RowError `json:"errors"`
	Status            Status     `json:"status"`
	TotalRows         int        `json:"totalRows"`
	ProcessedRows     int        `json:"processedRows"`
	IsComplete        bool       `json:"isComplete"`
}
