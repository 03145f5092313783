package job

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a job. Transitions are restricted:
// pending -> processing -> {completed, failed}; failed -> pending only via an
// explicit retry reset; any non-terminal state may move to cancelled.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further automatic transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Type identifies the logical queue a job belongs to. The set is closed: at
// most one job per type may be pending or processing at any time.
type Type string

const (
	TypeArticleGeneration Type = "article_generation"
	TypeReviewImport      Type = "review_import"
	TypeReviewEnrichment  Type = "review_enrichment"
	TypeContractorImport  Type = "contractor_import"
	TypeSitemapRebuild    Type = "sitemap_rebuild"
)

var knownTypes = map[Type]struct{}{
	TypeArticleGeneration: {},
	TypeReviewImport:      {},
	TypeReviewEnrichment:  {},
	TypeContractorImport:  {},
	TypeSitemapRebuild:    {},
}

// ValidType reports whether t is on the allow-list of known queues.
func ValidType(t Type) bool {
	_, ok := knownTypes[t]
	return ok
}

const (
	// DefaultMaxAttempts is the attempt budget for new jobs.
	DefaultMaxAttempts = 3

	// TimeoutError is the last_error recorded when the reaper force-fails a
	// job stuck in processing.
	TimeoutError = "job timed out: worker did not report completion within the processing deadline"
)

var (
	ErrNotFound   = errors.New("job not found")
	ErrConflict   = errors.New("job conflict")
	ErrValidation = errors.New("invalid job")
)

type Job struct {
	ID             string          `json:"id"`
	Type           Type            `json:"type"`
	Status         Status          `json:"status"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	ScheduledFor   *time.Time      `json:"scheduled_for,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	TotalItems     int             `json:"total_items"`
	ProcessedItems int             `json:"processed_items"`
	FailedItems    int             `json:"failed_items"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CreatedBy      string          `json:"created_by,omitempty"`
}
