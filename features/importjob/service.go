package importjob

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// RowOutcome is what processing a single row produced.
type RowOutcome string

const (
	OutcomeImported       RowOutcome = "imported"
	OutcomeUpdated        RowOutcome = "updated"
	OutcomeSkipped        RowOutcome = "skipped"
	OutcomeSkippedClaimed RowOutcome = "skipped_claimed"
)

// RowResult reports one row. A non-nil Err records the row into the job's
// error list without aborting the rest of the chunk.
type RowResult struct {
	Outcome      RowOutcome
	PendingImage bool
	ExternalID   string
	Err          error
}

// RowProcessor executes the actual per-row work. The orchestration core only
// accounts for outcomes; what a row means is the producer's business.
type RowProcessor interface {
	ProcessRow(ctx context.Context, index int, row json.RawMessage) RowResult
}

// Service drives chunked processing of import jobs. All progress state lives
// in the store; the service is stateless between calls.
//
// A given job assumes a single logical driver: concurrent ProcessNextBatch
// calls for the same id are outside the supported contract. The guarded
// store updates keep counters consistent even then, but overlapping callers
// can process the same rows twice. Callers must serialize per job.
type Service struct {
	repo      Repository
	processor RowProcessor
}

func NewService(repo Repository, processor RowProcessor) *Service {
	return &Service{repo: repo, processor: processor}
}

func (s *Service) Create(ctx context.Context, rows []json.RawMessage) (*ImportJob, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: rows must not be empty", ErrValidation)
	}
	j, err := s.repo.Create(ctx, rows)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "import job created", "id", j.ID, "total_rows", j.TotalRows)
	return j, nil
}

func (s *Service) Get(ctx context.Context, id string) (*ImportJob, error) {
	return s.repo.Get(ctx, id)
}

// ProcessNextBatch processes the next slice of raw_data and applies the
// result atomically. Calling it on an already-completed job is safe and
// idempotent: it reports zero progress and isComplete without touching
// any counter.
func (s *Service) ProcessNextBatch(ctx context.Context, id string, batchSize int) (*BatchResult, error) {
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}
	if batchSize < 1 || batchSize > MaxBatchSize {
		return nil, fmt.Errorf("%w: batchSize must be between 1 and %d", ErrValidation, MaxBatchSize)
	}

	j, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if j.Status.Terminal() && j.Status != StatusCompleted {
		return nil, fmt.Errorf("%w: job is %s", ErrBadState, j.Status)
	}
	if j.Status == StatusCompleted {
		return completedResult(j), nil
	}

	if j.Status == StatusPending {
		if err := s.repo.MarkProcessing(ctx, id); err != nil {
			return nil, err
		}
	}

	start := j.ProcessedRows
	end := start + batchSize
	if end > j.TotalRows {
		end = j.TotalRows
	}

	if start >= end {
		// Nothing left: finish the job and report idempotent completion.
		if err := s.repo.MarkCompleted(ctx, id); err != nil {
			return nil, err
		}
		j.Status = StatusCompleted
		slog.InfoContext(ctx, "import job completed", "id", id, "processed_rows", j.ProcessedRows)
		return completedResult(j), nil
	}

	delta := ChunkDelta{Errors: []RowError{}}
	for i := start; i < end; i++ {
		res := s.processRow(ctx, i, j.RawData[i])
		delta.Processed++
		if res.PendingImage {
			delta.PendingImages++
		}
		if res.Err != nil {
			delta.Errors = append(delta.Errors, RowError{
				RowIndex:   i,
				ExternalID: res.ExternalID,
				Message:    res.Err.Error(),
			})
			continue
		}
		switch res.Outcome {
		case OutcomeImported:
			delta.Imported++
		case OutcomeUpdated:
			delta.Updated++
		case OutcomeSkippedClaimed:
			delta.SkippedClaimed++
		default:
			delta.Skipped++
		}
	}

	updated, err := s.repo.ApplyChunk(ctx, id, delta)
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "import batch processed",
		"id", id, "rows", delta.Processed, "errors", len(delta.Errors),
		"processed_rows", updated.ProcessedRows, "total_rows", updated.TotalRows)

	return &BatchResult{
		Processed:         delta.Processed,
		Imported:          delta.Imported,
		Updated:           delta.Updated,
		Skipped:           delta.Skipped,
		SkippedClaimed:    delta.SkippedClaimed,
		PendingImageCount: delta.PendingImages,
		Errors:            delta.Errors,
		Status:            updated.Status,
		TotalRows:         updated.TotalRows,
		ProcessedRows:     updated.ProcessedRows,
		IsComplete:        updated.ProcessedRows >= updated.TotalRows,
	}, nil
}

// processRow shields the chunk loop from a panicking processor: the row is
// recorded as an error and the loop moves on.
func (s *Service) processRow(ctx context.Context, index int, row json.RawMessage) (res RowResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "row processor panicked", "row_index", index, "panic", r)
			res = RowResult{Err: fmt.Errorf("row processor panic: %v", r)}
		}
	}()
	return s.processor.ProcessRow(ctx, index, row)
}

func completedResult(j *ImportJob) *BatchResult {
	return &BatchResult{
		Errors:        []RowError{},
		Status:        j.Status,
		TotalRows:     j.TotalRows,
		ProcessedRows: j.ProcessedRows,
		IsComplete:    true,
	}
}
