package importjob

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type Repository interface {
	Create(ctx context.Context, rows []json.RawMessage) (*ImportJob, error)
	Get(ctx context.Context, id string) (*ImportJob, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string) error
	ApplyChunk(ctx context.Context, id string, d ChunkDelta) (*ImportJob, error)
	Count(ctx context.Context) (int, error)
}

const importColumns = `id, status, raw_data, total_rows, processed_rows,
	imported_count, updated_count, skipped_count, skipped_claimed_count,
	error_count, pending_image_count, errors, started_at, completed_at, created_at`

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Create(ctx context.Context, rows []json.RawMessage) (*ImportJob, error) {
	if rows == nil {
		rows = []json.RawMessage{}
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		return nil, err
	}

	j := &ImportJob{RawData: rows, TotalRows: len(rows), Errors: []RowError{}}
	query := `INSERT INTO import_jobs (raw_data, total_rows) VALUES ($1, $2)
		RETURNING id, status, created_at`
	err = r.db.QueryRowContext(ctx, query, raw, len(rows)).Scan(&j.ID, &j.Status, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*ImportJob, error) {
	query := `SELECT ` + importColumns + ` FROM import_jobs WHERE id = $1`
	j, err := scanImportJob(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// MarkProcessing moves a pending job to processing and stamps started_at.
// The status guard makes the transition idempotent: a job already processing
// is left untouched.
func (r *PostgresRepo) MarkProcessing(ctx context.Context, id string) error {
	query := `UPDATE import_jobs SET status = 'processing', started_at = NOW()
		WHERE id = $1 AND status = 'pending'`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

// MarkCompleted finishes a job whose remaining slice is empty.
func (r *PostgresRepo) MarkCompleted(ctx context.Context, id string) error {
	query := `UPDATE import_jobs SET status = 'completed', completed_at = COALESCE(completed_at, NOW())
		WHERE id = $1 AND status IN ('pending', 'processing')`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

// ApplyChunk adds one chunk's deltas to the cumulative counters and appends
// its error records, all in a single UPDATE against the live row. When the
// chunk brings processed_rows up to total_rows the same statement flips the
// job to completed, so there is no window where a finished job still reads
// as processing.
func (r *PostgresRepo) ApplyChunk(ctx context.Context, id string, d ChunkDelta) (*ImportJob, error) {
	if d.Errors == nil {
		d.Errors = []RowError{}
	}
	errJSON, err := json.Marshal(d.Errors)
	if err != nil {
		return nil, err
	}

	query := `UPDATE import_jobs SET
		processed_rows = LEAST(processed_rows + $1, total_rows),
		imported_count = imported_count + $2,
		updated_count = updated_count + $3,
		skipped_count = skipped_count + $4,
		skipped_claimed_count = skipped_claimed_count + $5,
		pending_image_count = pending_image_count + $6,
		error_count = error_count + $7,
		errors = errors || $8::jsonb,
		status = CASE WHEN processed_rows + $1 >= total_rows THEN 'completed' ELSE status END,
		completed_at = CASE WHEN processed_rows + $1 >= total_rows THEN NOW() ELSE completed_at END
		WHERE id = $9
		RETURNING ` + importColumns
	j, err := scanImportJob(r.db.QueryRowContext(ctx, query,
		d.Processed, d.Imported, d.Updated, d.Skipped, d.SkippedClaimed,
		d.PendingImages, len(d.Errors), errJSON, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM import_jobs`).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanImportJob(row rowScanner) (*ImportJob, error) {
	var (
		j           ImportJob
		raw         []byte
		errorsJSON  []byte
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&j.ID, &j.Status, &raw, &j.TotalRows, &j.ProcessedRows,
		&j.ImportedCount, &j.UpdatedCount, &j.SkippedCount, &j.SkippedClaimedCount,
		&j.ErrorCount, &j.PendingImageCount, &errorsJSON,
		&startedAt, &completedAt, &j.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &j.RawData); err != nil {
		return nil, fmt.Errorf("corrupt raw_data for import job %s: %w", j.ID, err)
	}
	if err := json.Unmarshal(errorsJSON, &j.Errors); err != nil {
		return nil, fmt.Errorf("corrupt errors for import job %s: %w", j.ID, err)
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	return &j, nil
}
