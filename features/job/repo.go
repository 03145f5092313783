package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	Status Status
	Type   Type
}

// StatusUpdate carries the fields SetStatus writes alongside the status.
// Timestamps are never inferred from the status; callers pass them explicitly.
type StatusUpdate struct {
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

type Repository interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]Job, int, error)
	SetStatus(ctx context.Context, id string, status Status, upd StatusUpdate) error
	SetResult(ctx context.Context, id string, result json.RawMessage) (*Job, error)
	AddProgress(ctx context.Context, id string, processedDelta, failedDelta int) error
	IncrementAttempts(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) (*Job, error)
	MarkFailed(ctx context.Context, id string, lastErr string) (*Job, error)
	ResetForRetry(ctx context.Context, id string, actor string) (*Job, error)
	Cancel(ctx context.Context, id string, actor string) (*Job, error)
	ClaimNext(ctx context.Context, now time.Time) (*Job, error)
	ReapStale(ctx context.Context, cutoff time.Time) ([]Job, error)
	Count(ctx context.Context) (int, error)
	CountByStatus(ctx context.Context, status Status) (int, error)
}

const jobColumns = `id, type, status, priority, attempts, max_attempts, next_retry_at, scheduled_for,
	COALESCE(last_error, ''), total_items, processed_items, failed_items, payload, result,
	started_at, completed_at, created_at, COALESCE(created_by, '')`

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// Create inserts the job and its initiating audit entry in one transaction.
// A second active job of the same type trips the jobs_one_active_per_type
// partial unique index, which surfaces here as ErrConflict.
func (r *PostgresRepo) Create(ctx context.Context, j *Job) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `INSERT INTO jobs (type, payload, priority, scheduled_for, max_attempts, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, status, attempts, created_at`
	err = tx.QueryRowContext(ctx, query,
		j.Type, j.Payload, j.Priority, j.ScheduledFor, j.MaxAttempts, nullString(j.CreatedBy),
	).Scan(&j.ID, &j.Status, &j.Attempts, &j.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: a %s job is already active", ErrConflict, j.Type)
		}
		return err
	}

	audit := `INSERT INTO job_audits (job_id, action, actor) VALUES ($1, 'created', $2)`
	if _, err := tx.ExecContext(ctx, audit, j.ID, nullString(j.CreatedBy)); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	j, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (r *PostgresRepo) List(ctx context.Context, f Filter, limit, offset int) ([]Job, int, error) {
	if limit <= 0 {
		limit = 50
	}

	where := ` WHERE ($1 = '' OR status = $1) AND ($2 = '' OR type = $2)`

	var total int
	countQuery := `SELECT COUNT(*) FROM jobs` + where
	if err := r.db.QueryRowContext(ctx, countQuery, string(f.Status), string(f.Type)).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + jobColumns + ` FROM jobs` + where + ` ORDER BY created_at DESC LIMIT $3 OFFSET $4`
	rows, err := r.db.QueryContext(ctx, query, string(f.Status), string(f.Type), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, total, rows.Err()
}

func (r *PostgresRepo) SetStatus(ctx context.Context, id string, status Status, upd StatusUpdate) error {
	query := `UPDATE jobs SET
		status = $1,
		last_error = COALESCE($2, last_error),
		started_at = COALESCE($3, started_at),
		completed_at = COALESCE($4, completed_at)
		WHERE id = $5`
	res, err := r.db.ExecContext(ctx, query, status, upd.Error, upd.StartedAt, upd.CompletedAt, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetResult completes a processing job and stores its result. Completing a
// job that is not processing is a conflict, not a silent overwrite.
func (r *PostgresRepo) SetResult(ctx context.Context, id string, result json.RawMessage) (*Job, error) {
	query := `UPDATE jobs SET status = 'completed', result = $1, completed_at = NOW()
		WHERE id = $2 AND status = 'processing'
		RETURNING ` + jobColumns
	j, err := scanJob(r.db.QueryRowContext(ctx, query, result, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.conflictOrNotFound(ctx, id, "complete")
	}
	return j, err
}

// AddProgress applies counter deltas against the live row. The arithmetic
// happens inside the UPDATE so concurrent progress reports cannot lose each
// other's contribution.
func (r *PostgresRepo) AddProgress(ctx context.Context, id string, processedDelta, failedDelta int) error {
	query := `UPDATE jobs SET
		processed_items = LEAST(processed_items + $1, total_items),
		failed_items = failed_items + $2
		WHERE id = $3`
	res, err := r.db.ExecContext(ctx, query, processedDelta, failedDelta, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *PostgresRepo) IncrementAttempts(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) (*Job, error) {
	query := `UPDATE jobs SET attempts = attempts + 1, next_retry_at = $1, last_error = $2, status = 'pending'
		WHERE id = $3
		RETURNING ` + jobColumns
	j, err := scanJob(r.db.QueryRowContext(ctx, query, nextRetryAt, lastErr, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// MarkFailed terminally fails a job, counting the attempt that failed it.
func (r *PostgresRepo) MarkFailed(ctx context.Context, id string, lastErr string) (*Job, error) {
	query := `UPDATE jobs SET status = 'failed', attempts = LEAST(attempts + 1, max_attempts),
		last_error = $1, completed_at = NOW()
		WHERE id = $2
		RETURNING ` + jobColumns
	j, err := scanJob(r.db.QueryRowContext(ctx, query, lastErr, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// ResetForRetry revives a job from any state back to a clean pending slate.
// This is the only path that resurrects a terminally failed job.
func (r *PostgresRepo) ResetForRetry(ctx context.Context, id string, actor string) (*Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `UPDATE jobs SET
		status = 'pending', attempts = 0, max_attempts = $1,
		last_error = NULL, result = NULL, next_retry_at = NULL,
		started_at = NULL, completed_at = NULL
		WHERE id = $2
		RETURNING ` + jobColumns
	j, err := scanJob(tx.QueryRowContext(ctx, query, DefaultMaxAttempts, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	audit := `INSERT INTO job_audits (job_id, action, actor) VALUES ($1, 'retried', $2)`
	if _, err := tx.ExecContext(ctx, audit, id, nullString(actor)); err != nil {
		return nil, err
	}

	return j, tx.Commit()
}

// Cancel transitions a pending or processing job to cancelled. On any other
// status it is a no-op reported as ErrConflict so callers can tell it apart
// from success.
func (r *PostgresRepo) Cancel(ctx context.Context, id string, actor string) (*Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `UPDATE jobs SET status = 'cancelled', completed_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')
		RETURNING ` + jobColumns
	j, err := scanJob(tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.conflictOrNotFound(ctx, id, "cancel")
	}
	if err != nil {
		return nil, err
	}

	audit := `INSERT INTO job_audits (job_id, action, actor) VALUES ($1, 'cancelled', $2)`
	if _, err := tx.ExecContext(ctx, audit, id, nullString(actor)); err != nil {
		return nil, err
	}

	return j, tx.Commit()
}

// ClaimNext selects the oldest eligible pending job and marks it processing
// in one transaction. FOR UPDATE SKIP LOCKED keeps overlapping dispatcher
// ticks from claiming the same row. Returns (nil, nil) when nothing is due.
func (r *PostgresRepo) ClaimNext(ctx context.Context, now time.Time) (*Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	selectQuery := `SELECT id FROM jobs
		WHERE status = 'pending'
		AND (next_retry_at IS NULL OR next_retry_at <= $1)
		AND (scheduled_for IS NULL OR scheduled_for <= $1)
		AND NOT EXISTS (
			SELECT 1 FROM jobs active WHERE active.type = jobs.type AND active.status = 'processing'
		)
		ORDER BY priority DESC, created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`

	var id string
	err = tx.QueryRowContext(ctx, selectQuery, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, err
	}

	claimQuery := `UPDATE jobs SET status = 'processing', started_at = $1
		WHERE id = $2
		RETURNING ` + jobColumns
	j, err := scanJob(tx.QueryRowContext(ctx, claimQuery, now, id))
	if err != nil {
		return nil, err
	}

	return j, tx.Commit()
}

// ReapStale force-fails jobs stuck in processing since before the cutoff.
func (r *PostgresRepo) ReapStale(ctx context.Context, cutoff time.Time) ([]Job, error) {
	query := `UPDATE jobs SET status = 'failed', last_error = $1, completed_at = NOW()
		WHERE status = 'processing' AND started_at < $2
		RETURNING ` + jobColumns
	rows, err := r.db.QueryContext(ctx, query, TimeoutError, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reaped []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		reaped = append(reaped, *j)
	}
	return reaped, rows.Err()
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&count)
	return count, err
}

func (r *PostgresRepo) CountByStatus(ctx context.Context, status Status) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = $1`, status).Scan(&count)
	return count, err
}

// conflictOrNotFound classifies a guarded UPDATE that matched no rows.
func (r *PostgresRepo) conflictOrNotFound(ctx context.Context, id, action string) error {
	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: cannot %s job in status %s", ErrConflict, action, current.Status)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j           Job
		nextRetryAt sql.NullTime
		scheduled   sql.NullTime
		startedAt   sql.NullTime
		completedAt sql.NullTime
		payload     []byte
		result      []byte
	)
	err := row.Scan(
		&j.ID, &j.Type, &j.Status, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&nextRetryAt, &scheduled, &j.LastError,
		&j.TotalItems, &j.ProcessedItems, &j.FailedItems,
		&payload, &result, &startedAt, &completedAt, &j.CreatedAt, &j.CreatedBy,
	)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	if result != nil {
		j.Result = json.RawMessage(result)
	}
	j.NextRetryAt = timePtr(nextRetryAt)
	j.ScheduledFor = timePtr(scheduled)
	j.StartedAt = timePtr(startedAt)
	j.CompletedAt = timePtr(completedAt)
	return &j, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
