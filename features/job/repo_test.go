package job_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor/features/job"
)

var jobColumns = []string{
	"id", "type", "status", "priority", "attempts", "max_attempts",
	"next_retry_at", "scheduled_for", "last_error",
	"total_items", "processed_items", "failed_items",
	"payload", "result", "started_at", "completed_at", "created_at", "created_by",
}

func jobRow(id string, status job.Status, attempts int) *sqlmock.Rows {
	return sqlmock.NewRows(jobColumns).AddRow(
		id, "review_import", string(status), 0, attempts, 3,
		nil, nil, "",
		0, 0, 0,
		[]byte(`{}`), nil, nil, nil, time.Now(), "admin",
	)
}

func TestPostgresRepo_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)

	t.Run("Success", func(t *testing.T) {
		j := &job.Job{
			Type:        job.TypeReviewImport,
			Payload:     []byte(`{"source":"gmb"}`),
			MaxAttempts: job.DefaultMaxAttempts,
			CreatedBy:   "admin",
		}

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO jobs (type, payload, priority, scheduled_for, max_attempts, created_by)")).
			WithArgs(j.Type, []byte(`{"source":"gmb"}`), 0, nil, 3, sql.NullString{String: "admin", Valid: true}).
			WillReturnRows(sqlmock.NewRows([]string{"id", "status", "attempts", "created_at"}).
				AddRow("job-1", "pending", 0, time.Now()))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO job_audits (job_id, action, actor) VALUES ($1, 'created', $2)")).
			WithArgs("job-1", sql.NullString{String: "admin", Valid: true}).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := repo.Create(context.Background(), j)
		assert.NoError(t, err)
		assert.Equal(t, "job-1", j.ID)
		assert.Equal(t, job.StatusPending, j.Status)
	})

	t.Run("ConflictOnActiveDuplicate", func(t *testing.T) {
		j := &job.Job{Type: job.TypeReviewImport, Payload: []byte(`{}`), MaxAttempts: 3}

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO jobs")).
			WillReturnError(&pq.Error{Code: "23505", Constraint: "jobs_one_active_per_type"})
		mock.ExpectRollback()

		err := repo.Create(context.Background(), j)
		assert.ErrorIs(t, err, job.ErrConflict)
	})
}

func TestPostgresRepo_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)

	t.Run("Success", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE id = $1")).
			WithArgs("job-1").
			WillReturnRows(jobRow("job-1", job.StatusPending, 0))

		j, err := repo.Get(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, "job-1", j.ID)
		assert.Nil(t, j.NextRetryAt)
		assert.Nil(t, j.Result)
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE id = $1")).
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		_, err := repo.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, job.ErrNotFound)
	})
}

func TestPostgresRepo_List(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM jobs")).
		WithArgs("pending", "").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC LIMIT $3 OFFSET $4")).
		WithArgs("pending", "", 50, 0).
		WillReturnRows(jobRow("job-1", job.StatusPending, 0))

	jobs, total, err := repo.List(context.Background(), job.Filter{Status: job.StatusPending}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
	assert.Equal(t, 1, total)
}

func TestPostgresRepo_ClaimNext(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)
	now := time.Now()

	t.Run("ClaimsOldestEligible", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
			WithArgs(now).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-1"))
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs SET status = 'processing', started_at = $1")).
			WithArgs(now, "job-1").
			WillReturnRows(jobRow("job-1", job.StatusProcessing, 0))
		mock.ExpectCommit()

		j, err := repo.ClaimNext(context.Background(), now)
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, job.StatusProcessing, j.Status)
	})

	t.Run("EmptyQueue", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
			WithArgs(now).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectCommit()

		j, err := repo.ClaimNext(context.Background(), now)
		require.NoError(t, err)
		assert.Nil(t, j)
	})
}

func TestPostgresRepo_IncrementAttempts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)
	nextRetry := time.Now().Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs SET attempts = attempts + 1, next_retry_at = $1, last_error = $2, status = 'pending'")).
		WithArgs(nextRetry, "boom", "job-1").
		WillReturnRows(jobRow("job-1", job.StatusPending, 1))

	j, err := repo.IncrementAttempts(context.Background(), "job-1", nextRetry, "boom")
	require.NoError(t, err)
	assert.Equal(t, 1, j.Attempts)
	assert.Equal(t, job.StatusPending, j.Status)
}

func TestPostgresRepo_MarkFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs SET status = 'failed', attempts = LEAST(attempts + 1, max_attempts)")).
		WithArgs("boom", "job-1").
		WillReturnRows(jobRow("job-1", job.StatusFailed, 3))

	j, err := repo.MarkFailed(context.Background(), "job-1", "boom")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, 3, j.Attempts)
}

func TestPostgresRepo_ResetForRetry(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("status = 'pending', attempts = 0, max_attempts = $1")).
		WithArgs(3, "job-1").
		WillReturnRows(jobRow("job-1", job.StatusPending, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO job_audits (job_id, action, actor) VALUES ($1, 'retried', $2)")).
		WithArgs("job-1", sql.NullString{String: "admin", Valid: true}).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	j, err := repo.ResetForRetry(context.Background(), "job-1", "admin")
	require.NoError(t, err)
	assert.Equal(t, 0, j.Attempts)
	assert.Equal(t, job.StatusPending, j.Status)
}

func TestPostgresRepo_Cancel(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)

	t.Run("CancelsActiveJob", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs SET status = 'cancelled', completed_at = NOW()")).
			WithArgs("job-1").
			WillReturnRows(jobRow("job-1", job.StatusCancelled, 0))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO job_audits (job_id, action, actor) VALUES ($1, 'cancelled', $2)")).
			WithArgs("job-1", sql.NullString{}).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		j, err := repo.Cancel(context.Background(), "job-1", "")
		require.NoError(t, err)
		assert.Equal(t, job.StatusCancelled, j.Status)
	})

	t.Run("NoopOnTerminalJob", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs SET status = 'cancelled', completed_at = NOW()")).
			WithArgs("job-2").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE id = $1")).
			WithArgs("job-2").
			WillReturnRows(jobRow("job-2", job.StatusCompleted, 1))
		mock.ExpectRollback()

		_, err := repo.Cancel(context.Background(), "job-2", "")
		assert.ErrorIs(t, err, job.ErrConflict)
	})
}

func TestPostgresRepo_SetResult(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)

	t.Run("CompletesProcessingJob", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs SET status = 'completed', result = $1, completed_at = NOW()")).
			WithArgs([]byte(`{"ok":true}`), "job-1").
			WillReturnRows(jobRow("job-1", job.StatusCompleted, 1))

		j, err := repo.SetResult(context.Background(), "job-1", []byte(`{"ok":true}`))
		require.NoError(t, err)
		assert.Equal(t, job.StatusCompleted, j.Status)
	})

	t.Run("ConflictWhenNotProcessing", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs SET status = 'completed', result = $1, completed_at = NOW()")).
			WithArgs([]byte(`{}`), "job-2").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE id = $1")).
			WithArgs("job-2").
			WillReturnRows(jobRow("job-2", job.StatusPending, 0))

		_, err := repo.SetResult(context.Background(), "job-2", []byte(`{}`))
		assert.ErrorIs(t, err, job.ErrConflict)
	})
}

func TestPostgresRepo_AddProgress(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)

	t.Run("AppliesDeltas", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("processed_items = LEAST(processed_items + $1, total_items)")).
			WithArgs(10, 2, "job-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.AddProgress(context.Background(), "job-1", 10, 2)
		assert.NoError(t, err)
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("processed_items = LEAST(processed_items + $1, total_items)")).
			WithArgs(1, 0, "missing").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.AddProgress(context.Background(), "missing", 1, 0)
		assert.ErrorIs(t, err, job.ErrNotFound)
	})
}

func TestPostgresRepo_ReapStale(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)
	cutoff := time.Now().Add(-30 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs SET status = 'failed', last_error = $1, completed_at = NOW()")).
		WithArgs(job.TimeoutError, cutoff).
		WillReturnRows(jobRow("job-1", job.StatusFailed, 1))

	reaped, err := repo.ReapStale(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, job.StatusFailed, reaped[0].Status)
}

func TestPostgresRepo_Counts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM jobs")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	count, err := repo.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, count)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM jobs WHERE status = $1")).
		WithArgs(job.StatusFailed).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	failed, err := repo.CountByStatus(context.Background(), job.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, 2, failed)
}
