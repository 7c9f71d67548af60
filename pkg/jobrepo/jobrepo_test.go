package jobrepo

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

// TestUpdateJobStatus_CASAppliesOnlyFromExpectedStatus verifies §8
// Testable Property 3 against the Postgres backend via go-sqlmock: a
// status transition only applies when the stored status still matches
// expectedCurrent.
func TestUpdateJobStatus_CASAppliesOnlyFromExpectedStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4")).
		WithArgs(StatusRunning, sqlmock.AnyArg(), "job-1", StatusQueued).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpdateJobStatus(context.Background(), "job-1", StatusQueued, StatusRunning))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestUpdateJobStatus_CASConflictReturnsErrorNotPanic verifies the second
// concurrent UpdateJobStatus(queued->running) call on an already-moved
// job affects zero rows and surfaces ErrCASConflict rather than silently
// succeeding.
func TestUpdateJobStatus_CASConflictReturnsErrorNotPanic(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4")).
		WithArgs(StatusRunning, sqlmock.AnyArg(), "job-1", StatusQueued).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.UpdateJobStatus(context.Background(), "job-1", StatusQueued, StatusRunning)
	require.ErrorIs(t, err, ErrCASConflict)
}

// TestStoreJobResult_TerminalJobIsNoOp verifies §8 Testable Property 2:
// a job already in a terminal state rejects a redelivered StoreJobResult
// without mutating any column — the UPDATE is issued, but its WHERE clause
// excludes the job, so zero rows are affected and ErrCASConflict results.
func TestStoreJobResult_TerminalJobIsNoOp(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET result_json = $1, status = $2, updated_at = $3")).
		WithArgs("{}", StatusCompleted, sqlmock.AnyArg(), "job-done", StatusQueued, StatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.StoreJobResult(context.Background(), "job-done", "{}")
	require.ErrorIs(t, err, ErrCASConflict)
}

func TestCreateJob_InsertsInitialRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobs")).
		WithArgs("job-2", "tenant-a", "corr-1", StatusQueued, "plan-1", "", "", 0, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = repo.CreateJob(context.Background(), Job{ID: "job-2", TenantID: "tenant-a", CorrelationID: "corr-1", PlanID: "plan-1"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestSQLiteRepository_FullLifecycle exercises CreateJob -> ClaimJob ->
// StoreJobResult end-to-end against the embedded backend, then confirms
// the now-terminal job rejects a second StoreJobResult (at-least-once
// redelivery safety, §8 Testable Property 2) without the go-sqlmock
// indirection.
func TestSQLiteRepository_FullLifecycle(t *testing.T) {
	repo, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	require.NoError(t, repo.CreateJob(ctx, Job{ID: "job-3", TenantID: "tenant-b", PlanID: "plan-1"}))

	claimed, err := repo.ClaimJob(ctx, "job-3")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, claimed.Status)

	require.NoError(t, repo.StoreJobResult(ctx, "job-3", `{"decision":"ALLOW"}`))

	job, err := repo.GetJobByID(ctx, "job-3")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, job.Status)
	require.Equal(t, `{"decision":"ALLOW"}`, job.ResultJSON)

	// Redelivered completion: must be rejected, not re-applied.
	err = repo.StoreJobResult(ctx, "job-3", `{"decision":"BLOCK"}`)
	require.ErrorIs(t, err, ErrCASConflict)

	job, err = repo.GetJobByID(ctx, "job-3")
	require.NoError(t, err)
	require.Equal(t, `{"decision":"ALLOW"}`, job.ResultJSON)
}

func TestSQLiteRepository_GetJobByID_NotFound(t *testing.T) {
	repo, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer repo.Close()

	_, err = repo.GetJobByID(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteRepository_CleanupOldJobs(t *testing.T) {
	repo, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	require.NoError(t, repo.CreateJob(ctx, Job{ID: "job-old", TenantID: "t"}))
	_, err = repo.ClaimJob(ctx, "job-old")
	require.NoError(t, err)
	require.NoError(t, repo.StoreJobResult(ctx, "job-old", "{}"))

	n, err := repo.CleanupOldJobs(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = repo.GetJobByID(ctx, "job-old")
	require.ErrorIs(t, err, ErrNotFound)
}
