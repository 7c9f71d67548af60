package jobrepo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	correlation_id TEXT,
	status TEXT NOT NULL,
	plan_id TEXT,
	result_json TEXT,
	error_summary TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_tenant ON jobs(tenant_id);
`

// SQLiteRepository is the embedded/test-friendly Repository backend,
// driven by modernc.org/sqlite (a pure-Go driver, avoiding a cgo build
// dependency in CI and single-binary deployments).
type SQLiteRepository struct {
	db    *sql.DB
	clock func() time.Time
}

// OpenSQLite opens (and migrates) a SQLite-backed job repository at path
// (use ":memory:" for ephemeral/test use).
func OpenSQLite(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("jobrepo: open sqlite: %w", err)
	}
	r := &SQLiteRepository{db: db, clock: time.Now}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("jobrepo: migrate sqlite: %w", err)
	}
	return r, nil
}

func (r *SQLiteRepository) CreateJob(ctx context.Context, job Job) error {
	now := r.clock()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, tenant_id, correlation_id, status, plan_id, result_json, error_summary, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.TenantID, job.CorrelationID, StatusQueued, job.PlanID, "", "", 0, now, now)
	if err != nil {
		return fmt.Errorf("jobrepo: create job: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetJobByID(ctx context.Context, id string) (Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, correlation_id, status, plan_id, result_json, error_summary, attempts, created_at, updated_at
		FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("jobrepo: get job: %w", err)
	}
	return j, nil
}

func (r *SQLiteRepository) UpdateJobStatus(ctx context.Context, id string, expectedCurrent, next Status) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		next, r.clock(), id, expectedCurrent)
	if err != nil {
		return fmt.Errorf("jobrepo: update status: %w", err)
	}
	return checkCASResult(res)
}

func (r *SQLiteRepository) StoreJobResult(ctx context.Context, id, resultJSON string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET result_json = ?, status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		resultJSON, StatusCompleted, r.clock(), id, StatusQueued, StatusRunning)
	if err != nil {
		return fmt.Errorf("jobrepo: store result: %w", err)
	}
	return checkCASResult(res)
}

func (r *SQLiteRepository) StoreJobError(ctx context.Context, id, errorSummary string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET error_summary = ?, status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		errorSummary, StatusFailed, r.clock(), id, StatusQueued, StatusRunning)
	if err != nil {
		return fmt.Errorf("jobrepo: store error: %w", err)
	}
	return checkCASResult(res)
}

func (r *SQLiteRepository) GetJobsByStatus(ctx context.Context, status Status, limit int) ([]Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, correlation_id, status, plan_id, result_json, error_summary, attempts, created_at, updated_at
		FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT ?`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("jobrepo: list by status: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanJobs(rows)
}

func (r *SQLiteRepository) GetJobsByTenant(ctx context.Context, tenantID string, limit int) ([]Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, correlation_id, status, plan_id, result_json, error_summary, attempts, created_at, updated_at
		FROM jobs WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("jobrepo: list by tenant: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanJobs(rows)
}

func (r *SQLiteRepository) CancelJob(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusCancelled, r.clock(), id, StatusQueued, StatusRunning)
	if err != nil {
		return fmt.Errorf("jobrepo: cancel job: %w", err)
	}
	return checkCASResult(res)
}

func (r *SQLiteRepository) IncrementRetry(ctx context.Context, id string) (int, error) {
	_, err := r.db.ExecContext(ctx, `UPDATE jobs SET attempts = attempts + 1, updated_at = ? WHERE id = ?`, r.clock(), id)
	if err != nil {
		return 0, fmt.Errorf("jobrepo: increment retry: %w", err)
	}
	job, err := r.GetJobByID(ctx, id)
	if err != nil {
		return 0, err
	}
	return job.Attempts, nil
}

func (r *SQLiteRepository) ClaimJob(ctx context.Context, id string) (Job, error) {
	if err := r.UpdateJobStatus(ctx, id, StatusQueued, StatusRunning); err != nil {
		return Job{}, err
	}
	return r.GetJobByID(ctx, id)
}

func (r *SQLiteRepository) GetStats(ctx context.Context) (Stats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("jobrepo: stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := map[Status]int{}
	for rows.Next() {
		var s Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return Stats{}, err
		}
		counts[s] = n
	}
	return Stats{Counts: counts}, rows.Err()
}

func (r *SQLiteRepository) CleanupOldJobs(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE updated_at < ? AND status IN (?, ?, ?)`,
		olderThan, StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return 0, fmt.Errorf("jobrepo: cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func checkCASResult(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("jobrepo: rows affected: %w", err)
	}
	if n == 0 {
		return ErrCASConflict
	}
	return nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
