// Package jobrepo implements the durable job repository backing
// at-least-once submission (spec §4.9): jobs move through a fixed status
// lifecycle with compare-and-set transitions so a redelivered request
// can never double-execute or silently clobber a terminal result.
//
// Grounded on the teacher's pkg/api.PostgresIdempotencyStore (a
// sql.DB-backed upsert keyed by an idempotency key with a TTL'd cleanup
// sweep) and pkg/registry.PostgresRegistry (ON CONFLICT upsert schema
// embedded as a const migration string, context-scoped queries),
// generalized from caching HTTP responses / bundle manifests to a job's
// full lifecycle record.
package jobrepo

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Status is a job's lifecycle state (spec §4.9).
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ErrNotFound is returned when a job id is unknown.
var ErrNotFound = errors.New("jobrepo: job not found")

// terminalStatuses are the statuses a job ends in. The repositories do not
// consult this set: StoreJobResult and StoreJobError write only while a job
// is queued or running, and UpdateJobStatus checks only that the current
// status equals expectedCurrent.
var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// ErrCASConflict is returned when UpdateJobStatus's expected current status
// does not match the stored one (spec §4.9: "status transitions are
// compare-and-set; a stale writer must not be allowed to overwrite a
// newer transition").
var ErrCASConflict = errors.New("jobrepo: compare-and-set conflict")

// Job is one validation submission's durable record.
type Job struct {
	ID            string
	TenantID      string
	CorrelationID string
	Status        Status
	PlanID        string
	ResultJSON    string // canonical JSON of report.ValidationReport, once available
	ErrorSummary  string // sanitized; never raw invoice content
	Attempts      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Stats summarizes job counts by status, for operational dashboards.
type Stats struct {
	Counts map[Status]int
}

// Repository is the job lifecycle store contract.
type Repository interface {
	CreateJob(ctx context.Context, job Job) error
	GetJobByID(ctx context.Context, id string) (Job, error)
	// UpdateJobStatus performs a CAS transition: it only applies if the
	// job's stored status equals expectedCurrent.
	UpdateJobStatus(ctx context.Context, id string, expectedCurrent, next Status) error
	// StoreJobResult writes resultJSON and transitions the job to
	// StatusCompleted, but only if the job's current status is not
	// already terminal (spec §8 Testable Property 2: "for every job J
	// already in a terminal state, StoreJobResult(J, …) returns absent and
	// does not mutate any column"). A redelivered at-least-once completion
	// message is therefore a safe no-op, returning ErrCASConflict rather
	// than clobbering an already-terminal row.
	StoreJobResult(ctx context.Context, id, resultJSON string) error
	StoreJobError(ctx context.Context, id, errorSummary string) error
	GetJobsByStatus(ctx context.Context, status Status, limit int) ([]Job, error)
	GetJobsByTenant(ctx context.Context, tenantID string, limit int) ([]Job, error)
	CancelJob(ctx context.Context, id string) error
	IncrementRetry(ctx context.Context, id string) (int, error)
	// ClaimJob performs an atomic queued->running CAS, returning
	// ErrCASConflict if another worker already claimed it.
	ClaimJob(ctx context.Context, id string) (Job, error)
	GetStats(ctx context.Context) (Stats, error)
	CleanupOldJobs(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}

// scanJob is shared between backends' row scanning.
func scanJob(row interface{ Scan(dest ...any) error }) (Job, error) {
	var j Job
	var resultJSON, errorSummary sql.NullString
	if err := row.Scan(&j.ID, &j.TenantID, &j.CorrelationID, &j.Status, &j.PlanID,
		&resultJSON, &errorSummary, &j.Attempts, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return Job{}, err
	}
	j.ResultJSON = resultJSON.String
	j.ErrorSummary = errorSummary.String
	return j, nil
}
