// Package cleanupqueue implements the retry queue that backstops the
// finally-delete guarantee (spec §7): when a TempStore SecureDelete
// attempt fails, the key is enqueued here instead of being silently
// dropped, and is retried with backoff until it succeeds or is abandoned.
// Records are held in process memory only; they do not survive a
// restart of the process.
//
// Grounded on the teacher's pkg/store/ledger (an append-only Obligation
// ledger keyed by id, advanced through states with a durable Create/Get/
// UpdateState contract) narrowed to a single-purpose "pending delete"
// record, and pkg/kernel/retry's backoff schedule for spacing attempts.
package cleanupqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fiscallayer/validation-core/pkg/retrypolicy"
)

// FailedDeleteRecord is a single pending-cleanup obligation, recorded in
// the Queue rather than merely logged.
type FailedDeleteRecord struct {
	Key          string
	Reason       string
	Attempts     int
	FirstFailAt  time.Time
	LastAttempt  time.Time
	NextAttempt  time.Time
	Abandoned    bool
}

// Deleter performs the actual delete attempt against a backend (normally
// tempstore.Store.SecureDelete, injected so this package has no import
// dependency on tempstore).
type Deleter func(ctx context.Context, key string) error

// Queue is the in-memory cleanup-retry queue; its records are lost when
// the process exits.
type Queue struct {
	mu      sync.Mutex
	records map[string]*FailedDeleteRecord
	retry   retrypolicy.Config
	maxAge  time.Duration
}

// DefaultMaxRetries bounds how many times a failed delete is retried
// before being surfaced as abandoned, absent an explicit override.
const DefaultMaxRetries = 5

// New returns a Queue using retryCfg to compute each entry's backoff delay
// (WithDefaults is applied if the caller passed a zero-value Config).
func New(retryCfg retrypolicy.Config) *Queue {
	cfg := retryCfg.WithDefaults()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Queue{
		records: map[string]*FailedDeleteRecord{},
		retry:   cfg,
	}
}

// Enqueue records a failed delete attempt for key. Re-enqueuing an
// existing, non-abandoned key increments its attempt count rather than
// resetting it.
func (q *Queue) Enqueue(key, reason string, now time.Time) *FailedDeleteRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, exists := q.records[key]
	if !exists {
		rec = &FailedDeleteRecord{
			Key:         key,
			FirstFailAt: now,
		}
		q.records[key] = rec
	}
	rec.Reason = reason
	rec.Attempts++
	rec.LastAttempt = now
	rec.NextAttempt = now.Add(q.retry.Delay(rec.Attempts - 1))
	if rec.Attempts > q.retry.MaxRetries {
		rec.Abandoned = true
	}
	return rec
}

// Pending returns all non-abandoned records whose NextAttempt has elapsed,
// as of now.
func (q *Queue) Pending(now time.Time) []FailedDeleteRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []FailedDeleteRecord
	for _, rec := range q.records {
		if !rec.Abandoned && !rec.NextAttempt.After(now) {
			out = append(out, *rec)
		}
	}
	return out
}

// MarkCompleted removes key from the queue once its delete has finally
// succeeded.
func (q *Queue) MarkCompleted(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.records, key)
}

// MarkFailed re-enqueues key after another failed attempt at now.
func (q *Queue) MarkFailed(key, reason string, now time.Time) *FailedDeleteRecord {
	return q.Enqueue(key, reason, now)
}

// Abandoned returns every record that has exhausted its retry budget
// (spec §7: "abandoned keys must be surfaced for operator action, never
// silently dropped").
func (q *Queue) Abandoned() []FailedDeleteRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []FailedDeleteRecord
	for _, rec := range q.records {
		if rec.Abandoned {
			out = append(out, *rec)
		}
	}
	return out
}

// Process attempts delete against every pending record, marking each
// completed or failed based on the outcome, and returns the keys that were
// newly abandoned during this pass.
func (q *Queue) Process(ctx context.Context, now time.Time, delete Deleter) ([]string, error) {
	pending := q.Pending(now)
	var newlyAbandoned []string

	for _, rec := range pending {
		err := delete(ctx, rec.Key)
		if err == nil {
			q.MarkCompleted(rec.Key)
			continue
		}
		updated := q.MarkFailed(rec.Key, fmt.Sprintf("%v", err), now)
		if updated.Abandoned {
			newlyAbandoned = append(newlyAbandoned, updated.Key)
		}
	}
	return newlyAbandoned, nil
}
