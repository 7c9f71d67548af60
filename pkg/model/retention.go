package model

import "time"

// RetentionWarning reports that the zero-retention guarantee was degraded:
// the raw invoice bytes could not be purged from the TempStore on the
// guaranteed-cleanup path and were handed to the cleanup queue instead
// (spec §4.4, §8 Testable Property 4).
type RetentionWarning struct {
	Code          string    `json:"code"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
	AffectedCount int       `json:"affectedCount"`
}

const (
	// RetentionWarningCleanupQueued marks a delete that failed once and was
	// handed to the cleanup queue for retry.
	RetentionWarningCleanupQueued = "CLEANUP_QUEUED"
	// RetentionWarningCleanupPartial marks a delete that the cleanup queue
	// itself could not fully resolve after retries.
	RetentionWarningCleanupPartial = "CLEANUP_PARTIAL"
	// RetentionWarningCleanupError marks a delete abandoned by the cleanup
	// queue (retry budget exhausted).
	RetentionWarningCleanupError = "CLEANUP_ERROR"
)
