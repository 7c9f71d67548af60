package model

import "time"

// Execution describes the execution lifecycle fact of a step — independent
// of the validation verdict, which the policy gate derives from
// Diagnostics (spec §3).
type Execution string

const (
	ExecutionRan     Execution = "ran"
	ExecutionSkipped Execution = "skipped"
	ExecutionErrored Execution = "errored"
)

// StepError carries the execution-error taxonomy of spec §7: the step did
// not complete (as opposed to completing and finding the invoice
// defective, which is a Diagnostic instead).
type StepError struct {
	Name    string `json:"name"` // FilterNotFound | Timeout | Panic | Cancelled | ...
	Message string `json:"message"`

	// StatusCode and ErrorType let the retry harness (spec §4.5) classify
	// retryability without parsing Message text, matching the taxonomy's
	// "status/statusCode" and "code/type" fields on the error object.
	StatusCode int    `json:"statusCode,omitempty"`
	ErrorType  string `json:"errorType,omitempty"`
}

// StepResult is the outcome of one filter invocation (spec §3).
type StepResult struct {
	FilterID      string         `json:"filterId"`
	FilterVersion string         `json:"filterVersion"`
	Execution     Execution      `json:"execution"`
	Diagnostics   []Diagnostic   `json:"diagnostics"`
	DurationMs    int64          `json:"durationMs"`
	StartedAt     time.Time      `json:"startedAt"`
	CompletedAt   time.Time      `json:"completedAt"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Error         *StepError     `json:"error,omitempty"`
}

// HasErrorDiagnostic reports whether any diagnostic on a ran step has
// SeverityError.
func (r StepResult) HasErrorDiagnostic() bool {
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// DiagnosticCounts tallies diagnostics by severity.
func DiagnosticCounts(diags []Diagnostic) map[Severity]int {
	counts := map[Severity]int{}
	for _, d := range diags {
		counts[d.Severity]++
	}
	return counts
}
