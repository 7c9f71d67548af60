// Package obslog is the engine's structured JSON event logger. It carries
// no third-party dependency by design: every event it writes is a single
// encoding/json-marshaled line, the same shape as the teacher's
// pkg/audit.Event, written to an io.Writer under a mutex rather than kept
// in a durable audit trail — this engine's run history lives in
// vctx.Context/pkg/report, not in the log stream.
package obslog

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fiscallayer/validation-core/pkg/hooks"
	"github.com/fiscallayer/validation-core/pkg/model"
	"github.com/google/uuid"
)

// EventType categorizes a logged event, mirroring the teacher's
// pkg/audit.EventType vocabulary narrowed to this engine's lifecycle.
type EventType string

const (
	EventRunStart      EventType = "RUN_START"
	EventStepStart     EventType = "STEP_START"
	EventStepComplete  EventType = "STEP_COMPLETE"
	EventRunComplete   EventType = "RUN_COMPLETE"
	EventCleanup       EventType = "CLEANUP"
)

// Event is the single structured record written per log line.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	RunID     string         `json:"runId"`
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger writes one JSON line per pipeline lifecycle event to an
// io.Writer. It implements hooks.Observer so it can be registered
// directly into a pipeline's hooks.Fanout.
type Logger struct {
	mu     sync.Mutex
	writer io.Writer
}

// New returns a Logger writing to os.Stdout.
func New() *Logger { return NewWithWriter(os.Stdout) }

// NewWithWriter returns a Logger writing to w (nil defaults to os.Stdout).
func NewWithWriter(w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{writer: w}
}

func (l *Logger) write(e Event) {
	e.ID = uuid.New().String()
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.writer.Write(append(b, '\n'))
}

func (l *Logger) OnRunStart(e hooks.RunStartEvent) {
	l.write(Event{
		Type:      EventRunStart,
		RunID:     e.RunID,
		Action:    "run.start",
		Timestamp: e.StartedAt,
		Metadata:  map[string]any{"correlationId": e.CorrelationID, "planId": e.PlanID},
	})
}

func (l *Logger) OnStepStart(e hooks.StepStartEvent) {
	l.write(Event{
		Type:      EventStepStart,
		RunID:     e.RunID,
		Action:    "step.start",
		Timestamp: e.StartedAt,
		Metadata:  map[string]any{"filterId": e.FilterID},
	})
}

func (l *Logger) OnStepComplete(e hooks.StepCompleteEvent) {
	meta := map[string]any{
		"filterId":  e.Result.FilterID,
		"execution": e.Result.Execution,
	}
	if e.Result.Error != nil {
		meta["error"] = model.Sanitize(e.Result.Error.Message)
	}
	l.write(Event{
		Type:      EventStepComplete,
		RunID:     e.RunID,
		Action:    "step.complete",
		Timestamp: time.Now(),
		Metadata:  meta,
	})
}

func (l *Logger) OnRunComplete(e hooks.RunCompleteEvent) {
	l.write(Event{
		Type:      EventRunComplete,
		RunID:     e.RunID,
		Action:    "run.complete",
		Timestamp: e.CompletedAt,
		Metadata:  map[string]any{"aborted": e.Aborted, "abortReason": e.AbortReason},
	})
}

func (l *Logger) OnCleanup(e hooks.CleanupEvent) {
	l.write(Event{
		Type:      EventCleanup,
		RunID:     e.RunID,
		Action:    "cleanup",
		Timestamp: time.Now(),
		Metadata:  map[string]any{"key": e.Key, "success": e.Success, "reason": e.Reason},
	})
}
