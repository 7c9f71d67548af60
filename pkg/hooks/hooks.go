// Package hooks implements the pipeline's lifecycle observer fan-out (spec
// §4.7): run-start, step-start, step-complete, run-complete, and cleanup
// events, delivered to zero or more registered Observers so that logging,
// metrics, and webhook notification can all attach to the same
// orchestrator without it knowing about any of them directly.
//
// Grounded on the teacher's pkg/interfaces.Event / EventRepository
// append-only history idiom, narrowed from a persisted log to an
// in-process synchronous notification fan-out — observers here are
// process-local (telemetry, audit logging), not a durable event store.
package hooks

import (
	"time"

	"github.com/fiscallayer/validation-core/pkg/model"
)

// RunStartEvent fires once, before the first step is dispatched.
type RunStartEvent struct {
	RunID         string
	CorrelationID string
	PlanID        string
	StartedAt     time.Time
}

// StepStartEvent fires immediately before a filter's Execute is invoked.
type StepStartEvent struct {
	RunID     string
	FilterID  string
	StartedAt time.Time
}

// StepCompleteEvent fires after a filter's Execute returns (or times out /
// errors), carrying the resulting StepResult.
type StepCompleteEvent struct {
	RunID  string
	Result model.StepResult
}

// RunCompleteEvent fires once, after the last step and the policy gate
// have both resolved.
type RunCompleteEvent struct {
	RunID       string
	CompletedAt time.Time
	Aborted     bool
	AbortReason string
}

// CleanupEvent fires when the TempStore entry for a run is deleted (or a
// delete attempt fails and is handed to the cleanup queue).
type CleanupEvent struct {
	RunID   string
	Key     string
	Success bool
	Reason  string
}

// Observer receives pipeline lifecycle events. Every method has a no-op
// default via Base, so an observer need only implement the events it
// cares about.
type Observer interface {
	OnRunStart(RunStartEvent)
	OnStepStart(StepStartEvent)
	OnStepComplete(StepCompleteEvent)
	OnRunComplete(RunCompleteEvent)
	OnCleanup(CleanupEvent)
}

// Base is embeddable by observers that only want to override a subset of
// Observer's methods.
type Base struct{}

func (Base) OnRunStart(RunStartEvent)           {}
func (Base) OnStepStart(StepStartEvent)         {}
func (Base) OnStepComplete(StepCompleteEvent)   {}
func (Base) OnRunComplete(RunCompleteEvent)     {}
func (Base) OnCleanup(CleanupEvent)             {}

// Fanout delivers every event to a fixed set of Observers, in registration
// order, synchronously. A slow or blocking observer therefore delays the
// orchestrator — observers doing I/O should queue internally rather than
// block here.
type Fanout struct {
	observers []Observer
}

// NewFanout returns a Fanout that notifies each of observers in order.
func NewFanout(observers ...Observer) *Fanout {
	return &Fanout{observers: observers}
}

// Add appends an observer to the fan-out set.
func (f *Fanout) Add(o Observer) {
	f.observers = append(f.observers, o)
}

func (f *Fanout) OnRunStart(e RunStartEvent) {
	for _, o := range f.observers {
		o.OnRunStart(e)
	}
}

func (f *Fanout) OnStepStart(e StepStartEvent) {
	for _, o := range f.observers {
		o.OnStepStart(e)
	}
}

func (f *Fanout) OnStepComplete(e StepCompleteEvent) {
	for _, o := range f.observers {
		o.OnStepComplete(e)
	}
}

func (f *Fanout) OnRunComplete(e RunCompleteEvent) {
	for _, o := range f.observers {
		o.OnRunComplete(e)
	}
}

func (f *Fanout) OnCleanup(e CleanupEvent) {
	for _, o := range f.observers {
		o.OnCleanup(e)
	}
}
