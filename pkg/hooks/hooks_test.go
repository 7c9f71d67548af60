package hooks

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	Base
	events []string
}

func (r *recordingObserver) OnRunStart(RunStartEvent)         { r.events = append(r.events, "start") }
func (r *recordingObserver) OnStepStart(StepStartEvent)       { r.events = append(r.events, "step-start") }
func (r *recordingObserver) OnStepComplete(StepCompleteEvent) { r.events = append(r.events, "step-complete") }
func (r *recordingObserver) OnRunComplete(RunCompleteEvent)   { r.events = append(r.events, "complete") }
func (r *recordingObserver) OnCleanup(CleanupEvent)           { r.events = append(r.events, "cleanup") }

func TestFanout_DeliversToAllObserversInOrder(t *testing.T) {
	a := &recordingObserver{}
	b := &recordingObserver{}
	f := NewFanout(a, b)

	f.OnRunStart(RunStartEvent{RunID: "r1"})
	f.OnStepStart(StepStartEvent{RunID: "r1", FilterID: "parser"})
	f.OnStepComplete(StepCompleteEvent{RunID: "r1"})
	f.OnRunComplete(RunCompleteEvent{RunID: "r1"})
	f.OnCleanup(CleanupEvent{RunID: "r1", Success: true})

	want := []string{"start", "step-start", "step-complete", "complete", "cleanup"}
	require.Equal(t, want, a.events)
	require.Equal(t, want, b.events)
}

func TestFanout_AddAppendsObserver(t *testing.T) {
	f := NewFanout()
	a := &recordingObserver{}
	f.Add(a)

	f.OnRunStart(RunStartEvent{RunID: "r1"})
	require.Equal(t, []string{"start"}, a.events)
}

func TestBase_IsANoOpObserver(t *testing.T) {
	var o Observer = Base{}
	require.NotPanics(t, func() {
		o.OnRunStart(RunStartEvent{})
		o.OnStepStart(StepStartEvent{})
		o.OnStepComplete(StepCompleteEvent{})
		o.OnRunComplete(RunCompleteEvent{})
		o.OnCleanup(CleanupEvent{})
	})
}
