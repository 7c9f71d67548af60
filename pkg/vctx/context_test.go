package vctx

import (
	"testing"
	"time"

	"github.com/fiscallayer/validation-core/pkg/model"
	"github.com/fiscallayer/validation-core/pkg/plan"
	"github.com/stretchr/testify/require"
)

func testPlan(t *testing.T) *plan.ExecutionPlan {
	t.Helper()
	p, err := plan.NewBuilder().SetID("default").SetVersion("1").
		AddStep(plan.Step{FilterID: "parser", Order: 0, Enabled: true, Config: map[string]any{"strict": true}}).
		AddStep(plan.Step{FilterID: "kosit", Order: 1, Enabled: true, Children: []plan.Step{
			{FilterID: "kosit-schema", Order: 0, Enabled: true, Config: map[string]any{"timeoutMs": 5000}},
		}}).
		Build()
	require.NoError(t, err)
	return p
}

func TestContext_AbortIsSticky(t *testing.T) {
	c := New("run-1", "corr-1", "rawkey-1", testPlan(t), nil, time.Now())
	c.Abort("first reason")
	c.Abort("second reason")
	require.True(t, c.Aborted())
	require.Equal(t, "first reason", c.AbortReason())
}

func TestContext_AddStepResultPreservesOrder(t *testing.T) {
	c := New("run-1", "corr-1", "rawkey-1", testPlan(t), nil, time.Now())
	c.AddStepResult(model.StepResult{FilterID: "parser", Execution: model.ExecutionRan})
	c.AddStepResult(model.StepResult{FilterID: "kosit-schema", Execution: model.ExecutionRan})

	steps := c.CompletedSteps()
	require.Len(t, steps, 2)
	require.Equal(t, "parser", steps[0].FilterID)
	require.Equal(t, "kosit-schema", steps[1].FilterID)
}

func TestContext_AddDiagnosticsAppendsInOrder(t *testing.T) {
	c := New("run-1", "corr-1", "rawkey-1", testPlan(t), nil, time.Now())
	c.AddDiagnostics([]model.Diagnostic{
		model.NewDiagnostic("BR-01", model.SeverityError, "schema", "parser", "missing field"),
	})
	c.AddDiagnostics([]model.Diagnostic{
		model.NewDiagnostic("BR-02", model.SeverityWarning, "business", "kosit-schema", "odd total"),
	})

	diags := c.Diagnostics()
	require.Len(t, diags, 2)
	require.Equal(t, "BR-01", diags[0].Code)
	require.Equal(t, "BR-02", diags[1].Code)
}

func TestContext_GetStepResultAndHasExecuted(t *testing.T) {
	c := New("run-1", "corr-1", "rawkey-1", testPlan(t), nil, time.Now())
	require.False(t, c.HasExecuted("parser"))

	c.AddStepResult(model.StepResult{FilterID: "parser", Execution: model.ExecutionRan})
	r, found := c.GetStepResult("parser")
	require.True(t, found)
	require.Equal(t, model.ExecutionRan, r.Execution)
	require.True(t, c.HasExecuted("parser"))
	require.False(t, c.HasExecuted("unknown"))
}

func TestContext_SnapshotMethodsReturnCopies(t *testing.T) {
	c := New("run-1", "corr-1", "rawkey-1", testPlan(t), nil, time.Now())
	c.AddStepResult(model.StepResult{FilterID: "parser", Execution: model.ExecutionRan})

	steps := c.CompletedSteps()
	steps[0].FilterID = "mutated"

	again := c.CompletedSteps()
	require.Equal(t, "parser", again[0].FilterID)
}

func TestView_GetFilterConfigWalksNestedSteps(t *testing.T) {
	c := New("run-1", "corr-1", "rawkey-1", testPlan(t), nil, time.Now())
	v := c.View()

	topCfg := v.GetFilterConfig("parser")
	require.Equal(t, true, topCfg["strict"])

	nestedCfg := v.GetFilterConfig("kosit-schema")
	require.Equal(t, 5000, nestedCfg["timeoutMs"])

	require.Nil(t, v.GetFilterConfig("does-not-exist"))
}

func TestView_MirrorsContextState(t *testing.T) {
	c := New("run-1", "corr-1", "rawkey-1", testPlan(t), nil, time.Now())
	v := c.View()

	require.Equal(t, "run-1", v.RunID())
	require.Equal(t, "corr-1", v.CorrelationID())
	require.False(t, v.Aborted())

	c.Abort("boom")
	require.True(t, v.Aborted())
	require.Equal(t, "boom", v.AbortReason())
}
