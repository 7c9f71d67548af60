package pipeline

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/time/rate"

	"github.com/fiscallayer/validation-core/pkg/cleanupqueue"
	"github.com/fiscallayer/validation-core/pkg/filter"
	"github.com/fiscallayer/validation-core/pkg/model"
	"github.com/fiscallayer/validation-core/pkg/plan"
	"github.com/fiscallayer/validation-core/pkg/retrypolicy"
	"github.com/fiscallayer/validation-core/pkg/tempstore"
	"github.com/fiscallayer/validation-core/pkg/vctx"
	"github.com/stretchr/testify/require"
)

type fakeFilter struct {
	id       string
	execFn   func(view *vctx.View, config map[string]any) model.StepResult
	execCount *int
}

func (f *fakeFilter) ID() string      { return f.id }
func (f *fakeFilter) Name() string    { return f.id }
func (f *fakeFilter) Version() string { return "1.0.0" }
func (f *fakeFilter) Execute(view *vctx.View, config map[string]any) model.StepResult {
	if f.execCount != nil {
		*f.execCount++
	}
	return f.execFn(view, config)
}

func passResult(id string) func(*vctx.View, map[string]any) model.StepResult {
	return func(*vctx.View, map[string]any) model.StepResult {
		return model.StepResult{FilterID: id, Execution: model.ExecutionRan}
	}
}

func errorResult(id string) func(*vctx.View, map[string]any) model.StepResult {
	return func(*vctx.View, map[string]any) model.StepResult {
		return model.StepResult{
			FilterID:  id,
			Execution: model.ExecutionRan,
			Diagnostics: []model.Diagnostic{
				model.NewDiagnostic("BR-01", model.SeverityError, "schema", id, "bad invoice"),
			},
		}
	}
}

func newTestPipeline(t *testing.T, filters ...*fakeFilter) (*Pipeline, tempstore.Store) {
	t.Helper()
	reg := filter.NewRegistry()
	for _, f := range filters {
		require.NoError(t, reg.Register(f))
	}
	store := tempstore.NewMemoryStore(0)
	t.Cleanup(func() { _ = store.Close() })
	cq := cleanupqueue.New(retrypolicy.Config{})
	return New(reg, store, cq), store
}

func buildPlan(t *testing.T, steps ...plan.Step) *plan.ExecutionPlan {
	t.Helper()
	b := plan.NewBuilder().SetID("test-plan").SetVersion("1")
	for _, s := range steps {
		b.AddStep(s)
	}
	p, err := b.Build()
	require.NoError(t, err)
	return p
}

func TestExecute_RunsStepsAndReturnsDiagnostics(t *testing.T) {
	p, _ := newTestPipeline(t,
		&fakeFilter{id: "parser", execFn: passResult("parser")},
		&fakeFilter{id: "kosit", execFn: errorResult("kosit")},
	)
	ep := buildPlan(t,
		plan.Step{FilterID: "parser", Order: 0, Enabled: true, FailurePolicy: retrypolicy.PolicyFailFast},
		plan.Step{FilterID: "kosit", Order: 1, Enabled: true, FailurePolicy: retrypolicy.PolicySoftFail},
	)

	result, err := p.Execute(context.Background(), Input{RunID: "run-1", Plan: ep, Raw: model.RawInvoice{Content: []byte("<Invoice/>")}})
	require.NoError(t, err)
	require.Len(t, result.CompletedSteps, 2)
	require.Len(t, result.Diagnostics, 1)
	require.False(t, result.Aborted)
}

func TestExecute_FailFastAbortsRemainingSteps(t *testing.T) {
	kositCount := 0
	p, _ := newTestPipeline(t,
		&fakeFilter{id: "parser", execFn: errorResult("parser")},
		&fakeFilter{id: "kosit", execFn: passResult("kosit"), execCount: &kositCount},
	)
	ep := buildPlan(t,
		plan.Step{FilterID: "parser", Order: 0, Enabled: true, FailurePolicy: retrypolicy.PolicyFailFast},
		plan.Step{FilterID: "kosit", Order: 1, Enabled: true, FailurePolicy: retrypolicy.PolicyFailFast},
	)

	result, err := p.Execute(context.Background(), Input{RunID: "run-2", Plan: ep, Raw: model.RawInvoice{Content: []byte("x")}})
	require.NoError(t, err)
	require.True(t, result.Aborted)
	require.Equal(t, 0, kositCount)

	skipped, found := findStep(result.CompletedSteps, "kosit")
	require.True(t, found)
	require.Equal(t, model.ExecutionSkipped, skipped.Execution)
}

func TestExecute_AlwaysRunExecutesDespiteAbort(t *testing.T) {
	fingerprintCount := 0
	p, _ := newTestPipeline(t,
		&fakeFilter{id: "parser", execFn: errorResult("parser")},
		&fakeFilter{id: "fingerprint", execFn: passResult("fingerprint"), execCount: &fingerprintCount},
	)
	ep := buildPlan(t,
		plan.Step{FilterID: "parser", Order: 0, Enabled: true, FailurePolicy: retrypolicy.PolicyFailFast},
		plan.Step{FilterID: "fingerprint", Order: 1, Enabled: true, FailurePolicy: retrypolicy.PolicyAlwaysRun},
	)

	result, err := p.Execute(context.Background(), Input{RunID: "run-3", Plan: ep, Raw: model.RawInvoice{Content: []byte("x")}})
	require.NoError(t, err)
	require.True(t, result.Aborted)
	require.Equal(t, 1, fingerprintCount)
}

func TestExecute_DisabledStepIsSkipped(t *testing.T) {
	count := 0
	p, _ := newTestPipeline(t, &fakeFilter{id: "vies", execFn: passResult("vies"), execCount: &count})
	ep := buildPlan(t, plan.Step{FilterID: "vies", Order: 0, Enabled: false})

	result, err := p.Execute(context.Background(), Input{RunID: "run-4", Plan: ep, Raw: model.RawInvoice{Content: []byte("x")}})
	require.NoError(t, err)
	require.Equal(t, 0, count)
	step, found := findStep(result.CompletedSteps, "vies")
	require.True(t, found)
	require.Equal(t, model.ExecutionSkipped, step.Execution)
}

func TestExecute_UnknownFilterRecordsErroredStep(t *testing.T) {
	p, _ := newTestPipeline(t)
	ep := buildPlan(t, plan.Step{FilterID: "ghost", Order: 0, Enabled: true})

	result, err := p.Execute(context.Background(), Input{RunID: "run-5", Plan: ep, Raw: model.RawInvoice{Content: []byte("x")}})
	require.NoError(t, err)
	step, found := findStep(result.CompletedSteps, "ghost")
	require.True(t, found)
	require.Equal(t, model.ExecutionErrored, step.Execution)
	require.Equal(t, ErrFilterNotFound, step.Error.Name)
}

func TestExecute_ParallelGroupRunsAllChildren(t *testing.T) {
	var countA, countB int
	p, _ := newTestPipeline(t,
		&fakeFilter{id: "vies", execFn: passResult("vies"), execCount: &countA},
		&fakeFilter{id: "ecb-rates", execFn: passResult("ecb-rates"), execCount: &countB},
	)
	ep := buildPlan(t, plan.Step{
		Order: 0, Parallel: true,
		Children: []plan.Step{
			{FilterID: "vies", Order: 0, Enabled: true},
			{FilterID: "ecb-rates", Order: 1, Enabled: true},
		},
	})

	result, err := p.Execute(context.Background(), Input{RunID: "run-6", Plan: ep, Raw: model.RawInvoice{Content: []byte("x")}})
	require.NoError(t, err)
	require.Len(t, result.CompletedSteps, 2)
	require.Equal(t, 1, countA)
	require.Equal(t, 1, countB)
}

func TestExecute_CleansUpRawInvoiceOnCompletion(t *testing.T) {
	p, store := newTestPipeline(t, &fakeFilter{id: "parser", execFn: passResult("parser")})
	ep := buildPlan(t, plan.Step{FilterID: "parser", Order: 0, Enabled: true})

	_, err := p.Execute(context.Background(), Input{RunID: "run-7", Plan: ep, Raw: model.RawInvoice{Content: []byte("x")}})
	require.NoError(t, err)

	require.False(t, store.Has(context.Background(), tempstore.Key("raw-invoice", "run-7")))
}

func TestExecute_RejectsConcurrentSameRunID(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	p, _ := newTestPipeline(t, &fakeFilter{id: "slow", execFn: func(*vctx.View, map[string]any) model.StepResult {
		close(started)
		<-release
		return model.StepResult{FilterID: "slow", Execution: model.ExecutionRan}
	}})
	ep := buildPlan(t, plan.Step{FilterID: "slow", Order: 0, Enabled: true})

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Execute(context.Background(), Input{RunID: "dup", Plan: ep, Raw: model.RawInvoice{Content: []byte("x")}})
		errCh <- err
	}()
	<-started

	_, err := p.Execute(context.Background(), Input{RunID: "dup", Plan: ep, Raw: model.RawInvoice{Content: []byte("x")}})
	require.ErrorIs(t, err, ErrAlreadyExecuting)

	close(release)
	require.NoError(t, <-errCh)
}

func TestExecute_RejectsInvalidPlan(t *testing.T) {
	p, _ := newTestPipeline(t)
	_, err := p.Execute(context.Background(), Input{RunID: "run-8", Plan: nil, Raw: model.RawInvoice{Content: []byte("x")}})
	require.ErrorIs(t, err, ErrInvalidPlan)
}

func TestExecute_RetriesStepUnderRetryPolicy(t *testing.T) {
	attempts := 0
	f := &fakeFilter{id: "kosit", execFn: func(*vctx.View, map[string]any) model.StepResult {
		attempts++
		if attempts < 2 {
			return model.StepResult{
				FilterID:  "kosit",
				Execution: model.ExecutionErrored,
				Error:     &model.StepError{Name: "Timeout", Message: "simulated"},
			}
		}
		return model.StepResult{FilterID: "kosit", Execution: model.ExecutionRan}
	}}
	p, _ := newTestPipeline(t, f)
	ep := buildPlan(t, plan.Step{
		FilterID: "kosit", Order: 0, Enabled: true,
		Retry: &retrypolicy.Config{
			MaxRetries: 2, InitialDelayMs: 1, BackoffMultiplier: 2,
			IsRetryable: func(err error) bool { return true },
		},
	})

	result, err := p.Execute(context.Background(), Input{RunID: "run-9", Plan: ep, Raw: model.RawInvoice{Content: []byte("x")}})
	require.NoError(t, err)
	require.GreaterOrEqual(t, attempts, 2)
	step, found := findStep(result.CompletedSteps, "kosit")
	require.True(t, found)
	require.Equal(t, model.ExecutionRan, step.Execution)
}

func TestExecute_SubmissionRateLimitRejectsOnExpiredContext(t *testing.T) {
	reg := filter.NewRegistry()
	require.NoError(t, reg.Register(&fakeFilter{id: "parser", execFn: passResult("parser")}))
	store := tempstore.NewMemoryStore(0)
	t.Cleanup(func() { _ = store.Close() })
	cq := cleanupqueue.New(retrypolicy.Config{})

	// Burst of 1 at an effectively-zero rate: the first run is admitted
	// immediately, the second must wait for a token that a cancelled
	// context will never grant.
	p := New(reg, store, cq, WithSubmissionRateLimit(rate.Limit(0.0001), 1))
	ep := buildPlan(t, plan.Step{FilterID: "parser", Order: 0, Enabled: true})

	_, err := p.Execute(context.Background(), Input{RunID: "run-rl-1", Plan: ep, Raw: model.RawInvoice{Content: []byte("x")}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Execute(ctx, Input{RunID: "run-rl-2", Plan: ep, Raw: model.RawInvoice{Content: []byte("x")}})
	require.Error(t, err)
}

// failingSecureDeleteStore wraps a MemoryStore and forces every
// SecureDelete call to fail, to exercise the cleanup-queue fallback path
// (spec §8 S6).
type failingSecureDeleteStore struct {
	tempstore.Store
}

func (f *failingSecureDeleteStore) SecureDelete(ctx context.Context, key string) error {
	return errors.New("simulated secure delete failure")
}

func TestExecute_SecureDeleteFailure_SurfacesRetentionWarning(t *testing.T) {
	store := &failingSecureDeleteStore{Store: tempstore.NewMemoryStore(0)}
	t.Cleanup(func() { _ = store.Store.(*tempstore.MemoryStore).Close() })

	reg := filter.NewRegistry()
	require.NoError(t, reg.Register(&fakeFilter{id: "parser", execFn: passResult("parser")}))
	cq := cleanupqueue.New(retrypolicy.Config{})
	p := New(reg, store, cq)
	ep := buildPlan(t, plan.Step{FilterID: "parser", Order: 0, Enabled: true})

	result, err := p.Execute(context.Background(), Input{RunID: "run-10", Plan: ep, Raw: model.RawInvoice{Content: []byte("x")}})
	require.NoError(t, err)
	require.Equal(t, "zero-retention", result.AppliedRetentionPolicy)
	require.Len(t, result.RetentionWarnings, 1)
	w := result.RetentionWarnings[0]
	require.Equal(t, model.RetentionWarningCleanupQueued, w.Code)
	require.Equal(t, 1, w.AffectedCount)
	require.NotContains(t, w.Message, "run-10")
}

// A soft_fail step that exhausts its attempts and ends errored gets its
// terminal StepError surfaced as a warning diagnostic too, so the policy
// gate's WARNINGS_PRESENT aggregate can see it (spec §4.5, §8 S4).
func TestExecute_SoftFailStepSynthesizesWarningDiagnostic(t *testing.T) {
	p, _ := newTestPipeline(t,
		&fakeFilter{id: "vies", execFn: func(*vctx.View, map[string]any) model.StepResult {
			return model.StepResult{
				FilterID:  "vies",
				Execution: model.ExecutionErrored,
				Error:     &model.StepError{Name: "ExternalVerifierFailed", Message: "vies returned 503"},
			}
		}},
	)
	ep := buildPlan(t, plan.Step{FilterID: "vies", Order: 0, Enabled: true, FailurePolicy: retrypolicy.PolicySoftFail})

	result, err := p.Execute(context.Background(), Input{RunID: "run-11", Plan: ep, Raw: model.RawInvoice{Content: []byte("<Invoice/>")}})
	require.NoError(t, err)

	step, ok := findStep(result.CompletedSteps, "vies")
	require.True(t, ok)
	require.Equal(t, model.ExecutionErrored, step.Execution)
	require.Len(t, step.Diagnostics, 1)
	require.Equal(t, model.SeverityWarning, step.Diagnostics[0].Severity)
}

func findStep(steps []model.StepResult, id string) (model.StepResult, bool) {
	for _, s := range steps {
		if s.FilterID == id {
			return s, true
		}
	}
	return model.StepResult{}, false
}
