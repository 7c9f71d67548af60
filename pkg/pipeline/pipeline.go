// Package pipeline implements the validation orchestrator (spec §4.4,
// §5): it walks an ExecutionPlan's step tree, dispatches filters with
// bounded concurrency and the per-step timeout/retry/failure-policy
// discipline, and guarantees the raw invoice is deleted from the
// TempStore exactly once regardless of how the run ends.
//
// Grounded on the teacher's pkg/conform.Engine (sequential, deterministic
// gate loop producing a timestamped report) generalized to a nested,
// conditionally-parallel step tree, and pkg/kernel.TokenBucket's
// mutex-guarded counter idiom adapted into a channel semaphore for bounded
// fan-out — the corpus's own concurrency primitive for this kind of bound
// is goroutines-plus-channels, so no third-party worker-pool library
// displaces the standard library here.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fiscallayer/validation-core/pkg/cleanupqueue"
	"github.com/fiscallayer/validation-core/pkg/filter"
	"github.com/fiscallayer/validation-core/pkg/hooks"
	"github.com/fiscallayer/validation-core/pkg/model"
	"github.com/fiscallayer/validation-core/pkg/plan"
	"github.com/fiscallayer/validation-core/pkg/retrypolicy"
	"github.com/fiscallayer/validation-core/pkg/tempstore"
	"github.com/fiscallayer/validation-core/pkg/vctx"
)

// ErrAlreadyExecuting is returned by Execute when a run with the same RunID
// is already in flight (spec §5: "a given run id executes at most once at
// a time").
var ErrAlreadyExecuting = errors.New("pipeline: run already executing")

// ErrInvalidPlan is returned when the supplied plan fails validation.
var ErrInvalidPlan = errors.New("pipeline: invalid execution plan")

// ErrFilterNotFound is recorded as a StepError when a step's filterId has
// no registered Filter.
const ErrFilterNotFound = "FilterNotFound"

// Input is a single validation request.
type Input struct {
	RunID         string
	CorrelationID string
	Raw           model.RawInvoice
	Plan          *plan.ExecutionPlan
	Options       map[string]any

	// ParsedInvoice, if non-nil, is attached to the context before the
	// first step runs — used by tests and replays that already have a
	// canonical invoice and want to skip re-parsing.
	ParsedInvoice *model.CanonicalInvoice
}

// Result is the orchestrator's raw output: the completed step history and
// diagnostic stream, before the policy gate or report assembly. Those
// layer on top of Result rather than the orchestrator producing a final
// verdict itself (spec §4.6: "the policy gate is a separate, pluggable
// decision layer").
type Result struct {
	RunID          string
	CorrelationID  string
	StartedAt      time.Time
	CompletedAt    time.Time
	CompletedSteps []model.StepResult
	Diagnostics    []model.Diagnostic
	ParsedInvoice  *model.CanonicalInvoice
	Aborted        bool
	AbortReason    string

	// AppliedRetentionPolicy names the retention discipline this run was
	// executed under. RetentionWarnings is non-empty when the guaranteed
	// cleanup could not immediately purge the raw invoice and had to fall
	// back to the cleanup queue (spec §4.4, §8 Testable Property 4).
	AppliedRetentionPolicy string
	RetentionWarnings      []model.RetentionWarning
}

// Pipeline is the orchestrator. It is safe for concurrent use by multiple
// callers driving distinct runs.
type Pipeline struct {
	registry     *filter.Registry
	tempStore    tempstore.Store
	cleanupQueue *cleanupqueue.Queue
	observer     hooks.Observer
	clock        func() time.Time

	// submissionLimiter, if set, bounds how many runs per second this
	// Pipeline will accept into Execute before blocking — a worker-level
	// submission throttle distinct from the per-step maxParallelism bound,
	// for deployments fronted by a queue that can burst faster than
	// downstream external verifiers (VIES, ECB, Peppol) can absorb.
	submissionLimiter *rate.Limiter

	inFlightMu sync.Mutex
	inFlight   map[string]struct{}
}

// Option configures a Pipeline at construction time.
type Option func(*Pipeline)

// WithClock overrides the clock used to stamp run/step timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.clock = now }
}

// WithObserver attaches a lifecycle observer (typically a hooks.Fanout).
func WithObserver(o hooks.Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithSubmissionRateLimit caps the rate at which Execute admits new runs,
// independent of the per-run maxParallelism bound on step fan-out. burst
// allows that many runs through immediately before the steady-state rate
// applies.
func WithSubmissionRateLimit(runsPerSecond rate.Limit, burst int) Option {
	return func(p *Pipeline) { p.submissionLimiter = rate.NewLimiter(runsPerSecond, burst) }
}

// New constructs a Pipeline. cleanupQueue may be nil to disable the
// retry path: a failed SecureDelete is then not retried, and is reported
// to the observer and as a CLEANUP_QUEUED RetentionWarning on the Result.
func New(registry *filter.Registry, tempStore tempstore.Store, cleanupQueue *cleanupqueue.Queue, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry:     registry,
		tempStore:    tempStore,
		cleanupQueue: cleanupQueue,
		observer:     hooks.Base{},
		clock:        time.Now,
		inFlight:     map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute runs input's plan to completion and guarantees the raw invoice
// bytes are removed from the TempStore before returning, whether the run
// succeeded, partially failed, or the caller's context was cancelled
// (spec §7: the finally-delete guarantee is unconditional).
func (p *Pipeline) Execute(ctx context.Context, input Input) (out *Result, err error) {
	if input.Plan == nil {
		return nil, ErrInvalidPlan
	}
	if err := input.Plan.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	if p.submissionLimiter != nil {
		if err := p.submissionLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("pipeline: submission rate limit wait: %w", err)
		}
	}

	if !p.claim(input.RunID) {
		return nil, ErrAlreadyExecuting
	}
	defer p.release(input.RunID)

	rawKey := tempstore.Key("raw-invoice", input.RunID)
	if err := p.tempStore.Set(ctx, rawKey, "raw-invoice", input.Raw.Content, tempstore.DefaultTTL); err != nil {
		return nil, fmt.Errorf("pipeline: failed to stage raw invoice: %w", err)
	}
	defer func() {
		if w := p.finallyDelete(rawKey, input.RunID); w != nil && out != nil {
			out.RetentionWarnings = append(out.RetentionWarnings, *w)
		}
	}()

	startedAt := p.clock()
	vc := vctx.New(input.RunID, input.CorrelationID, rawKey, input.Plan, input.Options, startedAt)
	if input.ParsedInvoice != nil {
		vc.SetParsedInvoice(input.ParsedInvoice)
	}

	p.observer.OnRunStart(hooks.RunStartEvent{
		RunID:         input.RunID,
		CorrelationID: input.CorrelationID,
		PlanID:        input.Plan.ID,
		StartedAt:     startedAt,
	})

	sem := make(chan struct{}, maxInt(input.Plan.GlobalConfig.MaxParallelism, 1))
	p.runSteps(ctx, vc, input.Plan.Steps, input.Plan.GlobalConfig, sem)

	completedAt := p.clock()
	p.observer.OnRunComplete(hooks.RunCompleteEvent{
		RunID:       input.RunID,
		CompletedAt: completedAt,
		Aborted:     vc.Aborted(),
		AbortReason: vc.AbortReason(),
	})

	out = &Result{
		RunID:                  input.RunID,
		CorrelationID:          input.CorrelationID,
		StartedAt:              startedAt,
		CompletedAt:            completedAt,
		CompletedSteps:         vc.CompletedSteps(),
		Diagnostics:            vc.Diagnostics(),
		ParsedInvoice:          vc.ParsedInvoice(),
		Aborted:                vc.Aborted(),
		AbortReason:            vc.AbortReason(),
		AppliedRetentionPolicy: "zero-retention",
	}
	return out, nil
}

func (p *Pipeline) claim(runID string) bool {
	p.inFlightMu.Lock()
	defer p.inFlightMu.Unlock()
	if _, ok := p.inFlight[runID]; ok {
		return false
	}
	p.inFlight[runID] = struct{}{}
	return true
}

func (p *Pipeline) release(runID string) {
	p.inFlightMu.Lock()
	defer p.inFlightMu.Unlock()
	delete(p.inFlight, runID)
}

// finallyDelete performs the guaranteed cleanup: a best-effort
// SecureDelete, falling back to the cleanup queue (when one is configured)
// on failure so the key is retried rather than leaked (spec §7). It
// returns a RetentionWarning whenever the immediate delete failed, so the
// caller can surface the degraded zero-retention guarantee
// on the run's Result (spec §4.4, §8 Testable Property 4).
func (p *Pipeline) finallyDelete(key, runID string) *model.RetentionWarning {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := p.tempStore.SecureDelete(ctx, key)
	if err == nil {
		p.observer.OnCleanup(hooks.CleanupEvent{RunID: runID, Key: key, Success: true})
		return nil
	}

	reason := model.Sanitize(err.Error())
	if p.cleanupQueue != nil {
		p.cleanupQueue.Enqueue(key, reason, p.clock())
	}
	p.observer.OnCleanup(hooks.CleanupEvent{RunID: runID, Key: key, Success: false, Reason: reason})

	return &model.RetentionWarning{
		Code:          model.RetentionWarningCleanupQueued,
		Message:       fmt.Sprintf("raw invoice cleanup deferred to retry queue: %s", reason),
		Timestamp:     p.clock(),
		AffectedCount: 1,
	}
}

// runSteps walks steps in Order, recursing into Children. Consecutive
// sibling steps marked Parallel are dispatched concurrently under sem; the
// children of any step, Parallel or not, run one after another.
// Execution stops early if vc has been aborted by a prior fail_fast step,
// except for steps whose FailurePolicy is always_run.
func (p *Pipeline) runSteps(ctx context.Context, vc *vctx.Context, steps []plan.Step, global plan.GlobalConfig, sem chan struct{}) {
	if len(steps) == 0 {
		return
	}

	groups := groupByParallel(steps)
	for _, g := range groups {
		if g.parallel {
			var wg sync.WaitGroup
			for _, s := range g.steps {
				if vc.Aborted() && s.FailurePolicy != retrypolicy.PolicyAlwaysRun {
					p.recordSkipped(vc, s)
					continue
				}
				s := s
				wg.Add(1)
				sem <- struct{}{}
				go func() {
					defer wg.Done()
					defer func() { <-sem }()
					p.runNode(ctx, vc, s, global, sem)
				}()
			}
			wg.Wait()
			continue
		}

		for _, s := range g.steps {
			if vc.Aborted() && s.FailurePolicy != retrypolicy.PolicyAlwaysRun {
				p.recordSkipped(vc, s)
				continue
			}
			p.runNode(ctx, vc, s, global, sem)
		}
	}
}

type stepGroup struct {
	parallel bool
	steps    []plan.Step
}

// groupByParallel partitions an already Order-sorted slice into maximal
// runs of consecutive parallel / non-parallel steps, so independent
// parallel clusters still execute in overall plan order relative to their
// sequential neighbors.
func groupByParallel(steps []plan.Step) []stepGroup {
	var groups []stepGroup
	for _, s := range steps {
		if len(groups) > 0 && groups[len(groups)-1].parallel == s.Parallel {
			last := &groups[len(groups)-1]
			last.steps = append(last.steps, s)
			continue
		}
		groups = append(groups, stepGroup{parallel: s.Parallel, steps: []plan.Step{s}})
	}
	return groups
}

// runNode executes one plan node: a leaf (FilterID set) invokes the
// registered filter; a group (Children set) recurses.
func (p *Pipeline) runNode(ctx context.Context, vc *vctx.Context, s plan.Step, global plan.GlobalConfig, sem chan struct{}) {
	if !s.Enabled {
		p.recordSkipped(vc, s)
		return
	}
	if !vctx.EvalCondition(vc.View(), s.Condition) {
		p.recordSkipped(vc, s)
		return
	}

	if len(s.Children) > 0 {
		p.runSteps(ctx, vc, s.Children, global, sem)
		return
	}

	p.runFilter(ctx, vc, s, global)
}

func (p *Pipeline) recordSkipped(vc *vctx.Context, s plan.Step) {
	if s.FilterID == "" {
		return
	}
	now := p.clock()
	vc.AddStepResult(model.StepResult{
		FilterID:    s.FilterID,
		Execution:   model.ExecutionSkipped,
		StartedAt:   now,
		CompletedAt: now,
	})
}

func (p *Pipeline) runFilter(ctx context.Context, vc *vctx.Context, s plan.Step, global plan.GlobalConfig) {
	f, ok := p.registry.Get(s.FilterID)
	if !ok {
		now := p.clock()
		result := model.StepResult{
			FilterID:    s.FilterID,
			Execution:   model.ExecutionErrored,
			StartedAt:   now,
			CompletedAt: now,
			Error:       &model.StepError{Name: ErrFilterNotFound, Message: fmt.Sprintf("no filter registered for id %q", s.FilterID)},
		}
		p.finishStep(vc, s, result)
		return
	}

	timeout := time.Duration(s.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(global.DefaultFilterTimeout) * time.Millisecond
	}

	retryCfg := retrypolicy.Config{}
	if s.Retry != nil {
		retryCfg = *s.Retry
	}
	retryCfg = retryCfg.WithDefaults()
	if retryCfg.MaxRetries == 0 && global.RetryOnError {
		retryCfg.MaxRetries = global.MaxRetries
	}

	startedAt := p.clock()
	p.observer.OnStepStart(hooks.StepStartEvent{RunID: vc.RunID, FilterID: s.FilterID, StartedAt: startedAt})

	view := vc.View()
	config := view.GetFilterConfig(s.FilterID)

	var result model.StepResult
	attemptErr := retrypolicy.Run(ctx, retryCfg, timeout, func(attemptCtx context.Context) error {
		result = executeWithRecover(f, view, config)
		if result.Execution == model.ExecutionErrored {
			// Preserve the filter's classification (StatusCode/ErrorType) so
			// the harness can match it against RetryableStatusCodes /
			// RetryableErrorTypes instead of only the default custom
			// IsRetryable hook (spec §4.5).
			return &retrypolicy.ClassifiedError{
				Err:        fmt.Errorf("%s", result.Error.Message),
				StatusCode: result.Error.StatusCode,
				ErrorType:  result.Error.ErrorType,
			}
		}
		return nil
	})
	if attemptErr != nil && result.Execution != model.ExecutionErrored {
		result = model.StepResult{
			FilterID:  s.FilterID,
			Execution: model.ExecutionErrored,
			Error:     &model.StepError{Name: "Timeout", Message: attemptErr.Error()},
		}
	}
	result.FilterID = s.FilterID
	result.FilterVersion = f.Version()
	result.StartedAt = startedAt
	result.CompletedAt = p.clock()
	result.DurationMs = result.CompletedAt.Sub(startedAt).Milliseconds()

	// soft_fail's contract is that the step's errors are recorded rather
	// than propagated as a hard execution failure (spec §4.5): once
	// retries are exhausted, surface the terminal error as a warning
	// diagnostic so the decision layer can weigh it instead of only
	// seeing an opaque StepError.
	if s.FailurePolicy == retrypolicy.PolicySoftFail && result.Execution == model.ExecutionErrored && result.Error != nil {
		result.Diagnostics = append(result.Diagnostics, model.NewDiagnostic(
			"STEP-SOFT-FAIL", model.SeverityWarning, "execution", s.FilterID,
			fmt.Sprintf("%s: %s", result.Error.Name, result.Error.Message)))
	}

	p.finishStep(vc, s, result)
}

// executeWithRecover invokes f.Execute, converting a panic into an errored
// StepResult rather than letting it cross into the orchestrator goroutine
// (spec §4.1: "Execute MUST NOT panic"; recover is the orchestrator's
// last-resort safety net, not part of the contract).
func executeWithRecover(f filter.Filter, view *vctx.View, config map[string]any) (result model.StepResult) {
	defer func() {
		if r := recover(); r != nil {
			result = model.StepResult{
				FilterID:  f.ID(),
				Execution: model.ExecutionErrored,
				Error:     &model.StepError{Name: "Panic", Message: fmt.Sprintf("%v", r)},
			}
		}
	}()
	return f.Execute(view, config)
}

// parserFilterIDs are the filter ids the orchestrator treats specially:
// when one of these runs and its result metadata carries a parsed
// invoice, the context's ParsedInvoice slot is populated (spec §4.4:
// "if the filter is the parser (parser or steps-parser) ... populates
// context.parsedInvoice").
var parserFilterIDs = map[string]bool{"parser": true, "steps-parser": true}

func (p *Pipeline) finishStep(vc *vctx.Context, s plan.Step, result model.StepResult) {
	vc.AddStepResult(result)
	vc.AddDiagnostics(result.Diagnostics)
	p.observer.OnStepComplete(hooks.StepCompleteEvent{RunID: vc.RunID, Result: result})

	if result.Execution == model.ExecutionRan && parserFilterIDs[s.FilterID] && result.Metadata != nil {
		if inv, ok := result.Metadata["parsedInvoice"].(*model.CanonicalInvoice); ok && inv != nil {
			vc.SetParsedInvoice(inv)
		}
	}

	hardBlocked := false
	for _, d := range result.Diagnostics {
		if d.Severity == model.SeverityError && d.HardBlock {
			hardBlocked = true
		}
	}

	failed := result.Execution == model.ExecutionErrored || result.HasErrorDiagnostic() || hardBlocked
	if !failed || s.ContinueOnFailure {
		return
	}

	switch s.FailurePolicy {
	case retrypolicy.PolicyFailFast, "":
		vc.Abort(fmt.Sprintf("step %q failed under fail_fast policy", s.FilterID))
	case retrypolicy.PolicySoftFail, retrypolicy.PolicyBestEffort, retrypolicy.PolicyAlwaysRun:
		// Diagnostics already recorded; remaining steps continue.
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
