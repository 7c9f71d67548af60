// Package vctx implements the per-run mutable validation context and its
// read-only view (spec §4.3). The orchestrator is the sole mutator;
// filters only ever see the read-only View. Grounded on the teacher's
// pkg/conform RunContext (immutable run identity) widened with an
// append-only-list idiom for diagnostics/completed steps, matching
// pkg/kernel/total_order_log.go's append-only event log.
package vctx

import (
	"sync"
	"time"

	"github.com/fiscallayer/validation-core/pkg/model"
	"github.com/fiscallayer/validation-core/pkg/plan"
)

// Context is the mutable per-run state (spec §4.3). All mutations are
// serialized through its methods; the orchestrator is the only caller that
// ever takes the lock for writing (§5: "logically single-threaded for
// context mutation").
type Context struct {
	// Immutable for the run's lifetime.
	RunID         string
	CorrelationID string
	StartedAt     time.Time
	RawInvoiceKey string // TempStore key, never the raw bytes themselves
	ExecutionPlan *plan.ExecutionPlan
	Options       map[string]any

	mu             sync.RWMutex
	parsedInvoice  *model.CanonicalInvoice
	completedSteps []model.StepResult
	diagnostics    []model.Diagnostic
	aborted        bool
	abortReason    string
}

// New constructs a fresh Context for a run.
func New(runID, correlationID, rawInvoiceKey string, p *plan.ExecutionPlan, options map[string]any, startedAt time.Time) *Context {
	return &Context{
		RunID:         runID,
		CorrelationID: correlationID,
		StartedAt:     startedAt,
		RawInvoiceKey: rawInvoiceKey,
		ExecutionPlan: p,
		Options:       options,
	}
}

// SetParsedInvoice attaches the canonical invoice once the parser step
// completes successfully.
func (c *Context) SetParsedInvoice(inv *model.CanonicalInvoice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parsedInvoice = inv
}

// AddStepResult appends a completed step to the run's history.
func (c *Context) AddStepResult(r model.StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completedSteps = append(c.completedSteps, r)
}

// AddDiagnostics appends diagnostics, preserving step-completion order
// (spec §5: "Diagnostic stream order mirrors step-completion order").
func (c *Context) AddDiagnostics(diags []model.Diagnostic) {
	if len(diags) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diagnostics = append(c.diagnostics, diags...)
}

// Abort marks the run aborted. Sticky: once set, subsequent calls are
// no-ops so the first reason is preserved.
func (c *Context) Abort(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return
	}
	c.aborted = true
	c.abortReason = reason
}

// Aborted and AbortReason report the current abort state.
func (c *Context) Aborted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.aborted
}

func (c *Context) AbortReason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.abortReason
}

// CompletedSteps returns a snapshot copy of the steps executed so far.
func (c *Context) CompletedSteps() []model.StepResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.StepResult, len(c.completedSteps))
	copy(out, c.completedSteps)
	return out
}

// Diagnostics returns a snapshot copy of diagnostics accumulated so far.
func (c *Context) Diagnostics() []model.Diagnostic {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Diagnostic, len(c.diagnostics))
	copy(out, c.diagnostics)
	return out
}

// ParsedInvoice returns the canonical invoice, or nil if the parser has
// not yet run (or failed).
func (c *Context) ParsedInvoice() *model.CanonicalInvoice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.parsedInvoice
}

// GetStepResult returns the result of a previously-executed step, if any.
func (c *Context) GetStepResult(filterID string) (model.StepResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.completedSteps {
		if r.FilterID == filterID {
			return r, true
		}
	}
	return model.StepResult{}, false
}

// HasExecuted reports whether filterID has a recorded StepResult.
func (c *Context) HasExecuted(filterID string) bool {
	_, ok := c.GetStepResult(filterID)
	return ok
}

// View returns the read-only view handed to filters.
func (c *Context) View() *View {
	return &View{ctx: c}
}

// View is the read-only projection of Context exposed to Filter.Execute.
// It exposes GetStepResult/HasExecuted/GetFilterConfig (spec §4.3) plus
// enough run identity for filters to scope their own I/O and logging.
type View struct {
	ctx *Context
}

func (v *View) RunID() string               { return v.ctx.RunID }
func (v *View) CorrelationID() string       { return v.ctx.CorrelationID }
func (v *View) RawInvoiceKey() string       { return v.ctx.RawInvoiceKey }
func (v *View) ParsedInvoice() *model.CanonicalInvoice { return v.ctx.ParsedInvoice() }
func (v *View) Aborted() bool               { return v.ctx.Aborted() }
func (v *View) AbortReason() string         { return v.ctx.AbortReason() }
func (v *View) CompletedSteps() []model.StepResult { return v.ctx.CompletedSteps() }
func (v *View) Diagnostics() []model.Diagnostic    { return v.ctx.Diagnostics() }
func (v *View) GetStepResult(id string) (model.StepResult, bool) { return v.ctx.GetStepResult(id) }
func (v *View) HasExecuted(id string) bool  { return v.ctx.HasExecuted(id) }

// GetFilterConfig resolves the dotted step config for filterID from the
// plan, if present (nil if not found).
func (v *View) GetFilterConfig(filterID string) map[string]any {
	var find func(steps []plan.Step) map[string]any
	find = func(steps []plan.Step) map[string]any {
		for _, s := range steps {
			if s.FilterID == filterID {
				return s.Config
			}
			if cfg := find(s.Children); cfg != nil {
				return cfg
			}
		}
		return nil
	}
	if v.ctx.ExecutionPlan == nil {
		return nil
	}
	return find(v.ctx.ExecutionPlan.Steps)
}
