// Package plan implements the declarative execution plan, its builder, and
// the canonical-hash snapshot used for audit reproducibility (spec §3,
// §4.2). Grounded on the teacher's pkg/contracts/plan.go shape and
// pkg/canonicalize for hashing.
package plan

import (
	"fmt"
	"time"

	"github.com/fiscallayer/validation-core/pkg/canon"
	"github.com/fiscallayer/validation-core/pkg/retrypolicy"
)

// Step is one node of the execution plan (spec §3). Children form a nested
// group and run one after another in Order. Consecutive sibling steps with
// Parallel set are dispatched concurrently under a semaphore of size
// GlobalConfig.MaxParallelism; the children inside each such step still
// run sequentially.
type Step struct {
	FilterID          string            `json:"filterId"`
	Enabled           bool              `json:"enabled"`
	Order             int               `json:"order"`
	Condition         string            `json:"condition,omitempty"`
	Parallel          bool              `json:"parallel,omitempty"`
	Children          []Step            `json:"children,omitempty"`
	Config            map[string]any    `json:"config,omitempty"`
	TimeoutMs         int64             `json:"timeoutMs,omitempty"`
	ContinueOnFailure bool              `json:"continueOnFailure,omitempty"`
	FailurePolicy     retrypolicy.Policy `json:"failurePolicy,omitempty"`
	Retry             *retrypolicy.Config `json:"retry,omitempty"`

	// ConfigSchema, if set, is a JSON-Schema document that Config must
	// validate against at Build() time — an operator-authored guard so a
	// malformed plan (e.g. a typo'd threshold field) fails fast at plan
	// construction rather than inside a filter mid-run.
	ConfigSchema string `json:"configSchema,omitempty"`
}

// GlobalConfig is the plan's system-level configuration layer (spec §6).
type GlobalConfig struct {
	MaxParallelism       int    `json:"maxParallelism"`
	DefaultFilterTimeout int64  `json:"defaultFilterTimeout"` // ms
	StrictMode           bool   `json:"strictMode"`
	RetryOnError         bool   `json:"retryOnError"`
	MaxRetries           int    `json:"maxRetries"`
	Locale               string `json:"locale"`
}

// DefaultGlobalConfig matches spec §4.4/§5's stated defaults.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		MaxParallelism:       5,
		DefaultFilterTimeout: 10_000,
		StrictMode:           false,
		RetryOnError:         true,
		MaxRetries:           2,
		Locale:               "en",
	}
}

// ExecutionPlan is the declarative DAG of filter invocations (spec §3).
type ExecutionPlan struct {
	ID           string       `json:"id"`
	Version      string       `json:"version"`
	Name         string       `json:"name,omitempty"`
	Steps        []Step       `json:"steps"`
	GlobalConfig GlobalConfig `json:"globalConfig"`
	ConfigHash   string       `json:"configHash"`
	CreatedAt    time.Time    `json:"createdAt"`
	IsDefault    bool         `json:"isDefault,omitempty"`
}

// ComputeConfigHash returns the canonical hash over the steps tree and
// global config, excluding ConfigHash itself (spec §4.2).
func ComputeConfigHash(steps []Step, cfg GlobalConfig) (string, error) {
	payload := map[string]any{
		"steps":        steps,
		"globalConfig": cfg,
	}
	return canon.CanonicalHash(payload)
}

// Validate enforces the structural invariants Build() relies on: unique
// step order at each level, that parallel groups declare
// children, and that any step carrying a ConfigSchema has a Config that
// satisfies it.
func (p *ExecutionPlan) Validate() error {
	if err := validateSteps(p.Steps); err != nil {
		return err
	}
	return validateConfigSchemas(p.Steps)
}

func validateSteps(steps []Step) error {
	seenOrder := map[int]bool{}
	for _, s := range steps {
		if s.FilterID == "" && len(s.Children) == 0 {
			return fmt.Errorf("plan: step has neither filterId nor children")
		}
		if seenOrder[s.Order] {
			return fmt.Errorf("plan: duplicate step order %d", s.Order)
		}
		seenOrder[s.Order] = true
		if s.Parallel && len(s.Children) == 0 {
			return fmt.Errorf("plan: step %q marked parallel with no children", s.FilterID)
		}
		if err := validateSteps(s.Children); err != nil {
			return err
		}
	}
	return nil
}
