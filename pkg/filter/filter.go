// Package filter defines the pluggable validation-step contract (spec §4.1)
// and a process-wide registry. Grounded on the teacher's pkg/conform.Gate
// interface (ID/Name/Run against a RunContext) and pkg/conform/gates'
// DefaultEngine registration pattern, generalized from a fixed G0-G12 gate
// list to a dynamic Register/Unregister/Get/List registry since filters
// here are pluggable third-party or user-authored steps, not a closed set.
package filter

import (
	"github.com/fiscallayer/validation-core/pkg/model"
	"github.com/fiscallayer/validation-core/pkg/vctx"
)

// Filter is the contract every validation step implements (spec §4.1).
// Execute MUST NOT panic: any internal failure should be surfaced through
// the returned StepResult's Error field or as error-severity diagnostics,
// not a panic — the orchestrator's recover() is a last-resort safety net,
// not a part of the contract.
type Filter interface {
	// ID returns the stable filter identifier referenced by plan steps.
	ID() string

	// Name returns a human-readable name.
	Name() string

	// Version returns the filter's semantic version (compared with
	// Masterminds/semver when a plan snapshot pins a minimum version).
	Version() string

	// Execute runs the filter against the read-only view and its resolved
	// step config, returning the completed StepResult.
	Execute(view *vctx.View, config map[string]any) model.StepResult
}

// Describable is an optional extension a Filter may implement to surface
// documentation and categorization in plan tooling.
type Describable interface {
	Description() string
	Tags() []string
}

// Lifecycle is an optional extension a Filter may implement to acquire or
// release resources (HTTP clients, cached schemas, DB handles) once at
// registration / shutdown rather than per-run.
type Lifecycle interface {
	OnInit() error
	OnDestroy() error
}
