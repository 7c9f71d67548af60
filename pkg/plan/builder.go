package plan

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Builder constructs an ExecutionPlan declaratively. Operations mirror
// spec §4.2: SetId/Version/Name, AddStep, RemoveStep, EnableStep,
// DisableStep, SetStepConfig, Build.
type Builder struct {
	id      string
	version string
	name    string
	steps   []Step
	global  GlobalConfig
	now     func() time.Time
}

// NewBuilder returns a Builder seeded with spec defaults.
func NewBuilder() *Builder {
	return &Builder{global: DefaultGlobalConfig(), now: time.Now}
}

func (b *Builder) SetID(id string) *Builder      { b.id = id; return b }
func (b *Builder) SetVersion(v string) *Builder   { b.version = v; return b }
func (b *Builder) SetName(n string) *Builder      { b.name = n; return b }
func (b *Builder) SetGlobalConfig(g GlobalConfig) *Builder { b.global = g; return b }

// WithClock overrides the clock used to stamp CreatedAt; for deterministic
// tests.
func (b *Builder) WithClock(now func() time.Time) *Builder { b.now = now; return b }

// AddStep appends a step to the plan's top level.
func (b *Builder) AddStep(s Step) *Builder {
	b.steps = append(b.steps, s)
	return b
}

// RemoveStep removes the step (at any level) with the given filter id.
func (b *Builder) RemoveStep(id string) *Builder {
	b.steps = removeStep(b.steps, id)
	return b
}

func removeStep(steps []Step, id string) []Step {
	out := steps[:0:0]
	for _, s := range steps {
		if s.FilterID == id {
			continue
		}
		s.Children = removeStep(s.Children, id)
		out = append(out, s)
	}
	return out
}

// EnableStep / DisableStep toggle Step.Enabled for the named step, at any
// nesting level.
func (b *Builder) EnableStep(id string) *Builder  { b.setEnabled(id, true); return b }
func (b *Builder) DisableStep(id string) *Builder { b.setEnabled(id, false); return b }

func (b *Builder) setEnabled(id string, enabled bool) {
	var walk func(steps []Step)
	walk = func(steps []Step) {
		for i := range steps {
			if steps[i].FilterID == id {
				steps[i].Enabled = enabled
			}
			walk(steps[i].Children)
		}
	}
	walk(b.steps)
}

// SetStepConfig merges cfg into the named step's Config (cfg keys win over
// existing ones), at any nesting level.
func (b *Builder) SetStepConfig(id string, cfg map[string]any) *Builder {
	var walk func(steps []Step)
	walk = func(steps []Step) {
		for i := range steps {
			if steps[i].FilterID == id {
				if steps[i].Config == nil {
					steps[i].Config = map[string]any{}
				}
				for k, v := range cfg {
					steps[i].Config[k] = v
				}
			}
			walk(steps[i].Children)
		}
	}
	walk(b.steps)
	return b
}

// Build validates the plan and computes ConfigHash over the canonical JSON
// of the steps tree and global config (spec §4.2). Steps are returned
// sorted by Order at each level so that ConfigHash, and downstream
// orchestrator walk order, are independent of AddStep call order.
func (b *Builder) Build() (*ExecutionPlan, error) {
	if b.id == "" {
		return nil, fmt.Errorf("plan: id is required")
	}
	steps := sortedCopy(b.steps)
	if err := validateSteps(steps); err != nil {
		return nil, err
	}
	if err := validateConfigSchemas(steps); err != nil {
		return nil, err
	}

	hash, err := ComputeConfigHash(steps, b.global)
	if err != nil {
		return nil, fmt.Errorf("plan: config hash failed: %w", err)
	}

	now := time.Now
	if b.now != nil {
		now = b.now
	}

	return &ExecutionPlan{
		ID:           b.id,
		Version:      b.version,
		Name:         b.name,
		Steps:        steps,
		GlobalConfig: b.global,
		ConfigHash:   hash,
		CreatedAt:    now(),
	}, nil
}

func sortedCopy(steps []Step) []Step {
	out := make([]Step, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	for i := range out {
		out[i].Children = sortedCopy(out[i].Children)
	}
	return out
}

// FromYAML parses an ExecutionPlan authored as YAML — an alternate plan
// source alongside the JSON wire format, matching how the teacher's
// pkg/policyloader authors policy bundles as YAML.
func FromYAML(data []byte) (*ExecutionPlan, error) {
	// yaml.v3 does not read json struct tags, so the document is decoded
	// generically and re-read through encoding/json: YAML plans use the
	// same camelCase keys as the JSON wire format (filterId, globalConfig).
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("plan: yaml parse failed: %w", err)
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("plan: yaml parse failed: %w", err)
	}
	var p ExecutionPlan
	if err := json.Unmarshal(asJSON, &p); err != nil {
		return nil, fmt.Errorf("plan: yaml parse failed: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	hash, err := ComputeConfigHash(p.Steps, p.GlobalConfig)
	if err != nil {
		return nil, err
	}
	p.ConfigHash = hash
	return &p, nil
}
