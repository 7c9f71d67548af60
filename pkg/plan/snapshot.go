package plan

import (
	"time"

	"github.com/fiscallayer/validation-core/pkg/canon"
)

// Snapshot is the canonical, hashed record of the plan, effective config,
// and filter/engine versions used for a run (spec §3). PlanHash per spec:
// sha256(canonical_json({steps, engineVersions, filterVersions,
// configSnapshotHash})).
type Snapshot struct {
	PlanID              string            `json:"planId"`
	PlanVersion         string            `json:"planVersion"`
	PlanHash            string            `json:"planHash"`
	ConfigHash          string            `json:"configHash"`
	ConfigSnapshotHash  string            `json:"configSnapshotHash"`
	EngineVersions      map[string]string `json:"engineVersions"`
	FilterVersions      map[string]string `json:"filterVersions"`
	StepConfigHashes    map[string]string `json:"stepConfigHashes"`
	CapturedAt          time.Time         `json:"capturedAt"`
}

// BuildSnapshot computes a Snapshot for p given the effective (layered)
// config and the resolved filter versions of every step that will run.
func BuildSnapshot(p *ExecutionPlan, effectiveConfig map[string]any, engineVersions, filterVersions map[string]string, now time.Time) (*Snapshot, error) {
	configSnapshotHash, err := canon.CanonicalHash(effectiveConfig)
	if err != nil {
		return nil, err
	}

	stepConfigHashes := map[string]string{}
	var walk func(steps []Step)
	walk = func(steps []Step) {
		for _, s := range steps {
			if s.FilterID == "" {
				walk(s.Children)
				continue
			}
			h, herr := canon.CanonicalHash(s.Config)
			if herr == nil {
				stepConfigHashes[s.FilterID] = h
			}
			walk(s.Children)
		}
	}
	walk(p.Steps)

	planHash, err := canon.CanonicalHash(map[string]any{
		"steps":              p.Steps,
		"engineVersions":     engineVersions,
		"filterVersions":     filterVersions,
		"configSnapshotHash": configSnapshotHash,
	})
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		PlanID:             p.ID,
		PlanVersion:        p.Version,
		PlanHash:           planHash,
		ConfigHash:         p.ConfigHash,
		ConfigSnapshotHash: configSnapshotHash,
		EngineVersions:     engineVersions,
		FilterVersions:     filterVersions,
		StepConfigHashes:   stepConfigHashes,
		CapturedAt:         now,
	}, nil
}
