package filters

import (
	"github.com/fiscallayer/validation-core/pkg/model"
	"github.com/fiscallayer/validation-core/pkg/vctx"
)

// FingerprintFilterID is the canonical registration id for the in-plan
// fingerprint step. The signed ComplianceFingerprint itself is produced
// by pkg/report.Assembler after the whole run completes (spec §4.7); this
// filter is the plan-visible checkpoint that rolls the run's step
// history into the per-check VERIFIED/FAILED/SKIPPED/UNVERIFIED summary
// the assembler's ComplianceFingerprint.Checks field carries, and is
// marked always_run so it executes even on an aborted run.
const FingerprintFilterID = "fingerprint"

// CheckStatus mirrors spec §4.7's fixed per-check status vocabulary.
type CheckStatus string

const (
	CheckVerified     CheckStatus = "VERIFIED"
	CheckVerifiedLive CheckStatus = "VERIFIED_LIVE"
	CheckFailed       CheckStatus = "FAILED"
	CheckSkipped      CheckStatus = "SKIPPED"
	CheckUnverified   CheckStatus = "UNVERIFIED"
)

// liveVerifierIDs are external-verifier filters whose successful result
// is reported as VERIFIED_LIVE rather than plain VERIFIED, since they
// called out to a live third-party service rather than evaluating the
// invoice's own content.
var liveVerifierIDs = map[string]bool{
	ViesFilterID:     true,
	EcbRatesFilterID: true,
	PeppolFilterID:   true,
}

// Fingerprint is the reference always_run checkpoint filter.
type Fingerprint struct{}

// NewFingerprint returns a Fingerprint filter.
func NewFingerprint() *Fingerprint { return &Fingerprint{} }

func (f *Fingerprint) ID() string      { return FingerprintFilterID }
func (f *Fingerprint) Name() string    { return "Compliance Fingerprint Checkpoint" }
func (f *Fingerprint) Version() string { return "1.0.0" }

func (f *Fingerprint) Execute(view *vctx.View, _ map[string]any) model.StepResult {
	checks := map[string]string{}
	for _, step := range view.CompletedSteps() {
		checks[step.FilterID] = string(checkStatus(step))
	}

	score := 100
	for _, d := range view.Diagnostics() {
		switch d.Severity {
		case model.SeverityError:
			score -= 25
		case model.SeverityWarning:
			score -= 5
		}
	}
	if score < 0 {
		score = 0
	}

	return model.StepResult{
		FilterID:  f.ID(),
		Execution: model.ExecutionRan,
		Metadata: map[string]any{
			"checks": checks,
			"score":  score,
		},
	}
}

func checkStatus(step model.StepResult) CheckStatus {
	switch step.Execution {
	case model.ExecutionSkipped:
		return CheckSkipped
	case model.ExecutionErrored:
		return CheckFailed
	case model.ExecutionRan:
		if step.HasErrorDiagnostic() {
			return CheckFailed
		}
		if liveVerifierIDs[step.FilterID] {
			return CheckVerifiedLive
		}
		return CheckVerified
	default:
		return CheckUnverified
	}
}
