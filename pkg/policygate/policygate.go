// Package policygate implements the policy decision layer (spec §4.6): a
// filter that runs after the other validation steps and maps the run's
// diagnostic stream, required-check outcomes, and risk signal into an
// ALLOW / ALLOW_WITH_WARNINGS / BLOCK decision with aggregated reason
// codes and a block classification.
//
// Grounded on the teacher's pkg/governance.PolicyDecisionPoint (a single
// stable decision interface producing a Decision + reason trace) narrowed
// from the general-purpose effect/subject/context request shape to the
// fixed inputs a validation run already carries, and
// pkg/governance.CELPolicyEvaluator for the optional custom block rule.
package policygate

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/fiscallayer/validation-core/pkg/model"
	"github.com/fiscallayer/validation-core/pkg/vctx"
)

// Decision is the policy gate's verdict (spec §4.6).
type Decision string

const (
	DecisionAllow             Decision = "ALLOW"
	DecisionAllowWithWarnings Decision = "ALLOW_WITH_WARNINGS"
	DecisionBlock             Decision = "BLOCK"
)

// BlockType classifies why a BLOCK was raised (spec §4.6 rules 1-6).
type BlockType string

const (
	BlockTypeSystem     BlockType = "SYSTEM"
	BlockTypeCompliance BlockType = "COMPLIANCE"
	BlockTypePolicy     BlockType = "POLICY"
)

// Reason codes, spec §4.6's fixed vocabulary.
const (
	ReasonRequiredCheckFailed         = "REQUIRED_CHECK_FAILED"
	ReasonStepError                   = "STEP_ERROR"
	ReasonRequiredCheckMissing        = "REQUIRED_CHECK_MISSING"
	ReasonHardBlockPresent            = "HARD_BLOCK_PRESENT"
	ReasonErrorPresent                = "ERROR_PRESENT"
	ReasonSchemaError                 = "SCHEMA_ERROR"
	ReasonSchematronError             = "SCHEMATRON_ERROR"
	ReasonExternalVerifierFailed      = "EXTERNAL_VERIFIER_FAILED"
	ReasonExternalVerifierUnavailable = "EXTERNAL_VERIFIER_UNAVAILABLE"
	ReasonCustomRuleBlock             = "CUSTOM_RULE_BLOCK"
	ReasonRiskScoreBlock              = "RISK_SCORE_BLOCK"
	ReasonWarningsPresent             = "WARNINGS_PRESENT"
	ReasonRiskScoreWarn               = "RISK_SCORE_WARN"
	ReasonStepSkippedAborted          = "STEP_SKIPPED_ABORTED"
)

// DefaultPolicyVersion is copied into appliedPolicyVersion when the config
// does not override it (spec §4.6).
const DefaultPolicyVersion = "default-v1"

// externalVerifierIDs are the filter ids spec §4.6 rule 5 singles out.
var externalVerifierIDs = map[string]bool{"vies": true, "ecb-rates": true, "peppol": true}

// Contribution classifies a step's weight in the final decision, attached
// to its StepAnalysisEntry when includeStepAnalysis is set.
type Contribution string

const (
	ContributionBlock   Contribution = "block"
	ContributionWarn    Contribution = "warn"
	ContributionNeutral Contribution = "neutral"
)

// StepAnalysisEntry is one step's contribution breakdown (spec §4.6).
type StepAnalysisEntry struct {
	StepID                string       `json:"stepId"`
	Status                string       `json:"status"`
	ContributedToDecision bool         `json:"contributedToDecision"`
	Contribution          Contribution `json:"contribution"`
	TriggeredReasons      []string     `json:"triggeredReasons,omitempty"`
	DiagnosticCounts      map[string]int `json:"diagnosticCounts,omitempty"`
}

// GateDecision is the PolicyGateDecision record (spec §3) attached to the
// policy-gate StepResult's Metadata and consumed by report assembly.
type GateDecision struct {
	Decision             Decision            `json:"decision"`
	ReasonCodes          []string            `json:"reasonCodes"`
	BlockType            BlockType           `json:"blockType,omitempty"`
	AppliedPolicyVersion string              `json:"appliedPolicyVersion"`
	EffectiveAt          time.Time           `json:"effectiveAt"`
	Summary              string              `json:"summary"`
	StepAnalysis         []StepAnalysisEntry `json:"stepAnalysis,omitempty"`
}

// Config is the gate's step config (spec §4.6): consumed from the plan
// step's resolved Config map.
type Config struct {
	// RequiredChecks lists filter ids that must have run successfully;
	// an errored or missing required check is a BLOCK/SYSTEM condition
	// (rules 1-2), ahead of any content-level finding.
	RequiredChecks []string
	// ErrorBehavior controls rule 4: "block" (the default) escalates any
	// error-severity diagnostic to BLOCK/COMPLIANCE.
	ErrorBehavior string
	// ExternalVerifierFailure controls rule 5: "block" escalates a
	// vies/ecb-rates/peppol execution error to BLOCK/POLICY; "warn" (the
	// default, matching these filters' soft_fail treatment in the default
	// plan) demotes it to the rule 7 warning aggregate instead.
	ExternalVerifierFailure string
	// RiskThresholdBlock/RiskThresholdWarn mirror riskThresholds.block and
	// riskThresholds.warn. Zero disables the respective check.
	RiskThresholdBlock float64
	RiskThresholdWarn  float64
	// CustomBlockRule is an optional CEL boolean expression evaluated
	// against {"errorCount", "warningCount", "riskScore"}; true blocks
	// under BlockType POLICY (a supplement to the fixed spec ladder,
	// grounded on the teacher's CEL policy evaluator).
	CustomBlockRule string
	// AppliedPolicyVersion overrides DefaultPolicyVersion when set.
	AppliedPolicyVersion string
	// IncludeStepAnalysis gates emission of StepAnalysis (spec §4.6: "only
	// when includeStepAnalysis=true").
	IncludeStepAnalysis bool
}

// Gate is a Filter implementing the policy decision layer. It is
// registered under both "policy-gate" and "steps-policy-gate" — plans
// authored against either id resolve to the same behavior (spec §9 open
// question, resolved: both ids accepted).
type Gate struct {
	id    string
	env   *cel.Env
	clock func() time.Time
}

// New returns a Gate registered under id ("policy-gate" or
// "steps-policy-gate").
func New(id string) (*Gate, error) {
	env, err := cel.NewEnv(
		cel.Variable("errorCount", cel.IntType),
		cel.Variable("warningCount", cel.IntType),
		cel.Variable("riskScore", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("policygate: cel environment: %w", err)
	}
	return &Gate{id: id, env: env, clock: time.Now}, nil
}

// WithClock overrides the clock stamping EffectiveAt, for deterministic
// tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.clock = now
	return g
}

func (g *Gate) ID() string      { return g.id }
func (g *Gate) Name() string    { return "Policy Gate" }
func (g *Gate) Version() string { return "1.0.0" }

// Execute derives a GateDecision from the run's accumulated diagnostics
// and step history, per the decision ladder in decide.
func (g *Gate) Execute(view *vctx.View, rawConfig map[string]any) model.StepResult {
	cfg := parseConfig(rawConfig)
	riskScore := readRiskScore(view)

	decision, err := g.decide(view.Diagnostics(), view.CompletedSteps(), view.Aborted(), cfg, riskScore)
	result := model.StepResult{
		FilterID:  g.id,
		Execution: model.ExecutionRan,
	}
	if err != nil {
		result.Execution = model.ExecutionErrored
		result.Error = &model.StepError{Name: "PolicyGateError", Message: err.Error()}
		return result
	}

	result.Metadata = map[string]any{"decision": decision}
	return result
}

func readRiskScore(view *vctx.View) float64 {
	// The risk score is sourced from a prior filter's metadata (e.g. the
	// semantic-risk step's "score"), never computed by the gate itself
	// (spec §9 open question).
	for _, s := range view.CompletedSteps() {
		for _, key := range []string{"score", "riskScore"} {
			if v, ok := s.Metadata[key]; ok {
				if f, ok := toFloat(v); ok {
					return f
				}
			}
		}
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func parseConfig(raw map[string]any) Config {
	cfg := Config{ErrorBehavior: "block", ExternalVerifierFailure: "warn", AppliedPolicyVersion: DefaultPolicyVersion}
	if raw == nil {
		return cfg
	}
	if v, ok := raw["requiredChecks"].([]any); ok {
		for _, s := range v {
			if id, ok := s.(string); ok {
				cfg.RequiredChecks = append(cfg.RequiredChecks, id)
			}
		}
	}
	if v, ok := raw["errorBehavior"].(string); ok && v != "" {
		cfg.ErrorBehavior = v
	}
	if v, ok := raw["externalVerifierFailure"].(string); ok && v != "" {
		cfg.ExternalVerifierFailure = v
	}
	if rt, ok := raw["riskThresholds"].(map[string]any); ok {
		if v, ok := rt["block"].(float64); ok {
			cfg.RiskThresholdBlock = v
		}
		if v, ok := rt["warn"].(float64); ok {
			cfg.RiskThresholdWarn = v
		}
	}
	if v, ok := raw["customBlockRule"].(string); ok {
		cfg.CustomBlockRule = v
	}
	if v, ok := raw["appliedPolicyVersion"].(string); ok && v != "" {
		cfg.AppliedPolicyVersion = v
	}
	if v, ok := raw["includeStepAnalysis"].(bool); ok {
		cfg.IncludeStepAnalysis = v
	}
	return cfg
}

// decide applies the decision ladder (spec §4.6): the first matching BLOCK
// rule wins; all applicable WARN/ALLOW reasons are aggregated.
func (g *Gate) decide(diags []model.Diagnostic, steps []model.StepResult, aborted bool, cfg Config, riskScore float64) (GateDecision, error) {
	counts := model.DiagnosticCounts(diags)
	errorCount := counts[model.SeverityError]
	warningCount := counts[model.SeverityWarning]

	base := GateDecision{
		AppliedPolicyVersion: cfg.AppliedPolicyVersion,
		EffectiveAt:          g.clock(),
	}

	// 1. A required check that ran but errored.
	for _, id := range cfg.RequiredChecks {
		if s, ok := findStep(steps, id); ok && s.Execution == model.ExecutionErrored {
			return g.finish(base, steps, cfg, DecisionBlock, BlockTypeSystem,
				[]string{ReasonRequiredCheckFailed, ReasonStepError}), nil
		}
	}

	// 2. A required check that never ran at all.
	for _, id := range cfg.RequiredChecks {
		if _, ok := findStep(steps, id); !ok {
			return g.finish(base, steps, cfg, DecisionBlock, BlockTypeSystem,
				[]string{ReasonRequiredCheckMissing}), nil
		}
	}

	// 3. Any diagnostic explicitly marked HardBlock forces BLOCK regardless
	// of errorBehavior.
	for _, d := range diags {
		if d.Severity == model.SeverityError && d.HardBlock {
			return g.finish(base, steps, cfg, DecisionBlock, BlockTypeCompliance,
				[]string{ReasonHardBlockPresent}), nil
		}
	}

	// 4. Any error-severity diagnostic, under the default/"block" errorBehavior.
	if errorCount > 0 && cfg.ErrorBehavior == "block" {
		reasons := []string{ReasonErrorPresent}
		reasons = append(reasons, derivedSchemaReasons(diags)...)
		return g.finish(base, steps, cfg, DecisionBlock, BlockTypeCompliance, reasons), nil
	}

	// 5. An external verifier (vies/ecb-rates/peppol) erroring while
	// externalVerifierFailure is set to "block" (the default is "warn").
	if cfg.ExternalVerifierFailure == "block" {
		if reason, ok := externalVerifierFailureReason(steps); ok {
			return g.finish(base, steps, cfg, DecisionBlock, BlockTypePolicy, []string{reason}), nil
		}
	}

	// Custom CEL block rule, if configured — a supplement to the fixed
	// ladder, evaluated here alongside the other POLICY-classified blocks.
	if cfg.CustomBlockRule != "" {
		blocked, err := g.evalCustomRule(cfg.CustomBlockRule, errorCount, warningCount, riskScore)
		if err != nil {
			return GateDecision{}, fmt.Errorf("policygate: custom rule evaluation failed: %w", err)
		}
		if blocked {
			return g.finish(base, steps, cfg, DecisionBlock, BlockTypePolicy, []string{ReasonCustomRuleBlock}), nil
		}
	}

	// 6. Risk score at or above the configured block threshold.
	if cfg.RiskThresholdBlock > 0 && riskScore >= cfg.RiskThresholdBlock {
		return g.finish(base, steps, cfg, DecisionBlock, BlockTypePolicy, []string{ReasonRiskScoreBlock}), nil
	}

	// 7. Aggregate every applicable WARN condition.
	var warnReasons []string
	if warningCount > 0 {
		warnReasons = append(warnReasons, ReasonWarningsPresent)
	}
	if cfg.ExternalVerifierFailure != "block" {
		if reason, ok := externalVerifierFailureReason(steps); ok {
			warnReasons = append(warnReasons, reason)
		}
	}
	if cfg.RiskThresholdWarn > 0 && riskScore >= cfg.RiskThresholdWarn {
		warnReasons = append(warnReasons, ReasonRiskScoreWarn)
	}
	if aborted && anySkipped(steps) {
		warnReasons = append(warnReasons, ReasonStepSkippedAborted)
	}
	if len(warnReasons) > 0 {
		return g.finish(base, steps, cfg, DecisionAllowWithWarnings, "", warnReasons), nil
	}

	// 8. Nothing found.
	return g.finish(base, steps, cfg, DecisionAllow, "", nil), nil
}

// finish stamps the final decision/reason fields and, if configured,
// attaches the per-step analysis breakdown.
func (g *Gate) finish(base GateDecision, steps []model.StepResult, cfg Config, d Decision, bt BlockType, reasons []string) GateDecision {
	base.Decision = d
	base.BlockType = bt
	base.ReasonCodes = reasons
	base.Summary = summarize(d, reasons)
	if cfg.IncludeStepAnalysis {
		base.StepAnalysis = buildStepAnalysis(steps, d, reasons)
	}
	return base
}

func findStep(steps []model.StepResult, id string) (model.StepResult, bool) {
	for _, s := range steps {
		if s.FilterID == id {
			return s, true
		}
	}
	return model.StepResult{}, false
}

func anySkipped(steps []model.StepResult) bool {
	for _, s := range steps {
		if s.Execution == model.ExecutionSkipped {
			return true
		}
	}
	return false
}

// derivedSchemaReasons maps diagnostic categories to the SCHEMA_ERROR /
// SCHEMATRON_ERROR reason codes (spec §9: "treat the mapping as
// filter-provided metadata rather than hard-coding in the gate" — the
// parser tags its findings "schema" and kosit tags its "schematron").
func derivedSchemaReasons(diags []model.Diagnostic) []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range diags {
		if d.Severity != model.SeverityError {
			continue
		}
		var code string
		switch d.Category {
		case "schema":
			code = ReasonSchemaError
		case "schematron":
			code = ReasonSchematronError
		}
		if code != "" && !seen[code] {
			seen[code] = true
			out = append(out, code)
		}
	}
	return out
}

// externalVerifierFailureReason reports whether any vies/ecb-rates/peppol
// step errored, and which reason code it maps to.
func externalVerifierFailureReason(steps []model.StepResult) (string, bool) {
	for _, s := range steps {
		if !externalVerifierIDs[s.FilterID] || s.Execution != model.ExecutionErrored {
			continue
		}
		if s.Error != nil && s.Error.Name == "ExternalVerifierUnavailable" {
			return ReasonExternalVerifierUnavailable, true
		}
		return ReasonExternalVerifierFailed, true
	}
	return "", false
}

func buildStepAnalysis(steps []model.StepResult, decision Decision, reasons []string) []StepAnalysisEntry {
	reasonSet := map[string]bool{}
	for _, r := range reasons {
		reasonSet[r] = true
	}

	out := make([]StepAnalysisEntry, 0, len(steps))
	for _, s := range steps {
		entry := StepAnalysisEntry{
			StepID:           s.FilterID,
			Status:           string(s.Execution),
			Contribution:     ContributionNeutral,
			DiagnosticCounts: diagnosticCountsByString(s.Diagnostics),
		}

		switch {
		case s.Execution == model.ExecutionErrored && externalVerifierIDs[s.FilterID] &&
			(reasonSet[ReasonExternalVerifierFailed] || reasonSet[ReasonExternalVerifierUnavailable]):
			entry.Contribution = ContributionBlock
			entry.ContributedToDecision = decision == DecisionBlock
			entry.TriggeredReasons = reasonsFor(reasonSet, ReasonExternalVerifierFailed, ReasonExternalVerifierUnavailable)
		case s.Execution == model.ExecutionErrored && (reasonSet[ReasonRequiredCheckFailed] || reasonSet[ReasonStepError]):
			entry.Contribution = ContributionBlock
			entry.ContributedToDecision = decision == DecisionBlock
			entry.TriggeredReasons = reasonsFor(reasonSet, ReasonRequiredCheckFailed, ReasonStepError)
		case s.HasErrorDiagnostic() && (reasonSet[ReasonErrorPresent] || reasonSet[ReasonHardBlockPresent]):
			entry.Contribution = ContributionBlock
			entry.ContributedToDecision = decision == DecisionBlock
			entry.TriggeredReasons = reasonsFor(reasonSet, ReasonErrorPresent, ReasonHardBlockPresent, ReasonSchemaError, ReasonSchematronError)
		case hasWarningDiagnostic(s) && reasonSet[ReasonWarningsPresent]:
			entry.Contribution = ContributionWarn
			entry.ContributedToDecision = decision == DecisionAllowWithWarnings
			entry.TriggeredReasons = []string{ReasonWarningsPresent}
		case s.Execution == model.ExecutionSkipped && reasonSet[ReasonStepSkippedAborted]:
			entry.Contribution = ContributionWarn
			entry.ContributedToDecision = decision == DecisionAllowWithWarnings
			entry.TriggeredReasons = []string{ReasonStepSkippedAborted}
		}
		out = append(out, entry)
	}
	return out
}

func hasWarningDiagnostic(s model.StepResult) bool {
	for _, d := range s.Diagnostics {
		if d.Severity == model.SeverityWarning {
			return true
		}
	}
	return false
}

func reasonsFor(set map[string]bool, candidates ...string) []string {
	var out []string
	for _, c := range candidates {
		if set[c] {
			out = append(out, c)
		}
	}
	return out
}

func diagnosticCountsByString(diags []model.Diagnostic) map[string]int {
	if len(diags) == 0 {
		return nil
	}
	out := map[string]int{}
	for sev, n := range model.DiagnosticCounts(diags) {
		out[string(sev)] = n
	}
	return out
}

// summarize produces a short, non-sensitive English sentence from the
// decision and reason set (spec §4.6: "no field may contain raw invoice
// values, names, or paths").
func summarize(d Decision, reasons []string) string {
	switch d {
	case DecisionAllow:
		return "No blocking findings; invoice approved."
	case DecisionBlock:
		return fmt.Sprintf("Blocked: %s.", joinReasons(reasons))
	case DecisionAllowWithWarnings:
		return fmt.Sprintf("Approved with warnings: %s.", joinReasons(reasons))
	default:
		return ""
	}
}

func joinReasons(reasons []string) string {
	if len(reasons) == 0 {
		return "policy rule triggered"
	}
	out := reasons[0]
	for _, r := range reasons[1:] {
		out += ", " + r
	}
	return out
}

func (g *Gate) evalCustomRule(expr string, errorCount, warningCount int, riskScore float64) (bool, error) {
	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return false, issues.Err()
	}
	prg, err := g.env.Program(ast)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"errorCount":   errorCount,
		"warningCount": warningCount,
		"riskScore":    riskScore,
	})
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("custom block rule must evaluate to a boolean")
	}
	return v, nil
}
