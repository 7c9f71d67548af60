package filters

import (
	"github.com/fiscallayer/validation-core/pkg/filter"
	"github.com/fiscallayer/validation-core/pkg/plan"
	"github.com/fiscallayer/validation-core/pkg/policygate"
	"github.com/fiscallayer/validation-core/pkg/retrypolicy"
	"github.com/fiscallayer/validation-core/pkg/tempstore"
)

// Endpoints configures the live-verifier reference filters' upstream base
// URLs (spec §6).
type Endpoints struct {
	KositBaseURL  string
	ViesBaseURL   string
	EcbBaseURL    string
	PeppolBaseURL string
}

// RegisterBuiltins registers every reference Filter named in spec §6's
// default plan against reg, backed by store for the parser/kosit raw-byte
// reads. It registers the policy gate under both accepted ids (spec §9).
func RegisterBuiltins(reg *filter.Registry, store tempstore.Store, ep Endpoints) error {
	gate, err := policygate.New("policy-gate")
	if err != nil {
		return err
	}
	gateAlias, err := policygate.New("steps-policy-gate")
	if err != nil {
		return err
	}

	builtins := []filter.Filter{
		NewParser(ParserFilterID, store),
		NewKosit(store, ep.KositBaseURL),
		NewVies(ep.ViesBaseURL),
		NewEcbRates(ep.EcbBaseURL),
		NewPeppol(ep.PeppolBaseURL),
		NewAmountValidation(),
		NewSemanticRisk(),
		NewFingerprint(),
		gate,
		gateAlias,
	}
	for _, f := range builtins {
		if err := reg.Register(f); err != nil {
			return err
		}
	}
	return nil
}

// DefaultPlan builds the execution plan spec §6 describes: parser, kosit,
// a parallel live-verifiers group {vies, ecb-rates, peppol}, then
// amount-validation and semantic-risk sequentially, and finally the
// always_run fingerprint and policy-gate checkpoints.
func DefaultPlan() (*plan.ExecutionPlan, error) {
	return NewBuilder().
		SetID("default").
		SetVersion("1").
		SetName("EN16931 Default Validation Plan").
		AddStep(plan.Step{FilterID: ParserFilterID, Enabled: true, Order: 0, FailurePolicy: retrypolicy.PolicyFailFast}).
		AddStep(plan.Step{FilterID: KositFilterID, Enabled: true, Order: 1, FailurePolicy: retrypolicy.PolicyFailFast,
			Condition: "filter-passed(" + ParserFilterID + ")",
			Retry:     &retrypolicy.Config{MaxRetries: 2, InitialDelayMs: 500, BackoffMultiplier: 2, MaxDelayMs: 4000, TotalBudgetMs: 8000}}).
		AddStep(plan.Step{
			Order:     2,
			Parallel:  true,
			Condition: "filter-passed(" + KositFilterID + ")",
			Children: []plan.Step{
				{FilterID: ViesFilterID, Enabled: true, Order: 0, FailurePolicy: retrypolicy.PolicySoftFail,
					Retry: &retrypolicy.Config{MaxRetries: 2, InitialDelayMs: 500, BackoffMultiplier: 2, TotalBudgetMs: 2000}},
				{FilterID: EcbRatesFilterID, Enabled: true, Order: 1, FailurePolicy: retrypolicy.PolicySoftFail,
					Retry: &retrypolicy.Config{MaxRetries: 2, InitialDelayMs: 500, BackoffMultiplier: 2, TotalBudgetMs: 2000}},
				{FilterID: PeppolFilterID, Enabled: true, Order: 2, FailurePolicy: retrypolicy.PolicySoftFail,
					Retry: &retrypolicy.Config{MaxRetries: 2, InitialDelayMs: 500, BackoffMultiplier: 2, TotalBudgetMs: 2000}},
			},
		}).
		AddStep(plan.Step{FilterID: AmountValidationFilterID, Enabled: true, Order: 3, FailurePolicy: retrypolicy.PolicyFailFast,
			Condition: "filter-passed(" + ParserFilterID + ")"}).
		AddStep(plan.Step{FilterID: SemanticRiskFilterID, Enabled: true, Order: 4, FailurePolicy: retrypolicy.PolicyBestEffort}).
		AddStep(plan.Step{FilterID: FingerprintFilterID, Enabled: true, Order: 5, FailurePolicy: retrypolicy.PolicyAlwaysRun}).
		AddStep(plan.Step{FilterID: "policy-gate", Enabled: true, Order: 6, FailurePolicy: retrypolicy.PolicyAlwaysRun,
			Config: map[string]any{
				"requiredChecks":          []any{ParserFilterID, KositFilterID},
				"errorBehavior":           "block",
				"externalVerifierFailure": "warn",
				"riskThresholds":          map[string]any{"block": 90.0, "warn": 60.0},
			}}).
		Build()
}

// NewBuilder is a thin alias of plan.NewBuilder kept local so DefaultPlan
// reads as a single fluent chain without a second import alias at every
// call site.
func NewBuilder() *plan.Builder { return plan.NewBuilder() }
