package filters

import (
	"github.com/fiscallayer/validation-core/pkg/decimal"
	"github.com/fiscallayer/validation-core/pkg/model"
	"github.com/fiscallayer/validation-core/pkg/vctx"
)

// SemanticRiskFilterID is the canonical registration id.
const SemanticRiskFilterID = "semantic-risk"

// SemanticRisk is the reference heuristic risk-scoring filter (spec §9
// open question: "whether the risk score is produced by a semantic-risk
// step's metadata or an external model is not fixed" — this
// implementation picks the former). It never blocks by itself; it only
// publishes metadata["score"] for the policy gate to consume if a
// RiskScoreThreshold is configured.
type SemanticRisk struct{}

// NewSemanticRisk returns a SemanticRisk filter.
func NewSemanticRisk() *SemanticRisk { return &SemanticRisk{} }

func (s *SemanticRisk) ID() string      { return SemanticRiskFilterID }
func (s *SemanticRisk) Name() string    { return "Semantic Risk Scoring" }
func (s *SemanticRisk) Version() string { return "1.0.0" }

func (s *SemanticRisk) Execute(view *vctx.View, _ map[string]any) model.StepResult {
	inv := view.ParsedInvoice()
	if inv == nil {
		return model.StepResult{FilterID: s.ID(), Execution: model.ExecutionSkipped}
	}

	score := 0.0
	var hints []model.Diagnostic

	if len(inv.LineItems) == 0 {
		score += 20
		hints = append(hints, model.NewDiagnostic("RISK-001", model.SeverityHint, "risk", s.ID(), "invoice has no line items"))
	}
	if inv.Buyer.Name == "" || inv.Seller.Name == "" {
		score += 15
		hints = append(hints, model.NewDiagnostic("RISK-002", model.SeverityHint, "risk", s.ID(), "party name missing"))
	}
	if grand, err := decimal.Parse(inv.Totals.GrandTotal); err == nil {
		if grand.Cmp(decimal.MustParse("1000000")) > 0 {
			score += 25
			hints = append(hints, model.NewDiagnostic("RISK-003", model.SeverityInfo, "risk", s.ID(), "unusually large invoice amount"))
		}
		if grand.Cmp(decimal.MustParse("0")) <= 0 {
			score += 30
			hints = append(hints, model.NewDiagnostic("RISK-004", model.SeverityWarning, "risk", s.ID(), "non-positive grand total"))
		}
	}
	if len(inv.Seller.TaxIDs) == 0 {
		score += 10
		hints = append(hints, model.NewDiagnostic("RISK-005", model.SeverityHint, "risk", s.ID(), "seller has no tax identifiers"))
	}

	return model.StepResult{
		FilterID:    s.ID(),
		Execution:   model.ExecutionRan,
		Diagnostics: hints,
		Metadata:    map[string]any{"score": score},
	}
}
