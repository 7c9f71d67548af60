package report

import (
	"testing"
	"time"

	"github.com/fiscallayer/validation-core/pkg/model"
	"github.com/fiscallayer/validation-core/pkg/policygate"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

func testInvoice() *model.CanonicalInvoice {
	return &model.CanonicalInvoice{
		Header: model.InvoiceHeader{Number: "INV-001", IssueDate: "2026-03-01", Currency: "EUR"},
		Seller: model.Party{Name: "Acme Gmbh", TaxIDs: []string{"DE123456789"}},
		Buyer:  model.Party{Name: "Beta SARL", TaxIDs: []string{"FR987654321"}},
		Totals: model.MonetaryTotals{GrandTotal: "119.00"},
	}
}

func allowDecisionStep() model.StepResult {
	return model.StepResult{
		FilterID:  "policy-gate",
		Execution: model.ExecutionRan,
		Metadata: map[string]any{
			"decision": policygate.GateDecision{Decision: policygate.DecisionAllow, AppliedPolicyVersion: policygate.DefaultPolicyVersion},
		},
	}
}

func blockDecisionStep() model.StepResult {
	return model.StepResult{
		FilterID:  "policy-gate",
		Execution: model.ExecutionRan,
		Metadata: map[string]any{
			"decision": policygate.GateDecision{
				Decision:  policygate.DecisionBlock,
				BlockType: policygate.BlockTypeCompliance,
				ReasonCodes: []string{policygate.ReasonErrorPresent},
			},
		},
	}
}

// S1 — happy path: complete/ALLOW/APPROVED/score 100, no retention warnings.
func TestAssembler_S1_HappyPath(t *testing.T) {
	signer, err := NewSigner("key-1")
	require.NoError(t, err)
	a := NewAssembler(signer).WithClock(fixedClock)

	r, err := a.Build(BuildInput{
		RunID: "run-1", CorrelationID: "corr-1", Invoice: testInvoice(),
		Steps:       []model.StepResult{allowDecisionStep()},
		StartedAt:   fixedClock(), CompletedAt: fixedClock(),
	})
	require.NoError(t, err)

	require.Equal(t, ReportComplete, r.ReportState)
	require.NotNil(t, r.FinalDecision)
	require.Equal(t, policygate.DecisionAllow, r.FinalDecision.Decision)
	require.Empty(t, r.FinalDecision.ReasonCodes)
	require.Equal(t, StatusApproved, r.Fingerprint.Status)
	require.Equal(t, 100, r.Fingerprint.Score)
	require.Regexp(t, `^FL-[0-9a-z]+-[0-9a-z]{6}$`, r.Fingerprint.ID)
	require.Empty(t, r.RetentionWarnings)

	ok, err := Verify(*r)
	require.NoError(t, err)
	require.True(t, ok)
}

// S5 — a filter panics: reportState is "errored" regardless of the policy
// decision (reportState is derived from execution facts, not the verdict).
func TestAssembler_ReportStateErroredWhenAnyStepErrored(t *testing.T) {
	signer, err := NewSigner("key-1")
	require.NoError(t, err)
	a := NewAssembler(signer).WithClock(fixedClock)

	steps := []model.StepResult{
		{FilterID: "parser", Execution: model.ExecutionErrored, Error: &model.StepError{Name: "Panic", Message: "boom"}},
		allowDecisionStep(),
	}
	r, err := a.Build(BuildInput{RunID: "run-2", Steps: steps, StartedAt: fixedClock(), CompletedAt: fixedClock()})
	require.NoError(t, err)
	require.Equal(t, ReportErrored, r.ReportState)
}

// S2 — a fail_fast step aborts the run (e.g. kosit's schematron error): with
// no errored steps, reportState is "incomplete", not "complete".
func TestAssembler_ReportStateIncompleteWhenAborted(t *testing.T) {
	signer, err := NewSigner("key-1")
	require.NoError(t, err)
	a := NewAssembler(signer).WithClock(fixedClock)

	r, err := a.Build(BuildInput{
		RunID: "run-3", Steps: []model.StepResult{allowDecisionStep()},
		Aborted: true, StartedAt: fixedClock(), CompletedAt: fixedClock(),
	})
	require.NoError(t, err)
	require.Equal(t, ReportIncomplete, r.ReportState)
}

func TestAssembler_BlockDecisionYieldsBlockedStatus(t *testing.T) {
	signer, err := NewSigner("key-1")
	require.NoError(t, err)
	a := NewAssembler(signer).WithClock(fixedClock)

	r, err := a.Build(BuildInput{
		RunID: "run-4", Invoice: testInvoice(),
		Steps:       []model.StepResult{blockDecisionStep()},
		Diagnostics: []model.Diagnostic{model.NewDiagnostic("BR-01", model.SeverityError, "schema", "parser", "bad")},
		StartedAt:   fixedClock(), CompletedAt: fixedClock(),
	})
	require.NoError(t, err)
	require.Equal(t, StatusBlocked, r.Fingerprint.Status)
	require.Equal(t, 75, r.Fingerprint.Score)
}

func TestVerify_DetectsTampering(t *testing.T) {
	signer, err := NewSigner("key-1")
	require.NoError(t, err)
	a := NewAssembler(signer).WithClock(fixedClock)

	r, err := a.Build(BuildInput{
		RunID: "run-5", Invoice: testInvoice(),
		Steps: []model.StepResult{blockDecisionStep()}, StartedAt: fixedClock(), CompletedAt: fixedClock(),
	})
	require.NoError(t, err)

	r.Fingerprint.Status = StatusApproved // tamper after signing

	ok, err := Verify(*r)
	require.NoError(t, err)
	require.False(t, ok)
}

// S6 — cleanup failure: retentionWarnings and appliedRetentionPolicy pass
// through from the pipeline result to the report unchanged.
func TestAssembler_S6_RetentionWarningsPassThrough(t *testing.T) {
	signer, err := NewSigner("key-1")
	require.NoError(t, err)
	a := NewAssembler(signer).WithClock(fixedClock)

	warning := model.RetentionWarning{Code: model.RetentionWarningCleanupQueued, AffectedCount: 1, Timestamp: fixedClock()}
	r, err := a.Build(BuildInput{
		RunID: "run-6", Steps: []model.StepResult{allowDecisionStep()},
		StartedAt: fixedClock(), CompletedAt: fixedClock(),
		AppliedRetentionPolicy: "zero-retention",
		RetentionWarnings:      []model.RetentionWarning{warning},
	})
	require.NoError(t, err)
	require.Equal(t, "zero-retention", r.AppliedRetentionPolicy)
	require.Equal(t, []model.RetentionWarning{warning}, r.RetentionWarnings)
}

func TestSummarize_MasksVATIDs(t *testing.T) {
	s := summarize(testInvoice())
	require.Equal(t, "Acme Gmbh", s.SellerName)
	require.Equal(t, "DE***89", s.SellerVATID)
	require.NotContains(t, s.SellerVATID, "123456789"[:5])
}

func TestSummarize_NilInvoiceReturnsZeroValue(t *testing.T) {
	require.Equal(t, InvoiceSummary{}, summarize(nil))
}

func TestMaskVATID_ShortIDBecomesFourStars(t *testing.T) {
	require.Equal(t, "****", maskVATID("AB12"))
	require.Equal(t, "", maskVATID(""))
}

func TestDeriveReportState(t *testing.T) {
	require.Equal(t, ReportComplete, deriveReportState(nil, false))
	require.Equal(t, ReportIncomplete, deriveReportState(nil, true))
	require.Equal(t, ReportErrored,
		deriveReportState([]model.StepResult{{Execution: model.ExecutionErrored}}, true))
}
