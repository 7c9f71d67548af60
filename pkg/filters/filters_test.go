package filters

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fiscallayer/validation-core/pkg/model"
	"github.com/fiscallayer/validation-core/pkg/plan"
	"github.com/fiscallayer/validation-core/pkg/tempstore"
	"github.com/fiscallayer/validation-core/pkg/vctx"
	"github.com/stretchr/testify/require"
)

func newViewWithRaw(t *testing.T, store tempstore.Store, raw []byte, parsed *model.CanonicalInvoice) *vctx.View {
	t.Helper()
	p, err := plan.NewBuilder().SetID("p").AddStep(plan.Step{FilterID: "parser", Order: 0, Enabled: true}).Build()
	require.NoError(t, err)

	key := tempstore.Key("raw-invoice", "run-1")
	require.NoError(t, store.Set(context.Background(), key, "raw-invoice", raw, time.Minute))

	c := vctx.New("run-1", "corr-1", key, p, nil, time.Now())
	if parsed != nil {
		c.SetParsedInvoice(parsed)
	}
	return c.View()
}

func sampleInvoice() *model.CanonicalInvoice {
	return &model.CanonicalInvoice{
		Header: model.InvoiceHeader{Number: "INV-1", IssueDate: "2026-01-01", Currency: "EUR"},
		Seller: model.Party{Name: "Seller GmbH", TaxIDs: []string{"DE123456789"}},
		Buyer:  model.Party{Name: "Buyer SA", TaxIDs: []string{"FR987654321"}},
		LineItems: []model.LineItem{
			{ID: "1", Description: "Widget", Quantity: "2", UnitPrice: "10.00", LineNetAmount: "20.00"},
		},
		TaxBreakdown: []model.TaxBreakdown{{Category: "S", Rate: "19.00", TaxAmount: "3.80"}},
		Totals: model.MonetaryTotals{
			LineTotal:  "20.00",
			TaxTotal:   "3.80",
			GrandTotal: "23.80",
			AmountDue:  "23.80",
		},
	}
}

func TestParser_DecodesJSONInvoice(t *testing.T) {
	store := tempstore.NewMemoryStore(0)
	t.Cleanup(func() { _ = store.Close() })

	inv := sampleInvoice()
	raw, err := json.Marshal(inv)
	require.NoError(t, err)

	view := newViewWithRaw(t, store, raw, nil)
	p := NewParser(ParserFilterID, store)
	result := p.Execute(view, nil)

	require.Equal(t, model.ExecutionRan, result.Execution)
	got, ok := result.Metadata["parsedInvoice"].(*model.CanonicalInvoice)
	require.True(t, ok)
	require.Equal(t, "INV-1", got.Header.Number)
}

func TestParser_InvalidContentEmitsDiagnostic(t *testing.T) {
	store := tempstore.NewMemoryStore(0)
	t.Cleanup(func() { _ = store.Close() })

	view := newViewWithRaw(t, store, []byte("{not json"), nil)
	p := NewParser(ParserFilterID, store)
	result := p.Execute(view, nil)

	require.Equal(t, model.ExecutionRan, result.Execution)
	require.True(t, result.HasErrorDiagnostic())
}

func TestAmountValidation_ReconciledInvoicePasses(t *testing.T) {
	store := tempstore.NewMemoryStore(0)
	t.Cleanup(func() { _ = store.Close() })
	view := newViewWithRaw(t, store, []byte("{}"), sampleInvoice())

	av := NewAmountValidation()
	result := av.Execute(view, nil)
	require.Equal(t, model.ExecutionRan, result.Execution)
	require.False(t, result.HasErrorDiagnostic())
}

func TestAmountValidation_FlagsMismatchedGrandTotal(t *testing.T) {
	store := tempstore.NewMemoryStore(0)
	t.Cleanup(func() { _ = store.Close() })

	inv := sampleInvoice()
	inv.Totals.GrandTotal = "99.99"
	view := newViewWithRaw(t, store, []byte("{}"), inv)

	av := NewAmountValidation()
	result := av.Execute(view, nil)
	require.Equal(t, model.ExecutionRan, result.Execution)
	require.True(t, result.HasErrorDiagnostic())
}

func TestSemanticRisk_FlagsMissingLineItems(t *testing.T) {
	store := tempstore.NewMemoryStore(0)
	t.Cleanup(func() { _ = store.Close() })

	inv := sampleInvoice()
	inv.LineItems = nil
	view := newViewWithRaw(t, store, []byte("{}"), inv)

	sr := NewSemanticRisk()
	result := sr.Execute(view, nil)
	require.Equal(t, model.ExecutionRan, result.Execution)
	score, ok := result.Metadata["score"].(float64)
	require.True(t, ok)
	require.Greater(t, score, 0.0)
}

func TestFingerprint_SummarizesCompletedSteps(t *testing.T) {
	store := tempstore.NewMemoryStore(0)
	t.Cleanup(func() { _ = store.Close() })
	p, err := plan.NewBuilder().SetID("p").AddStep(plan.Step{FilterID: "parser", Order: 0, Enabled: true}).Build()
	require.NoError(t, err)

	c := vctx.New("run-1", "corr-1", "raw-1", p, nil, time.Now())
	c.AddStepResult(model.StepResult{FilterID: "parser", Execution: model.ExecutionRan})
	c.AddStepResult(model.StepResult{FilterID: "vies", Execution: model.ExecutionRan})
	c.AddStepResult(model.StepResult{FilterID: "kosit", Execution: model.ExecutionErrored})

	fp := NewFingerprint()
	result := fp.Execute(c.View(), nil)
	checks, ok := result.Metadata["checks"].(map[string]string)
	require.True(t, ok)
	require.Equal(t, string(CheckVerified), checks["parser"])
	require.Equal(t, string(CheckVerifiedLive), checks["vies"])
	require.Equal(t, string(CheckFailed), checks["kosit"])
}

func TestDefaultPlan_BuildsAndValidates(t *testing.T) {
	p, err := DefaultPlan()
	require.NoError(t, err)
	require.NoError(t, p.Validate())
	require.NotEmpty(t, p.ConfigHash)
}
