package filters

import (
	"fmt"

	"github.com/fiscallayer/validation-core/pkg/decimal"
	"github.com/fiscallayer/validation-core/pkg/model"
	"github.com/fiscallayer/validation-core/pkg/vctx"
)

// AmountValidationFilterID is the canonical registration id.
const AmountValidationFilterID = "amount-validation"

// AmountValidation is the reference arithmetic-consistency filter (spec
// §2 "amount-validation" built-in id): it re-derives the invoice's line,
// tax, and grand totals from its line items using pkg/decimal and emits
// error diagnostics where the stated totals don't reconcile within the
// currency's tolerance (half its smallest minor unit, to absorb rounding
// already applied upstream).
type AmountValidation struct{}

// NewAmountValidation returns an AmountValidation filter.
func NewAmountValidation() *AmountValidation { return &AmountValidation{} }

func (a *AmountValidation) ID() string      { return AmountValidationFilterID }
func (a *AmountValidation) Name() string    { return "Amount Reconciliation" }
func (a *AmountValidation) Version() string { return "1.0.0" }

func (a *AmountValidation) Execute(view *vctx.View, _ map[string]any) model.StepResult {
	inv := view.ParsedInvoice()
	if inv == nil {
		return model.StepResult{
			FilterID:  a.ID(),
			Execution: model.ExecutionErrored,
			Error:     &model.StepError{Name: "NoParsedInvoice", Message: "amount-validation: no parsed invoice in context"},
		}
	}

	scale := decimal.CurrencyMinorUnits(inv.Header.Currency)
	var diags []model.Diagnostic

	lineSum, lineErr := sumLineNet(inv)
	if lineErr != nil {
		diags = append(diags, model.NewDiagnostic("AMT-001", model.SeverityError, "business-rule", a.ID(), lineErr.Error()))
	} else if stated, err := decimal.Parse(inv.Totals.LineTotal); err == nil {
		if !withinTolerance(lineSum, stated, scale) {
			diags = append(diags, model.NewDiagnostic("AMT-002", model.SeverityError, "business-rule", a.ID(),
				fmt.Sprintf("stated line total %s does not reconcile with the sum of line net amounts", inv.Totals.LineTotal)))
		}
	} else {
		diags = append(diags, model.NewDiagnostic("AMT-003", model.SeverityError, "business-rule", a.ID(), "invoice line total is not a valid decimal amount"))
	}

	taxSum, taxErr := sumTax(inv)
	if taxErr != nil {
		diags = append(diags, model.NewDiagnostic("AMT-004", model.SeverityError, "business-rule", a.ID(), taxErr.Error()))
	} else if stated, err := decimal.Parse(inv.Totals.TaxTotal); err == nil {
		if !withinTolerance(taxSum, stated, scale) {
			diags = append(diags, model.NewDiagnostic("AMT-005", model.SeverityError, "business-rule", a.ID(),
				"stated tax total does not reconcile with the sum of tax breakdown amounts"))
		}
	} else if inv.Totals.TaxTotal != "" {
		diags = append(diags, model.NewDiagnostic("AMT-006", model.SeverityError, "business-rule", a.ID(), "invoice tax total is not a valid decimal amount"))
	}

	if net, err1 := decimal.Parse(inv.Totals.LineTotal); err1 == nil {
		if tax, err2 := decimal.Parse(inv.Totals.TaxTotal); err2 == nil {
			if grand, err3 := decimal.Parse(inv.Totals.GrandTotal); err3 == nil {
				if !withinTolerance(net.Add(tax), grand, scale) {
					diags = append(diags, model.NewDiagnostic("AMT-007", model.SeverityError, "business-rule", a.ID(),
						"grand total does not equal line total plus tax total"))
				}
			}
		}
	}

	return model.StepResult{FilterID: a.ID(), Execution: model.ExecutionRan, Diagnostics: diags}
}

func sumLineNet(inv *model.CanonicalInvoice) (decimal.Decimal, error) {
	sum := decimal.MustParse("0")
	for _, li := range inv.LineItems {
		d, err := decimal.Parse(li.LineNetAmount)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("line item %q has a non-decimal net amount", li.ID)
		}
		sum = sum.Add(d)
	}
	return sum, nil
}

func sumTax(inv *model.CanonicalInvoice) (decimal.Decimal, error) {
	sum := decimal.MustParse("0")
	for _, tb := range inv.TaxBreakdown {
		d, err := decimal.Parse(tb.TaxAmount)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("tax breakdown category %q has a non-decimal amount", tb.Category)
		}
		sum = sum.Add(d)
	}
	return sum, nil
}

// withinTolerance reports whether a and b differ by no more than half the
// currency's smallest minor unit, absorbing rounding applied upstream
// before the amounts reached this filter.
func withinTolerance(a, b decimal.Decimal, scale int) bool {
	diff := a.Sub(b)
	if diff.Cmp(decimal.MustParse("0")) < 0 {
		diff = decimal.MustParse("0").Sub(diff)
	}
	tolerance := decimal.MustParse(toleranceString(scale))
	return diff.Cmp(tolerance) <= 0
}

func toleranceString(scale int) string {
	switch scale {
	case 0:
		return "0.5"
	case 3:
		return "0.0005"
	default:
		return "0.005"
	}
}
