package filters

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fiscallayer/validation-core/pkg/decimal"
	"github.com/fiscallayer/validation-core/pkg/model"
	"github.com/fiscallayer/validation-core/pkg/vctx"
)

// EcbRatesFilterID is the canonical registration id for the ECB
// reference-rate reference filter.
const EcbRatesFilterID = "ecb-rates"

// EcbRates is the reference ECB daily reference-rate lookup filter: it
// fetches the currency's rate against EUR, records it in the step
// metadata, and emits a warning diagnostic when the grand total is not a
// valid decimal or the rate is not positive. It does not re-derive the
// total through the rate or compare amounts. Out of scope for the core
// per spec §1; kept minimal/illustrative.
type EcbRates struct {
	httpClient *http.Client
	baseURL    string
}

// NewEcbRates returns an EcbRates filter calling baseURL (e.g.
// "https://api.ecb.example/rates").
func NewEcbRates(baseURL string) *EcbRates {
	return &EcbRates{httpClient: &http.Client{Timeout: 8 * time.Second}, baseURL: strings.TrimRight(baseURL, "/")}
}

func (e *EcbRates) ID() string      { return EcbRatesFilterID }
func (e *EcbRates) Name() string    { return "ECB Reference Rate Check" }
func (e *EcbRates) Version() string { return "1.0.0" }

type ecbRateResponse struct {
	Currency string  `json:"currency"`
	RateEUR  float64 `json:"rateEur"`
}

func (e *EcbRates) Execute(view *vctx.View, config map[string]any) model.StepResult {
	inv := view.ParsedInvoice()
	if inv == nil || inv.Header.Currency == "" || inv.Header.Currency == "EUR" {
		return model.StepResult{FilterID: e.ID(), Execution: model.ExecutionSkipped}
	}

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/%s", e.baseURL, inv.Header.Currency), nil)
	if err != nil {
		return model.StepResult{FilterID: e.ID(), Execution: model.ExecutionErrored, Error: &model.StepError{Name: "RequestBuildFailed", Message: err.Error()}}
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return model.StepResult{FilterID: e.ID(), Execution: model.ExecutionErrored, Error: classifyNetError(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return model.StepResult{
			FilterID:  e.ID(),
			Execution: model.ExecutionErrored,
			Error:     &model.StepError{Name: "ExternalVerifierUnavailable", Message: fmt.Sprintf("ecb-rates: status %d", resp.StatusCode), StatusCode: resp.StatusCode},
		}
	}
	if resp.StatusCode != http.StatusOK {
		return model.StepResult{
			FilterID:  e.ID(),
			Execution: model.ExecutionErrored,
			Error:     &model.StepError{Name: "ExternalVerifierFailed", Message: fmt.Sprintf("ecb-rates: status %d", resp.StatusCode), StatusCode: resp.StatusCode},
		}
	}

	var out ecbRateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return model.StepResult{FilterID: e.ID(), Execution: model.ExecutionErrored, Error: &model.StepError{Name: "ResponseDecodeFailed", Message: err.Error()}}
	}

	return model.StepResult{
		FilterID:  e.ID(),
		Execution: model.ExecutionRan,
		Metadata:  map[string]any{"ecbRate": out.RateEUR, "ecbRateCurrency": out.Currency},
		Diagnostics: rateSanityDiagnostics(e.ID(), inv, out.RateEUR),
	}
}

// rateSanityDiagnostics emits a warning diagnostic when the grand total
// does not parse as a decimal (ECB-001) or the rate is not positive
// (ECB-002), and nil otherwise; it does no cross-currency arithmetic.
func rateSanityDiagnostics(source string, inv *model.CanonicalInvoice, rate float64) []model.Diagnostic {
	if _, err := decimal.Parse(inv.Totals.GrandTotal); err != nil {
		return []model.Diagnostic{
			model.NewDiagnostic("ECB-001", model.SeverityWarning, "business-rule", source, "grand total is not a valid decimal amount for rate cross-check"),
		}
	}
	if rate <= 0 {
		return []model.Diagnostic{
			model.NewDiagnostic("ECB-002", model.SeverityWarning, "business-rule", source, "ecb reference rate unavailable or non-positive"),
		}
	}
	return nil
}
