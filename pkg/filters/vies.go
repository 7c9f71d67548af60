package filters

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fiscallayer/validation-core/pkg/model"
	"github.com/fiscallayer/validation-core/pkg/vctx"
)

// ViesFilterID is the canonical registration id for the VIES VAT-number
// lookup reference filter.
const ViesFilterID = "vies"

// Vies is the reference EU VIES VAT-number lookup filter. A real
// deployment's VIES client is, per spec §1, "deliberately out of scope"
// of the core — this implementation is the minimal illustrative HTTPS
// collaborator used by tests and the cmd/fiscalcli demo.
type Vies struct {
	httpClient *http.Client
	baseURL    string
}

// NewVies returns a Vies filter calling baseURL (e.g.
// "https://ec.europa.eu/taxation_customs/vies/rest-api").
func NewVies(baseURL string) *Vies {
	return &Vies{httpClient: &http.Client{Timeout: 8 * time.Second}, baseURL: strings.TrimRight(baseURL, "/")}
}

func (v *Vies) ID() string      { return ViesFilterID }
func (v *Vies) Name() string    { return "VIES VAT Number Lookup" }
func (v *Vies) Version() string { return "1.0.0" }

type viesLookupResponse struct {
	Valid bool   `json:"valid"`
	Name  string `json:"name"`
}

func (v *Vies) Execute(view *vctx.View, config map[string]any) model.StepResult {
	inv := view.ParsedInvoice()
	if inv == nil || len(inv.Seller.TaxIDs) == 0 {
		return model.StepResult{FilterID: v.id(), Execution: model.ExecutionSkipped}
	}

	vatID := inv.Seller.TaxIDs[0]
	country, number, ok := splitVATID(vatID)
	if !ok {
		return model.StepResult{
			FilterID:  v.id(),
			Execution: model.ExecutionRan,
			Diagnostics: []model.Diagnostic{
				model.NewDiagnostic("VIES-001", model.SeverityWarning, "business-rule", v.id(), "seller VAT id does not match the expected EU VAT id shape"),
			},
		}
	}

	url := fmt.Sprintf("%s/check-vat-number/%s/%s", v.baseURL, country, number)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return model.StepResult{FilterID: v.id(), Execution: model.ExecutionErrored, Error: &model.StepError{Name: "RequestBuildFailed", Message: err.Error()}}
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return model.StepResult{
			FilterID:  v.id(),
			Execution: model.ExecutionErrored,
			Error:     classifyNetError(err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return model.StepResult{
			FilterID:  v.id(),
			Execution: model.ExecutionErrored,
			Error:     &model.StepError{Name: "ExternalVerifierUnavailable", Message: fmt.Sprintf("vies: status %d", resp.StatusCode), StatusCode: resp.StatusCode},
		}
	}
	if resp.StatusCode != http.StatusOK {
		return model.StepResult{
			FilterID:  v.id(),
			Execution: model.ExecutionErrored,
			Error:     &model.StepError{Name: "ExternalVerifierFailed", Message: fmt.Sprintf("vies: status %d", resp.StatusCode), StatusCode: resp.StatusCode},
		}
	}

	var out viesLookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return model.StepResult{FilterID: v.id(), Execution: model.ExecutionErrored, Error: &model.StepError{Name: "ResponseDecodeFailed", Message: err.Error()}}
	}
	if !out.Valid {
		return model.StepResult{
			FilterID:  v.id(),
			Execution: model.ExecutionRan,
			Diagnostics: []model.Diagnostic{
				model.NewDiagnostic("VIES-002", model.SeverityWarning, "business-rule", v.id(), "seller VAT id is not currently valid in VIES"),
			},
		}
	}
	return model.StepResult{FilterID: v.id(), Execution: model.ExecutionRan, Metadata: map[string]any{"viesVerifiedName": out.Name}}
}

func (v *Vies) id() string { return ViesFilterID }

// splitVATID splits "DE123456789"-shaped ids into country prefix and
// number. Returns ok=false for anything that doesn't match the minimal EU
// VAT id shape.
func splitVATID(id string) (country, number string, ok bool) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if len(id) < 4 {
		return "", "", false
	}
	country = id[:2]
	for _, c := range country {
		if c < 'A' || c > 'Z' {
			return "", "", false
		}
	}
	return country, id[2:], true
}

// classifyNetError maps a low-level network error into a StepError with
// an ErrorType drawn from the default retryable set (spec §4.5), so the
// harness can retry connection resets/timeouts without the filter having
// to thread an IsRetryable callback through.
func classifyNetError(err error) *model.StepError {
	errType := "NETWORK_ERROR"
	var netErr net.Error
	if ok := asNetError(err, &netErr); ok && netErr.Timeout() {
		errType = "ETIMEDOUT"
	}
	return &model.StepError{Name: "ConnectionFailed", Message: model.Sanitize(err.Error()), ErrorType: errType}
}

func asNetError(err error, target *net.Error) bool {
	if ne, ok := err.(net.Error); ok {
		*target = ne
		return true
	}
	return false
}
