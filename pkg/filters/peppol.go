package filters

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fiscallayer/validation-core/pkg/model"
	"github.com/fiscallayer/validation-core/pkg/vctx"
)

// PeppolFilterID is the canonical registration id for the Peppol
// directory-lookup reference filter.
const PeppolFilterID = "peppol"

// Peppol is the reference Peppol directory participant-lookup filter: it
// confirms the buyer's Peppol participant id is registered before the
// invoice is routed, an out-of-scope external collaborator per spec §1.
type Peppol struct {
	httpClient *http.Client
	baseURL    string
}

// NewPeppol returns a Peppol filter calling baseURL (e.g.
// "https://directory.peppol.eu/search").
func NewPeppol(baseURL string) *Peppol {
	return &Peppol{httpClient: &http.Client{Timeout: 8 * time.Second}, baseURL: strings.TrimRight(baseURL, "/")}
}

func (p *Peppol) ID() string      { return PeppolFilterID }
func (p *Peppol) Name() string    { return "Peppol Directory Lookup" }
func (p *Peppol) Version() string { return "1.0.0" }

type peppolParticipantResponse struct {
	Registered bool `json:"registered"`
}

func (p *Peppol) Execute(view *vctx.View, config map[string]any) model.StepResult {
	inv := view.ParsedInvoice()
	if inv == nil || len(inv.Buyer.TaxIDs) == 0 {
		return model.StepResult{FilterID: p.ID(), Execution: model.ExecutionSkipped}
	}

	participantID := inv.Buyer.TaxIDs[0]
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/participant/%s", p.baseURL, participantID), nil)
	if err != nil {
		return model.StepResult{FilterID: p.ID(), Execution: model.ExecutionErrored, Error: &model.StepError{Name: "RequestBuildFailed", Message: err.Error()}}
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return model.StepResult{FilterID: p.ID(), Execution: model.ExecutionErrored, Error: classifyNetError(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return model.StepResult{
			FilterID:  p.ID(),
			Execution: model.ExecutionRan,
			Diagnostics: []model.Diagnostic{
				model.NewDiagnostic("PEPPOL-001", model.SeverityWarning, "business-rule", p.ID(), "buyer participant id not found in the Peppol directory"),
			},
		}
	}
	if resp.StatusCode >= 500 {
		return model.StepResult{
			FilterID:  p.ID(),
			Execution: model.ExecutionErrored,
			Error:     &model.StepError{Name: "ExternalVerifierUnavailable", Message: fmt.Sprintf("peppol: status %d", resp.StatusCode), StatusCode: resp.StatusCode},
		}
	}
	if resp.StatusCode != http.StatusOK {
		return model.StepResult{
			FilterID:  p.ID(),
			Execution: model.ExecutionErrored,
			Error:     &model.StepError{Name: "ExternalVerifierFailed", Message: fmt.Sprintf("peppol: status %d", resp.StatusCode), StatusCode: resp.StatusCode},
		}
	}

	var out peppolParticipantResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return model.StepResult{FilterID: p.ID(), Execution: model.ExecutionErrored, Error: &model.StepError{Name: "ResponseDecodeFailed", Message: err.Error()}}
	}
	if !out.Registered {
		return model.StepResult{
			FilterID:  p.ID(),
			Execution: model.ExecutionRan,
			Diagnostics: []model.Diagnostic{
				model.NewDiagnostic("PEPPOL-002", model.SeverityWarning, "business-rule", p.ID(), "buyer participant is not currently registered"),
			},
		}
	}
	return model.StepResult{FilterID: p.ID(), Execution: model.ExecutionRan}
}
