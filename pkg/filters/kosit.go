package filters

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fiscallayer/validation-core/pkg/model"
	"github.com/fiscallayer/validation-core/pkg/retrypolicy"
	"github.com/fiscallayer/validation-core/pkg/tempstore"
	"github.com/fiscallayer/validation-core/pkg/vctx"
)

// KositFilterID is the canonical registration id for the KoSIT reference
// filter.
const KositFilterID = "kosit"

// defaultUnsupportedPatterns are matched, case-insensitively, against a 422
// response body to distinguish "profile unsupported" from a genuine system
// error (spec §6). Operators may override the set via step config.
var defaultUnsupportedPatterns = []string{
	"no matching scenario",
	"scenario not found",
	"kein passendes szenario",
}

// Kosit is the reference schema/schematron validation filter, grounded on
// the wire contract spec §6 fixes for interop: POST /validate with
// application/xml, status-code-driven outcome classification, and a
// GET /health liveness probe polled at most once per pollInterval.
type Kosit struct {
	id         string
	store      tempstore.Store
	httpClient *http.Client
	baseURL    string

	lastHealthCheck time.Time
	healthy         bool
	pollInterval    time.Duration
}

// NewKosit returns a Kosit filter posting to baseURL (e.g.
// "http://kosit-runner:8080"). store is used to fetch the run's raw XML.
func NewKosit(store tempstore.Store, baseURL string) *Kosit {
	return &Kosit{
		id:           KositFilterID,
		store:        store,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		baseURL:      strings.TrimRight(baseURL, "/"),
		pollInterval: 30 * time.Second,
		healthy:      true,
	}
}

func (k *Kosit) ID() string      { return k.id }
func (k *Kosit) Name() string    { return "KoSIT Schema/Schematron Runner" }
func (k *Kosit) Version() string { return "1.0.0" }

func (k *Kosit) Execute(view *vctx.View, config map[string]any) model.StepResult {
	raw, err := k.store.Get(context.Background(), view.RawInvoiceKey())
	if err != nil {
		return model.StepResult{
			FilterID:  k.id,
			Execution: model.ExecutionErrored,
			Error:     &model.StepError{Name: "RawInvoiceUnavailable", Message: model.Sanitize(err.Error())},
		}
	}

	patterns := unsupportedPatterns(config)

	req, err := http.NewRequest(http.MethodPost, k.baseURL+"/validate", bytes.NewReader(raw))
	if err != nil {
		return model.StepResult{FilterID: k.id, Execution: model.ExecutionErrored, Error: &model.StepError{Name: "RequestBuildFailed", Message: err.Error()}}
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Accept", "application/xml")

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return model.StepResult{
			FilterID:  k.id,
			Execution: model.ExecutionErrored,
			Error:     &model.StepError{Name: "ConnectionFailed", Message: model.Sanitize(err.Error())},
		}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	return classifyKositResponse(k.id, resp.StatusCode, body, patterns)
}

func unsupportedPatterns(config map[string]any) []string {
	if config == nil {
		return defaultUnsupportedPatterns
	}
	raw, ok := config["unsupportedScenarioPatterns"].([]any)
	if !ok {
		return defaultUnsupportedPatterns
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultUnsupportedPatterns
	}
	return out
}

// classifyKositResponse implements the status-code/body-substring
// classification spec §6 fixes: 200 accepted; 406 rejected-with-report
// (diagnostics parsed from body); 422 split by substring match into
// profileUnsupported (skipped) vs systemError (errored); other 4xx/5xx
// errored.
func classifyKositResponse(id string, status int, body []byte, unsupportedPatterns []string) model.StepResult {
	switch {
	case status == http.StatusOK:
		return model.StepResult{FilterID: id, Execution: model.ExecutionRan}

	case status == http.StatusNotAcceptable:
		return model.StepResult{
			FilterID:  id,
			Execution: model.ExecutionRan,
			Diagnostics: []model.Diagnostic{
				model.NewDiagnostic("BR-DE-SCHEMATRON", model.SeverityError, "schematron", id, extractReportSummary(body)),
			},
			Metadata: map[string]any{"reasonCode": "SCHEMATRON_ERROR"},
		}

	case status == http.StatusUnprocessableEntity:
		text := strings.ToLower(string(body))
		for _, p := range unsupportedPatterns {
			if strings.Contains(text, strings.ToLower(p)) {
				return model.StepResult{
					FilterID:  id,
					Execution: model.ExecutionSkipped,
					Diagnostics: []model.Diagnostic{
						model.NewDiagnostic("KOSIT-PROFILE-001", model.SeverityWarning, "schematron", id,
							"no matching validation scenario for this document profile; schematron checks skipped"),
					},
					Metadata: map[string]any{"reasonCode": "KOSIT_PROFILE_UNSUPPORTED", "profileUnsupported": true},
				}
			}
		}
		return model.StepResult{
			FilterID:  id,
			Execution: model.ExecutionErrored,
			Error:     &model.StepError{Name: "SystemError", Message: "kosit: unprocessable entity, no known profile-unsupported marker matched"},
			Metadata:  map[string]any{"systemError": true},
		}

	default:
		return model.StepResult{
			FilterID:  id,
			Execution: model.ExecutionErrored,
			Error: &model.StepError{
				Name:    "SystemError",
				Message: fmt.Sprintf("kosit: unexpected status %d", status),
			},
			Metadata: map[string]any{"systemError": true},
		}
	}
}

// extractReportSummary returns a short, sanitized summary of a 406
// rejection body — never the raw XML payload verbatim (spec §3: "message
// text is sanitized... no raw XML").
func extractReportSummary(body []byte) string {
	s := model.Sanitize(string(body))
	const maxLen = 200
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	if s == "" {
		return "schematron validation reported findings"
	}
	return s
}

// Healthy polls GET /health at most once per pollInterval and caches the
// result, per spec §6 ("polled at most every 30s for liveness").
func (k *Kosit) Healthy(ctx context.Context) bool {
	if time.Since(k.lastHealthCheck) < k.pollInterval {
		return k.healthy
	}
	k.lastHealthCheck = time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.baseURL+"/health", nil)
	if err != nil {
		k.healthy = false
		return false
	}
	resp, err := k.httpClient.Do(req)
	if err != nil {
		k.healthy = false
		return false
	}
	defer resp.Body.Close()
	k.healthy = resp.StatusCode == http.StatusOK
	return k.healthy
}

// DefaultRetryConfig is a suggested retry.Config for the kosit step,
// matching spec §6's CLI-fallback framing: a daemon outage should not
// immediately fail the run if a retry might hit a healthy replica.
func (k *Kosit) DefaultRetryConfig() retrypolicy.Config {
	return retrypolicy.Config{
		MaxRetries:        2,
		InitialDelayMs:    500,
		BackoffMultiplier: 2,
		MaxDelayMs:        4000,
		TotalBudgetMs:     8000,
	}.WithDefaults()
}
