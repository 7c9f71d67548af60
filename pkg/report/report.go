// Package report assembles the final ValidationReport (spec §3, §4.7): an
// invoice summary with PII masking, the plan snapshot used for the run, the
// policy gate's final decision, the full diagnostic stream, and a signed
// ComplianceFingerprint that lets a third party verify the report wasn't
// altered after issuance.
//
// Grounded on the teacher's pkg/crypto.CanonicalHasher (canonical-JSON +
// SHA-256 fingerprinting) and Ed25519Signer (sign/verify over a
// canonicalized payload string), narrowed from signing a fixed
// Decision/Intent/Receipt contract set to signing this package's own
// ComplianceFingerprint preimage.
package report

import (
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/fiscallayer/validation-core/pkg/canon"
	"github.com/fiscallayer/validation-core/pkg/model"
	"github.com/fiscallayer/validation-core/pkg/plan"
	"github.com/fiscallayer/validation-core/pkg/policygate"
)

// base36Alphabet is used for the ComplianceFingerprint's human-copyable id.
const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// ReportState is derived purely from execution facts (spec §4.7), never
// from the policy gate's verdict: a run can be ALLOWed yet still
// "incomplete" if it was aborted before every step ran.
type ReportState string

const (
	ReportComplete   ReportState = "complete"
	ReportIncomplete ReportState = "incomplete"
	ReportErrored    ReportState = "errored"
)

// FingerprintStatus mirrors the policy gate's decision onto the
// fingerprint's own status vocabulary (spec §4.7, §8 S1: "status=APPROVED").
type FingerprintStatus string

const (
	StatusApproved         FingerprintStatus = "APPROVED"
	StatusApprovedWarnings FingerprintStatus = "APPROVED_WITH_WARNINGS"
	StatusBlocked          FingerprintStatus = "BLOCKED"
)

// InvoiceSummary is the PII-minimized view of the invoice attached to a
// report (spec §4.7): identifying numbers are masked, nothing from the raw
// bytes is ever copied in verbatim.
type InvoiceSummary struct {
	InvoiceNumber string `json:"invoiceNumber"`
	IssueDate     string `json:"issueDate"`
	Currency      string `json:"currency"`
	SellerName    string `json:"sellerName"`
	SellerVATID   string `json:"sellerVatId"` // masked, e.g. "DE***89"
	BuyerName     string `json:"buyerName"`
	BuyerVATID    string `json:"buyerVatId"`
	GrandTotal    string `json:"grandTotal"`
	LineCount     int    `json:"lineCount"`
}

// ExecutionPlanRef is the fingerprint's narrow plan pointer (spec §4.7):
// id/version/configHash, not the full PlanSnapshot.
type ExecutionPlanRef struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	ConfigHash string `json:"configHash"`
}

// ComplianceFingerprint is the signed, tamper-evident seal over a report
// (spec §4.7). ID format: "FL-{base36 timestamp}-{6 char base36 random}".
type ComplianceFingerprint struct {
	ID             string            `json:"id"`
	Status         FingerprintStatus `json:"status"`
	Score          int               `json:"score"`
	Timestamp      time.Time         `json:"timestamp"`
	Checks         map[string]string `json:"checks"`
	RiskNotes      []string          `json:"riskNotes,omitempty"`
	Fingerprint    string            `json:"fingerprint"` // "sha256:{hex}"
	ExecutionPlan  ExecutionPlanRef  `json:"executionPlan"`
	FilterVersions map[string]string `json:"filterVersions,omitempty"`
	DurationMs     int64             `json:"durationMs"`

	// Signature and PublicKey let a third party verify the fingerprint hex
	// itself was issued by this signer and hasn't been substituted —
	// beyond the spec's own shape, but load-bearing for Verify below.
	Signature string `json:"signature"`
	PublicKey string `json:"publicKey"`
}

// DiagnosticCounts tallies diagnostics by severity for the report summary.
type DiagnosticCounts map[model.Severity]int

// StepStatistics summarizes the run's step history by execution outcome.
type StepStatistics struct {
	Total   int `json:"total"`
	Ran     int `json:"ran"`
	Skipped int `json:"skipped"`
	Errored int `json:"errored"`
}

// Timing carries the run's wall-clock bounds and total duration.
type Timing struct {
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	DurationMs  int64     `json:"durationMs"`
}

// ValidationReport is the complete, signable output of a run (spec §3).
type ValidationReport struct {
	RunID         string      `json:"runId"`
	CorrelationID string      `json:"correlationId,omitempty"`
	ReportState   ReportState `json:"reportState"`

	Diagnostics      []model.Diagnostic `json:"diagnostics"`
	DiagnosticCounts DiagnosticCounts   `json:"diagnosticCounts"`
	Steps            []model.StepResult `json:"steps"`
	StepStatistics   StepStatistics     `json:"stepStatistics"`

	InvoiceSummary InvoiceSummary        `json:"invoiceSummary"`
	PlanSnapshot   *plan.Snapshot        `json:"planSnapshot"`
	Fingerprint    ComplianceFingerprint `json:"fingerprint"`
	Timing         Timing                `json:"timing"`

	FinalDecision *policygate.GateDecision `json:"finalDecision,omitempty"`

	AppliedRetentionPolicy string                   `json:"appliedRetentionPolicy,omitempty"`
	RetentionWarnings      []model.RetentionWarning `json:"retentionWarnings,omitempty"`
}

// Signer holds the Ed25519 key pair that signs report fingerprints.
// NewAssembler takes a Signer; NewSigner generates a fresh key pair and
// NewSignerFromKey wraps an existing private key.
type Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	keyID string
}

// NewSigner generates a fresh Ed25519 key pair.
func NewSigner(keyID string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		return nil, fmt.Errorf("report: key generation failed: %w", err)
	}
	return &Signer{priv: priv, pub: pub, keyID: keyID}, nil
}

// NewSignerFromKey wraps an existing private key (e.g. loaded from a KMS
// or config secret) rather than generating a fresh one.
func NewSignerFromKey(priv ed25519.PrivateKey, keyID string) *Signer {
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey), keyID: keyID}
}

// PublicKey returns the base64-encoded verification key.
func (s *Signer) PublicKey() string {
	return base64.StdEncoding.EncodeToString(s.pub)
}

// Assembler builds and signs ValidationReports.
type Assembler struct {
	signer *Signer
	clock  func() time.Time
	rand   func() []byte
}

// NewAssembler returns an Assembler using signer to seal reports.
func NewAssembler(signer *Signer) *Assembler {
	return &Assembler{signer: signer, clock: time.Now, rand: randomSuffixBytes}
}

// WithClock overrides the clock used to stamp the fingerprint's Timestamp,
// for deterministic tests.
func (a *Assembler) WithClock(now func() time.Time) *Assembler {
	a.clock = now
	return a
}

// BuildInput carries every execution fact the assembler needs, so the
// report is built from what actually happened rather than from the policy
// gate's verdict alone (spec §4.7: reportState is execution-fact derived).
type BuildInput struct {
	RunID         string
	CorrelationID string
	Invoice       *model.CanonicalInvoice
	Snapshot      *plan.Snapshot
	Diagnostics   []model.Diagnostic
	Steps         []model.StepResult
	StartedAt     time.Time
	CompletedAt   time.Time
	Aborted       bool

	AppliedRetentionPolicy string
	RetentionWarnings      []model.RetentionWarning
}

// policyGateFilterIDs are the ids the assembler scans completed steps for
// to extract the final decision (spec §4.6: "policy-gate" or
// "steps-policy-gate").
var policyGateFilterIDs = map[string]bool{"policy-gate": true, "steps-policy-gate": true}

// fingerprintFilterID is the always_run checkpoint step whose metadata
// carries the per-check status map and score the fingerprint seals (spec
// §4.7), rather than the assembler recomputing them independently.
const fingerprintFilterID = "fingerprint"

// Build assembles and signs a ValidationReport from a completed run.
func (a *Assembler) Build(in BuildInput) (*ValidationReport, error) {
	decision := extractDecision(in.Steps)
	stats := buildStepStatistics(in.Steps)

	report := &ValidationReport{
		RunID:            in.RunID,
		CorrelationID:    in.CorrelationID,
		ReportState:      deriveReportState(in.Steps, in.Aborted),
		Diagnostics:      in.Diagnostics,
		DiagnosticCounts: DiagnosticCounts(model.DiagnosticCounts(in.Diagnostics)),
		Steps:            in.Steps,
		StepStatistics:   stats,
		InvoiceSummary:   summarize(in.Invoice),
		PlanSnapshot:     in.Snapshot,
		Timing: Timing{
			StartedAt:   in.StartedAt,
			CompletedAt: in.CompletedAt,
			DurationMs:  in.CompletedAt.Sub(in.StartedAt).Milliseconds(),
		},
		FinalDecision:          decision,
		AppliedRetentionPolicy: in.AppliedRetentionPolicy,
		RetentionWarnings:      in.RetentionWarnings,
	}

	fp, err := a.seal(report, decision)
	if err != nil {
		return nil, err
	}
	report.Fingerprint = fp
	return report, nil
}

// extractDecision scans completed steps in reverse for the policy gate's
// recorded decision (spec §4.6: "the orchestrator extracts the decision
// from the policy-gate step's metadata").
func extractDecision(steps []model.StepResult) *policygate.GateDecision {
	for i := len(steps) - 1; i >= 0; i-- {
		if !policyGateFilterIDs[steps[i].FilterID] {
			continue
		}
		if d, ok := steps[i].Metadata["decision"].(policygate.GateDecision); ok {
			return &d
		}
	}
	return nil
}

// deriveReportState derives reportState from execution facts alone (spec
// §4.7): errored if any step errored, else incomplete if the run was
// aborted, else complete. It is independent of the policy gate's verdict —
// an ALLOW decision over an aborted run is still "incomplete".
func deriveReportState(steps []model.StepResult, aborted bool) ReportState {
	for _, s := range steps {
		if s.Execution == model.ExecutionErrored {
			return ReportErrored
		}
	}
	if aborted {
		return ReportIncomplete
	}
	return ReportComplete
}

func buildStepStatistics(steps []model.StepResult) StepStatistics {
	stats := StepStatistics{Total: len(steps)}
	for _, s := range steps {
		switch s.Execution {
		case model.ExecutionRan:
			stats.Ran++
		case model.ExecutionSkipped:
			stats.Skipped++
		case model.ExecutionErrored:
			stats.Errored++
		}
	}
	return stats
}

func statusFor(d *policygate.GateDecision) FingerprintStatus {
	if d == nil {
		return StatusBlocked
	}
	switch d.Decision {
	case policygate.DecisionAllow:
		return StatusApproved
	case policygate.DecisionAllowWithWarnings:
		return StatusApprovedWarnings
	default:
		return StatusBlocked
	}
}

// fingerprintSeed is the narrow hash preimage spec §4.7 mandates — never
// the whole report, so unrelated report fields (step timings, diagnostic
// text) can't perturb the signed fingerprint hash.
type fingerprintSeed struct {
	RunID          string            `json:"runId"`
	Status         FingerprintStatus `json:"status"`
	Score          int               `json:"score"`
	Checks         map[string]string `json:"checks"`
	InvoiceSummary InvoiceSummary    `json:"invoiceSummary"`
	PlanConfigHash string            `json:"planConfigHash"`
	Timestamp      time.Time         `json:"timestamp"`
}

func (a *Assembler) seal(report *ValidationReport, decision *policygate.GateDecision) (ComplianceFingerprint, error) {
	now := a.clock()
	status := statusFor(decision)
	checks, score, riskNotes := fingerprintMetadata(report.Steps, report.Diagnostics)

	var planRef ExecutionPlanRef
	var filterVersions map[string]string
	var configHash string
	if report.PlanSnapshot != nil {
		planRef = ExecutionPlanRef{
			ID:         report.PlanSnapshot.PlanID,
			Version:    report.PlanSnapshot.PlanVersion,
			ConfigHash: report.PlanSnapshot.ConfigHash,
		}
		filterVersions = report.PlanSnapshot.FilterVersions
		configHash = report.PlanSnapshot.ConfigHash
	}

	seed := fingerprintSeed{
		RunID:          report.RunID,
		Status:         status,
		Score:          score,
		Checks:         checks,
		InvoiceSummary: report.InvoiceSummary,
		PlanConfigHash: configHash,
		Timestamp:      now,
	}
	hash, err := canon.CanonicalHash(seed)
	if err != nil {
		return ComplianceFingerprint{}, fmt.Errorf("report: canonical hash failed: %w", err)
	}

	sig := ed25519.Sign(a.signer.priv, []byte(hash))

	return ComplianceFingerprint{
		ID:             fingerprintID(now, a.rand()),
		Status:         status,
		Score:          score,
		Timestamp:      now,
		Checks:         checks,
		RiskNotes:      riskNotes,
		Fingerprint:    hash,
		ExecutionPlan:  planRef,
		FilterVersions: filterVersions,
		DurationMs:     report.Timing.DurationMs,
		Signature:      base64.StdEncoding.EncodeToString(sig),
		PublicKey:      a.signer.PublicKey(),
	}, nil
}

// fingerprintMetadata pulls the per-check status map and score from the
// fingerprint checkpoint step's metadata (spec §4.7), falling back to a
// direct recomputation if that step didn't run (e.g. a truncated plan in
// tests), and collects the sanitized messages of "risk"-category
// diagnostics as riskNotes.
func fingerprintMetadata(steps []model.StepResult, diags []model.Diagnostic) (map[string]string, int, []string) {
	for _, s := range steps {
		if s.FilterID != fingerprintFilterID || s.Metadata == nil {
			continue
		}
		checks, _ := s.Metadata["checks"].(map[string]string)
		score, _ := s.Metadata["score"].(int)
		return checks, score, riskNotesFrom(diags)
	}

	checks := map[string]string{}
	for _, s := range steps {
		checks[s.FilterID] = string(fallbackCheckStatus(s))
	}
	score := 100
	for _, d := range diags {
		switch d.Severity {
		case model.SeverityError:
			score -= 25
		case model.SeverityWarning:
			score -= 5
		}
	}
	if score < 0 {
		score = 0
	}
	return checks, score, riskNotesFrom(diags)
}

func fallbackCheckStatus(s model.StepResult) string {
	switch s.Execution {
	case model.ExecutionSkipped:
		return "SKIPPED"
	case model.ExecutionErrored:
		return "FAILED"
	case model.ExecutionRan:
		if s.HasErrorDiagnostic() {
			return "FAILED"
		}
		return "VERIFIED"
	default:
		return "UNVERIFIED"
	}
}

func riskNotesFrom(diags []model.Diagnostic) []string {
	var notes []string
	for _, d := range diags {
		if d.Category == "risk" {
			notes = append(notes, d.Message)
		}
	}
	return notes
}

// Verify reports whether fp's fingerprint hash matches the report's
// invoice summary, checks, score, and status, and that its signature
// validates against its embedded public key — i.e. the fingerprint has
// not been altered since it was sealed.
func Verify(report ValidationReport) (bool, error) {
	fp := report.Fingerprint
	seed := fingerprintSeed{
		RunID:          report.RunID,
		Status:         fp.Status,
		Score:          fp.Score,
		Checks:         fp.Checks,
		InvoiceSummary: report.InvoiceSummary,
		PlanConfigHash: fp.ExecutionPlan.ConfigHash,
		Timestamp:      fp.Timestamp,
	}
	hash, err := canon.CanonicalHash(seed)
	if err != nil {
		return false, fmt.Errorf("report: canonical hash failed: %w", err)
	}
	if hash != fp.Fingerprint {
		return false, nil
	}

	pub, err := base64.StdEncoding.DecodeString(fp.PublicKey)
	if err != nil {
		return false, fmt.Errorf("report: invalid public key encoding: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(fp.Signature)
	if err != nil {
		return false, fmt.Errorf("report: invalid signature encoding: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(hash), sig), nil
}

// summarize builds the PII-minimized InvoiceSummary, masking VAT ids per
// maskVATID (spec §4.7, §8 Testable Property 5).
func summarize(inv *model.CanonicalInvoice) InvoiceSummary {
	if inv == nil {
		return InvoiceSummary{}
	}
	return InvoiceSummary{
		InvoiceNumber: inv.Header.Number,
		IssueDate:     inv.Header.IssueDate,
		Currency:      inv.Header.Currency,
		SellerName:    inv.Seller.Name,
		SellerVATID:   maskVATID(firstOrEmpty(inv.Seller.TaxIDs)),
		BuyerName:     inv.Buyer.Name,
		BuyerVATID:    maskVATID(firstOrEmpty(inv.Buyer.TaxIDs)),
		GrandTotal:    inv.Totals.GrandTotal,
		LineCount:     len(inv.LineItems),
	}
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

// maskVATID applies spec §4.7's fixed masking rule: first two chars +
// "***" + last two chars; ids of four characters or fewer become "****".
func maskVATID(id string) string {
	if id == "" {
		return ""
	}
	if len(id) <= 4 {
		return "****"
	}
	return id[:2] + "***" + id[len(id)-2:]
}

func fingerprintID(t time.Time, randSuffix []byte) string {
	ts := toBase36(t.UnixNano())
	return fmt.Sprintf("FL-%s-%s", ts, bytesToBase36(randSuffix, 6))
}

func toBase36(n int64) string {
	return big.NewInt(n).Text(36)
}

func bytesToBase36(b []byte, length int) string {
	var sb strings.Builder
	for i := 0; i < length; i++ {
		sb.WriteByte(base36Alphabet[int(b[i%len(b)])%len(base36Alphabet)])
	}
	return sb.String()
}

func randomSuffixBytes() []byte {
	b := make([]byte, 6)
	_, _ = cryptorand.Read(b)
	return b
}
