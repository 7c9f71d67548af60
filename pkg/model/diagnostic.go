package model

import (
	"regexp"
)

// Severity classifies a Diagnostic's weight in the policy gate's decision.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
	SeverityHint    Severity = "hint"
)

// Diagnostic is a structured validation finding (spec §3). Message text
// must be sanitized before it is stored or propagated — never raw XML, an
// email address, an IBAN/VAT pattern, or a phone number (spec §8 Testable
// Property 5, the "PII redline").
type Diagnostic struct {
	Code     string         `json:"code"`
	Severity Severity       `json:"severity"`
	Category string         `json:"category"`
	Source   string         `json:"source"` // filterId
	Message  string         `json:"message"`
	Location string         `json:"location,omitempty"`
	Context  map[string]any `json:"context,omitempty"`

	// HardBlock marks a diagnostic that forces BLOCK regardless of
	// errorBehavior (spec §4.6 rule 3).
	HardBlock bool `json:"hardBlock,omitempty"`
}

// piiPatterns are checked by Sanitize; a match is replaced with a generic
// redaction marker rather than leaking the matched substring.
var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),           // email
	regexp.MustCompile(`\b[A-Z]{2}[0-9]{2}[A-Za-z0-9]{10,30}\b`),                     // IBAN
	regexp.MustCompile(`\b[A-Z]{2}[0-9A-Za-z]{2,12}\b`),                             // EU VAT id shape
	regexp.MustCompile(`\+?[0-9][0-9().\-\s]{7,}[0-9]`),                             // phone
	regexp.MustCompile(`<[A-Za-z][^>]*>[^<]*</[A-Za-z][^>]*>`),                      // XML element with content
}

// Sanitize redacts any substring of msg that matches a PII pattern, so the
// returned string is safe to attach to a Diagnostic, RetentionWarning, or
// job_repo error_summary column (spec §7, §8 Testable Property 5).
func Sanitize(msg string) string {
	out := msg
	for _, p := range piiPatterns {
		out = p.ReplaceAllString(out, "[redacted]")
	}
	return out
}

// NewDiagnostic constructs a Diagnostic with a sanitized message.
func NewDiagnostic(code string, severity Severity, category, source, message string) Diagnostic {
	return Diagnostic{
		Code:     code,
		Severity: severity,
		Category: category,
		Source:   source,
		Message:  Sanitize(message),
	}
}
