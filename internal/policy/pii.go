package policy

import (
	"fmt"
	"regexp"
)

// PIIClass identifies one category of personally identifiable
// information the content scanner recognizes.
type PIIClass string

const (
	PIIEmail      PIIClass = "email"
	PIIPhone      PIIClass = "phone"
	PIISSN        PIIClass = "ssn"
	PIICreditCard PIIClass = "credit_card"
	PIIIPAddress  PIIClass = "ip_address"
)

// redactionTokens maps each class to its in-place replacement.
var redactionTokens = map[PIIClass]string{
	PIIEmail:      "[EMAIL_REDACTED]",
	PIIPhone:      "[PHONE_REDACTED]",
	PIISSN:        "[SSN_REDACTED]",
	PIICreditCard: "[CREDIT_CARD_REDACTED]",
	PIIIPAddress:  "[IP_ADDRESS_REDACTED]",
}

type piiPattern struct {
	class   PIIClass
	pattern *regexp.Regexp
}

// Ordered so SSN and credit-card shapes are claimed before the broader
// phone pattern can see their digits, and redaction output is stable.
var piiPatterns = []piiPattern{
	{PIIEmail, regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)},
	{PIISSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{PIICreditCard, regexp.MustCompile(`\b(?:\d{4}[ -]?){3}\d{4}\b`)},
	{PIIPhone, regexp.MustCompile(`(?:\+?1[-. ]?)?(?:\(\d{3}\)[-. ]?|\b\d{3}[-. ])\d{3}[-. ]\d{4}\b`)},
	{PIIIPAddress, regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
}

// PIIMatch is one detected occurrence.
type PIIMatch struct {
	Class PIIClass `json:"class"`
	Value string   `json:"value"`
}

// PIIScanner matches the known PII classes against message content.
type PIIScanner struct {
	patterns []piiPattern
}

// NewPIIScanner creates a scanner with the default pattern set.
func NewPIIScanner() *PIIScanner {
	return &PIIScanner{patterns: piiPatterns}
}

// Scan returns every PII occurrence in content, in pattern order.
func (s *PIIScanner) Scan(content string) []PIIMatch {
	var matches []PIIMatch
	for _, p := range s.patterns {
		for _, value := range p.pattern.FindAllString(content, -1) {
			matches = append(matches, PIIMatch{Class: p.class, Value: value})
		}
	}
	return matches
}

// Redact replaces each match in content with its class token.
func (s *PIIScanner) Redact(content string) string {
	out := content
	for _, p := range s.patterns {
		out = p.pattern.ReplaceAllString(out, redactionTokens[p.class])
	}
	return out
}

// Summarize counts matches per class for policy details and audit
// metadata.
func Summarize(matches []PIIMatch) map[string]int {
	counts := make(map[string]int, len(matches))
	for _, m := range matches {
		counts[string(m.Class)]++
	}
	return counts
}

func describeMatches(matches []PIIMatch) string {
	counts := Summarize(matches)
	return fmt.Sprintf("%d PII match(es) across %d class(es)", len(matches), len(counts))
}
