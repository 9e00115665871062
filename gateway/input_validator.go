// Copyright 2025 AegisGate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"html"
	"net/url"
	"regexp"
	"strings"
)

// =============================================================================
// Input Validation
// =============================================================================

// Violation describes a single matched screening rule.
type Violation struct {
	RuleID      string `json:"rule_id"`
	Severity    string `json:"severity"` // "low", "medium", "high", "critical"
	Description string `json:"description"`
}

// ValidationResult is the outcome of screening one raw payload.
// Warnings carry non-blocking signal (e.g. sensitive data spotted in the
// query) so the caller can log full context even on an allowed request.
type ValidationResult struct {
	OK         bool        `json:"ok"`
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []string    `json:"warnings,omitempty"`
}

// injectionRule is a compiled structural signature.
type injectionRule struct {
	ID          string
	Pattern     *regexp.Regexp
	Severity    string
	Description string
}

// InputValidator screens raw text before it reaches any downstream tool.
// Validate is a pure function: no side effects beyond the returned result;
// audit emission is the caller's responsibility.
type InputValidator struct {
	maxBytes       int
	injectionRules []injectionRule
	sensitiveRules []injectionRule
}

// NewInputValidator creates a validator with the default signature set and
// the configured payload size bound.
func NewInputValidator(maxBytes int) *InputValidator {
	return &InputValidator{
		maxBytes:       maxBytes,
		injectionRules: defaultInjectionRules(),
		sensitiveRules: defaultSensitiveRules(),
	}
}

// Validate screens text and returns every matched rule. It never
// short-circuits after the first violation.
func (v *InputValidator) Validate(text string) ValidationResult {
	result := ValidationResult{OK: true}

	if strings.TrimSpace(text) == "" {
		result.OK = false
		result.Violations = append(result.Violations, Violation{
			RuleID:      "empty_query",
			Severity:    "low",
			Description: "empty query not allowed",
		})
		return result
	}

	// Length bound first: it caps the cost of everything below.
	if len(text) > v.maxBytes {
		result.OK = false
		result.Violations = append(result.Violations, Violation{
			RuleID:      "payload_too_large",
			Severity:    "medium",
			Description: "payload exceeds configured maximum size",
		})
		return result
	}

	// Decode one layer of percent- and HTML-entity encoding so a single
	// round of obfuscation cannot hide a signature. Decoding is applied
	// exactly once; recursive decoding would open an infinite-loop DoS.
	normalized := normalizeOnce(text)

	for _, rule := range v.injectionRules {
		if rule.Pattern.MatchString(normalized) {
			result.OK = false
			result.Violations = append(result.Violations, Violation{
				RuleID:      rule.ID,
				Severity:    rule.Severity,
				Description: rule.Description,
			})
		}
	}

	for _, rule := range v.sensitiveRules {
		if rule.Pattern.MatchString(normalized) {
			result.Warnings = append(result.Warnings, rule.Description)
		}
	}

	return result
}

// normalizeOnce decodes a single layer of percent-encoding and HTML
// entities. Failed percent-decoding leaves the text unchanged rather than
// rejecting it; the raw form is still matched.
func normalizeOnce(text string) string {
	decoded := text
	if unescaped, err := url.QueryUnescape(text); err == nil {
		decoded = unescaped
	}
	return html.UnescapeString(decoded)
}

// defaultInjectionRules returns the built-in structural signatures,
// ordered roughly by severity.
func defaultInjectionRules() []injectionRule {
	return []injectionRule{
		{
			ID:          "xss_script_tag",
			Pattern:     regexp.MustCompile(`(?is)<script[^>]*>.*?</script>|<script[^>]*>`),
			Severity:    "critical",
			Description: "script tag injection attempt",
		},
		{
			ID:          "xss_javascript_url",
			Pattern:     regexp.MustCompile(`(?i)javascript:`),
			Severity:    "critical",
			Description: "javascript URL injection attempt",
		},
		{
			ID:          "xss_data_url",
			Pattern:     regexp.MustCompile(`(?i)data:text/html`),
			Severity:    "high",
			Description: "data URL injection attempt",
		},
		{
			ID:          "xss_event_handler",
			Pattern:     regexp.MustCompile(`(?i)\bon(?:error|load|click|mouseover)\s*=`),
			Severity:    "high",
			Description: "inline event handler injection attempt",
		},
		{
			ID:          "sql_union_select",
			Pattern:     regexp.MustCompile(`(?i)union\s+select`),
			Severity:    "critical",
			Description: "UNION-based SQL injection attempt",
		},
		{
			ID:          "sql_comment",
			Pattern:     regexp.MustCompile(`(?:--|/\*|\*/)`),
			Severity:    "high",
			Description: "SQL comment sequence in unexpected position",
		},
		{
			ID:          "sql_always_true",
			Pattern:     regexp.MustCompile(`(?i)(?:\b1\s*=\s*1\b|''\s*=\s*''|"\s*=\s*")`),
			Severity:    "critical",
			Description: "always-true condition injection",
		},
		{
			ID:          "sql_stacked_statement",
			Pattern:     regexp.MustCompile(`(?i);\s*(?:drop|delete|truncate|alter|insert|update)\b`),
			Severity:    "critical",
			Description: "stacked SQL statement attempt",
		},
		{
			ID:          "shell_metacharacters",
			Pattern:     regexp.MustCompile("(?:\\$\\(|`|&&\\s*\\w|\\|\\|\\s*\\w|;\\s*(?:rm|cat|curl|wget|sh|bash)\\b)"),
			Severity:    "critical",
			Description: "shell command metacharacters",
		},
		{
			ID:          "code_eval",
			Pattern:     regexp.MustCompile(`(?i)\b(?:eval|exec|__import__|getattr|setattr)\s*\(`),
			Severity:    "high",
			Description: "code evaluation attempt",
		},
	}
}

// defaultSensitiveRules flag likely sensitive data in the inbound query.
// These never block on their own; the privacy manager redacts them on the
// way out.
func defaultSensitiveRules() []injectionRule {
	return []injectionRule{
		{
			ID:          "sensitive_ssn",
			Pattern:     regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Description: "possible social security number in query",
		},
		{
			ID:          "sensitive_credit_card",
			Pattern:     regexp.MustCompile(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`),
			Description: "possible credit card number in query",
		},
		{
			ID:          "sensitive_email",
			Pattern:     regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
			Description: "email address in query",
		},
		{
			ID:          "sensitive_phone",
			Pattern:     regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`),
			Description: "possible phone number in query",
		},
	}
}
