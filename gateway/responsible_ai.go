// Copyright 2025 AegisGate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"regexp"
	"strings"
)

// =============================================================================
// Responsible-AI Policy Screening
// =============================================================================

// Direction selects which rule set screens the text. Inbound rules see the
// user's query; outbound rules see the generated reply before release.
type Direction string

const (
	Inbound  Direction = "INBOUND"
	Outbound Direction = "OUTBOUND"
)

// PolicyResult is the outcome of screening text in one direction.
// Advisories carry non-blocking findings (e.g. absolutist language) that
// the caller logs but does not deny on.
type PolicyResult struct {
	OK         bool     `json:"ok"`
	Category   string   `json:"category,omitempty"`
	Advisories []string `json:"advisories,omitempty"`
}

// policyRule is one compiled screening rule.
type policyRule struct {
	category string
	advisory bool
	pattern  *regexp.Regexp
	terms    []*regexp.Regexp
}

// PolicyScreen evaluates text against direction-specific rule sets. Rules
// are compiled once at construction; Screen itself is read-only and safe
// for concurrent use.
type PolicyScreen struct {
	inbound  []policyRule
	outbound []policyRule
}

// NewPolicyScreen compiles the configured rule sets. A rule with neither a
// pattern nor terms is a configuration error.
func NewPolicyScreen(cfg PolicyConfig) (*PolicyScreen, error) {
	inbound, err := compileRules(cfg.Inbound)
	if err != nil {
		return nil, fmt.Errorf("inbound policy: %w", err)
	}
	outbound, err := compileRules(cfg.Outbound)
	if err != nil {
		return nil, fmt.Errorf("outbound policy: %w", err)
	}
	return &PolicyScreen{inbound: inbound, outbound: outbound}, nil
}

// Screen evaluates text against the rule set for the given direction.
// The first matching blocking rule denies with its category; advisory
// rules accumulate without affecting the verdict.
func (p *PolicyScreen) Screen(text string, dir Direction) PolicyResult {
	rules := p.inbound
	if dir == Outbound {
		rules = p.outbound
	}

	result := PolicyResult{OK: true}
	for _, rule := range rules {
		if !rule.matches(text) {
			continue
		}
		if rule.advisory {
			result.Advisories = append(result.Advisories, rule.category)
			continue
		}
		if result.OK {
			result.OK = false
			result.Category = rule.category
		}
	}
	return result
}

func (r *policyRule) matches(text string) bool {
	if r.pattern != nil && r.pattern.MatchString(text) {
		return true
	}
	for _, term := range r.terms {
		if term.MatchString(text) {
			return true
		}
	}
	return false
}

// compileRules turns declarative rule configs into compiled matchers.
// Terms are matched as whole words, case-insensitively.
func compileRules(configs []PolicyRuleConfig) ([]policyRule, error) {
	rules := make([]policyRule, 0, len(configs))
	for _, rc := range configs {
		if rc.Pattern == "" && len(rc.Terms) == 0 {
			return nil, fmt.Errorf("rule %q declares neither pattern nor terms", rc.Category)
		}
		rule := policyRule{category: rc.Category, advisory: rc.Advisory}
		if rc.Pattern != "" {
			re, err := regexp.Compile(rc.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %q: invalid pattern: %w", rc.Category, err)
			}
			rule.pattern = re
		}
		for _, term := range rc.Terms {
			re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(strings.TrimSpace(term)) + `\b`)
			if err != nil {
				return nil, fmt.Errorf("rule %q: invalid term %q: %w", rc.Category, term, err)
			}
			rule.terms = append(rule.terms, re)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// prohibitedTopicTerms are denied in both directions.
var prohibitedTopicTerms = []string{
	"violence",
	"hate speech",
	"discrimination",
	"illegal activities",
	"self-harm",
	"harassment",
	"misinformation",
}

// defaultInboundRules screen the user's query.
func defaultInboundRules() []PolicyRuleConfig {
	return []PolicyRuleConfig{
		{
			Category: "prompt_injection",
			Pattern:  `(?i)(?:ignore|disregard|forget)\s+(?:all\s+)?(?:prior|previous|above|your)\s+(?:instructions|prompts?|rules)`,
		},
		{
			Category: "system_prompt_probe",
			Pattern:  `(?i)(?:reveal|show|print|repeat)\s+(?:me\s+)?(?:your|the)\s+system\s+prompt`,
		},
		{
			Category: "prohibited_topic",
			Terms:    prohibitedTopicTerms,
		},
		{
			Category: "private_information_request",
			Pattern:  `(?i)(?:home address|social security number|medical records?)\s+(?:of|for)\s+`,
		},
	}
}

// defaultOutboundRules screen the generated reply before release.
func defaultOutboundRules() []PolicyRuleConfig {
	return []PolicyRuleConfig{
		{
			Category: "system_prompt_leak",
			Pattern:  `(?i)(?:my system prompt|my instructions (?:say|are)|i was instructed to)`,
		},
		{
			Category: "prohibited_topic",
			Terms:    prohibitedTopicTerms,
		},
		{
			Category: "absolutist_language",
			Advisory: true,
			Terms:    []string{"always", "never", "everyone", "no one", "all people"},
		},
	}
}
