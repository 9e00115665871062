// Copyright 2025 AegisGate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"
	"time"
)

// =============================================================================
// Privacy: Consent, Pseudonymization, Anonymization, Retention
// =============================================================================

// ConsentScopeAll covers every scope. A revoke of "all" overrides any
// earlier scope-specific grant.
const ConsentScopeAll = "all"

// consentRecord orders grant/revoke events with a ledger-wide sequence so
// same-instant operations still have a total order. Revocation wins ties.
type consentRecord struct {
	grantSeq  uint64
	revokeSeq uint64
	grantedAt time.Time
	revokedAt time.Time
}

// interactionRecord is the minimal retained trace of a mediated exchange.
// Only the pseudonym is stored, never the raw user id.
type interactionRecord struct {
	Pseudonym string
	At        time.Time
}

// PrivacyManager owns consent state, pseudonym derivation, response
// anonymization, and retention of interaction traces.
//
// Consent semantics are monotonic with respect to revocation: after a
// revoke, no earlier grant can resurface consent. Only an explicit later
// grant re-enables the scope.
type PrivacyManager struct {
	mu           sync.RWMutex
	seq          uint64
	consents     map[string]map[string]*consentRecord
	interactions []interactionRecord

	pseudonymKey []byte
	retention    time.Duration
	redactRules  []redactionRule

	nowFn func() time.Time
}

type redactionRule struct {
	Label   string
	Pattern *regexp.Regexp
}

// NewPrivacyManager creates a manager with the given pseudonym key and
// retention window. An empty key is allowed but breaks cross-restart
// pseudonym stability; callers should set one in production.
func NewPrivacyManager(cfg PrivacyConfig) *PrivacyManager {
	return &PrivacyManager{
		consents:     make(map[string]map[string]*consentRecord),
		pseudonymKey: []byte(cfg.PseudonymKey),
		retention:    time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		redactRules:  defaultRedactionRules(),
		nowFn:        time.Now,
	}
}

// GrantConsent records consent for one scope.
func (p *PrivacyManager) GrantConsent(userID, scope string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := p.record(userID, scope)
	p.seq++
	rec.grantSeq = p.seq
	rec.grantedAt = p.nowFn()
}

// RevokeConsent withdraws consent for one scope. Revoking "all" overrides
// every scope. Revoking is idempotent.
func (p *PrivacyManager) RevokeConsent(userID, scope string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := p.record(userID, scope)
	p.seq++
	rec.revokeSeq = p.seq
	rec.revokedAt = p.nowFn()
}

// HasConsent reports whether the user currently consents to the scope.
// A grant of "all" covers any scope; the most recent operation across the
// scope and "all" wins, with revocation winning exact ties.
func (p *PrivacyManager) HasConsent(userID, scope string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	scopes, ok := p.consents[userID]
	if !ok {
		return false
	}

	var latestGrant, latestRevoke uint64
	for _, name := range []string{scope, ConsentScopeAll} {
		if rec, ok := scopes[name]; ok {
			if rec.grantSeq > latestGrant {
				latestGrant = rec.grantSeq
			}
			if rec.revokeSeq > latestRevoke {
				latestRevoke = rec.revokeSeq
			}
		}
	}

	return latestGrant > 0 && latestGrant > latestRevoke
}

// Pseudonym derives a stable opaque identifier for a user. The keyed
// transform is one-way: the raw id is not recoverable, but the same user
// always maps to the same pseudonym, so audit records remain joinable.
func (p *PrivacyManager) Pseudonym(userID string) string {
	mac := hmac.New(sha256.New, p.pseudonymKey)
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

// Anonymize replaces PII spans in outbound text with stable tagged tokens,
// e.g. [EMAIL:3f2a9c1b]. The token is derived from the matched span, so
// the same value redacts identically across responses without being
// reversible.
func (p *PrivacyManager) Anonymize(text string) string {
	out := text
	for _, rule := range p.redactRules {
		out = rule.Pattern.ReplaceAllStringFunc(out, func(match string) string {
			return fmt.Sprintf("[%s:%s]", rule.Label, p.spanToken(match))
		})
	}
	return out
}

// spanToken derives the short stable token for one redacted span.
func (p *PrivacyManager) spanToken(span string) string {
	mac := hmac.New(sha256.New, p.pseudonymKey)
	mac.Write([]byte(span))
	return hex.EncodeToString(mac.Sum(nil))[:8]
}

// RecordInteraction retains a pseudonymized trace of one exchange for the
// retention window.
func (p *PrivacyManager) RecordInteraction(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interactions = append(p.interactions, interactionRecord{
		Pseudonym: p.Pseudonym(userID),
		At:        p.nowFn(),
	})
}

// RetainedCount reports how many interaction traces are currently held.
func (p *PrivacyManager) RetainedCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.interactions)
}

// DeleteUserData erases everything held for one user: all consent
// records and that pseudonym's retained interaction traces. This is the
// explicit erasure path, distinct from the age-based PurgeExpired.
// Returns how many consent scopes and traces were removed.
func (p *PrivacyManager) DeleteUserData(userID string) (scopes, traces int) {
	pseudonym := p.Pseudonym(userID)

	p.mu.Lock()
	defer p.mu.Unlock()

	if consents, ok := p.consents[userID]; ok {
		scopes = len(consents)
		delete(p.consents, userID)
	}

	kept := p.interactions[:0]
	for _, rec := range p.interactions {
		if rec.Pseudonym == pseudonym {
			traces++
			continue
		}
		kept = append(kept, rec)
	}
	p.interactions = kept
	return scopes, traces
}

// PurgeExpired drops interaction traces older than the retention window
// and returns how many were removed. Callers emit a single summary audit
// event for the batch rather than one per record.
func (p *PrivacyManager) PurgeExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.nowFn().Add(-p.retention)
	kept := p.interactions[:0]
	removed := 0
	for _, rec := range p.interactions {
		if rec.At.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	p.interactions = kept
	return removed
}

// record returns (creating if needed) the consent record for a scope.
// Caller must hold the write lock.
func (p *PrivacyManager) record(userID, scope string) *consentRecord {
	scopes, ok := p.consents[userID]
	if !ok {
		scopes = make(map[string]*consentRecord)
		p.consents[userID] = scopes
	}
	rec, ok := scopes[scope]
	if !ok {
		rec = &consentRecord{}
		scopes[scope] = rec
	}
	return rec
}

// defaultRedactionRules are the PII shapes redacted from outbound text.
// Order matters: more specific shapes run before generic ones so a credit
// card is not half-eaten by the phone rule.
func defaultRedactionRules() []redactionRule {
	return []redactionRule{
		{Label: "SSN", Pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{Label: "CC", Pattern: regexp.MustCompile(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`)},
		{Label: "EMAIL", Pattern: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
		{Label: "PHONE", Pattern: regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`)},
		{Label: "IP", Pattern: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
	}
}
