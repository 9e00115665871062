// Copyright 2025 AegisGate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"aegisgate/platform/gateway/llm"
	"aegisgate/platform/shared/logger"
)

// =============================================================================
// Mediation Pipeline
// =============================================================================

// Deny reason codes. Exactly one accompanies every denied decision.
const (
	ReasonValidationFailed = "VALIDATION_FAILED"
	ReasonRateLimited      = "RATE_LIMITED"
	ReasonSessionInvalid   = "SESSION_INVALID"
	ReasonConsentMissing   = "CONSENT_MISSING"
	ReasonPolicyViolation  = "POLICY_VIOLATION"
	ReasonUpstreamTimeout  = "UPSTREAM_TIMEOUT"
	ReasonUpstreamError    = "UPSTREAM_ERROR"
)

// Stage names recorded in the audit trail, in pipeline order.
const (
	StageValidation     = "input_validation"
	StageRateLimit      = "rate_limit"
	StageSession        = "session"
	StageConsent        = "consent"
	StagePolicyInbound  = "policy_inbound"
	StageGenerate       = "generate"
	StagePolicyOutbound = "policy_outbound"
	StageRelease        = "release"
	StagePrivacy        = "privacy"
	StageMaintenance    = "maintenance"
)

// AnomalyIPDrift flags a valid session presented from an unexpected IP.
const AnomalyIPDrift = "ip_drift"

// ConsentScopeChat is the scope a mediated exchange requires.
const ConsentScopeChat = "chat"

// Request is one user query entering the pipeline.
type Request struct {
	Text              string
	UserID            string
	SessionID         string
	IPAddress         string
	DeviceFingerprint string

	// RequestID correlates logs and audit events. Filled if empty.
	RequestID string
}

// Decision is the pipeline's verdict on one request.
type Decision struct {
	Allow      bool        `json:"allow"`
	Reply      string      `json:"reply,omitempty"`
	ReasonCode string      `json:"reason_code,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
	Advisories []string    `json:"advisories,omitempty"`

	// AnomalyFlags carries soft findings on an allowed request, e.g.
	// AnomalyIPDrift.
	AnomalyFlags []string `json:"anomaly_flags,omitempty"`

	// AuditDegraded reports that at least one audit event for this
	// request could not be persisted.
	AuditDegraded bool `json:"audit_degraded,omitempty"`

	RequestID string `json:"request_id"`
}

// StageResult is one stage's verdict.
type StageResult struct {
	OK     bool
	Reason string
	Detail map[string]interface{}
}

// Stage is one pre-generation screening step. Stages run in slice order;
// the first failing stage terminates the pipeline with its reason code,
// so stages can be added or reordered without touching call sites.
type Stage interface {
	Name() string
	Check(ctx context.Context, req *Request, d *Decision) StageResult
}

// Gateway mediates between users and the generation backend. Every
// request passes the full stage sequence; every stage outcome lands in
// the audit trail.
type Gateway struct {
	cfg *Config
	log *logger.Logger

	stages   []Stage
	limiter  Limiter
	sessions *SessionManager
	privacy  *PrivacyManager
	policy   *PolicyScreen
	audit    *AuditTrail
	provider llm.Provider
	tokens   *TokenIssuer

	maintStop chan struct{}
	maintDone chan struct{}
}

// New assembles a gateway from config. The audit store and generation
// provider are injected so deployments choose persistence and backend.
func New(cfg *Config, store AuditStore, provider llm.Provider) (*Gateway, error) {
	log := logger.New("gateway")

	policy, err := NewPolicyScreen(cfg.Policy)
	if err != nil {
		return nil, err
	}

	var limiter Limiter
	if cfg.Redis.URL != "" {
		rl, err := NewRedisLimiter(cfg.Redis.URL, cfg.RateLimits, log)
		if err != nil {
			return nil, err
		}
		limiter = rl
	} else {
		limiter = NewSlidingWindowLimiter(cfg.RateLimits)
	}

	var tokens *TokenIssuer
	if cfg.Session.TokenSecret != "" {
		tokens, err = NewTokenIssuer(cfg.Session.TokenSecret)
		if err != nil {
			return nil, err
		}
	}

	sessions := NewSessionManager(cfg.Session)
	privacy := NewPrivacyManager(cfg.Privacy)

	g := &Gateway{
		cfg:      cfg,
		log:      log,
		limiter:  limiter,
		sessions: sessions,
		privacy:  privacy,
		policy:   policy,
		audit:    NewAuditTrail(store, cfg.Audit, log),
		provider: provider,
		tokens:   tokens,
	}

	// Pre-generation chain, in decision order. Validation precedes the
	// limiter so a rejected payload never consumes quota.
	g.stages = []Stage{
		&validationStage{validator: NewInputValidator(cfg.MaxRequestBytes)},
		&rateLimitStage{limiter: limiter},
		&sessionStage{sessions: sessions},
		&consentStage{privacy: privacy},
		&inboundPolicyStage{policy: policy},
	}
	return g, nil
}

// ===== Pre-Generation Stages =====

type validationStage struct {
	validator *InputValidator
}

func (s *validationStage) Name() string { return StageValidation }

func (s *validationStage) Check(_ context.Context, req *Request, d *Decision) StageResult {
	res := s.validator.Validate(req.Text)
	d.Violations = res.Violations

	detail := map[string]interface{}{}
	if len(res.Violations) > 0 {
		ids := make([]string, 0, len(res.Violations))
		for _, v := range res.Violations {
			ids = append(ids, v.RuleID)
		}
		detail["rule_ids"] = ids
	}
	if len(res.Warnings) > 0 {
		detail["warnings"] = res.Warnings
	}
	return StageResult{OK: res.OK, Reason: ReasonValidationFailed, Detail: detail}
}

type rateLimitStage struct {
	limiter Limiter
}

func (s *rateLimitStage) Name() string { return StageRateLimit }

func (s *rateLimitStage) Check(_ context.Context, req *Request, _ *Decision) StageResult {
	return StageResult{
		OK:     s.limiter.Allow(req.UserID, ClassQuery),
		Reason: ReasonRateLimited,
	}
}

type sessionStage struct {
	sessions *SessionManager
}

func (s *sessionStage) Name() string { return StageSession }

func (s *sessionStage) Check(_ context.Context, req *Request, d *Decision) StageResult {
	sv := s.sessions.Validate(req.SessionID, req.IPAddress)
	detail := map[string]interface{}{}
	if sv.Anomaly {
		detail["anomaly"] = AnomalyIPDrift
		if sv.OK {
			d.AnomalyFlags = append(d.AnomalyFlags, AnomalyIPDrift)
		}
	}
	return StageResult{OK: sv.OK, Reason: ReasonSessionInvalid, Detail: detail}
}

type consentStage struct {
	privacy *PrivacyManager
}

func (s *consentStage) Name() string { return StageConsent }

func (s *consentStage) Check(_ context.Context, req *Request, _ *Decision) StageResult {
	return StageResult{
		OK:     s.privacy.HasConsent(req.UserID, ConsentScopeChat),
		Reason: ReasonConsentMissing,
		Detail: map[string]interface{}{"scope": ConsentScopeChat},
	}
}

type inboundPolicyStage struct {
	policy *PolicyScreen
}

func (s *inboundPolicyStage) Name() string { return StagePolicyInbound }

func (s *inboundPolicyStage) Check(_ context.Context, req *Request, d *Decision) StageResult {
	res := s.policy.Screen(req.Text, Inbound)
	d.Advisories = append(d.Advisories, res.Advisories...)

	detail := map[string]interface{}{"direction": string(Inbound)}
	if res.Category != "" {
		detail["category"] = res.Category
	}
	return StageResult{OK: res.OK, Reason: ReasonPolicyViolation, Detail: detail}
}

// ===== Evaluation =====

// Evaluate runs one request through the full pipeline. It never returns
// an error: every failure mode is a denied Decision with a reason code,
// so callers cannot accidentally treat an internal error as an allow.
func (g *Gateway) Evaluate(ctx context.Context, req Request) Decision {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	actor := g.privacy.Pseudonym(req.UserID)

	decision := g.evaluate(ctx, req, actor)
	decision.RequestID = req.RequestID

	if decision.Allow {
		requestsTotal.WithLabelValues("allow").Inc()
	} else {
		requestsTotal.WithLabelValues("deny").Inc()
		denialsTotal.WithLabelValues(decision.ReasonCode).Inc()
	}

	g.log.InfoWithDuration(actor, req.RequestID, "Request mediated",
		float64(time.Since(start).Milliseconds()), map[string]interface{}{
			"allow":  decision.Allow,
			"reason": decision.ReasonCode,
		})
	return decision
}

func (g *Gateway) evaluate(ctx context.Context, req Request, actor string) Decision {
	d := Decision{}

	for _, stage := range g.stages {
		if res := g.runStage(ctx, stage, &req, &d, actor); !res.OK {
			return deny(d, res.Reason)
		}
	}

	reply, reason, ok := g.generate(ctx, req, actor, &d)
	if !ok {
		return deny(d, reason)
	}

	outbound := g.policy.Screen(reply, Outbound)
	d.Advisories = append(d.Advisories, outbound.Advisories...)
	detail := map[string]interface{}{"direction": string(Outbound)}
	if outbound.Category != "" {
		detail["category"] = outbound.Category
	}
	event := Event{Actor: actor, Stage: StagePolicyOutbound, Decision: OutcomeAllow, Detail: detail}
	if !outbound.OK {
		event.Decision = OutcomeDeny
		event.ReasonCode = ReasonPolicyViolation
	}
	g.recordAudit(event, &d)
	if !outbound.OK {
		return deny(d, ReasonPolicyViolation)
	}

	// Release: anonymize, retain the pseudonymized trace, refresh the
	// session's activity window.
	d.Reply = g.privacy.Anonymize(reply)
	if notice := g.cfg.Privacy.TransparencyNotice; notice != "" {
		d.Reply += "\n\n" + notice
	}
	g.privacy.RecordInteraction(req.UserID)
	g.sessions.Touch(req.SessionID)

	g.recordAudit(Event{
		Actor:    actor,
		Stage:    StageRelease,
		Decision: OutcomeAllow,
	}, &d)

	d.Allow = true
	return d
}

// runStage executes one screening stage, records its audit event and
// latency.
func (g *Gateway) runStage(ctx context.Context, stage Stage, req *Request, d *Decision, actor string) StageResult {
	start := time.Now()
	res := stage.Check(ctx, req, d)
	stageLatencySeconds.WithLabelValues(stage.Name()).Observe(time.Since(start).Seconds())

	event := Event{
		Actor:    actor,
		Stage:    stage.Name(),
		Decision: OutcomeAllow,
		Detail:   res.Detail,
	}
	if !res.OK {
		event.Decision = OutcomeDeny
		event.ReasonCode = res.Reason
		g.log.Warn(actor, req.RequestID, "Stage denied request", map[string]interface{}{
			"stage":  stage.Name(),
			"reason": res.Reason,
		})
	}
	g.recordAudit(event, d)
	return res
}

// generate calls the upstream provider under the configured deadline and
// maps its failure modes onto the deny taxonomy.
func (g *Gateway) generate(ctx context.Context, req Request, actor string, d *Decision) (string, string, bool) {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.LLM.Timeout())
	defer cancel()

	resp, err := g.provider.Complete(callCtx, llm.Request{
		Prompt:      req.Text,
		MaxTokens:   g.cfg.LLM.MaxTokens,
		Temperature: g.cfg.LLM.Temperature,
	})
	stageLatencySeconds.WithLabelValues(StageGenerate).Observe(time.Since(start).Seconds())

	if err != nil {
		// Deadline and caller cancellation are both aborted waits, not
		// upstream faults.
		reason := ReasonUpstreamError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			reason = ReasonUpstreamTimeout
		}
		g.recordAudit(Event{
			Actor:      actor,
			Stage:      StageGenerate,
			Decision:   OutcomeDeny,
			ReasonCode: reason,
			Detail:     map[string]interface{}{"provider": g.provider.Name()},
		}, d)
		g.log.ErrorWithReason(actor, req.RequestID, "Upstream generation failed", reason, err, nil)
		return "", reason, false
	}

	g.recordAudit(Event{
		Actor:    actor,
		Stage:    StageGenerate,
		Decision: OutcomeAllow,
		Detail:   map[string]interface{}{"provider": g.provider.Name(), "model": resp.Model},
	}, d)
	return resp.Text, "", true
}

func (g *Gateway) recordAudit(event Event, d *Decision) {
	if g.audit.Record(event) {
		d.AuditDegraded = true
	}
}

func deny(d Decision, reason string) Decision {
	d.Allow = false
	d.ReasonCode = reason
	return d
}

// ===== Session and Consent Surfaces =====

// CreateSession issues a session for an authenticated user. Issuance
// draws from the auth rate limit class, which is tighter than the query
// class. When a token secret is configured, a signed bearer token
// accompanies the session id.
func (g *Gateway) CreateSession(userID, ipAddress, deviceFingerprint string) (sessionID, token string, err error) {
	actor := g.privacy.Pseudonym(userID)

	if !g.limiter.Allow(userID, ClassAuth) {
		g.audit.Record(Event{
			Actor:      actor,
			Stage:      StageSession,
			Decision:   OutcomeDeny,
			ReasonCode: ReasonRateLimited,
			Detail:     map[string]interface{}{"operation": "create"},
		})
		return "", "", errors.New("session creation rate limit exceeded")
	}

	sessionID = g.sessions.Create(userID, ipAddress, deviceFingerprint)

	if g.tokens != nil {
		token, err = g.tokens.Issue(sessionID, userID, time.Now().Add(g.cfg.Session.MaxLifetime()))
		if err != nil {
			g.sessions.Revoke(sessionID)
			return "", "", err
		}
	}

	g.audit.Record(Event{
		Actor:    actor,
		Stage:    StageSession,
		Decision: OutcomeAllow,
		Detail:   map[string]interface{}{"operation": "create", "session_id": sessionID},
	})
	return sessionID, token, nil
}

// ResolveToken maps a bearer token back to its session and user ids.
func (g *Gateway) ResolveToken(token string) (sessionID, userID string, err error) {
	if g.tokens == nil {
		return "", "", errors.New("token support not configured")
	}
	return g.tokens.Parse(token)
}

// RevokeSession terminates a session immediately.
func (g *Gateway) RevokeSession(userID, sessionID string) bool {
	revoked := g.sessions.Revoke(sessionID)
	g.audit.Record(Event{
		Actor:    g.privacy.Pseudonym(userID),
		Stage:    StageSession,
		Decision: OutcomeAllow,
		Detail:   map[string]interface{}{"operation": "revoke", "session_id": sessionID, "revoked": revoked},
	})
	return revoked
}

// GrantConsent records consent for a scope, audited.
func (g *Gateway) GrantConsent(userID, scope string) {
	g.privacy.GrantConsent(userID, scope)
	g.audit.Record(Event{
		Actor:    g.privacy.Pseudonym(userID),
		Stage:    StageConsent,
		Decision: OutcomeAllow,
		Detail:   map[string]interface{}{"operation": "grant", "scope": scope},
	})
}

// RevokeConsent withdraws consent for a scope, audited.
func (g *Gateway) RevokeConsent(userID, scope string) {
	g.privacy.RevokeConsent(userID, scope)
	g.audit.Record(Event{
		Actor:    g.privacy.Pseudonym(userID),
		Stage:    StageConsent,
		Decision: OutcomeAllow,
		Detail:   map[string]interface{}{"operation": "revoke", "scope": scope},
	})
}

// DeleteUserData erases a user's consent records and retained
// interaction traces on request. The audit event carries only summary
// counts, never the erased content.
func (g *Gateway) DeleteUserData(userID string) {
	scopes, traces := g.privacy.DeleteUserData(userID)
	g.audit.Record(Event{
		Actor:    g.privacy.Pseudonym(userID),
		Stage:    StagePrivacy,
		Decision: OutcomeAllow,
		Detail: map[string]interface{}{
			"operation":      "delete_user_data",
			"erased_scopes":  scopes,
			"erased_traces":  traces,
		},
	})
}

// HasConsent reports current consent without side effects.
func (g *Gateway) HasConsent(userID, scope string) bool {
	return g.privacy.HasConsent(userID, scope)
}

// QueryAudit exposes the audit trail for investigation tooling.
func (g *Gateway) QueryAudit(ctx context.Context, filter EventFilter) ([]Event, error) {
	return g.audit.Query(ctx, filter)
}

// ===== Maintenance =====

// StartMaintenance launches the background sweep: retention purge for
// interaction traces and audit events, stale limiter windows, and
// terminal sessions. One summary audit event is emitted per purge batch.
func (g *Gateway) StartMaintenance(interval time.Duration) {
	if g.maintStop != nil {
		return
	}
	g.maintStop = make(chan struct{})
	g.maintDone = make(chan struct{})

	go func() {
		defer close(g.maintDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.runMaintenance()
			case <-g.maintStop:
				return
			}
		}
	}()
}

func (g *Gateway) runMaintenance() {
	retention := time.Duration(g.cfg.Privacy.RetentionDays) * 24 * time.Hour

	purgedTraces := g.privacy.PurgeExpired()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	purgedEvents, err := g.audit.PurgeBefore(ctx, time.Now().Add(-retention))
	cancel()
	if err != nil {
		g.log.ErrorWithReason("", "", "Audit retention purge failed", "audit_purge_failed", err, nil)
	}

	purgedSessions := g.sessions.PurgeTerminal(retention)

	evicted := 0
	if sw, ok := g.limiter.(*SlidingWindowLimiter); ok {
		evicted = sw.EvictStale()
	}

	// One summary event per run, zero counts included, so the trail
	// shows retention enforcement actually ran.
	g.audit.Record(Event{
		Actor:    "system",
		Stage:    StageMaintenance,
		Decision: OutcomeAllow,
		Detail: map[string]interface{}{
			"purged_traces":   purgedTraces,
			"purged_events":   purgedEvents,
			"purged_sessions": purgedSessions,
			"evicted_windows": evicted,
		},
	})
}

// Close stops maintenance and drains the audit queue.
func (g *Gateway) Close() {
	if g.maintStop != nil {
		close(g.maintStop)
		<-g.maintDone
		g.maintStop = nil
	}
	g.audit.Shutdown()
	if rl, ok := g.limiter.(*RedisLimiter); ok {
		_ = rl.Close()
	}
}
