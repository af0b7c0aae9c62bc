package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentc2/backend/internal/audit"
	"github.com/agentc2/backend/internal/metrics"
	"github.com/agentc2/backend/internal/store"
)

// Result classifies the outcome of a policy evaluation.
type Result string

const (
	ResultApproved Result = "approved"
	ResultFiltered Result = "filtered"
	ResultBlocked  Result = "blocked"
)

// Denial sub-reason codes (carried on Decision.Code).
const (
	CodeCircuitOpen           = "circuit-open"
	CodeRateLimited           = "rate-limited"
	CodeNotFound              = "not-found"
	CodeNotActive             = "not-active"
	CodeNotParty              = "not-party"
	CodeNotExposed            = "not-exposed"
	CodeApprovalRequired      = "approval-required"
	CodeClassificationBlocked = "classification-blocked"
	CodeEvaluationFailed      = "evaluation-failed"
)

// Decision is the admission verdict for one invocation attempt. Every
// denial carries a human-readable Reason.
type Decision struct {
	Allowed         bool                   `json:"allowed"`
	Result          Result                 `json:"result"`
	Code            string                 `json:"code,omitempty"`
	Reason          string                 `json:"reason,omitempty"`
	Details         map[string]interface{} `json:"details,omitempty"`
	FilteredContent string                 `json:"filteredContent,omitempty"`
}

// Request is one invocation attempt to admit or deny.
type Request struct {
	AgreementID     string
	SourceOrgID     string
	TargetAgentSlug string
	Content         string
}

// Suspender is the explicit lifecycle capability the engine invokes when
// the circuit breaker trips. Implemented by the agreement manager.
type Suspender interface {
	AutoSuspend(ctx context.Context, agreementID, reason string) (bool, error)
}

// Engine runs the ordered admission pipeline: circuit breaker →
// existence/authorization → exposure → human-approval gate → rate
// limits → content filtering. Cheapest and most decisive checks first.
type Engine struct {
	agreements store.AgreementStore
	exposures  store.ExposureStore
	agents     store.AgentStore
	counters   CounterStore
	breakers   *BreakerSet
	suspender  Suspender
	auditor    *audit.Logger
	scanner    *PIIScanner
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewEngine wires an admission pipeline. metrics may be nil.
func NewEngine(s store.Store, counters CounterStore, breakers *BreakerSet, suspender Suspender, auditor *audit.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		agreements: s,
		exposures:  s,
		agents:     s,
		counters:   counters,
		breakers:   breakers,
		suspender:  suspender,
		auditor:    auditor,
		scanner:    NewPIIScanner(),
		metrics:    m,
		now:        time.Now,
	}
}

// Evaluate admits or denies one invocation attempt.
func (e *Engine) Evaluate(ctx context.Context, req Request) *Decision {
	// 1. Circuit breaker: in-memory, no store round trip.
	snap := e.breakers.Snapshot(req.AgreementID)
	if snap.Open {
		e.tripBreaker(ctx, req.AgreementID, snap)
		return e.deny(CodeCircuitOpen, fmt.Sprintf(
			"circuit breaker open: %d/%d recent requests failed (%.0f%% error rate)",
			snap.Failures, snap.Requests, snap.ErrorRate*100), map[string]interface{}{
			"requests":  snap.Requests,
			"failures":  snap.Failures,
			"errorRate": snap.ErrorRate,
		})
	}
	if snap.Throttled {
		return e.deny(CodeRateLimited, fmt.Sprintf(
			"throttled: %d rate-limit violations in the last hour", snap.Violations),
			map[string]interface{}{"violations": snap.Violations})
	}

	// 2. Existence and authorization.
	ag, err := e.agreements.GetAgreement(ctx, req.AgreementID)
	if errors.Is(err, store.ErrNotFound) {
		return e.deny(CodeNotFound, "federation agreement not found", nil)
	}
	if err != nil {
		slog.Error("policy: agreement lookup failed", "agreement_id", req.AgreementID, "error", err)
		return e.deny(CodeEvaluationFailed, "policy evaluation failed", nil)
	}
	if ag.Status != store.StatusActive {
		return e.deny(CodeNotActive, fmt.Sprintf("agreement is %s, not active", ag.Status), nil)
	}
	if !ag.IsParty(req.SourceOrgID) {
		return e.deny(CodeNotParty, "caller organization is not a party to this agreement", nil)
	}
	targetOrgID := ag.OtherParty(req.SourceOrgID)

	// 3. Exposure: the counterpart must have granted this agent. An org
	// cannot invoke its own exposures.
	exposure, dec := e.checkExposure(ctx, ag, targetOrgID, req.TargetAgentSlug)
	if dec != nil {
		return dec
	}

	// 4. Human-approval gate: absolute, not bypassable by policy context.
	if ag.RequireHumanApproval {
		return e.deny(CodeApprovalRequired,
			"agreement requires human approval for every request; automated invocation denied", nil)
	}

	// 5. Rate limiting: per-exposure hourly override beats the
	// agreement-level hourly limit; the daily limit is always
	// agreement-level.
	if dec := e.checkRateLimits(ctx, ag, exposure); dec != nil {
		return dec
	}

	// 6. Content filtering, only above internal classification.
	return e.filterContent(ag, req.Content)
}

// RecordOutcome feeds an invocation result back into the breaker.
func (e *Engine) RecordOutcome(agreementID string, success bool) {
	e.breakers.RecordOutcome(agreementID, success)
}

func (e *Engine) checkExposure(ctx context.Context, ag *store.FederationAgreement, targetOrgID, agentSlug string) (*store.FederationExposure, *Decision) {
	agent, err := e.agents.GetAgentBySlug(ctx, targetOrgID, agentSlug)
	if errors.Is(err, store.ErrNotFound) {
		return nil, e.deny(CodeNotExposed,
			fmt.Sprintf("agent %q is not exposed by the counterpart organization", agentSlug), nil)
	}
	if err != nil {
		slog.Error("policy: agent lookup failed", "agent_slug", agentSlug, "error", err)
		return nil, e.deny(CodeEvaluationFailed, "policy evaluation failed", nil)
	}

	exposures, err := e.exposures.ListExposures(ctx, ag.ID)
	if err != nil {
		slog.Error("policy: exposure lookup failed", "agreement_id", ag.ID, "error", err)
		return nil, e.deny(CodeEvaluationFailed, "policy evaluation failed", nil)
	}
	for _, exp := range exposures {
		if exp.Enabled && exp.OwnerOrgID == targetOrgID && exp.AgentID == agent.ID {
			return exp, nil
		}
	}
	return nil, e.deny(CodeNotExposed,
		fmt.Sprintf("agent %q is not exposed by the counterpart organization", agentSlug), nil)
}

func (e *Engine) checkRateLimits(ctx context.Context, ag *store.FederationAgreement, exposure *store.FederationExposure) *Decision {
	now := e.now()

	hourLimit := ag.MaxRequestsPerHour
	if exposure.MaxRequestsPerHour != nil {
		hourLimit = *exposure.MaxRequestsPerHour
	}

	hourCount, err := e.counters.IncrGet(ctx, hourKey(ag.ID, now), 2*time.Hour)
	if err != nil {
		slog.Error("policy: rate-limit counter unavailable", "agreement_id", ag.ID, "error", err)
		return e.deny(CodeEvaluationFailed, "rate-limit backend unavailable", nil)
	}
	if hourLimit > 0 && hourCount > int64(hourLimit) {
		e.breakers.RecordRateLimitExceeded(ag.ID)
		e.countRateLimited(ag.ID)
		return e.deny(CodeRateLimited,
			fmt.Sprintf("hourly rate limit exceeded (%d/%d)", hourCount, hourLimit),
			map[string]interface{}{"count": hourCount, "limit": hourLimit, "window": "hour"})
	}

	dayCount, err := e.counters.IncrGet(ctx, dayKey(ag.ID, now), 26*time.Hour)
	if err != nil {
		slog.Error("policy: rate-limit counter unavailable", "agreement_id", ag.ID, "error", err)
		return e.deny(CodeEvaluationFailed, "rate-limit backend unavailable", nil)
	}
	if ag.MaxRequestsPerDay > 0 && dayCount > int64(ag.MaxRequestsPerDay) {
		e.breakers.RecordRateLimitExceeded(ag.ID)
		e.countRateLimited(ag.ID)
		return e.deny(CodeRateLimited,
			fmt.Sprintf("daily rate limit exceeded (%d/%d)", dayCount, ag.MaxRequestsPerDay),
			map[string]interface{}{"count": dayCount, "limit": ag.MaxRequestsPerDay, "window": "day"})
	}
	return nil
}

func (e *Engine) filterContent(ag *store.FederationAgreement, content string) *Decision {
	if content == "" ||
		(ag.DataClassification != store.ClassificationConfidential &&
			ag.DataClassification != store.ClassificationRestricted) {
		return &Decision{Allowed: true, Result: ResultApproved}
	}

	matches := e.scanner.Scan(content)
	if len(matches) == 0 {
		return &Decision{Allowed: true, Result: ResultApproved}
	}

	details := map[string]interface{}{
		"piiClasses":     Summarize(matches),
		"classification": string(ag.DataClassification),
	}

	if ag.DataClassification == store.ClassificationRestricted {
		return e.deny(CodeClassificationBlocked,
			"restricted channel: message contains PII ("+describeMatches(matches)+")", details)
	}

	// confidential: redact in place and proceed.
	return &Decision{
		Allowed:         true,
		Result:          ResultFiltered,
		Code:            "",
		Reason:          "PII redacted per confidential classification",
		Details:         details,
		FilteredContent: e.scanner.Redact(content),
	}
}

// tripBreaker side-effects the agreement to suspended (only if still
// active) and writes dual audit entries.
func (e *Engine) tripBreaker(ctx context.Context, agreementID string, snap BreakerSnapshot) {
	reason := fmt.Sprintf("circuit breaker tripped: %d/%d requests failed in the last %s",
		snap.Failures, snap.Requests, breakerWindow)

	transitioned, err := e.suspender.AutoSuspend(ctx, agreementID, reason)
	if err != nil {
		slog.Error("policy: auto-suspend failed", "agreement_id", agreementID, "error", err)
		return
	}
	if !transitioned {
		return
	}

	// Start from a clean window when the agreement is later resumed,
	// otherwise the stale failures would re-trip it immediately.
	e.breakers.Reset(agreementID)

	if e.metrics != nil {
		e.metrics.BreakerTrips.WithLabelValues(agreementID).Inc()
	}

	ag, err := e.agreements.GetAgreement(ctx, agreementID)
	if err != nil {
		slog.Error("policy: agreement lookup after trip failed", "agreement_id", agreementID, "error", err)
		return
	}
	e.auditor.WriteFederationPair(ag.InitiatorOrgID, ag.ResponderOrgID, "circuit-breaker",
		"federation.circuit_breaker.tripped", agreementID, store.OutcomeDenied,
		map[string]interface{}{
			"agreementId": agreementID,
			"requests":    snap.Requests,
			"failures":    snap.Failures,
			"errorRate":   snap.ErrorRate,
			"reason":      reason,
		})
}

func (e *Engine) deny(code, reason string, details map[string]interface{}) *Decision {
	if e.metrics != nil {
		e.metrics.PolicyDenials.WithLabelValues(code).Inc()
	}
	return &Decision{
		Allowed: false,
		Result:  ResultBlocked,
		Code:    code,
		Reason:  reason,
		Details: details,
	}
}

func (e *Engine) countRateLimited(agreementID string) {
	if e.metrics != nil {
		e.metrics.RateLimitRejections.WithLabelValues(agreementID).Inc()
	}
}
