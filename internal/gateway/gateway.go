// Package gateway orchestrates a single cross-org agent invocation
// through policy admission, the crypto layer, the external agent
// runtime, and dual-sided audit recording.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentc2/backend/internal/agreement"
	"github.com/agentc2/backend/internal/audit"
	"github.com/agentc2/backend/internal/crypto"
	"github.com/agentc2/backend/internal/metrics"
	"github.com/agentc2/backend/internal/policy"
	"github.com/agentc2/backend/internal/store"
)

// Error codes carried on InvokeResponse for terminal failures.
const (
	ErrCodeNotFound           = "not_found"
	ErrCodeForbidden          = "forbidden"
	ErrCodePolicyDenied       = "policy_denied"
	ErrCodeSecurityContext    = "security_context_unavailable"
	ErrCodeRuntimeInvocation  = "runtime_invocation_error"
	ErrCodePersistenceFailure = "persistence_failure"
)

// InvokeResult is what the external agent runtime returns.
type InvokeResult struct {
	Response     string
	ContentType  string
	RunID        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// InvokeAgentFunc is the externally supplied agent-runtime callable.
// Timeout and cancellation semantics belong to the implementation.
type InvokeAgentFunc func(ctx context.Context, agentSlug, message, orgID, conversationID string) (*InvokeResult, error)

// InvokeRequest is one cross-org invocation.
type InvokeRequest struct {
	AgreementID     string `json:"agreementId"`
	TargetAgentSlug string `json:"targetAgentSlug"`
	SourceAgentSlug string `json:"sourceAgentSlug,omitempty"`
	Message         string `json:"message"`
	ConversationID  string `json:"conversationId,omitempty"`
	CallerUserID    string `json:"-"`
}

// InvokeResponse is the gateway's result for one invocation.
type InvokeResponse struct {
	Success        bool          `json:"success"`
	ConversationID string        `json:"conversationId,omitempty"`
	Response       string        `json:"response,omitempty"`
	ContentType    string        `json:"contentType,omitempty"`
	LatencyMs      int64         `json:"latencyMs"`
	MessageID      string        `json:"messageId,omitempty"`
	PolicyResult   policy.Result `json:"policyResult,omitempty"`
	ErrorCode      string        `json:"errorCode,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// VerificationReport is the forensic verdict for one stored message.
type VerificationReport struct {
	MessageID        string `json:"messageId"`
	Decrypted        bool   `json:"decrypted"`
	SignaturePresent bool   `json:"signaturePresent"`
	SignatureValid   bool   `json:"signatureValid"`
	SenderOrgID      string `json:"senderOrgId"`
	SenderKeyVersion int    `json:"senderKeyVersion"`
}

// AgentCard is the capability descriptor published for one exposed
// agent, consumed when building the externally visible tool registry.
type AgentCard struct {
	Name               string                 `json:"name"`
	Description        string                 `json:"description,omitempty"`
	Skills             []string               `json:"skills,omitempty"`
	DataClassification string                 `json:"dataClassification"`
	RateLimit          AgentCardRateLimit     `json:"rateLimit"`
	Extensions         map[string]interface{} `json:"extensions"`
}

// AgentCardRateLimit is the per-card rate-limit advertisement.
type AgentCardRateLimit struct {
	RequestsPerHour int `json:"requestsPerHour"`
}

// Gateway runs the invocation pipeline. Request-scoped and stateless
// between calls; shared state lives in the policy engine's counters.
type Gateway struct {
	agreements *agreement.Manager
	policy     *policy.Engine
	store      store.Store
	master     *crypto.MasterKey
	auditor    *audit.Logger
	metrics    *metrics.Metrics
}

// New creates a Gateway. metrics may be nil.
func New(agreements *agreement.Manager, engine *policy.Engine, s store.Store, master *crypto.MasterKey, auditor *audit.Logger, m *metrics.Metrics) *Gateway {
	return &Gateway{
		agreements: agreements,
		policy:     engine,
		store:      s,
		master:     master,
		auditor:    auditor,
		metrics:    m,
	}
}

// ProcessInvocation drives one cross-org invocation end to end. Every
// failure short-circuits to an error response carrying elapsed latency;
// nothing propagates as an unhandled fault.
func (g *Gateway) ProcessInvocation(ctx context.Context, sourceOrgID string, req *InvokeRequest, invoke InvokeAgentFunc) *InvokeResponse {
	start := time.Now()
	elapsed := func() int64 { return time.Since(start).Milliseconds() }

	// 1. Resolve the agreement and the counterpart org.
	ag, err := g.agreements.GetAgreement(ctx, req.AgreementID)
	if err != nil {
		return g.fail(ErrCodeNotFound, "federation agreement not found", elapsed())
	}
	if !ag.IsParty(sourceOrgID) {
		return g.fail(ErrCodeForbidden, "caller organization is not a party to this agreement", elapsed())
	}
	targetOrgID := ag.OtherParty(sourceOrgID)

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	// 2. Policy admission.
	dec := g.policy.Evaluate(ctx, policy.Request{
		AgreementID:     req.AgreementID,
		SourceOrgID:     sourceOrgID,
		TargetAgentSlug: req.TargetAgentSlug,
		Content:         req.Message,
	})
	if !dec.Allowed {
		g.auditor.WriteFederationPair(sourceOrgID, targetOrgID, req.CallerUserID,
			"federation.invoke.denied", req.AgreementID, store.OutcomeDenied,
			audit.InvocationMetadata(req.AgreementID, conversationID, req.TargetAgentSlug, string(dec.Result)))
		g.observe("denied", start)
		return &InvokeResponse{
			Success:        false,
			ConversationID: conversationID,
			LatencyMs:      elapsed(),
			PolicyResult:   dec.Result,
			ErrorCode:      ErrCodePolicyDenied,
			Error:          dec.Reason,
		}
	}
	g.auditor.WriteFederationPair(sourceOrgID, targetOrgID, req.CallerUserID,
		"federation.invoke.approved", req.AgreementID, store.OutcomeSuccess,
		audit.InvocationMetadata(req.AgreementID, conversationID, req.TargetAgentSlug, string(dec.Result)))

	outbound := req.Message
	if dec.Result == policy.ResultFiltered {
		outbound = dec.FilteredContent
	}

	// 3. Security context: the source org's signing key and the
	// agreement's channel key. The channel key is fetched here, at the
	// encryption step, so a suspension racing the policy check is
	// observed. Either key missing is terminal; the gateway never
	// proceeds unsigned or unencrypted.
	sourceKP, err := g.store.ActiveKeyPair(ctx, sourceOrgID)
	if err != nil {
		return g.terminal(ctx, sourceOrgID, targetOrgID, req, conversationID,
			ErrCodeSecurityContext, "source organization has no active signing key", elapsed())
	}
	channelKey, err := g.agreements.GetChannelKey(ctx, req.AgreementID)
	if err != nil || channelKey == nil {
		return g.terminal(ctx, sourceOrgID, targetOrgID, req, conversationID,
			ErrCodeSecurityContext, "agreement channel key unavailable", elapsed())
	}

	// 4. Sign the outbound plaintext.
	signature := g.master.SignPayload([]byte(outbound), sourceKP.EncryptedPrivateKey)
	if signature == nil {
		return g.terminal(ctx, sourceOrgID, targetOrgID, req, conversationID,
			ErrCodeSecurityContext, "signing unavailable for source organization", elapsed())
	}

	// 5. Encrypt the (possibly redacted) plaintext.
	encContent, err := crypto.EncryptWithKey([]byte(outbound), channelKey, ag.ChannelKeyVersion)
	if err != nil {
		return g.terminal(ctx, sourceOrgID, targetOrgID, req, conversationID,
			ErrCodeSecurityContext, "message encryption failed", elapsed())
	}

	// 6. Persist the outbound leg.
	direction := store.DirectionInitiatorToResponder
	if sourceOrgID != ag.InitiatorOrgID {
		direction = store.DirectionResponderToInitiator
	}
	outMsg := &store.FederationMessage{
		ID:               uuid.NewString(),
		AgreementID:      ag.ID,
		ConversationID:   conversationID,
		Direction:        direction,
		SourceOrgID:      sourceOrgID,
		SourceAgentSlug:  req.SourceAgentSlug,
		TargetOrgID:      targetOrgID,
		TargetAgentSlug:  req.TargetAgentSlug,
		EncryptedContent: encContent,
		SenderSignature:  signature,
		SenderKeyVersion: sourceKP.KeyVersion,
		PolicyResult:     string(dec.Result),
		CreatedAt:        time.Now().UTC(),
	}
	if err := g.store.CreateMessage(ctx, outMsg); err != nil {
		slog.Error("gateway: persist outbound message failed", "agreement_id", ag.ID, "error", err)
		return g.terminal(ctx, sourceOrgID, targetOrgID, req, conversationID,
			ErrCodePersistenceFailure, "failed to persist outbound message", elapsed())
	}

	// 7. Invoke the target agent. Errors and panics are caught, audited,
	// and fed back into the circuit breaker.
	result, err := safeInvoke(ctx, invoke, req.TargetAgentSlug, outbound, targetOrgID, conversationID)
	if err != nil {
		g.policy.RecordOutcome(ag.ID, false)
		g.auditor.WriteFederationPair(sourceOrgID, targetOrgID, req.CallerUserID,
			"federation.invoke.failed", req.AgreementID, store.OutcomeError,
			audit.InvocationMetadata(req.AgreementID, conversationID, req.TargetAgentSlug, string(dec.Result)))
		g.observe("error", start)
		return &InvokeResponse{
			Success:        false,
			ConversationID: conversationID,
			LatencyMs:      elapsed(),
			PolicyResult:   dec.Result,
			ErrorCode:      ErrCodeRuntimeInvocation,
			Error:          fmt.Sprintf("agent invocation failed: %v", err),
		}
	}

	// 8. Sign and encrypt the response with the target org's key. A
	// missing target key degrades to an unsigned response rather than
	// failing a call that already succeeded.
	var respSignature []byte
	respKeyVersion := 0
	if targetKP, err := g.store.ActiveKeyPair(ctx, targetOrgID); err == nil {
		if sig := g.master.SignPayload([]byte(result.Response), targetKP.EncryptedPrivateKey); sig != nil {
			respSignature = sig
			respKeyVersion = targetKP.KeyVersion
		}
	}
	if respSignature == nil {
		slog.Warn("gateway: response not signed, target org key unavailable",
			"agreement_id", ag.ID, "target_org_id", targetOrgID)
	}

	encResponse, err := crypto.EncryptWithKey([]byte(result.Response), channelKey, ag.ChannelKeyVersion)
	if err != nil {
		return g.terminal(ctx, sourceOrgID, targetOrgID, req, conversationID,
			ErrCodeSecurityContext, "response encryption failed", elapsed())
	}

	// 9. Persist the inbound leg with observability fields.
	latency := elapsed()
	inMsg := &store.FederationMessage{
		ID:               uuid.NewString(),
		AgreementID:      ag.ID,
		ConversationID:   conversationID,
		Direction:        reciprocal(direction),
		SourceOrgID:      targetOrgID,
		SourceAgentSlug:  req.TargetAgentSlug,
		TargetOrgID:      sourceOrgID,
		TargetAgentSlug:  req.SourceAgentSlug,
		EncryptedContent: encResponse,
		SenderSignature:  respSignature,
		SenderKeyVersion: respKeyVersion,
		PolicyResult:     string(policy.ResultApproved),
		LatencyMs:        latency,
		InputTokens:      result.InputTokens,
		OutputTokens:     result.OutputTokens,
		CostUSD:          result.CostUSD,
		RunID:            result.RunID,
		CreatedAt:        time.Now().UTC(),
	}
	if err := g.store.CreateMessage(ctx, inMsg); err != nil {
		slog.Error("gateway: persist inbound message failed", "agreement_id", ag.ID, "error", err)
		return g.terminal(ctx, sourceOrgID, targetOrgID, req, conversationID,
			ErrCodePersistenceFailure, "failed to persist response message", elapsed())
	}

	// 10. Dual-sided success audit.
	g.policy.RecordOutcome(ag.ID, true)
	g.auditor.WriteFederationPair(sourceOrgID, targetOrgID, req.CallerUserID,
		"federation.invoke.completed", req.AgreementID, store.OutcomeSuccess,
		audit.InvocationMetadata(req.AgreementID, conversationID, req.TargetAgentSlug, string(dec.Result)))
	g.observe("success", start)

	contentType := result.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}
	return &InvokeResponse{
		Success:        true,
		ConversationID: conversationID,
		Response:       result.Response,
		ContentType:    contentType,
		LatencyMs:      latency,
		MessageID:      inMsg.ID,
		PolicyResult:   dec.Result,
	}
}

// VerifyStoredMessage decrypts a persisted message with its agreement's
// channel key and verifies the sender signature against the public key
// at the specific senderKeyVersion recorded on the message, supporting
// forensic audit even after key rotation or agreement suspension.
func (g *Gateway) VerifyStoredMessage(ctx context.Context, messageID string) (*VerificationReport, error) {
	msg, err := g.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	ag, err := g.store.GetAgreement(ctx, msg.AgreementID)
	if err != nil {
		return nil, fmt.Errorf("load agreement: %w", err)
	}

	report := &VerificationReport{
		MessageID:        msg.ID,
		SenderOrgID:      msg.SourceOrgID,
		SenderKeyVersion: msg.SenderKeyVersion,
		SignaturePresent: len(msg.SenderSignature) > 0,
	}

	// Forensics unwraps the stored blob directly: suspension or
	// revocation must not block auditing what already crossed the wire.
	channelKey, err := g.master.DecryptChannelKey(ag.ChannelKeyEncrypted)
	if err != nil {
		return report, nil
	}
	plaintext := crypto.DecryptWithKey(msg.EncryptedContent, channelKey)
	if plaintext == nil {
		return report, nil
	}
	report.Decrypted = true

	if !report.SignaturePresent {
		return report, nil
	}
	kp, err := g.store.KeyPairVersion(ctx, msg.SourceOrgID, msg.SenderKeyVersion)
	if err != nil {
		return report, nil
	}
	report.SignatureValid = crypto.VerifySignature(plaintext, msg.SenderSignature, kp.PublicKey)
	return report, nil
}

// ListAgentCards returns capability descriptors for every agent the
// counterpart has exposed to forOrgID on the given agreement.
func (g *Gateway) ListAgentCards(ctx context.Context, agreementID, forOrgID string) ([]*AgentCard, error) {
	ag, err := g.store.GetAgreement(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	if !ag.IsParty(forOrgID) {
		return nil, agreement.ErrForbidden
	}
	counterpart := ag.OtherParty(forOrgID)

	exposures, err := g.store.ListExposures(ctx, agreementID)
	if err != nil {
		return nil, err
	}

	var cards []*AgentCard
	for _, exp := range exposures {
		if !exp.Enabled || exp.OwnerOrgID != counterpart {
			continue
		}
		agent, err := g.store.GetAgent(ctx, exp.AgentID)
		if err != nil {
			slog.Warn("gateway: exposed agent missing", "agent_id", exp.AgentID, "error", err)
			continue
		}
		requestsPerHour := ag.MaxRequestsPerHour
		if exp.MaxRequestsPerHour != nil {
			requestsPerHour = *exp.MaxRequestsPerHour
		}
		classification := string(agent.DataClassification)
		if classification == "" {
			classification = string(ag.DataClassification)
		}
		cards = append(cards, &AgentCard{
			Name:               agent.Name,
			Description:        agent.Description,
			Skills:             agent.Skills,
			DataClassification: classification,
			RateLimit:          AgentCardRateLimit{RequestsPerHour: requestsPerHour},
			Extensions: map[string]interface{}{
				"agentc2.exposureId": exp.ID,
				"agentc2.agentSlug":  agent.Slug,
			},
		})
	}
	return cards, nil
}

// terminal audits a pipeline failure and builds the error response.
func (g *Gateway) terminal(ctx context.Context, sourceOrgID, targetOrgID string, req *InvokeRequest, conversationID, code, msg string, latencyMs int64) *InvokeResponse {
	slog.Error("gateway: invocation pipeline failed",
		"agreement_id", req.AgreementID,
		"code", code,
		"detail", msg)
	g.auditor.WriteFederationPair(sourceOrgID, targetOrgID, req.CallerUserID,
		"federation.invoke.failed", req.AgreementID, store.OutcomeError,
		audit.InvocationMetadata(req.AgreementID, conversationID, req.TargetAgentSlug, ""))
	g.observe("error", time.Now().Add(-time.Duration(latencyMs)*time.Millisecond))
	return &InvokeResponse{
		Success:        false,
		ConversationID: conversationID,
		LatencyMs:      latencyMs,
		ErrorCode:      code,
		Error:          msg,
	}
}

func (g *Gateway) fail(code, msg string, latencyMs int64) *InvokeResponse {
	g.observe("error", time.Now().Add(-time.Duration(latencyMs)*time.Millisecond))
	return &InvokeResponse{
		Success:   false,
		LatencyMs: latencyMs,
		ErrorCode: code,
		Error:     msg,
	}
}

func (g *Gateway) observe(outcome string, start time.Time) {
	if g.metrics == nil {
		return
	}
	g.metrics.Invocations.WithLabelValues(outcome).Inc()
	g.metrics.InvocationLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// safeInvoke shields the pipeline from a panicking runtime callable.
func safeInvoke(ctx context.Context, invoke InvokeAgentFunc, agentSlug, message, orgID, conversationID string) (result *InvokeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("agent runtime panicked: %v", r)
		}
	}()

	result, err = invoke(ctx, agentSlug, message, orgID, conversationID)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("agent runtime returned no result")
	}
	return result, nil
}

func reciprocal(d store.MessageDirection) store.MessageDirection {
	if d == store.DirectionInitiatorToResponder {
		return store.DirectionResponderToInitiator
	}
	return store.DirectionInitiatorToResponder
}
