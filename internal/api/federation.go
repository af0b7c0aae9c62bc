package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentc2/backend/internal/agreement"
	"github.com/agentc2/backend/internal/gateway"
	"github.com/agentc2/backend/internal/store"
)

func (s *Server) handleRequestConnection(w http.ResponseWriter, r *http.Request) {
	var req agreement.ConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TargetOrgSlug == "" {
		writeError(w, http.StatusBadRequest, "targetOrgSlug is required")
		return
	}

	ag, err := s.agreements.RequestConnection(r.Context(), callerOrg(r), callerUser(r), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ag)
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	views, err := s.agreements.ListConnections(r.Context(), callerOrg(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": views,
		"total":       len(views),
	})
}

func (s *Server) handleApproveConnection(w http.ResponseWriter, r *http.Request) {
	var params agreement.ApprovalParams
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	ag, err := s.agreements.ApproveConnection(r.Context(), mux.Vars(r)["id"], callerOrg(r), callerUser(r), params)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ag)
}

func (s *Server) handleSuspendConnection(w http.ResponseWriter, r *http.Request) {
	reason := decodeReason(r)
	if err := s.agreements.SuspendConnection(r.Context(), mux.Vars(r)["id"], callerOrg(r), callerUser(r), reason); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(store.StatusSuspended)})
}

func (s *Server) handleRevokeConnection(w http.ResponseWriter, r *http.Request) {
	reason := decodeReason(r)
	if err := s.agreements.RevokeConnection(r.Context(), mux.Vars(r)["id"], callerOrg(r), callerUser(r), reason); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(store.StatusRevoked)})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req gateway.InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgreementID == "" || req.TargetAgentSlug == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "agreementId, targetAgentSlug and message are required")
		return
	}
	req.CallerUserID = callerUser(r)

	resp := s.gateway.ProcessInvocation(r.Context(), callerOrg(r), &req, s.invoke)

	status := http.StatusOK
	if !resp.Success {
		switch resp.ErrorCode {
		case gateway.ErrCodeNotFound:
			status = http.StatusNotFound
		case gateway.ErrCodeForbidden:
			status = http.StatusForbidden
		case gateway.ErrCodePolicyDenied:
			status = http.StatusForbidden
		case gateway.ErrCodeRuntimeInvocation:
			status = http.StatusBadGateway
		default:
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleVerifyMessage(w http.ResponseWriter, r *http.Request) {
	report, err := s.gateway.VerifyStoredMessage(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAgentCards(w http.ResponseWriter, r *http.Request) {
	cards, err := s.gateway.ListAgentCards(r.Context(), mux.Vars(r)["id"], callerOrg(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if cards == nil {
		cards = []*gateway.AgentCard{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agentCards": cards,
		"total":      len(cards),
	})
}

func (s *Server) handleProvisionKeys(w http.ResponseWriter, r *http.Request) {
	kp, err := s.agreements.ProvisionOrgKeys(r.Context(), callerOrg(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, keyPairView(kp))
}

func (s *Server) handleRotateKeys(w http.ResponseWriter, r *http.Request) {
	kp, err := s.agreements.RotateOrgKeys(r.Context(), callerOrg(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, keyPairView(kp))
}

// keyPairView strips the wrapped private key from API responses.
func keyPairView(kp *store.OrgKeyPair) map[string]interface{} {
	return map[string]interface{}{
		"id":         kp.ID,
		"orgId":      kp.OrgID,
		"keyVersion": kp.KeyVersion,
		"publicKey":  kp.PublicKey,
		"active":     kp.Active,
		"createdAt":  kp.CreatedAt,
	}
}

// handleQueryAudit reads the caller org's own audit trail. Filters come
// from query parameters; action is a prefix match.
func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	q := store.AuditQuery{
		OrganizationID: callerOrg(r),
		Action:         r.URL.Query().Get("action"),
		ActorID:        r.URL.Query().Get("actorId"),
		Outcome:        store.AuditOutcome(r.URL.Query().Get("outcome")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			q.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			q.Offset = n
		}
	}
	if v := r.URL.Query().Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.From = &t
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.To = &t
		}
	}

	entries, err := s.auditor.Query(r.Context(), q)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []*store.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   len(entries),
	})
}

func decodeReason(r *http.Request) string {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	return body.Reason
}
