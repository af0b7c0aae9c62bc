// Package api exposes the federation trust gateway over REST/JSON.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentc2/backend/internal/agreement"
	"github.com/agentc2/backend/internal/audit"
	"github.com/agentc2/backend/internal/gateway"
	"github.com/agentc2/backend/internal/store"
)

// Server wires the HTTP surface to the federation services. The caller's
// organization comes from the X-Org-ID header; authentication of that
// header is the job of the platform edge in front of this service.
type Server struct {
	agreements *agreement.Manager
	gateway    *gateway.Gateway
	auditor    *audit.Logger
	invoke     gateway.InvokeAgentFunc
}

// NewServer creates the HTTP server facade.
func NewServer(agreements *agreement.Manager, gw *gateway.Gateway, auditor *audit.Logger, invoke gateway.InvokeAgentFunc) *Server {
	return &Server{
		agreements: agreements,
		gateway:    gw,
		auditor:    auditor,
		invoke:     invoke,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(requireOrg)

	v1.HandleFunc("/federation/connections", s.handleRequestConnection).Methods("POST")
	v1.HandleFunc("/federation/connections", s.handleListConnections).Methods("GET")
	v1.HandleFunc("/federation/connections/{id}/approve", s.handleApproveConnection).Methods("POST")
	v1.HandleFunc("/federation/connections/{id}/suspend", s.handleSuspendConnection).Methods("POST")
	v1.HandleFunc("/federation/connections/{id}/revoke", s.handleRevokeConnection).Methods("POST")

	v1.HandleFunc("/federation/invoke", s.handleInvoke).Methods("POST")
	v1.HandleFunc("/federation/messages/{id}/verify", s.handleVerifyMessage).Methods("GET")
	v1.HandleFunc("/federation/agreements/{id}/agent-cards", s.handleAgentCards).Methods("GET")

	v1.HandleFunc("/federation/keys", s.handleProvisionKeys).Methods("POST")
	v1.HandleFunc("/federation/keys/rotate", s.handleRotateKeys).Methods("POST")

	v1.HandleFunc("/audit", s.handleQueryAudit).Methods("GET")

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireOrg rejects requests without a caller organization.
func requireOrg(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Org-ID") == "" {
			writeError(w, http.StatusUnauthorized, "missing X-Org-ID header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerOrg(r *http.Request) string  { return r.Header.Get("X-Org-ID") }
func callerUser(r *http.Request) string { return r.Header.Get("X-User-ID") }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("api: response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service sentinels onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agreement.ErrNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agreement.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, agreement.ErrInvalidState), errors.Is(err, agreement.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, agreement.ErrKeysNotProvisioned):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		slog.Error("api: internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
