package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arkeep-io/arkeep/server/internal/agentconn"
	"github.com/arkeep-io/arkeep/server/internal/audit"
)

// AgentHTTPHandler exposes the HTTP fallback surface for agents that cannot
// hold the WebSocket (C5) open continuously. Authenticated by the
// x-agent-secret header, hashed and compared the same way as the WS
// register frame, instead of a JWT.
type AgentHTTPHandler struct {
	deps   agentconn.Deps
	audit  audit.Logger
	logger *zap.Logger
}

// NewAgentHTTPHandler creates a new AgentHTTPHandler.
func NewAgentHTTPHandler(deps agentconn.Deps, auditLogger audit.Logger, logger *zap.Logger) *AgentHTTPHandler {
	return &AgentHTTPHandler{deps: deps, audit: auditLogger, logger: logger.Named("agent_http_handler")}
}

// agentRequest is the envelope every agent-HTTP-fallback endpoint expects:
// the machine identifies itself in the body since there is no session to
// carry it, and x-agent-secret on the header authenticates the claim.
type agentRequest struct {
	MachineID string          `json:"machineId"`
	Data      json.RawMessage `json:"data"`
}

// authenticate validates x-agent-secret against the claimed machine, writing
// the appropriate error response and returning false on any failure.
func (h *AgentHTTPHandler) authenticate(w http.ResponseWriter, r *http.Request, req agentRequest) (uuid.UUID, bool) {
	secret := r.Header.Get("x-agent-secret")
	if secret == "" {
		ErrUnauthorized(w)
		return uuid.Nil, false
	}

	machineID, err := parseUUIDString(req.MachineID)
	if err != nil {
		ErrBadRequest(w, "invalid machineId")
		return uuid.Nil, false
	}

	if _, err := agentconn.VerifySecret(r.Context(), h.deps, machineID, secret); err != nil {
		ErrUnauthorized(w)
		return uuid.Nil, false
	}

	return machineID, true
}

// Scan handles POST /api/v1/agent/scan.
func (h *AgentHTTPHandler) Scan(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	machineID, ok := h.authenticate(w, r, req)
	if !ok {
		return
	}

	if err := agentconn.HandleScanHTTP(r.Context(), h.deps, machineID, req.Data, h.logger); err != nil {
		h.logger.Error("failed to handle http scan", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// ScanProgress handles POST /api/v1/agent/scan-progress.
func (h *AgentHTTPHandler) ScanProgress(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	machineID, ok := h.authenticate(w, r, req)
	if !ok {
		return
	}

	agentconn.HandleScanProgressHTTP(h.deps, machineID, req.Data)
	NoContent(w)
}

// SecurityEvents handles POST /api/v1/agent/security-events.
func (h *AgentHTTPHandler) SecurityEvents(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	machineID, ok := h.authenticate(w, r, req)
	if !ok {
		return
	}

	if err := agentconn.HandleEventHTTP(r.Context(), h.deps, machineID, req.Data, h.logger); err != nil {
		h.logger.Error("failed to handle http security event", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// agentAuditPayload is the body of an /agent/audit report — the agent
// reporting its own client-side audit trace (e.g. a refused critical
// command) directly into the central audit log.
type agentAuditPayload struct {
	Action   string `json:"action"`
	Severity string `json:"severity"`
	Details  any    `json:"details"`
}

// Audit handles POST /api/v1/agent/audit.
func (h *AgentHTTPHandler) Audit(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	machineID, ok := h.authenticate(w, r, req)
	if !ok {
		return
	}

	var payload agentAuditPayload
	if err := json.Unmarshal(req.Data, &payload); err != nil {
		ErrBadRequest(w, "invalid audit payload")
		return
	}
	if payload.Action == "" {
		ErrBadRequest(w, "action is required")
		return
	}

	if h.audit != nil {
		h.audit.Log(r.Context(), audit.Entry{
			Action:    payload.Action,
			MachineID: &machineID,
			Severity:  payload.Severity,
			Details:   payload.Details,
		})
	}

	if err := agentconn.MarkSeenHTTP(r.Context(), h.deps, machineID); err != nil {
		h.logger.Warn("failed to mark machine seen via http audit", zap.Error(err))
	}

	NoContent(w)
}
