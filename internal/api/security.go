package api

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arkeep-io/arkeep/server/internal/cvemirror"
	"github.com/arkeep-io/arkeep/server/internal/db"
	"github.com/arkeep-io/arkeep/server/internal/secevents"
)

// SecurityHandler exposes the CVE mirror/matcher (C9) and the
// security-event engine (C10) over REST.
type SecurityHandler struct {
	matcher *cvemirror.Matcher
	events  *secevents.Engine
	logger  *zap.Logger
}

// NewSecurityHandler creates a new SecurityHandler.
func NewSecurityHandler(matcher *cvemirror.Matcher, events *secevents.Engine, logger *zap.Logger) *SecurityHandler {
	return &SecurityHandler{matcher: matcher, events: events, logger: logger.Named("security_handler")}
}

type cveStateResponse struct {
	State string `json:"state"`
}

// GetCVEState handles GET /api/v1/security/cve — reports the mirror's
// idle/running/error state.
func (h *SecurityHandler) GetCVEState(w http.ResponseWriter, r *http.Request) {
	Ok(w, cveStateResponse{State: h.matcher.State()})
}

// TriggerCVESync handles POST /api/v1/security/cve — manually triggers a
// sync, returning 409 if one is already running.
func (h *SecurityHandler) TriggerCVESync(w http.ResponseWriter, r *http.Request) {
	if err := h.matcher.TriggerSync(r.Context()); err != nil {
		ErrFromError(w, err, h.logger)
		return
	}
	Ok(w, cveStateResponse{State: h.matcher.State()})
}

type securityEventResponse struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Severity    string  `json:"severity"`
	Message     string  `json:"message"`
	Status      string  `json:"status"`
	Fingerprint string  `json:"fingerprint"`
	CreatedAt   string  `json:"created_at"`
	ResolvedAt  *string `json:"resolved_at"`
}

func securityEventToResponse(e *db.SecurityEvent) securityEventResponse {
	resp := securityEventResponse{
		ID:          e.ID.String(),
		Type:        e.Type,
		Severity:    e.Severity,
		Message:     e.Message,
		Status:      e.Status,
		Fingerprint: e.Fingerprint,
		CreatedAt:   e.CreatedAt.UTC().String(),
	}
	if e.ResolvedAt != nil {
		s := e.ResolvedAt.UTC().String()
		resp.ResolvedAt = &s
	}
	return resp
}

// ListEvents handles GET /api/v1/machines/{id}/security/events.
func (h *SecurityHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	machineID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	events, total, err := h.events.List(r.Context(), machineID, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list security events", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]securityEventResponse, len(events))
	for i := range events {
		items[i] = securityEventToResponse(&events[i])
	}

	Ok(w, struct {
		Items []securityEventResponse `json:"items"`
		Total int64                   `json:"total"`
	}{items, total})
}

type resolveEventsResponse struct {
	Resolved int64 `json:"resolved"`
}

// ResolveAll handles POST /api/v1/machines/{id}/security/resolve — marks
// every open/ack event on the machine resolved.
func (h *SecurityHandler) ResolveAll(w http.ResponseWriter, r *http.Request) {
	machineID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	n, err := h.events.ResolveAll(r.Context(), machineID)
	if err != nil {
		h.logger.Error("failed to resolve all security events", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, resolveEventsResponse{Resolved: n})
}

// resolvePartialRequest is the JSON body for PATCH
// /api/v1/machines/{id}/security/resolve.
type resolvePartialRequest struct {
	IDs []string `json:"ids"`
}

// ResolvePartial handles PATCH /api/v1/machines/{id}/security/resolve.
func (h *SecurityHandler) ResolvePartial(w http.ResponseWriter, r *http.Request) {
	var req resolvePartialRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		ErrBadRequest(w, "ids must not be empty")
		return
	}

	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := parseUUIDString(raw)
		if err != nil {
			ErrBadRequest(w, "invalid id in ids: "+raw)
			return
		}
		ids = append(ids, id)
	}

	n, err := h.events.ResolvePartial(r.Context(), ids)
	if err != nil {
		h.logger.Error("failed to resolve security events", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, resolveEventsResponse{Resolved: n})
}

// acknowledgeEventsRequest is the JSON body for PATCH
// /api/v1/machines/{id}/security/acknowledge.
type acknowledgeEventsRequest struct {
	IDs []string `json:"ids"`
}

type acknowledgeEventsResponse struct {
	Acknowledged int64 `json:"acknowledged"`
}

// Acknowledge handles PATCH /api/v1/machines/{id}/security/acknowledge —
// flips the given open events to ack, which upsert then preserves the same
// way it preserves resolved.
func (h *SecurityHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeEventsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		ErrBadRequest(w, "ids must not be empty")
		return
	}

	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := parseUUIDString(raw)
		if err != nil {
			ErrBadRequest(w, "invalid id in ids: "+raw)
			return
		}
		ids = append(ids, id)
	}

	n, err := h.events.Acknowledge(r.Context(), ids)
	if err != nil {
		h.logger.Error("failed to acknowledge security events", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, acknowledgeEventsResponse{Acknowledged: n})
}
