package api

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arkeep-io/arkeep/server/internal/apperr"
	"github.com/arkeep-io/arkeep/server/internal/auth"
	"github.com/arkeep-io/arkeep/server/internal/registry"
	"github.com/arkeep-io/arkeep/server/internal/repository"
	"github.com/arkeep-io/arkeep/server/internal/terminal"
	"github.com/arkeep-io/arkeep/server/internal/webconn"
)

// InboundRelay implements webconn.InboundHandler: it is the C6-to-C7/C8
// bridge that authorizes a browser's spawn_terminal / terminal_input /
// terminal_resize / trigger_scan frame and forwards it to the target
// machine's agent socket through C4.
type InboundRelay struct {
	terminal *terminal.Service
	registry *registry.Registry
	access   repository.UserMachineAccessRepository
	logger   *zap.Logger
}

// NewInboundRelay creates an InboundRelay.
func NewInboundRelay(term *terminal.Service, reg *registry.Registry, access repository.UserMachineAccessRepository, logger *zap.Logger) *InboundRelay {
	return &InboundRelay{terminal: term, registry: reg, access: access, logger: logger.Named("inbound_relay")}
}

type spawnTerminalFrame struct {
	MachineID string `json:"machineId"`
}

type terminalIOFrame struct {
	SessionID string          `json:"sessionId"`
	MachineID string          `json:"machineId"`
	Payload   json.RawMessage `json:"payload"`
}

type triggerScanFrame struct {
	MachineID string `json:"machineId"`
}

// HandleInbound implements webconn.InboundHandler.
func (h *InboundRelay) HandleInbound(ctx context.Context, claims *auth.Claims, clientID string, frame webconn.Frame) {
	switch frame.Type {
	case "spawn_terminal":
		h.handleSpawnTerminal(ctx, claims, clientID, frame)
	case "terminal_input":
		h.handleTerminalIO(ctx, claims, clientID, frame, "terminal_input")
	case "terminal_resize":
		h.handleTerminalIO(ctx, claims, clientID, frame, "terminal_resize")
	case "trigger_scan":
		h.handleTriggerScan(ctx, claims, clientID, frame)
	default:
		h.logger.Warn("inbound_relay: unhandled frame type", zap.String("type", frame.Type))
	}
}

func (h *InboundRelay) handleSpawnTerminal(ctx context.Context, claims *auth.Claims, clientID string, frame webconn.Frame) {
	var req spawnTerminalFrame
	if !decodeFrameData(frame, &req) {
		h.replyError(clientID, "spawn_terminal", "malformed request")
		return
	}

	userID, machineID, ok := h.parseIDs(clientID, "spawn_terminal", claims.UserID, req.MachineID)
	if !ok {
		return
	}

	token, err := h.terminal.SpawnTerminal(ctx, userID, machineID, claims.Role)
	if err != nil {
		h.replyError(clientID, "spawn_terminal", apperr.ClientMessage(err))
		return
	}

	h.registry.SendToWebClient(clientID, "terminal_ready", map[string]any{
		"sessionId": token.ID,
		"machineId": req.MachineID,
		"expiresAt": token.ExpiresAt,
	})
}

func (h *InboundRelay) handleTerminalIO(ctx context.Context, claims *auth.Claims, clientID string, frame webconn.Frame, envType string) {
	var req terminalIOFrame
	if !decodeFrameData(frame, &req) {
		h.replyError(clientID, envType, "malformed request")
		return
	}

	userID, machineID, ok := h.parseIDs(clientID, envType, claims.UserID, req.MachineID)
	if !ok {
		return
	}
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		h.replyError(clientID, envType, "invalid session id")
		return
	}

	if !h.terminal.OwnsSession(sessionID, userID) {
		h.replyError(clientID, envType, "session is not owned by this user or has expired")
		return
	}

	envelope, err := h.terminal.BuildSignedEnvelope(envType, sessionID, machineID, req.Payload)
	if err != nil {
		h.replyError(clientID, envType, apperr.ClientMessage(err))
		return
	}

	if err := h.registry.DispatchToAgent(machineID, envType, envelope); err != nil {
		h.replyError(clientID, envType, apperr.ClientMessage(err))
	}
}

func (h *InboundRelay) handleTriggerScan(ctx context.Context, claims *auth.Claims, clientID string, frame webconn.Frame) {
	var req triggerScanFrame
	if !decodeFrameData(frame, &req) {
		h.replyError(clientID, "trigger_scan", "malformed request")
		return
	}

	userID, machineID, ok := h.parseIDs(clientID, "trigger_scan", claims.UserID, req.MachineID)
	if !ok {
		return
	}

	if claims.Role != "admin" {
		has, err := h.access.Has(ctx, userID, machineID)
		if err != nil || !has {
			h.replyError(clientID, "trigger_scan", "forbidden")
			return
		}
	}

	// Unlike execute_command/terminal_* frames, trigger_scan is not part of
	// the signed envelope protocol (spec.md §6): it carries no session and
	// the agent runs it on a simple unauthenticated-by-HMAC request, relying
	// instead on the fact that only the server can reach the agent socket.
	if err := h.registry.DispatchToAgent(machineID, "trigger_scan", map[string]string{}); err != nil {
		h.replyError(clientID, "trigger_scan", apperr.ClientMessage(err))
	}
}

func (h *InboundRelay) parseIDs(clientID, frameType, userIDStr, machineIDStr string) (uuid.UUID, uuid.UUID, bool) {
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		h.replyError(clientID, frameType, "invalid user id")
		return uuid.UUID{}, uuid.UUID{}, false
	}
	machineID, err := uuid.Parse(machineIDStr)
	if err != nil {
		h.replyError(clientID, frameType, "invalid machine id")
		return uuid.UUID{}, uuid.UUID{}, false
	}
	return userID, machineID, true
}

func (h *InboundRelay) replyError(clientID, frameType, message string) {
	h.registry.SendToWebClient(clientID, "error", map[string]string{
		"inReplyTo": frameType,
		"message":   message,
	})
}

// decodeFrameData re-marshals a webconn.Frame's loosely-typed Data field
// (a map[string]any produced by json.Unmarshal into `any`) into a concrete
// request struct.
func decodeFrameData(frame webconn.Frame, out any) bool {
	raw, err := json.Marshal(frame.Data)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}
