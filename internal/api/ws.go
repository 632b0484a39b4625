package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/arkeep-io/arkeep/server/internal/agentconn"
	"github.com/arkeep-io/arkeep/server/internal/auth"
	"github.com/arkeep-io/arkeep/server/internal/webconn"
)

// WSHandler upgrades the two WebSocket endpoints: the agent protocol (C5)
// and the browser protocol (C6). JWT for the web endpoint is passed as the
// `token` query parameter — browsers cannot set custom headers on the
// native WebSocket API.
type WSHandler struct {
	agentDeps agentconn.Deps
	webHub    *webconn.Hub
	jwtMgr    *auth.JWTManager
	logger    *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(agentDeps agentconn.Deps, webHub *webconn.Hub, jwtMgr *auth.JWTManager, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		agentDeps: agentDeps,
		webHub:    webHub,
		jwtMgr:    jwtMgr,
		logger:    logger.Named("ws_handler"),
	}
}

// ServeAgent handles GET /api/v1/ws/agent — the unauthenticated (at the
// HTTP layer) agent socket. Authentication happens inside agentconn's
// handshake, which validates the first `register` frame's shared secret.
func (h *WSHandler) ServeAgent(w http.ResponseWriter, r *http.Request) {
	agentconn.Serve(w, r, h.agentDeps)
}

// ServeWeb handles GET /api/v1/ws/web. JWT via `?token=`.
func (h *WSHandler) ServeWeb(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		ErrUnauthorized(w)
		return
	}

	claims, err := h.jwtMgr.ValidateAccessToken(tokenStr)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	webconn.Serve(w, r, h.webHub, claims, h.logger)
}
