package agentconn

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arkeep-io/arkeep/server/internal/db"
	"github.com/arkeep-io/arkeep/server/internal/secretmgr"
)

// VerifySecret authenticates an agent-HTTP-fallback request against the
// machine's stored secret hash, the same comparison the WebSocket register
// frame uses. Returns the machine row on success.
func VerifySecret(ctx context.Context, deps Deps, machineID uuid.UUID, secret string) (*db.Machine, error) {
	machine, err := deps.Machines.GetByID(ctx, machineID)
	if err != nil {
		return nil, err
	}
	if secretmgr.HashSecret(secret) != machine.SecretHash {
		return nil, secretmgr.ErrLegacySecretNormalized
	}
	return machine, nil
}

// HandleScanHTTP is the HTTP-fallback counterpart to Conn.handleScan, used
// by agents that cannot hold the WebSocket open continuously.
func HandleScanHTTP(ctx context.Context, deps Deps, machineID uuid.UUID, data json.RawMessage, logger *zap.Logger) error {
	c := &Conn{deps: deps, machineID: machineID, logger: logger}
	c.handleScan(ctx, data)
	return nil
}

// HandleScanProgressHTTP is the HTTP-fallback counterpart to
// Conn.handleScanProgress.
func HandleScanProgressHTTP(deps Deps, machineID uuid.UUID, data json.RawMessage) {
	c := &Conn{deps: deps, machineID: machineID}
	c.handleScanProgress(data)
}

// HandleEventHTTP is the HTTP-fallback counterpart to Conn.handleEvent. Uses
// the same 30-minute direct-event cooldown as the WebSocket frame path.
func HandleEventHTTP(ctx context.Context, deps Deps, machineID uuid.UUID, data json.RawMessage, logger *zap.Logger) error {
	c := &Conn{deps: deps, machineID: machineID, logger: logger}
	c.handleEvent(ctx, data)
	return nil
}

// MarkSeenHTTP records that the agent is alive via the HTTP fallback path,
// mirroring the heartbeat frame's effect on status and the state cache.
func MarkSeenHTTP(ctx context.Context, deps Deps, machineID uuid.UUID) error {
	now := time.Now().UTC()
	if err := deps.Machines.UpdateStatus(ctx, machineID, "online", now); err != nil {
		return err
	}
	deps.Cache.MarkStatus(machineID, "online", now)
	return nil
}
