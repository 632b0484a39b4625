// Package agentconn implements the agent-facing half of the WebSocket
// transport (C5). It is built from the teacher's websocket.Client
// (ping/pong keepalive, writePump/readPump, bounded send buffer) generalized
// to be bidirectional: readPump now decodes every inbound frame and
// dispatches by type to a handler table instead of discarding the payload,
// since agents push telemetry and results rather than only consuming server
// pushes.
package agentconn

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arkeep-io/arkeep/server/internal/apperr"
	"github.com/arkeep-io/arkeep/server/internal/db"
	"github.com/arkeep-io/arkeep/server/internal/metrics"
	"github.com/arkeep-io/arkeep/server/internal/repository"
	"github.com/arkeep-io/arkeep/server/internal/secretmgr"
	"github.com/arkeep-io/arkeep/server/internal/statecache"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB — scan payloads can list many packages
	sendBufferSize = 64

	// registerDeadline is how long a freshly upgraded socket has to send its
	// first "register" frame before the handshake is abandoned.
	registerDeadline = 10 * time.Second

	// heartbeatTimeout is how long an agent can go silent before the
	// liveness sweep marks it offline (spec.md §4.2).
	heartbeatTimeout = 90 * time.Second

	// executionOutputCap bounds how much command_output text accumulates on
	// an Execution row before AppendOutput truncates it with a marker.
	executionOutputCap = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebPublisher is the narrow surface Conn needs to push events to connected
// browser sessions (C6), kept as an interface so agentconn never imports
// webconn directly.
type WebPublisher interface {
	Publish(msgType string, payload any)
}

// SecurityEngine is the narrow surface Conn needs from C10 to report
// agent-originated events and scan results.
type SecurityEngine interface {
	HandleEvent(ctx context.Context, machineID uuid.UUID, kind, message, path, severity string, cooldown time.Duration) error
}

// VulnerabilityRecomputer is the narrow surface Conn needs from C9 to
// trigger a match recomputation after a package scan completes.
type VulnerabilityRecomputer interface {
	RecomputeMatches(ctx context.Context, machineID uuid.UUID) error
}

// Deps bundles every collaborator Conn needs, mirroring the teacher's
// pattern of a single config struct for constructors with many dependencies.
type Deps struct {
	Machines     repository.MachineRepository
	Metrics      repository.MetricRepository
	Commands     repository.CommandRepository
	Executions   repository.ExecutionRepository
	PackageScans repository.PackageScanRepository
	Packages     repository.PackageRepository

	Registry   *registryAdapter
	Cache      *statecache.Cache
	Secrets    *secretmgr.Manager
	WebPush    WebPublisher
	Security   SecurityEngine
	CVEMatcher VulnerabilityRecomputer

	Logger *zap.Logger
}

// registryAdapter lets Conn be registered without agentconn importing the
// concrete registry.Registry type, keeping the dependency direction
// pointing from registry -> (interfaces only) rather than a cycle.
type registryAdapter struct {
	RegisterFn   func(machineID uuid.UUID, c *Conn)
	UnregisterFn func(machineID uuid.UUID, c *Conn)
}

// NewRegistryAdapter wraps a *registry.Registry for use by this package.
func NewRegistryAdapter(register, unregister func(uuid.UUID, *Conn)) *registryAdapter {
	return &registryAdapter{RegisterFn: register, UnregisterFn: unregister}
}

// Conn represents one connected agent socket, progressing through the
// handshake -> registered -> active states of spec.md §4.2.
type Conn struct {
	deps   Deps
	conn   *websocket.Conn
	send   chan Outbound
	logger *zap.Logger

	machineID uuid.UUID
	hostname  string
}

// Serve upgrades the HTTP request to a WebSocket and runs the connection's
// full lifecycle. It blocks until the connection closes.
func Serve(w http.ResponseWriter, r *http.Request, deps Deps) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		deps.Logger.Warn("agentconn: upgrade failed", zap.Error(err))
		return
	}

	c := &Conn{
		deps:   deps,
		conn:   wsConn,
		send:   make(chan Outbound, sendBufferSize),
		logger: deps.Logger.Named("agentconn").With(zap.String("remote_addr", r.RemoteAddr)),
	}

	if !c.handshake(r.Context()) {
		c.conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

// MachineID returns the registered machine ID. Implements registry.AgentConn.
func (c *Conn) MachineID() uuid.UUID { return c.machineID }

// Close sends a close frame with reason and tears down the connection.
// Implements registry.AgentConn.
func (c *Conn) Close(reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(writeWait))
	close(c.send)
}

// handshake enforces the register-deadline and validates the first frame.
// Returns true if the machine is now registered and the connection should
// proceed to the active state.
func (c *Conn) handshake(ctx context.Context) bool {
	_ = c.conn.SetReadDeadline(time.Now().Add(registerDeadline))
	c.conn.SetReadLimit(maxMessageSize)

	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		c.logger.Warn("agentconn: handshake read failed", zap.Error(err))
		return false
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type == "" {
		c.logger.Warn("agentconn: handshake frame missing type")
		return false
	}
	if frame.Type != "register" {
		c.logger.Warn("agentconn: first frame was not register", zap.String("type", frame.Type))
		return false
	}

	var reg registerPayload
	if err := json.Unmarshal(frame.Data, &reg); err != nil {
		c.logger.Warn("agentconn: invalid register payload", zap.Error(err))
		return false
	}

	machineID, err := uuid.Parse(reg.MachineID)
	if err != nil {
		c.logger.Warn("agentconn: invalid machine id", zap.String("machine_id", reg.MachineID))
		return false
	}

	machine, err := c.deps.Machines.GetByID(ctx, machineID)
	if err != nil {
		c.logger.Warn("agentconn: unknown machine on register", zap.String("machine_id", reg.MachineID))
		return false
	}

	hash := secretmgr.HashSecret(reg.SecretKey)
	if hash != machine.SecretHash {
		// Legacy (non-64-hex) secrets are normalized once, but the
		// connection is still rejected this round — the agent must
		// reconnect and register again with the normalized secret, per
		// spec.md §9's idempotent migration rule.
		if _, normErr := secretmgr.NormalizeLegacySecret(reg.SecretKey); normErr != nil {
			c.logger.Warn("agentconn: legacy secret normalized, forcing re-register",
				zap.String("machine_id", reg.MachineID))
		} else {
			c.logger.Warn("agentconn: secret mismatch on register", zap.String("machine_id", reg.MachineID))
		}
		return false
	}

	machine.Hostname = reg.Hostname
	machine.IPAddress = reg.IPAddress
	machine.OSInfo = reg.OSInfo
	machine.Status = "online"
	now := time.Now().UTC()
	machine.LastSeenAt = &now

	if err := c.deps.Machines.Update(ctx, machine); err != nil {
		c.logger.Error("agentconn: failed to persist register update", zap.Error(err))
		return false
	}

	c.machineID = machineID
	c.hostname = reg.Hostname
	c.deps.Cache.Upsert(*machine)

	if c.deps.Registry != nil && c.deps.Registry.RegisterFn != nil {
		c.deps.Registry.RegisterFn(machineID, c)
	}
	if c.deps.WebPush != nil {
		c.deps.WebPush.Publish("machine_status_changed", map[string]any{
			"machineId": machineID,
			"status":    "online",
		})
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	return true
}

// readPump decodes every inbound frame and dispatches by type. A frame with
// no type closes the socket with policy code 4400 (spec.md §4.2).
func (c *Conn) readPump() {
	defer func() {
		c.onDisconnect()
		c.conn.Close()
	}()

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Warn("agentconn: unexpected close", zap.Error(err))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Type == "" {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(4400, "missing frame type"),
				time.Now().Add(writeWait))
			return
		}

		c.handleFrame(context.Background(), frame)
	}
}

func (c *Conn) handleFrame(ctx context.Context, frame Frame) {
	switch frame.Type {
	case "heartbeat":
		c.handleHeartbeat(ctx)
	case "metric":
		c.handleMetric(ctx, frame.Data)
	case "event":
		c.handleEvent(ctx, frame.Data)
	case "scan":
		c.handleScan(ctx, frame.Data)
	case "scan_progress":
		c.handleScanProgress(frame.Data)
	case "command_output":
		c.handleCommandOutput(frame.Data)
	case "command_completed":
		c.handleCommandCompleted(ctx, frame.Data)
	case "terminal_output":
		c.handleTerminalOutput(frame.Data)
	default:
		c.logger.Warn("agentconn: unknown frame type", zap.String("type", frame.Type))
	}
}

func (c *Conn) handleHeartbeat(ctx context.Context) {
	now := time.Now().UTC()
	if err := c.deps.Machines.UpdateStatus(ctx, c.machineID, "online", now); err != nil {
		c.logger.Warn("agentconn: heartbeat update failed", zap.Error(err))
	}
	c.deps.Cache.MarkStatus(c.machineID, "online", now)
}

func (c *Conn) handleMetric(ctx context.Context, data json.RawMessage) {
	var p metricPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.logger.Warn("agentconn: invalid metric payload", zap.Error(err))
		return
	}

	metric := db.Metric{
		MachineID:      c.machineID,
		CPUPercent:     p.CPUPercent,
		RAMPercent:     p.RAMPercent,
		RAMTotalBytes:  p.RAMTotal,
		RAMUsedBytes:   p.RAMUsed,
		DiskPercent:    p.DiskPercent,
		DiskTotalBytes: p.DiskTotal,
		DiskUsedBytes:  p.DiskUsed,
		UptimeSeconds:  p.UptimeSeconds,
		RecordedAt:     time.Now().UTC(),
	}
	if err := c.deps.Metrics.Create(ctx, &metric); err != nil {
		c.logger.Warn("agentconn: failed to persist metric", zap.Error(err))
		return
	}
	c.deps.Cache.UpdateMetric(c.machineID, metric)
	if c.deps.WebPush != nil {
		c.deps.WebPush.Publish("agent_metrics", map[string]any{"machineId": c.machineID, "metric": metric})
	}
}

func (c *Conn) handleEvent(ctx context.Context, data json.RawMessage) {
	var p eventPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.logger.Warn("agentconn: invalid event payload", zap.Error(err))
		return
	}
	if c.deps.Security == nil {
		return
	}
	// Direct event-frame cooldown per spec.md §9's unification note (30 min).
	if err := c.deps.Security.HandleEvent(ctx, c.machineID, p.Type, p.Message, p.Path, p.Severity, 30*time.Minute); err != nil {
		c.logger.Warn("agentconn: security event handling failed", zap.Error(err))
	}
}

func (c *Conn) handleScan(ctx context.Context, data json.RawMessage) {
	var p scanPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.logger.Warn("agentconn: invalid scan payload", zap.Error(err))
		return
	}

	pathsJSON, _ := json.Marshal(p.Paths)
	scan := db.PackageScan{
		MachineID:       c.machineID,
		Total:           p.Total,
		Updates:         p.Updates,
		SecurityUpdates: p.SecurityUpdates,
		Paths:           string(pathsJSON),
		Status:          "completed",
	}
	if err := c.deps.PackageScans.Create(ctx, &scan); err != nil {
		c.logger.Error("agentconn: failed to persist scan", zap.Error(err))
		return
	}

	for _, pkg := range p.Packages {
		row := db.Package{
			MachineID: c.machineID,
			Name:      pkg.Name,
			Version:   pkg.Version,
			Manager:   pkg.Manager,
			ScanID:    scan.ID,
			LastSeen:  time.Now().UTC(),
		}
		if err := c.deps.Packages.Upsert(ctx, &row); err != nil {
			c.logger.Warn("agentconn: failed to upsert package", zap.String("package", pkg.Name), zap.Error(err))
		}
	}
	if err := c.deps.Packages.DeleteStaleForMachine(ctx, c.machineID, scan.ID); err != nil {
		c.logger.Warn("agentconn: failed to prune stale packages", zap.Error(err))
	}

	if c.deps.CVEMatcher != nil {
		if err := c.deps.CVEMatcher.RecomputeMatches(ctx, c.machineID); err != nil {
			c.logger.Warn("agentconn: recompute matches failed", zap.Error(err))
		}
	}
}

func (c *Conn) handleScanProgress(data json.RawMessage) {
	var p scanProgressPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if c.deps.WebPush != nil {
		c.deps.WebPush.Publish("scan_progress", map[string]any{
			"machineId": c.machineID, "scanId": p.ScanID, "percent": p.Percent,
		})
	}
}

func (c *Conn) handleCommandOutput(data json.RawMessage) {
	var p commandOutputPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if c.deps.WebPush != nil {
		c.deps.WebPush.Publish("job_execution_output", map[string]any{
			"commandId": p.CommandID, "chunk": p.Chunk,
		})
	}

	ctx := context.Background()
	if execID, ok := c.executionIDFor(ctx, p.CommandID); ok {
		if err := c.deps.Executions.AppendOutput(ctx, execID, p.Chunk, executionOutputCap); err != nil {
			c.logger.Warn("agentconn: failed to append execution output", zap.Error(err))
		}
	}
}

func (c *Conn) handleCommandCompleted(ctx context.Context, data json.RawMessage) {
	var p commandCompletedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	commandID, err := uuid.Parse(p.CommandID)
	if err != nil {
		return
	}
	status := "success"
	if p.Error != "" || p.ExitCode != 0 {
		status = "failed"
	}
	exitCode := p.ExitCode
	if err := c.deps.Commands.UpdateResult(ctx, commandID, status, &exitCode, p.Error); err != nil {
		c.logger.Warn("agentconn: failed to record command result", zap.Error(err))
	}

	// Bulk-job executions (C8) track their own status row, keyed by the
	// Command's ExecutionID when the command was dispatched as part of a job.
	if execID, ok := c.executionIDFor(ctx, p.CommandID); ok {
		if err := c.deps.Executions.UpdateStatus(ctx, execID, status, &exitCode, p.Error); err != nil {
			c.logger.Warn("agentconn: failed to record execution result", zap.Error(err))
		}
		metrics.JobExecutionsTotal.WithLabelValues(status).Inc()
	}

	if c.deps.WebPush != nil {
		c.deps.WebPush.Publish("job_execution_updated", map[string]any{
			"commandId": p.CommandID, "status": status, "exitCode": p.ExitCode, "error": p.Error,
		})
	}
}

// executionIDFor looks up the Command row for a completed/outputting command
// and returns its linked ExecutionID, if the command was dispatched by the
// bulk-job orchestrator (C8) rather than an ad-hoc terminal session.
func (c *Conn) executionIDFor(ctx context.Context, commandIDStr string) (uuid.UUID, bool) {
	commandID, err := uuid.Parse(commandIDStr)
	if err != nil {
		return uuid.UUID{}, false
	}
	cmd, err := c.deps.Commands.GetByID(ctx, commandID)
	if err != nil || cmd.ExecutionID == nil {
		return uuid.UUID{}, false
	}
	return *cmd.ExecutionID, true
}

func (c *Conn) handleTerminalOutput(data json.RawMessage) {
	var p terminalOutputPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if c.deps.WebPush != nil {
		c.deps.WebPush.Publish("terminal_output", map[string]any{
			"sessionId": p.SessionID, "chunk": p.Chunk,
		})
	}
}

// Dispatch pushes an outbound command/cancel/config frame to the agent. It
// is the counterpart C8/C7 use to reach this connection through C4.
func (c *Conn) Dispatch(msgType string, data any) error {
	select {
	case c.send <- Outbound{Type: msgType, Data: data}:
		return nil
	default:
		return apperr.New(apperr.KindInternal, "agent send buffer full")
	}
}

func (c *Conn) onDisconnect() {
	if c.machineID == uuid.Nil {
		return
	}
	ctx := context.Background()
	now := time.Now().UTC()
	if err := c.deps.Machines.UpdateStatus(ctx, c.machineID, "offline", now); err != nil {
		c.logger.Warn("agentconn: failed to mark offline on disconnect", zap.Error(err))
	}
	c.deps.Cache.MarkStatus(c.machineID, "offline", now)
	if c.deps.Registry != nil && c.deps.Registry.UnregisterFn != nil {
		c.deps.Registry.UnregisterFn(c.machineID, c)
	}
	if c.deps.WebPush != nil {
		c.deps.WebPush.Publish("machine_status_changed", map[string]any{
			"machineId": c.machineID, "status": "offline",
		})
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("agentconn: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
