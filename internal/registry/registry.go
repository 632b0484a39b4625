// Package registry is the connection registry (C4): the single place that
// knows which machines currently have an open agent socket and which
// browser sessions currently have an open web socket. It generalizes the
// teacher's websocket.Hub (topic pub/sub for browser pushes) and
// agentmanager.Manager (keyed single-connection registry for agents) into
// one type run through a single-goroutine event loop, exactly like the
// Hub's Run loop: register/unregister channels serialize every mutation so
// no mutex is needed on the maps themselves, and a RWMutex protects only
// the snapshot-reading paths (Lookup, Iterate, Broadcast).
package registry

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arkeep-io/arkeep/server/internal/apperr"
)

// AgentConn is the minimal surface the registry needs from an agent
// connection. internal/agentconn.Conn implements this.
type AgentConn interface {
	MachineID() uuid.UUID
	Close(reason string)
	Dispatch(msgType string, data any) error
}

// WebConn is the minimal surface the registry needs from a web-client
// connection. internal/webconn.Conn implements this.
type WebConn interface {
	ClientID() string
	Close(reason string)
	Send(msgType string, data any)
}

type agentEvent struct {
	register   AgentConn
	unregister AgentConn
}

type webEvent struct {
	register   WebConn
	unregister WebConn
}

// Registry holds the two independent keyed connection maps and runs the
// single event loop that serializes all mutations to them.
type Registry struct {
	mu         sync.RWMutex
	agents     map[uuid.UUID]AgentConn
	webClients map[string]WebConn

	agentEvents chan agentEvent
	webEvents   chan webEvent

	logger *zap.Logger
}

// New creates an idle Registry. Call Run in a goroutine to start it.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		agents:      make(map[uuid.UUID]AgentConn),
		webClients:  make(map[string]WebConn),
		agentEvents: make(chan agentEvent, 64),
		webEvents:   make(chan webEvent, 64),
		logger:      logger.Named("registry"),
	}
}

// Run starts the registry's event loop. Must be called exactly once, in its
// own goroutine, and exits when ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	for {
		select {
		case ev := <-r.agentEvents:
			r.mu.Lock()
			if ev.register != nil {
				machineID := ev.register.MachineID()
				if old, exists := r.agents[machineID]; exists {
					// Supersede rule (spec.md §4.1): the existing connection for
					// this machine is closed before the new one replaces it.
					old.Close("superseded")
				}
				r.agents[machineID] = ev.register
			}
			if ev.unregister != nil {
				machineID := ev.unregister.MachineID()
				// Only remove if it is still the current connection — a stale
				// unregister from an already-superseded connection must not
				// evict the connection that replaced it.
				if cur, exists := r.agents[machineID]; exists && cur == ev.unregister {
					delete(r.agents, machineID)
				}
			}
			r.mu.Unlock()

		case ev := <-r.webEvents:
			r.mu.Lock()
			if ev.register != nil {
				r.webClients[ev.register.ClientID()] = ev.register
			}
			if ev.unregister != nil {
				if cur, exists := r.webClients[ev.unregister.ClientID()]; exists && cur == ev.unregister {
					delete(r.webClients, ev.unregister.ClientID())
				}
			}
			r.mu.Unlock()

		case <-ctx.Done():
			r.mu.Lock()
			for _, a := range r.agents {
				a.Close("server shutting down")
			}
			for _, w := range r.webClients {
				w.Close("server shutting down")
			}
			r.agents = make(map[uuid.UUID]AgentConn)
			r.webClients = make(map[string]WebConn)
			r.mu.Unlock()
			return
		}
	}
}

// RegisterAgent registers (or supersedes the existing registration for) an
// agent connection.
func (r *Registry) RegisterAgent(c AgentConn) {
	r.agentEvents <- agentEvent{register: c}
}

// UnregisterAgent removes an agent connection from the registry, but only if
// it is still the currently registered connection for its machine ID.
func (r *Registry) UnregisterAgent(c AgentConn) {
	r.agentEvents <- agentEvent{unregister: c}
}

// RegisterWebClient registers a web-client connection.
func (r *Registry) RegisterWebClient(c WebConn) {
	r.webEvents <- webEvent{register: c}
}

// UnregisterWebClient removes a web-client connection from the registry.
func (r *Registry) UnregisterWebClient(c WebConn) {
	r.webEvents <- webEvent{unregister: c}
}

// LookupAgent returns the agent connection for a machine, if connected.
func (r *Registry) LookupAgent(machineID uuid.UUID) (AgentConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.agents[machineID]
	return c, ok
}

// IsAgentConnected reports whether a machine currently has an open agent
// socket. Used by C8's dry-run target partitioning.
func (r *Registry) IsAgentConnected(machineID uuid.UUID) bool {
	_, ok := r.LookupAgent(machineID)
	return ok
}

// DispatchToAgent delivers a frame to machineID's agent connection if one is
// currently registered, used by C7/C8 to reach an agent through C4 without
// either package importing agentconn directly.
func (r *Registry) DispatchToAgent(machineID uuid.UUID, msgType string, data any) error {
	conn, ok := r.LookupAgent(machineID)
	if !ok {
		return apperr.New(apperr.KindNotFound, "agent is not connected")
	}
	return conn.Dispatch(msgType, data)
}

// LookupWebClient returns the web-client connection for a clientID, if
// currently connected.
func (r *Registry) LookupWebClient(clientID string) (WebConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.webClients[clientID]
	return c, ok
}

// SendToWebClient delivers a targeted frame to a single browser session,
// used to reply to an inbound spawn_terminal/trigger_scan request rather
// than broadcasting the reply to every connected browser.
func (r *Registry) SendToWebClient(clientID string, msgType string, data any) {
	if c, ok := r.LookupWebClient(clientID); ok {
		c.Send(msgType, data)
	}
}

// ConnectedAgentCount returns the number of currently connected agents, for
// the /metrics endpoint.
func (r *Registry) ConnectedAgentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// ConnectedWebClientCount returns the number of currently connected browser
// sessions, for the /metrics endpoint.
func (r *Registry) ConnectedWebClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.webClients)
}

// BroadcastWeb sends fn to every connected web client. fn is invoked once
// per client outside the registry lock so a slow client cannot stall the
// broadcast of others; callers typically close over a pre-serialized
// message and call conn.Send(msg).
func (r *Registry) BroadcastWeb(fn func(WebConn)) {
	r.mu.RLock()
	clients := make([]WebConn, 0, len(r.webClients))
	for _, c := range r.webClients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	for _, c := range clients {
		fn(c)
	}
}
