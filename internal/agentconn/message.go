package agentconn

import "encoding/json"

// Frame is the envelope for every inbound message from an agent. Payload is
// left as a raw message and re-decoded into a type-specific struct once the
// dispatcher knows Type — this mirrors the canonicalization discipline used
// by the terminal envelope signer (payload bytes are never round-tripped
// through an intermediate struct before they need to be).
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Outbound is the envelope for every message the server pushes down to an
// agent (command dispatch, cancel, config push).
type Outbound struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// registerPayload is the first frame an agent must send after the socket
// upgrade completes.
type registerPayload struct {
	MachineID string `json:"machineId"`
	Hostname  string `json:"hostname"`
	IPAddress string `json:"ip"`
	OSInfo    string `json:"osInfo"`
	SecretKey string `json:"secretKey"`
}

type heartbeatPayload struct {
	UptimeSeconds int64 `json:"uptimeSeconds"`
}

type metricPayload struct {
	CPUPercent    float64 `json:"cpuPercent"`
	RAMPercent    float64 `json:"ramPercent"`
	RAMTotal      int64   `json:"ramTotal"`
	RAMUsed       int64   `json:"ramUsed"`
	DiskPercent   float64 `json:"diskPercent"`
	DiskTotal     int64   `json:"diskTotal"`
	DiskUsed      int64   `json:"diskUsed"`
	UptimeSeconds int64   `json:"uptimeSeconds"`
}

type eventPayload struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Path     string `json:"path"`
	Severity string `json:"severity"`
}

type scanPayload struct {
	Total           int             `json:"total"`
	Updates         int             `json:"updates"`
	SecurityUpdates int             `json:"securityUpdates"`
	Paths           []string        `json:"paths"`
	Packages        []packageReport `json:"packages"`
}

type packageReport struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Manager string `json:"manager"`
}

type scanProgressPayload struct {
	ScanID  string `json:"scanId"`
	Percent int    `json:"percent"`
}

type commandOutputPayload struct {
	CommandID string `json:"commandId"`
	Chunk     string `json:"chunk"`
}

type commandCompletedPayload struct {
	CommandID string `json:"commandId"`
	ExitCode  int    `json:"exitCode"`
	Error     string `json:"error"`
}

type terminalOutputPayload struct {
	SessionID string `json:"sessionId"`
	Chunk     string `json:"chunk"`
}
