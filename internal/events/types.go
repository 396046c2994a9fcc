package events

// Event types published by the bridge.
const (
	TypeBackendState          = "backend.state"
	TypeBackendHealth         = "backend.health"
	TypeCommandSubmitted      = "command.submitted"
	TypeCommandResolved       = "command.resolved"
	TypeTransportDisconnected = "transport.disconnected"
	TypeProtocolError         = "protocol.error"
)

// BackendState is the payload of backend.state.
type BackendState struct {
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
	PID       int    `json:"pid,omitempty"`
}

// BackendHealth is the payload of backend.health.
type BackendHealth struct {
	Healthy   bool   `json:"healthy"`
	State     string `json:"state"`
	LatencyMS int64  `json:"latency_ms"`
}

// Command is the payload of command.submitted and command.resolved.
type Command struct {
	Token      uint64 `json:"token"`
	Command    string `json:"command"`
	Status     string `json:"status,omitempty"` // ok | error
	ErrorKind  string `json:"error_kind,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// Failure is the payload of transport.disconnected and protocol.error.
type Failure struct {
	Error string `json:"error"`
}
