package api

import (
	"encoding/json"

	"github.com/mattjoyce/pomodoro-bridge/internal/journal"
)

// CommandRequest is the JSON body for POST /v1/commands/{name}
type CommandRequest struct {
	Args []json.RawMessage `json:"args,omitempty"`
}

// CommandResponse is returned when a command succeeds
type CommandResponse struct {
	Token   uint64          `json:"token"`
	Command string          `json:"command"`
	Result  json.RawMessage `json:"result"`
}

// CommandError is the error member of a failed command
type CommandError struct {
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// CommandErrorResponse is returned when a command fails
type CommandErrorResponse struct {
	Token   uint64       `json:"token"`
	Command string       `json:"command"`
	Error   CommandError `json:"error"`
}

// ErrorResponse is returned on request errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	State         string `json:"state"`
	SessionID     string `json:"session_id"`
	Pending       int    `json:"pending"`
	Restarts      int    `json:"restarts"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	HealthzResponse
	PID       int               `json:"pid,omitempty"`
	Submitted uint64            `json:"submitted"`
	Succeeded uint64            `json:"succeeded"`
	Failed    map[string]uint64 `json:"failed"`
}

// JournalResponse is returned by GET /v1/journal.
type JournalResponse struct {
	Entries []journal.Entry `json:"entries"`
	Count   int             `json:"count"`
}
