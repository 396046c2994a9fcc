package bridge

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/mattjoyce/pomodoro-bridge/internal/fault"
)

// Command is a named request for the backend. Token is assigned by the
// dispatcher at submission; the Command is not changed after that.
type Command struct {
	Token uint64
	Name  string
	Args  []any
}

// Response is the outcome for one token: Value on success, Err on failure.
type Response struct {
	Token   uint64
	Command string
	Value   json.RawMessage
	Err     *fault.Error
}

// OK reports whether the command succeeded.
func (r Response) OK() bool { return r.Err == nil }

// Decode unmarshals the success value into v.
func (r Response) Decode(v any) error {
	if r.Err != nil {
		return r.Err
	}
	if len(r.Value) == 0 {
		return errors.New("empty response value")
	}
	return json.Unmarshal(r.Value, v)
}

// Observer is notified of every submission and resolution. Calls happen on
// dispatcher goroutines, including the transport read loop, and must not
// block.
type Observer interface {
	CommandSubmitted(cmd Command)
	CommandResolved(cmd Command, resp Response, elapsed time.Duration)
}

// Channel carries encoded frames to the backend. transport.Stream satisfies it.
type Channel interface {
	Send(frame []byte) error
}
