package shell

import (
	"context"
	"strings"
	"time"

	"github.com/mattjoyce/pomodoro-bridge/internal/backend"
	"github.com/mattjoyce/pomodoro-bridge/internal/bridge"
	"github.com/mattjoyce/pomodoro-bridge/internal/events"
	"github.com/mattjoyce/pomodoro-bridge/internal/health"
)

// hubObserver mirrors dispatcher activity onto the event hub.
type hubObserver struct {
	hub *events.Hub
}

func (o hubObserver) CommandSubmitted(cmd bridge.Command) {
	o.hub.Publish(events.TypeCommandSubmitted, events.Command{Token: cmd.Token, Command: cmd.Name})
}

func (o hubObserver) CommandResolved(cmd bridge.Command, resp bridge.Response, elapsed time.Duration) {
	payload := events.Command{
		Token:      cmd.Token,
		Command:    cmd.Name,
		Status:     "ok",
		DurationMS: elapsed.Milliseconds(),
	}
	if resp.Err != nil {
		payload.Status = "error"
		payload.ErrorKind = string(resp.Err.Kind)
		payload.Error = resp.Err.Message
	}
	o.hub.Publish(events.TypeCommandResolved, payload)
}

// handleChecker lets the health monitor probe a backend handle.
type handleChecker struct {
	h *backend.Handle
}

var _ health.Checker = handleChecker{}

func (c handleChecker) HealthCheck(ctx context.Context) bool { return c.h.HealthCheck(ctx) }
func (c handleChecker) StateName() string                    { return c.h.State().String() }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// lastLines returns at most n trailing lines of s.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
