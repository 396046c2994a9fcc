package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mattjoyce/pomodoro-bridge/internal/log"
)

// Backoff computes exponentially growing delays: Initial, 2*Initial, ...
// capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before the given attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Dial connects to a socket-based backend ("unix" or "tcp"), retrying with
// backoff until it succeeds or ctx ends. The backend may still be binding
// its listener when the first attempt is made.
func Dial(ctx context.Context, network, address string, backoff Backoff) (net.Conn, error) {
	if network != "unix" && network != "tcp" {
		return nil, fmt.Errorf("unsupported network %q", network)
	}
	logger := log.WithComponent("transport").With("network", network, "address", address)

	var d net.Dialer
	for attempt := 1; ; attempt++ {
		conn, err := d.DialContext(ctx, network, address)
		if err == nil {
			logger.Info("connected to backend", "attempt", attempt)
			return conn, nil
		}

		wait := backoff.Delay(attempt)
		logger.Debug("dial failed, retrying", "attempt", attempt, "wait", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial %s %s: %w (last error: %v)", network, address, ctx.Err(), err)
		case <-timer.C:
		}
	}
}
