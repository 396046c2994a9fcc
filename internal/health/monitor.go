// Package health probes the backend on a fixed interval so its handle can
// move between Ready and Degraded.
package health

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/mattjoyce/pomodoro-bridge/internal/config"
	"github.com/mattjoyce/pomodoro-bridge/internal/events"
	"github.com/mattjoyce/pomodoro-bridge/internal/log"
)

//go:generate mockgen -destination=mocks/mock_checker.go -package=mocks github.com/mattjoyce/pomodoro-bridge/internal/health Checker

// Checker runs one health probe and reports the backend's state name.
// backend.Handle satisfies it through a thin adapter in the shell.
type Checker interface {
	HealthCheck(ctx context.Context) bool
	StateName() string
}

// Monitor calls a Checker every interval (plus jitter) until stopped.
type Monitor struct {
	checker Checker
	cfg     config.HealthConfig
	pub     events.Publisher
	logger  *slog.Logger
}

// New creates a monitor. pub may be nil.
func New(checker Checker, cfg config.HealthConfig, pub events.Publisher) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Monitor{
		checker: checker,
		cfg:     cfg,
		pub:     pub,
		logger:  log.WithComponent("health"),
	}
}

// Run probes until ctx is cancelled. It always returns ctx.Err().
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("health monitor started", "interval", m.cfg.Interval, "jitter", m.cfg.Jitter)
	defer m.logger.Info("health monitor stopped")

	timer := time.NewTimer(jitteredInterval(m.cfg.Interval, m.cfg.Jitter))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			m.Check(ctx)
			timer.Reset(jitteredInterval(m.cfg.Interval, m.cfg.Jitter))
		}
	}
}

// Check runs a single probe bounded by the configured timeout and publishes
// the outcome.
func (m *Monitor) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	start := time.Now()
	healthy := m.checker.HealthCheck(probeCtx)
	latency := time.Since(start)
	state := m.checker.StateName()

	if healthy {
		m.logger.Debug("health check passed", "state", state, "latency", latency)
	} else {
		m.logger.Warn("health check failed", "state", state, "latency", latency)
	}

	if m.pub != nil {
		m.pub.Publish(events.TypeBackendHealth, events.BackendHealth{
			Healthy:   healthy,
			State:     state,
			LatencyMS: latency.Milliseconds(),
		})
	}
	return healthy
}

// jitteredInterval adds a random duration in [0, jitter) to base.
func jitteredInterval(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(jitter.Nanoseconds()))
}
