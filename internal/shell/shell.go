// Package shell is the host-side composition root. A Shell owns exactly one
// command dispatcher and one backend handle, wires the transport between
// them, and tears both down in order.
//
// The interface layer only ever calls Submit (or Post); everything else is
// lifecycle.
package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/pomodoro-bridge/internal/backend"
	"github.com/mattjoyce/pomodoro-bridge/internal/bridge"
	"github.com/mattjoyce/pomodoro-bridge/internal/config"
	"github.com/mattjoyce/pomodoro-bridge/internal/events"
	"github.com/mattjoyce/pomodoro-bridge/internal/fault"
	"github.com/mattjoyce/pomodoro-bridge/internal/health"
	"github.com/mattjoyce/pomodoro-bridge/internal/journal"
	"github.com/mattjoyce/pomodoro-bridge/internal/log"
	"github.com/mattjoyce/pomodoro-bridge/internal/protocol"
	"github.com/mattjoyce/pomodoro-bridge/internal/transport"
)

// startupProbeInterval spaces readiness probes while Start waits.
const startupProbeInterval = 200 * time.Millisecond

// Poster delivers a message onto an event loop. *tea.Program satisfies it.
type Poster interface {
	Send(msg tea.Msg)
}

// Option configures a Shell.
type Option func(*Shell)

// WithHub publishes lifecycle events to hub instead of a private one. The
// caller keeps ownership of hub.
func WithHub(hub *events.Hub) Option {
	return func(s *Shell) {
		s.hub = hub
		s.ownsHub = false
	}
}

// WithJournal records every command outcome and state change in store.
func WithJournal(store *journal.Store) Option {
	return func(s *Shell) { s.store = store }
}

// WithObserver adds an observer of dispatcher activity.
func WithObserver(o bridge.Observer) Option {
	return func(s *Shell) { s.observers = append(s.observers, o) }
}

// Status is a point-in-time view of the shell.
type Status struct {
	SessionID string        `json:"session_id"`
	State     string        `json:"state"`
	PID       int           `json:"pid,omitempty"`
	Pending   int           `json:"pending"`
	Restarts  int           `json:"restarts"`
	Uptime    time.Duration `json:"-"`
	UptimeS   int64         `json:"uptime_seconds"`
	Stats     bridge.Stats  `json:"-"`
}

// Shell binds the dispatcher, the backend handle and the health monitor.
type Shell struct {
	cfg       *config.Config
	sessionID string
	logger    *slog.Logger
	framer    protocol.Framer

	handle     *backend.Handle
	dispatcher *bridge.Dispatcher
	monitor    *health.Monitor
	hub        *events.Hub
	ownsHub    bool
	store      *journal.Store
	recorder   *journal.Recorder
	observers  []bridge.Observer

	startedAt time.Time

	mu        sync.Mutex
	stream    *transport.Stream
	group     *errgroup.Group
	runCtx    context.Context
	cancelRun context.CancelFunc
	started   bool
	closing   bool
	restarts  int
}

// New assembles a shell from cfg. Nothing is launched until Start.
func New(cfg *config.Config, opts ...Option) (*Shell, error) {
	framer, err := protocol.FramerByName(cfg.Transport.Framing)
	if err != nil {
		return nil, err
	}

	s := &Shell{
		cfg:       cfg,
		sessionID: uuid.NewString(),
		framer:    framer,
		hub:       events.NewHub(256),
		ownsHub:   true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.WithSession(s.sessionID).With("component", "shell")

	s.handle = backend.New(cfg.Backend, cfg.Transport)

	dispatchOpts := []bridge.Option{
		bridge.WithGate(func() bool { return s.handle.State() == backend.Ready }),
		bridge.WithDegradeHook(s.degrade),
		bridge.WithCancelCommand(cfg.Transport.CancelCommand),
		bridge.WithObserver(hubObserver{hub: s.hub}),
	}
	if s.store != nil {
		s.recorder = journal.NewRecorder(s.store, s.sessionID, journal.DefaultBuffer)
		dispatchOpts = append(dispatchOpts, bridge.WithObserver(s.recorder))
	}
	for _, o := range s.observers {
		dispatchOpts = append(dispatchOpts, bridge.WithObserver(o))
	}
	s.dispatcher = bridge.New(cfg.Dispatch, dispatchOpts...)

	healthCommand := cfg.Backend.Health.Command
	s.handle.SetProbe(func(ctx context.Context) error {
		_, err := s.dispatcher.Probe(ctx, healthCommand)
		return err
	})
	s.handle.OnStateChange(s.stateChanged)
	s.monitor = health.New(handleChecker{s.handle}, cfg.Backend.Health, s.hub)

	return s, nil
}

// SessionID identifies this host run in logs, events and the journal.
func (s *Shell) SessionID() string { return s.sessionID }

// Hub returns the lifecycle event hub.
func (s *Shell) Hub() *events.Hub { return s.hub }

// State returns the backend lifecycle state.
func (s *Shell) State() backend.State { return s.handle.State() }

// Stderr returns the retained tail of the backend's stderr.
func (s *Shell) Stderr() string { return s.handle.Stderr() }

// Status reports the shell's current state.
func (s *Shell) Status() Status {
	s.mu.Lock()
	restarts, startedAt := s.restarts, s.startedAt
	s.mu.Unlock()

	st := Status{
		SessionID: s.sessionID,
		State:     s.handle.State().String(),
		PID:       s.handle.PID(),
		Pending:   s.dispatcher.Pending(),
		Restarts:  restarts,
		Stats:     s.dispatcher.Stats(),
	}
	if !startedAt.IsZero() {
		st.Uptime = time.Since(startedAt)
		st.UptimeS = int64(st.Uptime.Seconds())
	}
	return st
}

// Start launches the backend, attaches the transport and waits up to the
// startup timeout for the first successful health probe. A backend that never
// becomes healthy is left Starting: submissions fail fast until the monitor
// sees it recover. Only a launch failure is returned as an error.
func (s *Shell) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("shell already started")
	}
	s.started = true
	s.startedAt = time.Now()
	runCtx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(runCtx)
	s.runCtx, s.cancelRun, s.group = gctx, cancel, group
	s.mu.Unlock()

	s.logger.Info("starting bridge", "command", s.cfg.Backend.Command, "transport", s.cfg.Transport.Kind, "framing", s.framer.Name())

	if s.store != nil {
		if n, err := s.store.Prune(ctx, s.cfg.State.Retention); err != nil {
			s.logger.Warn("journal prune failed", "error", err)
		} else if n > 0 {
			s.logger.Info("journal pruned", "rows", n, "retention", s.cfg.State.Retention)
		}
	}

	if err := s.connect(ctx); err != nil {
		return err
	}

	if s.awaitReady(ctx) {
		s.logger.Info("backend ready", "pid", s.handle.PID())
	} else {
		s.logger.Warn("backend not healthy within startup timeout, continuing in starting state",
			"startup_timeout", s.cfg.Backend.StartupTimeout, "state", s.handle.State())
	}

	group.Go(func() error { return s.monitor.Run(gctx) })
	return nil
}

// connect launches the backend and attaches a fresh stream to the dispatcher.
func (s *Shell) connect(ctx context.Context) error {
	conn, err := s.handle.Start(ctx)
	if err != nil {
		return err
	}

	stream := transport.NewStream(conn, s.framer, s.cfg.Transport.MaxFrameBytes)
	stream.OnMessage(s.dispatcher.HandleMessage)
	stream.OnProtocolError(func(err error) {
		s.hub.Publish(events.TypeProtocolError, events.Failure{Error: err.Error()})
		s.dispatcher.HandleProtocolError(err)
	})
	stream.OnDisconnect(func(err error) { s.disconnected(stream, err) })

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Backend.StopTimeout+time.Second)
		defer cancel()
		_ = s.handle.Stop(stopCtx)
		return fault.New(fault.KindBackendUnavailable, "bridge is shutting down")
	}
	s.stream = stream
	s.mu.Unlock()

	s.dispatcher.Attach(stream)
	stream.Start()
	return nil
}

func (s *Shell) awaitReady(ctx context.Context) bool {
	timeout := s.cfg.Backend.StartupTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	retry := time.NewTicker(startupProbeInterval)
	defer retry.Stop()

	for {
		if s.monitor.Check(ctx) {
			return true
		}
		if !s.handle.State().Running() {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-retry.C:
		}
	}
}

func (s *Shell) disconnected(stream *transport.Stream, err error) {
	s.dispatcher.HandleDisconnect(err)
	s.hub.Publish(events.TypeTransportDisconnected, events.Failure{Error: errString(err)})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || s.stream != stream {
		return
	}
	s.logger.Warn("backend channel lost", "error", err)
	s.group.Go(func() error {
		s.supervise()
		return nil
	})
}

// supervise restarts the backend after an unexpected disconnect, as far as
// the reconnect policy allows.
func (s *Shell) supervise() {
	policy := s.cfg.Transport.Reconnect
	stopCtx, cancel := context.WithTimeout(s.runCtx, s.cfg.Backend.StopTimeout+time.Second)
	if err := s.handle.Stop(stopCtx); err != nil {
		s.logger.Warn("stopping lost backend", "error", err)
	}
	cancel()

	if policy.MaxAttempts <= 0 {
		s.logger.Error("backend lost and restarts are disabled", "stderr_tail", lastLines(s.handle.Stderr(), 5))
		return
	}

	backoff := transport.Backoff{Initial: policy.Backoff, Max: policy.MaxBackoff}
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		wait := backoff.Delay(attempt)
		s.logger.Info("restarting backend", "attempt", attempt, "max_attempts", policy.MaxAttempts, "wait", wait)

		timer := time.NewTimer(wait)
		select {
		case <-s.runCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if s.isClosing() {
			return
		}

		startCtx, cancel := context.WithTimeout(s.runCtx, s.cfg.Backend.StartupTimeout)
		err := s.connect(startCtx)
		if err == nil {
			ready := s.awaitReady(startCtx)
			cancel()
			s.mu.Lock()
			s.restarts++
			s.mu.Unlock()
			s.logger.Info("backend restarted", "attempt", attempt, "ready", ready, "pid", s.handle.PID())
			return
		}
		cancel()
		s.logger.Warn("backend restart failed", "attempt", attempt, "error", err)
	}
	s.logger.Error("backend restart attempts exhausted", "max_attempts", policy.MaxAttempts)
}

// Submit forwards a command to the backend. It never blocks.
func (s *Shell) Submit(name string, args ...any) *bridge.Future {
	return s.dispatcher.Submit(name, args...)
}

// Post submits name and, once it resolves, sends wrap(response) to loop.
func (s *Shell) Post(loop Poster, name string, args []any, wrap func(bridge.Response) tea.Msg) *bridge.Future {
	f := s.dispatcher.Submit(name, args...)
	f.OnDone(func(resp bridge.Response) { loop.Send(wrap(resp)) })
	return f
}

// Cancel cancels a pending command by token.
func (s *Shell) Cancel(token uint64) bool { return s.dispatcher.Cancel(token) }

// Shutdown cancels every pending command, then stops the backend, bounded by
// the service grace period. Calling it more than once is a no-op.
func (s *Shell) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	stream, cancelRun, group := s.stream, s.cancelRun, s.group
	s.mu.Unlock()

	grace := s.cfg.Service.GracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	s.logger.Info("shutting down", "pending", s.dispatcher.Pending())

	var errs []error
	if err := s.dispatcher.Shutdown(sctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}
	// Stop the supervisor before the backend so no restart outlives it.
	if cancelRun != nil {
		cancelRun()
	}
	if err := s.handle.Stop(sctx); err != nil {
		errs = append(errs, fmt.Errorf("backend: %w", err))
	}
	if stream != nil {
		_ = stream.Close()
	}
	if group != nil {
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	if s.recorder != nil {
		if err := s.recorder.Close(sctx); err != nil {
			errs = append(errs, fmt.Errorf("journal: %w", err))
		}
	}
	if s.ownsHub {
		s.hub.Close()
	}

	s.logger.Info("bridge stopped")
	return errors.Join(errs...)
}

func (s *Shell) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Shell) degrade(reason string) {
	s.handle.Degrade("protocol error: " + reason)
}

func (s *Shell) stateChanged(from, to backend.State, reason string) {
	s.hub.Publish(events.TypeBackendState, events.BackendState{
		SessionID: s.sessionID,
		From:      from.String(),
		To:        to.String(),
		Reason:    reason,
		PID:       s.handle.PID(),
	})
	if s.recorder != nil {
		s.recorder.StateChanged(from.String(), to.String(), reason)
	}
}
