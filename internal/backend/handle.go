// Package backend launches and supervises the backend process.
//
// A Handle owns one backend process at a time and is the only writer of its
// lifecycle State. The state moves NotStarted -> Starting on launch, to Ready
// after the first successful health check, between Ready and Degraded as
// health checks fail and recover, and to Terminated on Stop or when the
// process exits on its own. A Terminated handle may be started again.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"os"
	"os/exec"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/anmitsu/go-shlex"

	"github.com/mattjoyce/pomodoro-bridge/internal/config"
	"github.com/mattjoyce/pomodoro-bridge/internal/fault"
	"github.com/mattjoyce/pomodoro-bridge/internal/log"
	"github.com/mattjoyce/pomodoro-bridge/internal/transport"
)

// AddrEnvVar carries the socket address to backends on unix/tcp transports.
const AddrEnvVar = "POMODORO_BRIDGE_ADDR"

// StateChangeFunc observes a lifecycle transition.
type StateChangeFunc func(from, to State, reason string)

// ProbeFunc performs one health probe round-trip against the backend.
type ProbeFunc func(ctx context.Context) error

// Handle launches, probes and stops the backend process.
type Handle struct {
	cfg       config.BackendConfig
	transport config.TransportConfig
	logger    *slog.Logger

	// opMu serializes Start and Stop.
	opMu sync.Mutex

	mu        sync.Mutex
	state     State
	listeners []StateChangeFunc
	probe     ProbeFunc

	cmd      *exec.Cmd
	conn     io.ReadWriteCloser
	exited   chan struct{}
	exitErr  error
	stopping bool

	stderr *tailBuffer
}

// New creates a handle in NotStarted. Nothing is launched until Start.
func New(cfg config.BackendConfig, tcfg config.TransportConfig) *Handle {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Handle{
		cfg:       cfg,
		transport: tcfg,
		logger:    log.WithComponent("backend"),
		state:     NotStarted,
		stderr:    &tailBuffer{max: maxStderrBytes},
	}
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// OnStateChange registers fn for every transition. fn runs synchronously on
// the goroutine that caused the transition and must not block.
func (h *Handle) OnStateChange(fn StateChangeFunc) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// SetProbe installs the round-trip used by HealthCheck.
func (h *Handle) SetProbe(fn ProbeFunc) {
	h.mu.Lock()
	h.probe = fn
	h.mu.Unlock()
}

// Stderr returns the retained tail of the process's stderr.
func (h *Handle) Stderr() string { return h.stderr.String() }

// PID returns the process id, or 0 when nothing is running.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Exited is closed when the current process exits. It is nil before the
// first Start.
func (h *Handle) Exited() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

// Start launches the backend and returns the channel to it. On failure the
// state is restored to what it was (NotStarted or Terminated) and the error
// is a BackendLaunchFailed fault.
func (h *Handle) Start(ctx context.Context) (io.ReadWriteCloser, error) {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	prev := h.State()
	if prev != NotStarted && prev != Terminated {
		return nil, fault.New(fault.KindBackendLaunchFailed, "backend already %s", prev)
	}

	argv, err := h.argv()
	if err != nil {
		return nil, fault.Wrap(fault.KindBackendLaunchFailed, err, "parse backend command")
	}
	if !h.transition(Starting, "start requested") {
		return nil, fault.New(fault.KindBackendLaunchFailed, "backend state changed during start")
	}

	conn, err := h.launch(ctx, argv)
	if err != nil {
		h.forceState(prev, "launch failed")
		h.logger.Error("backend launch failed", "command", argv[0], "error", err)
		return nil, fault.Wrap(fault.KindBackendLaunchFailed, err, "launch %s", argv[0])
	}
	return conn, nil
}

func (h *Handle) argv() ([]string, error) {
	argv, err := shlex.Split(h.cfg.Command, true)
	if err != nil {
		return nil, err
	}
	argv = append(argv, h.cfg.Args...)
	if len(argv) == 0 {
		return nil, errors.New("backend command is empty")
	}
	return argv, nil
}

func (h *Handle) environ() []string {
	env := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(h.cfg.Env)) {
		env = append(env, k+"="+h.cfg.Env[k])
	}
	if h.socketTransport() {
		env = append(env, AddrEnvVar+"="+h.transport.Address)
	}
	return env
}

func (h *Handle) socketTransport() bool {
	return h.transport.Kind == config.TransportUnix || h.transport.Kind == config.TransportTCP
}

func (h *Handle) launch(ctx context.Context, argv []string) (io.ReadWriteCloser, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = h.cfg.Dir
	cmd.Env = h.environ()

	// os.Pipe rather than StdoutPipe: Wait must not close the read side while
	// the transport is still draining the last responses.
	var parentEnds, childEnds []*os.File
	closeAll := func() {
		for _, f := range append(parentEnds, childEnds...) {
			_ = f.Close()
		}
	}

	errR, errW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	parentEnds, childEnds = append(parentEnds, errR), append(childEnds, errW)
	cmd.Stderr = errW

	var conn *pipeConn
	if !h.socketTransport() {
		inR, inW, err := os.Pipe()
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		parentEnds, childEnds = append(parentEnds, inW), append(childEnds, inR)

		outR, outW, err := os.Pipe()
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		parentEnds, childEnds = append(parentEnds, outR), append(childEnds, outW)

		cmd.Stdin = inR
		cmd.Stdout = outW
		conn = &pipeConn{r: outR, w: inW}
	}

	h.stderr.Reset()
	h.logger.Info("launching backend", "command", argv[0], "args", argv[1:], "dir", cmd.Dir, "transport", h.transport.Kind)
	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, err
	}

	// The child holds its own copies now.
	for _, f := range childEnds {
		_ = f.Close()
	}

	exited := make(chan struct{})
	stderrDone := make(chan struct{})
	go drainStderr(errR, h.stderr, h.logger, stderrDone)

	h.mu.Lock()
	h.cmd = cmd
	h.exited = exited
	h.exitErr = nil
	h.stopping = false
	h.mu.Unlock()

	go h.wait(cmd, exited, stderrDone)

	h.logger.Info("backend process started", "pid", cmd.Process.Pid)

	var rwc io.ReadWriteCloser = conn
	if h.socketTransport() {
		c, err := h.dial(ctx, exited)
		if err != nil {
			h.mu.Lock()
			h.stopping = true
			h.mu.Unlock()
			h.kill(cmd, exited)
			return nil, err
		}
		rwc = c
	}

	h.mu.Lock()
	h.conn = rwc
	h.mu.Unlock()
	return rwc, nil
}

// dial connects to a socket backend, giving up if the process exits first.
func (h *Handle) dial(ctx context.Context, exited <-chan struct{}) (net.Conn, error) {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-exited:
			cancel()
		case <-dialCtx.Done():
		}
	}()

	conn, err := transport.Dial(dialCtx, h.transport.Kind, h.transport.Address,
		transport.Backoff{Initial: 50 * time.Millisecond, Max: time.Second})
	if err != nil {
		select {
		case <-exited:
			return nil, fmt.Errorf("backend exited before accepting connections: %w", err)
		default:
			return nil, err
		}
	}
	return conn, nil
}

func (h *Handle) wait(cmd *exec.Cmd, exited chan struct{}, stderrDone <-chan struct{}) {
	err := cmd.Wait()

	select {
	case <-stderrDone:
	case <-time.After(time.Second):
		// A grandchild may still hold stderr open.
	}

	h.mu.Lock()
	h.exitErr = err
	stopping := h.stopping
	h.mu.Unlock()
	close(exited)

	if stopping {
		return
	}
	reason := "process exited"
	if err != nil {
		reason = fmt.Sprintf("process exited: %v", err)
	}
	h.logger.Warn("backend exited unexpectedly", "error", err, "stderr_tail", lastLine(h.stderr.String()))
	h.transition(Terminated, reason)
}

// Stop closes the write side of the channel, sends SIGTERM, and escalates to
// SIGKILL after the stop timeout or when ctx ends. Stopping a handle that is
// not running is a no-op.
func (h *Handle) Stop(ctx context.Context) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	h.mu.Lock()
	cmd, exited, conn := h.cmd, h.exited, h.conn
	running := h.state.Running()
	if running {
		h.stopping = true
	}
	h.mu.Unlock()

	if !running || cmd == nil {
		return nil
	}
	logger := h.logger.With("pid", cmd.Process.Pid)

	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			logger.Debug("close write side", "error", err)
		}
	}

	logger.Info("stopping backend, sending SIGTERM")
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Warn("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(h.cfg.StopTimeout)
	defer grace.Stop()

	var stopErr error
	select {
	case <-exited:
		logger.Info("backend exited after SIGTERM")
	case <-grace.C:
		logger.Warn("backend did not exit after SIGTERM, sending SIGKILL")
		h.kill(cmd, exited)
	case <-ctx.Done():
		logger.Warn("stop interrupted, sending SIGKILL", "error", ctx.Err())
		h.kill(cmd, exited)
		stopErr = ctx.Err()
	}

	h.transition(Terminated, "stopped")
	return stopErr
}

func (h *Handle) kill(cmd *exec.Cmd, exited <-chan struct{}) {
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		h.logger.Error("failed to send SIGKILL", "error", err)
	}
	<-exited
}

// HealthCheck runs one probe. Success moves Starting or Degraded to Ready;
// failure moves Ready to Degraded. A handle with no process is never healthy.
func (h *Handle) HealthCheck(ctx context.Context) bool {
	h.mu.Lock()
	state, probe := h.state, h.probe
	h.mu.Unlock()

	if !state.Running() || probe == nil {
		return false
	}

	if err := probe(ctx); err != nil {
		h.logger.Debug("health probe failed", "state", state, "error", err)
		if state == Ready {
			h.transition(Degraded, fmt.Sprintf("health check failed: %v", err))
		}
		return false
	}

	if state == Starting || state == Degraded {
		h.transition(Ready, "health check passed")
	}
	return true
}

// Degrade marks a Ready backend as Degraded, e.g. after a protocol error.
func (h *Handle) Degrade(reason string) {
	if h.State() == Ready {
		h.transition(Degraded, reason)
	}
}

// Wait blocks until the current process exits and returns its exit error.
func (h *Handle) Wait(ctx context.Context) error {
	exited := h.Exited()
	if exited == nil {
		return nil
	}
	select {
	case <-exited:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transition applies a legal state change and notifies listeners. It reports
// false when the edge is not allowed from the current state.
func (h *Handle) transition(to State, reason string) bool {
	h.mu.Lock()
	from := h.state
	if !canTransition(from, to) {
		h.mu.Unlock()
		return false
	}
	h.state = to
	listeners := slices.Clone(h.listeners)
	h.mu.Unlock()

	h.logger.Info("backend state changed", "from", from, "to", to, "reason", reason)
	for _, fn := range listeners {
		fn(from, to, reason)
	}
	return true
}

// forceState restores the pre-launch state after a failed start.
func (h *Handle) forceState(to State, reason string) {
	h.mu.Lock()
	from := h.state
	if from == to {
		h.mu.Unlock()
		return
	}
	h.state = to
	h.cmd = nil
	h.conn = nil
	listeners := slices.Clone(h.listeners)
	h.mu.Unlock()

	h.logger.Info("backend state restored", "from", from, "to", to, "reason", reason)
	for _, fn := range listeners {
		fn(from, to, reason)
	}
}

func lastLine(s string) string {
	for len(s) > 0 && s[len(s)-1] == '\n' {
		s = s[:len(s)-1]
	}
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return s[i+1:]
		}
	}
	return s
}
