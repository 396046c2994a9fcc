// Package bridge correlates commands sent to the backend with the responses
// that come back.
//
// Every submission gets a fresh token and a Future. The dispatcher keeps one
// pending entry per outstanding token; whichever of response, timeout,
// cancellation, disconnect, protocol failure or shutdown removes that entry
// first is the one that resolves the Future. Nothing else can.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/pomodoro-bridge/internal/config"
	"github.com/mattjoyce/pomodoro-bridge/internal/fault"
	"github.com/mattjoyce/pomodoro-bridge/internal/log"
	"github.com/mattjoyce/pomodoro-bridge/internal/protocol"
)

// outboundQueueSize bounds frames waiting for the writer goroutine.
const outboundQueueSize = 256

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithGate installs the readiness check consulted on every Submit. Without a
// gate the dispatcher only requires an attached channel.
func WithGate(ready func() bool) Option {
	return func(d *Dispatcher) { d.gate = ready }
}

// WithDegradeHook installs the callback invoked after an undecodable frame.
func WithDegradeHook(fn func(reason string)) Option {
	return func(d *Dispatcher) { d.degrade = fn }
}

// WithObserver adds an observer of submissions and resolutions.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observers = append(d.observers, o) }
}

// WithCancelCommand sets the out-of-band command sent when a request is
// cancelled. Empty disables cancel frames.
func WithCancelCommand(name string) Option {
	return func(d *Dispatcher) { d.cancelCommand = name }
}

type pending struct {
	cmd       Command
	future    *Future
	timer     *time.Timer
	submitted time.Time
}

type outbound struct {
	token uint64
	frame []byte
}

// link is one attached channel and the writer goroutine feeding it.
type link struct {
	ch  Channel
	out chan outbound
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Submitted uint64
	Succeeded uint64
	Failed    map[fault.Kind]uint64
	Pending   int
}

// Dispatcher owns the pending-request table.
type Dispatcher struct {
	cfg           config.DispatchConfig
	cancelCommand string
	gate          func() bool
	degrade       func(string)
	observers     []Observer
	logger        *slog.Logger

	nextToken atomic.Uint64

	mu       sync.Mutex
	pending  map[uint64]*pending
	link     *link
	shutdown bool

	statsMu   sync.Mutex
	submitted uint64
	succeeded uint64
	failed    map[fault.Kind]uint64
}

// New creates a dispatcher with no channel attached. Until Attach is called
// every submission resolves with BackendUnavailable.
func New(cfg config.DispatchConfig, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:     cfg,
		logger:  log.WithComponent("bridge"),
		pending: make(map[uint64]*pending),
		failed:  make(map[fault.Kind]uint64),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Attach connects the dispatcher to a channel, replacing any previous one.
func (d *Dispatcher) Attach(ch Channel) {
	l := &link{ch: ch, out: make(chan outbound, outboundQueueSize)}

	d.mu.Lock()
	old := d.link
	d.link = l
	d.mu.Unlock()

	if old != nil {
		close(old.out)
	}
	go d.writeLoop(l)
	d.logger.Debug("channel attached")
}

// Detach drops the current channel without failing pending requests.
func (d *Dispatcher) Detach() {
	d.mu.Lock()
	old := d.link
	d.link = nil
	d.mu.Unlock()
	if old != nil {
		close(old.out)
	}
}

func (d *Dispatcher) writeLoop(l *link) {
	for ob := range l.out {
		if err := l.ch.Send(ob.frame); err != nil {
			kind := fault.KindTransportDisconnected
			if errors.Is(err, protocol.ErrInvalidFrame) {
				kind = fault.KindProtocolError
			}
			d.resolve(ob.token, func(p *pending) Response {
				return failure(p.cmd, fault.Wrap(kind, err, "send %s", p.cmd.Name))
			})
		}
	}
}

// Submit sends name with args and returns its Future without blocking.
func (d *Dispatcher) Submit(name string, args ...any) *Future {
	return d.SubmitCommand(Command{Name: name, Args: args})
}

// SubmitCommand is Submit for a prepared Command. Any Token on cmd is
// replaced.
func (d *Dispatcher) SubmitCommand(cmd Command) *Future {
	return d.submit(cmd, false)
}

// Probe submits a health probe and waits for it. Unlike Submit it ignores the
// readiness gate, since probes are what make the backend ready.
func (d *Dispatcher) Probe(ctx context.Context, name string) (Response, error) {
	f := d.submit(Command{Name: name}, true)
	resp, err := f.Wait(ctx)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		f.Cancel()
	}
	return resp, err
}

func (d *Dispatcher) submit(cmd Command, bypassGate bool) *Future {
	cmd.Token = d.nextToken.Add(1)
	if cmd.Args == nil {
		cmd.Args = []any{}
	}
	f := newFuture(cmd.Token, cmd.Name, d.Cancel)
	logger := log.WithCommand(cmd.Token, cmd.Name)

	d.statsMu.Lock()
	d.submitted++
	d.statsMu.Unlock()
	for _, o := range d.observers {
		o.CommandSubmitted(cmd)
	}

	if cmd.Name == "" {
		d.reject(cmd, f, fault.New(fault.KindProtocolError, "command name is empty"))
		return f
	}

	if !bypassGate && d.gate != nil && !d.gate() {
		d.reject(cmd, f, fault.New(fault.KindBackendUnavailable, "backend is not ready"))
		return f
	}

	frame, err := protocol.EncodeRequest(&protocol.Request{
		Protocol: protocol.Version,
		ID:       cmd.Token,
		Command:  cmd.Name,
		Args:     cmd.Args,
	})
	if err != nil {
		d.reject(cmd, f, fault.Wrap(fault.KindProtocolError, err, "encode %s", cmd.Name))
		return f
	}

	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		d.reject(cmd, f, fault.New(fault.KindCancelled, "dispatcher is shut down"))
		return f
	}
	if d.link == nil {
		d.mu.Unlock()
		d.reject(cmd, f, fault.New(fault.KindBackendUnavailable, "no transport attached"))
		return f
	}

	p := &pending{cmd: cmd, future: f, submitted: time.Now()}
	d.pending[cmd.Token] = p

	select {
	case d.link.out <- outbound{token: cmd.Token, frame: frame}:
	default:
		delete(d.pending, cmd.Token)
		d.mu.Unlock()
		d.reject(cmd, f, fault.New(fault.KindBackendUnavailable, "outbound queue full"))
		return f
	}

	timeout := d.cfg.TimeoutFor(cmd.Name)
	token := cmd.Token
	p.timer = time.AfterFunc(timeout, func() { d.expire(token, timeout) })
	d.mu.Unlock()

	logger.Debug("command submitted", "timeout", timeout)
	return f
}

// HandleMessage routes one inbound frame. It runs on the transport read loop.
func (d *Dispatcher) HandleMessage(frame []byte) {
	msg, err := protocol.DecodeResponse(frame)
	if err != nil {
		d.HandleProtocolError(err)
		return
	}

	token := msg.Token()
	matched := d.resolve(token, func(p *pending) Response {
		if msg.Status == protocol.StatusError {
			fe := fault.New(fault.KindBackendError, "%s", msg.Error.Message)
			fe.Code = msg.Error.Kind
			return failure(p.cmd, fe)
		}
		value := msg.Result
		if len(value) == 0 {
			value = json.RawMessage("null")
		}
		return Response{Token: p.cmd.Token, Command: p.cmd.Name, Value: value}
	})
	if !matched {
		d.logger.Warn("dropping response for unknown token", "token", token, "status", msg.Status)
	}
}

// HandleProtocolError fails every in-flight request with ProtocolError and
// invokes the degrade hook. The channel stays attached.
func (d *Dispatcher) HandleProtocolError(err error) {
	d.logger.Error("protocol error from backend", "error", err)
	d.failAll(fault.Wrap(fault.KindProtocolError, err, "undecodable frame from backend"))
	if d.degrade != nil {
		d.degrade(err.Error())
	}
}

// HandleDisconnect detaches the channel and fails every in-flight request
// with TransportDisconnected.
func (d *Dispatcher) HandleDisconnect(err error) {
	d.Detach()
	msg := "transport disconnected"
	if err != nil {
		msg = "transport disconnected: " + err.Error()
	}
	n := d.failAll(&fault.Error{Kind: fault.KindTransportDisconnected, Message: msg, Err: err})
	d.logger.Warn("transport disconnected", "error", err, "failed_pending", n)
}

// Cancel resolves token as Cancelled and, if configured, tells the backend.
// It reports false when token was not pending.
func (d *Dispatcher) Cancel(token uint64) bool {
	cancelled := d.resolve(token, func(p *pending) Response {
		return failure(p.cmd, fault.New(fault.KindCancelled, "cancelled by caller"))
	})
	if !cancelled || d.cancelCommand == "" {
		return cancelled
	}

	notice := d.nextToken.Add(1)
	frame, err := protocol.EncodeRequest(&protocol.Request{
		Protocol: protocol.Version,
		ID:       notice,
		Command:  d.cancelCommand,
		Args:     []any{token},
	})
	if err != nil {
		d.logger.Error("encode cancel notice", "token", token, "error", err)
		return true
	}

	d.mu.Lock()
	if d.link != nil {
		select {
		case d.link.out <- outbound{token: notice, frame: frame}:
		default:
			d.logger.Warn("outbound queue full, cancel notice dropped", "token", token)
		}
	}
	d.mu.Unlock()
	return true
}

// Shutdown stops accepting commands and resolves everything pending as
// Cancelled. Later submissions resolve as Cancelled immediately.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.shutdown = true
	d.mu.Unlock()

	n := d.failAll(fault.New(fault.KindCancelled, "host is shutting down"))
	d.logger.Info("dispatcher shut down", "cancelled_pending", n)
	return ctx.Err()
}

// Pending returns the number of outstanding requests.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	pendingCount := d.Pending()

	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	failed := make(map[fault.Kind]uint64, len(d.failed))
	for k, v := range d.failed {
		failed[k] = v
	}
	return Stats{
		Submitted: d.submitted,
		Succeeded: d.succeeded,
		Failed:    failed,
		Pending:   pendingCount,
	}
}

func (d *Dispatcher) expire(token uint64, after time.Duration) {
	d.resolve(token, func(p *pending) Response {
		return failure(p.cmd, fault.New(fault.KindTimeout, "no response to %s within %s", p.cmd.Name, after))
	})
}

// resolve removes token from the table and completes its future with the
// response built from the entry. Removal under d.mu is the single point of
// ownership, so at most one caller per token gets past it.
func (d *Dispatcher) resolve(token uint64, build func(*pending) Response) bool {
	d.mu.Lock()
	p, ok := d.pending[token]
	if ok {
		delete(d.pending, token)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	d.finish(p, build(p))
	return true
}

// failAll resolves every pending request with fe and returns how many there were.
func (d *Dispatcher) failAll(fe *fault.Error) int {
	d.mu.Lock()
	taken := d.pending
	d.pending = make(map[uint64]*pending)
	d.mu.Unlock()

	for _, p := range taken {
		d.finish(p, failure(p.cmd, fe))
	}
	return len(taken)
}

func (d *Dispatcher) reject(cmd Command, f *Future, fe *fault.Error) {
	d.finish(&pending{cmd: cmd, future: f, submitted: time.Now()}, failure(cmd, fe))
}

func (d *Dispatcher) finish(p *pending, resp Response) {
	if p.timer != nil {
		p.timer.Stop()
	}
	if !p.future.complete(resp) {
		return
	}
	elapsed := time.Since(p.submitted)

	d.statsMu.Lock()
	if resp.Err == nil {
		d.succeeded++
	} else {
		d.failed[resp.Err.Kind]++
	}
	d.statsMu.Unlock()

	logger := log.WithCommand(p.cmd.Token, p.cmd.Name)
	if resp.Err != nil {
		logger.Debug("command failed", "kind", resp.Err.Kind, "error", resp.Err.Message, "elapsed", elapsed)
	} else {
		logger.Debug("command succeeded", "elapsed", elapsed)
	}

	for _, o := range d.observers {
		o.CommandResolved(p.cmd, resp, elapsed)
	}
}

func failure(cmd Command, fe *fault.Error) Response {
	return Response{Token: cmd.Token, Command: cmd.Name, Err: fe}
}
