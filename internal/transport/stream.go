// Package transport moves framed messages between the host and the backend.
//
// A Stream wraps one logical connection (child-process pipes or a socket) and
// runs its read loop on a dedicated goroutine. Inbound frames are handed to the
// OnMessage callback in arrival order. Loss of the connection is reported to
// OnDisconnect exactly once, never per pending request.
//
// An oversize or unframeable inbound frame leaves the stream misaligned, so it
// is reported to OnProtocolError and then the stream is closed.
package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/pomodoro-bridge/internal/log"
	"github.com/mattjoyce/pomodoro-bridge/internal/protocol"
)

// ErrClosed is returned by Send after the stream has been closed or lost.
var ErrClosed = errors.New("transport closed")

// Stream is a framed, ordered, bidirectional channel.
type Stream struct {
	rwc      io.ReadWriteCloser
	framer   protocol.Framer
	maxFrame int
	logger   *slog.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
	started atomic.Bool

	onMessage       func([]byte)
	onDisconnect    func(error)
	onProtocolError func(error)

	disconnectOnce sync.Once
	done           chan struct{}
	err            error
}

// NewStream wraps rwc. Callbacks must be registered before Start.
func NewStream(rwc io.ReadWriteCloser, framer protocol.Framer, maxFrame int) *Stream {
	if framer == nil {
		framer = protocol.LineFramer{}
	}
	return &Stream{
		rwc:      rwc,
		framer:   framer,
		maxFrame: maxFrame,
		logger:   log.WithComponent("transport").With("framing", framer.Name()),
		done:     make(chan struct{}),
	}
}

// OnMessage registers the inbound frame handler. It runs on the read goroutine.
func (s *Stream) OnMessage(fn func([]byte)) { s.onMessage = fn }

// OnDisconnect registers the handler called once when the connection is lost
// or closed. The error is ErrClosed for a local Close.
func (s *Stream) OnDisconnect(fn func(error)) { s.onDisconnect = fn }

// OnProtocolError registers the handler for unframeable inbound data.
func (s *Stream) OnProtocolError(fn func(error)) { s.onProtocolError = fn }

// Start launches the read loop. Calling Start twice is a no-op.
func (s *Stream) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.readLoop()
}

func (s *Stream) readLoop() {
	reader := s.framer.NewReader(s.rwc, s.maxFrame)
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			switch {
			case s.closed.Load():
				s.disconnect(ErrClosed)
			case errors.Is(err, protocol.ErrFrameTooLarge):
				s.logger.Error("unframeable inbound data, closing stream", "error", err)
				if s.onProtocolError != nil {
					s.onProtocolError(err)
				}
				s.disconnect(err)
			case errors.Is(err, io.EOF):
				s.logger.Info("peer closed stream")
				s.disconnect(io.EOF)
			default:
				s.logger.Warn("stream read failed", "error", err)
				s.disconnect(err)
			}
			return
		}

		s.logger.Debug("frame received", "bytes", len(frame))
		if s.onMessage != nil {
			s.onMessage(frame)
		}
	}
}

// Send writes one frame. Concurrent callers are serialized so frames never
// interleave on the wire.
func (s *Stream) Send(frame []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.writeMu.Lock()
	err := s.framer.WriteFrame(s.rwc, frame)
	s.writeMu.Unlock()

	if err != nil {
		if errors.Is(err, protocol.ErrInvalidFrame) {
			return err
		}
		s.disconnect(err)
		return fmt.Errorf("%w: write: %v", ErrClosed, err)
	}
	s.logger.Debug("frame sent", "bytes", len(frame))
	return nil
}

// Close tears the connection down. OnDisconnect fires with ErrClosed unless
// the connection was already lost.
func (s *Stream) Close() error {
	s.disconnect(ErrClosed)
	return nil
}

// Done is closed once the stream has disconnected.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns the disconnect cause once Done is closed.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Stream) disconnect(cause error) {
	fired := false
	s.disconnectOnce.Do(func() {
		fired = true
		s.closed.Store(true)
		if err := s.rwc.Close(); err != nil {
			s.logger.Debug("close underlying connection", "error", err)
		}
		s.err = cause
		close(s.done)
	})
	// Outside the Once so the handler may call Close without deadlocking.
	if fired && s.onDisconnect != nil {
		s.onDisconnect(cause)
	}
}
