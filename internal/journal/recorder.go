package journal

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/pomodoro-bridge/internal/bridge"
	"github.com/mattjoyce/pomodoro-bridge/internal/log"
)

// DefaultBuffer is the number of rows the Recorder queues before dropping.
const DefaultBuffer = 512

type record struct {
	entry      *Entry
	transition *Transition
}

// Recorder writes journal rows on its own goroutine so that observing a
// command never blocks the transport read loop. When the queue is full rows
// are dropped and counted.
type Recorder struct {
	store     *Store
	sessionID string
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan record
	done   chan struct{}

	written atomic.Int64
	dropped atomic.Int64
}

var _ bridge.Observer = (*Recorder)(nil)

// NewRecorder starts the writer goroutine. buffer <= 0 uses DefaultBuffer.
func NewRecorder(store *Store, sessionID string, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	r := &Recorder{
		store:     store,
		sessionID: sessionID,
		logger:    log.WithComponent("journal").With("session_id", sessionID),
		queue:     make(chan record, buffer),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

// CommandSubmitted is a no-op; rows are written once the outcome is known.
func (r *Recorder) CommandSubmitted(bridge.Command) {}

// CommandResolved queues one command_log row.
func (r *Recorder) CommandResolved(cmd bridge.Command, resp bridge.Response, elapsed time.Duration) {
	now := time.Now()
	e := &Entry{
		SessionID:   r.sessionID,
		Token:       cmd.Token,
		Command:     cmd.Name,
		Status:      StatusOK,
		SubmittedAt: now.Add(-elapsed),
		ResolvedAt:  now,
		DurationMS:  elapsed.Milliseconds(),
	}
	if cmd.Name == "" {
		e.Command = "(empty)"
	}
	if resp.Err != nil {
		e.Status = StatusError
		e.ErrorKind = string(resp.Err.Kind)
		e.ErrorCode = resp.Err.Code
		e.ErrorMessage = resp.Err.Message
	}
	r.enqueue(record{entry: e})
}

// StateChanged queues one backend_events row.
func (r *Recorder) StateChanged(from, to, reason string) {
	r.enqueue(record{transition: &Transition{
		SessionID: r.sessionID,
		From:      from,
		To:        to,
		Reason:    reason,
		At:        time.Now(),
	}})
}

func (r *Recorder) enqueue(rec record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- rec:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("journal queue full, dropping rows")
		}
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		// Writes outlive the caller's context; Close bounds the drain instead.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		switch {
		case rec.entry != nil:
			_, err = r.store.RecordCommand(ctx, *rec.entry)
		case rec.transition != nil:
			_, err = r.store.RecordTransition(ctx, *rec.transition)
		}
		cancel()
		if err != nil {
			r.logger.Error("journal write failed", "error", err)
			continue
		}
		r.written.Add(1)
	}
}

// Close stops accepting rows and waits for queued rows to be written, or for
// ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		r.logger.Debug("journal drained", "written", r.written.Load(), "dropped", r.dropped.Load())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Written returns the number of rows persisted.
func (r *Recorder) Written() int64 { return r.written.Load() }

// Dropped returns the number of rows discarded.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }
