package bridge

import (
	"context"
	"sync"
)

// Future is the eventual Response to one submitted command. It is completed
// exactly once; later completions are ignored.
type Future struct {
	token   uint64
	command string

	ch   chan struct{}
	resp Response

	once   sync.Once
	mu     sync.Mutex
	cancel func(uint64) bool
}

func newFuture(token uint64, command string, cancel func(uint64) bool) *Future {
	return &Future{
		token:   token,
		command: command,
		ch:      make(chan struct{}),
		cancel:  cancel,
	}
}

// complete resolves the future. It reports whether this call won.
func (f *Future) complete(resp Response) bool {
	won := false
	f.once.Do(func() {
		f.mu.Lock()
		f.resp = resp
		f.mu.Unlock()
		close(f.ch)
		won = true
	})
	return won
}

// Token returns the correlation token assigned at submission.
func (f *Future) Token() uint64 { return f.token }

// Command returns the submitted command name.
func (f *Future) Command() string { return f.command }

// Done is closed once the response is available.
func (f *Future) Done() <-chan struct{} { return f.ch }

// Wait blocks until the future resolves or ctx ends. The error is the
// response's *fault.Error on failure, or ctx.Err() if ctx ended first. A
// context ending does not cancel the command; call Cancel for that.
func (f *Future) Wait(ctx context.Context) (Response, error) {
	select {
	case <-f.ch:
		r := f.response()
		if r.Err != nil {
			return r, r.Err
		}
		return r, nil
	case <-ctx.Done():
		return Response{Token: f.token, Command: f.command}, ctx.Err()
	}
}

// Result returns the response and true if resolved, otherwise false.
func (f *Future) Result() (Response, bool) {
	select {
	case <-f.ch:
		return f.response(), true
	default:
		return Response{}, false
	}
}

// OnDone runs cb on its own goroutine once the future resolves.
func (f *Future) OnDone(cb func(Response)) {
	go func() {
		<-f.ch
		cb(f.response())
	}()
}

// Cancel asks the dispatcher to resolve this request as Cancelled. It
// reports false if the future was already resolved.
func (f *Future) Cancel() bool {
	if f.cancel == nil {
		return false
	}
	return f.cancel(f.token)
}

func (f *Future) response() Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resp
}
