package backend

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
)

// maxStderrBytes caps the stderr tail retained for diagnostics.
const maxStderrBytes = 64 * 1024

// pipeConn joins the child's stdout (read) and stdin (write) into one channel.
type pipeConn struct {
	r *os.File
	w *os.File

	closeWrite sync.Once
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }

// CloseWrite closes the child's stdin so it observes EOF.
func (p *pipeConn) CloseWrite() error {
	var err error
	p.closeWrite.Do(func() { err = p.w.Close() })
	return err
}

func (p *pipeConn) Close() error {
	return errors.Join(p.CloseWrite(), p.r.Close())
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func (t *tailBuffer) Reset() {
	t.mu.Lock()
	t.buf = t.buf[:0]
	t.mu.Unlock()
}

// drainStderr logs each stderr line and copies it into tail until r is closed.
func drainStderr(r io.ReadCloser, tail *tailBuffer, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxStderrBytes)
	for scanner.Scan() {
		line := scanner.Text()
		_, _ = io.WriteString(tail, line+"\n")
		logger.Info("backend stderr", "line", line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		logger.Debug("stderr reader stopped", "error", err)
	}
}
