package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pomodoro-bridge/internal/log"
	"github.com/mattjoyce/pomodoro-bridge/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json") // Suppress logs in tests
	os.Exit(m.Run())
}

type recorder struct {
	mu          sync.Mutex
	frames      []string
	disconnects atomic.Int32
	cause       chan error
	protoErrs   atomic.Int32
}

func newRecorder() *recorder {
	return &recorder{cause: make(chan error, 4)}
}

func (r *recorder) attach(s *Stream) {
	s.OnMessage(func(b []byte) {
		r.mu.Lock()
		r.frames = append(r.frames, string(b))
		r.mu.Unlock()
	})
	s.OnDisconnect(func(err error) {
		r.disconnects.Add(1)
		r.cause <- err
	})
	s.OnProtocolError(func(error) { r.protoErrs.Add(1) })
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func waitCause(t *testing.T, r *recorder) error {
	t.Helper()
	select {
	case err := <-r.cause:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
		return nil
	}
}

func TestStreamDeliversFramesInOrder(t *testing.T) {
	host, peer := net.Pipe()
	s := NewStream(host, protocol.LineFramer{}, 0)
	rec := newRecorder()
	rec.attach(s)
	s.Start()
	t.Cleanup(func() { _ = s.Close() })

	_, err := io.WriteString(peer, "{\"id\":1}\n{\"id\":2}\n\n{\"id\":3}\n")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`{"id":1}`, `{"id":2}`, `{"id":3}`}, rec.snapshot())
}

func TestStreamSendFramesPayload(t *testing.T) {
	host, peer := net.Pipe()
	s := NewStream(host, protocol.LineFramer{}, 0)
	s.Start()
	t.Cleanup(func() { _ = s.Close() })

	lines := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(peer).ReadString('\n')
		lines <- line
	}()

	require.NoError(t, s.Send([]byte(`{"id":1,"command":"ping"}`)))
	assert.Equal(t, "{\"id\":1,\"command\":\"ping\"}\n", <-lines)
}

func TestStreamPeerCloseDisconnectsOnce(t *testing.T) {
	host, peer := net.Pipe()
	s := NewStream(host, protocol.LineFramer{}, 0)
	rec := newRecorder()
	rec.attach(s)
	s.Start()

	require.NoError(t, peer.Close())
	err := waitCause(t, rec)
	assert.ErrorIs(t, err, io.EOF)

	// A later local Close must not report a second disconnect.
	require.NoError(t, s.Close())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), rec.disconnects.Load())

	assert.ErrorIs(t, s.Send([]byte(`{}`)), ErrClosed)
	<-s.Done()
	assert.ErrorIs(t, s.Err(), io.EOF)
}

func TestStreamLocalCloseReportsErrClosed(t *testing.T) {
	host, _ := net.Pipe()
	s := NewStream(host, protocol.LengthFramer{}, 0)
	rec := newRecorder()
	rec.attach(s)
	s.Start()

	require.NoError(t, s.Close())
	assert.ErrorIs(t, waitCause(t, rec), ErrClosed)
	assert.Equal(t, int32(1), rec.disconnects.Load())
}

func TestStreamOversizeFrameIsProtocolErrorThenDisconnect(t *testing.T) {
	host, peer := net.Pipe()
	s := NewStream(host, protocol.LineFramer{}, 16)
	rec := newRecorder()
	rec.attach(s)
	s.Start()

	go func() { _, _ = io.WriteString(peer, strings.Repeat("x", 64)+"\n") }()

	err := waitCause(t, rec)
	assert.ErrorIs(t, err, protocol.ErrFrameTooLarge)
	assert.Equal(t, int32(1), rec.protoErrs.Load())
}

func TestStreamInvalidFrameDoesNotDisconnect(t *testing.T) {
	host, _ := net.Pipe()
	s := NewStream(host, protocol.LineFramer{}, 0)
	rec := newRecorder()
	rec.attach(s)
	s.Start()
	t.Cleanup(func() { _ = s.Close() })

	err := s.Send([]byte("a\nb"))
	assert.ErrorIs(t, err, protocol.ErrInvalidFrame)
	assert.Equal(t, int32(0), rec.disconnects.Load())
}

func TestDialTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		if c, err := ln.Accept(); err == nil {
			_ = c.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Dial(ctx, "tcp", ln.Addr().String(), Backoff{Initial: 10 * time.Millisecond})
	require.NoError(t, err)
	_ = conn.Close()
}

func TestDialGivesUpWithContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := Dial(ctx, "unix", "/nonexistent/pomodoro.sock", Backoff{Initial: 10 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDialRejectsUnknownNetwork(t *testing.T) {
	_, err := Dial(context.Background(), "udp", "127.0.0.1:1", Backoff{})
	assert.Error(t, err)
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 5 * time.Second}
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 5*time.Second, b.Delay(4))
	assert.Equal(t, 5*time.Second, b.Delay(10))
}
