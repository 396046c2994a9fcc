package shell

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pomodoro-bridge/internal/backend"
	"github.com/mattjoyce/pomodoro-bridge/internal/bridge"
	"github.com/mattjoyce/pomodoro-bridge/internal/config"
	"github.com/mattjoyce/pomodoro-bridge/internal/events"
	"github.com/mattjoyce/pomodoro-bridge/internal/fault"
	"github.com/mattjoyce/pomodoro-bridge/internal/journal"
	"github.com/mattjoyce/pomodoro-bridge/internal/log"
	"github.com/mattjoyce/pomodoro-bridge/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

// fakeBackend answers health and ping, swallows slow, exits on crash and
// rejects everything else.
const fakeBackend = `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  cmd=$(printf '%s' "$line" | sed -n 's/.*"command":"\([^"]*\)".*/\1/p')
  case "$cmd" in
    health) printf '{"id":%s,"status":"ok","result":"ok"}\n' "$id" ;;
    ping)   printf '{"id":%s,"status":"ok","result":"pong"}\n' "$id" ;;
    slow)   ;;
    crash)  echo "crashing on request" >&2; exit 3 ;;
    *)      printf '{"id":%s,"status":"error","error":{"kind":"unknown_command","message":"Unknown action: %s"}}\n' "$id" "$cmd" ;;
  esac
done
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backend.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/usr/bin/env bash\n"+body+"\n"), 0755))
	return path
}

func testConfig(command string) *config.Config {
	cfg := config.Defaults()
	cfg.Backend.Command = command
	cfg.Backend.StartupTimeout = 3 * time.Second
	cfg.Backend.StopTimeout = 500 * time.Millisecond
	cfg.Backend.Health.Interval = 50 * time.Millisecond
	cfg.Backend.Health.Timeout = time.Second
	cfg.Service.GracePeriod = 3 * time.Second
	cfg.Dispatch.DefaultTimeout = 5 * time.Second
	return cfg
}

func startShell(t *testing.T, cfg *config.Config, opts ...Option) *Shell {
	t.Helper()
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func wait(t *testing.T, f *bridge.Future) bridge.Response {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("command %s (token %d) never resolved", f.Command(), f.Token())
	}
	resp, _ := f.Result()
	return resp
}

func TestPingPong(t *testing.T) {
	s := startShell(t, testConfig(writeScript(t, fakeBackend)))
	require.Equal(t, backend.Ready, s.State())

	resp := wait(t, s.Submit("ping"))
	require.True(t, resp.OK(), "unexpected error: %v", resp.Err)
	var got string
	require.NoError(t, resp.Decode(&got))
	assert.Equal(t, "pong", got)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, backend.Terminated, s.State())
}

func TestBackendErrorCarriesMessage(t *testing.T) {
	s := startShell(t, testConfig(writeScript(t, fakeBackend)))

	resp := wait(t, s.Submit("dance", 1, "two"))
	require.NotNil(t, resp.Err)
	assert.Equal(t, fault.KindBackendError, resp.Err.Kind)
	assert.Equal(t, "Unknown action: dance", resp.Err.Message)
	assert.Equal(t, "unknown_command", resp.Err.Code)
}

func TestSubmitBeforeStartFailsFast(t *testing.T) {
	s, err := New(testConfig(writeScript(t, fakeBackend)))
	require.NoError(t, err)

	resp := wait(t, s.Submit("ping"))
	require.NotNil(t, resp.Err)
	assert.Equal(t, fault.KindBackendUnavailable, resp.Err.Kind)
	assert.Equal(t, backend.NotStarted, s.State())
}

func TestNewRejectsUnknownFraming(t *testing.T) {
	cfg := testConfig("true")
	cfg.Transport.Framing = "xml"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestStartLaunchFailure(t *testing.T) {
	s, err := New(testConfig(filepath.Join(t.TempDir(), "missing-backend")))
	require.NoError(t, err)
	defer func() { _ = s.Shutdown(context.Background()) }()

	err = s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.KindBackendLaunchFailed, fault.KindOf(err))
	assert.Equal(t, backend.NotStarted, s.State())
}

func TestStartTwice(t *testing.T) {
	s := startShell(t, testConfig(writeScript(t, fakeBackend)))
	assert.Error(t, s.Start(context.Background()))
}

func TestUnhealthyBackendStaysStarting(t *testing.T) {
	script := writeScript(t, `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  printf '{"id":%s,"status":"error","error":{"kind":"not_ready","message":"warming up"}}\n' "$id"
done
`)
	cfg := testConfig(script)
	cfg.Backend.StartupTimeout = 300 * time.Millisecond

	s := startShell(t, cfg)
	assert.Equal(t, backend.Starting, s.State())

	resp := wait(t, s.Submit("ping"))
	require.NotNil(t, resp.Err)
	assert.Equal(t, fault.KindBackendUnavailable, resp.Err.Kind)
}

func TestShutdownCancelsPending(t *testing.T) {
	s := startShell(t, testConfig(writeScript(t, fakeBackend)))

	f := s.Submit("slow")
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Shutdown(context.Background()))

	resp := wait(t, f)
	require.NotNil(t, resp.Err)
	assert.Equal(t, fault.KindCancelled, resp.Err.Kind)

	// Second shutdown is a no-op.
	assert.NoError(t, s.Shutdown(context.Background()))
}

func TestCrashFailsPendingWithoutRestart(t *testing.T) {
	s := startShell(t, testConfig(writeScript(t, fakeBackend)))

	slow := s.Submit("slow")
	crash := s.Submit("crash")

	for _, f := range []*bridge.Future{slow, crash} {
		resp := wait(t, f)
		require.NotNil(t, resp.Err)
		assert.Equal(t, fault.KindTransportDisconnected, resp.Err.Kind)
	}

	require.Eventually(t, func() bool { return s.State() == backend.Terminated }, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return strings.Contains(s.Stderr(), "crashing on request") },
		3*time.Second, 20*time.Millisecond)

	resp := wait(t, s.Submit("ping"))
	require.NotNil(t, resp.Err)
	assert.Equal(t, fault.KindBackendUnavailable, resp.Err.Kind)
}

func TestRestartAfterCrash(t *testing.T) {
	cfg := testConfig(writeScript(t, fakeBackend))
	cfg.Transport.Reconnect = config.ReconnectConfig{
		MaxAttempts: 3,
		Backoff:     20 * time.Millisecond,
		MaxBackoff:  100 * time.Millisecond,
	}
	s := startShell(t, cfg)
	firstPID := s.Status().PID

	resp := wait(t, s.Submit("crash"))
	require.NotNil(t, resp.Err)

	require.Eventually(t, func() bool {
		st := s.Status()
		return st.Restarts == 1 && st.State == backend.Ready.String()
	}, 5*time.Second, 20*time.Millisecond)
	assert.NotEqual(t, firstPID, s.Status().PID)

	resp = wait(t, s.Submit("ping"))
	assert.True(t, resp.OK(), "unexpected error: %v", resp.Err)
}

func TestShutdownDuringRestartBackoffLaunchesNothing(t *testing.T) {
	launches := filepath.Join(t.TempDir(), "launches")
	cfg := testConfig(writeScript(t, "echo started >> '"+launches+"'\n"+fakeBackend))
	cfg.Transport.Reconnect = config.ReconnectConfig{
		MaxAttempts: 3,
		Backoff:     300 * time.Millisecond,
		MaxBackoff:  300 * time.Millisecond,
	}
	s := startShell(t, cfg)

	resp := wait(t, s.Submit("crash"))
	require.NotNil(t, resp.Err)
	require.Eventually(t, func() bool { return s.State() == backend.Terminated }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
	time.Sleep(500 * time.Millisecond)

	data, err := os.ReadFile(launches)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "started"), "backend relaunched after shutdown")
	st := s.Status()
	assert.Zero(t, st.Restarts)
	assert.Equal(t, backend.Terminated.String(), st.State)
}

func TestLifecycleEventsPublished(t *testing.T) {
	hub := events.NewHub(1024)
	s := startShell(t, testConfig(writeScript(t, fakeBackend)), WithHub(hub))

	wait(t, s.Submit("ping"))
	require.NoError(t, s.Shutdown(context.Background()))

	seen := map[string]int{}
	var transitions []events.BackendState
	for _, ev := range hub.SnapshotSince(0) {
		seen[ev.Type]++
		if ev.Type == events.TypeBackendState {
			var p events.BackendState
			require.NoError(t, json.Unmarshal(ev.Data, &p))
			transitions = append(transitions, p)
		}
	}
	assert.Positive(t, seen[events.TypeCommandSubmitted])
	assert.Positive(t, seen[events.TypeCommandResolved])
	assert.Positive(t, seen[events.TypeBackendHealth])

	require.GreaterOrEqual(t, len(transitions), 3)
	assert.Equal(t, "starting", transitions[0].To)
	assert.Equal(t, "ready", transitions[1].To)
	assert.Equal(t, "terminated", transitions[len(transitions)-1].To)
	assert.Equal(t, s.SessionID(), transitions[0].SessionID)
}

func TestJournalRecordsCommands(t *testing.T) {
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := journal.NewStore(db)

	s := startShell(t, testConfig(writeScript(t, fakeBackend)), WithJournal(store))
	wait(t, s.Submit("ping"))
	wait(t, s.Submit("dance"))
	require.NoError(t, s.Shutdown(context.Background()))

	entries, err := store.List(context.Background(), 10)
	require.NoError(t, err)

	byCmd := map[string]journal.Entry{}
	for _, e := range entries {
		byCmd[e.Command] = e
	}
	assert.Equal(t, journal.StatusOK, byCmd["ping"].Status)
	assert.Equal(t, journal.StatusError, byCmd["dance"].Status)
	assert.Equal(t, string(fault.KindBackendError), byCmd["dance"].ErrorKind)
	assert.Equal(t, "unknown_command", byCmd["dance"].ErrorCode)
	assert.Equal(t, s.SessionID(), byCmd["ping"].SessionID)

	transitions, err := store.Transitions(context.Background(), 10)
	require.NoError(t, err)
	assert.NotEmpty(t, transitions)
}

type loopRecorder struct {
	msgs chan tea.Msg
}

func (l *loopRecorder) Send(msg tea.Msg) { l.msgs <- msg }

type pongMsg struct{ resp bridge.Response }

func TestPostDeliversOntoLoop(t *testing.T) {
	s := startShell(t, testConfig(writeScript(t, fakeBackend)))
	loop := &loopRecorder{msgs: make(chan tea.Msg, 1)}

	s.Post(loop, "ping", nil, func(r bridge.Response) tea.Msg { return pongMsg{resp: r} })

	select {
	case msg := <-loop.msgs:
		pm, ok := msg.(pongMsg)
		require.True(t, ok)
		assert.JSONEq(t, `"pong"`, string(pm.resp.Value))
	case <-time.After(5 * time.Second):
		t.Fatal("no message posted")
	}
}

func TestStatus(t *testing.T) {
	s := startShell(t, testConfig(writeScript(t, fakeBackend)))
	wait(t, s.Submit("ping"))

	st := s.Status()
	assert.Equal(t, s.SessionID(), st.SessionID)
	assert.Equal(t, "ready", st.State)
	assert.Positive(t, st.PID)
	assert.GreaterOrEqual(t, st.Stats.Submitted, uint64(1))
}

func TestLastLines(t *testing.T) {
	assert.Equal(t, "b\nc", lastLines("a\nb\nc\n", 2))
	assert.Equal(t, "a", lastLines("a", 5))
}
