// Command pomodoro-backend is the reference backend for the bridge. It reads
// one request per frame and answers with one response per frame, on stdin and
// stdout, or on the socket named by POMODORO_BRIDGE_ADDR.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/pomodoro-bridge/internal/backend"
	"github.com/mattjoyce/pomodoro-bridge/internal/log"
	"github.com/mattjoyce/pomodoro-bridge/internal/pomodoro"
	"github.com/mattjoyce/pomodoro-bridge/internal/protocol"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pomodoro-backend", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dataPath := fs.String("data", defaultDataPath(), "Stats file (empty keeps stats in memory)")
	framing := fs.String("framing", protocol.FramingLines, "Frame format: lines or length")
	maxFrame := fs.Int("max-frame-bytes", protocol.DefaultMaxFrameBytes, "Largest accepted request frame")
	logLevel := fs.String("log-level", "info", "Log level")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	// stdout may be the protocol channel; logs always go to stderr.
	log.SetOutput(stderr, *logLevel, "json")
	logger := log.WithComponent("pomodoro-backend")

	framer, err := protocol.FramerByName(*framing)
	if err != nil {
		logger.Error("invalid framing", "error", err)
		return 1
	}

	stats := pomodoro.OpenStats(*dataPath, nil)
	timer := pomodoro.NewTimer(nil)
	b := &app{timer: timer, stats: stats, started: time.Now(), logger: logger}
	timer.OnComplete(b.phaseComplete)

	var r io.Reader = stdin
	var w io.Writer = stdout
	if addr := os.Getenv(backend.AddrEnvVar); addr != "" {
		conn, err := acceptOne(addr)
		if err != nil {
			logger.Error("accept failed", "address", addr, "error", err)
			return 1
		}
		defer conn.Close()
		r, w = conn, conn
	}

	logger.Info("backend ready", "framing", framer.Name(), "data", *dataPath)
	if err := serve(r, w, framer, *maxFrame, b); err != nil {
		logger.Error("serve failed", "error", err)
		return 1
	}
	logger.Info("channel closed, exiting")
	return 0
}

func defaultDataPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "pomodoro_data.json"
	}
	return filepath.Join(dir, "pomodoro-bridge", "pomodoro_data.json")
}

// acceptOne listens on addr and returns the first connection. Paths are unix
// sockets, anything else is a TCP address.
func acceptOne(addr string) (net.Conn, error) {
	network := "tcp"
	if strings.ContainsRune(addr, '/') {
		network = "unix"
		_ = os.Remove(addr)
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	defer ln.Close()
	return ln.Accept()
}

// serve answers frames until the reader ends.
func serve(r io.Reader, w io.Writer, framer protocol.Framer, maxFrame int, b *app) error {
	reader := framer.NewReader(r, maxFrame)
	for {
		frame, err := reader.ReadFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			// The stream is no longer aligned; report and give up.
			_ = reply(w, framer, protocol.Fail(0, "invalid_request", "request frame too large"))
			return err
		}
		if err != nil {
			return err
		}
		if len(bytes.TrimSpace(frame)) == 0 {
			continue
		}

		resp := b.handle(frame)
		if resp == nil {
			continue
		}
		if err := reply(w, framer, resp); err != nil {
			return err
		}
	}
}

func reply(w io.Writer, framer protocol.Framer, resp *protocol.Response) error {
	out, err := protocol.EncodeResponse(resp)
	if err != nil {
		return err
	}
	return framer.WriteFrame(w, out)
}

type app struct {
	timer   *pomodoro.Timer
	stats   *pomodoro.StatsStore
	started time.Time
	logger  *slog.Logger
}

func (a *app) phaseComplete(c pomodoro.Completion) {
	if err := a.stats.Record(c); err != nil {
		a.logger.Error("failed to record phase", "kind", c.Kind, "error", err)
		return
	}
	a.logger.Info("phase complete", "kind", c.Kind, "seconds", c.Seconds)
}

// handle answers one request frame. Notifications get no response.
func (a *app) handle(frame []byte) *protocol.Response {
	req, err := protocol.DecodeRequest(frame)
	if err != nil {
		a.logger.Warn("invalid request", "error", err)
		return protocol.Fail(0, "invalid_request", "Invalid JSON payload")
	}
	if req.Protocol != protocol.Version {
		return protocol.Fail(req.ID, "unsupported_protocol", fmt.Sprintf("unsupported protocol version %d", req.Protocol))
	}

	command := strings.TrimSpace(req.Command)
	a.logger.Debug("request", "id", req.ID, "command", command)

	switch command {
	case "health":
		return okResp(req.ID, map[string]any{
			"status":         "ok",
			"uptime_seconds": int64(time.Since(a.started).Seconds()),
		})
	case "ping":
		return okResp(req.ID, "pong")
	case "get_state":
		return okResp(req.ID, a.timer.State())
	case "start_timer":
		return okResp(req.ID, a.timer.Start())
	case "pause_timer":
		return okResp(req.ID, a.timer.Pause())
	case "reset_timer":
		return okResp(req.ID, a.timer.Reset())
	case "set_preset":
		return okResp(req.ID, a.timer.SetPreset(presetArg(req.Args)))
	case "read_stats":
		return okResp(req.ID, a.stats.Get())
	case "write_stats":
		patch := statsArg(req.Args)
		if patch == nil {
			return okResp(req.ID, a.stats.Get())
		}
		st, err := a.stats.Merge(patch)
		if err != nil {
			return protocol.Fail(req.ID, "invalid_args", err.Error())
		}
		return okResp(req.ID, st)
	case protocol.CancelCommand:
		// Requests are answered in order, so there is never anything to abandon.
		a.logger.Debug("cancel notice", "args", req.Args)
		return nil
	default:
		return protocol.Fail(req.ID, "unknown_command", "Unknown action: "+command)
	}
}

func okResp(id uint64, result any) *protocol.Response {
	resp, err := protocol.OK(id, result)
	if err != nil {
		return protocol.Fail(id, "internal", err.Error())
	}
	return resp
}

// presetArg accepts either "Deep 50/10" or {"preset": "Deep 50/10"}.
func presetArg(args []any) string {
	if len(args) == 0 {
		return ""
	}
	switch t := args[0].(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		return asString(t["preset"])
	default:
		return ""
	}
}

// statsArg accepts either a stats object or {"stats": {...}}.
func statsArg(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	m, ok := args[0].(map[string]any)
	if !ok {
		return nil
	}
	if inner, ok := m["stats"].(map[string]any); ok {
		return inner
	}
	return m
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	default:
		return ""
	}
}
