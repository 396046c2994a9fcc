package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	// Drain concurrently so a chatty command cannot fill the pipe buffer.
	stdoutCh := make(chan string)
	stderrCh := make(chan string)
	go func() { b, _ := io.ReadAll(stdoutR); stdoutCh <- string(b) }()
	go func() { b, _ := io.ReadAll(stderrR); stderrCh <- string(b) }()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	return code, <-stdoutCh, <-stderrCh
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

// fakeBackend answers health and ping and rejects everything else.
const fakeBackend = `#!/usr/bin/env bash
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  cmd=$(printf '%s' "$line" | sed -n 's/.*"command":"\([^"]*\)".*/\1/p')
  case "$cmd" in
    health) printf '{"id":%s,"status":"ok","result":"ok"}\n' "$id" ;;
    ping)   printf '{"id":%s,"status":"ok","result":{"pong":true,"n":1}}\n' "$id" ;;
    *)      printf '{"id":%s,"status":"error","error":{"kind":"unknown_command","message":"Unknown action: %s"}}\n' "$id" "$cmd" ;;
  esac
done
`

// writeTestConfig lays out a config directory with the fake backend and
// returns the config path.
func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "backend.sh")
	if err := os.WriteFile(script, []byte(fakeBackend), 0755); err != nil {
		t.Fatal(err)
	}

	configYAML := `
service:
  log_level: error
backend:
  command: ./backend.sh
  startup_timeout: 3s
  stop_timeout: 500ms
  health:
    command: health
    interval: 1s
    timeout: 1s
transport:
  reconnect:
    max_attempts: 2
    backoff: 100ms
    max_backoff: 1s
state:
  path: data/bridge.db
` + extra
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(configYAML), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunCLINoArgsPrintsUsage(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI(nil)
	})
	if code != 1 {
		t.Fatalf("runCLI() code = %d, want 1", code)
	}
	if !strings.Contains(stdout, "Usage:") {
		t.Fatalf("stdout missing usage: %s", stdout)
	}
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"dance"})
	})
	if code != 1 {
		t.Fatalf("runCLI() code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown command: dance") {
		t.Fatalf("stderr missing unknown command: %s", stderr)
	}
}

func TestRunCLIHelpFlags(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"help"}, "pomodoro <command>"},
		{[]string{"run", "--help"}, "Usage: pomodoro run"},
		{[]string{"serve", "-h"}, "Usage: pomodoro serve"},
		{[]string{"call", "--help"}, "Usage: pomodoro call"},
		{[]string{"journal", "--help"}, "Usage: pomodoro journal"},
		{[]string{"config", "--help"}, "Usage: pomodoro config <action>"},
		{[]string{"config", "check", "--help"}, "Usage: pomodoro config check"},
		{[]string{"config", "lock", "--help"}, "Usage: pomodoro config lock"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			code, stdout, stderr := captureOutputWithExitCode(t, func() int {
				return runCLI(tt.args)
			})
			if code != 0 {
				t.Fatalf("runCLI() code = %d, stderr: %s", code, stderr)
			}
			if !strings.Contains(stdout, tt.want) {
				t.Fatalf("stdout missing %q: %s", tt.want, stdout)
			}
		})
	}
}

func TestRunVersionJSON(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef", "2026-03-02T09:15:00.123Z")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"version", "--json"})
	})
	if code != 0 {
		t.Fatalf("runVersion() code = %d, stderr: %s", code, stderr)
	}

	var got versionInfo
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, stdout)
	}
	want := versionInfo{Version: "1.2.3", Commit: "0123456789ab", BuildTime: "2026-03-02T09:15:00Z"}
	if got != want {
		t.Fatalf("version = %+v, want %+v", got, want)
	}
}

func TestRunVersionRejectsArgs(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runVersion([]string{"extra"})
	})
	if code != 1 {
		t.Fatalf("runVersion() code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Usage: pomodoro version") {
		t.Fatalf("stderr missing usage: %s", stderr)
	}
}

func TestConfigCheckAndLock(t *testing.T) {
	configPath := writeTestConfig(t, "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", configPath})
	})
	if code != 0 {
		t.Fatalf("config check code = %d, stdout: %s stderr: %s", code, stdout, stderr)
	}
	if !strings.Contains(stdout, "no integrity manifest") {
		t.Fatalf("expected missing manifest warning: %s", stdout)
	}

	code, _, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", configPath, "--strict"})
	})
	if code != 1 {
		t.Fatalf("strict config check code = %d, want 1", code)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "lock", "--config", configPath})
	})
	if code != 0 {
		t.Fatalf("config lock code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Locked config.yaml") {
		t.Fatalf("stdout missing lock summary: %s", stdout)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(configPath), ".checksums")); err != nil {
		t.Fatalf("manifest not written: %v", err)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", configPath, "--strict"})
	})
	if code != 0 {
		t.Fatalf("locked config check code = %d, stdout: %s stderr: %s", code, stdout, stderr)
	}
	if stdout != "Configuration valid.\n" {
		t.Fatalf("unexpected report: %q", stdout)
	}
}

func TestConfigCheckReportsTamperedFile(t *testing.T) {
	configPath := writeTestConfig(t, "")
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigLock([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("config lock code = %d, stderr: %s", code, stderr)
	}

	f, err := os.OpenFile(configPath, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("# edited\n")
	_ = f.Close()

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath, "--format", "json"})
	})
	if code != 1 {
		t.Fatalf("config check code = %d, want 1", code)
	}
	if !strings.Contains(stdout, "hash mismatch") {
		t.Fatalf("expected hash mismatch: %s", stdout)
	}
}

func TestConfigCheckInvalidTransport(t *testing.T) {
	configPath := writeTestConfig(t, "")
	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatal(err)
	}
	data = []byte(strings.Replace(string(data), "transport:\n", "transport:\n  kind: pigeon\n", 1))
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		t.Fatal(err)
	}

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath})
	})
	if code != 1 {
		t.Fatalf("config check code = %d, want 1", code)
	}
	if !strings.Contains(stdout, "invalid transport kind") {
		t.Fatalf("expected transport error: %s", stdout)
	}
}

func TestConfigShowJSON(t *testing.T) {
	configPath := writeTestConfig(t, "")
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigShow([]string{"--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("config show code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, `"Command": "./backend.sh"`) {
		t.Fatalf("config show missing backend command: %s", stdout)
	}
}

func TestCallPrintsResult(t *testing.T) {
	configPath := writeTestConfig(t, "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"call", "--config", configPath, "ping"})
	})
	if code != 0 {
		t.Fatalf("call code = %d, stderr: %s", code, stderr)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("call output is not JSON: %v\n%s", err, stdout)
	}
	if got["pong"] != true {
		t.Fatalf("unexpected result: %v", got)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"journal", "--config", configPath, "--limit", "5"})
	})
	if code != 0 {
		t.Fatalf("journal code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "ping") {
		t.Fatalf("journal missing ping: %s", stdout)
	}
}

func TestCallReportsBackendError(t *testing.T) {
	configPath := writeTestConfig(t, "")

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"call", "--config", configPath, "dance", `{"style":"waltz"}`})
	})
	if code != 1 {
		t.Fatalf("call code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown action: dance") {
		t.Fatalf("stderr missing backend message: %s", stderr)
	}
}

func TestCallRequiresCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCall(nil)
	})
	if code != 1 {
		t.Fatalf("call code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Usage: pomodoro call") {
		t.Fatalf("stderr missing usage: %s", stderr)
	}
}

func TestParseCallArgs(t *testing.T) {
	got := parseCallArgs([]string{`{"preset":"Quick 15/3"}`, "Classic 25/5", "3", "true"})
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	if m, ok := got[0].(map[string]any); !ok || m["preset"] != "Quick 15/3" {
		t.Fatalf("arg 0 = %#v", got[0])
	}
	if got[1] != "Classic 25/5" {
		t.Fatalf("arg 1 = %#v", got[1])
	}
	if got[2] != float64(3) {
		t.Fatalf("arg 2 = %#v", got[2])
	}
	if got[3] != true {
		t.Fatalf("arg 3 = %#v", got[3])
	}
}

func TestJournalRejectsBadLimit(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runJournal([]string{"--limit", "0"})
	})
	if code != 1 {
		t.Fatalf("journal code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "--limit must be positive") {
		t.Fatalf("stderr missing limit error: %s", stderr)
	}
}
