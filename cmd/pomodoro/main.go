package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/pomodoro-bridge/internal/api"
	"github.com/mattjoyce/pomodoro-bridge/internal/auth"
	"github.com/mattjoyce/pomodoro-bridge/internal/config"
	"github.com/mattjoyce/pomodoro-bridge/internal/events"
	"github.com/mattjoyce/pomodoro-bridge/internal/journal"
	"github.com/mattjoyce/pomodoro-bridge/internal/lock"
	"github.com/mattjoyce/pomodoro-bridge/internal/log"
	"github.com/mattjoyce/pomodoro-bridge/internal/shell"
	"github.com/mattjoyce/pomodoro-bridge/internal/storage"
	"github.com/mattjoyce/pomodoro-bridge/internal/tui"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// logFileName receives logs while the terminal UI owns the screen.
const logFileName = "pomodoro.log"

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "run":
		if hasHelpFlag(args) {
			printRunHelp()
			return 0
		}
		return runTUI(args)
	case "serve":
		if hasHelpFlag(args) {
			printServeHelp()
			return 0
		}
		return runServe(args)
	case "call":
		if hasHelpFlag(args) {
			printCallHelp()
			return 0
		}
		return runCall(args)
	case "journal":
		if hasHelpFlag(args) {
			printJournalHelp()
			return 0
		}
		return runJournal(args)
	case "config":
		return runConfigNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: pomodoro version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("pomodoro %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`pomodoro - pomodoro timer bridged to a backend process

Usage:
  pomodoro <command> [flags]

Commands:
  run                    Launch the backend and open the terminal UI
  serve                  Launch the backend headless, with the HTTP API if enabled
  call <command> [args]  Send one command to a fresh backend and print the result
  journal                Show recent command outcomes
  config check           Validate configuration, backend command and integrity
  config lock            Pin the current config in the .checksums manifest
  config show            Show the resolved configuration
  version                Show version information
  help                   Show this help message

Every command accepts --config <path>; otherwise $POMODORO_BRIDGE_CONFIG,
~/.config/pomodoro-bridge/config.yaml and ./config.yaml are tried in order.
`)
}

func printRunHelp() {
	fmt.Println("Usage: pomodoro run [--config PATH]")
	fmt.Println("Keys: s start, p pause, r reset, n next preset, g refresh, q quit.")
}

func printServeHelp() {
	fmt.Println("Usage: pomodoro serve [--config PATH]")
	fmt.Println("Runs until SIGINT or SIGTERM. Serves the HTTP API when api.enabled is set.")
}

func printCallHelp() {
	fmt.Println("Usage: pomodoro call [--config PATH] <command> [json-arg...]")
	fmt.Println("Each argument is parsed as JSON; anything that is not JSON is sent as a string.")
}

func printJournalHelp() {
	fmt.Println("Usage: pomodoro journal [--config PATH] [--limit N] [--json]")
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if a == "--help" || a == "-h" {
			return true
		}
	}
	return false
}

func resolveConfigPath(configPath string) (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	discovered, err := config.DiscoverConfigPath()
	if err != nil {
		return "", err
	}
	fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", discovered)
	return discovered, nil
}

func loadConfig(configPath string) (*config.Config, error) {
	path, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// host is everything a bridge-running command holds open.
type host struct {
	cfg   *config.Config
	lock  *lock.PIDLock
	db    *sql.DB
	store *journal.Store
	hub   *events.Hub
	shell *shell.Shell
}

// openHost takes the instance lock, opens the journal and assembles (but
// does not start) a shell.
func openHost(ctx context.Context, cfg *config.Config) (*host, error) {
	h := &host{cfg: cfg, hub: events.NewHub(256)}

	lockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.AcquirePIDLock(lockPath)
	if err != nil {
		return nil, err
	}
	h.lock = pidLock

	opts := []shell.Option{shell.WithHub(h.hub)}
	if !cfg.State.Disabled {
		db, err := storage.OpenSQLite(ctx, cfg.State.Path)
		if err != nil {
			h.close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		h.db = db
		h.store = journal.NewStore(db)
		opts = append(opts, shell.WithJournal(h.store))
	}

	sh, err := shell.New(cfg, opts...)
	if err != nil {
		h.close()
		return nil, err
	}
	h.shell = sh
	return h, nil
}

// shutdown stops the shell and releases everything else.
func (h *host) shutdown() error {
	var err error
	if h.shell != nil {
		err = h.shell.Shutdown(context.Background())
	}
	h.close()
	return err
}

func (h *host) close() {
	h.hub.Close()
	if h.db != nil {
		_ = h.db.Close()
	}
	_ = h.lock.Release()
}

func runTUI(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	// The UI owns the terminal, so logs go to a file next to the journal.
	logPath := filepath.Join(filepath.Dir(cfg.State.Path), logFileName)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
		return 1
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		return 1
	}
	defer logFile.Close()
	log.SetOutput(logFile, cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx := context.Background()
	h, err := openHost(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}
	if err := h.shell.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Backend failed to launch: %v\n", err)
		if tail := h.shell.Stderr(); tail != "" {
			fmt.Fprintf(os.Stderr, "Backend stderr:\n%s\n", tail)
		}
		_ = h.shutdown()
		return 1
	}

	p := tea.NewProgram(tui.New(h.shell, h.hub), tea.WithAltScreen())
	h.shell.Post(p, "get_state", nil, tui.Resolved)
	h.shell.Post(p, "read_stats", nil, tui.Resolved)

	_, runErr := p.Run()
	if err := h.shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown incomplete: %v\n", err)
		return 1
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "UI error: %v\n", runErr)
		return 1
	}
	return 0
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("pomodoro-bridge starting", "version", version, "config", cfg.SourcePath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := openHost(ctx, cfg)
	if err != nil {
		logger.Error("failed to start", "error", err)
		return 1
	}
	logger.Info("acquired PID lock", "path", h.lock.Path())

	if err := h.shell.Start(ctx); err != nil {
		logger.Error("backend failed to launch", "error", err, "stderr", h.shell.Stderr())
		_ = h.shutdown()
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.API.Enabled {
		var reader api.JournalReader
		if h.store != nil {
			reader = h.store
		}
		srv := api.New(api.Config{
			Listen:         cfg.API.Listen,
			APIKey:         cfg.API.Auth.APIKey,
			Tokens:         auth.FromConfig(cfg.API.Auth.Tokens),
			AllowedOrigins: cfg.API.CORS.AllowedOrigins,
		}, h.shell, reader, h.hub, log.WithComponent("api"))
		g.Go(func() error {
			if err := srv.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	exitCode := 0
	if err := g.Wait(); err != nil {
		logger.Error("fatal error", "error", err)
		exitCode = 1
	} else {
		logger.Info("received shutdown signal")
	}

	if err := h.shutdown(); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		exitCode = 1
	}
	logger.Info("pomodoro-bridge stopped")
	return exitCode
}

func runCall(args []string) int {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: pomodoro call [--config PATH] <command> [json-arg...]")
		return 1
	}
	name := fs.Arg(0)
	callArgs := parseCallArgs(fs.Args()[1:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.SetOutput(os.Stderr, "error", cfg.Service.LogFormat)

	ctx := context.Background()
	h, err := openHost(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}
	defer func() { _ = h.shutdown() }()

	if err := h.shell.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Backend failed to launch: %v\n", err)
		return 1
	}

	resp, err := h.shell.Submit(name, callArgs...).Wait(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", name, err)
		return 1
	}

	var pretty any
	if err := json.Unmarshal(resp.Value, &pretty); err != nil {
		fmt.Println(string(resp.Value))
		return 0
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(resp.Value))
		return 0
	}
	fmt.Println(string(out))
	return 0
}

// parseCallArgs decodes each argument as JSON, falling back to the raw
// string.
func parseCallArgs(raw []string) []any {
	out := make([]any, 0, len(raw))
	for _, r := range raw {
		var v any
		if err := json.Unmarshal([]byte(r), &v); err != nil {
			out = append(out, r)
			continue
		}
		out = append(out, v)
	}
	return out
}

func runJournal(args []string) int {
	fs := flag.NewFlagSet("journal", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Number of entries to show")
	jsonOut := fs.Bool("json", false, "Output entries as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "--limit must be positive")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if cfg.State.Disabled {
		fmt.Fprintln(os.Stderr, "Journal is disabled (state.disabled: true)")
		return 1
	}
	log.SetOutput(os.Stderr, "error", cfg.Service.LogFormat)

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer db.Close()
	store := journal.NewStore(db)

	entries, err := store.List(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read journal: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if len(entries) == 0 {
		fmt.Println("No commands recorded.")
		return 0
	}
	now := time.Now()
	fmt.Printf("%-16s %-14s %-6s %-8s %s\n", "WHEN", "COMMAND", "TOKEN", "TOOK", "RESULT")
	for _, e := range entries {
		result := e.Status
		if e.Status == journal.StatusError {
			result = e.ErrorKind
			if e.ErrorCode != "" {
				result += " (" + e.ErrorCode + ")"
			}
			result += ": " + e.ErrorMessage
		}
		fmt.Printf("%-16s %-14s %-6d %-8s %s\n",
			e.Age(now), e.Command, e.Token, fmt.Sprintf("%dms", e.DurationMS), result)
	}

	sum, err := store.Summary(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to summarize journal: %v\n", err)
		return 1
	}
	fmt.Printf("\n%d command(s), %d ok, %d failed, %.1fms average\n",
		sum.Total, sum.Succeeded, sum.Total-sum.Succeeded, sum.AvgDurationMS)
	return 0
}
