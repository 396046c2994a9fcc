// Package doctor validates pomodoro-bridge configuration before a run.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/anmitsu/go-shlex"

	"github.com/mattjoyce/pomodoro-bridge/internal/auth"
	"github.com/mattjoyce/pomodoro-bridge/internal/config"
	"github.com/mattjoyce/pomodoro-bridge/internal/protocol"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a parsed configuration.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

// New creates a Doctor for cfg. cfg does not need to have passed
// config.Load's validation; every problem is reported at once.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateBackend(r)
	d.validateTransport(r)
	d.validateDispatch(r)
	d.validateState(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.warnMissingEnvVars(r)
	d.warnDeprecatedSyntax(r)
	d.checkIntegrity(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.Service.GracePeriod <= 0 {
		d.addError(r, "service", "service.grace_period", "grace_period must be positive")
	}
}

// validateBackend checks that the backend command resolves to an executable.
func (d *Doctor) validateBackend(r *Result) {
	b := d.cfg.Backend

	if b.Dir != "" {
		if info, err := os.Stat(b.Dir); err != nil || !info.IsDir() {
			d.addError(r, "backend", "backend.dir", fmt.Sprintf("working directory %q does not exist", b.Dir))
		}
	}

	argv, err := shlex.Split(b.Command, true)
	switch {
	case err != nil:
		d.addError(r, "backend", "backend.command", fmt.Sprintf("cannot parse command %q: %v", b.Command, err))
	case len(argv) == 0:
		d.addError(r, "backend", "backend.command", "backend.command is required")
	default:
		if err := d.resolveExecutable(argv[0], b.Dir); err != nil {
			d.addError(r, "backend", "backend.command", err.Error())
		}
	}

	if b.StartupTimeout <= 0 {
		d.addError(r, "backend", "backend.startup_timeout", "startup_timeout must be positive")
	}
	if b.StopTimeout <= 0 {
		d.addError(r, "backend", "backend.stop_timeout", "stop_timeout must be positive")
	}
	if strings.TrimSpace(b.Health.Command) == "" {
		d.addError(r, "backend", "backend.health.command", "health.command is required")
	}
	if b.Health.Interval <= 0 {
		d.addError(r, "backend", "backend.health.interval", "health.interval must be positive")
	}
	if b.Health.Timeout <= 0 {
		d.addError(r, "backend", "backend.health.timeout", "health.timeout must be positive")
	}
	if b.Health.Jitter < 0 {
		d.addError(r, "backend", "backend.health.jitter", "health.jitter must not be negative")
	}
}

// resolveExecutable mirrors how exec resolves a program: names with a path
// separator are files (relative to dir), bare names go through PATH.
func (d *Doctor) resolveExecutable(program, dir string) error {
	if !strings.ContainsRune(program, filepath.Separator) {
		if _, err := d.lookPath(program); err != nil {
			return fmt.Errorf("backend program %q not found in PATH", program)
		}
		return nil
	}

	path := program
	if !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("backend program %q does not exist", path)
	}
	if info.IsDir() {
		return fmt.Errorf("backend program %q is a directory", path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("backend program %q is not executable", path)
	}
	return nil
}

func (d *Doctor) validateTransport(r *Result) {
	t := d.cfg.Transport

	switch t.Kind {
	case config.TransportStdio:
	case config.TransportUnix, config.TransportTCP:
		if t.Address == "" {
			d.addError(r, "transport", "transport.address",
				fmt.Sprintf("transport.address is required for kind %q", t.Kind))
		}
	default:
		d.addError(r, "transport", "transport.kind",
			fmt.Sprintf("invalid transport kind %q (expected stdio, unix or tcp)", t.Kind))
	}

	if _, err := protocol.FramerByName(t.Framing); err != nil {
		d.addError(r, "transport", "transport.framing", err.Error())
	}
	if t.MaxFrameBytes <= 0 {
		d.addError(r, "transport", "transport.max_frame_bytes", "max_frame_bytes must be positive")
	}

	switch {
	case t.Reconnect.MaxAttempts < 0:
		d.addError(r, "transport", "transport.reconnect.max_attempts", "max_attempts must not be negative")
	case t.Reconnect.MaxAttempts == 0:
		d.addWarning(r, "transport", "transport.reconnect.max_attempts",
			"reconnect disabled; a crashed backend stays down until restart")
	case t.Reconnect.Backoff <= 0:
		d.addError(r, "transport", "transport.reconnect.backoff", "backoff must be positive when reconnect is enabled")
	}
}

func (d *Doctor) validateDispatch(r *Result) {
	if d.cfg.Dispatch.DefaultTimeout <= 0 {
		d.addError(r, "dispatch", "dispatch.default_timeout", "default_timeout must be positive")
	}
	names := make([]string, 0, len(d.cfg.Dispatch.Timeouts))
	for name := range d.cfg.Dispatch.Timeouts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if d.cfg.Dispatch.Timeouts[name] <= 0 {
			d.addError(r, "dispatch", "dispatch.timeouts."+name,
				fmt.Sprintf("timeout for %q must be positive", name))
		}
	}
}

func (d *Doctor) validateState(r *Result) {
	if d.cfg.State.Disabled {
		return
	}
	if d.cfg.State.Path == "" {
		d.addError(r, "state", "state.path", "state.path is required unless the journal is disabled")
	}
	if d.cfg.State.Retention < 0 {
		d.addError(r, "state", "state.retention", "retention must not be negative")
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured")
	}
}

func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		if len(token.Scopes) == 0 {
			d.addWarning(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes", i),
				"token has no scopes and can only reach /healthz")
		}
		for j, scope := range token.Scopes {
			if !auth.KnownScope(scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected *, commands:rw, commands:ro, events:ro or journal:ro)", scope))
			}
		}
	}
}

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// warnMissingEnvVars flags ${VAR} references that interpolation left in place.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	check := func(field, value string) {
		for _, m := range envVarRe.FindAllStringSubmatch(value, -1) {
			d.addWarning(r, "env_vars", field, fmt.Sprintf("environment variable ${%s} not set", m[1]))
		}
	}

	check("backend.command", d.cfg.Backend.Command)
	keys := make([]string, 0, len(d.cfg.Backend.Env))
	for k := range d.cfg.Backend.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		check("backend.env."+k, d.cfg.Backend.Env[k])
	}
	check("api.auth.api_key", d.cfg.API.Auth.APIKey)

	for i, token := range d.cfg.API.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d].token", i)
		if token.Token == "" {
			d.addWarning(r, "env_vars", field, "token value is empty (possibly unresolved environment variable)")
			continue
		}
		check(field, token.Token)
	}
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
}

// checkIntegrity compares the config file with its .checksums manifest.
func (d *Doctor) checkIntegrity(r *Result) {
	path := d.cfg.SourcePath
	if path == "" {
		return
	}
	manifest, err := config.LoadChecksums(filepath.Dir(path))
	if errors.Is(err, config.ErrNoManifest) {
		d.addWarning(r, "integrity", config.ChecksumFile,
			"no integrity manifest; run 'pomodoro config lock' to pin this config")
		return
	}
	if err != nil {
		d.addError(r, "integrity", config.ChecksumFile, err.Error())
		return
	}
	expected, ok := manifest.Hashes[filepath.Base(path)]
	if !ok {
		d.addError(r, "integrity", config.ChecksumFile,
			fmt.Sprintf("%s is not listed in the manifest", filepath.Base(path)))
		return
	}
	if err := config.VerifyFileHash(path, expected); err != nil {
		d.addError(r, "integrity", config.ChecksumFile, err.Error())
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
