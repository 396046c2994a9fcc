package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ConfigEnvVar overrides config discovery.
const ConfigEnvVar = "POMODORO_BRIDGE_CONFIG"

// Load reads and parses configuration from a file (or a directory holding
// config.yaml). Defaults are applied before validation; when a .checksums
// manifest sits next to the file, the file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}
	cfg, err := readConfig(absPath)
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Inspect reads configuration like Load but skips validation and the
// integrity check, so a doctor can report every problem at once.
func Inspect(configPath string) (*Config, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	return readConfig(absPath)
}

func resolveConfigFile(configPath string) (string, error) {
	// Resolve to absolute path for consistent relative path resolution
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

func readConfig(absPath string) (*Config, error) {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err == nil {
		cfg.SourceNode = &node
	}

	resolveRelativePaths(cfg, filepath.Dir(absPath))
	return cfg, nil
}

// Parse decodes YAML (after ${VAR} interpolation) on top of Defaults().
// It does not validate.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if cfg.Dispatch.Timeouts == nil {
		cfg.Dispatch.Timeouts = make(map[string]time.Duration)
	}
	return cfg, nil
}

// DiscoverConfigPath finds the config by checking standard locations.
// Priority order: $POMODORO_BRIDGE_CONFIG, ~/.config/pomodoro-bridge/config.yaml, ./config.yaml
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv(ConfigEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "pomodoro-bridge", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/pomodoro-bridge/config.yaml, ./config.yaml)", ConfigEnvVar)
}

// resolveRelativePaths anchors relative paths at the config file's directory.
func resolveRelativePaths(cfg *Config, baseDir string) {
	if cfg.State.Path != "" && !filepath.IsAbs(cfg.State.Path) {
		cfg.State.Path = filepath.Join(baseDir, cfg.State.Path)
	}
	if cfg.Backend.Dir != "" && !filepath.IsAbs(cfg.Backend.Dir) {
		cfg.Backend.Dir = filepath.Join(baseDir, cfg.Backend.Dir)
	}
	if cfg.Backend.Dir == "" {
		cfg.Backend.Dir = baseDir
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.Service.GracePeriod <= 0 {
		return fmt.Errorf("service.grace_period must be positive")
	}

	// Backend validation
	if strings.TrimSpace(cfg.Backend.Command) == "" {
		return fmt.Errorf("backend.command is required")
	}
	if err := unresolved("backend.command", cfg.Backend.Command); err != nil {
		return err
	}
	for k, v := range cfg.Backend.Env {
		if err := unresolved("backend.env."+k, v); err != nil {
			return err
		}
	}
	if cfg.Backend.StartupTimeout <= 0 {
		return fmt.Errorf("backend.startup_timeout must be positive")
	}
	if cfg.Backend.StopTimeout <= 0 {
		return fmt.Errorf("backend.stop_timeout must be positive")
	}
	if cfg.Backend.Health.Command == "" {
		return fmt.Errorf("backend.health.command is required")
	}
	if cfg.Backend.Health.Interval <= 0 || cfg.Backend.Health.Timeout <= 0 {
		return fmt.Errorf("backend.health.interval and backend.health.timeout must be positive")
	}
	if cfg.Backend.Health.Jitter < 0 {
		return fmt.Errorf("backend.health.jitter must not be negative")
	}

	// Transport validation
	switch cfg.Transport.Kind {
	case TransportStdio:
	case TransportUnix, TransportTCP:
		if cfg.Transport.Address == "" {
			return fmt.Errorf("transport.address is required for transport.kind=%s", cfg.Transport.Kind)
		}
	default:
		return fmt.Errorf("transport.kind must be one of: stdio, unix, tcp (got %q)", cfg.Transport.Kind)
	}
	if cfg.Transport.Framing != "lines" && cfg.Transport.Framing != "length" {
		return fmt.Errorf("transport.framing must be lines or length (got %q)", cfg.Transport.Framing)
	}
	if cfg.Transport.MaxFrameBytes <= 0 {
		return fmt.Errorf("transport.max_frame_bytes must be positive")
	}
	if cfg.Transport.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("transport.reconnect.max_attempts must not be negative")
	}
	if cfg.Transport.Reconnect.MaxAttempts > 0 && cfg.Transport.Reconnect.Backoff <= 0 {
		return fmt.Errorf("transport.reconnect.backoff must be positive when reconnects are enabled")
	}

	// Dispatch validation
	if cfg.Dispatch.DefaultTimeout <= 0 {
		return fmt.Errorf("dispatch.default_timeout must be positive")
	}
	for name, t := range cfg.Dispatch.Timeouts {
		if t <= 0 {
			return fmt.Errorf("dispatch.timeouts.%s must be positive", name)
		}
	}

	// State validation
	if !cfg.State.Disabled && cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	// API validation
	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	return nil
}

// unresolved reports a ${VAR} placeholder that survived interpolation.
func unresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
