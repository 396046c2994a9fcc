package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete pomodoro-bridge configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Backend   BackendConfig   `yaml:"backend"`
	Transport TransportConfig `yaml:"transport"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	State     StateConfig     `yaml:"state"`
	API       APIConfig       `yaml:"api,omitempty"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-" json:"-"`
	// SourceNode is the parsed YAML document, kept for `config show`.
	SourceNode *yaml.Node `yaml:"-" json:"-"`
}

// ServiceConfig defines core host settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// GracePeriod bounds shutdown: dispatcher drain plus backend stop.
	GracePeriod time.Duration `yaml:"grace_period"`
}

// BackendConfig describes how to launch and supervise the backend process.
type BackendConfig struct {
	// Command is a shell-like command line, e.g. "python3 backend/app.py".
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args,omitempty"`
	Dir            string            `yaml:"dir,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	StartupTimeout time.Duration     `yaml:"startup_timeout"`
	StopTimeout    time.Duration     `yaml:"stop_timeout"`
	Health         HealthConfig      `yaml:"health"`
}

// HealthConfig defines backend health probing.
type HealthConfig struct {
	Command  string        `yaml:"command"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Jitter   time.Duration `yaml:"jitter,omitempty"`
}

// TransportConfig defines the channel between host and backend.
type TransportConfig struct {
	Kind          string          `yaml:"kind"`    // stdio | unix | tcp
	Address       string          `yaml:"address"` // socket path or host:port
	Framing       string          `yaml:"framing"` // lines | length
	MaxFrameBytes int             `yaml:"max_frame_bytes"`
	CancelCommand string          `yaml:"cancel_command"`
	Reconnect     ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig is the explicit restart policy after an unexpected disconnect.
// MaxAttempts of 0 disables restarts.
type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// DispatchConfig defines request lifecycle settings.
type DispatchConfig struct {
	DefaultTimeout time.Duration            `yaml:"default_timeout"`
	Timeouts       map[string]time.Duration `yaml:"timeouts,omitempty"`
}

// StateConfig defines journal storage settings.
type StateConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
	// Disabled turns the command journal off entirely.
	Disabled bool `yaml:"disabled,omitempty"`
}

// APIConfig defines the local HTTP surface.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
	CORS    CORSConfig    `yaml:"cors,omitempty"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// CORSConfig lists origins allowed to call the API from a browser or webview.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// Transport kinds.
const (
	TransportStdio = "stdio"
	TransportUnix  = "unix"
	TransportTCP   = "tcp"
)

// Defaults returns a Config with every default made explicit.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "pomodoro-bridge",
			LogLevel:    "info",
			LogFormat:   "json",
			GracePeriod: 5 * time.Second,
		},
		Backend: BackendConfig{
			StartupTimeout: 10 * time.Second,
			StopTimeout:    5 * time.Second,
			Health: HealthConfig{
				Command:  "health",
				Interval: 5 * time.Second,
				Timeout:  2 * time.Second,
			},
		},
		Transport: TransportConfig{
			Kind:          TransportStdio,
			Framing:       "lines",
			MaxFrameBytes: 1 << 20,
			CancelCommand: "$/cancel",
			Reconnect: ReconnectConfig{
				MaxAttempts: 0,
				Backoff:     1 * time.Second,
				MaxBackoff:  30 * time.Second,
			},
		},
		Dispatch: DispatchConfig{
			DefaultTimeout: 30 * time.Second,
			Timeouts:       make(map[string]time.Duration),
		},
		State: StateConfig{
			Path:      "./data/bridge.db",
			Retention: 30 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8765",
		},
	}
}

// TimeoutFor returns the deadline for a command, falling back to the default.
func (d DispatchConfig) TimeoutFor(command string) time.Duration {
	if t, ok := d.Timeouts[command]; ok && t > 0 {
		return t
	}
	if d.DefaultTimeout > 0 {
		return d.DefaultTimeout
	}
	return 30 * time.Second
}
