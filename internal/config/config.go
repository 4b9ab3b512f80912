package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultListen is the default REST listen address
	DefaultListen = ":3000"
	// ConfigFileName is the default persisted config file
	ConfigFileName = "mcp_config.json"
	// EnvConfigPath overrides the config file location
	EnvConfigPath = "MCP_CONFIG_PATH"
)

// TransportType identifies how a backend is reached
type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportHTTP  TransportType = "http"
	TransportSSE   TransportType = "sse"
)

// RiskLevel is the policy band that gates tools/call
type RiskLevel int

const (
	// RiskUnset means no risk policy applies (treated as low)
	RiskUnset RiskLevel = 0
	RiskLow   RiskLevel = 1
	// RiskMedium requires an explicit confirmation before dispatch
	RiskMedium RiskLevel = 2
	// RiskHigh requires the backend to run inside the isolation runtime
	RiskHigh RiskLevel = 3
)

// String returns the human name for a risk level
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unset"
	}
}

// Valid reports whether the level is one of the defined bands
func (r RiskLevel) Valid() bool {
	return r >= RiskUnset && r <= RiskHigh
}

// Description returns the operator-facing explanation surfaced in
// confirmation challenges and execution-environment annotations
func (r RiskLevel) Description() string {
	switch r {
	case RiskMedium:
		return "Medium risk: requires explicit confirmation before execution"
	case RiskHigh:
		return "High risk: executed inside an isolated container"
	default:
		return "Low risk: executed directly"
	}
}

// Config is the top-level bridge configuration
type Config struct {
	Listen     string                   `json:"listen,omitempty" mapstructure:"listen"`
	ConfigPath string                   `json:"-" mapstructure:"config"`
	Servers    map[string]*ServerConfig `json:"mcpServers" mapstructure:"mcpServers"`
	Logging    *LogConfig               `json:"logging,omitempty" mapstructure:"logging"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"`       // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"` // number of backup files
	MaxAge        int    `json:"max_age" mapstructure:"max-age"`         // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// ServerConfig describes one upstream MCP backend
type ServerConfig struct {
	Type    TransportType     `json:"type,omitempty" mapstructure:"type"`
	Command string            `json:"command,omitempty" mapstructure:"command"`
	Args    []string          `json:"args,omitempty" mapstructure:"args"`
	Env     map[string]string `json:"env,omitempty" mapstructure:"env"`
	URL     string            `json:"url,omitempty" mapstructure:"url"`
	Headers map[string]string `json:"headers,omitempty" mapstructure:"headers"`

	RiskLevel       RiskLevel     `json:"risk_level,omitempty" mapstructure:"risk-level"`
	RiskDescription string        `json:"risk_description,omitempty" mapstructure:"risk-description"`
	Docker          *DockerConfig `json:"docker,omitempty" mapstructure:"docker"`
	SSE             *SSEConfig    `json:"sse,omitempty" mapstructure:"sse"`
}

// DockerConfig is the isolation descriptor required for high-risk backends
type DockerConfig struct {
	Image   string   `json:"image" mapstructure:"image"`
	Volumes []string `json:"volumes,omitempty" mapstructure:"volumes"`
	Network string   `json:"network,omitempty" mapstructure:"network"`
}

// Complete reports whether the descriptor is usable for isolation
func (d *DockerConfig) Complete() bool {
	return d != nil && d.Image != ""
}

// SSEConfig tunes the SSE transport retry and liveness behavior
type SSEConfig struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval,omitempty" mapstructure:"heartbeat-interval"`
	MaxRetries        int           `json:"max_retries,omitempty" mapstructure:"max-retries"`
	RetryDelay        time.Duration `json:"retry_delay,omitempty" mapstructure:"retry-delay"`
}

// Transport resolves the effective transport type, inferring it from the
// spec shape when the type field is absent: a command means stdio, a URL
// ending in /sse means sse, any other URL means http.
func (s *ServerConfig) Transport() TransportType {
	if s.Type != "" {
		return s.Type
	}
	if s.Command != "" {
		return TransportStdio
	}
	if strings.HasSuffix(strings.TrimRight(s.URL, "/"), "/sse") {
		return TransportSSE
	}
	return TransportHTTP
}

// Validate checks a single backend spec for structural problems that
// cannot be repaired by Normalize
func (s *ServerConfig) Validate() error {
	switch s.Transport() {
	case TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("stdio backend requires a command")
		}
	case TransportHTTP, TransportSSE:
		if s.URL == "" {
			return fmt.Errorf("%s backend requires a url", s.Transport())
		}
		if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
			return fmt.Errorf("invalid backend url %q", s.URL)
		}
	default:
		return fmt.Errorf("unsupported transport type %q", s.Type)
	}
	return nil
}

// Clone returns a deep copy of the spec so callers can mutate it without
// affecting the registry snapshot
func (s *ServerConfig) Clone() *ServerConfig {
	if s == nil {
		return nil
	}
	out := *s
	out.Args = append([]string(nil), s.Args...)
	if s.Env != nil {
		out.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			out.Env[k] = v
		}
	}
	if s.Headers != nil {
		out.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			out.Headers[k] = v
		}
	}
	if s.Docker != nil {
		d := *s.Docker
		d.Volumes = append([]string(nil), s.Docker.Volumes...)
		out.Docker = &d
	}
	if s.SSE != nil {
		c := *s.SSE
		out.SSE = &c
	}
	return &out
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Listen:  DefaultListen,
		Servers: make(map[string]*ServerConfig),
		Logging: &LogConfig{
			Level:         "info",
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
		},
	}
}
