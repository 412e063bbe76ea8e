// ABOUTME: Configuration loading for the pi-agent and pi-panel daemons
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig is the device-side daemon configuration.
type AgentConfig struct {
	Socket  SocketConfig  `yaml:"socket"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Logging LoggingConfig `yaml:"logging"`
}

// PanelConfig is the browser-facing backend configuration.
type PanelConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Agent     AgentLinkConfig `yaml:"agent"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

// SocketConfig holds the Unix socket the agent listens on.
type SocketConfig struct {
	Path string `yaml:"path"`
	// Mode is an octal string like "0660"; owner/group manage access.
	Mode string `yaml:"mode"`
}

// JobsConfig holds worker-pool tuning.
type JobsConfig struct {
	MaxConcurrent  int           `yaml:"max_concurrent"`
	DefaultTimeout time.Duration `yaml:"-"`

	DefaultTimeoutRaw string `yaml:"default_timeout"`
}

// ServerConfig holds the panel HTTP listen address.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds the panel SQLite path.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentLinkConfig holds how the panel reaches the agent socket.
type AgentLinkConfig struct {
	SocketPath  string        `yaml:"socket_path"`
	CallTimeout time.Duration `yaml:"-"`

	CallTimeoutRaw string `yaml:"call_timeout"`
}

// AuthConfig holds session token configuration.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-"`

	TokenTTLRaw string `yaml:"token_ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ReconcileConfig holds the panel's agent-polling cadence.
type ReconcileConfig struct {
	Interval time.Duration `yaml:"-"`

	IntervalRaw string `yaml:"interval"`
}

// LoadAgent reads and validates the agent configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := &AgentConfig{}
	if err := load(path, cfg); err != nil {
		return nil, err
	}

	if cfg.Jobs.DefaultTimeoutRaw != "" {
		d, err := time.ParseDuration(cfg.Jobs.DefaultTimeoutRaw)
		if err != nil {
			return nil, fmt.Errorf("parsing jobs.default_timeout %q: %w", cfg.Jobs.DefaultTimeoutRaw, err)
		}
		cfg.Jobs.DefaultTimeout = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// LoadPanel reads and validates the panel configuration file.
func LoadPanel(path string) (*PanelConfig, error) {
	cfg := &PanelConfig{}
	if err := load(path, cfg); err != nil {
		return nil, err
	}

	durations := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Agent.CallTimeoutRaw, "agent.call_timeout", &cfg.Agent.CallTimeout},
		{cfg.Auth.TokenTTLRaw, "auth.token_ttl", &cfg.Auth.TokenTTL},
		{cfg.Reconcile.IntervalRaw, "reconcile.interval", &cfg.Reconcile.Interval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = parsed
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func load(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), out); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks required agent fields and applies defaults.
func (c *AgentConfig) Validate() error {
	if c.Socket.Path == "" {
		return fmt.Errorf("socket.path is required")
	}
	if c.Socket.Mode == "" {
		c.Socket.Mode = "0660"
	}
	if _, err := c.SocketMode(); err != nil {
		return err
	}
	if c.Jobs.MaxConcurrent < 0 {
		return fmt.Errorf("jobs.max_concurrent must not be negative")
	}
	return nil
}

// SocketMode parses the configured octal mode string.
func (c *AgentConfig) SocketMode() (os.FileMode, error) {
	mode, err := strconv.ParseUint(c.Socket.Mode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing socket.mode %q: %w", c.Socket.Mode, err)
	}
	return os.FileMode(mode), nil
}

// Validate checks required panel fields and applies defaults.
func (c *PanelConfig) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Agent.SocketPath == "" {
		return fmt.Errorf("agent.socket_path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Agent.CallTimeout == 0 {
		c.Agent.CallTimeout = 10 * time.Second
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Reconcile.Interval == 0 {
		c.Reconcile.Interval = 2 * time.Second
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	return nil
}
