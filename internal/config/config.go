// ABOUTME: Configuration loading and parsing for miner-gateway
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that influence configuration
const (
	EnvConfigPath = "MINER_GATEWAY_CONFIG"
	EnvDBPath     = "MINER_GATEWAY_DB_PATH"
)

// Config represents the complete miner-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Agents    AgentsConfig    `yaml:"agents"`
	Commands  CommandsConfig  `yaml:"commands"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"` // optional gRPC health endpoint
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // serve HTTPS on :443 with a tailnet certificate
	Funnel    bool   `yaml:"funnel"` // expose publicly via Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds operator authentication configuration.
// An empty JWTSecret disables authentication on the operator API.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-"`

	TokenTTLRaw string `yaml:"token_ttl"`
}

// SecretsConfig holds the key used to encrypt device passwords at rest
type SecretsConfig struct {
	Key string `yaml:"key"`
}

// AgentsConfig holds agent connection configuration
type AgentsConfig struct {
	IdleTimeout        time.Duration `yaml:"-"`
	PingGrace          time.Duration `yaml:"-"`
	WriteTimeout       time.Duration `yaml:"-"`
	MaxMessageBytes    int64         `yaml:"max_message_bytes"`
	SendBuffer         int           `yaml:"send_buffer"`
	MalformedPerMinute int           `yaml:"malformed_per_minute"`

	// Raw string values for YAML unmarshaling
	IdleTimeoutRaw  string `yaml:"idle_timeout"`
	PingGraceRaw    string `yaml:"ping_grace"`
	WriteTimeoutRaw string `yaml:"write_timeout"`
}

// CommandsConfig holds command dispatch configuration
type CommandsConfig struct {
	ScanTimeout  time.Duration `yaml:"-"`
	ReplayWindow time.Duration `yaml:"-"`
	DedupeTTL    time.Duration `yaml:"-"`

	ScanTimeoutRaw  string `yaml:"scan_timeout"`
	ReplayWindowRaw string `yaml:"replay_window"`
	DedupeTTLRaw    string `yaml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults
const (
	DefaultTokenTTL           = 24 * time.Hour
	DefaultIdleTimeout        = 35 * time.Second
	DefaultPingGrace          = 10 * time.Second
	DefaultWriteTimeout       = 10 * time.Second
	DefaultMaxMessageBytes    = 1 << 20
	DefaultSendBuffer         = 64
	DefaultMalformedPerMinute = 30
	DefaultScanTimeout        = 120 * time.Second
	DefaultReplayWindow       = 10 * time.Minute
	DefaultDedupeTTL          = 5 * time.Minute
)

// DefaultPath returns the path to the gateway config file.
// Priority: MINER_GATEWAY_CONFIG env var > XDG_CONFIG_HOME/miner-gateway/gateway.yaml > ~/.config/miner-gateway/gateway.yaml
func DefaultPath() string {
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath
	}
	return filepath.Join(Dir(), "gateway.yaml")
}

// Dir returns the miner-gateway config directory
func Dir() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "." // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "miner-gateway")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML. See Load.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := ExpandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if dbPath := os.Getenv(EnvDBPath); dbPath != "" {
		cfg.Database.Path = dbPath
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ExpandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func ExpandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	setDuration(&c.Auth.TokenTTL, DefaultTokenTTL)
	setDuration(&c.Agents.IdleTimeout, DefaultIdleTimeout)
	setDuration(&c.Agents.PingGrace, DefaultPingGrace)
	setDuration(&c.Agents.WriteTimeout, DefaultWriteTimeout)
	setDuration(&c.Commands.ScanTimeout, DefaultScanTimeout)
	setDuration(&c.Commands.ReplayWindow, DefaultReplayWindow)
	setDuration(&c.Commands.DedupeTTL, DefaultDedupeTTL)

	if c.Agents.MaxMessageBytes == 0 {
		c.Agents.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.Agents.SendBuffer == 0 {
		c.Agents.SendBuffer = DefaultSendBuffer
	}
	if c.Agents.MalformedPerMinute == 0 {
		c.Agents.MalformedPerMinute = DefaultMalformedPerMinute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Secrets.Key == "" {
		return fmt.Errorf("secrets.key is required")
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"auth.token_ttl", c.Auth.TokenTTL},
		{"agents.idle_timeout", c.Agents.IdleTimeout},
		{"agents.ping_grace", c.Agents.PingGrace},
		{"agents.write_timeout", c.Agents.WriteTimeout},
		{"commands.scan_timeout", c.Commands.ScanTimeout},
		{"commands.replay_window", c.Commands.ReplayWindow},
		{"commands.dedupe_ttl", c.Commands.DedupeTTL},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}

	if c.Agents.PingGrace >= c.Agents.IdleTimeout {
		return fmt.Errorf("agents.ping_grace (%s) must be shorter than agents.idle_timeout (%s)",
			c.Agents.PingGrace, c.Agents.IdleTimeout)
	}

	if c.Agents.MaxMessageBytes < 0 || c.Agents.SendBuffer < 0 || c.Agents.MalformedPerMinute < 0 {
		return fmt.Errorf("agents limits must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"idle_timeout", cfg.Agents.IdleTimeoutRaw, &cfg.Agents.IdleTimeout},
		{"ping_grace", cfg.Agents.PingGraceRaw, &cfg.Agents.PingGrace},
		{"write_timeout", cfg.Agents.WriteTimeoutRaw, &cfg.Agents.WriteTimeout},
		{"scan_timeout", cfg.Commands.ScanTimeoutRaw, &cfg.Commands.ScanTimeout},
		{"replay_window", cfg.Commands.ReplayWindowRaw, &cfg.Commands.ReplayWindow},
		{"dedupe_ttl", cfg.Commands.DedupeTTLRaw, &cfg.Commands.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
