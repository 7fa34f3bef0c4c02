// ABOUTME: Configuration loading for the miner-agent field process
// ABOUTME: TOML file with ${VAR} expansion, parsed durations and environment overrides

package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment overrides applied after the file is read.
const (
	EnvConfigPath = "MINER_AGENT_CONFIG"
	EnvToken      = "AGENT_TOKEN"
	EnvServerURL  = "SERVER_URL"
	EnvScanRange  = "SCAN_RANGE"
	EnvPort       = "WHATSMINER_PORT"
)

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Scan       ScanConfig       `toml:"scan"`
	Device     DeviceConfig     `toml:"device"`
	Connection ConnectionConfig `toml:"connection"`
	Logging    LoggingConfig    `toml:"logging"`
}

type ServerConfig struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

type ScanConfig struct {
	Range       string   `toml:"range"` // empty means the local /24
	Port        int      `toml:"port"`
	Interval    duration `toml:"interval"`
	Timeout     duration `toml:"timeout"`
	Concurrency int      `toml:"concurrency"`
}

type DeviceConfig struct {
	DefaultPassword string   `toml:"default_password"`
	Timeout         duration `toml:"timeout"`
}

type ConnectionConfig struct {
	PingInterval  duration `toml:"ping_interval"`
	IdleTimeout   duration `toml:"idle_timeout"`
	RetryInterval duration `toml:"retry_interval"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// duration decodes TOML strings like "120s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// defaultConfigPath: MINER_AGENT_CONFIG > XDG_CONFIG_HOME/miner-agent/agent.toml > ~/.config/miner-agent/agent.toml
func defaultConfigPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "agent.toml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "miner-agent", "agent.toml")
}

func defaultConfig() Config {
	return Config{
		Scan: ScanConfig{
			Port:        4028,
			Interval:    duration{120 * time.Second},
			Timeout:     duration{2 * time.Second},
			Concurrency: 50,
		},
		Device: DeviceConfig{
			DefaultPassword: "admin",
			Timeout:         duration{10 * time.Second},
		},
		Connection: ConnectionConfig{
			PingInterval:  duration{20 * time.Second},
			IdleTimeout:   duration{35 * time.Second},
			RetryInterval: duration{5 * time.Second},
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads config from path. A missing file is allowed so the agent can run
// from environment variables alone.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(string(data))
}

// Parse decodes TOML, applies environment overrides and validates.
func Parse(data string) (*Config, error) {
	cfg := defaultConfig()
	if _, err := toml.Decode(expandEnvVars(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvToken); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv(EnvServerURL); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv(EnvScanRange); v != "" {
		c.Scan.Range = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be a number: %w", EnvPort, err)
		}
		c.Scan.Port = port
	}
	return nil
}

// Validate checks that required fields are present and valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.URL) == "" {
		return fmt.Errorf("server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url is not a valid URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("server.url must use http, https, ws or wss scheme")
	}
	if strings.TrimSpace(c.Server.Token) == "" {
		return fmt.Errorf("server.token is required (or set %s)", EnvToken)
	}
	if c.Scan.Port <= 0 || c.Scan.Port > 65535 {
		return fmt.Errorf("scan.port must be between 1 and 65535")
	}
	for name, d := range map[string]duration{
		"scan.interval":             c.Scan.Interval,
		"scan.timeout":              c.Scan.Timeout,
		"device.timeout":            c.Device.Timeout,
		"connection.ping_interval":  c.Connection.PingInterval,
		"connection.idle_timeout":   c.Connection.IdleTimeout,
		"connection.retry_interval": c.Connection.RetryInterval,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
