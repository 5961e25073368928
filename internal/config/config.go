// ABOUTME: Configuration loading and parsing for ag-mesh-relay
// ABOUTME: Supports JSON/YAML files with environment variable expansion, defaults, and env overrides

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DatabaseOff disables the agent lifecycle ledger.
const DatabaseOff = "off"

// Config represents the complete ag-mesh-relay configuration
type Config struct {
	Agents    []AgentConfig   `yaml:"agents" json:"agents"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Relay     RelayConfig     `yaml:"relay" json:"relay"`
	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
}

// AgentConfig describes an agent that may be started with the relay
type AgentConfig struct {
	ID          string `yaml:"id" json:"id"`
	WorkingPath string `yaml:"workingPath" json:"workingPath,omitempty"`
	Agent       string `yaml:"agent" json:"agent,omitempty"`
	AutoStart   bool   `yaml:"autoStart" json:"autoStart"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	Host           string   `yaml:"host" json:"host"`
	Port           int      `yaml:"port" json:"port"`
	MaxPort        int      `yaml:"maxPort" json:"maxPort"`
	GRPCHealthAddr string   `yaml:"grpcHealthAddr" json:"grpcHealthAddr"`
	AllowedOrigins []string `yaml:"allowedOrigins" json:"allowedOrigins"`
}

// RelayConfig holds liveness, agent, and ingress settings
type RelayConfig struct {
	ReapInterval  time.Duration `yaml:"-" json:"-"`
	StaleTimeout  time.Duration `yaml:"-" json:"-"`
	ShutdownGrace time.Duration `yaml:"-" json:"-"`
	WriteTimeout  time.Duration `yaml:"-" json:"-"`

	// Raw string values for unmarshaling
	ReapIntervalRaw  string `yaml:"reapInterval" json:"reapInterval"`
	StaleTimeoutRaw  string `yaml:"staleTimeout" json:"staleTimeout"`
	ShutdownGraceRaw string `yaml:"shutdownGrace" json:"shutdownGrace"`
	WriteTimeoutRaw  string `yaml:"writeTimeout" json:"writeTimeout"`

	AgentCommand      string `yaml:"agentCommand" json:"agentCommand"`
	BridgeAgentOutput bool   `yaml:"bridgeAgentOutput" json:"bridgeAgentOutput"`
	StrictSchemas     bool   `yaml:"strictSchemas" json:"strictSchemas"`
	MaxMessageBytes   int64  `yaml:"maxMessageBytes" json:"maxMessageBytes"`
}

// DatabaseConfig holds ledger configuration
type DatabaseConfig struct {
	Path string `yaml:"path" json:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// TelemetryConfig holds OpenTelemetry exporter configuration
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	Insecure     bool   `yaml:"insecure" json:"insecure"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{
		Agents: []AgentConfig{},
		Server: ServerConfig{
			Host:           "localhost",
			Port:           10000,
			MaxPort:        10100,
			AllowedOrigins: []string{},
		},
		Relay: RelayConfig{
			ReapIntervalRaw:   "10s",
			StaleTimeoutRaw:   "30s",
			ShutdownGraceRaw:  "5s",
			WriteTimeoutRaw:   "10s",
			AgentCommand:      "kiro-cli",
			BridgeAgentOutput: true,
			MaxMessageBytes:   1 << 20,
		},
		Database: DatabaseConfig{Path: DefaultDatabasePath()},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
	_ = parseDurations(cfg)
	return cfg
}

// DefaultPath returns $AG_MESH_RELAY_CONFIG, or config.json under the XDG
// config directory.
func DefaultPath() string {
	if p := os.Getenv("AG_MESH_RELAY_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "ag-mesh-relay", "config.json")
}

// DefaultDatabasePath returns relay.db under the XDG data directory.
func DefaultDatabasePath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), "ag-mesh-relay", "relay.db")
}

func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fallback
	}
	return filepath.Join(home, fallback)
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded, fields absent
// from the file keep their defaults, and HOST/PORT style overrides are applied
// before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrCreate loads path, writing the default configuration there first if
// the file does not exist. created reports whether a file was written.
func LoadOrCreate(path string) (cfg *Config, created bool, err error) {
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if err := WriteDefault(path); err != nil {
			return nil, false, err
		}
		created = true
	}
	cfg, err = Load(path)
	return cfg, created, err
}

// WriteDefault writes the default configuration to path as indented JSON,
// creating parent directories as needed.
func WriteDefault(path string) error {
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}
	return nil
}

// ApplyEnv overlays environment overrides. HOST and PORT take precedence over
// the server block.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("HOST"); ok && v != "" {
		c.Server.Host = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT %q is not a number", v)
		}
		c.Server.Port = port
		if c.Server.MaxPort < port {
			c.Server.MaxPort = port
		}
	}
	if v, ok := lookup("AG_MESH_RELAY_DB_PATH"); ok && v != "" {
		c.Database.Path = v
	}
	if v, ok := lookup("OTEL_EXPORTER_OTLP_ENDPOINT"); ok && v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	return nil
}

// DatabaseEnabled reports whether the ledger should be opened.
func (c *Config) DatabaseEnabled() bool {
	return c.Database.Path != "" && c.Database.Path != DatabaseOff
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range 1-65535", c.Server.Port)
	}
	if c.Server.MaxPort < c.Server.Port || c.Server.MaxPort > 65535 {
		return fmt.Errorf("server.maxPort %d must be between server.port %d and 65535", c.Server.MaxPort, c.Server.Port)
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d].id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("agents[%d].id %q is duplicated", i, a.ID)
		}
		seen[a.ID] = true
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"relay.reapInterval", c.Relay.ReapInterval},
		{"relay.staleTimeout", c.Relay.StaleTimeout},
		{"relay.shutdownGrace", c.Relay.ShutdownGrace},
		{"relay.writeTimeout", c.Relay.WriteTimeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}

	if c.Relay.MaxMessageBytes < 0 {
		return fmt.Errorf("relay.maxMessageBytes must not be negative")
	}
	if c.Relay.AgentCommand == "" {
		return fmt.Errorf("relay.agentCommand is required")
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
		{"reapInterval", cfg.Relay.ReapIntervalRaw, &cfg.Relay.ReapInterval},
		{"staleTimeout", cfg.Relay.StaleTimeoutRaw, &cfg.Relay.StaleTimeout},
		{"shutdownGrace", cfg.Relay.ShutdownGraceRaw, &cfg.Relay.ShutdownGrace},
		{"writeTimeout", cfg.Relay.WriteTimeoutRaw, &cfg.Relay.WriteTimeout},
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
