// ABOUTME: Configuration loading and parsing for parley-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete parley-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Sessions SessionsConfig `yaml:"sessions"`
	Broker   BrokerConfig   `yaml:"broker"`
	Meetings MeetingsConfig `yaml:"meetings"`
	Topics   TopicsConfig   `yaml:"topics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	KeyTTL    time.Duration `yaml:"-"`
	KeyTTLRaw string        `yaml:"key_ttl"` // default expiry for issued keys; empty = no expiry
}

// SessionsConfig holds session liveness configuration
type SessionsConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	IdleTimeout       time.Duration `yaml:"-"`
	CloseTimeout      time.Duration `yaml:"-"`
	AllowReconnect    bool          `yaml:"allow_reconnect"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	IdleTimeoutRaw       string `yaml:"idle_timeout"`
	CloseTimeoutRaw      string `yaml:"close_timeout"`
}

// BrokerConfig holds message router configuration
type BrokerConfig struct {
	// QueueBound is the maximum number of pending messages per target session.
	QueueBound int `yaml:"queue_bound"`
}

// MeetingsConfig holds discussion coordinator configuration
type MeetingsConfig struct {
	MaxRounds        int    `yaml:"max_rounds"`
	AbsenceThreshold int    `yaml:"absence_threshold"`
	ConsensusPolicy  string `yaml:"consensus_policy"` // "unanimous" or "majority"

	RoundTimeout    time.Duration `yaml:"-"`
	RoundTimeoutRaw string        `yaml:"round_timeout"`
}

// TopicsConfig holds topic analyzer configuration
type TopicsConfig struct {
	MinClusterSize int `yaml:"min_cluster_size"`

	Window    time.Duration `yaml:"-"`
	WindowRaw string        `yaml:"window"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when fields are unset.
const (
	DefaultQueueBound       = 256
	DefaultMaxRounds        = 5
	DefaultAbsenceThreshold = 2
	DefaultConsensusPolicy  = "unanimous"
	DefaultMinClusterSize   = 3
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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

// applyDefaults fills in defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Sessions.HeartbeatInterval == 0 {
		c.Sessions.HeartbeatInterval = 15 * time.Second
	}
	if c.Sessions.IdleTimeout == 0 {
		c.Sessions.IdleTimeout = 45 * time.Second
	}
	if c.Sessions.CloseTimeout == 0 {
		c.Sessions.CloseTimeout = 2 * time.Minute
	}
	if c.Broker.QueueBound == 0 {
		c.Broker.QueueBound = DefaultQueueBound
	}
	if c.Meetings.MaxRounds == 0 {
		c.Meetings.MaxRounds = DefaultMaxRounds
	}
	if c.Meetings.AbsenceThreshold == 0 {
		c.Meetings.AbsenceThreshold = DefaultAbsenceThreshold
	}
	if c.Meetings.ConsensusPolicy == "" {
		c.Meetings.ConsensusPolicy = DefaultConsensusPolicy
	}
	if c.Meetings.RoundTimeout == 0 {
		c.Meetings.RoundTimeout = 2 * time.Minute
	}
	if c.Topics.MinClusterSize == 0 {
		c.Topics.MinClusterSize = DefaultMinClusterSize
	}
	if c.Topics.Window == 0 {
		c.Topics.Window = 24 * time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	switch c.Meetings.ConsensusPolicy {
	case "unanimous", "majority":
	default:
		return fmt.Errorf("meetings.consensus_policy must be %q or %q, got %q",
			"unanimous", "majority", c.Meetings.ConsensusPolicy)
	}
	if c.Sessions.IdleTimeout < c.Sessions.HeartbeatInterval {
		return fmt.Errorf("sessions.idle_timeout must be at least sessions.heartbeat_interval")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Auth.KeyTTLRaw, &cfg.Auth.KeyTTL, "auth.key_ttl"},
		{cfg.Sessions.HeartbeatIntervalRaw, &cfg.Sessions.HeartbeatInterval, "sessions.heartbeat_interval"},
		{cfg.Sessions.IdleTimeoutRaw, &cfg.Sessions.IdleTimeout, "sessions.idle_timeout"},
		{cfg.Sessions.CloseTimeoutRaw, &cfg.Sessions.CloseTimeout, "sessions.close_timeout"},
		{cfg.Meetings.RoundTimeoutRaw, &cfg.Meetings.RoundTimeout, "meetings.round_timeout"},
		{cfg.Topics.WindowRaw, &cfg.Topics.Window, "topics.window"},
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
