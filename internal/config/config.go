// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the mailbarrel daemon.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MiB in bytes.
const defaultMaxMessageSize = 26214400

// Config holds the complete application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Rules   RulesConfig   `yaml:"rules"`
	Audit   AuditConfig   `yaml:"audit"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds SMTP listener configuration.
type ServerConfig struct {
	// Address is the bind address. "Any" or empty binds the wildcard address.
	Address  string `yaml:"address"`
	Port     int    `yaml:"port" validate:"gt=0,lte=65535"`
	Hostname string `yaml:"hostname" validate:"required"`
	// CertFile/KeyFile enable implicit TLS on the listener when both are set.
	CertFile          string        `yaml:"cert_file"`
	KeyFile           string        `yaml:"key_file"`
	MaxMessageSize    int64         `yaml:"max_message_size" validate:"gt=0"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" validate:"gt=0"`
}

// StoreConfig holds message store configuration.
type StoreConfig struct {
	// Dir is the directory persisted messages are written to.
	Dir string `yaml:"dir" validate:"required"`
}

// RulesConfig holds rule engine configuration.
type RulesConfig struct {
	// Path is the JSON rule set file. Missing file means no rules.
	Path string `yaml:"path"`
	// PeriodicInterval is how often periodic rules (retention) fire.
	PeriodicInterval time.Duration `yaml:"periodic_interval" validate:"gt=0"`
	// DispatchDelay is the pause between a message arriving and new-message
	// rules running against it, so the store write is visible on disk.
	DispatchDelay time.Duration `yaml:"dispatch_delay"`
}

// AuditConfig holds the receipt log configuration.
type AuditConfig struct {
	// Driver selects the audit backend: "sqlite", "mysql" or "off".
	Driver string `yaml:"driver" validate:"oneof=sqlite mysql off"`
	DSN    string `yaml:"dsn"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints on the loaded configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Audit.Driver != "off" && c.Audit.DSN == "" {
		return fmt.Errorf("invalid configuration: audit driver %q requires a DSN", c.Audit.Driver)
	}
	return nil
}

// TLSConfigured returns true if both certificate and key paths are set.
func (c *ServerConfig) TLSConfigured() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Server.Address = "Any"
	c.Server.Port = 25
	c.Server.Hostname = "mailbarrel.local"
	c.Server.MaxMessageSize = defaultMaxMessageSize
	c.Server.ConnectionTimeout = 5 * time.Minute
	c.Store.Dir = "messages"
	c.Rules.Path = "rules.json"
	c.Rules.PeriodicInterval = time.Minute
	c.Rules.DispatchDelay = 500 * time.Millisecond
	c.Audit.Driver = "off"
	c.Logging.Level = "info"
	c.Logging.Format = "json"
	c.Logging.Output = "stdout"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SMTP_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.Server.Hostname = v
	}
	if v := os.Getenv("SMTP_CERT_FILE"); v != "" {
		c.Server.CertFile = v
	}
	if v := os.Getenv("SMTP_KEY_FILE"); v != "" {
		c.Server.KeyFile = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Server.MaxMessageSize = size
		}
	}
	if v := os.Getenv("SMTP_CONNECTION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Server.ConnectionTimeout = d
		}
	}

	if v := os.Getenv("STORE_DIR"); v != "" {
		c.Store.Dir = v
	}

	if v := os.Getenv("RULES_PATH"); v != "" {
		c.Rules.Path = v
	}
	if v := os.Getenv("RULES_PERIODIC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Rules.PeriodicInterval = d
		}
	}
	if v := os.Getenv("RULES_DISPATCH_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Rules.DispatchDelay = d
		}
	}

	if v := os.Getenv("AUDIT_DRIVER"); v != "" {
		c.Audit.Driver = v
	}
	if v := os.Getenv("AUDIT_DSN"); v != "" {
		c.Audit.DSN = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}
}
