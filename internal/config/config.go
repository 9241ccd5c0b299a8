// Package config provides YAML-file configuration layered under environment
// variables. File values are the base, environment variables always win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default limits for the SMTP listener.
const (
	defaultMaxMessageSize = 10 * 1024 * 1024
	defaultMaxLineLength  = 2048
	defaultMaxRecipients  = 100
)

// Config holds the complete daemon configuration.
type Config struct {
	SMTP     SMTPConfig     `yaml:"smtp"`
	Auth     AuthConfig     `yaml:"auth"`
	Sinks    SinkConfig     `yaml:"sinks"`
	Database DatabaseConfig `yaml:"database"`
	Admin    AdminConfig    `yaml:"admin"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SMTPConfig holds listener and protocol limits.
type SMTPConfig struct {
	Host                string        `yaml:"host"`
	Port                int           `yaml:"port" validate:"min=0,max=65535"`
	Hostname            string        `yaml:"hostname" validate:"required"`
	Debug               bool          `yaml:"debug"`
	MaxMessageSize      int64         `yaml:"max_message_size" validate:"min=1"`
	MaxLineLength       int           `yaml:"max_line_length" validate:"min=512"`
	MaxRecipients       int           `yaml:"max_recipients" validate:"min=1"`
	MaxConnections      int           `yaml:"max_connections" validate:"min=1"`
	MaxConnectionsPerIP int           `yaml:"max_connections_per_ip" validate:"min=1"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	DataTimeout         time.Duration `yaml:"data_timeout"`
	ShutdownGrace       time.Duration `yaml:"shutdown_grace"`
	MaxAuthFailures     int           `yaml:"max_auth_failures" validate:"min=1"`
	MaxBadCommands      int           `yaml:"max_bad_commands" validate:"min=1"`

	// AllowedDomains is the recipient domain allow-list. Empty means every
	// domain is accepted (open relay mode, only sensible for local dev).
	AllowedDomains []string `yaml:"allowed_domains"`

	// RateLimit caps accepted transactions per source IP per window.
	RateLimit       int           `yaml:"rate_limit" validate:"min=0"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
}

// AuthConfig controls SMTP AUTH behaviour.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`

	// AllowedUsers restricts which usernames may authenticate. Empty means
	// any user the credential check accepts.
	AllowedUsers []string `yaml:"allowed_users"`

	// Users maps usernames to bcrypt password hashes for the built-in
	// static credential checker.
	Users map[string]string `yaml:"users"`
}

// SinkConfig selects and configures delivery sinks.
type SinkConfig struct {
	SaveToDatabase   bool   `yaml:"save_to_database"`
	LogToFile        bool   `yaml:"log_to_file"`
	LogFile          string `yaml:"log_file"`
	ForwardToWebhook bool   `yaml:"forward_to_webhook"`
	WebhookURL       string `yaml:"webhook_url" validate:"omitempty,url"`

	WebhookTimeout time.Duration `yaml:"webhook_timeout"`

	// Primary names the sink whose outcome drives the SMTP reply:
	// "database", "file" or "webhook". Empty picks the first enabled sink
	// in that order.
	Primary string `yaml:"primary" validate:"omitempty,oneof=database file webhook"`

	// MaxBodyBytes truncates the stored plain-text body.
	MaxBodyBytes int `yaml:"max_body_bytes" validate:"min=0"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// AdminConfig holds the operator HTTP endpoint configuration.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// Load loads configuration from environment variables over defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer, then
// overrides with environment variables.
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

	cfg.applyEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field consistency.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Sinks.LogToFile && c.Sinks.LogFile == "" {
		return fmt.Errorf("invalid configuration: log_to_file requires log_file")
	}
	if c.Sinks.ForwardToWebhook && c.Sinks.WebhookURL == "" {
		return fmt.Errorf("invalid configuration: forward_to_webhook requires webhook_url")
	}
	if c.Sinks.SaveToDatabase && c.Database.DBName == "" {
		return fmt.Errorf("invalid configuration: save_to_database requires database settings")
	}
	switch c.Sinks.Primary {
	case "database":
		if !c.Sinks.SaveToDatabase {
			return fmt.Errorf("invalid configuration: primary sink %q is not enabled", c.Sinks.Primary)
		}
	case "file":
		if !c.Sinks.LogToFile {
			return fmt.Errorf("invalid configuration: primary sink %q is not enabled", c.Sinks.Primary)
		}
	case "webhook":
		if !c.Sinks.ForwardToWebhook {
			return fmt.Errorf("invalid configuration: primary sink %q is not enabled", c.Sinks.Primary)
		}
	}
	return nil
}

// PrimarySink resolves the sink whose outcome drives the SMTP reply. The
// database sink wins when enabled, then file, then webhook.
func (c *Config) PrimarySink() string {
	if c.Sinks.Primary != "" {
		return c.Sinks.Primary
	}
	switch {
	case c.Sinks.SaveToDatabase:
		return "database"
	case c.Sinks.LogToFile:
		return "file"
	case c.Sinks.ForwardToWebhook:
		return "webhook"
	}
	return ""
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

func (c *Config) applyDefaults() {
	c.SMTP.Host = "0.0.0.0"
	c.SMTP.Port = 2525
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxLineLength = defaultMaxLineLength
	c.SMTP.MaxRecipients = defaultMaxRecipients
	c.SMTP.MaxConnections = 100
	c.SMTP.MaxConnectionsPerIP = 5
	c.SMTP.IdleTimeout = 2 * time.Minute
	c.SMTP.DataTimeout = 5 * time.Minute
	c.SMTP.ShutdownGrace = 10 * time.Second
	c.SMTP.MaxAuthFailures = 3
	c.SMTP.MaxBadCommands = 3
	c.SMTP.RateLimit = 60
	c.SMTP.RateLimitWindow = time.Minute

	c.Sinks.WebhookTimeout = 10 * time.Second
	c.Sinks.MaxBodyBytes = 64 * 1024

	c.Database.Host = "localhost"
	c.Database.Port = "5432"
	c.Database.User = "postgres"
	c.Database.DBName = "mailpipe"
	c.Database.SSLMode = "disable"

	c.Admin.Listen = ":9090"

	c.Logging.Level = "info"
	c.Logging.Format = "json"
	c.Logging.Output = "stdout"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	setString(&c.SMTP.Host, "SMTP_HOST")
	setInt(&c.SMTP.Port, "SMTP_PORT")
	setString(&c.SMTP.Hostname, "SMTP_HOSTNAME")
	setBool(&c.SMTP.Debug, "SMTP_DEBUG")
	setInt64(&c.SMTP.MaxMessageSize, "SMTP_MAX_MESSAGE_SIZE")
	setInt(&c.SMTP.MaxLineLength, "SMTP_MAX_LINE_LENGTH")
	setInt(&c.SMTP.MaxRecipients, "SMTP_MAX_RECIPIENTS")
	setInt(&c.SMTP.MaxConnections, "SMTP_MAX_CONNECTIONS")
	setInt(&c.SMTP.MaxConnectionsPerIP, "SMTP_MAX_CONNECTIONS_PER_IP")
	setDuration(&c.SMTP.IdleTimeout, "SMTP_IDLE_TIMEOUT")
	setDuration(&c.SMTP.DataTimeout, "SMTP_DATA_TIMEOUT")
	setDuration(&c.SMTP.ShutdownGrace, "SMTP_SHUTDOWN_GRACE")
	setInt(&c.SMTP.RateLimit, "SMTP_RATE_LIMIT")
	setDuration(&c.SMTP.RateLimitWindow, "SMTP_RATE_LIMIT_WINDOW")
	if v := os.Getenv("SMTP_ALLOWED_DOMAINS"); v != "" {
		c.SMTP.AllowedDomains = splitList(v)
	}

	setBool(&c.Auth.Enabled, "AUTH_ENABLED")
	if v := os.Getenv("AUTH_ALLOWED_USERS"); v != "" {
		c.Auth.AllowedUsers = splitList(v)
	}

	setBool(&c.Sinks.SaveToDatabase, "SINK_SAVE_TO_DATABASE")
	setBool(&c.Sinks.LogToFile, "SINK_LOG_TO_FILE")
	setString(&c.Sinks.LogFile, "SINK_LOG_FILE")
	setBool(&c.Sinks.ForwardToWebhook, "SINK_FORWARD_TO_WEBHOOK")
	setString(&c.Sinks.WebhookURL, "SINK_WEBHOOK_URL")
	setDuration(&c.Sinks.WebhookTimeout, "SINK_WEBHOOK_TIMEOUT")
	setString(&c.Sinks.Primary, "SINK_PRIMARY")

	setString(&c.Database.Host, "DB_HOST")
	setString(&c.Database.Port, "DB_PORT")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.DBName, "DB_NAME")
	setString(&c.Database.SSLMode, "DB_SSLMODE")

	setBool(&c.Admin.Enabled, "ADMIN_ENABLED")
	setString(&c.Admin.Listen, "ADMIN_LISTEN")

	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")
	setString(&c.Logging.Output, "LOG_OUTPUT")
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			*dst = true
		case "false", "0", "no":
			*dst = false
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
