package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Database       DatabaseConfig       `yaml:"database"`
	Server         ServerConfig         `yaml:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
	Bidding        BiddingConfig        `yaml:"bidding"`
	Feed           FeedConfig           `yaml:"feed"`
	Notify         NotifyConfig         `yaml:"notify"`
	Auth           AuthConfig           `yaml:"auth"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	// Path is the database file used by the sqlite driver.
	Path   string `yaml:"path"`
	Driver string `yaml:"driver"` // "postgres", "sqlite" or "memory"
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	// OTLPEndpoint enables OTLP export when set. Logs always go to stderr.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	LogLevel     string `yaml:"log_level"` // "debug", "info", "warn" or "error"
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// BiddingConfig holds bid acceptance settings.
type BiddingConfig struct {
	// ExpiryInterval is how often listings past their end time are closed.
	ExpiryInterval time.Duration `yaml:"expiry_interval"`
}

// FeedConfig holds change feed settings.
type FeedConfig struct {
	// Retention is the number of deltas kept per listing for cursor resumes.
	Retention int `yaml:"retention"`
	// GlobalRetention is the number of deltas kept on the all-listings feed.
	GlobalRetention int           `yaml:"global_retention"`
	KeepAlive       time.Duration `yaml:"keepalive"`
	InboxSize       int           `yaml:"inbox_size"`
}

// NotifyConfig holds outbid notification settings.
type NotifyConfig struct {
	// DiscordToken enables direct-message delivery when set.
	DiscordToken string `yaml:"discord_token"`
	// DiscordCommands registers the bidding slash commands on the leader.
	DiscordCommands bool          `yaml:"discord_commands"`
	DiscordGuildID  string        `yaml:"discord_guild_id"`
	QueueSize       int           `yaml:"queue_size"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	// Users is the static user directory keyed by bidder ID.
	Users map[string]UserConfig `yaml:"users"`
}

// UserConfig describes how to reach a single user.
type UserConfig struct {
	Name      string `yaml:"name"`
	DiscordID string `yaml:"discord_id"`
}

// AuthConfig holds bearer token verification settings.
type AuthConfig struct {
	// JWTSecret enables HS256 bearer token checks when non-empty.
	JWTSecret string `yaml:"jwt_secret"`
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when a field is not set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Path:    "bidsync.db",
			Driver:  "postgres",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "bidsync",
			ServiceVersion: "0.1.0",
			LogLevel:       "info",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "bidsync-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
		Bidding: BiddingConfig{
			ExpiryInterval: time.Second,
		},
		Feed: FeedConfig{
			Retention:       256,
			GlobalRetention: 4096,
			KeepAlive:       15 * time.Second,
			InboxSize:       16,
		},
		Notify: NotifyConfig{
			QueueSize:   1024,
			MaxAttempts: 3,
			RetryDelay:  500 * time.Millisecond,
		},
	}
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite", "memory":
		// valid
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"postgres\", \"sqlite\" or \"memory\"", c.Database.Driver)
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Telemetry.LogLevel)); err != nil {
		return fmt.Errorf("invalid telemetry log_level %q: %w", c.Telemetry.LogLevel, err)
	}
	if c.Feed.Retention < 1 || c.Feed.GlobalRetention < 1 {
		return fmt.Errorf("feed retention must be positive")
	}
	if c.Feed.KeepAlive <= 0 {
		return fmt.Errorf("feed keepalive must be positive")
	}
	if c.Notify.DiscordCommands && c.Notify.DiscordToken == "" {
		return fmt.Errorf("notify discord_commands requires discord_token")
	}
	if c.Notify.MaxAttempts < 1 {
		return fmt.Errorf("notify max_attempts must be at least 1")
	}
	if c.Notify.RetryDelay < 0 {
		return fmt.Errorf("notify retry_delay must not be negative")
	}
	if c.Bidding.ExpiryInterval <= 0 {
		return fmt.Errorf("bidding expiry_interval must be positive")
	}
	return nil
}
