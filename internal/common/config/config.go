// Package config provides configuration management for agentdeck.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestration daemon.
type Config struct {
	Engine    EngineConfig              `mapstructure:"engine"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Database  DatabaseConfig            `mapstructure:"database"`
	NATS      NATSConfig                `mapstructure:"nats"`
	Logging   LoggingConfig             `mapstructure:"logging"`
}

// EngineConfig holds orchestration engine settings.
type EngineConfig struct {
	// DataDir is the root directory for engine state. StorePath and
	// HistoryDir default to locations under it.
	DataDir string `mapstructure:"dataDir"`

	// StorePath is the persisted agent store file (JSON array).
	StorePath string `mapstructure:"storePath"`

	// HistoryDir holds per-conversation JSONL history files.
	HistoryDir string `mapstructure:"historyDir"`

	// CancelGraceSeconds bounds how long a cancel waits for the provider
	// to acknowledge before the turn is force-marked over.
	CancelGraceSeconds int `mapstructure:"cancelGraceSeconds"`

	// TerminateGraceSeconds bounds graceful subprocess shutdown before
	// escalating to a kill.
	TerminateGraceSeconds int `mapstructure:"terminateGraceSeconds"`

	// LaunchTimeoutSeconds bounds process spawn plus protocol handshake.
	LaunchTimeoutSeconds int `mapstructure:"launchTimeoutSeconds"`
}

// ProviderConfig overrides how one provider is launched. Unset fields fall
// back to the built-in launch configuration for that provider.
type ProviderConfig struct {
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig selects the update-log database.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver"`

	// Path is the sqlite file path (sqlite driver only).
	Path string `mapstructure:"path"`

	// DSN is the postgres connection string (postgres driver only).
	DSN string `mapstructure:"dsn"`

	MaxConns int `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// CancelGrace returns the cancel acknowledgement window as a duration.
func (e *EngineConfig) CancelGrace() time.Duration {
	return time.Duration(e.CancelGraceSeconds) * time.Second
}

// TerminateGrace returns the graceful shutdown window as a duration.
func (e *EngineConfig) TerminateGrace() time.Duration {
	return time.Duration(e.TerminateGraceSeconds) * time.Second
}

// LaunchTimeout returns the launch/handshake deadline as a duration.
func (e *EngineConfig) LaunchTimeout() time.Duration {
	return time.Duration(e.LaunchTimeoutSeconds) * time.Second
}

// detectDefaultLogFormat returns "json" in production-like environments and
// "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTDECK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentdeck"
	}
	return filepath.Join(home, ".agentdeck")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	dataDir := defaultDataDir()

	v.SetDefault("engine.dataDir", dataDir)
	v.SetDefault("engine.storePath", "")
	v.SetDefault("engine.historyDir", "")
	v.SetDefault("engine.cancelGraceSeconds", 5)
	v.SetDefault("engine.terminateGraceSeconds", 5)
	v.SetDefault("engine.launchTimeoutSeconds", 60)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentdeck")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTDECK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentdeck/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for keys whose camelCase naming does not survive
	// AutomaticEnv's replacer.
	_ = v.BindEnv("engine.dataDir", "AGENTDECK_ENGINE_DATA_DIR")
	_ = v.BindEnv("engine.storePath", "AGENTDECK_ENGINE_STORE_PATH")
	_ = v.BindEnv("engine.historyDir", "AGENTDECK_ENGINE_HISTORY_DIR")
	_ = v.BindEnv("database.driver", "AGENTDECK_DB_DRIVER")
	_ = v.BindEnv("database.path", "AGENTDECK_DB_PATH")
	_ = v.BindEnv("database.dsn", "AGENTDECK_DB_DSN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentdeck/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	applyDerivedDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyDerivedDefaults fills paths that default to locations under DataDir.
func applyDerivedDefaults(cfg *Config) {
	if cfg.Engine.StorePath == "" {
		cfg.Engine.StorePath = filepath.Join(cfg.Engine.DataDir, "agents.json")
	}
	if cfg.Engine.HistoryDir == "" {
		cfg.Engine.HistoryDir = filepath.Join(cfg.Engine.DataDir, "history")
	}
	if cfg.Database.Driver == DriverSQLite && cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(cfg.Engine.DataDir, "updates.db")
	}
}

func validate(cfg *Config) error {
	switch cfg.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
	if cfg.Database.Driver == DriverPostgres && cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for the postgres driver")
	}
	if cfg.Engine.CancelGraceSeconds <= 0 {
		return fmt.Errorf("engine.cancelGraceSeconds must be positive")
	}
	if cfg.Engine.TerminateGraceSeconds <= 0 {
		return fmt.Errorf("engine.terminateGraceSeconds must be positive")
	}
	return nil
}
