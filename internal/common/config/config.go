// Package config provides configuration management for the broker.
// It supports loading configuration from environment variables, a config
// file, and built-in defaults, via github.com/spf13/viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the broker.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Events     EventsConfig     `mapstructure:"events"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Bootstrap  BootstrapConfig  `mapstructure:"bootstrap"`
	Compaction CompactionConfig `mapstructure:"compaction"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration. Host must bind IPv4 —
// binding "::" confuses some local WebSocket/long-poll clients that resolve
// "localhost" to the loopback IPv4 address only.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
}

// DatabaseConfig holds the embedded sqlite store configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration. Empty URL means "use the
// in-memory event bus" — NATS is optional, never required for correctness.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// RegistryConfig holds agent registry defaults.
type RegistryConfig struct {
	HeartbeatIntervalMs int64    `mapstructure:"heartbeatIntervalMs"`
	HeadlessKinds       []string `mapstructure:"headlessKinds"`
}

// BootstrapConfig holds bootstrap orchestrator defaults.
type BootstrapConfig struct {
	CommandTimeoutSeconds int   `mapstructure:"commandTimeoutSeconds"`
	MaxOutputBytes        int64 `mapstructure:"maxOutputBytes"`
	AutoFiles             []string `mapstructure:"autoFiles"`
}

// CompactionConfig holds compaction monitor thresholds.
type CompactionConfig struct {
	TurnsWarning    int     `mapstructure:"turnsWarning"`
	TurnsCritical   int     `mapstructure:"turnsCritical"`
	TokensWarning   int64   `mapstructure:"tokensWarning"`
	TokensCritical  int64   `mapstructure:"tokensCritical"`
	ErrorRateWarn   float64 `mapstructure:"errorRateWarning"`
	ErrorRateCrit   float64 `mapstructure:"errorRateCritical"`
	MinTurnsForRate int     `mapstructure:"minTurnsForRate"`
}

// DeliveryConfig holds ticket delivery engine tuning.
type DeliveryConfig struct {
	ExecutorBusyRetryMs  int64 `mapstructure:"executorBusyRetryMs"`
	CleanupIntervalSecs  int   `mapstructure:"cleanupIntervalSeconds"`
	DefaultRetentionMs   int64 `mapstructure:"defaultRetentionMs"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8088)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.path", "./broker.db")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agent-broker")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("registry.heartbeatIntervalMs", 15000)
	v.SetDefault("registry.headlessKinds", []string{"claude-code", "codex", "gemini", "amp"})

	v.SetDefault("bootstrap.commandTimeoutSeconds", 30)
	v.SetDefault("bootstrap.maxOutputBytes", 1<<20)
	v.SetDefault("bootstrap.autoFiles", []string{"CLAUDE.md", ".kokino/context.md"})

	v.SetDefault("compaction.turnsWarning", 50)
	v.SetDefault("compaction.turnsCritical", 100)
	v.SetDefault("compaction.tokensWarning", 100000)
	v.SetDefault("compaction.tokensCritical", 200000)
	v.SetDefault("compaction.errorRateWarning", 0.20)
	v.SetDefault("compaction.errorRateCritical", 0.40)
	v.SetDefault("compaction.minTurnsForRate", 10)

	v.SetDefault("delivery.executorBusyRetryMs", 2000)
	v.SetDefault("delivery.cleanupIntervalSeconds", 60)
	v.SetDefault("delivery.defaultRetentionMs", 60000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified directory (or the
// default locations, when empty).
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agent-broker/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Database.Path == "" {
		errs = append(errs, "database.path must be set")
	}
	if cfg.Registry.HeartbeatIntervalMs <= 0 {
		errs = append(errs, "registry.heartbeatIntervalMs must be positive")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}
	if cfg.Compaction.TurnsWarning >= cfg.Compaction.TurnsCritical {
		errs = append(errs, "compaction.turnsWarning must be less than turnsCritical")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
