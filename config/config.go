package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Fleet        FleetConfig        `mapstructure:"fleet"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds MCP server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// OrchestratorConfig holds the remote orchestrator endpoint configuration
type OrchestratorConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	RequestTimeoutSec int    `mapstructure:"request_timeout_sec"`
}

// FleetConfig holds session pool and lifecycle configuration
type FleetConfig struct {
	MaxConcurrentSessions   int            `mapstructure:"max_concurrent_sessions"`
	MaxPerFlavor            map[string]int `mapstructure:"max_per_flavor"`
	SessionIdleTimeoutSec   int            `mapstructure:"session_idle_timeout_sec"`
	CleanupSweepIntervalSec int            `mapstructure:"cleanup_sweep_interval_sec"`
	OrphanGracePeriodSec    int            `mapstructure:"orphan_grace_period_sec"`
	MaxReapPerSweep         int            `mapstructure:"max_reap_per_sweep"`
	DefaultTemplate         string         `mapstructure:"default_template"`
	DefaultFlavor           string         `mapstructure:"default_flavor"`
	DefaultTimeoutSec       int            `mapstructure:"default_timeout_sec"`
	MaxTimeoutSec           int            `mapstructure:"max_timeout_sec"`
}

// MetricsConfig holds the Prometheus endpoint configuration. Port 0 disables
// the endpoint.
type MetricsConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

var validTemplates = map[string]bool{
	"python": true,
	"nodejs": true,
	"go":     true,
	"cpp":    true,
}

var validFlavors = map[string]bool{
	"small":  true,
	"medium": true,
	"large":  true,
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)

	viper.SetDefault("orchestrator.base_url", "http://localhost:7070")
	viper.SetDefault("orchestrator.request_timeout_sec", 30)

	viper.SetDefault("fleet.max_concurrent_sessions", 10)
	viper.SetDefault("fleet.max_per_flavor", map[string]int{
		"small":  8,
		"medium": 4,
		"large":  2,
	})
	viper.SetDefault("fleet.session_idle_timeout_sec", 300)
	viper.SetDefault("fleet.cleanup_sweep_interval_sec", 60)
	viper.SetDefault("fleet.orphan_grace_period_sec", 30)
	viper.SetDefault("fleet.max_reap_per_sweep", 32)
	viper.SetDefault("fleet.default_template", "python")
	viper.SetDefault("fleet.default_flavor", "small")
	viper.SetDefault("fleet.default_timeout_sec", 30)
	viper.SetDefault("fleet.max_timeout_sec", 300)

	viper.SetDefault("metrics.port", 0)

	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid. Failures here are fatal: the
// process must not start serving traffic with invalid limits.
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	u, err := url.Parse(c.Orchestrator.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid orchestrator.base_url: %q, must be an http(s) URL", c.Orchestrator.BaseURL)
	}

	if c.Orchestrator.RequestTimeoutSec <= 0 {
		return fmt.Errorf("orchestrator.request_timeout_sec must be positive, got: %d", c.Orchestrator.RequestTimeoutSec)
	}

	if c.Fleet.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("fleet.max_concurrent_sessions must be positive, got: %d", c.Fleet.MaxConcurrentSessions)
	}

	if len(c.Fleet.MaxPerFlavor) == 0 {
		return fmt.Errorf("fleet.max_per_flavor must configure at least one flavor")
	}
	for flavor, limit := range c.Fleet.MaxPerFlavor {
		if !validFlavors[flavor] {
			return fmt.Errorf("unknown flavor in fleet.max_per_flavor: %s, must be one of: small, medium, large", flavor)
		}
		if limit <= 0 {
			return fmt.Errorf("fleet.max_per_flavor.%s must be positive, got: %d", flavor, limit)
		}
	}

	if c.Fleet.SessionIdleTimeoutSec <= 0 {
		return fmt.Errorf("fleet.session_idle_timeout_sec must be positive, got: %d", c.Fleet.SessionIdleTimeoutSec)
	}

	if c.Fleet.CleanupSweepIntervalSec <= 0 {
		return fmt.Errorf("fleet.cleanup_sweep_interval_sec must be positive, got: %d", c.Fleet.CleanupSweepIntervalSec)
	}

	// A sweep slower than the idle timeout builds a systematic orphan
	// backlog.
	if c.Fleet.CleanupSweepIntervalSec >= c.Fleet.SessionIdleTimeoutSec {
		return fmt.Errorf("fleet.cleanup_sweep_interval_sec (%d) must be strictly less than fleet.session_idle_timeout_sec (%d)",
			c.Fleet.CleanupSweepIntervalSec, c.Fleet.SessionIdleTimeoutSec)
	}

	if c.Fleet.OrphanGracePeriodSec < 0 {
		return fmt.Errorf("fleet.orphan_grace_period_sec must not be negative, got: %d", c.Fleet.OrphanGracePeriodSec)
	}

	if c.Fleet.MaxReapPerSweep <= 0 {
		return fmt.Errorf("fleet.max_reap_per_sweep must be positive, got: %d", c.Fleet.MaxReapPerSweep)
	}

	if !validTemplates[c.Fleet.DefaultTemplate] {
		return fmt.Errorf("invalid fleet.default_template: %s, must be one of: python, nodejs, go, cpp", c.Fleet.DefaultTemplate)
	}

	if !validFlavors[c.Fleet.DefaultFlavor] {
		return fmt.Errorf("invalid fleet.default_flavor: %s, must be one of: small, medium, large", c.Fleet.DefaultFlavor)
	}

	if c.Fleet.DefaultTimeoutSec <= 0 {
		return fmt.Errorf("fleet.default_timeout_sec must be positive, got: %d", c.Fleet.DefaultTimeoutSec)
	}

	if c.Fleet.MaxTimeoutSec < c.Fleet.DefaultTimeoutSec {
		return fmt.Errorf("fleet.max_timeout_sec (%d) must not be less than fleet.default_timeout_sec (%d)",
			c.Fleet.MaxTimeoutSec, c.Fleet.DefaultTimeoutSec)
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics.port: %d", c.Metrics.Port)
	}

	return nil
}

// GetSessionIdleTimeout returns the idle-eviction threshold as a duration
func (c *Config) GetSessionIdleTimeout() time.Duration {
	return time.Duration(c.Fleet.SessionIdleTimeoutSec) * time.Second
}

// GetCleanupSweepInterval returns the background sweep interval as a duration
func (c *Config) GetCleanupSweepInterval() time.Duration {
	return time.Duration(c.Fleet.CleanupSweepIntervalSec) * time.Second
}

// GetOrphanGracePeriod returns the orphan grace period as a duration
func (c *Config) GetOrphanGracePeriod() time.Duration {
	return time.Duration(c.Fleet.OrphanGracePeriodSec) * time.Second
}

// GetDefaultTimeout returns the default per-call execution timeout
func (c *Config) GetDefaultTimeout() time.Duration {
	return time.Duration(c.Fleet.DefaultTimeoutSec) * time.Second
}

// GetMaxTimeout returns the per-call execution timeout ceiling
func (c *Config) GetMaxTimeout() time.Duration {
	return time.Duration(c.Fleet.MaxTimeoutSec) * time.Second
}

// GetRequestTimeout returns the orchestrator HTTP request timeout
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.Orchestrator.RequestTimeoutSec) * time.Second
}
