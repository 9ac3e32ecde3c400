package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Transport: "http",
			HTTPPort:  8080,
		},
		Orchestrator: OrchestratorConfig{
			BaseURL:           "http://localhost:7070",
			RequestTimeoutSec: 30,
		},
		Fleet: FleetConfig{
			MaxConcurrentSessions:   10,
			MaxPerFlavor:            map[string]int{"small": 8, "medium": 4, "large": 2},
			SessionIdleTimeoutSec:   300,
			CleanupSweepIntervalSec: 60,
			OrphanGracePeriodSec:    30,
			MaxReapPerSweep:         32,
			DefaultTemplate:         "python",
			DefaultFlavor:           "small",
			DefaultTimeoutSec:       30,
			MaxTimeoutSec:           300,
		},
		Metrics: MetricsConfig{Port: 0},
		Logging: LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		require.NoError(t, validConfig().validate())
	})

	t.Run("InvalidServerTransport", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.Transport = "invalid"
		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.transport")
	})

	t.Run("InvalidOrchestratorURL", func(t *testing.T) {
		for _, bad := range []string{"", "not a url", "ftp://host", "localhost:7070"} {
			cfg := validConfig()
			cfg.Orchestrator.BaseURL = bad
			err := cfg.validate()
			require.Error(t, err, "base_url %q should be rejected", bad)
			assert.Contains(t, err.Error(), "base_url")
		}
	})

	t.Run("NonPositiveMaxConcurrentSessions", func(t *testing.T) {
		cfg := validConfig()
		cfg.Fleet.MaxConcurrentSessions = 0
		assert.Error(t, cfg.validate())
	})

	t.Run("UnknownFlavorInLimits", func(t *testing.T) {
		cfg := validConfig()
		cfg.Fleet.MaxPerFlavor = map[string]int{"xlarge": 1}
		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "xlarge")
	})

	t.Run("NonPositiveFlavorLimit", func(t *testing.T) {
		cfg := validConfig()
		cfg.Fleet.MaxPerFlavor = map[string]int{"small": 0}
		assert.Error(t, cfg.validate())
	})

	t.Run("EmptyFlavorLimits", func(t *testing.T) {
		cfg := validConfig()
		cfg.Fleet.MaxPerFlavor = nil
		assert.Error(t, cfg.validate())
	})

	t.Run("SweepIntervalMustBeBelowIdleTimeout", func(t *testing.T) {
		cfg := validConfig()
		cfg.Fleet.CleanupSweepIntervalSec = cfg.Fleet.SessionIdleTimeoutSec
		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "strictly less")

		cfg.Fleet.CleanupSweepIntervalSec = cfg.Fleet.SessionIdleTimeoutSec - 1
		assert.NoError(t, cfg.validate())
	})

	t.Run("InvalidDefaultTemplate", func(t *testing.T) {
		cfg := validConfig()
		cfg.Fleet.DefaultTemplate = "ruby"
		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "default_template")
	})

	t.Run("InvalidDefaultFlavor", func(t *testing.T) {
		cfg := validConfig()
		cfg.Fleet.DefaultFlavor = "tiny"
		assert.Error(t, cfg.validate())
	})

	t.Run("MaxTimeoutBelowDefault", func(t *testing.T) {
		cfg := validConfig()
		cfg.Fleet.DefaultTimeoutSec = 60
		cfg.Fleet.MaxTimeoutSec = 30
		assert.Error(t, cfg.validate())
	})

	t.Run("NegativeGracePeriod", func(t *testing.T) {
		cfg := validConfig()
		cfg.Fleet.OrphanGracePeriodSec = -1
		assert.Error(t, cfg.validate())
	})

	t.Run("NonPositiveMaxReapPerSweep", func(t *testing.T) {
		cfg := validConfig()
		cfg.Fleet.MaxReapPerSweep = 0
		assert.Error(t, cfg.validate())
	})

	t.Run("InvalidMetricsPort", func(t *testing.T) {
		cfg := validConfig()
		cfg.Metrics.Port = 70000
		assert.Error(t, cfg.validate())
	})
}

func TestDurationHelpers(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, 300*time.Second, cfg.GetSessionIdleTimeout())
	assert.Equal(t, 60*time.Second, cfg.GetCleanupSweepInterval())
	assert.Equal(t, 30*time.Second, cfg.GetOrphanGracePeriod())
	assert.Equal(t, 30*time.Second, cfg.GetDefaultTimeout())
	assert.Equal(t, 300*time.Second, cfg.GetMaxTimeout())
	assert.Equal(t, 30*time.Second, cfg.GetRequestTimeout())
}

func TestNewUsesDefaults(t *testing.T) {
	viper.Reset()
	t.Chdir(t.TempDir())

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, "stdio", cfg.Server.Transport)
	assert.Equal(t, 10, cfg.Fleet.MaxConcurrentSessions)
	assert.Equal(t, 8, cfg.Fleet.MaxPerFlavor["small"])
	assert.Equal(t, "python", cfg.Fleet.DefaultTemplate)
	assert.Equal(t, "production", cfg.Logging.Mode)
}

func TestNewReadsConfigFile(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	t.Chdir(dir)

	raw := map[string]any{
		"server": map[string]any{
			"transport": "http",
			"http_port": 9090,
		},
		"fleet": map[string]any{
			"max_concurrent_sessions":    3,
			"session_idle_timeout_sec":   120,
			"cleanup_sweep_interval_sec": 15,
			"default_template":           "nodejs",
		},
	}
	data, err := yaml.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0o600))

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, "http", cfg.Server.Transport)
	assert.Equal(t, 9090, cfg.Server.HTTPPort)
	assert.Equal(t, 3, cfg.Fleet.MaxConcurrentSessions)
	assert.Equal(t, "nodejs", cfg.Fleet.DefaultTemplate)
	// Untouched keys keep their defaults.
	assert.Equal(t, 2, cfg.Fleet.MaxPerFlavor["large"])
}

func TestNewRejectsInvalidFile(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	t.Chdir(dir)

	raw := map[string]any{
		"fleet": map[string]any{
			// Sweep interval not strictly below the idle timeout.
			"session_idle_timeout_sec":   60,
			"cleanup_sweep_interval_sec": 60,
		},
	}
	data, err := yaml.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0o600))

	_, err = New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation error")
}
