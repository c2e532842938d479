package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
server:
  http_port: 9000
database:
  driver: sqlite
  name: collab.db
engine:
  handler_mode: replay
  approval:
    confidence_threshold: 0.85
  conflict:
    expiry: 2h
    escalation_retry_cap: 5
  session:
    recovery_window: 90s
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "scripted", cfg.Engine.HandlerMode)
	assert.Equal(t, 0.7, cfg.Engine.Approval.ConfidenceThreshold)
	assert.Equal(t, time.Hour, cfg.Engine.Conflict.Expiry)
	assert.Equal(t, 60*time.Second, cfg.Engine.Session.RecoveryWindow)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, testYAML)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "replay", cfg.Engine.HandlerMode)
	assert.Equal(t, 0.85, cfg.Engine.Approval.ConfidenceThreshold)
	assert.Equal(t, 2*time.Hour, cfg.Engine.Conflict.Expiry)
	assert.Equal(t, 5, cfg.Engine.Conflict.EscalationRetryCap)
	assert.Equal(t, 90*time.Second, cfg.Engine.Session.RecoveryWindow)

	// Untouched sections keep their defaults.
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 30*time.Minute, cfg.Engine.Session.IdleTimeout)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a map")
	_, err := NewLoader().WithConfigPath(path).Load()
	require.Error(t, err)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, testYAML)

	t.Setenv("COLLABFLOW_SERVER_HTTP_PORT", "7070")
	t.Setenv("COLLABFLOW_ENGINE_APPROVAL_CONFIDENCE_THRESHOLD", "0.5")
	t.Setenv("COLLABFLOW_ENGINE_CONFLICT_EXPIRY", "45m")
	t.Setenv("COLLABFLOW_ENGINE_HANDLER_MODE", "live")
	t.Setenv("COLLABFLOW_LOG_OUTPUT_PATHS", "stdout, /var/log/collabflow.log")
	t.Setenv("COLLABFLOW_TELEMETRY_ENABLED", "true")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.HTTPPort)
	assert.Equal(t, 0.5, cfg.Engine.Approval.ConfidenceThreshold)
	assert.Equal(t, 45*time.Minute, cfg.Engine.Conflict.Expiry)
	assert.Equal(t, "live", cfg.Engine.HandlerMode)
	assert.Equal(t, []string{"stdout", "/var/log/collabflow.log"}, cfg.Log.OutputPaths)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestCustomEnvPrefix(t *testing.T) {
	t.Setenv("CF_SERVER_HTTP_PORT", "6060")

	cfg, err := NewLoader().WithEnvPrefix("CF").Load()
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.HTTPPort)
}

func TestEnvBadValue(t *testing.T) {
	t.Setenv("COLLABFLOW_SERVER_HTTP_PORT", "not-a-number")
	_, err := NewLoader().Load()
	require.Error(t, err)
}

func TestValidatorHook(t *testing.T) {
	boom := errors.New("nope")
	_, err := NewLoader().WithValidator(func(c *Config) error { return boom }).Load()
	require.ErrorIs(t, err, boom)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"bad port", func(c *Config) { c.Server.HTTPPort = 0 }, false},
		{"bad driver", func(c *Config) { c.Database.Driver = "oracle" }, false},
		{"bad handler mode", func(c *Config) { c.Engine.HandlerMode = "psychic" }, false},
		{"threshold too high", func(c *Config) { c.Engine.Approval.ConfidenceThreshold = 1.5 }, false},
		{"zero expiry", func(c *Config) { c.Engine.Conflict.Expiry = 0 }, false},
		{"negative retry cap", func(c *Config) { c.Engine.Conflict.EscalationRetryCap = -1 }, false},
		{"recovery window exceeds idle", func(c *Config) {
			c.Engine.Session.RecoveryWindow = time.Hour
			c.Engine.Session.IdleTimeout = time.Minute
		}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestDSN(t *testing.T) {
	pg := DefaultDatabaseConfig()
	pg.Password = "secret"
	assert.Equal(t,
		"host=localhost port=5432 user=collabflow password=secret dbname=collabflow sslmode=disable",
		pg.DSN())

	lite := DatabaseConfig{Driver: "sqlite", Name: "collab.db"}
	assert.Equal(t, "collab.db", lite.DSN())

	other := DatabaseConfig{Driver: "oracle"}
	assert.Empty(t, other.DSN())
}
