package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/dispatchq/internal/config"
)

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.False(t, cfg.Storage.InMemory)
	assert.Equal(t, 50, cfg.Pipeline.MaxInFlight)
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.SessionTimeout)
	assert.False(t, cfg.Consent.Enabled)
	assert.False(t, cfg.Auth.Enabled)
	assert.Empty(t, cfg.Webhooks)
	assert.True(t, cfg.DeadLetter.Enabled)
	assert.Equal(t, 7*24*time.Hour, cfg.DeadLetter.Retention)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeTempYAML(t, `
server:
  port: 9999
  host: "127.0.0.1"
storage:
  data_dir: "/tmp/dispatchq_test"
pipeline:
  max_in_flight: 5
  session_timeout: 90s
consent:
  enabled: true
  purposes: [analytics, marketing]
webhooks:
  - id: collect
    url: https://collect.example.com/v1
    dispatch_limit: 20
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "/tmp/dispatchq_test", cfg.Storage.DataDir)
	assert.Equal(t, 5, cfg.Pipeline.MaxInFlight)
	assert.Equal(t, 90*time.Second, cfg.Pipeline.SessionTimeout)
	assert.Equal(t, []string{"analytics", "marketing"}, cfg.Consent.Purposes)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, 20, cfg.Webhooks[0].DispatchLimit)

	// Unset fields keep their defaults.
	assert.Equal(t, 4, cfg.Pipeline.IOWorkers)
	assert.Equal(t, "static", cfg.Consent.CmpID)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DISPATCHQ_PORT", "7070")
	t.Setenv("DISPATCHQ_DATA_DIR", "/var/lib/dispatchq")
	t.Setenv("DISPATCHQ_API_KEY", "k3y")
	t.Setenv("DISPATCHQ_SETTINGS_URL", "https://settings.example.com/doc.json")

	path := writeTempYAML(t, "server:\n  port: 9999\n")
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port, "environment wins over the file")
	assert.Equal(t, "/var/lib/dispatchq", cfg.Storage.DataDir)
	assert.Equal(t, "k3y", cfg.Auth.APIKey)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, "https://settings.example.com/doc.json", cfg.Settings.RemoteURL)
}

func TestLoad_InvalidEnv_ReturnsError(t *testing.T) {
	t.Setenv("DISPATCHQ_PORT", "not-a-number")
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTempYAML(t, "server: [invalid: yaml: {{{}}")
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.NoError(t, config.Default().Validate())

	cases := map[string]func(c *config.Config){
		"port zero":          func(c *config.Config) { c.Server.Port = 0 },
		"port too large":     func(c *config.Config) { c.Server.Port = 99999 },
		"empty data dir":     func(c *config.Config) { c.Storage.DataDir = "" },
		"no in-flight":       func(c *config.Config) { c.Pipeline.MaxInFlight = 0 },
		"no io workers":      func(c *config.Config) { c.Pipeline.IOWorkers = 0 },
		"retry max too low":  func(c *config.Config) { c.Pipeline.RetryMax = time.Millisecond },
		"auth without key":   func(c *config.Config) { c.Auth.Enabled = true },
		"negative rate":      func(c *config.Config) { c.RateLimit.MaxRate = -1 },
		"consent without id": func(c *config.Config) { c.Consent.Enabled = true; c.Consent.CmpID = "" },
		"webhook without url": func(c *config.Config) {
			c.Webhooks = []config.WebhookEndpoint{{ID: "a"}}
		},
		"duplicate webhook": func(c *config.Config) {
			c.Webhooks = []config.WebhookEndpoint{{ID: "a", URL: "http://x"}, {ID: "a", URL: "http://y"}}
		},
		"dead letter no retention": func(c *config.Config) { c.DeadLetter.Retention = 0 },
		"unknown log level":        func(c *config.Config) { c.Log.Level = "loud" },
		"unknown format":    func(c *config.Config) { c.Log.Format = "xml" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_InMemoryNeedsNoDataDir(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.InMemory = true
	cfg.Storage.DataDir = ""
	assert.NoError(t, cfg.Validate())
}

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
