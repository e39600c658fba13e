package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parishsuite/go-session-client/internal/config"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
env: dev
api:
  base_url: https://api.parish.example.com
http:
  host: 0.0.0.0
  port: "9000"
session:
  store_path: /tmp/session.json
  refresh_interval: 2m
  idle_threshold: 5m
  idle_countdown: 30s
  portal_only: true
  portal_host: portal.parish.example.com
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, "dev", cfg.Env)
	require.Equal(t, "https://api.parish.example.com", cfg.API.BaseURL)
	require.Equal(t, "0.0.0.0:9000", cfg.HTTP.Addr())
	require.Equal(t, "/tmp/session.json", cfg.Session.StorePath)
	require.Equal(t, 2*time.Minute, cfg.Session.RefreshInterval)
	require.Equal(t, 5*time.Minute, cfg.Session.IdleThreshold)
	require.Equal(t, 30*time.Second, cfg.Session.IdleCountdown)
	require.True(t, cfg.Session.PortalOnly)
	require.Equal(t, "portal.parish.example.com", cfg.Session.PortalHost)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
api:
  base_url: https://api.parish.example.com
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, "local", cfg.Env)
	require.Equal(t, "127.0.0.1:8085", cfg.HTTP.Addr())
	require.Equal(t, ".parish-session.json", cfg.Session.StorePath)
	require.Equal(t, 4*time.Minute, cfg.Session.RefreshInterval)
	require.Equal(t, 10*time.Minute, cfg.Session.IdleThreshold)
	require.Equal(t, 60*time.Second, cfg.Session.IdleCountdown)
	require.False(t, cfg.Session.PortalOnly)
}

func TestLoadFromEnvironmentOnly(t *testing.T) {
	t.Setenv("API_BASE_URL", "https://api.parish.example.com")
	t.Setenv("HTTP_PORT", "9100")
	t.Setenv("SESSION_REFRESH_INTERVAL", "90s")

	cfg, err := config.Load("")
	require.NoError(t, err)

	require.Equal(t, "https://api.parish.example.com", cfg.API.BaseURL)
	require.Equal(t, "127.0.0.1:9100", cfg.HTTP.Addr())
	require.Equal(t, 90*time.Second, cfg.Session.RefreshInterval)
}

func TestConfigPathEnvironmentVariable(t *testing.T) {
	path := writeConfigFile(t, `
env: staging
api:
  base_url: https://api.parish.example.com
`)
	t.Setenv("CONFIG_PATH", path)

	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, "staging", cfg.Env)
}

func TestLoadRejectsMissingBaseURL(t *testing.T) {
	path := writeConfigFile(t, `
env: dev
`)

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMalformedBaseURL(t *testing.T) {
	path := writeConfigFile(t, `
api:
  base_url: not-a-url
`)

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
