package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8000", cfg.Server.URL)
	require.Equal(t, 30, cfg.Polling.Interval)
	require.Equal(t, OnNotFoundReregister, cfg.Polling.OnNotFound)
	require.NoError(t, cfg.Validate())
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  url: https://deploy.example.com
polling:
  interval_s: 45
  on_device_not_found: stop
state:
  path: /var/lib/deployflow/state.json
`), 0o600))

	t.Setenv("DEPLOYFLOW_SERVER_URL", "https://override.example.com")
	t.Setenv("DEPLOYFLOW_ENROLLMENT_TOKEN", "t1")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://override.example.com", cfg.Server.URL)
	require.Equal(t, 45, cfg.Polling.Interval)
	require.Equal(t, OnNotFoundStop, cfg.Polling.OnNotFound)
	require.Equal(t, "/var/lib/deployflow/state.json", cfg.State.Path)

	token, err := cfg.ResolveEnrollmentToken()
	require.NoError(t, err)
	require.Equal(t, "t1", token)
}

func TestResolveEnrollmentTokenFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "enrollment.token"), []byte("from-file\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	token, err := cfg.ResolveEnrollmentToken()
	require.NoError(t, err)
	require.Equal(t, "from-file", token)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.URL = ""
	require.ErrorIs(t, cfg.Validate(), ErrMissingServerURL)

	cfg = DefaultConfig()
	cfg.Polling.Interval = 0
	require.ErrorIs(t, cfg.Validate(), ErrInvalidInterval)

	cfg = DefaultConfig()
	cfg.Polling.OnNotFound = "explode"
	var cfgErr *Error
	require.True(t, errors.As(cfg.Validate(), &cfgErr))
}

func TestServerConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9000"
database:
  driver: postgres
  dsn: host=localhost dbname=deployflow
token_salt: pepper
`), 0o600))
	t.Setenv("DEPLOYFLOW_ADMIN_TOKEN", "admin")

	cfg, err := LoadServer(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, ":9000", cfg.Listen)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, "admin", cfg.AdminToken)
	require.Equal(t, 30, cfg.PollInterval)

	cfg.TokenSalt = ""
	require.Error(t, cfg.Validate())
}
