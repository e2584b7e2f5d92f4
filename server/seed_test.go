package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/deployflow/pkg/api"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const seedYAML = `
enrollment_tokens:
  - label: dev
    token: dev-enroll
scripts:
  - name: Ping WAN (Windows)
    language: powershell
    target_os_type: windows
    content: Test-Connection -ComputerName 1.1.1.1 -Count 4 | Out-String
profiles:
  - name: Baseline Windows Profile
    description: Baseline Windows connectivity check
    target_os_type: windows
    tasks:
      - script: Ping WAN (Windows)
        action_type: powershell_inline
`

func TestApplySeedIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	seed, err := loadSeed(path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, applySeed(ctx, env.srv.db, env.srv.hasher, seed, zerolog.Nop()))
	require.NoError(t, applySeed(ctx, env.srv.db, env.srv.hasher, seed, zerolog.Nop()))

	var scripts, profiles, tasks, tokens int64
	require.NoError(t, env.srv.db.Model(&Script{}).Count(&scripts).Error)
	require.NoError(t, env.srv.db.Model(&DeploymentProfile{}).Count(&profiles).Error)
	require.NoError(t, env.srv.db.Model(&ProfileTask{}).Count(&tasks).Error)
	require.NoError(t, env.srv.db.Model(&EnrollmentToken{}).Count(&tokens).Error)
	require.EqualValues(t, 1, scripts)
	require.EqualValues(t, 1, profiles)
	require.EqualValues(t, 1, tasks)
	require.EqualValues(t, 2, tokens) // seeded plus the test token

	resp, err := env.srv.dispatcher.Register(ctx, api.RegisterRequest{EnrollmentToken: "dev-enroll", Hostname: "seeded"})
	require.NoError(t, err)
	require.Positive(t, resp.DeviceID)
}

func TestLoadSeedRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scripts: [unterminated"), 0o600))
	_, err := loadSeed(path)
	require.Error(t, err)

	_, err = loadSeed(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
