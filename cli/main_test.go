package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/deployflow/pkg/api"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

// fakeServer answers the operator routes deployctl calls and records the
// bearer token it saw.
func fakeServer(t *testing.T, seenAuth *string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(api.PathPrefix+"/devices", func(w http.ResponseWriter, r *http.Request) {
		*seenAuth = r.Header.Get("Authorization")
		last := time.Now().Add(-90 * time.Second)
		_ = json.NewEncoder(w).Encode([]api.Device{
			{ID: 1, Hostname: "web-01", OSType: "linux", Status: "online", LastCheckIn: &last},
			{ID: 2, Hostname: "kiosk-7", Status: "offline"},
		})
	})
	mux.HandleFunc(api.PathPrefix+"/profiles/4/apply", func(w http.ResponseWriter, r *http.Request) {
		var req api.ApplyProfileRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, []int64{1, 2}, req.DeviceIDs)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(api.ApplyProfileResponse{CreatedActions: 2, BatchID: "b-1", SkippedDeviceIDs: []int64{2}})
	})
	mux.HandleFunc(api.PathPrefix+"/devices/9", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "device not found", RequestID: "r-9"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(viper.New())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDevicesCommandUsesFlagsOverEnv(t *testing.T) {
	var auth string
	srv := fakeServer(t, &auth)
	t.Setenv("DEPLOYCTL_ADMIN_TOKEN", "from-env")

	out, err := execute(t, "--server", srv.URL, "devices")
	require.NoError(t, err)
	require.Contains(t, out, "web-01")
	require.Contains(t, out, "never")
	require.Equal(t, "Bearer from-env", auth)

	_, err = execute(t, "--server", srv.URL, "--admin-token", "from-flag", "ls")
	require.NoError(t, err)
	require.Equal(t, "Bearer from-flag", auth)
}

func TestConfigFileSuppliesServer(t *testing.T) {
	var auth string
	srv := fakeServer(t, &auth)
	path := filepath.Join(t.TempDir(), "deployctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: "+srv.URL+"\nadmin_token: file-token\n"), 0o600))

	out, err := execute(t, "--config", path, "devices")
	require.NoError(t, err)
	require.Contains(t, out, "kiosk-7")
	require.Equal(t, "Bearer file-token", auth)
}

func TestProfileApplyReportsSkippedDevices(t *testing.T) {
	var auth string
	srv := fakeServer(t, &auth)
	out, err := execute(t, "--server", srv.URL, "profile", "apply", "4", "--device", "1", "--device", "2")
	require.NoError(t, err)
	require.Contains(t, out, "Batch b-1: 2 actions queued")
	require.Contains(t, out, "[2]")
}

func TestServerErrorsSurfaceRequestID(t *testing.T) {
	var auth string
	srv := fakeServer(t, &auth)
	_, err := execute(t, "--server", srv.URL, "device", "9")
	require.Error(t, err)
	require.Contains(t, err.Error(), "device not found")
	require.Contains(t, err.Error(), "r-9")
}

func TestInvalidIDRejectedLocally(t *testing.T) {
	_, err := execute(t, "--server", "http://127.0.0.1:1", "device", "delete", "abc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid id")
}

func TestPrintTokensStates(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	var buf bytes.Buffer
	printTokens(&buf, []api.EnrollmentToken{
		{ID: 1, Label: "a", ExpiresAt: &future},
		{ID: 2, Label: "b", ExpiresAt: &past},
		{ID: 3, RevokedAt: &past, UseCount: 4, LastUsedAt: &past},
	}, now)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	require.Contains(t, lines[1], "active")
	require.Contains(t, lines[2], "expired")
	require.Contains(t, lines[3], "revoked")
	require.Contains(t, lines[3], "1h0m0s ago")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	require.Equal(t, "deployctl version dev\n", out)
}
