package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/deployflow/pkg/action"
	"github.com/haasonsaas/deployflow/pkg/api"
	"github.com/haasonsaas/deployflow/pkg/config"
	"github.com/haasonsaas/deployflow/pkg/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testToken = "t1"

type testEnv struct {
	srv    *Server
	router *gin.Engine
	events *events.Recorder
}

func newTestEnv(t *testing.T, mutate ...func(*config.ServerConfig)) testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s-%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := openDatabase(config.DatabaseConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	cfg := config.DefaultServerConfig()
	cfg.TokenSalt = "test-salt"
	cfg.RateLimits = config.RateLimitsConfig{}
	for _, m := range mutate {
		m(cfg)
	}

	rec := &events.Recorder{}
	srv := newServer(db, cfg, rec, zerolog.Nop())
	insertToken(t, srv, testToken, nil)
	return testEnv{srv: srv, router: srv.routes(), events: rec}
}

func insertToken(t *testing.T, srv *Server, raw string, mutate func(*EnrollmentToken)) EnrollmentToken {
	t.Helper()
	tok := EnrollmentToken{Label: raw, TokenHash: srv.hasher.HashString(raw)}
	if mutate != nil {
		mutate(&tok)
	}
	require.NoError(t, srv.db.Create(&tok).Error)
	return tok
}

func (e testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	if out != nil && resp.Code < 300 && resp.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), out))
	}
	return resp.Code
}

func (e testEnv) register(t *testing.T, hostname string, osType string) int64 {
	t.Helper()
	req := api.RegisterRequest{EnrollmentToken: testToken, Hostname: hostname}
	if osType != "" {
		req.OSType = &osType
	}
	resp, err := e.srv.dispatcher.Register(context.Background(), req)
	require.NoError(t, err)
	return resp.DeviceID
}

// profileWith creates one bash script per body and a profile running them in
// the given order.
func (e testEnv) profileWith(t *testing.T, targetOS string, bodies ...string) int64 {
	t.Helper()
	ctx := context.Background()
	req := api.Profile{Name: fmt.Sprintf("profile-%d", time.Now().UnixNano()), TargetOSType: targetOS}
	for i, body := range bodies {
		script, err := createScript(ctx, e.srv.db, api.Script{
			Name:     fmt.Sprintf("%s-script-%d", req.Name, i),
			Language: string(action.LanguageBash),
			Content:  body,
		})
		require.NoError(t, err)
		req.Tasks = append(req.Tasks, api.ProfileTask{
			OrderIndex: i,
			ActionType: string(action.TypeBashInline),
			ScriptID:   script.ID,
		})
	}
	profile, err := createProfile(ctx, e.srv.db, req)
	require.NoError(t, err)
	return profile.ID
}

func (e testEnv) actionCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.srv.db.Model(&Action{}).Count(&n).Error)
	return n
}

func TestEndToEndOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.router)
	defer ts.Close()
	client := api.NewClient(ts.URL)
	ctx := context.Background()

	reg, err := client.Register(ctx, api.RegisterRequest{EnrollmentToken: testToken, Hostname: "h1"})
	require.NoError(t, err)
	require.Positive(t, reg.DeviceID)
	require.Equal(t, 30, reg.PollIntervalSeconds)

	profileID := env.profileWith(t, "", "echo one", "echo two; exit 3")
	applied, err := client.ApplyProfile(ctx, profileID, []int64{reg.DeviceID})
	require.NoError(t, err)
	require.Equal(t, 2, applied.CreatedActions)
	require.NotEmpty(t, applied.BatchID)
	require.Empty(t, applied.SkippedDeviceIDs)

	hb, err := client.Heartbeat(ctx, api.HeartbeatRequest{DeviceID: reg.DeviceID, Status: "online"})
	require.NoError(t, err)
	require.Len(t, hb.Actions, 2)
	require.Equal(t, "echo one", *hb.Actions[0].Payload)
	require.Equal(t, "echo two; exit 3", *hb.Actions[1].Payload)
	require.NotNil(t, hb.PollIntervalSeconds)

	zero, three := 0, 3
	require.NoError(t, client.ReportResult(ctx, hb.Actions[0].ID, api.ActionResultRequest{Status: "succeeded", ExitCode: &zero}))
	require.NoError(t, client.ReportResult(ctx, hb.Actions[1].ID, api.ActionResultRequest{Status: "failed", ExitCode: &three}))

	hb, err = client.Heartbeat(ctx, api.HeartbeatRequest{DeviceID: reg.DeviceID, Status: "online"})
	require.NoError(t, err)
	require.Empty(t, hb.Actions)

	actions, err := client.ListActions(ctx, reg.DeviceID)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	first, second := actionAtOrder(t, actions, 0), actionAtOrder(t, actions, 1)
	require.Equal(t, "succeeded", first.Status)
	require.Equal(t, "failed", second.Status)
	require.Equal(t, 3, *second.ExitCode)
	require.NotNil(t, second.CompletedAt)

	require.Equal(t, []string{
		events.TypeDeviceRegistered,
		events.TypeActionQueued,
		events.TypeActionDispatched,
		events.TypeActionDispatched,
		events.TypeActionCompleted,
		events.TypeActionCompleted,
	}, env.events.Types())
}

func actionAtOrder(t *testing.T, actions []api.Action, order int) api.Action {
	t.Helper()
	for _, a := range actions {
		if a.OrderIndex == order {
			return a
		}
	}
	t.Fatalf("no action with order index %d", order)
	return api.Action{}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	var out api.HealthResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, api.HealthPath, nil, &out))
	require.Equal(t, "healthy", out.Status)
	require.Equal(t, Version, out.Version)
}

func TestAdminTokenGuardsOperatorRoutes(t *testing.T) {
	env := newTestEnv(t, func(c *config.ServerConfig) { c.AdminToken = "s3cret" })

	require.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/v1/devices", nil, nil))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp := httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp = httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	// Agent routes stay reachable without the admin token.
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, api.HealthPath, nil, nil))
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, api.HeartbeatPath, api.HeartbeatRequest{DeviceID: 99}, nil))
}

func TestEnrollmentTokenLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.router)
	defer ts.Close()
	client := api.NewClient(ts.URL)
	ctx := context.Background()

	issued, err := client.IssueToken(ctx, "lab", 3600)
	require.NoError(t, err)
	require.NotEmpty(t, issued.Token)
	require.NotNil(t, issued.ExpiresAt)

	for _, host := range []string{"a", "b"} {
		_, err := client.Register(ctx, api.RegisterRequest{EnrollmentToken: issued.Token, Hostname: host})
		require.NoError(t, err)
	}

	tokens, err := client.ListTokens(ctx)
	require.NoError(t, err)
	var found bool
	for _, tok := range tokens {
		require.Empty(t, tok.Token)
		if tok.ID == issued.ID {
			found = true
			require.Equal(t, 2, tok.UseCount)
			require.NotNil(t, tok.LastUsedAt)
		}
	}
	require.True(t, found)

	require.NoError(t, client.RevokeToken(ctx, issued.ID))
	_, err = client.Register(ctx, api.RegisterRequest{EnrollmentToken: issued.Token, Hostname: "c"})
	require.Equal(t, http.StatusUnauthorized, api.StatusCode(err))

	require.Equal(t, http.StatusNotFound, api.StatusCode(client.RevokeToken(ctx, 9999)))
}

func TestRegisterRateLimitedPerClient(t *testing.T) {
	env := newTestEnv(t, func(c *config.ServerConfig) { c.RateLimits.RegisterPerMinute = 1 })
	body := api.RegisterRequest{EnrollmentToken: testToken, Hostname: "h1"}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, api.RegisterPath, body, nil))
	require.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodPost, api.RegisterPath, body, nil))
}

func TestHeartbeatRateLimitedPerDevice(t *testing.T) {
	env := newTestEnv(t, func(c *config.ServerConfig) { c.RateLimits.HeartbeatPerMinute = 1 })
	a := env.register(t, "a", "")
	b := env.register(t, "b", "")
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, api.HeartbeatPath, api.HeartbeatRequest{DeviceID: a}, nil))
	require.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodPost, api.HeartbeatPath, api.HeartbeatRequest{DeviceID: a}, nil))
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, api.HeartbeatPath, api.HeartbeatRequest{DeviceID: b}, nil))
}

func TestDeviceReadEndpoints(t *testing.T) {
	env := newTestEnv(t)
	id := env.register(t, "web-01", "ubuntu")

	var devices []api.Device
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/devices", nil, &devices))
	require.Len(t, devices, 1)
	require.Equal(t, "web-01", devices[0].Hostname)
	require.Equal(t, "online", devices[0].Status)

	var device api.Device
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/devices/%d", id), nil, &device))
	require.Equal(t, "ubuntu", device.OSType)
	require.NotNil(t, device.LastCheckIn)

	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/devices/999", nil, nil))
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/devices/abc", nil, nil))
}

func TestScriptAndProfileEndpoints(t *testing.T) {
	env := newTestEnv(t)

	var script api.Script
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/scripts", api.Script{
		Name: "ping", Language: "powershell", TargetOSType: "windows", Content: "Test-Connection 1.1.1.1",
	}, &script))
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/v1/scripts", api.Script{
		Name: "ping", Language: "powershell", Content: "again",
	}, nil))
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/v1/scripts", api.Script{
		Name: "perl", Language: "perl", Content: "print 1",
	}, nil))

	var scripts []api.Script
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/scripts", nil, &scripts))
	require.Len(t, scripts, 1)

	var profile api.Profile
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/profiles", api.Profile{
		Name:         "baseline",
		TargetOSType: "windows",
		Tasks:        []api.ProfileTask{{ActionType: "powershell_inline", ScriptID: script.ID}},
	}, &profile))
	require.Len(t, profile.Tasks, 1)

	var fetched api.Profile
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/profiles/%d", profile.ID), nil, &fetched))
	require.Equal(t, "baseline", fetched.Name)
	require.Len(t, fetched.Tasks, 1)

	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/v1/profiles", api.Profile{
		Name:  "broken",
		Tasks: []api.ProfileTask{{ActionType: "powershell_inline", ScriptID: 999}},
	}, nil))
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/profiles/999", nil, nil))
}
