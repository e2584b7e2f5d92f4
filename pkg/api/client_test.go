package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterSendsRichShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, RegisterPath, r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "t1", body["enrollment_token"])
		require.Equal(t, "h1", body["hostname"])
		require.Equal(t, "ubuntu", body["os_type"])
		_, hasHW := body["hardware_summary"]
		require.False(t, hasHW)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"device_id":7,"poll_interval_seconds":30}`))
	}))
	defer srv.Close()

	osType := "ubuntu"
	resp, err := NewClient(srv.URL).Register(context.Background(), RegisterRequest{
		EnrollmentToken: "t1",
		Hostname:        "h1",
		OSType:          &osType,
	})
	require.NoError(t, err)
	require.Equal(t, int64(7), resp.DeviceID)
	require.Equal(t, 30, resp.PollIntervalSeconds)
}

func TestHeartbeatNotFoundIsDistinguishable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", "req-1")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"device not found","request_id":"req-1"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Heartbeat(context.Background(), HeartbeatRequest{DeviceID: 9, Status: "online"})
	require.ErrorIs(t, err, ErrDeviceNotFound)
	require.Equal(t, http.StatusNotFound, StatusCode(err))
	require.False(t, IsRetryable(err))
	require.Contains(t, err.Error(), "req-1")
}

func TestHeartbeatServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Heartbeat(context.Background(), HeartbeatRequest{DeviceID: 9, Status: "online"})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrDeviceNotFound)
	require.True(t, IsRetryable(err))
}

func TestHeartbeatDecodesActionsInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"actions":[{"id":2,"type":"test"},{"id":1,"type":"bash_inline","payload":"echo hi"}],"poll_interval_seconds":15}`))
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL).Heartbeat(context.Background(), HeartbeatRequest{DeviceID: 1, Status: "online"})
	require.NoError(t, err)
	require.Len(t, resp.Actions, 2)
	require.Equal(t, int64(2), resp.Actions[0].ID)
	require.Nil(t, resp.Actions[0].Payload)
	require.Equal(t, "echo hi", *resp.Actions[1].Payload)
	require.NotNil(t, resp.PollIntervalSeconds)
	require.Equal(t, 15, *resp.PollIntervalSeconds)
}

func TestClientTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := NewClient(srv.URL, WithTimeout(100*time.Millisecond)).Heartbeat(context.Background(), HeartbeatRequest{DeviceID: 1})
	require.Error(t, err)
	require.Less(t, time.Since(start), 3*time.Second)
	require.True(t, IsRetryable(err))
}

func TestReportResultPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	code := 0
	err := NewClient(srv.URL).ReportResult(context.Background(), 42, ActionResultRequest{Status: "succeeded", ExitCode: &code})
	require.NoError(t, err)
	require.Equal(t, "/api/v1/agent/actions/42/result", gotPath)
}

func TestAdminTokenHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	devices, err := NewClient(srv.URL, WithAdminToken("secret")).ListDevices(context.Background())
	require.NoError(t, err)
	require.Empty(t, devices)
}

func TestIsRetryable(t *testing.T) {
	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(errors.New("generic")))
	require.True(t, IsRetryable(&net.DNSError{IsTemporary: true}))
	require.True(t, IsRetryable(&StatusError{StatusCode: http.StatusTooManyRequests}))
	require.False(t, IsRetryable(&StatusError{StatusCode: http.StatusConflict}))
}
