package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ErrDeviceNotFound means the server no longer knows the device id used for
// a heartbeat, typically because an operator deleted it.
var ErrDeviceNotFound = errors.New("device not found on server")

// StatusError is a non-2xx reply.
type StatusError struct {
	StatusCode int
	Message    string
	RequestID  string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.RequestID != "" {
		return fmt.Sprintf("server returned %d: %s (request_id=%s)", e.StatusCode, msg, e.RequestID)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, msg)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsRetryable classifies transport failures and retryable statuses.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	adminToken string
	userAgent  string
}

type Option func(*Client)

// WithTimeout bounds every call; zero disables the per-call bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAdminToken sets the bearer token sent on operator endpoints.
func WithAdminToken(token string) Option {
	return func(c *Client) { c.adminToken = token }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    10 * time.Second,
		userAgent:  "deployflow",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	var resp RegisterResponse
	if _, err := c.do(ctx, http.MethodPost, RegisterPath, req, &resp); err != nil {
		return RegisterResponse{}, fmt.Errorf("register: %w", err)
	}
	if resp.DeviceID <= 0 {
		return RegisterResponse{}, fmt.Errorf("register: server returned invalid device id %d", resp.DeviceID)
	}
	return resp, nil
}

// Heartbeat reports liveness and returns the actions claimed for this
// device. Unknown or deleted devices yield ErrDeviceNotFound.
func (c *Client) Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error) {
	var resp HeartbeatResponse
	if _, err := c.do(ctx, http.MethodPost, HeartbeatPath, req, &resp); err != nil {
		switch StatusCode(err) {
		case http.StatusNotFound, http.StatusGone:
			return HeartbeatResponse{}, fmt.Errorf("heartbeat: %w: %w", ErrDeviceNotFound, err)
		}
		return HeartbeatResponse{}, fmt.Errorf("heartbeat: %w", err)
	}
	return resp, nil
}

func (c *Client) ReportResult(ctx context.Context, actionID int64, req ActionResultRequest) error {
	if _, err := c.do(ctx, http.MethodPost, ReportPath(actionID), req, nil); err != nil {
		return fmt.Errorf("report action %d: %w", actionID, err)
	}
	return nil
}

// Health returns the health body and the server's Date header.
func (c *Client) Health(ctx context.Context) (HealthResponse, time.Time, error) {
	var resp HealthResponse
	hdr, err := c.do(ctx, http.MethodGet, HealthPath, nil, &resp)
	if err != nil {
		return HealthResponse{}, time.Time{}, fmt.Errorf("health: %w", err)
	}
	var serverTime time.Time
	if raw := hdr.Get("Date"); raw != "" {
		if parsed, perr := http.ParseTime(raw); perr == nil {
			serverTime = parsed
		}
	}
	return resp, serverTime, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (http.Header, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		statusErr := &StatusError{StatusCode: resp.StatusCode, RequestID: resp.Header.Get("X-Request-ID")}
		var er ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			statusErr.Message = er.Error
			if er.RequestID != "" {
				statusErr.RequestID = er.RequestID
			}
		} else {
			statusErr.Message = strings.TrimSpace(string(data))
		}
		return resp.Header, statusErr
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return resp.Header, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.Header, nil
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
