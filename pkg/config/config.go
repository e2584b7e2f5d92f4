package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Device-not-found policies for the agent poll loop.
const (
	OnNotFoundReregister = "reregister"
	OnNotFoundStop       = "stop"
	OnNotFoundContinue   = "continue"
)

type AgentConfig struct {
	Server    ServerEndpoint  `yaml:"server"`
	State     StateConfig     `yaml:"state"`
	Polling   PollingConfig   `yaml:"polling"`
	Execution ExecutionConfig `yaml:"execution"`
	Health    HealthConfig    `yaml:"health"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerEndpoint struct {
	URL                 string `yaml:"url"`
	EnrollmentToken     string `yaml:"enrollment_token"`
	EnrollmentTokenFile string `yaml:"enrollment_token_file"`
	RequestTimeout      int    `yaml:"request_timeout_s"`
	RetryInitialMs      int    `yaml:"retry_initial_ms"`
	RetryMaxMs          int    `yaml:"retry_max_ms"`
	RetryMaxRetries     int    `yaml:"retry_max_attempts"`
}

type StateConfig struct {
	Path string `yaml:"path"`
}

type PollingConfig struct {
	Interval       int    `yaml:"interval_s"`
	Jitter         int    `yaml:"jitter_s"`
	OnNotFound     string `yaml:"on_device_not_found"`
	FactsRefreshS  int    `yaml:"facts_refresh_s"`
	ShutdownReport int    `yaml:"shutdown_report_timeout_s"`
}

type ExecutionConfig struct {
	GracePeriod    int    `yaml:"grace_period_s"`
	ScriptDir      string `yaml:"script_dir"`
	MaxOutputBytes int    `yaml:"max_output_bytes"`
}

type HealthConfig struct {
	TimeDriftMaxS int `yaml:"time_drift_max_s"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans" json:"log_spans"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *AgentConfig {
	return &AgentConfig{
		Server: ServerEndpoint{
			URL:             "http://localhost:8000",
			RequestTimeout:  10,
			RetryInitialMs:  500,
			RetryMaxMs:      5000,
			RetryMaxRetries: 3,
		},
		State: StateConfig{
			Path: "device_state.json",
		},
		Polling: PollingConfig{
			Interval:       30,
			Jitter:         0,
			OnNotFound:     OnNotFoundReregister,
			FactsRefreshS:  3600,
			ShutdownReport: 5,
		},
		Execution: ExecutionConfig{
			GracePeriod:    5,
			MaxOutputBytes: 1024 * 1024,
		},
		Health: HealthConfig{
			TimeDriftMaxS: 120,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// Load reads config from file with env var overrides. A missing file is not
// an error.
func Load(path string) (*AgentConfig, error) {
	cfg := DefaultConfig()

	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	if url := os.Getenv("DEPLOYFLOW_SERVER_URL"); url != "" {
		cfg.Server.URL = url
	}
	if token := os.Getenv("DEPLOYFLOW_ENROLLMENT_TOKEN"); token != "" {
		cfg.Server.EnrollmentToken = token
	}
	if tokenFile := os.Getenv("DEPLOYFLOW_ENROLLMENT_TOKEN_FILE"); tokenFile != "" {
		cfg.Server.EnrollmentTokenFile = tokenFile
	}
	if statePath := os.Getenv("DEPLOYFLOW_STATE_FILE"); statePath != "" {
		cfg.State.Path = statePath
	}
	if level := os.Getenv("DEPLOYFLOW_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if cfg.Server.EnrollmentToken == "" && cfg.Server.EnrollmentTokenFile == "" {
		if defaultPath := defaultTokenPath(path); defaultPath != "" {
			cfg.Server.EnrollmentTokenFile = defaultPath
		}
	}

	return cfg, nil
}

func readYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func defaultTokenPath(configPath string) string {
	if configPath == "" {
		return ""
	}
	dir := filepath.Dir(configPath)
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "enrollment.token")
}

// ResolveEnrollmentToken returns the inline token or the trimmed contents of
// the token file. A missing file yields an empty token.
func (c *AgentConfig) ResolveEnrollmentToken() (string, error) {
	if c.Server.EnrollmentToken != "" {
		return c.Server.EnrollmentToken, nil
	}
	if c.Server.EnrollmentTokenFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.Server.EnrollmentTokenFile)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read enrollment token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (c *AgentConfig) Validate() error {
	if c.Server.URL == "" {
		return ErrMissingServerURL
	}
	if !strings.HasPrefix(c.Server.URL, "https://") && !strings.HasPrefix(c.Server.URL, "http://") {
		return &Error{"server URL must start with http:// or https://"}
	}
	if c.Polling.Interval < 1 {
		return ErrInvalidInterval
	}
	if c.State.Path == "" {
		return &Error{"state path is required"}
	}
	switch c.Polling.OnNotFound {
	case "":
		c.Polling.OnNotFound = OnNotFoundReregister
	case OnNotFoundReregister, OnNotFoundStop, OnNotFoundContinue:
	default:
		return &Error{fmt.Sprintf("polling.on_device_not_found must be one of reregister, stop, continue (got %q)", c.Polling.OnNotFound)}
	}
	if c.Polling.Jitter < 0 {
		c.Polling.Jitter = 0
	}
	if c.Polling.ShutdownReport <= 0 {
		c.Polling.ShutdownReport = 5
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 10
	}
	if c.Server.RetryInitialMs <= 0 {
		c.Server.RetryInitialMs = 500
	}
	if c.Server.RetryMaxMs <= 0 {
		c.Server.RetryMaxMs = 5000
	}
	if c.Server.RetryMaxRetries < 0 {
		c.Server.RetryMaxRetries = 3
	}
	if c.Server.RetryMaxMs < c.Server.RetryInitialMs {
		c.Server.RetryMaxMs = c.Server.RetryInitialMs
	}
	if c.Execution.GracePeriod <= 0 {
		c.Execution.GracePeriod = 5
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

var (
	ErrMissingServerURL = &Error{"server URL is required"}
	ErrInvalidInterval  = &Error{"poll interval must be >= 1s"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
