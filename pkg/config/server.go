package config

import (
	"os"
)

type ServerConfig struct {
	Listen       string           `yaml:"listen"`
	Database     DatabaseConfig   `yaml:"database"`
	PollInterval int              `yaml:"poll_interval_s"`
	AdminToken   string           `yaml:"admin_token"`
	TokenSalt    string           `yaml:"token_salt"`
	SeedFile     string           `yaml:"seed_file"`
	Sweep        SweepConfig      `yaml:"sweep"`
	RateLimits   RateLimitsConfig `yaml:"rate_limits"`
	Events       EventsConfig     `yaml:"events"`
	Logging      LoggingConfig    `yaml:"logging"`
	Tracing      TracingConfig    `yaml:"tracing"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// SweepConfig drives the background reconciliation of abandoned actions and
// silent devices. Zero thresholds disable the matching sweep.
type SweepConfig struct {
	Interval         int `yaml:"interval_s"`
	StaleActionAfter int `yaml:"stale_action_after_s"`
	OfflineAfter     int `yaml:"offline_after_s"`
}

type RateLimitsConfig struct {
	RegisterPerMinute  int `yaml:"register_per_minute"`
	HeartbeatPerMinute int `yaml:"heartbeat_per_minute"`
}

type EventsConfig struct {
	NATSURL string `yaml:"nats_url"`
	Stream  string `yaml:"stream"`
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen: ":8000",
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "deployflow.db",
		},
		PollInterval: 30,
		Sweep: SweepConfig{
			Interval:         60,
			StaleActionAfter: 3600,
			OfflineAfter:     300,
		},
		RateLimits: RateLimitsConfig{
			RegisterPerMinute:  30,
			HeartbeatPerMinute: 120,
		},
		Events: EventsConfig{
			Stream: "DEPLOYFLOW_EVENTS",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// LoadServer reads the server config file and applies env overrides.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	if dsn := os.Getenv("DEPLOYFLOW_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if driver := os.Getenv("DEPLOYFLOW_DATABASE_DRIVER"); driver != "" {
		cfg.Database.Driver = driver
	}
	if token := os.Getenv("DEPLOYFLOW_ADMIN_TOKEN"); token != "" {
		cfg.AdminToken = token
	}
	if salt := os.Getenv("DEPLOYFLOW_TOKEN_SALT"); salt != "" {
		cfg.TokenSalt = salt
	}
	if natsURL := os.Getenv("DEPLOYFLOW_NATS_URL"); natsURL != "" {
		cfg.Events.NATSURL = natsURL
	}
	if level := os.Getenv("DEPLOYFLOW_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	return cfg, nil
}

func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return &Error{"listen address is required"}
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return &Error{"database.driver must be sqlite or postgres"}
	}
	if c.Database.DSN == "" {
		return &Error{"database.dsn is required"}
	}
	if c.PollInterval < 1 {
		return ErrInvalidInterval
	}
	if c.TokenSalt == "" {
		return &Error{"token_salt is required to hash enrollment tokens"}
	}
	if c.Sweep.Interval <= 0 {
		c.Sweep.Interval = 60
	}
	if c.Events.NATSURL != "" && c.Events.Stream == "" {
		c.Events.Stream = "DEPLOYFLOW_EVENTS"
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}
