package config

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Dispatch modes. The mode is fixed per deployment.
const (
	DispatchSync     = "sync"
	DispatchPipeline = "pipeline"
)

// Config holds all configuration for the chat gateway service
type Config struct {
	// Server configuration
	Port        string `envconfig:"PORT" default:"8080"`
	CORSOrigins string `envconfig:"CORS_ORIGINS" default:"http://localhost:3000"` // Comma separated

	// Tool backend (intent classifier, tool executor, pipeline worker)
	BackendURL     string `envconfig:"BACKEND_URL" required:"true"`
	RequestTimeout int    `envconfig:"REQUEST_TIMEOUT" default:"60"` // seconds, per backend call

	// Conversation behaviour
	DispatchMode      string `envconfig:"DISPATCH_MODE" default:"sync"`          // sync or pipeline
	PipelineFollowUps bool   `envconfig:"PIPELINE_FOLLOW_UPS" default:"false"`   // Send later queries via /continue
	PollIntervalMs    int    `envconfig:"POLL_INTERVAL_MS" default:"2000"`       // Status poll interval in milliseconds
	PollMaxAttempts   int    `envconfig:"POLL_MAX_ATTEMPTS" default:"150"`       // Poll count ceiling
	PollTimeout       int    `envconfig:"POLL_TIMEOUT" default:"300"`            // seconds, wall clock ceiling per pipeline

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")
	cfg.DispatchMode = strings.ToLower(strings.TrimSpace(cfg.DispatchMode))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks field values that envconfig cannot express
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BackendURL, validation.Required, is.URL),
		validation.Field(&c.DispatchMode, validation.Required, validation.In(DispatchSync, DispatchPipeline)),
		validation.Field(&c.PollIntervalMs, validation.Required, validation.Min(1)),
		validation.Field(&c.PollMaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&c.PollTimeout, validation.Required, validation.Min(1)),
		validation.Field(&c.RequestTimeout, validation.Required, validation.Min(1)),
		validation.Field(&c.CircuitBreakerMaxFailures, validation.Required, validation.Min(1)),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error", "fatal", "panic")),
	)
}

// PollInterval returns the recurring status poll interval
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// PollDeadline returns the wall clock ceiling for a single pipeline
func (c *Config) PollDeadline() time.Duration {
	return time.Duration(c.PollTimeout) * time.Second
}

// CallTimeout returns the latency bound for a single backend call
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// AllowedOrigins splits CORSOrigins into a list
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
