// Package config loads configuration for the scheduler, pump and worker
// processes. An optional yaml file provides defaults; environment variables
// always win, so a plain env-only deployment works without any file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment names accepted in APP_ENV / NODE_ENV.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Config holds all configuration for one process.
type Config struct {
	Env           string          `yaml:"env"`
	LogLevel      string          `yaml:"log_level"`
	DatabaseURL   string          `yaml:"database_url"`
	RabbitURL     string          `yaml:"rabbit_mq_url"`
	RedisURL      string          `yaml:"redis_url"`
	BaseURL       string          `yaml:"main_app_base_url"`
	EnableMetrics bool            `yaml:"enable_metrics"`
	EnableDebug   bool            `yaml:"enable_debug"`
	DebugPort     int             `yaml:"debug_port"`
	SES           SESConfig       `yaml:"ses"`
	Gemini        GeminiConfig    `yaml:"gemini"`
	Scheduler     SchedulerConfig `yaml:"scheduler"`
	Pump          PumpConfig      `yaml:"pump"`
	Worker        WorkerConfig    `yaml:"worker"`
}

// SESConfig holds AWS SES API configuration.
type SESConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	FromEmail      string `yaml:"from_email"`
	FromName       string `yaml:"from_name"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	RetryAttempts  int    `yaml:"retry_attempts"`
	RetryDelayMS   int    `yaml:"retry_delay_ms"`
}

// Timeout returns the configured timeout as a duration.
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryDelay returns the base delay for linear backoff between send retries.
func (c SESConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// GeminiConfig holds the AI opener provider configuration.
type GeminiConfig struct {
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	Enabled        bool   `yaml:"enabled"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration.
func (c GeminiConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SchedulerConfig holds eligibility-scan loop settings.
type SchedulerConfig struct {
	TickBusySeconds int `yaml:"tick_busy_seconds"`
	TickIdleSeconds int `yaml:"tick_idle_seconds"`
	BatchSize       int `yaml:"batch_size"`
	InFlightMinutes int `yaml:"in_flight_minutes"`
}

// TickBusy is the inter-tick delay after a tick that found work.
func (c SchedulerConfig) TickBusy() time.Duration {
	return time.Duration(c.TickBusySeconds) * time.Second
}

// TickIdle is the inter-tick delay after an idle tick.
func (c SchedulerConfig) TickIdle() time.Duration {
	return time.Duration(c.TickIdleSeconds) * time.Second
}

// PumpConfig holds outbox claim loop settings.
type PumpConfig struct {
	PollBusySeconds int `yaml:"poll_busy_seconds"`
	PollIdleSeconds int `yaml:"poll_idle_seconds"`
	ClaimSize       int `yaml:"claim_size"`
}

// PollBusy is the inter-poll delay after a poll that claimed rows.
func (c PumpConfig) PollBusy() time.Duration {
	return time.Duration(c.PollBusySeconds) * time.Second
}

// PollIdle is the inter-poll delay after an empty poll.
func (c PumpConfig) PollIdle() time.Duration {
	return time.Duration(c.PollIdleSeconds) * time.Second
}

// WorkerConfig holds message handling settings.
type WorkerConfig struct {
	MaxRetries          int `yaml:"max_retries"`
	GraceSeconds        int `yaml:"grace_seconds"`
	ExternalCallSeconds int `yaml:"external_call_seconds"`
}

// Grace bounds in-flight message handling during shutdown.
func (c WorkerConfig) Grace() time.Duration {
	return time.Duration(c.GraceSeconds) * time.Second
}

// ExternalCallTimeout wraps provider and AI calls.
func (c WorkerConfig) ExternalCallTimeout() time.Duration {
	return time.Duration(c.ExternalCallSeconds) * time.Second
}

// Load reads the optional yaml file and applies defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is loaded first, so secrets can live in .env
// locally and in real env vars in deployment. The optional yaml path comes
// from CONFIG_PATH.
func LoadFromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("NODE_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("RABBIT_MQ_URL"); v != "" {
		cfg.RabbitURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("MAIN_APP_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("ENABLE_METRICS"); v != "" {
		cfg.EnableMetrics = v == "true"
	}
	if v := os.Getenv("ENABLE_DEBUG"); v != "" {
		cfg.EnableDebug = v == "true"
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Gemini.APIKey = v
		cfg.Gemini.Enabled = true
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("SES_FROM_EMAIL"); v != "" {
		cfg.SES.FromEmail = v
	}
	if v := os.Getenv("SES_FROM_NAME"); v != "" {
		cfg.SES.FromName = v
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Env == "" {
		cfg.Env = EnvDevelopment
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DebugPort == 0 {
		cfg.DebugPort = 9090
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 10
	}
	if cfg.SES.RetryAttempts == 0 {
		cfg.SES.RetryAttempts = 3
	}
	if cfg.SES.RetryDelayMS == 0 {
		cfg.SES.RetryDelayMS = 1000
	}
	if cfg.Gemini.Model == "" {
		cfg.Gemini.Model = "gemini-2.0-flash"
	}
	if cfg.Gemini.TimeoutSeconds == 0 {
		cfg.Gemini.TimeoutSeconds = 10
	}
	if cfg.Scheduler.TickBusySeconds == 0 {
		cfg.Scheduler.TickBusySeconds = 3
	}
	if cfg.Scheduler.TickIdleSeconds == 0 {
		cfg.Scheduler.TickIdleSeconds = 10
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = 50
	}
	if cfg.Scheduler.InFlightMinutes == 0 {
		cfg.Scheduler.InFlightMinutes = 60
	}
	if cfg.Pump.PollBusySeconds == 0 {
		cfg.Pump.PollBusySeconds = 1
	}
	if cfg.Pump.PollIdleSeconds == 0 {
		cfg.Pump.PollIdleSeconds = 10
	}
	if cfg.Pump.ClaimSize == 0 {
		cfg.Pump.ClaimSize = 10
	}
	if cfg.Worker.MaxRetries == 0 {
		cfg.Worker.MaxRetries = 3
	}
	if cfg.Worker.GraceSeconds == 0 {
		cfg.Worker.GraceSeconds = 5
	}
	if cfg.Worker.ExternalCallSeconds == 0 {
		cfg.Worker.ExternalCallSeconds = 10
	}
}

// IsProduction reports whether the process runs in production mode.
func (c *Config) IsProduction() bool { return c.Env == EnvProduction }

// Validate checks the configuration for the named process
// ("scheduler", "pump" or "worker"). A failed validation is fatal.
func (c *Config) Validate(process string) error {
	var missing []string

	switch c.Env {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		return fmt.Errorf("invalid environment %q (want development, production or test)", c.Env)
	}

	switch strings.ToLower(c.LogLevel) {
	case "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("invalid log level %q (want error, warn, info or debug)", c.LogLevel)
	}

	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if (process == "pump" || process == "worker") && c.RabbitURL == "" {
		missing = append(missing, "RABBIT_MQ_URL")
	}
	if process == "worker" && c.IsProduction() {
		if c.SES.AccessKey == "" {
			missing = append(missing, "AWS_ACCESS_KEY_ID")
		}
		if c.SES.SecretKey == "" {
			missing = append(missing, "AWS_SECRET_ACCESS_KEY")
		}
		if c.SES.Region == "" {
			missing = append(missing, "AWS_REGION")
		}
	}
	if c.Gemini.Enabled && c.Gemini.APIKey == "" {
		missing = append(missing, "GEMINI_API_KEY")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}
