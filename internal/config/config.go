// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Send modes for task handoff to the orchestrator.
const (
	SendModeAPI   = "api"
	SendModeRedis = "redis"
)

// Config holds all application configuration parsed from environment
// variables. Keys suffixed _MS / _SECONDS carry plain integers; accessor
// methods expose them as time.Duration.
type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"dev"`
	Port     int    `env:"PORT" envDefault:"4001"`
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`

	OrchestratorURL    string `env:"ORCHESTRATOR_URL" envDefault:"http://localhost:3000"`
	OrchestratorAPIKey string `env:"ORCHESTRATOR_API_KEY"`
	// SendMode selects how tasks are handed to the orchestrator: "api" posts to
	// the outbox enqueue endpoint, "redis" pushes straight onto the outbox list.
	SendMode string `env:"SEND_MODE" envDefault:"api"`

	GatewayQueueKey    string `env:"GATEWAY_QUEUE_KEY" envDefault:"gateway:jobs"`
	PriorityQueueKey   string `env:"PRIORITY_QUEUE_KEY" envDefault:"queue:priority"`
	SessionQueuePrefix string `env:"SESSION_QUEUE_PREFIX" envDefault:"queue:session:"`

	DefaultMinDelayMS int `env:"DEFAULT_MIN_DELAY_MS" envDefault:"2000"`
	DefaultMaxDelayMS int `env:"DEFAULT_MAX_DELAY_MS" envDefault:"5000"`
	BurstLimit        int `env:"BURST_LIMIT" envDefault:"5"`
	BurstCooldownMS   int `env:"BURST_COOLDOWN_MS" envDefault:"30000"`

	PollIntervalMS int `env:"POLL_INTERVAL_MS" envDefault:"1000"`
	MaxRetries     int `env:"MAX_RETRIES" envDefault:"3"`
	RetryDelayMS   int `env:"RETRY_DELAY_MS" envDefault:"60000"`
	// MaxConcurrentJobs is accepted for operational parity but the intake loop
	// is a single poll; see DESIGN.md.
	MaxConcurrentJobs int `env:"MAX_CONCURRENT_JOBS" envDefault:"1"`

	SmartGuardEnabled bool `env:"SMART_GUARD_ENABLED" envDefault:"true"`
	SmartGuardTickMS  int  `env:"SMART_GUARD_TICK_MS" envDefault:"10000"`

	JobStatsTTLSeconds int `env:"JOB_STATS_TTL_SECONDS" envDefault:"86400"`

	SessionBrainURL string `env:"SESSION_BRAIN_URL"`
	AutoStart       bool   `env:"AUTO_START" envDefault:"true"`

	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"antiban-dispatcher"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.SendMode != SendModeAPI && cfg.SendMode != SendModeRedis {
		return Config{}, fmt.Errorf("op=config.Load: invalid SEND_MODE %q", cfg.SendMode)
	}
	if cfg.DefaultMaxDelayMS < cfg.DefaultMinDelayMS {
		cfg.DefaultMaxDelayMS = cfg.DefaultMinDelayMS
	}
	return cfg, nil
}

// PollInterval returns the intake loop poll interval.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// RetryDelay returns the base re-dispatch delay for soft failures.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// SmartGuardTick returns the SmartGuard period, floored at 2s to guard
// against hot loops.
func (c Config) SmartGuardTick() time.Duration {
	d := time.Duration(c.SmartGuardTickMS) * time.Millisecond
	if d < 2*time.Second {
		return 2 * time.Second
	}
	return d
}

// JobStatsTTL returns the lifetime of per-job counters.
func (c Config) JobStatsTTL() time.Duration {
	return time.Duration(c.JobStatsTTLSeconds) * time.Second
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
