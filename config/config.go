// Package config assembles the full service configuration from
// defaults, an optional YAML file and environment variable overrides,
// in that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/expertflow-ai/expertflow/budget"
	"github.com/expertflow-ai/expertflow/engine"
	"github.com/expertflow-ai/expertflow/executor"
	"github.com/expertflow-ai/expertflow/internal/cache"
	"github.com/expertflow-ai/expertflow/internal/telemetry"
	"github.com/expertflow-ai/expertflow/orchestrator"
	"github.com/expertflow-ai/expertflow/panel"
	"github.com/expertflow-ai/expertflow/resilience"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Auth      AuthConfig      `yaml:"auth" env:"AUTH"`
	RateLimit RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	LLM       LLMConfig       `yaml:"llm" env:"LLM"`

	Engine       engine.Config          `yaml:"engine"`
	Gatherer     engine.GathererConfig  `yaml:"gatherer"`
	Executor     executor.Config        `yaml:"executor"`
	Panel        panel.Config           `yaml:"panel"`
	Orchestrator orchestrator.Config    `yaml:"orchestrator"`
	Cache        cache.Config           `yaml:"cache"`
	Budget       budget.Config          `yaml:"budget"`
	Retry        *resilience.RetryPolicy  `yaml:"retry"`
	Breaker      resilience.BreakerConfig `yaml:"breaker"`
	Telemetry    telemetry.Config         `yaml:"telemetry" env:"TELEMETRY"`

	// Agents is the static agent registry loaded at startup.
	Agents []AgentEntry `yaml:"agents"`
}

// ServerConfig tunes the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig tunes the zap logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// AuthConfig tunes JWT tenant authentication.
type AuthConfig struct {
	// Enabled gates the middleware; disabled installs a static tenant for
	// local development.
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Secret  string `yaml:"secret" env:"SECRET"`
	// DevTenant is the tenant id assumed when auth is disabled.
	DevTenant string `yaml:"dev_tenant" env:"DEV_TENANT"`
}

// RateLimitConfig tunes the per-tenant request limiter.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" env:"ENABLED"`
	RPS     float64 `yaml:"rps" env:"RPS"`
	Burst   int     `yaml:"burst" env:"BURST"`
}

// RedisConfig locates the cache and state backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	PoolSize int    `yaml:"pool_size" env:"POOL_SIZE"`
}

// DatabaseConfig locates the relational store used for durable
// workflow and panel records.
type DatabaseConfig struct {
	// Driver is postgres or sqlite. Empty disables the gorm store and
	// falls back to redis (or memory when redis is also unset).
	Driver   string `yaml:"driver" env:"DRIVER"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	Name     string `yaml:"name" env:"NAME"`
	SSLMode  string `yaml:"ssl_mode" env:"SSL_MODE"`
}

// LLMConfig selects and configures the model provider.
type LLMConfig struct {
	// Provider is openai or mock. Mock answers deterministically and is
	// meant for local development only.
	Provider string        `yaml:"provider" env:"PROVIDER"`
	APIKey   string        `yaml:"api_key" env:"API_KEY"`
	BaseURL  string        `yaml:"base_url" env:"BASE_URL"`
	Model    string        `yaml:"model" env:"MODEL"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// InsecureSkipVerify disables certificate checks against BaseURL,
	// for self-hosted endpoints behind a private CA.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// AgentEntry declares one agent in the static registry section.
type AgentEntry struct {
	ID            string   `yaml:"id"`
	Level         string   `yaml:"level"`
	SpecialtyTags []string `yaml:"specialty_tags"`
	AllowedTools  []string `yaml:"allowed_tools"`
	Model         string   `yaml:"model"`
	MaxTokens     int      `yaml:"max_tokens"`
	Temperature   float64  `yaml:"temperature"`
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Auth: AuthConfig{
			Enabled:   false,
			DevTenant: "dev",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			RPS:     10,
			Burst:   20,
		},
		Redis: RedisConfig{
			Addr:     "",
			PoolSize: 10,
		},
		Database: DatabaseConfig{
			SSLMode: "disable",
		},
		LLM: LLMConfig{
			Provider: "openai",
			Timeout:  60 * time.Second,
		},
		Engine:       engine.DefaultConfig(),
		Gatherer:     engine.DefaultGathererConfig(),
		Executor:     executor.DefaultConfig(),
		Panel:        panel.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Cache:        cache.DefaultConfig(),
		Budget:       budget.DefaultConfig(),
		Retry:        resilience.DefaultRetryPolicy(),
		Breaker:      resilience.DefaultBreakerConfig(),
		Telemetry:    telemetry.DefaultConfig(),
	}
}

// Validate checks the invariants that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	var errs []string
	if c.Server.Addr == "" {
		errs = append(errs, "server.addr must not be empty")
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		errs = append(errs, "auth.secret is required when auth is enabled")
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		errs = append(errs, "rate_limit.rps must be positive")
	}
	switch c.Database.Driver {
	case "", "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}
	switch c.LLM.Provider {
	case "", "openai", "mock":
	default:
		errs = append(errs, fmt.Sprintf("unsupported llm provider %q", c.LLM.Provider))
	}
	for i, a := range c.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Sprintf("agents[%d]: id must not be empty", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN returns the connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}

// BuildLogger constructs the service logger from the log section.
func (c *Config) BuildLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	var zc zap.Config
	if c.Log.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	return zc.Build()
}
