package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the imagetagger server.
type Config struct {
	Server    ServerConfig
	RateLimit RateLimitConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Jobs      JobsConfig
	Worker    WorkerConfig
}

type ServerConfig struct {
	Port             int           `env:"TAGGER_PORT"        envDefault:"8080"`
	Env              string        `env:"TAGGER_ENV"         envDefault:"development"`
	LogLevel         string        `env:"LOG_LEVEL"          envDefault:"info"`
	IndexFile        string        `env:"INDEX_FILE"         envDefault:"index.html"`
	MaxUploadBytes   int64         `env:"MAX_UPLOAD_BYTES"   envDefault:"20000000"`
	InferenceTimeout time.Duration `env:"INFERENCE_TIMEOUT"  envDefault:"120s"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `env:"RATE_LIMIT_PER_MINUTE" envDefault:"2"`
}

type RedisConfig struct {
	URL string `env:"REDIS_URL"`
}

// DatabaseConfig configures the optional job history store. An empty URL disables it.
type DatabaseConfig struct {
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS"    envDefault:"10"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS"    envDefault:"2"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME" envDefault:"5m"`
}

type JobsConfig struct {
	Capacity int           `env:"JOB_STORE_CAPACITY" envDefault:"1000"`
	TTL      time.Duration `env:"JOB_STORE_TTL"      envDefault:"10m"`
}

// Tagger backends.
const (
	BackendProcess = "process"
	BackendDigest  = "digest"
)

type WorkerConfig struct {
	Backend        string        `env:"TAGGER_BACKEND"         envDefault:"process"`
	Command        []string      `env:"WORKER_COMMAND"         envSeparator:" "`
	Count          int           `env:"WORKER_COUNT"           envDefault:"3"`
	StartupTimeout time.Duration `env:"WORKER_STARTUP_TIMEOUT" envDefault:"2m"`
	ModelDir       string        `env:"MODEL_DIR"              envDefault:"model"`
	ScoreThreshold float64       `env:"SCORE_THRESHOLD"        envDefault:"0.5"`
}

// HistoryEnabled reports whether finished jobs should be written to Postgres.
func (c *Config) HistoryEnabled() bool {
	return c.Database.URL != ""
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads configuration from environment variables (and a .env file, if present)
// and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("load .env file: %w", err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.Worker.Command = strings.Fields(strings.Join(cfg.Worker.Command, " "))

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("TAGGER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if !validLogLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Server.LogLevel)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.Server.MaxUploadBytes)
	}
	if c.Server.InferenceTimeout <= 0 {
		return fmt.Errorf("INFERENCE_TIMEOUT must be positive, got %s", c.Server.InferenceTimeout)
	}

	if c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive, got %d", c.RateLimit.RequestsPerMinute)
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Database.URL != "" &&
		!strings.HasPrefix(c.Database.URL, "postgres://") && !strings.HasPrefix(c.Database.URL, "postgresql://") {
		return fmt.Errorf("DATABASE_URL must start with postgres:// or postgresql://")
	}

	if c.Jobs.Capacity <= 0 {
		return fmt.Errorf("JOB_STORE_CAPACITY must be positive, got %d", c.Jobs.Capacity)
	}
	if c.Jobs.TTL <= 0 {
		return fmt.Errorf("JOB_STORE_TTL must be positive, got %s", c.Jobs.TTL)
	}

	switch c.Worker.Backend {
	case BackendProcess:
		if len(c.Worker.Command) == 0 {
			return fmt.Errorf("WORKER_COMMAND is required when TAGGER_BACKEND is %q", BackendProcess)
		}
	case BackendDigest:
	default:
		return fmt.Errorf("TAGGER_BACKEND must be one of %s, %s; got %q", BackendProcess, BackendDigest, c.Worker.Backend)
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive, got %d", c.Worker.Count)
	}
	if c.Worker.ScoreThreshold < 0 || c.Worker.ScoreThreshold > 1 {
		return fmt.Errorf("SCORE_THRESHOLD must be within [0, 1], got %v", c.Worker.ScoreThreshold)
	}

	return nil
}
