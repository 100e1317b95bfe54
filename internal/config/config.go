// Package config loads botd settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/shawn/tenant-chatbots/internal/registry"
)

var (
	// ErrNoBotToken is returned in single-tenant mode when BOT_TOKEN is unset.
	ErrNoBotToken = errors.New("BOT_TOKEN is required when MULTI_TENANT is false")
	ErrInvalid    = errors.New("invalid configuration")
)

const (
	LockBackendRedis      = "redis"
	LockBackendKubernetes = "kubernetes"
)

type Config struct {
	PodName      string `env:"POD_NAME"`
	Hostname     string `env:"HOSTNAME"`
	PodNamespace string `env:"POD_NAMESPACE" envDefault:"default"`

	MultiTenant bool   `env:"MULTI_TENANT" envDefault:"false"`
	DevMode     bool   `env:"DEV_MODE" envDefault:"false"`
	BotToken    string `env:"BOT_TOKEN"`
	BotPlatform string `env:"BOT_PLATFORM" envDefault:"telegram"`

	LockBackend         string        `env:"LOCK_BACKEND" envDefault:"redis"`
	RedisURL            string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisRetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"5"`
	RedisRetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"2s"`
	RedisConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`

	TenantsTable   string `env:"DYNAMODB_TABLE_TENANTS" envDefault:"botd-tenants"`
	BotsTable      string `env:"DYNAMODB_TABLE_BOTS" envDefault:"botd-bots"`
	DynamoEndpoint string `env:"DYNAMODB_ENDPOINT"`
	LocalMode      bool   `env:"LOCAL_MODE" envDefault:"false"`

	LockTTL             time.Duration `env:"TENANT_LOCK_EXPIRATION" envDefault:"30m"`
	HeartbeatInterval   time.Duration `env:"TENANT_HEARTBEAT_INTERVAL" envDefault:"15s"`
	HeartbeatTTL        time.Duration `env:"TENANT_HEARTBEAT_EXPIRATION" envDefault:"30s"`
	AcquisitionInterval time.Duration `env:"TENANT_ACQUISITION_INTERVAL" envDefault:"60s"`
	MaxTenantsPerPod    int           `env:"MAX_TENANTS_PER_POD" envDefault:"50"`
	ShutdownTimeout     time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"20s"`

	MetricsPort int `env:"METRICS_PORT" envDefault:"8000"`

	AnswerURL        string `env:"ANSWER_API_URL" envDefault:"http://localhost:8080"`
	AnswerKey        string `env:"ANSWER_API_KEY"`
	MatrixHomeserver string `env:"MATRIX_HOMESERVER"`
	TelegramAPIURL   string `env:"TELEGRAM_API_URL"`
	MaxDocsToDisplay int    `env:"MAX_DOCS_TO_DISPLAY" envDefault:"5"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PodID names this process in lock values and heartbeat keys.
func (c *Config) PodID() string {
	switch {
	case c.PodName != "":
		return c.PodName
	case c.Hostname != "":
		return c.Hostname
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	c.PodName = "botd-" + uuid.NewString()[:8]
	return c.PodName
}

// Platform is the platform of the single-tenant bot.
func (c *Config) Platform() registry.Platform {
	return registry.Platform(c.BotPlatform)
}

// Validate checks the settings that would otherwise fail at runtime.
func (c *Config) Validate() error {
	var errs []error
	if !c.MultiTenant && c.BotToken == "" {
		errs = append(errs, ErrNoBotToken)
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"TENANT_LOCK_EXPIRATION", c.LockTTL},
		{"TENANT_HEARTBEAT_INTERVAL", c.HeartbeatInterval},
		{"TENANT_HEARTBEAT_EXPIRATION", c.HeartbeatTTL},
		{"TENANT_ACQUISITION_INTERVAL", c.AcquisitionInterval},
		{"SHUTDOWN_TIMEOUT", c.ShutdownTimeout},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s must be positive", ErrInvalid, d.name))
		}
	}
	if c.HeartbeatTTL > 0 && c.HeartbeatTTL <= c.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("%w: TENANT_HEARTBEAT_EXPIRATION must exceed TENANT_HEARTBEAT_INTERVAL", ErrInvalid))
	}
	if c.MaxTenantsPerPod < 1 {
		errs = append(errs, fmt.Errorf("%w: MAX_TENANTS_PER_POD must be at least 1", ErrInvalid))
	}
	switch c.LockBackend {
	case LockBackendRedis, LockBackendKubernetes:
	default:
		errs = append(errs, fmt.Errorf("%w: LOCK_BACKEND %q", ErrInvalid, c.LockBackend))
	}
	switch c.Platform() {
	case registry.PlatformTelegram, registry.PlatformMatrix:
	default:
		errs = append(errs, fmt.Errorf("%w: BOT_PLATFORM %q", ErrInvalid, c.BotPlatform))
	}
	return errors.Join(errs...)
}
