package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/ReelBoard/internal/pkg/env"
	"github.com/go-playground/validator/v10"
)

// Config holds every setting the payments core reads at startup.
type Config struct {
	AppHost string `validate:"required"`
	AppPort string `validate:"required,numeric"`
	AppEnv  string `validate:"oneof=dev prod test"`

	// PublicDomain is the externally reachable base URL used for provider callbacks.
	PublicDomain      string `validate:"required,url"`
	FrontendResultURL string `validate:"required,url"`

	DB    DatabaseConfig
	Cache CacheConfig
	SMTP  SMTPConfig

	CredentialsKey string `validate:"required,hexadecimal,len=64"`

	GatewayCacheTTL     time.Duration `validate:"gt=0"`
	GatewayHTTPTimeout  time.Duration `validate:"gt=0"`
	GatewaySingleActive bool

	SweepDailySpec    string `validate:"required"`
	SweepHourlySpec   string `validate:"required"`
	SweepBatchSize    int    `validate:"gt=0"`
	SweepLockTTL      time.Duration
	PendingPaymentTTL time.Duration `validate:"gte=0"`

	TrialLength time.Duration `validate:"gt=0"`
}

type DatabaseConfig struct {
	User        string `validate:"required"`
	Password    string
	Host        string `validate:"required"`
	Port        string `validate:"required,numeric"`
	Name        string `validate:"required"`
	AutoMigrate bool
}

type CacheConfig struct {
	Host     string `validate:"required"`
	Port     string `validate:"required,numeric"`
	Password string
}

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// Addr returns host:port for the Redis-compatible cache.
func (c CacheConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Load reads the configuration from the environment. Call env.SetupEnvFile first.
func Load() (*Config, error) {
	cfg := &Config{
		AppHost:           env.GetEnv("APP_HOST", "0.0.0.0"),
		AppPort:           env.GetEnv("APP_PORT", "4000"),
		AppEnv:            env.GetEnv("APP_ENV", "prod"),
		PublicDomain:      strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", "http://localhost:4000"), "/"),
		FrontendResultURL: env.GetEnv("FRONTEND_RESULT_URL", "http://localhost:3000/payment/result"),
		DB: DatabaseConfig{
			User:        env.GetEnv("DB_USER", ""),
			Password:    env.GetEnv("DB_PASSWORD", ""),
			Host:        env.GetEnv("DB_HOST", "127.0.0.1"),
			Port:        env.GetEnv("DB_PORT", "3306"),
			Name:        env.GetEnv("DB_NAME", ""),
			AutoMigrate: env.GetEnvBool("DB_AUTO_MIGRATE", false),
		},
		Cache: CacheConfig{
			Host:     env.GetEnv("CACHE_HOST", "localhost"),
			Port:     env.GetEnv("CACHE_PORT", "6379"),
			Password: env.GetEnv("CACHE_PASSWORD", ""),
		},
		SMTP: SMTPConfig{
			Host:     env.GetEnv("SMTP_HOST", ""),
			Port:     env.GetEnv("SMTP_PORT", "587"),
			Username: env.GetEnv("SMTP_USERNAME", ""),
			Password: env.GetEnv("SMTP_PASSWORD", ""),
			From:     env.GetEnv("SMTP_FROM", "billing@reelboard.local"),
		},
		CredentialsKey:      strings.TrimSpace(env.GetEnv("CREDENTIALS_KEY", "")),
		GatewayCacheTTL:     env.GetEnvDuration("GATEWAY_CACHE_TTL", time.Hour),
		GatewayHTTPTimeout:  env.GetEnvDuration("GATEWAY_HTTP_TIMEOUT", 20*time.Second),
		GatewaySingleActive: env.GetEnvBool("GATEWAY_SINGLE_ACTIVE", false),
		SweepDailySpec:      env.GetEnv("SWEEP_DAILY_SPEC", "0 3 * * *"),
		SweepHourlySpec:     env.GetEnv("SWEEP_HOURLY_SPEC", "0 * * * *"),
		SweepBatchSize:      env.GetEnvInt("SWEEP_BATCH_SIZE", 200),
		SweepLockTTL:        env.GetEnvDuration("SWEEP_LOCK_TTL", 30*time.Minute),
		PendingPaymentTTL:   env.GetEnvDuration("PENDING_PAYMENT_TTL", 0),
		TrialLength:         env.GetEnvDuration("TRIAL_LENGTH", 7*24*time.Hour),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.AppEnv == "dev"
}

// SMTPEnabled reports whether expiry notifications can be sent.
func (c *Config) SMTPEnabled() bool {
	return c.SMTP.Host != ""
}
