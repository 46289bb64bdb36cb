// Package config содержит логику чтения конфигурации сервиса budgetrank.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации сервиса budgetrank.
type Config struct {
	RunAddress      string `env:"RUN_ADDRESS" validate:"required,hostname_port"`
	DatabaseURI     string `env:"DATABASE_URI" validate:"required"`
	RedisAddr       string `env:"REDIS_ADDR" validate:"omitempty,hostname_port"`
	StripeSecretKey string `env:"STRIPE_SECRET_KEY"`
	StripeAPIURL    string `env:"STRIPE_API_URL" validate:"omitempty,url"`
	PaymentCurrency string `env:"PAYMENT_CURRENCY" envDefault:"usd" validate:"len=3"`

	AuthSecret     string `env:"AUTH_SECRET"`
	AdminJWTSecret string `env:"ADMIN_JWT_SECRET"`

	PrizeWinners     int           `env:"PRIZE_WINNERS" envDefault:"3" validate:"min=1,max=100"`
	DistributionCron string        `env:"DISTRIBUTION_CRON" envDefault:"0 0 1 * *"`
	StoreTimeout     time.Duration `env:"STORE_TIMEOUT" envDefault:"5s" validate:"gt=0"`
	LockTimeout      time.Duration `env:"LOCK_TIMEOUT" envDefault:"2s" validate:"gt=0"`
	LedgerMaxRetries int           `env:"LEDGER_MAX_RETRIES" envDefault:"3" validate:"min=0,max=10"`

	SubscribeRateLimit  int           `env:"SUBSCRIBE_RATE_LIMIT" envDefault:"5" validate:"min=1"`
	SubscribeRateWindow time.Duration `env:"SUBSCRIBE_RATE_WINDOW" envDefault:"1m" validate:"gt=0"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	LogFile  string `env:"LOG_FILE"`
}

// Parse считывает конфигурацию из .env, флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := map[*string]string{
		&cfg.RunAddress:      cfg.RunAddress,
		&cfg.DatabaseURI:     cfg.DatabaseURI,
		&cfg.RedisAddr:       cfg.RedisAddr,
		&cfg.StripeSecretKey: cfg.StripeSecretKey,
	}

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedisAddr, "r", "", "redis address for scheduled jobs and rate limiting")
	flag.StringVar(&cfg.StripeSecretKey, "k", "", "stripe secret key")

	flag.Parse()

	for field, value := range fromEnv {
		if value != "" {
			*field = value
		}
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
