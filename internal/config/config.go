// Package config содержит логику чтения конфигурации магазина VDS.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress     = "localhost:8080"
	defaultYooKassaURL    = "https://api.yookassa.ru"
	defaultCryptoPayURL   = "https://pay.crypt.bot"
	defaultExchangeURL    = "https://v6.exchangerate-api.com"
	defaultSweepInterval  = 30 * time.Second
	defaultGatewayTimeout = 10 * time.Second
)

// Config содержит параметры конфигурации магазина VDS.
type Config struct {
	RunAddress  string  `env:"RUN_ADDRESS"`
	DatabaseURI string  `env:"DATABASE_URI"`
	SecretKey   string  `env:"SECRET_KEY"`
	BotAPIKey   string  `env:"BOT_API_KEY"`
	AdminIDs    []int64 `env:"ADMIN_IDS" envSeparator:","`

	YooKassaShopID    string `env:"YOOKASSA_SHOP_ID"`
	YooKassaSecretKey string `env:"YOOKASSA_SECRET_KEY"`
	YooKassaURL       string `env:"YOOKASSA_URL"`
	ReturnURL         string `env:"RETURN_URL"`

	CryptoAPIKey string `env:"CRYPTO_API_KEY"`
	CryptoPayURL string `env:"CRYPTO_PAY_URL"`

	ExchangeAPIKey string `env:"EXCHANGE_API_KEY"`
	ExchangeURL    string `env:"EXCHANGE_URL"`

	SweepInterval  time.Duration `env:"SWEEP_INTERVAL"`
	GatewayTimeout time.Duration `env:"GATEWAY_TIMEOUT"`
}

// FiatEnabled сообщает, что заданы реквизиты YooKassa и ключ курса валют.
func (c *Config) FiatEnabled() bool {
	return c.YooKassaShopID != "" && c.YooKassaSecretKey != "" && c.ExchangeAPIKey != ""
}

// CryptoEnabled сообщает, что задан токен Crypto Pay.
func (c *Config) CryptoEnabled() bool {
	return c.CryptoAPIKey != ""
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envSecretKey := cfg.SecretKey

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.SecretKey, "s", "", "secret key for auth tokens")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envSecretKey != "" {
		cfg.SecretKey = envSecretKey
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.YooKassaURL == "" {
		cfg.YooKassaURL = defaultYooKassaURL
	}
	if cfg.CryptoPayURL == "" {
		cfg.CryptoPayURL = defaultCryptoPayURL
	}
	if cfg.ExchangeURL == "" {
		cfg.ExchangeURL = defaultExchangeURL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = defaultGatewayTimeout
	}

	return cfg, nil
}
