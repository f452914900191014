// Package exchange предоставляет курс рубля к доллару для расчёта пополнений.
package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/vds-market/internal/gateway"
)

// DefaultBaseURL адрес ExchangeRate-API.
const DefaultBaseURL = "https://v6.exchangerate-api.com"

// Config содержит параметры подключения к сервису курсов.
type Config struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// Client запрашивает курс USD/RUB и кэширует его на CacheTTL.
type Client struct {
	http   *resty.Client
	apiKey string
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	rate      decimal.Decimal
	fetchedAt time.Time
}

type latestResponse struct {
	Result          string                     `json:"result"`
	ErrorType       string                     `json:"error-type,omitempty"`
	ConversionRates map[string]decimal.Decimal `json:"conversion_rates"`
}

// NewClient создаёт клиент сервиса курсов валют.
func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 10 * time.Minute
	}

	return &Client{
		http:   resty.New().SetBaseURL(strings.TrimRight(baseURL, "/")).SetTimeout(timeout),
		apiKey: cfg.APIKey,
		ttl:    ttl,
		now:    time.Now,
	}
}

// USDRate возвращает количество рублей за один доллар.
func (c *Client) USDRate(ctx context.Context) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl {
		return c.rate, nil
	}

	var result latestResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("key", c.apiKey).
		SetResult(&result).
		Get("/v6/{key}/latest/USD")
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: exchange rate: %w", gateway.ErrTransient, err)
	}
	if resp.IsError() || result.Result != "success" {
		return decimal.Zero, fmt.Errorf("%w: exchange rate: status %d %s", gateway.ErrTransient, resp.StatusCode(), result.ErrorType)
	}

	rate, ok := result.ConversionRates["RUB"]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: exchange rate: no RUB rate", gateway.ErrTransient)
	}

	c.rate = rate
	c.fetchedAt = c.now()
	return rate, nil
}
