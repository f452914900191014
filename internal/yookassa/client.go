// Package yookassa предоставляет клиент платёжного шлюза YooKassa.
package yookassa

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/vds-market/internal/gateway"
	"github.com/mmeshcher/vds-market/internal/model"
)

// DefaultBaseURL адрес API YooKassa.
const DefaultBaseURL = "https://api.yookassa.ru"

// Config содержит параметры подключения к YooKassa.
type Config struct {
	BaseURL   string
	ShopID    string
	SecretKey string
	ReturnURL string
	Timeout   time.Duration
}

// Client инкапсулирует HTTP-взаимодействие с YooKassa. Локальное состояние не хранит.
type Client struct {
	http      *resty.Client
	returnURL string
}

// Payment описывает платёж на стороне YooKassa.
type Payment struct {
	ID              string
	Status          model.PaymentStatus
	ConfirmationURL string
}

// CreatePaymentRequest описывает запрос на создание платежа.
// IdempotencyKey должен быть одинаковым для повторов одного и того же запроса.
type CreatePaymentRequest struct {
	AmountRUB      decimal.Decimal
	AmountUSD      decimal.Decimal
	UserID         int64
	IdempotencyKey string
}

type amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type createPaymentBody struct {
	Amount       amount            `json:"amount"`
	Confirmation confirmation      `json:"confirmation"`
	Capture      bool              `json:"capture"`
	Description  string            `json:"description"`
	Metadata     map[string]string `json:"metadata"`
}

type paymentResponse struct {
	ID           string        `json:"id"`
	Status       string        `json:"status"`
	Confirmation *confirmation `json:"confirmation,omitempty"`
}

type errorResponse struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// NewClient создаёт клиент YooKassa с basic-авторизацией магазина.
func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetBasicAuth(cfg.ShopID, cfg.SecretKey).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		returnURL: cfg.ReturnURL,
	}
}

// CreatePayment создаёт платёж с подтверждением через redirect.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Payment, error) {
	body := createPaymentBody{
		Amount: amount{
			Value:    req.AmountRUB.StringFixed(2),
			Currency: "RUB",
		},
		Confirmation: confirmation{
			Type:      "redirect",
			ReturnURL: c.returnURL,
		},
		Capture:     true,
		Description: fmt.Sprintf("Пополнение баланса на %s USD для @%d", req.AmountUSD.StringFixed(2), req.UserID),
		Metadata: map[string]string{
			"telegram_id": strconv.FormatInt(req.UserID, 10),
			"amount_usd":  req.AmountUSD.StringFixed(2),
		},
	}

	var (
		result  paymentResponse
		failure errorResponse
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotence-Key", req.IdempotencyKey).
		SetBody(body).
		SetResult(&result).
		SetError(&failure).
		Post("/v3/payments")
	if err != nil {
		return nil, fmt.Errorf("%w: create payment: %w", gateway.ErrTransient, err)
	}

	if resp.IsError() {
		return nil, fmt.Errorf("%w: create payment: status %d: %s", gateway.ErrTransient, resp.StatusCode(), failure.Description)
	}

	if result.ID == "" || result.Confirmation == nil || result.Confirmation.ConfirmationURL == "" {
		return nil, fmt.Errorf("%w: create payment: response without confirmation url", gateway.ErrTransient)
	}

	return &Payment{
		ID:              result.ID,
		Status:          MapStatus(result.Status),
		ConfirmationURL: result.Confirmation.ConfirmationURL,
	}, nil
}

// GetPayment запрашивает текущее состояние платежа.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var result paymentResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", paymentID).
		SetResult(&result).
		Get("/v3/payments/{id}")
	if err != nil {
		return nil, fmt.Errorf("%w: get payment: %w", gateway.ErrTransient, err)
	}

	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", gateway.ErrNotFound, paymentID)
	}

	if resp.IsError() {
		return nil, fmt.Errorf("%w: get payment: status %d", gateway.ErrTransient, resp.StatusCode())
	}

	if result.Status == "" {
		return nil, fmt.Errorf("%w: get payment: empty status", gateway.ErrTransient)
	}

	p := &Payment{
		ID:     result.ID,
		Status: MapStatus(result.Status),
	}
	if result.Confirmation != nil {
		p.ConfirmationURL = result.Confirmation.ConfirmationURL
	}
	return p, nil
}

// MapStatus приводит статус YooKassa к внутреннему словарю.
// Неизвестный статус считается ожидающим и никогда не приводит к зачислению.
func MapStatus(status string) model.PaymentStatus {
	switch status {
	case "succeeded":
		return model.PaymentStatusSucceeded
	case "canceled":
		return model.PaymentStatusCanceled
	case "waiting_for_capture":
		return model.PaymentStatusWaitingForCapture
	default:
		return model.PaymentStatusPending
	}
}
