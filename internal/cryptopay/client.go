// Package cryptopay предоставляет клиент Crypto Pay API для оплаты счетов в USDT.
package cryptopay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/vds-market/internal/gateway"
	"github.com/mmeshcher/vds-market/internal/model"
)

// DefaultBaseURL адрес Crypto Pay API.
const DefaultBaseURL = "https://pay.crypt.bot"

const tokenHeader = "Crypto-Pay-API-Token"

const (
	// наибольший count, который принимает getInvoices
	maxPageSize = 1000
	maxPages    = 100
)

// Config содержит параметры подключения к Crypto Pay.
type Config struct {
	BaseURL   string
	Token     string
	ReturnURL string
	Timeout   time.Duration
}

// Client инкапсулирует HTTP-взаимодействие с Crypto Pay.
type Client struct {
	http      *resty.Client
	returnURL string
	pageSize  int
}

// Invoice описывает счёт на стороне Crypto Pay.
type Invoice struct {
	ID     string
	Status model.PaymentStatus
	PayURL string
}

type createInvoiceBody struct {
	Asset          string `json:"asset"`
	Amount         string `json:"amount"`
	Description    string `json:"description"`
	PaidBtnName    string `json:"paid_btn_name"`
	PaidBtnURL     string `json:"paid_btn_url"`
	Payload        string `json:"payload"`
	AllowAnonymous bool   `json:"allow_anonymous"`
}

type apiError struct {
	Code int    `json:"code"`
	Name string `json:"name"`
}

type envelope[T any] struct {
	OK     bool      `json:"ok"`
	Result T         `json:"result"`
	Error  *apiError `json:"error,omitempty"`
}

type invoiceDTO struct {
	InvoiceID json.Number `json:"invoice_id"`
	Status    string      `json:"status"`
	PayURL    string      `json:"pay_url"`
}

type invoiceList struct {
	Items []invoiceDTO `json:"items"`
}

// NewClient создаёт клиент Crypto Pay с токеном приложения.
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
			SetHeader(tokenHeader, cfg.Token).
			SetTimeout(timeout),
		returnURL: cfg.ReturnURL,
		pageSize:  maxPageSize,
	}
}

// CreateInvoice выставляет счёт в USDT на указанную сумму.
func (c *Client) CreateInvoice(ctx context.Context, amountUSD decimal.Decimal, userID int64) (*Invoice, error) {
	body := createInvoiceBody{
		Asset:          "USDT",
		Amount:         amountUSD.StringFixed(2),
		Description:    "Пополнение баланса",
		PaidBtnName:    "openBot",
		PaidBtnURL:     c.returnURL,
		Payload:        strconv.FormatInt(userID, 10),
		AllowAnonymous: false,
	}

	var result envelope[invoiceDTO]
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&result).
		Post("/api/createInvoice")
	if err := checkResponse(resp, err, result.OK, result.Error); err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}

	if result.Result.InvoiceID == "" || result.Result.PayURL == "" {
		return nil, fmt.Errorf("%w: create invoice: incomplete response", gateway.ErrTransient)
	}

	return toInvoice(result.Result), nil
}

// ListInvoices возвращает все счета приложения, постранично запрашивая
// getInvoices. Запроса одного счёта по идентификатору API не предоставляет,
// поэтому сверка идёт по общему списку.
func (c *Client) ListInvoices(ctx context.Context) ([]Invoice, error) {
	var res []Invoice
	for page := 0; page < maxPages; page++ {
		items, err := c.listPage(ctx, page*c.pageSize)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			res = append(res, *toInvoice(item))
		}
		if len(items) < c.pageSize {
			return res, nil
		}
	}
	return res, nil
}

func (c *Client) listPage(ctx context.Context, offset int) ([]invoiceDTO, error) {
	var result envelope[invoiceList]
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"offset": strconv.Itoa(offset),
			"count":  strconv.Itoa(c.pageSize),
		}).
		SetResult(&result).
		Get("/api/getInvoices")
	if err := checkResponse(resp, err, result.OK, result.Error); err != nil {
		return nil, fmt.Errorf("list invoices at offset %d: %w", offset, err)
	}
	return result.Result.Items, nil
}

func checkResponse(resp *resty.Response, err error, ok bool, apiErr *apiError) error {
	if err != nil {
		return fmt.Errorf("%w: %w", gateway.ErrTransient, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: status %d", gateway.ErrTransient, resp.StatusCode())
	}
	if !ok {
		name := "unknown error"
		if apiErr != nil {
			name = apiErr.Name
		}
		return fmt.Errorf("%w: %s", gateway.ErrTransient, name)
	}
	return nil
}

func toInvoice(dto invoiceDTO) *Invoice {
	return &Invoice{
		ID:     dto.InvoiceID.String(),
		Status: MapStatus(dto.Status),
		PayURL: dto.PayURL,
	}
}

// MapStatus приводит статус счёта Crypto Pay к внутреннему словарю.
func MapStatus(status string) model.PaymentStatus {
	switch status {
	case "paid":
		return model.PaymentStatusSucceeded
	case "expired":
		return model.PaymentStatusCanceled
	default:
		return model.PaymentStatusPending
	}
}
