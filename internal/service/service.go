// Package service реализует бизнес-логику магазина: пополнения, сверку платежей,
// промокоды и покупки.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/vds-market/internal/cryptopay"
	"github.com/mmeshcher/vds-market/internal/model"
	"github.com/mmeshcher/vds-market/internal/repository"
	"github.com/mmeshcher/vds-market/internal/validation"
	"github.com/mmeshcher/vds-market/internal/yookassa"
)

var (
	// ErrInvalidAmount возвращается при некорректной сумме пополнения или цене.
	// Это та же ошибка, что возвращает validation.ParseAmount.
	ErrInvalidAmount = validation.ErrInvalidAmount
	// ErrInvalidProduct возвращается при некорректных данных товара.
	ErrInvalidProduct = errors.New("invalid product")
	// ErrGatewayNotConfigured возвращается, если платёжный шлюз не настроен.
	ErrGatewayNotConfigured = errors.New("payment gateway not configured")
)

const maxPageSize = 100

// FiatGateway описывает клиент YooKassa.
type FiatGateway interface {
	CreatePayment(ctx context.Context, req yookassa.CreatePaymentRequest) (*yookassa.Payment, error)
	GetPayment(ctx context.Context, paymentID string) (*yookassa.Payment, error)
}

// CryptoGateway описывает клиент Crypto Pay.
type CryptoGateway interface {
	CreateInvoice(ctx context.Context, amountUSD decimal.Decimal, userID int64) (*cryptopay.Invoice, error)
	ListInvoices(ctx context.Context) ([]cryptopay.Invoice, error)
}

// RateProvider возвращает количество рублей за один доллар.
type RateProvider interface {
	USDRate(ctx context.Context) (decimal.Decimal, error)
}

// Gateways содержит внешние клиенты. Ненастроенный клиент остаётся nil.
type Gateways struct {
	Fiat   FiatGateway
	Crypto CryptoGateway
	Rates  RateProvider
}

// Service содержит бизнес-логику магазина.
type Service struct {
	repo          repository.Store
	fiat          FiatGateway
	crypto        CryptoGateway
	rates         RateProvider
	logger        *zap.Logger
	sweepInterval time.Duration
	now           func() time.Time
}

// NewService создаёт сервис с указанным хранилищем и платёжными шлюзами.
func NewService(repo repository.Store, gw Gateways, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:          repo,
		fiat:          gw.Fiat,
		crypto:        gw.Crypto,
		rates:         gw.Rates,
		logger:        logger,
		sweepInterval: 30 * time.Second,
		now:           time.Now,
	}
}

// SetSweepInterval задаёт период фоновой сверки платежей.
func (s *Service) SetSweepInterval(d time.Duration) {
	if d > 0 {
		s.sweepInterval = d
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// EnsureUser создаёт пользователя при первом обращении.
func (s *Service) EnsureUser(ctx context.Context, userID int64) error {
	return s.repo.UpsertUser(ctx, userID)
}

// GetProfile возвращает баланс, активный промокод и число покупок пользователя.
func (s *Service) GetProfile(ctx context.Context, userID int64) (*model.Profile, error) {
	u, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	count, err := s.repo.CountPurchases(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &model.Profile{
		TelegramID: u.TelegramID,
		Balance:    u.Balance,
		PromoCode:  u.PromoCode,
		Purchases:  count,
	}, nil
}

// ListProducts возвращает страницу доступных товаров.
func (s *Service) ListProducts(ctx context.Context, offset, limit int) ([]model.Product, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	return s.repo.ListProducts(ctx, offset, limit)
}

// GetProduct возвращает товар и цену для пользователя с учётом назначенного промокода.
func (s *Service) GetProduct(ctx context.Context, userID, productID int64) (*model.Product, decimal.Decimal, error) {
	p, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return nil, decimal.Zero, err
	}

	price, err := s.PreviewPrice(ctx, userID, p.Price)
	if err != nil {
		return nil, decimal.Zero, err
	}

	return p, price, nil
}

// ListPurchases возвращает историю покупок пользователя.
func (s *Service) ListPurchases(ctx context.Context, userID int64) ([]model.Purchase, error) {
	return s.repo.ListPurchases(ctx, userID)
}

// AddProduct добавляет сервер в продажу.
func (s *Service) AddProduct(ctx context.Context, p *model.Product) (int64, error) {
	if p.IP == "" || p.Login == "" || p.Password == "" {
		return 0, fmt.Errorf("%w: credentials are required", ErrInvalidProduct)
	}
	if p.Cores <= 0 || p.RAM <= 0 || p.SSD <= 0 {
		return 0, fmt.Errorf("%w: specs must be positive", ErrInvalidProduct)
	}
	if p.Price.IsNegative() {
		return 0, fmt.Errorf("%w: negative price", ErrInvalidAmount)
	}
	if p.Geo == "" {
		p.Geo = "N/A"
	}
	p.Price = p.Price.Round(2)

	id, err := s.repo.AddProduct(ctx, p)
	if err != nil {
		return 0, err
	}

	s.logger.Info("product added", zap.Int64("productID", id), zap.String("geo", p.Geo), zap.String("price", p.Price.StringFixed(2)))
	return id, nil
}
