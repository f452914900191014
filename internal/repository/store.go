package repository

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/vds-market/internal/model"
)

var (
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicatePayment возвращается, если платёж с таким внешним идентификатором уже сохранён.
	ErrDuplicatePayment = errors.New("payment already exists")
	// ErrPaymentNotFound возвращается, если платёж не найден в локальной базе.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrProductUnavailable возвращается, если товар уже продан или не существует.
	ErrProductUnavailable = errors.New("product unavailable")
	// ErrPromoNotFound возвращается, если промокод не существует.
	ErrPromoNotFound = errors.New("promo code not found")
	// ErrPromoExists возвращается при попытке создать промокод с уже занятым кодом.
	ErrPromoExists = errors.New("promo code already exists")
)

// Ledger описывает атомарные операции над данными магазина.
// Внутри Store.InTx все вызовы выполняются в одной транзакции.
type Ledger interface {
	UpsertUser(ctx context.Context, userID int64) error
	GetUser(ctx context.Context, userID int64) (*model.User, error)
	// LockUser возвращает пользователя и блокирует его строку до конца транзакции.
	LockUser(ctx context.Context, userID int64) (*model.User, error)
	GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error)
	// AdjustBalance изменяет баланс на delta. Баланс не может стать отрицательным.
	AdjustBalance(ctx context.Context, userID int64, delta decimal.Decimal) error
	SetUserPromoCode(ctx context.Context, userID int64, code *string) error

	InsertPendingPayment(ctx context.Context, p *model.Payment) error
	GetPayment(ctx context.Context, paymentID string) (*model.Payment, error)
	// TransitionPaymentStatus переводит платёж в новый статус, если текущий статус
	// не терминальный и отличается от нового. Возвращает true, если строка изменена.
	TransitionPaymentStatus(ctx context.Context, paymentID string, status model.PaymentStatus) (bool, error)
	ListPendingPayments(ctx context.Context, limit int) ([]model.Payment, error)

	InsertPendingCryptoPayment(ctx context.Context, p *model.CryptoPayment) error
	GetCryptoPayment(ctx context.Context, invoiceID string) (*model.CryptoPayment, error)
	TransitionCryptoStatus(ctx context.Context, invoiceID string, status model.PaymentStatus) (bool, error)
	ListPendingCryptoPayments(ctx context.Context, limit int) ([]model.CryptoPayment, error)

	AddProduct(ctx context.Context, p *model.Product) (int64, error)
	GetProduct(ctx context.Context, productID int64) (*model.Product, error)
	ListProducts(ctx context.Context, offset, limit int) ([]model.Product, error)
	// ReserveAndDeleteProduct удаляет товар из продажи и возвращает его.
	ReserveAndDeleteProduct(ctx context.Context, productID int64) (*model.Product, error)
	InsertPurchase(ctx context.Context, p *model.Purchase) (int64, error)
	ListPurchases(ctx context.Context, userID int64) ([]model.Purchase, error)
	CountPurchases(ctx context.Context, userID int64) (int, error)

	CreatePromoCode(ctx context.Context, p *model.PromoCode) error
	GetPromoCode(ctx context.Context, code string) (*model.PromoCode, error)
	// ConsumePromoCode списывает одно использование промокода и удаляет его,
	// когда использования закончились. ok=false, если промокода нет.
	ConsumePromoCode(ctx context.Context, code string) (discount decimal.Decimal, ok bool, err error)
}

// Store объединяет операции хранилища и границы транзакций.
type Store interface {
	Ledger
	// InTx выполняет fn в одной транзакции. Любая ошибка откатывает все изменения.
	InTx(ctx context.Context, fn func(Ledger) error) error
	Close() error
}
