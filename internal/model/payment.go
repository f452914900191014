package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus описывает статус платежа во внутреннем словаре сервиса.
// Статусы платёжных шлюзов приводятся к нему на стороне адаптеров.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusWaitingForCapture PaymentStatus = "waiting_for_capture"
	PaymentStatusSucceeded         PaymentStatus = "succeeded"
	PaymentStatusCanceled          PaymentStatus = "canceled"
)

// IsTerminal сообщает, что из статуса нет переходов.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusSucceeded || s == PaymentStatusCanceled
}

// Payment описывает пополнение через YooKassa.
type Payment struct {
	PaymentID  string
	TelegramID int64
	AmountRUB  decimal.Decimal
	AmountUSD  decimal.Decimal
	Status     PaymentStatus
	CreatedAt  time.Time
}

// CryptoPayment описывает пополнение через счёт Crypto Pay.
type CryptoPayment struct {
	InvoiceID  string
	TelegramID int64
	Amount     decimal.Decimal
	Status     PaymentStatus
	CreatedAt  time.Time
}

// ReconcileOutcome описывает результат сверки платежа со шлюзом.
type ReconcileOutcome string

const (
	// ReconcileUnknown: шлюз недоступен, состояние не менялось.
	ReconcileUnknown          ReconcileOutcome = "unknown"
	ReconcileCredited         ReconcileOutcome = "credited"
	ReconcileAlreadySucceeded ReconcileOutcome = "already_succeeded"
	ReconcileStatusUpdated    ReconcileOutcome = "status_updated"
	ReconcileNoChange         ReconcileOutcome = "no_change"
)

// ReconcileResult содержит итог сверки одного платежа.
type ReconcileResult struct {
	Outcome    ReconcileOutcome
	Status     PaymentStatus
	TelegramID int64
	AmountUSD  decimal.Decimal
}

// TopUp описывает созданный во внешнем шлюзе платёж и ссылку на оплату.
type TopUp struct {
	ID        string
	URL       string
	Status    PaymentStatus
	AmountRUB decimal.Decimal
	AmountUSD decimal.Decimal
}
