// Package model содержит доменные сущности магазина VDS.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User представляет пользователя магазина и его баланс в долларах.
type User struct {
	TelegramID int64
	Balance    decimal.Decimal
	PromoCode  *string
}

// ServerSpec описывает характеристики сервера.
type ServerSpec struct {
	Cores int
	RAM   int
	SSD   int
	Geo   string
}

// Product описывает сервер, доступный для продажи.
type Product struct {
	ID       int64
	IP       string
	Login    string
	Password string
	ServerSpec
	Price decimal.Decimal
}

// Purchase описывает проданный сервер. После создания не изменяется.
type Purchase struct {
	ID         int64
	TelegramID int64
	IP         string
	Login      string
	Password   string
	ServerSpec
	Price       decimal.Decimal
	PurchasedAt time.Time
}

// NewPurchase создаёт снимок товара для покупателя с итоговой ценой.
func NewPurchase(p *Product, telegramID int64, price decimal.Decimal, at time.Time) *Purchase {
	return &Purchase{
		TelegramID:  telegramID,
		IP:          p.IP,
		Login:       p.Login,
		Password:    p.Password,
		ServerSpec:  p.ServerSpec,
		Price:       price,
		PurchasedAt: at,
	}
}

// PromoCode описывает промокод со скидкой в процентах.
type PromoCode struct {
	Code       string
	Discount   decimal.Decimal
	UsageLimit int
}

// Apply возвращает цену со скидкой, округлённую до центов.
func (p *PromoCode) Apply(price decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(100).Sub(p.Discount).Div(decimal.NewFromInt(100))
	return price.Mul(factor).Round(2)
}

// Profile содержит сводку по пользователю.
type Profile struct {
	TelegramID int64
	Balance    decimal.Decimal
	PromoCode  *string
	Purchases  int
}
