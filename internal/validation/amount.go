// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount возвращается, если строка не является денежной суммой.
var ErrInvalidAmount = errors.New("invalid amount")

var promoCodePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,32}$`)

// ParseAmount разбирает положительную сумму с не более чем двумя знаками после
// разделителя. Допускается запятая в качестве разделителя.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}

	for _, ch := range s {
		if (ch < '0' || ch > '9') && ch != '.' {
			return decimal.Zero, ErrInvalidAmount
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if !d.IsPositive() || !d.Equal(d.Round(2)) {
		return decimal.Zero, ErrInvalidAmount
	}

	return d.Round(2), nil
}

// IsValidPromoCode проверяет формат промокода.
func IsValidPromoCode(code string) bool {
	return promoCodePattern.MatchString(code)
}
