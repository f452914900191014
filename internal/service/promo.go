package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/vds-market/internal/model"
	"github.com/mmeshcher/vds-market/internal/repository"
	"github.com/mmeshcher/vds-market/internal/validation"
)

var (
	// ErrPromoInvalid возвращается для несуществующего или некорректного промокода.
	ErrPromoInvalid = errors.New("promo code invalid")
	// ErrPromoExhausted возвращается, если у промокода не осталось использований.
	ErrPromoExhausted = errors.New("promo code exhausted")
)

// PreviewPrice возвращает цену с учётом назначенного пользователю промокода.
// Ничего не изменяет.
func (s *Service) PreviewPrice(ctx context.Context, userID int64, price decimal.Decimal) (decimal.Decimal, error) {
	price = price.Round(2)

	u, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return price, nil
		}
		return decimal.Zero, err
	}
	if u.PromoCode == nil {
		return price, nil
	}

	promo, err := s.repo.GetPromoCode(ctx, *u.PromoCode)
	if err != nil {
		if errors.Is(err, repository.ErrPromoNotFound) {
			return price, nil
		}
		return decimal.Zero, err
	}
	if promo.UsageLimit <= 0 {
		return price, nil
	}

	return promo.Apply(price), nil
}

// consumeForPurchase списывает использование промокода пользователя внутри
// транзакции покупки и возвращает итоговую цену. Ссылка пользователя на
// промокод снимается в любом случае.
func consumeForPurchase(ctx context.Context, l repository.Ledger, u *model.User, price decimal.Decimal) (decimal.Decimal, bool, error) {
	price = price.Round(2)
	if u.PromoCode == nil {
		return price, false, nil
	}

	discount, ok, err := l.ConsumePromoCode(ctx, *u.PromoCode)
	if err != nil {
		return decimal.Zero, false, err
	}

	// ссылка снимается и для исчезнувшего кода
	if err := l.SetUserPromoCode(ctx, u.TelegramID, nil); err != nil {
		return decimal.Zero, false, err
	}
	if !ok {
		return price, false, nil
	}

	promo := model.PromoCode{Code: *u.PromoCode, Discount: discount}
	return promo.Apply(price), true, nil
}

// AssignPromoCode назначает пользователю промокод для следующей покупки.
func (s *Service) AssignPromoCode(ctx context.Context, userID int64, code string) (*model.PromoCode, error) {
	code = strings.TrimSpace(code)
	if !validation.IsValidPromoCode(code) {
		return nil, ErrPromoInvalid
	}

	promo, err := s.repo.GetPromoCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrPromoNotFound) {
			return nil, ErrPromoInvalid
		}
		return nil, err
	}
	if promo.UsageLimit <= 0 {
		return nil, ErrPromoExhausted
	}

	if err := s.repo.UpsertUser(ctx, userID); err != nil {
		return nil, err
	}
	if err := s.repo.SetUserPromoCode(ctx, userID, &promo.Code); err != nil {
		return nil, err
	}

	s.logger.Info("promo code assigned", zap.Int64("userID", userID), zap.String("code", promo.Code))
	return promo, nil
}

// CreatePromoCode создаёт промокод со скидкой в процентах.
func (s *Service) CreatePromoCode(ctx context.Context, code string, discount decimal.Decimal, usageLimit int) (*model.PromoCode, error) {
	code = strings.TrimSpace(code)
	if !validation.IsValidPromoCode(code) {
		return nil, ErrPromoInvalid
	}
	if discount.IsNegative() || discount.GreaterThan(decimal.NewFromInt(100)) {
		return nil, fmt.Errorf("%w: discount must be within 0..100", ErrInvalidAmount)
	}
	if usageLimit <= 0 {
		return nil, fmt.Errorf("%w: usage limit must be positive", ErrInvalidAmount)
	}

	promo := &model.PromoCode{Code: code, Discount: discount.Round(2), UsageLimit: usageLimit}
	if err := s.repo.CreatePromoCode(ctx, promo); err != nil {
		return nil, err
	}
	return promo, nil
}
