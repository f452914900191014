package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/vds-market/internal/model"
	"github.com/mmeshcher/vds-market/internal/repository"
)

// Buy списывает с баланса цену товара (с учётом промокода) и передаёт товар
// пользователю. Всё выполняется в одной транзакции: если денег не хватает,
// товар и промокод остаются на месте.
func (s *Service) Buy(ctx context.Context, userID, productID int64) (*model.Purchase, error) {
	var (
		purchase   *model.Purchase
		discounted bool
	)

	err := s.repo.InTx(ctx, func(l repository.Ledger) error {
		product, err := l.ReserveAndDeleteProduct(ctx, productID)
		if err != nil {
			return err
		}

		user, err := l.LockUser(ctx, userID)
		if err != nil {
			return err
		}

		price, applied, err := consumeForPurchase(ctx, l, user, product.Price)
		if err != nil {
			return err
		}

		if user.Balance.LessThan(price) {
			return repository.ErrInsufficientBalance
		}
		if err := l.AdjustBalance(ctx, userID, price.Neg()); err != nil {
			return err
		}

		p := model.NewPurchase(product, userID, price, s.now())
		id, err := l.InsertPurchase(ctx, p)
		if err != nil {
			return err
		}
		p.ID = id

		purchase = p
		discounted = applied
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrProductUnavailable) ||
			errors.Is(err, repository.ErrInsufficientBalance) ||
			errors.Is(err, repository.ErrUserNotFound) {
			return nil, err
		}
		s.logger.Error("buy product failed", zap.Error(err), zap.Int64("userID", userID), zap.Int64("productID", productID))
		return nil, fmt.Errorf("buy product %d: %w", productID, err)
	}

	s.logger.Info("product sold",
		zap.Int64("userID", userID),
		zap.Int64("productID", productID),
		zap.Int64("purchaseID", purchase.ID),
		zap.String("price", purchase.Price.StringFixed(2)),
		zap.Bool("promo", discounted),
	)
	return purchase, nil
}
