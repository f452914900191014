package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/vds-market/internal/model"
	"github.com/mmeshcher/vds-market/internal/repository"
	"github.com/mmeshcher/vds-market/internal/yookassa"
)

var minFiatAmount = decimal.NewFromInt(2)

// CreateFiatPayment создаёт платёж в YooKassa и сохраняет его как ожидающий.
// Повтор с тем же idempotencyKey не создаёт второй платёж в шлюзе; пустой ключ
// заменяется новым.
func (s *Service) CreateFiatPayment(ctx context.Context, userID int64, amountRUB decimal.Decimal, idempotencyKey string) (*model.TopUp, error) {
	if s.fiat == nil || s.rates == nil {
		return nil, ErrGatewayNotConfigured
	}
	if amountRUB.LessThan(minFiatAmount) {
		return nil, fmt.Errorf("%w: minimum is %s RUB", ErrInvalidAmount, minFiatAmount)
	}
	amountRUB = amountRUB.Round(2)

	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	rate, err := s.rates.USDRate(ctx)
	if err != nil {
		return nil, fmt.Errorf("get exchange rate: %w", err)
	}
	amountUSD := amountRUB.Div(rate).Round(2)

	if err := s.repo.UpsertUser(ctx, userID); err != nil {
		return nil, err
	}

	remote, err := s.fiat.CreatePayment(ctx, yookassa.CreatePaymentRequest{
		AmountRUB:      amountRUB,
		AmountUSD:      amountUSD,
		UserID:         userID,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		s.logger.Warn("create fiat payment failed", zap.Error(err), zap.Int64("userID", userID))
		return nil, err
	}

	topUp := &model.TopUp{
		ID:        remote.ID,
		URL:       remote.ConfirmationURL,
		Status:    remote.Status,
		AmountRUB: amountRUB,
		AmountUSD: amountUSD,
	}

	err = s.repo.InsertPendingPayment(ctx, &model.Payment{
		PaymentID:  remote.ID,
		TelegramID: userID,
		AmountRUB:  amountRUB,
		AmountUSD:  amountUSD,
		Status:     model.PaymentStatusPending,
		CreatedAt:  s.now(),
	})
	if errors.Is(err, repository.ErrDuplicatePayment) {
		s.logger.Warn("payment id already stored",
			zap.String("paymentID", remote.ID),
			zap.String("idempotencyKey", idempotencyKey),
			zap.Int64("userID", userID),
		)
		existing, getErr := s.repo.GetPayment(ctx, remote.ID)
		if getErr != nil || existing.TelegramID != userID {
			return nil, err
		}
		topUp.AmountRUB = existing.AmountRUB
		topUp.AmountUSD = existing.AmountUSD
		return topUp, nil
	}
	if err != nil {
		s.logger.Error("store fiat payment failed", zap.Error(err), zap.String("paymentID", remote.ID))
		return nil, err
	}

	s.logger.Info("fiat payment created",
		zap.String("paymentID", remote.ID),
		zap.Int64("userID", userID),
		zap.String("amountRUB", amountRUB.StringFixed(2)),
		zap.String("amountUSD", amountUSD.StringFixed(2)),
	)
	return topUp, nil
}

// CreateCryptoInvoice выставляет счёт в Crypto Pay и сохраняет его как ожидающий.
func (s *Service) CreateCryptoInvoice(ctx context.Context, userID int64, amountUSD decimal.Decimal) (*model.TopUp, error) {
	if s.crypto == nil {
		return nil, ErrGatewayNotConfigured
	}
	amountUSD = amountUSD.Round(2)
	if !amountUSD.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}

	if err := s.repo.UpsertUser(ctx, userID); err != nil {
		return nil, err
	}

	invoice, err := s.crypto.CreateInvoice(ctx, amountUSD, userID)
	if err != nil {
		s.logger.Warn("create crypto invoice failed", zap.Error(err), zap.Int64("userID", userID))
		return nil, err
	}

	err = s.repo.InsertPendingCryptoPayment(ctx, &model.CryptoPayment{
		InvoiceID:  invoice.ID,
		TelegramID: userID,
		Amount:     amountUSD,
		Status:     model.PaymentStatusPending,
		CreatedAt:  s.now(),
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicatePayment) {
			s.logger.Warn("invoice id already stored", zap.String("invoiceID", invoice.ID), zap.Int64("userID", userID))
		} else {
			s.logger.Error("store crypto invoice failed", zap.Error(err), zap.String("invoiceID", invoice.ID))
		}
		return nil, err
	}

	s.logger.Info("crypto invoice created",
		zap.String("invoiceID", invoice.ID),
		zap.Int64("userID", userID),
		zap.String("amountUSD", amountUSD.StringFixed(2)),
	)
	return &model.TopUp{
		ID:        invoice.ID,
		URL:       invoice.PayURL,
		Status:    invoice.Status,
		AmountUSD: amountUSD,
	}, nil
}
