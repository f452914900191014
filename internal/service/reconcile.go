package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/vds-market/internal/cryptopay"
	"github.com/mmeshcher/vds-market/internal/gateway"
	"github.com/mmeshcher/vds-market/internal/model"
	"github.com/mmeshcher/vds-market/internal/repository"
)

const (
	sweepBatch       = 100
	sweepConcurrency = 4
)

// ledgerEntry связывает платёж любого шлюза с операциями над его строкой.
type ledgerEntry struct {
	kind       string
	id         string
	userID     int64
	amountUSD  decimal.Decimal
	stored     model.PaymentStatus
	transition func(ctx context.Context, l repository.Ledger, id string, status model.PaymentStatus) (bool, error)
	current    func(ctx context.Context, l repository.Ledger, id string) (model.PaymentStatus, error)
}

func fiatEntry(p *model.Payment) ledgerEntry {
	return ledgerEntry{
		kind:      "fiat",
		id:        p.PaymentID,
		userID:    p.TelegramID,
		amountUSD: p.AmountUSD,
		stored:    p.Status,
		transition: func(ctx context.Context, l repository.Ledger, id string, status model.PaymentStatus) (bool, error) {
			return l.TransitionPaymentStatus(ctx, id, status)
		},
		current: func(ctx context.Context, l repository.Ledger, id string) (model.PaymentStatus, error) {
			p, err := l.GetPayment(ctx, id)
			if err != nil {
				return "", err
			}
			return p.Status, nil
		},
	}
}

func cryptoEntry(p *model.CryptoPayment) ledgerEntry {
	return ledgerEntry{
		kind:      "crypto",
		id:        p.InvoiceID,
		userID:    p.TelegramID,
		amountUSD: p.Amount,
		stored:    p.Status,
		transition: func(ctx context.Context, l repository.Ledger, id string, status model.PaymentStatus) (bool, error) {
			return l.TransitionCryptoStatus(ctx, id, status)
		},
		current: func(ctx context.Context, l repository.Ledger, id string) (model.PaymentStatus, error) {
			p, err := l.GetCryptoPayment(ctx, id)
			if err != nil {
				return "", err
			}
			return p.Status, nil
		},
	}
}

func (e ledgerEntry) result(outcome model.ReconcileOutcome, status model.PaymentStatus) *model.ReconcileResult {
	return &model.ReconcileResult{
		Outcome:    outcome,
		Status:     status,
		TelegramID: e.userID,
		AmountUSD:  e.amountUSD,
	}
}

func terminalOutcome(status model.PaymentStatus) model.ReconcileOutcome {
	if status == model.PaymentStatusSucceeded {
		return model.ReconcileAlreadySucceeded
	}
	return model.ReconcileNoChange
}

// Reconcile сверяет платёж YooKassa со шлюзом и зачисляет его не более одного раза.
func (s *Service) Reconcile(ctx context.Context, paymentID string) (*model.ReconcileResult, error) {
	if s.fiat == nil {
		return nil, ErrGatewayNotConfigured
	}

	stored, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return s.reconcileFiat(ctx, stored)
}

// CheckFiatPayment сверяет платёж по запросу владельца. Чужой платёж
// неотличим от несуществующего, шлюз для него не опрашивается.
func (s *Service) CheckFiatPayment(ctx context.Context, userID int64, paymentID string) (*model.ReconcileResult, error) {
	if s.fiat == nil {
		return nil, ErrGatewayNotConfigured
	}

	stored, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if stored.TelegramID != userID {
		return nil, repository.ErrPaymentNotFound
	}
	return s.reconcileFiat(ctx, stored)
}

func (s *Service) reconcileFiat(ctx context.Context, stored *model.Payment) (*model.ReconcileResult, error) {
	entry := fiatEntry(stored)
	if stored.Status.IsTerminal() {
		return entry.result(terminalOutcome(stored.Status), stored.Status), nil
	}

	remote, err := s.fiat.GetPayment(ctx, stored.PaymentID)
	if err != nil {
		if gateway.IsRetryable(err) {
			s.logger.Warn("fiat gateway unavailable", zap.Error(err), zap.String("paymentID", stored.PaymentID))
			return entry.result(model.ReconcileUnknown, stored.Status), nil
		}
		return nil, err
	}

	return s.apply(ctx, entry, remote.Status)
}

// ReconcileCrypto сверяет счёт Crypto Pay по общему списку счетов.
func (s *Service) ReconcileCrypto(ctx context.Context, invoiceID string) (*model.ReconcileResult, error) {
	if s.crypto == nil {
		return nil, ErrGatewayNotConfigured
	}

	stored, err := s.repo.GetCryptoPayment(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	return s.reconcileCrypto(ctx, stored)
}

// CheckCryptoInvoice сверяет счёт по запросу владельца.
func (s *Service) CheckCryptoInvoice(ctx context.Context, userID int64, invoiceID string) (*model.ReconcileResult, error) {
	if s.crypto == nil {
		return nil, ErrGatewayNotConfigured
	}

	stored, err := s.repo.GetCryptoPayment(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if stored.TelegramID != userID {
		return nil, repository.ErrPaymentNotFound
	}
	return s.reconcileCrypto(ctx, stored)
}

func (s *Service) reconcileCrypto(ctx context.Context, stored *model.CryptoPayment) (*model.ReconcileResult, error) {
	entry := cryptoEntry(stored)
	if stored.Status.IsTerminal() {
		return entry.result(terminalOutcome(stored.Status), stored.Status), nil
	}

	invoices, err := s.crypto.ListInvoices(ctx)
	if err != nil {
		if gateway.IsRetryable(err) {
			s.logger.Warn("crypto gateway unavailable", zap.Error(err), zap.String("invoiceID", stored.InvoiceID))
			return entry.result(model.ReconcileUnknown, stored.Status), nil
		}
		return nil, err
	}

	for _, inv := range invoices {
		if inv.ID == stored.InvoiceID {
			return s.apply(ctx, entry, inv.Status)
		}
	}

	s.logger.Warn("invoice missing from gateway listing", zap.String("invoiceID", stored.InvoiceID))
	return entry.result(model.ReconcileUnknown, stored.Status), nil
}

// apply применяет внешний статус к локальной записи. Перевод в succeeded и
// зачисление выполняются в одной транзакции: зачисляет только тот, чей
// условный UPDATE изменил строку.
func (s *Service) apply(ctx context.Context, e ledgerEntry, external model.PaymentStatus) (*model.ReconcileResult, error) {
	switch {
	case external == model.PaymentStatusSucceeded:
		var res *model.ReconcileResult
		err := s.repo.InTx(ctx, func(l repository.Ledger) error {
			applied, err := e.transition(ctx, l, e.id, model.PaymentStatusSucceeded)
			if err != nil {
				return err
			}
			if !applied {
				status, err := e.current(ctx, l, e.id)
				if err != nil {
					return err
				}
				res = e.result(terminalOutcome(status), status)
				return nil
			}

			if err := l.UpsertUser(ctx, e.userID); err != nil {
				return err
			}
			if err := l.AdjustBalance(ctx, e.userID, e.amountUSD); err != nil {
				return err
			}
			res = e.result(model.ReconcileCredited, model.PaymentStatusSucceeded)
			return nil
		})
		if err != nil {
			s.logger.Error("credit payment failed", zap.Error(err), zap.String("kind", e.kind), zap.String("id", e.id))
			return nil, fmt.Errorf("credit %s payment %s: %w", e.kind, e.id, err)
		}

		if res.Outcome == model.ReconcileCredited {
			s.logger.Info("payment credited",
				zap.String("kind", e.kind),
				zap.String("id", e.id),
				zap.Int64("userID", e.userID),
				zap.String("amountUSD", e.amountUSD.StringFixed(2)),
			)
		}
		return res, nil

	case external != e.stored:
		applied, err := e.transition(ctx, s.repo, e.id, external)
		if err != nil {
			return nil, fmt.Errorf("update %s payment %s: %w", e.kind, e.id, err)
		}
		if !applied {
			status, err := e.current(ctx, s.repo, e.id)
			if err != nil {
				return nil, err
			}
			return e.result(model.ReconcileNoChange, status), nil
		}

		s.logger.Info("payment status updated",
			zap.String("kind", e.kind),
			zap.String("id", e.id),
			zap.String("from", string(e.stored)),
			zap.String("to", string(external)),
		)
		return e.result(model.ReconcileStatusUpdated, external), nil

	default:
		return e.result(model.ReconcileNoChange, e.stored), nil
	}
}

// SweepPending сверяет все незавершённые платежи обоих шлюзов.
func (s *Service) SweepPending(ctx context.Context) {
	if s.fiat != nil {
		s.sweepFiat(ctx)
	}
	if s.crypto != nil {
		s.sweepCrypto(ctx)
	}
}

func (s *Service) sweepFiat(ctx context.Context) {
	payments, err := s.repo.ListPendingPayments(ctx, sweepBatch)
	if err != nil {
		s.logger.Error("list pending payments failed", zap.Error(err))
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, p := range payments {
		g.Go(func() error {
			if _, err := s.Reconcile(gctx, p.PaymentID); err != nil {
				s.logger.Warn("reconcile payment failed", zap.Error(err), zap.String("paymentID", p.PaymentID))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) sweepCrypto(ctx context.Context) {
	pending, err := s.repo.ListPendingCryptoPayments(ctx, sweepBatch)
	if err != nil {
		s.logger.Error("list pending crypto payments failed", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	invoices, err := s.crypto.ListInvoices(ctx)
	if err != nil {
		s.logger.Warn("crypto gateway unavailable", zap.Error(err))
		return
	}

	byID := make(map[string]cryptopay.Invoice, len(invoices))
	for _, inv := range invoices {
		byID[inv.ID] = inv
	}

	var missing []string
	for i := range pending {
		inv, ok := byID[pending[i].InvoiceID]
		if !ok {
			missing = append(missing, pending[i].InvoiceID)
			continue
		}
		if _, err := s.apply(ctx, cryptoEntry(&pending[i]), inv.Status); err != nil {
			s.logger.Warn("reconcile invoice failed", zap.Error(err), zap.String("invoiceID", pending[i].InvoiceID))
		}
	}

	if len(missing) > 0 {
		s.logger.Warn("pending invoices missing from gateway listing",
			zap.Int("count", len(missing)),
			zap.Strings("invoiceIDs", missing),
		)
	}
}

// StartReconciliation периодически сверяет незавершённые платежи до отмены контекста.
func (s *Service) StartReconciliation(ctx context.Context) {
	if s.fiat == nil && s.crypto == nil {
		return
	}

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepPending(ctx)
		}
	}
}
