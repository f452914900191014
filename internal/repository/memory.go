package repository

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/vds-market/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Транзакции выполняются
// последовательно под общим мьютексом, при ошибке состояние восстанавливается.
type MemoryRepository struct {
	*memLedger
	mu sync.Mutex
}

var _ Store = (*MemoryRepository)(nil)

type memState struct {
	users          map[int64]model.User
	products       map[int64]model.Product
	purchases      []model.Purchase
	promoCodes     map[string]model.PromoCode
	payments       map[string]model.Payment
	cryptoPayments map[string]model.CryptoPayment
	nextProductID  int64
	nextPurchaseID int64
}

func (s *memState) clone() *memState {
	return &memState{
		users:          maps.Clone(s.users),
		products:       maps.Clone(s.products),
		purchases:      slices.Clone(s.purchases),
		promoCodes:     maps.Clone(s.promoCodes),
		payments:       maps.Clone(s.payments),
		cryptoPayments: maps.Clone(s.cryptoPayments),
		nextProductID:  s.nextProductID,
		nextPurchaseID: s.nextPurchaseID,
	}
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	r := &MemoryRepository{}
	r.memLedger = &memLedger{
		state: &memState{
			users:          make(map[int64]model.User),
			products:       make(map[int64]model.Product),
			promoCodes:     make(map[string]model.PromoCode),
			payments:       make(map[string]model.Payment),
			cryptoPayments: make(map[string]model.CryptoPayment),
		},
		mu: &r.mu,
	}
	return r
}

// InTx выполняет fn, удерживая мьютекс хранилища.
func (r *MemoryRepository) InTx(_ context.Context, fn func(Ledger) error) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.state.clone()
	defer func() {
		if p := recover(); p != nil {
			r.state = snapshot
			panic(p)
		}
		if err != nil {
			r.state = snapshot
		}
	}()

	return fn(&memLedger{state: r.state})
}

// Close ничего не делает.
func (r *MemoryRepository) Close() error {
	return nil
}

// memLedger без mu работает внутри транзакции, мьютекс уже захвачен.
type memLedger struct {
	state *memState
	mu    *sync.Mutex
}

func (l *memLedger) lock() func() {
	if l.mu == nil {
		return func() {}
	}
	l.mu.Lock()
	return l.mu.Unlock
}

func (l *memLedger) UpsertUser(_ context.Context, userID int64) error {
	defer l.lock()()

	if _, ok := l.state.users[userID]; !ok {
		l.state.users[userID] = model.User{TelegramID: userID, Balance: decimal.Zero}
	}
	return nil
}

func (l *memLedger) GetUser(_ context.Context, userID int64) (*model.User, error) {
	defer l.lock()()

	u, ok := l.state.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (l *memLedger) LockUser(ctx context.Context, userID int64) (*model.User, error) {
	return l.GetUser(ctx, userID)
}

func (l *memLedger) GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	u, err := l.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return u.Balance, nil
}

func (l *memLedger) AdjustBalance(_ context.Context, userID int64, delta decimal.Decimal) error {
	defer l.lock()()

	u, ok := l.state.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	next := u.Balance.Add(delta)
	if next.IsNegative() {
		return ErrInsufficientBalance
	}
	u.Balance = next
	l.state.users[userID] = u
	return nil
}

func (l *memLedger) SetUserPromoCode(_ context.Context, userID int64, code *string) error {
	defer l.lock()()

	u, ok := l.state.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.PromoCode = code
	l.state.users[userID] = u
	return nil
}

func (l *memLedger) InsertPendingPayment(_ context.Context, p *model.Payment) error {
	defer l.lock()()

	if _, ok := l.state.payments[p.PaymentID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePayment, p.PaymentID)
	}
	stored := *p
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	l.state.payments[p.PaymentID] = stored
	return nil
}

func (l *memLedger) GetPayment(_ context.Context, paymentID string) (*model.Payment, error) {
	defer l.lock()()

	p, ok := l.state.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return &p, nil
}

func (l *memLedger) TransitionPaymentStatus(_ context.Context, paymentID string, status model.PaymentStatus) (bool, error) {
	defer l.lock()()

	p, ok := l.state.payments[paymentID]
	if !ok || p.Status.IsTerminal() || p.Status == status {
		return false, nil
	}
	p.Status = status
	l.state.payments[paymentID] = p
	return true, nil
}

func (l *memLedger) ListPendingPayments(_ context.Context, limit int) ([]model.Payment, error) {
	defer l.lock()()

	var res []model.Payment
	for _, p := range l.state.payments {
		if !p.Status.IsTerminal() {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (l *memLedger) InsertPendingCryptoPayment(_ context.Context, p *model.CryptoPayment) error {
	defer l.lock()()

	if _, ok := l.state.cryptoPayments[p.InvoiceID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePayment, p.InvoiceID)
	}
	stored := *p
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	l.state.cryptoPayments[p.InvoiceID] = stored
	return nil
}

func (l *memLedger) GetCryptoPayment(_ context.Context, invoiceID string) (*model.CryptoPayment, error) {
	defer l.lock()()

	p, ok := l.state.cryptoPayments[invoiceID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return &p, nil
}

func (l *memLedger) TransitionCryptoStatus(_ context.Context, invoiceID string, status model.PaymentStatus) (bool, error) {
	defer l.lock()()

	p, ok := l.state.cryptoPayments[invoiceID]
	if !ok || p.Status.IsTerminal() || p.Status == status {
		return false, nil
	}
	p.Status = status
	l.state.cryptoPayments[invoiceID] = p
	return true, nil
}

func (l *memLedger) ListPendingCryptoPayments(_ context.Context, limit int) ([]model.CryptoPayment, error) {
	defer l.lock()()

	var res []model.CryptoPayment
	for _, p := range l.state.cryptoPayments {
		if !p.Status.IsTerminal() {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (l *memLedger) AddProduct(_ context.Context, p *model.Product) (int64, error) {
	defer l.lock()()

	l.state.nextProductID++
	stored := *p
	stored.ID = l.state.nextProductID
	l.state.products[stored.ID] = stored
	return stored.ID, nil
}

func (l *memLedger) GetProduct(_ context.Context, productID int64) (*model.Product, error) {
	defer l.lock()()

	p, ok := l.state.products[productID]
	if !ok {
		return nil, ErrProductUnavailable
	}
	return &p, nil
}

func (l *memLedger) ListProducts(_ context.Context, offset, limit int) ([]model.Product, error) {
	defer l.lock()()

	ids := slices.Sorted(maps.Keys(l.state.products))
	if offset > len(ids) {
		offset = len(ids)
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}

	res := make([]model.Product, 0, end-offset)
	for _, id := range ids[offset:end] {
		res = append(res, l.state.products[id])
	}
	return res, nil
}

func (l *memLedger) ReserveAndDeleteProduct(_ context.Context, productID int64) (*model.Product, error) {
	defer l.lock()()

	p, ok := l.state.products[productID]
	if !ok {
		return nil, ErrProductUnavailable
	}
	delete(l.state.products, productID)
	return &p, nil
}

func (l *memLedger) InsertPurchase(_ context.Context, p *model.Purchase) (int64, error) {
	defer l.lock()()

	l.state.nextPurchaseID++
	stored := *p
	stored.ID = l.state.nextPurchaseID
	l.state.purchases = append(l.state.purchases, stored)
	return stored.ID, nil
}

func (l *memLedger) ListPurchases(_ context.Context, userID int64) ([]model.Purchase, error) {
	defer l.lock()()

	var res []model.Purchase
	for i := len(l.state.purchases) - 1; i >= 0; i-- {
		if l.state.purchases[i].TelegramID == userID {
			res = append(res, l.state.purchases[i])
		}
	}
	return res, nil
}

func (l *memLedger) CountPurchases(ctx context.Context, userID int64) (int, error) {
	res, err := l.ListPurchases(ctx, userID)
	return len(res), err
}

func (l *memLedger) CreatePromoCode(_ context.Context, p *model.PromoCode) error {
	defer l.lock()()

	if _, ok := l.state.promoCodes[p.Code]; ok {
		return fmt.Errorf("%w: %s", ErrPromoExists, p.Code)
	}
	l.state.promoCodes[p.Code] = *p
	return nil
}

func (l *memLedger) GetPromoCode(_ context.Context, code string) (*model.PromoCode, error) {
	defer l.lock()()

	p, ok := l.state.promoCodes[code]
	if !ok {
		return nil, ErrPromoNotFound
	}
	return &p, nil
}

func (l *memLedger) ConsumePromoCode(_ context.Context, code string) (decimal.Decimal, bool, error) {
	defer l.lock()()

	p, ok := l.state.promoCodes[code]
	if !ok || p.UsageLimit <= 0 {
		return decimal.Zero, false, nil
	}
	p.UsageLimit--
	if p.UsageLimit <= 0 {
		delete(l.state.promoCodes, code)
	} else {
		l.state.promoCodes[code] = p
	}
	return p.Discount, true, nil
}
