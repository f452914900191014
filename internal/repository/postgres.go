// Package repository содержит хранилище магазина: реализацию в PostgreSQL и в памяти.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/vds-market/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// querier реализуют и пул соединений, и транзакция.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	*pgLedger
	pool *pgxpool.Pool
}

var _ Store = (*PostgresRepository)(nil)

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pgLedger: &pgLedger{q: pool},
		pool:     pool,
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// InTx выполняет fn в транзакции. При конфликте сериализации или взаимной
// блокировке транзакция повторяется целиком.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(Ledger) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(&pgLedger{q: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil || !isRetryable(err) || i == len(delays) {
			return err
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// pgLedger выполняет операции поверх пула или открытой транзакции.
type pgLedger struct {
	q querier
}

// UpsertUser создаёт пользователя с нулевым балансом, если его ещё нет.
func (l *pgLedger) UpsertUser(ctx context.Context, userID int64) error {
	_, err := l.q.Exec(ctx,
		`INSERT INTO users (telegram_id, balance) VALUES ($1, 0) ON CONFLICT (telegram_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetUser возвращает пользователя по идентификатору Telegram.
func (l *pgLedger) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	return l.getUser(ctx, `SELECT telegram_id, balance, promo_code FROM users WHERE telegram_id = $1`, userID)
}

// LockUser возвращает пользователя и блокирует его строку до конца транзакции.
func (l *pgLedger) LockUser(ctx context.Context, userID int64) (*model.User, error) {
	return l.getUser(ctx, `SELECT telegram_id, balance, promo_code FROM users WHERE telegram_id = $1 FOR UPDATE`, userID)
}

func (l *pgLedger) getUser(ctx context.Context, query string, userID int64) (*model.User, error) {
	var u model.User
	err := l.q.QueryRow(ctx, query, userID).Scan(&u.TelegramID, &u.Balance, &u.PromoCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// GetBalance возвращает баланс пользователя.
func (l *pgLedger) GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	u, err := l.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return u.Balance, nil
}

// AdjustBalance изменяет баланс одним условным UPDATE, не допуская отрицательного значения.
func (l *pgLedger) AdjustBalance(ctx context.Context, userID int64, delta decimal.Decimal) error {
	tag, err := l.q.Exec(ctx,
		`UPDATE users SET balance = balance + $2 WHERE telegram_id = $1 AND balance + $2 >= 0`,
		userID, delta,
	)
	if err != nil {
		return fmt.Errorf("adjust balance: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = l.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE telegram_id = $1)`, userID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return ErrUserNotFound
	}
	return ErrInsufficientBalance
}

// SetUserPromoCode назначает пользователю промокод или снимает его при code == nil.
func (l *pgLedger) SetUserPromoCode(ctx context.Context, userID int64, code *string) error {
	tag, err := l.q.Exec(ctx, `UPDATE users SET promo_code = $2 WHERE telegram_id = $1`, userID, code)
	if err != nil {
		return fmt.Errorf("set user promo code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// InsertPendingPayment сохраняет созданный в YooKassa платёж.
func (l *pgLedger) InsertPendingPayment(ctx context.Context, p *model.Payment) error {
	_, err := l.q.Exec(ctx,
		`INSERT INTO payments (telegram_id, payment_id, amount_rub, amount_usd, status) VALUES ($1, $2, $3, $4, $5)`,
		p.TelegramID, p.PaymentID, p.AmountRUB, p.AmountUSD, string(p.Status),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicatePayment, p.PaymentID)
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// GetPayment возвращает платёж по идентификатору YooKassa.
func (l *pgLedger) GetPayment(ctx context.Context, paymentID string) (*model.Payment, error) {
	row := l.q.QueryRow(ctx,
		`SELECT payment_id, telegram_id, amount_rub, amount_usd, status, created_at FROM payments WHERE payment_id = $1`,
		paymentID,
	)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

// TransitionPaymentStatus меняет статус платежа, только если он не терминальный.
func (l *pgLedger) TransitionPaymentStatus(ctx context.Context, paymentID string, status model.PaymentStatus) (bool, error) {
	tag, err := l.q.Exec(ctx,
		`UPDATE payments SET status = $2
		 WHERE payment_id = $1 AND status NOT IN ($3, $4) AND status <> $2`,
		paymentID, string(status),
		string(model.PaymentStatusSucceeded), string(model.PaymentStatusCanceled),
	)
	if err != nil {
		return false, fmt.Errorf("transition payment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListPendingPayments возвращает незавершённые платежи, начиная с самых старых.
func (l *pgLedger) ListPendingPayments(ctx context.Context, limit int) ([]model.Payment, error) {
	rows, err := l.q.Query(ctx,
		`SELECT payment_id, telegram_id, amount_rub, amount_usd, status, created_at
		 FROM payments
		 WHERE status NOT IN ($1, $2)
		 ORDER BY created_at
		 LIMIT $3`,
		string(model.PaymentStatusSucceeded), string(model.PaymentStatusCanceled), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending payments: %w", err)
	}
	defer rows.Close()

	var res []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var (
		p      model.Payment
		status string
	)
	if err := row.Scan(&p.PaymentID, &p.TelegramID, &p.AmountRUB, &p.AmountUSD, &status, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Status = model.PaymentStatus(status)
	return &p, nil
}

// InsertPendingCryptoPayment сохраняет созданный в Crypto Pay счёт.
func (l *pgLedger) InsertPendingCryptoPayment(ctx context.Context, p *model.CryptoPayment) error {
	_, err := l.q.Exec(ctx,
		`INSERT INTO crypto_payments (invoice_id, telegram_id, amount, status) VALUES ($1, $2, $3, $4)`,
		p.InvoiceID, p.TelegramID, p.Amount, string(p.Status),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicatePayment, p.InvoiceID)
		}
		return fmt.Errorf("insert crypto payment: %w", err)
	}
	return nil
}

// GetCryptoPayment возвращает счёт по идентификатору Crypto Pay.
func (l *pgLedger) GetCryptoPayment(ctx context.Context, invoiceID string) (*model.CryptoPayment, error) {
	row := l.q.QueryRow(ctx,
		`SELECT invoice_id, telegram_id, amount, status, created_at FROM crypto_payments WHERE invoice_id = $1`,
		invoiceID,
	)
	p, err := scanCryptoPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get crypto payment: %w", err)
	}
	return p, nil
}

// TransitionCryptoStatus меняет статус счёта, только если он не терминальный.
func (l *pgLedger) TransitionCryptoStatus(ctx context.Context, invoiceID string, status model.PaymentStatus) (bool, error) {
	tag, err := l.q.Exec(ctx,
		`UPDATE crypto_payments SET status = $2
		 WHERE invoice_id = $1 AND status NOT IN ($3, $4) AND status <> $2`,
		invoiceID, string(status),
		string(model.PaymentStatusSucceeded), string(model.PaymentStatusCanceled),
	)
	if err != nil {
		return false, fmt.Errorf("transition crypto payment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListPendingCryptoPayments возвращает неоплаченные счета.
func (l *pgLedger) ListPendingCryptoPayments(ctx context.Context, limit int) ([]model.CryptoPayment, error) {
	rows, err := l.q.Query(ctx,
		`SELECT invoice_id, telegram_id, amount, status, created_at
		 FROM crypto_payments
		 WHERE status NOT IN ($1, $2)
		 ORDER BY created_at
		 LIMIT $3`,
		string(model.PaymentStatusSucceeded), string(model.PaymentStatusCanceled), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending crypto payments: %w", err)
	}
	defer rows.Close()

	var res []model.CryptoPayment
	for rows.Next() {
		p, err := scanCryptoPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan crypto payment: %w", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func scanCryptoPayment(row pgx.Row) (*model.CryptoPayment, error) {
	var (
		p      model.CryptoPayment
		status string
	)
	if err := row.Scan(&p.InvoiceID, &p.TelegramID, &p.Amount, &status, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Status = model.PaymentStatus(status)
	return &p, nil
}

// AddProduct добавляет сервер в продажу.
func (l *pgLedger) AddProduct(ctx context.Context, p *model.Product) (int64, error) {
	var id int64
	err := l.q.QueryRow(ctx,
		`INSERT INTO products (ip, login, password, cores, ram, ssd, geo, price)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		p.IP, p.Login, p.Password, p.Cores, p.RAM, p.SSD, p.Geo, p.Price,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert product: %w", err)
	}
	return id, nil
}

const productColumns = `id, ip, login, password, cores, ram, ssd, geo, price`

// GetProduct возвращает товар, если он ещё не продан.
func (l *pgLedger) GetProduct(ctx context.Context, productID int64) (*model.Product, error) {
	row := l.q.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, productID)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductUnavailable
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

// ListProducts возвращает страницу доступных товаров.
func (l *pgLedger) ListProducts(ctx context.Context, offset, limit int) ([]model.Product, error) {
	rows, err := l.q.Query(ctx,
		`SELECT `+productColumns+` FROM products ORDER BY id LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var res []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ReserveAndDeleteProduct удаляет товар одной командой. Из конкурирующих
// транзакций строку получает только первая.
func (l *pgLedger) ReserveAndDeleteProduct(ctx context.Context, productID int64) (*model.Product, error) {
	row := l.q.QueryRow(ctx, `DELETE FROM products WHERE id = $1 RETURNING `+productColumns, productID)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductUnavailable
		}
		return nil, fmt.Errorf("delete product: %w", err)
	}
	return p, nil
}

func scanProduct(row pgx.Row) (*model.Product, error) {
	var p model.Product
	if err := row.Scan(&p.ID, &p.IP, &p.Login, &p.Password, &p.Cores, &p.RAM, &p.SSD, &p.Geo, &p.Price); err != nil {
		return nil, err
	}
	return &p, nil
}

// InsertPurchase сохраняет снимок проданного товара.
func (l *pgLedger) InsertPurchase(ctx context.Context, p *model.Purchase) (int64, error) {
	var id int64
	err := l.q.QueryRow(ctx,
		`INSERT INTO purchases (telegram_id, ip, login, password, cores, ram, ssd, geo, price, purchase_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		p.TelegramID, p.IP, p.Login, p.Password, p.Cores, p.RAM, p.SSD, p.Geo, p.Price, p.PurchasedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert purchase: %w", err)
	}
	return id, nil
}

// ListPurchases возвращает покупки пользователя, начиная с последней.
func (l *pgLedger) ListPurchases(ctx context.Context, userID int64) ([]model.Purchase, error) {
	rows, err := l.q.Query(ctx,
		`SELECT id, telegram_id, ip, login, password, cores, ram, ssd, geo, price, purchase_time
		 FROM purchases
		 WHERE telegram_id = $1
		 ORDER BY purchase_time DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select purchases: %w", err)
	}
	defer rows.Close()

	var res []model.Purchase
	for rows.Next() {
		var p model.Purchase
		err := rows.Scan(&p.ID, &p.TelegramID, &p.IP, &p.Login, &p.Password,
			&p.Cores, &p.RAM, &p.SSD, &p.Geo, &p.Price, &p.PurchasedAt)
		if err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CountPurchases возвращает количество покупок пользователя.
func (l *pgLedger) CountPurchases(ctx context.Context, userID int64) (int, error) {
	var n int
	err := l.q.QueryRow(ctx, `SELECT COUNT(*) FROM purchases WHERE telegram_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count purchases: %w", err)
	}
	return n, nil
}

// CreatePromoCode создаёт промокод.
func (l *pgLedger) CreatePromoCode(ctx context.Context, p *model.PromoCode) error {
	_, err := l.q.Exec(ctx,
		`INSERT INTO promo_codes (code, discount, usage_limit) VALUES ($1, $2, $3)`,
		p.Code, p.Discount, p.UsageLimit,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrPromoExists, p.Code)
		}
		return fmt.Errorf("insert promo code: %w", err)
	}
	return nil
}

// GetPromoCode возвращает промокод по коду.
func (l *pgLedger) GetPromoCode(ctx context.Context, code string) (*model.PromoCode, error) {
	var p model.PromoCode
	err := l.q.QueryRow(ctx,
		`SELECT code, discount, usage_limit FROM promo_codes WHERE code = $1`,
		code,
	).Scan(&p.Code, &p.Discount, &p.UsageLimit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPromoNotFound
		}
		return nil, fmt.Errorf("get promo code: %w", err)
	}
	return &p, nil
}

// ConsumePromoCode списывает одно использование и удаляет исчерпанный промокод.
func (l *pgLedger) ConsumePromoCode(ctx context.Context, code string) (decimal.Decimal, bool, error) {
	var (
		discount  decimal.Decimal
		remaining int
	)
	err := l.q.QueryRow(ctx,
		`UPDATE promo_codes SET usage_limit = usage_limit - 1
		 WHERE code = $1 AND usage_limit > 0
		 RETURNING discount, usage_limit`,
		code,
	).Scan(&discount, &remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, fmt.Errorf("consume promo code: %w", err)
	}

	if remaining <= 0 {
		if _, err := l.q.Exec(ctx, `DELETE FROM promo_codes WHERE code = $1`, code); err != nil {
			return decimal.Zero, false, fmt.Errorf("delete promo code: %w", err)
		}
	}

	return discount, true, nil
}
