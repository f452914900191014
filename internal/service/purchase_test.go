package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/vds-market/internal/model"
	"github.com/mmeshcher/vds-market/internal/repository"
)

func (e *testEnv) promo(t *testing.T, code, discount string, limit int) {
	t.Helper()
	_, err := e.svc.CreatePromoCode(context.Background(), code, dec(discount), limit)
	require.NoError(t, err)
}

func TestBuy_WithPromo(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.user(t, 1, "10.00")
	productID := env.product(t, "8.00")
	env.promo(t, "SALE20", "20", 3)
	_, err := env.svc.AssignPromoCode(ctx, 1, "SALE20")
	require.NoError(t, err)

	purchase, err := env.svc.Buy(ctx, 1, productID)
	require.NoError(t, err)

	assert.Equal(t, "6.40", purchase.Price.StringFixed(2))
	assert.Equal(t, "10.0.0.1", purchase.IP)
	assert.Equal(t, "secret", purchase.Password)
	assert.Equal(t, 4, purchase.RAM)
	assert.Equal(t, env.svc.now(), purchase.PurchasedAt)
	assert.Equal(t, "3.60", env.balance(t, 1))

	promo, err := env.repo.GetPromoCode(ctx, "SALE20")
	require.NoError(t, err)
	assert.Equal(t, 2, promo.UsageLimit)

	u, err := env.repo.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, u.PromoCode)

	_, err = env.repo.GetProduct(ctx, productID)
	require.ErrorIs(t, err, repository.ErrProductUnavailable)

	purchases, err := env.svc.ListPurchases(ctx, 1)
	require.NoError(t, err)
	require.Len(t, purchases, 1)
	assert.Equal(t, purchase.ID, purchases[0].ID)
}

func TestBuy_LastPromoUseDeletesCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.user(t, 1, "100")
	productID := env.product(t, "10")
	env.promo(t, "ONCE", "50", 1)
	_, err := env.svc.AssignPromoCode(ctx, 1, "ONCE")
	require.NoError(t, err)

	purchase, err := env.svc.Buy(ctx, 1, productID)
	require.NoError(t, err)
	assert.Equal(t, "5.00", purchase.Price.StringFixed(2))

	_, err = env.repo.GetPromoCode(ctx, "ONCE")
	require.ErrorIs(t, err, repository.ErrPromoNotFound)
}

func TestBuy_VanishedPromoChargesFullPrice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.user(t, 1, "20")
	env.user(t, 2, "20")
	first := env.product(t, "10")
	second := env.product(t, "10")
	env.promo(t, "ONCE", "50", 1)
	_, err := env.svc.AssignPromoCode(ctx, 1, "ONCE")
	require.NoError(t, err)
	_, err = env.svc.AssignPromoCode(ctx, 2, "ONCE")
	require.NoError(t, err)

	_, err = env.svc.Buy(ctx, 1, first)
	require.NoError(t, err)

	purchase, err := env.svc.Buy(ctx, 2, second)
	require.NoError(t, err)
	assert.Equal(t, "10.00", purchase.Price.StringFixed(2))
	assert.Equal(t, "10.00", env.balance(t, 2))
}

func TestBuy_VanishedPromoClearsReference(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.user(t, 1, "20")
	env.user(t, 2, "30")
	first := env.product(t, "10")
	second := env.product(t, "10")
	third := env.product(t, "10")
	env.promo(t, "ONCE", "50", 1)
	_, err := env.svc.AssignPromoCode(ctx, 1, "ONCE")
	require.NoError(t, err)
	_, err = env.svc.AssignPromoCode(ctx, 2, "ONCE")
	require.NoError(t, err)

	_, err = env.svc.Buy(ctx, 1, first)
	require.NoError(t, err)
	_, err = env.svc.Buy(ctx, 2, second)
	require.NoError(t, err)

	u, err := env.repo.GetUser(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, u.PromoCode)

	// одноимённый код, созданный позже, не применяется без активации
	env.promo(t, "ONCE", "90", 5)

	purchase, err := env.svc.Buy(ctx, 2, third)
	require.NoError(t, err)
	assert.Equal(t, "10.00", purchase.Price.StringFixed(2))
	assert.Equal(t, "10.00", env.balance(t, 2))

	promo, err := env.repo.GetPromoCode(ctx, "ONCE")
	require.NoError(t, err)
	assert.Equal(t, 5, promo.UsageLimit)
}

func TestBuy_InsufficientBalanceRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.user(t, 1, "5.00")
	productID := env.product(t, "10.00")
	env.promo(t, "SALE10", "10", 2)
	_, err := env.svc.AssignPromoCode(ctx, 1, "SALE10")
	require.NoError(t, err)

	_, err = env.svc.Buy(ctx, 1, productID)
	require.ErrorIs(t, err, repository.ErrInsufficientBalance)

	assert.Equal(t, "5.00", env.balance(t, 1))

	p, err := env.repo.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, productID, p.ID)

	promo, err := env.repo.GetPromoCode(ctx, "SALE10")
	require.NoError(t, err)
	assert.Equal(t, 2, promo.UsageLimit)

	u, err := env.repo.GetUser(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, u.PromoCode)
	assert.Equal(t, "SALE10", *u.PromoCode)

	purchases, err := env.svc.ListPurchases(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, purchases)
}

func TestBuy_ExactBalance(t *testing.T) {
	env := newTestEnv(t)

	env.user(t, 1, "10.00")
	productID := env.product(t, "10.00")

	_, err := env.svc.Buy(context.Background(), 1, productID)
	require.NoError(t, err)
	assert.Equal(t, "0.00", env.balance(t, 1))
}

func TestBuy_UnknownProduct(t *testing.T) {
	env := newTestEnv(t)

	env.user(t, 1, "10")

	_, err := env.svc.Buy(context.Background(), 1, 42)
	require.ErrorIs(t, err, repository.ErrProductUnavailable)
	assert.Equal(t, "10.00", env.balance(t, 1))
}

func TestBuy_ConcurrentSingleProduct(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const buyers = 8
	for i := range buyers {
		env.user(t, int64(i+1), "100")
	}
	productID := env.product(t, "10")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded []int64
		errs      []error
	)
	for i := range buyers {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			_, err := env.svc.Buy(ctx, userID, productID)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded = append(succeeded, userID)
				return
			}
			errs = append(errs, err)
		}(int64(i + 1))
	}
	wg.Wait()

	require.Len(t, succeeded, 1)
	require.Len(t, errs, buyers-1)
	for _, err := range errs {
		assert.ErrorIs(t, err, repository.ErrProductUnavailable)
	}

	total := 0
	for i := range buyers {
		userID := int64(i + 1)
		want := "100.00"
		if userID == succeeded[0] {
			want = "90.00"
		}
		assert.Equal(t, want, env.balance(t, userID))

		purchases, err := env.svc.ListPurchases(ctx, userID)
		require.NoError(t, err)
		total += len(purchases)
	}
	assert.Equal(t, 1, total)
}

func TestBuy_PurchaseIsSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.user(t, 1, "50")
	productID := env.product(t, "10")

	purchase, err := env.svc.Buy(ctx, 1, productID)
	require.NoError(t, err)

	// повторно выставленный товар с тем же IP не меняет историю покупок
	_, err = env.svc.AddProduct(ctx, &model.Product{
		IP: "10.0.0.1", Login: "admin", Password: "other",
		ServerSpec: model.ServerSpec{Cores: 8, RAM: 32, SSD: 500, Geo: "DE"},
		Price:      dec("99"),
	})
	require.NoError(t, err)

	purchases, err := env.svc.ListPurchases(ctx, 1)
	require.NoError(t, err)
	require.Len(t, purchases, 1)
	assert.Equal(t, purchase.Login, purchases[0].Login)
	assert.Equal(t, "root", purchases[0].Login)
	assert.Equal(t, "NL", purchases[0].Geo)
}
