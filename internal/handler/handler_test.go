package handler

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/vds-market/internal/gateway"
	"github.com/mmeshcher/vds-market/internal/middleware"
	"github.com/mmeshcher/vds-market/internal/model"
	"github.com/mmeshcher/vds-market/internal/repository"
	"github.com/mmeshcher/vds-market/internal/service"
	"github.com/mmeshcher/vds-market/internal/validation"
)

const (
	testBotKey  = "bot-key"
	testAdminID = int64(999)
)

type stubService struct {
	ensureErr error

	profileResp *model.Profile
	profileErr  error

	topUpResp *model.TopUp
	topUpErr  error
	gotAmount decimal.Decimal
	gotKey    string

	reconcileResp *model.ReconcileResult
	reconcileErr  error

	productsResp []model.Product

	productResp  *model.Product
	productPrice decimal.Decimal
	productErr   error

	buyResp *model.Purchase
	buyErr  error

	promoResp *model.PromoCode
	promoErr  error

	purchasesResp []model.Purchase

	addProductID  int64
	addProductErr error
}

func (s *stubService) EnsureUser(ctx context.Context, userID int64) error {
	return s.ensureErr
}

func (s *stubService) GetProfile(ctx context.Context, userID int64) (*model.Profile, error) {
	return s.profileResp, s.profileErr
}

func (s *stubService) CreateFiatPayment(ctx context.Context, userID int64, amountRUB decimal.Decimal, idempotencyKey string) (*model.TopUp, error) {
	s.gotAmount = amountRUB
	s.gotKey = idempotencyKey
	return s.topUpResp, s.topUpErr
}

func (s *stubService) CreateCryptoInvoice(ctx context.Context, userID int64, amountUSD decimal.Decimal) (*model.TopUp, error) {
	s.gotAmount = amountUSD
	return s.topUpResp, s.topUpErr
}

func (s *stubService) CheckFiatPayment(ctx context.Context, userID int64, paymentID string) (*model.ReconcileResult, error) {
	return s.reconcileResp, s.reconcileErr
}

func (s *stubService) CheckCryptoInvoice(ctx context.Context, userID int64, invoiceID string) (*model.ReconcileResult, error) {
	return s.reconcileResp, s.reconcileErr
}

func (s *stubService) ListProducts(ctx context.Context, offset, limit int) ([]model.Product, error) {
	return s.productsResp, nil
}

func (s *stubService) GetProduct(ctx context.Context, userID, productID int64) (*model.Product, decimal.Decimal, error) {
	return s.productResp, s.productPrice, s.productErr
}

func (s *stubService) Buy(ctx context.Context, userID, productID int64) (*model.Purchase, error) {
	return s.buyResp, s.buyErr
}

func (s *stubService) AssignPromoCode(ctx context.Context, userID int64, code string) (*model.PromoCode, error) {
	return s.promoResp, s.promoErr
}

func (s *stubService) ListPurchases(ctx context.Context, userID int64) ([]model.Purchase, error) {
	return s.purchasesResp, nil
}

func (s *stubService) AddProduct(ctx context.Context, p *model.Product) (int64, error) {
	return s.addProductID, s.addProductErr
}

func (s *stubService) CreatePromoCode(ctx context.Context, code string, discount decimal.Decimal, usageLimit int) (*model.PromoCode, error) {
	return s.promoResp, s.promoErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	auth := middleware.NewAuthMiddleware("test-secret", []int64{testAdminID})
	return NewHandler(svc, zap.NewNop(), auth, testBotKey)
}

// doRequest проходит через полный роутер от имени userID (0 без токена).
func doRequest(t *testing.T, h *Handler, method, path, body string, userID int64, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if userID != 0 {
		token, err := h.authMiddleware.IssueToken(userID)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec
}

func TestSession(t *testing.T) {
	h := newTestHandler(t, &stubService{profileResp: &model.Profile{TelegramID: 42, Balance: decimal.Zero}})

	t.Run("issues token with bot key", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, "/api/user/session", `{"telegram_id":42}`, 0,
			map[string]string{"X-Bot-Key": testBotKey})

		require.Equal(t, http.StatusOK, rec.Code)

		var resp sessionResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		require.NotEmpty(t, resp.Token)
		assert.NotEmpty(t, rec.Result().Cookies())

		profile := doRequest(t, h, http.MethodGet, "/api/user/profile", "", 0,
			map[string]string{"Authorization": "Bearer " + resp.Token})
		assert.Equal(t, http.StatusOK, profile.Code)
	})

	t.Run("rejects missing bot key", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, "/api/user/session", `{"telegram_id":42}`, 0, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects bad body", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, "/api/user/session", `{"telegram_id":0}`, 0,
			map[string]string{"X-Bot-Key": testBotKey})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetProfile(t *testing.T) {
	code := "SALE20"
	svc := &stubService{
		profileResp: &model.Profile{
			TelegramID: 1,
			Balance:    decimal.RequireFromString("3.6"),
			PromoCode:  &code,
			Purchases:  2,
		},
	}
	h := newTestHandler(t, svc)

	rec := doRequest(t, h, http.MethodGet, "/api/user/profile", "", 1, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp profileResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "3.60", resp.Balance)
	assert.Equal(t, 2, resp.Purchases)
	require.NotNil(t, resp.PromoCode)
	assert.Equal(t, code, *resp.PromoCode)
}

func TestGetProfile_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	rec := doRequest(t, h, http.MethodGet, "/api/user/profile", "", 0, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateFiatPayment(t *testing.T) {
	svc := &stubService{
		topUpResp: &model.TopUp{
			ID:        "pay-1",
			URL:       "https://pay.example/confirm",
			Status:    model.PaymentStatusPending,
			AmountRUB: decimal.RequireFromString("500"),
			AmountUSD: decimal.RequireFromString("5.5"),
		},
	}
	h := newTestHandler(t, svc)

	rec := doRequest(t, h, http.MethodPost, "/api/user/payments/fiat", `{"amount":"500,00"}`, 1,
		map[string]string{"Idempotence-Key": "key-1"})

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "500.00", svc.gotAmount.StringFixed(2))
	assert.Equal(t, "key-1", svc.gotKey)

	var resp topUpResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "pay-1", resp.ID)
	assert.Equal(t, "https://pay.example/confirm", resp.URL)
	assert.Equal(t, "5.50", resp.AmountUSD)
	assert.Equal(t, "500.00", resp.AmountRUB)
}

func TestCreateFiatPayment_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{name: "malformed json", body: `{`, want: http.StatusBadRequest},
		{name: "bad amount", body: `{"amount":"abc"}`, want: http.StatusUnprocessableEntity},
		{name: "below minimum", body: `{"amount":"1"}`, err: fmt.Errorf("%w: minimum", service.ErrInvalidAmount), want: http.StatusUnprocessableEntity},
		{name: "gateway down", body: `{"amount":"100"}`, err: fmt.Errorf("%w: timeout", gateway.ErrTransient), want: http.StatusServiceUnavailable},
		{name: "not configured", body: `{"amount":"100"}`, err: service.ErrGatewayNotConfigured, want: http.StatusServiceUnavailable},
		{name: "storage failure", body: `{"amount":"100"}`, err: context.DeadlineExceeded, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{topUpErr: tt.err})

			rec := doRequest(t, h, http.MethodPost, "/api/user/payments/fiat", tt.body, 1, nil)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestCheckPayment(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		result  *model.ReconcileResult
		err     error
		want    int
		outcome string
	}{
		{
			name: "credited",
			path: "/api/user/payments/fiat/pay-1/check",
			result: &model.ReconcileResult{
				Outcome: model.ReconcileCredited, Status: model.PaymentStatusSucceeded,
				TelegramID: 1, AmountUSD: decimal.RequireFromString("10"),
			},
			want:    http.StatusOK,
			outcome: "credited",
		},
		{
			name: "gateway unknown",
			path: "/api/user/payments/crypto/77/check",
			result: &model.ReconcileResult{
				Outcome: model.ReconcileUnknown, Status: model.PaymentStatusPending, TelegramID: 1,
			},
			want:    http.StatusServiceUnavailable,
			outcome: "unknown",
		},
		{
			name: "foreign payment",
			path: "/api/user/payments/fiat/pay-2/check",
			err:  repository.ErrPaymentNotFound,
			want: http.StatusNotFound,
		},
		{
			name: "missing payment",
			path: "/api/user/payments/fiat/none/check",
			err:  repository.ErrPaymentNotFound,
			want: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{reconcileResp: tt.result, reconcileErr: tt.err})

			rec := doRequest(t, h, http.MethodPost, tt.path, "", 1, nil)

			require.Equal(t, tt.want, rec.Code)
			if tt.outcome != "" {
				var resp reconcileResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.Equal(t, tt.outcome, resp.Outcome)
			}
		})
	}
}

func TestListProducts_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	rec := doRequest(t, h, http.MethodGet, "/api/user/products", "", 1, nil)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestGetProduct_HidesCredentials(t *testing.T) {
	svc := &stubService{
		productResp: &model.Product{
			ID: 5, IP: "10.0.0.1", Login: "root", Password: "secret",
			ServerSpec: model.ServerSpec{Cores: 2, RAM: 4, SSD: 40, Geo: "NL"},
			Price:      decimal.RequireFromString("8"),
		},
		productPrice: decimal.RequireFromString("6.4"),
	}
	h := newTestHandler(t, svc)

	rec := doRequest(t, h, http.MethodGet, "/api/user/products/5", "", 1, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.NotContains(t, body, "secret")
	assert.NotContains(t, body, "10.0.0.1")

	var resp productResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.Equal(t, "8.00", resp.Price)
	assert.Equal(t, "6.40", resp.FinalPrice)
}

func TestBuy(t *testing.T) {
	purchase := &model.Purchase{
		ID: 1, TelegramID: 1, IP: "10.0.0.1", Login: "root", Password: "secret",
		ServerSpec:  model.ServerSpec{Cores: 2, RAM: 4, SSD: 40, Geo: "NL"},
		Price:       decimal.RequireFromString("6.4"),
		PurchasedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	tests := []struct {
		name string
		path string
		resp *model.Purchase
		err  error
		want int
	}{
		{name: "success", path: "/api/user/products/5/buy", resp: purchase, want: http.StatusOK},
		{name: "insufficient balance", path: "/api/user/products/5/buy", err: repository.ErrInsufficientBalance, want: http.StatusPaymentRequired},
		{name: "already sold", path: "/api/user/products/5/buy", err: repository.ErrProductUnavailable, want: http.StatusGone},
		{name: "bad id", path: "/api/user/products/abc/buy", want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{buyResp: tt.resp, buyErr: tt.err})

			rec := doRequest(t, h, http.MethodPost, tt.path, "", 1, nil)

			require.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				var resp purchaseResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.Equal(t, "secret", resp.Password)
				assert.Equal(t, "6.40", resp.Price)
				assert.Equal(t, "2026-01-02T03:04:05Z", resp.PurchasedAt)
			}
		})
	}
}

func TestAssignPromoCode(t *testing.T) {
	tests := []struct {
		name string
		resp *model.PromoCode
		err  error
		want int
	}{
		{name: "assigned", resp: &model.PromoCode{Code: "SALE20", Discount: decimal.NewFromInt(20)}, want: http.StatusOK},
		{name: "unknown code", err: service.ErrPromoInvalid, want: http.StatusNotFound},
		{name: "exhausted", err: service.ErrPromoExhausted, want: http.StatusGone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{promoResp: tt.resp, promoErr: tt.err})

			rec := doRequest(t, h, http.MethodPost, "/api/user/promo", `{"code":"SALE20"}`, 1, nil)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAdminRoutes(t *testing.T) {
	svc := &stubService{
		addProductID: 12,
		promoResp:    &model.PromoCode{Code: "SALE20", Discount: decimal.NewFromInt(20), UsageLimit: 5},
	}
	h := newTestHandler(t, svc)

	product, err := json.Marshal(addProductRequest{
		IP: "10.0.0.1", Login: "root", Password: "secret",
		Cores: 2, RAM: 4, SSD: 40, Geo: "NL", Price: "8.00",
	})
	require.NoError(t, err)

	t.Run("regular user is forbidden", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, "/api/admin/products", string(product), 1, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("admin adds product", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, "/api/admin/products", string(product), testAdminID, nil)
		require.Equal(t, http.StatusCreated, rec.Code)

		var resp addProductResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, int64(12), resp.ID)
	})

	t.Run("admin creates promo", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, "/api/admin/promo",
			`{"code":"SALE20","discount":"20","usage_limit":5}`, testAdminID, nil)
		require.Equal(t, http.StatusCreated, rec.Code)

		var resp promoResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "20.00", resp.Discount)
		assert.Equal(t, 5, resp.UsageLimit)
	})
}

func TestGzipResponse(t *testing.T) {
	h := newTestHandler(t, &stubService{
		profileResp: &model.Profile{TelegramID: 1, Balance: decimal.Zero},
	})

	rec := doRequest(t, h, http.MethodGet, "/api/user/profile", "", 1,
		map[string]string{"Accept-Encoding": "gzip"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	assert.False(t, bytes.Contains(rec.Body.Bytes(), []byte("telegram_id")))
}

func TestCreateFiatPayment_GzipBody(t *testing.T) {
	svc := &stubService{
		topUpResp: &model.TopUp{
			ID:        "pay-7",
			Status:    model.PaymentStatusPending,
			AmountRUB: decimal.RequireFromString("750"),
			AmountUSD: decimal.RequireFromString("8.2"),
		},
	}
	h := newTestHandler(t, svc)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(`{"amount":"750"}`))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	rec := doRequest(t, h, http.MethodPost, "/api/user/payments/fiat", buf.String(), 1,
		map[string]string{"Content-Encoding": "gzip", "Accept-Encoding": "gzip"})

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	assert.Equal(t, "750.00", svc.gotAmount.StringFixed(2))

	gr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	defer gr.Close()
	body, err := io.ReadAll(gr)
	require.NoError(t, err)

	var resp topUpResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "pay-7", resp.ID)
	assert.Equal(t, "8.20", resp.AmountUSD)
}

func TestCreateFiatPayment_BrokenGzipBody(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	rec := doRequest(t, h, http.MethodPost, "/api/user/payments/fiat", `{"amount":"750"}`, 1,
		map[string]string{"Content-Encoding": "gzip"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusFor(t *testing.T) {
	_, parseErr := validation.ParseAmount("12.345")

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "parse failure", err: parseErr, want: http.StatusUnprocessableEntity},
		{name: "wrapped invalid amount", err: fmt.Errorf("%w: minimum", service.ErrInvalidAmount), want: http.StatusUnprocessableEntity},
		{name: "insufficient balance", err: repository.ErrInsufficientBalance, want: http.StatusPaymentRequired},
		{name: "sold", err: repository.ErrProductUnavailable, want: http.StatusGone},
		{name: "gateway not found", err: gateway.ErrNotFound, want: http.StatusServiceUnavailable},
		{name: "unexpected", err: context.Canceled, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestAddProduct_BadPrice(t *testing.T) {
	h := newTestHandler(t, &stubService{addProductID: 1})

	body := `{"ip":"10.0.0.1","login":"root","password":"pw","cores":2,"ram":4,"ssd":40,"geo":"DE","price":"-3"}`
	rec := doRequest(t, h, http.MethodPost, "/api/admin/products", body, testAdminID, nil)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
