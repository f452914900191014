// Package handler содержит HTTP-обработчики API магазина VDS.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/vds-market/internal/gateway"
	"github.com/mmeshcher/vds-market/internal/middleware"
	"github.com/mmeshcher/vds-market/internal/model"
	"github.com/mmeshcher/vds-market/internal/repository"
	"github.com/mmeshcher/vds-market/internal/service"
	"github.com/mmeshcher/vds-market/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	EnsureUser(ctx context.Context, userID int64) error
	GetProfile(ctx context.Context, userID int64) (*model.Profile, error)
	CreateFiatPayment(ctx context.Context, userID int64, amountRUB decimal.Decimal, idempotencyKey string) (*model.TopUp, error)
	CreateCryptoInvoice(ctx context.Context, userID int64, amountUSD decimal.Decimal) (*model.TopUp, error)
	CheckFiatPayment(ctx context.Context, userID int64, paymentID string) (*model.ReconcileResult, error)
	CheckCryptoInvoice(ctx context.Context, userID int64, invoiceID string) (*model.ReconcileResult, error)
	ListProducts(ctx context.Context, offset, limit int) ([]model.Product, error)
	GetProduct(ctx context.Context, userID, productID int64) (*model.Product, decimal.Decimal, error)
	Buy(ctx context.Context, userID, productID int64) (*model.Purchase, error)
	AssignPromoCode(ctx context.Context, userID int64, code string) (*model.PromoCode, error)
	ListPurchases(ctx context.Context, userID int64) ([]model.Purchase, error)
	AddProduct(ctx context.Context, p *model.Product) (int64, error)
	CreatePromoCode(ctx context.Context, code string, discount decimal.Decimal, usageLimit int) (*model.PromoCode, error)
}

// Handler реализует HTTP-обработчики API магазина VDS.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	botKey         string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// botKey защищает выдачу токенов и известен только фронтенду бота.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, botKey string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		botKey:         botKey,
	}
}

type sessionRequest struct {
	TelegramID int64 `json:"telegram_id"`
}

type sessionResponse struct {
	Token string `json:"token"`
}

// Session регистрирует пользователя при первом обращении и выдаёт токен.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TelegramID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.EnsureUser(r.Context(), req.TelegramID); err != nil {
		h.writeError(w, err, "ensure user error", zap.Int64("userID", req.TelegramID))
		return
	}

	token, err := h.authMiddleware.SetAuthCookie(w, req.TelegramID)
	if err != nil {
		h.writeError(w, err, "issue token error", zap.Int64("userID", req.TelegramID))
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{Token: token})
}

type profileResponse struct {
	TelegramID int64   `json:"telegram_id"`
	Balance    string  `json:"balance"`
	PromoCode  *string `json:"promo_code,omitempty"`
	Purchases  int     `json:"purchases"`
}

// GetProfile возвращает баланс и сводку текущего пользователя.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	p, err := h.service.GetProfile(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "get profile error", zap.Int64("userID", userID))
		return
	}

	writeJSON(w, http.StatusOK, profileResponse{
		TelegramID: p.TelegramID,
		Balance:    p.Balance.StringFixed(2),
		PromoCode:  p.PromoCode,
		Purchases:  p.Purchases,
	})
}

type topUpRequest struct {
	Amount string `json:"amount"`
}

type topUpResponse struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Status    string `json:"status"`
	AmountRUB string `json:"amount_rub,omitempty"`
	AmountUSD string `json:"amount_usd"`
}

func newTopUpResponse(t *model.TopUp) topUpResponse {
	resp := topUpResponse{
		ID:        t.ID,
		URL:       t.URL,
		Status:    string(t.Status),
		AmountUSD: t.AmountUSD.StringFixed(2),
	}
	if !t.AmountRUB.IsZero() {
		resp.AmountRUB = t.AmountRUB.StringFixed(2)
	}
	return resp
}

// CreateFiatPayment создаёт платёж YooKassa в рублях.
// Заголовок Idempotence-Key делает повтор запроса безопасным.
func (h *Handler) CreateFiatPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	amount, ok := h.decodeAmount(w, r)
	if !ok {
		return
	}

	topUp, err := h.service.CreateFiatPayment(r.Context(), userID, amount, r.Header.Get("Idempotence-Key"))
	if err != nil {
		h.writeError(w, err, "create fiat payment error", zap.Int64("userID", userID))
		return
	}

	writeJSON(w, http.StatusCreated, newTopUpResponse(topUp))
}

// CreateCryptoInvoice выставляет счёт Crypto Pay в долларах.
func (h *Handler) CreateCryptoInvoice(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	amount, ok := h.decodeAmount(w, r)
	if !ok {
		return
	}

	topUp, err := h.service.CreateCryptoInvoice(r.Context(), userID, amount)
	if err != nil {
		h.writeError(w, err, "create crypto invoice error", zap.Int64("userID", userID))
		return
	}

	writeJSON(w, http.StatusCreated, newTopUpResponse(topUp))
}

type reconcileResponse struct {
	Outcome   string `json:"outcome"`
	Status    string `json:"status"`
	AmountUSD string `json:"amount_usd"`
}

// CheckFiatPayment сверяет платёж YooKassa и зачисляет его при успехе.
func (h *Handler) CheckFiatPayment(w http.ResponseWriter, r *http.Request) {
	h.check(w, r, h.service.CheckFiatPayment)
}

// CheckCryptoInvoice сверяет счёт Crypto Pay и зачисляет его при оплате.
func (h *Handler) CheckCryptoInvoice(w http.ResponseWriter, r *http.Request) {
	h.check(w, r, h.service.CheckCryptoInvoice)
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request, reconcile func(context.Context, int64, string) (*model.ReconcileResult, error)) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := reconcile(r.Context(), userID, id)
	if err != nil {
		h.writeError(w, err, "reconcile payment error", zap.Int64("userID", userID), zap.String("paymentID", id))
		return
	}

	status := http.StatusOK
	if res.Outcome == model.ReconcileUnknown {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, reconcileResponse{
		Outcome:   string(res.Outcome),
		Status:    string(res.Status),
		AmountUSD: res.AmountUSD.StringFixed(2),
	})
}

type productResponse struct {
	ID         int64  `json:"id"`
	Cores      int    `json:"cores"`
	RAM        int    `json:"ram"`
	SSD        int    `json:"ssd"`
	Geo        string `json:"geo"`
	Price      string `json:"price"`
	FinalPrice string `json:"final_price,omitempty"`
}

func newProductResponse(p *model.Product) productResponse {
	return productResponse{
		ID:    p.ID,
		Cores: p.Cores,
		RAM:   p.RAM,
		SSD:   p.SSD,
		Geo:   p.Geo,
		Price: p.Price.StringFixed(2),
	}
}

// ListProducts возвращает страницу серверов в продаже. Учётные данные не раскрываются.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	products, err := h.service.ListProducts(r.Context(), offset, limit)
	if err != nil {
		h.writeError(w, err, "list products error")
		return
	}

	if len(products) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]productResponse, 0, len(products))
	for i := range products {
		resp = append(resp, newProductResponse(&products[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetProduct возвращает сервер и цену для текущего пользователя с учётом промокода.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}

	p, price, err := h.service.GetProduct(r.Context(), userID, productID)
	if err != nil {
		h.writeError(w, err, "get product error", zap.Int64("productID", productID))
		return
	}

	resp := newProductResponse(p)
	resp.FinalPrice = price.StringFixed(2)
	writeJSON(w, http.StatusOK, resp)
}

type purchaseResponse struct {
	ID          int64  `json:"id"`
	IP          string `json:"ip"`
	Login       string `json:"login"`
	Password    string `json:"password"`
	Cores       int    `json:"cores"`
	RAM         int    `json:"ram"`
	SSD         int    `json:"ssd"`
	Geo         string `json:"geo"`
	Price       string `json:"price"`
	PurchasedAt string `json:"purchased_at"`
}

func newPurchaseResponse(p *model.Purchase) purchaseResponse {
	return purchaseResponse{
		ID:          p.ID,
		IP:          p.IP,
		Login:       p.Login,
		Password:    p.Password,
		Cores:       p.Cores,
		RAM:         p.RAM,
		SSD:         p.SSD,
		Geo:         p.Geo,
		Price:       p.Price.StringFixed(2),
		PurchasedAt: p.PurchasedAt.Format(time.RFC3339),
	}
}

// Buy покупает сервер за счёт баланса текущего пользователя.
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}

	p, err := h.service.Buy(r.Context(), userID, productID)
	if err != nil {
		h.writeError(w, err, "buy product error", zap.Int64("userID", userID), zap.Int64("productID", productID))
		return
	}

	writeJSON(w, http.StatusOK, newPurchaseResponse(p))
}

type promoRequest struct {
	Code string `json:"code"`
}

type promoResponse struct {
	Code       string `json:"code"`
	Discount   string `json:"discount"`
	UsageLimit int    `json:"usage_limit,omitempty"`
}

// AssignPromoCode назначает промокод на следующую покупку пользователя.
func (h *Handler) AssignPromoCode(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req promoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	promo, err := h.service.AssignPromoCode(r.Context(), userID, req.Code)
	if err != nil {
		h.writeError(w, err, "assign promo code error", zap.Int64("userID", userID))
		return
	}

	writeJSON(w, http.StatusOK, promoResponse{Code: promo.Code, Discount: promo.Discount.StringFixed(2)})
}

// ListPurchases возвращает купленные пользователем серверы, новые первыми.
func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	purchases, err := h.service.ListPurchases(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "list purchases error", zap.Int64("userID", userID))
		return
	}

	if len(purchases) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]purchaseResponse, 0, len(purchases))
	for i := range purchases {
		resp = append(resp, newPurchaseResponse(&purchases[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

type addProductRequest struct {
	IP       string `json:"ip"`
	Login    string `json:"login"`
	Password string `json:"password"`
	Cores    int    `json:"cores"`
	RAM      int    `json:"ram"`
	SSD      int    `json:"ssd"`
	Geo      string `json:"geo"`
	Price    string `json:"price"`
}

type addProductResponse struct {
	ID int64 `json:"id"`
}

// AddProduct добавляет сервер в продажу. Доступно администраторам.
func (h *Handler) AddProduct(w http.ResponseWriter, r *http.Request) {
	var req addProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	price, err := validation.ParseAmount(req.Price)
	if err != nil {
		h.writeError(w, err, "parse price error")
		return
	}

	id, err := h.service.AddProduct(r.Context(), &model.Product{
		IP:       req.IP,
		Login:    req.Login,
		Password: req.Password,
		ServerSpec: model.ServerSpec{
			Cores: req.Cores,
			RAM:   req.RAM,
			SSD:   req.SSD,
			Geo:   req.Geo,
		},
		Price: price,
	})
	if err != nil {
		h.writeError(w, err, "add product error")
		return
	}

	writeJSON(w, http.StatusCreated, addProductResponse{ID: id})
}

type createPromoRequest struct {
	Code       string `json:"code"`
	Discount   string `json:"discount"`
	UsageLimit int    `json:"usage_limit"`
}

// CreatePromoCode создаёт промокод. Доступно администраторам.
func (h *Handler) CreatePromoCode(w http.ResponseWriter, r *http.Request) {
	var req createPromoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	discount, err := validation.ParseAmount(req.Discount)
	if err != nil {
		h.writeError(w, err, "parse discount error")
		return
	}

	promo, err := h.service.CreatePromoCode(r.Context(), req.Code, discount, req.UsageLimit)
	if err != nil {
		h.writeError(w, err, "create promo code error", zap.String("code", req.Code))
		return
	}

	writeJSON(w, http.StatusCreated, promoResponse{
		Code:       promo.Code,
		Discount:   promo.Discount.StringFixed(2),
		UsageLimit: promo.UsageLimit,
	})
}

func (h *Handler) decodeAmount(w http.ResponseWriter, r *http.Request) (decimal.Decimal, bool) {
	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return decimal.Zero, false
	}

	amount, err := validation.ParseAmount(req.Amount)
	if err != nil {
		h.writeError(w, err, "parse amount error")
		return decimal.Zero, false
	}
	return amount, true
}

func productIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// writeError переводит доменную ошибку в HTTP-статус. Неожиданные ошибки логируются.
func (h *Handler) writeError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(msg, append(fields, zap.Error(err))...)
	}
	http.Error(w, http.StatusText(status), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, repository.ErrProductUnavailable),
		errors.Is(err, service.ErrPromoExhausted):
		return http.StatusGone
	case errors.Is(err, service.ErrPromoInvalid),
		errors.Is(err, repository.ErrPaymentNotFound),
		errors.Is(err, repository.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrPromoExists),
		errors.Is(err, repository.ErrDuplicatePayment):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidProduct):
		return http.StatusUnprocessableEntity
	case errors.Is(err, gateway.ErrTransient),
		errors.Is(err, gateway.ErrNotFound),
		errors.Is(err, service.ErrGatewayNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
