// Package main запускает HTTP-сервер магазина VDS.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/vds-market/internal/config"
	"github.com/mmeshcher/vds-market/internal/cryptopay"
	"github.com/mmeshcher/vds-market/internal/exchange"
	"github.com/mmeshcher/vds-market/internal/handler"
	"github.com/mmeshcher/vds-market/internal/middleware"
	"github.com/mmeshcher/vds-market/internal/repository"
	"github.com/mmeshcher/vds-market/internal/service"
	"github.com/mmeshcher/vds-market/internal/yookassa"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var repo repository.Store
	if cfg.DatabaseURI != "" {
		repo, err = repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
	} else {
		sugar.Warn("DATABASE_URI is empty, using in-memory storage")
		repo = repository.NewMemoryRepository()
	}

	var gw service.Gateways
	if cfg.FiatEnabled() {
		gw.Fiat = yookassa.NewClient(yookassa.Config{
			BaseURL:   cfg.YooKassaURL,
			ShopID:    cfg.YooKassaShopID,
			SecretKey: cfg.YooKassaSecretKey,
			ReturnURL: cfg.ReturnURL,
			Timeout:   cfg.GatewayTimeout,
		})
		gw.Rates = exchange.NewClient(exchange.Config{
			BaseURL: cfg.ExchangeURL,
			APIKey:  cfg.ExchangeAPIKey,
			Timeout: cfg.GatewayTimeout,
		})
	} else {
		sugar.Warn("YooKassa is not configured, fiat top-ups disabled")
	}
	if cfg.CryptoEnabled() {
		gw.Crypto = cryptopay.NewClient(cryptopay.Config{
			BaseURL:   cfg.CryptoPayURL,
			Token:     cfg.CryptoAPIKey,
			ReturnURL: cfg.ReturnURL,
			Timeout:   cfg.GatewayTimeout,
		})
	} else {
		sugar.Warn("Crypto Pay is not configured, crypto top-ups disabled")
	}

	svc := service.NewService(repo, gw, logger)
	svc.SetSweepInterval(cfg.SweepInterval)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.SecretKey, cfg.AdminIDs)
	h := handler.NewHandler(svc, logger, authMiddleware, cfg.BotAPIKey)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая сверка незавершённых платежей
	g.Go(func() error {
		svc.StartReconciliation(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting vds market server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
