// Package main запускает HTTP-сервер сервиса сверки продаж и депозитов.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ayakhalid01/accounting-sub000/internal/config"
	"github.com/ayakhalid01/accounting-sub000/internal/handler"
	"github.com/ayakhalid01/accounting-sub000/internal/middleware"
	"github.com/ayakhalid01/accounting-sub000/internal/preview"
	"github.com/ayakhalid01/accounting-sub000/internal/repository"
	"github.com/ayakhalid01/accounting-sub000/internal/service"
)

type previewCache interface {
	preview.Store
	Close() error
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var repo service.Repository
	if cfg.DatabaseURI != "" {
		repo, err = repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
	} else {
		sugar.Warn("DATABASE_URI is empty, ledger is kept in memory and lost on restart")
		repo = repository.NewMemoryRepository()
	}

	var cache previewCache
	if cfg.RedisAddress != "" {
		cache, err = preview.NewRedisStore(cfg.RedisAddress, cfg.PreviewTTL)
		if err != nil {
			sugar.Fatalw("preview cache initialization error", "error", err.Error())
		}
	} else {
		cache = preview.NewMemoryStore()
	}
	defer cache.Close()

	svc := service.NewService(repo, cache, logger, preview.WithCooldown(cfg.RefreshCooldown))
	defer svc.Close()

	operatorAuth := middleware.NewOperatorAuth(cfg.AdminToken)
	if !operatorAuth.Enabled() {
		sugar.Warn("ADMIN_TOKEN is empty, administrative routes are open")
	}

	h := handler.NewHandler(svc, logger, operatorAuth, cfg.AllowedOrigins())

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая фиксация распределений одобренных депозитов
	g.Go(func() error {
		svc.RunRefreshWorker(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting reconciler server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
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
