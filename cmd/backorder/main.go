// Package main запускает HTTP-сервер сервиса согласования дозаказов.
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

	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/backorder"
	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/config"
	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/fdc"
	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/handler"
	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/middleware"
	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/repository"
	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	client := fdc.NewClient(cfg.AccessToken)
	manager := backorder.NewManager(client, logger)
	reconciler := backorder.NewReconciler(repo, client, manager, logger)

	svc := service.NewService(repo, reconciler, manager, logger)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.APIToken)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового обработчика заданий согласования
	g.Go(func() error {
		svc.StartReconcileWorker(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting backorder server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
