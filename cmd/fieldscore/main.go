// Package main запускает HTTP-сервер движка начисления баллов.
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

	"github.com/fieldscore/scoring-engine/internal/config"
	"github.com/fieldscore/scoring-engine/internal/handler"
	"github.com/fieldscore/scoring-engine/internal/middleware"
	"github.com/fieldscore/scoring-engine/internal/notifier"
	"github.com/fieldscore/scoring-engine/internal/repository"
	"github.com/fieldscore/scoring-engine/internal/scheduler"
	"github.com/fieldscore/scoring-engine/internal/service"
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

	var events service.Notifier
	if cfg.NotifierAddress != "" {
		events = notifier.NewClient(cfg.NotifierAddress)
	}

	engine := service.NewEngine(repo, events, logger)
	defer engine.Close()

	sched := scheduler.New(repo, engine, nil, logger, cfg.SchedulerTick)

	auth := middleware.NewServiceAuth(cfg.ServiceTokenSecret)
	h := handler.NewHandler(engine, logger, auth)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой оценки значков
	engine.StartBadgeWorker(ctx)

	// Запуск плановых задач сброса окон и пересчёта показателей
	g.Go(func() error {
		sched.Run(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting fieldscore server", "addr", cfg.RunAddress)
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
