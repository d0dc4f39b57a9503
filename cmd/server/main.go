// Package main - точка входа HTTP API сервиса управления местами на курсах.
//
// Сервер принимает запросы на запись, отчисление и лист ожидания,
// отдаёт занятость курса и проверку допуска. При SCHEDULER_ENABLED=true
// он же периодически сверяет листы ожидания; в кластере это обычно
// отключают и запускают отдельный worker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alem-hub/course-capacity/config"
	"github.com/alem-hub/course-capacity/internal/app"
	"github.com/alem-hub/course-capacity/internal/infrastructure/scheduler"
	"github.com/alem-hub/course-capacity/pkg/logger"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. ЗАГРУЗКА КОНФИГУРАЦИИ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. НАСТРОЙКА ЛОГИРОВАНИЯ
	// ─────────────────────────────────────────────────────────────────────────
	log := app.NewLogger(cfg).With(logger.Component("server"))
	log.Info("starting course capacity API",
		logger.String("version", cfg.App.Version),
		logger.String("timezone", cfg.App.Timezone),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. СБОРКА ЗАВИСИМОСТЕЙ (БД, Redis, event bus, аудит, use cases)
	// ─────────────────────────────────────────────────────────────────────────
	c, err := app.Build(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		if err := c.Close(closeCtx); err != nil {
			log.Error("close failed", logger.Err(err))
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 4. HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	srv, err := c.NewHTTPServer()
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}
	if len(cfg.HTTP.APIKeyHashes) == 0 {
		log.Warn("HTTP_API_KEY_HASHES is empty, API is not authenticated")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. ВСТРОЕННЫЙ ПЛАНИРОВЩИК (опционально)
	// ─────────────────────────────────────────────────────────────────────────
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, _, err = c.NewScheduler()
		if err != nil {
			return fmt.Errorf("failed to create scheduler: %w", err)
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		log.Info("waitlist reconciliation enabled",
			logger.String("schedule", cfg.Scheduler.ReconcileSchedule),
		)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. ЗАПУСК И ОЖИДАНИЕ СИГНАЛА
	// ─────────────────────────────────────────────────────────────────────────
	errCh := srv.StartAsync()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", logger.String("signal", sig.String()))
	case err, ok := <-errCh:
		if ok && err != nil {
			log.Error("HTTP server failed", logger.Err(err))
			return err
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 7. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("starting graceful shutdown", logger.Duration("timeout", cfg.App.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	// Сначала перестаём принимать запросы, затем дожидаемся фоновых задач.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", logger.Err(err))
	}
	if sched != nil {
		if err := sched.Stop(); err != nil {
			log.Error("scheduler stop failed", logger.Err(err))
		}
	}
	// Аудит, event bus и соединения закрываются в defer.

	log.Info("shutdown completed")
	return nil
}
