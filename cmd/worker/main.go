// Package main - точка входа фонового процесса (Worker) сервиса мест на курсах.
//
// Worker периодически сверяет листы ожидания: если на курсе освободилось
// место, а продвижение после отчисления не состоялось (сбой, ручное
// изменение вместимости), первый по очереди студент получает место.
//
// Сверка идемпотентна и выполняется под той же блокировкой курса, что и
// обычные операции, поэтому несколько worker'ов не мешают друг другу.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alem-hub/course-capacity/config"
	"github.com/alem-hub/course-capacity/internal/app"
	"github.com/alem-hub/course-capacity/pkg/logger"
)

func main() {
	once := flag.Bool("once", false, "run a single reconciliation pass and exit")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, *once); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, once bool) error {
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
	log := app.NewLogger(cfg).With(logger.Component("worker"))
	log.Info("starting course capacity worker",
		logger.String("schedule", cfg.Scheduler.ReconcileSchedule),
		logger.Int("concurrency", cfg.Scheduler.ReconcileConcurrency),
	)
	if cfg.Database.URL == "" {
		// In-memory данные не разделяются с API-сервером.
		log.Warn("worker without DATABASE_URL reconciles only its own in-memory state")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. СБОРКА ЗАВИСИМОСТЕЙ
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
	// 4. ПЛАНИРОВЩИК
	// ─────────────────────────────────────────────────────────────────────────
	sched, job, err := c.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	// Разовый прогон (например, из CronJob в Kubernetes)
	if once {
		result, err := sched.RunNow(ctx, job.Name())
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		if stats := job.LastStats(); stats != nil {
			log.Info("reconciliation finished",
				logger.Int("courses_scanned", stats.CoursesScanned),
				logger.Int("students_promoted", stats.StudentsPromoted),
				logger.Latency(result.Duration),
			)
		}
		return nil
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	sig := <-sigCh
	log.Info("received shutdown signal", logger.String("signal", sig.String()))

	// Stop дожидается завершения текущего прогона.
	if err := sched.Stop(); err != nil {
		log.Error("scheduler stop failed", logger.Err(err))
	}

	log.Info("shutdown completed")
	return nil
}
