package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"outlay/internal/amqp"
	"outlay/internal/config"
	"outlay/internal/log"
	"outlay/internal/notify"
	"outlay/internal/scheduler"
	"outlay/internal/storage"
)

// rearmInterval is the safety net for missed events: the job table is
// re-read periodically and every pending job re-armed. The storage
// compare-and-swap makes duplicate timers harmless.
const rearmInterval = 10 * time.Minute

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	cfg := config.Load()
	logger := log.Setup(cfg.IsProduction())

	logger.Info("Starting recurrence-worker")

	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	var notifier notify.Dispatcher = notify.LogDispatcher{}
	if cfg.SMTPHost != "" {
		notifier = notify.NewSMTPDispatcher(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.SMTPPassword)
		logger.Info("SMTP notifications enabled", "host", cfg.SMTPHost)
	} else {
		logger.Info("SMTP disabled - notifications are logged only")
	}

	sched := scheduler.NewScheduler(repo, notifier, nil)
	defer sched.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Arm timers for every pending job; overdue ones fire immediately.
	if err := sched.Recover(ctx); err != nil {
		logger.Error("Recurrence recovery failed", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.AMQPURL != "" {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Error("Failed to initialize AMQP client", "error", err)
			os.Exit(1)
		}
		defer amqpClient.Close()

		g.Go(func() error {
			err := amqpClient.Consume(gctx, func(ev *amqp.RecurrenceEvent) error {
				return sched.HandleEvent(gctx, ev)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		logger.Info("Consuming recurrence events", "queue", cfg.AMQPQueue)
	} else {
		logger.Info("AMQP disabled - schedule changes are picked up by periodic re-reads")
	}

	g.Go(func() error {
		ticker := time.NewTicker(rearmInterval)
		defer ticker.Stop()

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := sched.Recover(gctx); err != nil {
					logger.Error("Periodic re-arm failed", "error", err)
				}
			}
		}
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case <-gctx.Done():
		logger.Info("Worker context cancelled")
	}

	cancel()
	if err := g.Wait(); err != nil {
		logger.Error("Worker stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("Recurrence-worker shutdown complete")
}
