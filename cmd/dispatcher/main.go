package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"tenant-outbox-engine/internal/config"
	"tenant-outbox-engine/internal/jobqueue"
	"tenant-outbox-engine/internal/models"
	"tenant-outbox-engine/internal/outbox"
	"tenant-outbox-engine/internal/publisher"
	"tenant-outbox-engine/internal/retry"
	"tenant-outbox-engine/internal/store"
	"tenant-outbox-engine/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	queue := jobqueue.New(redisClient, cfg.JobQueues, cfg.JobLeaseTimeout)

	pub := publisher.New(queue, cfg.JobMaxAttempts, logger)
	registerRoutes(pub)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("dispatcher-%d", os.Getpid())
		}
	}

	policy := retry.Exponential{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax}
	dispatcher := outbox.NewDispatcher(st, pub, policy, workerID, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("dispatcher started",
		"worker_id", workerID,
		"interval", cfg.DispatchInterval,
		"batch_size", cfg.DispatchBatchSize,
		"visibility_timeout", cfg.VisibilityTimeout,
	)

	ticker := time.NewTicker(cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		runSweep(ctx, cfg, dispatcher, st, logger)
		select {
		case <-ctx.Done():
			logger.Info("dispatcher shutting down")
			return
		case <-ticker.C:
		}
	}
}

// runSweep executes one full dispatch pass. A failing sweep is retried a
// bounded number of times with exponential backoff before deferring to the
// next tick; outbox rows are never lost by a failed sweep, only delayed.
func runSweep(ctx context.Context, cfg config.Config, d *outbox.Dispatcher, st *store.Store, logger *slog.Logger) {
	sweep := func() error {
		if _, err := d.ReclaimStuck(ctx, cfg.VisibilityTimeout); err != nil {
			return err
		}
		processed, err := d.ProcessPendingEvents(ctx, cfg.DispatchBatchSize)
		if err != nil {
			return err
		}
		retried, err := d.RetryFailedEvents(ctx, cfg.DispatchBatchSize/2)
		if err != nil {
			return err
		}
		if counts, err := st.StatusCounts(ctx); err == nil {
			telemetry.PendingEventsGauge.Set(float64(counts[models.StatusPending]))
		}
		if processed > 0 || retried > 0 {
			logger.Info("dispatch sweep completed", "processed", processed, "retried", retried)
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(cfg.SweepMaxRetries)), ctx)
	if err := backoff.Retry(sweep, bo); err != nil {
		logger.Error("dispatch sweep failed, deferring to next tick", "error", err)
	}
}

// registerRoutes wires the demo event fan-out. Applications embedding the
// engine replace these with their own factories.
func registerRoutes(pub *publisher.QueuePublisher) {
	pub.Route("ProjectUpdated", func(ev models.OutboxEvent) ([]models.Job, error) {
		return []models.Job{
			{
				Class:   models.JobClassInvalidateCache,
				Queue:   "default",
				Payload: []byte(fmt.Sprintf(`{"keys":["project:%s","project:list"]}`, ev.AggregateID)),
			},
		}, nil
	})
	pub.Route("ReportRequested", func(ev models.OutboxEvent) ([]models.Job, error) {
		return []models.Job{
			{Class: models.JobClassArchiveReport, Queue: "default", Payload: ev.Payload},
		}, nil
	})
	pub.Route("WebhookSubscribed", func(ev models.OutboxEvent) ([]models.Job, error) {
		return []models.Job{
			{Class: models.JobClassSendWebhook, Queue: "notifications", Payload: ev.Payload},
		}, nil
	})
}
