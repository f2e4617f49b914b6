package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"tenant-outbox-engine/internal/config"
	"tenant-outbox-engine/internal/consumer"
	"tenant-outbox-engine/internal/jobqueue"
	"tenant-outbox-engine/internal/models"
	"tenant-outbox-engine/internal/retry"
	"tenant-outbox-engine/internal/runner"
	"tenant-outbox-engine/internal/store"
	"tenant-outbox-engine/internal/telemetry"
	"tenant-outbox-engine/internal/throttle"
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
	limiter := throttle.NewLimiter(redisClient, cfg.ThrottlePerMin, cfg.ThrottlePerHour, cfg.ThrottlePerDay, logger)

	policy := retry.Exponential{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax, Jitter: true}
	jobRunner := runner.New(limiter, st, queue, policy, cfg.ThrottleDelay, logger)

	jobRunner.Register(models.JobClassInvalidateCache, consumer.NewCacheInvalidator(redisClient))
	jobRunner.Register(models.JobClassSendWebhook, consumer.NewWebhookNotifier(15*time.Second))
	if cfg.ReportS3Bucket != "" {
		archiver, err := consumer.NewReportArchiver(ctx, cfg)
		if err != nil {
			log.Fatalf("init report archiver: %v", err)
		}
		jobRunner.Register(models.JobClassArchiveReport, archiver)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker started", "queues", cfg.JobQueues, "lease_timeout", cfg.JobLeaseTimeout)
	run(ctx, cfg, queue, jobRunner, logger)
	logger.Info("worker shutting down")
}

func run(ctx context.Context, cfg config.Config, queue *jobqueue.Queue, jobRunner *runner.Runner, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, _ = queue.PromoteScheduled(ctx, time.Now(), 100)
		if reclaimed, _ := queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			logger.Warn("requeued expired job leases", "count", len(reclaimed))
		}

		job, ok, err := queue.DequeueWithLease(ctx)
		if err != nil {
			logger.Error("dequeue failed", "error", err)
			sleep(ctx, cfg.WorkerPoll)
			continue
		}
		if !ok {
			sleep(ctx, cfg.WorkerPoll)
			continue
		}

		telemetry.InFlightJobsGauge.Inc()
		outcome, err := jobRunner.Run(ctx, job)
		telemetry.InFlightJobsGauge.Dec()
		if err != nil {
			// Leave the lease in place; it expires and the job is redelivered.
			logger.Error("job settlement failed", "job_id", job.ID, "error", err)
			continue
		}
		switch outcome {
		case runner.OutcomeCompleted:
			if err := queue.Ack(ctx, job.ID); err != nil {
				logger.Error("ack failed", "job_id", job.ID, "error", err)
			}
		case runner.OutcomeRescheduled:
			if err := queue.Release(ctx, job.ID); err != nil {
				logger.Error("release failed", "job_id", job.ID, "error", err)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
