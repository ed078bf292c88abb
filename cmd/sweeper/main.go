package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"sales-funnel-crm-realtime/internal/store"
	"sales-funnel-crm-realtime/shared/cachex"
	"sales-funnel-crm-realtime/shared/config"
	"sales-funnel-crm-realtime/shared/dbx"
	"sales-funnel-crm-realtime/shared/influxx"
	"sales-funnel-crm-realtime/shared/lockx"
	"sales-funnel-crm-realtime/shared/logx"
	"sales-funnel-crm-realtime/shared/metricsx"
	"sales-funnel-crm-realtime/shared/observability"
)

const taskRetentionSweep = "retention.sweep"

const sweepLockKey = "sync:sweep:lock"

func main() {
	cfg, problems := config.Load("sync-sweeper", 8083)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.RedisAddr == "" {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		cfg.AsynqRedisAddr = cfg.RedisAddr
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	cache, err := cachex.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "redis_init_failed", "redis init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer func() { _ = cache.Close() }()
	rdb := cache.Client()

	var influx *influxx.Client
	if cfg.InfluxURL != "" {
		if influx, err = influxx.New(cfg); err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "purge stats disabled",
				slog.String("error", err.Error()),
			)
		}
	}
	defer influx.Close()

	// The sweeper only touches the durable log; expired ring entries age out
	// of Redis on their own TTLs.
	st := store.New(store.NewPGLog(dbPool), store.NewRing(rdb, cfg.EventRingSize, cfg.Retention()), logger)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 1,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	defer server.Shutdown()

	sweepInterval := time.Duration(cfg.SweepIntervalSec) * time.Second

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskRetentionSweep, func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("sweeper").Start(ctx, "retention.sweep")
		span.SetAttributes(attribute.String("queue", cfg.AsynqQueue))
		defer span.End()

		// One sweeper at a time; other replicas skip the round.
		lock, ok, err := lockx.Acquire(ctx, rdb, sweepLockKey, sweepInterval)
		if err != nil {
			return err
		}
		if !ok {
			logger.Debug(ctx, "sweep_skipped", "another sweeper holds the lock")
			return nil
		}
		defer func() { _ = lockx.Release(context.Background(), rdb, lock) }()

		start := time.Now()
		removed, err := st.PurgeExpired(ctx)
		if err != nil {
			return err
		}
		took := time.Since(start)

		logger.Info(ctx, "sweep_done", "expired events purged",
			slog.Int64("removed", removed),
			slog.Int64("duration_ms", took.Milliseconds()),
		)
		if influx != nil {
			if err := influx.RecordPurge(ctx, removed, took); err != nil {
				logger.Warn(ctx, "influx_write_failed", "purge stats write failed",
					slog.String("error", err.Error()),
				)
			}
		}
		return nil
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.SweepIntervalSec)+"s", asynq.NewTask(taskRetentionSweep, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "sweeper_start", "retention sweeper started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("interval_seconds", cfg.SweepIntervalSec),
			slog.Int("retention_hours", cfg.RetentionHours),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "sweeper_failed", "sweeper failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "sweeper_stop", "retention sweeper stopped")
}
