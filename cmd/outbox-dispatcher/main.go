package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mercaro-io/backoffice/internal/consumers/audit"
	"github.com/mercaro-io/backoffice/pkg/backoff"
	"github.com/mercaro-io/backoffice/pkg/clock"
	"github.com/mercaro-io/backoffice/pkg/config"
	"github.com/mercaro-io/backoffice/pkg/consume"
	"github.com/mercaro-io/backoffice/pkg/db"
	"github.com/mercaro-io/backoffice/pkg/instance"
	"github.com/mercaro-io/backoffice/pkg/logger"
	"github.com/mercaro-io/backoffice/pkg/metrics"
	"github.com/mercaro-io/backoffice/pkg/migrate"
	"github.com/mercaro-io/backoffice/pkg/outbox"
	"github.com/mercaro-io/backoffice/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "outbox-dispatcher"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "outbox-dispatcher"

	logg = logger.New(logger.Options{
		ServiceName: "outbox-dispatcher",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	var cycleLock redis.Lock = redis.NoopLock{}
	var redisClient *redis.Client
	if cfg.Redis.URL != "" || cfg.Redis.Address != "" {
		redisClient, err = redis.New(context.Background(), cfg.Redis)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap redis", err)
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
		cycleLock, err = redis.NewCycleLock(redisClient, redisClient.LockKey("outbox-dispatcher"), cfg.Outbox.CycleLockTTL)
		if err != nil {
			logg.Error(context.Background(), "failed to build cycle lock", err)
			os.Exit(1)
		}
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	outboxMetrics := metrics.NewOutboxMetrics(promRegistry)

	registry := outbox.NewRegistry()
	auditConsumer, err := audit.NewConsumer(logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build audit consumer", err)
		os.Exit(1)
	}
	if err := registry.Register(auditConsumer); err != nil {
		logg.Error(context.Background(), "failed to register audit consumer", err)
		os.Exit(1)
	}

	template, err := consume.NewTemplate(consume.TemplateParams{
		DB:         dbClient,
		Repository: consume.NewRepository(dbClient.DB()),
		Logger:     logg,
		WaitPoll:   cfg.Idempotency.WaitPoll,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build consumption template", err)
		os.Exit(1)
	}

	dispatcher, err := outbox.NewDispatcher(outbox.DispatcherParams{
		DB:            dbClient,
		Repository:    outbox.NewRepository(dbClient.DB()),
		DLQ:           outbox.NewDLQRepository(dbClient.DB()),
		Registry:      registry,
		Template:      template,
		Clock:         clock.System{},
		Logger:        logg,
		Metrics:       outboxMetrics,
		BatchSize:     cfg.Outbox.BatchSize,
		ClaimLeaseTTL: cfg.Outbox.ClaimLeaseTTL,
		MaxRetries:    cfg.Outbox.MaxRetries,
		Backoff: backoff.Policy{
			Base:       cfg.Outbox.BaseBackoff,
			Max:        cfg.Outbox.MaxBackoff,
			Multiplier: 2,
		},
		ConsumeLeaseTTL: cfg.Idempotency.ConsumeLease,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build dispatcher", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Config:     cfg,
		Logger:     logg,
		DB:         dbClient,
		Dispatcher: dispatcher,
		Lock:       cycleLock,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create dispatcher service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": "outbox-dispatcher",
		"instance_id": instance.GetID(),
	})

	opsDeps := []pinger{dbClient}
	if redisClient != nil {
		opsDeps = append(opsDeps, redisClient)
	}
	startOpsServer(ctx, logg, ":"+cfg.App.Port, newOpsRouter(logg, promRegistry, opsDeps...))

	logg.Info(ctx, "starting outbox dispatcher")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "outbox dispatcher stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "outbox dispatcher shutting down gracefully")
}
