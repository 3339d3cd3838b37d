package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/lithammer/shortuuid/v3"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"chatroute/internal/botflow"
	"chatroute/internal/bus"
	"chatroute/internal/capacity"
	"chatroute/internal/config"
	"chatroute/internal/dispatch"
	"chatroute/internal/redlock"
	"chatroute/internal/sandbox"
	"chatroute/internal/stats"
	"chatroute/internal/store"
	"chatroute/internal/waitqueue"
	"chatroute/internal/worker"
)

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a routing worker until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, path, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := log.New(os.Stderr, "", log.LstdFlags)
			logger.Printf("worker: config %s, redis %s, db %s", path, cfg.Redis.Addr, cfg.Database.Driver)
			return runWorker(cmd.Context(), cfg, logger)
		},
	}
}

func runWorker(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer func() { _ = rdb.Close() }()
	err := retry.Retry(func(attempt uint) error {
		if attempt > 0 {
			logger.Printf("worker: redis ping retry %d", attempt)
		}
		return rdb.Ping(ctx).Err()
	}, strategy.Limit(10), strategy.Backoff(backoff.Linear(500*time.Millisecond)))
	if err != nil {
		return fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}

	consumer := consumerName()
	b, err := bus.NewRedisStream(rdb, cfg.Redis.ConsumerGroup, consumer, watermill.NewStdLogger(false, false))
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	capStore := capacity.New(rdb, st.CountInProgressByOperator)
	queue := waitqueue.New(rdb)
	locker := redlock.New(rdb)
	dispatcher := dispatch.New(st, capStore, queue, b, cfg, logger)
	contexts := botflow.NewContextStore(rdb, time.Duration(cfg.Bot.ContextTTLSeconds)*time.Second)
	runner := sandbox.NewRunner(
		time.Duration(cfg.Sandbox.TimeoutMillis)*time.Millisecond,
		cfg.Sandbox.RegistryMaxSize,
		cfg.Sandbox.CallStackSize,
	)
	engine := botflow.NewEngine(st, dispatcher, b, capStore, queue, locker, runner, contexts, cfg, logger)
	aggregator := stats.New(st, cfg, logger)

	w := worker.New(b, dispatcher, engine, aggregator, locker, cfg, logger)
	w.Register()
	w.Start(ctx)

	logger.Printf("worker: consuming as %s in group %s", consumer, cfg.Redis.ConsumerGroup)
	if err := b.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	if !w.Wait(10 * time.Second) {
		logger.Printf("worker: maintenance loop did not stop in time")
	}
	logger.Printf("worker: stopped")
	return nil
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + shortuuid.New()
}
