package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/leaseq/leaseq/internal/backoff"
	"github.com/leaseq/leaseq/internal/config"
	"github.com/leaseq/leaseq/internal/db"
	"github.com/leaseq/leaseq/internal/logger"
	"github.com/leaseq/leaseq/internal/metrics"
	"github.com/leaseq/leaseq/internal/queue"
	"github.com/leaseq/leaseq/internal/repository"
	"github.com/leaseq/leaseq/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run delivery workers (claim, deliver to webhook, report)",
	RunE:  runWorkers,
}

func runWorkers(cmd *cobra.Command, args []string) error {
	// 1) load config
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level)
	defer logger.Sync()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	if strings.TrimSpace(cfg.Worker.Webhook.URL) == "" {
		return fmt.Errorf("no webhook url in config")
	}

	// 2) DB connection (MySQL)
	dbx, err := db.NewMySQLConnection(cfg.MySQL)
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer dbx.Close()

	// 3) redis (wake channel)
	redisClient, err := db.NewRedisClient(cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer func() { _ = redisClient.Close() }()

	// 4) engine
	strategy, err := backoff.FromConfig(cfg.Backoff.Kind, cfg.Backoff.BaseDelay, cfg.Backoff.Factor, cfg.Backoff.Jitter)
	if err != nil {
		return fmt.Errorf("backoff config: %w", err)
	}
	notifier := queue.NewNotifier(redisClient, cfg.Redis.WakeChannel, logger.Log)
	engine := queue.New(
		dbx,
		repository.NewMessagesRepository(dbx),
		repository.NewLeasesRepository(dbx),
		repository.NewAttemptsRepository(dbx),
		repository.NewErrorsRepository(dbx),
		strategy,
		notifier,
		queue.Config{
			LeaseTTL:    cfg.Queue.LeaseTTL,
			MaxAttempts: cfg.Queue.MaxAttempts,
			ClaimBatch:  cfg.Queue.ClaimBatch,
		},
		logger.Log,
	)

	// 5) webhook handler behind a breaker
	breaker := worker.NewMicroBreaker(
		cfg.Worker.Webhook.Breaker.FailThreshold,
		time.Duration(cfg.Worker.Webhook.Breaker.OpenForMs)*time.Millisecond,
	)
	handler := worker.NewWebhookHandler(
		cfg.Worker.Webhook.URL,
		time.Duration(cfg.Worker.Webhook.TimeoutMs)*time.Millisecond,
		breaker,
	)

	// 6) graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := worker.NewRunner(engine, handler, logger.Log)
	w.Wake = notifier.Listen(ctx)

	// tune knobs
	if cfg.Worker.Count > 0 {
		w.Workers = cfg.Worker.Count
	}
	if cfg.Worker.PollInterval > 0 {
		w.PollInterval = cfg.Worker.PollInterval
	}

	log.Printf(">> workers started count=%d poll=%s webhook=%s",
		w.Workers, w.PollInterval, cfg.Worker.Webhook.URL)

	return w.Run(ctx)
}
