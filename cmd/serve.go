package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leaseq/leaseq/internal/backoff"
	"github.com/leaseq/leaseq/internal/config"
	"github.com/leaseq/leaseq/internal/db"
	httpSrv "github.com/leaseq/leaseq/internal/http"
	"github.com/leaseq/leaseq/internal/logger"
	"github.com/leaseq/leaseq/internal/queue"
	"github.com/leaseq/leaseq/internal/repository"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.Log.Level)
		defer logger.Sync()

		mysqlDB, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer mysqlDB.Close()

		redisClient, err := db.NewRedisClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer func() { _ = redisClient.Close() }()

		strategy, err := backoff.FromConfig(cfg.Backoff.Kind, cfg.Backoff.BaseDelay, cfg.Backoff.Factor, cfg.Backoff.Jitter)
		if err != nil {
			return fmt.Errorf("backoff config: %w", err)
		}

		engine := queue.New(
			mysqlDB,
			repository.NewMessagesRepository(mysqlDB),
			repository.NewLeasesRepository(mysqlDB),
			repository.NewAttemptsRepository(mysqlDB),
			repository.NewErrorsRepository(mysqlDB),
			strategy,
			queue.NewNotifier(redisClient, cfg.Redis.WakeChannel, logger.Log),
			queue.Config{
				LeaseTTL:    cfg.Queue.LeaseTTL,
				MaxAttempts: cfg.Queue.MaxAttempts,
				ClaimBatch:  cfg.Queue.ClaimBatch,
			},
			logger.Log,
		)

		server := httpSrv.NewServer(cfg, engine, redisClient)

		errCh := make(chan error, 1)
		go func() {
			log.Printf("starting http on %s", cfg.HTTP.Addr)
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Printf("signal received: %s, shutting down...", sig)
		case err := <-errCh:
			if err != nil {
				log.Printf("http server exited: %v", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)

		return nil
	},
}
