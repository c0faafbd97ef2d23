package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/leaseq/leaseq/internal/backoff"
	"github.com/leaseq/leaseq/internal/config"
	"github.com/leaseq/leaseq/internal/db"
	"github.com/leaseq/leaseq/internal/queue"
	"github.com/leaseq/leaseq/internal/repository"
	"github.com/spf13/cobra"
)

var publishCmd = &cobra.Command{
	Use:   "publish <name> [payload-json]",
	Short: "Publish one message from the command line",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		payload := json.RawMessage(`{}`)
		if len(args) == 2 {
			payload = json.RawMessage(args[1])
			if !json.Valid(payload) {
				return fmt.Errorf("payload is not valid JSON")
			}
		}

		mysqlDB, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer mysqlDB.Close()

		// redis is optional here; without it the wake-up is skipped and
		// consumers find the message on their next poll
		var notifier *queue.Notifier
		if redisClient, err := db.NewRedisClient(cfg.Redis); err == nil {
			defer func() { _ = redisClient.Close() }()
			notifier = queue.NewNotifier(redisClient, cfg.Redis.WakeChannel, nil)
		}

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
			notifier,
			queue.Config{
				LeaseTTL:    cfg.Queue.LeaseTTL,
				MaxAttempts: cfg.Queue.MaxAttempts,
				ClaimBatch:  cfg.Queue.ClaimBatch,
			},
			nil,
		)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		m, err := engine.Publish(ctx, args[0], payload)
		if err != nil {
			return fmt.Errorf("publish: %w", err)
		}

		fmt.Printf(">> published id=%s name=%s\n", m.ID, m.Name)
		return nil
	},
}
