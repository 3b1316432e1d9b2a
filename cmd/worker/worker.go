package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/key-broker/internal/config"
	"github.com/jmehdipour/key-broker/internal/db"
	"github.com/jmehdipour/key-broker/internal/kafka"
	"github.com/jmehdipour/key-broker/internal/logger"
	"github.com/jmehdipour/key-broker/internal/repository"
	"github.com/jmehdipour/key-broker/internal/worker"
)

// NewSinkCmd returns the "sink" worker command: Kafka usage events into
// ClickHouse.
func NewSinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sink",
		Short: "Run the usage-event sink worker",
		RunE:  runSink,
	}
}

func runSink(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level)
	defer logger.Sync()

	chDB, err := db.OpenClickHouse(cfg.ClickHouse)
	if err != nil {
		return fmt.Errorf("clickhouse connect: %w", err)
	}
	defer chDB.Close()

	groupID := cfg.Kafka.GroupID
	if groupID == "" {
		groupID = "keybroker-sink"
	}

	consumer := kafka.NewConsumer(kafka.Config{
		Brokers:        cfg.Kafka.Brokers,
		Topic:          cfg.Kafka.Topic,
		GroupID:        groupID,
		MinBytes:       cfg.Kafka.MinBytes,
		MaxBytes:       cfg.Kafka.MaxBytes,
		CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
	})
	defer consumer.Close()

	s := worker.NewSink(consumer, repository.NewEventSinkCH(chDB), logger.Log)
	if cfg.Worker.Workers > 0 {
		s.Workers = cfg.Worker.Workers
	}
	if cfg.Worker.BatchSize > 0 {
		s.BatchSize = cfg.Worker.BatchSize
	}
	if cfg.Worker.BatchWait > 0 {
		s.BatchWait = cfg.Worker.BatchWait
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Log.Info("sink started",
		zap.String("topic", cfg.Kafka.Topic),
		zap.String("group", groupID),
		zap.Int("workers", s.Workers),
		zap.Int("batch_size", s.BatchSize),
		zap.Duration("batch_wait", s.BatchWait))

	return s.Run(ctx)
}
