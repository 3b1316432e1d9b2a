package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/key-broker/internal/broker"
	"github.com/jmehdipour/key-broker/internal/catalog"
	"github.com/jmehdipour/key-broker/internal/config"
	"github.com/jmehdipour/key-broker/internal/db"
	"github.com/jmehdipour/key-broker/internal/events"
	httpSrv "github.com/jmehdipour/key-broker/internal/http"
	"github.com/jmehdipour/key-broker/internal/logger"
	"github.com/jmehdipour/key-broker/internal/repository"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.Log.Level)
		defer logger.Sync()

		cat, err := catalog.Build(cfg.Models)
		if err != nil {
			return err
		}

		mysqlDB, err := db.OpenMySQL(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer mysqlDB.Close()

		credStore := repository.NewCredentialStoreMySQL(mysqlDB)
		ledger, closeLedger, err := buildLedger(cfg, mysqlDB)
		if err != nil {
			return err
		}
		defer closeLedger()

		outbox := repository.NewOutboxStoreMySQL(mysqlDB)
		pub := events.NewOutbox(outbox, cfg.Kafka.Topic, logger.Log)

		b, err := broker.New(cmd.Context(), cat, credStore, ledger,
			broker.WithPublisher(pub),
			broker.WithLogger(logger.Log),
			broker.WithPaidFallback(cfg.Broker.AllowPaidFallback),
			broker.WithMinReuseInterval(cfg.Broker.MinReuseInterval),
		)
		if err != nil {
			return fmt.Errorf("build broker: %w", err)
		}

		// ClickHouse is optional for serve: without it only the reports
		// route is missing.
		var sink repository.EventSink
		if chDB, err := db.OpenClickHouse(cfg.ClickHouse); err != nil {
			logger.Log.Warn("clickhouse unavailable, reports disabled", zap.Error(err))
		} else {
			defer chDB.Close()
			sink = repository.NewEventSinkCH(chDB)
		}

		server := httpSrv.NewServer(cfg, b, cat, credStore, sink)

		errCh := make(chan error, 1)
		go func() {
			logger.Log.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Log.Info("signal received, shutting down", zap.String("signal", sig.String()))
		case err := <-errCh:
			if err != nil {
				logger.Log.Error("http server exited", zap.Error(err))
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)

		return nil
	},
}

// buildLedger picks the usage-ledger backend from config.
func buildLedger(cfg config.Config, mysqlDB *sqlx.DB) (repository.LedgerStore, func(), error) {
	switch cfg.Broker.Ledger {
	case "", "mysql":
		return repository.NewLedgerStoreMySQL(mysqlDB), func() {}, nil
	case "redis":
		rdb, err := db.OpenRedis(cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("redis connect: %w", err)
		}
		return repository.NewLedgerStoreRedis(rdb, cfg.Redis.KeyPrefix), func() { _ = rdb.Close() }, nil
	case "memory":
		return repository.NewLedgerStoreMemory(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.Broker.Ledger)
	}
}
