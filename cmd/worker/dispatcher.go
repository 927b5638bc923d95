package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/perkflow/integration-gateway/internal/config"
	"github.com/perkflow/integration-gateway/internal/db"
	"github.com/perkflow/integration-gateway/internal/logger"
	"github.com/perkflow/integration-gateway/internal/metrics"
	"github.com/perkflow/integration-gateway/internal/setup"
)

var dispatcherCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "Run the outbox dispatch loop",
	RunE:  runDispatcher,
}

func runDispatcher(cmd *cobra.Command, args []string) error {
	// 1) load config
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Init(cfg.Log.Level)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	// 2) DB connection (MySQL)
	mysqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
		MaxOpenConns:    cfg.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.MySQL.MaxIdleConns,
		ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
		PingTimeout:     cfg.MySQL.PingTimeout,
	})
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer mysqlDB.Close()

	// 3) Redis (shared rate-limit windows)
	rds, err := db.NewRedisClient(db.RedisOpts{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer func() { _ = rds.Close() }()

	// 4) ClickHouse (delivery attempt audit; optional)
	chDB, err := db.NewClickHouseConnection(db.ClickHouseOpts{
		DSN:             cfg.ClickHouse.DSN,
		MaxOpenConns:    cfg.ClickHouse.MaxOpenConns,
		MaxIdleConns:    cfg.ClickHouse.MaxIdleConns,
		ConnMaxLifetime: cfg.ClickHouse.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ClickHouse.ConnMaxIdleTime,
		PingTimeout:     cfg.ClickHouse.PingTimeout,
	})
	if err != nil {
		logger.Log.Warn("clickhouse unavailable, attempt audit disabled", zap.Error(err))
		chDB = nil
	} else {
		defer func() { _ = chDB.Close() }()
	}

	stack, err := setup.BuildStack(cfg, mysqlDB, chDB, rds, logger.Log)
	if err != nil {
		return fmt.Errorf("build stack: %w", err)
	}

	// recover items another instance claimed and then crashed on
	if n, err := stack.Dispatcher.RequeueStale(context.Background(), cfg.Dispatcher.StaleAfter); err != nil {
		logger.Log.Warn("requeue stale failed", zap.Error(err))
	} else if n > 0 {
		logger.Log.Info("requeued stale in-flight items", zap.Int64("count", n))
	}

	ticker := time.NewTicker(cfg.Dispatcher.Interval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("dispatcher: polling every %s (batch %d)", cfg.Dispatcher.Interval, cfg.Dispatcher.BatchSize)

	for {
		select {
		case sig := <-sigCh:
			log.Printf("signal received: %s, shutting down...", sig)
			return nil
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Dispatcher.RunTimeout)
			res, err := stack.Dispatcher.Dispatch(ctx, cfg.Dispatcher.BatchSize)
			cancel()
			if err != nil {
				logger.Log.Error("dispatch run failed", zap.Error(err))
				continue
			}
			if res.Processed > 0 {
				logger.Log.Info("dispatch run",
					zap.Int("processed", res.Processed),
					zap.Int("sent", res.Sent),
					zap.Int("failed", res.Failed),
					zap.Int("dead_letter", res.DeadLetter),
					zap.Int("skipped", res.Skipped),
				)
			}
		}
	}
}
