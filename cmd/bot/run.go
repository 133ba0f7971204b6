package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tg_shop_bot/internal/commands"
	"tg_shop_bot/internal/config"
	"tg_shop_bot/internal/fsm"
	"tg_shop_bot/internal/handlers"
	"tg_shop_bot/internal/logging"
	"tg_shop_bot/internal/metrics"
	"tg_shop_bot/internal/router"
	"tg_shop_bot/internal/storage"
	"tg_shop_bot/internal/storage/migrations"
	"tg_shop_bot/internal/telegram"
	"tg_shop_bot/internal/web"
)

const (
	dbConnectTimeout    = 30 * time.Second
	redisConnectTimeout = 15 * time.Second
)

// runTelegram builds the client and blocks in its update loop. Swapped in
// tests.
var runTelegram = func(ctx context.Context, cfg config.Config, d *router.Dispatcher, opts telegram.Options) error {
	client, err := telegram.NewClient(cfg, d, opts)
	if err != nil {
		return fmt.Errorf("telegram client setup error: %w", err)
	}

	return client.Run(ctx)
}

func newRunCmd(root *rootOptions) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bot in polling or webhook mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}

			return run(cmd.Context(), cfg, logger, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before starting")

	return cmd
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Entry, migrate bool) error {
	logger.WithFields(logging.Fields{
		"event":    "startup",
		"postgres": cfg.Postgres.Host,
		"redis":    cfg.Bot.UseRedis,
	}).Info("configuration loaded")

	connectCtx, cancel := contextWithTimeout(ctx, dbConnectTimeout)
	pool, err := openPool(connectCtx, cfg.Postgres, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("database connection: %w", err)
	}
	defer closePool(pool, logger)

	logger.WithField("event", "db_connect").Info("connected to postgres")

	if migrate {
		if err := migrations.Run(pool.DB()); err != nil {
			return err
		}
		logger.WithField("event", "db_migrate").Info("database schema is up to date")
	}

	redisCtx, cancelRedis := contextWithTimeout(ctx, redisConnectTimeout)
	states, err := fsm.Open(redisCtx, cfg, logger)
	cancelRedis()
	if err != nil {
		return fmt.Errorf("fsm storage: %w", err)
	}
	defer func() {
		if err := states.Close(); err != nil {
			logger.WithError(err).Error("fsm storage close error")
		}
	}()

	metrics.MustRegister()

	registry := commands.Default()
	dispatcher := router.NewDispatcher(cfg, states, logger)
	if err := dispatcher.Use(router.Recover(), router.SessionMiddleware(pool)); err != nil {
		return err
	}
	if err := handlers.Setup(dispatcher, cfg, handlers.Deps{Commands: registry, Logger: logger}); err != nil {
		return err
	}

	checks := map[string]web.Pinger{"database": pool}
	if pinger, ok := states.(web.Pinger); ok {
		checks["redis"] = pinger
	}

	logger.WithFields(logging.Fields{
		"event":   "telegram_ready",
		"routers": dispatcher.Routers(),
	}).Info("starting telegram client")

	err = runTelegram(ctx, cfg, dispatcher, telegram.Options{
		Commands: registry,
		Checks:   checks,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	if ctx.Err() != nil {
		logger.WithField("event", "shutdown_signal").Info("received termination signal")
	}
	logger.WithField("event", "shutdown_complete").Info("shutdown complete")

	return nil
}

func contextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}

	return context.WithTimeout(parent, timeout)
}

func closePool(pool *storage.Pool, logger *logrus.Entry) {
	if err := pool.Close(); err != nil {
		logger.WithError(err).Error("postgres close error")
		return
	}

	logger.WithField("event", "db_disconnect").Info("postgres connection closed")
}
