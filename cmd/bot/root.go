package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tg_shop_bot/internal/config"
	"tg_shop_bot/internal/logging"
	"tg_shop_bot/internal/storage"
	"tg_shop_bot/internal/storage/migrations"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// openPool is swapped in tests.
var openPool = storage.Open

type rootOptions struct {
	envFiles []string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "tg-shop-bot",
		Short:         "Telegram shop bot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv file(s) loaded before reading the environment")

	cmd.AddCommand(
		newRunCmd(opts),
		newMigrateCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)

	return cmd
}

// load resolves configuration and configures the logger.
func (o *rootOptions) load() (config.Config, *logrus.Entry, error) {
	cfg, err := config.Load(o.envFiles...)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("configuration error: %w", err)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logger setup error: %w", err)
	}

	return cfg, logger, nil
}

func newConfigCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Load and print the configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := root.load()
			if err != nil {
				return err
			}

			logging.Info("configuration check", logging.Fields{"event": "config_only"})
			fmt.Fprintln(cmd.OutOrStdout(), "configuration check: ok")
			fmt.Fprintln(cmd.OutOrStdout(), config.FormatRedacted(cfg))
			return nil
		},
	}
}

func newMigrateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}

			connectCtx, cancel := contextWithTimeout(cmd.Context(), dbConnectTimeout)
			pool, err := openPool(connectCtx, cfg.Postgres, logger)
			cancel()
			if err != nil {
				return fmt.Errorf("database connection: %w", err)
			}
			defer closePool(pool, logger)

			if err := migrations.Run(pool.DB()); err != nil {
				return err
			}

			applied, err := migrations.Applied(pool.DB())
			if err != nil {
				return err
			}

			logger.WithFields(logging.Fields{
				"event":   "db_migrate",
				"applied": applied,
			}).Info("database schema is up to date")

			for _, id := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tg-shop-bot %s\n", version)
		},
	}
}
