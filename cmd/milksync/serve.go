package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/milksync/milksync/internal/server"
	"github.com/milksync/milksync/pkg/config"
	"github.com/milksync/milksync/pkg/logging"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the broadcast server",
		RunE: func(cmd *cobra.Command, args []string) error {
			configName, _ := cmd.Flags().GetString("config")

			bootLogger := logging.New(logging.LevelInfo)
			cfg, err := config.Load(bootLogger, configName)
			if err != nil {
				return err
			}

			logger := logging.New(logging.ParseLevel(cfg.LogLevel))
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app := server.NewApp(logger, ctx, cfg)
			if err := app.Run(); err != nil {
				return err
			}
			logger.Info("Application shut down successfully.")
			return nil
		},
	}
}
