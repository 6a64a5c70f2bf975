package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/milksync/milksync/pkg/config"
	"github.com/milksync/milksync/pkg/events"
	"github.com/milksync/milksync/pkg/logging"
	"github.com/milksync/milksync/pkg/realtime"
)

// watchCmd connects the client SDK to a running server and streams every
// event to stdout. Useful for smoke-testing a deployment.
func watchCmd() *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect as a client and print incoming events",
		RunE: func(cmd *cobra.Command, args []string) error {
			configName, _ := cmd.Flags().GetString("config")

			bootLogger := logging.New(logging.LevelInfo)
			cfg, err := config.Load(bootLogger, configName)
			if err != nil {
				return err
			}
			logger := logging.New(logging.ParseLevel(cfg.LogLevel))
			slog.SetDefault(logger)

			if token == "" {
				token = os.Getenv("MILKSYNC_TOKEN")
			}

			client := realtime.NewClient(logger, realtime.ConfigFrom(cfg.Client, func() string { return token }))

			subscribe := func() {
				for _, t := range []events.Type{
					events.EvStatsUpdated, events.EvDeliveryUpdated, events.EvPaymentAdded,
					events.EvCustomerUpdated, events.EvBalanceUpdated, events.EvActivityUpdated,
					events.EvNotification, events.EvSyncRequired, events.EvError,
				} {
					client.On(t, func(env events.Envelope) {
						fmt.Printf("%s  %-18s %s\n", env.EmittedAt.Format(time.RFC3339), env.Type, string(env.Payload))
					})
				}
			}

			// Only an explicit Disconnect clears listeners; automatic
			// reconnects keep them, so re-register solely when the mux is
			// actually empty or events would print once per reconnect.
			client.OnStateChange(func(st realtime.State) {
				logger.Info("Connection state changed", slog.String("phase", st.Phase.String()), slog.String("lastError", st.LastError))
				if st.IsConnected() && client.Mux().ListenerCount(events.EvStatsUpdated) == 0 {
					subscribe()
				}
			})

			monitor := realtime.NewHealthMonitor(logger, client, client.Mux(), cfg.Client.ProbeTimeout)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := client.Connect(ctx); err != nil {
				return err
			}
			monitor.StartHealthCheck(cfg.Client.HealthInterval)
			defer monitor.StopHealthCheck()
			defer client.Disconnect()

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "bearer token for the connection (or MILKSYNC_TOKEN)")
	return cmd
}
