package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/ledgersync/internal/ledger/daemon"
	"github.com/mschirtzinger/ledgersync/internal/ledger/dashboard"
	ledgersync "github.com/mschirtzinger/ledgersync/internal/ledger/sync"
	"github.com/mschirtzinger/ledgersync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run scheduled synchronization in the foreground",
	Long: `Run the sync daemon in the foreground.

The daemon will:
  1. Sync every ledger once at startup
  2. Sync again on every SYNC_SCHEDULE tick (default "@every 1h")
  3. Reload OAuth2 tokens when the env file changes
  4. Serve the dashboard when --dashboard or DASHBOARD_ADDR is set

Connect a WebSocket client to ws://<addr>/ws to receive sync_complete and
sync_failed events. Prometheus metrics are served on /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		schedule, _ := cmd.Flags().GetString("schedule")
		addr, _ := cmd.Flags().GetString("dashboard")
		skipInitial, _ := cmd.Flags().GetBool("no-initial-sync")
		if schedule == "" {
			schedule = app.cfg.SyncSchedule
		}
		if addr == "" {
			addr = app.cfg.DashboardAddr
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		out := cmd.OutOrStdout()
		store, err := app.openStore(ctx, out)
		if err != nil {
			return err
		}
		defer store.Close()

		tm := app.tokenManager()
		client, err := app.client(tm)
		if err != nil {
			return err
		}

		var observers []ledgersync.Observer
		if addr != "" {
			var handler *dashboard.Handler
			server := dashboard.NewServer(&dashboard.Config{
				Addr:     addr,
				Gatherer: app.metrics.Gatherer(),
				Status: func(ctx context.Context) (any, error) {
					return dashboardStatus(ctx, store, handler)
				},
				Logger: app.logger("dashboard"),
			})
			handler = dashboard.NewHandler(server, nil)
			if err := server.Start(); err != nil {
				return err
			}
			defer server.Stop()
			observers = append(observers, handler)
			fmt.Fprintf(out, "   Dashboard: http://%s (ws://%s/ws)\n", server.GetAddr(), server.GetAddr())
		}

		syncer := app.syncer(store, client, nil, observers...)
		d, err := daemon.NewWithConfig(syncer, &daemon.Config{
			Schedule:   schedule,
			RunOnStart: !skipInitial,
			Logger:     app.logger("daemon"),
		})
		if err != nil {
			return err
		}
		if tm != nil {
			d.WatchTokens(app.env, tm)
		}

		fmt.Fprintf(out, "%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Fprintf(out, "   Protocol: %s\n", client.Protocol())
		fmt.Fprintf(out, "   Schedule: %s\n", schedule)
		fmt.Fprintf(out, "   Cache: %s\n", store.Path())
		fmt.Fprintf(out, "\nPress Ctrl+C to stop\n\n")

		// Start blocks until the signal context is cancelled.
		return d.Start(ctx)
	},
}

func init() {
	daemonCmd.Flags().String("schedule", "", "cron spec overriding SYNC_SCHEDULE")
	daemonCmd.Flags().String("dashboard", "", "dashboard listen address overriding DASHBOARD_ADDR")
	daemonCmd.Flags().Bool("no-initial-sync", false, "wait for the first scheduled tick")
	rootCmd.AddCommand(daemonCmd)
}
