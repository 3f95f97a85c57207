package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	ledgersync "github.com/mschirtzinger/ledgersync/internal/ledger/sync"
	"github.com/mschirtzinger/ledgersync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync [payable|receivable...]",
	GroupID: "sync",
	Short:   "Run one synchronization now",
	Long: `Pull every page of the given ledgers (all of them by default) and upsert
the records into the local cache.

A failure on one ledger does not stop the next one, unless credentials are
missing or were rejected. The command exits non-zero if any ledger failed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds, err := parseKinds(args)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		store, err := app.openStore(ctx, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer store.Close()

		client, err := app.client(app.tokenManager())
		if err != nil {
			return err
		}
		syncer := app.syncer(store, client, kinds)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Syncing %d ledger(s) via %s API...\n", ui.RenderAccent("🔄"), len(kinds), client.Protocol())

		start := time.Now()
		report, err := syncer.SyncAll(ctx)
		printReport(out, report)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func printReport(out io.Writer, report ledgersync.Report) {
	for _, res := range report.Results {
		if err, failed := report.Errors[res.Kind]; failed {
			fmt.Fprintf(out, "  %s %-10s %v\n", ui.RenderFail("✗"), res.Kind, err)
			if res.Items > 0 {
				fmt.Fprintf(out, "    %s\n", ui.RenderMuted(fmt.Sprintf("%d record(s) written before the failure", res.Items)))
			}
			continue
		}
		line := fmt.Sprintf("%d record(s), %d page(s)", res.Items, res.Pages)
		if res.Skipped > 0 {
			line += fmt.Sprintf(", %d skipped without id", res.Skipped)
		}
		fmt.Fprintf(out, "  %s %-10s %s %s\n", ui.RenderPass("✓"), res.Kind, line,
			ui.RenderMuted(res.Duration.Round(time.Millisecond).String()))
	}
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
