package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/ledgersync/internal/ledger/migrate"
	"github.com/mschirtzinger/ledgersync/internal/ledger/schema"
	"github.com/mschirtzinger/ledgersync/internal/ui"
)

var importCmd = &cobra.Command{
	Use:     "import <payable|receivable> <file.jsonl>",
	GroupID: "data",
	Short:   "Seed the cache from a JSONL file of raw API items",
	Long: `Normalize and upsert every item of a JSONL file, one raw API item per line.

Items are matched on their remote id, so importing the same file twice, or
importing data that a later sync also returns, never creates duplicates.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := schema.ParseKind(args[0])
		if err != nil {
			return err
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		store, err := app.openStore(ctx, out)
		if err != nil {
			return err
		}
		defer store.Close()

		result, err := migrate.Import(ctx, store, migrate.ImportOptions{
			FromJSONL: args[1],
			Kind:      kind,
			DryRun:    dryRun,
		})
		if err != nil {
			return err
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Fprintf(out, "%s %s %d %s record(s) from %s\n", ui.RenderPass("✓"), verb, result.Imported, kind, args[1])
		if result.Skipped > 0 {
			fmt.Fprintf(out, "   %d item(s) skipped without an id\n", result.Skipped)
		}
		for _, e := range result.Errors {
			fmt.Fprintf(out, "   %s %s\n", ui.RenderWarn("⚠"), e)
		}
		if len(result.Errors) > 0 {
			return fmt.Errorf("%d record(s) failed to import", len(result.Errors))
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:     "export <payable|receivable> <file.jsonl>",
	GroupID: "data",
	Short:   "Write the stored raw API items to a JSONL file",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := schema.ParseKind(args[0])
		if err != nil {
			return err
		}
		backup, _ := cmd.Flags().GetBool("backup")

		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		store, err := app.openStore(ctx, out)
		if err != nil {
			return err
		}
		defer store.Close()

		result, err := migrate.ExportFile(ctx, store, migrate.ExportOptions{
			ToJSONL: args[1],
			Kind:    kind,
			Backup:  backup,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s Exported %d %s record(s) to %s\n", ui.RenderPass("✓"), result.Written, kind, args[1])
		if result.BackupCreated != "" {
			fmt.Fprintf(out, "   Previous file kept as %s\n", result.BackupCreated)
		}
		return nil
	},
}

var renormalizeCmd = &cobra.Command{
	Use:     "renormalize [payable|receivable...]",
	GroupID: "data",
	Short:   "Re-derive normalized columns from the stored raw payloads",
	Long: `Run normalization again over every stored raw payload and rewrite the
records whose columns changed. No network access is needed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds, err := parseKinds(args)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		store, err := app.openStore(ctx, out)
		if err != nil {
			return err
		}
		defer store.Close()

		for _, kind := range kinds {
			result, err := migrate.Renormalize(ctx, store, kind)
			if err != nil {
				return fmt.Errorf("failed to renormalize %s: %w", kind, err)
			}
			fmt.Fprintf(out, "%s %-10s %d scanned, %d updated\n", ui.RenderPass("✓"), kind, result.Scanned, result.Updated)
		}
		return nil
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "parse and normalize without writing")
	exportCmd.Flags().Bool("backup", false, "keep a timestamped copy of an existing output file")

	rootCmd.AddCommand(importCmd, exportCmd, renormalizeCmd)
}
