// Command ledgersync mirrors Bling accounts payable and receivable into a
// local SQLite cache.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/ledgersync/internal/bling"
	"github.com/mschirtzinger/ledgersync/internal/config"
	"github.com/mschirtzinger/ledgersync/internal/ui"
)

// Version is set at build time.
var Version = "dev"

var (
	envFilePath string
	logLevel    string

	app *appContext
)

var rootCmd = &cobra.Command{
	Use:     "ledgersync",
	Short:   "Mirror Bling payables and receivables into a local SQLite cache",
	Version: Version,
	Long: `ledgersync pulls accounts payable and receivable from the Bling ERP API
(v2 API key or v3 OAuth2) and upserts them into a local SQLite database.

Configuration is read from a .env-style file (see --env-file) and the process
environment, which takes precedence. Refreshed OAuth2 tokens are written back
to the same file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.Setup(cmd.OutOrStdout())
		a, err := newApp(envFilePath, logLevel)
		if err != nil {
			return err
		}
		app = a
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if app != nil {
			app.Close()
			app = nil
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFilePath, "env-file", config.DefaultEnvFile, "configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "data", Title: "Cache data:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("✗"), err)
		if bling.IsUserActionRequired(err) {
			fmt.Fprintln(os.Stderr, "  Run 'ledgersync authorize' to obtain new credentials.")
		}
		os.Exit(exitCode(err))
	}
}

// exitCode separates configuration and credential problems from ordinary
// failures so wrappers can tell them apart.
func exitCode(err error) int {
	var cfgErr *bling.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		return 2
	case bling.IsUserActionRequired(err):
		return 3
	default:
		return 1
	}
}
