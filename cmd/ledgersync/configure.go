package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/ledgersync/internal/bling"
	"github.com/mschirtzinger/ledgersync/internal/config"
	"github.com/mschirtzinger/ledgersync/internal/ui"
)

type credentialsForm struct {
	APIKey       string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Protocol     string
	DBPath       string
}

// values returns the env assignments to write. Empty fields are left alone.
func (f *credentialsForm) values() map[string]string {
	out := make(map[string]string)
	set := func(key, v string) {
		if v = strings.TrimSpace(v); v != "" {
			out[key] = v
		}
	}
	set(config.KeyAPIKey, f.APIKey)
	set(config.KeyClientID, f.ClientID)
	set(config.KeyClientSecret, f.ClientSecret)
	set(config.KeyRedirectURI, f.RedirectURI)
	set(config.KeyProtocol, f.Protocol)
	set(config.KeyDBPath, f.DBPath)
	return out
}

func (f *credentialsForm) run() error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Bling credentials").
				Description("Fill in an API key (v2), OAuth2 client credentials (v3), or both.\nLeave a field empty to keep its current value."),
			huh.NewInput().
				Title("API key").
				EchoMode(huh.EchoModePassword).
				Value(&f.APIKey),
			huh.NewInput().
				Title("OAuth2 client ID").
				Value(&f.ClientID),
			huh.NewInput().
				Title("OAuth2 client secret").
				EchoMode(huh.EchoModePassword).
				Value(&f.ClientSecret),
			huh.NewInput().
				Title("Redirect URI").
				Value(&f.RedirectURI),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Protocol").
				Options(huh.NewOptions(string(bling.ProtocolAuto), string(bling.ProtocolLegacy), string(bling.ProtocolBearer))...).
				Value(&f.Protocol),
			huh.NewInput().
				Title("Cache database").
				Value(&f.DBPath),
		),
	)
	return form.Run()
}

var configureCmd = &cobra.Command{
	Use:     "configure",
	GroupID: "setup",
	Short:   "Write credentials and settings to the env file",
	Long: `Write Bling credentials and basic settings to the env file.

On a terminal an interactive form is shown, prefilled from the flags and the
current configuration. With --no-input, or when stdin is not a terminal, only
the flags are written. Existing lines of the env file are kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noInput, _ := cmd.Flags().GetBool("no-input")

		f := &credentialsForm{}
		f.APIKey, _ = cmd.Flags().GetString("api-key")
		f.ClientID, _ = cmd.Flags().GetString("client-id")
		f.ClientSecret, _ = cmd.Flags().GetString("client-secret")
		f.RedirectURI, _ = cmd.Flags().GetString("redirect-uri")
		f.Protocol, _ = cmd.Flags().GetString("protocol")
		f.DBPath, _ = cmd.Flags().GetString("db-path")

		if !noInput && ui.IsTerminal(os.Stdin) {
			if f.Protocol == "" {
				f.Protocol = app.cfg.Protocol
			}
			if f.DBPath == "" {
				f.DBPath = app.cfg.DBPath
			}
			if f.RedirectURI == "" {
				f.RedirectURI = app.cfg.RedirectURI
			}
			if err := f.run(); err != nil {
				return err
			}
		}

		if _, err := bling.ParseProtocol(f.Protocol); err != nil {
			return err
		}

		values := f.values()
		if len(values) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s Nothing to write\n", ui.RenderWarn("⚠"))
			return nil
		}
		if err := app.env.Set(values); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Wrote %d setting(s) to %s\n", ui.RenderPass("✓"), len(values), app.env.Path())
		if f.ClientID != "" && app.cfg.RefreshToken == "" {
			fmt.Fprintf(out, "   Next: run 'ledgersync authorize' to obtain OAuth2 tokens\n")
		}
		return nil
	},
}

func init() {
	configureCmd.Flags().Bool("no-input", false, "do not prompt; write only the given flags")
	configureCmd.Flags().String("api-key", "", "v2 API key")
	configureCmd.Flags().String("client-id", "", "OAuth2 client ID")
	configureCmd.Flags().String("client-secret", "", "OAuth2 client secret")
	configureCmd.Flags().String("redirect-uri", "", "OAuth2 redirect URI")
	configureCmd.Flags().String("protocol", "", "auto, legacy or bearer")
	configureCmd.Flags().String("db-path", "", "cache database path")
	rootCmd.AddCommand(configureCmd)
}
