package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/ledgersync/internal/bling"
	"github.com/mschirtzinger/ledgersync/internal/config"
	"github.com/mschirtzinger/ledgersync/internal/oauth"
	"github.com/mschirtzinger/ledgersync/internal/ui"
)

var authorizeCmd = &cobra.Command{
	Use:     "authorize",
	GroupID: "setup",
	Short:   "Obtain OAuth2 tokens through the browser",
	Long: `Run the OAuth2 authorization-code flow once.

Open the printed URL, grant access, and the provider redirects to a local
listener on BLING_REDIRECT_URI (default http://localhost:8000/callback). The
tokens are written to the env file; a running daemon picks them up.

With --refresh the stored refresh token is exchanged right away instead, no
browser needed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		if refresh, _ := cmd.Flags().GetBool("refresh"); refresh {
			return refreshTokens(cmd)
		}

		b, err := oauth.New(oauth.Config{
			ClientID:     app.cfg.ClientID,
			ClientSecret: app.cfg.ClientSecret,
			RedirectURI:  app.cfg.RedirectURI,
			AuthURL:      app.cfg.AuthURL,
			TokenURL:     app.cfg.TokenURL,
			Persister:    app.env,
			Logger:       app.logger("oauth"),
		})
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		if timeout > 0 {
			var tcancel context.CancelFunc
			ctx, tcancel = context.WithTimeout(ctx, timeout)
			defer tcancel()
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Open this link and authorize the app:\n\n  %s\n\n", ui.RenderAccent("🔑"), b.AuthCodeURL())
		fmt.Fprintf(out, "Waiting for the callback on %s ...\n", b.ListenAddr())

		tok, err := b.Run(ctx)
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "%s Authorized. Tokens saved to %s\n", ui.RenderPass("✓"), app.env.Path())
		if !tok.Expiry.IsZero() {
			fmt.Fprintf(out, "   Access token expires %s\n", tok.Expiry.Local().Format(time.RFC1123))
		}
		return nil
	},
}

func refreshTokens(cmd *cobra.Command) error {
	tm := app.tokenManager()
	if tm == nil || app.cfg.RefreshToken == "" {
		return &bling.ConfigurationError{Setting: config.KeyRefreshToken, Reason: "nothing to refresh; run 'ledgersync authorize' first"}
	}
	if _, err := tm.ForceRefresh(cmd.Context()); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s Access token refreshed. Tokens saved to %s\n", ui.RenderPass("✓"), app.env.Path())
	if exp := tm.State().ExpiresAt; !exp.IsZero() {
		fmt.Fprintf(out, "   Next refresh due %s\n", exp.Local().Format(time.RFC1123))
	}
	return nil
}

func init() {
	authorizeCmd.Flags().Duration("timeout", 5*time.Minute, "give up after this long (0 waits forever)")
	authorizeCmd.Flags().Bool("refresh", false, "exchange the stored refresh token now instead of running the browser flow")
	rootCmd.AddCommand(authorizeCmd)
}
