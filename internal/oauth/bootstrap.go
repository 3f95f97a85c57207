// Package oauth obtains the first OAuth2 token pair through the
// authorization-code flow.
//
// The user opens the authorization URL in a browser, grants access, and the
// provider redirects to a short-lived local listener. The code is exchanged
// for tokens, which are persisted so TokenManager can refresh them from then
// on.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/mschirtzinger/ledgersync/internal/bling"
	"github.com/mschirtzinger/ledgersync/internal/config"
)

// DefaultAuthURL is the provider's authorization endpoint.
const DefaultAuthURL = "https://www.bling.com.br/Api/v3/oauth/authorize"

// Config configures a Bootstrap.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthURL      string
	TokenURL     string

	HTTPClient *http.Client
	Persister  bling.TokenPersister
	Logger     *slog.Logger

	// State is the anti-forgery value sent with the authorization request.
	// A random one is generated when empty.
	State string
}

// Bootstrap runs one authorization-code exchange.
type Bootstrap struct {
	oauth    oauth2.Config
	client   *http.Client
	persist  bling.TokenPersister
	logger   *slog.Logger
	state    string
	listen   string
	callback string
}

// New validates cfg and prepares a Bootstrap.
func New(cfg Config) (*Bootstrap, error) {
	if cfg.ClientID == "" {
		return nil, &bling.ConfigurationError{Setting: config.KeyClientID, Reason: "required for authorization"}
	}
	if cfg.ClientSecret == "" {
		return nil, &bling.ConfigurationError{Setting: config.KeyClientSecret, Reason: "required for authorization"}
	}
	if cfg.RedirectURI == "" {
		cfg.RedirectURI = config.DefaultConfig().RedirectURI
	}
	redirect, err := url.Parse(cfg.RedirectURI)
	if err != nil || redirect.Host == "" {
		return nil, &bling.ConfigurationError{Setting: config.KeyRedirectURI, Reason: fmt.Sprintf("invalid URL %q", cfg.RedirectURI)}
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = bling.DefaultTokenURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: bling.DefaultTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.State == "" {
		cfg.State = oauth2.GenerateVerifier()
	}

	path := redirect.Path
	if path == "" {
		path = "/"
	}

	return &Bootstrap{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		client:   cfg.HTTPClient,
		persist:  cfg.Persister,
		logger:   cfg.Logger,
		state:    cfg.State,
		listen:   redirect.Host,
		callback: path,
	}, nil
}

// AuthCodeURL returns the URL the user must open to grant access.
func (b *Bootstrap) AuthCodeURL() string {
	return b.oauth.AuthCodeURL(b.state)
}

// ListenAddr is the host:port taken from the redirect URI.
func (b *Bootstrap) ListenAddr() string {
	return b.listen
}

// Run listens on the redirect URI's address until a callback completes the
// exchange or ctx is done.
func (b *Bootstrap) Run(ctx context.Context) (*oauth2.Token, error) {
	ln, err := net.Listen("tcp", b.listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", b.listen, err)
	}
	return b.Serve(ctx, ln)
}

type outcome struct {
	token *oauth2.Token
	err   error
}

// Serve is Run on a caller-provided listener. The listener is closed on
// return.
//
// Callbacks with a wrong state are answered with 400 and ignored, so a
// forged request cannot end the flow. A provider error or a failed exchange
// ends it.
func (b *Bootstrap) Serve(ctx context.Context, ln net.Listener) (*oauth2.Token, error) {
	done := make(chan outcome, 1)
	finish := func(o outcome) {
		select {
		case done <- o:
		default:
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(b.callback, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != b.callback {
			_, _ = io.WriteString(w, "OK")
			return
		}
		tok, final, err := b.handleCallback(ctx, r)
		switch {
		case err == nil:
			_, _ = io.WriteString(w, "Authorized. Tokens saved; you can close this tab.\n")
		case final:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		if final {
			finish(outcome{token: tok, err: err})
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			finish(outcome{err: fmt.Errorf("callback server: %w", err)})
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	b.logger.Info("waiting for authorization callback", "addr", ln.Addr().String(), "path", b.callback)

	select {
	case o := <-done:
		return o.token, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleCallback validates one redirect. final reports whether the flow is
// over.
func (b *Bootstrap) handleCallback(ctx context.Context, r *http.Request) (*oauth2.Token, bool, error) {
	q := r.URL.Query()

	if e := q.Get("error"); e != "" {
		return nil, true, fmt.Errorf("authorization denied: %s %s", e, q.Get("error_description"))
	}
	if got := q.Get("state"); got != b.state {
		b.logger.Warn("rejected callback with unexpected state", "remote", r.RemoteAddr)
		return nil, false, errors.New("state mismatch")
	}
	code := q.Get("code")
	if code == "" {
		return nil, false, errors.New("missing code parameter")
	}

	tok, err := b.Exchange(ctx, code)
	return tok, true, err
}

// Exchange trades an authorization code for tokens and persists them.
func (b *Bootstrap) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.client)

	tok, err := b.oauth.Exchange(ctx, code)
	if err != nil {
		// http.Client.Do reports every round-trip failure as *url.Error
		var transportErr *url.Error
		if errors.As(err, &transportErr) {
			return nil, bling.ClassifyExchangeError("authorization code exchange", err, transportErr)
		}
		return nil, bling.ClassifyExchangeError("authorization code exchange", err, nil)
	}

	if b.persist != nil {
		if err := b.persist.PersistTokens(tok.AccessToken, tok.RefreshToken); err != nil {
			return tok, fmt.Errorf("tokens obtained but not saved: %w", err)
		}
	}
	b.logger.Info("authorization complete", "expires", tok.Expiry)
	return tok, nil
}
