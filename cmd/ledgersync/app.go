package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/mschirtzinger/ledgersync/internal/bling"
	"github.com/mschirtzinger/ledgersync/internal/config"
	"github.com/mschirtzinger/ledgersync/internal/ledger/db"
	"github.com/mschirtzinger/ledgersync/internal/ledger/schema"
	ledgersync "github.com/mschirtzinger/ledgersync/internal/ledger/sync"
	"github.com/mschirtzinger/ledgersync/internal/logging"
	"github.com/mschirtzinger/ledgersync/internal/observability"
	"github.com/mschirtzinger/ledgersync/internal/ui"
)

// appContext holds what every command needs: configuration, logger and the
// env file refreshed tokens are written to.
type appContext struct {
	cfg     *config.Config
	env     *config.EnvFile
	log     *logging.Logger
	metrics *observability.Metrics
}

func newApp(envPath, levelOverride string) (*appContext, error) {
	cfg, err := config.Load(envPath)
	if err != nil {
		return nil, err
	}
	if levelOverride != "" {
		cfg.LogLevel = levelOverride
	}

	logger, err := logging.New(logging.Options{
		Format: cfg.LogFormat,
		Level:  cfg.LogLevel,
		File:   cfg.LogFile,
	})
	if err != nil {
		return nil, err
	}

	return &appContext{
		cfg:     cfg,
		env:     config.NewEnvFile(cfg.EnvFile),
		log:     logger,
		metrics: observability.NewMetrics(),
	}, nil
}

func (a *appContext) Close() {
	_ = a.log.Close()
}

func (a *appContext) logger(component string) *slog.Logger {
	return a.log.With("component", component)
}

// openStore opens the cache and reports a destructive recovery to the user.
func (a *appContext) openStore(ctx context.Context, out io.Writer) (*db.Store, error) {
	store, err := db.Open(ctx, a.cfg.DBPath, db.Options{Logger: a.logger("db")})
	if err != nil {
		return nil, err
	}
	if rec := store.Recovery(); rec.Corrupted {
		fmt.Fprintf(out, "%s Local cache was corrupted and has been recreated empty.\n", ui.RenderWarn("⚠"))
		fmt.Fprintf(out, "   The damaged file was moved to %s\n", rec.BackupPath)
	}
	return store, nil
}

// tokenManager returns nil when no OAuth2 tokens are configured.
func (a *appContext) tokenManager() *bling.TokenManager {
	if !a.cfg.HasOAuth() {
		return nil
	}
	return bling.NewTokenManager(bling.TokenConfig{
		ClientID:     a.cfg.ClientID,
		ClientSecret: a.cfg.ClientSecret,
		TokenURL:     a.cfg.TokenURL,
		SafetyMargin: a.cfg.TokenSafetyMargin,
		Persister:    a.env,
		Logger:       a.logger("auth"),
		OnRefresh:    a.metrics.ObserveRefresh,
	}, bling.TokenState{
		AccessToken:  a.cfg.AccessToken,
		RefreshToken: a.cfg.RefreshToken,
	})
}

func (a *appContext) client(tm *bling.TokenManager) (*bling.Client, error) {
	pref, err := bling.ParseProtocol(a.cfg.Protocol)
	if err != nil {
		return nil, err
	}
	cc := bling.ClientConfig{
		APIKey:        a.cfg.APIKey,
		Preference:    pref,
		BaseURL:       a.cfg.APIBaseURL,
		LegacyBaseURL: a.cfg.LegacyBaseURL,
		Timeout:       a.cfg.HTTPTimeout,
		RateLimit:     a.cfg.RateLimit,
		Observer:      a.metrics.ObserveRequest,
		Logger:        a.logger("client"),
	}
	// Leave Tokens as a nil interface when there is no manager.
	if tm != nil {
		cc.Tokens = tm
	}
	return bling.NewClient(cc)
}

func (a *appContext) syncer(store ledgersync.Store, client *bling.Client, kinds []schema.Kind, observers ...ledgersync.Observer) ledgersync.Syncer {
	return ledgersync.New(store, client.Fetch, ledgersync.Options{
		PageSize:  a.cfg.PageSize,
		Kinds:     kinds,
		Observers: append([]ledgersync.Observer{a.metrics}, observers...),
		Logger:    a.logger("sync"),
	})
}

// parseKinds maps CLI arguments onto ledger kinds; no arguments means all.
func parseKinds(args []string) ([]schema.Kind, error) {
	if len(args) == 0 {
		return schema.Kinds, nil
	}
	kinds := make([]schema.Kind, 0, len(args))
	for _, arg := range args {
		k, err := schema.ParseKind(arg)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}
