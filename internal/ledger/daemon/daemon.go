// Package daemon runs ledger synchronization on a schedule.
//
// The daemon:
// 1. Runs one full sync at startup
// 2. Runs a full sync on every cron tick, never overlapping a running sync
// 3. Watches the env file and reloads OAuth2 tokens written by other processes
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mschirtzinger/ledgersync/internal/bling"
	"github.com/mschirtzinger/ledgersync/internal/config"
	ledgersync "github.com/mschirtzinger/ledgersync/internal/ledger/sync"
)

// Config holds configuration for the daemon.
type Config struct {
	// Schedule is a cron spec; descriptors such as "@every 1h" are accepted.
	Schedule string

	// RunOnStart performs one sync before the first scheduled tick.
	RunOnStart bool

	// DebounceInterval is how long to wait after an env file change before
	// reloading it. This batches the writes of a single save together.
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Schedule:         "@every 1h",
		RunOnStart:       true,
		DebounceInterval: 200 * time.Millisecond,
		Logger:           slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "daemon"),
	}
}

// TokenReloader is implemented by *bling.TokenManager.
type TokenReloader interface {
	State() bling.TokenState
	Reload(bling.TokenState)
}

// Daemon triggers synchronizations and keeps credentials current.
type Daemon struct {
	syncer ledgersync.Syncer
	config *Config

	envFile *config.EnvFile
	tokens  TokenReloader
	watcher *FileWatcher

	cron  *cron.Cron
	runMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
}

// New creates a new Daemon instance with default configuration.
//
// Use Start() to begin the schedule.
func New(syncer ledgersync.Syncer) (*Daemon, error) {
	return NewWithConfig(syncer, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(syncer ledgersync.Syncer, cfg *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = DefaultConfig().Logger
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultConfig().Schedule
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = DefaultConfig().DebounceInterval
	}

	logger := cronLogger{cfg.Logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		syncer: syncer,
		config: cfg,
		cron:   c,
		ctx:    ctx,
		cancel: cancel,
	}

	if _, err := c.AddFunc(cfg.Schedule, d.runScheduled); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
	}
	return d, nil
}

// WatchTokens makes the daemon reload tokens from envFile whenever the file
// changes, e.g. after `ledgersync authorize` ran in another terminal.
// Must be called before Start.
func (d *Daemon) WatchTokens(envFile *config.EnvFile, tokens TokenReloader) {
	d.envFile = envFile
	d.tokens = tokens
}

// Start begins the daemon's operation.
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Info("starting daemon", "schedule", d.config.Schedule)

	if d.envFile != nil && d.tokens != nil {
		w, err := NewFileWatcher()
		if err != nil {
			return err
		}
		if err := w.Start(d.envFile.Path()); err != nil {
			_ = w.Stop()
			return err
		}
		d.watcher = w
		d.wg.Add(1)
		go d.watchEnvFile()
		d.config.Logger.Info("watching env file for token changes", "path", d.envFile.Path())
	}

	if d.config.RunOnStart {
		if _, err := d.RunOnce(ctx); err != nil {
			// A failed first run is not fatal; the schedule retries.
			d.config.Logger.Error("initial sync failed", "error", err)
		}
	}

	d.cron.Start()
	if entries := d.cron.Entries(); len(entries) > 0 {
		d.config.Logger.Info("next sync scheduled", "at", entries[0].Next)
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon, waiting for a running sync.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Info("stopping daemon")
		d.cancel()

		<-d.cron.Stop().Done()

		if d.watcher != nil {
			if err := d.watcher.Stop(); err != nil {
				d.config.Logger.Error("error closing watcher", "error", err)
			}
		}

		d.wg.Wait()
		d.config.Logger.Info("daemon stopped")
	})
	return nil
}

// RunOnce performs one full synchronization. Concurrent calls are
// serialized.
func (d *Daemon) RunOnce(ctx context.Context) (ledgersync.Report, error) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	start := time.Now()
	report, err := d.syncer.SyncAll(ctx)
	d.config.Logger.Info("scheduled sync finished",
		"items", report.Items(), "failed_kinds", len(report.Errors), "duration", time.Since(start))

	if err != nil {
		switch {
		case bling.IsUserActionRequired(err):
			d.config.Logger.Error("credentials rejected; run `ledgersync authorize`", "error", err)
		case bling.IsRetryable(err):
			d.config.Logger.Warn("sync failed, will retry on next tick", "error", err)
		}
	}
	return report, err
}

func (d *Daemon) runScheduled() {
	if _, err := d.RunOnce(d.ctx); err != nil {
		d.config.Logger.Error("scheduled sync failed", "error", err)
	}
}

// watchEnvFile debounces env file events and reloads tokens.
func (d *Daemon) watchEnvFile() {
	defer d.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-d.ctx.Done():
			return

		case ev, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			if ev.Op == OpDelete {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(d.config.DebounceInterval)
			} else {
				timer.Reset(d.config.DebounceInterval)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			d.reloadTokens()

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Warn("watcher error", "error", err)
		}
	}
}

// reloadTokens installs the tokens from the env file if they differ from the
// ones in memory. Our own refreshes write the same values back, so they are
// a no-op here.
func (d *Daemon) reloadTokens() {
	env, err := d.envFile.Read()
	if err != nil {
		d.config.Logger.Warn("failed to reload env file", "error", err)
		return
	}

	next := bling.TokenState{
		AccessToken:  env[config.KeyAccessToken],
		RefreshToken: env[config.KeyRefreshToken],
	}
	if next.AccessToken == "" && next.RefreshToken == "" {
		return
	}

	cur := d.tokens.State()
	if cur.AccessToken == next.AccessToken && cur.RefreshToken == next.RefreshToken {
		return
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}

	d.tokens.Reload(next)
	d.config.Logger.Info("reloaded OAuth2 tokens from env file", "path", d.envFile.Path())
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
