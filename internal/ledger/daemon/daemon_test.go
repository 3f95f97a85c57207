package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mschirtzinger/ledgersync/internal/bling"
	"github.com/mschirtzinger/ledgersync/internal/config"
	"github.com/mschirtzinger/ledgersync/internal/ledger/schema"
	ledgersync "github.com/mschirtzinger/ledgersync/internal/ledger/sync"
)

type countingSyncer struct {
	calls atomic.Int32
	err   error
	block chan struct{}
}

func (s *countingSyncer) SyncLedger(ctx context.Context, kind schema.Kind) (ledgersync.Result, error) {
	return ledgersync.Result{Kind: kind}, s.err
}

func (s *countingSyncer) SyncAll(ctx context.Context) (ledgersync.Report, error) {
	s.calls.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
		}
	}
	rep := ledgersync.Report{Results: []ledgersync.Result{{Kind: schema.Payable, Items: 2}}}
	if s.err != nil {
		rep.Errors = map[schema.Kind]error{schema.Payable: s.err}
	}
	return rep, s.err
}

type memTokens struct {
	mu       sync.Mutex
	state    bling.TokenState
	reloaded chan bling.TokenState
}

func (m *memTokens) State() bling.TokenState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *memTokens) Reload(st bling.TokenState) {
	m.mu.Lock()
	m.state = st
	m.mu.Unlock()
	m.reloaded <- st
}

func quietConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.DebounceInterval = 20 * time.Millisecond
	return cfg
}

func TestNew(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("New(nil) should fail")
	}

	cfg := quietConfig()
	cfg.Schedule = "not a schedule"
	if _, err := NewWithConfig(&countingSyncer{}, cfg); err == nil {
		t.Error("invalid schedule should fail")
	}

	d, err := NewWithConfig(&countingSyncer{}, nil)
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	if d.config.Schedule != "@every 1h" {
		t.Errorf("schedule = %q, want default", d.config.Schedule)
	}
}

func TestDaemon_RunOnce(t *testing.T) {
	s := &countingSyncer{}
	d, err := NewWithConfig(s, quietConfig())
	if err != nil {
		t.Fatal(err)
	}

	rep, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}
	if rep.Items() != 2 {
		t.Errorf("items = %d, want 2", rep.Items())
	}
	if s.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", s.calls.Load())
	}
}

func TestDaemon_RunOncePropagatesError(t *testing.T) {
	s := &countingSyncer{err: &bling.AuthExchangeError{StatusCode: 400, Body: "invalid_grant"}}
	d, err := NewWithConfig(s, quietConfig())
	if err != nil {
		t.Fatal(err)
	}

	_, err = d.RunOnce(context.Background())
	var authErr *bling.AuthExchangeError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthExchangeError", err)
	}
}

func TestDaemon_StartRunsOnStartAndStops(t *testing.T) {
	s := &countingSyncer{}
	d, err := NewWithConfig(s, quietConfig())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1 initial sync", s.calls.Load())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}

	// Stop after shutdown is a no-op.
	if err := d.Stop(); err != nil {
		t.Errorf("Stop() = %v", err)
	}
}

func TestDaemon_ScheduledRunsDoNotOverlap(t *testing.T) {
	s := &countingSyncer{block: make(chan struct{})}
	cfg := quietConfig()
	cfg.Schedule = "@every 1s"
	cfg.RunOnStart = false
	d, err := NewWithConfig(s, cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	// The first tick blocks inside SyncAll; later ticks must be skipped.
	time.Sleep(3500 * time.Millisecond)
	if got := s.calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1 while the first run is still going", got)
	}

	close(s.block)
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemon_ReloadsTokensOnEnvFileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("BLING_ACCESS_TOKEN=a1\nBLING_REFRESH_TOKEN=r1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	envFile := config.NewEnvFile(path)
	tokens := &memTokens{
		state:    bling.TokenState{AccessToken: "a1", RefreshToken: "r1"},
		reloaded: make(chan bling.TokenState, 4),
	}

	cfg := quietConfig()
	cfg.RunOnStart = false
	d, err := NewWithConfig(&countingSyncer{}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	d.WatchTokens(envFile, tokens)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	// Give Start time to install the watcher.
	time.Sleep(200 * time.Millisecond)

	// Writing the same values back is what our own refresh does; no reload.
	if err := envFile.PersistTokens("a1", "r1"); err != nil {
		t.Fatal(err)
	}
	if err := envFile.PersistTokens("a2", "r2"); err != nil {
		t.Fatal(err)
	}

	select {
	case st := <-tokens.reloaded:
		if st.AccessToken != "a2" || st.RefreshToken != "r2" {
			t.Errorf("reloaded %+v, want a2/r2", st)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tokens were not reloaded")
	}

	cancel()
	<-done
}

func TestDaemon_ReloadTokensKeepsRefreshWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("BLING_ACCESS_TOKEN=new\n"), 0600); err != nil {
		t.Fatal(err)
	}
	tokens := &memTokens{
		state:    bling.TokenState{AccessToken: "old", RefreshToken: "keep"},
		reloaded: make(chan bling.TokenState, 1),
	}
	d, err := NewWithConfig(&countingSyncer{}, quietConfig())
	if err != nil {
		t.Fatal(err)
	}
	d.WatchTokens(config.NewEnvFile(path), tokens)

	d.reloadTokens()

	st := tokens.State()
	if st.AccessToken != "new" || st.RefreshToken != "keep" {
		t.Errorf("state = %+v, want new/keep", st)
	}
}
