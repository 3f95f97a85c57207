package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/ledgersync/internal/ledger/dashboard"
	"github.com/mschirtzinger/ledgersync/internal/ledger/db"
	"github.com/mschirtzinger/ledgersync/internal/ledger/schema"
	"github.com/mschirtzinger/ledgersync/internal/ui"
)

type runStatus struct {
	Kind       schema.Kind `json:"kind" yaml:"kind"`
	Status     string      `json:"status" yaml:"status"`
	StartedAt  time.Time   `json:"started_at" yaml:"started_at"`
	DurationMS int64       `json:"duration_ms" yaml:"duration_ms"`
	Items      int         `json:"items" yaml:"items"`
	Skipped    int         `json:"skipped" yaml:"skipped"`
	Error      string      `json:"error,omitempty" yaml:"error,omitempty"`
}

type cacheStatus struct {
	Path      string              `json:"path" yaml:"path"`
	SizeBytes int64               `json:"size_bytes" yaml:"size_bytes"`
	Counts    map[schema.Kind]int `json:"counts" yaml:"counts"`
	LastRuns  []runStatus         `json:"last_runs" yaml:"last_runs"`
	Recovered string              `json:"recovered_backup,omitempty" yaml:"recovered_backup,omitempty"`

	// Live holds the latest result per ledger seen by a running daemon.
	Live map[schema.Kind]dashboard.SyncData `json:"live,omitempty" yaml:"live,omitempty"`
}

// parseSince accepts a duration ("36h") or a phrase such as "yesterday" or
// "last monday", resolved relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: not a duration or date", s)
	}
	return r.Time, nil
}

// collectStatus gathers what `status` and the dashboard's /status report.
// Runs started before since are left out when since is non-zero.
func collectStatus(ctx context.Context, store *db.Store, lastRuns int, since time.Time) (*cacheStatus, error) {
	st := &cacheStatus{
		Path:   store.Path(),
		Counts: make(map[schema.Kind]int, len(schema.Kinds)),
	}
	if info, err := os.Stat(store.Path()); err == nil {
		st.SizeBytes = info.Size()
	}
	for _, kind := range schema.Kinds {
		n, err := store.Count(ctx, kind)
		if err != nil {
			return nil, err
		}
		st.Counts[kind] = n
	}

	runs, err := store.LastRuns(ctx, lastRuns)
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		if !since.IsZero() && r.StartedAt.Before(since) {
			continue
		}
		st.LastRuns = append(st.LastRuns, runStatus{
			Kind:       r.Kind,
			Status:     r.Status,
			StartedAt:  r.StartedAt,
			DurationMS: r.Duration().Milliseconds(),
			Items:      r.Items,
			Skipped:    r.Skipped,
			Error:      r.Error,
		})
	}
	if rec := store.Recovery(); rec.Corrupted {
		st.Recovered = rec.BackupPath
	}
	return st, nil
}

// dashboardStatus backs the dashboard's /status with the cache summary and
// the handler's latest results.
func dashboardStatus(ctx context.Context, store *db.Store, handler *dashboard.Handler) (*cacheStatus, error) {
	st, err := collectStatus(ctx, store, 10, time.Time{})
	if err != nil {
		return nil, err
	}
	st.Live = handler.Last()
	return st, nil
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "data",
	Short:   "Show local cache status",
	Long: `Show cache status and statistics.

Shows:
  - Cache file location and size
  - Number of records per ledger
  - Most recent sync runs
  - Which credentials are configured`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		asYAML, _ := cmd.Flags().GetBool("yaml")
		limit, _ := cmd.Flags().GetInt("runs")
		sinceFlag, _ := cmd.Flags().GetString("since")

		var since time.Time
		if sinceFlag != "" {
			t, err := parseSince(sinceFlag, time.Now())
			if err != nil {
				return err
			}
			since = t
		}
		out := cmd.OutOrStdout()

		if _, err := os.Stat(app.cfg.DBPath); errors.Is(err, os.ErrNotExist) && !asJSON && !asYAML {
			fmt.Fprintf(out, "\n%s Cache not initialized\n", ui.RenderWarn("⚠"))
			fmt.Fprintf(out, "   Run 'ledgersync sync' to create %s\n\n", app.cfg.DBPath)
			return nil
		}

		ctx := cmd.Context()
		store, err := app.openStore(ctx, out)
		if err != nil {
			return err
		}
		defer store.Close()

		st, err := collectStatus(ctx, store, limit, since)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}
		if asYAML {
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err := enc.Encode(st); err != nil {
				return err
			}
			return enc.Close()
		}

		fmt.Fprintf(out, "\n%s %s\n\n", ui.RenderAccent("📊"), ui.RenderHeader("Ledger Cache Status"))
		rows := [][2]string{
			{"Location", st.Path},
			{"Size", formatSize(st.SizeBytes)},
			{"API key", configured(app.cfg.APIKey != "")},
			{"OAuth2", configured(app.cfg.HasOAuth())},
		}
		for _, kind := range schema.Kinds {
			rows = append(rows, [2]string{kind.String(), strconv.Itoa(st.Counts[kind])})
		}
		fmt.Fprint(out, ui.KeyValues(rows))

		if len(st.LastRuns) > 0 {
			fmt.Fprintf(out, "\n%s\n", ui.RenderHeader("Recent runs"))
			for _, r := range st.LastRuns {
				glyph := ui.RenderPass("✓")
				switch r.Status {
				case schema.RunFailed:
					glyph = ui.RenderFail("✗")
				case schema.RunRunning:
					glyph = ui.RenderWarn("…")
				}
				fmt.Fprintf(out, "  %s %s %-10s %5d item(s) %s\n", glyph,
					r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Kind, r.Items,
					ui.RenderMuted((time.Duration(r.DurationMS) * time.Millisecond).String()))
				if r.Error != "" {
					fmt.Fprintf(out, "      %s\n", ui.RenderMuted(r.Error))
				}
			}
		}
		fmt.Fprintln(out)
		return nil
	},
}

func configured(ok bool) string {
	if ok {
		return ui.RenderPass("configured")
	}
	return ui.RenderMuted("not set")
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func init() {
	statusCmd.Flags().Bool("json", false, "output as JSON")
	statusCmd.Flags().Bool("yaml", false, "output as YAML")
	statusCmd.Flags().Int("runs", 5, "number of recent runs to show")
	statusCmd.Flags().String("since", "", `only show runs started after this ("24h", "yesterday", "last monday")`)
	rootCmd.AddCommand(statusCmd)
}
