// Package observability exposes Prometheus metrics for the sync pipeline.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mschirtzinger/ledgersync/internal/bling"
	"github.com/mschirtzinger/ledgersync/internal/ledger/schema"
	ledgersync "github.com/mschirtzinger/ledgersync/internal/ledger/sync"
)

// Metrics collects Prometheus metrics for API calls, token refreshes and
// ledger runs. It implements ledgersync.Observer.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	syncRuns        *prometheus.CounterVec
	syncItems       *prometheus.CounterVec
	syncSkipped     *prometheus.CounterVec
	syncDuration    *prometheus.HistogramVec
	lastSuccess     *prometheus.GaugeVec
	apiRequests     *prometheus.CounterVec
	apiDuration     *prometheus.HistogramVec
	tokenRefreshes  *prometheus.CounterVec
	refreshDuration prometheus.Histogram
}

var _ ledgersync.Observer = (*Metrics)(nil)

// NewMetrics initializes a private registry and the collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgersync_sync_runs_total",
			Help: "Ledger sync runs by kind and result.",
		}, []string{"kind", "result"}),
		syncItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgersync_sync_items_total",
			Help: "Records upserted by kind.",
		}, []string{"kind"}),
		syncSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgersync_sync_skipped_total",
			Help: "Remote items skipped for lack of an identifier.",
		}, []string{"kind"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledgersync_sync_duration_seconds",
			Help:    "Duration of ledger sync runs.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"kind"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledgersync_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run per kind.",
		}, []string{"kind"}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgersync_api_requests_total",
			Help: "Remote API requests by protocol, kind and status code.",
		}, []string{"protocol", "kind", "code"}),
		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledgersync_api_request_duration_seconds",
			Help:    "Remote API request latency by protocol.",
			Buckets: prometheus.DefBuckets,
		}, []string{"protocol"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgersync_token_refreshes_total",
			Help: "OAuth2 refresh-token exchanges by result.",
		}, []string{"result"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledgersync_token_refresh_duration_seconds",
			Help:    "Latency of refresh-token exchanges.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	registry.MustRegister(
		m.syncRuns, m.syncItems, m.syncSkipped, m.syncDuration, m.lastSuccess,
		m.apiRequests, m.apiDuration, m.tokenRefreshes, m.refreshDuration,
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Gatherer exposes the registry for other /metrics endpoints.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.DefaultGatherer
	}
	return m.registry
}

// Registerer exposes the registry for custom collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// OnLedgerSynced records a successful run.
func (m *Metrics) OnLedgerSynced(res ledgersync.Result) {
	if m == nil {
		return
	}
	m.recordRun(res, "success")
	m.lastSuccess.WithLabelValues(res.Kind.String()).SetToCurrentTime()
}

// OnLedgerFailed records a failed run. Items written before the failure
// still count.
func (m *Metrics) OnLedgerFailed(res ledgersync.Result, _ error) {
	if m == nil {
		return
	}
	m.recordRun(res, "failure")
}

func (m *Metrics) recordRun(res ledgersync.Result, result string) {
	kind := res.Kind.String()
	m.syncRuns.WithLabelValues(kind, result).Inc()
	m.syncItems.WithLabelValues(kind).Add(float64(res.Items))
	m.syncSkipped.WithLabelValues(kind).Add(float64(res.Skipped))
	m.syncDuration.WithLabelValues(kind).Observe(res.Duration.Seconds())
}

// ObserveRequest has the shape of bling.RequestObserver.
func (m *Metrics) ObserveRequest(p bling.Protocol, kind schema.Kind, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.apiRequests.WithLabelValues(string(p), kind.String(), code).Inc()
	m.apiDuration.WithLabelValues(string(p)).Observe(elapsed.Seconds())
}

// ObserveRefresh has the shape of bling.TokenConfig.OnRefresh.
func (m *Metrics) ObserveRefresh(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	switch {
	case err == nil:
	case bling.IsRetryable(err):
		result = "network_error"
	case bling.IsUserActionRequired(err):
		result = "rejected"
	default:
		result = "failure"
	}
	m.tokenRefreshes.WithLabelValues(result).Inc()
	m.refreshDuration.Observe(elapsed.Seconds())
}
