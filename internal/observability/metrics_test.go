package observability

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/ledgersync/internal/bling"
	"github.com/mschirtzinger/ledgersync/internal/ledger/schema"
	ledgersync "github.com/mschirtzinger/ledgersync/internal/ledger/sync"
)

func TestMetrics_LedgerRuns(t *testing.T) {
	m := NewMetrics()

	m.OnLedgerSynced(ledgersync.Result{Kind: schema.Payable, Items: 5, Skipped: 1, Duration: 2 * time.Second})
	m.OnLedgerFailed(ledgersync.Result{Kind: schema.Payable, Items: 2}, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncRuns.WithLabelValues("payable", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncRuns.WithLabelValues("payable", "failure")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.syncItems.WithLabelValues("payable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncSkipped.WithLabelValues("payable")))
	assert.Greater(t, testutil.ToFloat64(m.lastSuccess.WithLabelValues("payable")), 0.0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.lastSuccess.WithLabelValues("receivable")))
}

func TestMetrics_ObserveRequest(t *testing.T) {
	m := NewMetrics()

	var observe bling.RequestObserver = m.ObserveRequest
	observe(bling.ProtocolBearer, schema.Receivable, 200, 10*time.Millisecond)
	observe(bling.ProtocolBearer, schema.Receivable, 200, 10*time.Millisecond)
	observe(bling.ProtocolLegacy, schema.Payable, 0, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.apiRequests.WithLabelValues("bearer", "receivable", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.apiRequests.WithLabelValues("legacy", "payable", "error")))
}

func TestMetrics_ObserveRefresh(t *testing.T) {
	m := NewMetrics()

	m.ObserveRefresh(nil, time.Millisecond)
	m.ObserveRefresh(&bling.AuthExchangeError{StatusCode: 400}, time.Millisecond)
	m.ObserveRefresh(&bling.TransientNetworkError{Op: "refresh", Err: errors.New("reset")}, time.Millisecond)
	m.ObserveRefresh(&bling.ConfigurationError{Setting: "BLING_CLIENT_ID"}, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.tokenRefreshes.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tokenRefreshes.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tokenRefreshes.WithLabelValues("network_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tokenRefreshes.WithLabelValues("failure")))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.OnLedgerSynced(ledgersync.Result{Kind: schema.Receivable, Items: 3})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), `ledgersync_sync_items_total{kind="receivable"} 3`), string(body))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.OnLedgerSynced(ledgersync.Result{})
	m.ObserveRequest(bling.ProtocolLegacy, schema.Payable, 200, 0)
	m.ObserveRefresh(nil, 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
