package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mschirtzinger/ledgersync/internal/ledger/schema"
	ledgersync "github.com/mschirtzinger/ledgersync/internal/ledger/sync"
)

func startTestServer(t *testing.T, cfg *Config) *Server {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Addr = "127.0.0.1:0"
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	server := NewServer(cfg)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func dial(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, server *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", server.ClientCount(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Addr: "127.0.0.1:0", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if strings.HasSuffix(server.GetAddr(), ":0") {
		t.Errorf("GetAddr() = %s, want the bound port", server.GetAddr())
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketHello(t *testing.T) {
	server := startTestServer(t, nil)
	conn := dial(t, server)

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeHello {
		t.Errorf("first message type = %s, want %s", msg.Type, MessageTypeHello)
	}
	waitForClients(t, server, 1)
}

func TestHandlerBroadcastsSyncResults(t *testing.T) {
	server := startTestServer(t, nil)
	handler := NewHandler(server, nil)

	conn := dial(t, server)
	_ = readMessage(t, conn) // hello
	waitForClients(t, server, 1)

	handler.OnLedgerSynced(ledgersync.Result{
		Kind: schema.Payable, RunID: "run-1", Items: 3, Pages: 1, Duration: 1500 * time.Millisecond,
	})
	handler.OnLedgerFailed(ledgersync.Result{Kind: schema.Receivable, RunID: "run-2"}, errors.New("boom"))

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeSyncComplete {
		t.Fatalf("type = %s, want %s", msg.Type, MessageTypeSyncComplete)
	}
	var data SyncData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Kind != schema.Payable || data.Items != 3 || data.DurationMS != 1500 || data.RunID != "run-1" {
		t.Errorf("unexpected data: %+v", data)
	}

	msg = readMessage(t, conn)
	if msg.Type != MessageTypeSyncFailed {
		t.Fatalf("type = %s, want %s", msg.Type, MessageTypeSyncFailed)
	}
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Kind != schema.Receivable || data.Error != "boom" {
		t.Errorf("unexpected data: %+v", data)
	}

	last := handler.Last()
	if len(last) != 2 || last[schema.Payable].Items != 3 {
		t.Errorf("Last() = %+v", last)
	}
}

func TestClientDisconnect(t *testing.T) {
	server := startTestServer(t, nil)

	conn := dial(t, server)
	_ = readMessage(t, conn)
	waitForClients(t, server, 1)

	_ = conn.Close(websocket.StatusNormalClosure, "")
	waitForClients(t, server, 0)
}

func TestHealthEndpoint(t *testing.T) {
	server := startTestServer(t, nil)

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	server := startTestServer(t, &Config{
		Status: func(ctx context.Context) (any, error) {
			return map[string]int{"payable": 7}, nil
		},
	})

	resp, err := http.Get("http://" + server.GetAddr() + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["payable"] != 7 {
		t.Errorf("body = %v", body)
	}

	noStatus := startTestServer(t, nil)
	resp2, err := http.Get("http://" + noStatus.GetAddr() + "/status")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("status code = %d, want 404", resp2.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "dashboard_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(2)

	server := startTestServer(t, &Config{Gatherer: reg})

	resp, err := http.Get("http://" + server.GetAddr() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "dashboard_test_total 2") {
		t.Errorf("metrics output missing counter:\n%s", body)
	}
}
