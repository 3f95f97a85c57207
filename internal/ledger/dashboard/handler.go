package dashboard

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/mschirtzinger/ledgersync/internal/ledger/schema"
	ledgersync "github.com/mschirtzinger/ledgersync/internal/ledger/sync"
)

// SyncData is the payload of sync_complete and sync_failed messages.
type SyncData struct {
	Kind       schema.Kind `json:"kind"`
	RunID      string      `json:"run_id"`
	Items      int         `json:"items"`
	Skipped    int         `json:"skipped"`
	Pages      int         `json:"pages"`
	DurationMS int64       `json:"duration_ms"`
	Error      string      `json:"error,omitempty"`
}

// Handler turns sync results into dashboard messages. It implements
// ledgersync.Observer.
type Handler struct {
	server *Server
	logger *slog.Logger

	mu   sync.Mutex
	last map[schema.Kind]SyncData
}

var _ ledgersync.Observer = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = server.logger
	}
	return &Handler{
		server: server,
		logger: logger,
		last:   make(map[schema.Kind]SyncData),
	}
}

// OnLedgerSynced broadcasts a sync_complete message.
func (h *Handler) OnLedgerSynced(res ledgersync.Result) {
	h.publish(MessageTypeSyncComplete, syncData(res, nil))
}

// OnLedgerFailed broadcasts a sync_failed message.
func (h *Handler) OnLedgerFailed(res ledgersync.Result, err error) {
	h.publish(MessageTypeSyncFailed, syncData(res, err))
}

// Last returns the most recent result per kind.
func (h *Handler) Last() map[schema.Kind]SyncData {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[schema.Kind]SyncData, len(h.last))
	for k, v := range h.last {
		out[k] = v
	}
	return out
}

func (h *Handler) publish(typ MessageType, data SyncData) {
	h.mu.Lock()
	h.last[data.Kind] = data
	h.mu.Unlock()

	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal sync data", "error", err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      raw,
	})
}

func syncData(res ledgersync.Result, err error) SyncData {
	d := SyncData{
		Kind:       res.Kind,
		RunID:      res.RunID,
		Items:      res.Items,
		Skipped:    res.Skipped,
		Pages:      res.Pages,
		DurationMS: res.Duration.Milliseconds(),
	}
	if err != nil {
		d.Error = err.Error()
	}
	return d
}
