// Package hub tracks active realtime client channels by id and pushes
// JSON-encoded events to them. Push failures are recovered locally by
// dropping the connection; they are never surfaced to the business
// logic that asked for the push.
package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/avabot/avatard/internal/metrics"
)

// Conn is the minimal channel handle the hub needs. *websocket.Conn
// satisfies it; tests supply fakes.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Info records connection metadata. It outlives the connection so
// diagnostics can observe disconnects.
type Info struct {
	ConnectedAt    time.Time  `json:"connected_at"`
	Status         string     `json:"status"` // connected | disconnected
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

// Handle identifies one registration of a connection. It carries the
// write lock because gorilla connections do not tolerate concurrent
// writers.
type Handle struct {
	conn Conn
	mu   sync.Mutex
}

func (e *Handle) write(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.WriteMessage(websocket.TextMessage, data)
}

// maxDisconnectedInfo bounds the metadata kept for clients that are no
// longer connected; the oldest records are evicted beyond this.
const maxDisconnectedInfo = 256

// Hub is the connection registry.
type Hub struct {
	mu     sync.RWMutex
	active map[string]*Handle
	info   map[string]*Info
	logger zerolog.Logger
}

// New creates an empty hub.
func New(logger zerolog.Logger) *Hub {
	return &Hub{
		active: make(map[string]*Handle),
		info:   make(map[string]*Info),
		logger: logger.With().Str("component", "hub").Logger(),
	}
}

// Connect registers conn under id and returns the handle for that
// registration. A prior connection under the same id is closed before
// being replaced so superseded channels never leak; the handler serving
// it must pass its own handle to Disconnect so that its teardown cannot
// remove the replacement.
func (h *Hub) Connect(conn Conn, id string) *Handle {
	e := &Handle{conn: conn}
	h.mu.Lock()
	prev := h.active[id]
	h.active[id] = e
	h.info[id] = &Info{ConnectedAt: time.Now(), Status: "connected"}
	h.mu.Unlock()

	if prev != nil {
		_ = prev.conn.Close()
		h.logger.Debug().Str("client", id).Msg("Replaced existing connection")
	}

	metrics.ActiveConnections.Set(float64(h.Count()))
	h.logger.Info().Str("client", id).Msg("Client connected")
	return e
}

// Disconnect removes id from the active set, but only while it is still
// registered to handle; a stale handle from a superseded connection is
// a no-op. A nil handle removes whatever is registered. Idempotent:
// disconnecting an unknown or already-disconnected id does nothing.
func (h *Hub) Disconnect(id string, handle *Handle) {
	h.mu.Lock()
	e, ok := h.active[id]
	if ok && handle != nil && e != handle {
		h.mu.Unlock()
		return
	}
	if ok {
		delete(h.active, id)
	}
	if info, exists := h.info[id]; exists && info.Status == "connected" {
		now := time.Now()
		info.Status = "disconnected"
		info.DisconnectedAt = &now
	}
	h.pruneInfoLocked()
	h.mu.Unlock()

	if ok {
		_ = e.conn.Close()
		metrics.ActiveConnections.Set(float64(h.Count()))
		h.logger.Info().Str("client", id).Msg("Client disconnected")
	}
}

// pruneInfoLocked evicts the oldest disconnected metadata records once
// more than maxDisconnectedInfo of them have piled up. Caller holds
// h.mu.
func (h *Hub) pruneInfoLocked() {
	excess := 0
	for id, info := range h.info {
		if _, connected := h.active[id]; !connected && info.Status == "disconnected" {
			excess++
		}
	}
	for excess > maxDisconnectedInfo {
		var oldestID string
		var oldest time.Time
		for id, info := range h.info {
			if _, connected := h.active[id]; connected || info.Status != "disconnected" {
				continue
			}
			if info.DisconnectedAt == nil {
				oldestID = id
				break
			}
			if oldestID == "" || info.DisconnectedAt.Before(oldest) {
				oldestID = id
				oldest = *info.DisconnectedAt
			}
		}
		if oldestID == "" {
			return
		}
		delete(h.info, oldestID)
		excess--
	}
}

// Send unicasts v as JSON to id. A failed write drops the connection;
// the error is swallowed because pushes are fire-and-forget.
func (h *Hub) Send(id string, v interface{}) {
	h.mu.RLock()
	e, ok := h.active[id]
	h.mu.RUnlock()
	if !ok {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Str("client", id).Msg("Failed to encode push message")
		return
	}

	if err := e.write(data); err != nil {
		h.logger.Warn().Err(err).Str("client", id).Msg("Push failed, dropping connection")
		metrics.DroppedPushes.Inc()
		h.Disconnect(id, e)
	}
}

// Broadcast sends v as JSON to every active connection. The id set is
// snapshotted first; connections whose write fails are disconnected
// only after the full iteration completes.
func (h *Hub) Broadcast(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode broadcast message")
		return
	}

	h.mu.RLock()
	snapshot := make(map[string]*Handle, len(h.active))
	for id, e := range h.active {
		snapshot[id] = e
	}
	h.mu.RUnlock()

	failed := make(map[string]*Handle)
	for id, e := range snapshot {
		if err := e.write(data); err != nil {
			failed[id] = e
		}
	}

	for id, e := range failed {
		metrics.DroppedPushes.Inc()
		h.Disconnect(id, e)
	}
}

// Active returns a point-in-time snapshot of active connection ids.
func (h *Hub) Active() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.active))
	for id := range h.active {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of active connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active)
}

// Info returns the metadata recorded for id, or nil if never seen.
func (h *Hub) ConnectionInfo(id string) *Info {
	h.mu.RLock()
	defer h.mu.RUnlock()
	info, ok := h.info[id]
	if !ok {
		return nil
	}
	cp := *info
	return &cp
}
