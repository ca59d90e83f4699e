// Package relay implements the server-side fan-out hub. It owns no
// editing logic: per room it tracks connected replicas, routes updates
// between them, answers state-vector handshakes from its authoritative
// merged doc, and feeds the debounced persistence pipeline.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/codeshare/collab/pkg/document"
	"github.com/codeshare/collab/pkg/persist"
	"github.com/codeshare/collab/pkg/protocol"
)

type Settings struct {
	// JWTSecret enables HMAC verification of identity tokens; empty
	// means tokens are parsed but trusted as verified upstream.
	JWTSecret []byte

	AwarenessTimeout       time.Duration
	AwarenessSweepInterval time.Duration

	// SendBuffer is the per-connection outbound queue length; a
	// connection that falls this far behind is dropped.
	SendBuffer   int
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Debounce persist.DebouncerSettings
}

func DefaultSettings() Settings {
	return Settings{
		AwarenessTimeout:       30 * time.Second,
		AwarenessSweepInterval: 10 * time.Second,
		SendBuffer:             64,
		PingInterval:           10 * time.Second,
		ReadTimeout:            30 * time.Second,
		WriteTimeout:           5 * time.Second,
		Debounce:               persist.DefaultDebouncerSettings(),
	}
}

// Hub multiplexes rooms. Rooms are independent: each has its own event
// loop goroutine, so cross-room traffic runs in parallel while order
// inside a room is preserved.
type Hub struct {
	ctx      context.Context
	store    persist.Store
	settings Settings
	metrics  *Metrics

	mu    sync.Mutex
	rooms map[string]*room
	wg    sync.WaitGroup

	upgrader websocket.Upgrader
}

// NewHub creates a hub. store may be nil for a purely in-memory relay.
func NewHub(ctx context.Context, store persist.Store, settings Settings, metrics *Metrics) *Hub {
	if settings.AwarenessTimeout <= 0 {
		settings.AwarenessTimeout = DefaultSettings().AwarenessTimeout
	}
	if settings.AwarenessSweepInterval <= 0 {
		settings.AwarenessSweepInterval = DefaultSettings().AwarenessSweepInterval
	}
	if settings.SendBuffer <= 0 {
		settings.SendBuffer = DefaultSettings().SendBuffer
	}
	if settings.PingInterval <= 0 {
		settings.PingInterval = DefaultSettings().PingInterval
	}
	if settings.ReadTimeout <= 0 {
		settings.ReadTimeout = DefaultSettings().ReadTimeout
	}
	if settings.WriteTimeout <= 0 {
		settings.WriteTimeout = DefaultSettings().WriteTimeout
	}
	return &Hub{
		ctx:      ctx,
		store:    store,
		settings: settings,
		metrics:  metrics,
		rooms:    map[string]*room{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Routes attaches the hub's endpoints to a router.
func (h *Hub) Routes(r *mux.Router) {
	r.Methods(http.MethodGet).Path("/rooms/{room}/sync").HandlerFunc(h.handleSync)
	r.Methods(http.MethodGet).Path("/rooms/{room}/latest").HandlerFunc(h.handleLatest)
	r.Methods(http.MethodGet).Path("/rooms/{room}/snapshots").HandlerFunc(h.handleSnapshots)
}

// Wait blocks until every room loop has shut down after the hub's
// context is cancelled. Rooms flush their final snapshots on the way
// out.
func (h *Hub) Wait() {
	h.wg.Wait()
}

// roomFor returns the running room, booting it from the latest durable
// snapshot if the store has one.
func (h *Hub) roomFor(id string) (*room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rm, ok := h.rooms[id]; ok {
		return rm, nil
	}

	var doc *document.Doc
	if h.store != nil {
		content, err := h.store.Latest(h.ctx, id)
		switch {
		case err == nil:
			if doc, err = document.Load(content, "relay:"+id); err != nil {
				return nil, fmt.Errorf("failed to load room snapshot: %w", err)
			}
			slog.Info("restored room from snapshot", "room", id)
		case errors.Is(err, persist.ErrNoSnapshot):
		default:
			return nil, fmt.Errorf("failed to read latest snapshot: %w", err)
		}
	}
	if doc == nil {
		var err error
		if doc, err = document.New("relay:" + id); err != nil {
			return nil, fmt.Errorf("failed to seed room doc: %w", err)
		}
		slog.Info("seeded new room", "room", id)
	}

	var deb *persist.Debouncer
	if h.store != nil {
		deb = persist.NewDebouncer(h.ctx, h.store, id, doc.Save, h.settings.Debounce)
		metrics := h.metrics
		deb.OnResult(func(res persist.WriteResult) {
			if res.Err != nil {
				metrics.SnapshotWrites.WithLabelValues(id, "error").Inc()
				return
			}
			metrics.SnapshotWrites.WithLabelValues(id, "ok").Inc()
			slog.Info("persisted snapshot", "room", id, "ref", res.Ref.ID)
		})
	}

	rm := newRoom(id, doc, deb, h.settings, h.metrics)
	h.rooms[id] = rm
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		rm.run(h.ctx)
	}()
	return rm, nil
}

func (h *Hub) handleSync(w http.ResponseWriter, r *http.Request) {
	identity, err := identityFromRequest(r, h.settings.JWTSecret)
	if err != nil {
		slog.Info("rejecting unauthenticated sync", "url", r.URL.Path, "err", err)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	rm, err := h.roomFor(mux.Vars(r)["room"])
	if err != nil {
		slog.Error("failed to open room", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}

	c := newConn(uuid.NewString(), identity, rm.id, sock, rm.doc.NewSyncState(), h.settings.SendBuffer)
	select {
	case rm.join <- c:
	case <-h.ctx.Done():
		_ = sock.Close()
		return
	}

	go c.writePump(h.settings.PingInterval, h.settings.WriteTimeout)
	h.readPump(rm, c)
}

// readPump runs on the handler goroutine, feeding frames to the room
// loop until the connection dies, then deregisters it.
func (h *Hub) readPump(rm *room, c *conn) {
	defer func() {
		select {
		case rm.leave <- c:
		case <-h.ctx.Done():
		}
	}()
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(h.settings.ReadTimeout))
	})
	_ = c.sock.SetReadDeadline(time.Now().Add(h.settings.ReadTimeout))
	for {
		e, err := protocol.Read(c.sock)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				slog.Error("dropping malformed frame", "room", rm.id, "conn", c.id, "err", err)
				continue
			}
			return
		}
		_ = c.sock.SetReadDeadline(time.Now().Add(h.settings.ReadTimeout))
		select {
		case rm.inbound <- inboundMsg{c: c, e: e}:
		case <-c.done:
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// handleLatest serves the room's current merged doc, the bootstrap
// fetch a replica does before its first sync.
func (h *Hub) handleLatest(w http.ResponseWriter, r *http.Request) {
	rm, err := h.roomFor(mux.Vars(r)["room"])
	if err != nil {
		slog.Error("failed to open room", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/octet-stream")
	if _, err := w.Write(rm.doc.Save()); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

// handleSnapshots lists the room's persisted snapshot history in
// creation order, for history/restore readers.
func (h *Hub) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	refs, err := h.store.List(r.Context(), mux.Vars(r)["room"])
	if err != nil {
		slog.Error("failed to list snapshots", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(refs); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}
