package relay

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/codeshare/collab/pkg/awareness"
	"github.com/codeshare/collab/pkg/document"
	"github.com/codeshare/collab/pkg/persist"
	"github.com/codeshare/collab/pkg/protocol"
)

type inboundMsg struct {
	c *conn
	e *protocol.Envelope
}

type awarenessEntry struct {
	rec      awareness.Record
	lastSeen time.Time
}

// room owns all mutable state for one document: the authoritative doc,
// the connection set, and the last-known awareness records. Everything
// is mutated from the single run loop, so no locks are needed; other
// goroutines talk to the room through its channels.
type room struct {
	id       string
	settings Settings
	metrics  *Metrics

	doc *document.Doc
	deb *persist.Debouncer

	join    chan *conn
	leave   chan *conn
	inbound chan inboundMsg

	conns    map[*conn]bool
	presence map[string]awarenessEntry
}

func newRoom(id string, doc *document.Doc, deb *persist.Debouncer, settings Settings, metrics *Metrics) *room {
	return &room{
		id:       id,
		settings: settings,
		metrics:  metrics,
		doc:      doc,
		deb:      deb,
		join:     make(chan *conn),
		leave:    make(chan *conn),
		inbound:  make(chan inboundMsg),
		conns:    map[*conn]bool{},
		presence: map[string]awarenessEntry{},
	}
}

func (r *room) run(ctx context.Context) {
	sweep := time.NewTicker(r.settings.AwarenessSweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			for c := range r.conns {
				c.close()
			}
			if r.deb != nil {
				if err := r.deb.Flush(context.Background()); err != nil {
					slog.Error("final snapshot flush failed", "room", r.id, "err", err)
				}
				r.deb.Close()
			}
			return
		case c := <-r.join:
			r.handleJoin(c)
		case c := <-r.leave:
			r.handleLeave(c)
		case m := <-r.inbound:
			r.handleMessage(m.c, m.e)
		case <-sweep.C:
			r.expirePresence()
		}
	}
}

func (r *room) handleJoin(c *conn) {
	r.conns[c] = true
	r.metrics.Connections.WithLabelValues(r.id).Inc()
	slog.Info("replica joined", "room", r.id, "conn", c.id, "identity", c.identity, "total", len(r.conns))

	// bring the newcomer up to date on who is here
	for _, entry := range r.presence {
		rec := entry.rec
		r.sendTo(c, &protocol.Envelope{Type: protocol.TypeAwareness, Room: r.id, Awareness: &rec})
	}
	r.sendTo(c, &protocol.Envelope{Type: protocol.TypePresenceChanged, Room: r.id, Present: r.presentIDs()})
}

func (r *room) handleLeave(c *conn) {
	if !r.conns[c] {
		return
	}
	delete(r.conns, c)
	c.close()
	r.metrics.Connections.WithLabelValues(r.id).Dec()
	slog.Info("replica left", "room", r.id, "conn", c.id, "total", len(r.conns))
	// the awareness record stays until the expiry timeout: the replica
	// may be reconnecting, and abrupt drops carry no leave message anyway
}

func (r *room) handleMessage(c *conn, e *protocol.Envelope) {
	r.metrics.MessagesReceived.WithLabelValues(r.id, string(e.Type)).Inc()
	switch e.Type {
	case protocol.TypeSyncStep:
		r.handleSyncStep(c, e)
	case protocol.TypeUpdate:
		if err := r.doc.ApplyRemoteUpdate(e.Payload); err != nil {
			slog.Error("dropping malformed update", "room", r.id, "conn", c.id, "err", err)
			return
		}
		r.broadcast(c, &protocol.Envelope{Type: protocol.TypeUpdate, Room: r.id, Payload: e.Payload})
		if r.deb != nil {
			r.deb.Notify()
		}
	case protocol.TypeAwareness:
		r.handleAwareness(c, e)
	default:
		slog.Info("ignoring unexpected message", "room", r.id, "conn", c.id, "type", e.Type)
	}
}

// handleSyncStep advances the sync handshake for one connection. The
// reply contains exactly the changes the replica's state vector says it
// is missing, never the full history. Changes the replica brought with
// it are merged and fanned out to everyone else. A replica that is
// missing nothing still gets an empty-payload acknowledgement, so every
// handshake round terminates with a frame.
func (r *room) handleSyncStep(c *conn, e *protocol.Envelope) {
	newChanges, err := r.doc.ReceiveSyncMessage(c.ss, e.Payload)
	if err != nil {
		slog.Error("dropping malformed sync message", "room", r.id, "conn", c.id, "err", err)
		return
	}
	sent := 0
	for {
		payload, valid := r.doc.GenerateSyncMessage(c.ss)
		if !valid {
			break
		}
		r.sendTo(c, &protocol.Envelope{Type: protocol.TypeSyncStep, Room: r.id, Payload: payload})
		sent++
	}
	if sent == 0 {
		r.sendTo(c, &protocol.Envelope{Type: protocol.TypeSyncStep, Room: r.id})
	}
	if len(newChanges) > 0 {
		r.broadcast(c, &protocol.Envelope{Type: protocol.TypeUpdate, Room: r.id, Payload: newChanges})
		if r.deb != nil {
			r.deb.Notify()
		}
	}
}

func (r *room) handleAwareness(c *conn, e *protocol.Envelope) {
	rec := *e.Awareness
	existing, known := r.presence[rec.ReplicaID]
	if known && rec.Clock < existing.rec.Clock {
		return
	}
	r.presence[rec.ReplicaID] = awarenessEntry{rec: rec, lastSeen: time.Now()}
	r.broadcast(c, &protocol.Envelope{Type: protocol.TypeAwareness, Room: r.id, Awareness: &rec})
	if !known {
		r.broadcastPresence()
	}
}

func (r *room) expirePresence() {
	cutoff := time.Now().Add(-r.settings.AwarenessTimeout)
	var expired []string
	for id, entry := range r.presence {
		if entry.lastSeen.Before(cutoff) {
			expired = append(expired, id)
			delete(r.presence, id)
		}
	}
	if len(expired) == 0 {
		return
	}
	r.metrics.AwarenessExpired.WithLabelValues(r.id).Add(float64(len(expired)))
	slog.Info("expired stale presence", "room", r.id, "replicas", expired)
	r.broadcastPresence()
}

func (r *room) presentIDs() []string {
	ids := make([]string, 0, len(r.presence))
	for id := range r.presence {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *room) broadcastPresence() {
	present := r.presentIDs()
	for c := range r.conns {
		r.sendTo(c, &protocol.Envelope{Type: protocol.TypePresenceChanged, Room: r.id, Present: present})
	}
}

// broadcast sends to every connection except from, isolating failures:
// a connection that cannot keep up is dropped, the rest are unaffected.
func (r *room) broadcast(from *conn, e *protocol.Envelope) {
	for c := range r.conns {
		if c == from {
			continue
		}
		r.sendTo(c, e)
	}
}

func (r *room) sendTo(c *conn, e *protocol.Envelope) {
	if c.trySend(e) {
		r.metrics.MessagesSent.WithLabelValues(r.id, string(e.Type)).Inc()
		return
	}
	slog.Info("send buffer full, dropping connection", "room", r.id, "conn", c.id)
	r.handleLeave(c)
}
