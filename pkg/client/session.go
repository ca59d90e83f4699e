// Package client implements the replica side of the sync engine: the
// websocket transport to the relay, the connection lifecycle state
// machine with backoff-reconnect, and the queue that keeps local edits
// safe across disconnects.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"github.com/codeshare/collab/pkg/awareness"
	"github.com/codeshare/collab/pkg/document"
	"github.com/codeshare/collab/pkg/protocol"
)

type SessionSettings struct {
	// URL is the relay sync endpoint for the room, ws:// or wss://.
	URL string
	// Room partitions relay state; opaque to the engine.
	Room string
	// Token is the identity issued by the auth collaborator. The relay
	// rejects connections without one.
	Token string

	Backoff          BackoffSettings
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	// AwarenessSweepInterval is how often stale remote awareness records
	// are expired locally. The sweep runs for the life of the session,
	// so ghosts fade even while disconnected.
	AwarenessSweepInterval time.Duration
}

func DefaultSessionSettings(url, room, token string) SessionSettings {
	return SessionSettings{
		URL:              url,
		Room:             room,
		Token:            token,
		Backoff:          DefaultBackoffSettings(),
		HandshakeTimeout: 5 * time.Second,
		PingInterval:     10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      30 * time.Second,

		AwarenessSweepInterval: 10 * time.Second,
	}
}

// Session owns one replica's connection to the relay. Local edits are
// applied to the document by the caller and handed to Broadcast; they
// reach the relay immediately while synced and queue in order while
// disconnected. Remote traffic is dispatched to the document and the
// awareness store as it arrives.
type Session struct {
	doc      *document.Doc
	aw       *awareness.Store
	settings SessionSettings

	mu             sync.Mutex
	status         Status
	statusObs      []func(Status)
	pending        []document.Update
	awarenessDirty bool
	wake           chan struct{}
}

func NewSession(doc *document.Doc, aw *awareness.Store, settings SessionSettings) *Session {
	if settings.HandshakeTimeout <= 0 {
		settings.HandshakeTimeout = 5 * time.Second
	}
	if settings.PingInterval <= 0 {
		settings.PingInterval = 10 * time.Second
	}
	if settings.WriteTimeout <= 0 {
		settings.WriteTimeout = 5 * time.Second
	}
	if settings.ReadTimeout <= 0 {
		settings.ReadTimeout = 30 * time.Second
	}
	if settings.AwarenessSweepInterval <= 0 {
		settings.AwarenessSweepInterval = 10 * time.Second
	}
	return &Session{
		doc:      doc,
		aw:       aw,
		settings: settings,
		status:   StatusDisconnected,
		wake:     make(chan struct{}, 1),
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// OnStatus registers an observer for every lifecycle transition.
func (s *Session) OnStatus(fn func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusObs = append(s.statusObs, fn)
}

// Broadcast hands an Update produced by a local edit to the transport.
// It never blocks: while disconnected the update is queued and replayed
// in creation order once the session is synced again.
func (s *Session) Broadcast(u document.Update) {
	if len(u) == 0 {
		return
	}
	s.mu.Lock()
	s.pending = append(s.pending, u)
	s.mu.Unlock()
	s.wakeWriter()
}

// Pending reports how many updates are queued for transmission.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// SetAwareness updates the local presence state and schedules coalesced
// propagation: only the latest state is ever on the wire.
func (s *Session) SetAwareness(state awareness.State) {
	s.aw.SetLocalState(state)
	s.mu.Lock()
	s.awarenessDirty = true
	s.mu.Unlock()
	s.wakeWriter()
}

// Run drives the connect/sync/reconnect loop until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	go s.sweepAwareness(ctx)
	backoff := NewBackoff(s.settings.Backoff)
	for {
		if ctx.Err() != nil {
			s.setStatus(StatusDisconnected)
			return
		}
		s.setStatus(StatusConnecting)
		err := s.runConn(ctx, backoff)
		if ctx.Err() != nil {
			s.setStatus(StatusDisconnected)
			return
		}
		s.setStatus(StatusDisconnected)
		delay := backoff.Next()
		slog.Info("connection lost, backing off", "room", s.settings.Room, "delay", delay, "err", err)
		select {
		case <-ctx.Done():
			s.setStatus(StatusDisconnected)
			return
		case <-time.After(delay):
		}
	}
}

// sweepAwareness expires remote records that have gone quiet, so a
// collaborator whose relay dropped off doesn't linger as a ghost cursor.
func (s *Session) sweepAwareness(ctx context.Context) {
	sweep := time.NewTicker(s.settings.AwarenessSweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if expired := s.aw.Expire(); len(expired) > 0 {
				slog.Info("expired stale awareness", "room", s.settings.Room, "replicas", expired)
			}
		}
	}
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	observers := make([]func(Status), len(s.statusObs))
	copy(observers, s.statusObs)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(status)
	}
}

func (s *Session) wakeWriter() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// runConn dials, runs the state-vector handshake, and pumps traffic
// until the connection dies. A nil error never happens; the return is
// always the reason the connection ended.
func (s *Session) runConn(ctx context.Context, backoff *Backoff) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = s.settings.HandshakeTimeout
	header := http.Header{}
	if s.settings.Token != "" {
		header.Set("Authorization", "Bearer "+s.settings.Token)
	}
	conn, resp, err := dialer.DialContext(ctx, s.settings.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to dial (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()

	ss := s.doc.NewSyncState()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))

	// open with our state vector so the relay can compute the delta
	if err := s.sendSyncSteps(conn, ss); err != nil {
		return err
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := new(sync.WaitGroup)
	errs := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		defer conn.Close()
		errs <- s.readPump(conn, ss, backoff)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		defer conn.Close()
		errs <- s.writePump(connCtx, conn, ss)
	}()

	wg.Wait()
	return <-errs
}

// sendSyncSteps drains and transmits everything the sync state has to
// say right now.
func (s *Session) sendSyncSteps(conn *websocket.Conn, ss *automerge.SyncState) error {
	for {
		payload, valid := s.doc.GenerateSyncMessage(ss)
		if !valid {
			return nil
		}
		_ = conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
		if err := protocol.Write(conn, &protocol.Envelope{
			Type:    protocol.TypeSyncStep,
			Room:    s.settings.Room,
			Payload: payload,
		}); err != nil {
			return err
		}
	}
}

func (s *Session) readPump(conn *websocket.Conn, ss *automerge.SyncState, backoff *Backoff) error {
	for {
		e, err := protocol.Read(conn)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				slog.Error("dropping malformed frame", "room", s.settings.Room, "err", err)
				continue
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
		switch e.Type {
		case protocol.TypeSyncStep:
			// an empty payload is the relay acknowledging that we are
			// missing nothing; it carries no sync state to feed in
			if len(e.Payload) > 0 {
				if _, err := s.doc.ReceiveSyncMessage(ss, e.Payload); err != nil {
					slog.Error("dropping malformed sync message", "room", s.settings.Room, "err", err)
					continue
				}
			}
			// the relay has answered our state vector; anything still
			// missing flows in the rounds the write pump sends back
			if s.Status() == StatusConnecting {
				backoff.Reset()
				s.setStatus(StatusSynced)
			}
			s.wakeWriter()
		case protocol.TypeUpdate:
			if err := s.doc.ApplyRemoteUpdate(e.Payload); err != nil {
				slog.Error("dropping malformed update", "room", s.settings.Room, "err", err)
			}
		case protocol.TypeAwareness:
			if e.Awareness != nil {
				s.aw.ApplyRemote(*e.Awareness)
			}
		case protocol.TypePresenceChanged:
			s.prunePresence(e.Present)
		}
	}
}

// prunePresence removes awareness records for replicas the relay no
// longer lists as present.
func (s *Session) prunePresence(present []string) {
	live := make(map[string]bool, len(present))
	for _, id := range present {
		live[id] = true
	}
	for _, rec := range s.aw.Records() {
		if rec.ReplicaID == s.aw.LocalID() {
			continue
		}
		if !live[rec.ReplicaID] {
			s.aw.Remove(rec.ReplicaID)
		}
	}
}

func (s *Session) writePump(ctx context.Context, conn *websocket.Conn, ss *automerge.SyncState) error {
	ping := time.NewTicker(s.settings.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("failed to ping: %w", err)
			}
			// periodic re-send of the local record doubles as the
			// liveness heartbeat that keeps it from expiring
			s.mu.Lock()
			s.awarenessDirty = true
			s.mu.Unlock()
			s.wakeWriter()
		case <-s.wake:
			if err := s.drain(conn, ss); err != nil {
				return err
			}
		}
	}
}

// drain sends pending sync rounds, queued updates, and the coalesced
// awareness state, in that order.
func (s *Session) drain(conn *websocket.Conn, ss *automerge.SyncState) error {
	if err := s.sendSyncSteps(conn, ss); err != nil {
		return err
	}
	for {
		s.mu.Lock()
		if s.status != StatusSynced || len(s.pending) == 0 {
			s.mu.Unlock()
			break
		}
		u := s.pending[0]
		s.mu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
		if err := protocol.Write(conn, &protocol.Envelope{
			Type:    protocol.TypeUpdate,
			Room:    s.settings.Room,
			Payload: u,
		}); err != nil {
			// the update stays queued; idempotent apply makes an
			// eventual duplicate send harmless
			return err
		}
		s.mu.Lock()
		s.pending = s.pending[1:]
		s.mu.Unlock()
	}

	s.mu.Lock()
	dirty := s.awarenessDirty && s.status == StatusSynced
	if dirty {
		s.awarenessDirty = false
	}
	s.mu.Unlock()
	if dirty {
		if rec, ok := s.aw.LocalRecord(); ok {
			_ = conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			if err := protocol.Write(conn, &protocol.Envelope{
				Type:      protocol.TypeAwareness,
				Room:      s.settings.Room,
				Awareness: &rec,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
