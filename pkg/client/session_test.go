package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeshare/collab/pkg/awareness"
	"github.com/codeshare/collab/pkg/document"
	"github.com/codeshare/collab/pkg/protocol"
)

// stubRelay is a single-room in-process relay speaking the real wire
// protocol, enough to exercise the session end to end.
type stubRelay struct {
	t   *testing.T
	doc *document.Doc

	mu        sync.Mutex
	conns     int
	updates   int
	awareness []awareness.Record
	// dropConns holds connection ordinals to close right after the
	// first sync round, simulating an abrupt network failure.
	dropConns map[int]bool
}

func newStubRelay(t *testing.T) *stubRelay {
	doc, err := document.New("relay")
	require.NoError(t, err)
	return &stubRelay{t: t, doc: doc, dropConns: map[int]bool{}}
}

func (r *stubRelay) handler(w http.ResponseWriter, req *http.Request) {
	if !strings.HasPrefix(req.Header.Get("Authorization"), "Bearer ") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, req, nil)
	require.NoError(r.t, err)
	defer conn.Close()

	r.mu.Lock()
	r.conns++
	ordinal := r.conns
	r.mu.Unlock()

	ss := r.doc.NewSyncState()
	for {
		e, err := protocol.Read(conn)
		if err != nil {
			return
		}
		switch e.Type {
		case protocol.TypeSyncStep:
			if _, err := r.doc.ReceiveSyncMessage(ss, e.Payload); err != nil {
				return
			}
			sent := 0
			for {
				payload, valid := r.doc.GenerateSyncMessage(ss)
				if !valid {
					break
				}
				if err := protocol.Write(conn, &protocol.Envelope{
					Type:    protocol.TypeSyncStep,
					Room:    e.Room,
					Payload: payload,
				}); err != nil {
					return
				}
				sent++
			}
			if sent == 0 {
				if err := protocol.Write(conn, &protocol.Envelope{Type: protocol.TypeSyncStep, Room: e.Room}); err != nil {
					return
				}
			}
			r.mu.Lock()
			drop := r.dropConns[ordinal]
			r.mu.Unlock()
			if drop {
				return
			}
		case protocol.TypeUpdate:
			if err := r.doc.ApplyRemoteUpdate(e.Payload); err == nil {
				r.mu.Lock()
				r.updates++
				r.mu.Unlock()
			}
		case protocol.TypeAwareness:
			r.mu.Lock()
			r.awareness = append(r.awareness, *e.Awareness)
			r.mu.Unlock()
		}
	}
}

func (r *stubRelay) text() string {
	text, err := r.doc.Text()
	require.NoError(r.t, err)
	return text
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testSession(t *testing.T, relay *stubRelay, url string) (*Session, *document.Doc) {
	doc, err := document.Load(relay.doc.Save(), "client-a")
	require.NoError(t, err)
	aw := awareness.NewStore("client-a", awareness.DefaultStoreSettings())
	settings := DefaultSessionSettings(url, "room-1", "test-token")
	settings.Backoff = BackoffSettings{
		Initial:    10 * time.Millisecond,
		Max:        50 * time.Millisecond,
		Multiplier: 2,
		Jitter:     0,
		Rand:       func() float64 { return 0 },
	}
	return NewSession(doc, aw, settings), doc
}

func TestSessionSyncsBacklogOnConnect(t *testing.T) {
	relay := newStubRelay(t)
	srv := httptest.NewServer(http.HandlerFunc(relay.handler))
	defer srv.Close()

	// bootstrap the client first, then grow a backlog it has not seen
	sess, doc := testSession(t, relay, wsURL(srv))
	_, err := relay.doc.ApplyLocalEdit(0, 0, "hello")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	require.Eventually(t, func() bool {
		return sess.Status() == StatusSynced
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		text, err := doc.Text()
		return err == nil && text == "hello"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionSyncsWhenAlreadyCurrent(t *testing.T) {
	relay := newStubRelay(t)
	srv := httptest.NewServer(http.HandlerFunc(relay.handler))
	defer srv.Close()

	// the client starts from the relay's exact state, so the handshake
	// has no delta to exchange in either direction
	sess, _ := testSession(t, relay, wsURL(srv))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	require.Eventually(t, func() bool {
		return sess.Status() == StatusSynced
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionBroadcastsLocalEdits(t *testing.T) {
	relay := newStubRelay(t)
	srv := httptest.NewServer(http.HandlerFunc(relay.handler))
	defer srv.Close()

	sess, doc := testSession(t, relay, wsURL(srv))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	require.Eventually(t, func() bool {
		return sess.Status() == StatusSynced
	}, 2*time.Second, 10*time.Millisecond)

	u, err := doc.ApplyLocalEdit(0, 0, "typed live")
	require.NoError(t, err)
	sess.Broadcast(u)

	require.Eventually(t, func() bool {
		return relay.text() == "typed live"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, sess.Pending())
}

func TestSessionNoLossOnDisconnect(t *testing.T) {
	relay := newStubRelay(t)
	relay.dropConns[1] = true
	srv := httptest.NewServer(http.HandlerFunc(relay.handler))
	defer srv.Close()

	sess, doc := testSession(t, relay, wsURL(srv))

	var mu sync.Mutex
	var transitions []Status
	sess.OnStatus(func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, s)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	// wait for the first connection to be dropped
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range transitions {
			if s == StatusDisconnected {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// edits while offline apply locally right away and queue for later
	u, err := doc.ApplyLocalEdit(0, 0, "abc")
	require.NoError(t, err)
	sess.Broadcast(u)
	text, err := doc.Text()
	require.NoError(t, err)
	assert.Equal(t, "abc", text)

	// the reconnect replays them to the relay
	require.Eventually(t, func() bool {
		return relay.text() == "abc"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSessionSendsCoalescedAwareness(t *testing.T) {
	relay := newStubRelay(t)
	srv := httptest.NewServer(http.HandlerFunc(relay.handler))
	defer srv.Close()

	sess, _ := testSession(t, relay, wsURL(srv))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	require.Eventually(t, func() bool {
		return sess.Status() == StatusSynced
	}, 2*time.Second, 10*time.Millisecond)

	sess.SetAwareness(awareness.State{Name: "Ada", Cursor: 1})
	sess.SetAwareness(awareness.State{Name: "Ada", Cursor: 2})

	require.Eventually(t, func() bool {
		relay.mu.Lock()
		defer relay.mu.Unlock()
		return len(relay.awareness) > 0
	}, 2*time.Second, 10*time.Millisecond)

	relay.mu.Lock()
	defer relay.mu.Unlock()
	last := relay.awareness[len(relay.awareness)-1]
	assert.Equal(t, "client-a", last.ReplicaID)
	assert.Equal(t, 2, last.State.Cursor)
}

func TestSessionExpiresStaleAwarenessWhileDisconnected(t *testing.T) {
	doc, err := document.New("client-a")
	require.NoError(t, err)
	aw := awareness.NewStore("client-a", awareness.StoreSettings{Timeout: 30 * time.Millisecond})
	aw.ApplyRemote(awareness.Record{ReplicaID: "ghost", Clock: 1, State: awareness.State{Name: "Ghost"}})

	// nothing listens on the target; the session never connects, but the
	// sweep still retires records that stopped refreshing
	settings := DefaultSessionSettings("ws://127.0.0.1:1", "room-1", "test-token")
	settings.AwarenessSweepInterval = 10 * time.Millisecond
	settings.Backoff = BackoffSettings{
		Initial:    10 * time.Millisecond,
		Max:        50 * time.Millisecond,
		Multiplier: 2,
		Jitter:     0,
		Rand:       func() float64 { return 0 },
	}
	sess := NewSession(doc, aw, settings)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	require.Eventually(t, func() bool {
		for _, rec := range aw.Records() {
			if rec.ReplicaID == "ghost" {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionRejectedWithoutToken(t *testing.T) {
	relay := newStubRelay(t)
	srv := httptest.NewServer(http.HandlerFunc(relay.handler))
	defer srv.Close()

	sess, _ := testSession(t, relay, wsURL(srv))
	sess.settings.Token = ""
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	sess.Run(ctx)
	assert.Equal(t, StatusDisconnected, sess.Status())
}
