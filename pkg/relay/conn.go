package relay

import (
	"log/slog"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"github.com/codeshare/collab/pkg/protocol"
)

// conn is one connected replica. Writes go through a buffered channel
// drained by a dedicated pump, so a slow or dead connection never
// blocks the room loop or fan-out to its peers; when the buffer fills
// the connection is dropped instead.
type conn struct {
	id       string
	identity string
	room     string
	sock     *websocket.Conn
	ss       *automerge.SyncState

	send chan []byte
	done chan struct{}
}

func newConn(id, identity, room string, sock *websocket.Conn, ss *automerge.SyncState, sendBuffer int) *conn {
	return &conn{
		id:       id,
		identity: identity,
		room:     room,
		sock:     sock,
		ss:       ss,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

// trySend queues an envelope without blocking. It reports false when
// the connection's buffer is full, which the room treats as a dead
// connection.
func (c *conn) trySend(e *protocol.Envelope) bool {
	raw, err := protocol.Encode(e)
	if err != nil {
		slog.Error("failed to encode outbound message", "conn", c.id, "err", err)
		return true
	}
	select {
	case c.send <- raw:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

// close makes the write pump drain out and the socket shut down. Safe
// to call once, from the room loop only.
func (c *conn) close() {
	close(c.done)
}

// writePump owns all writes to the socket, including keepalive pings.
func (c *conn) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.sock.Close()
	for {
		select {
		case <-c.done:
			return
		case raw := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.sock.WriteMessage(websocket.TextMessage, raw); err != nil {
				slog.Info("write failed, dropping connection", "conn", c.id, "err", err)
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
