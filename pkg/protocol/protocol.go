// Package protocol defines the wire envelope exchanged between replicas
// and the relay. Envelopes are JSON over websocket text frames; binary
// automerge payloads ride inside as base64 per encoding/json. The
// format is self-describing: a discriminator type, the room the message
// belongs to, and a type-specific body.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/codeshare/collab/pkg/awareness"
)

// ErrMalformed marks frames that parsed off the wire but are not valid
// envelopes. Receivers drop these and keep the connection; any other
// read error means the connection is gone.
var ErrMalformed = errors.New("malformed envelope")

type Type string

const (
	// TypeSyncStep carries an automerge sync-protocol message: the
	// state-vector handshake on connect and missing-change deltas after.
	// An empty payload is the relay's acknowledgement that the sender is
	// missing nothing.
	TypeSyncStep Type = "sync-step"
	// TypeUpdate carries the incremental changes of one local edit.
	TypeUpdate Type = "update"
	// TypeAwareness carries one replica's presence record.
	TypeAwareness Type = "awareness"
	// TypePresenceChanged is sent by the relay when the set of live
	// replicas in a room changes.
	TypePresenceChanged Type = "presence-changed"
)

type Envelope struct {
	Type Type   `json:"type"`
	Room string `json:"room"`

	// Payload holds sync-step or update bytes.
	Payload []byte `json:"payload,omitempty"`
	// Awareness holds the record for awareness messages.
	Awareness *awareness.Record `json:"awareness,omitempty"`
	// Present lists live replica IDs for presence-changed messages.
	Present []string `json:"present,omitempty"`
}

func (e *Envelope) validate() error {
	switch e.Type {
	case TypeSyncStep:
		// Empty payload is a valid acknowledgement.
	case TypeUpdate:
		if len(e.Payload) == 0 {
			return fmt.Errorf("missing payload for %q message", e.Type)
		}
	case TypeAwareness:
		if e.Awareness == nil {
			return fmt.Errorf("missing awareness record")
		}
	case TypePresenceChanged:
	default:
		return fmt.Errorf("unknown message type %q", e.Type)
	}
	if e.Room == "" {
		return fmt.Errorf("missing room")
	}
	return nil
}

func Encode(e *Envelope) ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, fmt.Errorf("refusing to encode: %w", err)
	}
	return json.Marshal(e)
}

// Decode parses and validates an inbound frame. Callers drop and log on
// error; a malformed frame must never take down a replica or the relay.
func Decode(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := e.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return &e, nil
}

// Write encodes and sends one envelope on a websocket connection.
func Write(conn *websocket.Conn, e *Envelope) error {
	raw, err := Encode(e)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Read blocks for the next text frame and decodes it. Non-text frames
// are skipped; a read error means the connection is gone.
func Read(conn *websocket.Conn) (*Envelope, error) {
	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("failed to read message: %w", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		return Decode(raw)
	}
}
