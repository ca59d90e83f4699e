package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeshare/collab/pkg/awareness"
)

func TestEncodeDecodeUpdate(t *testing.T) {
	raw, err := Encode(&Envelope{Type: TypeUpdate, Room: "room-1", Payload: []byte{0x85, 0x6f, 0x4a}})
	require.NoError(t, err)

	e, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeUpdate, e.Type)
	assert.Equal(t, "room-1", e.Room)
	assert.Equal(t, []byte{0x85, 0x6f, 0x4a}, e.Payload)
}

func TestEncodeDecodeAwareness(t *testing.T) {
	rec := &awareness.Record{ReplicaID: "ada", Clock: 7, State: awareness.State{Name: "Ada", Color: "#ff0000", Cursor: 12}}
	raw, err := Encode(&Envelope{Type: TypeAwareness, Room: "room-1", Awareness: rec})
	require.NoError(t, err)

	e, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, e.Awareness)
	assert.Equal(t, "ada", e.Awareness.ReplicaID)
	assert.Equal(t, uint64(7), e.Awareness.Clock)
	assert.Equal(t, 12, e.Awareness.State.Cursor)
}

func TestEmptySyncStepIsValidAck(t *testing.T) {
	raw, err := Encode(&Envelope{Type: TypeSyncStep, Room: "room-1"})
	require.NoError(t, err)

	e, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeSyncStep, e.Type)
	assert.Empty(t, e.Payload)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"telemetry","room":"room-1"}`))
	assert.Error(t, err)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"type":"update","room":"room-1"}`,
		`{"type":"update","payload":"YWJj"}`,
		`{"type":"awareness","room":"room-1"}`,
	} {
		_, err := Decode([]byte(raw))
		assert.Error(t, err, raw)
	}
}

func TestPresenceChangedRoundTrip(t *testing.T) {
	raw, err := Encode(&Envelope{Type: TypePresenceChanged, Room: "room-1", Present: []string{"ada", "grace"}})
	require.NoError(t, err)
	e, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"ada", "grace"}, e.Present)
}
