// Package persist turns the continuous stream of document mutations
// into bounded-frequency durable snapshots. Snapshots are append-only
// and timestamped; later snapshots supersede but never delete earlier
// ones, so the history stays diffable and restorable.
package persist

import (
	"context"
	"errors"
	"time"
)

// ErrNoSnapshot is returned when a room has no persisted state yet.
var ErrNoSnapshot = errors.New("no snapshot")

// A Ref identifies one stored snapshot. IDs are ULIDs minted from the
// snapshot timestamp, so lexical order is creation order.
type Ref struct {
	ID        string    `json:"id"`
	Room      string    `json:"room"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the durable snapshot collaborator. The persistence pipeline
// is the sole writer; history readers are external.
type Store interface {
	// Put stores content as the room's newest snapshot.
	Put(ctx context.Context, room string, ts time.Time, content []byte) (Ref, error)
	// List returns the room's snapshot refs in creation order.
	List(ctx context.Context, room string) ([]Ref, error)
	// Get returns the content of one snapshot.
	Get(ctx context.Context, id string) ([]byte, error)
	// Latest returns the content the room's current pointer names,
	// or ErrNoSnapshot.
	Latest(ctx context.Context, room string) ([]byte, error)
}
