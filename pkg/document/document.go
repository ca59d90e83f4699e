// Package document wraps an automerge doc holding a single collaborative
// text value. All concurrent-edit semantics (interleaving, tie-breaks,
// deduplication by actor+seq) are delegated to automerge itself; this
// package only adds the edit/observe surface the rest of the engine uses.
package document

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/automerge/automerge-go"
)

// ContentKey is the root map key under which the shared text lives.
const ContentKey = "content"

// An Update is an opaque, immutable bundle of automerge changes produced
// by one local edit. It is safe to retransmit: applying it twice is a
// no-op the second time.
type Update []byte

// Doc is one replica of the shared text. It is safe for concurrent use,
// though in practice each replica is driven by a single session.
type Doc struct {
	mu        sync.Mutex
	inner     *automerge.Doc
	observers []func(text string)
}

// New creates a fresh document seeded with an empty text value. Only the
// relay seeds new rooms; replicas must start from Load so that all of
// them share the text object created here.
func New(actorID string) (*Doc, error) {
	inner := automerge.New()
	if err := inner.SetActorID(hex.EncodeToString([]byte(actorID))); err != nil {
		return nil, fmt.Errorf("failed to set actor id: %w", err)
	}
	if err := inner.Path(ContentKey).Set(automerge.NewText("")); err != nil {
		return nil, fmt.Errorf("failed to seed text: %w", err)
	}
	return &Doc{inner: inner}, nil
}

// Load builds a replica from a saved document, usually the bootstrap
// bytes fetched from the relay before syncing.
func Load(raw []byte, actorID string) (*Doc, error) {
	inner, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	if err := inner.SetActorID(hex.EncodeToString([]byte(actorID))); err != nil {
		return nil, fmt.Errorf("failed to set actor id: %w", err)
	}
	return &Doc{inner: inner}, nil
}

// ApplyLocalEdit deletes delLen runes at pos, inserts insText there, and
// returns the resulting Update for transmission. It never blocks on I/O.
func (d *Doc) ApplyLocalEdit(pos int, delLen int, insText string) (Update, error) {
	d.mu.Lock()
	before := d.inner.Heads()
	text := d.inner.Path(ContentKey).Text()
	if delLen > 0 {
		if err := text.Delete(pos, delLen); err != nil {
			d.mu.Unlock()
			return nil, fmt.Errorf("failed to delete at %d: %w", pos, err)
		}
	}
	if insText != "" {
		if err := text.Insert(pos, insText); err != nil {
			d.mu.Unlock()
			return nil, fmt.Errorf("failed to insert at %d: %w", pos, err)
		}
	}
	changes, err := d.inner.Changes(before...)
	if err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("failed to collect changes: %w", err)
	}
	var update Update
	for _, c := range changes {
		update = append(update, c.Save()...)
	}
	d.notifyLocked()
	return update, nil
}

// ApplyRemoteUpdate merges an Update from another replica. Updates may
// arrive in any order and any number of times: changes already held are
// ignored, and changes whose dependencies have not arrived yet are
// buffered until they do, so the merge is commutative and idempotent.
// A malformed update leaves the document untouched. Observers fire only
// when the merge actually changed the document.
func (d *Doc) ApplyRemoteUpdate(update Update) error {
	d.mu.Lock()
	before := d.inner.Heads()
	if err := d.inner.LoadIncremental(update); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to apply update: %w", err)
	}
	if headsEqual(before, d.inner.Heads()) {
		d.mu.Unlock()
		return nil
	}
	d.notifyLocked()
	return nil
}

// Subscribe registers fn to run after every successful local or remote
// mutation with the new materialized text. Each observer sees every
// mutation exactly once; ordering between observers is unspecified.
func (d *Doc) Subscribe(fn func(text string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
}

// notifyLocked snapshots the observers and text, releases the lock, and
// runs the callbacks. Callers must hold d.mu and must not use it after.
func (d *Doc) notifyLocked() {
	observers := make([]func(string), len(d.observers))
	copy(observers, d.observers)
	text, err := d.inner.Path(ContentKey).Text().Get()
	if err != nil {
		slog.Error("failed to materialize text for observers", "err", err)
	}
	d.mu.Unlock()
	for _, fn := range observers {
		fn(text)
	}
}

// Text returns the current materialized content.
func (d *Doc) Text() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inner.Path(ContentKey).Text().Get()
}

// Len returns the current length of the content in runes.
func (d *Doc) Len() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inner.Path(ContentKey).Text().Len(), nil
}

// Save returns the full serialized document, suitable for Load on
// another replica or for a durable snapshot.
func (d *Doc) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inner.Save()
}

// Heads returns the current change hashes, a compact fingerprint of the
// set of changes this replica has applied.
func (d *Doc) Heads() []automerge.ChangeHash {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inner.Heads()
}

// ActorID returns the hex-encoded replica identity.
func (d *Doc) ActorID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inner.ActorID()
}

// NewSyncState returns a fresh automerge sync state bound to this
// document, one per connection. The sync protocol exchanges state
// vectors first and then exactly the missing changes. Drive it only
// through GenerateSyncMessage and ReceiveSyncMessage so that observers
// fire and access stays serialized.
func (d *Doc) NewSyncState() *automerge.SyncState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return automerge.NewSyncState(d.inner)
}

// GenerateSyncMessage returns the next outbound sync-protocol message
// for ss, or false when there is nothing to say right now.
func (d *Doc) GenerateSyncMessage(ss *automerge.SyncState) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	msg, valid := ss.GenerateMessage()
	if !valid {
		return nil, false
	}
	return msg.Bytes(), true
}

// ReceiveSyncMessage feeds one inbound sync-protocol message to ss,
// merging any changes it carries into the document. It returns the
// serialized changes that were new to this document, empty when the
// message carried nothing unseen. A parse failure leaves the document
// untouched.
func (d *Doc) ReceiveSyncMessage(ss *automerge.SyncState, payload []byte) (Update, error) {
	d.mu.Lock()
	before := d.inner.Heads()
	if _, err := ss.ReceiveMessage(payload); err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("failed to receive sync message: %w", err)
	}
	after := d.inner.Heads()
	if headsEqual(before, after) {
		d.mu.Unlock()
		return nil, nil
	}
	changes, err := d.inner.Changes(before...)
	if err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("failed to collect changes: %w", err)
	}
	var update Update
	for _, c := range changes {
		update = append(update, c.Save()...)
	}
	d.notifyLocked()
	return update, nil
}

func headsEqual(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

