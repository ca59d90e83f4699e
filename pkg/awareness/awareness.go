// Package awareness tracks ephemeral collaborator presence: who is in
// the room, their display name and color, and where their cursor is.
// Nothing here is ever persisted. Records expire on a heartbeat timeout
// rather than an explicit leave, since disconnects can be abrupt.
package awareness

import (
	"sort"
	"sync"
	"time"
)

// State is the collaborator metadata a replica advertises about itself.
// Fields are overwritten wholesale on every refresh, latest clock wins.
type State struct {
	Name           string `json:"name,omitempty"`
	Color          string `json:"color,omitempty"`
	Cursor         int    `json:"cursor"`
	SelectionStart int    `json:"selectionStart,omitempty"`
	SelectionEnd   int    `json:"selectionEnd,omitempty"`
}

// A Record is one replica's last-known state plus the bookkeeping needed
// for last-writer-wins overwrites and expiry.
type Record struct {
	ReplicaID string `json:"replicaId"`
	Clock     uint64 `json:"clock"`
	State     State  `json:"state"`

	lastSeen time.Time
}

// StoreSettings carries the expiry policy. Now is injectable so tests
// can advance a simulated clock.
type StoreSettings struct {
	Timeout time.Duration
	Now     func() time.Time
}

func DefaultStoreSettings() StoreSettings {
	return StoreSettings{
		Timeout: 30 * time.Second,
		Now:     time.Now,
	}
}

// Store holds the observable set of live collaborator records for one
// room, including the local replica's own record.
type Store struct {
	mu        sync.Mutex
	localID   string
	clock     uint64
	records   map[string]Record
	observers []func(records []Record)
	settings  StoreSettings
}

func NewStore(localID string, settings StoreSettings) *Store {
	if settings.Now == nil {
		settings.Now = time.Now
	}
	if settings.Timeout <= 0 {
		settings.Timeout = DefaultStoreSettings().Timeout
	}
	return &Store{
		localID:  localID,
		records:  map[string]Record{},
		settings: settings,
	}
}

// SetLocalState overwrites the local replica's advertised state, bumping
// its awareness clock, and returns the record for outbound propagation.
func (s *Store) SetLocalState(state State) Record {
	s.mu.Lock()
	s.clock++
	rec := Record{
		ReplicaID: s.localID,
		Clock:     s.clock,
		State:     state,
		lastSeen:  s.settings.Now(),
	}
	s.records[s.localID] = rec
	s.notifyLocked()
	return rec
}

// LocalID returns the replica identity this store was created with.
func (s *Store) LocalID() string {
	return s.localID
}

// LocalRecord returns the latest local record, if one has been set.
func (s *Store) LocalRecord() (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[s.localID]
	return rec, ok
}

// ApplyRemote merges a record received from the relay. Stale clocks are
// ignored; an equal clock still refreshes the last-seen time so repeated
// heartbeats keep a silent-but-connected replica alive. Reports whether
// the observable set changed.
func (s *Store) ApplyRemote(rec Record) bool {
	s.mu.Lock()
	existing, ok := s.records[rec.ReplicaID]
	if ok && rec.Clock < existing.Clock {
		s.mu.Unlock()
		return false
	}
	rec.lastSeen = s.settings.Now()
	changed := !ok || rec.Clock > existing.Clock
	s.records[rec.ReplicaID] = rec
	if changed {
		s.notifyLocked()
	} else {
		s.mu.Unlock()
	}
	return changed
}

// Remove drops a record immediately, used when the relay reports a
// departed replica ahead of the timeout.
func (s *Store) Remove(replicaID string) bool {
	s.mu.Lock()
	if _, ok := s.records[replicaID]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.records, replicaID)
	s.notifyLocked()
	return true
}

// Expire removes every record not refreshed within the timeout and
// returns the expired replica IDs. The local record is exempt: the
// local replica is alive by definition.
func (s *Store) Expire() []string {
	s.mu.Lock()
	cutoff := s.settings.Now().Add(-s.settings.Timeout)
	var expired []string
	for id, rec := range s.records {
		if id == s.localID {
			continue
		}
		if rec.lastSeen.Before(cutoff) {
			expired = append(expired, id)
			delete(s.records, id)
		}
	}
	if len(expired) == 0 {
		s.mu.Unlock()
		return nil
	}
	sort.Strings(expired)
	s.notifyLocked()
	return expired
}

// Records returns the observable set ordered by replica ID.
func (s *Store) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// OnChange registers fn to run whenever the observable set changes
// through a join, update, removal, or expiry.
func (s *Store) OnChange(fn func(records []Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *Store) snapshotLocked() []Record {
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReplicaID < out[j].ReplicaID })
	return out
}

// notifyLocked snapshots state, releases the lock, and runs observers.
// Callers must hold s.mu and must not use it after.
func (s *Store) notifyLocked() {
	observers := make([]func([]Record), len(s.observers))
	copy(observers, s.observers)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	for _, fn := range observers {
		fn(snapshot)
	}
}
