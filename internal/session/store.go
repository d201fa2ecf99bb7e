package session

import (
	"sync"

	"go.uber.org/atomic"

	"keyattest/internal/attestation"
)

// NoCursor means no record is selected.
const NoCursor = -1

// Snapshot pairs a published result with the drill-down cursor. Snapshots
// are immutable; every change publishes a new one.
type Snapshot struct {
	Result Result
	Cursor int
}

// Selected returns the record under the cursor, or nil.
func (s *Snapshot) Selected() *attestation.Record {
	if s == nil || s.Cursor == NoCursor {
		return nil
	}
	succ, ok := s.Result.(*Success)
	if !ok || succ.Decoded == nil || s.Cursor >= len(succ.Decoded.Records) {
		return nil
	}
	return &succ.Decoded.Records[s.Cursor]
}

// Store holds the latest snapshot and notifies observers of changes.
type Store struct {
	cur atomic.Pointer[Snapshot]

	mu     sync.Mutex
	nextID int
	subs   map[int]func(*Snapshot)
}

// NewStore returns an empty store. Load returns nil until the first Publish.
func NewStore() *Store {
	return &Store{subs: make(map[int]func(*Snapshot))}
}

// Load returns the current snapshot.
func (s *Store) Load() *Snapshot {
	return s.cur.Load()
}

// Publish replaces the snapshot and notifies observers in subscription order.
// Publishing a new result resets the cursor: to the leaf for a success,
// to none otherwise.
func (s *Store) Publish(r Result) *Snapshot {
	snap := &Snapshot{Result: r, Cursor: NoCursor}
	if succ, ok := r.(*Success); ok && succ.Decoded != nil && len(succ.Decoded.Records) > 0 {
		snap.Cursor = 0
	}
	s.swap(snap)
	return snap
}

// SetCursor publishes the current result with a new cursor.
func (s *Store) SetCursor(prev *Snapshot, cursor int) *Snapshot {
	snap := &Snapshot{Result: prev.Result, Cursor: cursor}
	s.swap(snap)
	return snap
}

func (s *Store) swap(snap *Snapshot) {
	s.cur.Store(snap)

	s.mu.Lock()
	fns := make([]func(*Snapshot), 0, len(s.subs))
	for id := 0; id < s.nextID; id++ {
		if fn, ok := s.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// Subscribe registers fn for every future snapshot. The returned function
// removes it.
func (s *Store) Subscribe(fn func(*Snapshot)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}
