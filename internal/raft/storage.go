package raft

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// Storage is the log collaborator consumed by the core. All methods are
// called from the node's event loop; implementations guard their own state
// for concurrent readers.
type Storage interface {
	// InitialState returns the persisted hard state.
	InitialState() (HardState, error)

	// SaveHardState persists term, vote and commit.
	SaveHardState(hs HardState) error

	// FirstIndex returns the first index still present in the log.
	FirstIndex() uint64

	// LastIndex returns the index of the last entry.
	LastIndex() uint64

	// Term returns the term of the entry at index. The snapshot boundary
	// itself is answered from the snapshot.
	Term(index uint64) (uint64, error)

	// Entries returns entries in [lo, hi), limited to maxSize bytes
	// (0 means no limit) but always at least one entry.
	Entries(lo, hi, maxSize uint64) ([]LogEntry, error)

	// Append writes entries, replacing any existing suffix that starts at
	// the first appended index.
	Append(entries []LogEntry) error

	// Snapshot returns the latest snapshot.
	Snapshot() Snapshot

	// ApplySnapshot replaces the whole log with the snapshot.
	ApplySnapshot(snap Snapshot) error

	// Compact records snap and discards entries up to snap.Index.
	Compact(snap Snapshot) error
}

// MemoryStorage implements Storage in memory.
type MemoryStorage struct {
	hardState HardState
	snapshot  Snapshot
	// entries[0] is a dummy entry at the snapshot boundary.
	entries []LogEntry

	mu sync.RWMutex
}

// NewMemoryStorage creates an empty log whose initial membership is cfg.
func NewMemoryStorage(cfg ClusterConfig) *MemoryStorage {
	return &MemoryStorage{
		snapshot: Snapshot{Config: cfg.Clone()},
		entries:  []LogEntry{{Index: 0, Term: 0}},
	}
}

// InitialState returns the saved hard state.
func (s *MemoryStorage) InitialState() (HardState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hardState, nil
}

// SaveHardState saves the hard state.
func (s *MemoryStorage) SaveHardState(hs HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hardState = hs
	return nil
}

func (s *MemoryStorage) offset() uint64 {
	return s.entries[0].Index
}

// FirstIndex returns the first available index.
func (s *MemoryStorage) FirstIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset() + 1
}

// LastIndex returns the last index.
func (s *MemoryStorage) LastIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndex()
}

func (s *MemoryStorage) lastIndex() uint64 {
	return s.offset() + uint64(len(s.entries)) - 1
}

// Term returns the term of the entry at index.
func (s *MemoryStorage) Term(index uint64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < s.offset() {
		return 0, ErrCompacted
	}
	if index > s.lastIndex() {
		return 0, ErrUnavailable
	}
	return s.entries[index-s.offset()].Term, nil
}

// Entries returns a size-limited slice of entries in [lo, hi).
func (s *MemoryStorage) Entries(lo, hi, maxSize uint64) ([]LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if lo <= s.offset() {
		return nil, ErrCompacted
	}
	if hi > s.lastIndex()+1 || lo >= hi {
		return nil, ErrUnavailable
	}
	src := s.entries[lo-s.offset() : hi-s.offset()]
	return limitSize(src, maxSize), nil
}

// limitSize copies entries until maxSize is exceeded, keeping at least one.
func limitSize(src []LogEntry, maxSize uint64) []LogEntry {
	out := make([]LogEntry, 0, len(src))
	var total uint64
	for i := range src {
		total += src[i].size()
		if maxSize > 0 && i > 0 && total > maxSize {
			break
		}
		out = append(out, src[i])
	}
	return out
}

// Append appends entries, truncating any conflicting suffix.
func (s *MemoryStorage) Append(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	first := s.offset() + 1
	last := entries[0].Index + uint64(len(entries)) - 1
	if last < first {
		return nil
	}
	if first > entries[0].Index {
		entries = entries[first-entries[0].Index:]
	}
	pos := entries[0].Index - s.offset()
	if pos > uint64(len(s.entries)) {
		return errors.Wrapf(ErrUnavailable, "missing log entry [last: %d, append at: %d]", s.lastIndex(), entries[0].Index)
	}
	s.entries = append(s.entries[:pos:pos], entries...)
	return nil
}

// Snapshot returns the latest snapshot.
func (s *MemoryStorage) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// ApplySnapshot replaces the log with the snapshot.
func (s *MemoryStorage) ApplySnapshot(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Index <= s.snapshot.Index {
		return ErrSnapshotOutOfDate
	}
	s.snapshot = snap
	s.entries = []LogEntry{{Index: snap.Index, Term: snap.Term}}
	return nil
}

// Compact moves the snapshot boundary to snap.Index.
func (s *MemoryStorage) Compact(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Index <= s.offset() {
		return ErrCompacted
	}
	if snap.Index > s.lastIndex() {
		return errors.Wrapf(ErrUnavailable, "compact %d beyond last index %d", snap.Index, s.lastIndex())
	}
	i := snap.Index - s.offset()
	ents := make([]LogEntry, 1, uint64(len(s.entries))-i)
	ents[0] = LogEntry{Index: snap.Index, Term: s.entries[i].Term}
	ents = append(ents, s.entries[i+1:]...)
	s.entries = ents
	snap.Term = ents[0].Term
	s.snapshot = snap
	return nil
}
