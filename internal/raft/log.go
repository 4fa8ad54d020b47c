package raft

// Log entry types.
const (
	EntryNormal uint8 = iota // Application command
	EntryConfig              // Cluster configuration change
	EntryNoop                // No-op entry appended by a new leader
)

// LogEntry represents a single entry in the Raft log.
type LogEntry struct {
	Index  uint64         // Log index (1-based)
	Term   uint64         // Term when entry was created
	Type   uint8          // Entry type (EntryNormal, EntryConfig, EntryNoop)
	Data   []byte         // Application payload
	Config *ClusterConfig // Set for EntryConfig
}

func (e *LogEntry) size() uint64 {
	n := uint64(len(e.Data)) + 24
	if e.Config != nil {
		for _, ids := range [][]string{e.Config.Voters, e.Config.Learners, e.Config.NextVoters, e.Config.NextLearners} {
			for _, id := range ids {
				n += uint64(len(id))
			}
		}
	}
	return n
}

// HardState is the state that must be persisted before responding to peers.
type HardState struct {
	Term   uint64
	Vote   string
	Commit uint64
}

// Snapshot is a point-in-time image of the state machine with the log
// position and membership it covers.
type Snapshot struct {
	Index  uint64
	Term   uint64
	Config ClusterConfig
	Data   []byte
}

// IsEmpty reports whether the snapshot covers no entries.
func (s *Snapshot) IsEmpty() bool {
	return s.Index == 0
}

// raftLog is the core's view over Storage.
type raftLog struct {
	storage Storage
}

func (l *raftLog) firstIndex() uint64 { return l.storage.FirstIndex() }
func (l *raftLog) lastIndex() uint64  { return l.storage.LastIndex() }

// term returns the term at index, or 0 when the index is outside the log.
func (l *raftLog) term(index uint64) uint64 {
	t, err := l.storage.Term(index)
	if err != nil {
		return 0
	}
	return t
}

func (l *raftLog) lastTerm() uint64 {
	return l.term(l.lastIndex())
}

func (l *raftLog) matchTerm(index, term uint64) bool {
	t, err := l.storage.Term(index)
	if err != nil {
		return false
	}
	return t == term
}

// isUpToDate reports whether a log ending at (index, term) is at least as
// up-to-date as ours.
func (l *raftLog) isUpToDate(index, term uint64) bool {
	last := l.lastTerm()
	return term > last || (term == last && index >= l.lastIndex())
}

// entries returns entries in [lo, last] bounded by maxSize; at least one
// entry is returned when any is available.
func (l *raftLog) entries(lo, maxSize uint64) ([]LogEntry, error) {
	if lo > l.lastIndex() {
		return nil, nil
	}
	return l.storage.Entries(lo, l.lastIndex()+1, maxSize)
}

func (l *raftLog) entry(index uint64) (LogEntry, error) {
	ents, err := l.storage.Entries(index, index+1, 0)
	if err != nil {
		return LogEntry{}, err
	}
	return ents[0], nil
}

// firstIndexOfTerm walks back from index to the first entry carrying the
// same term, not going below floor.
func (l *raftLog) firstIndexOfTerm(index, floor uint64) uint64 {
	t := l.term(index)
	for index > floor && index > l.firstIndex() && l.term(index-1) == t {
		index--
	}
	return index
}

// lastIndexOfTerm returns the last index carrying term, or 0.
func (l *raftLog) lastIndexOfTerm(term uint64) uint64 {
	for i := l.lastIndex(); i >= l.firstIndex() && i > 0; i-- {
		t := l.term(i)
		if t == term {
			return i
		}
		if t < term {
			break
		}
	}
	return 0
}

// findConflict returns the index of the first entry whose term differs from
// the local log, or 0 when every entry already matches.
func (l *raftLog) findConflict(ents []LogEntry) uint64 {
	for _, e := range ents {
		if !l.matchTerm(e.Index, e.Term) {
			return e.Index
		}
	}
	return 0
}

// configAt returns the membership in effect at index.
func (l *raftLog) configAt(index uint64) ClusterConfig {
	snap := l.storage.Snapshot()
	for i := index; i >= l.firstIndex() && i > snap.Index; i-- {
		e, err := l.entry(i)
		if err != nil {
			break
		}
		if e.Type == EntryConfig && e.Config != nil {
			return e.Config.Clone()
		}
	}
	return snap.Config.Clone()
}

// latestConfig returns the newest membership in the log and its index.
func (l *raftLog) latestConfig() (ClusterConfig, uint64) {
	snap := l.storage.Snapshot()
	for i := l.lastIndex(); i >= l.firstIndex() && i > snap.Index; i-- {
		e, err := l.entry(i)
		if err != nil {
			break
		}
		if e.Type == EntryConfig && e.Config != nil {
			return e.Config.Clone(), i
		}
	}
	return snap.Config.Clone(), snap.Index
}
