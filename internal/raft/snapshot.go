package raft

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// SnapshotMeta contains snapshot metadata without the data.
type SnapshotMeta struct {
	Index uint64
	Term  uint64
	Size  int64
}

// SnapshotStore keeps snapshots as files named by index and term. The
// newest file wins on load; older ones are pruned after every save.
type SnapshotStore struct {
	dir    string
	retain int
	mu     sync.RWMutex
}

// NewSnapshotStore creates a new snapshot store that keeps the newest retain
// snapshots (at least one).
func NewSnapshotStore(dir string, retain int) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create snapshot dir %s", dir)
	}
	return &SnapshotStore{dir: dir, retain: max(retain, 1)}, nil
}

// snapshotFilename returns the filename for a snapshot. Zero padding keeps
// lexical order equal to index order.
func (s *SnapshotStore) snapshotFilename(index, term uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("snapshot-%020d-%020d.snap", index, term))
}

// Save writes snap to a temporary file, syncs it and renames it into place.
// File layout: [crc:4][index:8][term:8][config][dataLen:4][data].
func (s *SnapshotStore) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &encoder{buf: make([]byte, 4, 64+len(snap.Data))}
	e.u64(snap.Index)
	e.u64(snap.Term)
	e.config(&snap.Config)
	e.bytes(snap.Data)
	binary.LittleEndian.PutUint32(e.buf[0:4], crc32.ChecksumIEEE(e.buf[4:]))

	filename := s.snapshotFilename(snap.Index, snap.Term)
	if err := writeFileSync(filename, e.buf); err != nil {
		return errors.Wrapf(err, "save snapshot %d", snap.Index)
	}
	return s.prune()
}

// Load returns the newest snapshot. ok is false when the store is empty.
func (s *SnapshotStore) Load() (snap Snapshot, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names, err := s.list()
	if err != nil || len(names) == 0 {
		return Snapshot{}, false, err
	}
	snap, err = s.loadFromFile(filepath.Join(s.dir, names[len(names)-1]))
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *SnapshotStore) loadFromFile(filename string) (Snapshot, error) {
	f, err := os.Open(filename)
	if err != nil {
		return Snapshot{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return Snapshot{}, err
	}
	if len(data) < 4 {
		return Snapshot{}, errors.Wrapf(ErrLogCorrupted, "snapshot %s too short", filename)
	}
	if crc32.ChecksumIEEE(data[4:]) != binary.LittleEndian.Uint32(data[0:4]) {
		return Snapshot{}, errors.Wrapf(ErrLogCorrupted, "snapshot %s checksum mismatch", filename)
	}

	d := &decoder{data: data, off: 4}
	snap := Snapshot{Index: d.u64(), Term: d.u64()}
	snap.Config = *d.config()
	snap.Data = d.bytes()
	if d.err != nil {
		return Snapshot{}, d.err
	}
	return snap, nil
}

// Meta returns the metadata of the newest snapshot.
func (s *SnapshotStore) Meta() (SnapshotMeta, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names, err := s.list()
	if err != nil || len(names) == 0 {
		return SnapshotMeta{}, false, err
	}
	name := names[len(names)-1]
	var meta SnapshotMeta
	if _, err := fmt.Sscanf(name, "snapshot-%d-%d.snap", &meta.Index, &meta.Term); err != nil {
		return SnapshotMeta{}, false, errors.Wrapf(ErrLogCorrupted, "bad snapshot name %s", name)
	}
	info, err := os.Stat(filepath.Join(s.dir, name))
	if err != nil {
		return SnapshotMeta{}, false, err
	}
	meta.Size = info.Size()
	return meta, true, nil
}

// list returns snapshot file names in ascending index order.
func (s *SnapshotStore) list() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "snapshot-") && strings.HasSuffix(name, ".snap") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// prune removes all but the newest retain snapshots.
func (s *SnapshotStore) prune() error {
	names, err := s.list()
	if err != nil {
		return err
	}
	for len(names) > s.retain {
		if err := os.Remove(filepath.Join(s.dir, names[0])); err != nil && !os.IsNotExist(err) {
			return err
		}
		names = names[1:]
	}
	return nil
}

// writeFileSync replaces filename atomically with data.
func writeFileSync(filename string, data []byte) error {
	tmp := filename + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, filename)
}
