package raft

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
)

const (
	hardStateFile = "hardstate"
	logFile       = "raft.log"
	snapshotDir   = "snapshots"
)

// FileStorage is a durable Storage. Reads are served from an in-memory copy
// of the log; appends go to an append-only file of
// [length:4][crc:4][entry:N] records that is flushed and synced by Sync.
// Truncation and compaction rewrite the file.
type FileStorage struct {
	*MemoryStorage

	dir       string
	snapshots *SnapshotStore
	file      *os.File
	w         *bufio.Writer
	dirty     bool

	mu sync.Mutex
}

// OpenFileStorage opens or creates the log under dir. cfg is the initial
// membership used when no snapshot exists yet.
func OpenFileStorage(dir string, cfg ClusterConfig) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create raft dir %s", dir)
	}
	snapshots, err := NewSnapshotStore(filepath.Join(dir, snapshotDir), 2)
	if err != nil {
		return nil, err
	}

	mem := NewMemoryStorage(cfg)
	snap, ok, err := snapshots.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load snapshot")
	}
	if ok {
		if err := mem.ApplySnapshot(snap); err != nil {
			return nil, err
		}
	}

	hs, err := loadHardState(filepath.Join(dir, hardStateFile))
	if err != nil {
		return nil, err
	}
	mem.hardState = hs

	s := &FileStorage{MemoryStorage: mem, dir: dir, snapshots: snapshots}
	if err := s.replay(); err != nil {
		return nil, err
	}
	if err := s.rewrite(); err != nil {
		return nil, err
	}
	return s, nil
}

// replay loads the log file into memory. A torn record at the tail is
// discarded.
func (s *FileStorage) replay() error {
	f, err := os.Open(filepath.Join(s.dir, logFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return nil
		}
		n := binary.LittleEndian.Uint32(header[0:4])
		if n > maxFieldLen {
			return nil
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil
		}
		if crc32.ChecksumIEEE(data) != binary.LittleEndian.Uint32(header[4:8]) {
			return nil
		}
		ent, err := DecodeEntry(data)
		if err != nil {
			return err
		}
		if ent.Index <= s.MemoryStorage.Snapshot().Index {
			continue
		}
		if err := s.MemoryStorage.Append([]LogEntry{ent}); err != nil {
			return errors.Wrapf(err, "replay entry %d", ent.Index)
		}
	}
}

func appendRecord(w io.Writer, ent *LogEntry) error {
	data := EncodeEntry(ent)
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(data)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(data))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// rewrite replaces the log file with the in-memory entries and reopens it
// for appending.
func (s *FileStorage) rewrite() error {
	s.MemoryStorage.mu.RLock()
	ents := s.MemoryStorage.entries[1:]
	tmp := filepath.Join(s.dir, logFile+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		s.MemoryStorage.mu.RUnlock()
		return err
	}
	w := bufio.NewWriter(f)
	for i := range ents {
		if err := appendRecord(w, &ents[i]); err != nil {
			s.MemoryStorage.mu.RUnlock()
			f.Close()
			return err
		}
	}
	s.MemoryStorage.mu.RUnlock()

	if err := w.Flush(); err != nil {
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
	if s.file != nil {
		s.file.Close()
	}
	name := filepath.Join(s.dir, logFile)
	if err := os.Rename(tmp, name); err != nil {
		return err
	}

	file, err := os.OpenFile(name, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	s.file = file
	s.w = bufio.NewWriter(file)
	s.dirty = false
	return nil
}

// SaveHardState persists the hard state with an atomic rename.
func (s *FileStorage) SaveHardState(hs HardState) error {
	e := &encoder{}
	e.u64(hs.Term)
	e.u64(hs.Commit)
	e.str(hs.Vote)
	if err := writeFileSync(filepath.Join(s.dir, hardStateFile), e.buf); err != nil {
		return errors.Wrap(err, "save hard state")
	}
	return s.MemoryStorage.SaveHardState(hs)
}

func loadHardState(filename string) (HardState, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return HardState{}, nil
		}
		return HardState{}, err
	}
	d := &decoder{data: data}
	hs := HardState{Term: d.u64(), Commit: d.u64(), Vote: d.str()}
	if d.err != nil {
		return HardState{}, errors.Wrap(d.err, "load hard state")
	}
	return hs, nil
}

// Append writes entries to memory and to the file buffer. An append that
// replaces a suffix rewrites the file. When the file write fails the
// in-memory log is rolled back, so both keep the same entries.
func (s *FileStorage) Append(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.MemoryStorage.mu.RLock()
	prev := s.MemoryStorage.entries
	s.MemoryStorage.mu.RUnlock()

	truncating := entries[0].Index <= s.MemoryStorage.LastIndex()
	if err := s.MemoryStorage.Append(entries); err != nil {
		return err
	}

	var err error
	if truncating {
		err = s.rewrite()
	} else {
		err = s.appendRecords(entries)
	}
	if err == nil {
		return nil
	}

	// MemoryStorage.Append never writes into the old backing array.
	s.MemoryStorage.mu.Lock()
	s.MemoryStorage.entries = prev
	s.MemoryStorage.mu.Unlock()
	if rerr := s.rewrite(); rerr != nil {
		return errors.Wrapf(err, "log file left stale: %v", rerr)
	}
	return err
}

func (s *FileStorage) appendRecords(entries []LogEntry) error {
	for i := range entries {
		if err := appendRecord(s.w, &entries[i]); err != nil {
			return errors.Wrapf(err, "write entry %d", entries[i].Index)
		}
	}
	s.dirty = true
	return nil
}

// Sync flushes buffered appends and fsyncs the log file.
func (s *FileStorage) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// ApplySnapshot saves snap and replaces the log with it.
func (s *FileStorage) ApplySnapshot(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Index <= s.MemoryStorage.Snapshot().Index {
		return ErrSnapshotOutOfDate
	}
	if err := s.snapshots.Save(snap); err != nil {
		return err
	}
	if err := s.MemoryStorage.ApplySnapshot(snap); err != nil {
		return err
	}
	return s.rewrite()
}

// Compact saves snap and drops the entries it covers.
func (s *FileStorage) Compact(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	term, err := s.MemoryStorage.Term(snap.Index)
	if err != nil {
		return err
	}
	snap.Term = term
	if snap.Index <= s.MemoryStorage.Snapshot().Index {
		return ErrCompacted
	}
	if err := s.snapshots.Save(snap); err != nil {
		return err
	}
	if err := s.MemoryStorage.Compact(snap); err != nil {
		return err
	}
	return s.rewrite()
}

// Close flushes and closes the log file.
func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		s.file.Close()
		return err
	}
	err := s.file.Close()
	s.file = nil
	return err
}
