package kvstore

import (
	"bytes"
	"encoding/binary"
	"io"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/maps"
)

// ErrCorrupted is returned for undecodable commands or snapshots.
var ErrCorrupted = errors.New("kvstore: corrupted data")

// CommandType identifies a replicated mutation.
type CommandType uint8

const (
	// CmdPut stores a value under a key.
	CmdPut CommandType = iota + 1
	// CmdDelete removes a key.
	CmdDelete
)

// Command is the payload of a normal log entry.
type Command struct {
	Type  CommandType
	Key   string
	Value []byte
}

// EncodeCommand serializes cmd as [type:1][keyLen:2][key][valueLen:4][value].
func EncodeCommand(cmd *Command) []byte {
	buf := make([]byte, 0, 7+len(cmd.Key)+len(cmd.Value))
	buf = append(buf, byte(cmd.Type))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(cmd.Key)))
	buf = append(buf, cmd.Key...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(cmd.Value)))
	buf = append(buf, cmd.Value...)
	return buf
}

// DecodeCommand parses data produced by EncodeCommand.
func DecodeCommand(data []byte) (*Command, error) {
	if len(data) < 7 {
		return nil, errors.Wrap(ErrCorrupted, "command too short")
	}
	cmd := &Command{Type: CommandType(data[0])}
	if cmd.Type != CmdPut && cmd.Type != CmdDelete {
		return nil, errors.Wrapf(ErrCorrupted, "unknown command type %d", data[0])
	}
	keyLen := int(binary.LittleEndian.Uint16(data[1:]))
	if len(data) < 3+keyLen+4 {
		return nil, errors.Wrap(ErrCorrupted, "truncated key")
	}
	cmd.Key = string(data[3 : 3+keyLen])
	rest := data[3+keyLen:]
	valueLen := int(binary.LittleEndian.Uint32(rest))
	if len(rest)-4 != valueLen {
		return nil, errors.Wrap(ErrCorrupted, "value length mismatch")
	}
	if valueLen > 0 {
		cmd.Value = slices.Clone(rest[4:])
	}
	return cmd, nil
}

// snapshotRequest asks the store to compact the log up to index.
type snapshotRequest struct {
	index uint64
	data  []byte
}

// StateMachine is the replicated key-value map. It implements
// raft.StateMachine and is driven by the replica's loop goroutine; reads
// may come from any goroutine.
type StateMachine struct {
	data      map[string][]byte
	applied   uint64
	since     int
	threshold int
	snapshots chan snapshotRequest
	mu        sync.RWMutex
}

// NewStateMachine creates an empty state machine. Every threshold applied
// commands it offers a snapshot for log compaction; zero disables it.
func NewStateMachine(threshold int) *StateMachine {
	return &StateMachine{
		data:      make(map[string][]byte),
		threshold: threshold,
		snapshots: make(chan snapshotRequest, 1),
	}
}

// Apply applies one committed command.
func (sm *StateMachine) Apply(index uint64, data []byte) error {
	cmd, err := DecodeCommand(data)
	if err != nil {
		return errors.Wrapf(err, "apply index %d", index)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	switch cmd.Type {
	case CmdPut:
		sm.data[cmd.Key] = cmd.Value
	case CmdDelete:
		delete(sm.data, cmd.Key)
	}
	sm.applied = index
	sm.since++

	if sm.threshold > 0 && sm.since >= sm.threshold {
		// Never block the replica loop; an unconsumed request stays queued.
		select {
		case sm.snapshots <- snapshotRequest{index: index, data: sm.snapshotLocked()}:
			sm.since = 0
		default:
		}
	}
	return nil
}

// Snapshot serializes the whole map.
func (sm *StateMachine) Snapshot() []byte {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.snapshotLocked()
}

// snapshotLocked writes [count:4] then [keyLen:4][key][valueLen:4][value]
// per key in sorted order.
func (sm *StateMachine) snapshotLocked() []byte {
	keys := maps.Keys(sm.data)
	slices.Sort(keys)

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(len(keys)))
	for _, k := range keys {
		v := sm.data[k]
		binary.Write(&buf, binary.LittleEndian, uint32(len(k)))
		buf.WriteString(k)
		binary.Write(&buf, binary.LittleEndian, uint32(len(v)))
		buf.Write(v)
	}
	return buf.Bytes()
}

// Restore replaces the map with a snapshot taken at index. Empty data
// clears it.
func (sm *StateMachine) Restore(index uint64, data []byte) error {
	restored := make(map[string][]byte)
	if len(data) > 0 {
		r := bytes.NewReader(data)
		var count uint32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return errors.Wrap(ErrCorrupted, "snapshot header")
		}
		for i := uint32(0); i < count; i++ {
			key, err := readField(r)
			if err != nil {
				return err
			}
			value, err := readField(r)
			if err != nil {
				return err
			}
			restored[string(key)] = value
		}
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.data = restored
	sm.applied = index
	sm.since = 0
	return nil
}

func readField(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, errors.Wrap(ErrCorrupted, "snapshot field length")
	}
	if int64(n) > int64(r.Len()) {
		return nil, errors.Wrapf(ErrCorrupted, "snapshot field of %d bytes exceeds remaining %d", n, r.Len())
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, errors.Wrap(ErrCorrupted, "snapshot field")
	}
	return b, nil
}

// Get returns the value stored under key.
func (sm *StateMachine) Get(key string) ([]byte, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	v, ok := sm.data[key]
	return v, ok
}

// Len returns the number of keys.
func (sm *StateMachine) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.data)
}

// Applied returns the index of the last applied command.
func (sm *StateMachine) Applied() uint64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.applied
}
