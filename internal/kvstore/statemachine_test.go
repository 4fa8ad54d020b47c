package kvstore

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestCommandCodec(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
	}{
		{"put", Command{Type: CmdPut, Key: "user:1", Value: []byte("alice")}},
		{"put empty value", Command{Type: CmdPut, Key: "k"}},
		{"delete", Command{Type: CmdDelete, Key: "user:1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeCommand(EncodeCommand(&tt.cmd))
			if err != nil {
				t.Fatalf("DecodeCommand failed: %v", err)
			}
			if got.Type != tt.cmd.Type || got.Key != tt.cmd.Key || !bytes.Equal(got.Value, tt.cmd.Value) {
				t.Errorf("decoded %+v, want %+v", got, tt.cmd)
			}
		})
	}
}

func TestDecodeCommandCorrupted(t *testing.T) {
	valid := EncodeCommand(&Command{Type: CmdPut, Key: "key", Value: []byte("value")})

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", []byte{1, 0, 0}},
		{"unknown type", append([]byte{9}, valid[1:]...)},
		{"truncated key", valid[:5]},
		{"truncated value", valid[:len(valid)-1]},
		{"trailing bytes", append(append([]byte{}, valid...), 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeCommand(tt.data); !errors.Is(err, ErrCorrupted) {
				t.Errorf("DecodeCommand error = %v, want ErrCorrupted", err)
			}
		})
	}
}

func apply(t *testing.T, sm *StateMachine, index uint64, cmd Command) {
	t.Helper()
	if err := sm.Apply(index, EncodeCommand(&cmd)); err != nil {
		t.Fatalf("Apply(%d) failed: %v", index, err)
	}
}

func TestStateMachineApply(t *testing.T) {
	sm := NewStateMachine(0)
	apply(t, sm, 1, Command{Type: CmdPut, Key: "a", Value: []byte("1")})
	apply(t, sm, 2, Command{Type: CmdPut, Key: "b", Value: []byte("2")})
	apply(t, sm, 3, Command{Type: CmdPut, Key: "a", Value: []byte("3")})
	apply(t, sm, 4, Command{Type: CmdDelete, Key: "b"})
	apply(t, sm, 5, Command{Type: CmdDelete, Key: "missing"})

	if v, ok := sm.Get("a"); !ok || string(v) != "3" {
		t.Errorf("Get(a) = %q, %v; want 3, true", v, ok)
	}
	if _, ok := sm.Get("b"); ok {
		t.Error("b should be deleted")
	}
	if sm.Len() != 1 {
		t.Errorf("Len = %d, want 1", sm.Len())
	}
	if sm.Applied() != 5 {
		t.Errorf("Applied = %d, want 5", sm.Applied())
	}

	if err := sm.Apply(6, []byte{0xff}); !errors.Is(err, ErrCorrupted) {
		t.Errorf("Apply(garbage) error = %v, want ErrCorrupted", err)
	}
	if sm.Applied() != 5 {
		t.Errorf("Applied moved to %d on a rejected command", sm.Applied())
	}
}

func TestStateMachineSnapshotRestore(t *testing.T) {
	sm := NewStateMachine(0)
	apply(t, sm, 1, Command{Type: CmdPut, Key: "b", Value: []byte("2")})
	apply(t, sm, 2, Command{Type: CmdPut, Key: "a", Value: []byte("1")})
	apply(t, sm, 3, Command{Type: CmdPut, Key: "empty"})

	snap := sm.Snapshot()
	if !bytes.Equal(snap, sm.Snapshot()) {
		t.Error("snapshot should be deterministic")
	}

	restored := NewStateMachine(0)
	apply(t, restored, 1, Command{Type: CmdPut, Key: "stale", Value: []byte("x")})
	if err := restored.Restore(3, snap); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restored.Applied() != 3 {
		t.Errorf("Applied = %d, want 3", restored.Applied())
	}
	if restored.Len() != 3 {
		t.Errorf("Len = %d, want 3", restored.Len())
	}
	if _, ok := restored.Get("stale"); ok {
		t.Error("Restore should replace existing state")
	}
	for k, want := range map[string]string{"a": "1", "b": "2", "empty": ""} {
		if v, ok := restored.Get(k); !ok || string(v) != want {
			t.Errorf("Get(%s) = %q, %v; want %q", k, v, ok, want)
		}
	}

	if err := restored.Restore(0, nil); err != nil {
		t.Fatalf("Restore(nil) failed: %v", err)
	}
	if restored.Len() != 0 {
		t.Errorf("Len after empty restore = %d, want 0", restored.Len())
	}
}

func TestStateMachineRestoreCorrupted(t *testing.T) {
	sm := NewStateMachine(0)
	apply(t, sm, 1, Command{Type: CmdPut, Key: "key", Value: []byte("value")})
	snap := sm.Snapshot()

	tests := []struct {
		name string
		data []byte
	}{
		{"short header", snap[:2]},
		{"missing entry", snap[:4]},
		{"truncated value", snap[:len(snap)-2]},
		{"oversized field", []byte{1, 0, 0, 0, 0xff, 0xff, 0xff, 0x7f}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := sm.Restore(9, tt.data); !errors.Is(err, ErrCorrupted) {
				t.Errorf("Restore error = %v, want ErrCorrupted", err)
			}
		})
	}
	if v, ok := sm.Get("key"); !ok || string(v) != "value" {
		t.Error("failed restore should keep the previous state")
	}
	if sm.Applied() != 1 {
		t.Errorf("Applied = %d after failed restore, want 1", sm.Applied())
	}
}

func TestStateMachineOffersSnapshot(t *testing.T) {
	sm := NewStateMachine(3)
	for i := uint64(1); i <= 2; i++ {
		apply(t, sm, i, Command{Type: CmdPut, Key: "k", Value: []byte{byte(i)}})
	}
	select {
	case <-sm.snapshots:
		t.Fatal("snapshot offered before threshold")
	default:
	}

	apply(t, sm, 3, Command{Type: CmdPut, Key: "k", Value: []byte{3}})
	// The channel is full; further offers are skipped until it drains.
	for i := uint64(4); i <= 6; i++ {
		apply(t, sm, i, Command{Type: CmdPut, Key: "k", Value: []byte{byte(i)}})
	}

	req := <-sm.snapshots
	if req.index != 3 {
		t.Errorf("snapshot index = %d, want 3", req.index)
	}
	restored := NewStateMachine(0)
	if err := restored.Restore(req.index, req.data); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if v, _ := restored.Get("k"); !bytes.Equal(v, []byte{3}) {
		t.Errorf("snapshot holds %v, want [3]", v)
	}

	apply(t, sm, 7, Command{Type: CmdDelete, Key: "k"})
	select {
	case req := <-sm.snapshots:
		if req.index != 7 {
			t.Errorf("snapshot index = %d, want 7", req.index)
		}
	default:
		t.Fatal("snapshot should be offered once the channel drains")
	}
}
