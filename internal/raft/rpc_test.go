package raft

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestMessageCodec(t *testing.T) {
	cfg := NewClusterConfig([]string{"a", "b", "c"}, []string{"d"})

	tests := []struct {
		name string
		msg  Message
	}{
		{
			name: "vote request",
			msg: Message{
				Type: MsgRequestPreVote, From: "a", To: "b", Term: 7,
				LastLogIndex: 42, LastLogTerm: 6, LeaderTransfer: true,
			},
		},
		{
			name: "vote reply",
			msg:  Message{Type: MsgVoteReply, From: "b", To: "a", Term: 7, Reject: RejectLeaderLease},
		},
		{
			name: "append with entries",
			msg: Message{
				Type: MsgAppendEntries, From: "a", To: "c", Term: 3,
				PrevLogIndex: 10, PrevLogTerm: 2, Commit: 9,
				Entries: []LogEntry{
					{Index: 11, Term: 3, Type: EntryNormal, Data: []byte("put")},
					{Index: 12, Term: 3, Type: EntryConfig, Config: &cfg},
					{Index: 13, Term: 3, Type: EntryNoop},
				},
			},
		},
		{
			name: "append reply",
			msg: Message{
				Type: MsgAppendEntriesReply, From: "c", To: "a", Term: 3,
				PrevLogIndex: 10, ConflictIndex: 8, ConflictTerm: 2,
			},
		},
		{
			name: "heartbeat with read context",
			msg:  Message{Type: MsgHeartbeat, From: "a", To: "b", Term: 3, Commit: 12, Context: 5},
		},
		{
			name: "snapshot",
			msg: Message{
				Type: MsgInstallSnapshot, From: "a", To: "d", Term: 4,
				Snapshot: &Snapshot{Index: 100, Term: 4, Config: cfg, Data: []byte("image")},
			},
		},
		{
			name: "propose reply",
			msg:  Message{Type: MsgProposeReply, From: "a", To: "b", Term: 4, ProposalID: 9, Index: 101},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeMessage(EncodeMessage(&tt.msg))
			if err != nil {
				t.Fatalf("DecodeMessage failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.msg) {
				t.Errorf("decoded %+v\nwant %+v", got, tt.msg)
			}
		})
	}
}

func TestDecodeMessageCorrupted(t *testing.T) {
	data := EncodeMessage(&Message{Type: MsgHeartbeat, From: "a", To: "b", Term: 1})

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated", data[:len(data)-3]},
		{"unknown type", append([]byte{0xFE}, data[1:]...)},
		{"huge length", []byte{byte(MsgHeartbeat), 0xFF, 0xFF, 0xFF, 0xFF}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeMessage(tt.data); !errors.Is(err, ErrLogCorrupted) {
				t.Errorf("DecodeMessage error = %v, want ErrLogCorrupted", err)
			}
		})
	}
}

func TestEntryCodec(t *testing.T) {
	ent := LogEntry{Index: 5, Term: 2, Type: EntryNormal, Data: []byte("value")}
	got, err := DecodeEntry(EncodeEntry(&ent))
	if err != nil {
		t.Fatalf("DecodeEntry failed: %v", err)
	}
	if got.Index != 5 || got.Term != 2 || !bytes.Equal(got.Data, ent.Data) || got.Config != nil {
		t.Errorf("decoded %+v", got)
	}

	if _, err := DecodeEntry([]byte{1, 2, 3}); !errors.Is(err, ErrLogCorrupted) {
		t.Errorf("short entry error = %v, want ErrLogCorrupted", err)
	}
}

func TestMessageTypeString(t *testing.T) {
	for typ := MsgRequestVote; typ <= MsgProposeReply; typ++ {
		if s := typ.String(); s == "" || s == "Unknown" {
			t.Errorf("MessageType(%d).String() = %q", typ, s)
		}
	}
	if s := MessageType(200).String(); s != "Unknown" {
		t.Errorf("MessageType(200).String() = %q, want Unknown", s)
	}
}
