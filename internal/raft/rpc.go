package raft

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// MessageType identifies a peer message.
type MessageType uint8

// Message types.
const (
	MsgRequestVote MessageType = iota
	MsgRequestPreVote
	MsgVoteReply
	MsgPreVoteReply
	MsgAppendEntries
	MsgAppendEntriesReply
	MsgHeartbeat
	MsgHeartbeatReply
	MsgInstallSnapshot
	MsgInstallSnapshotReply
	MsgTimeoutNow
	MsgPropose
	MsgProposeReply
)

var messageTypeNames = [...]string{
	MsgRequestVote:          "RequestVote",
	MsgRequestPreVote:       "RequestPreVote",
	MsgVoteReply:            "VoteReply",
	MsgPreVoteReply:         "PreVoteReply",
	MsgAppendEntries:        "AppendEntries",
	MsgAppendEntriesReply:   "AppendEntriesReply",
	MsgHeartbeat:            "Heartbeat",
	MsgHeartbeatReply:       "HeartbeatReply",
	MsgInstallSnapshot:      "InstallSnapshot",
	MsgInstallSnapshotReply: "InstallSnapshotReply",
	MsgTimeoutNow:           "TimeoutNow",
	MsgPropose:              "Propose",
	MsgProposeReply:         "ProposeReply",
}

func (t MessageType) String() string {
	if int(t) < len(messageTypeNames) {
		return messageTypeNames[t]
	}
	return "Unknown"
}

// RejectReason explains a refused vote or forwarded proposal.
type RejectReason uint8

const (
	RejectNone RejectReason = iota
	RejectStaleTerm
	RejectAlreadyVoted
	RejectLogBehind
	RejectLeaderLease
	RejectNotLeader
	RejectTransferring
	RejectOverflow
)

// Message is the single envelope exchanged between replicas. Which fields
// are meaningful depends on Type:
//
//	RequestVote, RequestPreVote: LastLogIndex, LastLogTerm, LeaderTransfer
//	VoteReply, PreVoteReply:     Granted, Reject
//	AppendEntries:               PrevLogIndex, PrevLogTerm, Entries, Commit
//	AppendEntriesReply:          Success, MatchIndex, PrevLogIndex, ConflictIndex, ConflictTerm
//	Heartbeat, HeartbeatReply:   Commit, Context
//	InstallSnapshot:             Snapshot
//	InstallSnapshotReply:        Success, MatchIndex
//	Propose:                     ProposalID, Entries (one entry)
//	ProposeReply:                ProposalID, Index, Reject
type Message struct {
	Type MessageType
	From string
	To   string
	Term uint64

	LastLogIndex   uint64
	LastLogTerm    uint64
	LeaderTransfer bool
	Granted        bool
	Reject         RejectReason

	PrevLogIndex  uint64
	PrevLogTerm   uint64
	Entries       []LogEntry
	Commit        uint64
	Success       bool
	MatchIndex    uint64
	ConflictIndex uint64
	ConflictTerm  uint64
	Context       uint64

	Snapshot *Snapshot

	ProposalID uint64
	Index      uint64
}

// maxFieldLen bounds any length prefix read from the wire.
const maxFieldLen = 64 * 1024 * 1024

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8) { e.buf = append(e.buf, v) }

func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }

func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }

func (e *encoder) flag(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encoder) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) strs(ss []string) {
	e.u32(uint32(len(ss)))
	for _, s := range ss {
		e.str(s)
	}
}

func (e *encoder) config(c *ClusterConfig) {
	e.str(c.CorrelationID)
	e.strs(c.Voters)
	e.strs(c.Learners)
	e.strs(c.NextVoters)
	e.strs(c.NextLearners)
}

func (e *encoder) entry(ent *LogEntry) {
	e.u64(ent.Index)
	e.u64(ent.Term)
	e.u8(ent.Type)
	e.bytes(ent.Data)
	e.flag(ent.Config != nil)
	if ent.Config != nil {
		e.config(ent.Config)
	}
}

type decoder struct {
	data []byte
	off  int
	err  error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.off+n > len(d.data) {
		d.err = errors.Wrapf(ErrLogCorrupted, "truncated at offset %d, need %d bytes", d.off, n)
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) flag() bool { return d.u8() == 1 }

func (d *decoder) length() int {
	n := d.u32()
	if n > maxFieldLen {
		d.err = errors.Wrapf(ErrLogCorrupted, "field length %d exceeds limit", n)
		return 0
	}
	return int(n)
}

func (d *decoder) bytes() []byte {
	n := d.length()
	b := d.take(n)
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (d *decoder) str() string {
	return string(d.take(d.length()))
}

func (d *decoder) strs() []string {
	n := d.length()
	if n == 0 || d.err != nil {
		return nil
	}
	out := make([]string, 0, min(n, len(d.data)-d.off))
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.str())
	}
	return out
}

func (d *decoder) config() *ClusterConfig {
	return &ClusterConfig{
		CorrelationID: d.str(),
		Voters:        d.strs(),
		Learners:      d.strs(),
		NextVoters:    d.strs(),
		NextLearners:  d.strs(),
	}
}

func (d *decoder) entry() LogEntry {
	e := LogEntry{
		Index: d.u64(),
		Term:  d.u64(),
		Type:  d.u8(),
		Data:  d.bytes(),
	}
	if d.flag() {
		e.Config = d.config()
	}
	return e
}

// EncodeEntry serializes a log entry.
func EncodeEntry(ent *LogEntry) []byte {
	e := &encoder{buf: make([]byte, 0, ent.size()+8)}
	e.entry(ent)
	return e.buf
}

// DecodeEntry parses an entry produced by EncodeEntry.
func DecodeEntry(data []byte) (LogEntry, error) {
	d := &decoder{data: data}
	ent := d.entry()
	if d.err != nil {
		return LogEntry{}, d.err
	}
	return ent, nil
}

// EncodeMessage serializes a message for the wire.
func EncodeMessage(m *Message) []byte {
	e := &encoder{buf: make([]byte, 0, 128)}
	e.u8(uint8(m.Type))
	e.str(m.From)
	e.str(m.To)
	e.u64(m.Term)

	e.u64(m.LastLogIndex)
	e.u64(m.LastLogTerm)
	e.flag(m.LeaderTransfer)
	e.flag(m.Granted)
	e.u8(uint8(m.Reject))

	e.u64(m.PrevLogIndex)
	e.u64(m.PrevLogTerm)
	e.u32(uint32(len(m.Entries)))
	for i := range m.Entries {
		e.entry(&m.Entries[i])
	}
	e.u64(m.Commit)
	e.flag(m.Success)
	e.u64(m.MatchIndex)
	e.u64(m.ConflictIndex)
	e.u64(m.ConflictTerm)
	e.u64(m.Context)

	e.flag(m.Snapshot != nil)
	if s := m.Snapshot; s != nil {
		e.u64(s.Index)
		e.u64(s.Term)
		e.config(&s.Config)
		e.bytes(s.Data)
	}

	e.u64(m.ProposalID)
	e.u64(m.Index)
	return e.buf
}

// DecodeMessage parses a message produced by EncodeMessage.
func DecodeMessage(data []byte) (Message, error) {
	d := &decoder{data: data}
	m := Message{
		Type: MessageType(d.u8()),
		From: d.str(),
		To:   d.str(),
		Term: d.u64(),

		LastLogIndex:   d.u64(),
		LastLogTerm:    d.u64(),
		LeaderTransfer: d.flag(),
		Granted:        d.flag(),
		Reject:         RejectReason(d.u8()),

		PrevLogIndex: d.u64(),
		PrevLogTerm:  d.u64(),
	}
	if n := d.length(); n > 0 {
		m.Entries = make([]LogEntry, 0, min(n, 1024))
		for i := 0; i < n && d.err == nil; i++ {
			m.Entries = append(m.Entries, d.entry())
		}
	}
	m.Commit = d.u64()
	m.Success = d.flag()
	m.MatchIndex = d.u64()
	m.ConflictIndex = d.u64()
	m.ConflictTerm = d.u64()
	m.Context = d.u64()

	if d.flag() {
		s := &Snapshot{Index: d.u64(), Term: d.u64()}
		s.Config = *d.config()
		s.Data = d.bytes()
		m.Snapshot = s
	}

	m.ProposalID = d.u64()
	m.Index = d.u64()
	if d.err != nil {
		return Message{}, d.err
	}
	if m.Type > MsgProposeReply {
		return Message{}, errors.Wrapf(ErrLogCorrupted, "unknown message type %d", m.Type)
	}
	return m, nil
}
