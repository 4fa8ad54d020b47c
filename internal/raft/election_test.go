package raft

import (
	"testing"

	"github.com/cockroachdb/errors"
)

func newTestRaft(t *testing.T, id string, voters []string, ents []LogEntry) *raft {
	t.Helper()
	storage := NewMemoryStorage(NewClusterConfig(voters, nil))
	if err := storage.Append(ents); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	r, err := newRaft(DefaultConfig(id), storage, nil, nil)
	if err != nil {
		t.Fatalf("newRaft failed: %v", err)
	}
	return r
}

func lastReply(t *testing.T, r *raft) Message {
	t.Helper()
	msgs := r.readMessages()
	if len(msgs) == 0 {
		t.Fatal("no reply sent")
	}
	return msgs[len(msgs)-1]
}

func TestElectionSingleVoter(t *testing.T) {
	c := newTestCluster(t, []string{"a"}, nil)
	leader := c.waitLeader()
	if leader != "a" {
		t.Fatalf("leader = %q, want a", leader)
	}
	r := c.peers["a"]
	if r.term != 1 || r.commit != 1 {
		t.Errorf("term=%d commit=%d, want 1/1", r.term, r.commit)
	}
}

func TestElectionThreeVoters(t *testing.T) {
	for _, preVote := range []bool{true, false} {
		c := newTestCluster(t, ids("n", 3), nil, func(cfg *Config) { cfg.PreVote = preVote })
		leader := c.waitLeader()

		for _, id := range c.ids() {
			r := c.peers[id]
			if r.term != c.peers[leader].term {
				t.Errorf("preVote=%v: %s term %d, leader term %d", preVote, id, r.term, c.peers[leader].term)
			}
			if id != leader && (r.role() != RoleFollower || r.leader != leader) {
				t.Errorf("preVote=%v: %s role=%s leader=%q", preVote, id, r.role(), r.leader)
			}
		}
		c.checkSafety()
	}
}

func TestElectionAfterLeaderIsolated(t *testing.T) {
	c := newTestCluster(t, ids("n", 3), nil)
	old := c.waitLeader()

	c.isolate(old)
	c.tick(3 * DefaultConfig(old).ElectionTimeoutTick)

	leader := c.leader()
	if leader == "" || leader == old {
		t.Fatalf("leader = %q, want a new leader other than %s", leader, old)
	}
	if c.peers[old].isLeader() {
		t.Error("isolated leader should step down after losing its quorum")
	}

	c.heal()
	c.tick(5)

	if got := c.leader(); got != leader {
		t.Errorf("leader after heal = %q, want %q", got, leader)
	}
	r := c.peers[old]
	if r.role() != RoleFollower || r.leader != leader {
		t.Errorf("former leader role=%s leader=%q, want follower of %s", r.role(), r.leader, leader)
	}
	if r.term != c.peers[leader].term {
		t.Errorf("former leader term %d, want %d", r.term, c.peers[leader].term)
	}
	c.checkSafety()
}

func TestPreVoteDoesNotDisruptLeader(t *testing.T) {
	c := newTestCluster(t, ids("n", 3), nil)
	leader := c.waitLeader()
	term := c.peers[leader].term
	f := c.follower(leader)

	c.isolate(f)
	c.tick(50)
	if c.peers[f].term != term {
		t.Errorf("isolated follower term %d, want %d without real elections", c.peers[f].term, term)
	}

	c.heal()
	c.tick(5)
	if got := c.leader(); got != leader {
		t.Errorf("leader = %q, want %q", got, leader)
	}
	if c.peers[leader].term != term {
		t.Errorf("leader term %d, want %d", c.peers[leader].term, term)
	}
	if c.peers[f].leader != leader {
		t.Errorf("follower leader = %q, want %q", c.peers[f].leader, leader)
	}
}

func TestLearnerNeverCampaigns(t *testing.T) {
	c := newTestCluster(t, ids("n", 3), []string{"l1"})
	leader := c.waitLeader()

	c.isolate(leader)
	c.tick(100)
	if c.peers["l1"].role() != RoleLearner {
		t.Errorf("learner role = %s", c.peers["l1"].role())
	}
	for term, ids := range c.leaders {
		if ids["l1"] {
			t.Errorf("learner became leader in term %d", term)
		}
	}
}

func TestHandleVoteRequest(t *testing.T) {
	voters := []string{"a", "b", "c"}
	log := []LogEntry{{Index: 1, Term: 1}, {Index: 2, Term: 2}}

	tests := []struct {
		name   string
		msgs   []Message
		want   bool
		reject RejectReason
	}{
		{
			name: "up to date candidate",
			msgs: []Message{{Type: MsgRequestVote, From: "b", Term: 3, LastLogIndex: 2, LastLogTerm: 2}},
			want: true,
		},
		{
			name:   "shorter log",
			msgs:   []Message{{Type: MsgRequestVote, From: "b", Term: 3, LastLogIndex: 1, LastLogTerm: 2}},
			reject: RejectLogBehind,
		},
		{
			name:   "older last term",
			msgs:   []Message{{Type: MsgRequestVote, From: "b", Term: 3, LastLogIndex: 9, LastLogTerm: 1}},
			reject: RejectLogBehind,
		},
		{
			name: "newer last term with shorter log",
			msgs: []Message{{Type: MsgRequestPreVote, From: "b", Term: 3, LastLogIndex: 1, LastLogTerm: 3}},
			want: true,
		},
		{
			name: "already voted for another",
			msgs: []Message{
				{Type: MsgRequestVote, From: "b", Term: 3, LastLogIndex: 2, LastLogTerm: 2},
				{Type: MsgRequestVote, From: "c", Term: 3, LastLogIndex: 2, LastLogTerm: 2},
			},
			reject: RejectAlreadyVoted,
		},
		{
			name: "repeated request from the same candidate",
			msgs: []Message{
				{Type: MsgRequestVote, From: "b", Term: 3, LastLogIndex: 2, LastLogTerm: 2},
				{Type: MsgRequestVote, From: "b", Term: 3, LastLogIndex: 2, LastLogTerm: 2},
			},
			want: true,
		},
		{
			name: "stale term",
			msgs: []Message{
				{Type: MsgRequestVote, From: "b", Term: 3, LastLogIndex: 2, LastLogTerm: 2},
				{Type: MsgRequestVote, From: "c", Term: 2, LastLogIndex: 2, LastLogTerm: 2},
			},
			reject: RejectStaleTerm,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRaft(t, "a", voters, log)
			for _, m := range tt.msgs {
				m.To = "a"
				r.step(m)
			}
			reply := lastReply(t, r)
			if reply.Granted != tt.want || reply.Reject != tt.reject {
				t.Errorf("reply granted=%v reject=%d, want %v/%d", reply.Granted, reply.Reject, tt.want, tt.reject)
			}
		})
	}
}

func TestPreVoteKeepsTermAndVote(t *testing.T) {
	r := newTestRaft(t, "a", []string{"a", "b", "c"}, nil)
	r.step(Message{Type: MsgRequestPreVote, From: "b", To: "a", Term: 5})

	reply := lastReply(t, r)
	if !reply.Granted || reply.Type != MsgPreVoteReply || reply.Term != 5 {
		t.Errorf("reply = %+v, want granted pre-vote at term 5", reply)
	}
	if r.term != 0 || r.vote != "" {
		t.Errorf("term=%d vote=%q, pre-vote must not change them", r.term, r.vote)
	}
}

func TestVoteRejectedWithinLeaderLease(t *testing.T) {
	c := newTestCluster(t, ids("n", 3), nil)
	leader := c.waitLeader()
	f := c.follower(leader)
	r := c.peers[f]
	term := r.term

	r.step(Message{
		Type: MsgRequestVote, From: "x", To: f, Term: term + 1,
		LastLogIndex: 100, LastLogTerm: term,
	})
	reply := lastReply(t, r)
	if reply.Granted || reply.Reject != RejectLeaderLease {
		t.Errorf("reply = %+v, want lease rejection", reply)
	}
	if r.term != term {
		t.Errorf("term = %d, lease rejection must not adopt the term", r.term)
	}

	r.step(Message{
		Type: MsgRequestVote, From: "x", To: f, Term: term + 1,
		LastLogIndex: 100, LastLogTerm: term, LeaderTransfer: true,
	})
	if reply := lastReply(t, r); reply.Reject == RejectLeaderLease {
		t.Error("transfer campaign should bypass the lease")
	}
	if r.term != term+1 {
		t.Errorf("term = %d, want %d", r.term, term+1)
	}
}

func TestLeaderStepsDownWithoutQuorum(t *testing.T) {
	c := newTestCluster(t, ids("n", 3), nil)
	leader := c.waitLeader()

	for _, id := range c.ids() {
		if id != leader {
			c.isolate(id)
		}
	}
	c.tick(2 * DefaultConfig(leader).ElectionTimeoutTick)

	r := c.peers[leader]
	if r.isLeader() {
		t.Fatal("leader should step down after a check-quorum round without acks")
	}
	if r.leader != "" {
		t.Errorf("leader = %q, want none", r.leader)
	}
}

func TestStepDown(t *testing.T) {
	c := newTestCluster(t, ids("n", 3), nil)
	leader := c.waitLeader()

	if err := c.peers[c.follower(leader)].stepDown(); err != ErrNotLeader {
		t.Errorf("stepDown on follower = %v, want ErrNotLeader", err)
	}
	if err := c.peers[leader].stepDown(); err != nil {
		t.Fatalf("stepDown failed: %v", err)
	}
	c.deliver()
	if c.peers[leader].isLeader() {
		t.Error("leader should be a follower after stepDown")
	}

	c.waitLeader()
	c.checkSafety()
}

// flakyStorage fails SaveHardState while failSave is set.
type flakyStorage struct {
	*MemoryStorage
	failSave bool
}

func (s *flakyStorage) SaveHardState(hs HardState) error {
	if s.failSave {
		return errors.New("disk full")
	}
	return s.MemoryStorage.SaveHardState(hs)
}

func TestVoteNotSentUntilSaved(t *testing.T) {
	storage := &flakyStorage{MemoryStorage: NewMemoryStorage(NewClusterConfig([]string{"a", "b", "c"}, nil)), failSave: true}
	r, err := newRaft(DefaultConfig("a"), storage, nil, nil)
	if err != nil {
		t.Fatalf("newRaft failed: %v", err)
	}

	req := Message{Type: MsgRequestVote, From: "b", To: "a", Term: 5}
	r.step(req)
	if msgs := r.readMessages(); len(msgs) != 0 {
		t.Fatalf("sent %d messages while the vote was not saved: %+v", len(msgs), msgs)
	}
	if hs, _ := storage.InitialState(); hs.Vote != "" || hs.Term != 0 {
		t.Fatalf("hard state = %+v, want nothing saved", hs)
	}

	storage.failSave = false
	r.step(req)
	reply := lastReply(t, r)
	if !reply.Granted || reply.Term != 5 {
		t.Errorf("reply = %+v, want granted vote at term 5", reply)
	}
	if hs, _ := storage.InitialState(); hs.Vote != "b" || hs.Term != 5 {
		t.Errorf("hard state = %+v, want vote b at term 5", hs)
	}
}
