package raft

import (
	"slices"
	"testing"

	"github.com/cockroachdb/errors"
)

func recoverOn(c *testCluster, id string) *Future[struct{}] {
	f := newFuture[struct{}]()
	c.peers[id].recover(f)
	c.deliver()
	return f
}

func preCandidate(c *testCluster) string {
	c.t.Helper()
	for _, id := range c.ids() {
		if !c.isolated[id] && c.peers[id].role() == RolePreCandidate {
			return id
		}
	}
	c.t.Fatal("no reachable pre-candidate")
	return ""
}

func TestRecoverPreconditions(t *testing.T) {
	c := newTestCluster(t, ids("n", 3), []string{"l1"})
	leader := c.waitLeader()

	tests := []struct {
		name string
		id   string
		want error
	}{
		{"leader", leader, ErrNotLostQuorum},
		{"follower with a live leader", c.follower(leader), ErrNotLostQuorum},
		{"learner", "l1", ErrNotVoter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := result(t, recoverOn(c, tt.id))
			if !errors.Is(err, tt.want) || !errors.Is(err, ErrRecovery) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRecoverNotQualify(t *testing.T) {
	r := newTestRaft(t, "a", []string{"a", "b", "c"}, nil)
	f := newFuture[struct{}]()
	r.recover(f)
	if _, err := result(t, f); !errors.Is(err, ErrNotQualify) {
		t.Errorf("follower without leader = %v, want ErrNotQualify", err)
	}

	r.becomeCandidate(true, ReasonTimeoutNow)
	f = newFuture[struct{}]()
	r.recover(f)
	if _, err := result(t, f); !errors.Is(err, ErrNotQualify) {
		t.Errorf("transfer candidate = %v, want ErrNotQualify", err)
	}
}

func TestRecoverRefusedWithinLease(t *testing.T) {
	c := newTestCluster(t, ids("n", 3), nil)
	leader := c.waitLeader()
	f := c.follower(leader)

	c.isolate(f)
	c.tick(3 * DefaultConfig(f).ElectionTimeoutTick)
	if c.peers[f].role() != RolePreCandidate {
		t.Fatalf("isolated follower role = %s, want pre-candidate", c.peers[f].role())
	}
	c.heal()

	_, err := result(t, recoverOn(c, f))
	if !errors.Is(err, ErrNotLostQuorum) {
		t.Errorf("error = %v, want ErrNotLostQuorum", err)
	}
	if c.leader() != leader {
		t.Errorf("recovery attempt changed the leader")
	}
}

func TestRecoverAbortedByLeader(t *testing.T) {
	c := newTestCluster(t, ids("n", 3), nil)
	leader := c.waitLeader()
	f := c.follower(leader)

	c.isolate(f)
	c.tick(3 * DefaultConfig(f).ElectionTimeoutTick)
	fut := recoverOn(c, f)
	if fut.Completed() {
		t.Fatal("recovery finished while isolated")
	}
	_, err := result(t, recoverOn(c, f))
	if !errors.Is(err, ErrRecoveryInProgress) {
		t.Errorf("second recover = %v, want ErrRecoveryInProgress", err)
	}

	c.heal()
	c.tick(2)
	if _, err := result(t, fut); !errors.Is(err, ErrRecoveryAborted) {
		t.Errorf("error = %v, want ErrRecoveryAborted", err)
	}
	if c.peers[f].leader != leader {
		t.Errorf("follower leader = %q, want %q", c.peers[f].leader, leader)
	}
}

func TestRecoverAfterQuorumLoss(t *testing.T) {
	c := newTestCluster(t, ids("n", 4), []string{"l1"})
	old := c.waitLeader()

	var lost []string
	for _, id := range c.ids() {
		if id != old && id != "l1" && len(lost) < 2 {
			lost = append(lost, id)
			c.isolate(id)
		}
	}
	c.tick(3 * DefaultConfig(old).ElectionTimeoutTick)
	if c.leader() != "" {
		t.Fatalf("leader %q elected without a quorum", c.leader())
	}

	id := preCandidate(c)
	term := c.peers[id].term
	f := recoverOn(c, id)
	c.tick(DefaultConfig(id).ElectionTimeoutTick)

	if _, err := result(t, f); err != nil {
		t.Fatalf("recovery failed: %v", err)
	}
	r := c.peers[id]
	if !r.isLeader() || r.term != term+1 {
		t.Fatalf("role=%s term=%d, want leader at term %d", r.role(), r.term, term+1)
	}

	var alive []string
	for _, p := range c.ids() {
		if p != "l1" && !slices.Contains(lost, p) {
			alive = append(alive, p)
		}
	}
	cfg := r.config
	if !slices.Equal(cfg.Voters, alive) || !slices.Equal(cfg.Learners, []string{"l1"}) {
		t.Errorf("config = %s, want voters %v learners [l1]", cfg, alive)
	}

	if _, err := result(t, c.propose(id, "x")); err != nil {
		t.Fatalf("proposal after recovery failed: %v", err)
	}
	for _, p := range alive {
		if p == id {
			continue
		}
		if fr := c.peers[p]; fr.role() != RoleFollower || fr.leader != id {
			t.Errorf("%s role=%s leader=%q, want follower of %s", p, fr.role(), fr.leader, id)
		}
	}
	if got := c.sms["l1"].values(); !slices.Equal(got, []string{"x"}) {
		t.Errorf("learner applied %v, want [x]", got)
	}
	c.checkSafety()
}
