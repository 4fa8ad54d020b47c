package raft

import (
	"slices"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestNewClusterConfig(t *testing.T) {
	cfg := NewClusterConfig([]string{"c", "a", "b", "a", ""}, []string{"d"})

	if !slices.Equal(cfg.Voters, []string{"a", "b", "c"}) {
		t.Errorf("Voters = %v, want sorted distinct ids", cfg.Voters)
	}
	if cfg.CorrelationID == "" {
		t.Error("CorrelationID should be set")
	}
	if cfg.IsJoint() {
		t.Error("new config should not be joint")
	}
	if other := NewClusterConfig(cfg.Voters, cfg.Learners); other.CorrelationID == cfg.CorrelationID {
		t.Error("each config should get its own correlation id")
	}
}

func TestClusterConfigMembership(t *testing.T) {
	cfg := ClusterConfig{
		Voters:       []string{"a", "b"},
		Learners:     []string{"l1"},
		NextVoters:   []string{"b", "c"},
		NextLearners: []string{"a"},
	}

	tests := []struct {
		id      string
		voter   bool
		learner bool
	}{
		{"a", true, false},
		{"b", true, false},
		{"c", true, false},
		{"l1", false, true},
		{"x", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := cfg.IsVoter(tt.id); got != tt.voter {
				t.Errorf("IsVoter = %v, want %v", got, tt.voter)
			}
			if got := cfg.IsLearner(tt.id); got != tt.learner {
				t.Errorf("IsLearner = %v, want %v", got, tt.learner)
			}
			if got := cfg.IsMember(tt.id); got != (tt.voter || tt.learner) {
				t.Errorf("IsMember = %v", got)
			}
		})
	}

	if got := cfg.Members(); !slices.Equal(got, []string{"a", "b", "c", "l1"}) {
		t.Errorf("Members = %v", got)
	}
	if got := cfg.AllVoters(); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("AllVoters = %v", got)
	}
}

func TestClusterConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ClusterConfig
		wantErr bool
	}{
		{"valid", ClusterConfig{Voters: []string{"a"}, Learners: []string{"b"}}, false},
		{"learner is voter", ClusterConfig{Voters: []string{"a"}, Learners: []string{"a"}}, true},
		{"next learner is next voter", ClusterConfig{Voters: []string{"a"}, NextVoters: []string{"b"}, NextLearners: []string{"b"}}, true},
		{"next learners only", ClusterConfig{Voters: []string{"a"}, NextLearners: []string{"b"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error %v should match ErrInvalidConfig", err)
			}
		})
	}
}

func TestClusterConfigJointTransition(t *testing.T) {
	old := NewClusterConfig([]string{"a", "b", "c"}, nil)
	joint := old.enterJoint([]string{"d", "b", "a"}, []string{"c"}, "cid")

	if !joint.IsJoint() {
		t.Fatal("enterJoint should produce a joint config")
	}
	if !slices.Equal(joint.Voters, old.Voters) {
		t.Errorf("joint Voters = %v, want old voters", joint.Voters)
	}
	if !slices.Equal(joint.NextVoters, []string{"a", "b", "d"}) {
		t.Errorf("joint NextVoters = %v", joint.NextVoters)
	}
	if joint.IsLearner("c") {
		t.Error("c still votes in the old group and is not a learner")
	}

	final := joint.leaveJoint()
	if final.IsJoint() {
		t.Error("leaveJoint should produce a simple config")
	}
	if !slices.Equal(final.Voters, []string{"a", "b", "d"}) || !slices.Equal(final.Learners, []string{"c"}) {
		t.Errorf("final = %s", final)
	}
	if final.CorrelationID != "cid" {
		t.Errorf("CorrelationID = %q, want cid", final.CorrelationID)
	}
}

func TestClusterConfigCloneAndEqual(t *testing.T) {
	cfg := NewClusterConfig([]string{"a", "b"}, []string{"c"})
	cp := cfg.Clone()
	if !cp.Equal(cfg) {
		t.Fatal("clone should equal the original")
	}
	cp.Voters[0] = "z"
	if cfg.Voters[0] != "a" {
		t.Error("clone shares memory with the original")
	}
	if cp.Equal(cfg) {
		t.Error("modified clone should differ")
	}
}
