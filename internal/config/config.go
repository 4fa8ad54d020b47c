// Package config provides configuration parsing and validation for basekv.
package config

import (
	"time"

	"github.com/KilimcininKorOglu/basekv/internal/raft"
)

// Config holds the complete replica configuration.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Cluster ClusterConfig `yaml:"cluster"`
	Raft    RaftConfig    `yaml:"raft"`
	Logging LogConfig     `yaml:"logging"`
	KV      KVConfig      `yaml:"kv"`
}

// NodeConfig identifies the local replica.
type NodeConfig struct {
	ID           string        `yaml:"id"`
	RaftAddr     string        `yaml:"raftAddr"`
	DataDir      string        `yaml:"dataDir"`
	TickInterval time.Duration `yaml:"tickInterval"`
}

// ClusterConfig lists the initial members of the group.
type ClusterConfig struct {
	Voters   []PeerConfig `yaml:"voters"`
	Learners []PeerConfig `yaml:"learners"`
}

// PeerConfig is one member and its raft address.
type PeerConfig struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// RaftConfig holds the consensus knobs.
type RaftConfig struct {
	ElectionTimeoutTick        int    `yaml:"electionTimeoutTick"`
	HeartbeatTimeoutTick       int    `yaml:"heartbeatTimeoutTick"`
	InstallSnapshotTimeoutTick int    `yaml:"installSnapshotTimeoutTick"`
	MaxSizePerAppend           uint64 `yaml:"maxSizePerAppend"`
	MaxInflightAppends         int    `yaml:"maxInflightAppends"`
	MaxUncommittedProposals    int    `yaml:"maxUncommittedProposals"`
	PreVote                    bool   `yaml:"preVote"`
	ReadOnlyLeaderLeaseMode    bool   `yaml:"readOnlyLeaderLeaseMode"`
	ReadOnlyBatch              int    `yaml:"readOnlyBatch"`
	DisableForwardProposal     bool   `yaml:"disableForwardProposal"`
	AsyncAppend                bool   `yaml:"asyncAppend"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// KVConfig holds the client-facing key-value settings.
type KVConfig struct {
	Listen            string `yaml:"listen"`
	SnapshotThreshold int    `yaml:"snapshotThreshold"`
}

// RaftOptions builds the replica settings for the local node.
func (c *Config) RaftOptions() raft.Config {
	return raft.Config{
		ID:                         c.Node.ID,
		ElectionTimeoutTick:        c.Raft.ElectionTimeoutTick,
		HeartbeatTimeoutTick:       c.Raft.HeartbeatTimeoutTick,
		InstallSnapshotTimeoutTick: c.Raft.InstallSnapshotTimeoutTick,
		MaxSizePerAppend:           c.Raft.MaxSizePerAppend,
		MaxInflightAppends:         c.Raft.MaxInflightAppends,
		MaxUncommittedProposals:    c.Raft.MaxUncommittedProposals,
		PreVote:                    c.Raft.PreVote,
		ReadOnlyLeaderLeaseMode:    c.Raft.ReadOnlyLeaderLeaseMode,
		ReadOnlyBatch:              c.Raft.ReadOnlyBatch,
		DisableForwardProposal:     c.Raft.DisableForwardProposal,
		AsyncAppend:                c.Raft.AsyncAppend,
		TickInterval:               c.Node.TickInterval,
	}
}

// Members returns the initial voter and learner ids.
func (c *ClusterConfig) Members() (voters, learners []string) {
	for _, p := range c.Voters {
		voters = append(voters, p.ID)
	}
	for _, p := range c.Learners {
		learners = append(learners, p.ID)
	}
	return voters, learners
}

// Peers maps every member other than self to its raft address.
func (c *ClusterConfig) Peers(self string) map[string]string {
	peers := make(map[string]string)
	for _, list := range [][]PeerConfig{c.Voters, c.Learners} {
		for _, p := range list {
			if p.ID != self {
				peers[p.ID] = p.Addr
			}
		}
	}
	return peers
}
