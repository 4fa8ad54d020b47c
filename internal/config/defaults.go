package config

import (
	"time"

	"github.com/KilimcininKorOglu/basekv/internal/raft"
)

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	r := raft.DefaultConfig("")
	return &Config{
		Node: NodeConfig{
			RaftAddr:     "127.0.0.1:7000",
			DataDir:      "/var/lib/basekv",
			TickInterval: 100 * time.Millisecond,
		},
		Raft: RaftConfig{
			ElectionTimeoutTick:        r.ElectionTimeoutTick,
			HeartbeatTimeoutTick:       r.HeartbeatTimeoutTick,
			InstallSnapshotTimeoutTick: r.InstallSnapshotTimeoutTick,
			MaxSizePerAppend:           r.MaxSizePerAppend,
			MaxInflightAppends:         r.MaxInflightAppends,
			MaxUncommittedProposals:    r.MaxUncommittedProposals,
			PreVote:                    r.PreVote,
			ReadOnlyLeaderLeaseMode:    r.ReadOnlyLeaderLeaseMode,
			ReadOnlyBatch:              r.ReadOnlyBatch,
			DisableForwardProposal:     r.DisableForwardProposal,
			AsyncAppend:                r.AsyncAppend,
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		KV: KVConfig{
			Listen:            "127.0.0.1:7100",
			SnapshotThreshold: 10000,
		},
	}
}
