package raft

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Role is the replica role of a node.
type Role uint8

// Replica roles.
const (
	RoleFollower Role = iota
	RolePreCandidate
	RoleCandidate
	RoleLeader
	RoleLearner
	RoleRemoved
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RolePreCandidate:
		return "pre-candidate"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	case RoleLearner:
		return "learner"
	case RoleRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Config holds the settings of one replica. Timeouts are in logical ticks.
type Config struct {
	ID string // Replica id, unique within the group

	ElectionTimeoutTick        int    // Ticks without a leader before campaigning
	HeartbeatTimeoutTick       int    // Ticks between leader heartbeats
	InstallSnapshotTimeoutTick int    // Ticks before an unacknowledged snapshot is resent
	MaxSizePerAppend           uint64 // Byte budget of one AppendEntries batch
	MaxInflightAppends         int    // Unacknowledged batches per peer
	MaxUncommittedProposals    int    // Uncommitted client entries accepted before proposals are refused
	PreVote                    bool
	ReadOnlyLeaderLeaseMode    bool
	ReadOnlyBatch              int
	DisableForwardProposal     bool
	AsyncAppend                bool

	// Applied is the last index the state machine already holds; entries up
	// to it are not delivered again after a restart.
	Applied uint64

	// TickInterval drives ticks from a wall-clock ticker inside Node.
	// Zero means the caller calls Node.Tick.
	TickInterval time.Duration
}

// DefaultConfig returns the default settings for replica id.
func DefaultConfig(id string) Config {
	return Config{
		ID:                         id,
		ElectionTimeoutTick:        10,
		HeartbeatTimeoutTick:       1,
		InstallSnapshotTimeoutTick: 2000,
		MaxSizePerAppend:           1024,
		MaxInflightAppends:         1024,
		MaxUncommittedProposals:    1024,
		PreVote:                    true,
		ReadOnlyLeaderLeaseMode:    true,
		ReadOnlyBatch:              10,
		DisableForwardProposal:     false,
		AsyncAppend:                true,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch {
	case c.ID == "":
		return errors.Wrap(ErrInvalidConfig, "replica id is empty")
	case c.ElectionTimeoutTick <= 0:
		return errors.Wrap(ErrInvalidConfig, "election timeout tick must be positive")
	case c.HeartbeatTimeoutTick <= 0:
		return errors.Wrap(ErrInvalidConfig, "heartbeat timeout tick must be positive")
	case c.HeartbeatTimeoutTick >= c.ElectionTimeoutTick:
		return errors.Wrapf(ErrInvalidConfig, "heartbeat timeout tick %d must be below election timeout tick %d",
			c.HeartbeatTimeoutTick, c.ElectionTimeoutTick)
	case c.InstallSnapshotTimeoutTick <= 0:
		return errors.Wrap(ErrInvalidConfig, "install snapshot timeout tick must be positive")
	case c.MaxInflightAppends <= 0:
		return errors.Wrap(ErrInvalidConfig, "max inflight appends must be positive")
	case c.MaxUncommittedProposals <= 0:
		return errors.Wrap(ErrInvalidConfig, "max uncommitted proposals must be positive")
	case c.ReadOnlyBatch <= 0:
		return errors.Wrap(ErrInvalidConfig, "read only batch must be positive")
	case c.TickInterval < 0:
		return errors.Wrap(ErrInvalidConfig, "tick interval is negative")
	}
	return nil
}
