package raft

// EventType identifies the kind of an Event.
type EventType uint8

const (
	// EventElection is emitted on every role or term transition.
	EventElection EventType = iota
	// EventConfigApplied is emitted when a config entry is applied.
	EventConfigApplied
	// EventSnapshotInstalled is emitted after a snapshot replaced the log.
	EventSnapshotInstalled
)

func (t EventType) String() string {
	switch t {
	case EventElection:
		return "election"
	case EventConfigApplied:
		return "config-applied"
	case EventSnapshotInstalled:
		return "snapshot-installed"
	default:
		return "unknown"
	}
}

// Reasons attached to election events.
const (
	ReasonElectionTimeout = "election timeout"
	ReasonPreVoteWon      = "pre-vote won"
	ReasonVoteWon         = "vote won"
	ReasonVoteLost        = "vote lost"
	ReasonHigherTerm      = "higher term"
	ReasonLeaderFound     = "leader found"
	ReasonQuorumLost      = "quorum lost"
	ReasonTimeoutNow      = "timeout now"
	ReasonStepDown        = "step down"
	ReasonRemoved         = "removed from config"
	ReasonConfigChanged   = "config changed"
	ReasonRecovered       = "recovered"
	ReasonSnapshot        = "snapshot installed"
)

// Event is a notification for collaborators of the node. Only the fields
// relevant to Type are set.
type Event struct {
	Type   EventType
	Term   uint64
	Role   Role
	Leader string
	Reason string
	Index  uint64
	Config ClusterConfig
}

// EventListener receives events on the node's loop goroutine and must not block.
type EventListener func(Event)
