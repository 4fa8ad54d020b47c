package raft

import "fmt"

// ProgressState is the replication sub-mode of a peer.
type ProgressState uint8

const (
	// ProgressProbe sends one batch per heartbeat until the match point is found.
	ProgressProbe ProgressState = iota
	// ProgressReplicate streams batches optimistically within the inflight window.
	ProgressReplicate
	// ProgressSnapshot waits for an installed snapshot to be acknowledged.
	ProgressSnapshot
)

func (s ProgressState) String() string {
	switch s {
	case ProgressProbe:
		return "probe"
	case ProgressReplicate:
		return "replicate"
	case ProgressSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// Progress is the leader's view of one peer.
type Progress struct {
	Match uint64
	Next  uint64
	State ProgressState

	// PendingSnapshot is the index of the snapshot in flight.
	PendingSnapshot uint64

	// RecentActive is set on any reply and cleared at each check-quorum round.
	RecentActive bool

	// ProbeSent pauses a probing peer until it replies or a heartbeat is due.
	ProbeSent bool

	inflights       *inflights
	snapshotElapsed int
	// heartbeatMatch is Match at the previous heartbeat ack.
	heartbeatMatch uint64
	stalledAcks    int
}

// stallRounds is the number of consecutive heartbeat acks without progress
// after which a replicating peer is rewound.
const stallRounds = 3

func newProgress(next uint64, maxInflight int) *Progress {
	return &Progress{
		Next:      next,
		State:     ProgressProbe,
		inflights: newInflights(maxInflight),
	}
}

func (p *Progress) reset(state ProgressState) {
	p.State = state
	p.ProbeSent = false
	p.PendingSnapshot = 0
	p.snapshotElapsed = 0
	p.stalledAcks = 0
	p.inflights.reset()
}

func (p *Progress) becomeProbe() {
	if p.State == ProgressSnapshot {
		pending := p.PendingSnapshot
		p.reset(ProgressProbe)
		p.Next = max(p.Match+1, pending+1)
		return
	}
	p.reset(ProgressProbe)
	p.Next = p.Match + 1
}

func (p *Progress) becomeReplicate() {
	p.reset(ProgressReplicate)
	p.Next = p.Match + 1
}

func (p *Progress) becomeSnapshot(index uint64) {
	p.reset(ProgressSnapshot)
	p.PendingSnapshot = index
}

// maybeUpdate records an acknowledged index. It returns false for stale acks.
func (p *Progress) maybeUpdate(n uint64) bool {
	updated := false
	if p.Match < n {
		p.Match = n
		updated = true
		p.ProbeSent = false
	}
	p.Next = max(p.Next, n+1)
	return updated
}

func (p *Progress) optimisticUpdate(n uint64) {
	p.Next = n + 1
}

// maybeDecrTo rewinds Next after a rejection of the batch following rejected.
// hint is the leader-side estimate of the first index the peer may lack.
// It returns false when the rejection is stale.
func (p *Progress) maybeDecrTo(rejected, hint uint64) bool {
	if p.State == ProgressReplicate {
		if rejected <= p.Match {
			return false
		}
		p.Next = p.Match + 1
		return true
	}
	if p.Next-1 != rejected {
		return false
	}
	p.Next = max(min(rejected, hint), p.Match+1, 1)
	p.ProbeSent = false
	return true
}

// stalled reports whether a replicating peer made no progress over
// stallRounds heartbeat acks while entries are outstanding. Batches sent in
// Replicate mode are never resent, so a lost batch is only recovered by
// rewinding to the match point.
func (p *Progress) stalled(lastIndex uint64) bool {
	if p.State != ProgressReplicate || p.Match >= lastIndex || p.Match != p.heartbeatMatch {
		p.heartbeatMatch = p.Match
		p.stalledAcks = 0
		return false
	}
	p.stalledAcks++
	return p.stalledAcks >= stallRounds
}

func (p *Progress) isPaused() bool {
	switch p.State {
	case ProgressProbe:
		return p.ProbeSent
	case ProgressReplicate:
		return p.inflights.full()
	case ProgressSnapshot:
		return true
	default:
		return false
	}
}

func (p *Progress) String() string {
	return fmt.Sprintf("match=%d next=%d state=%s inflight=%d", p.Match, p.Next, p.State, p.inflights.count())
}

// inflights tracks the last index of every unacknowledged batch.
type inflights struct {
	capacity int
	last     []uint64
}

func newInflights(capacity int) *inflights {
	return &inflights{capacity: capacity}
}

func (in *inflights) add(last uint64) {
	in.last = append(in.last, last)
}

// freeTo releases every batch ending at or before index.
func (in *inflights) freeTo(index uint64) {
	i := 0
	for i < len(in.last) && in.last[i] <= index {
		i++
	}
	in.last = in.last[i:]
}

func (in *inflights) full() bool { return len(in.last) >= in.capacity }
func (in *inflights) count() int {
	if in == nil {
		return 0
	}
	return len(in.last)
}
func (in *inflights) reset() { in.last = nil }
