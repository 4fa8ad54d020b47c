package raft

// VoteResult is the outcome of a tally.
type VoteResult uint8

const (
	VotePending VoteResult = iota
	VoteLost
	VoteWon
)

func (r VoteResult) String() string {
	switch r {
	case VotePending:
		return "pending"
	case VoteLost:
		return "lost"
	case VoteWon:
		return "won"
	default:
		return "unknown"
	}
}

// VoteGroupResult is the tally of a single voter group.
type VoteGroupResult struct {
	Result VoteResult
	Yes    int
	No     int
	Miss   int
}

// VoteTally is the combined tally over one or two (joint) voter groups.
type VoteTally struct {
	Result   VoteResult
	GroupOne VoteGroupResult
	GroupTwo VoteGroupResult
}

// QuorumTracker collects per-voter ballots and decides whether a vote has
// reached a majority in every group of the (possibly joint) config.
type QuorumTracker struct {
	groupOne map[string]struct{}
	groupTwo map[string]struct{}
	ballots  map[string]bool
}

// NewQuorumTracker creates a tracker for the given config.
func NewQuorumTracker(cfg ClusterConfig) *QuorumTracker {
	q := &QuorumTracker{ballots: make(map[string]bool)}
	q.install(cfg)
	return q
}

func (q *QuorumTracker) install(cfg ClusterConfig) {
	q.groupOne = make(map[string]struct{}, len(cfg.Voters))
	for _, v := range cfg.Voters {
		q.groupOne[v] = struct{}{}
	}
	q.groupTwo = make(map[string]struct{}, len(cfg.NextVoters))
	for _, v := range cfg.NextVoters {
		q.groupTwo[v] = struct{}{}
	}
}

func (q *QuorumTracker) isVoter(id string) bool {
	if _, ok := q.groupOne[id]; ok {
		return true
	}
	_, ok := q.groupTwo[id]
	return ok
}

// Poll records the first ballot of a voter. Ballots from ids outside both
// groups are ignored.
func (q *QuorumTracker) Poll(id string, granted bool) {
	if !q.isVoter(id) {
		return
	}
	if _, ok := q.ballots[id]; ok {
		return
	}
	q.ballots[id] = granted
}

// Tally computes the current result.
func (q *QuorumTracker) Tally() VoteTally {
	one := q.tallyGroup(q.groupOne)
	two := q.tallyGroup(q.groupTwo)
	t := VoteTally{GroupOne: one, GroupTwo: two}
	switch {
	case len(q.groupTwo) == 0:
		t.Result = one.Result
	case one.Result == VoteWon && two.Result == VoteWon:
		t.Result = VoteWon
	case one.Result == VoteLost || two.Result == VoteLost:
		t.Result = VoteLost
	default:
		t.Result = VotePending
	}
	return t
}

func (q *QuorumTracker) tallyGroup(group map[string]struct{}) VoteGroupResult {
	total := len(group)
	if total == 0 {
		return VoteGroupResult{Result: VoteWon}
	}
	var r VoteGroupResult
	for id := range group {
		granted, ok := q.ballots[id]
		switch {
		case !ok:
		case granted:
			r.Yes++
		default:
			r.No++
		}
	}
	r.Miss = total - r.Yes - r.No
	quorum := total/2 + 1
	switch {
	case r.Yes >= quorum:
		r.Result = VoteWon
	case r.No > total-quorum:
		r.Result = VoteLost
	default:
		r.Result = VotePending
	}
	return r
}

// Reset clears all ballots and keeps the config.
func (q *QuorumTracker) Reset() {
	q.ballots = make(map[string]bool)
}

// Refresh installs a new config, dropping ballots of departed voters.
func (q *QuorumTracker) Refresh(cfg ClusterConfig) {
	q.install(cfg)
	for id := range q.ballots {
		if !q.isVoter(id) {
			delete(q.ballots, id)
		}
	}
}

// committedIndex returns the highest index acknowledged by a quorum of every
// group, given each voter's match index.
func (q *QuorumTracker) committedIndex(match func(id string) uint64) uint64 {
	candidates := make([]uint64, 0, len(q.groupOne)+len(q.groupTwo))
	for id := range q.groupOne {
		candidates = append(candidates, match(id))
	}
	for id := range q.groupTwo {
		candidates = append(candidates, match(id))
	}
	var best uint64
	for _, n := range candidates {
		if n <= best {
			continue
		}
		q.Reset()
		for id := range q.groupOne {
			q.Poll(id, match(id) >= n)
		}
		for id := range q.groupTwo {
			q.Poll(id, match(id) >= n)
		}
		if q.Tally().Result == VoteWon {
			best = n
		}
	}
	q.Reset()
	return best
}
