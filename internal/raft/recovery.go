package raft

import (
	"slices"

	"golang.org/x/exp/maps"
)

// recoveryOp tracks one quorum-loss recovery. The replica probes every voter
// with a pre-vote at term+1 for one election timeout; voters that answer are
// considered alive.
type recoveryOp struct {
	tracker *QuorumTracker
	alive   map[string]struct{}
	elapsed int
	future  *Future[struct{}]
}

// recover forces a stuck candidate to lead when a quorum of voters is
// permanently gone. Preconditions fail fast without changing any state.
func (r *raft) recover(f *Future[struct{}]) {
	if r.recovery != nil {
		f.fail(recoveryFailure(ErrRecoveryInProgress))
		return
	}
	if !r.config.IsVoter(r.id) {
		f.fail(recoveryFailure(ErrNotVoter))
		return
	}
	switch st := r.state.(type) {
	case *leaderState:
		f.fail(recoveryFailure(ErrNotLostQuorum))
		return
	case *candidateState:
		if st.transfer {
			f.fail(recoveryFailure(ErrNotQualify))
			return
		}
	default:
		if r.leader != "" {
			f.fail(recoveryFailure(ErrNotLostQuorum))
		} else {
			f.fail(recoveryFailure(ErrNotQualify))
		}
		return
	}

	op := &recoveryOp{
		tracker: NewQuorumTracker(r.config),
		alive:   map[string]struct{}{r.id: {}},
		future:  f,
	}
	op.tracker.Poll(r.id, true)
	if op.tracker.Tally().Result == VoteWon {
		f.fail(recoveryFailure(ErrNotLostQuorum))
		return
	}
	r.recovery = op
	r.logger.Warn("recovery started", "id", r.id, "term", r.term, "config", r.config.String())
	r.requestVotes(MsgRequestPreVote, r.term+1, false)
}

// stepRecovery inspects a vote reply seen during recovery.
func (r *raft) stepRecovery(m Message) {
	op := r.recovery
	if !r.config.IsVoter(m.From) {
		return
	}
	switch m.Reject {
	case RejectLeaderLease:
		r.logger.Info("recovery refused, voter has a live leader", "id", r.id, "voter", m.From)
		r.finishRecovery(recoveryFailure(ErrNotLostQuorum))
	case RejectLogBehind:
		r.logger.Info("recovery refused, voter has a newer log", "id", r.id, "voter", m.From)
		r.finishRecovery(recoveryFailure(ErrNotQualify))
	default:
		op.alive[m.From] = struct{}{}
		op.tracker.Poll(m.From, true)
		if op.tracker.Tally().Result == VoteWon {
			r.logger.Info("recovery refused, quorum is reachable", "id", r.id)
			r.finishRecovery(recoveryFailure(ErrNotLostQuorum))
		}
	}
}

func (r *raft) tickRecovery() {
	op := r.recovery
	if op == nil {
		return
	}
	op.elapsed++
	if op.elapsed >= r.cfg.ElectionTimeoutTick {
		r.completeRecovery()
	}
}

// completeRecovery makes the replica leader and shrinks the voters to the
// ones that answered, so they can form a quorum again.
func (r *raft) completeRecovery() {
	op := r.recovery
	r.recovery = nil

	if st, ok := r.state.(*candidateState); ok && st.pre {
		// A pre-candidate never bumped its term; claim a fresh one so two
		// leaders cannot share a term.
		r.term++
		r.vote = r.id
		r.failForwarded(dropProposal(ErrProposalDropped))
	}

	alive := maps.Keys(op.alive)
	slices.Sort(alive)
	voters := make([]string, 0, len(alive))
	for _, id := range alive {
		if r.config.IsVoter(id) {
			voters = append(voters, id)
		}
	}
	var learners []string
	for _, id := range append(slices.Clone(r.config.Learners), r.config.NextLearners...) {
		if !slices.Contains(voters, id) {
			learners = append(learners, id)
		}
	}
	next := NewClusterConfig(voters, learners)

	r.logger.Warn("recovery forcing leadership",
		"id", r.id,
		"term", r.term,
		"correlationId", next.CorrelationID,
		"config", next.String())
	r.becomeLeader(ReasonRecovered)
	st, ok := r.state.(*leaderState)
	if !ok {
		op.future.fail(recoveryFailure(ErrRecoveryAborted))
		return
	}
	if _, err := r.appendEntries(st, LogEntry{Type: EntryConfig, Config: &next}); err != nil {
		op.future.fail(recoveryFailure(ErrRecoveryAborted))
		return
	}
	r.maybeCommit(st)
	op.future.resolve(struct{}{})
}

func (r *raft) finishRecovery(err error) {
	op := r.recovery
	if op == nil {
		return
	}
	r.recovery = nil
	op.future.fail(err)
}
