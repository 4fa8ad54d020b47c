package raft

import (
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// setConfig installs the newest membership in the log. A config takes effect
// as soon as its entry is appended, and is reverted when the entry is
// truncated away.
func (r *raft) setConfig(cfg ClusterConfig, index uint64) {
	if index == r.configIndex && cfg.Equal(r.config) {
		return
	}
	r.config = cfg.Clone()
	r.configIndex = index
	r.logger.Info("cluster config changed", "id", r.id, "index", index, "config", cfg.String())

	switch st := r.state.(type) {
	case *leaderState:
		r.syncProgress(st)
	case *candidateState:
		st.tracker.Refresh(r.config)
		if !r.config.IsVoter(r.id) {
			r.becomeFollower(r.term, "", ReasonRemoved)
		}
	default:
		r.becomePassive(ReasonConfigChanged)
	}

	if t := r.transfer; t != nil && !r.config.IsVoter(t.target) {
		r.finishTransfer(transferFailure(ErrNotFoundOrQualified))
	}
	if op := r.recovery; op != nil {
		if !r.config.IsVoter(r.id) {
			r.finishRecovery(recoveryFailure(ErrRecoveryAborted))
		} else {
			op.tracker.Refresh(r.config)
		}
	}
}

// syncProgress creates progress for new members and drops departed ones.
func (r *raft) syncProgress(st *leaderState) {
	members := r.config.Members()
	next := r.log.lastIndex() + 1
	for _, id := range members {
		if _, ok := st.progress[id]; ok {
			continue
		}
		pr := newProgress(next, r.cfg.MaxInflightAppends)
		pr.RecentActive = true
		if id == r.id {
			pr.Match = next - 1
		}
		st.progress[id] = pr
	}
	for id := range st.progress {
		if !slices.Contains(members, id) {
			delete(st.progress, id)
		}
	}
}

// changeConfig proposes a new member set. A change of the voter set is
// always staged through a joint config; a learner-only change is applied in
// one step.
func (r *raft) changeConfig(voters, learners []string, f *Future[struct{}]) {
	st, ok := r.state.(*leaderState)
	switch {
	case !ok:
		f.fail(dropProposal(ErrNotLeader))
		return
	case r.transfer != nil:
		f.fail(dropProposal(ErrTransferringLeader))
		return
	case r.pendingConfig != nil || r.config.IsJoint() || r.configIndex > r.commit:
		f.fail(ErrConfigChangeInProgress)
		return
	}

	target := ClusterConfig{Voters: sortedSet(voters), Learners: sortedSet(learners)}
	if len(target.Voters) == 0 {
		f.fail(errors.Wrap(ErrInvalidConfig, "config has no voters"))
		return
	}
	if err := target.Validate(); err != nil {
		f.fail(err)
		return
	}

	id := uuid.NewString()
	var next ClusterConfig
	if slices.Equal(target.Voters, r.config.Voters) {
		next = ClusterConfig{CorrelationID: id, Voters: target.Voters, Learners: target.Learners}
	} else {
		next = r.config.enterJoint(target.Voters, target.Learners, id)
	}

	r.logger.Info("proposing config change", "id", r.id, "correlationId", id, "config", next.String())
	r.pendingConfig = &configChange{correlationID: id, future: f}
	if _, err := r.appendEntries(st, LogEntry{Type: EntryConfig, Config: &next}); err != nil {
		r.pendingConfig = nil
		f.fail(err)
		return
	}
	r.maybeCommit(st)
}

// onConfigCommitted finishes config changes once their entries commit.
func (r *raft) onConfigCommitted(cfg ClusterConfig, index uint64) {
	if cc := r.pendingConfig; cc != nil && !cfg.IsJoint() && cc.correlationID == cfg.CorrelationID {
		cc.future.resolve(struct{}{})
		r.pendingConfig = nil
	}

	st, ok := r.state.(*leaderState)
	if !ok || index != r.configIndex {
		return
	}
	if cfg.IsJoint() {
		final := cfg.leaveJoint()
		r.logger.Info("leaving joint config", "id", r.id, "correlationId", cfg.CorrelationID)
		if _, err := r.appendEntries(st, LogEntry{Type: EntryConfig, Config: &final}); err == nil {
			r.maybeCommit(st)
		}
		return
	}
	if !cfg.IsVoter(r.id) {
		// Tell the remaining voters the commit index before leaving.
		r.sendHeartbeats(st, 0)
		r.becomeFollower(r.term, "", ReasonRemoved)
	}
}
