package raft

// transferOp tracks one leadership transfer. It lives on the replica, not in
// the leader role, so its outcome is observed after the leader steps down.
type transferOp struct {
	target  string
	term    uint64
	elapsed int
	future  *Future[struct{}]
}

// transferLeadership hands leadership to target. Preconditions fail fast
// without changing any state.
func (r *raft) transferLeadership(target string, f *Future[struct{}]) {
	st, ok := r.state.(*leaderState)
	switch {
	case target == r.id:
		f.fail(transferFailure(ErrSelfTransfer))
		return
	case !ok:
		f.fail(transferFailure(ErrTransferNotLeader))
		return
	case !r.config.IsVoter(target):
		f.fail(transferFailure(ErrNotFoundOrQualified))
		return
	case r.log.term(r.commit) != r.term:
		f.fail(transferFailure(ErrLeaderNotReady))
		return
	case r.transfer != nil:
		f.fail(transferFailure(ErrLeaderNotReady))
		return
	}

	pr := st.progress[target]
	if pr == nil {
		f.fail(transferFailure(ErrNotFoundOrQualified))
		return
	}

	r.logger.Info("leadership transfer started",
		"id", r.id,
		"target", target,
		"term", r.term,
		"targetMatch", pr.Match,
		"lastIndex", r.log.lastIndex())
	r.transfer = &transferOp{target: target, term: r.term, future: f}

	for idx, p := range r.proposals {
		p.future.fail(dropProposal(ErrTransferringLeader))
		delete(r.proposals, idx)
	}

	if pr.Match == r.log.lastIndex() {
		r.sendTimeoutNow(target)
		return
	}
	r.maybeSendAppend(target, pr, true)
}

// maybeSendTimeoutNow fires the transfer once the target caught up.
func (r *raft) maybeSendTimeoutNow(from string, pr *Progress) {
	t := r.transfer
	if t == nil || t.target != from || t.term != r.term || pr.Match != r.log.lastIndex() {
		return
	}
	r.sendTimeoutNow(from)
}

func (r *raft) sendTimeoutNow(to string) {
	r.logger.Debug("sending timeout now", "id", r.id, "target", to, "term", r.term)
	r.send(Message{Type: MsgTimeoutNow, To: to})
}

func (r *raft) tickTransfer() {
	t := r.transfer
	if t == nil {
		return
	}
	t.elapsed++
	if t.elapsed >= r.cfg.ElectionTimeoutTick {
		r.logger.Warn("leadership transfer timed out", "id", r.id, "target", t.target, "term", t.term)
		r.finishTransfer(transferFailure(ErrTransferTimeout))
	}
}

// checkTransferOutcome settles the transfer once a newer leader is known.
func (r *raft) checkTransferOutcome() {
	t := r.transfer
	if t == nil || r.term <= t.term || r.leader == "" {
		return
	}
	if r.leader == t.target {
		r.logger.Info("leadership transfer finished", "id", r.id, "leader", r.leader, "term", r.term)
		r.finishTransfer(nil)
		return
	}
	r.logger.Warn("leadership moved to another replica during transfer",
		"id", r.id,
		"target", t.target,
		"leader", r.leader,
		"term", r.term)
	r.finishTransfer(transferFailure(ErrLeaderNotReady))
}

func (r *raft) finishTransfer(err error) {
	t := r.transfer
	if t == nil {
		return
	}
	r.transfer = nil
	if err != nil {
		t.future.fail(err)
		return
	}
	t.future.resolve(struct{}{})
}
