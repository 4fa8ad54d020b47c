package raft

// campaign starts an election. Campaigns triggered by TimeoutNow skip the
// pre-vote round.
func (r *raft) campaign(transfer bool, reason string) {
	if r.cfg.PreVote && !transfer {
		r.becomePreCandidate(reason)
		return
	}
	r.becomeCandidate(transfer, reason)
}

// becomePreCandidate probes electability at term+1 without bumping the term
// or persisting a vote.
func (r *raft) becomePreCandidate(reason string) {
	st := &candidateState{pre: true, tracker: NewQuorumTracker(r.config)}
	r.state = st
	r.leader = ""
	r.electionElapsed = 0
	r.resetRandomizedElectionTimeout()
	r.emitElection(reason)

	st.tracker.Poll(r.id, true)
	if st.tracker.Tally().Result == VoteWon {
		r.becomeCandidate(false, ReasonPreVoteWon)
		return
	}
	r.requestVotes(MsgRequestPreVote, r.term+1, false)
}

func (r *raft) becomeCandidate(transfer bool, reason string) {
	if r.recovery != nil {
		r.finishRecovery(recoveryFailure(ErrRecoveryAborted))
	}
	r.term++
	r.vote = r.id
	r.leader = ""
	r.failForwarded(dropProposal(ErrProposalDropped))

	st := &candidateState{transfer: transfer, tracker: NewQuorumTracker(r.config)}
	r.state = st
	r.electionElapsed = 0
	r.resetRandomizedElectionTimeout()
	r.emitElection(reason)

	st.tracker.Poll(r.id, true)
	if st.tracker.Tally().Result == VoteWon {
		r.becomeLeader(ReasonVoteWon)
		return
	}
	r.requestVotes(MsgRequestVote, r.term, transfer)
}

func (r *raft) requestVotes(t MessageType, term uint64, transfer bool) {
	lastIndex, lastTerm := r.log.lastIndex(), r.log.lastTerm()
	for _, id := range r.config.AllVoters() {
		if id == r.id {
			continue
		}
		r.send(Message{
			Type:           t,
			To:             id,
			Term:           term,
			LastLogIndex:   lastIndex,
			LastLogTerm:    lastTerm,
			LeaderTransfer: transfer,
		})
	}
}

func voteReplyType(t MessageType) MessageType {
	if t == MsgRequestPreVote {
		return MsgPreVoteReply
	}
	return MsgVoteReply
}

// handleVoteRequest answers RequestVote and RequestPreVote. Replicas that do
// not vote in the current config stay silent.
func (r *raft) handleVoteRequest(m Message) {
	if !r.config.IsVoter(r.id) {
		return
	}
	pre := m.Type == MsgRequestPreVote
	reply := Message{Type: voteReplyType(m.Type), To: m.From}

	canVote := r.vote == m.From ||
		(r.vote == "" && r.leader == "") ||
		(pre && m.Term > r.term)

	switch {
	case m.Term < r.term:
		reply.Reject = RejectStaleTerm
	case !canVote:
		reply.Reject = RejectAlreadyVoted
	case !r.log.isUpToDate(m.LastLogIndex, m.LastLogTerm):
		reply.Reject = RejectLogBehind
	default:
		reply.Granted = true
	}

	if reply.Granted {
		if pre {
			// A granted pre-vote is answered at the probed term so the
			// candidate does not treat it as stale.
			reply.Term = m.Term
		} else {
			r.vote = m.From
			r.electionElapsed = 0
		}
	}
	r.logger.Debug("vote request handled",
		"id", r.id,
		"candidate", m.From,
		"pre", pre,
		"term", m.Term,
		"granted", reply.Granted,
		"reject", reply.Reject)
	r.send(reply)
}

func (r *raft) pollVote(st *candidateState, m Message) {
	st.tracker.Poll(m.From, m.Granted)
	tally := st.tracker.Tally()
	switch tally.Result {
	case VoteWon:
		if st.pre {
			r.becomeCandidate(false, ReasonPreVoteWon)
		} else {
			r.becomeLeader(ReasonVoteWon)
		}
	case VoteLost:
		r.becomeFollower(r.term, "", ReasonVoteLost)
	}
}
