package raft

import (
	"github.com/cockroachdb/errors"
)

type readRequest struct {
	index  uint64
	future *Future[uint64]
}

type readRound struct {
	ctx     uint64
	tracker *QuorumTracker
	reads   []*readRequest
}

// checkProposal returns the reason a leader refuses new entries, if any.
func (r *raft) checkProposal() error {
	if r.transfer != nil {
		return dropProposal(ErrTransferringLeader)
	}
	if r.proposalsFull() {
		return dropProposal(ErrProposalOverflow)
	}
	return nil
}

// proposalsFull reports whether one more entry would put more than
// MaxUncommittedProposals client entries past the commit index. No-op and
// config entries do not count.
func (r *raft) proposalsFull() bool {
	last := r.log.lastIndex()
	if last-r.commit < uint64(r.cfg.MaxUncommittedProposals) {
		return false
	}
	ents, err := r.storage.Entries(r.commit+1, last+1, 0)
	if err != nil {
		return true
	}
	n := 0
	for i := range ents {
		if ents[i].Type == EntryNormal {
			n++
		}
	}
	return n >= r.cfg.MaxUncommittedProposals
}

// propose appends data on a leader, or forwards it to the known leader.
// The future resolves with the entry index once it is applied.
func (r *raft) propose(data []byte, f *Future[uint64]) {
	st, ok := r.state.(*leaderState)
	if !ok {
		r.forwardProposal(data, f)
		return
	}
	if err := r.checkProposal(); err != nil {
		f.fail(err)
		return
	}
	index := r.log.lastIndex() + 1
	r.proposals[index] = pendingProposal{term: r.term, future: f}
	if _, err := r.appendEntries(st, LogEntry{Type: EntryNormal, Data: data}); err != nil {
		delete(r.proposals, index)
		f.fail(err)
		return
	}
	r.maybeCommit(st)
}

func (r *raft) forwardProposal(data []byte, f *Future[uint64]) {
	switch {
	case r.cfg.DisableForwardProposal:
		f.fail(errors.Mark(dropProposal(ErrForwardDisabled), ErrNotLeader))
		return
	case r.leader == "" || r.leader == r.id:
		f.fail(dropProposal(ErrNotLeader))
		return
	}
	r.nextProposalID++
	p := &forwardedProposal{id: r.nextProposalID, future: f}
	r.forwarded[p.id] = p
	r.send(Message{
		Type:       MsgPropose,
		To:         r.leader,
		ProposalID: p.id,
		Entries:    []LogEntry{{Type: EntryNormal, Data: data}},
	})
}

// handleForwardedPropose accepts a proposal forwarded by a follower.
func (r *raft) handleForwardedPropose(m Message) {
	if len(m.Entries) != 1 {
		return
	}
	reply := Message{Type: MsgProposeReply, To: m.From, ProposalID: m.ProposalID}
	st, ok := r.state.(*leaderState)
	switch {
	case !ok:
		reply.Reject = RejectNotLeader
	case r.transfer != nil:
		reply.Reject = RejectTransferring
	case r.proposalsFull():
		reply.Reject = RejectOverflow
	default:
		last, err := r.appendEntries(st, LogEntry{Type: EntryNormal, Data: m.Entries[0].Data})
		if err != nil {
			return
		}
		reply.Index = last
	}
	r.send(reply)
	if reply.Reject == RejectNone {
		r.maybeCommit(st)
	}
}

func rejectError(reason RejectReason) error {
	switch reason {
	case RejectTransferring:
		return dropProposal(ErrTransferringLeader)
	case RejectOverflow:
		return dropProposal(ErrProposalOverflow)
	default:
		return dropProposal(ErrNotLeader)
	}
}

func (r *raft) handleProposeReply(m Message) {
	p := r.forwarded[m.ProposalID]
	if p == nil || p.index != 0 {
		return
	}
	if m.Reject != RejectNone {
		delete(r.forwarded, p.id)
		p.future.fail(rejectError(m.Reject))
		return
	}
	p.index, p.term = m.Index, m.Term
	if p.index <= r.applied {
		delete(r.forwarded, p.id)
		r.settleApplied(p)
		return
	}
	if old := r.forwardedAt[p.index]; old != nil {
		delete(r.forwarded, old.id)
		old.future.fail(dropProposal(ErrProposalDropped))
	}
	r.forwardedAt[p.index] = p
}

// completeProposal settles the local or forwarded proposal waiting on e.
func (r *raft) completeProposal(e LogEntry) {
	if p, ok := r.proposals[e.Index]; ok {
		delete(r.proposals, e.Index)
		if p.term == e.Term {
			p.future.resolve(e.Index)
		} else {
			p.future.fail(dropProposal(ErrProposalDropped))
		}
	}
	if p, ok := r.forwardedAt[e.Index]; ok {
		delete(r.forwardedAt, e.Index)
		delete(r.forwarded, p.id)
		if p.term == e.Term {
			p.future.resolve(e.Index)
		} else {
			p.future.fail(dropProposal(ErrProposalDropped))
		}
	}
}

// failForwarded fails every forwarded proposal.
func (r *raft) failForwarded(err error) {
	for id, p := range r.forwarded {
		p.future.fail(err)
		delete(r.forwarded, id)
	}
	clear(r.forwardedAt)
}

// settleApplied resolves a forwarded proposal whose index is already
// applied. Below the snapshot point only the snapshot term is known: an entry
// of that term is committed, a newer one cannot be, an older one is unknown.
func (r *raft) settleApplied(p *forwardedProposal) {
	snap := r.storage.Snapshot()
	switch {
	case p.index > snap.Index:
		if r.log.term(p.index) == p.term {
			p.future.resolve(p.index)
		} else {
			p.future.fail(dropProposal(ErrProposalDropped))
		}
	case p.term == snap.Term:
		p.future.resolve(p.index)
	case p.term > snap.Term:
		p.future.fail(dropProposal(ErrProposalDropped))
	default:
		p.future.fail(ErrProposalUnknown)
	}
}

// settleForwardedUpTo settles acknowledged forwarded proposals at or below an
// installed snapshot index. Later ones keep waiting for their entries.
func (r *raft) settleForwardedUpTo(index uint64) {
	for idx, p := range r.forwardedAt {
		if idx > index {
			continue
		}
		delete(r.forwardedAt, idx)
		delete(r.forwarded, p.id)
		r.settleApplied(p)
	}
}

// failForwardedFrom fails acknowledged forwarded proposals at or after index.
func (r *raft) failForwardedFrom(index uint64) {
	for idx, p := range r.forwardedAt {
		if idx < index {
			continue
		}
		p.future.fail(dropProposal(ErrProposalDropped))
		delete(r.forwardedAt, idx)
		delete(r.forwarded, p.id)
	}
}

// tickForwarded expires forwarded proposals the leader never acknowledged.
func (r *raft) tickForwarded() {
	for id, p := range r.forwarded {
		if p.index != 0 {
			continue
		}
		p.elapsed++
		if p.elapsed >= r.cfg.ElectionTimeoutTick {
			p.future.fail(dropProposal(ErrProposalDropped))
			delete(r.forwarded, id)
		}
	}
}

// readIndex returns through f an index that is safe for linearizable reads
// once applied.
func (r *raft) readIndex(f *Future[uint64]) {
	st, ok := r.state.(*leaderState)
	if !ok {
		f.fail(ErrNotLeader)
		return
	}
	if r.log.term(r.commit) != r.term {
		f.fail(ErrLeaderNotReady)
		return
	}
	req := &readRequest{index: r.commit, future: f}
	if r.cfg.ReadOnlyLeaderLeaseMode {
		r.waitApplied(req)
		return
	}
	st.pendingReads = append(st.pendingReads, req)
	if len(st.pendingReads) >= r.cfg.ReadOnlyBatch {
		ctx := r.startReadRound(st)
		if r.isLeader() && len(st.readRounds) > 0 {
			r.sendHeartbeats(st, ctx)
		}
	}
}

// startReadRound moves the pending reads into a new confirmation round.
func (r *raft) startReadRound(st *leaderState) uint64 {
	st.readCtx++
	round := &readRound{
		ctx:     st.readCtx,
		tracker: NewQuorumTracker(r.config),
		reads:   st.pendingReads,
	}
	st.pendingReads = nil
	st.readRounds = append(st.readRounds, round)
	round.tracker.Poll(r.id, true)
	r.releaseConfirmedReads(st)
	return round.ctx
}

// confirmRead counts a heartbeat ack for every round started at or before ctx.
func (r *raft) confirmRead(st *leaderState, from string, ctx uint64) {
	for _, round := range st.readRounds {
		if round.ctx > ctx {
			break
		}
		round.tracker.Poll(from, true)
	}
	r.releaseConfirmedReads(st)
}

// releaseConfirmedReads releases every round up to the newest confirmed one.
func (r *raft) releaseConfirmedReads(st *leaderState) {
	confirmed := -1
	for i, round := range st.readRounds {
		if round.tracker.Tally().Result == VoteWon {
			confirmed = i
		}
	}
	if confirmed < 0 {
		return
	}
	for _, round := range st.readRounds[:confirmed+1] {
		for _, req := range round.reads {
			r.waitApplied(req)
		}
	}
	st.readRounds = st.readRounds[confirmed+1:]
}

func (r *raft) waitApplied(req *readRequest) {
	if r.applied >= req.index {
		req.future.resolve(req.index)
		return
	}
	r.readWaiters = append(r.readWaiters, req)
}

func (r *raft) resolveReads() {
	if len(r.readWaiters) == 0 {
		return
	}
	waiting := r.readWaiters[:0]
	for _, req := range r.readWaiters {
		if r.applied >= req.index {
			req.future.resolve(req.index)
		} else {
			waiting = append(waiting, req)
		}
	}
	r.readWaiters = waiting
}

// compact moves the snapshot boundary to upto with the given state machine
// image. upto must already be applied.
func (r *raft) compact(data []byte, upto uint64) error {
	if upto > r.applied {
		return errors.Wrapf(ErrUnavailable, "compact index %d beyond applied index %d", upto, r.applied)
	}
	if upto <= r.storage.Snapshot().Index {
		return ErrCompacted
	}
	term, err := r.storage.Term(upto)
	if err != nil {
		return err
	}
	snap := Snapshot{Index: upto, Term: term, Config: r.log.configAt(upto), Data: data}
	if err := r.storage.Compact(snap); err != nil {
		return err
	}
	r.logger.Info("log compacted", "id", r.id, "index", upto, "term", term)
	return nil
}
