package raft

import (
	"github.com/cockroachdb/errors"
)

// appendEntries stamps ents with the next indexes and the current term and
// writes them to the local log. Config entries take effect immediately.
// With AsyncAppend the batch is broadcast before the local sync.
func (r *raft) appendEntries(st *leaderState, ents ...LogEntry) (uint64, error) {
	last := r.log.lastIndex()
	for i := range ents {
		ents[i].Index = last + 1 + uint64(i)
		ents[i].Term = r.term
	}
	if err := r.storage.Append(ents); err != nil {
		r.logger.Error("failed to append entries", "id", r.id, "index", last+1, "error", err)
		return 0, err
	}
	for i := range ents {
		if ents[i].Type == EntryConfig && ents[i].Config != nil {
			r.setConfig(*ents[i].Config, ents[i].Index)
		}
	}
	newLast := last + uint64(len(ents))

	if !r.cfg.AsyncAppend {
		r.syncLog()
	}
	r.bcastAppend(st, false)
	if r.cfg.AsyncAppend {
		r.syncLog()
	}
	if pr := st.progress[r.id]; pr != nil {
		pr.maybeUpdate(newLast)
	}
	return newLast, nil
}

func (r *raft) bcastAppend(st *leaderState, sendIfEmpty bool) {
	for _, id := range sortedPeers(st.progress) {
		if id == r.id {
			continue
		}
		r.maybeSendAppend(id, st.progress[id], sendIfEmpty)
	}
}

// maybeSendAppend sends the next batch to a peer, or a snapshot when the
// entries it needs were compacted. It returns whether a message was sent.
func (r *raft) maybeSendAppend(to string, pr *Progress, sendIfEmpty bool) bool {
	if pr.isPaused() {
		return false
	}
	prevIndex := pr.Next - 1
	prevTerm, errTerm := r.storage.Term(prevIndex)
	var ents []LogEntry
	var errEnts error
	if errTerm == nil {
		ents, errEnts = r.log.entries(pr.Next, r.cfg.MaxSizePerAppend)
	}
	if errTerm != nil || errEnts != nil {
		return r.sendSnapshot(to, pr)
	}
	if len(ents) == 0 && !sendIfEmpty {
		return false
	}

	r.send(Message{
		Type:         MsgAppendEntries,
		To:           to,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      ents,
		Commit:       r.commit,
	})

	switch pr.State {
	case ProgressReplicate:
		if n := len(ents); n > 0 {
			last := ents[n-1].Index
			pr.optimisticUpdate(last)
			pr.inflights.add(last)
		}
	case ProgressProbe:
		pr.ProbeSent = true
	}
	return true
}

func (r *raft) sendSnapshot(to string, pr *Progress) bool {
	snap := r.storage.Snapshot()
	if snap.IsEmpty() {
		r.logger.Warn("peer needs compacted entries but no snapshot is available", "id", r.id, "peer", to)
		return false
	}
	r.logger.Info("sending snapshot",
		"id", r.id,
		"peer", to,
		"index", snap.Index,
		"term", snap.Term,
		"peerMatch", pr.Match)
	pr.becomeSnapshot(snap.Index)
	r.send(Message{Type: MsgInstallSnapshot, To: to, Snapshot: &snap})
	return true
}

func (r *raft) bcastHeartbeat(st *leaderState) {
	var ctx uint64
	if len(st.pendingReads) > 0 {
		ctx = r.startReadRound(st)
	} else if n := len(st.readRounds); n > 0 {
		ctx = st.readRounds[n-1].ctx
	}
	r.sendHeartbeats(st, ctx)
}

func (r *raft) sendHeartbeats(st *leaderState, ctx uint64) {
	for _, id := range sortedPeers(st.progress) {
		if id == r.id {
			continue
		}
		pr := st.progress[id]
		r.send(Message{
			Type:    MsgHeartbeat,
			To:      id,
			Commit:  min(pr.Match, r.commit),
			Context: ctx,
		})
	}
}

func (r *raft) handleAppendReply(st *leaderState, m Message) {
	pr := st.progress[m.From]
	if pr == nil {
		return
	}
	pr.RecentActive = true

	if !m.Success {
		hint := m.ConflictIndex
		if m.ConflictTerm > 0 {
			if li := r.log.lastIndexOfTerm(m.ConflictTerm); li > 0 {
				hint = li + 1
			}
		}
		if pr.maybeDecrTo(m.PrevLogIndex, hint) {
			r.logger.Debug("append rejected, rewinding",
				"id", r.id,
				"peer", m.From,
				"rejected", m.PrevLogIndex,
				"next", pr.Next)
			if pr.State == ProgressReplicate {
				pr.becomeProbe()
			}
			r.maybeSendAppend(m.From, pr, true)
		}
		return
	}

	oldPaused := pr.isPaused()
	if !pr.maybeUpdate(m.MatchIndex) {
		return
	}
	switch pr.State {
	case ProgressProbe:
		pr.becomeReplicate()
	case ProgressSnapshot:
		if pr.Match >= pr.PendingSnapshot {
			pr.becomeProbe()
			pr.becomeReplicate()
		}
	case ProgressReplicate:
		pr.inflights.freeTo(m.MatchIndex)
	}

	if r.maybeCommit(st) {
		if !r.isLeader() {
			return
		}
		r.bcastAppend(st, true)
	} else if oldPaused {
		r.maybeSendAppend(m.From, pr, false)
	}
	for r.maybeSendAppend(m.From, pr, false) {
	}
	r.maybeSendTimeoutNow(m.From, pr)
}

func (r *raft) handleHeartbeatReply(st *leaderState, m Message) {
	pr := st.progress[m.From]
	if pr == nil {
		return
	}
	pr.RecentActive = true
	pr.ProbeSent = false
	if pr.stalled(r.log.lastIndex()) {
		r.logger.Debug("replication stalled, probing", "id", r.id, "peer", m.From, "match", pr.Match)
		pr.becomeProbe()
	}
	if pr.Match < r.log.lastIndex() {
		r.maybeSendAppend(m.From, pr, false)
	}
	if m.Context != 0 {
		r.confirmRead(st, m.From, m.Context)
	}
	r.maybeSendTimeoutNow(m.From, pr)
}

func (r *raft) handleSnapshotReply(st *leaderState, m Message) {
	pr := st.progress[m.From]
	if pr == nil {
		return
	}
	pr.RecentActive = true
	if pr.State != ProgressSnapshot {
		return
	}
	if m.Success {
		pr.maybeUpdate(m.MatchIndex)
		pr.becomeReplicate()
		r.logger.Info("snapshot installed on peer", "id", r.id, "peer", m.From, "match", pr.Match)
	} else {
		pr.PendingSnapshot = 0
		pr.becomeProbe()
	}
	if r.maybeCommit(st) && !r.isLeader() {
		return
	}
	r.maybeSendAppend(m.From, pr, false)
}

// maybeCommit advances the commit index to the highest index replicated on a
// quorum of every voter group, provided it belongs to the current term.
func (r *raft) maybeCommit(st *leaderState) bool {
	q := NewQuorumTracker(r.config)
	idx := q.committedIndex(func(id string) uint64 {
		if pr := st.progress[id]; pr != nil {
			return pr.Match
		}
		return 0
	})
	if idx <= r.commit || r.log.term(idx) != r.term {
		return false
	}
	r.commitTo(idx)
	return true
}

func (r *raft) commitTo(idx uint64) {
	if idx <= r.commit {
		return
	}
	r.commit = idx
	r.applyCommitted()
}

func (r *raft) handleAppendEntries(m Message) {
	reply := Message{Type: MsgAppendEntriesReply, To: m.From, PrevLogIndex: m.PrevLogIndex}
	prev, prevTerm, ents := m.PrevLogIndex, m.PrevLogTerm, m.Entries

	if prev < r.commit {
		skip := r.commit - prev
		if skip >= uint64(len(ents)) {
			reply.Success = true
			reply.MatchIndex = r.commit
			r.send(reply)
			return
		}
		// Committed entries match the leader's log.
		ents = ents[skip:]
		prev = r.commit
		prevTerm = r.log.term(prev)
	}

	if !r.log.matchTerm(prev, prevTerm) {
		last := r.log.lastIndex()
		if prev > last {
			reply.ConflictIndex = last + 1
		} else {
			reply.ConflictTerm = r.log.term(prev)
			reply.ConflictIndex = r.log.firstIndexOfTerm(prev, r.commit+1)
		}
		r.logger.Debug("append rejected",
			"id", r.id,
			"leader", m.From,
			"prevIndex", m.PrevLogIndex,
			"prevTerm", m.PrevLogTerm,
			"conflictIndex", reply.ConflictIndex,
			"conflictTerm", reply.ConflictTerm)
		r.send(reply)
		return
	}

	lastNew := prev + uint64(len(ents))
	if ci := r.log.findConflict(ents); ci != 0 {
		if ci <= r.commit {
			r.logger.Error("entry conflicts with committed entry", "id", r.id, "index", ci, "commit", r.commit)
			return
		}
		truncating := ci <= r.log.lastIndex()
		tail := ents[ci-prev-1:]
		if err := r.storage.Append(tail); err != nil {
			r.logger.Error("failed to append entries", "id", r.id, "index", ci, "error", err)
			return
		}
		r.syncLog()
		if truncating {
			r.logger.Info("log truncated by leader", "id", r.id, "from", ci, "leader", m.From)
			r.failForwardedFrom(ci)
			cfg, idx := r.log.latestConfig()
			r.setConfig(cfg, idx)
		} else {
			for i := range tail {
				if tail[i].Type == EntryConfig && tail[i].Config != nil {
					r.setConfig(*tail[i].Config, tail[i].Index)
				}
			}
		}
	}

	r.commitTo(min(m.Commit, lastNew))
	reply.Success = true
	reply.MatchIndex = lastNew
	r.send(reply)
}

func (r *raft) handleHeartbeat(m Message) {
	r.commitTo(min(m.Commit, r.log.lastIndex()))
	r.send(Message{Type: MsgHeartbeatReply, To: m.From, Context: m.Context})
}

func (r *raft) handleSnapshot(m Message) {
	reply := Message{Type: MsgInstallSnapshotReply, To: m.From}
	if m.Snapshot == nil {
		return
	}
	snap := *m.Snapshot

	switch {
	case snap.Index <= r.commit:
		reply.Success = true
		reply.MatchIndex = r.commit
	case r.log.matchTerm(snap.Index, snap.Term):
		// The log already holds the snapshot point; only commit moves.
		r.commitTo(snap.Index)
		reply.Success = true
		reply.MatchIndex = snap.Index
	default:
		if err := r.restoreSnapshot(snap); err != nil {
			r.logger.Error("failed to install snapshot", "id", r.id, "index", snap.Index, "error", err)
			r.send(reply)
			return
		}
		reply.Success = true
		reply.MatchIndex = snap.Index
	}
	r.send(reply)
}

func (r *raft) restoreSnapshot(snap Snapshot) error {
	if err := r.storage.ApplySnapshot(snap); err != nil {
		return errors.Wrapf(err, "apply snapshot %d", snap.Index)
	}
	if r.sm != nil {
		if err := r.sm.Restore(snap.Index, snap.Data); err != nil {
			return errors.Wrapf(err, "restore state machine from snapshot %d", snap.Index)
		}
	}
	r.commit = snap.Index
	r.applied = snap.Index
	r.settleForwardedUpTo(snap.Index)
	r.setConfig(snap.Config, snap.Index)
	r.events = append(r.events, Event{
		Type:   EventSnapshotInstalled,
		Term:   r.term,
		Reason: ReasonSnapshot,
		Index:  snap.Index,
		Config: snap.Config.Clone(),
	})
	r.logger.Info("snapshot installed", "id", r.id, "index", snap.Index, "term", snap.Term)
	r.resolveReads()
	return nil
}

// applyCommitted delivers committed entries to the state machine in order.
func (r *raft) applyCommitted() {
	for r.applied < r.commit {
		ents, err := r.storage.Entries(r.applied+1, r.commit+1, 0)
		if err != nil {
			r.logger.Error("failed to read committed entries", "id", r.id, "from", r.applied+1, "error", err)
			return
		}
		for _, e := range ents {
			// Applying a config entry may commit further entries re-entrantly.
			if e.Index <= r.applied {
				continue
			}
			r.applied = e.Index
			r.applyEntry(e)
		}
	}
	r.resolveReads()
}

func (r *raft) applyEntry(e LogEntry) {
	switch e.Type {
	case EntryNormal:
		if r.sm != nil {
			if err := r.sm.Apply(e.Index, e.Data); err != nil {
				r.logger.Error("state machine apply failed", "id", r.id, "index", e.Index, "error", err)
			}
		}
		r.completeProposal(e)
	case EntryConfig:
		if e.Config == nil {
			return
		}
		r.events = append(r.events, Event{
			Type:   EventConfigApplied,
			Term:   r.term,
			Index:  e.Index,
			Config: e.Config.Clone(),
		})
		r.logger.Info("cluster config applied", "id", r.id, "index", e.Index, "config", e.Config.String())
		r.onConfigCommitted(*e.Config, e.Index)
	}
}
