package raft

import (
	"hash/fnv"
	"math/rand"
	"slices"

	"golang.org/x/exp/maps"
)

// StateMachine receives committed entries in index order.
type StateMachine interface {
	// Apply applies the payload of a committed normal entry.
	Apply(index uint64, data []byte) error

	// Restore replaces the whole state with snapshot data taken at index.
	Restore(index uint64, data []byte) error
}

// Syncer is implemented by storages that buffer appends.
type Syncer interface {
	Sync() error
}

// roleState is the tagged role of a replica. Each variant carries only the
// state that is valid for it.
type roleState interface {
	role() Role
}

type followerState struct{}

type learnerState struct{}

type removedState struct{}

type candidateState struct {
	pre      bool
	transfer bool // campaign started by TimeoutNow
	tracker  *QuorumTracker
}

type leaderState struct {
	progress map[string]*Progress

	pendingReads []*readRequest
	readRounds   []*readRound
	readCtx      uint64
}

func (*followerState) role() Role { return RoleFollower }
func (*learnerState) role() Role { return RoleLearner }
func (*removedState) role() Role { return RoleRemoved }
func (*leaderState) role() Role { return RoleLeader }

func (s *candidateState) role() Role {
	if s.pre {
		return RolePreCandidate
	}
	return RoleCandidate
}

type pendingProposal struct {
	term   uint64
	future *Future[uint64]
}

type forwardedProposal struct {
	id      uint64
	index   uint64
	term    uint64
	elapsed int
	future  *Future[uint64]
}

type configChange struct {
	correlationID string
	future        *Future[struct{}]
}

// raft is the deterministic core of one replica. It is not safe for
// concurrent use; Node serializes every call on its loop goroutine.
type raft struct {
	id      string
	cfg     Config
	storage Storage
	log     raftLog
	sm      StateMachine
	logger  Logger

	term    uint64
	vote    string
	commit  uint64
	applied uint64
	leader  string
	state   roleState
	saved   HardState

	config      ClusterConfig
	configIndex uint64

	electionElapsed           int
	heartbeatElapsed          int
	randomizedElectionTimeout int
	rand                      *rand.Rand

	proposals      map[uint64]pendingProposal
	forwarded      map[uint64]*forwardedProposal
	forwardedAt    map[uint64]*forwardedProposal
	nextProposalID uint64
	pendingConfig  *configChange
	readWaiters    []*readRequest
	transfer       *transferOp
	recovery       *recoveryOp

	msgs   []Message
	events []Event
}

func newRaft(cfg Config, storage Storage, sm StateMachine, logger Logger) (*raft, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = &defaultLogger{}
	}
	hs, err := storage.InitialState()
	if err != nil {
		return nil, err
	}

	h := fnv.New64a()
	h.Write([]byte(cfg.ID))

	r := &raft{
		id:          cfg.ID,
		cfg:         cfg,
		storage:     storage,
		log:         raftLog{storage: storage},
		sm:          sm,
		logger:      logger,
		term:        hs.Term,
		vote:        hs.Vote,
		commit:      hs.Commit,
		saved:       hs,
		rand:        rand.New(rand.NewSource(int64(h.Sum64()))),
		proposals:   make(map[uint64]pendingProposal),
		forwarded:   make(map[uint64]*forwardedProposal),
		forwardedAt: make(map[uint64]*forwardedProposal),
	}

	snap := storage.Snapshot()
	r.applied = max(cfg.Applied, snap.Index)
	r.commit = min(max(r.commit, r.applied), r.log.lastIndex())
	if sm != nil && !snap.IsEmpty() && cfg.Applied < snap.Index {
		if err := sm.Restore(snap.Index, snap.Data); err != nil {
			return nil, err
		}
	}
	r.config, r.configIndex = r.log.latestConfig()
	r.state = r.passiveRole()
	r.resetRandomizedElectionTimeout()

	r.logger.Info("raft replica started",
		"id", r.id,
		"term", r.term,
		"commit", r.commit,
		"applied", r.applied,
		"lastIndex", r.log.lastIndex(),
		"config", r.config.String())

	r.applyCommitted()
	return r, nil
}

func (r *raft) role() Role {
	return r.state.role()
}

func (r *raft) isLeader() bool {
	_, ok := r.state.(*leaderState)
	return ok
}

// promotable reports whether the replica may campaign.
func (r *raft) promotable() bool {
	return !r.isLeader() && r.config.IsVoter(r.id)
}

// passiveRole returns the non-campaigning role matching membership.
func (r *raft) passiveRole() roleState {
	switch {
	case r.config.IsVoter(r.id):
		return &followerState{}
	case r.config.IsLearner(r.id):
		return &learnerState{}
	default:
		return &removedState{}
	}
}

func (r *raft) resetRandomizedElectionTimeout() {
	r.randomizedElectionTimeout = r.cfg.ElectionTimeoutTick + r.rand.Intn(r.cfg.ElectionTimeoutTick)
}

// inLease reports whether a leader was heard from within the election timeout.
func (r *raft) inLease() bool {
	return r.leader != "" && r.electionElapsed < r.cfg.ElectionTimeoutTick
}

func (r *raft) send(m Message) {
	m.From = r.id
	if m.Term == 0 {
		m.Term = r.term
	}
	r.msgs = append(r.msgs, m)
}

// readMessages persists the hard state and drains the outbox. Nothing
// leaves the replica before the state it depends on is durable.
// When the hard state cannot be saved the outbox is dropped; peers retry
// through heartbeats and new campaigns once storage recovers.
func (r *raft) readMessages() []Message {
	msgs := r.msgs
	r.msgs = nil
	if err := r.persist(); err != nil {
		r.logger.Warn("dropping outbound messages", "id", r.id, "count", len(msgs), "error", err)
		return nil
	}
	return msgs
}

func (r *raft) readEvents() []Event {
	events := r.events
	r.events = nil
	return events
}

func (r *raft) persist() error {
	hs := HardState{Term: r.term, Vote: r.vote, Commit: r.commit}
	if hs == r.saved {
		return nil
	}
	if err := r.storage.SaveHardState(hs); err != nil {
		r.logger.Error("failed to save hard state", "id", r.id, "term", hs.Term, "error", err)
		return err
	}
	r.saved = hs
	return nil
}

func (r *raft) syncLog() {
	if s, ok := r.storage.(Syncer); ok {
		if err := s.Sync(); err != nil {
			r.logger.Error("failed to sync log", "id", r.id, "error", err)
		}
	}
}

func (r *raft) emitElection(reason string) {
	r.events = append(r.events, Event{
		Type:   EventElection,
		Term:   r.term,
		Role:   r.role(),
		Leader: r.leader,
		Reason: reason,
	})
	r.logger.Info("role changed",
		"id", r.id,
		"role", r.role().String(),
		"term", r.term,
		"leader", r.leader,
		"reason", reason)
}

// tick advances logical time by one unit.
func (r *raft) tick() {
	if st, ok := r.state.(*leaderState); ok {
		r.tickLeader(st)
	} else {
		r.tickElection()
	}
	r.tickForwarded()
	r.tickTransfer()
	r.tickRecovery()
}

func (r *raft) tickElection() {
	r.electionElapsed++
	if !r.promotable() || r.recovery != nil {
		return
	}
	if r.electionElapsed >= r.randomizedElectionTimeout {
		r.electionElapsed = 0
		r.campaign(false, ReasonElectionTimeout)
	}
}

func (r *raft) tickLeader(st *leaderState) {
	r.heartbeatElapsed++
	r.electionElapsed++

	if r.electionElapsed >= r.cfg.ElectionTimeoutTick {
		r.electionElapsed = 0
		if !r.checkQuorumActive(st) {
			r.logger.Warn("leader lost contact with quorum", "id", r.id, "term", r.term)
			r.becomeFollower(r.term, "", ReasonQuorumLost)
			return
		}
	}

	for _, id := range sortedPeers(st.progress) {
		pr := st.progress[id]
		if pr.State != ProgressSnapshot {
			continue
		}
		pr.snapshotElapsed++
		if pr.snapshotElapsed >= r.cfg.InstallSnapshotTimeoutTick {
			r.logger.Warn("snapshot install timed out", "id", r.id, "peer", id, "snapshot", pr.PendingSnapshot)
			pr.becomeProbe()
		}
	}

	if r.heartbeatElapsed >= r.cfg.HeartbeatTimeoutTick {
		r.heartbeatElapsed = 0
		r.bcastHeartbeat(st)
	}
}

// checkQuorumActive reports whether a quorum of voters replied since the
// last check and clears the activity marks.
func (r *raft) checkQuorumActive(st *leaderState) bool {
	q := NewQuorumTracker(r.config)
	for id, pr := range st.progress {
		if id == r.id || pr.RecentActive {
			q.Poll(id, true)
		}
		if id != r.id {
			pr.RecentActive = false
		}
	}
	return q.Tally().Result == VoteWon
}

// step processes one inbound message.
func (r *raft) step(m Message) {
	defer r.checkTransferOutcome()

	if r.recovery != nil && (m.Type == MsgPreVoteReply || m.Type == MsgVoteReply) {
		r.stepRecovery(m)
	}

	switch m.Type {
	case MsgPropose:
		r.handleForwardedPropose(m)
		return
	case MsgProposeReply:
		r.handleProposeReply(m)
		return
	}

	switch {
	case m.Term > r.term:
		voteRequest := m.Type == MsgRequestVote || m.Type == MsgRequestPreVote
		switch {
		case voteRequest && !m.LeaderTransfer && r.inLease():
			r.logger.Debug("vote rejected within leader lease", "id", r.id, "candidate", m.From, "term", m.Term)
			r.send(Message{Type: voteReplyType(m.Type), To: m.From, Reject: RejectLeaderLease})
			return
		case m.Type == MsgRequestPreVote:
		case m.Type == MsgPreVoteReply && m.Granted:
		default:
			leader := ""
			if m.Type == MsgAppendEntries || m.Type == MsgHeartbeat || m.Type == MsgInstallSnapshot {
				leader = m.From
			}
			r.becomeFollower(m.Term, leader, ReasonHigherTerm)
		}
	case m.Term < r.term:
		switch m.Type {
		case MsgAppendEntries, MsgHeartbeat, MsgInstallSnapshot:
			// The reply carries our term so a stale leader steps down.
			r.send(Message{Type: MsgAppendEntriesReply, To: m.From})
		case MsgRequestVote, MsgRequestPreVote:
			r.handleVoteRequest(m)
		}
		return
	}

	switch m.Type {
	case MsgRequestVote, MsgRequestPreVote:
		r.handleVoteRequest(m)
		return
	}

	switch st := r.state.(type) {
	case *leaderState:
		r.stepLeader(st, m)
	case *candidateState:
		r.stepCandidate(st, m)
	default:
		r.stepFollower(m)
	}
}

func (r *raft) stepLeader(st *leaderState, m Message) {
	switch m.Type {
	case MsgAppendEntriesReply:
		r.handleAppendReply(st, m)
	case MsgHeartbeatReply:
		r.handleHeartbeatReply(st, m)
	case MsgInstallSnapshotReply:
		r.handleSnapshotReply(st, m)
	}
}

func (r *raft) stepCandidate(st *candidateState, m Message) {
	switch m.Type {
	case MsgAppendEntries, MsgHeartbeat, MsgInstallSnapshot:
		r.becomeFollower(m.Term, m.From, ReasonLeaderFound)
		r.stepFollower(m)
	case MsgPreVoteReply:
		if st.pre {
			r.pollVote(st, m)
		}
	case MsgVoteReply:
		if !st.pre {
			r.pollVote(st, m)
		}
	}
}

func (r *raft) stepFollower(m Message) {
	switch m.Type {
	case MsgAppendEntries:
		r.electionElapsed = 0
		r.setLeader(m.From)
		r.handleAppendEntries(m)
	case MsgHeartbeat:
		r.electionElapsed = 0
		r.setLeader(m.From)
		r.handleHeartbeat(m)
	case MsgInstallSnapshot:
		r.electionElapsed = 0
		r.setLeader(m.From)
		r.handleSnapshot(m)
	case MsgTimeoutNow:
		if !r.promotable() {
			r.logger.Debug("ignoring timeout now", "id", r.id, "from", m.From)
			return
		}
		r.logger.Info("campaigning on leader request", "id", r.id, "from", m.From, "term", r.term)
		r.becomeCandidate(true, ReasonTimeoutNow)
	}
}

func (r *raft) setLeader(id string) {
	if r.leader == id {
		return
	}
	r.leader = id
	r.emitElection(ReasonLeaderFound)
}

// becomeFollower moves to the passive role for term. It fails the work that
// only a leader can complete.
func (r *raft) becomeFollower(term uint64, leader, reason string) {
	if st, ok := r.state.(*leaderState); ok {
		r.abandonLeadership(st)
	}
	if r.recovery != nil {
		r.finishRecovery(recoveryFailure(ErrRecoveryAborted))
	}
	if term != r.term {
		r.term = term
		r.vote = ""
		r.failForwarded(dropProposal(ErrProposalDropped))
	}
	r.leader = leader
	r.state = r.passiveRole()
	r.electionElapsed = 0
	r.heartbeatElapsed = 0
	r.resetRandomizedElectionTimeout()
	r.emitElection(reason)
}

// becomePassive re-derives the passive role after a membership change
// without touching term or leader.
func (r *raft) becomePassive(reason string) {
	next := r.passiveRole()
	if next.role() == r.role() {
		return
	}
	if r.recovery != nil {
		r.finishRecovery(recoveryFailure(ErrRecoveryAborted))
	}
	r.state = next
	r.emitElection(reason)
}

func (r *raft) becomeLeader(reason string) {
	if r.recovery != nil {
		r.finishRecovery(recoveryFailure(ErrRecoveryAborted))
	}
	st := &leaderState{progress: make(map[string]*Progress)}
	last := r.log.lastIndex()
	for _, id := range r.config.Members() {
		pr := newProgress(last+1, r.cfg.MaxInflightAppends)
		pr.RecentActive = true
		if id == r.id {
			pr.Match = last
		}
		st.progress[id] = pr
	}
	r.state = st
	r.leader = r.id
	r.electionElapsed = 0
	r.heartbeatElapsed = 0
	r.emitElection(reason)

	if _, err := r.appendEntries(st, LogEntry{Type: EntryNoop}); err != nil {
		r.becomeFollower(r.term, "", ReasonStepDown)
		return
	}
	r.maybeCommit(st)
}

// abandonLeadership fails everything waiting on this leader.
func (r *raft) abandonLeadership(st *leaderState) {
	for idx, p := range r.proposals {
		p.future.fail(dropProposal(ErrProposalDropped))
		delete(r.proposals, idx)
	}
	if r.pendingConfig != nil {
		r.pendingConfig.future.fail(dropProposal(ErrProposalDropped))
		r.pendingConfig = nil
	}
	for _, req := range st.pendingReads {
		req.future.fail(ErrNotLeader)
	}
	for _, round := range st.readRounds {
		for _, req := range round.reads {
			req.future.fail(ErrNotLeader)
		}
	}
	st.pendingReads = nil
	st.readRounds = nil
}

// stepDown is the administrative demotion of a leader.
func (r *raft) stepDown() error {
	if !r.isLeader() {
		return ErrNotLeader
	}
	r.becomeFollower(r.term, "", ReasonStepDown)
	return nil
}

// shutdown fails every outstanding future with err.
func (r *raft) shutdown(err error) {
	if st, ok := r.state.(*leaderState); ok {
		for _, req := range st.pendingReads {
			req.future.fail(err)
		}
		for _, round := range st.readRounds {
			for _, req := range round.reads {
				req.future.fail(err)
			}
		}
	}
	for idx, p := range r.proposals {
		p.future.fail(err)
		delete(r.proposals, idx)
	}
	r.failForwarded(err)
	for _, req := range r.readWaiters {
		req.future.fail(err)
	}
	r.readWaiters = nil
	if r.pendingConfig != nil {
		r.pendingConfig.future.fail(err)
		r.pendingConfig = nil
	}
	if r.transfer != nil {
		r.transfer.future.fail(err)
		r.transfer = nil
	}
	if r.recovery != nil {
		r.recovery.future.fail(err)
		r.recovery = nil
	}
	_ = r.persist()
}

// Status is an immutable view of a replica.
type Status struct {
	ID           string
	Role         Role
	Term         uint64
	Vote         string
	LeaderID     string
	CommitIndex  uint64
	AppliedIndex uint64
	FirstIndex   uint64
	LastIndex    uint64
	Config       ClusterConfig
	Transferring bool
	Recovering   bool
	Progress     map[string]Progress // leader only
}

func (r *raft) status() *Status {
	s := &Status{
		ID:           r.id,
		Role:         r.role(),
		Term:         r.term,
		Vote:         r.vote,
		LeaderID:     r.leader,
		CommitIndex:  r.commit,
		AppliedIndex: r.applied,
		FirstIndex:   r.log.firstIndex(),
		LastIndex:    r.log.lastIndex(),
		Config:       r.config.Clone(),
		Transferring: r.transfer != nil,
		Recovering:   r.recovery != nil,
	}
	if st, ok := r.state.(*leaderState); ok {
		s.Progress = make(map[string]Progress, len(st.progress))
		for id, pr := range st.progress {
			cp := *pr
			cp.inflights = nil
			s.Progress[id] = cp
		}
	}
	return s
}

// sortedPeers returns the progress keys in ascending order.
func sortedPeers(progress map[string]*Progress) []string {
	ids := maps.Keys(progress)
	slices.Sort(ids)
	return ids
}
