package raft

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Logger interface for Raft logging
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// defaultLogger is a no-op logger
type defaultLogger struct{}

func (l *defaultLogger) Debug(msg string, args ...interface{}) {}
func (l *defaultLogger) Info(msg string, args ...interface{})  {}
func (l *defaultLogger) Warn(msg string, args ...interface{})  {}
func (l *defaultLogger) Error(msg string, args ...interface{}) {}

// Node runs one replica. Ticks, inbound messages and operations are
// processed one at a time on a single goroutine; accessors read an
// immutable status published after every step.
type Node struct {
	id        string
	cfg       Config
	r         *raft
	transport Transport
	logger    Logger
	listener  EventListener

	tickCh chan struct{}
	recvCh chan Message
	opCh   chan func(*raft)
	stopCh chan struct{}
	doneCh chan struct{}

	status  atomic.Pointer[Status]
	running int32

	mu sync.Mutex
}

// NewNode creates a replica over storage. sm may be nil for replicas that
// only keep the log.
func NewNode(cfg Config, storage Storage, sm StateMachine, transport Transport) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Node{
		id:        cfg.ID,
		cfg:       cfg,
		transport: transport,
		logger:    &defaultLogger{},
		tickCh:    make(chan struct{}, 128),
		recvCh:    make(chan Message, 4096),
		opCh:      make(chan func(*raft)),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	r, err := newRaft(cfg, storage, sm, loggerFunc(func() Logger { return n.logger }))
	if err != nil {
		return nil, err
	}
	n.r = r
	n.status.Store(r.status())
	return n, nil
}

// SetLogger sets the logger for the node. It must be called before Start.
func (n *Node) SetLogger(logger Logger) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.logger = logger
}

// SetEventListener registers fn for role, config and snapshot events. It
// must be called before Start.
func (n *Node) SetEventListener(fn EventListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listener = fn
}

// ID returns the replica id.
func (n *Node) ID() string {
	return n.id
}

// Start starts the event loop and the transport listener.
func (n *Node) Start() error {
	if !atomic.CompareAndSwapInt32(&n.running, 0, 1) {
		return nil // Already running
	}
	if n.transport != nil {
		if err := n.transport.Listen(n.deliver); err != nil {
			atomic.StoreInt32(&n.running, 0)
			return err
		}
	}
	go n.run()
	return nil
}

// Stop stops the loop, fails outstanding operations with ErrNodeStopped and
// closes the transport.
func (n *Node) Stop() {
	if !atomic.CompareAndSwapInt32(&n.running, 1, 2) {
		return
	}
	close(n.stopCh)
	<-n.doneCh
	if n.transport != nil {
		n.transport.Close()
	}
}

// Tick advances logical time by one tick.
func (n *Node) Tick() {
	select {
	case n.tickCh <- struct{}{}:
	case <-n.stopCh:
	}
}

// deliver hands an inbound message to the loop. Messages are dropped when
// the inbox is full; the protocol retransmits on later ticks.
func (n *Node) deliver(m Message) {
	select {
	case n.recvCh <- m:
	case <-n.stopCh:
	default:
		n.logger.Debug("inbox full, dropping message", "id", n.id, "type", m.Type.String(), "from", m.From)
	}
}

// Step delivers a message received outside the transport.
func (n *Node) Step(ctx context.Context, m Message) error {
	if atomic.LoadInt32(&n.running) != 1 {
		return ErrNodeStopped
	}
	select {
	case n.recvCh <- m:
		return nil
	case <-n.stopCh:
		return ErrNodeStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) run() {
	defer close(n.doneCh)

	var tickC <-chan time.Time
	if n.cfg.TickInterval > 0 {
		ticker := time.NewTicker(n.cfg.TickInterval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	n.flush()
	for {
		select {
		case <-n.stopCh:
			n.r.shutdown(ErrNodeStopped)
			n.flush()
			return
		case <-tickC:
			n.r.tick()
		case <-n.tickCh:
			n.r.tick()
		case m := <-n.recvCh:
			n.r.step(m)
		case op := <-n.opCh:
			op(n.r)
		}
		n.flush()
	}
}

// flush sends the outbox, publishes events and the status.
func (n *Node) flush() {
	for _, m := range n.r.readMessages() {
		if n.transport == nil {
			continue
		}
		if err := n.transport.Send(m); err != nil {
			n.logger.Debug("send failed", "id", n.id, "to", m.To, "type", m.Type.String(), "error", err)
		}
	}
	events := n.r.readEvents()
	if n.listener != nil {
		for _, e := range events {
			n.listener(e)
		}
	}
	n.status.Store(n.r.status())
}

// do runs fn on the loop goroutine. The channel is unbuffered, so an
// accepted operation always runs. It returns false when the node is not
// running. fn must not be called from an EventListener.
func (n *Node) do(fn func(*raft)) bool {
	if atomic.LoadInt32(&n.running) != 1 {
		return false
	}
	select {
	case n.opCh <- fn:
		return true
	case <-n.stopCh:
		return false
	}
}

// Propose replicates data. The future resolves with the entry index once it
// is committed and applied locally.
func (n *Node) Propose(data []byte) *Future[uint64] {
	f := newFuture[uint64]()
	if !n.do(func(r *raft) { r.propose(data, f) }) {
		f.fail(ErrNodeStopped)
	}
	return f
}

// ReadIndex returns an index that is safe for linearizable reads once the
// local state machine has applied it.
func (n *Node) ReadIndex() *Future[uint64] {
	f := newFuture[uint64]()
	if !n.do(func(r *raft) { r.readIndex(f) }) {
		f.fail(ErrNodeStopped)
	}
	return f
}

// ChangeClusterConfig replaces the member sets. The future resolves when the
// final config is committed.
func (n *Node) ChangeClusterConfig(voters, learners []string) *Future[struct{}] {
	f := newFuture[struct{}]()
	if !n.do(func(r *raft) { r.changeConfig(voters, learners, f) }) {
		f.fail(ErrNodeStopped)
	}
	return f
}

// TransferLeadership hands leadership to target.
func (n *Node) TransferLeadership(target string) *Future[struct{}] {
	f := newFuture[struct{}]()
	if !n.do(func(r *raft) { r.transferLeadership(target, f) }) {
		f.fail(ErrNodeStopped)
	}
	return f
}

// Recover forces this replica to lead after permanent loss of a quorum.
func (n *Node) Recover() *Future[struct{}] {
	f := newFuture[struct{}]()
	if !n.do(func(r *raft) { r.recover(f) }) {
		f.fail(ErrNodeStopped)
	}
	return f
}

// Compact discards log entries up to upto, keeping data as the snapshot.
func (n *Node) Compact(data []byte, upto uint64) *Future[struct{}] {
	f := newFuture[struct{}]()
	ok := n.do(func(r *raft) {
		if err := r.compact(data, upto); err != nil {
			f.fail(err)
			return
		}
		f.resolve(struct{}{})
	})
	if !ok {
		f.fail(ErrNodeStopped)
	}
	return f
}

// StepDown demotes the leader to follower.
func (n *Node) StepDown() *Future[struct{}] {
	f := newFuture[struct{}]()
	ok := n.do(func(r *raft) {
		if err := r.stepDown(); err != nil {
			f.fail(err)
			return
		}
		f.resolve(struct{}{})
	})
	if !ok {
		f.fail(ErrNodeStopped)
	}
	return f
}

// Status returns the latest published status.
func (n *Node) Status() Status {
	return *n.status.Load()
}

// Role returns the current role.
func (n *Node) Role() Role {
	return n.status.Load().Role
}

// IsLeader returns true if this node is the leader.
func (n *Node) IsLeader() bool {
	return n.Role() == RoleLeader
}

// Term returns the current term.
func (n *Node) Term() uint64 {
	return n.status.Load().Term
}

// LeaderID returns the current leader's id, empty if unknown.
func (n *Node) LeaderID() string {
	return n.status.Load().LeaderID
}

// CommitIndex returns the commit index.
func (n *Node) CommitIndex() uint64 {
	return n.status.Load().CommitIndex
}

// LastIndex returns the index of the last log entry.
func (n *Node) LastIndex() uint64 {
	return n.status.Load().LastIndex
}

// LatestClusterConfig returns the newest membership in the log.
func (n *Node) LatestClusterConfig() ClusterConfig {
	return n.status.Load().Config.Clone()
}

// loggerFunc resolves the node's logger lazily so SetLogger after NewNode
// reaches the core.
type loggerFunc func() Logger

func (f loggerFunc) Debug(msg string, args ...interface{}) { f().Debug(msg, args...) }
func (f loggerFunc) Info(msg string, args ...interface{})  { f().Info(msg, args...) }
func (f loggerFunc) Warn(msg string, args ...interface{})  { f().Warn(msg, args...) }
func (f loggerFunc) Error(msg string, args ...interface{}) { f().Error(msg, args...) }
