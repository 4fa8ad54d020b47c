package kvstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/basekv/internal/logging"
	"github.com/KilimcininKorOglu/basekv/internal/raft"
)

// ErrInvalidKey is returned for empty or oversized keys.
var ErrInvalidKey = errors.New("kvstore: invalid key")

const (
	maxKeyLen      = 1<<16 - 1
	compactTimeout = 10 * time.Second
)

// Store routes writes through a replica and serves reads from the local
// state machine.
type Store struct {
	node   *raft.Node
	sm     *StateMachine
	logger logging.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running int32
}

// NewStore creates a store over node, which must have been created with sm
// as its state machine.
func NewStore(node *raft.Node, sm *StateMachine, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Store{
		node:   node,
		sm:     sm,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start starts the compaction loop.
func (s *Store) Start() {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return
	}
	s.wg.Add(1)
	go s.compactLoop()
}

// Stop stops the compaction loop. The replica is stopped by its owner.
func (s *Store) Stop() {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 2) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
}

// compactLoop hands snapshots offered by the state machine to the replica.
func (s *Store) compactLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case req := <-s.sm.snapshots:
			ctx, cancel := context.WithTimeout(context.Background(), compactTimeout)
			_, err := s.node.Compact(req.data, req.index).Wait(ctx)
			cancel()
			switch {
			case err == nil:
				s.logger.Debug("snapshot handed off", "index", req.index, "bytes", len(req.data))
			case errors.Is(err, raft.ErrCompacted), errors.Is(err, raft.ErrNodeStopped):
			default:
				s.logger.Warn("log compaction failed", "index", req.index, "error", err)
			}
		}
	}
}

// Put stores value under key. It returns the log index of the write once
// it is applied locally.
func (s *Store) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.propose(ctx, &Command{Type: CmdPut, Key: key, Value: value})
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) (uint64, error) {
	return s.propose(ctx, &Command{Type: CmdDelete, Key: key})
}

func (s *Store) propose(ctx context.Context, cmd *Command) (uint64, error) {
	if cmd.Key == "" || len(cmd.Key) > maxKeyLen {
		return 0, errors.Wrapf(ErrInvalidKey, "key of %d bytes", len(cmd.Key))
	}
	return s.node.Propose(EncodeCommand(cmd)).Wait(ctx)
}

// Get returns the value under key. A linearizable read first obtains a read
// index from the leader; otherwise the local, possibly stale, state is read.
func (s *Store) Get(ctx context.Context, key string, linearizable bool) ([]byte, bool, error) {
	if linearizable {
		if _, err := s.node.ReadIndex().Wait(ctx); err != nil {
			return nil, false, err
		}
	}
	v, ok := s.sm.Get(key)
	return v, ok, nil
}

// TransferLeadership hands leadership to target and waits for the outcome.
func (s *Store) TransferLeadership(ctx context.Context, target string) error {
	_, err := s.node.TransferLeadership(target).Wait(ctx)
	return err
}

// Recover forces the local replica to lead after losing a quorum.
func (s *Store) Recover(ctx context.Context) error {
	_, err := s.node.Recover().Wait(ctx)
	return err
}

// ChangeMembers replaces the voter and learner sets.
func (s *Store) ChangeMembers(ctx context.Context, voters, learners []string) error {
	_, err := s.node.ChangeClusterConfig(voters, learners).Wait(ctx)
	return err
}

// Status returns the replica status.
func (s *Store) Status() raft.Status {
	return s.node.Status()
}

// Len returns the number of keys in the local state.
func (s *Store) Len() int {
	return s.sm.Len()
}
