// Package raft implements a single-group Raft replica with pre-vote,
// joint-consensus membership changes, leadership transfer and a manual
// recovery path for clusters that permanently lost a quorum.
//
// # Overview
//
// The package provides:
//   - Leader election with randomized timeouts, pre-vote and a leader lease
//   - Log replication with per-follower flow control (probe, replicate, snapshot)
//   - Joint-consensus membership changes and non-voting learners
//   - Snapshot installation and log compaction
//   - Leadership transfer through TimeoutNow
//   - Quorum-loss recovery that shrinks the voters to the live ones
//   - Linearizable reads through read index or leader lease
//   - TCP and in-memory transports, memory and file log storage
//
// # Architecture
//
// The protocol lives in a deterministic core driven by logical ticks and
// inbound messages. Node runs the core on one goroutine and connects it to a
// Transport and a StateMachine:
//
//	store, _ := raft.OpenFileStorage(dir, raft.NewClusterConfig(voters, nil))
//	transport := raft.NewTCPTransport(addr, peerAddrs)
//	cfg := raft.DefaultConfig("a")
//	cfg.TickInterval = 100 * time.Millisecond
//	node, _ := raft.NewNode(cfg, store, stateMachine, transport)
//	node.Start()
//
//	index, err := node.Propose(cmd).Wait(ctx)
//
// Every long-running operation returns a Future. Failures carry a category
// mark, so errors.Is(err, raft.ErrLeaderTransfer) matches any transfer
// failure while errors.Is(err, raft.ErrTransferTimeout) matches one reason.
//
// # Membership
//
// A config takes effect on a replica as soon as its entry is appended, and
// is reverted if the entry is truncated. Changes to the voter set pass
// through a joint config that needs a quorum of both the old and the new
// voters.
//
// # Failure Handling
//
// The cluster can tolerate (N-1)/2 failed voters for N voters. When more
// are lost for good, Recover on a live candidate forces leadership and
// rewrites the config to the voters that still answer.
//
// # References
//
//   - Raft Paper: https://raft.github.io/raft.pdf
//   - Raft Thesis (pre-vote, transfer): https://github.com/ongardie/dissertation
package raft
