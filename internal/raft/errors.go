package raft

import "github.com/cockroachdb/errors"

// Failure categories. Errors returned by Propose, TransferLeadership and
// Recover are marked with one of these, so callers can match a whole family
// with errors.Is(err, ErrLeaderTransfer) or a single reason with
// errors.Is(err, ErrSelfTransfer).
var (
	ErrDropProposal   = errors.New("raft: proposal dropped")
	ErrLeaderTransfer = errors.New("raft: leader transfer failed")
	ErrRecovery       = errors.New("raft: recovery failed")
)

// Proposal rejection reasons.
var (
	// ErrNotLeader is returned when a write operation is attempted on a non-leader node.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrTransferringLeader is returned while a leadership transfer is in flight.
	ErrTransferringLeader = errors.New("raft: transferring leader")

	// ErrProposalOverflow is returned when too many proposals are uncommitted.
	ErrProposalOverflow = errors.New("raft: too many uncommitted proposals")

	// ErrProposalDropped is returned when an accepted entry was lost before commit.
	ErrProposalDropped = errors.New("raft: proposal lost before commit")

	// ErrProposalUnknown is returned when a forwarded entry was folded into a
	// snapshot whose history cannot tell whether it committed.
	ErrProposalUnknown = errors.New("raft: proposal outcome unknown")

	// ErrForwardDisabled is returned by followers when forwarding is turned off.
	ErrForwardDisabled = errors.New("raft: proposal forwarding disabled")
)

// Leader transfer failure reasons.
var (
	ErrLeaderNotReady      = errors.New("raft: leader not ready")
	ErrTransferNotLeader   = errors.New("raft: transfer requested on non-leader")
	ErrSelfTransfer        = errors.New("raft: transfer to self")
	ErrNotFoundOrQualified = errors.New("raft: transferee not found or not qualified")
	ErrTransferTimeout     = errors.New("raft: transfer timeout")
)

// Recovery failure reasons.
var (
	ErrNotQualify         = errors.New("raft: replica does not qualify for recovery")
	ErrNotLostQuorum      = errors.New("raft: quorum is not lost")
	ErrNotVoter           = errors.New("raft: replica is not a voter")
	ErrRecoveryAborted    = errors.New("raft: recovery aborted")
	ErrRecoveryInProgress = errors.New("raft: recovery in progress")
)

// General errors.
var (
	// ErrConfigChangeInProgress is returned when a previous config change has not finished.
	ErrConfigChangeInProgress = errors.New("raft: config change in progress")

	// ErrNodeStopped is returned when operation is attempted on a stopped node.
	ErrNodeStopped = errors.New("raft: node stopped")

	// ErrCompacted is returned when the requested index precedes the snapshot boundary.
	ErrCompacted = errors.New("raft: log index compacted")

	// ErrUnavailable is returned when the requested index is beyond the last entry.
	ErrUnavailable = errors.New("raft: log index unavailable")

	// ErrSnapshotOutOfDate is returned when a snapshot is older than the current one.
	ErrSnapshotOutOfDate = errors.New("raft: snapshot out of date")

	// ErrLogCorrupted is returned when log data is corrupted.
	ErrLogCorrupted = errors.New("raft: log corrupted")

	// ErrTransportClosed is returned when transport is closed.
	ErrTransportClosed = errors.New("raft: transport closed")

	// ErrUnknownPeer is returned when no address is known for a peer.
	ErrUnknownPeer = errors.New("raft: unknown peer")

	// ErrInvalidConfig is returned when configuration is invalid.
	ErrInvalidConfig = errors.New("raft: invalid configuration")
)

func dropProposal(reason error) error {
	return errors.Mark(reason, ErrDropProposal)
}

func transferFailure(reason error) error {
	return errors.Mark(reason, ErrLeaderTransfer)
}

func recoveryFailure(reason error) error {
	return errors.Mark(reason, ErrRecovery)
}
