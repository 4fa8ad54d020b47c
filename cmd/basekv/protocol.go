package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/basekv/internal/kvstore"
	"github.com/KilimcininKorOglu/basekv/internal/raft"
)

// execute runs one client command line against store and returns the reply.
// quit is set when the client asked to close the connection.
func execute(ctx context.Context, store *kvstore.Store, line string) (reply string, quit bool) {
	fields := strings.SplitN(strings.TrimSpace(line), " ", 3)
	cmd := strings.ToUpper(fields[0])
	args := fields[1:]

	switch cmd {
	case "PUT":
		if len(args) != 2 {
			return "ERR usage: PUT <key> <value>", false
		}
		index, err := store.Put(ctx, args[0], []byte(args[1]))
		if err != nil {
			return errorReply(store, err), false
		}
		return fmt.Sprintf("OK %d", index), false

	case "GET":
		if len(args) < 1 || (len(args) == 2 && !strings.EqualFold(args[1], "stale")) {
			return "ERR usage: GET <key> [stale]", false
		}
		v, ok, err := store.Get(ctx, args[0], len(args) == 1)
		if err != nil {
			return errorReply(store, err), false
		}
		if !ok {
			return "NOT_FOUND", false
		}
		return "VALUE " + string(v), false

	case "DEL":
		if len(args) != 1 {
			return "ERR usage: DEL <key>", false
		}
		index, err := store.Delete(ctx, args[0])
		if err != nil {
			return errorReply(store, err), false
		}
		return fmt.Sprintf("OK %d", index), false

	case "STATUS":
		st := store.Status()
		return fmt.Sprintf("ROLE %s TERM %d LEADER %s COMMIT %d APPLIED %d FIRST %d LAST %d KEYS %d",
			st.Role, st.Term, orDash(st.LeaderID), st.CommitIndex, st.AppliedIndex,
			st.FirstIndex, st.LastIndex, store.Len()), false

	case "MEMBERS":
		return formatMembers(store.Status().Config), false

	case "TRANSFER":
		if len(args) != 1 {
			return "ERR usage: TRANSFER <id>", false
		}
		if err := store.TransferLeadership(ctx, args[0]); err != nil {
			return errorReply(store, err), false
		}
		return "OK", false

	case "RECOVER":
		if err := store.Recover(ctx); err != nil {
			return errorReply(store, err), false
		}
		return "OK", false

	case "QUIT":
		return "BYE", true

	default:
		return fmt.Sprintf("ERR unknown command %q", fields[0]), false
	}
}

// errorReply names the leader when the command must be sent elsewhere.
func errorReply(store *kvstore.Store, err error) string {
	if errors.Is(err, raft.ErrNotLeader) {
		return "ERR NOT_LEADER " + orDash(store.Status().LeaderID)
	}
	return "ERR " + err.Error()
}

func formatMembers(cfg raft.ClusterConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "VOTERS %s LEARNERS %s", joinOrDash(cfg.Voters), joinOrDash(cfg.Learners))
	if cfg.IsJoint() {
		fmt.Fprintf(&b, " NEXT_VOTERS %s NEXT_LEARNERS %s", joinOrDash(cfg.NextVoters), joinOrDash(cfg.NextLearners))
	}
	return b.String()
}

func joinOrDash(ids []string) string {
	return orDash(strings.Join(ids, ","))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
