// Package kvstore is a replicated key-value map built on the raft package.
//
// Writes are encoded as commands, proposed through a raft.Node and applied
// by StateMachine on every replica once committed. Reads are served from the
// local map; a linearizable read first confirms a read index with the
// leader.
//
//	sm := kvstore.NewStateMachine(cfg.KV.SnapshotThreshold)
//	node, _ := raft.NewNode(raftCfg, storage, sm, transport)
//	store := kvstore.NewStore(node, sm, logger)
//	store.Start()
//	node.Start()
//
//	store.Put(ctx, "k", []byte("v"))
//	v, ok, err := store.Get(ctx, "k", true)
//
// Every SnapshotThreshold applied commands the state machine serializes the
// map and the store compacts the replica's log behind it.
package kvstore
