// Package config provides configuration parsing and validation for basekv.
//
// # Overview
//
// Configuration is read from a YAML subset: nested maps, lists of scalars,
// and lists of objects. It supports:
//
//   - Environment substitution with ${VAR} and ${VAR:-default}
//   - Default values for every setting
//   - Validation with field-qualified errors
//   - Polling a file for changes with Watcher
//
// # Loading Configuration
//
//	cfg, err := config.LoadConfig("/etc/basekv/basekv.yaml")
//	if err != nil {
//	    return err
//	}
//	if errs := config.ValidateConfig(cfg); len(errs) > 0 {
//	    return errs[0]
//	}
//
// # Example Configuration
//
//	node:
//	  id: n1
//	  raftAddr: "10.0.0.1:7000"
//	  dataDir: "${BASEKV_DATA:-/var/lib/basekv}"
//	  tickInterval: 100ms
//
//	cluster:
//	  voters:
//	    - id: n1
//	      addr: "10.0.0.1:7000"
//	    - id: n2
//	      addr: "10.0.0.2:7000"
//	    - id: n3
//	      addr: "10.0.0.3:7000"
//	  learners:
//	    - id: l1
//	      addr: "10.0.0.4:7000"
//
//	raft:
//	  electionTimeoutTick: 10
//	  heartbeatTimeoutTick: 1
//	  maxSizePerAppend: 64KB
//	  preVote: true
//
//	logging:
//	  level: info
//	  format: json
//	  output: stdout
//
//	kv:
//	  listen: "10.0.0.1:7100"
//	  snapshotThreshold: 10000
package config
