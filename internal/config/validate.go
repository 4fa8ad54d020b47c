package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// ValidationError is a problem with one configuration field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateConfig returns every validation error found; an empty slice means
// the configuration is usable.
func ValidateConfig(config *Config) []error {
	var errs []error
	errs = append(errs, validateNodeConfig(&config.Node)...)
	errs = append(errs, validateClusterConfig(&config.Cluster, config.Node.ID)...)
	errs = append(errs, validateRaftConfig(&config.Raft)...)
	errs = append(errs, validateLogConfig(&config.Logging)...)
	errs = append(errs, validateKVConfig(&config.KV)...)
	return errs
}

func validateNodeConfig(config *NodeConfig) []error {
	var errs []error

	if config.ID == "" {
		errs = append(errs, ValidationError{Field: "node.id", Message: "replica id is required"})
	}
	if err := validateAddress(config.RaftAddr); err != nil {
		errs = append(errs, ValidationError{Field: "node.raftAddr", Message: err.Error()})
	}
	if config.DataDir == "" {
		errs = append(errs, ValidationError{Field: "node.dataDir", Message: "data directory is required"})
	}
	if config.TickInterval <= 0 {
		errs = append(errs, ValidationError{Field: "node.tickInterval", Message: "must be positive"})
	}

	return errs
}

func validateClusterConfig(config *ClusterConfig, self string) []error {
	var errs []error

	if len(config.Voters) == 0 {
		errs = append(errs, ValidationError{Field: "cluster.voters", Message: "at least one voter is required"})
	}

	seen := make(map[string]string)
	member := false
	check := func(section string, peers []PeerConfig) {
		for i, p := range peers {
			field := fmt.Sprintf("cluster.%s[%d]", section, i)
			if p.ID == "" {
				errs = append(errs, ValidationError{Field: field + ".id", Message: "peer id is required"})
				continue
			}
			if prev, ok := seen[p.ID]; ok {
				errs = append(errs, ValidationError{
					Field:   field + ".id",
					Message: fmt.Sprintf("%s already listed in %s", p.ID, prev),
				})
				continue
			}
			seen[p.ID] = section
			if p.ID == self {
				member = true
				continue
			}
			if err := validateAddress(p.Addr); err != nil {
				errs = append(errs, ValidationError{Field: field + ".addr", Message: err.Error()})
			}
		}
	}
	check("voters", config.Voters)
	check("learners", config.Learners)

	if self != "" && len(config.Voters) > 0 && !member {
		errs = append(errs, ValidationError{
			Field:   "cluster",
			Message: fmt.Sprintf("node %s is not listed as a voter or learner", self),
		})
	}

	return errs
}

func validateRaftConfig(config *RaftConfig) []error {
	var errs []error

	positive := []struct {
		field string
		value int
	}{
		{"raft.electionTimeoutTick", config.ElectionTimeoutTick},
		{"raft.heartbeatTimeoutTick", config.HeartbeatTimeoutTick},
		{"raft.installSnapshotTimeoutTick", config.InstallSnapshotTimeoutTick},
		{"raft.maxInflightAppends", config.MaxInflightAppends},
		{"raft.maxUncommittedProposals", config.MaxUncommittedProposals},
		{"raft.readOnlyBatch", config.ReadOnlyBatch},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, ValidationError{Field: p.field, Message: "must be positive"})
		}
	}

	if config.MaxSizePerAppend == 0 {
		errs = append(errs, ValidationError{Field: "raft.maxSizePerAppend", Message: "must be positive"})
	}
	if config.HeartbeatTimeoutTick > 0 && config.ElectionTimeoutTick <= config.HeartbeatTimeoutTick {
		errs = append(errs, ValidationError{
			Field:   "raft.electionTimeoutTick",
			Message: "must be greater than heartbeatTimeoutTick",
		})
	}

	return errs
}

func validateLogConfig(config *LogConfig) []error {
	var errs []error

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if config.Level != "" && !validLevels[strings.ToLower(config.Level)] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be debug, info, warn, or error",
		})
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if config.Format != "" && !validFormats[strings.ToLower(config.Format)] {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: "must be text or json",
		})
	}

	if config.Output != "" && config.Output != "stdout" && config.Output != "stderr" {
		dir := filepath.Dir(config.Output)
		if !filepath.IsAbs(config.Output) {
			errs = append(errs, ValidationError{
				Field:   "logging.output",
				Message: "must be stdout, stderr, or an absolute file path",
			})
		} else if _, err := os.Stat(dir); os.IsNotExist(err) {
			errs = append(errs, ValidationError{
				Field:   "logging.output",
				Message: fmt.Sprintf("directory %s does not exist", dir),
			})
		}
	}

	return errs
}

func validateKVConfig(config *KVConfig) []error {
	var errs []error

	if err := validateAddress(config.Listen); err != nil {
		errs = append(errs, ValidationError{Field: "kv.listen", Message: err.Error()})
	}
	if config.SnapshotThreshold < 0 {
		errs = append(errs, ValidationError{Field: "kv.snapshotThreshold", Message: "must be non-negative"})
	}

	return errs
}

// validateAddress checks host:port form.
func validateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %v", err)
	}
	if port == "" {
		return fmt.Errorf("port is required")
	}
	return nil
}
