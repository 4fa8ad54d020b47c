package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

const sampleConfig = `
# replica n1
node:
  id: n1
  raftAddr: "127.0.0.1:7001"
  dataDir: /tmp/basekv/n1
  tickInterval: 50ms

cluster:
  voters:
    - id: n1
      addr: "127.0.0.1:7001"
    - id: n2
      addr: "127.0.0.1:7002"
    - id: n3
      addr: "127.0.0.1:7003"
  learners:
    - id: l1
      addr: "127.0.0.1:7004"

raft:
  electionTimeoutTick: 20
  heartbeatTimeoutTick: 2
  maxSizePerAppend: 64KB
  preVote: false
  disableForwardProposal: yes

logging:
  level: debug
  format: json

kv:
  listen: "127.0.0.1:7101"
  snapshotThreshold: 500 # entries
`

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Node.TickInterval != 100*time.Millisecond {
		t.Errorf("tickInterval = %v, want 100ms", config.Node.TickInterval)
	}
	if config.Raft.ElectionTimeoutTick != 10 || config.Raft.HeartbeatTimeoutTick != 1 {
		t.Errorf("raft ticks = %d/%d, want 10/1", config.Raft.ElectionTimeoutTick, config.Raft.HeartbeatTimeoutTick)
	}
	if !config.Raft.PreVote || !config.Raft.ReadOnlyLeaderLeaseMode || !config.Raft.AsyncAppend {
		t.Errorf("raft flags = %+v", config.Raft)
	}
	if config.Raft.DisableForwardProposal {
		t.Error("forwarding should be enabled by default")
	}
	if config.Logging.Level != "info" || config.Logging.Output != "stdout" {
		t.Errorf("logging = %+v", config.Logging)
	}
	if config.KV.SnapshotThreshold != 10000 {
		t.Errorf("snapshotThreshold = %d, want 10000", config.KV.SnapshotThreshold)
	}
}

func TestParseConfig(t *testing.T) {
	config, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}

	t.Run("node", func(t *testing.T) {
		want := NodeConfig{ID: "n1", RaftAddr: "127.0.0.1:7001", DataDir: "/tmp/basekv/n1", TickInterval: 50 * time.Millisecond}
		if config.Node != want {
			t.Errorf("node = %+v, want %+v", config.Node, want)
		}
	})

	t.Run("cluster", func(t *testing.T) {
		voters, learners := config.Cluster.Members()
		if !slices.Equal(voters, []string{"n1", "n2", "n3"}) {
			t.Errorf("voters = %v", voters)
		}
		if !slices.Equal(learners, []string{"l1"}) {
			t.Errorf("learners = %v", learners)
		}
		peers := config.Cluster.Peers("n1")
		if len(peers) != 3 || peers["n3"] != "127.0.0.1:7003" || peers["l1"] != "127.0.0.1:7004" {
			t.Errorf("peers = %v", peers)
		}
		if _, ok := peers["n1"]; ok {
			t.Error("peers should exclude self")
		}
	})

	t.Run("raft", func(t *testing.T) {
		if config.Raft.ElectionTimeoutTick != 20 || config.Raft.HeartbeatTimeoutTick != 2 {
			t.Errorf("ticks = %d/%d", config.Raft.ElectionTimeoutTick, config.Raft.HeartbeatTimeoutTick)
		}
		if config.Raft.MaxSizePerAppend != 64*1024 {
			t.Errorf("maxSizePerAppend = %d, want 65536", config.Raft.MaxSizePerAppend)
		}
		if config.Raft.PreVote || !config.Raft.DisableForwardProposal {
			t.Errorf("flags = %+v", config.Raft)
		}
		if config.Raft.ReadOnlyBatch != 10 {
			t.Errorf("unset readOnlyBatch = %d, want default 10", config.Raft.ReadOnlyBatch)
		}
	})

	t.Run("logging and kv", func(t *testing.T) {
		if config.Logging.Level != "debug" || config.Logging.Format != "json" || config.Logging.Output != "stdout" {
			t.Errorf("logging = %+v", config.Logging)
		}
		if config.KV.Listen != "127.0.0.1:7101" || config.KV.SnapshotThreshold != 500 {
			t.Errorf("kv = %+v", config.KV)
		}
	})

	if errs := ValidateConfig(config); len(errs) > 0 {
		t.Errorf("sample config should be valid: %v", errs)
	}
}

func TestParseConfigRaftOptions(t *testing.T) {
	config, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	opts := config.RaftOptions()
	if opts.ID != "n1" || opts.TickInterval != 50*time.Millisecond || opts.ElectionTimeoutTick != 20 {
		t.Errorf("RaftOptions = %+v", opts)
	}
	if err := opts.Validate(); err != nil {
		t.Errorf("RaftOptions should validate: %v", err)
	}
}

func TestParsePeerIDList(t *testing.T) {
	config, err := ParseConfig([]byte(`
cluster:
  voters:
    - a
    - b
`))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	voters, _ := config.Cluster.Members()
	if !slices.Equal(voters, []string{"a", "b"}) {
		t.Errorf("voters = %v, want [a b]", voters)
	}
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		want  error
		field string
	}{
		{"missing colon", "node\n  id n1", ErrInvalidYAML, "line 1"},
		{"bad number", "raft:\n  readOnlyBatch: many", ErrInvalidNumber, "raft.readOnlyBatch (line 2)"},
		{"bad duration", "node:\n  tickInterval: soon", ErrInvalidDuration, "node.tickInterval"},
		{"bad size", "raft:\n  maxSizePerAppend: 12XB", ErrInvalidNumber, "raft.maxSizePerAppend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q should name %q", err, tt.field)
			}
		})
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("BASEKV_TEST_ID", "n7")
	t.Setenv("BASEKV_TEST_EMPTY", "")

	tests := []struct {
		input    string
		expected string
	}{
		{"id: ${BASEKV_TEST_ID}", "id: n7"},
		{"id: ${BASEKV_TEST_ID:-n1}", "id: n7"},
		{"id: ${BASEKV_TEST_EMPTY:-n1}", "id: n1"},
		{"id: ${BASEKV_TEST_UNSET}", "id: "},
		{"id: plain", "id: plain"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := string(substituteEnvVars([]byte(tt.input))); got != tt.expected {
				t.Errorf("substituteEnvVars(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"100ms", 100 * time.Millisecond, false},
		{"5m", 5 * time.Minute, false},
		{"2d", 48 * time.Hour, false},
		{"", 0, false},
		{"xd", 0, true},
		{"later", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseDuration(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseDuration(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.expected {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input    string
		expected uint64
	}{
		{"1024", 1024},
		{"512B", 512},
		{"64KB", 64 << 10},
		{"2mb", 2 << 20},
		{"1GB", 1 << 30},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseSize(tt.input)
			if err != nil || got != tt.expected {
				t.Errorf("parseSize(%q) = %d, %v; want %d", tt.input, got, err, tt.expected)
			}
		})
	}
}

func validConfig() *Config {
	config := DefaultConfig()
	config.Node.ID = "n1"
	config.Cluster.Voters = []PeerConfig{
		{ID: "n1", Addr: "127.0.0.1:7001"},
		{ID: "n2", Addr: "127.0.0.1:7002"},
	}
	return config
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"missing id", func(c *Config) { c.Node.ID = "" }, "node.id"},
		{"bad raft address", func(c *Config) { c.Node.RaftAddr = "nowhere" }, "node.raftAddr"},
		{"missing data dir", func(c *Config) { c.Node.DataDir = "" }, "node.dataDir"},
		{"zero tick", func(c *Config) { c.Node.TickInterval = 0 }, "node.tickInterval"},
		{"no voters", func(c *Config) { c.Cluster.Voters = nil }, "cluster.voters"},
		{"peer without id", func(c *Config) {
			c.Cluster.Voters = append(c.Cluster.Voters, PeerConfig{Addr: "127.0.0.1:7003"})
		}, "cluster.voters[2].id"},
		{"peer without addr", func(c *Config) {
			c.Cluster.Learners = []PeerConfig{{ID: "l1"}}
		}, "cluster.learners[0].addr"},
		{"duplicate member", func(c *Config) {
			c.Cluster.Learners = []PeerConfig{{ID: "n2", Addr: "127.0.0.1:7002"}}
		}, "cluster.learners[0].id"},
		{"self not a member", func(c *Config) { c.Node.ID = "n9" }, "cluster"},
		{"election not above heartbeat", func(c *Config) { c.Raft.ElectionTimeoutTick = 1 }, "raft.electionTimeoutTick"},
		{"zero batch", func(c *Config) { c.Raft.ReadOnlyBatch = 0 }, "raft.readOnlyBatch"},
		{"zero append size", func(c *Config) { c.Raft.MaxSizePerAppend = 0 }, "raft.maxSizePerAppend"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"relative output", func(c *Config) { c.Logging.Output = "basekv.log" }, "logging.output"},
		{"bad listen", func(c *Config) { c.KV.Listen = "" }, "kv.listen"},
		{"negative threshold", func(c *Config) { c.KV.SnapshotThreshold = -1 }, "kv.snapshotThreshold"},
	}

	if errs := ValidateConfig(validConfig()); len(errs) > 0 {
		t.Fatalf("valid config rejected: %v", errs)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.modify(config)
			errs := ValidateConfig(config)
			for _, err := range errs {
				var ve ValidationError
				if errors.As(err, &ve) && ve.Field == tt.field {
					return
				}
			}
			t.Errorf("errors %v do not name %s", errs, tt.field)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "basekv.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if config.Node.ID != "n1" {
		t.Errorf("node.id = %q, want n1", config.Node.ID)
	}

	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("missing file error = %v, want ErrFileNotFound", err)
	}
}
