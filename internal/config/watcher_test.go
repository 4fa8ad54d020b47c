package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func newTestWatcher(t *testing.T, path string) (*Watcher, chan [2]*Config, chan error) {
	t.Helper()
	changes := make(chan [2]*Config, 4)
	failures := make(chan error, 4)
	w, err := NewWatcher(WatcherConfig{
		Path:         path,
		PollInterval: 10 * time.Millisecond,
		Debounce:     10 * time.Millisecond,
		OnChange: func(oldCfg, newCfg *Config) {
			changes <- [2]*Config{oldCfg, newCfg}
		},
		OnError: func(err error) {
			failures <- err
		},
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Start()
	t.Cleanup(w.Stop)
	return w, changes, failures
}

func TestWatcherReportsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "basekv.yaml")
	writeConfigFile(t, path, sampleConfig)
	w, changes, failures := newTestWatcher(t, path)

	updated := strings.Replace(sampleConfig, `addr: "127.0.0.1:7004"`, `addr: "127.0.0.1:17004"`, 1)
	writeConfigFile(t, path, updated)

	select {
	case c := <-changes:
		if got := c[0].Cluster.Learners[0].Addr; got != "127.0.0.1:7004" {
			t.Errorf("old learner addr = %q", got)
		}
		if got := c[1].Cluster.Learners[0].Addr; got != "127.0.0.1:17004" {
			t.Errorf("new learner addr = %q", got)
		}
	case err := <-failures:
		t.Fatalf("unexpected reload error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}

	if got := w.Current().Cluster.Learners[0].Addr; got != "127.0.0.1:17004" {
		t.Errorf("Current() learner addr = %q", got)
	}
}

func TestWatcherKeepsConfigOnInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "basekv.yaml")
	writeConfigFile(t, path, sampleConfig)
	w, changes, failures := newTestWatcher(t, path)

	invalid := strings.Replace(sampleConfig, "electionTimeoutTick: 20", "electionTimeoutTick: 1", 1)
	writeConfigFile(t, path, invalid)

	select {
	case err := <-failures:
		if !strings.Contains(err.Error(), "raft.electionTimeoutTick") {
			t.Errorf("error = %v, want field name", err)
		}
	case <-changes:
		t.Fatal("invalid config reported as change")
	case <-time.After(5 * time.Second):
		t.Fatal("no reload error reported")
	}

	if got := w.Current().Raft.ElectionTimeoutTick; got != 20 {
		t.Errorf("Current() electionTimeoutTick = %d, want 20", got)
	}
}

func TestNewWatcherErrors(t *testing.T) {
	onChange := func(oldCfg, newCfg *Config) {}
	tests := []struct {
		name string
		cfg  WatcherConfig
	}{
		{"missing path", WatcherConfig{OnChange: onChange}},
		{"missing callback", WatcherConfig{Path: "basekv.yaml"}},
		{"missing file", WatcherConfig{Path: filepath.Join(t.TempDir(), "none.yaml"), OnChange: onChange}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewWatcher(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}
