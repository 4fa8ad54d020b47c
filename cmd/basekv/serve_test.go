package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/basekv/internal/config"
)

func testServerConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Node.ID = "n1"
	cfg.Node.RaftAddr = "127.0.0.1:0"
	cfg.Node.DataDir = dir
	cfg.Node.TickInterval = 5 * time.Millisecond
	cfg.Cluster.Voters = []config.PeerConfig{{ID: "n1", Addr: "127.0.0.1:0"}}
	cfg.Logging.Output = filepath.Join(dir, "basekv.log")
	cfg.KV.Listen = "127.0.0.1:0"
	cfg.KV.SnapshotThreshold = 3
	if errs := config.ValidateConfig(cfg); len(errs) > 0 {
		t.Fatalf("test config invalid: %v", errs)
	}
	return cfg
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) do(line string) string {
	c.t.Helper()
	c.conn.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := fmt.Fprintln(c.conn, line); err != nil {
		c.t.Fatalf("write %q: %v", line, err)
	}
	reply, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read reply to %q: %v", line, err)
	}
	return strings.TrimSpace(reply)
}

// waitReady polls with linearizable reads until the replica leads and has
// applied everything it committed.
func (c *client) waitReady() {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for c.do("GET __probe") != "NOT_FOUND" {
		if time.Now().After(deadline) {
			c.t.Fatal("server did not become ready")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerLifecycle(t *testing.T) {
	cfg := testServerConfig(t)
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := srv.Start(); !errors.Is(err, ErrServerAlreadyRunning) {
		t.Errorf("second Start error = %v, want ErrServerAlreadyRunning", err)
	}

	c := dial(t, srv.Addr())
	c.waitReady()

	for i := 0; i < 5; i++ {
		if reply := c.do(fmt.Sprintf("PUT key%d value %d", i, i)); !strings.HasPrefix(reply, "OK ") {
			t.Fatalf("PUT reply = %q", reply)
		}
	}
	if reply := c.do("GET key3"); reply != "VALUE value 3" {
		t.Errorf("GET reply = %q", reply)
	}
	if reply := c.do("QUIT"); reply != "BYE" {
		t.Errorf("QUIT reply = %q", reply)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := srv.Stop(ctx); !errors.Is(err, ErrServerNotRunning) {
		t.Errorf("second Stop error = %v, want ErrServerNotRunning", err)
	}
}

func TestServerRestartKeepsData(t *testing.T) {
	cfg := testServerConfig(t)

	start := func() (*Server, *client) {
		srv, err := NewServer(cfg)
		if err != nil {
			t.Fatalf("NewServer failed: %v", err)
		}
		if err := srv.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		c := dial(t, srv.Addr())
		c.waitReady()
		return srv, c
	}
	stop := func(srv *Server) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
	}

	srv, c := start()
	for i := 0; i < 7; i++ {
		if reply := c.do(fmt.Sprintf("PUT k%d v%d", i, i)); !strings.HasPrefix(reply, "OK ") {
			t.Fatalf("PUT reply = %q", reply)
		}
	}
	stop(srv)

	srv, c = start()
	defer stop(srv)
	for i := 0; i < 7; i++ {
		want := fmt.Sprintf("VALUE v%d", i)
		if reply := c.do(fmt.Sprintf("GET k%d", i)); reply != want {
			t.Errorf("GET k%d after restart = %q, want %q", i, reply, want)
		}
	}
}
