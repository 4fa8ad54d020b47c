package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/basekv/internal/config"
	"github.com/KilimcininKorOglu/basekv/internal/kvstore"
	"github.com/KilimcininKorOglu/basekv/internal/logging"
	"github.com/KilimcininKorOglu/basekv/internal/raft"
)

// Server errors.
var (
	ErrServerAlreadyRunning = errors.New("server is already running")
	ErrServerNotRunning     = errors.New("server is not running")
)

const (
	commandTimeout  = 10 * time.Second
	membersTimeout  = 30 * time.Second
	maxCommandBytes = 1 << 20
)

// Server runs one replica and its client listener.
type Server struct {
	config    *config.Config
	logger    logging.Logger
	storage   *raft.FileStorage
	transport *raft.TCPTransport
	node      *raft.Node
	store     *kvstore.Store
	listener  net.Listener
	watcher   *config.Watcher

	conns   map[net.Conn]struct{}
	running bool
	mu      sync.Mutex
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewServer opens the replica's log and wires the node, store and transport.
func NewServer(cfg *config.Config) (*Server, error) {
	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create logger")
	}
	logger = logger.WithFields("replica", cfg.Node.ID)

	voters, learners := cfg.Cluster.Members()
	storage, err := raft.OpenFileStorage(filepath.Join(cfg.Node.DataDir, "raft"), raft.NewClusterConfig(voters, learners))
	if err != nil {
		return nil, errors.Wrap(err, "open raft log")
	}

	transport := raft.NewTCPTransport(cfg.Node.RaftAddr, cfg.Cluster.Peers(cfg.Node.ID))
	transport.SetLogger(logger)

	sm := kvstore.NewStateMachine(cfg.KV.SnapshotThreshold)
	node, err := raft.NewNode(cfg.RaftOptions(), storage, sm, transport)
	if err != nil {
		storage.Close()
		return nil, errors.Wrap(err, "create replica")
	}
	node.SetLogger(logger)
	node.SetEventListener(func(ev raft.Event) {
		logEvent(logger, ev)
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:    cfg,
		logger:    logger,
		storage:   storage,
		transport: transport,
		node:      node,
		store:     kvstore.NewStore(node, sm, logger),
		conns:     make(map[net.Conn]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// logEvent runs on the replica loop and must not call back into the node.
func logEvent(logger logging.Logger, ev raft.Event) {
	switch ev.Type {
	case raft.EventElection:
		logger.Info("role changed", "role", ev.Role.String(), "term", ev.Term, "leader", ev.Leader, "reason", ev.Reason)
	case raft.EventConfigApplied:
		logger.Info("cluster config applied", "index", ev.Index, "voters", ev.Config.Voters,
			"learners", ev.Config.Learners, "joint", ev.Config.IsJoint())
	case raft.EventSnapshotInstalled:
		logger.Info("snapshot installed", "index", ev.Index, "term", ev.Term)
	}
}

// Start starts the replica and the client listener. It does not block.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrServerAlreadyRunning
	}

	listener, err := net.Listen("tcp", s.config.KV.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.config.KV.Listen)
	}
	s.store.Start()
	if err := s.node.Start(); err != nil {
		s.store.Stop()
		listener.Close()
		return errors.Wrap(err, "start replica")
	}

	s.listener = listener
	s.running = true
	s.logger.Info("replica started", "raftAddr", s.transport.LocalAddr(), "listen", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptConnections(listener)
	return nil
}

// Addr returns the client listener address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and connections, then stops the replica.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrServerNotRunning
	}
	s.running = false
	listener := s.listener
	watcher := s.watcher
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.cancel()
	if watcher != nil {
		watcher.Stop()
	}
	listener.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.logger.Warn("connections did not finish before shutdown deadline")
	}

	s.store.Stop()
	s.node.Stop()
	if cerr := s.storage.Close(); cerr != nil && err == nil {
		err = errors.Wrap(cerr, "close raft log")
	}
	s.logger.Info("replica stopped")
	return err
}

func (s *Server) acceptConnections(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("accept error", "error", err)
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection serves line commands until the client quits or the
// server stops.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	logger := s.logger.WithRequestID(logging.GenerateRequestID())
	logger.Debug("client connected", "remote", conn.RemoteAddr().String())

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxCommandBytes)
	w := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
		reply, quit := execute(ctx, s.store, line)
		cancel()

		logger.Debug("command", "line", truncate(line, 64), "reply", truncate(reply, 64))
		fmt.Fprintln(w, reply)
		if err := w.Flush(); err != nil || quit {
			return
		}
	}
	if err := scanner.Err(); err != nil && s.ctx.Err() == nil {
		logger.Warn("client read failed", "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// watchConfig reloads cluster membership from path on change.
func (s *Server) watchConfig(path string) error {
	watcher, err := config.NewWatcher(config.WatcherConfig{
		Path:     path,
		OnChange: s.handleConfigReload,
		OnError: func(err error) {
			s.logger.Warn("config reload failed", "error", err)
		},
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()
	watcher.Start()
	s.logger.Info("config file watcher started", "file", path)
	return nil
}

// handleConfigReload applies the hot-reloadable part of a new config file:
// peer addresses and, on the leader, the member lists.
func (s *Server) handleConfigReload(oldCfg, newCfg *config.Config) {
	s.logger.Info("config file changed")

	if oldCfg.Node != newCfg.Node || oldCfg.Raft != newCfg.Raft ||
		oldCfg.Logging != newCfg.Logging || oldCfg.KV != newCfg.KV {
		s.logger.Warn("node, raft, logging and kv settings apply after restart")
	}

	oldPeers := oldCfg.Cluster.Peers(s.config.Node.ID)
	newPeers := newCfg.Cluster.Peers(s.config.Node.ID)
	for id, addr := range newPeers {
		if oldPeers[id] != addr {
			s.transport.AddPeer(id, addr)
			s.logger.Info("peer address updated", "peer", id, "addr", addr)
		}
	}

	voters, learners := newCfg.Cluster.Members()
	current := s.node.LatestClusterConfig()
	if sameMembers(current.Voters, voters) && sameMembers(current.Learners, learners) {
		return
	}
	if !s.node.IsLeader() {
		s.logger.Info("membership change left to the leader", "voters", voters, "learners", learners)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, membersTimeout)
	defer cancel()
	if err := s.store.ChangeMembers(ctx, voters, learners); err != nil {
		s.logger.Error("membership change failed", "voters", voters, "learners", learners, "error", err)
		return
	}
	for id := range oldPeers {
		if _, ok := newPeers[id]; !ok {
			s.transport.RemovePeer(id)
		}
	}
	s.logger.Info("membership changed", "voters", voters, "learners", learners)
}

func sameMembers(a, b []string) bool {
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

func serveCmd(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	configFile := fs.String("config", "", "Path to configuration file")
	id := fs.String("id", "", "Replica id (overrides config)")
	dataDir := fs.String("data-dir", "", "Data directory path (overrides config)")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		printServeUsage(os.Stdout)
		return 0
	}

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		return 1
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *id != "" {
		cfg.Node.ID = *id
	}
	if *dataDir != "" {
		cfg.Node.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if !reportConfigErrors(config.ValidateConfig(cfg)) {
		return 1
	}

	srv, err := NewServer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		return 1
	}
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
		return 1
	}
	if err := srv.watchConfig(*configFile); err != nil {
		srv.logger.Warn("failed to create config watcher", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	srv.logger.Info("received signal, shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
		return 1
	}
	return 0
}
