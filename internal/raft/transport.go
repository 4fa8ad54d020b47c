package raft

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// Transport delivers messages between replicas. Delivery is one-way and
// best effort; the protocol retransmits what gets lost.
type Transport interface {
	// Send queues a message for m.To.
	Send(m Message) error

	// Listen starts delivering inbound messages to handler.
	Listen(handler func(Message)) error

	// Close shuts down the transport.
	Close() error
}

const (
	defaultDialTimeout = 5 * time.Second
	peerQueueSize      = 1024
)

// TCPTransport implements Transport over TCP. Each frame is
// [length:4][message:N]; every peer gets one outbound connection written by
// its own goroutine, so Send never blocks the caller.
type TCPTransport struct {
	addr     string
	listener net.Listener
	peers    map[string]*peerConn
	handler  func(Message)
	timeout  time.Duration
	logger   Logger
	closed   bool
	inbound  map[net.Conn]struct{}
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

type peerConn struct {
	id    string
	addr  string
	queue chan []byte
	done  chan struct{}
}

// NewTCPTransport creates a new TCP transport. peers maps replica ids to
// addresses.
func NewTCPTransport(addr string, peers map[string]string) *TCPTransport {
	t := &TCPTransport{
		addr:    addr,
		peers:   make(map[string]*peerConn),
		timeout: defaultDialTimeout,
		logger:  &defaultLogger{},
		inbound: make(map[net.Conn]struct{}),
	}
	for id, a := range peers {
		t.peers[id] = t.startPeer(id, a)
	}
	return t
}

// SetTimeout sets the dial and write timeout.
func (t *TCPTransport) SetTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = d
}

// SetLogger sets the logger for connection errors.
func (t *TCPTransport) SetLogger(logger Logger) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logger = logger
}

// LocalAddr returns the listening address once Listen succeeded, the
// configured address before.
func (t *TCPTransport) LocalAddr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.addr
}

// Send encodes m and queues it on the peer's connection. A full queue drops
// the message.
func (t *TCPTransport) Send(m Message) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrTransportClosed
	}
	p, ok := t.peers[m.To]
	t.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrUnknownPeer, "peer %q", m.To)
	}

	payload := EncodeMessage(&m)
	frame := make([]byte, 4, 4+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)

	select {
	case p.queue <- frame:
		return nil
	case <-p.done:
		return ErrTransportClosed
	default:
		return errors.Newf("raft: send queue to %q is full", m.To)
	}
}

func (t *TCPTransport) startPeer(id, addr string) *peerConn {
	p := &peerConn{
		id:    id,
		addr:  addr,
		queue: make(chan []byte, peerQueueSize),
		done:  make(chan struct{}),
	}
	t.wg.Add(1)
	go t.writeLoop(p)
	return p
}

// writeLoop dials lazily and redials after a failed write. Frames that fail
// are dropped.
func (t *TCPTransport) writeLoop(p *peerConn) {
	defer t.wg.Done()

	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-p.done:
			return
		case frame := <-p.queue:
			t.mu.RLock()
			timeout, logger := t.timeout, t.logger
			t.mu.RUnlock()

			if conn == nil {
				c, err := net.DialTimeout("tcp", p.addr, timeout)
				if err != nil {
					logger.Debug("dial failed", "peer", p.id, "addr", p.addr, "error", err)
					continue
				}
				conn = c
			}
			conn.SetWriteDeadline(time.Now().Add(timeout))
			if _, err := conn.Write(frame); err != nil {
				logger.Debug("write failed", "peer", p.id, "addr", p.addr, "error", err)
				conn.Close()
				conn = nil
			}
		}
	}
}

// Listen starts accepting connections and handing decoded messages to
// handler.
func (t *TCPTransport) Listen(handler func(Message)) error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", t.addr)
	}

	t.mu.Lock()
	t.listener = ln
	t.handler = handler
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(ln)

	return nil
}

func (t *TCPTransport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			t.mu.RLock()
			closed := t.closed
			t.mu.RUnlock()
			if closed {
				return
			}
			continue
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.inbound[conn] = struct{}{}
		t.mu.Unlock()

		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

func (t *TCPTransport) handleConn(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.inbound, conn)
		t.mu.Unlock()
		conn.Close()
	}()

	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		n := binary.LittleEndian.Uint32(header)
		if n > maxFieldLen {
			return
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(conn, data); err != nil {
			return
		}

		m, err := DecodeMessage(data)
		t.mu.RLock()
		handler, logger := t.handler, t.logger
		t.mu.RUnlock()
		if err != nil {
			logger.Warn("dropping undecodable frame", "remote", conn.RemoteAddr().String(), "error", err)
			return
		}
		if handler != nil {
			handler(m)
		}
	}
}

// Close shuts down the listener, inbound connections and peer writers.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.listener != nil {
		t.listener.Close()
	}
	for conn := range t.inbound {
		conn.Close()
	}
	for _, p := range t.peers {
		close(p.done)
	}
	t.peers = make(map[string]*peerConn)
	t.mu.Unlock()

	// Wait for goroutines
	t.wg.Wait()

	return nil
}

// AddPeer adds or re-addresses a peer.
func (t *TCPTransport) AddPeer(id, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if p, ok := t.peers[id]; ok {
		if p.addr == addr {
			return
		}
		close(p.done)
	}
	t.peers[id] = t.startPeer(id, addr)
}

// RemovePeer removes a peer from the transport.
func (t *TCPTransport) RemovePeer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.peers[id]; ok {
		close(p.done)
		delete(t.peers, id)
	}
}

// InMemoryNetwork connects InMemoryTransports in one process. Messages are
// passed through the wire codec so receivers never share memory with
// senders. Links can be cut to simulate partitions.
type InMemoryNetwork struct {
	transports map[string]*InMemoryTransport
	cut        map[[2]string]bool
	isolated   map[string]bool
	mu         sync.RWMutex
}

// NewInMemoryNetwork creates a new in-memory network.
func NewInMemoryNetwork() *InMemoryNetwork {
	return &InMemoryNetwork{
		transports: make(map[string]*InMemoryTransport),
		cut:        make(map[[2]string]bool),
		isolated:   make(map[string]bool),
	}
}

// NewTransport creates the transport for replica id.
func (n *InMemoryNetwork) NewTransport(id string) *InMemoryTransport {
	t := &InMemoryTransport{id: id, network: n}

	n.mu.Lock()
	n.transports[id] = t
	n.mu.Unlock()

	return t
}

// Isolate drops all traffic to and from id.
func (n *InMemoryNetwork) Isolate(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[id] = true
}

// Cut drops traffic between a and b in both directions.
func (n *InMemoryNetwork) Cut(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[[2]string{a, b}] = true
	n.cut[[2]string{b, a}] = true
}

// Heal restores every link.
func (n *InMemoryNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	clear(n.cut)
	clear(n.isolated)
}

func (n *InMemoryNetwork) route(from, to string) (*InMemoryTransport, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.isolated[from] || n.isolated[to] || n.cut[[2]string{from, to}] {
		return nil, false
	}
	t, ok := n.transports[to]
	return t, ok
}

// InMemoryTransport implements Transport for testing.
type InMemoryTransport struct {
	id      string
	network *InMemoryNetwork
	handler func(Message)
	closed  bool
	mu      sync.RWMutex
}

// Send delivers m to its recipient unless the link is down.
func (t *InMemoryTransport) Send(m Message) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrTransportClosed
	}

	peer, ok := t.network.route(t.id, m.To)
	if !ok {
		return nil
	}

	peer.mu.RLock()
	handler, peerClosed := peer.handler, peer.closed
	peer.mu.RUnlock()
	if peerClosed || handler == nil {
		return nil
	}

	copied, err := DecodeMessage(EncodeMessage(&m))
	if err != nil {
		return err
	}
	handler(copied)
	return nil
}

// Listen starts delivering messages to handler.
func (t *InMemoryTransport) Listen(handler func(Message)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
	t.closed = false
	return nil
}

// Close shuts down the transport.
func (t *InMemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.handler = nil
	return nil
}
