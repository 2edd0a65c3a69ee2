// Package server implements the rendezvous server: a TCP line-protocol
// service that tracks passive and simultaneous-open nodes and brokers
// the challenge/fight handshake that sets up TCP hole punching between
// two simultaneous nodes.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/holepunch-go/unl/pkg/framesock"
	"github.com/holepunch-go/unl/pkg/ratelimit"
)

const (
	challengeTimeout = 2 * time.Minute
	nodeLifetime     = 24 * time.Hour
	cleanupInterval  = 5 * time.Minute
	maxCandidates    = 100
	ntpSkewTolerance = 10 * time.Minute
)

// nodeRecord is one registered passive or simultaneous node.
type nodeRecord struct {
	maxInbound int
	port       int
	time       time.Time
	conn       *clientConn
}

// candidate is a pending TCP hole punching attempt registered against
// a simultaneous node.
type candidate struct {
	ipAddr      string
	time        time.Time
	predictions []int
	proto       string
	conn        *clientConn
	propagated  bool
}

// clientConn wraps one accepted connection and the framed line socket
// used to push server-initiated messages (CHALLENGE, FIGHT, RECONNECT,
// NODES) back to it.
type clientConn struct {
	remoteIP   string
	remotePort string
	sock       *framesock.Socket
}

func (c *clientConn) sendLine(msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.sock.SendLine(ctx, msg); err != nil {
		log.Printf("rendezvous: send to %s failed: %v", c.remoteIP, err)
	}
}

// Server tracks registered nodes and brokers simultaneous-open
// candidates, matching RendezvousFactory's state.
type Server struct {
	mu           sync.Mutex
	passive      map[string]*nodeRecord
	simultaneous map[string]*nodeRecord
	candidates   map[string][]*candidate
	lastCleanup  time.Time

	limiter  *ratelimit.IPRateLimiter
	listener net.Listener
	store    *RedisStore
	stopCh   chan struct{}
}

// New builds a Server with an empty node table.
func New() *Server {
	return &Server{
		passive:      make(map[string]*nodeRecord),
		simultaneous: make(map[string]*nodeRecord),
		candidates:   make(map[string][]*candidate),
		lastCleanup:  time.Now(),
		limiter:      ratelimit.NewDefault(),
		stopCh:       make(chan struct{}),
	}
}

// StartCleanupLoop runs the periodic stale-node/candidate sweep on a
// ticker until Close is called, independent of connection traffic.
func (s *Server) StartCleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runCleanupSweep()
		}
	}
}

// Serve accepts connections on addr until the listener is closed,
// one goroutine per connection, the same shape as pkg/rpc's
// acceptLoop/handleConnection.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rendezvous: listen: %w", err)
	}
	return s.ServeListener(ln)
}

// ServeListener runs the accept loop over an already-bound listener,
// letting callers (tests, or a supervisor that wants the bound address
// before accepting) choose the listener themselves.
func (s *Server) ServeListener(ln net.Listener) error {
	s.listener = ln
	go s.StartCleanupLoop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConnection(conn)
	}
}

// Close stops accepting new connections and the cleanup loop.
func (s *Server) Close() error {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}

	cc := &clientConn{remoteIP: host, remotePort: portStr, sock: framesock.New(conn)}

	s.onConnectionMade(host)

	scanner := framesock.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !s.limiter.Allow(host) {
			continue
		}
		if s.dispatch(cc, line) == errQuit {
			break
		}
	}

	s.onConnectionLost(host)
}

var errQuit = fmt.Errorf("quit")

func (s *Server) dispatch(cc *clientConn, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "BOOTSTRAP":
		s.handleBootstrap(cc, fields)
	case "SIMULTANEOUS", "PASSIVE":
		s.handleReady(cc, fields)
	case "SOURCE":
		if len(fields) >= 2 && fields[1] == "TCP" {
			s.handleSourceTCP(cc)
		}
	case "CANDIDATE":
		s.handleCandidate(cc, fields)
	case "ACCEPT":
		s.handleAccept(cc, fields)
	case "CLEAR":
		s.handleClear(cc)
	case "QUIT":
		return errQuit
	}
	return nil
}

// onConnectionMade mirrors connectionMade: a reconnecting simultaneous
// node may need to be told to synchronize its candidates immediately.
func (s *Server) onConnectionMade(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.simultaneous[ip]
	if !ok {
		return
	}
	node.time = time.Now()
	s.synchronizeSimultaneousLocked(ip)
}

// onConnectionLost opportunistically runs the cleanup sweep on
// disconnect if the ticker-driven sweep (StartCleanupLoop) hasn't run
// recently, matching connectionLost's fallback cleanup trigger.
func (s *Server) onConnectionLost(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastCleanup) < cleanupInterval {
		return
	}
	s.sweepLocked()
}

// runCleanupSweep acquires the lock and sweeps stale nodes/candidates;
// called on the cleanup ticker.
func (s *Server) runCleanupSweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
}

// sweepLocked drops nodes past nodeLifetime and candidates past their
// retention window. Caller must hold s.mu.
func (s *Server) sweepLocked() {
	s.lastCleanup = time.Now()
	now := s.lastCleanup

	for nodeIP, node := range s.passive {
		if now.Sub(node.time) >= nodeLifetime {
			delete(s.passive, nodeIP)
		}
	}
	for nodeIP, node := range s.simultaneous {
		if now.Sub(node.time) >= nodeLifetime {
			delete(s.simultaneous, nodeIP)
		}
	}
	for nodeIP, list := range s.candidates {
		_, isSimultaneous := s.simultaneous[nodeIP]
		var kept []*candidate
		for _, c := range list {
			if !isSimultaneous && now.Sub(c.time) >= challengeTimeout*5 {
				continue
			}
			kept = append(kept, c)
		}
		s.candidates[nodeIP] = kept
		if len(kept) == 0 && !isSimultaneous {
			delete(s.candidates, nodeIP)
		}
	}
}

func (s *Server) handleBootstrap(cc *clientConn, fields []string) {
	if len(fields) != 2 {
		return
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n < 1 || n > 100 {
		return
	}

	s.mu.Lock()
	var entries []string
	count := 0
	for ip, node := range s.passive {
		if count >= n {
			break
		}
		if ip == cc.remoteIP || ip == "127.0.0.1" {
			continue
		}
		entries = append(entries, fmt.Sprintf("p:%s:%d", ip, node.port))
		count++
	}
	s.mu.Unlock()

	if len(entries) == 0 {
		cc.sendLine("NODES EMPTY")
		return
	}
	cc.sendLine("NODES " + strings.Join(entries, " "))
}

func (s *Server) handleReady(cc *clientConn, fields []string) {
	if len(fields) != 4 || fields[1] != "READY" {
		return
	}
	// Simultaneous registrations advertise port 0 (their punch ports are
	// negotiated per fight); passive ones must name a real listen port.
	port, err := strconv.Atoi(fields[2])
	if err != nil || port < 0 || port > 65535 {
		return
	}
	maxInbound, err := strconv.Atoi(fields[3])
	if err != nil || maxInbound < 0 {
		return
	}
	if fields[0] == "PASSIVE" && port == 0 {
		return
	}

	nodeType := strings.ToLower(fields[0])
	record := &nodeRecord{maxInbound: maxInbound, port: port, time: time.Now(), conn: cc}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch nodeType {
	case "simultaneous":
		s.simultaneous[cc.remoteIP] = record
		if _, exists := s.candidates[cc.remoteIP]; !exists {
			s.candidates[cc.remoteIP] = nil
		} else {
			s.cleanupCandidatesLocked(cc.remoteIP)
			s.propagateCandidatesLocked(cc.remoteIP)
		}
		s.persistNodeLocked("simultaneous", cc.remoteIP, record)
	case "passive":
		s.passive[cc.remoteIP] = record
		s.persistNodeLocked("passive", cc.remoteIP, record)
	}
}

// persistNodeLocked writes through to the attached store, if any.
// Caller must hold s.mu. Persistence failures are logged, not fatal:
// the in-memory registration already succeeded.
func (s *Server) persistNodeLocked(kind, ip string, rec *nodeRecord) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.saveNode(ctx, kind, ip, rec); err != nil {
		log.Printf("rendezvous: persist %s node %s: %v", kind, ip, err)
	}
}

func (s *Server) handleSourceTCP(cc *clientConn) {
	cc.sendLine(fmt.Sprintf("REMOTE TCP %s", cc.remotePort))
}

func (s *Server) handleCandidate(cc *clientConn, fields []string) {
	// CANDIDATE <node_ip> <TCP|UDP> <port>...
	if len(fields) < 4 {
		return
	}
	nodeIP := fields[1]
	proto := fields[2]
	if proto != "TCP" && proto != "UDP" {
		return
	}
	parsed := net.ParseIP(nodeIP)
	if parsed == nil || parsed.To4() == nil {
		return
	}

	predictions, ok := parsePorts(fields[3:])
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.simultaneous[nodeIP]; !ok {
		return
	}

	list := s.candidates[nodeIP]
	if len(list) >= maxCandidates {
		return
	}

	var kept []*candidate
	for _, c := range list {
		if c.ipAddr != cc.remoteIP {
			kept = append(kept, c)
		}
	}
	kept = append(kept, &candidate{
		ipAddr:      cc.remoteIP,
		time:        time.Now(),
		predictions: predictions,
		proto:       proto,
		conn:        cc,
	})
	s.candidates[nodeIP] = kept

	cc.sendLine("PREDICTION SET")
	s.synchronizeSimultaneousLocked(nodeIP)
}

func (s *Server) handleAccept(cc *clientConn, fields []string) {
	// ACCEPT <client_ip> <port>... <TCP|UDP> <ntp>
	if len(fields) < 4 {
		return
	}
	clientIP := fields[1]
	proto := fields[len(fields)-2]
	ntpRaw := fields[len(fields)-1]
	predictions, ok := parsePorts(fields[2 : len(fields)-2])
	if !ok || (proto != "TCP" && proto != "UDP") {
		return
	}

	ntpSeconds, err := strconv.ParseFloat(ntpRaw, 64)
	if err != nil {
		return
	}
	meeting := time.Unix(int64(ntpSeconds), 0)
	if time.Since(meeting) > ntpSkewTolerance || time.Until(meeting) > ntpSkewTolerance {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list, ok := s.candidates[cc.remoteIP]
	if !ok {
		return
	}

	msg := fmt.Sprintf("FIGHT %s %s %s %s %s", ntpRaw, cc.remoteIP, joinInts(predictions), proto, ntpRaw)
	for _, c := range list {
		if c.ipAddr == clientIP {
			c.conn.sendLine(msg)
			c.propagated = true
			break
		}
	}
}

func (s *Server) handleClear(cc *clientConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.passive, cc.remoteIP)
	delete(s.simultaneous, cc.remoteIP)

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.store.deleteNode(ctx, "passive", cc.remoteIP)
		_ = s.store.deleteNode(ctx, "simultaneous", cc.remoteIP)
	}
}

// cleanupCandidatesLocked drops candidates older than challengeTimeout
// for node_ip. Caller must hold s.mu.
func (s *Server) cleanupCandidatesLocked(nodeIP string) {
	list := s.candidates[nodeIP]
	var kept []*candidate
	now := time.Now()
	for _, c := range list {
		if now.Sub(c.time) <= challengeTimeout {
			kept = append(kept, c)
		}
	}
	s.candidates[nodeIP] = kept
}

// propagateCandidatesLocked notifies the simultaneous node of each
// not-yet-propagated candidate via CHALLENGE. Caller must hold s.mu.
func (s *Server) propagateCandidatesLocked(nodeIP string) {
	node, ok := s.simultaneous[nodeIP]
	if !ok {
		return
	}
	if node.conn == nil {
		// Recovered from the persistence store; no live notification
		// channel until the node re-registers.
		return
	}
	for _, c := range s.candidates[nodeIP] {
		if c.propagated {
			continue
		}
		msg := fmt.Sprintf("CHALLENGE %s %s %s", c.ipAddr, joinInts(c.predictions), c.proto)
		node.conn.sendLine(msg)
	}
}

// synchronizeSimultaneousLocked mirrors synchronize_simultaneous:
// forces a reconnect if the simultaneous node's last-seen time is
// stale compared to its candidates, otherwise cleans up and
// propagates. Caller must hold s.mu.
func (s *Server) synchronizeSimultaneousLocked(nodeIP string) {
	node, ok := s.simultaneous[nodeIP]
	if !ok {
		return
	}
	for _, c := range s.candidates[nodeIP] {
		if c.time.Sub(node.time) > challengeTimeout {
			if node.conn != nil {
				node.conn.sendLine("RECONNECT")
			}
			return
		}
	}
	s.cleanupCandidatesLocked(nodeIP)
	s.propagateCandidatesLocked(nodeIP)
}

func parsePorts(fields []string) ([]int, bool) {
	ports := make([]int, 0, len(fields))
	for _, f := range fields {
		p, err := strconv.Atoi(f)
		if err != nil || p <= 0 || p > 65535 {
			return nil, false
		}
		ports = append(ports, p)
	}
	if len(ports) == 0 {
		return nil, false
	}
	return ports, true
}

func joinInts(ints []int) string {
	parts := make([]string, len(ints))
	for i, v := range ints {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, " ")
}
