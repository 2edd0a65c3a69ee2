// Package client implements the rendezvous protocol from the node
// side: registering as a passive or simultaneous node, requesting
// bootstrap peers, probing source-port mappings for NAT
// classification, and brokering TCP hole punching fights via
// pkg/punch.
package client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/holepunch-go/unl/pkg/framesock"
	"github.com/holepunch-go/unl/pkg/natclass"
	"github.com/holepunch-go/unl/pkg/punch"
)

// Config configures a Client.
type Config struct {
	// Servers is a list of "host:port" rendezvous server addresses,
	// tried in order until one accepts.
	Servers []string
	// DialTimeout bounds each individual server connection attempt.
	DialTimeout time.Duration
}

// Client talks the rendezvous line protocol on behalf of one local
// node.
type Client struct {
	cfg   Config
	nat   natclass.Kind
	delta int32
}

// New builds a Client. nat and delta describe this node's own NAT
// classification, used to predict remote port mappings when fighting.
func New(cfg Config, nat natclass.Kind, delta int32) *Client {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	return &Client{cfg: cfg, nat: nat, delta: delta}
}

var errAllServersDown = fmt.Errorf("rendezvous: all servers are down")

// challengeTimeout bounds each wait on the server during a challenge:
// the PREDICTION SET acknowledgement and the FIGHT push that follows.
const challengeTimeout = 10 * time.Second

// ConnectToServer dials the first reachable configured server,
// optionally from a specific local source port (pass 0 for any port).
func (c *Client) ConnectToServer(ctx context.Context, localPort int) (*framesock.Socket, error) {
	if len(c.cfg.Servers) == 0 {
		return nil, fmt.Errorf("rendezvous: no servers configured")
	}

	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	if localPort != 0 {
		d.LocalAddr = &net.TCPAddr{Port: localPort}
	}

	var lastErr error
	for _, addr := range c.cfg.Servers {
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		conn, err := d.DialContext(dialCtx, "tcp", addr)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		return framesock.New(conn), nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", errAllServersDown, lastErr)
	}
	return nil, errAllServersDown
}

// LeaveFight clears this node's registration from the rendezvous
// server (PASSIVE and SIMULTANEOUS slots alike).
func (c *Client) LeaveFight(ctx context.Context) error {
	sock, err := c.ConnectToServer(ctx, 0)
	if err != nil {
		return err
	}
	defer sock.Close()
	return sock.SendLine(ctx, "CLEAR")
}

// ProbeSourcePort performs one SOURCE TCP round trip from localPort,
// implementing natclass.Prober.
func (c *Client) ProbeSourcePort(ctx context.Context, localPort int) (int, error) {
	sock, err := c.ConnectToServer(ctx, localPort)
	if err != nil {
		return 0, err
	}
	defer sock.Close()

	if err := sock.SendLine(ctx, fmt.Sprintf("SOURCE TCP %d", localPort)); err != nil {
		return 0, err
	}
	reply, err := sock.RecvLine(ctx)
	if err != nil {
		return 0, fmt.Errorf("rendezvous: probe reply: %w", err)
	}
	port, ok := parseRemotePort(reply)
	if !ok {
		return 0, fmt.Errorf("rendezvous: unexpected probe reply %q", reply)
	}
	return port, nil
}

func parseRemotePort(line string) (int, bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "REMOTE" || (fields[1] != "TCP" && fields[1] != "UDP") {
		return 0, false
	}
	port, err := strconv.Atoi(fields[2])
	if err != nil || port < 1 || port > 65535 {
		return 0, false
	}
	return port, true
}

// SequentialBind reserves n sequential local TCP source ports for use
// in subsequent NAT classification probes, returning the bare port
// numbers. The reservation itself is released once the ports are
// known; the caller dials with that exact source port shortly after,
// accepting the small race window in between.
func SequentialBind(n int) ([]int, error) {
	mappings, err := punch.Reserve(n)
	if err != nil {
		return nil, err
	}
	ports := make([]int, len(mappings))
	for i, m := range mappings {
		ports[i] = m.Source
		m.Close()
	}
	return ports, nil
}

// PassiveListen registers this node as reachable on port with the
// rendezvous server.
func (c *Client) PassiveListen(ctx context.Context, port, maxInbound int) error {
	sock, err := c.ConnectToServer(ctx, 0)
	if err != nil {
		return err
	}
	defer sock.Close()
	return sock.SendLine(ctx, fmt.Sprintf("PASSIVE READY %d %d", port, maxInbound))
}

// BootstrapNodes asks the server for up to n known passive node
// addresses.
func (c *Client) BootstrapNodes(ctx context.Context, n int) ([]string, error) {
	sock, err := c.ConnectToServer(ctx, 0)
	if err != nil {
		return nil, err
	}
	defer sock.Close()

	if err := sock.SendLine(ctx, fmt.Sprintf("BOOTSTRAP %d", n)); err != nil {
		return nil, err
	}
	reply, err := sock.RecvLine(ctx)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: bootstrap reply: %w", err)
	}
	if reply == "NODES EMPTY" {
		return nil, nil
	}
	fields := strings.Fields(reply)
	if len(fields) < 1 || fields[0] != "NODES" {
		return nil, fmt.Errorf("rendezvous: unexpected bootstrap reply %q", reply)
	}
	return fields[1:], nil
}

// Session holds the live rendezvous connection and port mappings for a
// node registered as a simultaneous (active or passive) peer.
type Session struct {
	Sock        *framesock.Socket
	Mappings    []punch.Mapping
	Predictions []int
}

// Close tears down the session's server connection and releases any
// mappings that were never used to fight.
func (s *Session) Close() {
	if s.Sock != nil {
		s.Sock.Close()
	}
	for _, m := range s.Mappings {
		m.Close()
	}
}

// mappingCount is how many punch-candidate ports a simultaneous
// session reserves, besides the one used for the server connection.
const mappingCount = 4

// sequentialConnect reserves mappingCount+1 sequential ports, connects
// to the server from the first, and predicts remote mappings for the
// rest. An unpredictable NAT gets a single placeholder prediction so
// the registration still carries a well-formed port list.
func (c *Client) sequentialConnect(ctx context.Context) (*framesock.Socket, []punch.Mapping, []int, error) {
	mappings, err := punch.Reserve(mappingCount + 1)
	if err != nil {
		return nil, nil, nil, err
	}

	serverMapping := mappings[0]
	mappings = mappings[1:]

	sock, err := c.serverConnectFrom(ctx, serverMapping)
	if err != nil {
		for _, m := range mappings {
			m.Close()
		}
		return nil, nil, nil, err
	}

	if err := sock.SendLine(ctx, fmt.Sprintf("SOURCE TCP %d", serverMapping.Source)); err != nil {
		sock.Close()
		return nil, nil, nil, err
	}
	reply, err := sock.RecvLine(ctx)
	if err != nil {
		sock.Close()
		return nil, nil, nil, fmt.Errorf("rendezvous: SOURCE TCP reply: %w", err)
	}
	if _, ok := parseRemotePort(reply); !ok {
		sock.Close()
		return nil, nil, nil, fmt.Errorf("rendezvous: unexpected SOURCE TCP reply %q", reply)
	}

	var predictions []int
	if c.nat == natclass.Preserving || c.nat == natclass.Delta {
		predictions = c.predictMappings(mappings)
	} else {
		predictions = []int{1337}
	}

	return sock, mappings, predictions, nil
}

// serverConnectFrom dials a configured server from mapping's reserved
// source port, releasing the reservation on success or failure alike.
// Unlike a punch mapping, this one never needs its listener again
// once the server dial resolves, so it's closed explicitly here
// instead of surviving for an accept-queue race.
func (c *Client) serverConnectFrom(ctx context.Context, mapping punch.Mapping) (*framesock.Socket, error) {
	defer mapping.Close()

	var lastErr error
	for _, addr := range c.cfg.Servers {
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		conn, err := mapping.Dial(dialCtx, "tcp", addr)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		return framesock.New(conn), nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", errAllServersDown, lastErr)
	}
	return nil, errAllServersDown
}

// predictMappings computes, for each mapping, the remote port this
// node's own NAT is expected to map it to.
func (c *Client) predictMappings(mappings []punch.Mapping) []int {
	out := make([]int, len(mappings))
	for i, m := range mappings {
		switch c.nat {
		case natclass.Preserving:
			out[i] = m.Source
		case natclass.Delta:
			out[i] = wrapPort(m.Source + int(c.delta))
		default:
			out[i] = m.Source
		}
	}
	return out
}

func wrapPort(p int) int {
	const maxPort = 65535
	if p > maxPort {
		p -= maxPort
	}
	if p < 1 {
		p = maxPort + p
	}
	if p < 1 || p > maxPort {
		p = 1
	}
	return p
}

// SimultaneousListen registers this node as a passive simultaneous
// node: it reserves candidate mappings and tells the server it's
// ready to receive CHALLENGE pushes.
func (c *Client) SimultaneousListen(ctx context.Context) (*Session, error) {
	sock, mappings, predictions, err := c.sequentialConnect(ctx)
	if err != nil {
		return nil, err
	}
	if err := sock.SendLine(ctx, "SIMULTANEOUS READY 0 0"); err != nil {
		sock.Close()
		for _, m := range mappings {
			m.Close()
		}
		return nil, err
	}
	return &Session{Sock: sock, Mappings: mappings, Predictions: predictions}, nil
}

// Challenge is a pending simultaneous-open request pushed by the
// server to a passive simultaneous node.
type Challenge struct {
	NodeIP      string
	Predictions []int
	Proto       string
}

// PollChallenge reads the next server push on s and returns a
// Challenge if it was a CHALLENGE message. A RECONNECT message
// returns ErrReconnect so the caller knows to re-establish the
// session via SimultaneousListen.
func (s *Session) PollChallenge(ctx context.Context) (*Challenge, error) {
	line, err := s.Sock.RecvLine(ctx)
	if err != nil {
		return nil, err
	}
	if line == "RECONNECT" {
		return nil, ErrReconnect
	}

	fields := strings.Fields(line)
	if len(fields) < 3 || fields[0] != "CHALLENGE" {
		return nil, fmt.Errorf("rendezvous: unexpected push %q", line)
	}
	proto := fields[len(fields)-1]
	predictions, ok := parsePorts(fields[2 : len(fields)-1])
	if !ok {
		return nil, fmt.Errorf("rendezvous: bad challenge predictions in %q", line)
	}
	return &Challenge{NodeIP: fields[1], Predictions: predictions, Proto: proto}, nil
}

// ErrReconnect signals that the rendezvous server asked this session
// to reconnect (its candidate queue outran what this connection had
// acknowledged).
var ErrReconnect = fmt.Errorf("rendezvous: server requested reconnect")

// Accept tells the server this node will fight candidateIP at ntp,
// then immediately attends the fight itself — the rendezvous protocol
// only relays the FIGHT message to the candidate side, so the
// accepting side must start its own punch locally. The ACCEPT line
// carries this session's own predicted ports (so the candidate knows
// where to aim), while the local punch aims at the challenge's ports
// (where the candidate's NAT is expected to map its connects).
func (c *Client) Accept(ctx context.Context, s *Session, challenge *Challenge, candidateIP string, ntp float64, clk clockSource) (net.Conn, error) {
	predStr := joinInts(s.Predictions)
	msg := fmt.Sprintf("ACCEPT %s %s %s %s", candidateIP, predStr, challenge.Proto, formatNTP(ntp))
	if err := s.Sock.SendLine(ctx, msg); err != nil {
		return nil, err
	}

	meeting := punch.Meeting{NodeIP: candidateIP, Predictions: challenge.Predictions, NTP: ntp}
	return punch.AttendFight(ctx, clk, s.Mappings, meeting, c.nat == natclass.Delta)
}

// SimultaneousChallenge acts as an active simultaneous node: it
// registers as a candidate for nodeIP, waits for the server to
// acknowledge and then relay a FIGHT, and attends that fight.
func (c *Client) SimultaneousChallenge(ctx context.Context, nodeIP, proto string, clk clockSource) (net.Conn, error) {
	sock, mappings, predictions, err := c.sequentialConnect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, m := range mappings {
			m.Close()
		}
	}()
	defer sock.Close()

	msg := fmt.Sprintf("CANDIDATE %s %s %s", nodeIP, proto, joinInts(predictions))
	if err := sock.SendLine(ctx, msg); err != nil {
		return nil, err
	}

	ackCtx, cancelAck := context.WithTimeout(ctx, challengeTimeout)
	reply, err := sock.RecvLine(ackCtx)
	cancelAck()
	if err != nil {
		return nil, fmt.Errorf("rendezvous: candidate ack: %w", err)
	}
	if reply != "PREDICTION SET" {
		return nil, fmt.Errorf("rendezvous: candidate registration rejected: %q", reply)
	}

	fightCtx, cancelFight := context.WithTimeout(ctx, challengeTimeout)
	fightLine, err := sock.RecvLine(fightCtx)
	cancelFight()
	if err != nil {
		return nil, fmt.Errorf("rendezvous: fight push: %w", err)
	}
	meeting, err := parseFight(fightLine)
	if err != nil {
		return nil, err
	}

	return punch.AttendFight(ctx, clk, mappings, meeting, c.nat == natclass.Delta)
}

// clockSource is the subset of clock.ClockSource this package needs,
// declared locally so callers can pass clock.System{} or clock.NTP
// without this package importing clock's concrete types beyond the
// interface punch.AttendFight already requires.
type clockSource interface {
	Now() time.Time
}

// parseFight decodes FIGHT <ntp> <acceptor_ip> <p1 p2 ...> <proto> <ntp>.
// The meeting instant travels twice; both copies must agree.
func parseFight(line string) (punch.Meeting, error) {
	fields := strings.Fields(line)
	if len(fields) < 6 || fields[0] != "FIGHT" {
		return punch.Meeting{}, fmt.Errorf("rendezvous: unexpected fight push %q", line)
	}
	ntpRaw := fields[len(fields)-1]
	if fields[1] != ntpRaw {
		return punch.Meeting{}, fmt.Errorf("rendezvous: fight push carries two different meeting times %q", line)
	}
	predictions, ok := parsePorts(fields[3 : len(fields)-2])
	if !ok {
		return punch.Meeting{}, fmt.Errorf("rendezvous: bad fight predictions in %q", line)
	}
	ntp, err := strconv.ParseFloat(ntpRaw, 64)
	if err != nil {
		return punch.Meeting{}, fmt.Errorf("rendezvous: bad fight ntp in %q", line)
	}
	return punch.Meeting{NodeIP: fields[2], Predictions: predictions, NTP: ntp}, nil
}

func parsePorts(fields []string) ([]int, bool) {
	ports := make([]int, 0, len(fields))
	for _, f := range fields {
		p, err := strconv.Atoi(f)
		if err != nil || p < 1 || p > 65535 {
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

func formatNTP(ntp float64) string {
	return strconv.FormatFloat(ntp, 'f', 6, 64)
}
