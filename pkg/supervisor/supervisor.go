// Package supervisor owns a node's inbound and outbound connection
// sets, the passive listener, and the bootstrap/advertise cadence
// against a rendezvous server. It is the component a caller actually
// drives: everything else in this module exists to give Start and
// Connect something to stand on.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/holepunch-go/unl/pkg/clock"
	"github.com/holepunch-go/unl/pkg/config"
	"github.com/holepunch-go/unl/pkg/natclass"
	"github.com/holepunch-go/unl/pkg/nodeid"
	"github.com/holepunch-go/unl/pkg/portmap"
	"github.com/holepunch-go/unl/pkg/probe"
	"github.com/holepunch-go/unl/pkg/ratelimit"
	"github.com/holepunch-go/unl/pkg/rendezvous/client"
	"github.com/holepunch-go/unl/pkg/rpc"
	"github.com/holepunch-go/unl/pkg/unl"
)

// State is the Supervisor's lifecycle stage.
type State int

const (
	StateCreated State = iota
	StateStarted
	StateServing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateServing:
		return "serving"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	rendezvousInterval    = 30 * time.Minute
	advertiseInterval     = 12 * time.Hour
	minConnected          = 3
	dhtMsgInterval        = 5 * time.Second
	simOpenInterval       = 2 * time.Second
	handshakePumpInterval = 100 * time.Millisecond
	connCleanupInterval   = 10 * time.Second
	reverseQueryExpiry    = 60 * time.Second
	bootstrapRequestCount = 10
	dialTimeout           = 5 * time.Second
)

// Options configures a Supervisor before Start is called.
type Options struct {
	Config *config.Config
	Prober probe.Prober
	Relay  unl.Relay
	Clock  clock.ClockSource
}

// Supervisor is the top-level connection manager: it classifies the
// local NAT, opens the passive listener, forwards a port when it can,
// advertises and bootstraps against the rendezvous servers, and
// brokers UNL connect attempts through pkg/unl's orchestrator.
type Supervisor struct {
	cfg    *config.Config
	prober probe.Prober
	relay  unl.Relay
	clk    clock.ClockSource

	mu         sync.RWMutex
	state      State
	nat        natclass.Descriptor
	nodeType   unl.NodeType
	forwarding unl.ForwardingType
	localUNL   *unl.UNL
	wan        net.IP
	lan        net.IP

	listener   net.Listener
	rendClient *client.Client
	session    *client.Session // non-nil only when nodeType == NodeSimultaneous

	conns    *connTable
	seen     *seenTable
	pending  *unl.PendingTable
	accepts  *ratelimit.IPRateLimiter
	reverse  map[string]time.Time // peer UNL base64 -> when we sent REVERSE_CONNECT
	reverseM sync.Mutex

	lastBootstrap  time.Time
	lastAdvertise  time.Time
	lastBootNodes  []string
	lastBootNodesM sync.Mutex

	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Supervisor from opts, filling in defaults for anything
// left unset. Start must be called before the instance does anything.
func New(opts Options) (*Supervisor, error) {
	if opts.Config == nil {
		return nil, errors.New("supervisor: config is required")
	}
	if opts.Prober == nil {
		opts.Prober = probe.NewHTTPProber(opts.Config.ProbeURL)
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}

	return &Supervisor{
		cfg:     opts.Config,
		prober:  opts.Prober,
		relay:   opts.Relay,
		clk:     opts.Clock,
		conns:   newConnTable(),
		seen:    newSeenTable(),
		pending: unl.NewPendingTable(),
		accepts: ratelimit.NewDefault(),
		reverse: make(map[string]time.Time),
		state:   StateCreated,
	}, nil
}

// State returns the Supervisor's current lifecycle stage.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Start runs the one-time setup sequence: classify the NAT if it
// isn't already known, open the passive listener, attempt port
// forwarding, finalize the node type, build the local UNL, register
// with the rendezvous servers, and launch the synchronize loops. It
// is the only call in this package that returns an unrecoverable
// error; everything after Start reports failures through logging and
// degraded operation instead.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateCreated {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: Start called in state %s", s.state)
	}
	s.state = StateStarted
	s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.startTime = time.Now()

	wan := s.cfg.WANOverride
	if wan == nil {
		probed, err := s.prober.WANAddr(ctx)
		if err != nil {
			return fmt.Errorf("supervisor: discover WAN address: %w", err)
		}
		wan = probed
	}
	lan, err := localIPv4(s.cfg.Interface)
	if err != nil {
		return fmt.Errorf("supervisor: discover LAN address: %w", err)
	}
	s.wan, s.lan = wan, lan

	if err := s.classifyNAT(ctx); err != nil {
		return fmt.Errorf("supervisor: classify NAT: %w", err)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.PassiveBind, strconv.Itoa(s.cfg.ListenPort)))
	if err != nil {
		return fmt.Errorf("supervisor: open passive listener: %w", err)
	}
	s.listener = ln

	s.forwarding = s.attemptForwarding(ctx)
	s.nodeType = s.finalizeNodeType()

	s.rendClient = client.New(client.Config{Servers: s.cfg.RendezvousServers, DialTimeout: dialTimeout}, s.nat.Kind, s.nat.Delta)

	localUNL, err := unl.Construct(unl.Fields{
		Version:    unl.Version,
		NodeID:     s.cfg.NodeID,
		NodeType:   s.nodeType,
		NATType:    natKindToWireType(s.nat.Kind),
		Forwarding: s.forwarding,
		ListenPort: uint16(s.cfg.ListenPort),
		WAN:        s.wan,
		LAN:        s.lan,
	})
	if err != nil {
		return fmt.Errorf("supervisor: construct local UNL: %w", err)
	}
	s.localUNL = localUNL

	if err := s.register(ctx); err != nil {
		return fmt.Errorf("supervisor: register with rendezvous server: %w", err)
	}

	s.mu.Lock()
	s.state = StateServing
	s.mu.Unlock()

	s.launchLoops()
	return nil
}

// classifyNAT runs the five-probe characterization algorithm using a
// throwaway client (NAT kind doesn't matter for ProbeSourcePort
// itself), then stores the result. A configured nat_type override
// skips the probe entirely, the design-level config surface's escape
// hatch for networks the probe itself can't characterize reliably.
func (s *Supervisor) classifyNAT(ctx context.Context) error {
	if kind, ok := natKindFromOverride(s.cfg.NATTypeOverride); ok {
		s.nat = natclass.Descriptor{Kind: kind}
		log.Printf("supervisor: using configured nat_type override %s", kind)
		return nil
	}

	ports, err := client.SequentialBind(natclass.NATTests)
	if err != nil {
		return fmt.Errorf("bind probe ports: %w", err)
	}

	probeClient := client.New(client.Config{Servers: s.cfg.RendezvousServers, DialTimeout: dialTimeout}, natclass.Unknown, 0)
	desc, err := natclass.DetermineNAT(ctx, probeClient, ports)
	if err != nil {
		return err
	}
	s.nat = desc
	log.Printf("supervisor: classified NAT as %s (delta=%d)", desc.Kind, desc.Delta)
	return nil
}

// attemptForwarding tries UPnP, then NAT-PMP, each externally verified
// via the prober, and reports which (if either) actually took.
func (s *Supervisor) attemptForwarding(ctx context.Context) unl.ForwardingType {
	if s.cfg.ForceForwarded {
		return unl.ForwardAlreadyForwarded
	}
	if !s.cfg.EnableForwarding {
		return unl.ForwardManual
	}

	if !s.cfg.DisableUPnP {
		f := portmap.NewUPnP(s.lan.String(), "unl")
		f.Gateway = guessGateway(s.lan)
		ok := s.tryForward(ctx, f, "upnp")
		if ok {
			return unl.ForwardUPnP
		}
	}

	if !s.cfg.DisableNATPMP {
		f := portmap.NewNATPMP(guessGateway(s.lan))
		ok := s.tryForward(ctx, f, "natpmp")
		if ok {
			return unl.ForwardNATPMP
		}
	}

	return unl.ForwardManual
}

func (s *Supervisor) tryForward(ctx context.Context, f portmap.Forwarder, method string) bool {
	if err := f.Forward(ctx, "tcp", s.cfg.ListenPort, s.cfg.ListenPort); err != nil {
		log.Printf("supervisor: %s forwarding failed: %v", method, err)
		recordForwardOutcome(ctx, method, false)
		return false
	}
	ok, err := s.prober.IsPortForwarded(ctx, s.cfg.ListenPort, "tcp")
	if err != nil || !ok {
		log.Printf("supervisor: %s forwarding unverified: ok=%v err=%v", method, ok, err)
		recordForwardOutcome(ctx, method, false)
		return false
	}
	recordForwardOutcome(ctx, method, true)
	return true
}

// finalizeNodeType decides passive/simultaneous/active: forwarded wins
// outright, a predictable NAT allows simultaneous open, anything else
// falls back to active (reverse connect only). A configured node_type
// override takes precedence over all of that, the same escape hatch
// classifyNAT offers for nat_type.
func (s *Supervisor) finalizeNodeType() unl.NodeType {
	switch s.cfg.NodeTypeOverride {
	case "passive":
		return unl.NodePassive
	case "active":
		return unl.NodeActive
	case "simultaneous":
		return unl.NodeSimultaneous
	}

	if s.forwarding != unl.ForwardManual {
		return unl.NodePassive
	}
	// TCP hole punching is reserved for net_type=direct networks: a
	// p2p node never runs simultaneous, since punching can't run more
	// than one fight at a time and direct networks need it most.
	if !s.cfg.EnableSimultaneous || s.cfg.NetType == config.NetP2P {
		return unl.NodeActive
	}
	switch s.nat.Kind {
	case natclass.Preserving, natclass.Delta:
		return unl.NodeSimultaneous
	default:
		return unl.NodeActive
	}
}

// natKindFromOverride maps a config nat_type override string to its
// natclass.Kind, reporting whether one was configured at all.
func natKindFromOverride(override string) (natclass.Kind, bool) {
	switch override {
	case "preserving":
		return natclass.Preserving, true
	case "delta":
		return natclass.Delta, true
	case "reuse":
		return natclass.Reuse, true
	case "random":
		return natclass.Random, true
	default:
		return natclass.Unknown, false
	}
}

// register advertises this node to the rendezvous servers according
// to its finalized node type.
func (s *Supervisor) register(ctx context.Context) error {
	switch s.nodeType {
	case unl.NodePassive:
		metricAdvertiseCalls.Add(ctx, 1)
		return s.rendClient.PassiveListen(ctx, s.cfg.ListenPort, s.cfg.MaxInbound)
	case unl.NodeSimultaneous:
		metricAdvertiseCalls.Add(ctx, 1)
		session, err := s.rendClient.SimultaneousListen(ctx)
		if err != nil {
			return err
		}
		s.session = session
		return nil
	default:
		// Active nodes don't register; they rely entirely on
		// reverse-connect requests posted through the relay.
		return nil
	}
}

// launchLoops starts every synchronize background task appropriate
// to this instance's node type.
func (s *Supervisor) launchLoops() {
	loops := []func(){
		s.connCleanupLoop,
		s.handshakePumpLoop,
		s.relayDrainLoop,
		s.acceptLoop,
		s.bootstrapLoop,
		s.advertiseLoop,
	}
	if s.nodeType == unl.NodeSimultaneous {
		loops = append(loops, s.challengeLoop)
	}

	for _, loop := range loops {
		loop := loop
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			loop()
		}()
	}
}

// Stop cancels every background task, closes the passive listener,
// and best-effort deregisters from the rendezvous servers. It blocks
// until all background tasks have exited.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.state != StateServing {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopped
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.session != nil {
		s.session.Close()
	}
	for _, c := range s.conns.snapshot() {
		c.Conn.Close()
	}
	for _, c := range s.conns.snapshotPending() {
		c.Conn.Close()
	}

	if s.rendClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		if err := s.rendClient.LeaveFight(ctx); err != nil {
			log.Printf("supervisor: leave-fight on shutdown: %v", err)
		}
	}
	return nil
}

// LocalUNL returns the UNL this instance advertises to peers. It is
// only valid once Start has returned successfully.
func (s *Supervisor) LocalUNL() *unl.UNL {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localUNL
}

// NAT returns the classification determined during Start.
func (s *Supervisor) NAT() natclass.Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nat
}

// Connect asks the UNL orchestrator to establish a connection to
// peerUNL, deduplicating concurrent attempts to the same peer and
// dispatching to whichever strategy PlanConnect selects.
func (s *Supervisor) Connect(ctx context.Context, peerUNL *unl.UNL, forceMaster bool) (net.Conn, error) {
	if n := s.conns.countOutbound(); n >= s.cfg.MaxOutbound {
		return nil, fmt.Errorf("supervisor: max_outbound limit reached (%d)", s.cfg.MaxOutbound)
	}

	release, err := s.pending.Acquire(ctx, peerUNL)
	if err != nil {
		return nil, fmt.Errorf("supervisor: acquire pending slot: %w", err)
	}
	defer release()

	plan, err := unl.PlanConnect(s.localUNL, peerUNL, forceMaster)
	if err != nil {
		return nil, err
	}

	switch plan.Strategy {
	case unl.StrategyDirect:
		return s.connectDirect(ctx, plan, peerUNL)
	case unl.StrategyWait:
		return nil, errors.New("supervisor: strategy is wait; the peer is expected to connect to us")
	case unl.StrategySimultaneous:
		return s.connectSimultaneous(ctx, plan, peerUNL)
	case unl.StrategyReverseConnect:
		return nil, s.requestReverseConnect(ctx, peerUNL)
	default:
		return nil, fmt.Errorf("supervisor: unknown strategy %v", plan.Strategy)
	}
}

func (s *Supervisor) connectDirect(ctx context.Context, plan unl.Plan, peerUNL *unl.UNL) (net.Conn, error) {
	if !plan.Master {
		return nil, errors.New("supervisor: direct strategy elected the peer as master; wait for inbound")
	}

	addr := net.JoinHostPort(plan.Peer.WAN.String(), strconv.Itoa(int(plan.Peer.ListenPort)))
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("supervisor: direct dial %s: %w", addr, err)
	}

	entry, err := beginOutbound(conn, s.wan, "passive", peerUNL)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.conns.addResolved(entry)
	return conn, nil
}

func (s *Supervisor) connectSimultaneous(ctx context.Context, plan unl.Plan, peerUNL *unl.UNL) (net.Conn, error) {
	releaseSim, err := s.pending.AcquireSimOpen(ctx, plan.Peer.WAN.String())
	if err != nil {
		return nil, fmt.Errorf("supervisor: acquire sim-open slot: %w", err)
	}
	defer releaseSim()

	metricFightAttempts.Add(ctx, 1)
	conn, err := s.rendClient.SimultaneousChallenge(ctx, plan.Peer.WAN.String(), "TCP", s.clk)
	if err != nil {
		return nil, fmt.Errorf("supervisor: simultaneous challenge: %w", err)
	}
	metricFightSuccesses.Add(ctx, 1)

	entry, err := beginOutbound(conn, s.wan, "simultaneous", peerUNL)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.conns.addResolved(entry)
	return conn, nil
}

func (s *Supervisor) requestReverseConnect(ctx context.Context, peerUNL *unl.UNL) error {
	if s.relay == nil {
		return errors.New("supervisor: reverse-connect strategy requires a relay")
	}
	nonce, err := nodeid.NewNonce()
	if err != nil {
		return err
	}

	msg := unl.FormatReverseConnect(s.localUNL, nonce)
	peerNodeID := peerUNL.Deconstruct().NodeID
	if err := s.relay.Send(ctx, peerNodeID, []byte(msg)); err != nil {
		return fmt.Errorf("supervisor: post reverse-connect: %w", err)
	}

	s.reverseM.Lock()
	s.reverse[peerUNL.Base64()] = time.Now()
	s.reverseM.Unlock()

	return fmt.Errorf("supervisor: reverse-connect requested, waiting for peer to dial us")
}

// Broadcast sends line, with a CRLF appended here, to every resolved connection except exclude (nil sends to
// all). It honors the seen-messages table to avoid flooding peers
// with a line that was just sent moments ago.
func (s *Supervisor) Broadcast(line string, exclude *Connection) {
	if s.seen.isOld(line) {
		return
	}
	for _, c := range s.conns.snapshot() {
		if c == exclude {
			continue
		}
		if _, err := fmt.Fprintf(c.Conn, "%s\r\n", line); err != nil {
			log.Printf("supervisor: broadcast to %s failed: %v", c.PeerIP, err)
		}
	}
}

// --- RPC glue -----------------------------------------------------

// ConnectionsSnapshot returns every resolved connection for
// rpc.ServerConfig's connections.list/connections.get handlers.
func (s *Supervisor) ConnectionsSnapshot() []*rpc.ConnectionInfo {
	conns := s.conns.snapshot()
	out := make([]*rpc.ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, connectionInfo(c))
	}
	return out
}

// ConnectionByID implements connections.get's lookup.
func (s *Supervisor) ConnectionByID(conID string) (*rpc.ConnectionInfo, bool) {
	c, ok := s.conns.get(conID)
	if !ok {
		return nil, false
	}
	return connectionInfo(c), true
}

func connectionInfo(c *Connection) *rpc.ConnectionInfo {
	peerNodeID := ""
	if c.UNL != nil {
		peerNodeID = fmt.Sprintf("%x", c.UNL.Deconstruct().NodeID)
	}
	return &rpc.ConnectionInfo{
		ConID:      c.ConID,
		PeerNodeID: peerNodeID,
		RemoteAddr: net.JoinHostPort(c.PeerIP, strconv.Itoa(c.PeerPort)),
		Strategy:   c.Strategy,
		State:      "established",
		Since:      c.Since.Format(time.RFC3339),
	}
}

// NATStatus implements nat.status.
func (s *Supervisor) NATStatus() *rpc.NATStatusResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &rpc.NATStatusResult{
		Kind:           s.nat.Kind.String(),
		Delta:          s.nat.Delta,
		ForwardedPort:  s.cfg.ListenPort,
		ForwardingType: forwardingTypeName(s.forwarding),
	}
}

// Status implements supervisor.status (Version is filled in by the
// RPC server itself).
func (s *Supervisor) Status() *rpc.SupervisorStatusResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &rpc.SupervisorStatusResult{
		NodeID:      fmt.Sprintf("%x", s.cfg.NodeID),
		State:       s.state.String(),
		Uptime:      time.Since(s.startTime),
		Connections: len(s.conns.snapshot()),
	}
}

func forwardingTypeName(f unl.ForwardingType) string {
	switch f {
	case unl.ForwardAlreadyForwarded:
		return "already_forwarded"
	case unl.ForwardUPnP:
		return "upnp"
	case unl.ForwardNATPMP:
		return "natpmp"
	default:
		return "manual"
	}
}

func natKindToWireType(k natclass.Kind) unl.NATType {
	switch k {
	case natclass.Preserving:
		return unl.NATPreserving
	case natclass.Delta:
		return unl.NATDelta
	case natclass.Reuse:
		return unl.NATReuse
	case natclass.Random:
		return unl.NATRandom
	default:
		return unl.NATUnknown
	}
}

// localIPv4 returns the first non-loopback IPv4 address bound to this
// host, the address we advertise as our LAN address inside the UNL. An
// explicit interface name restricts the search to that NIC alone,
// the design-level config surface's interface option.
func localIPv4(iface string) (net.IP, error) {
	if iface != "" {
		ifi, err := net.InterfaceByName(iface)
		if err != nil {
			return nil, fmt.Errorf("lookup interface %s: %w", iface, err)
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			return nil, fmt.Errorf("enumerate addresses on %s: %w", iface, err)
		}
		if ip := firstIPv4(addrs); ip != nil {
			return ip, nil
		}
		return nil, fmt.Errorf("no IPv4 address found on interface %s", iface)
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("enumerate interfaces: %w", err)
	}
	if ip := firstIPv4(addrs); ip != nil {
		return ip, nil
	}
	return nil, errors.New("no non-loopback IPv4 address found")
}

func firstIPv4(addrs []net.Addr) net.IP {
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4
		}
	}
	return nil
}

// guessGateway assumes the conventional /24 home-router layout
// (gateway at x.x.x.1) when no explicit gateway is configured. NAT-PMP
// discovery proper (reading the default route) is platform-specific
// and out of scope here; this heuristic matches what the overwhelming
// majority of consumer routers actually use.
func guessGateway(lan net.IP) net.IP {
	v4 := lan.To4()
	if v4 == nil {
		return lan
	}
	gw := make(net.IP, net.IPv4len)
	copy(gw, v4)
	gw[3] = 1
	return gw
}
