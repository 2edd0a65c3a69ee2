package supervisor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/holepunch-go/unl/pkg/config"
	"github.com/holepunch-go/unl/pkg/natclass"
	"github.com/holepunch-go/unl/pkg/ratelimit"
	"github.com/holepunch-go/unl/pkg/unl"
)

func baseConfig() *config.Config {
	return &config.Config{
		ListenPort:         config.DefaultListenPort,
		NetType:            config.NetP2P,
		MaxInbound:         config.DefaultMaxInbound,
		MaxOutbound:        config.DefaultMaxOutbound,
		EnableSimultaneous: true,
	}
}

func newTestSupervisor(t *testing.T, cfg *config.Config) *Supervisor {
	t.Helper()
	sup, err := New(Options{Config: cfg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sup
}

func testUNL(t *testing.T, nodeIDByte byte, nodeType unl.NodeType, wan, lan string, port uint16) *unl.UNL {
	t.Helper()
	var id [20]byte
	for i := range id {
		id[i] = nodeIDByte
	}
	u, err := unl.Construct(unl.Fields{
		Version:    unl.Version,
		NodeID:     id,
		NodeType:   nodeType,
		NATType:    unl.NATPreserving,
		Forwarding: unl.ForwardManual,
		ListenPort: port,
		WAN:        net.ParseIP(wan),
		LAN:        net.ParseIP(lan),
	})
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	return u
}

// --- finalizeNodeType: strategy selection the Supervisor owns ------

func TestFinalizeNodeTypeOverrideWins(t *testing.T) {
	cfg := baseConfig()
	cfg.NodeTypeOverride = "active"
	sup := newTestSupervisor(t, cfg)
	sup.forwarding = unl.ForwardUPnP // would otherwise force passive
	sup.nat = natclass.Descriptor{Kind: natclass.Delta}

	if got := sup.finalizeNodeType(); got != unl.NodeActive {
		t.Fatalf("expected override to force NodeActive, got %v", got)
	}
}

func TestFinalizeNodeTypeForwardedWinsOutright(t *testing.T) {
	cfg := baseConfig()
	sup := newTestSupervisor(t, cfg)
	sup.forwarding = unl.ForwardNATPMP
	sup.nat = natclass.Descriptor{Kind: natclass.Random}

	if got := sup.finalizeNodeType(); got != unl.NodePassive {
		t.Fatalf("expected forwarded node to be passive, got %v", got)
	}
}

func TestFinalizeNodeTypeP2PNeverSimultaneous(t *testing.T) {
	cfg := baseConfig()
	cfg.NetType = config.NetP2P
	sup := newTestSupervisor(t, cfg)
	sup.forwarding = unl.ForwardManual
	sup.nat = natclass.Descriptor{Kind: natclass.Delta} // would pick simultaneous if allowed

	if got := sup.finalizeNodeType(); got != unl.NodeActive {
		t.Fatalf("p2p net_type must never select simultaneous, got %v", got)
	}
}

func TestFinalizeNodeTypeDirectAllowsSimultaneous(t *testing.T) {
	cfg := baseConfig()
	cfg.NetType = config.NetDirect
	sup := newTestSupervisor(t, cfg)
	sup.forwarding = unl.ForwardManual
	sup.nat = natclass.Descriptor{Kind: natclass.Delta}

	if got := sup.finalizeNodeType(); got != unl.NodeSimultaneous {
		t.Fatalf("direct net_type with a predictable NAT should select simultaneous, got %v", got)
	}
}

func TestFinalizeNodeTypeRespectsEnableSimultaneousFlag(t *testing.T) {
	cfg := baseConfig()
	cfg.NetType = config.NetDirect
	cfg.EnableSimultaneous = false
	sup := newTestSupervisor(t, cfg)
	sup.forwarding = unl.ForwardManual
	sup.nat = natclass.Descriptor{Kind: natclass.Preserving}

	if got := sup.finalizeNodeType(); got != unl.NodeActive {
		t.Fatalf("enable_simultaneous=false must fall back to active, got %v", got)
	}
}

// --- classifyNAT: nat_type override skips the probe -----------------

func TestClassifyNATUsesConfiguredOverride(t *testing.T) {
	cfg := baseConfig()
	cfg.NATTypeOverride = "delta"
	sup := newTestSupervisor(t, cfg)

	if err := sup.classifyNAT(context.Background()); err != nil {
		t.Fatalf("classifyNAT: %v", err)
	}
	if sup.nat.Kind != natclass.Delta {
		t.Fatalf("expected overridden NAT kind delta, got %v", sup.nat.Kind)
	}
}

// --- Connect: admission and strategy dispatch -----------------------

func TestConnectRejectsWhenMaxOutboundReached(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxOutbound = 1
	sup := newTestSupervisor(t, cfg)
	sup.conns.addResolved(&Connection{ConID: "already-outbound", Role: "outbound"})

	peer := testUNL(t, 2, unl.NodePassive, "2.2.2.2", "10.0.0.2", 200)
	if _, err := sup.Connect(context.Background(), peer, false); err == nil {
		t.Fatal("expected max_outbound to reject the connect attempt")
	}
}

func TestConnectRefusesSelfUNL(t *testing.T) {
	cfg := baseConfig()
	sup := newTestSupervisor(t, cfg)
	sup.localUNL = testUNL(t, 1, unl.NodePassive, "1.1.1.1", "10.0.0.1", 100)

	self := testUNL(t, 9, unl.NodeSimultaneous, "1.1.1.1", "10.0.0.1", 100) // same wan/lan/port, different node type
	if _, err := sup.Connect(context.Background(), self, false); err == nil {
		t.Fatal("Connect must refuse a peer UNL that is really this node")
	}
}

func TestConnectDispatchesDirectStrategy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		// Accept and hold the connection open; beginOutbound needs to
		// write the nonce without racing a close from this end.
		ln.Accept()
	}()

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	var port int
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}

	cfg := baseConfig()
	sup := newTestSupervisor(t, cfg)
	sup.wan = net.ParseIP("9.9.9.9")
	// All-0xFF node id outweighs all-0x00 in the big-endian byte
	// compare IsMaster uses, so our side is unconditionally master.
	sup.localUNL = testUNL(t, 0xFF, unl.NodeActive, "9.9.9.9", "10.0.0.9", 500)
	peer := testUNL(t, 0x00, unl.NodePassive, "127.0.0.1", "127.0.0.1", uint16(port))

	conn, err := sup.Connect(context.Background(), peer, false)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if n := sup.conns.countOutbound(); n != 1 {
		t.Fatalf("expected one outbound connection recorded, got %d", n)
	}
}

func TestConnectReverseConnectRequiresRelay(t *testing.T) {
	cfg := baseConfig()
	sup := newTestSupervisor(t, cfg)
	sup.wan = net.ParseIP("9.9.9.9")
	sup.localUNL = testUNL(t, 1, unl.NodeActive, "9.9.9.9", "10.0.0.9", 500)
	peer := testUNL(t, 2, unl.NodeActive, "2.2.2.2", "10.0.0.2", 200)

	if _, err := sup.Connect(context.Background(), peer, false); err == nil {
		t.Fatal("expected reverse-connect dispatch to fail without a configured relay")
	}
}

// --- relay dispatch: reverse connect ---------------------------------

type fakeRelay struct {
	sent [][]byte
}

func (f *fakeRelay) Send(ctx context.Context, nodeID [20]byte, message []byte) error {
	f.sent = append(f.sent, message)
	return nil
}

func (f *fakeRelay) Poll(ctx context.Context) ([]unl.RelayMessage, error) {
	return nil, nil
}

func TestHandleRelayMessageReverseConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		// Hold the accepted connection so the nonce write lands.
		ln.Accept()
	}()

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	var port int
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}

	relay := &fakeRelay{}
	cfg := baseConfig()
	sup := newTestSupervisor(t, cfg)
	sup.relay = relay
	sup.wan = net.ParseIP("9.9.9.9")
	sup.localUNL = testUNL(t, 1, unl.NodeActive, "9.9.9.9", "10.0.0.9", 500)
	sup.ctx, sup.cancel = context.WithCancel(context.Background())
	defer sup.cancel()

	// The requester asks us to dial it back at its advertised endpoint.
	requester := testUNL(t, 2, unl.NodeActive, "127.0.0.1", "127.0.0.1", uint16(port))
	var nonce [32]byte
	msg := unl.FormatReverseConnect(requester, nonce)

	sup.handleRelayMessage(unl.RelayMessage{Message: []byte(msg)})

	if n := sup.conns.countOutbound(); n != 1 {
		t.Fatalf("expected the reverse-connect dial to be recorded, got %d outbound", n)
	}
	if len(relay.sent) != 2 {
		t.Fatalf("expected REVERSE_QUERY and REVERSE_ORIGIN confirmations, got %d messages", len(relay.sent))
	}
	for i, want := range []string{"REVERSE_QUERY:", "REVERSE_ORIGIN:"} {
		if got := string(relay.sent[i]); len(got) < len(want) || got[:len(want)] != want {
			t.Fatalf("confirmation %d = %q, want prefix %q", i, got, want)
		}
	}
}

func TestHandleRelayMessageQueryClearsPending(t *testing.T) {
	cfg := baseConfig()
	sup := newTestSupervisor(t, cfg)

	peer := testUNL(t, 3, unl.NodeActive, "3.3.3.3", "10.0.0.3", 300)
	sup.reverseM.Lock()
	sup.reverse[peer.Base64()] = time.Now()
	sup.reverseM.Unlock()

	msg := unl.FormatReverseQuery(peer)
	sup.handleRelayMessage(unl.RelayMessage{Message: []byte(msg)})

	sup.reverseM.Lock()
	_, pending := sup.reverse[peer.Base64()]
	sup.reverseM.Unlock()
	if pending {
		t.Fatal("a REVERSE_QUERY for a pending request must clear the entry")
	}
}

// --- acceptLoop: connection admission --------------------------------

func startAcceptLoop(t *testing.T, sup *Supervisor) (net.Listener, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	sup.listener = ln
	sup.ctx, sup.cancel = context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		sup.acceptLoop()
		close(done)
	}()

	return ln, func() {
		sup.cancel()
		ln.Close()
		<-done
	}
}

func TestAcceptLoopEnforcesMaxInbound(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxInbound = 1
	sup := newTestSupervisor(t, cfg)
	sup.conns.addResolved(&Connection{ConID: "existing", Role: "inbound", PeerIP: "203.0.113.1"})

	ln, stop := startAcceptLoop(t, sup)
	defer stop()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	time.Sleep(100 * time.Millisecond)
	if got := len(sup.conns.snapshotPending()); got != 0 {
		t.Fatalf("expected the over-limit accept to be dropped, got %d pending", got)
	}
}

func TestAcceptLoopRejectsDuplicatePeerIPUnlessEnabled(t *testing.T) {
	cfg := baseConfig()
	cfg.EnableDuplicates = false
	sup := newTestSupervisor(t, cfg)
	sup.conns.addResolved(&Connection{ConID: "existing", Role: "inbound", PeerIP: "127.0.0.1"})

	ln, stop := startAcceptLoop(t, sup)
	defer stop()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	time.Sleep(100 * time.Millisecond)
	if got := len(sup.conns.snapshotPending()); got != 0 {
		t.Fatalf("expected the duplicate-IP accept to be dropped, got %d pending", got)
	}
}

func TestAcceptLoopAllowsDuplicatePeerIPWhenEnabled(t *testing.T) {
	cfg := baseConfig()
	cfg.EnableDuplicates = true
	sup := newTestSupervisor(t, cfg)
	sup.conns.addResolved(&Connection{ConID: "existing", Role: "inbound", PeerIP: "127.0.0.1"})

	ln, stop := startAcceptLoop(t, sup)
	defer stop()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	time.Sleep(100 * time.Millisecond)
	if got := len(sup.conns.snapshotPending()); got != 1 {
		t.Fatalf("expected the duplicate-IP accept to be admitted as pending, got %d", got)
	}
}

func TestAcceptLoopConsultsRateLimiter(t *testing.T) {
	cfg := baseConfig()
	sup := newTestSupervisor(t, cfg)
	sup.accepts = ratelimit.New(0.001, 1, 10) // burst of exactly one accept

	ln, stop := startAcceptLoop(t, sup)
	defer stop()

	first, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()
	time.Sleep(50 * time.Millisecond)

	second, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()

	time.Sleep(100 * time.Millisecond)
	if got := len(sup.conns.snapshotPending()); got != 1 {
		t.Fatalf("expected the rate limiter to admit exactly one accept, got %d pending", got)
	}
}
