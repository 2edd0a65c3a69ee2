// Package relay implements the out-of-band mailbox channel the UNL
// orchestrator uses for reverse-connect signaling when two peers
// cannot reach each other directly. It uses the BitTorrent Mainline
// DHT purely for address discovery: a node announces itself under an
// infohash derived from its node ID, and any other node can look that
// infohash up to learn where to deliver a message. No peer-exchange
// or gossip layer is built on top.
package relay

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2"

	"github.com/holepunch-go/unl/pkg/unl"
)

const (
	// reannounceInterval keeps the presence record fresh; mainline
	// nodes drop announced peers after roughly half an hour.
	reannounceInterval = 15 * time.Minute
	announceTimeout    = 30 * time.Second
	mailboxBufferSize  = 2048
)

var defaultBootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
}

// DHTRelay implements unl.Relay by using a BitTorrent DHT server for
// presence/address discovery and a dedicated UDP socket for actual
// message delivery.
type DHTRelay struct {
	nodeID  [20]byte
	server  *dht.Server
	mailbox net.PacketConn

	mu    sync.Mutex
	inbox []unl.RelayMessage

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDHTRelay starts a DHT server and a mailbox listener for nodeID.
// bootstrapNodes may be nil to use the well-known public mainline
// bootstrap nodes.
func NewDHTRelay(ctx context.Context, nodeID [20]byte, bootstrapNodes []string) (*DHTRelay, error) {
	if len(bootstrapNodes) == 0 {
		bootstrapNodes = defaultBootstrapNodes
	}

	dhtConn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("relay: bind DHT socket: %w", err)
	}

	mailbox, err := net.ListenPacket("udp", ":0")
	if err != nil {
		dhtConn.Close()
		return nil, fmt.Errorf("relay: bind mailbox socket: %w", err)
	}

	cfg := dht.NewDefaultServerConfig()
	cfg.Conn = dhtConn.(net.PacketConn)

	var bootstrapAddrs []dht.Addr
	for _, node := range bootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp", node)
		if err != nil {
			log.Printf("relay: skipping unresolvable bootstrap node %s: %v", node, err)
			continue
		}
		bootstrapAddrs = append(bootstrapAddrs, dht.NewAddr(addr))
	}
	if len(bootstrapAddrs) == 0 {
		dhtConn.Close()
		mailbox.Close()
		return nil, errors.New("relay: no bootstrap nodes resolved")
	}
	cfg.StartingNodes = func() ([]dht.Addr, error) { return bootstrapAddrs, nil }

	server, err := dht.NewServer(cfg)
	if err != nil {
		dhtConn.Close()
		mailbox.Close()
		return nil, fmt.Errorf("relay: create DHT server: %w", err)
	}

	childCtx, cancel := context.WithCancel(ctx)
	r := &DHTRelay{
		nodeID:  nodeID,
		server:  server,
		mailbox: mailbox,
		ctx:     childCtx,
		cancel:  cancel,
	}

	go r.announceLoop()
	go r.readLoop()

	return r, nil
}

// Close shuts down the DHT server and mailbox socket.
func (r *DHTRelay) Close() error {
	r.cancel()
	r.server.Close()
	return r.mailbox.Close()
}

func infohashFor(nodeID [20]byte) [20]byte {
	// SHA-1 of the node ID, matching BEP 5's 20-byte infohash space —
	// this is a presence key, not a content hash.
	return sha1.Sum(nodeID[:])
}

// announceLoop keeps our own presence record fresh so other nodes can
// discover our mailbox address.
func (r *DHTRelay) announceLoop() {
	r.announceOnce()

	ticker := time.NewTicker(reannounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.announceOnce()
		}
	}
}

func (r *DHTRelay) announceOnce() {
	ctx, cancel := context.WithTimeout(r.ctx, announceTimeout)
	defer cancel()

	mailboxPort := r.mailbox.LocalAddr().(*net.UDPAddr).Port
	a, err := r.server.Announce(infohashFor(r.nodeID), mailboxPort, false)
	if err != nil {
		log.Printf("relay: announce failed: %v", err)
		return
	}
	defer a.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-a.Peers:
			if !ok {
				return
			}
		}
	}
}

// readLoop drains inbound mailbox datagrams into the inbox, to be
// handed out by Poll.
func (r *DHTRelay) readLoop() {
	buf := make([]byte, mailboxBufferSize)
	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		r.mailbox.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := r.mailbox.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-r.ctx.Done():
				return
			default:
				log.Printf("relay: mailbox read error: %v", err)
				return
			}
		}

		msg := make([]byte, n)
		copy(msg, buf[:n])

		// The sender's node ID isn't authenticated at this transport
		// layer — callers recover identity from the UNL embedded in
		// the payload itself (see unl.ParseReverseMessage).
		r.mu.Lock()
		r.inbox = append(r.inbox, unl.RelayMessage{Message: msg})
		r.mu.Unlock()
	}
}

// Send looks up the current address nodeID last announced and
// delivers message directly over UDP. Delivery is best-effort: no
// acknowledgement is expected or waited for, matching the "any small
// key->mailbox service" contract.
func (r *DHTRelay) Send(ctx context.Context, nodeID [20]byte, message []byte) error {
	lookupCtx, cancel := context.WithTimeout(ctx, announceTimeout)
	defer cancel()

	a, err := r.server.Announce(infohashFor(nodeID), 0, false)
	if err != nil {
		return fmt.Errorf("relay: lookup %x: %w", nodeID, err)
	}
	defer a.Close()

	var lastErr error
	delivered := false
	for {
		select {
		case <-lookupCtx.Done():
			if delivered {
				return nil
			}
			if lastErr != nil {
				return lastErr
			}
			return fmt.Errorf("relay: no reachable mailbox found for %x", nodeID)
		case peerAddrs, ok := <-a.Peers:
			if !ok {
				if delivered {
					return nil
				}
				if lastErr != nil {
					return lastErr
				}
				return fmt.Errorf("relay: no reachable mailbox found for %x", nodeID)
			}
			for _, addr := range peerAddrs.Peers {
				udpAddr := &net.UDPAddr{IP: addr.IP, Port: addr.Port}
				if _, err := r.mailbox.WriteTo(message, udpAddr); err != nil {
					lastErr = err
					continue
				}
				delivered = true
			}
		}
	}
}

// Poll returns and clears whatever mailbox messages have arrived
// since the last call.
func (r *DHTRelay) Poll(ctx context.Context) ([]unl.RelayMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.inbox
	r.inbox = nil
	return out, nil
}

var _ unl.Relay = (*DHTRelay)(nil)
