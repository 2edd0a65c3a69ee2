package supervisor

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/holepunch-go/unl/pkg/nodeid"
	"github.com/holepunch-go/unl/pkg/unl"
)

// nonceWireLen is the size of the hex-encoded 32-byte nonce exchanged
// over a freshly-opened stream to derive a shared con_id.
const nonceWireLen = 64

// Connection is one established or pending peer connection. The
// Supervisor is the sole owner of every entry and its socket; the UNL
// orchestrator only holds a reference for the duration of a connect
// attempt.
type Connection struct {
	ConID    string
	Role     string // "inbound" or "outbound"
	Strategy string // "passive", "simultaneous", "accept", "reverse_connect"
	PeerIP   string
	PeerPort int
	Conn     net.Conn
	UNL      *unl.UNL
	Since    time.Time

	nonce    [32]byte
	nonceBuf []byte
}

func splitHostPortInt(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// connTable is the Supervisor's mutex-guarded connection set, holding
// resolved (identified) connections separately from ones still
// completing their nonce handshake.
type connTable struct {
	mu      sync.RWMutex
	pending []*Connection
	byID    map[string]*Connection
}

func newConnTable() *connTable {
	return &connTable{byID: make(map[string]*Connection)}
}

func (t *connTable) addPending(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, c)
}

func (t *connTable) addResolved(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[c.ConID] = c
}

func (t *connTable) snapshotPending() []*Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Connection, len(t.pending))
	copy(out, t.pending)
	return out
}

func (t *connTable) promote(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removePendingLocked(c)
	t.byID[c.ConID] = c
}

func (t *connTable) dropPending(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removePendingLocked(c)
}

func (t *connTable) removePendingLocked(c *Connection) {
	for i, p := range t.pending {
		if p == c {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return
		}
	}
}

func (t *connTable) remove(conID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, conID)
}

func (t *connTable) get(conID string) (*Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byID[conID]
	return c, ok
}

func (t *connTable) snapshot() []*Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Connection, 0, len(t.byID))
	for _, c := range t.byID {
		out = append(out, c)
	}
	return out
}

func (t *connTable) countInbound() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, c := range t.byID {
		if c.Role == "inbound" {
			n++
		}
	}
	return n
}

func (t *connTable) countOutbound() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, c := range t.byID {
		if c.Role == "outbound" {
			n++
		}
	}
	return n
}

func (t *connTable) hasPeerIP(ip string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.byID {
		if c.PeerIP == ip {
			return true
		}
	}
	return false
}

// beginOutbound completes the nonce handshake for a connection we
// initiated: we mint the nonce and write it immediately, so we know
// our own con_id the instant the write succeeds. The peer pumps the
// other end of this same handshake via pumpNonce/finishInbound.
func beginOutbound(conn net.Conn, ourWAN net.IP, strategy string, peerUNL *unl.UNL) (*Connection, error) {
	nonce, err := nodeid.NewNonce()
	if err != nil {
		return nil, fmt.Errorf("supervisor: mint nonce: %w", err)
	}
	if _, err := conn.Write([]byte(hex.EncodeToString(nonce[:]))); err != nil {
		return nil, fmt.Errorf("supervisor: write nonce: %w", err)
	}

	host, port := splitHostPortInt(conn.RemoteAddr().String())
	peerIP := net.ParseIP(host)
	conID, err := nodeid.ConnectionID(nonce, ourWAN, peerIP)
	if err != nil {
		return nil, fmt.Errorf("supervisor: connection id: %w", err)
	}

	return &Connection{
		ConID:    hex.EncodeToString(conID[:]),
		Role:     "outbound",
		Strategy: strategy,
		PeerIP:   host,
		PeerPort: port,
		Conn:     conn,
		UNL:      peerUNL,
		Since:    time.Now(),
		nonce:    nonce,
	}, nil
}

// beginInbound registers a freshly accepted (or fight-won) connection
// as pending: its con_id isn't known until the peer's hex nonce has
// been pumped off the wire in full.
func beginInbound(conn net.Conn, strategy string) *Connection {
	host, port := splitHostPortInt(conn.RemoteAddr().String())
	return &Connection{
		Role:     "inbound",
		Strategy: strategy,
		PeerIP:   host,
		PeerPort: port,
		Conn:     conn,
		Since:    time.Now(),
		nonceBuf: make([]byte, 0, nonceWireLen),
	}
}

// pumpNonce reads whatever is available of the remaining nonce bytes
// with a short deadline so it never blocks the handshake loop, and
// reports whether the handshake is now complete.
func pumpNonce(c *Connection) (done bool, err error) {
	remaining := nonceWireLen - len(c.nonceBuf)
	if remaining <= 0 {
		return true, nil
	}

	c.Conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
	buf := make([]byte, remaining)
	n, readErr := c.Conn.Read(buf)
	c.Conn.SetReadDeadline(time.Time{})
	c.nonceBuf = append(c.nonceBuf, buf[:n]...)

	if len(c.nonceBuf) >= nonceWireLen {
		return true, nil
	}
	if readErr != nil {
		if ne, ok := readErr.(net.Error); ok && ne.Timeout() {
			return false, nil
		}
		return false, readErr
	}
	return false, nil
}

// finishInbound decodes the accumulated hex nonce and derives con_id
// now that both addresses are known.
func finishInbound(c *Connection, ourWAN net.IP) error {
	decoded, err := hex.DecodeString(string(c.nonceBuf))
	if err != nil || len(decoded) != 32 {
		return fmt.Errorf("supervisor: malformed nonce from %s", c.PeerIP)
	}

	var nonce [32]byte
	copy(nonce[:], decoded)

	conID, err := nodeid.ConnectionID(nonce, ourWAN, net.ParseIP(c.PeerIP))
	if err != nil {
		return err
	}
	c.ConID = hex.EncodeToString(conID[:])
	c.nonce = nonce
	return nil
}
