// Package punch implements TCP simultaneous open: two hosts behind
// predictable NATs connect to each other's predicted remote mapping at
// the same instant so their SYN packets cross and both NATs consider
// the connection established. Each side connects outbound; a peer's
// crossing SYN that lands in one of our reserved listen sockets is
// accepted only as a fallback once every outbound attempt has failed.
package punch

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net"
	"runtime"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/holepunch-go/unl/pkg/clock"
)

// ntpDelay is the fixed offset added to the NTP instant a fight is
// proposed at to give both sides time to receive the meeting details
// and arrive at the rendezvous point before it happens.
const ntpDelay = 6 * time.Second

// maxSleep bounds how far in the future a meeting instant may be
// before a fight is refused as implausible.
const maxSleep = 300 * time.Second

// loopbackRetries is how many times a punch attempt is retried when
// the peer is on a loopback or private address, where the missing WAN
// latency means two sleeps rarely line up two SYNs on the first try.
const loopbackRetries = 20

// acceptRaceWindow bounds how long AttendFight keeps polling the
// reserved listen sockets, after every outbound punch attempt has
// failed, for a crossing SYN the peer's connect already put in our
// accept queue.
const acceptRaceWindow = 2 * time.Second

// ErrNoConnection is returned by AttendFight when every punch attempt
// across every mapping failed. Strategy records whether the fight ran
// sequentially (delta NAT) or concurrently, so callers can tell which
// punching mode was exhausted without parsing the error text.
type ErrNoConnection struct {
	Strategy string
}

func (e *ErrNoConnection) Error() string {
	return fmt.Sprintf("punch: no connection established (%s)", e.Strategy)
}

// Mapping is one reserved local source port, held open via a listen
// socket bound with SO_REUSEADDR (plus SO_REUSEPORT on Linux). The listener stays open for the
// mapping's entire lifetime: the port doubles as connect-source and
// accept-target, so it must still be accepting after our own outbound
// punch attempts from the same port have failed, giving the peer's
// crossing SYN somewhere to land.
type Mapping struct {
	Source   int
	listener *net.TCPListener
}

// reuseAddrControl sets SO_REUSEADDR, and on Linux also SO_REUSEPORT,
// on a socket before bind/connect, the mechanism that lets a listening
// socket and a separate connecting socket share one local port. Linux
// refuses that second bind unless both sockets carry SO_REUSEPORT.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	// SO_REUSEPORT's value on Linux; the syscall package does not export it there.
	const soReusePortLinux = 0xf
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
		if sockErr == nil && runtime.GOOS == "linux" {
			_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, soReusePortLinux, 1) // best effort
		}
	}); err != nil {
		return err
	}
	return sockErr
}

// Reserve binds n TCP listeners on n consecutive ports starting from a
// random base in [1024, 65535-n), retrying with a new base if any one
// port in the run is already taken. A port counts as taken when a
// loopback connect to it succeeds or when binding it fails. Each
// listener is bound with SO_REUSEADDR (plus SO_REUSEPORT on Linux) and
// left open (never Accept'd by Reserve itself) so Dial can later bind
// a second, connecting socket to the same port.
func Reserve(n int) ([]Mapping, error) {
	if n <= 0 {
		return nil, fmt.Errorf("punch: n must be positive, got %d", n)
	}

	lc := net.ListenConfig{Control: reuseAddrControl}

	for attempt := 0; attempt < 100; attempt++ {
		base := 1024 + rand.Intn(65535-n-1024)
		mappings := make([]Mapping, 0, n)
		ok := true
		for i := 0; i < n; i++ {
			port := base + i
			// A successful self-connect means something already listens
			// here, even a socket SO_REUSEPORT would let us bind beside.
			if c, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 100*time.Millisecond); err == nil {
				c.Close()
				ok = false
				break
			}
			ln, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf(":%d", port))
			if err != nil {
				ok = false
				break
			}
			tcpLn, isTCP := ln.(*net.TCPListener)
			if !isTCP {
				ln.Close()
				ok = false
				break
			}
			mappings = append(mappings, Mapping{Source: port, listener: tcpLn})
		}
		if ok {
			return mappings, nil
		}
		for _, m := range mappings {
			m.listener.Close()
		}
	}
	return nil, fmt.Errorf("punch: could not reserve %d consecutive ports after 100 attempts", n)
}

// Close releases the reserved port's listen socket.
func (m Mapping) Close() error {
	if m.listener == nil {
		return nil
	}
	return m.listener.Close()
}

// Dial connects to addr from the reserved source port without closing
// the listener: the connecting socket is a second, independent socket
// sharing the port via SO_REUSEADDR (plus SO_REUSEPORT on Linux), so the listener remains available
// for raceAccept even after Dial fails or succeeds.
func (m Mapping) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	d := net.Dialer{
		LocalAddr: &net.TCPAddr{Port: m.Source},
		Timeout:   5 * time.Second,
		Control:   reuseAddrControl,
	}
	return d.DialContext(ctx, network, addr)
}

// Meeting describes when and where a fight happens, agreed out of
// band via the rendezvous server.
type Meeting struct {
	NodeIP      string
	Predictions []int
	NTP         float64 // seconds since epoch, the origin side's NTP reading
}

// AttendFight sleeps until the meeting instant (origin NTP + ntpDelay)
// and then races a connect attempt against each reserved mapping and
// its corresponding predicted remote port, returning the first
// connection that completes. Delta-type NATs punch sequentially
// because threading would scramble the port-to-mapping correspondence
// a delta NAT depends on; every other predictable NAT type punches
// all mappings concurrently. If every connect attempt fails, the
// reserved listen sockets are polled for an inbound accept before the
// fight is declared lost, since a peer's SYN that crossed ours may
// already be sitting in one of our accept queues. At most one stream
// is returned per call; every mapping's listener is closed before
// returning, win or lose.
func AttendFight(ctx context.Context, clk clock.ClockSource, mappings []Mapping, meeting Meeting, sequential bool) (net.Conn, error) {
	if len(mappings) == 0 {
		return nil, fmt.Errorf("punch: no mappings to fight with")
	}
	defer closeMappings(mappings)

	sleepDuration, err := sleepUntilMeeting(clk, meeting.NTP)
	if err != nil {
		return nil, err
	}
	busyWait(ctx, sleepDuration)

	n := len(mappings)
	if len(meeting.Predictions) < n {
		n = len(meeting.Predictions)
	}

	var (
		winner net.Conn
		strat  string
	)
	if sequential {
		strat = "sequential"
		for i := 0; i < n; i++ {
			conn, err := throwPunch(ctx, mappings[i], meeting.NodeIP, meeting.Predictions[i], 1)
			if err == nil {
				winner = conn
				break
			}
			log.Printf("punch: sequential attempt %d failed: %v", i, err)
		}
	} else {
		strat = "concurrent"
		winner = punchConcurrently(ctx, mappings[:n], meeting)
	}

	if winner != nil {
		return winner, nil
	}

	if conn := raceAccept(ctx, mappings[:n]); conn != nil {
		log.Printf("punch: won via accept-queue race (%s punch attempts exhausted)", strat)
		return conn, nil
	}

	return nil, &ErrNoConnection{Strategy: strat}
}

// punchConcurrently fires a connect attempt from every mapping at
// once and returns the first that completes, closing every other
// successful connection as a loser.
func punchConcurrently(ctx context.Context, mappings []Mapping, meeting Meeting) net.Conn {
	n := len(mappings)
	g, gctx := errgroup.WithContext(ctx)
	results := make(chan net.Conn, n)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			conn, err := throwPunch(gctx, mappings[i], meeting.NodeIP, meeting.Predictions[i], 1)
			if err != nil {
				return nil // a single failed punch isn't fatal to the group
			}
			select {
			case results <- conn:
			default:
				conn.Close()
			}
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	var winner net.Conn
	for conn := range results {
		if winner == nil {
			winner = conn
		} else {
			conn.Close()
		}
	}
	return winner
}

// raceAccept polls every mapping's listen socket in parallel for
// acceptRaceWindow, returning the first connection any of them
// accepts. This is the fallback for a SYN that crossed ours and
// landed in our own accept queue instead of completing as an outbound
// connect.
func raceAccept(ctx context.Context, mappings []Mapping) net.Conn {
	deadline := time.Now().Add(acceptRaceWindow)
	results := make(chan net.Conn, len(mappings))

	var wg sync.WaitGroup
	for _, m := range mappings {
		if m.listener == nil {
			continue
		}
		m := m
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.listener.SetDeadline(deadline)
			conn, err := m.listener.Accept()
			if err != nil {
				return
			}
			select {
			case results <- conn:
			default:
				conn.Close()
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	select {
	case conn, ok := <-results:
		if !ok {
			return nil
		}
		go drainAccepted(results)
		return conn
	case <-ctx.Done():
		go drainAccepted(results)
		return nil
	}
}

// drainAccepted closes any further accepted connections once a winner
// has already been chosen, so raceAccept's goroutines never block on
// a full, abandoned channel.
func drainAccepted(results <-chan net.Conn) {
	for conn := range results {
		conn.Close()
	}
}

// closeMappings releases every mapping's listen socket.
func closeMappings(mappings []Mapping) {
	for _, m := range mappings {
		m.Close()
	}
}

// sleepUntilMeeting computes how long to wait before the meeting
// instant, rejecting meetings already missed or too far in the future.
func sleepUntilMeeting(clk clock.ClockSource, originNTP float64) (time.Duration, error) {
	// Sub-second precision matters here: truncating to whole seconds
	// can consume most of the SYN-crossing window by itself.
	now := float64(clk.Now().UnixNano()) / float64(time.Second)
	future := originNTP + ntpDelay.Seconds()
	sleepSeconds := future - now

	if sleepSeconds < 0 {
		return 0, fmt.Errorf("punch: missed the meeting by %.3fs", -sleepSeconds)
	}
	if sleepSeconds >= maxSleep.Seconds() {
		return 0, fmt.Errorf("punch: meeting is too far in the future (%.3fs)", sleepSeconds)
	}
	return time.Duration(sleepSeconds * float64(time.Second)), nil
}

// busyWait spins close to the meeting instant rather than relying on
// a single long sleep, since the scheduler has no guarantee of waking
// a sleeper within the single-digit millisecond window TCP hole
// punching needs. The final spin runs pinned to its OS thread so a
// goroutine migration can't add wakeup jitter right at the meeting.
func busyWait(ctx context.Context, d time.Duration) {
	deadline := time.Now().Add(d)
	coarse := d - 100*time.Millisecond
	if coarse > 0 {
		select {
		case <-time.After(coarse):
		case <-ctx.Done():
			return
		}
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// throwPunch attempts the connect for one mapping/prediction pair,
// trying up to baseTries times. A private-address peer always gets
// loopbackRetries tries regardless of baseTries, since two local
// sleeps rarely line up precisely enough to cross SYNs on the first
// try.
func throwPunch(ctx context.Context, mapping Mapping, nodeIP string, remotePort int, baseTries int) (net.Conn, error) {
	addr := net.JoinHostPort(nodeIP, fmt.Sprintf("%d", remotePort))
	tries := baseTries
	if ip := net.ParseIP(nodeIP); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		tries = loopbackRetries
	}

	var lastErr error
	for i := 0; i < tries; i++ {
		conn, err := mapping.Dial(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(5+rand.Intn(30)) * time.Millisecond):
			// Jitter between retries: two same-host fighters retrying in
			// lockstep would keep missing each other's SYN indefinitely.
		}
	}
	return nil, fmt.Errorf("punch: connect to %s: %w", addr, lastErr)
}
