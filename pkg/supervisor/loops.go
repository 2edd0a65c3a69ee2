package supervisor

import (
	"errors"
	"log"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/holepunch-go/unl/pkg/rendezvous/client"
	"github.com/holepunch-go/unl/pkg/unl"
)

// acceptLoop blocks on the passive listener and registers every
// accepted connection as pending until its nonce handshake completes.
// Stop unblocks it by closing the listener, which turns Accept into
// an error the loop recognizes as shutdown.
func (s *Supervisor) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			log.Printf("supervisor: accept error: %v", err)
			continue
		}

		host, _ := splitHostPortInt(conn.RemoteAddr().String())
		if !s.admitInbound(host) {
			conn.Close()
			continue
		}

		entry := beginInbound(conn, "accept")
		s.conns.addPending(entry)
	}
}

// admitInbound applies the shared blocklist checks every inbound path
// goes through: per-IP rate limit, the inbound cap, our own addresses
// (a UNL whose wan/lan point back at us), and duplicate peer IPs.
func (s *Supervisor) admitInbound(host string) bool {
	if !s.accepts.Allow(host) {
		return false
	}
	if s.conns.countInbound() >= s.cfg.MaxInbound {
		return false
	}
	if !s.cfg.EnableDuplicates {
		if (s.wan != nil && host == s.wan.String()) || (s.lan != nil && host == s.lan.String()) {
			return false
		}
		if s.conns.hasPeerIP(host) {
			return false
		}
	}
	return true
}

// challengeLoop only runs for simultaneous-open nodes. It blocks on
// the rendezvous session's challenge poll, re-registers on a forced
// reconnect, and otherwise fights the winning connection through the
// nonce handshake like any other inbound connection.
func (s *Supervisor) challengeLoop() {
	var lastAccept time.Time

	for {
		if s.ctx.Err() != nil {
			return
		}

		challenge, err := s.session.PollChallenge(s.ctx)
		if err != nil {
			if errors.Is(err, client.ErrReconnect) {
				session, rerr := s.rendClient.SimultaneousListen(s.ctx)
				if rerr != nil {
					log.Printf("supervisor: re-register after reconnect failed: %v", rerr)
					continue
				}
				s.session = session
				continue
			}
			if s.ctx.Err() != nil {
				return
			}
			log.Printf("supervisor: poll challenge: %v", err)
			continue
		}

		if wait := simOpenInterval - time.Since(lastAccept); wait > 0 {
			select {
			case <-time.After(wait):
			case <-s.ctx.Done():
				return
			}
		}
		lastAccept = time.Now()

		metricCandidatesSeen.Add(s.ctx, 1)
		ntp := float64(s.clk.Now().UnixNano()) / float64(time.Second)
		metricFightAttempts.Add(s.ctx, 1)
		conn, err := s.rendClient.Accept(s.ctx, s.session, challenge, challenge.NodeIP, ntp, s.clk)
		if err != nil {
			log.Printf("supervisor: accept challenge from %s: %v", challenge.NodeIP, err)
			continue
		}
		metricFightSuccesses.Add(s.ctx, 1)

		host, _ := splitHostPortInt(conn.RemoteAddr().String())
		if !s.admitInbound(host) {
			conn.Close()
			continue
		}

		entry := beginInbound(conn, "simultaneous")
		s.conns.addPending(entry)
	}
}

// handshakePumpLoop advances every pending connection's nonce
// handshake a little at a time, promoting it once the full 32-byte
// nonce has arrived and dropping it if the peer ever sends something
// that doesn't parse as one.
func (s *Supervisor) handshakePumpLoop() {
	ticker := time.NewTicker(handshakePumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, c := range s.conns.snapshotPending() {
				done, err := pumpNonce(c)
				if err != nil {
					log.Printf("supervisor: handshake with %s failed: %v", c.PeerIP, err)
					c.Conn.Close()
					s.conns.dropPending(c)
					continue
				}
				if !done {
					continue
				}
				if err := finishInbound(c, s.wan); err != nil {
					log.Printf("supervisor: finish handshake with %s failed: %v", c.PeerIP, err)
					c.Conn.Close()
					s.conns.dropPending(c)
					continue
				}
				s.conns.promote(c)
			}
		}
	}
}

// connCleanupLoop removes resolved connections whose socket has died
// and expires reverse-connect requests nobody ever answered.
func (s *Supervisor) connCleanupLoop() {
	ticker := time.NewTicker(connCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, c := range s.conns.snapshot() {
				if !probeAlive(c.Conn) {
					c.Conn.Close()
					s.conns.remove(c.ConID)
				}
			}

			cutoff := time.Now().Add(-reverseQueryExpiry)
			s.reverseM.Lock()
			for key, sent := range s.reverse {
				if sent.Before(cutoff) {
					delete(s.reverse, key)
				}
			}
			s.reverseM.Unlock()
		}
	}
}

// probeAlive checks whether the peer has closed its end without
// consuming stream data: it peeks one byte off the socket with
// MSG_PEEK|MSG_DONTWAIT, so application bytes queued behind the nonce
// handshake are left for the actual reader. EAGAIN means the peer is
// quiet but connected; a zero-byte peek is the FIN.
func probeAlive(conn net.Conn) bool {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return true
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return false
	}

	alive := true
	ctrlErr := raw.Control(func(fd uintptr) {
		buf := make([]byte, 1)
		n, _, err := syscall.Recvfrom(int(fd), buf, syscall.MSG_PEEK|syscall.MSG_DONTWAIT)
		switch {
		case err == syscall.EAGAIN || err == syscall.EWOULDBLOCK:
			alive = true
		case err != nil:
			alive = false
		case n == 0:
			alive = false
		}
	})
	return ctrlErr == nil && alive
}

// relayDrainLoop polls the relay for reverse-connect protocol
// messages at most once per dhtMsgInterval. A REVERSE_CONNECT asks us
// to dial the sender directly; REVERSE_QUERY/REVERSE_ORIGIN confirm a
// REVERSE_CONNECT we sent earlier, so the matching pending entry is
// cleared.
func (s *Supervisor) relayDrainLoop() {
	if s.relay == nil {
		return
	}

	ticker := time.NewTicker(dhtMsgInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			msgs, err := s.relay.Poll(s.ctx)
			if err != nil {
				log.Printf("supervisor: relay poll: %v", err)
				continue
			}
			for _, m := range msgs {
				s.handleRelayMessage(m)
			}
		}
	}
}

func (s *Supervisor) handleRelayMessage(m unl.RelayMessage) {
	parsed, err := unl.ParseReverseMessage(m.Message)
	if err != nil {
		log.Printf("supervisor: malformed relay message from %x: %v", m.Source, err)
		return
	}

	switch parsed.Kind {
	case "REVERSE_CONNECT":
		fields := parsed.UNL.Deconstruct()
		addr := net.JoinHostPort(fields.WAN.String(), strconv.Itoa(int(fields.ListenPort)))
		d := net.Dialer{Timeout: dialTimeout}
		conn, err := d.DialContext(s.ctx, "tcp", addr)
		if err != nil {
			log.Printf("supervisor: reverse-connect dial %s failed: %v", addr, err)
			return
		}
		entry, err := beginOutbound(conn, s.wan, "reverse_connect", parsed.UNL)
		if err != nil {
			conn.Close()
			return
		}
		s.conns.addResolved(entry)

		confirmations := []string{
			unl.FormatReverseQuery(s.localUNL),
			unl.FormatReverseOrigin(s.localUNL),
		}
		for _, msg := range confirmations {
			if err := s.relay.Send(s.ctx, m.Source, []byte(msg)); err != nil {
				log.Printf("supervisor: send reverse confirmation: %v", err)
			}
		}

	case "REVERSE_QUERY", "REVERSE_ORIGIN":
		s.reverseM.Lock()
		delete(s.reverse, parsed.UNL.Base64())
		s.reverseM.Unlock()

	default:
		log.Printf("supervisor: unhandled relay message kind %q", parsed.Kind)
	}
}

// bootstrapLoop periodically requests fresh bootstrap peers, at most
// once per rendezvousInterval. The result is kept only for
// introspection: a bootstrap reply is a bare list of ip:port pairs,
// not full UNLs, and turning that into an actual connect attempt
// needs a UNL exchange this library leaves to its caller.
func (s *Supervisor) bootstrapLoop() {
	if !s.cfg.EnableBootstrap {
		return
	}

	ticker := time.NewTicker(rendezvousInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			metricBootstrapCalls.Add(s.ctx, 1)
			nodes, err := s.rendClient.BootstrapNodes(s.ctx, bootstrapRequestCount)
			if err != nil {
				log.Printf("supervisor: bootstrap request failed: %v", err)
				continue
			}
			s.lastBootNodesM.Lock()
			s.lastBootNodes = nodes
			s.lastBootstrap = time.Now()
			s.lastBootNodesM.Unlock()
		}
	}
}

// advertiseLoop re-announces to the rendezvous server on a long
// cadence, skipped whenever this node already has enough inbound
// connections to be worth discovering by new peers.
func (s *Supervisor) advertiseLoop() {
	if !s.cfg.EnableAdvertise {
		return
	}

	ticker := time.NewTicker(advertiseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.conns.countInbound() >= minConnected {
				continue
			}
			if err := s.register(s.ctx); err != nil {
				log.Printf("supervisor: re-advertise failed: %v", err)
				continue
			}
			s.lastAdvertise = time.Now()
		}
	}
}
