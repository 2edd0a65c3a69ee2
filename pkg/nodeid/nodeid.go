// Package nodeid derives the stable identifiers this library hands out
// to peers: a 20-byte node ID carried inside every UNL, and per-
// connection nonces used to agree on a shared con_id with a peer
// without either side trusting the other's input.
package nodeid

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// Size is the length of a node ID, matching the UNL wire field.
	Size = 20

	hkdfInfoNodeID = "unl-node-id-v1"
)

// Derive produces a deterministic 20-byte node ID from a long-term
// secret, so a node presents the same identity across restarts without
// persisting a separate identity file. The HKDF info string
// domain-separates this output from any other derivation of the same
// secret.
func Derive(secret string) ([Size]byte, error) {
	var id [Size]byte
	if err := deriveHKDF(secret, hkdfInfoNodeID, id[:]); err != nil {
		return id, fmt.Errorf("nodeid: derive: %w", err)
	}
	return id, nil
}

// Random generates a fresh node ID from the OS CSPRNG, for nodes that
// don't want a long-term identity tied to a shared secret.
func Random() ([Size]byte, error) {
	var id [Size]byte
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return id, fmt.Errorf("nodeid: random: %w", err)
	}
	return id, nil
}

// NewNonce returns a fresh 32-byte random value for use in a
// reverse-connect challenge or a con_id derivation.
func NewNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nonce, fmt.Errorf("nodeid: nonce: %w", err)
	}
	return nonce, nil
}

// ConnectionID derives the shared identifier two peers use to recognize
// messages belonging to the same connection attempt:
//
//	SHA256(nonce || SHA256(lowerHex) || SHA256(higherHex))
//
// where lowerHex/higherHex are the two peers' WAN IPv4 addresses
// rendered as hex strings and numerically ordered, so both sides of a
// connection derive an identical ID regardless of who computes it
// first.
func ConnectionID(nonce [32]byte, wanA, wanB net.IP) ([32]byte, error) {
	hexA, err := ipHex(wanA)
	if err != nil {
		return [32]byte{}, err
	}
	hexB, err := ipHex(wanB)
	if err != nil {
		return [32]byte{}, err
	}

	lower, higher := hexA, hexB
	if strings.Compare(hexA, hexB) > 0 {
		lower, higher = hexB, hexA
	}

	lowerSum := sha256.Sum256([]byte(lower))
	higherSum := sha256.Sum256([]byte(higher))

	h := sha256.New()
	h.Write(nonce[:])
	h.Write(lowerSum[:])
	h.Write(higherSum[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

func ipHex(ip net.IP) (string, error) {
	v4 := ip.To4()
	if v4 == nil {
		return "", fmt.Errorf("nodeid: %v is not an IPv4 address", ip)
	}
	return hex.EncodeToString(v4), nil
}

func deriveHKDF(secret, info string, output []byte) error {
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte(info))
	_, err := io.ReadFull(reader, output)
	return err
}
