// Package unl implements the Universal Node Locator: a fixed 38-byte
// endpoint descriptor that hides which NAT-traversal strategy a peer
// will use behind a single encode/decode boundary.
package unl

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"net"
)

// Version is the only UNL wire version this package produces or accepts.
const Version = 2

// WireSize is the exact on-wire record size before base64 encoding.
const WireSize = 38

const (
	offVersion  = 0
	offNodeID   = 1
	offNodeType = 21
	offNATType  = 22
	offFwdType  = 23
	offPort     = 24
	offWAN      = 26
	offLAN      = 30
	offChecksum = 34
)

// NodeType is the reachability class a peer advertises.
type NodeType byte

const (
	NodePassive NodeType = iota
	NodeActive
	NodeSimultaneous
)

// NATType mirrors natclass.Kind but is re-declared here so this package
// has no dependency on natclass — a UNL is a pure data record.
type NATType byte

const (
	NATPreserving NATType = iota
	NATDelta
	NATReuse
	NATRandom
	NATUnknown
)

// ForwardingType describes how (if at all) the listen port reached the
// internet.
type ForwardingType byte

const (
	ForwardManual ForwardingType = iota
	ForwardAlreadyForwarded
	ForwardUPnP
	ForwardNATPMP
)

var (
	ErrChecksum     = errors.New("unl: checksum mismatch")
	ErrUnknownCode  = errors.New("unl: unknown type code")
	ErrBadLength    = errors.New("unl: wrong wire length")
	ErrBadVersion   = errors.New("unl: unsupported version")
	ErrInvalidWAN   = errors.New("unl: invalid WAN address")
	ErrInvalidLAN   = errors.New("unl: invalid LAN address")
	ErrInvalidPort  = errors.New("unl: invalid listen port")
)

// Explicit code tables. Deriving a code from the last character of the
// kind's name would leave "delta" and "unknown" without one and invites
// collisions as kinds are added, so each kind gets a reserved byte and
// decode fails on anything unrecognized.
var natTypeToCode = map[NATType]byte{
	NATPreserving: 'g',
	NATDelta:      'd',
	NATReuse:      'e',
	NATRandom:     'm',
	NATUnknown:    'u',
}

var codeToNATType = reverseByteMap(natTypeToCode)

var nodeTypeToCode = map[NodeType]byte{
	NodePassive:      'p',
	NodeActive:       'a',
	NodeSimultaneous: 's',
}

var codeToNodeType = reverseByteMap(nodeTypeToCode)

var fwdTypeToCode = map[ForwardingType]byte{
	ForwardAlreadyForwarded: 'f',
	ForwardManual:           'm',
	ForwardUPnP:             'U',
	ForwardNATPMP:           'N',
}

var codeToFwdType = reverseByteMap(fwdTypeToCode)

func reverseByteMap[K comparable](m map[K]byte) map[byte]K {
	out := make(map[byte]K, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// Fields is the decoded content of a UNL, the form the rest of the
// system operates on.
type Fields struct {
	Version    byte
	NodeID     [20]byte
	NodeType   NodeType
	NATType    NATType
	Forwarding ForwardingType
	ListenPort uint16
	WAN        net.IP // 4-byte form
	LAN        net.IP // 4-byte form
}

// UNL is an opaque wire-exact record. Construct it with Construct or
// Decode; read its fields back out with Deconstruct.
type UNL struct {
	raw [WireSize]byte
}

// Construct packs Fields into the canonical 38-byte wire layout and
// stamps the checksum. It is deterministic: identical Fields always
// produce identical bytes.
func Construct(f Fields) (*UNL, error) {
	wan4 := f.WAN.To4()
	if wan4 == nil {
		return nil, ErrInvalidWAN
	}
	lan4 := f.LAN.To4()
	if lan4 == nil {
		return nil, ErrInvalidLAN
	}
	if f.ListenPort == 0 {
		return nil, ErrInvalidPort
	}

	ntCode, ok := nodeTypeToCode[f.NodeType]
	if !ok {
		return nil, fmt.Errorf("%w: node type %d", ErrUnknownCode, f.NodeType)
	}
	natCode, ok := natTypeToCode[f.NATType]
	if !ok {
		return nil, fmt.Errorf("%w: nat type %d", ErrUnknownCode, f.NATType)
	}
	fwdCode, ok := fwdTypeToCode[f.Forwarding]
	if !ok {
		return nil, fmt.Errorf("%w: forwarding type %d", ErrUnknownCode, f.Forwarding)
	}

	u := &UNL{}
	u.raw[offVersion] = Version
	copy(u.raw[offNodeID:offNodeID+20], f.NodeID[:])
	u.raw[offNodeType] = ntCode
	u.raw[offNATType] = natCode
	u.raw[offFwdType] = fwdCode
	binary.LittleEndian.PutUint16(u.raw[offPort:offPort+2], f.ListenPort)
	copy(u.raw[offWAN:offWAN+4], wan4)
	copy(u.raw[offLAN:offLAN+4], lan4)

	sum := checksum(u.raw[:offChecksum])
	copy(u.raw[offChecksum:offChecksum+4], sum)

	return u, nil
}

// checksum is the first 4 bytes of SHA-256(SHA-256(payload)).
func checksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:4]
}

// Decode parses a raw 38-byte wire record, validating version, type
// codes, and checksum.
func Decode(raw []byte) (*UNL, error) {
	if len(raw) != WireSize {
		return nil, ErrBadLength
	}
	if raw[offVersion] != Version {
		return nil, ErrBadVersion
	}

	want := checksum(raw[:offChecksum])
	if !bytesEqual(want, raw[offChecksum:offChecksum+4]) {
		return nil, ErrChecksum
	}

	if _, ok := codeToNodeType[raw[offNodeType]]; !ok {
		return nil, fmt.Errorf("%w: node type byte %q", ErrUnknownCode, raw[offNodeType])
	}
	if _, ok := codeToNATType[raw[offNATType]]; !ok {
		return nil, fmt.Errorf("%w: nat type byte %q", ErrUnknownCode, raw[offNATType])
	}
	if _, ok := codeToFwdType[raw[offFwdType]]; !ok {
		return nil, fmt.Errorf("%w: forwarding type byte %q", ErrUnknownCode, raw[offFwdType])
	}

	u := &UNL{}
	copy(u.raw[:], raw)
	return u, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Deconstruct reads the fields back out of a UNL.
func (u *UNL) Deconstruct() Fields {
	var nodeID [20]byte
	copy(nodeID[:], u.raw[offNodeID:offNodeID+20])

	wan := make(net.IP, 4)
	copy(wan, u.raw[offWAN:offWAN+4])
	lan := make(net.IP, 4)
	copy(lan, u.raw[offLAN:offLAN+4])

	return Fields{
		Version:    u.raw[offVersion],
		NodeID:     nodeID,
		NodeType:   codeToNodeType[u.raw[offNodeType]],
		NATType:    codeToNATType[u.raw[offNATType]],
		Forwarding: codeToFwdType[u.raw[offFwdType]],
		ListenPort: binary.LittleEndian.Uint16(u.raw[offPort : offPort+2]),
		WAN:        wan,
		LAN:        lan,
	}
}

// IsValid reports whether raw decodes cleanly. A single bit flip in
// bytes 0..33 always fails this (the checksum covers exactly that span).
func IsValid(raw []byte) bool {
	_, err := Decode(raw)
	return err == nil
}

// Bytes returns the raw 38-byte wire form.
func (u *UNL) Bytes() []byte {
	out := make([]byte, WireSize)
	copy(out, u.raw[:])
	return out
}

// Base64 renders the UNL for textual transport.
func (u *UNL) Base64() string {
	return base64.StdEncoding.EncodeToString(u.raw[:])
}

// DecodeBase64 is the inverse of Base64.
func DecodeBase64(s string) (*UNL, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("unl: bad base64: %w", err)
	}
	return Decode(raw)
}

// Equal reports endpoint equality: two UNLs are equal iff WAN, LAN,
// and listen port all match, regardless of the rest of the record.
func (u *UNL) Equal(other *UNL) bool {
	a, b := u.Deconstruct(), other.Deconstruct()
	return a.WAN.Equal(b.WAN) && a.LAN.Equal(b.LAN) && a.ListenPort == b.ListenPort
}

// IsMaster reports whether u should initiate a connection to other.
// Master election compares the literal on-wire bytes as big integers —
// not the parsed fields — so the result is stable regardless of host
// endianness. When the two UNLs are byte-identical neither is master;
// callers must detect this edge case themselves (see SameWire) since a connect here would deadlock.
func (u *UNL) IsMaster(other *UNL) bool {
	ours := new(big.Int).SetBytes(u.raw[:])
	theirs := new(big.Int).SetBytes(other.raw[:])
	return ours.Cmp(theirs) > 0
}

// SameWire reports whether two UNLs carry byte-identical wire records —
// the edge case where master election must not be trusted.
func (u *UNL) SameWire(other *UNL) bool {
	return u.raw == other.raw
}
