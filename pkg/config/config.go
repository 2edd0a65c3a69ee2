// Package config loads and derives the option set a supervisor runs
// with: node identity, rendezvous servers to bootstrap from, and
// listen/forwarding preferences.
package config

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/holepunch-go/unl/pkg/nodeid"
)

const (
	// URIPrefix wraps a node secret for sharing, e.g. unl://v1/<secret>.
	URIPrefix  = "unl://"
	URIVersion = "v1"

	DefaultListenPort     = 40401
	DefaultRendezvousPort = 8540

	// DefaultMaxInbound and DefaultMaxOutbound bound the connection
	// table absent an explicit max_inbound/max_outbound option.
	DefaultMaxInbound  = 32
	DefaultMaxOutbound = 32

	// NetP2P and NetDirect are the recognized net_type values.
	NetP2P    = "p2p"
	NetDirect = "direct"
)

// Options is the raw input a caller (cmd/unld's flag/env parsing)
// assembles before building a Config.
type Options struct {
	Secret            string
	ListenPort        int
	RendezvousServers []string
	ProbeURL          string
	Interface         string
	LogLevel          string
	ForceForwarded    bool
	DisableUPnP       bool
	DisableNATPMP     bool

	NetType          string // p2p (default) or direct
	NodeTypeOverride string // passive|active|simultaneous, overrides NAT-driven selection
	NATTypeOverride  string // preserving|delta|reuse|random, skips classifyNAT's probe
	PassiveBind      string // bind address for the passive listener; empty means all interfaces
	WANOverride      string // skips the WAN-address probe when set
	MaxOutbound      int
	MaxInbound       int

	EnableBootstrap    bool
	EnableAdvertise    bool
	EnableForwarding   bool
	EnableSimultaneous bool
	EnableDuplicates   bool
}

// Config is the derived, validated configuration a Supervisor runs
// with.
type Config struct {
	Secret            string
	NodeID            [nodeid.Size]byte
	ListenPort        int
	RendezvousServers []string
	ProbeURL          string
	LogLevel          string
	ForceForwarded    bool
	DisableUPnP       bool
	DisableNATPMP     bool

	NetType          string
	NodeTypeOverride string
	NATTypeOverride  string
	PassiveBind      string
	Interface        string
	WANOverride      net.IP
	MaxOutbound      int
	MaxInbound       int

	EnableBootstrap    bool
	EnableAdvertise    bool
	EnableForwarding   bool
	EnableSimultaneous bool
	EnableDuplicates   bool
}

// New derives a Config from Options, applying defaults for anything
// left unset.
func New(opts Options) (*Config, error) {
	secret := parseSecret(opts.Secret)
	if secret == "" {
		return nil, fmt.Errorf("config: secret is required")
	}

	id, err := nodeid.Derive(secret)
	if err != nil {
		return nil, fmt.Errorf("config: derive node id: %w", err)
	}

	listenPort := opts.ListenPort
	if listenPort == 0 {
		listenPort = DefaultListenPort
	}

	servers := opts.RendezvousServers
	if len(servers) == 0 {
		return nil, fmt.Errorf("config: at least one rendezvous server is required")
	}

	logLevel := opts.LogLevel
	if logLevel == "" {
		logLevel = "info"
	}

	netType := opts.NetType
	if netType == "" {
		netType = NetP2P
	}
	if netType != NetP2P && netType != NetDirect {
		return nil, fmt.Errorf("config: net_type must be %q or %q, got %q", NetP2P, NetDirect, netType)
	}

	switch opts.NodeTypeOverride {
	case "", "passive", "active", "simultaneous":
	default:
		return nil, fmt.Errorf("config: node_type override must be passive, active or simultaneous, got %q", opts.NodeTypeOverride)
	}

	switch opts.NATTypeOverride {
	case "", "preserving", "delta", "reuse", "random":
	default:
		return nil, fmt.Errorf("config: nat_type override must be preserving, delta, reuse or random, got %q", opts.NATTypeOverride)
	}

	var wanOverride net.IP
	if opts.WANOverride != "" {
		wanOverride = net.ParseIP(opts.WANOverride)
		if wanOverride == nil {
			return nil, fmt.Errorf("config: wan_ip override %q is not a valid IP", opts.WANOverride)
		}
	}

	maxInbound := opts.MaxInbound
	if maxInbound == 0 {
		maxInbound = DefaultMaxInbound
	}
	maxOutbound := opts.MaxOutbound
	if maxOutbound == 0 {
		maxOutbound = DefaultMaxOutbound
	}

	enableBootstrap := opts.EnableBootstrap
	enableDuplicates := opts.EnableDuplicates
	if netType == NetDirect {
		// A direct-net instance exists to reach specific peers, not to
		// join a swarm: it never bootstraps off the rendezvous server
		// and always allows more than one connection per peer IP.
		enableBootstrap = false
		enableDuplicates = true
	}

	return &Config{
		Secret:            secret,
		NodeID:            id,
		ListenPort:        listenPort,
		RendezvousServers: servers,
		ProbeURL:          opts.ProbeURL,
		LogLevel:          logLevel,
		ForceForwarded:    opts.ForceForwarded,
		DisableUPnP:       opts.DisableUPnP,
		DisableNATPMP:     opts.DisableNATPMP,

		NetType:          netType,
		NodeTypeOverride: opts.NodeTypeOverride,
		NATTypeOverride:  opts.NATTypeOverride,
		PassiveBind:      opts.PassiveBind,
		Interface:        opts.Interface,
		WANOverride:      wanOverride,
		MaxOutbound:      maxOutbound,
		MaxInbound:       maxInbound,

		EnableBootstrap:    enableBootstrap,
		EnableAdvertise:    opts.EnableAdvertise,
		EnableForwarding:   opts.EnableForwarding,
		EnableSimultaneous: opts.EnableSimultaneous,
		EnableDuplicates:   enableDuplicates,
	}, nil
}

// GenerateSecret returns a fresh random node secret suitable for
// FormatSecretURI.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("config: generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// FormatSecretURI renders a secret as a shareable unl:// URI.
func FormatSecretURI(secret string) string {
	return fmt.Sprintf("%s%s/%s", URIPrefix, URIVersion, secret)
}

// parseSecret accepts either a bare secret or a unl://v1/<secret> URI.
func parseSecret(input string) string {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, URIPrefix) {
		return input
	}

	rest := strings.TrimPrefix(input, URIPrefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return parts[0]
	}
	secret := parts[1]
	if idx := strings.Index(secret, "?"); idx != -1 {
		secret = secret[:idx]
	}
	return secret
}

// DefaultPath returns the config file path for a given node name.
func DefaultPath(nodeName string) string {
	return filepath.Join("/var/lib/unld", nodeName+".conf")
}

// LoadFile parses a key=value config file, skipping blank lines and
// #-comments. A missing file returns an empty map, not an error.
func LoadFile(path string) (map[string]string, error) {
	values := make(map[string]string)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return values, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "config: ignoring invalid line %d in %s: %s\n", lineNum, path, line)
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		if (strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`)) ||
			(strings.HasPrefix(value, `'`) && strings.HasSuffix(value, `'`)) {
			value = value[1 : len(value)-1]
		}

		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	return values, nil
}

// ParseServerList splits a comma-separated host:port list, trimming
// whitespace and dropping empty entries.
func ParseServerList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	servers := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			servers = append(servers, p)
		}
	}
	return servers
}
