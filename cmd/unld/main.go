// unld is the connection-establishment daemon: it classifies the
// local NAT, opens the passive listener, forwards its port where it
// can, registers with the configured rendezvous servers, and serves
// connection, NAT and status queries from local control-plane tooling
// over pkg/rpc.
//
// Usage:
//
//	unld -secret unl://v1/<secret> -rendezvous rendezvous.example.com:8540
//	unld -secret unl://v1/<secret> -rendezvous a:8540,b:8540 -listen 40401
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/holepunch-go/unl/pkg/clock"
	"github.com/holepunch-go/unl/pkg/config"
	"github.com/holepunch-go/unl/pkg/nodeid"
	"github.com/holepunch-go/unl/pkg/otel"
	"github.com/holepunch-go/unl/pkg/probe"
	"github.com/holepunch-go/unl/pkg/relay"
	"github.com/holepunch-go/unl/pkg/rpc"
	"github.com/holepunch-go/unl/pkg/supervisor"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			fmt.Println("unld " + version)
			return
		}
	}

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Println("unld " + version)
			return
		case "gen-secret":
			genSecretCmd()
			return
		}
	}

	var (
		secret             = flag.String("secret", os.Getenv("UNL_SECRET"), "node secret or unl://v1/<secret> URI (required)")
		listenPort         = flag.Int("listen", config.DefaultListenPort, "passive listen port")
		rendezvousList     = flag.String("rendezvous", "", "comma-separated rendezvous server addresses (required)")
		probeURL           = flag.String("probe", "", "base URL of the WAN-IP/port-check probe endpoint")
		forceForwarded     = flag.Bool("force-forwarded", false, "assume the listen port is already forwarded")
		disableUPnP        = flag.Bool("disable-upnp", false, "skip UPnP port-forwarding attempts")
		disableNATPMP      = flag.Bool("disable-natpmp", false, "skip NAT-PMP port-forwarding attempts")
		enableRelay        = flag.Bool("enable-relay", true, "enable the DHT-backed reverse-connect relay")
		relayBootstrap     = flag.String("relay-bootstrap", "", "comma-separated DHT bootstrap nodes (defaults to public mainline nodes)")
		socketPath         = flag.String("socket", "", "RPC control-plane socket path (defaults via rpc.GetSocketPath)")
		netType            = flag.String("net-type", config.NetP2P, "p2p or direct")
		nodeTypeOverride   = flag.String("node-type", "", "force passive, active or simultaneous instead of deriving it from the NAT classification")
		natTypeOverride    = flag.String("nat-type", "", "force preserving, delta, reuse or random instead of probing the NAT")
		passiveBind        = flag.String("passive-bind", "", "address to bind the passive listener to (defaults to all interfaces)")
		iface              = flag.String("interface", "", "network interface to read the LAN address from (defaults to the first non-loopback IPv4 interface)")
		wanOverride        = flag.String("wan-ip", "", "skip the WAN-address probe and use this address instead")
		maxOutbound        = flag.Int("max-outbound", config.DefaultMaxOutbound, "maximum concurrent outbound connections")
		maxInbound         = flag.Int("max-inbound", config.DefaultMaxInbound, "maximum concurrent inbound connections")
		enableBootstrap    = flag.Bool("enable-bootstrap", true, "periodically request fresh bootstrap peers from the rendezvous server")
		enableAdvertise    = flag.Bool("enable-advertise", true, "periodically re-advertise to the rendezvous server")
		enableForwarding   = flag.Bool("enable-forwarding", true, "attempt UPnP/NAT-PMP port forwarding")
		enableSimultaneous = flag.Bool("enable-simultaneous", true, "allow simultaneous-open node type for predictable NATs")
		enableDuplicates   = flag.Bool("enable-duplicates", false, "accept a second inbound connection from a peer IP we already talk to")
	)
	flag.Parse()

	nodeSecret := *secret
	if nodeSecret == "" {
		prompted, err := readSecretPrompt()
		if err != nil {
			fmt.Fprintf(os.Stderr, "unld: read secret: %v\n", err)
			os.Exit(1)
		}
		nodeSecret = prompted
	}

	cfg, err := config.New(config.Options{
		Secret:             nodeSecret,
		ListenPort:         *listenPort,
		RendezvousServers:  config.ParseServerList(*rendezvousList),
		ProbeURL:           *probeURL,
		ForceForwarded:     *forceForwarded,
		DisableUPnP:        *disableUPnP,
		DisableNATPMP:      *disableNATPMP,
		NetType:            *netType,
		NodeTypeOverride:   *nodeTypeOverride,
		NATTypeOverride:    *natTypeOverride,
		PassiveBind:        *passiveBind,
		Interface:          *iface,
		WANOverride:        *wanOverride,
		MaxOutbound:        *maxOutbound,
		MaxInbound:         *maxInbound,
		EnableBootstrap:    *enableBootstrap,
		EnableAdvertise:    *enableAdvertise,
		EnableForwarding:   *enableForwarding,
		EnableSimultaneous: *enableSimultaneous,
		EnableDuplicates:   *enableDuplicates,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "unld: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := otel.Init(ctx, "unld", version)
	if err != nil {
		log.Printf("unld: otel init: %v (continuing without telemetry)", err)
	}
	defer shutdownTelemetry(context.Background())

	opts := supervisor.Options{
		Config: cfg,
		Prober: probe.NewHTTPProber(cfg.ProbeURL),
		Clock:  clock.System{},
	}

	if *enableRelay {
		r, err := relay.NewDHTRelay(ctx, cfg.NodeID, config.ParseServerList(*relayBootstrap))
		if err != nil {
			log.Printf("unld: relay init failed, reverse-connect disabled: %v", err)
		} else {
			opts.Relay = r
			defer r.Close()
		}
	}

	sup, err := supervisor.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unld: %v\n", err)
		os.Exit(1)
	}

	log.Printf("unld starting: node_id=%x listen=%d rendezvous=%v", cfg.NodeID, cfg.ListenPort, cfg.RendezvousServers)
	if err := sup.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "unld: start: %v\n", err)
		os.Exit(1)
	}
	defer sup.Stop()

	localUNL := sup.LocalUNL()
	nat := sup.NAT()
	log.Printf("unld ready: unl=%s nat=%s", localUNL.Base64(), nat.Kind)

	sock := *socketPath
	if sock == "" {
		sock = rpc.GetSocketPath()
	}
	rpcServer, err := rpc.NewServer(rpc.ServerConfig{
		SocketPath:          sock,
		Version:             version,
		GetConnections:      sup.ConnectionsSnapshot,
		GetConnection:       sup.ConnectionByID,
		GetNATStatus:        sup.NATStatus,
		GetSupervisorStatus: sup.Status,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "unld: rpc server: %v\n", err)
		os.Exit(1)
	}
	if err := rpcServer.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "unld: rpc start: %v\n", err)
		os.Exit(1)
	}
	defer rpcServer.Stop()

	log.Printf("unld: control socket at %s", rpc.FormatSocketPath(sock))

	<-ctx.Done()
	log.Printf("unld: shutting down")
}

// readSecretPrompt reads the node secret from the controlling terminal
// without echoing it, for operators who don't want it sitting in
// shell history or UNL_SECRET.
func readSecretPrompt() (string, error) {
	fmt.Fprint(os.Stderr, "node secret (unl://v1/<secret>): ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func genSecretCmd() {
	secret, err := config.GenerateSecret()
	if err != nil {
		fmt.Fprintf(os.Stderr, "unld: generate secret: %v\n", err)
		os.Exit(1)
	}
	id, err := nodeid.Derive(secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unld: derive node id: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(config.FormatSecretURI(secret))
	fmt.Printf("node id: %x\n", id)
}
