// unlctl is a small control-plane client for unld. It talks
// JSON-RPC-2.0 over a Unix domain socket to list connections, inspect
// NAT classification, or check daemon liveness.
//
// Usage:
//
//	unlctl status
//	unlctl nat
//	unlctl connections
//	unlctl connection <con_id>
//	unlctl ping
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/holepunch-go/unl/pkg/rpc"
)

var version = "dev"

func main() {
	socketPath := flag.String("socket", rpc.GetSocketPath(), "unld control socket path")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	if args[0] == "version" {
		fmt.Println("unlctl " + version)
		return
	}

	client, err := rpc.NewClient(*socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unlctl: connect to %s: %v\n", rpc.FormatSocketPath(*socketPath), err)
		os.Exit(1)
	}
	defer client.Close()

	switch args[0] {
	case "status":
		call(client, "supervisor.status", nil)
	case "ping":
		call(client, "supervisor.ping", nil)
	case "nat":
		call(client, "nat.status", nil)
	case "connections":
		call(client, "connections.list", nil)
	case "connection":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "unlctl: connection requires a con_id argument")
			os.Exit(2)
		}
		call(client, "connections.get", map[string]interface{}{"con_id": args[1]})
	default:
		usage()
		os.Exit(2)
	}
}

func call(client *rpc.Client, method string, params map[string]interface{}) {
	result, err := client.Call(method, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unlctl: %s: %v\n", method, err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "unlctl: encode result: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: unlctl [-socket path] <status|ping|nat|connections|connection <con_id>|version>")
}
