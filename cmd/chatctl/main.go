package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/chatd/internal/config"
	"github.com/matheus3301/chatd/internal/daemon"
	"github.com/matheus3301/chatd/internal/node"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	nodeFlag := flag.String("node", "", "node name (overrides config)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	var configured string
	if cfg, err := config.LoadOrDefault(node.ConfigPath()); err == nil {
		configured = cfg.Node
	}
	nodeName := node.Resolve(*nodeFlag, configured)
	if err := node.ValidateName(nodeName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "health":
		cmdHealth(ctx, nodeName, *jsonFlag)
	case "paths":
		cmdPaths(nodeName, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--node <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  health    Show whether the node is serving")
	fmt.Fprintln(os.Stderr, "  paths     Show the node's files")
}

func cmdHealth(ctx context.Context, nodeName string, jsonOut bool) {
	socketPath := node.AdminSocketPath(nodeName)
	conn, err := grpc.NewClient("unix://"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to node %q: %v\n", nodeName, err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: daemon.HealthService})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(map[string]string{"node": nodeName, "status": resp.GetStatus().String()})
	} else {
		fmt.Printf("Node:   %s\n", nodeName)
		fmt.Printf("Status: %s\n", resp.GetStatus())
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		os.Exit(2)
	}
}

func cmdPaths(nodeName string, jsonOut bool) {
	paths := map[string]string{
		"dir":    node.Dir(nodeName),
		"socket": node.AdminSocketPath(nodeName),
		"db":     node.DBPath(nodeName),
		"log":    node.LogPath(nodeName),
		"config": node.ConfigPath(),
	}
	if jsonOut {
		outputJSON(paths)
		return
	}
	for _, k := range []string{"dir", "socket", "db", "log", "config"} {
		fmt.Printf("%-7s %s\n", k+":", paths[k])
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
