// Command meshnode runs a standalone mesh peer: it loads a NodeConfig,
// wires a libp2p LAN adapter and an in-process chunked adapter (always
// both; the config has no per-adapter switches), and serves a Prometheus
// metrics endpoint alongside the mesh itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/shurlinet/meshnet/pkg/meshnet"
	"github.com/shurlinet/meshnet/transport/chunked"
	"github.com/shurlinet/meshnet/transport/libp2pmesh"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runNode(os.Args[2:])
	case "version", "--version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("meshnode %s (%s) built %s\n", version, commit, buildDate)
	fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Println("Usage: meshnode <command> [options]")
	fmt.Println()
	fmt.Println("  run --config <path> [--metrics-addr :9090] [--key <path>]   Start a mesh node")
	fmt.Println("  version                                                      Print version info")
}

func runNode(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the node's YAML config file (required)")
	metricsAddr := fs.String("metrics-addr", ":9090", "address to serve Prometheus metrics on")
	keyFile := fs.String("key", "", "path to persist the libp2p identity key (empty = ephemeral)")
	listenAddr := fs.String("listen", "/ip4/0.0.0.0/tcp/0", "libp2p listen multiaddr")
	fs.Parse(args)

	if *configPath == "" {
		fatal("meshnode run: --config is required")
	}

	cfg, err := meshnet.LoadNodeConfig(*configPath)
	if err != nil {
		fatal("meshnode run: load config: %v", err)
	}

	metrics := meshnet.NewMetrics()

	lan := libp2pmesh.NewAdapter(libp2pmesh.Config{
		KeyFile:     *keyFile,
		ListenAddrs: []string{*listenAddr},
	}, cfg.PeerID)

	hub := chunked.NewHub()
	fallback := chunked.NewAdapter(hub, cfg.PeerID, cfg.Username, chunked.DefaultMTU)

	node, err := meshnet.NewMeshNode(cfg, metrics, lan, fallback)
	if err != nil {
		fatal("meshnode run: build node: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := node.Start(ctx); err != nil {
		fatal("meshnode run: start: %v", err)
	}
	slog.Info("mesh node started", "peerId", node.LocalPeerID(), "listen", *listenAddr)

	srv := &http.Server{Addr: *metricsAddr, Handler: metrics.Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server exited", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down mesh node")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if err := node.Stop(shutdownCtx); err != nil {
		slog.Error("node stop error", "error", err)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
