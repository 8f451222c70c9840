// Command node runs a single hkv cluster participant: it binds to a TCP
// port, dials its configured peers, and serves reads and writes through
// whichever replication discipline the dispatcher selects.
//
// Running with --demo skips the network entirely and drives a short
// in-process multi-node simulation instead; --benchmark starts this node
// for real but drives load against it locally rather than waiting on
// client traffic.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/replkv/hkv/internal/config"
	"github.com/replkv/hkv/internal/logx"
	"github.com/replkv/hkv/internal/node"
	"github.com/replkv/hkv/internal/transport/tcp"
	"github.com/replkv/hkv/internal/wire"
)

var log = logx.New("cmd")

var rootCmd = &cobra.Command{
	Use:   "node",
	Short: "run a hkv cluster participant",
	Long: `node runs a single participant in a replicated key-value cluster
that unifies chain replication and quorum consensus under an adaptive
dispatcher. Configuration can be set via flags or HKV_-prefixed
environment variables (e.g. HKV_NODE_ID=1).`,
	RunE: run,
}

func init() {
	config.RegisterFlags(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}

	level, err := logx.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logx.SetProcessLevel(level)
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		logx.SetOutput(io.MultiWriter(os.Stdout, f))
	}

	readPref, err := modeFromString(cfg.ReadPreference)
	if err != nil {
		return err
	}
	writePref, err := modeFromString(cfg.WritePreference)
	if err != nil {
		return err
	}

	adaptiveSwitching := cfg.AdaptiveSwitching
	if cfg.Mode != "hybrid" {
		// An operator-forced mode pins both preferences and disables
		// adaptive switching, overriding whatever --adaptive-switching
		// and --read/write-preference were set to.
		forced, err := modeFromString(cfg.Mode)
		if err != nil {
			return err
		}
		readPref, writePref = forced, forced
		adaptiveSwitching = false
	}

	if cfg.Demo {
		return runDemo()
	}

	bus, err := tcp.New(cfg.NodeID, fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	defer bus.Close()

	peerAddrs := make(map[uint32]node.PeerAddr, len(cfg.PeerAddrs))
	for id, addr := range cfg.PeerAddrs {
		host, port, err := splitHostPort(addr)
		if err != nil {
			return fmt.Errorf("cluster-members: %w", err)
		}
		peerAddrs[id] = node.PeerAddr{Hostname: host, Port: port}
		bus.AddPeer(id, addr)
	}

	// The chain and quorum membership order must agree across every
	// process in the cluster, so it is derived by sorting the full roster
	// rather than placing this node first.
	order := append(append([]uint32{}, cfg.Peers...), cfg.NodeID)
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	n := node.New(node.Config{
		SelfID:      cfg.NodeID,
		ChainOrder:  order,
		QuorumNodes: order,
		PeerAddrs:   peerAddrs,

		EnableBatching:     cfg.EnableBatching,
		BatchSize:          cfg.BatchSize,
		BatchFlushInterval: millis(cfg.BatchTimeoutMillis),

		EnableAdaptiveQuorum: cfg.EnableAdaptiveQuorum,
		OperationTimeout:     millis(cfg.OperationTimeoutMillis),

		CacheTTL: seconds(cfg.CacheTTLSeconds),

		AdaptiveSwitching:    adaptiveSwitching,
		IntelligentRouting:   cfg.IntelligentRouting,
		LoadBalancing:        cfg.LoadBalancing,
		Caching:              cfg.Caching,
		SpeculativeExecution: cfg.SpeculativeExecution,
		RequestBatching:      cfg.RequestBatching,
		SwitchingThreshold:   cfg.SwitchingThreshold,
		ReadPreference:       readPref,
		WritePreference:      writePref,
	}, bus)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsPort != 0 {
		stopMetrics := serveMetrics(n, cfg.MetricsPort)
		defer stopMetrics()
	}

	n.Start(ctx)
	log.Infof("node %d listening on :%d (%d peers)", cfg.NodeID, cfg.Port, len(cfg.Peers))

	if cfg.Benchmark {
		result := runBenchmark(n, cfg)
		n.Stop()
		return result
	}

	<-ctx.Done()
	log.Infof("shutting down node %d", cfg.NodeID)
	n.Stop()
	return nil
}

// serveMetrics starts a background HTTP server exposing n's counters in
// Prometheus exposition format at /metrics, and returns a func that shuts
// it down. Listen failures are logged, not fatal: metrics export is a
// diagnostics surface, not a correctness requirement.
func serveMetrics(n *node.Node, port uint16) func() {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		n.Metrics().WritePrometheus(w)
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server: %v", err)
		}
	}()
	log.Infof("metrics exposed on :%d/metrics", port)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func modeFromString(s string) (wire.Mode, error) {
	switch strings.ToLower(s) {
	case "chain":
		return wire.ChainOnly, nil
	case "quorum":
		return wire.QuorumOnly, nil
	default:
		return wire.Hybrid, fmt.Errorf("config: unrecognised mode preference %q", s)
	}
}

func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func splitHostPort(addr string) (string, uint16, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("invalid address %q (expected host:port)", addr)
	}
	host := addr[:idx]
	var port uint16
	if _, err := fmt.Sscanf(addr[idx+1:], "%d", &port); err != nil {
		return "", 0, fmt.Errorf("invalid port in address %q: %w", addr, err)
	}
	return host, port, nil
}
