// Package config defines the process-wide Config struct and the flag/env
// binding that populates it: a cobra+viper flag surface with an HKV_
// environment prefix, .env/.env.local loading, and a flat single-binary
// command rather than a subcommand tree.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config carries every flag the bootstrap consumes plus the dispatcher,
// quorum, and chain configuration surfaces those components expose as
// runtime-tunable values rather than compile-time constants.
type Config struct {
	NodeID      uint32
	Port        uint16
	MetricsPort uint16
	Peers       []uint32
	PeerAddrs   map[uint32]string // id -> "host:port", per --cluster-members
	Mode        string            // "chain" | "quorum" | "hybrid"

	LogLevel string
	LogFile  string

	Demo      bool
	Benchmark bool

	BenchmarkThreads   int
	BenchmarkKeys      int
	BenchmarkValueSize int
	BenchmarkCSV       string

	// Dispatcher configuration surface (spec §4.6).
	AdaptiveSwitching    bool
	IntelligentRouting   bool
	LoadBalancing        bool
	Caching              bool
	SpeculativeExecution bool
	RequestBatching      bool
	SwitchingThreshold   float64
	CacheTTLSeconds      int
	ReadPreference       string // "chain" | "quorum"
	WritePreference      string // "chain" | "quorum"

	// Quorum configuration surface (spec §4.4).
	OperationTimeoutMillis int
	EnableAdaptiveQuorum   bool

	// Chain configuration surface (spec §4.3).
	BatchSize          int
	BatchTimeoutMillis int
	EnableBatching     bool
}

// RegisterFlags attaches every flag named above to cmd as persistent flags
// with long, descriptive help text.
func RegisterFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()

	f.Uint32("node-id", 0, "unique node identifier (required, > 0)")
	f.Uint16("port", 8080, "TCP port this node listens on")
	f.Uint16("metrics-port", 0, "port to serve Prometheus-format /metrics on (disabled if 0)")
	f.String("peers", "", "comma-separated list of peer node ids")
	f.String("cluster-members", "", "comma-separated id=host:port list of dial addresses for peers (e.g. 2=localhost:8081,3=localhost:8082)")
	f.String("mode", "hybrid", "replication mode: chain, quorum, or hybrid")

	f.String("log-level", "info", "minimum log level: debug, info, warn, error")
	f.String("log-file", "", "path to write logs to (stdout if empty)")

	f.Bool("demo", false, "run a short in-process multi-node simulation and exit")
	f.Bool("benchmark", false, "run a fixed-shape load generator against this node and print a metrics snapshot")
	f.Int("benchmark-threads", 10, "number of parallel goroutines the benchmark load generator uses")
	f.Int("benchmark-keys", 100, "number of distinct keys the benchmark cycles through")
	f.Int("benchmark-value-size", 64, "size in bytes of the value the benchmark writes")
	f.String("benchmark-csv", "", "optional path to save benchmark results as CSV")

	f.Bool("adaptive-switching", true, "let the dispatcher switch replication modes based on measured workload")
	f.Bool("intelligent-routing", true, "bias read routing by partition risk and workload pattern")
	f.Bool("load-balancing", true, "reserved dispatcher configuration surface toggle")
	f.Bool("caching", true, "enable the read-through cache in front of both replication paths")
	f.Bool("speculative-execution", false, "after a cache-miss read is served, run a speculative read through the other replication path")
	f.Bool("request-batching", true, "dispatcher request-batching toggle; stored but not read by any request path (chain write batching is --enable-batching)")
	f.Float64("switching-threshold", 0.15, "minimum score gap before the dispatcher switches its recommended mode")
	f.Int("cache-ttl", 30, "cache entry freshness window, in seconds")
	f.String("read-preference", "chain", "fallback read mode when adaptive switching picks no override: chain or quorum")
	f.String("write-preference", "quorum", "fallback write mode when adaptive switching picks no override: chain or quorum")

	f.Int("operation-timeout", 5000, "consensus proposal timeout, in milliseconds")
	f.Bool("enable-adaptive-quorum", true, "let the quorum coordinator grow or shrink its majority size based on success rate")

	f.Int("batch-size", 10, "chain head write-batch size before a forced flush")
	f.Int("batch-timeout", 100, "chain head write-batch flush interval, in milliseconds")
	f.Bool("enable-batching", true, "enable chain write batching")
}

// Load reads .env/.env.local (if present), binds the process environment
// under the HKV_ prefix, binds cmd's flags, and materialises Config.
func Load(cmd *cobra.Command) (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("hkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	nodeID := viper.GetUint32("node-id")
	if nodeID == 0 {
		return nil, fmt.Errorf("config: node-id is required and must be > 0")
	}

	mode := strings.ToLower(viper.GetString("mode"))
	switch mode {
	case "chain", "quorum", "hybrid":
	default:
		return nil, fmt.Errorf("config: invalid mode %q (expected chain, quorum, or hybrid)", mode)
	}

	var peers []uint32
	if raw := viper.GetString("peers"); raw != "" {
		for _, tok := range strings.Split(raw, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			id, err := strconv.ParseUint(tok, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("config: invalid peer id %q: %w", tok, err)
			}
			peers = append(peers, uint32(id))
		}
	}

	peerAddrs := make(map[uint32]string)
	if raw := viper.GetString("cluster-members"); raw != "" {
		for _, tok := range strings.Split(raw, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			parts := strings.SplitN(tok, "=", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("config: invalid cluster member %q (expected id=host:port)", tok)
			}
			id, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("config: invalid cluster member id %q: %w", parts[0], err)
			}
			peerAddrs[uint32(id)] = strings.TrimSpace(parts[1])
		}
	}

	readPref := strings.ToLower(viper.GetString("read-preference"))
	writePref := strings.ToLower(viper.GetString("write-preference"))
	for _, p := range []string{readPref, writePref} {
		if p != "chain" && p != "quorum" {
			return nil, fmt.Errorf("config: preference %q must be chain or quorum", p)
		}
	}

	return &Config{
		NodeID:      nodeID,
		Port:        uint16(viper.GetUint32("port")),
		MetricsPort: uint16(viper.GetUint32("metrics-port")),
		Peers:       peers,
		PeerAddrs:   peerAddrs,
		Mode:        mode,
		LogLevel:  viper.GetString("log-level"),
		LogFile:   viper.GetString("log-file"),

		Demo:      viper.GetBool("demo"),
		Benchmark: viper.GetBool("benchmark"),

		BenchmarkThreads:   viper.GetInt("benchmark-threads"),
		BenchmarkKeys:      viper.GetInt("benchmark-keys"),
		BenchmarkValueSize: viper.GetInt("benchmark-value-size"),
		BenchmarkCSV:       viper.GetString("benchmark-csv"),

		AdaptiveSwitching:    viper.GetBool("adaptive-switching"),
		IntelligentRouting:   viper.GetBool("intelligent-routing"),
		LoadBalancing:        viper.GetBool("load-balancing"),
		Caching:              viper.GetBool("caching"),
		SpeculativeExecution: viper.GetBool("speculative-execution"),
		RequestBatching:      viper.GetBool("request-batching"),
		SwitchingThreshold:   viper.GetFloat64("switching-threshold"),
		CacheTTLSeconds:      viper.GetInt("cache-ttl"),
		ReadPreference:       readPref,
		WritePreference:      writePref,

		OperationTimeoutMillis: viper.GetInt("operation-timeout"),
		EnableAdaptiveQuorum:   viper.GetBool("enable-adaptive-quorum"),

		BatchSize:          viper.GetInt("batch-size"),
		BatchTimeoutMillis: viper.GetInt("batch-timeout"),
		EnableBatching:     viper.GetBool("enable-batching"),
	}, nil
}

// String renders Config as a sectioned, field-aligned report.
func (c *Config) String() string {
	var sb strings.Builder
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(strings.ToUpper(title))
		sb.WriteString("\n")
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-24s: %s\n", name, value))
	}

	addSection("Node Identity")
	addField("Node ID", strconv.FormatUint(uint64(c.NodeID), 10))
	addField("Port", strconv.FormatUint(uint64(c.Port), 10))
	addField("Mode", c.Mode)

	addSection("Peers")
	for _, p := range c.Peers {
		addField("peer", strconv.FormatUint(uint64(p), 10))
	}

	addSection("Dispatcher")
	addField("Adaptive Switching", strconv.FormatBool(c.AdaptiveSwitching))
	addField("Intelligent Routing", strconv.FormatBool(c.IntelligentRouting))
	addField("Caching", strconv.FormatBool(c.Caching))
	addField("Read Preference", c.ReadPreference)
	addField("Write Preference", c.WritePreference)

	return sb.String()
}
