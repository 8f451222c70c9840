package main

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/replkv/hkv/internal/config"
	"github.com/replkv/hkv/internal/node"
)

// runBenchmark drives a fixed-shape set of testing.Benchmark runs against n
// in-process (write, read, mixed), prints a one-line summary per test, and
// optionally exports the results as CSV.
func runBenchmark(n *node.Node, cfg *config.Config) error {
	fmt.Println("hkv benchmark")
	fmt.Println()
	fmt.Printf("node:    %d\n", n.SelfID())
	fmt.Printf("threads: %d\n", cfg.BenchmarkThreads)
	fmt.Printf("keys:    %d\n", cfg.BenchmarkKeys)
	fmt.Println()

	value := strings.Repeat("x", max(cfg.BenchmarkValueSize, 1))
	getKey, iterKeys := benchmarkKeys(cfg.BenchmarkKeys)

	results := make(map[string]testing.BenchmarkResult)

	writeResult := testing.Benchmark(func(b *testing.B) {
		b.SetParallelism(cfg.BenchmarkThreads)
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				n.Write(getKey(counter), value)
				counter++
			}
		})
	})
	results["write"] = writeResult
	printBenchResult("write", writeResult)

	iterKeys(func(k string) { n.Write(k, value) })

	readResult := testing.Benchmark(func(b *testing.B) {
		b.SetParallelism(cfg.BenchmarkThreads)
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				n.Read(getKey(counter))
				counter++
			}
		})
	})
	results["read"] = readResult
	printBenchResult("read", readResult)

	mixedResult := testing.Benchmark(func(b *testing.B) {
		b.SetParallelism(cfg.BenchmarkThreads)
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				if counter%3 == 0 {
					n.Write(getKey(counter), value)
				} else {
					n.Read(getKey(counter))
				}
				counter++
			}
		})
	})
	results["mixed"] = mixedResult
	printBenchResult("mixed", mixedResult)

	iterKeys(func(k string) { n.Delete(k) })

	fmt.Println()
	stats := n.Metrics().CurrentStats()
	fmt.Println("metrics snapshot:")
	fmt.Printf("  total ops:         %d\n", n.Metrics().TotalOperations())
	fmt.Printf("  success rate:      %.2f\n", stats.SuccessRate)
	fmt.Printf("  throughput (op/s): %.1f\n", stats.ThroughputOpsPerSec)
	fmt.Printf("  p95 latency (ms):  %.3f\n", stats.P95LatencyMs)
	fmt.Printf("  p99 latency (ms):  %.3f\n", stats.P99LatencyMs)
	fmt.Printf("  recommendations:   %s\n", strings.Join(n.PerformanceRecommendations(), ", "))

	if cfg.BenchmarkCSV != "" {
		fmt.Printf("\nexporting results to %s\n", cfg.BenchmarkCSV)
		if err := writeBenchCSV(cfg.BenchmarkCSV, results, cfg); err != nil {
			return fmt.Errorf("exporting benchmark results: %w", err)
		}
	}

	return nil
}

func benchmarkKeys(count int) (func(int) string, func(func(string))) {
	if count < 1 {
		count = 1
	}
	keys := make([]string, count)
	for i := range keys {
		keys[i] = fmt.Sprintf("bench-%d", i)
	}
	getKey := func(i int) string { return keys[i%count] }
	iterate := func(fn func(string)) {
		for _, k := range keys {
			fn(k)
		}
	}
	return getKey, iterate
}

func printBenchResult(name string, result testing.BenchmarkResult) {
	nsPerOp := math.Max(float64(result.NsPerOp()), 1)
	opsPerSec := 1.0 / (nsPerOp / 1e9)
	fmt.Printf("%-8s%12.0f ns/op (%s/op)\t%10.0f ops/sec\n", name, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

func writeBenchCSV(path string, results map[string]testing.BenchmarkResult, cfg *config.Config) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	defer w.Flush()

	header := []string{"test", "ns_per_op", "duration_per_op", "ops_per_sec", "threads", "keys", "value_size_bytes"}
	if err := w.Write(header); err != nil {
		return err
	}

	for test, result := range results {
		nsPerOp := math.Max(float64(result.NsPerOp()), 1)
		opsPerSec := 1.0 / (nsPerOp / 1e9)
		row := []string{
			test,
			strconv.FormatFloat(nsPerOp, 'f', 0, 64),
			time.Duration(nsPerOp).String(),
			strconv.FormatFloat(opsPerSec, 'f', 0, 64),
			strconv.Itoa(cfg.BenchmarkThreads),
			strconv.Itoa(cfg.BenchmarkKeys),
			strconv.Itoa(cfg.BenchmarkValueSize),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}
