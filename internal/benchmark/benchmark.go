// Package benchmark measures end-to-end sync performance: how long a write
// takes to be acknowledged and how long it takes to reach another client's
// listener, with many clients writing at once.
package benchmark

import (
	"fmt"
	"runtime"
	"slices"
	"time"
)

// Config defines the parameters for a benchmark run.
type Config struct {
	// NumClients is the number of concurrent writing clients
	NumClients int

	// WritesPerClient is how many single-document writes each client makes
	WritesPerClient int

	// Collection receives the benchmark documents
	Collection string

	// ServerURL is the server to run against. Empty starts an in-process
	// development server.
	ServerURL string

	// CacheDir holds one SQLite cache per client. Empty keeps caches in
	// memory.
	CacheDir string

	// Timeout bounds the whole run
	Timeout time.Duration
}

// DefaultConfig returns a benchmark configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		NumClients:      20,
		WritesPerClient: 25,
		Collection:      "bench",
		Timeout:         2 * time.Minute,
	}
}

// Result captures all metrics from a benchmark run.
type Result struct {
	Config Config `json:"config"`

	// WriteLatency is from Write until the server acknowledged the batch
	WriteLatency LatencyMetrics `json:"writeLatency"`

	// PropagationLatency is from Write until the observer's listener saw
	// the document confirmed by the server
	PropagationLatency LatencyMetrics `json:"propagationLatency"`

	Throughput ThroughputMetrics `json:"throughput"`
	Resources  ResourceMetrics   `json:"resources"`

	SetupDuration time.Duration `json:"setupDuration"`
	TotalDuration time.Duration `json:"totalDuration"`
	ErrorCount    int           `json:"errorCount"`
	ErrorRate     float64       `json:"errorRate"`
	Success       bool          `json:"success"`
}

// LatencyMetrics captures latency statistics.
type LatencyMetrics struct {
	Min  time.Duration `json:"min"`
	P50  time.Duration `json:"p50"` // Median
	Mean time.Duration `json:"mean"`
	P95  time.Duration `json:"p95"`
	P99  time.Duration `json:"p99"`
	Max  time.Duration `json:"max"`

	Samples int `json:"samples"`
}

// ThroughputMetrics captures writes-per-second metrics.
type ThroughputMetrics struct {
	WritesPerSecond float64 `json:"writesPerSecond"`
	TotalWrites     int     `json:"totalWrites"`
}

// ResourceMetrics captures memory usage.
type ResourceMetrics struct {
	MemoryBeforeBytes uint64 `json:"memoryBeforeBytes"`
	MemoryAfterBytes  uint64 `json:"memoryAfterBytes"`
	MemoryPeakBytes   uint64 `json:"memoryPeakBytes"`
	MemoryDeltaBytes  uint64 `json:"memoryDeltaBytes"`
}

// ComputeStats calculates statistics from raw durations.
func ComputeStats(durations []time.Duration) LatencyMetrics {
	if len(durations) == 0 {
		return LatencyMetrics{}
	}

	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyMetrics{
		Min:     sorted[0],
		P50:     sorted[len(sorted)*50/100],
		Mean:    sum / time.Duration(len(sorted)),
		P95:     sorted[len(sorted)*95/100],
		P99:     sorted[len(sorted)*99/100],
		Max:     sorted[len(sorted)-1],
		Samples: len(sorted),
	}
}

// GetMemoryStats returns current memory usage statistics.
func GetMemoryStats() ResourceMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return ResourceMetrics{
		MemoryBeforeBytes: m.Alloc,
		MemoryAfterBytes:  m.Alloc,
		MemoryPeakBytes:   m.Sys,
	}
}

// CompareMemoryStats computes the delta between before and after memory stats.
func CompareMemoryStats(before, after ResourceMetrics) ResourceMetrics {
	var delta uint64
	if after.MemoryAfterBytes > before.MemoryBeforeBytes {
		delta = after.MemoryAfterBytes - before.MemoryBeforeBytes
	}
	return ResourceMetrics{
		MemoryBeforeBytes: before.MemoryBeforeBytes,
		MemoryAfterBytes:  after.MemoryAfterBytes,
		MemoryPeakBytes:   after.MemoryPeakBytes,
		MemoryDeltaBytes:  delta,
	}
}

// FormatDuration formats a duration into a human-readable string.
func FormatDuration(d time.Duration) string {
	if d < time.Microsecond {
		return fmt.Sprintf("%dns", d.Nanoseconds())
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%.2fµs", float64(d.Nanoseconds())/1000.0)
	}
	if d < time.Second {
		return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000.0)
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}
