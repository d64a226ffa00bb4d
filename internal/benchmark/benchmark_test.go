package benchmark

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestComputeStats(t *testing.T) {
	tests := []struct {
		name      string
		durations []time.Duration
		want      LatencyMetrics
	}{
		{
			name: "empty",
			want: LatencyMetrics{},
		},
		{
			name:      "single",
			durations: []time.Duration{5 * time.Millisecond},
			want: LatencyMetrics{
				Min: 5 * time.Millisecond, P50: 5 * time.Millisecond, Mean: 5 * time.Millisecond,
				P95: 5 * time.Millisecond, P99: 5 * time.Millisecond, Max: 5 * time.Millisecond,
				Samples: 1,
			},
		},
		{
			name:      "unsorted",
			durations: []time.Duration{4, 1, 3, 2},
			want:      LatencyMetrics{Min: 1, P50: 3, Mean: 2, P95: 4, P99: 4, Max: 4, Samples: 4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeStats(tt.durations)
			if got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestComputeStatsLeavesInputUnsorted(t *testing.T) {
	in := []time.Duration{3, 1, 2}
	ComputeStats(in)
	if in[0] != 3 || in[1] != 1 || in[2] != 2 {
		t.Errorf("expected input untouched, got %v", in)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Nanosecond, "500ns"},
		{1500 * time.Nanosecond, "1.50µs"},
		{2500 * time.Microsecond, "2.50ms"},
		{1500 * time.Millisecond, "1.50s"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v): expected %q, got %q", tt.d, tt.want, got)
		}
	}
}

func TestCompareMemoryStatsNeverUnderflows(t *testing.T) {
	got := CompareMemoryStats(ResourceMetrics{MemoryBeforeBytes: 100}, ResourceMetrics{MemoryAfterBytes: 40})
	if got.MemoryDeltaBytes != 0 {
		t.Errorf("expected zero delta when memory shrank, got %d", got.MemoryDeltaBytes)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumClients = 0
	if _, err := Run(context.Background(), cfg); err == nil {
		t.Errorf("expected error for zero clients")
	}
}

func TestRunSmall(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end benchmark in short mode")
	}
	cfg := DefaultConfig()
	cfg.NumClients = 3
	cfg.WritesPerClient = 4
	cfg.Timeout = 30 * time.Second

	result, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to run benchmark: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %d errors", result.ErrorCount)
	}
	if result.WriteLatency.Samples != 12 {
		t.Errorf("expected 12 acknowledged writes, got %d", result.WriteLatency.Samples)
	}
	if result.PropagationLatency.Samples != 12 {
		t.Errorf("expected 12 observed writes, got %d", result.PropagationLatency.Samples)
	}

	var buf bytes.Buffer
	PrintResult(&buf, result)
	if !strings.Contains(buf.String(), "Propagation to listener") {
		t.Errorf("expected propagation section in report:\n%s", buf.String())
	}
	buf.Reset()
	if err := PrintResultJSON(&buf, result); err != nil {
		t.Fatalf("failed to print json: %v", err)
	}
	if !strings.Contains(buf.String(), `"writeLatency"`) {
		t.Errorf("expected writeLatency in json:\n%s", buf.String())
	}
}

func TestRunWithPersistentCaches(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end benchmark in short mode")
	}
	cfg := DefaultConfig()
	cfg.NumClients = 2
	cfg.WritesPerClient = 2
	cfg.CacheDir = t.TempDir()
	cfg.Timeout = 30 * time.Second

	result, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to run benchmark: %v", err)
	}
	if !result.Success {
		t.Errorf("expected success, got %d errors", result.ErrorCount)
	}
}
