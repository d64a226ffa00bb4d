package benchmark

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/steveyegge/docsync/internal/ui"
)

func latencyRows(m LatencyMetrics) []ui.Row {
	return []ui.Row{
		{Label: "Min", Value: FormatDuration(m.Min)},
		{Label: "P50", Value: FormatDuration(m.P50)},
		{Label: "Mean", Value: FormatDuration(m.Mean)},
		{Label: "P95", Value: FormatDuration(m.P95)},
		{Label: "P99", Value: FormatDuration(m.P99)},
		{Label: "Max", Value: FormatDuration(m.Max)},
		{Label: "Samples", Value: m.Samples},
	}
}

// PrintResult writes a formatted benchmark result to w.
func PrintResult(w io.Writer, result *Result) {
	server := result.Config.ServerURL
	if server == "" {
		server = "in-process"
	}
	cache := "memory"
	if result.Config.CacheDir != "" {
		cache = result.Config.CacheDir
	}

	fmt.Fprintf(w, "\n%s Sync Benchmark\n\n", ui.RenderAccent("📊"))
	fmt.Fprintln(w, "Configuration:")
	fmt.Fprint(w, ui.Table([]ui.Row{
		{Label: "Clients", Value: result.Config.NumClients},
		{Label: "Writes per client", Value: result.Config.WritesPerClient},
		{Label: "Server", Value: server},
		{Label: "Cache", Value: cache},
	}))

	fmt.Fprintln(w, "\nWrite acknowledgement:")
	fmt.Fprint(w, ui.Table(latencyRows(result.WriteLatency)))

	fmt.Fprintln(w, "\nPropagation to listener:")
	fmt.Fprint(w, ui.Table(latencyRows(result.PropagationLatency)))

	fmt.Fprintln(w, "\nThroughput:")
	fmt.Fprint(w, ui.Table([]ui.Row{
		{Label: "Writes/sec", Value: fmt.Sprintf("%.2f", result.Throughput.WritesPerSecond)},
		{Label: "Total writes", Value: result.Throughput.TotalWrites},
	}))

	fmt.Fprintln(w, "\nResources:")
	fmt.Fprint(w, ui.Table([]ui.Row{
		{Label: "Memory before", Value: ui.Bytes(int64(result.Resources.MemoryBeforeBytes))},
		{Label: "Memory after", Value: ui.Bytes(int64(result.Resources.MemoryAfterBytes))},
		{Label: "Memory peak", Value: ui.Bytes(int64(result.Resources.MemoryPeakBytes))},
		{Label: "Memory delta", Value: ui.Bytes(int64(result.Resources.MemoryDeltaBytes))},
	}))

	fmt.Fprintln(w, "\nOverall:")
	fmt.Fprint(w, ui.Table([]ui.Row{
		{Label: "Setup", Value: FormatDuration(result.SetupDuration)},
		{Label: "Duration", Value: FormatDuration(result.TotalDuration)},
		{Label: "Errors", Value: fmt.Sprintf("%d (%.2f%%)", result.ErrorCount, result.ErrorRate*100)},
	}))
	if result.Success {
		fmt.Fprintf(w, "\n%s All writes acknowledged and observed\n", ui.RenderPass("✓"))
	} else {
		fmt.Fprintf(w, "\n%s %d writes failed or were never observed\n", ui.RenderFail("✗"), result.ErrorCount)
	}
}

// PrintResultJSON writes result as indented JSON.
func PrintResultJSON(w io.Writer, result *Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
