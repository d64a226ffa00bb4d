package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/benchmark"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "advanced",
	Short:   "Measure write and propagation latency with concurrent clients",
	Long: `Run a sync benchmark. Each client writes documents one at a time while an
observer client listens to the collection, measuring:

  - write acknowledgement latency (write until the server accepts it)
  - propagation latency (write until the observer sees it)
  - write throughput and memory use

By default an in-process development server is started; --server points
the benchmark at a running one instead.

Examples:
  # 20 clients writing 25 documents each
  docsync bench

  # Against a running server, with SQLite caches
  docsync bench --server ws://localhost:8080 --cache-dir /tmp/bench

  # Output results as JSON
  docsync bench --json
`,
	Run: runBench,
}

func init() {
	defaults := benchmark.DefaultConfig()
	benchCmd.Flags().Int("clients", defaults.NumClients, "Number of concurrent writing clients")
	benchCmd.Flags().Int("writes", defaults.WritesPerClient, "Number of writes per client")
	benchCmd.Flags().String("collection", defaults.Collection, "Collection receiving the documents")
	benchCmd.Flags().String("server", "", "Server URL (default: start an in-process server)")
	benchCmd.Flags().String("cache-dir", "", "Directory for per-client SQLite caches (default: memory)")
	benchCmd.Flags().Duration("timeout", defaults.Timeout, "Give up after this long")
	benchCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) {
	clients, _ := cmd.Flags().GetInt("clients")
	writes, _ := cmd.Flags().GetInt("writes")
	collection, _ := cmd.Flags().GetString("collection")
	server, _ := cmd.Flags().GetString("server")
	cacheDir, _ := cmd.Flags().GetString("cache-dir")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if clients <= 0 {
		fatalf("--clients must be positive")
	}
	if writes <= 0 {
		fatalf("--writes must be positive")
	}
	if cacheDir != "" {
		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			fatalf("failed to create cache directory: %v", err)
		}
	}

	config := benchmark.Config{
		NumClients:      clients,
		WritesPerClient: writes,
		Collection:      collection,
		ServerURL:       server,
		CacheDir:        cacheDir,
		Timeout:         timeout,
	}
	if !jsonOutput {
		fmt.Printf("Running sync benchmark: %d clients, %d writes each...\n", clients, writes)
	}

	start := time.Now()
	result, err := benchmark.Run(context.Background(), config)
	if err != nil {
		fatalf("%v", err)
	}

	if jsonOutput {
		if err := benchmark.PrintResultJSON(os.Stdout, result); err != nil {
			fatalf("%v", err)
		}
	} else {
		benchmark.PrintResult(os.Stdout, result)
		fmt.Printf("Completed in %v\n", time.Since(start).Round(time.Millisecond))
	}

	// Exit with code 1 on failed writes (for CI/CD validation)
	if !result.Success {
		os.Exit(1)
	}
}
