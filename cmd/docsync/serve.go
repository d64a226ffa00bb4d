package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/devserver"
	"github.com/steveyegge/docsync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "advanced",
	Short:   "Run an in-memory development server",
	Long: `Run a development server that docsync clients can sync against.

Documents live in memory and are lost when the server stops. When
serve.secret is set, clients must present an HS256 token signed with it;
otherwise every client is anonymous.

Edits to the config file's bloom filter settings apply without a restart.

Example usage:
  docsync serve                   # listen on serve.host:serve.port
  docsync serve --port 9000`,
	Run: func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("port") {
			settings.Serve.Port, _ = cmd.Flags().GetInt("port")
		}
		logger, closeLog := newLogger("[devserver] ")
		defer closeLog()

		cfg := devserver.DefaultConfig()
		cfg.Host = settings.Serve.Host
		cfg.Port = settings.Serve.Port
		cfg.BloomFilters = settings.Serve.BloomFilters
		cfg.FalsePositiveRate = settings.Serve.FalsePositiveRate
		if settings.Serve.Secret != "" {
			cfg.Secret = []byte(settings.Serve.Secret)
		}
		cfg.Logger = logger

		server := devserver.NewServer(cfg)
		if err := server.Start(); err != nil {
			fatalf("failed to start server: %v", err)
		}

		watchCfg := config.DefaultWatcherConfig()
		watchCfg.Logger = logger
		watcher, err := config.NewWatcherWithConfig(configPath, func(s *config.Settings) {
			server.SetBloomFilters(s.Serve.BloomFilters, s.Serve.FalsePositiveRate)
			logger.Printf("config reloaded: bloom filters %v (false positive rate %g)",
				s.Serve.BloomFilters, s.Serve.FalsePositiveRate)
		}, watchCfg)
		if err == nil {
			err = watcher.Start()
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s Config reload unavailable: %v\n", ui.RenderWarn("⚠"), err)
		} else {
			defer func() { _ = watcher.Stop() }()
		}

		fmt.Printf("%s Server listening on %s\n", ui.RenderPass("✓"), server.URL())
		fmt.Printf("Health check: http://%s/health\n", server.GetAddr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down server...")
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			return
		}
		fmt.Println("Server stopped")
	},
}

func init() {
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	rootCmd.AddCommand(serveCmd)
}
