package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/config"
)

var (
	configPath string
	userID     string
	settings   *config.Settings
)

var rootCmd = &cobra.Command{
	Use:   "docsync",
	Short: "Offline-first document sync client and development server",
	Long: `docsync keeps a local cache of documents in sync with a server.

Writes are applied to the cache immediately and sent to the server when it
is reachable; listeners see the combined state. The inspection commands
read the cache file directly and need no server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.Load(configPath)
		if err != nil {
			return err
		}
		settings = s
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "client", Title: "Client Commands:"},
		&cobra.Group{ID: "cache", Title: "Cache Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to the config file")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "User whose pending writes to read (inspection commands)")
}

// newLogger returns a logger for the configured destination. The closer
// must be called before exit.
func newLogger(prefix string) (*log.Logger, func()) {
	logger, closer := config.NewLogger(settings.Log, prefix)
	return logger, func() { _ = closer.Close() }
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
