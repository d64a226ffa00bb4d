package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Manage the config file",
	Long: `Manage the docsync config file.

Settings are read from the TOML file given by --config. Every key can be
overridden with an environment variable, e.g. DOCSYNC_SERVER_URL for
server.url.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	// The file may not exist yet.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		if err := config.WriteDefault(configPath, force); err != nil {
			if errors.Is(err, config.ErrExists) {
				fmt.Fprintf(os.Stderr, "Error: %s already exists (use --force to overwrite)\n", configPath)
				os.Exit(1)
			}
			fatalf("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), configPath)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	Long:  `Print the settings in effect after applying the config file and environment.`,
	Run: func(cmd *cobra.Command, args []string) {
		out, err := config.Encode(settings)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Print(string(out))
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
