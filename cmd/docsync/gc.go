package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/ui"
)

var gcCmd = &cobra.Command{
	Use:     "gc",
	GroupID: "cache",
	Short:   "Remove least recently used documents from the cache",
	Long: `Run one garbage collection pass over the cache.

Targets and documents not used recently are removed, oldest first, once the
cache is larger than cache.size_bytes. Documents with pending writes are
always kept. --force collects regardless of size.`,
	Run: func(cmd *cobra.Command, args []string) {
		if force, _ := cmd.Flags().GetBool("force"); force {
			settings.Cache.SizeBytes = 0
		}
		if settings.Cache.SizeBytes == local.LruCollectionDisabled {
			fmt.Printf("%s Garbage collection is disabled\n", ui.RenderWarn("⚠"))
			return
		}

		ctx := context.Background()
		ls, closeCache, err := openCache(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer closeCache()

		start := time.Now()
		res, err := ls.CollectGarbage(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		if !res.DidRun {
			fmt.Printf("%s Cache below %s; nothing collected\n", ui.RenderPass("✓"), ui.Bytes(settings.Cache.SizeBytes))
			return
		}
		fmt.Printf("%s Removed %d targets and %d documents in %v\n",
			ui.RenderPass("✓"), res.TargetsRemoved, res.DocumentsRemoved, time.Since(start).Round(time.Millisecond))
	},
}

func init() {
	gcCmd.Flags().Bool("force", false, "Collect even when the cache is below the size threshold")
	rootCmd.AddCommand(gcCmd)
}
