package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "cache",
	Short:   "Show cache statistics",
	Long: `Show what the local cache holds: documents, pending write batches,
overlays, targets and the last snapshot version received from the server.

Example usage:
  docsync status
  docsync status --user alice     # pending writes of another user`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		ls, closeCache, err := openCache(ctx)
		if errors.Is(err, errNoCache) {
			fmt.Printf("\n%s Cache is kept in memory; nothing to inspect\n", ui.RenderWarn("⚠"))
			return
		}
		if err != nil {
			fatalf("%v", err)
		}
		defer closeCache()

		st, err := ls.Stats(ctx)
		if err != nil {
			fatalf("%v", err)
		}

		user := st.UserID
		if user == "" {
			user = ui.RenderMuted("(anonymous)")
		}
		gc := "enabled"
		if settings.Cache.SizeBytes == local.LruCollectionDisabled {
			gc = ui.RenderWarn("disabled")
		}

		fmt.Printf("\n%s Cache Status\n\n", ui.RenderAccent("📊"))
		fmt.Print(ui.Table([]ui.Row{
			{Label: "Path", Value: settings.Cache.Path},
			{Label: "Size", Value: ui.Bytes(st.SizeBytes)},
			{Label: "User", Value: user},
			{Label: "Documents", Value: st.RemoteDocuments},
			{Label: "Overlays", Value: st.Overlays},
			{Label: "Targets", Value: st.Targets},
			{Label: "Field indexes", Value: st.FieldIndexes},
			{Label: "Snapshot version", Value: formatVersion(st.LastRemoteSnapshotVersion)},
			{Label: "Sequence number", Value: st.HighestListenSequenceNumber},
			{Label: "Garbage collection", Value: gc},
		}))

		if st.PendingBatches > 0 {
			fmt.Printf("\n%s %d write batches waiting for the server\n", ui.RenderWarn("⚠"), st.PendingBatches)
		} else {
			fmt.Printf("\n%s No pending writes\n", ui.RenderPass("✓"))
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
