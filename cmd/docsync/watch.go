package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/core"
	"github.com/steveyegge/docsync/internal/ui"
	"github.com/steveyegge/docsync/pkg/docsync"
)

func renderChange(c core.DocumentViewChange) string {
	switch c.Type {
	case core.ChangeAdded:
		return ui.RenderPass("+ " + c.Doc.Key().String())
	case core.ChangeRemoved:
		return ui.RenderFail("- " + c.Doc.Key().String())
	case core.ChangeModified:
		return ui.RenderAccent("~ " + c.Doc.Key().String())
	}
	return ui.RenderMuted("  " + c.Doc.Key().String())
}

var watchCmd = &cobra.Command{
	Use:     "watch <document|collection>",
	GroupID: "client",
	Short:   "Print changes to a document or collection as they happen",
	Long: `Listen to a document or collection and print every change until
interrupted. Changes made locally are shown before the server confirms them
and marked as pending.

Example usage:
  docsync watch rooms
  docsync watch rooms --order-by n --limit 5`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		metadata, _ := cmd.Flags().GetBool("metadata")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		client, closeClient, err := newClient(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer closeClient()

		var q *docsync.Query
		if isDocumentPath(args[0]) {
			q = docsync.DocumentQuery(keyArg(args[0]))
		} else {
			q = buildQuery(cmd, args[0])
		}

		errs := make(chan error, 1)
		stop := client.Listen(q, docsync.ListenOptions{IncludeMetadataChanges: metadata}, func(s *docsync.Snapshot, err error) {
			if err != nil {
				errs <- err
				return
			}
			state := ui.RenderPass("synced")
			if s.FromCache {
				state = ui.RenderWarn("from cache")
			}
			if s.HasPendingWrites() {
				state += ", " + ui.RenderWarn("pending writes")
			}
			fmt.Printf("%s %d documents (%s)\n", ui.RenderAccent("●"), s.Docs.Len(), state)
			for _, c := range s.DocChanges {
				fmt.Printf("  %s\n", renderChange(c))
			}
		})
		defer stop()

		select {
		case <-ctx.Done():
		case err := <-errs:
			fatalf("listen failed: %v", err)
		}
	},
}

func init() {
	watchCmd.Flags().Bool("metadata", false, "Also print snapshots where only the sync state changed")
	addQueryFlags(watchCmd)
	rootCmd.AddCommand(watchCmd)
}
