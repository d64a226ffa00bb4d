package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/ui"
)

// batchEntry is how the mutations command prints a write batch.
type batchEntry struct {
	BatchID   int      `yaml:"batch_id" json:"batchId"`
	WriteTime string   `yaml:"local_write_time" json:"localWriteTime"`
	Mutations []string `yaml:"mutations" json:"mutations"`
}

var mutationsCmd = &cobra.Command{
	Use:     "mutations",
	GroupID: "cache",
	Short:   "List write batches waiting for the server",
	Long: `List the write batches of a user that the server has not yet
acknowledged, oldest first. They are sent in this order when the client next
connects.

Example usage:
  docsync mutations --user alice`,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")

		ctx := context.Background()
		ls, closeCache, err := openCache(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer closeCache()

		batches, err := ls.AllMutationBatches(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		if len(batches) == 0 {
			fmt.Printf("%s No pending writes\n", ui.RenderPass("✓"))
			return
		}
		entries := make([]batchEntry, 0, len(batches))
		for _, b := range batches {
			e := batchEntry{
				BatchID:   b.BatchID,
				WriteTime: b.LocalWriteTime.Time().Format("2006-01-02T15:04:05.000Z07:00"),
			}
			for _, m := range b.Mutations {
				e.Mutations = append(e.Mutations, m.String())
			}
			entries = append(entries, e)
		}
		if err := writeOutput(os.Stdout, format, entries); err != nil {
			fatalf("%v", err)
		}
	},
}

func init() {
	mutationsCmd.Flags().String("format", "yaml", "Output format (yaml, json)")
	rootCmd.AddCommand(mutationsCmd)
}
