package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/ui"
	"github.com/steveyegge/docsync/pkg/docsync"
)

// commit writes m and waits for the server to accept it. When the server
// does not answer in time the write stays queued in the cache.
func commit(cmd *cobra.Command, m *docsync.Mutation) {
	wait, _ := cmd.Flags().GetDuration("wait")

	ctx := context.Background()
	client, closeClient, err := newClient(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	defer closeClient()

	batchID, done, err := client.Write(ctx, []*docsync.Mutation{m})
	if err != nil {
		fatalf("%v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			fatalf("write rejected: %v", err)
		}
		fmt.Printf("%s %s committed\n", ui.RenderPass("✓"), m)
	case <-time.After(wait):
		if settings.Cache.Path == "" {
			fatalf("server did not answer within %v and the cache is in memory; write lost", wait)
		}
		fmt.Printf("%s Server did not answer; batch %d will be sent on the next connection\n",
			ui.RenderWarn("⚠"), batchID)
	}
}

func keyArg(arg string) docsync.DocumentKey {
	key, err := docsync.Key(strings.Trim(arg, "/"))
	if err != nil {
		fatalf("%v", err)
	}
	return key
}

var setCmd = &cobra.Command{
	Use:     "set <document> <json>",
	GroupID: "client",
	Short:   "Write a document",
	Long: `Write a document. The JSON object replaces the document unless --merge
is given, in which case only the fields present in the JSON change.

Example usage:
  docsync set rooms/a '{"name": "lobby", "n": 1}'
  docsync set rooms/a '{"n": 2}' --merge`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		key := keyArg(args[0])
		data, err := parseObject(args[1])
		if err != nil {
			fatalf("%v", err)
		}
		if merge, _ := cmd.Flags().GetBool("merge"); merge {
			commit(cmd, mutation.NewPatch(key, data, data.FieldMask()))
			return
		}
		commit(cmd, mutation.NewSet(key, data))
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <document>",
	GroupID: "client",
	Short:   "Delete a document",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		commit(cmd, mutation.NewDelete(keyArg(args[0])))
	},
}

func init() {
	setCmd.Flags().Bool("merge", false, "Update only the given fields")
	for _, c := range []*cobra.Command{setCmd, deleteCmd} {
		c.Flags().Duration("wait", 10*time.Second, "How long to wait for the server")
		rootCmd.AddCommand(c)
	}
}
