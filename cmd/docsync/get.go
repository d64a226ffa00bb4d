package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/pkg/docsync"
)

// isDocumentPath reports whether path names a document rather than a
// collection.
func isDocumentPath(path string) bool {
	return model.ParseResourcePath(strings.Trim(path, "/")).Len()%2 == 0
}

// buildQuery returns the collection query described by the get and watch
// flags.
func buildQuery(cmd *cobra.Command, path string) *docsync.Query {
	q := docsync.CollectionQuery(strings.Trim(path, "/"))
	if field, _ := cmd.Flags().GetString("order-by"); field != "" {
		desc, _ := cmd.Flags().GetBool("desc")
		q = q.OrderedBy(field, desc)
	}
	if n, _ := cmd.Flags().GetInt("limit"); n > 0 {
		q = q.LimitedToFirst(n)
	}
	return q
}

func addQueryFlags(cmd *cobra.Command) {
	cmd.Flags().String("order-by", "", "Field to order collection results by")
	cmd.Flags().Bool("desc", false, "Order descending")
	cmd.Flags().Int("limit", 0, "Return at most this many documents")
}

var getCmd = &cobra.Command{
	Use:     "get <document|collection>",
	GroupID: "client",
	Short:   "Read a document or a collection",
	Long: `Read a document, or the documents of a collection, and print them.

--source picks where the data comes from: "server" fails when the server is
unreachable, "cache" reads only what is cached locally, and "default" tries
the server and falls back to the cache.

Example usage:
  docsync get rooms/a
  docsync get rooms --order-by n --limit 10
  docsync get rooms --source cache`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		srcFlag, _ := cmd.Flags().GetString("source")
		format, _ := cmd.Flags().GetString("format")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		source, ok := parseSource(srcFlag)
		if !ok {
			fatalf("unknown source %q (use default, cache or server)", srcFlag)
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		client, closeClient, err := newClient(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer closeClient()

		if isDocumentPath(args[0]) {
			key, err := docsync.Key(strings.Trim(args[0], "/"))
			if err != nil {
				fatalf("%v", err)
			}
			doc, err := client.GetDocument(ctx, key, source)
			if err != nil {
				fatalf("%v", err)
			}
			if err := writeOutput(os.Stdout, format, entryOf(doc)); err != nil {
				fatalf("%v", err)
			}
			return
		}

		snap, err := client.GetQuery(ctx, buildQuery(cmd, args[0]), source)
		if err != nil {
			fatalf("%v", err)
		}
		entries := make([]documentEntry, 0, snap.Docs.Len())
		snap.Docs.Ascend(func(d *model.Document) bool {
			entries = append(entries, entryOf(d))
			return true
		})
		if err := writeOutput(os.Stdout, format, entries); err != nil {
			fatalf("%v", err)
		}
	},
}

func init() {
	getCmd.Flags().String("source", "default", "Where to read from (default, cache, server)")
	getCmd.Flags().String("format", "yaml", "Output format (yaml, json)")
	getCmd.Flags().Duration("timeout", 30*time.Second, "Give up after this long")
	addQueryFlags(getCmd)
	rootCmd.AddCommand(getCmd)
}
