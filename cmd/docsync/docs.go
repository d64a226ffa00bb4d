package main

import (
	"context"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/model"
)

var docsCmd = &cobra.Command{
	Use:     "docs [collection]",
	GroupID: "cache",
	Short:   "Dump cached documents",
	Long: `Print the documents held in the cache with pending writes applied.

Example usage:
  docsync docs                    # every document, as YAML
  docsync docs rooms              # documents directly in the rooms collection
  docsync docs --format json`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		deleted, _ := cmd.Flags().GetBool("deleted")
		var collection string
		if len(args) == 1 {
			collection = strings.Trim(args[0], "/")
		}

		ctx := context.Background()
		ls, closeCache, err := openCache(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer closeCache()

		var entries []documentEntry
		err = ls.ForEachRemoteDocument(ctx, func(doc *model.Document) error {
			if collection != "" && doc.Key().Path().Parent().String() != collection {
				return nil
			}
			if !doc.IsFoundDocument() && !deleted {
				return nil
			}
			entries = append(entries, entryOf(doc))
			return nil
		})
		if err != nil {
			fatalf("%v", err)
		}
		if err := writeOutput(os.Stdout, format, entries); err != nil {
			fatalf("%v", err)
		}
	},
}

func init() {
	docsCmd.Flags().String("format", "yaml", "Output format (yaml, json)")
	docsCmd.Flags().Bool("deleted", false, "Include documents known not to exist")
	rootCmd.AddCommand(docsCmd)
}
