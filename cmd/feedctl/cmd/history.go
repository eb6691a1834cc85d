package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lzyats/chatfeed/pkg/feed"
	"github.com/lzyats/chatfeed/pkg/pagefetch"
)

func init() {
	historyCmd.Flags().Int("pages", 1, "number of pages to walk back")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print past messages of a scope, newest page first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireScope(); err != nil {
			return err
		}
		pages, _ := cmd.Flags().GetInt("pages")
		fetcher := pagefetch.NewHTTPFetcher(flags.apiURL, flags.token, flags.timeout)

		store := feed.NewStore(flags.scope)
		var cursor *string
		for i := 0; i < pages; i++ {
			page, err := fetcher.FetchPage(cmd.Context(), flags.scope, cursor)
			if err != nil {
				return fmt.Errorf("fetch page %d: %w", i+1, err)
			}
			store.ApplyPage(page)
			more, next := store.HasMoreOlder()
			if !more {
				break
			}
			cursor = next
		}

		v := store.Snapshot()
		printItems(cmd.OutOrStdout(), v.Items)
		if v.HasMoreOlder {
			fmt.Fprintln(cmd.OutOrStdout(), "-- more history available (--pages) --")
		}
		return nil
	},
}

