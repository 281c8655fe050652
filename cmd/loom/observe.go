package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/graph"
	"github.com/loomworks/loom/internal/history"
	"github.com/loomworks/loom/internal/tui"
)

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Live view of a running session",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store, err := openStore()
			if err != nil {
				exitOnError(err)
			}
			defer store.Close()

			if err := tui.Watch(store, args[0]); err != nil {
				exitOnError(err)
			}
		},
	}
}

// openMirror connects to the graph mirror for read-only queries.
// Reads are memoized so repeated invocations within the TTL stay cheap.
func openMirror() *history.Mirror {
	db := graph.ConnectWithRetry(3)
	if db == nil {
		exitOnError(fmt.Errorf("history mirror unavailable (is the graph database running?)"))
	}
	cached := graph.NewCachedDriver(db, graph.NewQueryCache(100, 30*time.Second))
	return history.New(cached)
}

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished sessions from the mirror",
		Run: func(cmd *cobra.Command, args []string) {
			mirror := openMirror()
			sessions, err := mirror.List(cmd.Context(), limit)
			if err != nil {
				exitOnError(err)
			}
			fmt.Print(newRenderer().Sessions(sessions))
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum sessions to list")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Aggregate statistics over mirrored sessions",
		Run: func(cmd *cobra.Command, args []string) {
			mirror := openMirror()
			stats, err := mirror.GetStats(cmd.Context())
			if err != nil {
				exitOnError(err)
			}
			fmt.Print(newRenderer().Stats(stats))
		},
	}
}
