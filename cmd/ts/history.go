package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/tsd/internal/config"
	"github.com/aceteam-ai/tsd/internal/usage"
)

var historyLimit int

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recently finished jobs from the durable history store",
		RunE:  runHistory,
	}
	cmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum rows to print, newest first")
	return cmd
}

// runHistory reads the daemon's history database directly rather than
// going over the socket — it's a local file both processes share, and
// querying it needs no coordination with the running daemon.
func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := usage.OpenStore(config.HistoryDBPath(cfg))
	if err != nil {
		return fmt.Errorf("ts: opening history store: %w", err)
	}
	defer store.Close()

	records, err := store.QueryRecent(historyLimit)
	if err != nil {
		return fmt.Errorf("ts: querying history: %w", err)
	}
	for _, r := range records {
		fmt.Printf("%d\t%s\t%s\terrorlevel=%d\t%s\n", r.JobID, r.Status, r.CompletedAt.Format("2006-01-02 15:04:05"), r.Errorlevel, r.Command)
	}
	return nil
}
