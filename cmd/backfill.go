package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentic-research/traceview/internal/indexer"
)

func init() {
	rootCmd.AddCommand(backfillCmd)
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Run one synchronous backfill scan and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		idx, err := indexer.New(cfg)
		if err != nil {
			return err
		}
		defer idx.Close()

		snap, err := idx.ForceBackfill(context.Background())
		if err != nil {
			return fmt.Errorf("backfill: %w", err)
		}
		fmt.Printf("processed %d files (%d errors): %d sessions, %d messages, %d parts\n",
			snap.FilesProcessed, snap.FilesError,
			snap.SessionsIndexed, snap.MessagesIndexed, snap.PartsIndexed)
		return nil
	},
}
