package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentic-research/traceview/internal/ingest"
	"github.com/agentic-research/traceview/internal/store"
)

func init() {
	rootCmd.AddCommand(bulkloadCmd)
}

var bulkloadCmd = &cobra.Command{
	Use:   "bulkload",
	Short: "Force a one-shot bulk load regardless of store warmth",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		loader := ingest.NewBulkLoader(st, cfg.StorageRoot, cfg.Bulk.ColdSessionThreshold)
		if err := loader.Load(context.Background()); err != nil {
			return fmt.Errorf("bulk load: %w", err)
		}
		counts, err := st.RowCounts()
		if err != nil {
			return err
		}
		fmt.Printf("loaded %d sessions, %d messages, %d parts\n",
			counts["sessions"], counts["messages"], counts["parts"])
		return nil
	},
}
