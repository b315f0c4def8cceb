package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/agentic-research/traceview/internal/store"
)

func init() {
	rootCmd.AddCommand(statsCmd)
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print row counts and ingest error counts",
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

		counts, err := st.RowCounts()
		if err != nil {
			return err
		}
		tables := make([]string, 0, len(counts))
		for t := range counts {
			tables = append(tables, t)
		}
		sort.Strings(tables)
		for _, t := range tables {
			fmt.Printf("%-16s %d\n", t, counts[t])
		}

		errCounts, err := st.ErrorCountsByType()
		if err != nil {
			return err
		}
		if len(errCounts) > 0 {
			fmt.Println("\ningest errors:")
			types := make([]string, 0, len(errCounts))
			for t := range errCounts {
				types = append(types, t)
			}
			sort.Strings(types)
			for _, t := range types {
				fmt.Printf("%-16s %d\n", t, errCounts[t])
			}
		}
		return nil
	},
}
