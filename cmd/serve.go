package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentic-research/traceview/internal/indexer"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Watch the storage root and index continuously",
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
		indexer.SetDefault(idx)
		defer indexer.ClearDefault()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := idx.Start(ctx); err != nil {
			return fmt.Errorf("start indexer: %w", err)
		}
		fmt.Printf("watching %s, indexing into %s\n", cfg.StorageRoot, cfg.DBPath)

		<-ctx.Done()
		fmt.Println("shutting down")
		idx.Stop()
		return nil
	},
}
