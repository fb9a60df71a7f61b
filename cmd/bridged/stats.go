package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	mobilebridge "github.com/marcelomoraestivit/poc-mobile"
)

func init() {
	rootCmd.AddCommand(statsCmd)
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache and queue statistics",
	Long:  "Open the configured store and print cache entry counts, sizes and pending action totals.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := mobilebridge.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		kv, err := cfg.OpenStore()
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer kv.Close()

		store := mobilebridge.NewOfflineStore(kv,
			mobilebridge.WithMaxCacheAge(cfg.MaxCacheAge()),
		)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cs := store.CacheStats(ctx)
		fmt.Println("Cache:")
		fmt.Printf("  Entries:    %d\n", cs.TotalItems)
		fmt.Printf("  Total size: %d bytes\n", cs.TotalSize)
		fmt.Printf("  Expired:    %d\n", cs.ExpiredItems)
		if cs.TotalItems > 0 {
			fmt.Printf("  Oldest:     %s\n", time.UnixMilli(cs.OldestItem).Format(time.RFC3339))
			fmt.Printf("  Newest:     %s\n", time.UnixMilli(cs.NewestItem).Format(time.RFC3339))
		}

		qs := store.QueueStats(ctx)
		fmt.Println()
		fmt.Println("Queue:")
		fmt.Printf("  Pending:    %d\n", qs.TotalActions)
		if qs.TotalActions > 0 {
			fmt.Printf("  Oldest:     %s\n", time.UnixMilli(qs.OldestAction).Format(time.RFC3339))
			fmt.Printf("  Retrying:   %d\n", qs.FailedActions)
			for actionType, n := range qs.ActionsByType {
				fmt.Printf("    %-12s %d\n", actionType, n)
			}
		}
		return nil
	},
}
