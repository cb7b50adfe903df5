package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sfncore/convex-retention/internal/persistence"
	"github.com/sfncore/convex-retention/internal/retention"
	"github.com/sfncore/convex-retention/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current retention boundaries and checkpoint age",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	dbPath := viper.GetString("db")

	store, err := persistence.Open(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("opening store at %s: %w", dbPath, err)
	}
	defer store.Close()

	manager := retention.NewFollowerRetentionManager(store)
	validator := manager.Validator()

	minSnapshot, err := validator.MinSnapshotTS(ctx)
	if err != nil {
		return fmt.Errorf("reading index boundary: %w", err)
	}
	minDocSnapshot, err := validator.MinDocumentSnapshotTS(ctx)
	if err != nil {
		return fmt.Errorf("reading document boundary: %w", err)
	}
	checkpointTS, checkpointSet, err := store.GetGlobal(ctx, types.GlobalRetentionConfirmedDeletedTS)
	if err != nil {
		return fmt.Errorf("reading checkpoint: %w", err)
	}

	fmt.Printf("index boundary:     ts=%d (%s)\n", minSnapshot, minSnapshot.Time().Format(time.RFC3339))
	fmt.Printf("document boundary:  ts=%d (%s)\n", minDocSnapshot, minDocSnapshot.Time().Format(time.RFC3339))
	if checkpointSet {
		fmt.Printf("checkpoint:         ts=%d (%s), age %s\n", checkpointTS, checkpointTS.Time().Format(time.RFC3339), time.Since(checkpointTS.Time()))
	} else {
		fmt.Println("checkpoint:         not yet set")
	}
	return nil
}
