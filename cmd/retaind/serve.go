package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sfncore/convex-retention/internal/config"
	"github.com/sfncore/convex-retention/internal/persistence"
	"github.com/sfncore/convex-retention/internal/retention"
	"github.com/sfncore/convex-retention/internal/snapshot"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open (or create) the store and run the Advancer and Deleter until signaled",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	dbPath := viper.GetString("db")
	cfgPath := viper.GetString("config")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	store, err := persistence.Open(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("opening store at %s: %w", dbPath, err)
	}
	defer store.Close()

	logger := log.New(os.Stderr, "retaind: ", log.LstdFlags)
	metrics := retention.NewMetrics(nil)
	snapshots := snapshot.New(store.Reader())

	manager, err := retention.NewLeaderRetentionManager(ctx, store, snapshots, cfg, logger, metrics)
	if err != nil {
		return fmt.Errorf("starting retention manager: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Printf("retaind serving db=%s config=%s (PID %d)", dbPath, cfgPath, os.Getpid())
	sig := <-sigCh
	logger.Printf("received signal %v, shutting down", sig)

	manager.Shutdown()
	return nil
}
