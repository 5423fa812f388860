package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/sift/internal/config"
	"github.com/kalambet/sift/internal/manager"
)

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Run queue and lifecycle housekeeping",
	Long: `Run queue and lifecycle housekeeping: retry first-attempt job failures,
re-queue normalize jobs that raced ahead of analysis, and convert past-dated
timeline items into follow-up questions.

Runs one cycle and exits; --loop repeats on an interval until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		loop, _ := cmd.Flags().GetBool("loop")
		interval, _ := cmd.Flags().GetDuration("interval")
		return runManager(loop, interval)
	},
}

func init() {
	managerCmd.Flags().Bool("loop", false, "keep running cycles until interrupted")
	managerCmd.Flags().Duration("interval", 0, "cycle interval for --loop (default from config)")
	rootCmd.AddCommand(managerCmd)
}

func runManager(loop bool, interval time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if interval > 0 {
		cfg.Worker.ManagerInterval = interval
	}
	setupLogging(cfg)

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	engine := manager.NewEngine(store)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if loop {
		engine.Run(ctx, cfg.Worker.ManagerInterval)
		return nil
	}
	if err := engine.RunCycle(ctx); err != nil {
		return err
	}
	printSuccess("manager cycle complete")
	return nil
}
