package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/sift/internal/config"
	"github.com/kalambet/sift/internal/storage"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued jobs of one type",
	Long: `Process queued jobs of one type.

By default a single bounded batch is leased and processed, then the command
exits; --loop keeps polling until interrupted. --item bypasses the queue and
runs the pipeline on one item directly.

Examples:
  sift worker --job-type analysis
  sift worker --job-type analysis --loop
  sift worker --job-type normalize --limit 20
  sift worker --job-type analysis --item 3f2a... --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobType, _ := cmd.Flags().GetString("job-type")
		loop, _ := cmd.Flags().GetBool("loop")
		limit, _ := cmd.Flags().GetInt("limit")
		leaseSeconds, _ := cmd.Flags().GetInt("lease-seconds")
		itemID, _ := cmd.Flags().GetString("item")
		force, _ := cmd.Flags().GetBool("force")
		poll, _ := cmd.Flags().GetDuration("poll")

		return runWorker(jobType, itemID, loop, force, limit, leaseSeconds, poll)
	},
}

func init() {
	workerCmd.Flags().String("job-type", "", "job type to process: analysis, normalize, follow_up or manager")
	workerCmd.Flags().Bool("loop", false, "keep polling for jobs until interrupted")
	workerCmd.Flags().Int("limit", 0, "batch size (default from config)")
	workerCmd.Flags().Int("lease-seconds", 0, "job lease duration (default from config)")
	workerCmd.Flags().String("item", "", "process this item directly, bypassing the queue")
	workerCmd.Flags().Bool("force", false, "with --item: re-run even if the item was already processed")
	workerCmd.Flags().Duration("poll", 0, "poll interval for --loop (default from config)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(jobType, itemID string, loop, force bool, limit, leaseSeconds int, poll time.Duration) error {
	validTypes := map[string]bool{
		storage.JobAnalysis:  true,
		storage.JobNormalize: true,
		storage.JobFollowUp:  true,
		storage.JobManager:   true,
	}
	if !validTypes[jobType] {
		return fmt.Errorf("unknown --job-type %q", jobType)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if leaseSeconds > 0 {
		cfg.Worker.LeaseSeconds = leaseSeconds
	}
	if poll > 0 {
		cfg.Worker.PollInterval = poll
	}
	if limit <= 0 {
		limit = cfg.Worker.BatchLimit
	}
	setupLogging(cfg)

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	client, err := newAnalyzerClient(cfg)
	if err != nil {
		return err
	}
	rt := newRuntime(cfg, store, client)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case itemID != "":
		if err := rt.RunItem(ctx, jobType, itemID, force); err != nil {
			return err
		}
		printSuccess("item %s processed", itemID)
		return nil
	case loop:
		rt.Run(ctx, jobType)
		return nil
	default:
		n, err := rt.RunBatch(ctx, jobType, limit)
		if err != nil {
			return err
		}
		printSuccess("%d job(s) processed", n)
		return nil
	}
}
