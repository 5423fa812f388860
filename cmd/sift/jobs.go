package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kalambet/sift/internal/config"
	"github.com/kalambet/sift/internal/storage"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage the job queue",
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by type and status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store storage.Store) error {
			counts, err := store.JobCounts()
			if err != nil {
				return err
			}
			if len(counts) == 0 {
				printStatus("queue", "empty")
				return nil
			}

			types := make([]string, 0, len(counts))
			for t := range counts {
				types = append(types, t)
			}
			sort.Strings(types)
			for _, t := range types {
				statuses := counts[t]
				keys := make([]string, 0, len(statuses))
				for s := range statuses {
					keys = append(keys, s)
				}
				sort.Strings(keys)
				line := ""
				for i, s := range keys {
					if i > 0 {
						line += ", "
					}
					line += fmt.Sprintf("%s=%d", s, statuses[s])
				}
				printStatus(t, "%s", line)
			}
			return nil
		})
	},
}

var jobsFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List failed jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobType, _ := cmd.Flags().GetString("job-type")
		return withStore(func(store storage.Store) error {
			jobs, err := store.FailedJobs(jobType, 0)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				printStatus("failed", "none")
				return nil
			}
			for _, j := range jobs {
				printStatus(j.ID, "%s item=%s attempts=%d error=%q", j.Type, j.ItemID, j.Attempts, j.LastError)
			}
			return nil
		})
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Re-queue a failed job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store storage.Store) error {
			if err := store.ResetJob(args[0]); err != nil {
				return err
			}
			printSuccess("job %s re-queued", args[0])
			return nil
		})
	},
}

var jobsResetFailedCmd = &cobra.Command{
	Use:   "reset-failed",
	Short: "Re-queue every failed job of a type matching an error",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobType, _ := cmd.Flags().GetString("job-type")
		errMsg, _ := cmd.Flags().GetString("error")
		if jobType == "" || errMsg == "" {
			return fmt.Errorf("--job-type and --error are required")
		}
		return withStore(func(store storage.Store) error {
			n, err := store.ResetFailedJobs(jobType, errMsg)
			if err != nil {
				return err
			}
			printSuccess("%d job(s) re-queued", n)
			return nil
		})
	},
}

func init() {
	jobsFailedCmd.Flags().String("job-type", "", "filter by job type")
	jobsResetFailedCmd.Flags().String("job-type", "", "job type to reset")
	jobsResetFailedCmd.Flags().String("error", "", "exact last error to match")

	jobsCmd.AddCommand(jobsStatsCmd)
	jobsCmd.AddCommand(jobsFailedCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	jobsCmd.AddCommand(jobsResetFailedCmd)
	rootCmd.AddCommand(jobsCmd)
}

// withStore opens the configured store, runs fn, and closes it.
func withStore(fn func(store storage.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	return fn(store)
}
