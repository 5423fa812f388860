// Package manager runs periodic housekeeping over the queue and the item
// lifecycle: retrying transient job failures, re-queueing normalize jobs
// that raced ahead of analysis, and converting past-dated timeline items
// into follow-up questions.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/sift/internal/item"
	"github.com/kalambet/sift/internal/storage"
)

const timelineBatchSize = 100

// Engine applies the housekeeping rules. Each rule is independent; one rule
// failing does not stop the others.
type Engine struct {
	store  storage.Store
	logger *slog.Logger
	// now is swappable in tests.
	now func() time.Time
}

func NewEngine(store storage.Store) *Engine {
	return &Engine{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// Run executes cycles until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	e.logger.Info("manager loop started", "interval", interval)
	for {
		if err := e.RunCycle(ctx); err != nil {
			e.logger.Error("manager cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// RunCycle runs every rule once. Rule errors are logged and isolated; the
// returned error only reports rules that could not run at all.
func (e *Engine) RunCycle(ctx context.Context) error {
	rules := []struct {
		name string
		run  func(ctx context.Context) error
	}{
		{"retry_single_attempt_failures", e.retrySingleAttemptFailures},
		{"reset_missing_analysis_failures", e.resetMissingAnalysisFailures},
		{"create_timeline_follow_ups", e.createTimelineFollowUps},
	}

	for _, rule := range rules {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := rule.run(ctx); err != nil {
			e.logger.Error("manager rule failed", "rule", rule.name, "error", err)
		}
	}
	return nil
}

// retrySingleAttemptFailures gives every job that failed on its first attempt
// one more chance. Jobs that fail again stay failed until someone looks.
func (e *Engine) retrySingleAttemptFailures(ctx context.Context) error {
	jobs, err := e.store.FailedJobs("", 1)
	if err != nil {
		return fmt.Errorf("listing failed jobs: %w", err)
	}

	for _, job := range jobs {
		if job.Type == storage.JobManager {
			continue
		}
		if err := e.store.ResetJob(job.ID); err != nil {
			e.logger.Warn("resetting failed job", "job", job.ID, "error", err)
			continue
		}
		e.logger.Info("retrying failed job", "job", job.ID, "job_type", job.Type,
			"item", job.ItemID, "error_was", job.LastError)
	}
	return nil
}

// resetMissingAnalysisFailures re-queues normalize jobs that ran before the
// item's analysis existed. By the next worker pass the analysis is usually
// in place.
func (e *Engine) resetMissingAnalysisFailures(ctx context.Context) error {
	n, err := e.store.ResetFailedJobs(storage.JobNormalize, "missing_analysis")
	if err != nil {
		return fmt.Errorf("resetting normalize jobs: %w", err)
	}
	if n > 0 {
		e.logger.Info("re-queued normalize jobs awaiting analysis", "count", n)
	}
	return nil
}

// createTimelineFollowUps turns timeline items whose first event has passed
// into follow-up items carrying a generated question. The owner's next note
// on the item answers it and triggers re-analysis.
func (e *Engine) createTimelineFollowUps(ctx context.Context) error {
	items, err := e.store.ItemsByStatus(item.StatusTimeline, timelineBatchSize)
	if err != nil {
		return fmt.Errorf("listing timeline items: %w", err)
	}

	today := e.now().UTC().Truncate(24 * time.Hour)

	for _, it := range items {
		if it.Analysis == nil || len(it.Analysis.Timeline) == 0 {
			continue
		}

		ev, eventDate, ok := firstEvent(it.Analysis.Timeline)
		if !ok || !eventDate.Before(today) {
			continue
		}

		a := *it.Analysis
		a.FollowUp = followUpQuestion(it, ev)
		status := item.StatusFollowUp
		next := "follow_up"

		if err := e.store.UpdateItem(it.ID, storage.ItemUpdate{
			Analysis: &a,
			Status:   &status,
			NextStep: &next,
		}); err != nil {
			e.logger.Warn("converting timeline item", "item", it.ID, "error", err)
			continue
		}
		e.logger.Info("timeline item converted to follow-up", "item", it.ID,
			"event_date", eventDate.Format("2006-01-02"))
	}
	return nil
}

// firstEvent returns the event with the earliest parseable date. The question
// is phrased about that event, so the two must stay in sync.
func firstEvent(events []item.TimelineEvent) (item.TimelineEvent, time.Time, bool) {
	var earliest item.TimelineEvent
	var earliestDate time.Time
	found := false
	for _, ev := range events {
		if ev.Date == "" {
			continue
		}
		d, err := time.Parse("2006-01-02", ev.Date)
		if err != nil {
			continue
		}
		if !found || d.Before(earliestDate) {
			earliest = ev
			earliestDate = d
			found = true
		}
	}
	return earliest, earliestDate, found
}

func followUpQuestion(it item.Item, ev item.TimelineEvent) string {
	name := it.Title
	if name == "" {
		name = "it"
	}
	if ev.Location != "" {
		return fmt.Sprintf("How was %q? Did you make it to %s? Anything to note or report?", name, ev.Location)
	}
	return fmt.Sprintf("How was %q? Anything to note or report?", name)
}
