package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/sift/internal/analyzer"
	"github.com/kalambet/sift/internal/storage"
)

// FollowUpHandler re-analyzes an item using the notes its owner left in
// answer to the follow-up question.
type FollowUpHandler struct {
	analyzer Analyzer
	logger   *slog.Logger
}

func NewFollowUpHandler(a Analyzer) *FollowUpHandler {
	return &FollowUpHandler{analyzer: a, logger: slog.Default()}
}

// Prepare loads owner tag vocabularies, same as the analysis pipeline.
func (h *FollowUpHandler) Prepare(ctx context.Context, rc *RunContext, jobs []storage.Job) error {
	for _, job := range jobs {
		if _, done := rc.TagsByOwner[job.Owner]; done {
			continue
		}
		tags, err := rc.Store.OwnerTags(job.Owner)
		if err != nil {
			return fmt.Errorf("loading tags for owner %s: %w", job.Owner, err)
		}
		rc.TagsByOwner[job.Owner] = tags
	}
	return nil
}

func (h *FollowUpHandler) Process(ctx context.Context, rc *RunContext, job storage.Job) error {
	it, err := rc.Store.GetItem(job.ItemID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("item_not_found")
		}
		return fmt.Errorf("loading item: %w", err)
	}

	if it.Status.Terminal() {
		h.logger.Info("skipping terminal item", "item", it.ID, "status", it.Status)
		return nil
	}

	// No open question means there is nothing to follow up on. The job
	// completes without touching the item.
	if it.Analysis == nil || it.Analysis.FollowUp == "" {
		h.logger.Info("item has no follow-up question, skipping", "item", it.ID)
		return nil
	}

	notes, err := rc.Store.FollowUpNotes(it.ID)
	if err != nil {
		return fmt.Errorf("loading follow-up notes: %w", err)
	}
	valid := notes[:0]
	for _, n := range notes {
		if n.Valid() {
			valid = append(valid, n)
		}
	}
	if len(valid) == 0 {
		return fmt.Errorf("no_follow_up_notes")
	}

	a, err := h.analyzer.FollowUp(ctx, it, it.Analysis, valid, rc.TagsByOwner[it.Owner])
	if err != nil {
		return fmt.Errorf("re-analyzing item: %w", err)
	}

	status, next := analyzer.DeriveStatus(a)
	if err := rc.Store.UpdateItem(it.ID, storage.ItemUpdate{
		Analysis: a,
		Status:   &status,
		NextStep: &next,
	}); err != nil {
		return fmt.Errorf("storing re-analysis: %w", err)
	}

	h.logger.Info("follow-up processed", "item", it.ID, "status", status,
		"notes", len(valid), "reopened", a.FollowUp != "")
	return nil
}

var (
	_ Handler  = (*AnalysisHandler)(nil)
	_ Preparer = (*AnalysisHandler)(nil)
	_ Handler  = (*FollowUpHandler)(nil)
	_ Preparer = (*FollowUpHandler)(nil)
)
