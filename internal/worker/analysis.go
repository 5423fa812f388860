package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/sift/internal/analyzer"
	"github.com/kalambet/sift/internal/item"
	"github.com/kalambet/sift/internal/storage"
)

// Analyzer is the slice of the model client the pipelines need.
type Analyzer interface {
	Analyze(ctx context.Context, it item.Item, content string, preferredTags []string) (*item.Analysis, error)
	FollowUp(ctx context.Context, it item.Item, prior *item.Analysis, notes []item.Note, preferredTags []string) (*item.Analysis, error)
	NormalizeTitle(ctx context.Context, it item.Item) (string, error)
}

// ContentResolver resolves an item's raw content into analyzable text.
type ContentResolver interface {
	Resolve(ctx context.Context, it item.Item) string
}

// AnalysisHandler runs the first-pass analysis pipeline.
type AnalysisHandler struct {
	analyzer Analyzer
	resolver ContentResolver
	logger   *slog.Logger
}

func NewAnalysisHandler(a Analyzer, r ContentResolver) *AnalysisHandler {
	return &AnalysisHandler{analyzer: a, resolver: r, logger: slog.Default()}
}

// Prepare loads each batch owner's existing tag vocabulary once, so every
// analysis in the batch reuses established tags.
func (h *AnalysisHandler) Prepare(ctx context.Context, rc *RunContext, jobs []storage.Job) error {
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

func (h *AnalysisHandler) Process(ctx context.Context, rc *RunContext, job storage.Job) error {
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

	opts := parsePayload(job.Payload)
	if it.Analysis != nil && !opts.Force {
		h.logger.Info("item already analyzed, skipping", "item", it.ID)
		return nil
	}

	// Mark the item analyzing up front so readers see it in flight. Best
	// effort: a miss here does not block the analysis itself.
	prevStatus := it.Status
	analyzing := item.StatusAnalyzing
	if err := rc.Store.UpdateItem(it.ID, storage.ItemUpdate{Status: &analyzing}); err != nil {
		h.logger.Warn("marking item analyzing failed", "item", it.ID, "error", err)
	}

	content := h.resolver.Resolve(ctx, it)
	if strings.TrimSpace(content) == "" {
		// Nothing to analyze is a successful outcome, not an error.
		processed := item.StatusProcessed
		next := "no_content"
		if err := rc.Store.UpdateItem(it.ID, storage.ItemUpdate{Status: &processed, NextStep: &next}); err != nil {
			return fmt.Errorf("marking empty item processed: %w", err)
		}
		h.logger.Info("item has no content, marked processed", "item", it.ID)
		return nil
	}

	a, err := h.analyzer.Analyze(ctx, it, content, rc.TagsByOwner[it.Owner])
	if err != nil {
		h.restoreStatus(rc, it.ID, prevStatus)
		return fmt.Errorf("analyzing item: %w", err)
	}

	status, next := analyzer.DeriveStatus(a)

	// Everything the analysis produced lands in one write.
	if err := rc.Store.UpdateItem(it.ID, storage.ItemUpdate{
		Analysis: a,
		Status:   &status,
		NextStep: &next,
	}); err != nil {
		return fmt.Errorf("storing analysis: %w", err)
	}

	h.logger.Info("item analyzed", "item", it.ID, "status", status,
		"timeline_events", len(a.Timeline), "has_follow_up", a.FollowUp != "")
	return nil
}

// restoreStatus puts the item back into the status it held before the
// pipeline touched it, so a failed analysis leaves no trace on the item.
func (h *AnalysisHandler) restoreStatus(rc *RunContext, itemID string, status item.Status) {
	if err := rc.Store.UpdateItem(itemID, storage.ItemUpdate{Status: &status}); err != nil {
		h.logger.Warn("restoring item status failed", "item", itemID, "error", err)
	}
}
