package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/sift/internal/storage"
)

// NormalizeHandler gives items short descriptive titles. It requires an
// existing analysis; normalize jobs racing ahead of analysis fail with
// "missing_analysis" and are re-queued by the manager once analysis lands.
type NormalizeHandler struct {
	analyzer Analyzer
	logger   *slog.Logger
}

func NewNormalizeHandler(a Analyzer) *NormalizeHandler {
	return &NormalizeHandler{analyzer: a, logger: slog.Default()}
}

func (h *NormalizeHandler) Process(ctx context.Context, rc *RunContext, job storage.Job) error {
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

	if it.Analysis == nil {
		return fmt.Errorf("missing_analysis")
	}

	opts := parsePayload(job.Payload)
	if it.IsNormalized && !opts.Force {
		h.logger.Info("item already normalized, skipping", "item", it.ID)
		return nil
	}

	title, err := h.analyzer.NormalizeTitle(ctx, it)
	if err != nil {
		return fmt.Errorf("normalizing title: %w", err)
	}

	// is_normalized is set even when the title comes back unchanged:
	// normalization ran, and the flag records that, not a diff.
	normalized := true
	if err := rc.Store.UpdateItem(it.ID, storage.ItemUpdate{
		Title:        &title,
		IsNormalized: &normalized,
	}); err != nil {
		return fmt.Errorf("storing title: %w", err)
	}

	h.logger.Info("item normalized", "item", it.ID, "title", title)
	return nil
}

var _ Handler = (*NormalizeHandler)(nil)
