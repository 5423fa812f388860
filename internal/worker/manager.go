package worker

import (
	"context"

	"github.com/kalambet/sift/internal/manager"
	"github.com/kalambet/sift/internal/storage"
)

// ManagerHandler lets housekeeping run through the queue like any other job
// type, so a cycle can be requested on demand by enqueueing a manager job.
type ManagerHandler struct {
	engine *manager.Engine
}

func NewManagerHandler(e *manager.Engine) *ManagerHandler {
	return &ManagerHandler{engine: e}
}

func (h *ManagerHandler) Process(ctx context.Context, rc *RunContext, job storage.Job) error {
	return h.engine.RunCycle(ctx)
}

var _ Handler = (*ManagerHandler)(nil)
