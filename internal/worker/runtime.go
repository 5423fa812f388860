// Package worker runs the background job loop: it leases jobs from the
// queue, dispatches them to per-type handlers, and records the outcome.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/sift/internal/storage"
)

const (
	defaultPoll         = 5 * time.Second
	defaultLeaseSeconds = 300
)

// RunContext carries per-batch state into handlers. TagsByOwner is populated
// by handlers implementing Preparer before any job of the batch is processed.
type RunContext struct {
	Store       storage.Store
	TagsByOwner map[string][]string
}

// Handler processes one job. A nil return marks the job completed; an error
// marks it failed with the error text, and the queue does not retry it.
type Handler interface {
	Process(ctx context.Context, rc *RunContext, job storage.Job) error
}

// Preparer is an optional handler extension that runs once per leased batch,
// before the first job, to load shared state into the RunContext.
type Preparer interface {
	Prepare(ctx context.Context, rc *RunContext, jobs []storage.Job) error
}

// Runtime leases and dispatches jobs for the job types it has handlers for.
type Runtime struct {
	store        storage.Store
	handlers     map[string]Handler
	workerID     string
	leaseSeconds int
	poll         time.Duration
	logger       *slog.Logger
}

// New creates a Runtime. leaseSeconds <= 0 and poll <= 0 fall back to
// defaults.
func New(store storage.Store, leaseSeconds int, poll time.Duration) *Runtime {
	if leaseSeconds <= 0 {
		leaseSeconds = defaultLeaseSeconds
	}
	if poll <= 0 {
		poll = defaultPoll
	}
	return &Runtime{
		store:        store,
		handlers:     make(map[string]Handler),
		workerID:     newWorkerID(),
		leaseSeconds: leaseSeconds,
		poll:         poll,
		logger:       slog.Default(),
	}
}

// newWorkerID builds an identifier unique per process: host, pid and a short
// random suffix.
func newWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:6])
}

// WorkerID returns the identifier this runtime stamps on leased jobs.
func (r *Runtime) WorkerID() string {
	return r.workerID
}

// Register installs the handler for a job type, replacing any previous one.
func (r *Runtime) Register(jobType string, h Handler) {
	r.handlers[jobType] = h
}

// Run processes jobs of the given type until ctx is cancelled, sleeping
// between polls when the queue is empty.
func (r *Runtime) Run(ctx context.Context, jobType string) {
	r.logger.Info("worker loop started", "job_type", jobType, "worker_id", r.workerID)
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := r.RunBatch(ctx, jobType, 1)
		if err != nil {
			r.logger.Error("worker iteration failed", "job_type", jobType, "error", err)
		}
		if n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.poll):
		}
	}
}

// RunBatch leases up to limit jobs of the given type and processes them in
// lease order. A handler failure fails that job only; the rest of the batch
// still runs. Returns how many jobs were processed (completed or failed).
func (r *Runtime) RunBatch(ctx context.Context, jobType string, limit int) (int, error) {
	h, ok := r.handlers[jobType]
	if !ok {
		return 0, fmt.Errorf("no handler registered for job type %q", jobType)
	}

	jobs, err := r.store.Lease(jobType, r.workerID, limit, r.leaseSeconds)
	if err != nil {
		return 0, fmt.Errorf("leasing jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	rc := &RunContext{
		Store:       r.store,
		TagsByOwner: make(map[string][]string),
	}
	if p, ok := h.(Preparer); ok {
		// Prepare failures degrade the batch, they do not abort it.
		if err := p.Prepare(ctx, rc, jobs); err != nil {
			r.logger.Warn("batch preparation failed", "job_type", jobType, "error", err)
		}
	}

	processed := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}

		if err := h.Process(ctx, rc, job); err != nil {
			r.logger.Error("job failed",
				"job", job.ID, "job_type", jobType, "item", job.ItemID, "error", err)
			if failErr := r.store.Fail(job.ID, err.Error()); failErr != nil {
				r.logger.Error("recording job failure", "job", job.ID, "error", failErr)
			}
		} else {
			if compErr := r.store.Complete(job.ID); compErr != nil {
				r.logger.Error("recording job completion", "job", job.ID, "error", compErr)
			}
		}
		processed++
	}
	return processed, nil
}

// RunItem processes a single item directly, bypassing the queue. Used by the
// CLI to re-run a pipeline on one item. The synthetic job is never persisted;
// force is passed through to the handler via the payload.
func (r *Runtime) RunItem(ctx context.Context, jobType, itemID string, force bool) error {
	h, ok := r.handlers[jobType]
	if !ok {
		return fmt.Errorf("no handler registered for job type %q", jobType)
	}

	it, err := r.store.GetItem(itemID)
	if err != nil {
		return fmt.Errorf("loading item %s: %w", itemID, err)
	}

	payload, _ := json.Marshal(map[string]any{"force": force})
	job := storage.Job{
		ID:      "direct-" + uuid.New().String()[:8],
		ItemID:  it.ID,
		Owner:   it.Owner,
		Type:    jobType,
		Payload: string(payload),
		Status:  storage.JobLeased,
	}

	rc := &RunContext{
		Store:       r.store,
		TagsByOwner: make(map[string][]string),
	}
	if p, ok := h.(Preparer); ok {
		if err := p.Prepare(ctx, rc, []storage.Job{job}); err != nil {
			r.logger.Warn("preparation failed", "job_type", jobType, "error", err)
		}
	}

	return h.Process(ctx, rc, job)
}

// payload is the JSON options object carried by a job.
type payload struct {
	Force  bool   `json:"force,omitempty"`
	Source string `json:"source,omitempty"`
}

func parsePayload(raw string) payload {
	var p payload
	if raw == "" {
		return p
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		slog.Warn("unparseable job payload", "payload", raw, "error", err)
	}
	return p
}
