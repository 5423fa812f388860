package storage

import (
	"errors"
	"time"

	"github.com/kalambet/sift/internal/item"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateJob is returned by Enqueue when an outstanding (queued or
// still-leased) job already exists for the same (item, job type) pair.
var ErrDuplicateJob = errors.New("duplicate outstanding job")

// ErrInvalidTransition is returned by UpdateItem when the requested status
// change is not a legal lifecycle move per item.CanTransition.
var ErrInvalidTransition = errors.New("invalid status transition")

// Job statuses.
const (
	JobQueued    = "queued"
	JobLeased    = "leased"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job types.
const (
	JobAnalysis  = "analysis"
	JobNormalize = "normalize"
	JobFollowUp  = "follow_up"
	JobManager   = "manager"
)

// Job is one queued unit of background work tied to an item.
// WorkerID and LeaseExpiresAt are set if and only if Status is "leased".
type Job struct {
	ID             string
	ItemID         string
	Owner          string
	Type           string
	Payload        string // JSON object stored as text
	Status         string
	Attempts       int
	WorkerID       string
	LeaseExpiresAt *time.Time
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ItemUpdate describes a partial item update. Nil fields are left untouched;
// a handler computes every derived field first and applies them in one write.
type ItemUpdate struct {
	Title        *string
	Status       *item.Status
	NextStep     *string
	IsNormalized *bool
	Hidden       *bool
	Analysis     *item.Analysis
}
