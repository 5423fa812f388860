// Package storage persists items, notes, and the worker job queue. Two
// implementations share the Store interface: a SQLite store for local and
// development deployments and a Postgres store for shared ones.
package storage

import "github.com/kalambet/sift/internal/item"

// ItemStore reads and writes shared items.
type ItemStore interface {
	CreateItem(it item.Item) error
	GetItem(id string) (item.Item, error)
	UpdateItem(id string, upd ItemUpdate) error
	ItemsByStatus(status item.Status, limit int) ([]item.Item, error)
	UnnormalizedItems(limit int) ([]item.Item, error)
	// OwnerTags returns the distinct tags across an owner's analyzed items,
	// used to keep tag vocabulary consistent across analyses.
	OwnerTags(owner string) ([]string, error)
	ItemCountsByStatus(owner string) (map[string]int, error)
}

// NoteStore reads and writes item notes.
type NoteStore interface {
	CreateNote(n item.Note) error
	Notes(itemID string) ([]item.Note, error)
	FollowUpNotes(itemID string) ([]item.Note, error)
}

// Queue provides the atomic job queue operations. Lease is the only place
// mutual exclusion matters: it must be a single conditional update so that
// concurrent callers racing on the same job cannot both receive it.
type Queue interface {
	// Enqueue inserts a job in status queued and returns its ID. It returns
	// ErrDuplicateJob when an outstanding job for the same (item, type)
	// already exists.
	Enqueue(itemID, owner, jobType, payload string) (string, error)
	// Lease atomically claims up to limit jobs of the given type, oldest
	// first. Jobs whose lease has expired are claimable again, giving
	// at-least-once delivery without an explicit unlock step. Attempts is
	// incremented at lease time.
	Lease(jobType, workerID string, limit, leaseSeconds int) ([]Job, error)
	// Complete marks a job completed and clears its lease fields.
	// Completing an already-completed job is a no-op.
	Complete(jobID string) error
	// Fail marks a job failed, records the error, and clears its lease
	// fields. Retrying is caller-driven; the queue never retries on its own.
	Fail(jobID, errMsg string) error
	// ResetJob returns a job to queued, clearing error and lease state.
	ResetJob(jobID string) error
	// ResetFailedJobs re-queues every failed job of the given type whose
	// last error matches errMsg, returning how many were reset.
	ResetFailedJobs(jobType, errMsg string) (int, error)
	// FailedJobs lists failed jobs, optionally filtered by type and capped
	// at maxAttempts (0 means no cap).
	FailedJobs(jobType string, maxAttempts int) ([]Job, error)
	// JobCounts returns job counts grouped by job type and status.
	JobCounts() (map[string]map[string]int, error)
}

// Store is the full persistence surface consumed by the worker runtime, the
// manager, and the API layer.
type Store interface {
	ItemStore
	NoteStore
	Queue
	Close() error
}
