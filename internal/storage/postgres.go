package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/kalambet/sift/internal/item"
)

// PostgresStore backs the Store interface with Postgres for shared
// deployments where several worker processes compete for the same queue.
// Leasing relies on FOR UPDATE SKIP LOCKED instead of the conditional-update
// claim the SQLite store uses.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to Postgres with the given DSN and ensures the schema
// exists.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'new',
			next_step TEXT NOT NULL DEFAULT '',
			is_normalized BOOLEAN NOT NULL DEFAULT FALSE,
			hidden BOOLEAN NOT NULL DEFAULT FALSE,
			analysis JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_items_status ON items (status)`,
		`CREATE INDEX IF NOT EXISTS idx_items_owner ON items (owner)`,
		`CREATE TABLE IF NOT EXISTS item_notes (
			id TEXT PRIMARY KEY,
			item_id TEXT NOT NULL,
			owner TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			image_path TEXT NOT NULL DEFAULT '',
			note_type TEXT NOT NULL DEFAULT 'context',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_item_notes_item_id ON item_notes (item_id)`,
		`CREATE TABLE IF NOT EXISTS worker_jobs (
			id TEXT PRIMARY KEY,
			item_id TEXT NOT NULL,
			owner TEXT NOT NULL,
			job_type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'queued',
			attempts INTEGER NOT NULL DEFAULT 0,
			worker_id TEXT NOT NULL DEFAULT '',
			lease_expires_at TIMESTAMPTZ,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_worker_jobs_type_status ON worker_jobs (job_type, status)`,
		`CREATE INDEX IF NOT EXISTS idx_worker_jobs_item_id ON worker_jobs (item_id)`,
		// Backstop for the enqueue dedup check: two transactions that both
		// pass the pre-insert check cannot both commit an outstanding job
		// for the same (item, job type) pair.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_worker_jobs_outstanding
			ON worker_jobs (item_id, job_type)
			WHERE status IN ('queued', 'leased')`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// --- Items ---

func (s *PostgresStore) CreateItem(it item.Item) error {
	now := time.Now().UTC()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = now
	}
	if it.Status == "" {
		it.Status = item.StatusNew
	}

	analysisJSON, err := marshalAnalysis(it.Analysis)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO items (`+itemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		it.ID, it.Owner, string(it.Type), it.Content, it.Title, string(it.Status),
		it.NextStep, it.IsNormalized, it.Hidden, analysisJSON,
		it.CreatedAt, it.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetItem(id string) (item.Item, error) {
	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM items WHERE id = $1`, id)
	it, err := scanPGItem(row)
	if err == sql.ErrNoRows {
		return item.Item{}, ErrNotFound
	}
	return it, err
}

func (s *PostgresStore) UpdateItem(id string, upd ItemUpdate) error {
	sets, args, err := buildItemUpdate(upd, "?")
	if err != nil {
		return err
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning update transaction: %w", err)
	}
	defer tx.Rollback()

	if upd.Status != nil {
		var current string
		err := tx.QueryRow(`SELECT status FROM items WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !item.CanTransition(item.Status(current), *upd.Status) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current, *upd.Status)
		}
	}

	res, err := tx.Exec(renumber(`UPDATE items SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// renumber rewrites ? placeholders into the $1, $2, ... form lib/pq expects.
func renumber(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *PostgresStore) ItemsByStatus(status item.Status, limit int) ([]item.Item, error) {
	rows, err := s.db.Query(`
		SELECT `+itemColumns+` FROM items
		WHERE status = $1 AND hidden = FALSE
		ORDER BY created_at ASC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPGItems(rows)
}

func (s *PostgresStore) UnnormalizedItems(limit int) ([]item.Item, error) {
	rows, err := s.db.Query(`
		SELECT `+itemColumns+` FROM items
		WHERE is_normalized = FALSE AND status != $1
		ORDER BY created_at ASC LIMIT $2`, string(item.StatusSoftDeleted), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPGItems(rows)
}

func (s *PostgresStore) OwnerTags(owner string) ([]string, error) {
	rows, err := s.db.Query(`SELECT analysis FROM items WHERE owner = $1 AND analysis IS NOT NULL`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var a item.Analysis
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		for _, t := range a.Tags {
			seen[t] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tags := make([]string, 0, len(seen))
	for t := range seen {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags, nil
}

func (s *PostgresStore) ItemCountsByStatus(owner string) (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM items WHERE owner = $1 GROUP BY status`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// --- Notes ---

func (s *PostgresStore) CreateNote(n item.Note) error {
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = now
	}
	if n.NoteType == "" {
		n.NoteType = item.NoteContext
	}
	_, err := s.db.Exec(`
		INSERT INTO item_notes (`+noteColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.ItemID, n.Owner, n.Text, n.ImagePath, string(n.NoteType),
		n.CreatedAt, n.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Notes(itemID string) ([]item.Note, error) {
	return s.notesWhere(`item_id = $1`, itemID)
}

func (s *PostgresStore) FollowUpNotes(itemID string) ([]item.Note, error) {
	return s.notesWhere(`item_id = $1 AND note_type = $2`, itemID, string(item.NoteFollowUp))
}

func (s *PostgresStore) notesWhere(where string, args ...any) ([]item.Note, error) {
	rows, err := s.db.Query(`SELECT `+noteColumns+` FROM item_notes WHERE `+where+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []item.Note
	for rows.Next() {
		var n item.Note
		var noteType string
		if err := rows.Scan(&n.ID, &n.ItemID, &n.Owner, &n.Text, &n.ImagePath, &noteType, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		n.NoteType = item.NoteType(noteType)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// --- Job queue ---

func (s *PostgresStore) Enqueue(itemID, owner, jobType, payload string) (string, error) {
	if payload == "" {
		payload = "{}"
	}
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRow(`
		SELECT id FROM worker_jobs
		WHERE item_id = $1 AND job_type = $2
		  AND (status = $3 OR (status = $4 AND lease_expires_at > $5))
		LIMIT 1`,
		itemID, jobType, JobQueued, JobLeased, now,
	).Scan(&existing)
	if err == nil {
		return existing, ErrDuplicateJob
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("checking outstanding jobs: %w", err)
	}

	jobID := uuid.New().String()
	if _, err := tx.Exec(`
		INSERT INTO worker_jobs (id, item_id, owner, job_type, payload, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)`,
		jobID, itemID, owner, jobType, payload, JobQueued, now, now,
	); err != nil {
		// A concurrent enqueue can win the race between the check above and
		// this insert; the partial unique index on outstanding jobs turns
		// that into a unique violation. Surface the winner's ID.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			tx.Rollback()
			var winner string
			qErr := s.db.QueryRow(`
				SELECT id FROM worker_jobs
				WHERE item_id = $1 AND job_type = $2 AND status IN ($3, $4)
				LIMIT 1`,
				itemID, jobType, JobQueued, JobLeased,
			).Scan(&winner)
			if qErr == nil {
				return winner, ErrDuplicateJob
			}
			return "", ErrDuplicateJob
		}
		return "", fmt.Errorf("inserting job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing enqueue: %w", err)
	}
	return jobID, nil
}

func (s *PostgresStore) Lease(jobType, workerID string, limit, leaseSeconds int) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	expires := now.Add(time.Duration(leaseSeconds) * time.Second)

	// SKIP LOCKED lets concurrent workers claim disjoint sets without
	// blocking on each other's row locks.
	rows, err := s.db.Query(`
		UPDATE worker_jobs
		SET status = $1, worker_id = $2, lease_expires_at = $3, attempts = attempts + 1, updated_at = $4
		WHERE id IN (
			SELECT id FROM worker_jobs
			WHERE job_type = $5
			  AND (status = $6 OR (status = $7 AND lease_expires_at <= $8))
			ORDER BY created_at ASC
			LIMIT $9
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		JobLeased, workerID, expires, now,
		jobType, JobQueued, JobLeased, now, limit)
	if err != nil {
		return nil, fmt.Errorf("leasing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanPGJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) Complete(jobID string) error {
	return s.finishJob(jobID, JobCompleted, "")
}

func (s *PostgresStore) Fail(jobID, errMsg string) error {
	return s.finishJob(jobID, JobFailed, errMsg)
}

func (s *PostgresStore) finishJob(jobID, status, errMsg string) error {
	res, err := s.db.Exec(`
		UPDATE worker_jobs
		SET status = $1, last_error = $2, worker_id = '', lease_expires_at = NULL, updated_at = $3
		WHERE id = $4`,
		status, errMsg, time.Now().UTC(), jobID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ResetJob(jobID string) error {
	res, err := s.db.Exec(`
		UPDATE worker_jobs
		SET status = $1, last_error = '', worker_id = '', lease_expires_at = NULL, updated_at = $2
		WHERE id = $3`,
		JobQueued, time.Now().UTC(), jobID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ResetFailedJobs(jobType, errMsg string) (int, error) {
	res, err := s.db.Exec(`
		UPDATE worker_jobs
		SET status = $1, last_error = '', attempts = 0, worker_id = '', lease_expires_at = NULL, updated_at = $2
		WHERE job_type = $3 AND status = $4 AND last_error = $5`,
		JobQueued, time.Now().UTC(), jobType, JobFailed, errMsg)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) FailedJobs(jobType string, maxAttempts int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM worker_jobs WHERE status = ?`
	args := []any{JobFailed}
	if jobType != "" {
		query += ` AND job_type = ?`
		args = append(args, jobType)
	}
	if maxAttempts > 0 {
		query += ` AND attempts <= ?`
		args = append(args, maxAttempts)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(renumber(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanPGJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) JobCounts() (map[string]map[string]int, error) {
	rows, err := s.db.Query(`SELECT job_type, status, COUNT(*) FROM worker_jobs GROUP BY job_type, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]map[string]int)
	for rows.Next() {
		var jobType, status string
		var n int
		if err := rows.Scan(&jobType, &status, &n); err != nil {
			return nil, err
		}
		if counts[jobType] == nil {
			counts[jobType] = make(map[string]int)
		}
		counts[jobType][status] = n
	}
	return counts, rows.Err()
}

// --- scanning helpers ---

func scanPGItem(row rowScanner) (item.Item, error) {
	var it item.Item
	var typ, status string
	var analysis []byte

	err := row.Scan(&it.ID, &it.Owner, &typ, &it.Content, &it.Title, &status,
		&it.NextStep, &it.IsNormalized, &it.Hidden, &analysis, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return item.Item{}, err
	}

	it.Type = item.Type(typ)
	it.Status = item.Status(status)
	if len(analysis) > 0 {
		var a item.Analysis
		if err := json.Unmarshal(analysis, &a); err != nil {
			return item.Item{}, fmt.Errorf("parsing analysis for item %s: %w", it.ID, err)
		}
		it.Analysis = &a
	}
	return it, nil
}

func collectPGItems(rows *sql.Rows) ([]item.Item, error) {
	var items []item.Item
	for rows.Next() {
		it, err := scanPGItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func scanPGJob(row rowScanner) (Job, error) {
	var j Job
	var leaseExpires sql.NullTime

	err := row.Scan(&j.ID, &j.ItemID, &j.Owner, &j.Type, &j.Payload, &j.Status,
		&j.Attempts, &j.WorkerID, &leaseExpires, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return Job{}, err
	}
	if leaseExpires.Valid {
		t := leaseExpires.Time
		j.LeaseExpiresAt = &t
	}
	return j, nil
}
