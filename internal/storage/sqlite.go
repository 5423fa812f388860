package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kalambet/sift/internal/item"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeFormat = time.RFC3339

// SQLiteStore backs the Store interface with a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*SQLiteStore, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "sift.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for tests.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *SQLiteStore) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Items ---

const itemColumns = `id, owner, type, content, title, status, next_step, is_normalized, hidden, analysis, created_at, updated_at`

func (s *SQLiteStore) CreateItem(it item.Item) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.Owner, string(it.Type), it.Content, it.Title, string(it.Status),
		it.NextStep, boolToInt(it.IsNormalized), boolToInt(it.Hidden), analysisJSON,
		it.CreatedAt.Format(timeFormat), it.UpdatedAt.Format(timeFormat),
	)
	return err
}

func (s *SQLiteStore) GetItem(id string) (item.Item, error) {
	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return item.Item{}, ErrNotFound
	}
	return it, err
}

func (s *SQLiteStore) UpdateItem(id string, upd ItemUpdate) error {
	sets, args, err := buildItemUpdate(upd, "?")
	if err != nil {
		return err
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC().Format(timeFormat), id)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning update transaction: %w", err)
	}
	defer tx.Rollback()

	// Status changes go through the lifecycle transition table; everything
	// else is a plain field write.
	if upd.Status != nil {
		var current string
		err := tx.QueryRow(`SELECT status FROM items WHERE id = ?`, id).Scan(&current)
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

	res, err := tx.Exec(`UPDATE items SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
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

// buildItemUpdate assembles SET clauses for the non-nil fields of upd.
// placeholder is "?" for SQLite; the Postgres store rewrites them.
func buildItemUpdate(upd ItemUpdate, placeholder string) ([]string, []any, error) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, col+" = "+placeholder)
		args = append(args, v)
	}

	if upd.Title != nil {
		add("title", *upd.Title)
	}
	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.NextStep != nil {
		add("next_step", *upd.NextStep)
	}
	if upd.IsNormalized != nil {
		add("is_normalized", boolToInt(*upd.IsNormalized))
	}
	if upd.Hidden != nil {
		add("hidden", boolToInt(*upd.Hidden))
	}
	if upd.Analysis != nil {
		b, err := json.Marshal(upd.Analysis)
		if err != nil {
			return nil, nil, fmt.Errorf("marshaling analysis: %w", err)
		}
		add("analysis", string(b))
	}
	return sets, args, nil
}

func (s *SQLiteStore) ItemsByStatus(status item.Status, limit int) ([]item.Item, error) {
	rows, err := s.db.Query(`
		SELECT `+itemColumns+` FROM items
		WHERE status = ? AND hidden = 0
		ORDER BY created_at ASC LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

func (s *SQLiteStore) UnnormalizedItems(limit int) ([]item.Item, error) {
	rows, err := s.db.Query(`
		SELECT `+itemColumns+` FROM items
		WHERE is_normalized = 0 AND status != ?
		ORDER BY created_at ASC LIMIT ?`, string(item.StatusSoftDeleted), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

func (s *SQLiteStore) OwnerTags(owner string) ([]string, error) {
	rows, err := s.db.Query(`SELECT analysis FROM items WHERE owner = ? AND analysis IS NOT NULL`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var a item.Analysis
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
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

func (s *SQLiteStore) ItemCountsByStatus(owner string) (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM items WHERE owner = ? GROUP BY status`, owner)
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

const noteColumns = `id, item_id, owner, text, image_path, note_type, created_at, updated_at`

func (s *SQLiteStore) CreateNote(n item.Note) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.ItemID, n.Owner, n.Text, n.ImagePath, string(n.NoteType),
		n.CreatedAt.Format(timeFormat), n.UpdatedAt.Format(timeFormat),
	)
	return err
}

func (s *SQLiteStore) Notes(itemID string) ([]item.Note, error) {
	return s.notesWhere(`item_id = ?`, itemID)
}

func (s *SQLiteStore) FollowUpNotes(itemID string) ([]item.Note, error) {
	return s.notesWhere(`item_id = ? AND note_type = ?`, itemID, string(item.NoteFollowUp))
}

func (s *SQLiteStore) notesWhere(where string, args ...any) ([]item.Note, error) {
	rows, err := s.db.Query(`SELECT `+noteColumns+` FROM item_notes WHERE `+where+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []item.Note
	for rows.Next() {
		var n item.Note
		var noteType, createdAt, updatedAt string
		if err := rows.Scan(&n.ID, &n.ItemID, &n.Owner, &n.Text, &n.ImagePath, &noteType, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		n.NoteType = item.NoteType(noteType)
		if n.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for note %s: %w", n.ID, err)
		}
		if n.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at for note %s: %w", n.ID, err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// --- Job queue ---

const jobColumns = `id, item_id, owner, job_type, payload, status, attempts, worker_id, lease_expires_at, last_error, created_at, updated_at`

func (s *SQLiteStore) Enqueue(itemID, owner, jobType, payload string) (string, error) {
	if payload == "" {
		payload = "{}"
	}
	now := time.Now().UTC().Format(timeFormat)

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	// One outstanding job per (item, type): a queued job, or a leased one
	// whose lease has not yet expired, blocks re-enqueue.
	var existing string
	err = tx.QueryRow(`
		SELECT id FROM worker_jobs
		WHERE item_id = ? AND job_type = ?
		  AND (status = ? OR (status = ? AND lease_expires_at > ?))
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
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		jobID, itemID, owner, jobType, payload, JobQueued, now, now,
	); err != nil {
		return "", fmt.Errorf("inserting job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing enqueue: %w", err)
	}
	return jobID, nil
}

func (s *SQLiteStore) Lease(jobType, workerID string, limit, leaseSeconds int) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	nowStr := now.Format(timeFormat)
	expires := now.Add(time.Duration(leaseSeconds) * time.Second)
	expiresStr := expires.Format(timeFormat)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning lease transaction: %w", err)
	}
	defer tx.Rollback()

	// Queued jobs, plus leased jobs whose lease has expired: expiry is
	// detected here rather than by a separate unlock step.
	rows, err := tx.Query(`
		SELECT id FROM worker_jobs
		WHERE job_type = ?
		  AND (status = ? OR (status = ? AND lease_expires_at <= ?))
		ORDER BY created_at ASC
		LIMIT ?`,
		jobType, JobQueued, JobLeased, nowStr, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting leasable jobs: %w", err)
	}

	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var leasedIDs []string
	for _, id := range candidates {
		// Conditional update is the claim: racing losers match zero rows.
		res, err := tx.Exec(`
			UPDATE worker_jobs
			SET status = ?, worker_id = ?, lease_expires_at = ?, attempts = attempts + 1, updated_at = ?
			WHERE id = ?
			  AND (status = ? OR (status = ? AND lease_expires_at <= ?))`,
			JobLeased, workerID, expiresStr, nowStr,
			id, JobQueued, JobLeased, nowStr)
		if err != nil {
			return nil, fmt.Errorf("claiming job %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			leasedIDs = append(leasedIDs, id)
		}
	}

	var leased []Job
	for _, id := range leasedIDs {
		row := tx.QueryRow(`SELECT `+jobColumns+` FROM worker_jobs WHERE id = ?`, id)
		j, err := scanJob(row)
		if err != nil {
			return nil, fmt.Errorf("reading leased job %s: %w", id, err)
		}
		leased = append(leased, j)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing lease: %w", err)
	}
	return leased, nil
}

func (s *SQLiteStore) Complete(jobID string) error {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.Exec(`
		UPDATE worker_jobs
		SET status = ?, worker_id = '', lease_expires_at = NULL, updated_at = ?
		WHERE id = ?`,
		JobCompleted, now, jobID)
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

func (s *SQLiteStore) Fail(jobID, errMsg string) error {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.Exec(`
		UPDATE worker_jobs
		SET status = ?, last_error = ?, worker_id = '', lease_expires_at = NULL, updated_at = ?
		WHERE id = ?`,
		JobFailed, errMsg, now, jobID)
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

func (s *SQLiteStore) ResetJob(jobID string) error {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.Exec(`
		UPDATE worker_jobs
		SET status = ?, last_error = '', worker_id = '', lease_expires_at = NULL, updated_at = ?
		WHERE id = ?`,
		JobQueued, now, jobID)
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

func (s *SQLiteStore) ResetFailedJobs(jobType, errMsg string) (int, error) {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.Exec(`
		UPDATE worker_jobs
		SET status = ?, last_error = '', attempts = 0, worker_id = '', lease_expires_at = NULL, updated_at = ?
		WHERE job_type = ? AND status = ? AND last_error = ?`,
		JobQueued, now, jobType, JobFailed, errMsg)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) FailedJobs(jobType string, maxAttempts int) ([]Job, error) {
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

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) JobCounts() (map[string]map[string]int, error) {
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (item.Item, error) {
	var it item.Item
	var typ, status, createdAt, updatedAt string
	var isNormalized, hidden int
	var analysis sql.NullString

	err := row.Scan(&it.ID, &it.Owner, &typ, &it.Content, &it.Title, &status,
		&it.NextStep, &isNormalized, &hidden, &analysis, &createdAt, &updatedAt)
	if err != nil {
		return item.Item{}, err
	}

	it.Type = item.Type(typ)
	it.Status = item.Status(status)
	it.IsNormalized = isNormalized != 0
	it.Hidden = hidden != 0
	if analysis.Valid && analysis.String != "" {
		var a item.Analysis
		if err := json.Unmarshal([]byte(analysis.String), &a); err != nil {
			return item.Item{}, fmt.Errorf("parsing analysis for item %s: %w", it.ID, err)
		}
		it.Analysis = &a
	}
	if it.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return item.Item{}, fmt.Errorf("parsing created_at for item %s: %w", it.ID, err)
	}
	if it.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return item.Item{}, fmt.Errorf("parsing updated_at for item %s: %w", it.ID, err)
	}
	return it, nil
}

func collectItems(rows *sql.Rows) ([]item.Item, error) {
	var items []item.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var leaseExpires sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&j.ID, &j.ItemID, &j.Owner, &j.Type, &j.Payload, &j.Status,
		&j.Attempts, &j.WorkerID, &leaseExpires, &j.LastError, &createdAt, &updatedAt)
	if err != nil {
		return Job{}, err
	}

	if leaseExpires.Valid && leaseExpires.String != "" {
		t, err := time.Parse(timeFormat, leaseExpires.String)
		if err != nil {
			return Job{}, fmt.Errorf("parsing lease_expires_at for job %s: %w", j.ID, err)
		}
		j.LeaseExpiresAt = &t
	}
	if j.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}

func marshalAnalysis(a *item.Analysis) (any, error) {
	if a == nil {
		return nil, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshaling analysis: %w", err)
	}
	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
