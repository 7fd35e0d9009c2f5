package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"jobpipe/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store on a single SQLite database file shared by
// producers, workers, and admin commands
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed initializes) the store database
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// initSchema initializes the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS job_data (
		job_id TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS job_attachments (
		job_id TEXT PRIMARY KEY,
		data BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS queue_entries (
		topic TEXT NOT NULL,
		queue TEXT NOT NULL,
		seq INTEGER NOT NULL,
		job_id TEXT NOT NULL,
		PRIMARY KEY (topic, queue, seq)
	);

	-- a job id lives in at most one queue of its topic
	CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_residency ON queue_entries(topic, job_id);

	CREATE TABLE IF NOT EXISTS topic_locks (
		topic TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		acquired_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// PutJobData writes a payload only if the job id is absent
func (s *SQLiteStore) PutJobData(ctx context.Context, jobID string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_data (job_id, payload) VALUES (?, ?)`, jobID, payload)
	if err != nil {
		if isUniqueViolation(err) {
			return &ErrJobExists{JobID: jobID}
		}
		return fmt.Errorf("failed to write job data: %w", err)
	}
	return nil
}

// GetJobData retrieves the payload for a job id
func (s *SQLiteStore) GetJobData(ctx context.Context, jobID string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM job_data WHERE job_id = ?`, jobID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job data: %w", err)
	}
	return payload, nil
}

// DeleteJobData erases the payload for a job id
func (s *SQLiteStore) DeleteJobData(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM job_data WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("failed to delete job data: %w", err)
	}
	return nil
}

// PutAttachment stores a binary attachment for a job id
func (s *SQLiteStore) PutAttachment(ctx context.Context, jobID string, data []byte) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO job_attachments (job_id, data) VALUES (?, ?)`, jobID, data); err != nil {
		return fmt.Errorf("failed to write attachment: %w", err)
	}
	return nil
}

// GetAttachment retrieves the attachment for a job id
func (s *SQLiteStore) GetAttachment(ctx context.Context, jobID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM job_attachments WHERE job_id = ?`, jobID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get attachment: %w", err)
	}
	return data, nil
}

// DeleteAttachment erases the attachment for a job id
func (s *SQLiteStore) DeleteAttachment(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM job_attachments WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("failed to delete attachment: %w", err)
	}
	return nil
}

// Push appends a job id to the tail of a queue
func (s *SQLiteStore) Push(ctx context.Context, topic string, queue models.Queue, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_entries (topic, queue, seq, job_id)
		SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?
		FROM queue_entries WHERE topic = ? AND queue = ?`,
		topic, string(queue), jobID, topic, string(queue))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("job %s already queued for topic %s: %w", jobID, topic, err)
		}
		return fmt.Errorf("failed to push to %s:%s: %w", queue, topic, err)
	}
	return nil
}

// Claim atomically pops the head of incoming and appends it to processing
func (s *SQLiteStore) Claim(ctx context.Context, topic string) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	var jobID string
	err = tx.QueryRowContext(ctx, `
		SELECT seq, job_id FROM queue_entries
		WHERE topic = ? AND queue = ?
		ORDER BY seq ASC LIMIT 1`,
		topic, string(models.QueueIncoming)).Scan(&seq, &jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read incoming head: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM queue_entries WHERE topic = ? AND queue = ? AND seq = ?`,
		topic, string(models.QueueIncoming), seq); err != nil {
		return "", false, fmt.Errorf("failed to pop incoming head: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO queue_entries (topic, queue, seq, job_id)
		SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?
		FROM queue_entries WHERE topic = ? AND queue = ?`,
		topic, string(models.QueueProcessing), jobID,
		topic, string(models.QueueProcessing)); err != nil {
		return "", false, fmt.Errorf("failed to push to processing: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("failed to commit claim: %w", err)
	}

	return jobID, true, nil
}

// Move relocates a job id from one queue to the tail of another as a single
// atomic step
func (s *SQLiteStore) Move(ctx context.Context, topic string, from, to models.Queue, jobID string) error {
	return s.move(ctx, topic, from, to, jobID, false)
}

// MoveToHead relocates a job id from one queue to the head of another
func (s *SQLiteStore) MoveToHead(ctx context.Context, topic string, from, to models.Queue, jobID string) error {
	return s.move(ctx, topic, from, to, jobID, true)
}

func (s *SQLiteStore) move(ctx context.Context, topic string, from, to models.Queue, jobID string, head bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM queue_entries WHERE topic = ? AND queue = ? AND job_id = ?`,
		topic, string(from), jobID)
	if err != nil {
		return fmt.Errorf("failed to remove from %s:%s: %w", from, topic, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to inspect removal: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s not in %s:%s: %w", jobID, from, topic, ErrNotFound)
	}

	// seq values may go negative at the head; ordering only compares them
	insert := `
		INSERT INTO queue_entries (topic, queue, seq, job_id)
		SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?
		FROM queue_entries WHERE topic = ? AND queue = ?`
	if head {
		insert = `
		INSERT INTO queue_entries (topic, queue, seq, job_id)
		SELECT ?, ?, COALESCE(MIN(seq), 0) - 1, ?
		FROM queue_entries WHERE topic = ? AND queue = ?`
	}
	if _, err := tx.ExecContext(ctx, insert,
		topic, string(to), jobID, topic, string(to)); err != nil {
		return fmt.Errorf("failed to push to %s:%s: %w", to, topic, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit move: %w", err)
	}
	return nil
}

// Remove deletes a job id from a queue without relocating it
func (s *SQLiteStore) Remove(ctx context.Context, topic string, queue models.Queue, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_entries WHERE topic = ? AND queue = ? AND job_id = ?`,
		topic, string(queue), jobID)
	if err != nil {
		return fmt.Errorf("failed to remove from %s:%s: %w", queue, topic, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to inspect removal: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s not in %s:%s: %w", jobID, queue, topic, ErrNotFound)
	}
	return nil
}

// List returns the contents of a queue in order, head first
func (s *SQLiteStore) List(ctx context.Context, topic string, queue models.Queue) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id FROM queue_entries
		WHERE topic = ? AND queue = ?
		ORDER BY seq ASC`,
		topic, string(queue))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s:%s: %w", queue, topic, err)
	}
	defer rows.Close()

	var jobIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		jobIDs = append(jobIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue entries: %w", err)
	}
	return jobIDs, nil
}

// AcquireLock performs a set-if-absent write of the holder token
func (s *SQLiteStore) AcquireLock(ctx context.Context, topic, holder string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topic_locks (topic, holder, acquired_at) VALUES (?, ?, ?)`,
		topic, holder, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			current, _, herr := s.LockHolder(ctx, topic)
			if herr != nil {
				current = "unknown"
			}
			return &ErrLockHeld{Topic: topic, Holder: current}
		}
		return fmt.Errorf("failed to acquire lock for topic %s: %w", topic, err)
	}
	return nil
}

// ReleaseLock clears a topic lock regardless of who holds it
func (s *SQLiteStore) ReleaseLock(ctx context.Context, topic string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM topic_locks WHERE topic = ?`, topic); err != nil {
		return fmt.Errorf("failed to release lock for topic %s: %w", topic, err)
	}
	return nil
}

// LockHolder reports the current holder token for a topic, if any
func (s *SQLiteStore) LockHolder(ctx context.Context, topic string) (string, bool, error) {
	var holder string
	err := s.db.QueryRowContext(ctx,
		`SELECT holder FROM topic_locks WHERE topic = ?`, topic).Scan(&holder)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read lock for topic %s: %w", topic, err)
	}
	return holder, true, nil
}
