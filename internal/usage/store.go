package usage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_history (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id            INTEGER NOT NULL UNIQUE,
    command           TEXT NOT NULL,
    label             TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL,
    errorlevel        INTEGER NOT NULL DEFAULT 0,
    started_at        TEXT NOT NULL,
    completed_at      TEXT NOT NULL,
    user_ms           REAL NOT NULL DEFAULT 0,
    system_ms         REAL NOT NULL DEFAULT 0,
    real_ms           REAL NOT NULL DEFAULT 0,
    error_message     TEXT NOT NULL DEFAULT '',
    node_id           TEXT NOT NULL DEFAULT '',
    synced            INTEGER NOT NULL DEFAULT 0,
    created_at        TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_job_history_synced ON job_history(synced) WHERE synced = 0;
`

// Store provides SQLite-backed storage for job history records.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the history database at dbPath and runs
// migrations.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open job history db: %w", err)
	}

	// Enable WAL mode for concurrent reads during sync
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	// Run schema migrations
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Insert stores a job history record. Duplicate job_id inserts are silently
// ignored — a job is archived exactly once, when it reaches a terminal
// state.
func (s *Store) Insert(r JobHistoryRecord) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO job_history (
			job_id, command, label, status, errorlevel,
			started_at, completed_at,
			user_ms, system_ms, real_ms,
			error_message, node_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.JobID, r.Command, r.Label, r.Status, r.Errorlevel,
		r.StartedAt.UTC().Format(time.RFC3339), r.CompletedAt.UTC().Format(time.RFC3339),
		r.UserMs, r.SystemMs, r.RealMs,
		r.ErrorMessage, r.NodeID,
	)
	if err != nil {
		return fmt.Errorf("insert job history record: %w", err)
	}
	return nil
}

// QueryUnsynced returns up to limit records that have not been synced.
func (s *Store) QueryUnsynced(limit int) ([]JobHistoryRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, job_id, command, label, status, errorlevel,
		       started_at, completed_at,
		       user_ms, system_ms, real_ms,
		       error_message, node_id
		FROM job_history
		WHERE synced = 0
		ORDER BY id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unsynced: %w", err)
	}
	defer rows.Close()

	return scanHistoryRows(rows)
}

// QueryRecent returns the most recent limit records regardless of sync
// status, newest first — backs `ts history`.
func (s *Store) QueryRecent(limit int) ([]JobHistoryRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, job_id, command, label, status, errorlevel,
		       started_at, completed_at,
		       user_ms, system_ms, real_ms,
		       error_message, node_id
		FROM job_history
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	return scanHistoryRows(rows)
}

func scanHistoryRows(rows *sql.Rows) ([]JobHistoryRecord, error) {
	var records []JobHistoryRecord
	for rows.Next() {
		var r JobHistoryRecord
		var startedAt, completedAt string
		if err := rows.Scan(
			&r.ID, &r.JobID, &r.Command, &r.Label, &r.Status, &r.Errorlevel,
			&startedAt, &completedAt,
			&r.UserMs, &r.SystemMs, &r.RealMs,
			&r.ErrorMessage, &r.NodeID,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, startedAt); err == nil {
			r.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339, completedAt); err == nil {
			r.CompletedAt = t
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// MarkSynced sets the synced flag to 1 for the given record IDs.
func (s *Store) MarkSynced(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("UPDATE job_history SET synced = 1 WHERE id = ?")
	if err != nil {
		return fmt.Errorf("prepare update: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			return fmt.Errorf("mark synced id=%d: %w", id, err)
		}
	}

	return tx.Commit()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
