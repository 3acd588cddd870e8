package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// RunRecord is one row of local run history
type RunRecord struct {
	RunID      string
	State      string
	ResultPath string
	Error      string
	StartedAt  time.Time
	UpdatedAt  time.Time
}

// EventRecord is one streamed event persisted for later inspection
type EventRecord struct {
	ID        int64
	RunID     string
	Class     string
	Line      string
	CreatedAt time.Time
}

// DB wraps the SQLite history store
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection and initializes the schema
func NewDB(dbPath string) (*DB, error) {
	if !strings.HasPrefix(dbPath, ":memory:") {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory failed: %w", err)
		}
		// WAL mode for better concurrency; modernc's driver takes pragmas
		// via _pragma, not the mattn-style _journal_mode parameters
		dbPath += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}

	// SQLite works best with limited connections
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema failed: %w", err)
	}

	return db, nil
}

// initSchema creates the necessary tables
func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		result_path TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS run_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL DEFAULT '',
		class TEXT NOT NULL DEFAULT '',
		line TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events(run_id);
	CREATE INDEX IF NOT EXISTS idx_run_events_created_at ON run_events(created_at);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// UpsertRun inserts or updates a run's lifecycle row
func (db *DB) UpsertRun(rec *RunRecord) error {
	query := `
		INSERT INTO runs (run_id, state, result_path, error, started_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(run_id) DO UPDATE SET
			state = excluded.state,
			result_path = CASE WHEN excluded.result_path != '' THEN excluded.result_path ELSE runs.result_path END,
			error = CASE WHEN excluded.error != '' THEN excluded.error ELSE runs.error END,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err := db.conn.Exec(query, rec.RunID, rec.State, rec.ResultPath, rec.Error)
	return err
}

// AppendEvent persists one rendered event line
func (db *DB) AppendEvent(runID, class, line string) error {
	_, err := db.conn.Exec(
		`INSERT INTO run_events (run_id, class, line) VALUES (?, ?, ?)`,
		runID, class, line,
	)
	return err
}

// RecentEvents returns the newest events, most recent first
func (db *DB) RecentEvents(limit int) ([]EventRecord, error) {
	rows, err := db.conn.Query(`
		SELECT id, run_id, class, line, created_at
		FROM run_events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(&e.ID, &e.RunID, &e.Class, &e.Line, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// AggregateStats holds aggregate statistics from the history store
type AggregateStats struct {
	TotalRuns    int
	FinishedRuns int
	FailedRuns   int
	TotalEvents  int
	TodayEvents  int
}

// GetAggregateStats returns aggregate statistics over all recorded runs
func (db *DB) GetAggregateStats() (*AggregateStats, error) {
	stats := &AggregateStats{}

	err := db.conn.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN state IN ('finished', 'success') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state IN ('error', 'fail') THEN 1 ELSE 0 END), 0)
		FROM runs
	`).Scan(&stats.TotalRuns, &stats.FinishedRuns, &stats.FailedRuns)
	if err != nil {
		return nil, fmt.Errorf("query run stats: %w", err)
	}

	err = db.conn.QueryRow(`SELECT COUNT(*) FROM run_events`).Scan(&stats.TotalEvents)
	if err != nil {
		return nil, fmt.Errorf("query event total: %w", err)
	}

	// CURRENT_TIMESTAMP is UTC in sqlite
	today := time.Now().UTC().Format("2006-01-02")
	err = db.conn.QueryRow(`
		SELECT COUNT(*) FROM run_events WHERE DATE(created_at) = ?
	`, today).Scan(&stats.TodayEvents)
	if err != nil {
		return nil, fmt.Errorf("query today stats: %w", err)
	}

	return stats, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}
