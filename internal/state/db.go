// Package state provides durable, write-once storage of workflow execution
// snapshots. The default backend is SQLite (~/.local/share/relay/relay.db);
// a file-per-snapshot backend and an in-memory backend are also provided.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ShayCichocki/relay/pkg/models"
)

// DB wraps an SQLite database connection with snapshot operations.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
	now  func() time.Time
}

// DefaultDBPath returns the path to the user-level relay database.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "relay", "relay.db")
}

// ProjectDBPath returns the path to the project-local database.
func ProjectDBPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".relay", "state.db")
}

// Open opens an SQLite database at the given path.
// It creates the parent directories if they don't exist.
// WAL mode is enabled for concurrent reads.
func Open(path string) (*DB, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for concurrent reads
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Commits must be durable before Save returns.
	if _, err := conn.Exec("PRAGMA synchronous=FULL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set synchronous mode: %w", err)
	}

	return &DB{conn: conn, path: path, now: time.Now}, nil
}

// OpenAndMigrate opens the database and applies pending migrations.
func OpenAndMigrate(path string) (*DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	// Create schema version table
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	// Get current version
	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	// Apply migrations
	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Snapshots},
		{2, migrationV2Workflows},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Migration SQL statements
const migrationV1Snapshots = `
CREATE TABLE IF NOT EXISTS snapshots (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	payload BLOB NOT NULL,
	UNIQUE (workflow_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_snapshots_workflow ON snapshots(workflow_id, sequence);

CREATE TRIGGER IF NOT EXISTS snapshots_immutable_update
BEFORE UPDATE ON snapshots
BEGIN
	SELECT RAISE(ABORT, 'snapshots are immutable');
END;

CREATE TRIGGER IF NOT EXISTS snapshots_immutable_delete
BEFORE DELETE ON snapshots
BEGIN
	SELECT RAISE(ABORT, 'snapshots are immutable');
END;
`

const migrationV2Workflows = `
CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	goal TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	latest_snapshot_id TEXT NOT NULL REFERENCES snapshots(id),
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status);
`

// Transaction runs the given function within a transaction.
func (db *DB) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// Save inserts the snapshot and moves the workflow's latest pointer in one
// transaction. The snapshot becomes visible only when the commit succeeds.
func (db *DB) Save(ctx context.Context, snap *models.Snapshot) (string, error) {
	if err := validate(snap); err != nil {
		return "", err
	}
	c := snap.Clone()
	wfID := c.WorkflowID
	if wfID == "" {
		wfID = c.Workflow.ID
	}

	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		if c.ID != "" {
			var exists int
			err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM snapshots WHERE id = ?", c.ID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("check snapshot id: %w", err)
			}
			if exists > 0 {
				return fmt.Errorf("%w: %s", ErrSnapshotExists, c.ID)
			}
		}

		var last int64
		err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(sequence), 0) FROM snapshots WHERE workflow_id = ?", wfID).Scan(&last)
		if err != nil {
			return fmt.Errorf("get snapshot sequence: %w", err)
		}
		prepare(c, last+1, db.now())

		payload, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}

		status, goal := "", ""
		if c.Workflow != nil {
			status, goal = string(c.Workflow.Status), c.Workflow.Goal
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO snapshots (id, workflow_id, sequence, created_at, reason, status, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, c.ID, c.WorkflowID, c.Sequence, formatTime(c.CreatedAt), c.Reason, status, payload)
		if err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflows (id, goal, status, latest_snapshot_id, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				latest_snapshot_id = excluded.latest_snapshot_id,
				updated_at = excluded.updated_at
		`, c.WorkflowID, goal, status, c.ID, formatTime(c.CreatedAt))
		if err != nil {
			return fmt.Errorf("publish snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	snap.ID, snap.Sequence, snap.CreatedAt, snap.WorkflowID = c.ID, c.Sequence, c.CreatedAt, c.WorkflowID
	return c.ID, nil
}

// Load reads a snapshot by ID.
func (db *DB) Load(ctx context.Context, id string) (*models.Snapshot, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var payload []byte
	err := db.conn.QueryRowContext(ctx, "SELECT payload FROM snapshots WHERE id = ?", id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return decodePayload(id, payload)
}

// Latest follows the workflow's published pointer.
func (db *DB) Latest(ctx context.Context, workflowID string) (*models.Snapshot, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var id string
	var payload []byte
	err := db.conn.QueryRowContext(ctx, `
		SELECT s.id, s.payload FROM workflows w
		JOIN snapshots s ON s.id = w.latest_snapshot_id
		WHERE w.id = ?
	`, workflowID).Scan(&id, &payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load latest snapshot: %w", err)
	}
	return decodePayload(id, payload)
}

// List returns snapshot infos for a workflow in sequence order.
func (db *DB) List(ctx context.Context, workflowID string) ([]models.SnapshotInfo, error) {
	return db.queryInfos(ctx, `
		SELECT id, workflow_id, sequence, created_at, reason, status
		FROM snapshots WHERE workflow_id = ? ORDER BY sequence
	`, workflowID)
}

// Workflows returns the latest snapshot info per workflow, most recent first.
func (db *DB) Workflows(ctx context.Context) ([]models.SnapshotInfo, error) {
	return db.queryInfos(ctx, `
		SELECT s.id, s.workflow_id, s.sequence, s.created_at, s.reason, s.status
		FROM workflows w JOIN snapshots s ON s.id = w.latest_snapshot_id
		ORDER BY w.updated_at DESC, w.id
	`)
}

func (db *DB) queryInfos(ctx context.Context, query string, args ...any) ([]models.SnapshotInfo, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.SnapshotInfo
	for rows.Next() {
		var info models.SnapshotInfo
		var createdAt, status string
		if err := rows.Scan(&info.ID, &info.WorkflowID, &info.Sequence, &createdAt, &info.Reason, &status); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		info.Status = models.WorkflowStatus(status)
		if info.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse snapshot time: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func decodePayload(id string, payload []byte) (*models.Snapshot, error) {
	var snap models.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return &snap, nil
}

// timeLayout is fixed-width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
