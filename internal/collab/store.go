// ABOUTME: SQLite-backed store for the append-only collaboration log.
// ABOUTME: Creates the schema on open; entries are immutable once written.

package collab

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store persists collaboration log entries. Entries are append-only: nothing
// mutates or removes them during normal operation; Prune exists only as a
// retention mechanism driven by configuration.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore opens (or creates) the collaboration log database at path.
// Pass ":memory:" for an ephemeral in-memory log.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "collab")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("collaboration log initialized", "path", path)
	return s, nil
}

// createSchema creates the log table if it doesn't exist. The AUTOINCREMENT
// rowid is the entry id: monotonic, unique, and insertion-ordered.
func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS collab_log (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			type         TEXT NOT NULL,
			ts           TEXT NOT NULL,
			agent        TEXT,
			tool         TEXT,
			status       TEXT NOT NULL,
			payload_json TEXT,
			parent_id    INTEGER REFERENCES collab_log(id) ON DELETE SET NULL,

			CHECK (type IN ('decision', 'schedule', 'execution', 'broadcast')),
			CHECK (status IN ('pending', 'success', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_collab_agent ON collab_log(agent);
		CREATE INDEX IF NOT EXISTS idx_collab_type ON collab_log(type);
		CREATE INDEX IF NOT EXISTS idx_collab_ts ON collab_log(ts);
		CREATE INDEX IF NOT EXISTS idx_collab_parent ON collab_log(parent_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.logger.Info("closing collaboration log")
	return s.db.Close()
}
