// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent lifecycle persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != MemoryPath {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every connection to :memory: is a separate database
	if path == MemoryPath {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agent_events (
			event_id   TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			peer_id    TEXT NOT NULL,
			state      TEXT NOT NULL,
			detail     TEXT NOT NULL DEFAULT '',
			pid        INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,

			CHECK (state IN ('starting', 'running', 'terminating', 'terminated', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_agent_events_agent
			ON agent_events(agent_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// RecordAgentEvent persists one lifecycle transition
func (s *SQLiteStore) RecordAgentEvent(ctx context.Context, ev *AgentEvent) error {
	if err := validateEvent(ev); err != nil {
		return err
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO agent_events (event_id, agent_id, peer_id, state, detail, pid, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		ev.ID,
		ev.AgentID,
		ev.PeerID,
		ev.State,
		ev.Detail,
		ev.Pid,
		ev.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting agent event: %w", err)
	}

	s.logger.Debug("recorded agent event",
		"event_id", ev.ID,
		"agent_id", ev.AgentID,
		"state", ev.State,
	)
	return nil
}

// ListAgentEvents returns events for agentID, newest first
func (s *SQLiteStore) ListAgentEvents(ctx context.Context, agentID string, limit int) ([]*AgentEvent, error) {
	query := `
		SELECT event_id, agent_id, peer_id, state, detail, pid, created_at
		FROM agent_events
		WHERE agent_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, agentID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying agent events: %w", err)
	}
	defer rows.Close()

	events := []*AgentEvent{}
	for rows.Next() {
		ev := &AgentEvent{}
		var createdAt int64
		if err := rows.Scan(
			&ev.ID,
			&ev.AgentID,
			&ev.PeerID,
			&ev.State,
			&ev.Detail,
			&ev.Pid,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning agent event: %w", err)
		}
		ev.CreatedAt = time.Unix(0, createdAt)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent events: %w", err)
	}
	return events, nil
}
