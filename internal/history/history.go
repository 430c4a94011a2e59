// Package history keeps a local SQLite log of commands sent to the debugger.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/ylhao666/AI-WinDBG/internal/log"
)

// Kind says how a command was entered.
type Kind string

const (
	KindCommand Kind = "command"
	KindNatural Kind = "natural"
)

// Entry is one executed command.
type Entry struct {
	ID        int64
	Kind      Kind
	Input     string // what the user typed
	Command   string // what the debugger ran (differs from Input for natural language)
	Mode      string
	Success   bool
	CreatedAt time.Time
}

// Store wraps the SQLite database
type Store struct {
	conn *sql.DB
	log  zerolog.Logger
}

// Open creates or opens the database at path and initializes the schema.
// The special path ":memory:" keeps everything in memory.
func Open(path string, logger *zerolog.Logger) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// SQLite works best with a single writer; this also keeps one shared
	// in-memory database alive.
	conn.SetMaxOpenConns(1)

	s := &Store{conn: conn, log: log.OrComponent(logger, "history")}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		input TEXT NOT NULL,
		command TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_commands_created_at ON commands(created_at);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// Record inserts e and sets its ID. A zero CreatedAt is set to now.
func (s *Store) Record(ctx context.Context, e *Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Command == "" {
		e.Command = e.Input
	}

	result, err := s.conn.ExecContext(ctx, `
		INSERT INTO commands (kind, input, command, mode, success, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(e.Kind), e.Input, e.Command, e.Mode, e.Success, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = id
	s.log.Debug().Int64("id", id).Str("kind", string(e.Kind)).Msg("recorded command")
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, kind, input, command, mode, success, created_at
		FROM commands
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var kind string
		if err := rows.Scan(&e.ID, &kind, &e.Input, &e.Command, &e.Mode, &e.Success, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		e.Kind = Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM commands`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count commands: %w", err)
	}
	return n, nil
}

// Clear deletes every entry.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM commands`); err != nil {
		return fmt.Errorf("clear commands: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.conn.Close()
}
