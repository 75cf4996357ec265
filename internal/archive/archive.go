// Package archive keeps a durable log of observed and sent messages.
// Mirrored message ids are positional and unstable across polls, so the
// archive records content rows rather than trying to key on them.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/moltbot/moltbot/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	direction TEXT NOT NULL,
	body TEXT NOT NULL,
	time_label TEXT NOT NULL DEFAULT '',
	observed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, id);
`

// Entry is one archived message row.
type Entry struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Direction      string    `json:"direction"`
	Body           string    `json:"body"`
	TimeLabel      string    `json:"time_label,omitempty"`
	ObservedAt     time.Time `json:"observed_at"`
}

// Store is the SQLite-backed archive.
type Store struct {
	db *sql.DB
}

// Open creates or opens the archive database at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create archive directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	// SQLite doesn't handle concurrent writers well; all access goes
	// through one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping archive: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create archive schema: %w", err)
	}

	logging.Infof("message archive at %s", path)
	return &Store{db: db}, nil
}

// Record appends one message row.
func (s *Store) Record(ctx context.Context, conversationID, direction, body, timeLabel string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, direction, body, time_label, observed_at)
		 VALUES (?, ?, ?, ?, ?)`,
		conversationID, direction, body, timeLabel, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	return nil
}

// History returns up to limit most recent rows for one conversation,
// oldest first.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, direction, body, time_label, observed_at
		 FROM (
			SELECT * FROM messages WHERE conversation_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.Direction, &e.Body, &e.TimeLabel, &e.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
