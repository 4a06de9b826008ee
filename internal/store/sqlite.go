// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent/thread/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

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

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
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
		CREATE TABLE IF NOT EXISTS agents (
			agent_id   TEXT PRIMARY KEY,
			last_seen  DATETIME NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS threads (
			id            TEXT PRIMARY KEY,
			subject       TEXT NOT NULL,
			participants  TEXT NOT NULL,
			priority      TEXT NOT NULL DEFAULT 'normal',
			state         TEXT NOT NULL DEFAULT 'active',
			last_activity DATETIME NOT NULL,
			created_at    DATETIME NOT NULL,

			CHECK (priority IN ('high', 'normal', 'low')),
			CHECK (state IN ('active', 'archived', 'closed'))
		);

		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			thread_id  TEXT NOT NULL,
			sender     TEXT NOT NULL,
			recipient  TEXT NOT NULL,
			subject    TEXT NOT NULL,
			content    TEXT NOT NULL,
			priority   TEXT NOT NULL DEFAULT 'normal',
			state      TEXT NOT NULL DEFAULT 'sent',
			reply_to   TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (thread_id) REFERENCES threads(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_thread_created
			ON messages(thread_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_messages_recipient_created
			ON messages(recipient, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent record by ID
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	query := `SELECT agent_id, last_seen, created_at FROM agents WHERE agent_id = ?`

	agent := &Agent{}
	var lastSeen, createdAt string
	err := s.db.QueryRowContext(ctx, query, agentID).Scan(&agent.AgentID, &lastSeen, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}

	if agent.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, err
	}
	if agent.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return agent, nil
}

// UpsertAgentLastSeen records the most recent sighting of an agent,
// creating the record on first contact.
func (s *SQLiteStore) UpsertAgentLastSeen(ctx context.Context, agentID string, lastSeen time.Time) error {
	query := `
		INSERT INTO agents (agent_id, last_seen, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET last_seen = excluded.last_seen
	`
	_, err := s.db.ExecContext(ctx, query,
		agentID,
		lastSeen.Format(time.RFC3339),
		lastSeen.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}
	return nil
}

// CreateThread persists a new thread
func (s *SQLiteStore) CreateThread(ctx context.Context, thread *Thread) error {
	query := `
		INSERT INTO threads (id, subject, participants, priority, state, last_activity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		thread.ID,
		thread.Subject,
		strings.Join(thread.Participants, ","),
		string(thread.Priority),
		string(thread.State),
		thread.LastActivity.Format(time.RFC3339),
		thread.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateThread
		}
		return fmt.Errorf("inserting thread: %w", err)
	}
	return nil
}

// GetThread retrieves a thread by ID
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	query := `
		SELECT id, subject, participants, priority, state, last_activity, created_at
		FROM threads WHERE id = ?
	`

	thread := &Thread{}
	var participants, priority, state, lastActivity, createdAt string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&thread.ID, &thread.Subject, &participants, &priority, &state, &lastActivity, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying thread: %w", err)
	}

	if participants != "" {
		thread.Participants = strings.Split(participants, ",")
	}
	thread.Priority = Priority(priority)
	thread.State = ThreadState(state)
	if thread.LastActivity, err = parseTime(lastActivity); err != nil {
		return nil, err
	}
	if thread.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return thread, nil
}

// UpdateThread updates a thread's mutable fields
func (s *SQLiteStore) UpdateThread(ctx context.Context, thread *Thread) error {
	query := `
		UPDATE threads
		SET subject = ?, priority = ?, state = ?, last_activity = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		thread.Subject,
		string(thread.Priority),
		string(thread.State),
		thread.LastActivity.Format(time.RFC3339),
		thread.ID,
	)
	if err != nil {
		return fmt.Errorf("updating thread: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveMessage persists a message to the log
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (id, thread_id, sender, recipient, subject, content, priority, state, reply_to, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ThreadID,
		msg.Sender,
		msg.Recipient,
		msg.Subject,
		msg.Content,
		string(msg.Priority),
		string(msg.State),
		nullable(msg.ReplyTo),
		msg.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message",
		"message_id", msg.ID,
		"thread_id", msg.ThreadID,
		"sender", msg.Sender,
	)
	return nil
}

// GetMessage retrieves a single message by ID
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := `
		SELECT id, thread_id, sender, recipient, subject, content, priority, state, reply_to, created_at
		FROM messages WHERE id = ?
	`
	return s.scanMessage(s.db.QueryRowContext(ctx, query, id))
}

// UpdateMessageState transitions a message's delivery state
func (s *SQLiteStore) UpdateMessageState(ctx context.Context, id string, state DeliveryState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("updating message state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetThreadMessages returns messages for a thread in chronological order
func (s *SQLiteStore) GetThreadMessages(ctx context.Context, threadID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, thread_id, sender, recipient, subject, content, priority, state, reply_to, created_at
		FROM messages
		WHERE thread_id = ?
		ORDER BY created_at ASC
		LIMIT ?
	`
	return s.queryMessages(ctx, query, threadID, limit)
}

// ListInbox returns the most recent messages addressed to an agent
func (s *SQLiteStore) ListInbox(ctx context.Context, agentID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, thread_id, sender, recipient, subject, content, priority, state, reply_to, created_at
		FROM messages
		WHERE recipient = ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	return s.queryMessages(ctx, query, agentID, limit)
}

// Close releases the underlying database handle
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanMessage(row rowScanner) (*Message, error) {
	msg := &Message{}
	var priority, state, createdAt string
	var replyTo sql.NullString
	err := row.Scan(
		&msg.ID, &msg.ThreadID, &msg.Sender, &msg.Recipient, &msg.Subject,
		&msg.Content, &priority, &state, &replyTo, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	msg.Priority = Priority(priority)
	msg.State = DeliveryState(state)
	if replyTo.Valid {
		msg.ReplyTo = replyTo.String
	}
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
