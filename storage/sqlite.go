// Package storage provides SQLite thread, report and context storage.
//
// Information Hiding:
// - SQLite connection management hidden behind interface
// - Schema and migration details encapsulated
// - Message payloads serialized as JSON columns

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/richinex/querypilot/model"
)

// SqliteStorage implements Store using SQLite.
// A single connection serializes writers, which SQLite requires anyway
// and which keeps ":memory:" databases shared across calls.
type SqliteStorage struct {
	db *sql.DB
}

// OpenSqlite opens or creates a SQLite database at the given path.
// Creates parent directories if they don't exist.
func OpenSqlite(path string) (*SqliteStorage, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	return newSqliteStorage(db)
}

// NewSqliteInMemory creates an in-memory database (useful for testing).
func NewSqliteInMemory() (*SqliteStorage, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory SQLite: %w", err)
	}
	return newSqliteStorage(db)
}

func newSqliteStorage(db *sql.DB) (*SqliteStorage, error) {
	db.SetMaxOpenConns(1)

	storage := &SqliteStorage{db: db}
	if err := storage.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return storage, nil
}

// Close closes the database connection.
func (s *SqliteStorage) Close() error {
	return s.db.Close()
}

func (s *SqliteStorage) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			last_message TEXT NOT NULL DEFAULT '',
			timestamp INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_threads_user
		ON threads(user_id, timestamp DESC);

		CREATE TABLE IF NOT EXISTS messages (
			position INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			thread_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			payload TEXT,
			timestamp INTEGER NOT NULL,
			FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_messages_thread
		ON messages(thread_id, position);

		CREATE TABLE IF NOT EXISTS sql_reports_cache (
			cache_key TEXT PRIMARY KEY,
			report_content TEXT NOT NULL,
			cached_at INTEGER
		);

		CREATE TABLE IF NOT EXISTS global_context (
			user_id TEXT PRIMARY KEY,
			context TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// messagePayload holds the structured parts of a message in one JSON column.
type messagePayload struct {
	ToolCall     *model.ToolCallRequest `json:"tool_call,omitempty"`
	ToolResponse *model.ToolCallResult  `json:"tool_response,omitempty"`
	Confirmation *model.Confirmation    `json:"confirmation,omitempty"`
}

func encodePayload(msg model.Message) (any, error) {
	if msg.ToolCall == nil && msg.ToolResponse == nil && msg.Confirmation == nil {
		return nil, nil
	}
	raw, err := json.Marshal(messagePayload{
		ToolCall:     msg.ToolCall,
		ToolResponse: msg.ToolResponse,
		Confirmation: msg.Confirmation,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode message payload: %w", err)
	}
	return string(raw), nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, threadID string, msg model.Message) error {
	payload, err := encodePayload(msg)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, user_id, role, type, content, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, threadID, msg.UserID, string(msg.Role), string(msg.Type), msg.Content, payload,
		msg.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// CreateThread stores a new thread with its initial messages.
func (s *SqliteStorage) CreateThread(ctx context.Context, thread model.Thread) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// defer tx.Rollback() is safe even after Commit() - it becomes a no-op
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO threads (id, user_id, title, last_message, timestamp) VALUES (?, ?, ?, ?, ?)",
		thread.ID, thread.UserID, thread.Title, thread.LastMessage, thread.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert thread: %w", err)
	}

	for _, msg := range thread.Messages {
		if err := insertMessage(ctx, tx, thread.ID, msg); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AppendMessage appends msg and refreshes the thread summary.
func (s *SqliteStorage) AppendMessage(ctx context.Context, threadID string, msg model.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		"UPDATE threads SET last_message = ?, timestamp = ? WHERE id = ?",
		lastMessageSummary(msg), msg.Timestamp.UnixNano(), threadID)
	if err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := insertMessage(ctx, tx, threadID, msg); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateMessageText replaces the content of a message.
func (s *SqliteStorage) UpdateMessageText(ctx context.Context, threadID, messageID, text string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET content = ? WHERE thread_id = ? AND id = ?",
		text, threadID, messageID)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	return requireRow(res)
}

// ReplaceMessage overwrites the type and payload of an existing message.
func (s *SqliteStorage) ReplaceMessage(ctx context.Context, threadID string, msg model.Message) error {
	payload, err := encodePayload(msg)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET type = ?, content = ?, payload = ? WHERE thread_id = ? AND id = ?",
		string(msg.Type), msg.Content, payload, threadID, msg.ID)
	if err != nil {
		return fmt.Errorf("failed to replace message: %w", err)
	}
	return requireRow(res)
}

// requireRow maps an UPDATE that touched nothing to ErrNotFound. SQLite
// counts matched rows, so rewriting identical content still reports one.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetThread returns the thread with its messages in append order.
func (s *SqliteStorage) GetThread(ctx context.Context, threadID, userID string) (*model.Thread, error) {
	var (
		thread model.Thread
		ts     int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, title, last_message, timestamp FROM threads WHERE id = ? AND user_id = ?",
		threadID, userID).Scan(&thread.ID, &thread.UserID, &thread.Title, &thread.LastMessage, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query thread: %w", err)
	}
	thread.Timestamp = unixNano(ts)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, role, type, content, payload, timestamp
		FROM messages WHERE thread_id = ? ORDER BY position ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	thread.Messages = []model.Message{}
	for rows.Next() {
		var (
			msg       model.Message
			role, typ string
			payload   sql.NullString
			msgTS     int64
		)
		if err := rows.Scan(&msg.ID, &msg.UserID, &role, &typ, &msg.Content, &payload, &msgTS); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.ThreadID = threadID
		msg.Role = model.Role(role)
		msg.Type = model.MessageType(typ)
		msg.Timestamp = unixNano(msgTS)
		if payload.Valid {
			var p messagePayload
			if err := json.Unmarshal([]byte(payload.String), &p); err != nil {
				return nil, fmt.Errorf("failed to decode message payload: %w", err)
			}
			msg.ToolCall, msg.ToolResponse, msg.Confirmation = p.ToolCall, p.ToolResponse, p.Confirmation
		}
		thread.Messages = append(thread.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return &thread, nil
}

// ListThreads returns the user's threads newest first, without messages.
func (s *SqliteStorage) ListThreads(ctx context.Context, userID string) ([]model.Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, last_message, timestamp
		FROM threads WHERE user_id = ? ORDER BY timestamp DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	threads := []model.Thread{} // Start with empty slice, not nil
	for rows.Next() {
		var (
			thread model.Thread
			ts     int64
		)
		if err := rows.Scan(&thread.ID, &thread.UserID, &thread.Title, &thread.LastMessage, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		thread.Timestamp = unixNano(ts)
		threads = append(threads, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating threads: %w", err)
	}

	return threads, nil
}

// DeleteThread removes a thread and its messages.
func (s *SqliteStorage) DeleteThread(ctx context.Context, threadID, userID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "DELETE FROM threads WHERE id = ? AND user_id = ?", threadID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to delete thread: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	// Foreign keys are off by default in SQLite, so cascade by hand.
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE thread_id = ?", threadID); err != nil {
		return false, fmt.Errorf("failed to delete messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// RenameThread sets a new title.
func (s *SqliteStorage) RenameThread(ctx context.Context, threadID, userID, title string) (bool, error) {
	if title == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE threads SET title = ? WHERE id = ? AND user_id = ?", title, threadID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to rename thread: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// GetReport returns a cached report. CachedAt is zero when the row has no timestamp.
func (s *SqliteStorage) GetReport(ctx context.Context, key string) (Report, error) {
	var (
		report   = Report{Key: key}
		cachedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT report_content, cached_at FROM sql_reports_cache WHERE cache_key = ?", key).
		Scan(&report.Content, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, ErrNotFound
	}
	if err != nil {
		return Report{}, fmt.Errorf("failed to query report: %w", err)
	}
	if cachedAt.Valid {
		report.CachedAt = unixNano(cachedAt.Int64)
	}
	return report, nil
}

// UpsertReport stores a report, replacing any previous entry.
func (s *SqliteStorage) UpsertReport(ctx context.Context, report Report) error {
	var cachedAt any
	if !report.CachedAt.IsZero() {
		cachedAt = report.CachedAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sql_reports_cache (cache_key, report_content, cached_at) VALUES (?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			report_content = excluded.report_content,
			cached_at = excluded.cached_at`,
		report.Key, report.Content, cachedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert report: %w", err)
	}
	return nil
}

// GetGlobalContext returns the user's global context or "".
func (s *SqliteStorage) GetGlobalContext(ctx context.Context, userID string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx,
		"SELECT context FROM global_context WHERE user_id = ?", userID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query global context: %w", err)
	}
	return content, nil
}

// SaveGlobalContext upserts the user's global context.
func (s *SqliteStorage) SaveGlobalContext(ctx context.Context, userID, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO global_context (user_id, context, updated_at) VALUES (?, ?, ?)`,
		userID, content, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save global context: %w", err)
	}
	return nil
}

var _ Store = (*SqliteStorage)(nil)

// unixNano converts a stored integer back to UTC time. Zero stays zero.
func unixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
