// Package storage provides persistence collaborators for threads, cached
// reports and per-user global context.
//
// Information Hiding:
// - Storage backend implementation details hidden behind interfaces
// - Allows swapping between memory, SQLite and Firestore without API changes
// - Each implementation encapsulates its own schema and ordering guarantees

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richinex/querypilot/model"
)

// ErrNotFound is returned when a thread, message or report does not exist
// (or is not owned by the requesting user).
var ErrNotFound = errors.New("not found")

// interactiveSummary is the last_message text for non-text payloads.
const interactiveSummary = "Interactive Message"

// ThreadStore persists conversation threads. Messages are append-only;
// only the payload of an existing message may be replaced.
type ThreadStore interface {
	// CreateThread stores a new thread together with its initial messages.
	CreateThread(ctx context.Context, thread model.Thread) error

	// AppendMessage adds msg at the end of the thread and refreshes the
	// thread's last message summary and timestamp.
	AppendMessage(ctx context.Context, threadID string, msg model.Message) error

	// UpdateMessageText replaces the text content of a message. Calling it
	// again with the same text leaves the message unchanged.
	UpdateMessageText(ctx context.Context, threadID, messageID, text string) error

	// ReplaceMessage overwrites the type and payload of an existing message.
	ReplaceMessage(ctx context.Context, threadID string, msg model.Message) error

	// GetThread returns the thread with its messages in append order.
	// Returns ErrNotFound if the thread does not exist for userID.
	GetThread(ctx context.Context, threadID, userID string) (*model.Thread, error)

	// ListThreads returns the user's threads without messages, newest first.
	ListThreads(ctx context.Context, userID string) ([]model.Thread, error)

	// DeleteThread removes a thread owned by userID. Reports whether one was removed.
	DeleteThread(ctx context.Context, threadID, userID string) (bool, error)

	// RenameThread sets a new non-empty title. Reports whether a thread changed.
	RenameThread(ctx context.Context, threadID, userID, title string) (bool, error)
}

// Report is a cached exploration report.
type Report struct {
	Key      string
	Content  string
	CachedAt time.Time // zero when the backend has no timestamp for the entry
}

// ReportStore is the key/value store behind the report cache.
type ReportStore interface {
	// GetReport returns ErrNotFound when no entry exists for key.
	GetReport(ctx context.Context, key string) (Report, error)

	// UpsertReport replaces any entry with the same key.
	UpsertReport(ctx context.Context, report Report) error
}

// ContextStore keeps one free-text global context per user.
type ContextStore interface {
	// GetGlobalContext returns "" when the user has none.
	GetGlobalContext(ctx context.Context, userID string) (string, error)
	SaveGlobalContext(ctx context.Context, userID, content string) error
}

// Store is implemented by every backend.
type Store interface {
	ThreadStore
	ReportStore
	ContextStore
	Close() error
}

// lastMessageSummary mirrors what thread listings show for msg.
func lastMessageSummary(msg model.Message) string {
	switch msg.Type {
	case model.TypeText, model.TypeError, "":
		return model.Truncate(msg.Content, 100)
	default:
		return interactiveSummary
	}
}

// Options selects and configures a backend for Open.
type Options struct {
	Backend    string // sqlite, memory, firestore
	SQLitePath string
	GCPProject string
}

// Open creates the backend named by opts.Backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "memory":
		return NewInMemoryStorage(), nil
	case "sqlite", "":
		return OpenSqlite(opts.SQLitePath)
	case "firestore":
		return NewFirestoreStorage(ctx, opts.GCPProject)
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", opts.Backend)
	}
}
