// Package storage provides in-memory thread, report and context storage.
//
// Information Hiding:
// - Map storage structure hidden from users
// - Thread-safe access via RWMutex hidden behind interface
// - Suitable for testing and ephemeral sessions

package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/richinex/querypilot/model"
)

// InMemoryStorage implements Store using in-memory maps.
// Data is lost when process terminates.
type InMemoryStorage struct {
	mu       sync.RWMutex
	threads  map[string]*model.Thread
	reports  map[string]Report
	contexts map[string]string
}

// NewInMemoryStorage creates a new in-memory storage.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		threads:  make(map[string]*model.Thread),
		reports:  make(map[string]Report),
		contexts: make(map[string]string),
	}
}

// Close is a no-op.
func (s *InMemoryStorage) Close() error { return nil }

// CreateThread stores a new thread.
func (s *InMemoryStorage) CreateThread(ctx context.Context, thread model.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Make a copy to avoid external mutations
	copied := thread
	copied.Messages = make([]model.Message, len(thread.Messages))
	for i, msg := range thread.Messages {
		msg.ThreadID = thread.ID
		copied.Messages[i] = msg
	}
	s.threads[thread.ID] = &copied
	return nil
}

// AppendMessage appends msg and refreshes the thread summary.
func (s *InMemoryStorage) AppendMessage(ctx context.Context, threadID string, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[threadID]
	if !ok {
		return ErrNotFound
	}
	msg.ThreadID = threadID
	thread.Messages = append(thread.Messages, msg)
	thread.LastMessage = lastMessageSummary(msg)
	thread.Timestamp = msg.Timestamp
	return nil
}

// UpdateMessageText replaces the content of a message.
func (s *InMemoryStorage) UpdateMessageText(ctx context.Context, threadID, messageID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.findMessage(threadID, messageID)
	if err != nil {
		return err
	}
	msg.Content = text
	return nil
}

// ReplaceMessage overwrites the type and payload of an existing message.
func (s *InMemoryStorage) ReplaceMessage(ctx context.Context, threadID string, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.findMessage(threadID, msg.ID)
	if err != nil {
		return err
	}
	existing.Type = msg.Type
	existing.Content = msg.Content
	existing.ToolCall = msg.ToolCall
	existing.ToolResponse = msg.ToolResponse
	existing.Confirmation = msg.Confirmation
	return nil
}

// findMessage must be called with s.mu held.
func (s *InMemoryStorage) findMessage(threadID, messageID string) (*model.Message, error) {
	thread, ok := s.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	for i := range thread.Messages {
		if thread.Messages[i].ID == messageID {
			return &thread.Messages[i], nil
		}
	}
	return nil, ErrNotFound
}

// GetThread returns a copy of the thread with its messages.
func (s *InMemoryStorage) GetThread(ctx context.Context, threadID, userID string) (*model.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, ok := s.threads[threadID]
	if !ok || thread.UserID != userID {
		return nil, ErrNotFound
	}

	// Return a copy to avoid external mutations
	copied := *thread
	copied.Messages = make([]model.Message, len(thread.Messages))
	copy(copied.Messages, thread.Messages)
	return &copied, nil
}

// ListThreads returns the user's threads newest first, without messages.
func (s *InMemoryStorage) ListThreads(ctx context.Context, userID string) ([]model.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	threads := []model.Thread{}
	for _, thread := range s.threads {
		if thread.UserID != userID {
			continue
		}
		summary := *thread
		summary.Messages = nil
		threads = append(threads, summary)
	}
	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].Timestamp.After(threads[j].Timestamp)
	})
	return threads, nil
}

// DeleteThread removes a thread owned by userID.
func (s *InMemoryStorage) DeleteThread(ctx context.Context, threadID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[threadID]
	if !ok || thread.UserID != userID {
		return false, nil
	}
	delete(s.threads, threadID)
	return true, nil
}

// RenameThread sets a new title.
func (s *InMemoryStorage) RenameThread(ctx context.Context, threadID, userID, title string) (bool, error) {
	if title == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[threadID]
	if !ok || thread.UserID != userID {
		return false, nil
	}
	thread.Title = title
	return true, nil
}

// GetReport returns a cached report.
func (s *InMemoryStorage) GetReport(ctx context.Context, key string) (Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report, ok := s.reports[key]
	if !ok {
		return Report{}, ErrNotFound
	}
	return report, nil
}

// UpsertReport stores a report, replacing any previous entry.
func (s *InMemoryStorage) UpsertReport(ctx context.Context, report Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reports[report.Key] = report
	return nil
}

// GetGlobalContext returns the user's global context or "".
func (s *InMemoryStorage) GetGlobalContext(ctx context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.contexts[userID], nil
}

// SaveGlobalContext upserts the user's global context.
func (s *InMemoryStorage) SaveGlobalContext(ctx context.Context, userID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.contexts[userID] = content
	return nil
}

var _ Store = (*InMemoryStorage)(nil)

