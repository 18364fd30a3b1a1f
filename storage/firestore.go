package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/cespare/xxhash/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/richinex/querypilot/model"
)

// FirestoreStorage implements Store on Cloud Firestore.
//
// Layout:
//
//	threads/{thread_id}                  thread summary and message_count
//	threads/{thread_id}/messages/{id}    messages, ordered by seq
//	sql_reports_cache/{xxhash(key)}      cached reports
//	global_context/{user_id}             per-user context
type FirestoreStorage struct {
	client *firestore.Client
}

// NewFirestoreStorage creates a Firestore store for projectID.
// Honors FIRESTORE_EMULATOR_HOST like every Firestore client.
func NewFirestoreStorage(ctx context.Context, projectID string) (*FirestoreStorage, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required for Firestore store")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	return &FirestoreStorage{client: client}, nil
}

// Close closes the underlying client.
func (s *FirestoreStorage) Close() error {
	return s.client.Close()
}

// ─────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────

func (s *FirestoreStorage) threadsCol() *firestore.CollectionRef {
	return s.client.Collection("threads")
}

func (s *FirestoreStorage) threadDoc(id string) *firestore.DocumentRef {
	return s.threadsCol().Doc(id)
}

func (s *FirestoreStorage) messagesCol(threadID string) *firestore.CollectionRef {
	return s.threadDoc(threadID).Collection("messages")
}

func (s *FirestoreStorage) messageDoc(threadID, messageID string) *firestore.DocumentRef {
	return s.messagesCol(threadID).Doc(messageID)
}

// reportDoc hashes the key because cache keys contain '/' (file paths),
// which Firestore does not allow in document ids.
func (s *FirestoreStorage) reportDoc(key string) *firestore.DocumentRef {
	return s.client.Collection("sql_reports_cache").Doc(fmt.Sprintf("%016x", xxhash.Sum64String(key)))
}

func (s *FirestoreStorage) contextDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection("global_context").Doc(userID)
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// ─────────────────────────────────────────
// Firestore Types
// ─────────────────────────────────────────

type threadDoc struct {
	UserID       string    `firestore:"user_id"`
	Title        string    `firestore:"title"`
	LastMessage  string    `firestore:"last_message"`
	Timestamp    time.Time `firestore:"timestamp"`
	MessageCount int64     `firestore:"message_count"`
}

type messageDoc struct {
	Seq       int64     `firestore:"seq"`
	UserID    string    `firestore:"user_id"`
	Role      string    `firestore:"role"`
	Type      string    `firestore:"type"`
	Content   string    `firestore:"content"`
	Payload   string    `firestore:"payload"`
	Timestamp time.Time `firestore:"timestamp"`
}

type reportDoc struct {
	CacheKey      string     `firestore:"cache_key"`
	ReportContent string     `firestore:"report_content"`
	CachedAt      *time.Time `firestore:"cached_at"`
}

type contextDoc struct {
	UserID    string    `firestore:"user_id"`
	Context   string    `firestore:"context"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

func toMessageDoc(seq int64, msg model.Message) (messageDoc, error) {
	payload, err := encodePayload(msg)
	if err != nil {
		return messageDoc{}, err
	}
	doc := messageDoc{
		Seq:       seq,
		UserID:    msg.UserID,
		Role:      string(msg.Role),
		Type:      string(msg.Type),
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	}
	if payload != nil {
		doc.Payload = payload.(string)
	}
	return doc, nil
}

func fromMessageDoc(threadID, id string, doc messageDoc) (model.Message, error) {
	msg := model.Message{
		ID:        id,
		ThreadID:  threadID,
		UserID:    doc.UserID,
		Role:      model.Role(doc.Role),
		Type:      model.MessageType(doc.Type),
		Content:   doc.Content,
		Timestamp: doc.Timestamp.UTC(),
	}
	if doc.Payload != "" {
		var p messagePayload
		if err := json.Unmarshal([]byte(doc.Payload), &p); err != nil {
			return model.Message{}, fmt.Errorf("decode message payload: %w", err)
		}
		msg.ToolCall, msg.ToolResponse, msg.Confirmation = p.ToolCall, p.ToolResponse, p.Confirmation
	}
	return msg, nil
}

// ─────────────────────────────────────────
// ThreadStore implementation
// ─────────────────────────────────────────

func (s *FirestoreStorage) CreateThread(ctx context.Context, thread model.Thread) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc := threadDoc{
			UserID:       thread.UserID,
			Title:        thread.Title,
			LastMessage:  thread.LastMessage,
			Timestamp:    thread.Timestamp,
			MessageCount: int64(len(thread.Messages)),
		}
		if err := tx.Create(s.threadDoc(thread.ID), doc); err != nil {
			return fmt.Errorf("firestore CreateThread: %w", err)
		}
		for i, msg := range thread.Messages {
			mdoc, err := toMessageDoc(int64(i), msg)
			if err != nil {
				return err
			}
			if err := tx.Create(s.messageDoc(thread.ID, msg.ID), mdoc); err != nil {
				return fmt.Errorf("firestore CreateThread message: %w", err)
			}
		}
		return nil
	})
}

func (s *FirestoreStorage) AppendMessage(ctx context.Context, threadID string, msg model.Message) error {
	ref := s.threadDoc(threadID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if isNotFound(err) {
				return ErrNotFound
			}
			return fmt.Errorf("firestore AppendMessage: %w", err)
		}
		var doc threadDoc
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore AppendMessage decode: %w", err)
		}

		mdoc, err := toMessageDoc(doc.MessageCount, msg)
		if err != nil {
			return err
		}
		if err := tx.Create(s.messageDoc(threadID, msg.ID), mdoc); err != nil {
			return fmt.Errorf("firestore AppendMessage create: %w", err)
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "message_count", Value: doc.MessageCount + 1},
			{Path: "last_message", Value: lastMessageSummary(msg)},
			{Path: "timestamp", Value: msg.Timestamp},
		})
	})
	return err
}

func (s *FirestoreStorage) UpdateMessageText(ctx context.Context, threadID, messageID, text string) error {
	_, err := s.messageDoc(threadID, messageID).Update(ctx, []firestore.Update{
		{Path: "content", Value: text},
	})
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("firestore UpdateMessageText: %w", err)
	}
	return nil
}

func (s *FirestoreStorage) ReplaceMessage(ctx context.Context, threadID string, msg model.Message) error {
	mdoc, err := toMessageDoc(0, msg)
	if err != nil {
		return err
	}
	_, err = s.messageDoc(threadID, msg.ID).Update(ctx, []firestore.Update{
		{Path: "type", Value: mdoc.Type},
		{Path: "content", Value: mdoc.Content},
		{Path: "payload", Value: mdoc.Payload},
	})
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("firestore ReplaceMessage: %w", err)
	}
	return nil
}

// ownedThread loads the thread summary and checks ownership.
func (s *FirestoreStorage) ownedThread(ctx context.Context, threadID, userID string) (threadDoc, error) {
	snap, err := s.threadDoc(threadID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return threadDoc{}, ErrNotFound
		}
		return threadDoc{}, fmt.Errorf("firestore GetThread: %w", err)
	}
	var doc threadDoc
	if err := snap.DataTo(&doc); err != nil {
		return threadDoc{}, fmt.Errorf("firestore GetThread decode: %w", err)
	}
	if doc.UserID != userID {
		return threadDoc{}, ErrNotFound
	}
	return doc, nil
}

func (s *FirestoreStorage) GetThread(ctx context.Context, threadID, userID string) (*model.Thread, error) {
	doc, err := s.ownedThread(ctx, threadID, userID)
	if err != nil {
		return nil, err
	}

	thread := &model.Thread{
		ID:          threadID,
		UserID:      doc.UserID,
		Title:       doc.Title,
		LastMessage: doc.LastMessage,
		Timestamp:   doc.Timestamp.UTC(),
		Messages:    []model.Message{},
	}

	iter := s.messagesCol(threadID).OrderBy("seq", firestore.Asc).Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore GetThread messages: %w", err)
		}
		var mdoc messageDoc
		if err := snap.DataTo(&mdoc); err != nil {
			return nil, fmt.Errorf("decode messageDoc: %w", err)
		}
		msg, err := fromMessageDoc(threadID, snap.Ref.ID, mdoc)
		if err != nil {
			return nil, err
		}
		thread.Messages = append(thread.Messages, msg)
	}
	return thread, nil
}

func (s *FirestoreStorage) ListThreads(ctx context.Context, userID string) ([]model.Thread, error) {
	iter := s.threadsCol().
		Where("user_id", "==", userID).
		OrderBy("timestamp", firestore.Desc).
		Documents(ctx)
	defer iter.Stop()

	threads := []model.Thread{}
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore ListThreads: %w", err)
		}
		var doc threadDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode threadDoc: %w", err)
		}
		threads = append(threads, model.Thread{
			ID:          snap.Ref.ID,
			UserID:      doc.UserID,
			Title:       doc.Title,
			LastMessage: doc.LastMessage,
			Timestamp:   doc.Timestamp.UTC(),
		})
	}
	return threads, nil
}

func (s *FirestoreStorage) DeleteThread(ctx context.Context, threadID, userID string) (bool, error) {
	if _, err := s.ownedThread(ctx, threadID, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	// Subcollections survive their parent document, so delete messages first.
	bw := s.client.BulkWriter(ctx)
	iter := s.messagesCol(threadID).Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			bw.End()
			return false, fmt.Errorf("firestore DeleteThread messages: %w", err)
		}
		if _, err := bw.Delete(snap.Ref); err != nil {
			bw.End()
			return false, fmt.Errorf("firestore DeleteThread enqueue: %w", err)
		}
	}
	bw.End()

	if _, err := s.threadDoc(threadID).Delete(ctx); err != nil {
		return false, fmt.Errorf("firestore DeleteThread: %w", err)
	}
	return true, nil
}

func (s *FirestoreStorage) RenameThread(ctx context.Context, threadID, userID, title string) (bool, error) {
	if title == "" {
		return false, nil
	}
	if _, err := s.ownedThread(ctx, threadID, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	_, err := s.threadDoc(threadID).Update(ctx, []firestore.Update{{Path: "title", Value: title}})
	if err != nil {
		return false, fmt.Errorf("firestore RenameThread: %w", err)
	}
	return true, nil
}

// ─────────────────────────────────────────
// ReportStore implementation
// ─────────────────────────────────────────

func (s *FirestoreStorage) GetReport(ctx context.Context, key string) (Report, error) {
	snap, err := s.reportDoc(key).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return Report{}, ErrNotFound
		}
		return Report{}, fmt.Errorf("firestore GetReport: %w", err)
	}
	var doc reportDoc
	if err := snap.DataTo(&doc); err != nil {
		return Report{}, fmt.Errorf("firestore GetReport decode: %w", err)
	}
	// Hash collision: treat as a miss rather than serve another source's report.
	if doc.CacheKey != key {
		return Report{}, ErrNotFound
	}

	report := Report{Key: key, Content: doc.ReportContent}
	if doc.CachedAt != nil {
		report.CachedAt = doc.CachedAt.UTC()
	}
	return report, nil
}

func (s *FirestoreStorage) UpsertReport(ctx context.Context, report Report) error {
	doc := reportDoc{CacheKey: report.Key, ReportContent: report.Content}
	if !report.CachedAt.IsZero() {
		cachedAt := report.CachedAt
		doc.CachedAt = &cachedAt
	}
	if _, err := s.reportDoc(report.Key).Set(ctx, doc); err != nil {
		return fmt.Errorf("firestore UpsertReport: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────
// ContextStore implementation
// ─────────────────────────────────────────

func (s *FirestoreStorage) GetGlobalContext(ctx context.Context, userID string) (string, error) {
	snap, err := s.contextDoc(userID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("firestore GetGlobalContext: %w", err)
	}
	var doc contextDoc
	if err := snap.DataTo(&doc); err != nil {
		return "", fmt.Errorf("firestore GetGlobalContext decode: %w", err)
	}
	return doc.Context, nil
}

func (s *FirestoreStorage) SaveGlobalContext(ctx context.Context, userID, content string) error {
	doc := contextDoc{UserID: userID, Context: content, UpdatedAt: time.Now().UTC()}
	if _, err := s.contextDoc(userID).Set(ctx, doc); err != nil {
		return fmt.Errorf("firestore SaveGlobalContext: %w", err)
	}
	return nil
}

var _ Store = (*FirestoreStorage)(nil)
