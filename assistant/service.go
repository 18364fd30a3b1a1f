// Package assistant turns user messages into agent runs and stores the
// replies in the conversation thread.
//
// Information Hiding:
// - Prompt composition from history, data sources and global context hidden
// - Placeholder lifecycle (create, fill, confirm, fail) hidden
// - Running-run registry and cancellation hidden
package assistant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/richinex/querypilot/agent"
	"github.com/richinex/querypilot/model"
	"github.com/richinex/querypilot/storage"
	"github.com/richinex/querypilot/tools"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// User facing texts.
const (
	ErrorText    = "Sorry, an error occurred while processing your request. Please try again."
	FallbackText = "I'm sorry, but an unexpected error occurred while processing your request. Please try again."
)

// ErrClosed is returned for replies requested after Close.
var ErrClosed = errors.New("assistant is closed")

// Runner executes agent runs. Implemented by *agent.Runner.
type Runner interface {
	Run(ctx context.Context, p agent.RunParams) (string, agent.RunMetadata, error)
}

// Store is the persistence the service needs.
type Store interface {
	storage.ThreadStore
	storage.ContextStore
}

// Config holds the run settings of top level replies.
type Config struct {
	MaxCalls    int
	Delay       time.Duration
	DataSources string
}

type activeRun struct {
	id     uint64
	cancel context.CancelFunc
}

// Service answers user messages.
type Service struct {
	runner Runner
	store  Store
	tools  *tools.Registry
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	running map[string]activeRun
	nextID  uint64
	closed  bool
	wg      sync.WaitGroup
}

// New creates a service.
func New(runner Runner, store Store, registry *tools.Registry, cfg Config) *Service {
	return &Service{
		runner:  runner,
		store:   store,
		tools:   registry,
		cfg:     cfg,
		logger:  log.Logger.With().Str("component", "assistant").Logger(),
		running: make(map[string]activeRun),
	}
}

// StartChat creates a thread opened by text and replies to it.
func (s *Service) StartChat(ctx context.Context, userID, text string) (*model.Thread, model.Message, error) {
	if s.isClosed() {
		return nil, model.Message{}, ErrClosed
	}
	thread, err := s.createThread(ctx, userID, text)
	if err != nil {
		return nil, model.Message{}, err
	}
	reply, err := s.reply(ctx, thread.ID, userID, text)
	return thread, reply, err
}

// StartChatAsync creates the thread and replies in the background.
func (s *Service) StartChatAsync(ctx context.Context, userID, text string) (*model.Thread, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	thread, err := s.createThread(ctx, userID, text)
	if err != nil {
		return nil, err
	}
	if err := s.replyAsync(ctx, thread.ID, userID, text); err != nil {
		return thread, err
	}
	return thread, nil
}

// Send appends text to the thread and replies to it.
func (s *Service) Send(ctx context.Context, threadID, userID, text string) (model.Message, error) {
	if s.isClosed() {
		return model.Message{}, ErrClosed
	}
	if err := s.appendUserMessage(ctx, threadID, userID, text); err != nil {
		return model.Message{}, err
	}
	return s.reply(ctx, threadID, userID, text)
}

// SendAsync appends text to the thread and replies in the background.
func (s *Service) SendAsync(ctx context.Context, threadID, userID, text string) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.appendUserMessage(ctx, threadID, userID, text); err != nil {
		return err
	}
	return s.replyAsync(ctx, threadID, userID, text)
}

// Cancel stops the run of threadID at its next suspension point. Messages
// already stored stay. It reports whether a run was found.
func (s *Service) Cancel(threadID string) bool {
	s.mu.Lock()
	run, ok := s.running[threadID]
	if ok {
		delete(s.running, threadID)
	}
	s.mu.Unlock()

	if ok {
		run.cancel()
		s.logger.Info().Str("thread_id", threadID).Msg("Run cancelled")
	}
	return ok
}

// IsRunning reports whether a reply is being generated for threadID.
func (s *Service) IsRunning(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[threadID]
	return ok
}

// Wait blocks until every background reply has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close cancels all runs and waits for background replies. Replies
// requested afterwards fail with ErrClosed.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	for id, run := range s.running {
		run.cancel()
		delete(s.running, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Service) createThread(ctx context.Context, userID, text string) (*model.Thread, error) {
	msg := model.NewTextMessage(model.RoleUser, userID, text)
	thread := model.Thread{
		ID:          model.NewThreadID(),
		UserID:      userID,
		Title:       model.Truncate(text, 30),
		LastMessage: model.Truncate(text, 100),
		Timestamp:   msg.Timestamp,
		Messages:    []model.Message{msg},
	}
	if err := s.store.CreateThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}
	s.logger.Info().Str("thread_id", thread.ID).Str("user_id", userID).Msg("Thread created")
	return &thread, nil
}

func (s *Service) appendUserMessage(ctx context.Context, threadID, userID, text string) error {
	if _, err := s.store.GetThread(ctx, threadID, userID); err != nil {
		return fmt.Errorf("failed to load thread %s: %w", threadID, err)
	}
	if err := s.store.AppendMessage(ctx, threadID, model.NewTextMessage(model.RoleUser, userID, text)); err != nil {
		return fmt.Errorf("failed to store user message: %w", err)
	}
	return nil
}

func (s *Service) replyAsync(ctx context.Context, threadID, userID, text string) error {
	// The background reply outlives the request that started it.
	ctx = context.WithoutCancel(ctx)

	// Add under mu so it never races with the Wait in Close.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if _, err := s.reply(ctx, threadID, userID, text); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
			s.logger.Error().Err(err).Str("thread_id", threadID).Msg("Background reply failed")
		}
	}()
	return nil
}

// reply answers question, the latest user message of the thread.
func (s *Service) reply(ctx context.Context, threadID, userID, question string) (model.Message, error) {
	thread, err := s.store.GetThread(ctx, threadID, userID)
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to load thread %s: %w", threadID, err)
	}

	placeholder := model.NewTextMessage(model.RoleModel, model.AssistantUserID, "")
	placeholder.ThreadID = threadID
	if err := s.store.AppendMessage(ctx, threadID, placeholder); err != nil {
		return model.Message{}, fmt.Errorf("failed to store placeholder: %w", err)
	}

	if needsConfirmation(question) {
		confirm := placeholder
		confirm.Type = model.TypeConfirmation
		c := deleteConfirmation
		confirm.Confirmation = &c
		if err := s.store.ReplaceMessage(ctx, threadID, confirm); err != nil {
			return model.Message{}, fmt.Errorf("failed to store confirmation: %w", err)
		}
		s.logger.Info().Str("thread_id", threadID).Msg("Asked user to confirm a delete request")
		return confirm, nil
	}

	globalContext, err := s.store.GetGlobalContext(ctx, userID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to load global context")
	}
	prompt, err := buildPrompt(s.cfg.DataSources, globalContext, earlierMessages(thread.Messages), question)
	if err != nil {
		return s.fail(ctx, threadID, err)
	}

	runCtx, done, err := s.register(ctx, threadID)
	if err != nil {
		return placeholder, err
	}
	defer done()

	text, meta, err := s.runner.Run(runCtx, agent.RunParams{
		Prompt:          prompt,
		Tools:           s.tools,
		MaxCalls:        s.cfg.MaxCalls,
		Delay:           s.cfg.Delay,
		ThreadID:        threadID,
		UserID:          userID,
		SkipFinalRecord: true,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			s.logger.Info().Str("thread_id", threadID).Int("iterations", meta.Iterations).Msg("Reply cancelled")
			return placeholder, err
		}
		return s.fail(ctx, threadID, err)
	}

	if text == "" {
		text = meta.LastToolOutput()
	}
	if text == "" {
		text = FallbackText
	}

	if err := s.store.UpdateMessageText(ctx, threadID, placeholder.ID, text); err != nil {
		return model.Message{}, fmt.Errorf("failed to store reply: %w", err)
	}
	placeholder.Content = text
	s.logger.Info().
		Str("thread_id", threadID).
		Int("iterations", meta.Iterations).
		Int("tool_calls", meta.ToolCalls()).
		Uint32("total_tokens", meta.Usage.TotalTokens).
		Msg("Reply stored")
	return placeholder, nil
}

// fail records the apology for a failed run.
func (s *Service) fail(ctx context.Context, threadID string, cause error) (model.Message, error) {
	s.logger.Error().Err(cause).Str("thread_id", threadID).Msg("Reply failed")
	msg := model.NewErrorMessage(ErrorText)
	msg.ThreadID = threadID
	if err := s.store.AppendMessage(ctx, threadID, msg); err != nil {
		return model.Message{}, fmt.Errorf("failed to store error message: %w", err)
	}
	return msg, nil
}

// register records a cancellable run for threadID, replacing any run
// already in flight for the same thread. It fails once the service is
// closed, since Close would never cancel the new run.
func (s *Service) register(ctx context.Context, threadID string) (context.Context, func(), error) {
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, nil, ErrClosed
	}
	s.nextID++
	id := s.nextID
	previous, hadPrevious := s.running[threadID]
	s.running[threadID] = activeRun{id: id, cancel: cancel}
	s.mu.Unlock()

	if hadPrevious {
		s.logger.Warn().Str("thread_id", threadID).Msg("Replacing run already in flight")
		previous.cancel()
	}

	return runCtx, func() {
		cancel()
		s.mu.Lock()
		if current, ok := s.running[threadID]; ok && current.id == id {
			delete(s.running, threadID)
		}
		s.mu.Unlock()
	}, nil
}

// earlierMessages drops the trailing user message, which is passed to the
// prompt as the current question.
func earlierMessages(msgs []model.Message) []model.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == model.RoleUser && msgs[i].Type == model.TypeText {
			return msgs[:i]
		}
	}
	return msgs
}
