// Tool-calling loop implementation.
//
// All agent execution, top level and nested, goes through Runner.Run.
//
// Information Hiding:
// - Loop internals hidden
// - Credential and provider construction per run hidden
// - Tool dispatch coordination and thread logging hidden

package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsonutil "github.com/richinex/querypilot/internal/json"
	"github.com/richinex/querypilot/llm"
	"github.com/richinex/querypilot/model"
	"github.com/richinex/querypilot/observability"
	"github.com/richinex/querypilot/storage"
	"github.com/richinex/querypilot/tools"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TokenSource hands out model service credentials.
// Implemented by *credential.Provider.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Runner executes agent runs. It is safe for concurrent use; every run
// builds its own provider and history.
type Runner struct {
	tokens  TokenSource
	factory llm.Factory
	threads storage.ThreadStore
	logger  zerolog.Logger
}

// NewRunner creates a runner. threads may be nil when no run records
// messages.
func NewRunner(tokens TokenSource, factory llm.Factory, threads storage.ThreadStore) *Runner {
	return &Runner{
		tokens:  tokens,
		factory: factory,
		threads: threads,
		logger:  log.Logger.With().Str("component", "agent").Logger(),
	}
}

// WithLogger replaces the runner logger.
func (r *Runner) WithLogger(logger zerolog.Logger) *Runner {
	r.logger = logger
	return r
}

// RunNested runs a nested agent on behalf of a tool.
func (r *Runner) RunNested(ctx context.Context, run tools.NestedRun) (string, error) {
	text, meta, err := r.Run(ctx, RunParams{
		Prompt:   run.Prompt,
		Tools:    run.Tools,
		MaxCalls: run.MaxCalls,
		Delay:    run.Delay,
		ThreadID: run.ThreadID,
		UserID:   run.UserID,
	})
	r.logger.Info().
		Int("iterations", meta.Iterations).
		Int("tool_calls", meta.ToolCalls()).
		Uint32("total_tokens", meta.Usage.TotalTokens).
		Msg("Nested run finished")
	return text, err
}

// Run executes the loop for p and returns the final text.
//
// A credential failure is not an error: the result is AuthFailureMessage.
// Model transport errors and cancellation are returned together with the
// metadata collected so far.
func (r *Runner) Run(ctx context.Context, p RunParams) (string, RunMetadata, error) {
	start := time.Now()
	observability.RunStarted()

	var meta RunMetadata
	outcome := "exhausted"
	defer func() {
		meta.Duration = time.Since(start)
		provider := meta.Provider
		if provider == "" {
			provider = "none"
		}
		observability.RecordRun(provider, outcome, meta.Duration, meta.Iterations)
	}()

	token, err := r.tokens.Token(ctx)
	if err != nil {
		if ctx.Err() != nil {
			outcome = "cancelled"
			return "", meta, ctx.Err()
		}
		r.logger.Error().Err(err).Msg("Failed to get API key, aborting run")
		outcome = "auth_error"
		return AuthFailureMessage, meta, nil
	}

	provider, err := r.factory(token)
	if err != nil {
		outcome = "error"
		return "", meta, fmt.Errorf("failed to create model client: %w", err)
	}
	meta.Provider = provider.Name()
	meta.Model = provider.Model()

	registry := p.Tools
	if registry == nil {
		registry = tools.NewRegistry()
	}
	definitions := registry.Definitions()
	dispatcher := tools.NewDispatcher(registry, r.threads).WithLogger(r.logger)
	rc := tools.RunContext{ThreadID: p.ThreadID, UserID: p.UserID}

	maxCalls := p.MaxCalls
	if maxCalls <= 0 {
		maxCalls = DefaultMaxCalls
	}

	logger := r.logger.With().Str("thread_id", p.ThreadID).Str("provider", meta.Provider).Logger()
	meta.History = []llm.ChatMessage{llm.UserMessage(p.Prompt)}
	final := ""

	for i := 0; i < maxCalls; i++ {
		if i > 0 && p.Delay > 0 {
			logger.Debug().Dur("delay", p.Delay).Msg("Waiting before next model call")
			if err := sleep(ctx, p.Delay); err != nil {
				outcome = "cancelled"
				return final, meta, err
			}
		}
		if err := ctx.Err(); err != nil {
			outcome = "cancelled"
			return final, meta, err
		}

		logger.Info().Int("iteration", i+1).Msg("Calling model")
		callStart := time.Now()
		candidate, err := provider.Generate(ctx, meta.History, definitions)
		meta.Iterations++
		observability.RecordModelCall(meta.Provider, time.Since(callStart), err == nil)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				outcome = "cancelled"
				return final, meta, err
			}
			if llm.IsUnauthorized(err) {
				logger.Warn().Msg("Model service rejected the credential, invalidating it")
				r.tokens.Invalidate()
			}
			outcome = "error"
			return final, meta, fmt.Errorf("model call failed: %w", err)
		}

		if candidate == nil {
			logger.Warn().Int("iteration", i+1).Msg("No candidates in response, returning empty result")
			outcome = "empty"
			final = ""
			break
		}
		if candidate.Usage != nil {
			meta.Usage.Add(candidate.Usage)
			observability.RecordTokens(meta.Provider, candidate.Usage.PromptTokens, candidate.Usage.CompletionTokens)
		}

		if len(candidate.ToolCalls) > 0 {
			logger.Info().Int("iteration", i+1).Int("tool_calls", len(candidate.ToolCalls)).Msg("Model requested tools")
			meta.History = append(meta.History, llm.ToolCallMessage(candidate.Text, candidate.ToolCalls))

			results := make([]model.ToolCallResult, 0, len(candidate.ToolCalls))
			for _, call := range candidate.ToolCalls {
				if err := ctx.Err(); err != nil {
					outcome = "cancelled"
					return final, meta, err
				}
				stepStart := time.Now()
				result := dispatcher.Dispatch(ctx, rc, call)
				results = append(results, result)
				meta.Steps = append(meta.Steps, Step{
					Iteration:  i + 1,
					Request:    call,
					Result:     result,
					DurationMs: uint64(time.Since(stepStart).Milliseconds()),
				})
			}
			meta.History = append(meta.History, llm.ToolResultMessage(results))
			continue
		}

		text := candidate.Text
		meta.History = append(meta.History, llm.ModelMessage(text))
		if text == "" {
			logger.Warn().Int("iteration", i+1).Msg("No tool call and no text, returning empty result")
			outcome = "empty"
			final = ""
			break
		}

		final = text
		if p.JSONResults {
			normalized, err := jsonutil.Normalize(text)
			if err != nil {
				outcome = "error"
				return "", meta, fmt.Errorf("failed to extract JSON result: %w", err)
			}
			final = normalized
		}
		if p.ThreadID != "" && !p.SkipFinalRecord {
			r.recordFinal(ctx, p.ThreadID, final)
		}
		outcome = "final"
		break
	}

	if outcome == "exhausted" {
		logger.Warn().Int("max_calls", maxCalls).Msg("Loop finished without a final text result")
	}
	return final, meta, nil
}

func (r *Runner) recordFinal(ctx context.Context, threadID, text string) {
	if r.threads == nil {
		return
	}
	msg := model.NewTextMessage(model.RoleModel, model.AssistantUserID, text)
	msg.ThreadID = threadID
	if err := r.threads.AppendMessage(ctx, threadID, msg); err != nil {
		r.logger.Error().Err(err).Str("thread_id", threadID).Msg("Failed to record final model response")
	}
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ tools.SubRunner = (*Runner)(nil)
