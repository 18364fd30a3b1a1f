// Tool Dispatcher.
//
// Information Hiding:
// - Argument validation and hidden parameter injection hidden
// - Panic recovery and error-to-text conversion hidden
// - Thread logging of calls and responses hidden

package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/richinex/querypilot/model"
	"github.com/richinex/querypilot/observability"
	"github.com/richinex/querypilot/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Dispatcher executes tool calls requested by the model. It never returns
// an error: every failure becomes the text of the result.
type Dispatcher struct {
	registry *Registry
	threads  storage.ThreadStore
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher over registry. threads may be nil,
// in which case calls are not recorded in any thread.
func NewDispatcher(registry *Registry, threads storage.ThreadStore) *Dispatcher {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Dispatcher{
		registry: registry,
		threads:  threads,
		logger:   log.Logger.With().Str("component", "dispatcher").Logger(),
	}
}

// WithLogger replaces the dispatcher logger.
func (d *Dispatcher) WithLogger(logger zerolog.Logger) *Dispatcher {
	d.logger = logger
	return d
}

// Dispatch runs one tool call and returns its result.
func (d *Dispatcher) Dispatch(ctx context.Context, rc RunContext, req model.ToolCallRequest) model.ToolCallResult {
	result := model.ToolCallResult{ID: req.ID, Name: req.Name}

	args := visibleArgs(req.Args)
	d.record(ctx, rc, model.NewToolCallMessage(rc.UserID, model.ToolCallRequest{ID: req.ID, Name: req.Name, Args: args}))

	e, ok := d.registry.lookup(req.Name)
	if !ok {
		d.logger.Warn().Str("tool", req.Name).Msg("Model requested unknown tool")
		observability.RecordToolExecution("unknown", 0, false)
		result.Text = fmt.Sprintf("Error: Tool '%s' does not exist. Please choose from the available tools.", req.Name)
		result.Failed = true
		d.record(ctx, rc, model.NewToolResponseMessage(rc.UserID, result))
		return result
	}

	start := time.Now()
	text, err := d.invoke(ctx, e, rc, args)
	duration := time.Since(start)

	if err != nil {
		d.logger.Warn().Err(err).Str("tool", req.Name).Dur("duration", duration).Msg("Tool execution failed")
		result.Text = fmt.Sprintf("Error: Failed to execute tool '%s'. Reason: %v", req.Name, err)
		result.Failed = true
	} else {
		result.Text = text
		result.Failed = strings.HasPrefix(text, "Error:")
		d.logger.Debug().Str("tool", req.Name).Dur("duration", duration).Int("result_len", len(text)).Msg("Tool executed")
	}
	observability.RecordToolExecution(req.Name, duration, !result.Failed)

	d.record(ctx, rc, model.NewToolResponseMessage(rc.UserID, result))
	return result
}

// invoke validates, injects hidden parameters and calls the handler,
// converting a panic into an error.
func (d *Dispatcher) invoke(ctx context.Context, e *entry, rc RunContext, args Args) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Str("tool", e.desc.Name).Msg("Tool panicked")
			text, err = "", fmt.Errorf("panic: %v", r)
		}
	}()

	if err := validateArgs(e.schema, args); err != nil {
		return "", err
	}

	call := make(Args, len(args)+len(e.desc.Hidden))
	for k, v := range args {
		call[k] = v
	}
	for _, h := range e.desc.Hidden {
		switch h {
		case HiddenThreadID:
			call[h] = rc.ThreadID
		case HiddenUserID:
			call[h] = rc.UserID
		}
	}

	return e.desc.Handler(ctx, call)
}

// record appends msg to the run's thread. Failures are logged only.
func (d *Dispatcher) record(ctx context.Context, rc RunContext, msg model.Message) {
	if d.threads == nil || !rc.Loggable() {
		return
	}
	msg.ThreadID = rc.ThreadID
	if err := d.threads.AppendMessage(ctx, rc.ThreadID, msg); err != nil {
		d.logger.Warn().Err(err).Str("thread_id", rc.ThreadID).Str("type", string(msg.Type)).Msg("Failed to record tool message")
	}
}

// visibleArgs copies args without any key using the hidden prefix.
func visibleArgs(args map[string]any) Args {
	out := make(Args, len(args))
	for k, v := range args {
		if strings.HasPrefix(k, "__") {
			continue
		}
		out[k] = v
	}
	return out
}
