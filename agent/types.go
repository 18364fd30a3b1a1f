// Package agent provides the tool-calling agent loop.
//
// Contains the parameters and metadata of a single run.
package agent

import (
	"time"

	"github.com/richinex/querypilot/llm"
	"github.com/richinex/querypilot/model"
	"github.com/richinex/querypilot/tools"
)

// DefaultMaxCalls is the model call budget when RunParams.MaxCalls is unset.
const DefaultMaxCalls = 20

// AuthFailureMessage is returned as the result of a run that could not
// obtain a credential.
const AuthFailureMessage = "Error: Could not authenticate with LLM service."

// RunParams configures one run.
type RunParams struct {
	Prompt string
	// Tools available to the model; nil means none.
	Tools *tools.Registry
	// MaxCalls bounds the number of model calls (DefaultMaxCalls when <= 0).
	MaxCalls int
	// Delay is waited before every model call except the first.
	Delay time.Duration

	ThreadID string
	UserID   string

	// JSONResults extracts and re-indents a JSON value from the final text.
	JSONResults bool
	// SkipFinalRecord stops the run from appending its final answer to the
	// thread, for callers that store the answer themselves.
	SkipFinalRecord bool
}

// Step is an alias for model.Step.
type Step = model.Step

// RunMetadata describes what happened during a run.
type RunMetadata struct {
	Provider   string
	Model      string
	Iterations int
	History    []llm.ChatMessage
	Steps      []Step
	Usage      llm.TokenUsage
	Duration   time.Duration
}

// LastToolOutput returns the result text of the last dispatched tool call,
// or "" when no tool ran.
func (m RunMetadata) LastToolOutput() string {
	if len(m.Steps) == 0 {
		return ""
	}
	return m.Steps[len(m.Steps)-1].Result.Text
}

// ToolCalls returns the number of dispatched tool calls.
func (m RunMetadata) ToolCalls() int {
	return len(m.Steps)
}
