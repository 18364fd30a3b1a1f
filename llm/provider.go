// Package llm provides LLM provider abstractions.
//
// LLM Provider interface - the abstract interface for LLM providers.
// Each provider implementation hides:
// - API client initialization and authentication
// - Request/response format conversion
// - Provider-specific error handling

package llm

import (
	"context"
	"errors"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// Provider defines the abstract interface for LLM providers.
type Provider interface {
	// Name returns the provider name (for logging/debugging).
	Name() string

	// Model returns the current model being used.
	Model() string

	// Generate sends the conversation with tool definitions and returns the
	// first candidate. A nil candidate with a nil error means the service
	// produced no candidates. Providers never execute tools themselves.
	Generate(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (*Candidate, error)
}

// Factory builds a provider authenticated with token. Runs call it once
// per run so that refreshed credentials take effect.
type Factory func(token string) (Provider, error)

// IsUnauthorized reports whether err is an HTTP 401 from any supported
// provider SDK.
func IsUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	var gv genai.APIError
	if errors.As(err, &gv) {
		return gv.Code == 401
	}
	var gp *genai.APIError
	if errors.As(err, &gp) {
		return gp.Code == 401
	}
	var oe *openai.APIError
	if errors.As(err, &oe) {
		return oe.HTTPStatusCode == 401
	}
	var re *openai.RequestError
	if errors.As(err, &re) {
		return re.HTTPStatusCode == 401
	}
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return ae.StatusCode == 401
	}
	return false
}
