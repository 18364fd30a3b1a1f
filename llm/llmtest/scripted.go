// Package llmtest provides a deterministic llm.Provider for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/richinex/querypilot/llm"
	"github.com/richinex/querypilot/model"
)

// Response configures one model turn in a scripted sequence. A nil
// Candidate with a nil Err models a response without candidates.
type Response struct {
	Candidate *llm.Candidate
	Err       error
	// Wait blocks the turn until the channel is closed or the context ends.
	Wait <-chan struct{}
}

// Text is a turn answering with plain text.
func Text(text string) Response {
	return Response{Candidate: &llm.Candidate{Text: text}}
}

// Calls is a turn requesting tool calls.
func Calls(calls ...model.ToolCallRequest) Response {
	return Response{Candidate: &llm.Candidate{ToolCalls: calls}}
}

// Call builds a tool call request.
func Call(name string, args map[string]any) model.ToolCallRequest {
	return model.ToolCallRequest{Name: name, Args: args}
}

// ScriptedProvider replays responses in order and records every request.
type ScriptedProvider struct {
	mu        sync.Mutex
	index     int
	responses []Response
	requests  [][]llm.ChatMessage
	tools     [][]llm.ToolDefinition
}

// NewScriptedProvider creates a provider replaying responses.
func NewScriptedProvider(responses ...Response) *ScriptedProvider {
	cloned := make([]Response, len(responses))
	copy(cloned, responses)
	return &ScriptedProvider{responses: cloned}
}

var _ llm.Provider = (*ScriptedProvider)(nil)

// Name returns "scripted".
func (p *ScriptedProvider) Name() string { return "scripted" }

// Model returns "scripted-model".
func (p *ScriptedProvider) Model() string { return "scripted-model" }

// Generate returns the next scripted response.
func (p *ScriptedProvider) Generate(ctx context.Context, messages []llm.ChatMessage, tools []llm.ToolDefinition) (*llm.Candidate, error) {
	p.mu.Lock()
	history := make([]llm.ChatMessage, len(messages))
	copy(history, messages)
	p.requests = append(p.requests, history)
	p.tools = append(p.tools, tools)

	if p.index >= len(p.responses) {
		p.mu.Unlock()
		return nil, fmt.Errorf("script exhausted at step %d", p.index+1)
	}
	current := p.responses[p.index]
	p.index++
	p.mu.Unlock()

	if current.Wait != nil {
		select {
		case <-current.Wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if current.Err != nil {
		return nil, current.Err
	}
	if current.Candidate == nil {
		return nil, nil
	}
	c := *current.Candidate
	return &c, nil
}

// Calls returns how many times Generate was called.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Request returns the history passed to the i-th call.
func (p *ScriptedProvider) Request(i int) []llm.ChatMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

// Tools returns the tool definitions passed to the i-th call.
func (p *ScriptedProvider) Tools(i int) []llm.ToolDefinition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tools[i]
}

// Factory returns an llm.Factory that always hands out p and records the
// tokens it was given.
func (p *ScriptedProvider) Factory(tokens *[]string) llm.Factory {
	var mu sync.Mutex
	return func(token string) (llm.Provider, error) {
		if tokens != nil {
			mu.Lock()
			*tokens = append(*tokens, token)
			mu.Unlock()
		}
		return p, nil
	}
}
