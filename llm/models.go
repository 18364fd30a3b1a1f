// Package llm provides shared data models for LLM providers.
package llm

import "github.com/richinex/querypilot/model"

// ChatMessage is one entry of the conversation sent to a provider.
//
// A model turn that requested tools carries ToolCalls; the following tool
// turn carries one ToolResult per call, in request order.
type ChatMessage struct {
	Role        model.Role              `json:"role"`
	Content     string                  `json:"content,omitempty"`
	ToolCalls   []model.ToolCallRequest `json:"tool_calls,omitempty"`
	ToolResults []model.ToolCallResult  `json:"tool_results,omitempty"`
}

// ToolDefinition defines a tool that the LLM can call.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// SystemMessage creates a system message.
func SystemMessage(content string) ChatMessage {
	return ChatMessage{Role: model.RoleSystem, Content: content}
}

// UserMessage creates a user message.
func UserMessage(content string) ChatMessage {
	return ChatMessage{Role: model.RoleUser, Content: content}
}

// ModelMessage creates a plain text model message.
func ModelMessage(content string) ChatMessage {
	return ChatMessage{Role: model.RoleModel, Content: content}
}

// ToolCallMessage records the model turn that requested calls.
func ToolCallMessage(text string, calls []model.ToolCallRequest) ChatMessage {
	return ChatMessage{Role: model.RoleModel, Content: text, ToolCalls: calls}
}

// ToolResultMessage bundles the results of one model turn.
func ToolResultMessage(results []model.ToolCallResult) ChatMessage {
	return ChatMessage{Role: model.RoleTool, ToolResults: results}
}

// Candidate is the first candidate of a model response.
type Candidate struct {
	Text      string
	ToolCalls []model.ToolCallRequest
	Usage     *TokenUsage
}

// TokenUsage contains token usage statistics.
type TokenUsage struct {
	PromptTokens     uint32 `json:"prompt_tokens"`
	CompletionTokens uint32 `json:"completion_tokens"`
	TotalTokens      uint32 `json:"total_tokens"`
}

// Add accumulates other into u. A nil other is ignored.
func (u *TokenUsage) Add(other *TokenUsage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}
