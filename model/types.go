// Package model provides domain types shared across packages.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser   Role = "user"
	RoleModel  Role = "model"
	RoleTool   Role = "tool"
	RoleSystem Role = "system"
	RoleError  Role = "error"
)

// MessageType describes the payload carried by a Message.
type MessageType string

const (
	TypeText         MessageType = "text"
	TypeToolCall     MessageType = "tool_call"
	TypeToolResponse MessageType = "tool_response"
	TypeConfirmation MessageType = "confirmation"
	TypeError        MessageType = "error"
)

// Fixed author ids for messages not written by a human user.
const (
	AssistantUserID = "LLM_Assistant"
	SystemUserID    = "System"
)

// ToolCallRequest is one tool invocation requested by the model.
// ID is the provider's call id when it has one (Gemini does not).
type ToolCallRequest struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"arguments"`
}

// ToolCallResult is the text produced for a ToolCallRequest.
// Failures are carried in Text ("Error: ..."); Failed only feeds metrics
// and logging.
type ToolCallResult struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Text   string `json:"response"`
	Failed bool   `json:"-"`
}

// Confirmation asks the user to approve an action before the agent runs.
type Confirmation struct {
	Title       string `json:"title"`
	Message     string `json:"message"`
	ConfirmText string `json:"confirmText"`
	CancelText  string `json:"cancelText"`
}

// Message is one entry of a thread. Exactly one payload field is set,
// matching Type.
type Message struct {
	ID           string           `json:"id"`
	ThreadID     string           `json:"thread_id,omitempty"`
	UserID       string           `json:"user_id"`
	Role         Role             `json:"role"`
	Type         MessageType      `json:"type"`
	Content      string           `json:"content,omitempty"`
	ToolCall     *ToolCallRequest `json:"tool_call,omitempty"`
	ToolResponse *ToolCallResult  `json:"tool_response,omitempty"`
	Confirmation *Confirmation    `json:"confirmation,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// Text returns the human readable body of the message.
func (m Message) Text() string {
	switch {
	case m.ToolCall != nil:
		return m.ToolCall.Name
	case m.ToolResponse != nil:
		return m.ToolResponse.Text
	case m.Confirmation != nil:
		return m.Confirmation.Message
	default:
		return m.Content
	}
}

// NewMessageID returns a fresh unique message id.
func NewMessageID() string {
	return uuid.NewString()
}

// NewTextMessage creates a text message stamped with the current time.
func NewTextMessage(role Role, userID, content string) Message {
	return Message{
		ID:        NewMessageID(),
		UserID:    userID,
		Role:      role,
		Type:      TypeText,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// NewToolCallMessage records a tool invocation in a thread.
func NewToolCallMessage(userID string, req ToolCallRequest) Message {
	return Message{
		ID:        NewMessageID(),
		UserID:    userID,
		Role:      RoleTool,
		Type:      TypeToolCall,
		ToolCall:  &req,
		Timestamp: time.Now().UTC(),
	}
}

// NewToolResponseMessage records a tool result in a thread.
func NewToolResponseMessage(userID string, res ToolCallResult) Message {
	return Message{
		ID:           NewMessageID(),
		UserID:       userID,
		Role:         RoleTool,
		Type:         TypeToolResponse,
		ToolResponse: &res,
		Timestamp:    time.Now().UTC(),
	}
}

// NewConfirmationMessage asks the user to approve an action.
func NewConfirmationMessage(c Confirmation) Message {
	return Message{
		ID:           NewMessageID(),
		UserID:       AssistantUserID,
		Role:         RoleModel,
		Type:         TypeConfirmation,
		Confirmation: &c,
		Timestamp:    time.Now().UTC(),
	}
}

// NewErrorMessage creates the apology shown when a reply fails.
func NewErrorMessage(content string) Message {
	return Message{
		ID:        NewMessageID(),
		UserID:    SystemUserID,
		Role:      RoleError,
		Type:      TypeError,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// Thread is an ordered conversation owned by one user.
type Thread struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	LastMessage string    `json:"last_message"`
	Timestamp   time.Time `json:"timestamp"`
	Messages    []Message `json:"messages,omitempty"`
}

// NewThreadID returns an id of the form "t-" followed by 8 hex characters.
func NewThreadID() string {
	return "t-" + uuid.New().String()[:8]
}

// Truncate returns at most n runes of s.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Step is one (request, result) pair recorded during a run.
type Step struct {
	Iteration  int             `json:"iteration"`
	Request    ToolCallRequest `json:"request"`
	Result     ToolCallResult  `json:"result"`
	DurationMs uint64          `json:"duration_ms"`
}
