// Package tools provides the tool system for agent runs.
//
// Information Hiding:
// - Tools are plain descriptor tables, no reflection over handler signatures
// - Parameter schemas are derived from the descriptor and hidden in the registry
// - Hidden run-context parameters are injected by the dispatcher, never by the model
// - Error handling internalized: every failure reaches the model as text
package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Hidden parameter names. Handlers that declare them receive the values of
// the current run; the model never sees or sets them.
const (
	HiddenThreadID = "__thread_id"
	HiddenUserID   = "__user_id"
)

var knownHidden = map[string]bool{
	HiddenThreadID: true,
	HiddenUserID:   true,
}

// Param defines one model-visible parameter of a tool.
type Param struct {
	Name        string
	Type        string // string, integer, number, boolean, object, array
	Description string
	Required    bool
	Enum        []string
	// Properties documents the fields of an object parameter for the model.
	// They are not enforced during validation.
	Properties []Param
}

// Args holds decoded call arguments.
type Args map[string]any

// String returns the string argument at key, or "" when absent or not a string.
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// Map returns the object argument at key, or nil.
func (a Args) Map(key string) map[string]any {
	m, _ := a[key].(map[string]any)
	return m
}

// Handler executes a tool. A returned error is rendered as
// "Error: Failed to execute tool ..." by the dispatcher; handlers that want
// a different wording return it as text with a nil error.
type Handler func(ctx context.Context, args Args) (string, error)

// Descriptor describes a tool and how to invoke it.
type Descriptor struct {
	Name        string
	Description string
	Params      []Param
	Hidden      []string
	Handler     Handler
}

// String returns a one-line summary of the tool.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s: %s", d.Name, d.Description)
}

func (d Descriptor) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if d.Handler == nil {
		return fmt.Errorf("tool '%s' has no handler", d.Name)
	}
	seen := make(map[string]bool, len(d.Params))
	for _, p := range d.Params {
		if p.Name == "" {
			return fmt.Errorf("tool '%s' has a parameter without a name", d.Name)
		}
		if strings.HasPrefix(p.Name, "__") {
			return fmt.Errorf("tool '%s': parameter '%s' uses the hidden prefix; declare it in Hidden", d.Name, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("tool '%s': duplicate parameter '%s'", d.Name, p.Name)
		}
		seen[p.Name] = true
	}
	for _, h := range d.Hidden {
		if !knownHidden[h] {
			return fmt.Errorf("tool '%s': unknown hidden parameter '%s'", d.Name, h)
		}
	}
	return nil
}

// RunContext carries the identifiers of the run a call belongs to.
type RunContext struct {
	ThreadID string
	UserID   string
}

// Loggable reports whether calls in this run are recorded in the thread.
func (rc RunContext) Loggable() bool {
	return rc.ThreadID != "" && rc.UserID != ""
}

// NestedRun describes an agent run started from inside a tool.
type NestedRun struct {
	Prompt   string
	Tools    *Registry
	MaxCalls int
	Delay    time.Duration
	ThreadID string
	UserID   string
}

// SubRunner starts nested agent runs. It is implemented by the agent
// package and handed to the tools that need it.
type SubRunner interface {
	RunNested(ctx context.Context, run NestedRun) (string, error)
}
