// Package tools provides tool management and registration.
//
// Information Hiding:
// - Tool storage and lookup implementation hidden
// - Compiled argument schemas kept next to each descriptor
// - Registration and discovery mechanisms abstracted

package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/richinex/querypilot/llm"
	"github.com/xeipuuv/gojsonschema"
)

type entry struct {
	desc   Descriptor
	schema *gojsonschema.Schema
}

// Registry manages available tools with dynamic registration.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry
}

// NewRegistry creates a new empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*entry),
	}
}

// Register adds a new tool to the registry.
// Returns error if the descriptor is invalid or the name is taken.
func (r *Registry) Register(d Descriptor) error {
	if err := d.validate(); err != nil {
		return err
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(validationSchema(d.Params)))
	if err != nil {
		return fmt.Errorf("tool '%s': invalid parameter schema: %w", d.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[d.Name]; exists {
		return fmt.Errorf("tool '%s' already registered", d.Name)
	}
	r.tools[d.Name] = &entry{desc: d, schema: schema}
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return Descriptor{}, false
	}
	return e.desc, true
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.tools[name]
	return e, exists
}

// Has checks if a tool exists in the registry.
func (r *Registry) Has(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Names returns all registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all registered descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Descriptor, 0, len(names))
	for _, name := range names {
		if e, ok := r.tools[name]; ok {
			list = append(list, e.desc)
		}
	}
	return list
}

// Definitions returns the model-facing tool definitions. Hidden
// parameters are never part of them.
func (r *Registry) Definitions() []llm.ToolDefinition {
	list := r.List()
	defs := make([]llm.ToolDefinition, 0, len(list))
	for _, d := range list {
		defs = append(defs, llm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  modelSchema(d.Params),
		})
	}
	return defs
}

// Subset returns a new registry holding only the named tools.
func (r *Registry) Subset(names ...string) (*Registry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub := NewRegistry()
	for _, name := range names {
		e, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("tool '%s' is not registered", name)
		}
		sub.tools[name] = e
	}
	return sub, nil
}

// Description returns a formatted description of all tools for prompts.
func (r *Registry) Description() string {
	var descriptions []string
	for _, d := range r.List() {
		var params []string
		for _, p := range d.Params {
			required := "optional"
			if p.Required {
				required = "required"
			}
			params = append(params, fmt.Sprintf("  - %s (%s): %s [%s]",
				p.Name, p.Type, p.Description, required))
		}

		paramStr := strings.Join(params, "\n")
		descriptions = append(descriptions, fmt.Sprintf(
			"Tool: %s\nDescription: %s\nParameters:\n%s",
			d.Name, d.Description, paramStr))
	}

	return strings.Join(descriptions, "\n\n")
}

// Defaults holds the collaborators of the built-in tools.
type Defaults struct {
	SQL   *SQLTools
	Fetch *URLFetcher
}

// WithDefaults creates a registry with all built-in tools.
// Returns error if any tool registration fails.
func WithDefaults(deps Defaults) (*Registry, error) {
	registry := NewRegistry()

	sqlTools := deps.SQL
	if sqlTools == nil {
		sqlTools = NewSQLTools(nil, nil, nil)
	}
	fetch := deps.Fetch
	if fetch == nil {
		fetch = NewURLFetcher(DefaultFetchTimeout)
	}

	tools := []Descriptor{
		sqlTools.ExecuteSQL(),
		sqlTools.SQLite(),
		sqlTools.Explorer(),
		sqlTools.Answer(),
		fetch.Descriptor(),
	}

	for _, t := range tools {
		if err := registry.Register(t); err != nil {
			return nil, fmt.Errorf("failed to register default tools: %w", err)
		}
	}

	return registry, nil
}
