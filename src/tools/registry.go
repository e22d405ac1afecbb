// Package tools holds the functions the language model may call during a
// conversation.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/square-key-labs/strawgo-callagent/src/logger"
	"github.com/square-key-labs/strawgo-callagent/src/services"
)

var (
	ErrEmptyName     = errors.New("tool name is empty")
	ErrDuplicateTool = errors.New("tool already registered")
)

// Handler runs a tool. The returned sentence is read to the caller, so it
// must already be safe to speak.
type Handler func(ctx context.Context, args map[string]interface{}) string

// Parameter describes one argument of a tool
type Parameter struct {
	Name        string
	Type        string // "string", "number", "integer", "boolean"
	Description string
	Required    bool
}

// Tool is a named function with its argument schema
type Tool struct {
	Name        string
	Description string
	Parameters  []Parameter
	Handler     Handler
}

// Observer is notified after every invocation
type Observer func(name string, ok bool, elapsed time.Duration)

// Registry maps tool names to their handlers. Tools keep their registration
// order in Declarations.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	order    []string
	observer Observer
	log      *logger.Logger
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
		log:   logger.WithPrefix("Tools"),
	}
}

// SetObserver installs a hook called after each invocation
func (r *Registry) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

// Register adds a tool
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return ErrEmptyName
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s has no handler", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Names returns the registered tool names in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Declarations describes the registered tools to the language model
func (r *Registry) Declarations() []services.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	decls := make([]services.Tool, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		params := services.ToolParameters{Properties: make(map[string]services.ToolProperty, len(t.Parameters))}
		for _, p := range t.Parameters {
			params.Properties[p.Name] = services.ToolProperty{Type: p.Type, Description: p.Description}
			if p.Required {
				params.Required = append(params.Required, p.Name)
			}
		}
		decls = append(decls, services.Tool{
			Type: "function",
			Function: services.ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return decls
}

// Invoke runs the named tool. It always returns a sentence: unknown tools
// and handler panics are reported as text.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}) (result string) {
	r.mu.RLock()
	t, ok := r.tools[name]
	observer := r.observer
	r.mu.RUnlock()

	if !ok {
		r.log.Warn("Model called unknown tool %q", name)
		return fmt.Sprintf("Unknown tool: %s", name)
	}

	started := time.Now()
	succeeded := false
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Tool %s panicked: %v", name, rec)
			result = fmt.Sprintf("Sorry, something went wrong while running %s.", name)
			succeeded = false
		}
		if observer != nil {
			observer(name, succeeded, time.Since(started))
		}
	}()

	result = t.Handler(ctx, args)
	succeeded = true
	r.log.Debug("Tool %s returned in %v", name, time.Since(started))
	return result
}
