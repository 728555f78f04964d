package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Well-known tool names the reasoning loop treats specially
const (
	SearchTool          = "search"
	VisitTool           = "visit"
	CodeInterpreterTool = "code_interpreter"
)

var (
	// ErrToolUnregistered is returned when a tool name has no registered handler
	ErrToolUnregistered = errors.New("tool is not registered")
	// ErrToolNameEmpty is returned when registering a tool without a name
	ErrToolNameEmpty = errors.New("tool name is empty")
	// ErrNilTool is returned when registering a nil tool
	ErrNilTool = errors.New("tool is nil")
)

// Tool defines the interface that all tools must implement
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// HandlerFunc is the function form of a tool's Execute
type HandlerFunc func(ctx context.Context, args map[string]any) (string, error)

type funcTool struct {
	name        string
	description string
	fn          HandlerFunc
}

func (t *funcTool) Name() string        { return t.name }
func (t *funcTool) Description() string { return t.description }
func (t *funcTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return t.fn(ctx, args)
}

// Func wraps a handler function as a Tool
func Func(name, description string, fn HandlerFunc) Tool {
	if fn == nil {
		return nil
	}
	return &funcTool{name: name, description: description, fn: fn}
}

// Registry manages tool registration and execution
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a new tool registry
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry, replacing any tool with the same name
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return ErrNilTool
	}
	if tool.Name() == "" {
		return ErrToolNameEmpty
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	return nil
}

// Get retrieves a tool by name
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, exists := r.tools[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrToolUnregistered, name)
	}
	return tool, nil
}

// Has reports whether a tool is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns registered tool names in sorted order
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

// Descriptions returns name to description for every registered tool
func (r *Registry) Descriptions() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.tools))
	for name, tool := range r.tools {
		out[name] = tool.Description()
	}
	return out
}

// Execute runs a tool by name. Handler panics are returned as errors.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (out string, err error) {
	tool, err := r.Get(name)
	if err != nil {
		return "", err
	}
	if args == nil {
		args = map[string]any{}
	}

	defer func() {
		if rec := recover(); rec != nil {
			out = ""
			err = fmt.Errorf("tool %s panicked: %v", name, rec)
		}
	}()

	out, err = tool.Execute(ctx, args)
	if err != nil {
		return "", fmt.Errorf("tool %s: %w", name, err)
	}
	return out, nil
}

// Call runs a tool and folds any failure into the returned observation text
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) string {
	out, err := r.Execute(ctx, name, args)
	if err != nil {
		return FormatError(err)
	}
	return out
}

// FormatError renders a tool failure as observation text
func FormatError(err error) string {
	return fmt.Sprintf("[tool error] %v", err)
}
