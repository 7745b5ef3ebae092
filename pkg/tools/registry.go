// Package tools resolves and executes the external capabilities offered to
// the model. Concrete tool implementations live outside the core; this
// registry validates arguments against each tool's schema and enforces a
// per-call timeout.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/calder/steward/internal/observability"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

const DefaultTimeout = 30 * time.Second

// Handler executes one tool call.
type Handler func(ctx context.Context, args map[string]interface{}) (string, error)

// Tool describes a registered capability.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
	Handler     Handler
}

// Result is the outcome of one execution.
type Result struct {
	Output  string
	IsError bool
}

// Registry holds the available tools.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(timeout time.Duration, logger zerolog.Logger) *Registry {
	observability.EnsureRegistered()

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		tools:   make(map[string]Tool),
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a tool. Registering the same name twice is an error.
func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s has no handler", tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool already registered: %s", tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]Tool, 0, len(names))
	for _, name := range names {
		result = append(result, r.tools[name])
	}
	return result
}

// Execute runs a tool with schema validation and a per-call timeout. Errors
// are returned as error results, not Go errors: the model sees tool failures
// as content.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) Result {
	tool, ok := r.Get(name)
	if !ok {
		return Result{Output: fmt.Sprintf("unknown tool: %s", name), IsError: true}
	}

	if err := r.validateArgs(tool, args); err != nil {
		return Result{Output: fmt.Sprintf("invalid arguments: %v", err), IsError: true}
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	output, err := tool.Handler(execCtx, args)
	observability.RecordToolExecution(name, time.Since(start), err == nil)

	if err != nil {
		r.logger.Warn().
			Err(err).
			Str("tool", name).
			Msg("Tool execution failed")
		return Result{Output: err.Error(), IsError: true}
	}
	return Result{Output: output}
}

func (r *Registry) validateArgs(tool Tool, args map[string]interface{}) error {
	if tool.InputSchema == nil {
		return nil
	}

	schemaLoader := gojsonschema.NewGoLoader(tool.InputSchema)
	docLoader := gojsonschema.NewGoLoader(args)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return fmt.Errorf("%s", strings.Join(problems, "; "))
}
