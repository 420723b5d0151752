// Package tools provides the tool framework and implementations for the
// agent.
package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Anteroom/Anteroom/internal/errs"
	"github.com/Anteroom/Anteroom/internal/provider"
)

// Tool is the interface that all agent tools must implement.
type Tool interface {
	// Name returns the tool identifier used in function calls.
	Name() string
	// Description returns a human-readable description for the LLM.
	Description() string
	// Parameters returns the JSON Schema for tool parameters.
	Parameters() map[string]any
	// Execute runs the tool with the given parameters.
	// Returns result string and error. On error, return user-friendly message.
	Execute(ctx context.Context, params map[string]any) (string, error)
}

// ApprovalGated is implemented by tools that need human approval before
// each execution (unless session-auto-approved).
type ApprovalGated interface {
	Tool
	RequiresApproval() bool
}

// Sanitized is implemented by tools whose output goes through the output
// sanitizer before reaching the model.
type Sanitized interface {
	Tool
	RequiresSanitization() bool
}

// Timed is implemented by tools that declare their own execution timeout.
type Timed interface {
	Tool
	ExecutionTimeout() time.Duration
}

// Tagged is implemented by tools that belong to a domain (files, shell,
// memory, todos).
type Tagged interface {
	Tool
	Domain() string
}

// RequiresApproval reports the approval flag for any tool (default false).
func RequiresApproval(t Tool) bool {
	if a, ok := t.(ApprovalGated); ok {
		return a.RequiresApproval()
	}
	return false
}

// RequiresSanitization reports the sanitize flag for any tool (default false).
func RequiresSanitization(t Tool) bool {
	if s, ok := t.(Sanitized); ok {
		return s.RequiresSanitization()
	}
	return false
}

// ExecutionTimeout reports the tool timeout, defaulting to 60s.
func ExecutionTimeout(t Tool) time.Duration {
	if tt, ok := t.(Timed); ok {
		if d := tt.ExecutionTimeout(); d > 0 {
			return d
		}
	}
	return 60 * time.Second
}

// Domain reports a tool's domain tag (default "general").
func Domain(t Tool) string {
	if d, ok := t.(Tagged); ok {
		if tag := d.Domain(); tag != "" {
			return tag
		}
	}
	return "general"
}

// Registry manages tool registration and lookup. Protected built-in names
// cannot be shadowed by later dynamic registrations.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	protected map[string]bool
}

// NewRegistry creates a new tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]Tool),
		protected: make(map[string]bool),
	}
}

// Register adds a tool to the registry. Registering over a protected name
// is an error; registering over an unprotected one replaces it.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.protected[tool.Name()] {
		return errs.New(errs.KindTool, "registry.register",
			fmt.Sprintf("tool %q is protected and cannot be replaced", tool.Name()))
	}
	r.tools[tool.Name()] = tool
	return nil
}

// RegisterBuiltin adds a tool and marks its name protected.
func (r *Registry) RegisterBuiltin(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	r.protected[tool.Name()] = true
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all registered tools.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		result = append(result, tool)
	}
	return result
}

// Definitions returns tool definitions for the model.
func (r *Registry) Definitions() []provider.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]provider.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		result = append(result, provider.ToolDefinition{
			Type: "function",
			Function: provider.FunctionDef{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}
	return result
}

// DefinitionsByDomain returns definitions filtered by domain tag.
func (r *Registry) DefinitionsByDomain(domain string) []provider.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []provider.ToolDefinition
	for _, tool := range r.tools {
		if Domain(tool) != domain {
			continue
		}
		result = append(result, provider.ToolDefinition{
			Type: "function",
			Function: provider.FunctionDef{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}
	return result
}

// Execute runs a tool by name with parameter presence validation and the
// tool's execution timeout applied.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (string, error) {
	tool, ok := r.Get(name)
	if !ok {
		return "", errs.Wrapf(errs.KindTool, "registry.execute", errs.ErrNotFound, "tool %s", name)
	}

	if err := validateParams(tool, params); err != nil {
		return "", err
	}

	timeout := ExecutionTimeout(tool)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := tool.Execute(execCtx, params)
		done <- result{out, err}
	}()

	select {
	case res := <-done:
		return res.out, res.err
	case <-execCtx.Done():
		if execCtx.Err() == context.DeadlineExceeded {
			return "", errs.Wrapf(errs.KindTool, "registry.execute", errs.ErrTimeout,
				"tool %s exceeded %v", name, timeout)
		}
		return "", execCtx.Err()
	}
}

// validateParams checks required parameters declared in the tool's schema.
func validateParams(tool Tool, params map[string]any) error {
	schema := tool.Parameters()
	required, ok := schema["required"].([]string)
	if !ok {
		if reqAny, ok := schema["required"].([]any); ok {
			for _, r := range reqAny {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
		}
	}
	for _, name := range required {
		if _, present := params[name]; !present {
			return errs.Wrapf(errs.KindTool, "registry.execute", errs.ErrInvalidParams,
				"tool %s missing required parameter %q", tool.Name(), name)
		}
	}
	return nil
}

// GetString extracts a string parameter with a default value.
func GetString(params map[string]any, key string, defaultVal string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// GetInt extracts an int parameter with a default value.
func GetInt(params map[string]any, key string, defaultVal int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return defaultVal
}

// GetBool extracts a bool parameter with a default value.
func GetBool(params map[string]any, key string, defaultVal bool) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}
