package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pulse-ide/pulse/llm"
)

// ToolKind is the closed set of tool capability tags. The dispatcher
// switches on the tag, never on tool names.
type ToolKind string

const (
	// ToolAtomic is a plain tool: no approval, may be read-only or mutating.
	ToolAtomic ToolKind = "atomic"
	// ToolPermissioned requires an explicit external verdict before each
	// invocation.
	ToolPermissioned ToolKind = "permissioned"
	// ToolAgentic delegates to an isolated sub-workflow and returns its
	// structured result.
	ToolAgentic ToolKind = "agentic"
)

// Invoker executes a tool with schema-validated arguments.
type Invoker func(ctx context.Context, args json.RawMessage) (string, error)

// ApprovalPreview is what a gated tool shows the user before running.
type ApprovalPreview struct {
	Kind      ApprovalKind
	Preview   string
	Rationale string
}

// Tool is one registry entry: the capability contract plus the execution
// function. The orchestration core calls only Invoke; it never inspects tool
// internals.
type Tool struct {
	Name             string
	Description      string
	Kind             ToolKind
	ReadOnly         bool
	RequiresApproval bool
	InputSchema      map[string]any // JSON Schema for the arguments object
	Invoke           Invoker

	// Previewer renders the approval preview for gated tools. Optional;
	// the dispatcher falls back to the raw arguments.
	Previewer func(args json.RawMessage) ApprovalPreview

	// StatusLine renders a short progress string ("Reading main.go").
	// Optional.
	StatusLine func(args json.RawMessage) string
}

// ParallelSafe reports whether invocations of this tool may run concurrently
// with other parallel-safe calls from the same batch.
func (t *Tool) ParallelSafe() bool {
	return t.ReadOnly && !t.RequiresApproval
}

// Definition returns the serializable description sent to the model.
func (t *Tool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.InputSchema,
	}
}

// Registry manages tool registration and lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds or replaces a tool in the registry.
func (r *Registry) Register(tool *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
}

// Unregister removes a tool from the registry.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a registered tool by name, or nil if not found.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the names of all registered tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns the tool definitions offered to the model.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition())
	}
	return defs
}

// Clone returns a shallow copy of the registry.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := NewRegistry()
	for name, tool := range r.tools {
		clone.tools[name] = tool
	}
	return clone
}

// ForMode returns the registry restricted to the tools the mode offers:
// ask and plan modes see only parallel-safe inspection tools, agent mode
// sees everything.
func (r *Registry) ForMode(mode Mode) *Registry {
	if mode == ModeAgent {
		return r.Clone()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	filtered := NewRegistry()
	for name, tool := range r.tools {
		if tool.ReadOnly && !tool.RequiresApproval {
			filtered.tools[name] = tool
		}
	}
	return filtered
}

// ValidateArguments checks raw arguments against a tool's input schema:
// the payload must be a JSON object, every required property must be
// present, and present properties must match their declared type. It runs
// before dispatch so malformed model output never reaches tool code.
func ValidateArguments(schema map[string]any, raw json.RawMessage) error {
	var args map[string]any
	if len(raw) == 0 {
		args = map[string]any{}
	} else if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("arguments are not a JSON object: %w", err)
	}

	if schema == nil {
		return nil
	}

	props, _ := schema["properties"].(map[string]any)

	if required, ok := schema["required"].([]any); ok {
		for _, req := range required {
			name, _ := req.(string)
			if _, present := args[name]; !present {
				return fmt.Errorf("missing required argument %q", name)
			}
		}
	} else if required, ok := schema["required"].([]string); ok {
		for _, name := range required {
			if _, present := args[name]; !present {
				return fmt.Errorf("missing required argument %q", name)
			}
		}
	}

	for name, value := range args {
		propSchema, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		declared, _ := propSchema["type"].(string)
		if declared == "" {
			continue
		}
		if !matchesJSONType(value, declared) {
			return fmt.Errorf("argument %q: expected %s, got %T", name, declared, value)
		}
	}
	return nil
}

func matchesJSONType(value any, declared string) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		n, ok := value.(float64)
		return ok && n == float64(int64(n))
	case "number":
		_, ok := value.(float64)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}
