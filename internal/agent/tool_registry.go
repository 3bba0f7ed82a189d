package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolRegistry manages the set of tools available to a session. Tools are
// registered once at startup and the table is read-only thereafter; the
// mutex here guards against registration races during startup, not against
// concurrent mutation during a turn.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewToolRegistry creates a new empty tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register compiles the tool's schema and adds it to the registry. A
// malformed schema is a startup-time ConfigError — registration happens
// once, before any turn runs, so there is no graceful degradation path.
func (r *ToolRegistry) Register(tool Tool) error {
	schema, err := compileToolSchema(tool.Name(), tool.Schema())
	if err != nil {
		return &ConfigError{Key: "tools." + tool.Name(), Message: err.Error(), Cause: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	r.schemas[tool.Name()] = schema
	return nil
}

// compileToolSchema wraps the tool's declared schema, forcing
// additionalProperties=false so that unknown argument keys are a hard
// validation error even when the tool's author forgot to say so — the data
// model requires this regardless of what the schema states.
func compileToolSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("tool %s: schema is not a JSON object: %w", name, err)
	}
	if doc["type"] == nil {
		doc["type"] = "object"
	}
	doc["additionalProperties"] = false

	sealed, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}

	url := "tool:" + name
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(sealed)); err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	return compiler.Compile(url)
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Validate checks args against the tool's compiled schema, enforcing
// additionalProperties=false regardless of what the tool's own schema
// declared. A non-nil error here must never reach Tool.Execute — the
// orchestrator converts it to a tool_result with status error and error
// "invalid_arguments".
func (r *ToolRegistry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no schema registered for %s", name)
	}

	var decoded interface{}
	if len(args) == 0 {
		decoded = map[string]interface{}{}
	} else if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return err
	}
	return nil
}

// List returns every registered tool, in no particular order. Callers that
// need a stable order (provider adapters advertising tool schemas) should
// sort by Name().
func (r *ToolRegistry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	return tools
}

// Schemas projects the registry into the wire-level ToolSchema slice a
// provider adapter advertises to the model.
func (r *ToolRegistry) Schemas() []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolSchema, 0, len(r.tools))
	for name, t := range r.tools {
		out = append(out, ToolSchema{
			Name:        name,
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return out
}
