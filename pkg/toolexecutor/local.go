package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/toolgate/pkg/tool"
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Class       tool.RiskClass  `json:"class"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

type localTool struct {
	def    ToolDefinition
	schema json.RawMessage
}

// LocalBackend runs in-process tools.
type LocalBackend struct {
	tools map[string]*localTool
	mu    sync.RWMutex
}

// NewLocalBackend creates an empty local backend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{
		tools: make(map[string]*localTool),
	}
}

// RegisterTool registers a new tool
func (b *LocalBackend) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := generateJSONSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.tools[def.Name] = &localTool{def: def, schema: schema}

	log.Debug().Str("tool", def.Name).Str("class", string(def.Class)).Msg("Tool registered")

	return nil
}

// UnregisterTool removes a tool
func (b *LocalBackend) UnregisterTool(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.tools, name)

	log.Debug().Str("tool", name).Msg("Tool unregistered")
}

// GetTool returns a tool definition by name
func (b *LocalBackend) GetTool(name string) (ToolDefinition, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.tools[name]
	if !ok {
		return ToolDefinition{}, false
	}
	return t.def, true
}

// ListTools returns all registered tool names, sorted
func (b *LocalBackend) ListTools() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.tools))
	for name := range b.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Origin implements catalog.Source.
func (b *LocalBackend) Origin() tool.Origin {
	return tool.LocalOrigin()
}

// Discover implements catalog.Source.
func (b *LocalBackend) Discover(ctx context.Context) ([]tool.Descriptor, error) {
	return b.Describe(ctx)
}

// Describe returns a descriptor per registered tool.
func (b *LocalBackend) Describe(_ context.Context) ([]tool.Descriptor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	descs := make([]tool.Descriptor, 0, len(b.tools))
	for _, t := range b.tools {
		descs = append(descs, tool.Descriptor{
			Name:        t.def.Name,
			Description: t.def.Description,
			InputSchema: t.schema,
			Origin:      tool.LocalOrigin(),
			Class:       t.def.Class,
		})
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	return descs, nil
}

// Execute runs the tool's handler. Handler errors become a failed Output,
// except validation errors which surface as typed errors.
func (b *LocalBackend) Execute(ctx context.Context, desc tool.Descriptor, call tool.Call) (tool.Output, error) {
	b.mu.RLock()
	t, ok := b.tools[desc.Name]
	b.mu.RUnlock()
	if !ok {
		return tool.Output{}, tool.NewError(tool.KindNotFound, desc.Name, nil)
	}

	params := call.Args
	if params == nil {
		params = map[string]interface{}{}
	}

	start := time.Now()
	result, err := t.def.Handler(ContextWithCall(ctx, call), params)
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, tool.ErrValidation) {
			return tool.Output{}, &tool.ExecutionError{Kind: tool.KindValidation, Err: err}
		}
		if ctx.Err() != nil {
			return tool.Output{}, &tool.ExecutionError{Kind: tool.KindTimeout, Err: ctx.Err()}
		}

		log.Debug().
			Str("tool", desc.Name).
			Dur("duration", duration).
			Err(err).
			Msg("Tool execution failed")

		return tool.Output{
			CallID:   call.ID,
			Success:  false,
			Error:    err.Error(),
			Duration: duration,
		}, nil
	}

	content, err := renderResult(result)
	if err != nil {
		return tool.Output{}, &tool.ExecutionError{Kind: tool.KindProtocol, Reason: "unencodable result", Err: err}
	}

	return tool.Output{
		CallID:   call.ID,
		Success:  true,
		Content:  content,
		Duration: duration,
	}, nil
}

func renderResult(result interface{}) (string, error) {
	switch v := result.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// validateToolDefinition validates a tool definition
func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	if !tool.IsValidClass(string(def.Class)) {
		return fmt.Errorf("invalid risk class %q for %s", def.Class, def.Name)
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// generateJSONSchema builds the input schema from the parameters and checks
// that it compiles.
func generateJSONSchema(def ToolDefinition) (json.RawMessage, error) {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		if len(param.Enum) > 0 {
			paramSchema["enum"] = param.Enum
		}
		if param.Type == "array" {
			paramSchema["items"] = map[string]interface{}{"type": "string"}
		}

		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap)); err != nil {
		return nil, err
	}
	return json.Marshal(schemaMap)
}
