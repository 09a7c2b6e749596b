// Package tool maps tool names to executable handlers with JSON Schema
// parameter validation. Handlers never raise: every failure at the tool
// boundary becomes a typed failure result the model can react to.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/loom/internal/observability"
	"github.com/harun/loom/pkg/llm"
)

// maxOutputBytes bounds serialized tool output appended to the thread.
const maxOutputBytes = 64 * 1024

// Parameter defines a parameter for a tool
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Handler is the function signature for tool execution
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Definition defines a tool's metadata and handler
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Handler     Handler     `json:"-"`

	// Terminal marks a tool whose successful invocation ends the run loop.
	Terminal bool `json:"terminal,omitempty"`

	// Parallel allows this tool to run concurrently with adjacent
	// parallel-capable invocations from the same completion.
	Parallel bool `json:"parallel,omitempty"`

	// Timeout overrides the registry default for this tool.
	Timeout time.Duration `json:"-"`
}

// Result represents the outcome of one tool execution.
type Result struct {
	Success   bool   `json:"success"`
	Output    any    `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Registry manages and executes tools
type Registry struct {
	tools          map[string]*Definition
	schemas        map[string]*gojsonschema.Schema
	defaultTimeout time.Duration
	mu             sync.RWMutex
}

// NewRegistry creates a tool registry. defaultTimeout bounds handler
// execution when the definition does not override it.
func NewRegistry(defaultTimeout time.Duration) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Registry{
		tools:          make(map[string]*Definition),
		schemas:        make(map[string]*gojsonschema.Schema),
		defaultTimeout: defaultTimeout,
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := compileSchema(def)
	if err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema

	log.Debug().Str("tool", def.Name).Bool("terminal", def.Terminal).Msg("Tool registered")

	return nil
}

// Get returns a tool definition by name, or nil.
func (r *Registry) Get(name string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// IsTerminal reports whether name is a registered terminal tool.
func (r *Registry) IsTerminal(name string) bool {
	def := r.Get(name)
	return def != nil && def.Terminal
}

// List returns all registered tool names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Schemas exports every registered tool as provider-facing schemas.
func (r *Registry) Schemas() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]llm.ToolSchema, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, llm.ToolSchema{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: inputSchema(*def),
		})
	}
	return out
}

// Execute runs a tool by name. Unknown names, validation failures, handler
// errors, and timeouts all come back as failure Results, never as errors.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) Result {
	start := time.Now()

	r.mu.RLock()
	def := r.tools[name]
	schema := r.schemas[name]
	timeout := r.defaultTimeout
	r.mu.RUnlock()

	if def == nil {
		log.Warn().Str("tool", name).Msg("Tool not found")
		observability.RecordToolExecution(name, time.Since(start), false)
		return Result{
			Success: false,
			Error:   fmt.Sprintf("tool not found: %s", name),
		}
	}

	if def.Timeout > 0 {
		timeout = def.Timeout
	}

	if err := validateParams(schema, params); err != nil {
		log.Warn().Str("tool", name).Err(err).Msg("Parameter validation failed")
		observability.RecordToolExecution(name, time.Since(start), false)
		return Result{
			Success: false,
			Error:   fmt.Sprintf("parameter validation failed: %v", err),
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultChan := make(chan any, 1)
	errChan := make(chan error, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				errChan <- fmt.Errorf("tool panicked: %v", rec)
			}
		}()
		output, err := def.Handler(execCtx, params)
		if err != nil {
			errChan <- err
		} else {
			resultChan <- output
		}
	}()

	select {
	case output := <-resultChan:
		duration := time.Since(start)
		output, truncated := truncateOutput(output)
		log.Debug().
			Str("tool", name).
			Dur("duration", duration).
			Bool("truncated", truncated).
			Msg("Tool execution completed")
		observability.RecordToolExecution(name, duration, true)
		return Result{
			Success:   true,
			Output:    output,
			Truncated: truncated,
		}

	case err := <-errChan:
		duration := time.Since(start)
		log.Warn().
			Str("tool", name).
			Dur("duration", duration).
			Err(err).
			Msg("Tool execution failed")
		observability.RecordToolExecution(name, duration, false)
		return Result{
			Success: false,
			Error:   err.Error(),
		}

	case <-execCtx.Done():
		duration := time.Since(start)
		log.Warn().
			Str("tool", name).
			Dur("duration", duration).
			Msg("Tool execution timed out")
		observability.RecordToolExecution(name, duration, false)
		return Result{
			Success: false,
			Error:   fmt.Sprintf("tool %s timed out after %s", name, timeout),
		}
	}
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s has no handler", def.Name)
	}
	for _, p := range def.Parameters {
		if p.Name == "" {
			return fmt.Errorf("tool %s has a parameter with no name", def.Name)
		}
		switch p.Type {
		case "string", "number", "integer", "boolean", "array", "object":
		default:
			return fmt.Errorf("tool %s parameter %s has invalid type %q", def.Name, p.Name, p.Type)
		}
	}
	return nil
}

func inputSchema(def Definition) map[string]any {
	properties := map[string]any{}
	required := []string{}

	for _, p := range def.Parameters {
		properties[p.Name] = map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func compileSchema(def Definition) (*gojsonschema.Schema, error) {
	raw, err := json.Marshal(inputSchema(def))
	if err != nil {
		return nil, err
	}
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
}

func validateParams(schema *gojsonschema.Schema, params map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := ""
		for _, desc := range result.Errors() {
			if msgs != "" {
				msgs += "; "
			}
			msgs += desc.String()
		}
		return fmt.Errorf("%s", msgs)
	}
	return nil
}

func truncateOutput(output any) (any, bool) {
	s, ok := output.(string)
	if !ok {
		raw, err := json.Marshal(output)
		if err != nil || len(raw) <= maxOutputBytes {
			return output, false
		}
		return string(raw[:maxOutputBytes]) + "… [truncated]", true
	}
	if len(s) <= maxOutputBytes {
		return s, false
	}
	return s[:maxOutputBytes] + "… [truncated]", true
}
