// Package tools exposes the agent's capabilities as named, schema-described
// handlers behind a uniform dispatch surface.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/finchlabs/finch/internal/diag"
	"github.com/finchlabs/finch/internal/providers"
)

// Default per-category dispatch timeouts. Zero means no timeout (pure
// compute handlers).
const (
	ShellTimeout    = 30 * time.Second
	SubagentTimeout = 60 * time.Second
	HTTPTimeout     = 10 * time.Second
)

// Handler runs one tool call with decoded arguments.
type Handler func(ctx context.Context, args map[string]interface{}) *Result

// Spec describes one registered tool.
type Spec struct {
	Name        string
	Description string
	Schema      map[string]interface{} // JSON schema for the model
	Timeout     time.Duration          // 0 = no deadline
	Handler     Handler
}

type registered struct {
	spec     Spec
	compiled *jsonschema.Schema
}

// Registry maps tool names to handlers. Registration is typically done at
// startup; dispatch is concurrent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registered
	bus   *diag.Bus
}

func NewRegistry(bus *diag.Bus) *Registry {
	return &Registry{tools: make(map[string]*registered), bus: bus}
}

// Register adds a tool. Duplicate names fail; the first registration wins.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" || spec.Handler == nil {
		return fmt.Errorf("tool spec needs a name and handler")
	}

	var compiled *jsonschema.Schema
	if spec.Schema != nil {
		data, err := json.Marshal(spec.Schema)
		if err != nil {
			return fmt.Errorf("tool %s: marshal schema: %w", spec.Name, err)
		}
		compiler := jsonschema.NewCompiler()
		url := "tool://" + spec.Name + ".json"
		if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("tool %s: schema resource: %w", spec.Name, err)
		}
		compiled, err = compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("tool %s: invalid schema: %w", spec.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; exists {
		return fmt.Errorf("duplicate tool name: %s", spec.Name)
	}
	r.tools[spec.Name] = &registered{spec: spec, compiled: compiled}
	return nil
}

// MustRegister panics on registration failure. Startup wiring only.
func (r *Registry) MustRegister(spec Spec) {
	if err := r.Register(spec); err != nil {
		panic(err)
	}
}

// Get returns a tool's spec by name.
func (r *Registry) Get(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return Spec{}, false
	}
	return t.spec, true
}

// List returns all registered specs sorted by name.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ProviderDefs renders the registry as model-facing tool definitions.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	specs := r.List()
	defs := make([]providers.ToolDefinition, len(specs))
	for i, s := range specs {
		defs[i] = providers.ToolDefinition{
			Name:        s.Name,
			Description: s.Description,
			InputSchema: s.Schema,
		}
	}
	return defs
}

// Dispatch runs a tool by name. It always returns a structured result:
// unknown names, schema violations, panics, and handler errors all come
// back as IsError results, never as Go panics to the caller.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]interface{}) *Result {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	if t.compiled != nil {
		if err := t.compiled.Validate(normalizeForSchema(args)); err != nil {
			return ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", name, err))
		}
	}

	if t.spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.spec.Timeout)
		defer cancel()
	}

	start := time.Now()
	result := r.safeCall(ctx, t.spec, args)
	dur := time.Since(start)

	if r.bus != nil {
		r.bus.Emit(diag.Input{
			Type:       diag.EventToolCall,
			Message:    name,
			DurationMs: dur.Milliseconds(),
			IsError:    result.IsError,
			Fields:     map[string]any{"tool": name},
		})
	}
	if result.IsError {
		slog.Warn("tools: dispatch error", "tool", name, "duration", dur, "message", truncate(result.ForLLM, 200))
	}
	return result
}

func (r *Registry) safeCall(ctx context.Context, spec Spec, args map[string]interface{}) (result *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tools: handler panicked", "tool", spec.Name, "panic", rec)
			if r.bus != nil {
				r.bus.Emit(diag.Input{
					Type:     diag.EventError,
					Category: diag.CategoryInternal,
					Message:  fmt.Sprintf("tool %s panic: %v", spec.Name, rec),
					Fields:   map[string]any{"stack": string(debug.Stack())},
				})
			}
			result = ErrorResult(fmt.Sprintf("tool %s failed: %v", spec.Name, rec))
		}
	}()
	result = spec.Handler(ctx, args)
	if result == nil {
		result = ErrorResult(fmt.Sprintf("tool %s returned no result", spec.Name))
	}
	return result
}

// normalizeForSchema round-trips args through JSON so the validator sees
// canonical types (json.Number-free float64 maps, no custom structs).
func normalizeForSchema(args map[string]interface{}) interface{} {
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return args
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ObjectSchema is a shorthand for the common object-with-properties shape.
func ObjectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func strArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func boolArg(args map[string]interface{}, key string) bool {
	b, _ := args[key].(bool)
	return b
}
