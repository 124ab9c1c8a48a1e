// Package tools defines the agent tool set. Every tool runs against the
// task's executor and returns a tagged result value; argument and
// result-shape validation happens here so the stream fold can trust what it
// persists.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/shadowrealm-ai/shadow/internal/executor"
	"github.com/shadowrealm-ai/shadow/internal/llm"
)

// MaxMCPResultBytes caps results from MCP servers. Their shape is trusted
// but their size is not.
const MaxMCPResultBytes = 1 << 20

// Tool is one callable capability offered to the model.
type Tool interface {
	Name() string
	Description() string

	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage

	// ResultSchema returns the JSON Schema the result must satisfy, or nil
	// when the result is free-form.
	ResultSchema() json.RawMessage

	Execute(ctx context.Context, args json.RawMessage) executor.Result
}

// Registry holds the active tool set for one task stream.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]Tool
	argSchemas map[string]*jsonschema.Schema
	resSchemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:      make(map[string]Tool),
		argSchemas: make(map[string]*jsonschema.Schema),
		resSchemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its schemas.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if IsMCPName(name) {
		return fmt.Errorf("native tool name %q must not contain a colon", name)
	}

	argSchema, err := compileSchema(name+"-args", tool.Schema())
	if err != nil {
		return fmt.Errorf("tool %s: argument schema: %w", name, err)
	}
	var resSchema *jsonschema.Schema
	if raw := tool.ResultSchema(); raw != nil {
		resSchema, err = compileSchema(name+"-result", raw)
		if err != nil {
			return fmt.Errorf("tool %s: result schema: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	r.argSchemas[name] = argSchema
	if resSchema != nil {
		r.resSchemas[name] = resSchema
	}
	return nil
}

// MustRegister panics on registration failure; tool schemas are static.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

func compileSchema(id string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := id + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// Known reports whether a name is dispatchable: a registered native tool or
// a well-formed MCP name.
func (r *Registry) Known(name string) bool {
	if IsMCPName(name) {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names lists the registered native tool names, sorted.
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

// Defs exposes the tool set in provider request form.
func (r *Registry) Defs() []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]llm.ToolDef, 0, len(names))
	for _, name := range names {
		tool := r.tools[name]
		defs = append(defs, llm.ToolDef{
			Name:        name,
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return defs
}

// ValidateArgs checks call arguments against the tool's schema.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.argSchemas[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}
	return validate(schema, args)
}

// ValidateResult checks a result payload against the tool's result schema.
// MCP results are trusted in shape but rejected past the size cap; native
// tools without a result schema accept any valid JSON.
func (r *Registry) ValidateResult(name string, result json.RawMessage) error {
	if IsMCPName(name) {
		if len(result) > MaxMCPResultBytes {
			return fmt.Errorf("MCP result from %q exceeds %d bytes", name, MaxMCPResultBytes)
		}
		if !json.Valid(result) {
			return fmt.Errorf("MCP result from %q is not valid JSON", name)
		}
		return nil
	}

	r.mu.RLock()
	schema, ok := r.resSchemas[name]
	r.mu.RUnlock()
	if !ok {
		if !json.Valid(result) {
			return fmt.Errorf("result from %q is not valid JSON", name)
		}
		return nil
	}
	return validate(schema, result)
}

// Execute dispatches a call to a registered tool. Unknown names and MCP
// names are the caller's concern; this only runs natives.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) executor.Result {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return executor.Failure("unknown tool %q", name)
	}
	return tool.Execute(ctx, args)
}

func validate(schema *jsonschema.Schema, raw json.RawMessage) error {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("not valid JSON: %w", err)
	}
	return schema.Validate(value)
}

// IsMCPName reports whether a tool name follows the server:tool convention
// used for MCP-provided tools.
func IsMCPName(name string) bool {
	i := strings.IndexByte(name, ':')
	return i > 0 && i < len(name)-1
}

// SplitMCPName splits an MCP tool name into server and tool parts.
func SplitMCPName(name string) (server, tool string, ok bool) {
	if !IsMCPName(name) {
		return "", "", false
	}
	parts := strings.SplitN(name, ":", 2)
	return parts[0], parts[1], true
}
