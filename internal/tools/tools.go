// Package tools defines the tools available to the agent: an immutable
// tool set with JSON Schema argument validation, and a registry that
// swaps whole sets atomically so in-flight turns keep the set they
// started with.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Tool represents a callable tool. Parameters is a JSON Schema object
// describing the arguments.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	Handler func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Call is one tool invocation requested by the model.
type Call struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Result is the outcome of a Call. Exactly one of Output and Err is
// meaningful; Content returns whichever should go back to the model.
type Result struct {
	CallID string
	Output string
	Err    *ToolError
}

// Content returns the text to feed back as the tool turn.
func (r Result) Content() string {
	if r.Err != nil {
		return "Error: " + r.Err.Error()
	}
	return r.Output
}

// Set is an immutable collection of tools with their compiled argument
// schemas. Once built it is never mutated, so a snapshot taken at the
// start of a turn cycle stays valid for the whole cycle.
type Set struct {
	tools   map[string]*Tool
	schemas map[string]*jsonschema.Schema
}

// NewSet compiles the parameter schemas and builds a set. A tool with a
// malformed schema fails the whole build: a set either validates every
// registered tool or does not exist.
func NewSet(tools ...*Tool) (*Set, error) {
	s := &Set{
		tools:   make(map[string]*Tool, len(tools)),
		schemas: make(map[string]*jsonschema.Schema, len(tools)),
	}

	for _, t := range tools {
		if t.Name == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		if _, exists := s.tools[t.Name]; exists {
			return nil, fmt.Errorf("duplicate tool %q", t.Name)
		}

		if t.Parameters != nil {
			schema, err := compileSchema(t.Parameters)
			if err != nil {
				return nil, fmt.Errorf("tool %q: %w", t.Name, err)
			}
			s.schemas[t.Name] = schema
		}
		s.tools[t.Name] = t
	}

	return s, nil
}

// compileSchema round-trips the parameter map through JSON so the
// compiler sees canonical decoded types regardless of how the map was
// built in Go.
func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// Get retrieves a tool by name, or nil.
func (s *Set) Get(name string) *Tool {
	return s.tools[name]
}

// Names returns the tool names in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of tools in the set.
func (s *Set) Len() int {
	return len(s.tools)
}

// List returns all tools in the wire shape the completions API expects,
// sorted by name for stable request payloads.
func (s *Set) List() []map[string]any {
	var result []map[string]any
	for _, name := range s.Names() {
		t := s.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Invoke runs one tool call. Failures come back inside the Result, not
// as a Go error: an unknown tool, invalid arguments, a handler error,
// a panic, or a timeout all produce a classified ToolError for the
// model to react to.
func (s *Set) Invoke(ctx context.Context, call Call, timeout time.Duration) Result {
	res := Result{CallID: call.ID}

	tool := s.tools[call.Name]
	if tool == nil {
		res.Err = &ToolError{Tool: call.Name, Kind: KindExecution, Message: "unknown tool"}
		return res
	}

	if schema := s.schemas[call.Name]; schema != nil {
		if err := validateArgs(schema, call.Arguments); err != nil {
			res.Err = &ToolError{Tool: call.Name, Kind: KindSchemaValidation, Message: err.Error()}
			return res
		}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	output, err := runHandler(ctx, tool, call.Arguments)
	if err != nil {
		kind := KindExecution
		if ctx.Err() == context.DeadlineExceeded {
			kind = KindTimeout
		}
		res.Err = &ToolError{Tool: call.Name, Kind: kind, Message: err.Error()}
		return res
	}

	res.Output = output
	return res
}

// runHandler executes the handler in its own goroutine so a timeout
// returns control even if the handler ignores context cancellation.
// A panicking handler is reported as an execution error.
func runHandler(ctx context.Context, tool *Tool, args map[string]any) (string, error) {
	type handlerResult struct {
		output string
		err    error
	}
	done := make(chan handlerResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
			}
		}()
		output, err := tool.Handler(ctx, args)
		done <- handlerResult{output: output, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		return r.output, r.err
	}
}

// validateArgs checks the arguments against the compiled schema, after
// a JSON round trip to canonicalize Go-native values.
func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal arguments: %w", err)
	}
	return schema.Validate(doc)
}

// Registry publishes the current tool set. Turn cycles take a snapshot
// once at the start and use it throughout; Reload swaps the published
// set without disturbing snapshots already taken.
type Registry struct {
	current atomic.Pointer[Set]
}

// NewRegistry creates a registry publishing the given set.
func NewRegistry(set *Set) *Registry {
	r := &Registry{}
	r.current.Store(set)
	return r
}

// Snapshot returns the currently published set.
func (r *Registry) Snapshot() *Set {
	return r.current.Load()
}

// Reload atomically replaces the published set.
func (r *Registry) Reload(set *Set) {
	r.current.Store(set)
}
