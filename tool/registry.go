package tool

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Registry is an immutable name -> Tool table shared by the workers of one
// capability.
type Registry struct {
	tools map[string]Tool
	names []string
}

// NewRegistry builds a registry; duplicate tool names are rejected.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}

	for _, t := range tools {
		if t == nil {
			continue
		}
		if _, dup := r.tools[t.Name()]; dup {
			return nil, fmt.Errorf("duplicate tool %q", t.Name())
		}
		r.tools[t.Name()] = t
		r.names = append(r.names, t.Name())
	}

	sort.Strings(r.names)

	return r, nil
}

// MustRegistry is NewRegistry that panics on error, for static wiring.
func MustRegistry(tools ...Tool) *Registry {
	r, err := NewRegistry(tools...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	t, ok := r.tools[name]
	return t, ok
}

// Tools returns the registered tools ordered by name.
func (r *Registry) Tools() []Tool {
	if r == nil {
		return nil
	}
	out := make([]Tool, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.tools[n])
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.tools)
}

// ParseArguments decodes a serialized JSON argument object. An empty string
// yields an empty map.
func ParseArguments(tool, raw string) (map[string]any, error) {
	args := map[string]any{}
	if raw == "" {
		return args, nil
	}

	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, &ToolError{
			Tool:    tool,
			Message: fmt.Sprintf("failed to unmarshal args: %v", err),
			Code:    CodeInvalidArgs,
		}
	}

	return args, nil
}

// Execute looks up name and calls it with args.
func (r *Registry) Execute(toolCtx *Context, name string, args map[string]any) (any, error) {
	impl, ok := r.Lookup(name)
	if !ok {
		return nil, NewToolError(name, fmt.Sprintf("tool %s not found", name), CodeNotFound)
	}

	return impl.Call(toolCtx, args)
}
