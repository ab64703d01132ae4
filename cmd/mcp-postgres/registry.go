package main

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// HandlerFunc runs one operation on a leased connection. The returned value becomes the
// text of the reply: strings verbatim, anything else as pretty-printed JSON.
type HandlerFunc func(ctx context.Context, conn *PooledConn, args map[string]interface{}) (interface{}, error)

// Operation is a registered tool: its wire definition and the handler behind it.
type Operation struct {
	Tool    mcp.Tool
	Handler HandlerFunc
}

// Name returns the operation's registered name.
func (o *Operation) Name() string {
	return o.Tool.Name
}

// Registry maps operation names to operations. It is filled once at startup and only read
// afterwards.
type Registry struct {
	ops   map[string]*Operation
	order []string
}

func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]*Operation)}
}

// Register adds an operation whose arguments are bound into T after schema validation.
// Registering the same name twice is a programming error and panics.
func Register[T any](r *Registry, tool mcp.Tool, handler func(ctx context.Context, conn *PooledConn, args T) (interface{}, error)) {
	if _, exists := r.ops[tool.Name]; exists {
		panic(fmt.Sprintf("operation %q registered twice", tool.Name))
	}

	r.ops[tool.Name] = &Operation{
		Tool: tool,
		Handler: func(ctx context.Context, conn *PooledConn, args map[string]interface{}) (interface{}, error) {
			var typed T
			req := mcp.CallToolRequest{Params: mcp.CallToolParams{Name: tool.Name, Arguments: args}}
			if err := req.BindArguments(&typed); err != nil {
				return nil, validationError(tool.Name, fmt.Sprintf("invalid arguments for %s: %v", tool.Name, err))
			}
			return handler(ctx, conn, typed)
		},
	}
	r.order = append(r.order, tool.Name)
}

// Lookup returns the operation registered under name.
func (r *Registry) Lookup(name string) (*Operation, bool) {
	op, ok := r.ops[name]
	return op, ok
}

// Tools lists tool definitions in registration order.
func (r *Registry) Tools() []mcp.Tool {
	tools := make([]mcp.Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.ops[name].Tool)
	}
	return tools
}

// Validate checks args against the operation's declared input schema: required properties
// must be present and every declared property must carry a value of its JSON type.
func (o *Operation) Validate(args map[string]interface{}) error {
	schema := o.Tool.InputSchema

	var missing []string
	for _, name := range schema.Required {
		if v, ok := args[name]; !ok || v == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return validationError(o.Name(), fmt.Sprintf("missing required parameter(s) for %s: %s", o.Name(), strings.Join(missing, ", ")))
	}

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop, ok := schema.Properties[name].(map[string]any)
		if !ok {
			continue
		}
		want, _ := prop["type"].(string)
		if want == "" || args[name] == nil {
			continue
		}
		if !matchesJSONType(args[name], want) {
			return validationError(o.Name(), fmt.Sprintf("parameter %q must be of type %s", name, want))
		}
		if want == "string" {
			if s := args[name].(string); strings.TrimSpace(s) == "" && isRequired(schema, name) {
				return validationError(o.Name(), fmt.Sprintf("parameter %q must not be empty", name))
			}
		}
	}

	return nil
}

func isRequired(schema mcp.ToolInputSchema, name string) bool {
	for _, r := range schema.Required {
		if r == name {
			return true
		}
	}
	return false
}

// matchesJSONType checks a decoded JSON value against a JSON Schema primitive type name.
func matchesJSONType(v interface{}, want string) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch n := v.(type) {
		case int, int64:
			return true
		case float64:
			return n == math.Trunc(n)
		}
		return false
	case "array":
		_, ok := v.([]interface{})
		return ok
	case "object":
		_, ok := v.(map[string]interface{})
		return ok
	}
	return true
}
