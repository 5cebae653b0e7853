package mcphub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolArg describes one input parameter of an in-process tool. It covers the
// subset of JSON Schema the hub's built-in servers need: typed scalars with
// optional enum, range, and default constraints.
type ToolArg struct {
	Name        string
	Type        string // "string", "number", "integer", or "boolean"
	Description string
	Required    bool
	Enum        []any
	Minimum     *float64
	Maximum     *float64
	Default     any
}

// ToolDef bundles a tool declaration with its handler for registration on an
// in-process server.
type ToolDef struct {
	Name        string
	Description string
	Args        []ToolArg
	Handler     mcp.ToolHandler
}

// BuildInputSchema assembles an object schema from the argument descriptors.
func BuildInputSchema(args ...ToolArg) (*jsonschema.Schema, error) {
	schema := &jsonschema.Schema{
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema, len(args)),
	}
	for _, arg := range args {
		if arg.Name == "" {
			return nil, fmt.Errorf("mcphub: tool argument with empty name")
		}
		switch arg.Type {
		case "string", "number", "integer", "boolean":
		default:
			return nil, fmt.Errorf("mcphub: unsupported argument type %q for %q", arg.Type, arg.Name)
		}
		prop := &jsonschema.Schema{
			Type:        arg.Type,
			Description: arg.Description,
			Enum:        arg.Enum,
			Minimum:     arg.Minimum,
			Maximum:     arg.Maximum,
		}
		if arg.Default != nil {
			raw, err := json.Marshal(arg.Default)
			if err != nil {
				return nil, fmt.Errorf("mcphub: default for %q: %w", arg.Name, err)
			}
			prop.Default = json.RawMessage(raw)
		}
		schema.Properties[arg.Name] = prop
		if arg.Required {
			schema.Required = append(schema.Required, arg.Name)
		}
	}
	return schema, nil
}

// NewServerFactory returns a factory that builds an in-process MCP server
// exposing the given tools. The factory is what an InMemoryConfig carries;
// the hub invokes it on every (re)connect, so the returned server must be
// freshly constructed each call.
func NewServerFactory(impl *mcp.Implementation, tools ...ToolDef) (ServerFactory, error) {
	// Validate schemas once, up front, so a typo fails at registration time
	// instead of on first connect.
	schemas := make([]*jsonschema.Schema, len(tools))
	for i, def := range tools {
		if def.Name == "" {
			return nil, fmt.Errorf("mcphub: tool with empty name")
		}
		if def.Handler == nil {
			return nil, fmt.Errorf("mcphub: tool %q has no handler", def.Name)
		}
		schema, err := BuildInputSchema(def.Args...)
		if err != nil {
			return nil, err
		}
		schemas[i] = schema
	}
	defs := append([]ToolDef(nil), tools...)
	return func(ctx context.Context) (*mcp.Server, error) {
		server := mcp.NewServer(impl, nil)
		for i, def := range defs {
			server.AddTool(&mcp.Tool{
				Name:        def.Name,
				Description: def.Description,
				InputSchema: schemas[i],
			}, def.Handler)
		}
		return server, nil
	}, nil
}

// TextResult wraps a plain string as a tool call result.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
