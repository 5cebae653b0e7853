package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hubforge/mcp-hub-go/pkg/mcphub"
)

func main() {
	ctx := context.Background()

	hub := mcphub.New(mcphub.NewMemStore(), &mcphub.Options{
		ClientName:       "hub-example",
		DebounceInterval: -1, // apply updates synchronously
	})
	clientID := hub.RegisterClient()

	factory, err := mcphub.NewServerFactory(
		&mcp.Implementation{Name: "echo", Version: "1.0.0"},
		mcphub.ToolDef{
			Name:        "echo",
			Description: "Echoes the input text back to the caller.",
			Args: []mcphub.ToolArg{
				{Name: "text", Type: "string", Description: "Text to echo", Required: true},
			},
			Handler: func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				var args struct {
					Text string `json:"text"`
				}
				if req.Params != nil && req.Params.Arguments != nil {
					if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
						return nil, err
					}
				}
				return mcphub.TextResult(args.Text), nil
			},
		},
	)
	if err != nil {
		fmt.Printf("factory error: %v\n", err)
		return
	}

	hub.SetEphemeralProvider(func(ctx context.Context) (map[string]mcphub.ServerConfig, error) {
		return map[string]mcphub.ServerConfig{
			"echo": &mcphub.InMemoryConfig{
				BaseConfig: mcphub.BaseConfig{Timeout: 10 * time.Second},
				Factory:    factory,
				FactoryID:  "echo@1",
			},
		}, nil
	})

	if err := hub.RefreshEphemeral(ctx); err != nil {
		fmt.Printf("refresh error: %v\n", err)
	}

	for _, server := range hub.GetServers() {
		fmt.Printf("Server %s [%s]: %s\n", server.Name, server.Scope, server.Status)
		for _, tool := range server.Tools {
			fmt.Printf("  tool %s (alwaysAllow=%v)\n", tool.Name, tool.AlwaysAllow)
		}
	}

	res, err := hub.CallTool(ctx, "echo", "echo", map[string]any{"text": "hello from the hub"})
	if err != nil {
		fmt.Printf("call error: %v\n", err)
	} else if len(res.Content) > 0 {
		if text, ok := res.Content[0].(*mcp.TextContent); ok {
			fmt.Printf("echo result: %s\n", text.Text)
		}
	}

	if err := hub.UnregisterClient(ctx, clientID); err != nil {
		fmt.Printf("dispose error: %v\n", err)
	}
}
