package tools

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// OwnerResolver returns the authenticated owner for an MCP request context.
type OwnerResolver func(ctx context.Context) string

// FixedOwner resolves every request to owner. Used by the stdio transport,
// where the process itself is the authentication boundary.
func FixedOwner(owner string) OwnerResolver {
	return func(context.Context) string { return owner }
}

type ownerCtxKey struct{}

// WithOwner stores owner in ctx for ContextOwner.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerCtxKey{}, owner)
}

// ContextOwner resolves the owner stored by WithOwner.
func ContextOwner(ctx context.Context) string {
	if v, ok := ctx.Value(ownerCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// NewMCPServer exposes the registry's tools as an MCP server. Owner
// arguments sent by the client are ignored; resolve decides whose tasks
// every call touches.
func NewMCPServer(reg *Registry, version string, resolve OwnerResolver) *server.MCPServer {
	s := server.NewMCPServer(
		"todo-assistant",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions("Task management tools. All calls operate on the authenticated user's tasks."),
	)

	for _, def := range reg.Definitions() {
		s.AddTool(def, toolHandler(reg, def.Name, resolve))
	}
	return s
}

func toolHandler(reg *Registry, name string, resolve OwnerResolver) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		owner := resolve(ctx)
		if owner == "" {
			return mcp.NewToolResultError("unauthenticated: no owner for this session"), nil
		}
		inv, err := reg.Execute(ctx, owner, name, req.GetArguments())
		data, mErr := json.Marshal(inv.Result)
		if mErr != nil {
			return mcp.NewToolResultError("failed to encode result: " + mErr.Error()), nil
		}
		if err != nil {
			return mcp.NewToolResultError(string(data)), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}
