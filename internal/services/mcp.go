package services

import (
	"encoding/json"

	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/store"
)

// MCPServers exposes the MCP server registry sessions attach to.
type MCPServers struct {
	deps Deps
}

func NewMCPServers(deps Deps) *MCPServers { return &MCPServers{deps: deps} }

func (s *MCPServers) ServiceName() string { return "mcp-servers" }

func (s *MCPServers) Find(ctx *rpc.Ctx, q store.ListQuery) (any, error) {
	servers, err := s.deps.Store.FindMCPServers(ctx.Context, q)
	if err != nil {
		return nil, err
	}
	return project(servers, q.Select), nil
}

func (s *MCPServers) Get(ctx *rpc.Ctx, id string) (any, error) {
	return s.deps.Store.GetMCPServer(ctx.Context, id)
}

func (s *MCPServers) Create(ctx *rpc.Ctx, data json.RawMessage) (any, error) {
	var m store.MCPServer
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "malformed mcp server: %v", err)
	}
	if m.Name == "" || m.Transport == "" {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "name and transport are required")
	}
	switch m.Transport {
	case "stdio":
		if m.Command == "" {
			return nil, rpc.NewError(rpc.CodeValidationFailed, "stdio transport requires a command")
		}
	case "sse", "http":
		if m.URL == "" {
			return nil, rpc.NewError(rpc.CodeValidationFailed, "%s transport requires a url", m.Transport)
		}
	default:
		return nil, rpc.NewError(rpc.CodeValidationFailed, "unknown transport %q", m.Transport)
	}
	if err := s.deps.Store.CreateMCPServer(ctx.Context, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *MCPServers) Patch(ctx *rpc.Ctx, id string, patch map[string]any) (any, error) {
	return s.deps.Store.PatchMCPServer(ctx.Context, id, patch)
}

func (s *MCPServers) Remove(ctx *rpc.Ctx, id string) (any, error) {
	m, err := s.deps.Store.GetMCPServer(ctx.Context, id)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Store.RemoveMCPServer(ctx.Context, m.MCPServerID); err != nil {
		return nil, err
	}
	return m, nil
}

func mcpServersSchema() *rpc.QuerySchema {
	return &rpc.QuerySchema{Fields: map[string]rpc.FieldType{
		"name":      rpc.FieldString,
		"transport": rpc.FieldString,
	}}
}
