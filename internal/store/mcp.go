package store

import (
	"context"
	"encoding/json"
	"fmt"
)

var mcpServerColumns = columns(
	"mcp_server_id", "name", "transport", "created_at", "updated_at",
)

// CreateMCPServer registers an MCP endpoint.
func (s *Store) CreateMCPServer(ctx context.Context, m *MCPServer) error {
	if m.MCPServerID == "" {
		m.MCPServerID = NewID()
	}
	if m.Transport == "" {
		m.Transport = "stdio"
	}
	if len(m.Config) == 0 {
		m.Config = json.RawMessage(`{}`)
	}
	m.CreatedAt = now()
	m.UpdatedAt = m.CreatedAt

	_, err := s.writer().NamedExecContext(ctx, `
		INSERT INTO mcp_servers (mcp_server_id, name, transport, command, url,
			config, created_at, updated_at)
		VALUES (:mcp_server_id, :name, :transport, :command, :url,
			:config, :created_at, :updated_at)`, m)
	if isUniqueViolation(err) {
		return fmt.Errorf("mcp server insert conflict: %w", ErrConflict)
	}
	return err
}

// GetMCPServer fetches an MCP server by full ID or short-ID prefix.
func (s *Store) GetMCPServer(ctx context.Context, idOrPrefix string) (*MCPServer, error) {
	id, err := s.resolveID(ctx, "mcp_servers", "mcp_server_id", idOrPrefix)
	if err != nil {
		return nil, err
	}
	var m MCPServer
	if err := getOne(ctx, s.reader(), &m, s.reader().Rebind(
		`SELECT * FROM mcp_servers WHERE mcp_server_id = ?`), id); err != nil {
		return nil, err
	}
	return &m, nil
}

// FindMCPServers lists MCP servers matching the query.
func (s *Store) FindMCPServers(ctx context.Context, q ListQuery) ([]MCPServer, error) {
	query, args, err := buildList("mcp_servers", mcpServerColumns, q)
	if err != nil {
		return nil, err
	}
	servers := []MCPServer{}
	if err := s.reader().SelectContext(ctx, &servers, s.reader().Rebind(query), args...); err != nil {
		return nil, err
	}
	return servers, nil
}

// PatchMCPServer deep-merges a patch document into an MCP server.
func (s *Store) PatchMCPServer(ctx context.Context, idOrPrefix string, patch map[string]any) (*MCPServer, error) {
	m, err := s.GetMCPServer(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	id, created := m.MCPServerID, m.CreatedAt
	if err := applyPatch(m, patch); err != nil {
		return nil, err
	}
	m.MCPServerID, m.CreatedAt = id, created
	m.UpdatedAt = now()

	if _, err := s.writer().NamedExecContext(ctx, `
		UPDATE mcp_servers SET name = :name, transport = :transport,
			command = :command, url = :url, config = :config,
			updated_at = :updated_at
		WHERE mcp_server_id = :mcp_server_id`, m); err != nil {
		return nil, err
	}
	return m, nil
}

// RemoveMCPServer deletes an MCP server and detaches it from all sessions.
func (s *Store) RemoveMCPServer(ctx context.Context, idOrPrefix string) error {
	id, err := s.resolveID(ctx, "mcp_servers", "mcp_server_id", idOrPrefix)
	if err != nil {
		return err
	}
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(
		`DELETE FROM mcp_servers WHERE mcp_server_id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
