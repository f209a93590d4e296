// Package mcpserver embeds an MCP server in the daemon so agents and IDE
// clients can drive Agor sessions over the Model Context Protocol.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/session"
	"github.com/agor-sh/agor/internal/store"
)

type Config struct {
	Port int
}

// Deps are the daemon internals the MCP tools operate on.
type Deps struct {
	Store  *store.Store
	Engine *session.Engine
}

// Server hosts both MCP transports on one port: SSE under /sse for
// Claude Desktop and Cursor, Streamable HTTP under /mcp for Codex.
type Server struct {
	cfg  Config
	deps Deps
	log  *logger.Logger

	mu      sync.Mutex
	running bool

	http       *http.Server
	sse        *server.SSEServer
	streamable *server.StreamableHTTPServer
}

func New(cfg Config, deps Deps, log *logger.Logger) *Server {
	return &Server{cfg: cfg, deps: deps, log: log.Named("mcp")}
}

// Start binds the port and begins serving. Port 0 asks the kernel for a
// free port; cfg.Port is updated with whatever was bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("mcp server already running")
	}
	s.running = true
	s.mu.Unlock()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		s.setRunning(false)
		return fmt.Errorf("mcp listen: %w", err)
	}
	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = addr.Port
	}

	s.http = &http.Server{Handler: s.buildMux()}

	go func() {
		s.log.Info("MCP server listening", zap.Int("port", s.cfg.Port))
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("MCP server failed", zap.Error(err))
		}
		s.setRunning(false)
	}()

	return nil
}

func (s *Server) buildMux() *http.ServeMux {
	core := server.NewMCPServer("agor-mcp", "1.0.0", server.WithToolCapabilities(true))
	registerTools(core, s.deps, s.log)

	s.sse = server.NewSSEServer(core)
	s.streamable = server.NewStreamableHTTPServer(core, server.WithEndpointPath("/mcp"))

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sse.SSEHandler())
	mux.Handle("/message", s.sse.MessageHandler())
	mux.Handle("/mcp", s.streamable)
	return mux
}

func (s *Server) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

// Stop drains the HTTP server, then both transports. Transport shutdown
// failures are logged since the listener is already gone.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("mcp shutdown: %w", err)
	}
	if err := s.sse.Shutdown(ctx); err != nil {
		s.log.Warn("SSE transport shutdown failed", zap.Error(err))
	}
	if err := s.streamable.Shutdown(ctx); err != nil {
		s.log.Warn("Streamable HTTP transport shutdown failed", zap.Error(err))
	}
	return nil
}

// SSEEndpoint is the URL SSE clients connect to.
func (s *Server) SSEEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/sse", s.cfg.Port)
}

// StreamableHTTPEndpoint is the URL Streamable HTTP clients connect to.
func (s *Server) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/mcp", s.cfg.Port)
}
