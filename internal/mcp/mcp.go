// Package mcp implements the Model Context Protocol server for Anzen.
//
// The MCP server exposes the question-answering pipeline through MCP tools,
// so MCP-compatible AI agents can ask policy questions, poll run state, and
// cancel runs without going through the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/anzen-health/anzen/internal/model"
	"github.com/anzen-health/anzen/internal/storage"
)

// RunService drives the pipeline. Satisfied by *workflow.Executor.
type RunService interface {
	Start(ctx context.Context, req model.StartRunRequest) (*model.Run, error)
	GetState(ctx context.Context, runID uuid.UUID) (*model.Run, error)
	Cancel(runID uuid.UUID) bool
}

// AuditStore is the slice of the audit database the MCP server needs.
// Satisfied by *storage.DB.
type AuditStore interface {
	InsertToolCall(ctx context.Context, e storage.ToolCallEntry) error
	ListRuns(ctx context.Context, limit, offset int) ([]model.Run, int, error)
}

// Server wraps the MCP server with Anzen's run pipeline.
type Server struct {
	mcpServer *mcpserver.MCPServer
	runs      RunService
	store     AuditStore
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(runs RunService, store AuditStore, logger *slog.Logger, version string) *Server {
	s := &Server{
		runs:   runs,
		store:  store,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"anzen",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// HTTPHandler returns a streamable-HTTP transport for mounting under the API
// server's /mcp route.
func (s *Server) HTTPHandler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(s.mcpServer)
}

func (s *Server) registerResources() {
	// anzen://runs/recent — recent pipeline runs with their outcomes.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"anzen://runs/recent",
			"Recent Runs",
			mcplib.WithResourceDescription("Recent question-answering runs and their outcomes"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRunsRecent,
	)
}

func (s *Server) handleRunsRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	runs, total, err := s.store.ListRuns(ctx, 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent runs: %w", err)
	}

	views := make([]model.RunStatusResponse, 0, len(runs))
	for i := range runs {
		views = append(views, model.RunStatusFromRun(&runs[i]))
	}

	data, err := json.MarshalIndent(map[string]any{
		"runs":  views,
		"total": total,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal runs: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "anzen://runs/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func textResult(v any) *mcplib.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}
