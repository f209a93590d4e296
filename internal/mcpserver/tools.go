package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/session"
	"github.com/agor-sh/agor/internal/store"
)

func registerTools(s *server.MCPServer, deps Deps, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("agor_list_worktrees",
			mcp.WithDescription("List all worktrees. Use this first to get worktree IDs for session operations."),
		),
		listWorktreesHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("agor_list_sessions",
			mcp.WithDescription("List agent sessions, newest first. Archived sessions are excluded."),
			mcp.WithString("worktree_id",
				mcp.Description("Restrict to sessions on one worktree (optional)"),
			),
		),
		listSessionsHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("agor_prompt",
			mcp.WithDescription(
				"Send a prompt to an agent session. Returns the created task; the agent runs "+
					"asynchronously, so poll agor_get_task for the outcome.",
			),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session to prompt"),
			),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("The prompt text"),
			),
			mcp.WithString("permission_mode",
				mcp.Description("Permission mode override for this turn (optional)"),
			),
		),
		promptHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("agor_get_task",
			mcp.WithDescription("Fetch a task's status, report, and failure reason."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID (short-ID prefix accepted)"),
			),
		),
		getTaskHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("agor_stop_task",
			mcp.WithDescription("Stop a session's active task. Stopping an already-finished task is a no-op."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session whose task should stop"),
			),
			mcp.WithString("task_id",
				mcp.Description("A specific task (optional; defaults to the active one)"),
			),
		),
		stopTaskHandler(deps, log),
	)

	log.Info("Registered MCP tools", zap.Int("count", 5))
}

func listWorktreesHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		worktrees, err := deps.Store.FindWorktrees(ctx, store.ListQuery{})
		if err != nil {
			log.Error("Failed to list worktrees", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list worktrees: %v", err)), nil
		}

		type row struct {
			WorktreeID string `json:"worktree_id"`
			RepoID     string `json:"repo_id"`
			Name       string `json:"name"`
			Ref        string `json:"ref,omitempty"`
		}
		rows := make([]row, 0, len(worktrees))
		for _, wt := range worktrees {
			rows = append(rows, row{
				WorktreeID: wt.WorktreeID,
				RepoID:     wt.RepoID,
				Name:       wt.Name,
				Ref:        wt.Ref,
			})
		}
		return jsonResult(rows)
	}
}

func listSessionsHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q := store.ListQuery{Filters: map[string]any{"archived": false}}
		if worktreeID := req.GetString("worktree_id", ""); worktreeID != "" {
			q.Filters["worktree_id"] = worktreeID
		}
		q.Sort = []store.SortField{{Field: "created_at", Desc: true}}

		sessions, err := deps.Store.FindSessions(ctx, q)
		if err != nil {
			log.Error("Failed to list sessions", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list sessions: %v", err)), nil
		}

		type row struct {
			SessionID   string `json:"session_id"`
			WorktreeID  string `json:"worktree_id"`
			AgenticTool string `json:"agentic_tool"`
			Status      string `json:"status"`
		}
		rows := make([]row, 0, len(sessions))
		for _, sess := range sessions {
			rows = append(rows, row{
				SessionID:   sess.SessionID,
				WorktreeID:  sess.WorktreeID,
				AgenticTool: sess.AgenticTool,
				Status:      string(sess.Status),
			})
		}
		return jsonResult(rows)
	}
}

func promptHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		task, err := deps.Engine.Prompt(ctx, &session.PromptRequest{
			SessionID:      sessionID,
			Prompt:         prompt,
			PermissionMode: req.GetString("permission_mode", ""),
		})
		if err != nil {
			log.Warn("MCP prompt rejected", zap.String("session_id", sessionID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Prompt failed: %v", err)), nil
		}

		return jsonResult(map[string]string{
			"task_id":    task.TaskID,
			"session_id": task.SessionID,
			"status":     string(task.Status),
		})
	}
}

func getTaskHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		task, err := deps.Store.GetTask(ctx, taskID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch task: %v", err)), nil
		}

		return jsonResult(map[string]any{
			"task_id":        task.TaskID,
			"session_id":     task.SessionID,
			"status":         string(task.Status),
			"description":    task.Description,
			"report":         task.Report,
			"failure_reason": task.FailureReason,
			"tool_use_count": task.ToolUseCount,
		})
	}
}

func stopTaskHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if err := deps.Engine.StopTask(ctx, sessionID, req.GetString("task_id", "")); err != nil {
			log.Warn("MCP stop rejected", zap.String("session_id", sessionID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Stop failed: %v", err)), nil
		}
		return mcp.NewToolResultText("Stop requested."), nil
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}
