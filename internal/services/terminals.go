package services

import (
	"encoding/json"

	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/terminal"
)

// registerTerminalRoutes wires the terminal bridge and the SSH registration
// endpoints. Role checks happen inside the bridge; the routes only decode.
func registerTerminalRoutes(d *rpc.Dispatcher, deps Deps) {
	d.RegisterCustom("terminals.attach", func(ctx *rpc.Ctx, payload json.RawMessage) (any, error) {
		var req terminal.AttachRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, rpc.NewError(rpc.CodeValidationFailed, "malformed attach request: %v", err)
		}
		return deps.Terminal.Attach(ctx.Context, ctx.User, &req)
	})

	d.RegisterCustom("terminals.tab", func(ctx *rpc.Ctx, payload json.RawMessage) (any, error) {
		var req terminal.TabRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, rpc.NewError(rpc.CodeValidationFailed, "malformed tab request: %v", err)
		}
		if err := deps.Terminal.Tab(ctx.Context, ctx.User, &req); err != nil {
			return nil, err
		}
		return map[string]any{"focused": true}, nil
	})

	d.RegisterCustom("terminals.input", func(ctx *rpc.Ctx, payload json.RawMessage) (any, error) {
		var req terminal.InputRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, rpc.NewError(rpc.CodeValidationFailed, "malformed input: %v", err)
		}
		if err := deps.Terminal.Input(ctx.User, &req); err != nil {
			return nil, err
		}
		return map[string]any{"written": true}, nil
	})

	d.RegisterCustom("terminals.resize", func(ctx *rpc.Ctx, payload json.RawMessage) (any, error) {
		var req terminal.ResizeRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, rpc.NewError(rpc.CodeValidationFailed, "malformed resize: %v", err)
		}
		if err := deps.Terminal.Resize(ctx.User, &req); err != nil {
			return nil, err
		}
		return map[string]any{"resized": true}, nil
	})

	d.RegisterCustom("terminals.detach", func(ctx *rpc.Ctx, payload json.RawMessage) (any, error) {
		var req struct {
			UserID     string `json:"user_id"`
			WorktreeID string `json:"worktree_id,omitempty"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, rpc.NewError(rpc.CodeValidationFailed, "malformed detach: %v", err)
		}
		if err := deps.Terminal.Detach(ctx.User, req.UserID, req.WorktreeID); err != nil {
			return nil, err
		}
		return map[string]any{"detached": true}, nil
	})

	if deps.SSH == nil {
		return
	}

	d.RegisterCustom("terminals.ssh.register", func(ctx *rpc.Ctx, payload json.RawMessage) (any, error) {
		var req terminal.RegisterRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, rpc.NewError(rpc.CodeValidationFailed, "malformed registration: %v", err)
		}
		return deps.SSH.Register(ctx.User, &req)
	})

	d.RegisterCustom("terminals.ssh.info", func(ctx *rpc.Ctx, payload json.RawMessage) (any, error) {
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, rpc.NewError(rpc.CodeValidationFailed, "malformed info request: %v", err)
		}
		return deps.SSH.Info(ctx.User, req.ID)
	})
}
