package runner

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/agor-sh/agor/internal/executor"
	"github.com/agor-sh/agor/internal/rpc"
)

// zellijTimeout bounds session and tab management commands. Interactive
// attachment happens through the daemon's PTY bridge, not here; these
// handlers only prepare multiplexer state under the right Unix identity.
const zellijTimeout = 15 * time.Second

func (r *Runner) runZellijAttach(ctx context.Context, p *executor.Payload) (any, error) {
	params, err := executor.DecodeParams[executor.ZellijAttachParams](p)
	if err != nil {
		return nil, err
	}
	if params.SessionName == "" {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "session name is required")
	}

	created := !zellijSessionExists(ctx, params.SessionName)
	if created {
		if err := runZellij(ctx, params.Cwd, "attach", "--create-background", params.SessionName); err != nil {
			return nil, err
		}
	}
	if params.TabName != "" {
		if err := zellijFocusTab(ctx, params.SessionName, params.TabName, params.Cwd); err != nil {
			return nil, err
		}
	}
	return map[string]any{"sessionName": params.SessionName, "created": created}, nil
}

func (r *Runner) runZellijTab(ctx context.Context, p *executor.Payload) (any, error) {
	params, err := executor.DecodeParams[executor.ZellijTabParams](p)
	if err != nil {
		return nil, err
	}
	if params.SessionName == "" || params.TabName == "" {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "session name and tab name are required")
	}
	if err := zellijFocusTab(ctx, params.SessionName, params.TabName, params.Cwd); err != nil {
		return nil, err
	}
	return map[string]any{"sessionName": params.SessionName, "tabName": params.TabName}, nil
}

func zellijFocusTab(ctx context.Context, sessionName, tabName, cwd string) error {
	if err := runZellij(ctx, "", "--session", sessionName, "action", "go-to-tab-name", "--create", tabName); err != nil {
		return err
	}
	if cwd != "" {
		// New tabs inherit the session cwd; steer the fresh tab explicitly.
		return runZellij(ctx, "", "--session", sessionName, "action", "write-chars", "cd "+cwd+"\n")
	}
	return nil
}

func zellijSessionExists(ctx context.Context, sessionName string) bool {
	runCtx, cancel := context.WithTimeout(ctx, zellijTimeout)
	defer cancel()

	out, err := exec.CommandContext(runCtx, "zellij", "list-sessions", "-n", "-s").Output()
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) == sessionName {
			return true
		}
	}
	return false
}

func runZellij(ctx context.Context, dir string, args ...string) error {
	runCtx, cancel := context.WithTimeout(ctx, zellijTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "zellij", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return rpc.NewError(rpc.CodeUnixOpFailed, "zellij %s: %s", strings.Join(args, " "), msg)
	}
	return nil
}
