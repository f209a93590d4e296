// Package runner implements the agor-exec side of the daemon contract: it
// reads one payload from stdin, performs the command, and writes a result
// envelope to stdout. Logs go to stderr so stdout stays parseable. The
// process inherits whatever Unix identity the daemon chose at spawn; nothing
// here switches users.
package runner

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/common/config"
	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/executor"
	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/tool"
	"github.com/agor-sh/agor/internal/unixadmin"
	"github.com/agor-sh/agor/internal/worktree"
)

// Runner executes one executor payload.
type Runner struct {
	tools *tool.Registry
	git   *worktree.Git
	log   *logger.Logger
}

// New builds a runner with the production tool adapters.
func New(log *logger.Logger) *Runner {
	return &Runner{
		tools: tool.DefaultRegistry(log),
		git:   worktree.NewGit(""),
		log:   log,
	}
}

// Run reads the payload from stdin, dispatches it, and writes the result
// envelope to stdout. Failures are reported through the envelope; the exit
// status only signals that no envelope could be written at all.
func (r *Runner) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	raw, err := io.ReadAll(stdin)
	if err != nil {
		return writeResult(stdout, executor.NewErrorResult(rpc.CodeValidationFailed, "failed to read payload: "+err.Error()))
	}
	payload, err := executor.DecodePayload(raw)
	if err != nil {
		return writeResult(stdout, executor.NewErrorResult(rpc.CodeValidationFailed, err.Error()))
	}

	r.log.Info("Executor started", zap.String("command", string(payload.Command)))

	data, err := r.dispatch(ctx, payload)
	if err != nil {
		r.log.Error("Executor command failed",
			zap.String("command", string(payload.Command)),
			zap.Error(err))
		return writeResult(stdout, executor.NewErrorResult(rpc.CodeOf(err), err.Error()))
	}

	res, err := executor.NewSuccessResult(data)
	if err != nil {
		return writeResult(stdout, executor.NewErrorResult(rpc.CodeInternal, "failed to encode result: "+err.Error()))
	}
	return writeResult(stdout, res)
}

func (r *Runner) dispatch(ctx context.Context, p *executor.Payload) (any, error) {
	switch p.Command {
	case executor.CommandPrompt:
		return r.runPrompt(ctx, p)
	case executor.CommandGitClone:
		return r.runGitClone(ctx, p)
	case executor.CommandWorktreeAdd:
		return r.runWorktreeAdd(ctx, p)
	case executor.CommandWorktreeRemove:
		return r.runWorktreeRemove(ctx, p)
	case executor.CommandWorktreeClean:
		return r.runWorktreeClean(ctx, p)
	case executor.CommandSyncWorktree:
		return r.runSyncWorktree(ctx, p)
	case executor.CommandSyncRepo:
		return r.runSyncRepo(ctx, p)
	case executor.CommandSyncUser:
		return r.runSyncUser(ctx, p)
	case executor.CommandZellijAttach:
		return r.runZellijAttach(ctx, p)
	case executor.CommandZellijTab:
		return r.runZellijTab(ctx, p)
	default:
		return nil, rpc.NewError(rpc.CodeUnknownAction, "unhandled executor command %q", p.Command)
	}
}

// connect dials the daemon for commands that report back over RPC.
func (r *Runner) connect(ctx context.Context, p *executor.Payload) (*Client, error) {
	daemonURL := p.DaemonURL
	if daemonURL == "" {
		daemonURL = os.Getenv("AGOR_DAEMON_URL")
	}
	return Dial(ctx, daemonURL, p.SessionToken, r.log)
}

// admin builds a privileged runner for the Unix state this process can
// reach. The executor is spawned as root or as a sudo-capable daemon user
// for sync commands; anything else degrades to noop.
func (r *Runner) admin(ctx context.Context) *unixadmin.Admin {
	runner := unixadmin.DetectRunner(ctx, config.ExecutionConfig{}, config.RBACConfig{Enabled: true}, r.log)
	return unixadmin.NewAdmin(runner, r.log)
}

func writeResult(w io.Writer, res *executor.Result) error {
	return json.NewEncoder(w).Encode(res)
}
