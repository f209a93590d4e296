package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/auth"
	"github.com/agor-sh/agor/internal/common/config"
	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/events/bus"
	"github.com/agor-sh/agor/internal/executor"
	gateways "github.com/agor-sh/agor/internal/gateway/websocket"
	"github.com/agor-sh/agor/internal/msggateway"
	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/services"
	"github.com/agor-sh/agor/internal/session"
	"github.com/agor-sh/agor/internal/store"
	"github.com/agor-sh/agor/internal/terminal"
	"github.com/agor-sh/agor/internal/tool"
	"github.com/agor-sh/agor/internal/unixadmin"
	"github.com/agor-sh/agor/internal/worktree"
)

// daemon bundles the assembled components main drives through their
// lifecycles.
type daemon struct {
	store     *store.Store
	auth      *auth.Service
	engine    *session.Engine
	worktrees *worktree.Manager
	gateway   *msggateway.Router
	terminal  *terminal.Bridge
	hub       *gateways.Hub
	handler   *gateways.Handler
	daemonURL string
}

// hubBroadcaster defers the hub reference: the registry needs a broadcaster
// before the hub exists, because the hub itself needs the dispatcher.
type hubBroadcaster struct {
	hub *gateways.Hub
}

func (b *hubBroadcaster) Broadcast(channels []string, event *rpc.Event) {
	if b.hub != nil {
		b.hub.Broadcast(channels, event)
	}
}

// buildDaemon wires every component over the shared store and event bus.
func buildDaemon(ctx context.Context, env *config.Env, cfg *config.Config, st *store.Store, eventBus bus.EventBus, log *logger.Logger) (*daemon, error) {
	authSvc := auth.NewService(cfg.Auth)
	daemonURL := publicURL(cfg)

	spawner := executor.NewSpawner(cfg.Execution, daemonURL, log)

	// Executor tokens identify the user whose work spawned the process.
	// Prompt executors are minted for the session creator; lifecycle
	// executors for the requesting user, falling back to the system
	// identity for daemon-initiated work.
	sessionTokenFor := func(sessionID string) (string, error) {
		sess, err := st.GetSession(ctx, sessionID)
		if err != nil {
			return "", err
		}
		u, err := st.GetUser(ctx, sess.CreatedBy)
		if err != nil {
			return "", err
		}
		return authSvc.IssueExecutorToken(u, sessionID)
	}
	userTokenFor := func(userID string) (string, error) {
		if userID == "" {
			return authSvc.IssueExecutorToken(systemUser(), "")
		}
		u, err := st.GetUser(ctx, userID)
		if err != nil {
			return "", err
		}
		return authSvc.IssueExecutorToken(u, "")
	}

	runner := session.NewExecutorRunner(spawner, st, daemonURL, sessionTokenFor)
	engine := session.NewEngine(st, tool.DefaultRegistry(log), runner, worktree.NewGit(""), eventBus, log)
	manager := worktree.NewManager(st, spawner, env, cfg.RBAC, daemonURL, userTokenFor, log)

	// In strict mode Unix reconciliation runs through executors so account
	// changes happen under the impersonation boundary; otherwise the daemon
	// reconciles in process with whatever privilege it detects.
	var reconciler worktree.UnixReconciler
	if cfg.Execution.ImpersonationMode() == config.ImpersonationStrict {
		reconciler = manager
	} else {
		admin := unixadmin.NewAdmin(unixadmin.DetectRunner(ctx, cfg.Execution, cfg.RBAC, log), log)
		reconciler = worktree.NewSyncer(st, admin, cfg.RBAC, log)
	}

	late := &hubBroadcaster{}
	registry := rpc.NewRegistry(late, log)
	dispatcher := rpc.NewDispatcher(registry)
	hub := gateways.NewHub(dispatcher, log)
	late.hub = hub

	handler := gateways.NewHandler(hub, authSvc, st, cfg.Auth.AllowAnonymous, log)
	bridge := terminal.NewBridge(hub, log)
	sshRegistry := terminal.NewSSHRegistry()

	var gatewayRouter *msggateway.Router
	if cfg.Gateway.Enabled {
		gatewayRouter = msggateway.NewRouter(st, engine, log)
	}

	// Engine events reach WebSocket clients through this bridge; without
	// it nothing consumes the session subjects.
	var resultSink resultRouter
	if gatewayRouter != nil {
		resultSink = gatewayRouter
	}
	eventsBridge := newSessionEventBridge(hub, st, resultSink, log)
	if _, err := eventsBridge.Attach(eventBus); err != nil {
		return nil, err
	}

	deps := services.Deps{
		Store:     st,
		Engine:    engine,
		Worktrees: manager,
		Auth:      authSvc,
		Gateway:   gatewayRouter,
		Terminal:  bridge,
		SSH:       sshRegistry,
		Unix:      reconciler,
		Log:       log,
	}
	services.RegisterAll(registry, deps)
	services.RegisterRoutes(dispatcher, deps)

	// The local CLI reads its token from the data home instead of logging
	// in over HTTP. The file is the credential; 0600 is load-bearing.
	if token, err := authSvc.IssueToken(systemUser()); err != nil {
		log.Warn("Failed to mint CLI token", zap.Error(err))
	} else if err := auth.WriteTokenFile(env.TokenFilePath(), token); err != nil {
		log.Warn("Failed to write CLI token file", zap.Error(err))
	}

	return &daemon{
		store:     st,
		auth:      authSvc,
		engine:    engine,
		worktrees: manager,
		gateway:   gatewayRouter,
		terminal:  bridge,
		hub:       hub,
		handler:   handler,
		daemonURL: daemonURL,
	}, nil
}

// systemUser is the synthetic identity for daemon-initiated work.
func systemUser() *store.User {
	return &store.User{
		UserID: "system",
		Email:  "daemon@localhost",
		Role:   store.RoleAdmin,
	}
}
