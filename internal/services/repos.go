package services

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/store"
)

// Repos exposes registered git repositories.
type Repos struct {
	deps Deps
}

func NewRepos(deps Deps) *Repos { return &Repos{deps: deps} }

func (s *Repos) ServiceName() string { return "repos" }

func (s *Repos) Find(ctx *rpc.Ctx, q store.ListQuery) (any, error) {
	repos, err := s.deps.Store.FindRepos(ctx.Context, q)
	if err != nil {
		return nil, err
	}
	return project(repos, q.Select), nil
}

func (s *Repos) Get(ctx *rpc.Ctx, id string) (any, error) {
	return s.deps.Store.GetRepo(ctx.Context, id)
}

func (s *Repos) Create(ctx *rpc.Ctx, data json.RawMessage) (any, error) {
	var r store.Repo
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "malformed repo: %v", err)
	}
	if r.Slug == "" || r.RemoteURL == "" {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "slug and remote_url are required")
	}
	if err := s.deps.Store.CreateRepo(ctx.Context, &r); err != nil {
		return nil, err
	}

	// The clone runs through an executor so large fetches never block the
	// request; the executor patches default_branch when it lands.
	requestedBy := ""
	if ctx.User != nil {
		requestedBy = ctx.User.UserID
	}
	go s.cloneAndSync(&r, requestedBy)

	return &r, nil
}

func (s *Repos) cloneAndSync(r *store.Repo, requestedBy string) {
	cloneCtx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if err := s.deps.Worktrees.CloneRepo(cloneCtx, r, requestedBy); err != nil {
		s.deps.Log.Error("Repo clone failed",
			zap.String("repo_id", r.RepoID),
			zap.String("slug", r.Slug),
			zap.Error(err))
		return
	}
	s.deps.syncUnix("repo-create", func() error {
		return s.deps.Unix.SyncRepo(cloneCtx, r.RepoID, false)
	})
}

func (s *Repos) Patch(ctx *rpc.Ctx, id string, patch map[string]any) (any, error) {
	return s.deps.Store.PatchRepo(ctx.Context, id, patch)
}

func (s *Repos) Remove(ctx *rpc.Ctx, id string) (any, error) {
	r, err := s.deps.Store.GetRepo(ctx.Context, id)
	if err != nil {
		return nil, err
	}
	s.deps.syncUnix("repo-remove", func() error {
		return s.deps.Unix.SyncRepo(ctx.Context, r.RepoID, true)
	})
	if err := s.deps.Store.RemoveRepo(ctx.Context, r.RepoID); err != nil {
		return nil, err
	}
	return r, nil
}

func reposHooks() *rpc.Hooks {
	h := rpc.NewHooks().BeforeAll(rpc.RequireAuthenticated())
	h.BeforeMethod(rpc.MethodCreate, rpc.RequireAdmin())
	h.BeforeMethod(rpc.MethodPatch, rpc.RequireAdmin())
	h.BeforeMethod(rpc.MethodRemove, rpc.RequireAdmin())
	return h
}

func reposSchema() *rpc.QuerySchema {
	return &rpc.QuerySchema{Fields: map[string]rpc.FieldType{
		"slug":           rpc.FieldString,
		"default_branch": rpc.FieldString,
	}}
}
