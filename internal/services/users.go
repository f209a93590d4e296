package services

import (
	"encoding/json"

	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/store"
	"github.com/agor-sh/agor/internal/unixid"
)

// Users exposes user accounts. Creation hashes the supplied password and
// derives the Unix username; plaintext never reaches the store.
type Users struct {
	deps Deps
}

func NewUsers(deps Deps) *Users { return &Users{deps: deps} }

func (s *Users) ServiceName() string { return "users" }

func (s *Users) Find(ctx *rpc.Ctx, q store.ListQuery) (any, error) {
	users, err := s.deps.Store.FindUsers(ctx.Context, q)
	if err != nil {
		return nil, err
	}
	return project(users, q.Select), nil
}

func (s *Users) Get(ctx *rpc.Ctx, id string) (any, error) {
	return s.deps.Store.GetUser(ctx.Context, id)
}

type createUserRequest struct {
	Email                string          `json:"email"`
	Password             string          `json:"password"`
	Role                 store.Role      `json:"role,omitempty"`
	MustChangePassword   bool            `json:"must_change_password,omitempty"`
	DefaultAgenticConfig json.RawMessage `json:"default_agentic_config,omitempty"`
}

func (s *Users) Create(ctx *rpc.Ctx, data json.RawMessage) (any, error) {
	var req createUserRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "malformed user: %v", err)
	}
	if req.Email == "" || req.Password == "" {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "email and password are required")
	}

	hash, err := s.deps.Auth.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	u := &store.User{
		Email:                req.Email,
		PasswordHash:         hash,
		Role:                 req.Role,
		UnixUsername:         unixid.UsernameFromEmail(req.Email),
		MustChangePassword:   req.MustChangePassword,
		DefaultAgenticConfig: req.DefaultAgenticConfig,
	}
	if err := s.deps.Store.CreateUser(ctx.Context, u); err != nil {
		return nil, err
	}
	s.deps.syncUnix("user-create", func() error {
		return s.deps.Unix.SyncUser(ctx.Context, u.UserID, req.Password, false)
	})
	return u, nil
}

func (s *Users) Patch(ctx *rpc.Ctx, id string, patch map[string]any) (any, error) {
	// Password changes go through the dedicated route; role changes through
	// admins only, enforced by the hook set.
	delete(patch, "password_hash")
	delete(patch, "encrypted_api_keys")
	return s.deps.Store.PatchUser(ctx.Context, id, patch)
}

func (s *Users) Remove(ctx *rpc.Ctx, id string) (any, error) {
	u, err := s.deps.Store.GetUser(ctx.Context, id)
	if err != nil {
		return nil, err
	}
	s.deps.syncUnix("user-remove", func() error {
		return s.deps.Unix.SyncUser(ctx.Context, u.UserID, "", true)
	})
	if err := s.deps.Store.RemoveUser(ctx.Context, u.UserID); err != nil {
		return nil, err
	}
	return u, nil
}

// usersHooks: anyone authenticated may read; only admins mutate, except a
// user patching their own record.
func usersHooks() *rpc.Hooks {
	h := rpc.NewHooks().BeforeAll(rpc.RequireAuthenticated())
	adminOrSelf := func(ctx *rpc.Ctx, call *rpc.Call) error {
		if ctx.Internal {
			return nil
		}
		if ctx.User != nil && (ctx.User.Role == store.RoleOwner || ctx.User.Role == store.RoleAdmin) {
			return nil
		}
		if ctx.User != nil && call.ID != "" && matchesID(ctx.User.UserID, call.ID) {
			return nil
		}
		return rpc.NewError(rpc.CodeForbidden, "insufficient role")
	}
	h.BeforeMethod(rpc.MethodCreate, rpc.RequireAdmin())
	h.BeforeMethod(rpc.MethodPatch, adminOrSelf)
	h.BeforeMethod(rpc.MethodRemove, rpc.RequireAdmin())
	return h
}

// matchesID accepts either the full ID or a documented short-ID prefix.
func matchesID(full, idOrPrefix string) bool {
	if len(idOrPrefix) < 3 {
		return false
	}
	return full == idOrPrefix || len(idOrPrefix) < len(full) && full[:len(idOrPrefix)] == idOrPrefix
}

func usersSchema() *rpc.QuerySchema {
	return &rpc.QuerySchema{Fields: map[string]rpc.FieldType{
		"email":         rpc.FieldString,
		"role":          rpc.FieldString,
		"unix_username": rpc.FieldString,
	}}
}
