package rpc

import (
	"github.com/agor-sh/agor/internal/store"
)

// Hook runs in a pipeline phase around a service call. Before-hooks may
// mutate the call or abort it by returning an error; after-hooks may replace
// the result; error-hooks observe (and may translate) the failure.
type Hook func(ctx *Ctx, call *Call) error

// ErrorHook observes a failed call and may return a replacement error.
type ErrorHook func(ctx *Ctx, call *Call, err error) error

// Hooks groups the pipeline phases for one service. Hooks registered under
// the zero Method value apply to every method.
type Hooks struct {
	Before map[Method][]Hook
	After  map[Method][]Hook
	Error  []ErrorHook
}

// NewHooks returns an empty hook set.
func NewHooks() *Hooks {
	return &Hooks{
		Before: make(map[Method][]Hook),
		After:  make(map[Method][]Hook),
	}
}

// BeforeAll appends a before-hook for every method.
func (h *Hooks) BeforeAll(hooks ...Hook) *Hooks {
	h.Before[Method("")] = append(h.Before[Method("")], hooks...)
	return h
}

// BeforeMethod appends before-hooks for specific methods.
func (h *Hooks) BeforeMethod(m Method, hooks ...Hook) *Hooks {
	h.Before[m] = append(h.Before[m], hooks...)
	return h
}

// AfterMethod appends after-hooks for specific methods.
func (h *Hooks) AfterMethod(m Method, hooks ...Hook) *Hooks {
	h.After[m] = append(h.After[m], hooks...)
	return h
}

// OnError appends an error-hook.
func (h *Hooks) OnError(hooks ...ErrorHook) *Hooks {
	h.Error = append(h.Error, hooks...)
	return h
}

func (h *Hooks) runBefore(ctx *Ctx, call *Call) error {
	for _, hook := range h.Before[Method("")] {
		if err := hook(ctx, call); err != nil {
			return err
		}
	}
	for _, hook := range h.Before[call.Method] {
		if err := hook(ctx, call); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hooks) runAfter(ctx *Ctx, call *Call) error {
	for _, hook := range h.After[Method("")] {
		if err := hook(ctx, call); err != nil {
			return err
		}
	}
	for _, hook := range h.After[call.Method] {
		if err := hook(ctx, call); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hooks) runError(ctx *Ctx, call *Call, err error) error {
	for _, hook := range h.Error {
		if replacement := hook(ctx, call, err); replacement != nil {
			err = replacement
		}
	}
	return err
}

// RequireAuthenticated rejects calls with no user unless internal.
func RequireAuthenticated() Hook {
	return func(ctx *Ctx, _ *Call) error {
		if ctx.Internal || ctx.User != nil {
			return nil
		}
		return NewError(CodeNotAuthenticated, "authentication required")
	}
}

// RequireRole rejects calls whose user holds none of the given roles.
// Internal calls pass.
func RequireRole(roles ...store.Role) Hook {
	return func(ctx *Ctx, call *Call) error {
		if ctx.Internal {
			return nil
		}
		if ctx.User == nil {
			return NewError(CodeNotAuthenticated, "authentication required")
		}
		for _, r := range roles {
			if ctx.User.Role == r {
				return nil
			}
		}
		return NewError(CodeForbidden, "%s.%s requires role %v", call.Service, call.Method, roles)
	}
}

// RequireAdmin is shorthand for owner-or-admin.
func RequireAdmin() Hook {
	return RequireRole(store.RoleOwner, store.RoleAdmin)
}
