package rpc

import (
	"context"
	"encoding/json"

	"github.com/agor-sh/agor/internal/store"
)

// Ctx carries per-call state through hooks and service methods.
type Ctx struct {
	Context context.Context

	// User is the authenticated caller. Nil means unauthenticated.
	User *store.User

	// Internal marks daemon-originated calls (gateway dispatch, executors
	// acting with a minted token). Auth hooks pass internal calls through;
	// the caller attaches the acting user explicitly.
	Internal bool

	// ConnectionID identifies the client connection, used for channel
	// subscription bookkeeping.
	ConnectionID string
}

// Method is one of the five service verbs.
type Method string

const (
	MethodFind   Method = "find"
	MethodGet    Method = "get"
	MethodCreate Method = "create"
	MethodPatch  Method = "patch"
	MethodRemove Method = "remove"
)

// Call is the mutable state of one service invocation, visible to hooks.
type Call struct {
	Service string
	Method  Method

	// ID is set for get/patch/remove.
	ID string

	// Data is the raw create payload or patch document.
	Data json.RawMessage

	// Query is the validated find query.
	Query *store.ListQuery

	// Result is populated after the method runs; after-hooks may replace it.
	Result any
}

// Service is a named unit exposing some subset of the five verbs. Methods a
// service does not support return CodeMethodNotSupported.
type Service interface {
	ServiceName() string
}

// Finder lists records matching a validated query.
type Finder interface {
	Find(ctx *Ctx, q store.ListQuery) (any, error)
}

// Getter fetches one record by ID or unique short-ID prefix.
type Getter interface {
	Get(ctx *Ctx, id string) (any, error)
}

// Creator inserts a record from a raw payload.
type Creator interface {
	Create(ctx *Ctx, data json.RawMessage) (any, error)
}

// Patcher deep-merges a patch document into a record.
type Patcher interface {
	Patch(ctx *Ctx, id string, patch map[string]any) (any, error)
}

// Remover deletes a record.
type Remover interface {
	Remove(ctx *Ctx, id string) (any, error)
}

// Channeler lets a service route its events to channels. Given an emitted
// record it returns the channel names that should receive the event.
type Channeler interface {
	Channels(event string, record any) []string
}
