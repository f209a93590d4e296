package services

import (
	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/store"
)

// Messages is read-only; the engine appends messages during prompt runs and
// the streaming route persists assistant output.
type Messages struct {
	deps Deps
}

func NewMessages(deps Deps) *Messages { return &Messages{deps: deps} }

func (s *Messages) ServiceName() string { return "messages" }

func (s *Messages) Find(ctx *rpc.Ctx, q store.ListQuery) (any, error) {
	messages, err := s.deps.Store.FindMessages(ctx.Context, q)
	if err != nil {
		return nil, err
	}
	return project(messages, q.Select), nil
}

func (s *Messages) Get(ctx *rpc.Ctx, id string) (any, error) {
	return s.deps.Store.GetMessage(ctx.Context, id)
}

// Channels routes message events to the owning session channel.
func (s *Messages) Channels(_ string, record any) []string {
	msg, ok := record.(*store.Message)
	if !ok {
		return []string{"service:messages"}
	}
	return []string{"session:" + msg.SessionID, "service:messages"}
}

func messagesSchema() *rpc.QuerySchema {
	return &rpc.QuerySchema{Fields: map[string]rpc.FieldType{
		"session_id": rpc.FieldString,
		"task_id":    rpc.FieldString,
		"role":       rpc.FieldString,
	}}
}
