package services

import (
	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/store"
)

// Tasks is read-only; tasks are created and transitioned by the engine.
type Tasks struct {
	deps Deps
}

func NewTasks(deps Deps) *Tasks { return &Tasks{deps: deps} }

func (s *Tasks) ServiceName() string { return "tasks" }

func (s *Tasks) Find(ctx *rpc.Ctx, q store.ListQuery) (any, error) {
	tasks, err := s.deps.Store.FindTasks(ctx.Context, q)
	if err != nil {
		return nil, err
	}
	return project(tasks, q.Select), nil
}

func (s *Tasks) Get(ctx *rpc.Ctx, id string) (any, error) {
	return s.deps.Store.GetTask(ctx.Context, id)
}

// Channels routes task events to the owning session channel.
func (s *Tasks) Channels(_ string, record any) []string {
	task, ok := record.(*store.Task)
	if !ok {
		return []string{"service:tasks"}
	}
	return []string{"session:" + task.SessionID, "service:tasks"}
}

func tasksSchema() *rpc.QuerySchema {
	return &rpc.QuerySchema{Fields: map[string]rpc.FieldType{
		"session_id": rpc.FieldString,
		"status":     rpc.FieldString,
	}}
}
