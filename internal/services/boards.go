package services

import (
	"encoding/json"

	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/store"
)

// Boards exposes the spatial workspaces.
type Boards struct {
	deps Deps
}

func NewBoards(deps Deps) *Boards { return &Boards{deps: deps} }

func (s *Boards) ServiceName() string { return "boards" }

func (s *Boards) Find(ctx *rpc.Ctx, q store.ListQuery) (any, error) {
	boards, err := s.deps.Store.FindBoards(ctx.Context, q)
	if err != nil {
		return nil, err
	}
	return project(boards, q.Select), nil
}

func (s *Boards) Get(ctx *rpc.Ctx, id string) (any, error) {
	return s.deps.Store.GetBoard(ctx.Context, id)
}

func (s *Boards) Create(ctx *rpc.Ctx, data json.RawMessage) (any, error) {
	var b store.Board
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "malformed board: %v", err)
	}
	if b.Name == "" {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "name is required")
	}
	if ctx.User != nil {
		b.CreatedBy = ctx.User.UserID
	}
	if err := s.deps.Store.CreateBoard(ctx.Context, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Boards) Patch(ctx *rpc.Ctx, id string, patch map[string]any) (any, error) {
	return s.deps.Store.PatchBoard(ctx.Context, id, patch)
}

func (s *Boards) Remove(ctx *rpc.Ctx, id string) (any, error) {
	b, err := s.deps.Store.GetBoard(ctx.Context, id)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Store.RemoveBoard(ctx.Context, b.BoardID); err != nil {
		return nil, err
	}
	return b, nil
}

// Channels routes board events to the board channel.
func (s *Boards) Channels(_ string, record any) []string {
	b, ok := record.(*store.Board)
	if !ok {
		return []string{"service:boards"}
	}
	return []string{"board:" + b.BoardID, "service:boards"}
}

func boardsSchema() *rpc.QuerySchema {
	return &rpc.QuerySchema{Fields: map[string]rpc.FieldType{
		"name":       rpc.FieldString,
		"created_by": rpc.FieldString,
	}}
}

// BoardObjects exposes positioned objects on boards.
type BoardObjects struct {
	deps Deps
}

func NewBoardObjects(deps Deps) *BoardObjects { return &BoardObjects{deps: deps} }

func (s *BoardObjects) ServiceName() string { return "board-objects" }

func (s *BoardObjects) Find(ctx *rpc.Ctx, q store.ListQuery) (any, error) {
	objects, err := s.deps.Store.FindBoardObjects(ctx.Context, q)
	if err != nil {
		return nil, err
	}
	return project(objects, q.Select), nil
}

func (s *BoardObjects) Get(ctx *rpc.Ctx, id string) (any, error) {
	return s.deps.Store.GetBoardObject(ctx.Context, id)
}

func (s *BoardObjects) Create(ctx *rpc.Ctx, data json.RawMessage) (any, error) {
	var o store.BoardObject
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "malformed board object: %v", err)
	}
	if o.BoardID == "" || o.ObjectType == "" {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "board_id and object_type are required")
	}
	if err := s.deps.Store.CreateBoardObject(ctx.Context, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *BoardObjects) Patch(ctx *rpc.Ctx, id string, patch map[string]any) (any, error) {
	return s.deps.Store.PatchBoardObject(ctx.Context, id, patch)
}

func (s *BoardObjects) Remove(ctx *rpc.Ctx, id string) (any, error) {
	o, err := s.deps.Store.GetBoardObject(ctx.Context, id)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Store.RemoveBoardObject(ctx.Context, o.ObjectID); err != nil {
		return nil, err
	}
	return o, nil
}

// Channels routes object events to the owning board channel.
func (s *BoardObjects) Channels(_ string, record any) []string {
	o, ok := record.(*store.BoardObject)
	if !ok {
		return []string{"service:board-objects"}
	}
	return []string{"board:" + o.BoardID, "service:board-objects"}
}

func boardObjectsSchema() *rpc.QuerySchema {
	return &rpc.QuerySchema{Fields: map[string]rpc.FieldType{
		"board_id":    rpc.FieldString,
		"object_type": rpc.FieldString,
		"ref_id":      rpc.FieldString,
	}}
}
