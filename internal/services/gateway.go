package services

import (
	"encoding/json"

	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/store"
)

// GatewayChannels exposes message-gateway channel registrations. The channel
// key authenticates inbound platform messages and is never echoed back.
type GatewayChannels struct {
	deps Deps
}

func NewGatewayChannels(deps Deps) *GatewayChannels { return &GatewayChannels{deps: deps} }

func (s *GatewayChannels) ServiceName() string { return "gateway-channels" }

func (s *GatewayChannels) Find(ctx *rpc.Ctx, q store.ListQuery) (any, error) {
	channels, err := s.deps.Store.FindGatewayChannels(ctx.Context, q)
	if err != nil {
		return nil, err
	}
	return project(channels, q.Select), nil
}

func (s *GatewayChannels) Get(ctx *rpc.Ctx, id string) (any, error) {
	return s.deps.Store.GetGatewayChannel(ctx.Context, id)
}

type createGatewayChannelRequest struct {
	ChannelType      string          `json:"channel_type"`
	ChannelKey       string          `json:"channel_key"`
	AgorUserID       string          `json:"agor_user_id"`
	TargetWorktreeID string          `json:"target_worktree_id"`
	Enabled          *bool           `json:"enabled,omitempty"`
	Config           json.RawMessage `json:"config,omitempty"`
	AgenticConfig    json.RawMessage `json:"agentic_config,omitempty"`
}

func (s *GatewayChannels) Create(ctx *rpc.Ctx, data json.RawMessage) (any, error) {
	var req createGatewayChannelRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "malformed channel: %v", err)
	}
	if req.ChannelType == "" || req.ChannelKey == "" {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "channel_type and channel_key are required")
	}
	if req.AgorUserID == "" || req.TargetWorktreeID == "" {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "agor_user_id and target_worktree_id are required")
	}
	if _, err := s.deps.Store.GetUser(ctx.Context, req.AgorUserID); err != nil {
		return nil, err
	}
	if _, err := s.deps.Store.GetWorktree(ctx.Context, req.TargetWorktreeID); err != nil {
		return nil, err
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	c := &store.GatewayChannel{
		ChannelType:      req.ChannelType,
		ChannelKey:       req.ChannelKey,
		AgorUserID:       req.AgorUserID,
		TargetWorktreeID: req.TargetWorktreeID,
		Enabled:          enabled,
		Config:           req.Config,
		AgenticConfig:    req.AgenticConfig,
	}
	if err := s.deps.Store.CreateGatewayChannel(ctx.Context, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *GatewayChannels) Patch(ctx *rpc.Ctx, id string, patch map[string]any) (any, error) {
	return s.deps.Store.PatchGatewayChannel(ctx.Context, id, patch)
}

func (s *GatewayChannels) Remove(ctx *rpc.Ctx, id string) (any, error) {
	c, err := s.deps.Store.GetGatewayChannel(ctx.Context, id)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Store.RemoveGatewayChannel(ctx.Context, c.ChannelID); err != nil {
		return nil, err
	}
	return c, nil
}

func gatewayChannelsSchema() *rpc.QuerySchema {
	return &rpc.QuerySchema{Fields: map[string]rpc.FieldType{
		"channel_type":       rpc.FieldString,
		"agor_user_id":       rpc.FieldString,
		"target_worktree_id": rpc.FieldString,
		"enabled":            rpc.FieldBool,
	}}
}
