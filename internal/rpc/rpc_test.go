package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/store"
)

// echoService is a minimal service for pipeline tests.
type echoService struct {
	lastQuery store.ListQuery
}

func (s *echoService) ServiceName() string { return "echo" }

func (s *echoService) Find(_ *Ctx, q store.ListQuery) (any, error) {
	s.lastQuery = q
	return []string{"a", "b"}, nil
}

func (s *echoService) Create(_ *Ctx, data json.RawMessage) (any, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func echoSchema() *QuerySchema {
	return &QuerySchema{Fields: map[string]FieldType{
		"name":     FieldString,
		"count":    FieldNumber,
		"archived": FieldBool,
	}}
}

type captureBroadcaster struct {
	channels []string
	events   []*Event
}

func (b *captureBroadcaster) Broadcast(channels []string, event *Event) {
	b.channels = append(b.channels, channels...)
	b.events = append(b.events, event)
}

func testCtx() *Ctx {
	return &Ctx{Context: context.Background(), User: &store.User{UserID: "u-1", Role: store.RoleMember}}
}

func TestValidateQueryCoercesAndBounds(t *testing.T) {
	q, err := ValidateQuery(echoSchema(), map[string]any{
		"$limit":   "50",
		"$skip":    float64(10),
		"$sort":    map[string]any{"name": float64(-1)},
		"count":    "7",
		"archived": "true",
	})
	require.NoError(t, err)
	assert.Equal(t, 50, q.Limit)
	assert.Equal(t, 10, q.Skip)
	assert.Equal(t, []store.SortField{{Field: "name", Desc: true}}, q.Sort)
	assert.Equal(t, 7, q.Filters["count"])
	assert.Equal(t, true, q.Filters["archived"])
}

func TestValidateQueryRejectsUnknownKey(t *testing.T) {
	_, err := ValidateQuery(echoSchema(), map[string]any{"nope": "x"})
	require.Error(t, err)
	assert.Equal(t, CodeValidationFailed, CodeOf(err))

	_, err = ValidateQuery(echoSchema(), map[string]any{"$where": "1=1"})
	require.Error(t, err)
}

func TestValidateQueryRejectsOversizeLimit(t *testing.T) {
	_, err := ValidateQuery(echoSchema(), map[string]any{"$limit": float64(store.MaxListLimit + 1)})
	require.Error(t, err)
}

func TestValidateQueryRejectsBadSortDirection(t *testing.T) {
	_, err := ValidateQuery(echoSchema(), map[string]any{"$sort": map[string]any{"name": float64(2)}})
	require.Error(t, err)
}

func TestRegistryRunsHooksInOrder(t *testing.T) {
	svc := &echoService{}
	reg := NewRegistry(nil, logger.Default())

	var order []string
	hooks := NewHooks()
	hooks.BeforeAll(func(_ *Ctx, _ *Call) error {
		order = append(order, "before-all")
		return nil
	})
	hooks.BeforeMethod(MethodFind, func(_ *Ctx, _ *Call) error {
		order = append(order, "before-find")
		return nil
	})
	hooks.AfterMethod(MethodFind, func(_ *Ctx, call *Call) error {
		order = append(order, "after-find")
		call.Result = "replaced"
		return nil
	})
	reg.Register(svc, hooks, echoSchema())

	result, err := reg.Find(testCtx(), "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, "replaced", result)
	assert.Equal(t, []string{"before-all", "before-find", "after-find"}, order)
}

func TestRegistryBeforeHookShortCircuits(t *testing.T) {
	svc := &echoService{}
	reg := NewRegistry(nil, logger.Default())

	hooks := NewHooks()
	hooks.BeforeMethod(MethodFind, func(_ *Ctx, call *Call) error {
		call.Result = "cached"
		return nil
	})
	reg.Register(svc, hooks, echoSchema())

	result, err := reg.Find(testCtx(), "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, "cached", result)
	assert.Empty(t, svc.lastQuery.Filters)
}

func TestRegistryErrorHookTranslates(t *testing.T) {
	svc := &echoService{}
	reg := NewRegistry(nil, logger.Default())

	hooks := NewHooks()
	hooks.BeforeMethod(MethodFind, func(_ *Ctx, _ *Call) error {
		return NewError(CodeForbidden, "nope")
	})
	hooks.OnError(func(_ *Ctx, _ *Call, err error) error {
		return NewError(CodeNotFound, "hidden")
	})
	reg.Register(svc, hooks, echoSchema())

	_, err := reg.Find(testCtx(), "echo", nil)
	require.Error(t, err)
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestRequireRoleHooks(t *testing.T) {
	adminOnly := RequireAdmin()
	call := &Call{Service: "users", Method: MethodRemove}

	member := &Ctx{User: &store.User{Role: store.RoleMember}}
	require.Error(t, adminOnly(member, call))

	admin := &Ctx{User: &store.User{Role: store.RoleAdmin}}
	require.NoError(t, adminOnly(admin, call))

	internal := &Ctx{Internal: true}
	require.NoError(t, adminOnly(internal, call))

	anonymous := &Ctx{}
	err := RequireAuthenticated()(anonymous, call)
	require.Error(t, err)
	assert.Equal(t, CodeNotAuthenticated, CodeOf(err))
}

func TestRegistryBroadcastsMutations(t *testing.T) {
	svc := &echoService{}
	b := &captureBroadcaster{}
	reg := NewRegistry(b, logger.Default())
	reg.Register(svc, nil, echoSchema())

	_, err := reg.Create(testCtx(), "echo", json.RawMessage(`{"name":"x"}`))
	require.NoError(t, err)

	require.Len(t, b.events, 1)
	assert.Equal(t, EventCreated, b.events[0].Kind)
	assert.Equal(t, []string{"service:echo"}, b.channels)
}

func TestDispatcherRoutesVerbsAndCustom(t *testing.T) {
	svc := &echoService{}
	reg := NewRegistry(nil, logger.Default())
	reg.Register(svc, nil, echoSchema())

	d := NewDispatcher(reg)
	d.RegisterCustom("sessions.prompt", func(_ *Ctx, payload json.RawMessage) (any, error) {
		return map[string]string{"status": "queued"}, nil
	})

	resp := d.Dispatch(testCtx(), &Message{
		ID: "1", Type: MessageTypeRequest, Action: "echo.find",
		Payload: json.RawMessage(`{"query":{"name":"x"}}`),
	})
	assert.Equal(t, MessageTypeResponse, resp.Type)
	assert.Equal(t, "x", svc.lastQuery.Filters["name"])

	resp = d.Dispatch(testCtx(), &Message{
		ID: "2", Type: MessageTypeRequest, Action: "sessions.prompt",
	})
	assert.Equal(t, MessageTypeResponse, resp.Type)

	resp = d.Dispatch(testCtx(), &Message{
		ID: "3", Type: MessageTypeRequest, Action: "echo.remove",
		Payload: json.RawMessage(`{"id":"abc"}`),
	})
	assert.Equal(t, MessageTypeError, resp.Type)

	var errPayload ErrorPayload
	require.NoError(t, resp.ParsePayload(&errPayload))
	assert.Equal(t, CodeMethodNotSupported, errPayload.Code)
}

func TestDispatcherUnknownAction(t *testing.T) {
	d := NewDispatcher(NewRegistry(nil, logger.Default()))
	resp := d.Dispatch(testCtx(), &Message{ID: "1", Action: "noverb"})
	assert.Equal(t, MessageTypeError, resp.Type)
}
