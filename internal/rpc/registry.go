package rpc

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/common/logger"
)

// Event kinds broadcast after mutations.
const (
	EventCreated = "created"
	EventPatched = "patched"
	EventUpdated = "updated"
	EventRemoved = "removed"
)

// Event is a typed mutation notification fanned out to channel subscribers.
type Event struct {
	Service string `json:"service"`
	Kind    string `json:"kind"`
	Data    any    `json:"data"`
}

// Broadcaster delivers events to the named channels. The websocket hub
// implements this.
type Broadcaster interface {
	Broadcast(channels []string, event *Event)
}

// registered bundles a service with its hooks and query schema.
type registered struct {
	service Service
	hooks   *Hooks
	schema  *QuerySchema
}

// Registry holds named services and runs the hook pipeline around every
// invocation. Lookup is lazy so services may reference each other
// cyclically.
type Registry struct {
	log         *logger.Logger
	broadcaster Broadcaster

	mu       sync.RWMutex
	services map[string]*registered
}

// NewRegistry builds an empty registry. broadcaster may be nil (events are
// then dropped).
func NewRegistry(broadcaster Broadcaster, log *logger.Logger) *Registry {
	return &Registry{
		log:         log,
		broadcaster: broadcaster,
		services:    make(map[string]*registered),
	}
}

// Register adds a service with its hooks and find-query schema. hooks and
// schema may be nil.
func (r *Registry) Register(svc Service, hooks *Hooks, schema *QuerySchema) {
	if hooks == nil {
		hooks = NewHooks()
	}
	if schema == nil {
		schema = &QuerySchema{Fields: map[string]FieldType{}}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[svc.ServiceName()] = &registered{service: svc, hooks: hooks, schema: schema}
}

// Lookup returns a registered service by name.
func (r *Registry) Lookup(name string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.services[name]
	if !ok {
		return nil, false
	}
	return reg.service, true
}

// Find runs the find verb with query validation and the hook pipeline.
func (r *Registry) Find(ctx *Ctx, service string, rawQuery map[string]any) (any, error) {
	reg, err := r.lookup(service)
	if err != nil {
		return nil, err
	}
	finder, ok := reg.service.(Finder)
	if !ok {
		return nil, NewError(CodeMethodNotSupported, "%s does not support find", service)
	}
	q, err := ValidateQuery(reg.schema, rawQuery)
	if err != nil {
		return nil, err
	}
	call := &Call{Service: service, Method: MethodFind, Query: &q}
	return r.run(ctx, reg, call, func() (any, error) {
		return finder.Find(ctx, *call.Query)
	})
}

// Get runs the get verb.
func (r *Registry) Get(ctx *Ctx, service, id string) (any, error) {
	reg, err := r.lookup(service)
	if err != nil {
		return nil, err
	}
	getter, ok := reg.service.(Getter)
	if !ok {
		return nil, NewError(CodeMethodNotSupported, "%s does not support get", service)
	}
	call := &Call{Service: service, Method: MethodGet, ID: id}
	return r.run(ctx, reg, call, func() (any, error) {
		return getter.Get(ctx, call.ID)
	})
}

// Create runs the create verb and broadcasts a created event.
func (r *Registry) Create(ctx *Ctx, service string, data json.RawMessage) (any, error) {
	reg, err := r.lookup(service)
	if err != nil {
		return nil, err
	}
	creator, ok := reg.service.(Creator)
	if !ok {
		return nil, NewError(CodeMethodNotSupported, "%s does not support create", service)
	}
	call := &Call{Service: service, Method: MethodCreate, Data: data}
	result, err := r.run(ctx, reg, call, func() (any, error) {
		return creator.Create(ctx, call.Data)
	})
	if err == nil {
		r.publish(reg, EventCreated, result)
	}
	return result, err
}

// Patch runs the patch verb and broadcasts a patched event.
func (r *Registry) Patch(ctx *Ctx, service, id string, patch map[string]any) (any, error) {
	reg, err := r.lookup(service)
	if err != nil {
		return nil, err
	}
	patcher, ok := reg.service.(Patcher)
	if !ok {
		return nil, NewError(CodeMethodNotSupported, "%s does not support patch", service)
	}
	call := &Call{Service: service, Method: MethodPatch, ID: id}
	if encoded, err := json.Marshal(patch); err == nil {
		call.Data = encoded
	}
	result, err := r.run(ctx, reg, call, func() (any, error) {
		return patcher.Patch(ctx, call.ID, patch)
	})
	if err == nil {
		r.publish(reg, EventPatched, result)
	}
	return result, err
}

// Remove runs the remove verb and broadcasts a removed event.
func (r *Registry) Remove(ctx *Ctx, service, id string) (any, error) {
	reg, err := r.lookup(service)
	if err != nil {
		return nil, err
	}
	remover, ok := reg.service.(Remover)
	if !ok {
		return nil, NewError(CodeMethodNotSupported, "%s does not support remove", service)
	}
	call := &Call{Service: service, Method: MethodRemove, ID: id}
	result, err := r.run(ctx, reg, call, func() (any, error) {
		return remover.Remove(ctx, call.ID)
	})
	if err == nil {
		r.publish(reg, EventRemoved, result)
	}
	return result, err
}

// Publish lets services broadcast custom events (e.g. updated after engine
// transitions) outside the verb pipeline.
func (r *Registry) Publish(service, kind string, data any) {
	reg, err := r.lookup(service)
	if err != nil {
		return
	}
	r.publish(reg, kind, data)
}

func (r *Registry) lookup(name string) (*registered, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.services[name]
	if !ok {
		return nil, NewError(CodeUnknownAction, "unknown service %q", name)
	}
	return reg, nil
}

func (r *Registry) run(ctx *Ctx, reg *registered, call *Call, invoke func() (any, error)) (any, error) {
	if err := reg.hooks.runBefore(ctx, call); err != nil {
		return nil, reg.hooks.runError(ctx, call, err)
	}

	// A before-hook may short-circuit by setting the result.
	if call.Result == nil {
		result, err := invoke()
		if err != nil {
			return nil, reg.hooks.runError(ctx, call, err)
		}
		call.Result = result
	}

	if err := reg.hooks.runAfter(ctx, call); err != nil {
		return nil, reg.hooks.runError(ctx, call, err)
	}
	return call.Result, nil
}

func (r *Registry) publish(reg *registered, kind string, data any) {
	if r.broadcaster == nil || data == nil {
		return
	}
	channels := []string{fmt.Sprintf("service:%s", reg.service.ServiceName())}
	if ch, ok := reg.service.(Channeler); ok {
		channels = ch.Channels(kind, data)
	}
	if len(channels) == 0 {
		return
	}
	r.broadcaster.Broadcast(channels, &Event{
		Service: reg.service.ServiceName(),
		Kind:    kind,
		Data:    data,
	})
	r.log.Debug("Broadcast service event",
		zap.String("service", reg.service.ServiceName()),
		zap.String("kind", kind),
		zap.Int("channels", len(channels)))
}
