package rpc

import (
	"encoding/json"
	"errors"
	"strings"
)

// serviceRequest is the payload of a service-verb request. Action names take
// the form "<service>.<method>" (sessions.find, worktrees.patch) or a custom
// route (sessions.prompt, messages.streaming).
type serviceRequest struct {
	ID    string          `json:"id,omitempty"`
	Query map[string]any  `json:"query,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Patch map[string]any  `json:"patch,omitempty"`
}

// CustomHandler serves a custom route outside the five verbs.
type CustomHandler func(ctx *Ctx, payload json.RawMessage) (any, error)

// Dispatcher routes protocol messages to registry verbs and custom routes.
type Dispatcher struct {
	registry *Registry
	custom   map[string]CustomHandler
}

// NewDispatcher builds a dispatcher over a registry.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry, custom: make(map[string]CustomHandler)}
}

// RegisterCustom adds a custom route under a full action name.
func (d *Dispatcher) RegisterCustom(action string, handler CustomHandler) {
	d.custom[action] = handler
}

// Dispatch handles one request message and returns the response message.
func (d *Dispatcher) Dispatch(ctx *Ctx, msg *Message) *Message {
	result, err := d.invoke(ctx, msg)
	if err != nil {
		return NewErrorMessage(msg.ID, msg.Action, CodeOf(err), err.Error(), errDetails(err))
	}
	resp, encErr := NewResponse(msg.ID, msg.Action, result)
	if encErr != nil {
		return NewErrorMessage(msg.ID, msg.Action, CodeInternal, encErr.Error(), nil)
	}
	return resp
}

func (d *Dispatcher) invoke(ctx *Ctx, msg *Message) (any, error) {
	if handler, ok := d.custom[msg.Action]; ok {
		return handler(ctx, msg.Payload)
	}

	service, method, ok := splitAction(msg.Action)
	if !ok {
		return nil, NewError(CodeUnknownAction, "unknown action %q", msg.Action)
	}

	var req serviceRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, NewError(CodeValidationFailed, "malformed payload: %v", err)
	}

	switch Method(method) {
	case MethodFind:
		return d.registry.Find(ctx, service, req.Query)
	case MethodGet:
		return d.registry.Get(ctx, service, req.ID)
	case MethodCreate:
		return d.registry.Create(ctx, service, req.Data)
	case MethodPatch:
		return d.registry.Patch(ctx, service, req.ID, req.Patch)
	case MethodRemove:
		return d.registry.Remove(ctx, service, req.ID)
	default:
		return nil, NewError(CodeUnknownAction, "unknown method %q on %q", method, service)
	}
}

func splitAction(action string) (service, method string, ok bool) {
	i := strings.LastIndex(action, ".")
	if i <= 0 || i == len(action)-1 {
		return "", "", false
	}
	return action[:i], action[i+1:], true
}

func errDetails(err error) map[string]any {
	var coded *Error
	if errors.As(err, &coded) && coded.Details != nil {
		return coded.Details
	}
	return nil
}
