// Package registry implements the service registry and dispatch layer:
// name -> callable-set mapping, resolving "service.method" strings into
// invokable methods.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sideboard/sideboard/internal/callctx"
)

// Errors returned by Resolve, matching the taxonomy kinds in the error
// handling design: UnknownService, UnknownMethod, Forbidden.
var (
	ErrUnknownService = errors.New("registry: unknown service")
	ErrUnknownMethod  = errors.New("registry: unknown method")
	ErrForbidden      = errors.New("registry: method not callable remotely")
	ErrAlreadyExists  = errors.New("registry: service already registered")
)

// noResponseType is the sentinel a Method.Call may return to suppress
// the normal post-call send — used when the trigger path already sent
// data, or an error has already been surfaced separately.
type noResponseType struct{}

// NoResponse is that sentinel value.
var NoResponse any = noResponseType{}

// IsNoResponse reports whether v is the NoResponse sentinel.
func IsNoResponse(v any) bool {
	_, ok := v.(noResponseType)
	return ok
}

// Params is the tagged variant of JSON-RPC/WebSocket params: either a
// positional list or a keyword map, never both. This models the
// source's conflated "params may be a list, object, or scalar" shape
// as an explicit sum rather than an any.
type Params struct {
	Args   []any
	Kwargs map[string]any
}

// FromWire normalizes a decoded JSON params value into Params,
// matching get_params semantics: nil -> no args/kwargs; object ->
// kwargs; list -> positional args; any other scalar -> a single
// positional arg.
func FromWire(v any) Params {
	switch x := v.(type) {
	case nil:
		return Params{}
	case map[string]any:
		return Params{Kwargs: x}
	case []any:
		return Params{Args: x}
	default:
		return Params{Args: []any{x}}
	}
}

// Method is a single callable a Service exposes remotely.
type Method struct {
	// Name is the bare method name (no service prefix).
	Name string
	// Channels lists the channels this method subscribes to, set by
	// the Subscribes annotation. Empty means the method is a one-shot
	// call, never a subscription target.
	Channels []string
	// Notifies lists the channels posted to the Notification
	// Scheduler on return, and the configured delay.
	Notifies       []string
	NotifyDelay    float64
	// Description is shown by the docs endpoint; optional.
	Description string
	// Call invokes the underlying function with the per-call Context.
	Call func(ctx *callctx.Context, p Params) (any, error)
}

// Subscribable reports whether the method was declared with @subscribes.
func (m Method) Subscribable() bool { return len(m.Channels) > 0 }

// Notifying reports whether the method was declared with @notifies.
func (m Method) Notifying() bool { return len(m.Notifies) > 0 }

// Service is a named bundle of remotely-callable methods.
type Service struct {
	Name      string
	Methods   map[string]Method
	AllowList map[string]struct{} // nil means "all non-underscore methods allowed"
}

// Callable reports whether name may be invoked remotely: it must exist,
// must not begin with "_", and (if an allow-list is set) must be in it.
func (s *Service) Callable(name string) bool {
	if strings.HasPrefix(name, "_") {
		return false
	}
	if _, ok := s.Methods[name]; !ok {
		return false
	}
	if s.AllowList == nil {
		return true
	}
	_, ok := s.AllowList[name]
	return ok
}

// Registry maps service names to Services and resolves qualified
// "service.method" strings. Registration happens during startup only;
// after that it is read-mostly and Resolve/Get take only a read lock.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Service
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{services: map[string]*Service{}}
}

// Register adds svc under its Name. Re-registering an existing name
// fails with ErrAlreadyExists unless override is true.
func (r *Registry) Register(svc *Service, override bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[svc.Name]; exists && !override {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, svc.Name)
	}
	r.services[svc.Name] = svc
	return nil
}

// Get returns the named service, or nil if not registered.
func (r *Registry) Get(name string) *Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.services[name]
}

// ServicesView returns the registered services for enumeration
// purposes (e.g. the docs endpoint). The returned map is a snapshot
// copy of the service pointers taken under the read lock, safe to
// range over; services registered after the call do not appear in it.
// The Service values themselves are not copied.
func (r *Registry) ServicesView() map[string]*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Service, len(r.services))
	for k, v := range r.services {
		out[k] = v
	}
	return out
}

// Resolve splits qualified into service and method, looks up both, and
// checks callability. qualified must contain exactly one ".".
func (r *Registry) Resolve(qualified string) (*Service, Method, error) {
	if strings.Count(qualified, ".") != 1 {
		return nil, Method{}, fmt.Errorf("%w: %q must contain exactly one \".\"", ErrUnknownMethod, qualified)
	}
	dot := strings.IndexByte(qualified, '.')
	serviceName, methodName := qualified[:dot], qualified[dot+1:]

	svc := r.Get(serviceName)
	if svc == nil {
		return nil, Method{}, fmt.Errorf("%w: %s", ErrUnknownService, serviceName)
	}
	if !svc.Callable(methodName) {
		method, exists := svc.Methods[methodName]
		if !exists {
			return nil, Method{}, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, serviceName, methodName)
		}
		_ = method
		return nil, Method{}, fmt.Errorf("%w: %s.%s", ErrForbidden, serviceName, methodName)
	}
	return svc, svc.Methods[methodName], nil
}
