package modhost

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// ScopeGlobal is the scope used by the unscoped hub operations. Scoped
// registration exists for the "N implementations of one client interface"
// case, e.g. one storage client per configured provider.
const ScopeGlobal = "global"

type hubKey struct {
	clientType reflect.Type
	scope      string
}

// ClientHub is the process-wide, type-keyed registry modules use to share
// typed clients with each other. A key is the client's interface type plus an
// optional scope string; the value is the shared implementation.
//
// Producers register during their Init; consumers fetch during their own Init
// or later, which is safe because a module's Init never runs before the inits
// of all its dependencies have completed. A key is written at most once:
// re-registering it is an error, not an overwrite.
//
// Reads vastly outnumber writes, so the map is guarded by a RWMutex; after
// the init phase the hub is effectively read-only.
type ClientHub struct {
	mu      sync.RWMutex
	clients map[hubKey]any
}

// NewClientHub returns an empty hub. Each runtime owns exactly one; there is
// no package-level instance.
func NewClientHub() *ClientHub {
	return &ClientHub{clients: make(map[hubKey]any)}
}

func typeKey[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func (h *ClientHub) register(t reflect.Type, scope string, impl any) error {
	if impl == nil {
		return fmt.Errorf("%w: %s[%s]", ErrHubNilClient, t, scope)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	key := hubKey{clientType: t, scope: scope}
	if _, exists := h.clients[key]; exists {
		return fmt.Errorf("%w: %s[%s]", ErrHubDuplicateClient, t, scope)
	}
	h.clients[key] = impl
	return nil
}

func (h *ClientHub) lookup(t reflect.Type, scope string) (any, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	impl, ok := h.clients[hubKey{clientType: t, scope: scope}]
	return impl, ok
}

// Clear removes every registered client. Intended for tests.
func (h *ClientHub) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients = make(map[hubKey]any)
}

// Len returns the number of registered (type, scope) keys.
func (h *ClientHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HubRegister stores impl as the global-scope implementation of T.
// The same instance is handed back to every getter, so implementations must
// be safe for concurrent use.
func HubRegister[T any](h *ClientHub, impl T) error {
	return HubRegisterScoped(h, ScopeGlobal, impl)
}

// HubRegisterScoped stores impl as the implementation of T under the given
// scope. Registering an occupied (T, scope) key returns ErrHubDuplicateClient.
func HubRegisterScoped[T any](h *ClientHub, scope string, impl T) error {
	return h.register(typeKey[T](), scope, impl)
}

// HubGet retrieves the global-scope implementation of T, failing with
// ErrHubNotRegistered if no producer has registered one. By the phase
// ordering rules this only happens on a wiring mistake: consumers run after
// their producers.
func HubGet[T any](h *ClientHub) (T, error) {
	return HubGetScoped[T](h, ScopeGlobal)
}

// HubGetScoped retrieves the implementation of T registered under scope.
func HubGetScoped[T any](h *ClientHub, scope string) (T, error) {
	impl, ok := h.lookup(typeKey[T](), scope)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s[%s]", ErrHubNotRegistered, typeKey[T](), scope)
	}
	return impl.(T), nil
}

// HubRemove deletes the (T, scope) key, reporting whether it was present.
// Removal exists for tests and for tearing down scoped plugins; steady-state
// code never removes entries.
func HubRemove[T any](h *ClientHub, scope string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := hubKey{clientType: typeKey[T](), scope: scope}
	_, ok := h.clients[key]
	delete(h.clients, key)
	return ok
}

// HubScopes lists the scopes T is registered under, sorted. A scoped selector
// typically resolves by inspecting this list.
func HubScopes[T any](h *ClientHub) []string {
	t := typeKey[T]()
	h.mu.RLock()
	defer h.mu.RUnlock()
	var scopes []string
	for key := range h.clients {
		if key.clientType == t {
			scopes = append(scopes, key.scope)
		}
	}
	sort.Strings(scopes)
	return scopes
}
