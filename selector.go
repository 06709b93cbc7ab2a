package modhost

import (
	"context"
	"sync"
)

// Selector resolves "which of several registered implementations should this
// process use" exactly once, no matter how many callers ask concurrently.
//
// The first Get invokes the resolution function; every concurrent caller
// blocks on that same resolution and receives the same value (single-flight).
// Later calls hit a read-locked cache. Reset clears the cache so the next Get
// re-resolves, which is how configuration changes or plugin re-selection are
// picked up without restarting the process.
//
// Resolution errors are returned to the caller but never cached: the next Get
// retries from scratch.
type Selector[T any] struct {
	// mu guards the cached value on the fast path.
	mu     sync.RWMutex
	cached *T

	// resolveMu serializes the slow path so the resolution function runs at
	// most once per generation even under contention.
	resolveMu sync.Mutex

	resolve func(ctx context.Context) (T, error)
}

// NewSelector returns a selector that resolves its value with fn.
// fn may block (network lookups, config reads); it runs at most once per
// generation.
func NewSelector[T any](fn func(ctx context.Context) (T, error)) *Selector[T] {
	return &Selector[T]{resolve: fn}
}

// NewHubSelector returns a selector that picks a scope with choose and then
// fetches the implementation of T registered in the hub under that scope.
// This is the usual shape for plugin selection: N producers register under
// their own scopes during init, and the first consumer call decides which
// scope wins.
func NewHubSelector[T any](hub *ClientHub, choose func(ctx context.Context, scopes []string) (string, error)) *Selector[T] {
	return NewSelector(func(ctx context.Context) (T, error) {
		scope, err := choose(ctx, HubScopes[T](hub))
		if err != nil {
			var zero T
			return zero, err
		}
		return HubGetScoped[T](hub, scope)
	})
}

// Get returns the resolved value, resolving it on first use.
func (s *Selector[T]) Get(ctx context.Context) (T, error) {
	s.mu.RLock()
	if v := s.cached; v != nil {
		s.mu.RUnlock()
		return *v, nil
	}
	s.mu.RUnlock()

	s.resolveMu.Lock()
	defer s.resolveMu.Unlock()

	// Another caller may have resolved while this one waited for the mutex.
	s.mu.RLock()
	if v := s.cached; v != nil {
		s.mu.RUnlock()
		return *v, nil
	}
	s.mu.RUnlock()

	v, err := s.resolve(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	s.mu.Lock()
	s.cached = &v
	s.mu.Unlock()
	return v, nil
}

// Peek returns the cached value without triggering resolution.
func (s *Selector[T]) Peek() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cached == nil {
		var zero T
		return zero, false
	}
	return *s.cached, true
}

// Reset drops the cached value and reports whether one was present.
// The next Get re-runs the resolution function exactly once.
func (s *Selector[T]) Reset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	had := s.cached != nil
	s.cached = nil
	return had
}
