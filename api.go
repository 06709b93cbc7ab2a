package modhost

import (
	"sort"
	"sync"
)

// APIRoute describes one REST route a module mounted on the gateway.
type APIRoute struct {
	Module      string `json:"module"`
	Method      string `json:"method"`
	Pattern     string `json:"pattern"`
	Description string `json:"description,omitempty"`
}

// APIRegistry collects the routes modules mount during the REST phase so the
// host can expose a single listing of its HTTP surface. Modules add their
// routes from RegisterRoutes; the gateway serves the listing.
type APIRegistry struct {
	mu     sync.Mutex
	routes []APIRoute
}

// NewAPIRegistry creates an empty registry.
func NewAPIRegistry() *APIRegistry {
	return &APIRegistry{}
}

// Add records one route.
func (r *APIRegistry) Add(route APIRoute) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route)
}

// Routes returns the recorded routes sorted by module, pattern, and method.
func (r *APIRegistry) Routes() []APIRoute {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]APIRoute(nil), r.routes...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		if out[i].Pattern != out[j].Pattern {
			return out[i].Pattern < out[j].Pattern
		}
		return out[i].Method < out[j].Method
	})
	return out
}
