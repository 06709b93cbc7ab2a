// Package orchestrator provides the host's control-plane module. It exposes
// the directory over HTTP for out-of-process children, publishes the
// directory API in the client hub for in-process callers, serves a merged
// listing of discovered modules and their live instances, and flips the
// readiness endpoint once post-init has completed.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/directory"
)

// ModuleName is the name the orchestrator registers under.
const ModuleName = "orchestrator"

// ErrNoSystemContext is returned when lifecycle hooks run without PreInit
// having captured the system context first.
var ErrNoSystemContext = errors.New("orchestrator: system context not captured")

// ModuleStatus is one row of the modules listing: the static descriptor side
// by side with the live instances the directory knows for it.
type ModuleStatus struct {
	Module       string                   `json:"module"`
	Version      string                   `json:"version,omitempty"`
	Capabilities []string                 `json:"capabilities"`
	Dependencies []string                 `json:"dependencies,omitempty"`
	OutOfProcess bool                     `json:"outOfProcess"`
	Instances    []directory.InstanceInfo `json:"instances"`
}

// Module implements the system and REST capabilities.
type Module struct {
	logger modhost.Logger
	sys    *modhost.SystemContext
	oop    map[string]bool
	ready  atomic.Bool
}

// New constructs the orchestrator module.
func New() *Module {
	return &Module{}
}

// Name implements modhost.Module.
func (m *Module) Name() string { return ModuleName }

// PreInit captures the system context before any module initializes.
func (m *Module) PreInit(sys *modhost.SystemContext) error {
	m.sys = sys
	m.oop = make(map[string]bool)
	for _, name := range sys.OutOfProcess() {
		m.oop[name] = true
	}
	return nil
}

// Init publishes the directory API in the hub so in-process modules resolve
// services without knowing the manager type.
func (m *Module) Init(ctx *modhost.ModuleContext) error {
	m.logger = ctx.Logger()
	if m.sys == nil {
		return ErrNoSystemContext
	}
	return modhost.HubRegister[directory.API](ctx.Hub(), m.sys.Directory())
}

// PostInit flips the readiness endpoint. Everything before it has finished,
// so from here on callers may trust what the control plane reports.
func (m *Module) PostInit(context.Context) error {
	if m.sys == nil {
		return ErrNoSystemContext
	}
	m.ready.Store(true)
	return nil
}

// RegisterRoutes mounts the directory wire surface and the host's
// introspection routes. The paths mirror what directory.Client speaks.
func (m *Module) RegisterRoutes(_ *modhost.ModuleContext, r chi.Router, api *modhost.APIRegistry) error {
	r.Route("/directory", func(r chi.Router) {
		r.Post("/instances", m.handleRegister)
		r.Get("/instances", m.handleList)
		r.Delete("/instances/{module}/{instance}", m.handleDeregister)
		r.Post("/instances/{module}/{instance}/heartbeat", m.handleHeartbeat)
		r.Get("/services/{service}", m.handleResolve)
	})
	r.Get("/modules", m.handleModules)
	r.Get("/readyz", m.handleReady)

	for _, route := range []modhost.APIRoute{
		{Method: http.MethodPost, Pattern: "/directory/instances", Description: "register a module instance"},
		{Method: http.MethodGet, Pattern: "/directory/instances", Description: "list module instances"},
		{Method: http.MethodDelete, Pattern: "/directory/instances/{module}/{instance}", Description: "deregister a module instance"},
		{Method: http.MethodPost, Pattern: "/directory/instances/{module}/{instance}/heartbeat", Description: "heartbeat a module instance"},
		{Method: http.MethodGet, Pattern: "/directory/services/{service}", Description: "resolve a grpc service endpoint"},
		{Method: http.MethodGet, Pattern: "/modules", Description: "list discovered modules and live instances"},
		{Method: http.MethodGet, Pattern: "/readyz", Description: "host readiness"},
	} {
		route.Module = ModuleName
		api.Add(route)
	}
	return nil
}

func (m *Module) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg directory.Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := m.sys.Directory().RegisterInstance(r.Context(), reg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

func (m *Module) handleDeregister(w http.ResponseWriter, r *http.Request) {
	module := chi.URLParam(r, "module")
	instance := chi.URLParam(r, "instance")
	if err := m.sys.Directory().DeregisterInstance(r.Context(), module, instance); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

func (m *Module) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	module := chi.URLParam(r, "module")
	instance := chi.URLParam(r, "instance")
	if err := m.sys.Directory().SendHeartbeat(r.Context(), module, instance); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (m *Module) handleList(w http.ResponseWriter, r *http.Request) {
	instances, err := m.sys.Directory().ListInstances(r.Context(), r.URL.Query().Get("module"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if instances == nil {
		instances = []directory.InstanceInfo{}
	}
	writeJSON(w, http.StatusOK, instances)
}

func (m *Module) handleResolve(w http.ResponseWriter, r *http.Request) {
	endpoint, err := m.sys.Directory().ResolveGrpcService(r.Context(), chi.URLParam(r, "service"))
	if err != nil {
		if errors.Is(err, directory.ErrServiceNotFound) {
			writeError(w, http.StatusNotFound, err)
		} else {
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]directory.Endpoint{"endpoint": endpoint})
}

func (m *Module) handleModules(w http.ResponseWriter, r *http.Request) {
	snap := m.sys.Snapshot()
	out := make([]ModuleStatus, 0, snap.Len()+len(m.oop))
	for _, entry := range snap.Entries() {
		name := entry.Descriptor.Name
		out = append(out, ModuleStatus{
			Module:       name,
			Version:      entry.Descriptor.Version,
			Capabilities: entry.Capabilities.Tags(),
			Dependencies: entry.Descriptor.Dependencies,
			Instances:    m.instancesFor(r.Context(), name),
		})
	}
	for _, name := range m.sys.OutOfProcess() {
		out = append(out, ModuleStatus{
			Module:       name,
			Capabilities: []string{},
			OutOfProcess: true,
			Instances:    m.instancesFor(r.Context(), name),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (m *Module) instancesFor(ctx context.Context, module string) []directory.InstanceInfo {
	instances, err := m.sys.Directory().ListInstances(ctx, module)
	if err != nil || instances == nil {
		return []directory.InstanceInfo{}
	}
	return instances
}

func (m *Module) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !m.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
