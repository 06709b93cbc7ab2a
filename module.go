// Package modhost assembles a single running process out of independently
// built modules. Each module declares a name, dependencies on other modules,
// and an arbitrary subset of optional capabilities: own a database schema,
// expose REST routes, expose gRPC services, run a long-lived background task,
// host the gRPC server, host the HTTP gateway, or receive privileged
// pre/post-init hooks.
//
// The runtime discovers all registered modules, orders them by dependency,
// carries them through a fixed sequence of lifecycle phases, wires a
// type-keyed client hub between them, and spawns and supervises the modules
// configured to run as separate processes.
//
// Basic usage:
//
//	reg := modhost.NewRegistry()
//	reg.Register(modhost.Descriptor{Name: "billing", New: billing.New})
//	rt, err := modhost.New(
//		modhost.WithRegistry(reg),
//		modhost.WithLogger(logger),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := rt.Run(ctx); err != nil {
//		log.Fatal(err)
//	}
package modhost

import (
	"context"
	"sync"

	"github.com/go-chi/chi/v5"
	"google.golang.org/grpc"

	"github.com/GoCodeAlone/modhost/directory"
)

// Module is the one mandatory interface every hosted module implements.
// Everything else about a module is an optional capability, presence-tested
// once when the registry snapshot is built.
type Module interface {
	// Name returns the unique identifier for this module. It must match the
	// Name of the Descriptor the module was registered under and is used for
	// dependency resolution, config section lookup and directory entries.
	Name() string

	// Init initializes the module. It is called exactly once, after the
	// inits of every module this module depends on have completed, and
	// receives the only object a module ever gets from the runtime: its
	// ModuleContext. Init may block on I/O; its error aborts the whole
	// startup.
	Init(ctx *ModuleContext) error
}

// SystemModule is implemented by modules that need privileged hooks around
// the regular lifecycle. System modules are ordered before ordinary modules
// among independents, receive PreInit before any module's Init runs, and
// PostInit after every module has initialized and out-of-process modules have
// been spawned.
type SystemModule interface {
	// PreInit runs before any Init. It is synchronous and must not block on
	// I/O; its purpose is capturing the SystemContext (module manager,
	// registry snapshot, out-of-process module names) for later use.
	// An error aborts startup.
	PreInit(sys *SystemContext) error

	// PostInit runs after the spawn phase, once every module's contributions
	// are in place. It may block, and is the right place for global
	// validation steps such as flipping a registry from "accepting
	// registrations" to "validated". An error aborts startup.
	PostInit(ctx context.Context) error
}

// DatabaseModule is implemented by modules that own a database schema.
// The module only declares its migrations; the runtime applies them through
// the externally supplied database handle during the migrate phase.
type DatabaseModule interface {
	// Migrations returns the module's schema migrations in apply order.
	Migrations() []Migration
}

// Migration is a single schema migration step declared by a DatabaseModule.
// The content is opaque to the runtime; it is handed as-is to the database
// handle's migration runner.
type Migration struct {
	// ID identifies the migration for the runner's bookkeeping, e.g.
	// "0001_create_accounts".
	ID string

	// Up is the migration content, typically SQL.
	Up string
}

// DBHandle is the narrow database façade resolved per module by the runtime.
// The concrete implementation comes from the host's DatabaseProvider; modules
// needing a richer surface type-assert the handle to interfaces the provider
// documents.
type DBHandle interface {
	// ApplyMigrations applies the given migrations for the named module.
	// Implementations are expected to track already-applied IDs.
	ApplyMigrations(ctx context.Context, module string, migrations []Migration) error
}

// DatabaseProvider produces per-module database handles. It is an external
// collaborator; the runtime never opens connections itself.
type DatabaseProvider interface {
	ModuleDB(ctx context.Context, module string) (DBHandle, error)
}

// RestModule is implemented by modules that expose REST routes.
// Registration is synchronous and strictly sequential in snapshot order: the
// same router value is threaded through every REST module, so handlers must
// be attached, never served, here.
type RestModule interface {
	// RegisterRoutes attaches the module's routes to the shared router and
	// may describe them in the API registry for the gateway's listing
	// endpoint. It must not block on I/O and must not start listening.
	RegisterRoutes(ctx *ModuleContext, r chi.Router, api *APIRegistry) error
}

// GatewayModule is implemented by the single module (at most one per process)
// that owns the composed HTTP router. It wraps the router before and after
// the REST modules contribute their routes; actually listening happens
// through the module's Runnable capability, never here.
type GatewayModule interface {
	// PrepareRouter is called once before any RestModule registers routes,
	// typically to install global middleware.
	PrepareRouter(ctx *ModuleContext, r chi.Router) chi.Router

	// FinalizeRouter is called once after the last RestModule registered its
	// routes, typically to mount the health endpoint and API listing. The
	// returned router is the one the gateway must serve when started.
	FinalizeRouter(ctx *ModuleContext, r chi.Router) chi.Router
}

// HTTPHost is implemented by a gateway module that can report the base URL it
// is serving on once started. The runtime uses it to render the directory
// endpoint handed to out-of-process children.
type HTTPHost interface {
	// BaseURL returns the serving base URL, e.g. "http://127.0.0.1:8080",
	// and false while the listener is not bound yet.
	BaseURL() (string, bool)
}

// Runnable is implemented by modules that own a long-lived background task:
// servers, consumers, schedulers. All runnables are started concurrently
// during the start phase and stopped exactly once during shutdown, in
// reverse init order.
type Runnable interface {
	// Start runs the module's background work. It is invoked on its own
	// goroutine with the process-wide serving context; it must call
	// ready.Signal() once its own setup is complete (port bound, consumer
	// subscribed) and should then block until ctx is cancelled. The start
	// phase does not advance until every runnable has signaled ready; a
	// runnable that never signals fails the startup on a bounded timeout.
	Start(ctx context.Context, ready *Ready) error

	// Stop gracefully stops the module. It is called exactly once during
	// shutdown; the context carries the shutdown deadline. Errors are
	// logged, never fatal, so one failing module cannot prevent the rest
	// from stopping.
	Stop(ctx context.Context) error
}

// GrpcServiceModule is implemented by modules that expose gRPC services.
// The runtime collects registrations from all such modules concurrently
// during the RPC registration phase and hands the combined list to the grpc
// hub; a service name exposed by two modules is a fatal discovery-time error.
type GrpcServiceModule interface {
	GrpcServices(ctx context.Context) ([]GrpcServiceRegistration, error)
}

// GrpcServiceRegistration names one gRPC service and knows how to register
// its implementation with a server.
type GrpcServiceRegistration struct {
	// ServiceName is the fully qualified gRPC service name, e.g.
	// "billing.v1.InvoiceService". Unique per process.
	ServiceName string

	// Register attaches the service implementation to the given registrar.
	Register func(grpc.ServiceRegistrar)
}

// GrpcHubModule is implemented by the single module (at most one per process)
// that hosts the gRPC server for every collected service registration.
type GrpcHubModule interface {
	// RunGrpcHost hosts all collected services. The runtime launches it on
	// its own goroutine during the start phase; the hub must bind its
	// listener, record the bound endpoint, call ready.Signal() and serve
	// until ctx is cancelled.
	RunGrpcHost(ctx context.Context, services []GrpcServiceRegistration, ready *Ready) error

	// BoundEndpoint reports the endpoint the hub is actually serving on.
	// It returns false until the listener is bound. The runtime polls it
	// before spawning out-of-process modules so children receive a real
	// address.
	BoundEndpoint() (directory.Endpoint, bool)
}

// Ready is the one-shot readiness notification a Runnable (or the grpc hub)
// uses to tell the runtime it has finished its own setup. Signal is safe to
// call more than once and from any goroutine; only the first call counts.
type Ready struct {
	once sync.Once
	ch   chan struct{}
}

// NewReady returns an unsignaled readiness notification.
func NewReady() *Ready {
	return &Ready{ch: make(chan struct{})}
}

// Signal marks the owner as ready. Subsequent calls are no-ops.
func (r *Ready) Signal() {
	r.once.Do(func() { close(r.ch) })
}

// Done returns a channel closed once Signal has been called.
func (r *Ready) Done() <-chan struct{} {
	return r.ch
}

// Signaled reports whether Signal has been called.
func (r *Ready) Signaled() bool {
	select {
	case <-r.ch:
		return true
	default:
		return false
	}
}
