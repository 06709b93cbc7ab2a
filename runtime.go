package modhost

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/GoCodeAlone/modhost/backend"
	"github.com/GoCodeAlone/modhost/directory"
)

// Bounded waits the runtime applies when no option overrides them.
const (
	// DefaultStartTimeout caps the readiness barrier of the start phase. A
	// runnable that has not signaled ready by then fails the startup.
	DefaultStartTimeout = 30 * time.Second

	// DefaultShutdownTimeout caps the whole shutdown sequence when the
	// caller's context carries no deadline of its own.
	DefaultShutdownTimeout = 15 * time.Second

	endpointPollInterval = 10 * time.Millisecond
	endpointWaitTimeout  = 5 * time.Second
)

// ProcessBackend is the runtime's view of the out-of-process backend: spawn
// during the spawn phase, terminate everything once at shutdown.
// *backend.LocalProcessBackend is the stock implementation.
type ProcessBackend interface {
	Spawn(ctx context.Context, cfg backend.SpawnConfig) (backend.InstanceHandle, error)
	StopInstance(ctx context.Context, module, instanceID string) error
	ListInstances(module string) []backend.InstanceHandle
	ShutdownAll(ctx context.Context) error
}

type runState int

const (
	stateNew runState = iota
	stateStarting
	stateRunning
	stateStopped
)

// startedTask is one background task launched during the start phase: a
// runnable module or the grpc hub's serving loop. Tasks are tracked in init
// order so shutdown can walk them in reverse.
type startedTask struct {
	name  string
	start func(ctx context.Context, ready *Ready) error
	stop  func(ctx context.Context) error // nil for purely ctx-driven tasks

	ready   *Ready
	done    chan error
	exited  bool
	exitErr error
}

// HostRuntime is the phase-sequencing engine. It discovers the registered
// modules, drives them through the lifecycle phases in order, registers the
// resulting in-process instances with the module directory, spawns the
// modules configured to run out of process, and tears everything down on
// cancellation.
//
// A runtime is built with New, runs once, and is not reusable after
// Shutdown. All collaborators are injected; the runtime holds no
// package-level state, so independent runtimes can coexist in one process.
type HostRuntime struct {
	logger  Logger
	hub     *ClientHub
	events  *EventBus
	api     *APIRegistry
	reg     *Registry
	config  ConfigProvider
	db      DatabaseProvider
	dir     *directory.Manager
	backend ProcessBackend

	instanceID      string
	startTimeout    time.Duration
	shutdownTimeout time.Duration
	dirEndpoint     string
	oopExplicit     []OopModuleConfig
	sweepDirectory  bool
	watchConfig     bool

	mu    sync.Mutex
	state runState

	snapshot *Snapshot
	runCtx   context.Context
	cancel   context.CancelFunc

	ctxMu    sync.Mutex
	contexts map[string]*ModuleContext

	tasks          []*startedTask
	oopNames       []string
	oopPlans       map[string]OopModuleConfig
	moduleServices map[string][]string
	registered     []string
	watcher        *ConfigWatcher
}

// New builds a host runtime from options. WithRegistry is mandatory;
// everything else has a working default.
func New(opts ...Option) (*HostRuntime, error) {
	rt := &HostRuntime{
		instanceID:      newTimeOrderedID(),
		startTimeout:    DefaultStartTimeout,
		shutdownTimeout: DefaultShutdownTimeout,
		api:             NewAPIRegistry(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.reg == nil {
		return nil, ErrRegistryRequired
	}
	if rt.logger == nil {
		rt.logger = NewSlogLogger(nil)
	}
	if rt.hub == nil {
		rt.hub = NewClientHub()
	}
	if rt.events == nil {
		rt.events = NewEventBus(rt.logger)
	}
	if rt.dir == nil {
		rt.dir = directory.NewManager(rt.logger)
	}
	return rt, nil
}

// Hub returns the process-wide client hub.
func (rt *HostRuntime) Hub() *ClientHub { return rt.hub }

// Directory returns the module manager.
func (rt *HostRuntime) Directory() *directory.Manager { return rt.dir }

// Events returns the host event bus.
func (rt *HostRuntime) Events() *EventBus { return rt.events }

// API returns the registry of REST routes modules have mounted.
func (rt *HostRuntime) API() *APIRegistry { return rt.api }

// InstanceID returns the process-wide instance id shared by all in-process
// modules.
func (rt *HostRuntime) InstanceID() string { return rt.instanceID }

// Snapshot returns the discovered module snapshot. It is nil until Startup
// has run discovery.
func (rt *HostRuntime) Snapshot() *Snapshot { return rt.snapshot }

// Done returns a channel closed when the runtime's root context has been
// cancelled. It must not be called before a successful Startup.
func (rt *HostRuntime) Done() <-chan struct{} { return rt.runCtx.Done() }

// Startup drives the full startup sequence: discovery, pre-init, init,
// migrations, REST and RPC registration, the start barrier, out-of-process
// spawning, and post-init. Any failure rolls back whatever already started
// and returns the cause; the host never serves partially initialized.
func (rt *HostRuntime) Startup(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state != stateNew {
		rt.mu.Unlock()
		return ErrAlreadyStarted
	}
	rt.state = stateStarting
	rt.mu.Unlock()

	if err := rt.startup(ctx); err != nil {
		rt.events.Emit(context.Background(), EventTypeHostFailed,
			map[string]any{"error": err.Error()}, nil)
		rt.abort(err)
		return err
	}
	return nil
}

func (rt *HostRuntime) startup(parent context.Context) error {
	snap, err := rt.reg.Discover()
	if err != nil {
		return err
	}
	rt.snapshot = snap
	for _, entry := range snap.Entries() {
		rt.logger.Info("module discovered",
			"module", entry.Descriptor.Name,
			"capabilities", entry.Capabilities.Tags(),
			"dependencies", entry.Descriptor.Dependencies)
		rt.events.Emit(parent, EventTypeModuleDiscovered, map[string]any{
			"module":       entry.Descriptor.Name,
			"capabilities": entry.Capabilities.Tags(),
		}, nil)
	}

	if err := rt.resolveDeployment(); err != nil {
		return err
	}

	rt.runCtx, rt.cancel = context.WithCancel(parent)
	rt.contexts = make(map[string]*ModuleContext, snap.Len())
	if rt.backend == nil && len(rt.oopNames) > 0 {
		rt.backend = backend.NewLocalProcessBackend(rt.runCtx, rt.logger,
			backend.WithExitHandler(rt.onInstanceExit))
	}

	sys := NewSystemContext(rt.dir, snap, rt.oopNames)
	if err := rt.preInitPhase(sys); err != nil {
		return err
	}
	if err := rt.initPhase(); err != nil {
		return err
	}
	rt.registerObservers()
	if err := rt.migratePhase(); err != nil {
		return err
	}
	if err := rt.restPhase(); err != nil {
		return err
	}
	services, err := rt.rpcPhase()
	if err != nil {
		return err
	}
	if err := rt.startPhase(services); err != nil {
		return err
	}
	if err := rt.registerInstances(); err != nil {
		return err
	}
	if err := rt.spawnPhase(); err != nil {
		return err
	}
	if err := rt.postInitPhase(); err != nil {
		return err
	}
	rt.beginServing()
	return nil
}

// abort tears down whatever a failed startup already brought up.
func (rt *HostRuntime) abort(cause error) {
	rt.logger.Error("startup failed, rolling back", "error", cause)

	ctx, cancel := context.WithTimeout(context.Background(), rt.shutdownTimeout)
	defer cancel()

	rt.deregisterInstances(ctx)
	rt.stopTasks(ctx)
	if rt.backend != nil {
		if err := rt.backend.ShutdownAll(ctx); err != nil {
			rt.logger.Error("backend shutdown failed during rollback", "error", err)
		}
	}

	rt.mu.Lock()
	rt.state = stateStopped
	rt.mu.Unlock()
}

// Run is the blocking entry point: it starts the host, serves until the
// context is cancelled or the process receives SIGINT/SIGTERM, and then
// shuts down. It returns the startup error, if any; shutdown is best-effort
// and only logs.
func (rt *HostRuntime) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Startup(sigCtx); err != nil {
		return err
	}

	<-rt.runCtx.Done()
	// Restore default signal handling so a second signal kills immediately.
	stop()

	shCtx, cancel := context.WithTimeout(context.Background(), rt.shutdownTimeout)
	defer cancel()
	return rt.Shutdown(shCtx)
}

// Shutdown stops the host: runnable modules are stopped exactly once in
// reverse init order, the root context is cancelled, out-of-process children
// are terminated, and the host's directory entries are removed. Individual
// stop failures are logged and never stop the rest of the sequence. Calling
// Shutdown again after it completed is a no-op.
func (rt *HostRuntime) Shutdown(ctx context.Context) error {
	rt.mu.Lock()
	switch rt.state {
	case stateNew, stateStarting:
		rt.mu.Unlock()
		return ErrNotStarted
	case stateStopped:
		rt.mu.Unlock()
		return nil
	case stateRunning:
	}
	rt.state = stateStopped
	rt.mu.Unlock()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.shutdownTimeout)
		defer cancel()
	}

	rt.logger.Info("host shutting down")
	if rt.watcher != nil {
		_ = rt.watcher.Close()
	}
	rt.deregisterInstances(ctx)
	rt.stopTasks(ctx)
	if rt.backend != nil {
		if err := rt.backend.ShutdownAll(ctx); err != nil {
			rt.logger.Error("backend shutdown failed", "error", err)
		}
	}

	rt.events.Emit(context.Background(), EventTypeHostStopped, nil, nil)
	rt.logger.Info("host stopped")
	return nil
}

// stopTasks stops started tasks in reverse init order, then cancels the root
// context and waits for their goroutines to return.
func (rt *HostRuntime) stopTasks(ctx context.Context) {
	for i := len(rt.tasks) - 1; i >= 0; i-- {
		t := rt.tasks[i]
		if t.stop == nil || t.exited {
			continue
		}
		if err := t.stop(ctx); err != nil {
			rt.logger.Error("module stop failed", "module", t.name, "error", err)
		}
	}

	if rt.cancel != nil {
		rt.cancel()
	}

	for i := len(rt.tasks) - 1; i >= 0; i-- {
		t := rt.tasks[i]
		if !t.exited {
			select {
			case err := <-t.done:
				t.exited = true
				t.exitErr = err
			case <-ctx.Done():
				rt.logger.Warn("timed out waiting for module to exit", "module", t.name)
			}
		}
		if t.exitErr != nil && !errors.Is(t.exitErr, context.Canceled) {
			rt.logger.Warn("module exited with error", "module", t.name, "error", t.exitErr)
		}
		rt.events.Emit(context.Background(), EventTypeModuleStopped,
			map[string]any{"module": t.name}, nil)
	}
}

// deregisterInstances removes the host's own entries from the directory.
func (rt *HostRuntime) deregisterInstances(ctx context.Context) {
	for _, name := range rt.registered {
		if err := rt.dir.DeregisterInstance(ctx, name, rt.instanceID); err != nil {
			rt.logger.Debug("deregistration failed", "module", name, "error", err)
		}
	}
	rt.registered = nil
}

// onInstanceExit reports a child process that died on its own. The host keeps
// serving; the dead child just disappears from the backend and its directory
// entry goes stale until the sweep demotes it.
func (rt *HostRuntime) onInstanceExit(handle backend.InstanceHandle, err error) {
	data := map[string]any{
		"module":   handle.Module,
		"instance": handle.InstanceID,
		"pid":      handle.PID,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	rt.events.Emit(context.Background(), EventTypeInstanceExited, data, nil)
}

// heartbeatLoop keeps the host's directory entries healthy until shutdown.
// It works on its own copy of the module names; heartbeats racing a
// deregistration are harmless because unknown instances are a no-op.
func (rt *HostRuntime) heartbeatLoop(names []string) {
	ticker := time.NewTicker(directory.DefaultHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.runCtx.Done():
			return
		case <-ticker.C:
			for _, name := range names {
				_ = rt.dir.SendHeartbeat(rt.runCtx, name, rt.instanceID)
			}
		}
	}
}
