package modhost

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/GoCodeAlone/modhost/backend"
	"github.com/GoCodeAlone/modhost/directory"
)

// resolveDeployment decides which modules run out of process. An explicit
// plan from options wins; otherwise the config provider is probed for the
// DeploymentPlanner capability. A module both discovered in-process and
// planned out-of-process is a configuration contradiction and fatal.
func (rt *HostRuntime) resolveDeployment() error {
	plans := make(map[string]OopModuleConfig)
	var names []string

	switch {
	case len(rt.oopExplicit) > 0:
		for _, plan := range rt.oopExplicit {
			if plan.Module == "" {
				return fmt.Errorf("%w: out-of-process plan missing module name", ErrDiscovery)
			}
			if _, dup := plans[plan.Module]; dup {
				return fmt.Errorf("%w: %w: out-of-process module %s", ErrDiscovery, ErrDuplicateModule, plan.Module)
			}
			plans[plan.Module] = plan
			names = append(names, plan.Module)
		}
	case rt.config != nil:
		if planner, ok := rt.config.(DeploymentPlanner); ok {
			for _, name := range planner.OutOfProcess() {
				plan, ok := planner.OopModule(name)
				if !ok {
					return fmt.Errorf("%w: no launch config for out-of-process module %s", ErrDiscovery, name)
				}
				plans[name] = plan
				names = append(names, name)
			}
		}
	}

	for _, name := range names {
		if _, linked := rt.snapshot.Lookup(name); linked {
			return fmt.Errorf("%w: %s", ErrDeploymentConflict, name)
		}
	}

	rt.oopNames = names
	rt.oopPlans = plans
	return nil
}

func (rt *HostRuntime) preInitPhase(sys *SystemContext) error {
	for _, entry := range rt.snapshot.SystemModules() {
		name := entry.Descriptor.Name
		if err := entry.Module.(SystemModule).PreInit(sys); err != nil {
			rt.emitModuleFailed(name, "pre-init", err)
			return fmt.Errorf("%w: %s: %w", ErrPreInitFailed, name, err)
		}
		rt.logger.Debug("pre-init complete", "module", name)
	}
	return nil
}

// initPhase initializes every module exactly once. Modules wait on the
// completion of each declared dependency and otherwise run concurrently; the
// first failure cancels the phase and modules downstream of it never run.
func (rt *HostRuntime) initPhase() error {
	snap := rt.snapshot

	type initState struct {
		done    chan struct{}
		err     error
		skipped bool
	}
	states := make(map[string]*initState, snap.Len())
	for _, name := range snap.Order() {
		states[name] = &initState{done: make(chan struct{})}
	}

	phaseCtx, cancelPhase := context.WithCancel(rt.runCtx)
	defer cancelPhase()

	var wg sync.WaitGroup
	for _, entry := range snap.Entries() {
		entry := entry
		st := states[entry.Descriptor.Name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(st.done)

			for _, dep := range entry.Descriptor.Dependencies {
				depState := states[dep]
				select {
				case <-depState.done:
					if depState.err != nil || depState.skipped {
						st.skipped = true
						return
					}
				case <-phaseCtx.Done():
					st.skipped = true
					return
				}
			}

			name := entry.Descriptor.Name
			mctx, err := rt.buildModuleContext(phaseCtx, entry)
			if err != nil {
				st.err = err
				cancelPhase()
				return
			}
			if err := entry.Module.Init(mctx); err != nil {
				st.err = fmt.Errorf("%w: %s: %w", ErrInitFailed, name, err)
				cancelPhase()
				return
			}
			rt.storeContext(name, mctx)
			rt.logger.Debug("module initialized", "module", name)
			rt.events.Emit(phaseCtx, EventTypeModuleInitialized,
				map[string]any{"module": name}, nil)
		}()
	}
	wg.Wait()

	for _, name := range snap.Order() {
		if err := states[name].err; err != nil {
			rt.emitModuleFailed(name, "init", err)
			return err
		}
	}
	if err := rt.runCtx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInitFailed, err)
	}
	rt.logger.Info("init phase complete", "modules", snap.Len())
	return nil
}

// buildModuleContext assembles the context a module's Init receives. The
// database handle is resolved here, per module, only for modules declaring
// the database capability.
func (rt *HostRuntime) buildModuleContext(ctx context.Context, entry *ModuleEntry) (*ModuleContext, error) {
	name := entry.Descriptor.Name

	var db DBHandle
	if entry.Capabilities.Database && rt.db != nil {
		handle, err := rt.db.ModuleDB(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: resolving database: %w", ErrInitFailed, name, err)
		}
		db = handle
	}

	return NewModuleContext(ModuleContextConfig{
		Name:       name,
		InstanceID: rt.instanceID,
		Hub:        rt.hub,
		Context:    rt.runCtx,
		Config:     rt.config,
		DB:         db,
		Logger:     rt.logger,
	}), nil
}

func (rt *HostRuntime) storeContext(name string, mctx *ModuleContext) {
	rt.ctxMu.Lock()
	rt.contexts[name] = mctx
	rt.ctxMu.Unlock()
}

func (rt *HostRuntime) moduleContext(name string) *ModuleContext {
	rt.ctxMu.Lock()
	defer rt.ctxMu.Unlock()
	return rt.contexts[name]
}

// registerObservers gives observable modules their chance to subscribe to
// host events. Subscription failures are logged, not fatal: watching the
// lifecycle is auxiliary to it.
func (rt *HostRuntime) registerObservers() {
	for _, entry := range rt.snapshot.ObservableModules() {
		if err := entry.Module.(ObservableModule).RegisterObservers(rt.events); err != nil {
			rt.logger.Error("observer registration failed",
				"module", entry.Descriptor.Name, "error", err)
		}
	}
}

// migratePhase applies each database module's migrations through its
// resolved handle. Modules are independent here, so ordering across modules
// is just snapshot order for determinism.
func (rt *HostRuntime) migratePhase() error {
	for _, entry := range rt.snapshot.DatabaseModules() {
		name := entry.Descriptor.Name
		migrations := entry.Module.(DatabaseModule).Migrations()
		if len(migrations) == 0 {
			continue
		}

		handle, ok := rt.moduleContext(name).DB()
		if !ok {
			return fmt.Errorf("%w: %s: no database provider configured", ErrMigrationFailed, name)
		}
		if err := handle.ApplyMigrations(rt.runCtx, name, migrations); err != nil {
			rt.emitModuleFailed(name, "migrate", err)
			return fmt.Errorf("%w: %s: %w", ErrMigrationFailed, name, err)
		}
		rt.logger.Info("migrations applied", "module", name, "count", len(migrations))
	}
	return nil
}

// restPhase threads one router value through every REST module in snapshot
// order, wrapped by the gateway's prepare and finalize hooks. The composed
// router is served by the gateway module itself once started.
func (rt *HostRuntime) restPhase() error {
	restMods := rt.snapshot.RestModules()
	gwEntry, hasGateway := rt.snapshot.Gateway()
	if len(restMods) == 0 && !hasGateway {
		return nil
	}
	if !hasGateway {
		return fmt.Errorf("%w: %d rest modules without a gateway", ErrGatewayRequired, len(restMods))
	}

	if err := HubRegister(rt.hub, rt.api); err != nil {
		return fmt.Errorf("%w: publishing api registry: %w", ErrRestFailed, err)
	}

	gw := gwEntry.Module.(GatewayModule)
	gwCtx := rt.moduleContext(gwEntry.Descriptor.Name)

	var router chi.Router = chi.NewRouter()
	router = gw.PrepareRouter(gwCtx, router)
	for _, entry := range restMods {
		name := entry.Descriptor.Name
		if err := entry.Module.(RestModule).RegisterRoutes(rt.moduleContext(name), router, rt.api); err != nil {
			rt.emitModuleFailed(name, "rest", err)
			return fmt.Errorf("%w: %s: %w", ErrRestFailed, name, err)
		}
		rt.logger.Debug("rest routes registered", "module", name)
	}
	gw.FinalizeRouter(gwCtx, router)

	rt.logger.Info("rest phase complete", "modules", len(restMods), "routes", len(rt.api.Routes()))
	return nil
}

// rpcPhase collects grpc service registrations from all exposing modules
// concurrently and merges them in snapshot order. Each service name must be
// unique across the process.
func (rt *HostRuntime) rpcPhase() ([]GrpcServiceRegistration, error) {
	rt.moduleServices = make(map[string][]string)

	mods := rt.snapshot.GrpcServiceModules()
	if len(mods) == 0 {
		return nil, nil
	}
	if _, hasHub := rt.snapshot.GrpcHub(); !hasHub {
		return nil, fmt.Errorf("%w: %d modules expose grpc services", ErrGrpcHubRequired, len(mods))
	}

	type rpcResult struct {
		services []GrpcServiceRegistration
		err      error
	}
	results := make(map[string]*rpcResult, len(mods))
	var wg sync.WaitGroup
	var resultMu sync.Mutex
	for _, entry := range mods {
		entry := entry
		wg.Add(1)
		go func() {
			defer wg.Done()
			services, err := entry.Module.(GrpcServiceModule).GrpcServices(rt.runCtx)
			resultMu.Lock()
			results[entry.Descriptor.Name] = &rpcResult{services: services, err: err}
			resultMu.Unlock()
		}()
	}
	wg.Wait()

	var combined []GrpcServiceRegistration
	owners := make(map[string]string)
	for _, entry := range mods {
		name := entry.Descriptor.Name
		res := results[name]
		if res.err != nil {
			rt.emitModuleFailed(name, "rpc", res.err)
			return nil, fmt.Errorf("%w: %s: %w", ErrRpcFailed, name, res.err)
		}
		for _, svc := range res.services {
			if owner, dup := owners[svc.ServiceName]; dup {
				return nil, fmt.Errorf("%w: %s exposed by %s and %s",
					ErrDuplicateGrpcService, svc.ServiceName, owner, name)
			}
			owners[svc.ServiceName] = name
			combined = append(combined, svc)
			rt.moduleServices[name] = append(rt.moduleServices[name], svc.ServiceName)
		}
	}

	rt.logger.Info("grpc services collected", "services", len(combined), "modules", len(mods))
	return combined, nil
}

// startPhase launches every runnable module and the grpc hub concurrently,
// then blocks on the readiness barrier: it does not return until every task
// signaled ready, one failed, or the start timeout elapsed.
func (rt *HostRuntime) startPhase(services []GrpcServiceRegistration) error {
	hubEntry, hasHub := rt.snapshot.GrpcHub()

	var items []*startedTask
	for _, entry := range rt.snapshot.Entries() {
		name := entry.Descriptor.Name
		if hasHub && entry == hubEntry {
			hub := entry.Module.(GrpcHubModule)
			items = append(items, &startedTask{
				name: name,
				start: func(ctx context.Context, ready *Ready) error {
					return hub.RunGrpcHost(ctx, services, ready)
				},
			})
		}
		if entry.Capabilities.Runnable {
			r := entry.Module.(Runnable)
			items = append(items, &startedTask{
				name:  name,
				start: r.Start,
				stop:  r.Stop,
			})
		}
	}
	if len(items) == 0 {
		return nil
	}

	for _, it := range items {
		it := it
		it.ready = NewReady()
		it.done = make(chan error, 1)
		rt.tasks = append(rt.tasks, it)
		go func() {
			it.done <- it.start(rt.runCtx, it.ready)
		}()
	}

	timeout := time.NewTimer(rt.startTimeout)
	defer timeout.Stop()
	for _, it := range items {
		select {
		case <-it.ready.Done():
		case err := <-it.done:
			it.exited = true
			it.exitErr = err
			if err != nil {
				rt.emitModuleFailed(it.name, "start", err)
				return fmt.Errorf("%w: %s: %w", ErrStartFailed, it.name, err)
			}
			if !it.ready.Signaled() {
				return fmt.Errorf("%w: %s returned before signaling ready", ErrStartFailed, it.name)
			}
		case <-timeout.C:
			return fmt.Errorf("%w: %s not ready after %s", ErrStartTimeout, it.name, rt.startTimeout)
		case <-rt.runCtx.Done():
			return fmt.Errorf("%w: %s: %w", ErrStartFailed, it.name, rt.runCtx.Err())
		}
		rt.logger.Info("module started", "module", it.name)
		rt.events.Emit(rt.runCtx, EventTypeModuleStarted,
			map[string]any{"module": it.name}, nil)
	}

	rt.logger.Info("start phase complete", "tasks", len(items))
	return nil
}

// registerInstances registers every in-process module as a live instance in
// the directory, attributing grpc services to the hub's bound endpoint, and
// begins heartbeating for them.
func (rt *HostRuntime) registerInstances() error {
	var hubEndpoint directory.Endpoint
	if rt.servicesExposed() {
		hubEntry, _ := rt.snapshot.GrpcHub()
		ep, err := rt.waitHubEndpoint(hubEntry.Module.(GrpcHubModule))
		if err != nil {
			return err
		}
		hubEndpoint = ep
	}

	for _, entry := range rt.snapshot.Entries() {
		name := entry.Descriptor.Name
		services := make(map[string]directory.Endpoint, len(rt.moduleServices[name]))
		for _, svc := range rt.moduleServices[name] {
			services[svc] = hubEndpoint
		}
		reg := directory.Registration{
			Module:       name,
			InstanceID:   rt.instanceID,
			Version:      entry.Descriptor.Version,
			GrpcServices: services,
		}
		if err := rt.dir.RegisterInstance(rt.runCtx, reg); err != nil {
			return fmt.Errorf("%w: registering %s in directory: %w", ErrStartFailed, name, err)
		}
		_ = rt.dir.SendHeartbeat(rt.runCtx, name, rt.instanceID)
		rt.registered = append(rt.registered, name)
	}

	go rt.heartbeatLoop(append([]string(nil), rt.registered...))
	return nil
}

func (rt *HostRuntime) servicesExposed() bool {
	for _, names := range rt.moduleServices {
		if len(names) > 0 {
			return true
		}
	}
	return false
}

// waitHubEndpoint polls the hub for its bound endpoint. The hub signaled
// ready before this runs, so the wait is normally a single probe.
func (rt *HostRuntime) waitHubEndpoint(hub GrpcHubModule) (directory.Endpoint, error) {
	deadline := time.Now().Add(endpointWaitTimeout)
	for {
		if ep, ok := hub.BoundEndpoint(); ok {
			return ep, nil
		}
		if time.Now().After(deadline) {
			return directory.Endpoint{}, ErrHubEndpointTimeout
		}
		select {
		case <-rt.runCtx.Done():
			return directory.Endpoint{}, fmt.Errorf("%w: %w", ErrHubEndpointTimeout, rt.runCtx.Err())
		case <-time.After(endpointPollInterval):
		}
	}
}

// spawnPhase launches the configured out-of-process modules. It runs only
// after the start barrier, so children receive the hub's real endpoint via
// the directory rather than a promise. A spawn failure aborts startup: the
// host either runs its full configuration or nothing.
func (rt *HostRuntime) spawnPhase() error {
	if len(rt.oopNames) == 0 {
		return nil
	}

	dirEndpoint := rt.resolveDirectoryEndpoint()
	for _, name := range rt.oopNames {
		plan := rt.oopPlans[name]

		var raw json.RawMessage
		if rt.config != nil {
			raw, _ = rt.config.ModuleConfig(name)
		}

		handle, err := rt.backend.Spawn(rt.runCtx, backend.SpawnConfig{
			Module:            name,
			Binary:            plan.Binary,
			Args:              plan.Args,
			Env:               plan.Env,
			WorkingDir:        plan.WorkingDir,
			Config:            raw,
			DirectoryEndpoint: dirEndpoint,
		})
		if err != nil {
			rt.emitModuleFailed(name, "spawn", err)
			return fmt.Errorf("%w: %s: %w", ErrSpawnFailed, name, err)
		}

		rt.logger.Info("out-of-process module spawned",
			"module", name, "instance", handle.InstanceID, "pid", handle.PID)
		rt.events.Emit(rt.runCtx, EventTypeInstanceSpawned, map[string]any{
			"module":   name,
			"instance": handle.InstanceID,
			"pid":      handle.PID,
		}, nil)
	}
	return nil
}

// resolveDirectoryEndpoint decides what MODHOST_DIRECTORY_ENDPOINT children
// receive: an explicit option wins, then the gateway's bound base URL.
// Without either, children run directory-less.
func (rt *HostRuntime) resolveDirectoryEndpoint() string {
	if rt.dirEndpoint != "" {
		return rt.dirEndpoint
	}
	gwEntry, ok := rt.snapshot.Gateway()
	if !ok {
		return ""
	}
	host, ok := gwEntry.Module.(HTTPHost)
	if !ok {
		return ""
	}

	deadline := time.Now().Add(endpointWaitTimeout)
	for {
		if base, bound := host.BaseURL(); bound {
			return base
		}
		if time.Now().After(deadline) || rt.runCtx.Err() != nil {
			rt.logger.Warn("gateway base url not available, children get no directory endpoint")
			return ""
		}
		time.Sleep(endpointPollInterval)
	}
}

func (rt *HostRuntime) postInitPhase() error {
	for _, entry := range rt.snapshot.SystemModules() {
		name := entry.Descriptor.Name
		if err := entry.Module.(SystemModule).PostInit(rt.runCtx); err != nil {
			rt.emitModuleFailed(name, "post-init", err)
			return fmt.Errorf("%w: %s: %w", ErrPostInitFailed, name, err)
		}
		rt.logger.Debug("post-init complete", "module", name)
	}
	return nil
}

// beginServing flips the runtime into the serving state and starts the
// auxiliary loops that live until shutdown.
func (rt *HostRuntime) beginServing() {
	if rt.sweepDirectory {
		if err := rt.dir.StartSweeper(rt.runCtx); err != nil {
			rt.logger.Warn("directory sweeper not started", "error", err)
		}
	}
	if rt.watchConfig {
		if fc, ok := rt.config.(*FileConfig); ok {
			watcher, err := NewConfigWatcher(fc, rt.logger, WithReloadEvents(rt.events))
			if err != nil {
				rt.logger.Warn("config watcher not started", "error", err)
			} else {
				rt.watcher = watcher
			}
		} else {
			rt.logger.Warn("config watch enabled but provider is not a file config")
		}
	}

	rt.mu.Lock()
	rt.state = stateRunning
	rt.mu.Unlock()

	rt.events.Emit(rt.runCtx, EventTypeHostStarted, map[string]any{
		"modules":      rt.snapshot.Len(),
		"outOfProcess": len(rt.oopNames),
	}, nil)
	rt.logger.Info("host started",
		"modules", rt.snapshot.Len(),
		"outOfProcess", len(rt.oopNames),
		"instance", rt.instanceID)
}

func (rt *HostRuntime) emitModuleFailed(name, phase string, err error) {
	rt.events.Emit(context.Background(), EventTypeModuleFailed, map[string]any{
		"module": name,
		"phase":  phase,
		"error":  err.Error(),
	}, nil)
}
