package modhost

import (
	"fmt"
	"strings"
)

// Descriptor is the static metadata a module is registered under: what the
// module is called, what it depends on, and how to construct it. Descriptors
// are immutable once registered and live for the process.
type Descriptor struct {
	// Name uniquely identifies the module within the process.
	Name string

	// Dependencies names the modules whose Init must complete before this
	// module's Init begins. Every name must resolve to a registered module.
	Dependencies []string

	// Version is an optional version string reported to the service
	// directory for this module's in-process instance.
	Version string

	// System marks the module for the privileged pre/post-init hooks and
	// orders it before ordinary modules among independents.
	System bool

	// New constructs the module. It is invoked exactly once, during
	// discovery, and must return a module whose Name() equals Name.
	New func() Module
}

// Capabilities records which optional interfaces a module implements.
// It is probed once, when the snapshot is built, so the runtime never
// repeats type assertions per call.
type Capabilities struct {
	System      bool
	Database    bool
	Rest        bool
	Gateway     bool
	Runnable    bool
	GrpcService bool
	GrpcHub     bool
	Observable  bool
}

func probeCapabilities(m Module) Capabilities {
	var c Capabilities
	_, c.System = m.(SystemModule)
	_, c.Database = m.(DatabaseModule)
	_, c.Rest = m.(RestModule)
	_, c.Gateway = m.(GatewayModule)
	_, c.Runnable = m.(Runnable)
	_, c.GrpcService = m.(GrpcServiceModule)
	_, c.GrpcHub = m.(GrpcHubModule)
	_, c.Observable = m.(ObservableModule)
	return c
}

// Tags renders the capability set as a human readable list for logs and the
// module listing endpoint. The slice is never nil so the listing marshals a
// capability-less module as [] rather than null.
func (c Capabilities) Tags() []string {
	tags := make([]string, 0, 8)
	if c.System {
		tags = append(tags, "system")
	}
	if c.Database {
		tags = append(tags, "database")
	}
	if c.Rest {
		tags = append(tags, "rest")
	}
	if c.Gateway {
		tags = append(tags, "gateway")
	}
	if c.Runnable {
		tags = append(tags, "runnable")
	}
	if c.GrpcService {
		tags = append(tags, "grpc-service")
	}
	if c.GrpcHub {
		tags = append(tags, "grpc-hub")
	}
	if c.Observable {
		tags = append(tags, "observable")
	}
	return tags
}

// ModuleEntry is one module in the discovered snapshot: its descriptor, the
// constructed instance, and the probed capability set.
type ModuleEntry struct {
	Descriptor   Descriptor
	Module       Module
	Capabilities Capabilities
}

// Registry collects module descriptors during process bootstrap. It is an
// explicit object, never a package-level global, so independent runtimes can
// coexist in one process (and in tests). Register all descriptors first,
// then call Discover once; the registry is sealed afterwards.
type Registry struct {
	descriptors []Descriptor
	sealed      bool
}

// NewRegistry returns an empty module registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a descriptor. Uniqueness and dependency validation happen in
// Discover, not here; registration order is preserved and is part of the
// deterministic discovery order.
func (r *Registry) Register(d Descriptor) error {
	if r.sealed {
		return fmt.Errorf("%w: %s", ErrRegistrySealed, d.Name)
	}
	if d.New == nil {
		return fmt.Errorf("%w: %s", ErrNilConstructor, d.Name)
	}
	r.descriptors = append(r.descriptors, d)
	return nil
}

// MustRegister is Register for bootstrap code where a registration error is a
// programming mistake.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Discover validates the registered descriptors, constructs every module,
// probes capabilities and computes the dependency order. It fails fast on
// duplicate names, unknown dependencies, dependency cycles, and more than one
// gateway or grpc hub. Discovery is deterministic: the same set of
// registrations always produces the same order.
func (r *Registry) Discover() (*Snapshot, error) {
	r.sealed = true

	entries := make(map[string]*ModuleEntry, len(r.descriptors))
	names := make([]string, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		if _, dup := entries[d.Name]; dup {
			return nil, fmt.Errorf("%w: %w: %s", ErrDiscovery, ErrDuplicateModule, d.Name)
		}
		m := d.New()
		if m == nil {
			return nil, fmt.Errorf("%w: %w: %s", ErrDiscovery, ErrConstructorNil, d.Name)
		}
		if m.Name() != d.Name {
			return nil, fmt.Errorf("%w: %w: descriptor %q, module %q",
				ErrDiscovery, ErrNameMismatch, d.Name, m.Name())
		}
		entries[d.Name] = &ModuleEntry{
			Descriptor:   d,
			Module:       m,
			Capabilities: probeCapabilities(m),
		}
		names = append(names, d.Name)
	}

	for _, name := range names {
		for _, dep := range entries[name].Descriptor.Dependencies {
			if _, ok := entries[dep]; !ok {
				return nil, fmt.Errorf("%w: %w: %s depends on %s",
					ErrDiscovery, ErrUnknownDependency, name, dep)
			}
		}
	}

	order, err := sortModules(names, entries)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}

	snap := &Snapshot{
		entries: make([]*ModuleEntry, 0, len(order)),
		byName:  entries,
	}
	for _, name := range order {
		snap.entries = append(snap.entries, entries[name])
	}

	var gateways, hubs int
	for _, e := range snap.entries {
		if e.Capabilities.Gateway {
			gateways++
		}
		if e.Capabilities.GrpcHub {
			hubs++
		}
	}
	if gateways > 1 {
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, ErrMultipleGateways)
	}
	if hubs > 1 {
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, ErrMultipleGrpcHubs)
	}

	return snap, nil
}

// sortModules computes the topological order with a depth-first walk.
// The walk is seeded with system modules first and otherwise follows
// registration order, so ties between independent modules resolve the same
// way on every discovery. A cycle aborts with the offending path.
func sortModules(names []string, entries map[string]*ModuleEntry) ([]string, error) {
	seeds := make([]string, 0, len(names))
	for _, name := range names {
		if entries[name].Descriptor.System {
			seeds = append(seeds, name)
		}
	}
	for _, name := range names {
		if !entries[name].Descriptor.System {
			seeds = append(seeds, name)
		}
	}

	var order []string
	visited := make(map[string]bool, len(names))
	temp := make(map[string]bool, len(names))
	var path []string

	var visit func(string) error
	visit = func(node string) error {
		if temp[node] {
			return fmt.Errorf("%w: %s", ErrCircularDependency, cyclePath(path, node))
		}
		if visited[node] {
			return nil
		}
		temp[node] = true
		path = append(path, node)

		for _, dep := range entries[node].Descriptor.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}

		visited[node] = true
		temp[node] = false
		path = path[:len(path)-1]
		order = append(order, node)
		return nil
	}

	for _, node := range seeds {
		if !visited[node] {
			if err := visit(node); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

// cyclePath renders the portion of the DFS path that forms the cycle,
// e.g. "a -> b -> c -> a".
func cyclePath(path []string, repeat string) string {
	start := 0
	for i, n := range path {
		if n == repeat {
			start = i
			break
		}
	}
	segment := append(append([]string{}, path[start:]...), repeat)
	return strings.Join(segment, " -> ")
}

// Snapshot is the immutable result of discovery: every module entry in
// dependency order plus lookup helpers. It is built once and read-only
// afterwards, so it needs no locking.
type Snapshot struct {
	entries []*ModuleEntry
	byName  map[string]*ModuleEntry
}

// Entries returns the module entries in dependency order. Callers must not
// mutate the returned slice.
func (s *Snapshot) Entries() []*ModuleEntry {
	return s.entries
}

// Len returns the number of discovered modules.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Lookup returns the entry for the named module.
func (s *Snapshot) Lookup(name string) (*ModuleEntry, bool) {
	e, ok := s.byName[name]
	return e, ok
}

// Order returns the module names in dependency order.
func (s *Snapshot) Order() []string {
	order := make([]string, len(s.entries))
	for i, e := range s.entries {
		order[i] = e.Descriptor.Name
	}
	return order
}

// SystemModules returns the entries of system modules, in snapshot order.
func (s *Snapshot) SystemModules() []*ModuleEntry {
	return s.filter(func(e *ModuleEntry) bool { return e.Capabilities.System })
}

// DatabaseModules returns the entries implementing the database capability.
func (s *Snapshot) DatabaseModules() []*ModuleEntry {
	return s.filter(func(e *ModuleEntry) bool { return e.Capabilities.Database })
}

// RestModules returns the entries implementing the REST capability.
func (s *Snapshot) RestModules() []*ModuleEntry {
	return s.filter(func(e *ModuleEntry) bool { return e.Capabilities.Rest })
}

// Runnables returns the entries implementing the runnable capability.
func (s *Snapshot) Runnables() []*ModuleEntry {
	return s.filter(func(e *ModuleEntry) bool { return e.Capabilities.Runnable })
}

// GrpcServiceModules returns the entries exposing gRPC services.
func (s *Snapshot) GrpcServiceModules() []*ModuleEntry {
	return s.filter(func(e *ModuleEntry) bool { return e.Capabilities.GrpcService })
}

// ObservableModules returns the entries that subscribe to host events.
func (s *Snapshot) ObservableModules() []*ModuleEntry {
	return s.filter(func(e *ModuleEntry) bool { return e.Capabilities.Observable })
}

// Gateway returns the single gateway entry, if any.
func (s *Snapshot) Gateway() (*ModuleEntry, bool) {
	for _, e := range s.entries {
		if e.Capabilities.Gateway {
			return e, true
		}
	}
	return nil, false
}

// GrpcHub returns the single grpc hub entry, if any.
func (s *Snapshot) GrpcHub() (*ModuleEntry, bool) {
	for _, e := range s.entries {
		if e.Capabilities.GrpcHub {
			return e, true
		}
	}
	return nil, false
}

func (s *Snapshot) filter(keep func(*ModuleEntry) bool) []*ModuleEntry {
	var out []*ModuleEntry
	for _, e := range s.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
