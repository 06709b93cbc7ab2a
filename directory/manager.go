// Package directory tracks live module instances and the gRPC services they
// expose. It is the module manager of the host runtime: in-process modules
// are registered by the runtime itself after the start phase, out-of-process
// children join through the directory routes the orchestrator module mounts
// on the gateway.
//
// The directory answers one question for callers: "where is service X right
// now". Resolution is round-robin across the instances exposing the service,
// so multiple instances of one module share load without any of them knowing
// about the others.
package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Logger is the structured logger the directory components log through.
// It matches the host runtime's logger shape so the runtime's logger can be
// passed straight in.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

const (
	// DefaultHeartbeatTTL is how long an instance stays Healthy without a
	// heartbeat before the sweeper demotes it back to Registered.
	DefaultHeartbeatTTL = 90 * time.Second

	// DefaultSweepSchedule is the cron schedule the staleness sweeper runs
	// on when none is configured.
	DefaultSweepSchedule = "@every 30s"
)

type instanceKey struct {
	module     string
	instanceID string
}

type instanceRecord struct {
	module        string
	instanceID    string
	version       string
	grpcServices  map[string]Endpoint
	health        Health
	lastHeartbeat time.Time
}

// Manager is the in-process module manager. It satisfies API directly; the
// orchestrator module additionally exposes it over HTTP for children.
//
// The instance map is guarded by a reader-writer lock: resolution and listing
// are frequent and read-only, registration and heartbeats are occasional
// writes. The round-robin counters have their own mutex so resolution can
// stay on the read lock for the instance map.
type Manager struct {
	logger Logger

	mu        sync.RWMutex
	instances map[instanceKey]*instanceRecord

	rrMu sync.Mutex
	rr   map[string]uint64

	ttl      time.Duration
	schedule string
	clock    func() time.Time

	sweepMu sync.Mutex
	sweeper *cron.Cron
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHeartbeatTTL sets how long an instance stays Healthy without
// heartbeats before a sweep demotes it.
func WithHeartbeatTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) { m.ttl = ttl }
}

// WithSweepSchedule sets the cron schedule for the staleness sweeper, e.g.
// "@every 15s".
func WithSweepSchedule(schedule string) ManagerOption {
	return func(m *Manager) { m.schedule = schedule }
}

// WithClock replaces the time source. Tests use it to age heartbeats without
// sleeping.
func WithClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) { m.clock = clock }
}

// NewManager returns an empty module manager.
func NewManager(logger Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:    logger,
		instances: make(map[instanceKey]*instanceRecord),
		rr:        make(map[string]uint64),
		ttl:       DefaultHeartbeatTTL,
		schedule:  DefaultSweepSchedule,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterInstance implements API. The upsert is idempotent: re-registering
// the same (module, instance id) refreshes services and version but keeps
// the health state and heartbeat timestamp already earned.
func (m *Manager) RegisterInstance(_ context.Context, reg Registration) error {
	if reg.Module == "" {
		return ErrModuleRequired
	}
	if reg.InstanceID == "" {
		return ErrInstanceIDRequired
	}

	services := make(map[string]Endpoint, len(reg.GrpcServices))
	for name, ep := range reg.GrpcServices {
		services[name] = ep
	}

	key := instanceKey{module: reg.Module, instanceID: reg.InstanceID}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.instances[key]; ok {
		existing.version = reg.Version
		existing.grpcServices = services
		m.logger.Debug("instance re-registered", "module", reg.Module, "instance", reg.InstanceID)
		return nil
	}
	m.instances[key] = &instanceRecord{
		module:       reg.Module,
		instanceID:   reg.InstanceID,
		version:      reg.Version,
		grpcServices: services,
		health:       HealthRegistered,
	}
	m.logger.Info("instance registered",
		"module", reg.Module, "instance", reg.InstanceID, "services", len(services))
	return nil
}

// DeregisterInstance implements API. Unknown instances are a no-op.
func (m *Manager) DeregisterInstance(_ context.Context, module, instanceID string) error {
	key := instanceKey{module: module, instanceID: instanceID}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[key]; !ok {
		m.logger.Debug("deregister of unknown instance ignored", "module", module, "instance", instanceID)
		return nil
	}
	delete(m.instances, key)
	m.logger.Info("instance deregistered", "module", module, "instance", instanceID)
	return nil
}

// SendHeartbeat implements API. The first heartbeat moves the instance from
// Registered to Healthy; heartbeating an unknown instance does not create an
// entry.
func (m *Manager) SendHeartbeat(_ context.Context, module, instanceID string) error {
	key := instanceKey{module: module, instanceID: instanceID}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.instances[key]
	if !ok {
		m.logger.Debug("heartbeat for unknown instance ignored", "module", module, "instance", instanceID)
		return nil
	}
	rec.health = HealthHealthy
	rec.lastHeartbeat = m.clock()
	return nil
}

// ListInstances implements API.
func (m *Manager) ListInstances(_ context.Context, module string) ([]InstanceInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []InstanceInfo
	for _, rec := range m.instances {
		if module != "" && rec.module != module {
			continue
		}
		out = append(out, rec.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	return out, nil
}

// ResolveGrpcService implements API. Candidates are ordered by (module,
// instance id) so the per-service counter cycles every instance exactly once
// before repeating.
func (m *Manager) ResolveGrpcService(_ context.Context, service string) (Endpoint, error) {
	type candidate struct {
		module     string
		instanceID string
		endpoint   Endpoint
		health     Health
	}

	m.mu.RLock()
	var healthy, registered []candidate
	for _, rec := range m.instances {
		ep, ok := rec.grpcServices[service]
		if !ok {
			continue
		}
		c := candidate{module: rec.module, instanceID: rec.instanceID, endpoint: ep, health: rec.health}
		if rec.health == HealthHealthy {
			healthy = append(healthy, c)
		} else {
			registered = append(registered, c)
		}
	}
	m.mu.RUnlock()

	candidates := healthy
	if len(candidates) == 0 {
		// Not heartbeated yet, e.g. resolution racing a fresh registration.
		candidates = registered
	}
	if len(candidates) == 0 {
		return Endpoint{}, ErrServiceNotFound
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].module != candidates[j].module {
			return candidates[i].module < candidates[j].module
		}
		return candidates[i].instanceID < candidates[j].instanceID
	})

	m.rrMu.Lock()
	turn := m.rr[service]
	m.rr[service] = turn + 1
	m.rrMu.Unlock()

	picked := candidates[turn%uint64(len(candidates))]
	m.logger.Debug("service resolved",
		"service", service, "module", picked.module, "instance", picked.instanceID,
		"endpoint", picked.endpoint.URI())
	return picked.endpoint, nil
}

// Sweep demotes every Healthy instance whose last heartbeat is older than
// the TTL back to Registered and returns how many were demoted. Instances
// are never removed automatically; removal is the owner's explicit call.
func (m *Manager) Sweep() int {
	cutoff := m.clock().Add(-m.ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	demoted := 0
	for _, rec := range m.instances {
		if rec.health == HealthHealthy && rec.lastHeartbeat.Before(cutoff) {
			rec.health = HealthRegistered
			demoted++
			m.logger.Warn("instance heartbeat stale, demoted",
				"module", rec.module, "instance", rec.instanceID,
				"last_heartbeat", rec.lastHeartbeat)
		}
	}
	return demoted
}

// StartSweeper runs Sweep on the configured cron schedule until ctx is
// cancelled. Calling it twice without the first sweeper stopping is an error.
func (m *Manager) StartSweeper(ctx context.Context) error {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	if m.sweeper != nil {
		return ErrSweeperRunning
	}

	c := cron.New()
	if _, err := c.AddFunc(m.schedule, func() { m.Sweep() }); err != nil {
		return err
	}
	c.Start()
	m.sweeper = c

	go func() {
		<-ctx.Done()
		stopCtx := c.Stop()
		<-stopCtx.Done()
		m.sweepMu.Lock()
		m.sweeper = nil
		m.sweepMu.Unlock()
	}()

	m.logger.Debug("staleness sweeper started", "schedule", m.schedule, "ttl", m.ttl)
	return nil
}

func (r *instanceRecord) info() InstanceInfo {
	services := make(map[string]Endpoint, len(r.grpcServices))
	for name, ep := range r.grpcServices {
		services[name] = ep
	}
	return InstanceInfo{
		Module:        r.module,
		InstanceID:    r.instanceID,
		Version:       r.version,
		GrpcServices:  services,
		Health:        r.health,
		LastHeartbeat: r.lastHeartbeat,
	}
}
