package modhost

import (
	"time"

	"github.com/GoCodeAlone/modhost/directory"
)

// Option configures a HostRuntime during construction.
type Option func(*HostRuntime)

// WithRegistry supplies the module registry. Required.
func WithRegistry(reg *Registry) Option {
	return func(rt *HostRuntime) { rt.reg = reg }
}

// WithLogger supplies the structured logger. Defaults to slog's default
// logger.
func WithLogger(logger Logger) Option {
	return func(rt *HostRuntime) { rt.logger = logger }
}

// WithClientHub supplies the client hub. Defaults to a fresh hub.
func WithClientHub(hub *ClientHub) Option {
	return func(rt *HostRuntime) { rt.hub = hub }
}

// WithEventBus supplies the event bus. Defaults to a fresh bus on the
// runtime's logger.
func WithEventBus(bus *EventBus) Option {
	return func(rt *HostRuntime) { rt.events = bus }
}

// WithConfig supplies the configuration provider modules read their sections
// from. Without it modules see no configuration.
func WithConfig(cfg ConfigProvider) Option {
	return func(rt *HostRuntime) { rt.config = cfg }
}

// WithDatabaseProvider supplies the external database manager. Database
// modules get their handles resolved through it before Init.
func WithDatabaseProvider(db DatabaseProvider) Option {
	return func(rt *HostRuntime) { rt.db = db }
}

// WithDirectory supplies the module manager. Defaults to a fresh in-memory
// manager.
func WithDirectory(dir *directory.Manager) Option {
	return func(rt *HostRuntime) { rt.dir = dir }
}

// WithProcessBackend supplies the out-of-process backend. Without it a local
// backend is created lazily when out-of-process modules are configured.
func WithProcessBackend(b ProcessBackend) Option {
	return func(rt *HostRuntime) { rt.backend = b }
}

// WithStartTimeout bounds the start phase's readiness barrier.
func WithStartTimeout(d time.Duration) Option {
	return func(rt *HostRuntime) { rt.startTimeout = d }
}

// WithShutdownTimeout bounds the shutdown sequence when the caller supplies
// no deadline.
func WithShutdownTimeout(d time.Duration) Option {
	return func(rt *HostRuntime) { rt.shutdownTimeout = d }
}

// WithOutOfProcess supplies an explicit out-of-process deployment plan,
// overriding whatever the config provider declares.
func WithOutOfProcess(plans ...OopModuleConfig) Option {
	return func(rt *HostRuntime) { rt.oopExplicit = plans }
}

// WithDirectoryEndpoint overrides the directory base URL handed to
// out-of-process children. Defaults to the gateway's bound base URL.
func WithDirectoryEndpoint(base string) Option {
	return func(rt *HostRuntime) { rt.dirEndpoint = base }
}

// WithInstanceID overrides the generated process instance id.
func WithInstanceID(id string) Option {
	return func(rt *HostRuntime) { rt.instanceID = id }
}

// WithDirectorySweep enables the periodic staleness sweep that demotes
// instances without recent heartbeats back to registered health.
func WithDirectorySweep() Option {
	return func(rt *HostRuntime) { rt.sweepDirectory = true }
}

// WithConfigWatch reloads the config file on changes while serving. Only
// effective when the config provider is a *FileConfig.
func WithConfigWatch() Option {
	return func(rt *HostRuntime) { rt.watchConfig = true }
}

// WithHostSettings applies file-loaded host tunables, keeping defaults for
// zero values. Callers using FileConfig typically pass cfg.Host() here.
func WithHostSettings(hs HostSettings) Option {
	return func(rt *HostRuntime) {
		if hs.StartTimeout > 0 {
			rt.startTimeout = hs.StartTimeout
		}
		if hs.ShutdownTimeout > 0 {
			rt.shutdownTimeout = hs.ShutdownTimeout
		}
	}
}
