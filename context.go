package modhost

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/GoCodeAlone/modhost/directory"
)

// ModuleContext is the only object a module's code receives from the
// runtime: its identity, its configuration section, the client hub, a
// cancellation-aware context derived from the process root, and the optional
// database handle. One context is built per module, immediately before that
// module's Init, and lives for the process.
type ModuleContext struct {
	name       string
	instanceID string
	hub        *ClientHub
	ctx        context.Context
	cfg        ConfigProvider
	db         DBHandle
	logger     Logger
}

// ModuleContextConfig carries the pieces a ModuleContext is built from.
// The runtime fills it during startup; tests fill only what they need.
type ModuleContextConfig struct {
	// Name is the module the context belongs to.
	Name string

	// InstanceID is the process-wide instance id shared by every in-process
	// module.
	InstanceID string

	// Hub is the client hub. Nil gets a fresh empty hub.
	Hub *ClientHub

	// Context is the cancellation context. Nil gets context.Background().
	Context context.Context

	// Config supplies the module's config section. Nil means no config.
	Config ConfigProvider

	// DB is the module's database handle, when a provider resolved one.
	DB DBHandle

	// Logger is the structured logger. Nil gets the slog default.
	Logger Logger
}

// NewModuleContext builds a module context. The runtime is the usual caller;
// module tests build their own to drive Init directly.
func NewModuleContext(cfg ModuleContextConfig) *ModuleContext {
	mc := &ModuleContext{
		name:       cfg.Name,
		instanceID: cfg.InstanceID,
		hub:        cfg.Hub,
		ctx:        cfg.Context,
		cfg:        cfg.Config,
		db:         cfg.DB,
		logger:     cfg.Logger,
	}
	if mc.hub == nil {
		mc.hub = NewClientHub()
	}
	if mc.ctx == nil {
		mc.ctx = context.Background()
	}
	if mc.logger == nil {
		mc.logger = NewSlogLogger(nil)
	}
	return mc
}

// Name returns the module name this context was built for.
func (c *ModuleContext) Name() string { return c.name }

// InstanceID returns the process-wide instance id. In-process modules all
// share it; out-of-process children get their own from the backend.
func (c *ModuleContext) InstanceID() string { return c.instanceID }

// Hub returns the client hub shared by every module in the process.
func (c *ModuleContext) Hub() *ClientHub { return c.hub }

// Context returns the module's cancellation context, a child of the process
// root. It fires when shutdown begins.
func (c *ModuleContext) Context() context.Context { return c.ctx }

// Logger returns the host's structured logger.
func (c *ModuleContext) Logger() Logger { return c.logger }

// Config decodes the module's configuration section into out. Decoding is
// lenient: a missing section leaves out at its zero value, because most
// modules run fine on defaults and only some deployments configure them.
func (c *ModuleContext) Config(out any) error {
	raw, ok := c.RawConfig()
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: module %s: %w", ErrConfigDecode, c.name, err)
	}
	return nil
}

// RawConfig returns the module's raw configuration section, if present.
func (c *ModuleContext) RawConfig() (json.RawMessage, bool) {
	if c.cfg == nil {
		return nil, false
	}
	return c.cfg.ModuleConfig(c.name)
}

// DB returns the module's database handle, when the host configured a
// database provider.
func (c *ModuleContext) DB() (DBHandle, bool) {
	return c.db, c.db != nil
}

// DBRequired returns the database handle or fails for modules that cannot
// run without one.
func (c *ModuleContext) DBRequired() (DBHandle, error) {
	if c.db == nil {
		return nil, fmt.Errorf("%w: module %s", ErrDatabaseNotConfigured, c.name)
	}
	return c.db, nil
}

// SystemContext is what system modules receive in their PreInit hook: the
// module manager, the discovered snapshot, and the names of the modules that
// will run out of process. System modules capture what they need here and
// use it from their later hooks.
type SystemContext struct {
	directory    *directory.Manager
	snapshot     *Snapshot
	outOfProcess []string
}

// NewSystemContext builds a system context. The runtime is the usual caller.
func NewSystemContext(dir *directory.Manager, snap *Snapshot, outOfProcess []string) *SystemContext {
	return &SystemContext{
		directory:    dir,
		snapshot:     snap,
		outOfProcess: append([]string(nil), outOfProcess...),
	}
}

// Directory returns the module manager.
func (s *SystemContext) Directory() *directory.Manager { return s.directory }

// Snapshot returns the read-only registry snapshot.
func (s *SystemContext) Snapshot() *Snapshot { return s.snapshot }

// OutOfProcess returns the names of modules configured to run as child
// processes.
func (s *SystemContext) OutOfProcess() []string {
	return append([]string(nil), s.outOfProcess...)
}
