package directory

import (
	"context"
	"time"
)

const (
	// DefaultHeartbeatInterval keeps an agent comfortably inside the
	// manager's heartbeat TTL.
	DefaultHeartbeatInterval = 20 * time.Second

	registerRetryDelay  = 500 * time.Millisecond
	registerMaxAttempts = 10
	deregisterTimeout   = 2 * time.Second
)

// Agent keeps one instance present in the directory for the lifetime of a
// context: it registers, heartbeats on an interval, and deregisters on
// cancellation. Out-of-process children run one agent for their own
// registration; a child's directory traffic is exactly
// register -> heartbeat... -> deregister.
type Agent struct {
	api      API
	logger   Logger
	reg      Registration
	interval time.Duration
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithHeartbeatInterval sets the interval between heartbeats.
func WithHeartbeatInterval(interval time.Duration) AgentOption {
	return func(a *Agent) { a.interval = interval }
}

// NewAgent returns an agent maintaining the given registration through api.
func NewAgent(api API, logger Logger, reg Registration, opts ...AgentOption) *Agent {
	a := &Agent{
		api:      api,
		logger:   logger,
		reg:      reg,
		interval: DefaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AgentFromChildEnv builds the agent for the current child process: settings
// from the environment, an HTTP client against the injected directory
// endpoint, and the given exposed services.
func AgentFromChildEnv(logger Logger, services map[string]Endpoint, opts ...AgentOption) (*Agent, error) {
	settings, err := SettingsFromEnv()
	if err != nil {
		return nil, err
	}
	client, err := NewClient(settings.DirectoryEndpoint)
	if err != nil {
		return nil, err
	}
	reg := Registration{
		Module:       settings.Module,
		InstanceID:   settings.InstanceID,
		GrpcServices: services,
	}
	return NewAgent(client, logger, reg, opts...), nil
}

// Run blocks until ctx is cancelled. Registration is retried a few times
// because a freshly spawned child can reach the host before the spawn phase
// has fully settled; once registered, the agent heartbeats every interval
// and deregisters on the way out with its own short timeout, since the
// context that stopped it is already done.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}
	a.logger.Info("directory agent running",
		"module", a.reg.Module, "instance", a.reg.InstanceID, "interval", a.interval)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	// First heartbeat immediately so the instance turns Healthy without
	// waiting a full interval.
	a.heartbeat(ctx)

	for {
		select {
		case <-ticker.C:
			a.heartbeat(ctx)
		case <-ctx.Done():
			a.deregister()
			return nil
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= registerMaxAttempts; attempt++ {
		if err = a.api.RegisterInstance(ctx, a.reg); err == nil {
			return nil
		}
		a.logger.Debug("directory registration failed, retrying",
			"module", a.reg.Module, "attempt", attempt, "error", err)
		select {
		case <-time.After(registerRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (a *Agent) heartbeat(ctx context.Context) {
	if err := a.api.SendHeartbeat(ctx, a.reg.Module, a.reg.InstanceID); err != nil {
		a.logger.Warn("heartbeat failed",
			"module", a.reg.Module, "instance", a.reg.InstanceID, "error", err)
	}
}

func (a *Agent) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), deregisterTimeout)
	defer cancel()
	if err := a.api.DeregisterInstance(ctx, a.reg.Module, a.reg.InstanceID); err != nil {
		a.logger.Warn("deregister failed",
			"module", a.reg.Module, "instance", a.reg.InstanceID, "error", err)
		return
	}
	a.logger.Info("directory agent stopped",
		"module", a.reg.Module, "instance", a.reg.InstanceID)
}
