package modhost

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer receives host lifecycle events. Observers register with a Subject
// and are called once per matching event.
type Observer interface {
	// OnEvent handles one event. Delivery is synchronous, so handlers must
	// return quickly and push slow work elsewhere.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID identifies the observer for registration and logging.
	ObserverID() string
}

// Subject accepts observer registrations and delivers events to them. The
// host runtime is the usual Subject; modules reach it through the
// ObservableModule hook.
type Subject interface {
	// RegisterObserver subscribes an observer, optionally filtered to the
	// given event types. No types means every event.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer. Unknown observers are a no-op.
	UnregisterObserver(observer Observer) error

	// NotifyObservers delivers an event to every interested observer, in
	// observer-id order. Observer errors are logged, never propagated.
	NotifyObservers(ctx context.Context, event cloudevents.Event) error

	// Observers lists the current registrations.
	Observers() []ObserverInfo
}

// ObserverInfo describes one registration for monitoring surfaces.
type ObserverInfo struct {
	ID           string    `json:"id"`
	EventTypes   []string  `json:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Event types emitted by the host, in reverse-domain CloudEvents form.
const (
	EventTypeModuleDiscovered  = "com.modhost.module.discovered"
	EventTypeModuleInitialized = "com.modhost.module.initialized"
	EventTypeModuleStarted     = "com.modhost.module.started"
	EventTypeModuleStopped     = "com.modhost.module.stopped"
	EventTypeModuleFailed      = "com.modhost.module.failed"

	EventTypeInstanceSpawned = "com.modhost.instance.spawned"
	EventTypeInstanceStopped = "com.modhost.instance.stopped"
	EventTypeInstanceExited  = "com.modhost.instance.exited"

	EventTypeHostStarted = "com.modhost.host.started"
	EventTypeHostStopped = "com.modhost.host.stopped"
	EventTypeHostFailed  = "com.modhost.host.failed"

	EventTypeConfigReloaded = "com.modhost.config.reloaded"
)

// ObservableModule is an optional module capability: such modules get a
// chance to subscribe to host events right after the init phase, and may
// emit their own through the same subject.
type ObservableModule interface {
	Module

	// RegisterObservers lets the module subscribe to the events it cares
	// about. The subject is the host runtime.
	RegisterObservers(subject Subject) error
}

// FunctionalObserver adapts a plain function into an Observer.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver wraps handler as an Observer with the given id.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) *FunctionalObserver {
	return &FunctionalObserver{id: id, handler: handler}
}

// OnEvent calls the wrapped handler.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID returns the id the observer was built with.
func (f *FunctionalObserver) ObserverID() string { return f.id }
