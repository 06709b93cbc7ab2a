package modhost

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvent aliases the CloudEvents SDK event type.
type CloudEvent = cloudevents.Event

// NewCloudEvent builds a CloudEvent with the usual host attributes filled
// in: a UUIDv7 id, the current time, and JSON-encoded data when present.
func NewCloudEvent(eventType, source string, data any, metadata map[string]any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(newTimeOrderedID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	for key, value := range metadata {
		event.SetExtension(key, value)
	}
	return event
}

// newTimeOrderedID returns a UUIDv7, so ids sort by creation time. Used for
// event ids and for the process instance id.
func newTimeOrderedID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

type observerRegistration struct {
	observer     Observer
	eventTypes   map[string]bool
	registeredAt time.Time
}

// EventBus is the host's Subject implementation. Delivery is synchronous and
// in observer-id order, so an observer watching the lifecycle sees events
// exactly as the runtime emitted them. Observer errors and panics are logged
// and never reach the emitter.
type EventBus struct {
	logger Logger

	mu        sync.RWMutex
	observers map[string]*observerRegistration
}

// NewEventBus creates an event bus logging through the given logger.
func NewEventBus(logger Logger) *EventBus {
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	return &EventBus{
		logger:    logger,
		observers: make(map[string]*observerRegistration),
	}
}

// RegisterObserver subscribes an observer. Registering the same id again
// replaces the previous subscription.
func (b *EventBus) RegisterObserver(observer Observer, eventTypes ...string) error {
	types := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = true
	}

	b.mu.Lock()
	b.observers[observer.ObserverID()] = &observerRegistration{
		observer:     observer,
		eventTypes:   types,
		registeredAt: time.Now(),
	}
	b.mu.Unlock()

	b.logger.Debug("observer registered", "observer", observer.ObserverID(), "eventTypes", eventTypes)
	return nil
}

// UnregisterObserver removes an observer. Unknown observers are a no-op.
func (b *EventBus) UnregisterObserver(observer Observer) error {
	b.mu.Lock()
	delete(b.observers, observer.ObserverID())
	b.mu.Unlock()
	return nil
}

// NotifyObservers delivers the event to every observer whose filter matches.
func (b *EventBus) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	if event.Time().IsZero() {
		event.SetTime(time.Now())
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event %s: %w", event.Type(), err)
	}

	b.mu.RLock()
	targets := make([]*observerRegistration, 0, len(b.observers))
	for _, reg := range b.observers {
		if len(reg.eventTypes) > 0 && !reg.eventTypes[event.Type()] {
			continue
		}
		targets = append(targets, reg)
	}
	b.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool {
		return targets[i].observer.ObserverID() < targets[j].observer.ObserverID()
	})
	for _, reg := range targets {
		b.deliver(ctx, reg.observer, event)
	}
	return nil
}

func (b *EventBus) deliver(ctx context.Context, obs Observer, event cloudevents.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("observer panicked", "observer", obs.ObserverID(), "event", event.Type(), "panic", r)
		}
	}()
	if err := obs.OnEvent(ctx, event); err != nil {
		b.logger.Error("observer failed", "observer", obs.ObserverID(), "event", event.Type(), "error", err)
	}
}

// Observers lists current registrations sorted by id.
func (b *EventBus) Observers() []ObserverInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	info := make([]ObserverInfo, 0, len(b.observers))
	for _, reg := range b.observers {
		types := make([]string, 0, len(reg.eventTypes))
		for t := range reg.eventTypes {
			types = append(types, t)
		}
		sort.Strings(types)
		info = append(info, ObserverInfo{
			ID:           reg.observer.ObserverID(),
			EventTypes:   types,
			RegisteredAt: reg.registeredAt,
		})
	}
	sort.Slice(info, func(i, j int) bool { return info[i].ID < info[j].ID })
	return info
}

// Emit builds a host event and delivers it. Emission failures are logged
// because lifecycle progress never hinges on observers.
func (b *EventBus) Emit(ctx context.Context, eventType string, data any, metadata map[string]any) {
	event := NewCloudEvent(eventType, "modhost", data, metadata)
	if err := b.NotifyObservers(ctx, event); err != nil {
		b.logger.Error("event emission failed", "event", eventType, "error", err)
	}
}
