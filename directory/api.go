package directory

import (
	"context"
	"time"
)

// Health is the state of one registered instance. Instances enter as
// Registered and become Healthy on their first heartbeat; the staleness
// sweeper demotes them back to Registered when heartbeats stop. No other
// states exist.
type Health string

const (
	HealthRegistered Health = "registered"
	HealthHealthy    Health = "healthy"
)

// Registration is the input to RegisterInstance: one live instance of a
// module and the gRPC services it exposes, keyed by fully qualified service
// name.
type Registration struct {
	Module       string              `json:"module"`
	InstanceID   string              `json:"instance_id"`
	Version      string              `json:"version,omitempty"`
	GrpcServices map[string]Endpoint `json:"grpc_services,omitempty"`
}

// InstanceInfo is the directory's view of one instance, returned by
// ListInstances. It is a copy; mutating it does not touch the directory.
type InstanceInfo struct {
	Module        string              `json:"module"`
	InstanceID    string              `json:"instance_id"`
	Version       string              `json:"version,omitempty"`
	GrpcServices  map[string]Endpoint `json:"grpc_services,omitempty"`
	Health        Health              `json:"health"`
	LastHeartbeat time.Time           `json:"last_heartbeat"`
}

// API is the directory surface shared by in-process callers (the Manager
// itself, fetched from the client hub) and out-of-process children (the HTTP
// Client dialing the host gateway). The operation set is fixed; transports
// may differ.
type API interface {
	// RegisterInstance upserts an instance keyed by (module, instance id).
	// Re-registering refreshes the exposed services and version but keeps
	// the health state already earned.
	RegisterInstance(ctx context.Context, reg Registration) error

	// DeregisterInstance removes an instance. Removing an unknown instance
	// is a no-op.
	DeregisterInstance(ctx context.Context, module, instanceID string) error

	// SendHeartbeat transitions the instance from Registered to Healthy and
	// refreshes its heartbeat timestamp. Heartbeating an unknown instance
	// is a no-op, not an error: a child may heartbeat a registration the
	// host already dropped.
	SendHeartbeat(ctx context.Context, module, instanceID string) error

	// ListInstances returns the instances of one module, or of every module
	// when module is empty, sorted by module then instance id.
	ListInstances(ctx context.Context, module string) ([]InstanceInfo, error)

	// ResolveGrpcService picks one endpoint among the instances exposing
	// the named service, round-robin. Healthy instances are preferred;
	// instances that have not heartbeated yet are used only when no healthy
	// one exposes the service. ErrServiceNotFound when nothing does.
	ResolveGrpcService(ctx context.Context, service string) (Endpoint, error)
}
