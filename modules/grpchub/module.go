// Package grpchub provides the gRPC hub module: the single module that
// hosts one gRPC server for every service the other modules expose.
//
// The hub binds its listener inside RunGrpcHost, registers all collected
// services plus the standard gRPC health service, records the bound endpoint
// for the host to publish in the directory, and serves until the root
// context is cancelled.
package grpchub

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/directory"
)

// ModuleName is the name the hub registers under.
const ModuleName = "grpc-hub"

const (
	defaultNetwork  = "tcp"
	defaultAddr     = "127.0.0.1:0"
	stopGracePeriod = 5 * time.Second
)

// Config is the hub's configuration section.
type Config struct {
	// Network is "tcp" or "unix".
	Network string `json:"network" yaml:"network"`

	// Addr is the listen address: host:port for tcp, a socket path for unix.
	// The default binds an ephemeral loopback port.
	Addr string `json:"addr" yaml:"addr"`
}

// Module implements the grpc hub capability.
type Module struct {
	logger modhost.Logger
	cfg    Config

	mu       sync.RWMutex
	endpoint directory.Endpoint
	bound    bool
}

// New constructs the hub module.
func New() *Module {
	return &Module{}
}

// Name implements modhost.Module.
func (m *Module) Name() string { return ModuleName }

// Init decodes the hub config.
func (m *Module) Init(ctx *modhost.ModuleContext) error {
	m.logger = ctx.Logger()
	if err := ctx.Config(&m.cfg); err != nil {
		return err
	}
	if m.cfg.Network == "" {
		m.cfg.Network = defaultNetwork
	}
	switch m.cfg.Network {
	case "tcp", "unix":
	default:
		return fmt.Errorf("grpchub: unsupported network %q", m.cfg.Network)
	}
	if m.cfg.Addr == "" {
		if m.cfg.Network == "unix" {
			return fmt.Errorf("grpchub: unix network needs an explicit socket path")
		}
		m.cfg.Addr = defaultAddr
	}
	return nil
}

// RunGrpcHost binds the listener, registers every collected service and the
// health service, records the bound endpoint, signals ready, and serves
// until ctx is cancelled.
func (m *Module) RunGrpcHost(ctx context.Context, services []modhost.GrpcServiceRegistration, ready *modhost.Ready) error {
	ln, err := net.Listen(m.cfg.Network, m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("grpchub: listen %s %s: %w", m.cfg.Network, m.cfg.Addr, err)
	}

	server := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(server, healthSrv)
	for _, svc := range services {
		svc.Register(server)
		healthSrv.SetServingStatus(svc.ServiceName, healthpb.HealthCheckResponse_SERVING)
		m.logger.Debug("grpc service bound", "service", svc.ServiceName)
	}

	var endpoint directory.Endpoint
	if m.cfg.Network == "unix" {
		endpoint = directory.UDS(m.cfg.Addr)
	} else {
		endpoint = directory.TCP(ln.Addr().String())
	}
	m.mu.Lock()
	m.endpoint = endpoint
	m.bound = true
	m.mu.Unlock()

	m.logger.Info("grpc hub listening", "endpoint", endpoint.URI(), "services", len(services))
	ready.Signal()

	go func() {
		<-ctx.Done()
		healthSrv.Shutdown()
		stopped := make(chan struct{})
		go func() {
			server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(stopGracePeriod):
			server.Stop()
		}
	}()

	if err := server.Serve(ln); err != nil && ctx.Err() == nil {
		return fmt.Errorf("grpchub: serve: %w", err)
	}
	return nil
}

// BoundEndpoint reports the endpoint the hub serves on once bound.
func (m *Module) BoundEndpoint() (directory.Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.endpoint, m.bound
}
