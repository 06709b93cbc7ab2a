// Package gateway provides the HTTP gateway module: the single module that
// owns the process's composed router and serves every other module's REST
// routes.
//
// The gateway wraps the router with the usual middleware stack before other
// modules contribute routes, and mounts the health endpoint and the API
// listing after them. Listening happens in Start; by default the module
// binds an ephemeral local port and reports the resulting base URL, which
// the host hands to out-of-process children as their directory endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/GoCodeAlone/modhost"
)

// ModuleName is the name the gateway registers under.
const ModuleName = "gateway"

const (
	defaultAddr              = "127.0.0.1:0"
	defaultReadHeaderTimeout = 10 * time.Second
	stopGracePeriod          = 5 * time.Second
)

// ErrNoRouter is returned when Start runs before the routing phase composed
// a router.
var ErrNoRouter = errors.New("gateway: no router composed")

// Config is the gateway's configuration section.
type Config struct {
	// Addr is the listen address. The default binds an ephemeral port on
	// loopback, which is what tests and single-host setups want; deployments
	// set an explicit address.
	Addr string `json:"addr" yaml:"addr"`

	// ReadHeaderTimeout guards against slow-header clients, in
	// time.ParseDuration form, e.g. "10s".
	ReadHeaderTimeout string `json:"read_header_timeout" yaml:"read_header_timeout"`
}

// Module implements the gateway, runnable, and HTTP host capabilities.
type Module struct {
	logger            modhost.Logger
	cfg               Config
	readHeaderTimeout time.Duration
	hub               *modhost.ClientHub

	mu      sync.RWMutex
	router  chi.Router
	server  *http.Server
	baseURL string
	bound   bool
}

// New constructs the gateway module.
func New() *Module {
	return &Module{}
}

// Name implements modhost.Module.
func (m *Module) Name() string { return ModuleName }

// Init decodes the gateway config and keeps the hub for the finalize hook.
func (m *Module) Init(ctx *modhost.ModuleContext) error {
	m.logger = ctx.Logger()
	m.hub = ctx.Hub()

	if err := ctx.Config(&m.cfg); err != nil {
		return err
	}
	if m.cfg.Addr == "" {
		m.cfg.Addr = defaultAddr
	}
	m.readHeaderTimeout = defaultReadHeaderTimeout
	if m.cfg.ReadHeaderTimeout != "" {
		d, err := time.ParseDuration(m.cfg.ReadHeaderTimeout)
		if err != nil {
			return fmt.Errorf("gateway: read_header_timeout: %w", err)
		}
		m.readHeaderTimeout = d
	}
	return nil
}

// PrepareRouter installs the global middleware stack before any module
// contributes routes.
func (m *Module) PrepareRouter(_ *modhost.ModuleContext, r chi.Router) chi.Router {
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(m.requestLogger)
	r.Use(middleware.Recoverer)
	return r
}

// FinalizeRouter mounts the gateway's own surface after every module
// registered its routes, and keeps the composed router for Start.
func (m *Module) FinalizeRouter(_ *modhost.ModuleContext, r chi.Router) chi.Router {
	r.Get("/healthz", m.handleHealth)
	r.Get("/api", m.handleAPIListing)

	if api, err := modhost.HubGet[*modhost.APIRegistry](m.hub); err == nil {
		api.Add(modhost.APIRoute{Module: ModuleName, Method: http.MethodGet, Pattern: "/healthz", Description: "gateway liveness"})
		api.Add(modhost.APIRoute{Module: ModuleName, Method: http.MethodGet, Pattern: "/api", Description: "mounted route listing"})
	}

	m.mu.Lock()
	m.router = r
	m.mu.Unlock()
	return r
}

// Start binds the listener, reports readiness, and serves until the context
// is cancelled or Stop is called.
func (m *Module) Start(ctx context.Context, ready *modhost.Ready) error {
	m.mu.Lock()
	router := m.router
	m.mu.Unlock()
	if router == nil {
		return ErrNoRouter
	}

	ln, err := net.Listen("tcp", m.cfg.Addr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: m.readHeaderTimeout,
	}

	m.mu.Lock()
	m.server = server
	m.baseURL = "http://" + ln.Addr().String()
	m.bound = true
	m.mu.Unlock()

	m.logger.Info("gateway listening", "addr", ln.Addr().String())
	ready.Signal()

	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), stopGracePeriod)
		defer cancel()
		_ = server.Shutdown(shCtx)
	}()

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests within the shutdown deadline. The context
// cancellation path in Start covers the case where Stop is never called.
func (m *Module) Stop(ctx context.Context) error {
	m.mu.RLock()
	server := m.server
	m.mu.RUnlock()
	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// BaseURL reports the bound serving address once Start has bound it.
func (m *Module) BaseURL() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.baseURL, m.bound
}

func (m *Module) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (m *Module) handleAPIListing(w http.ResponseWriter, _ *http.Request) {
	api, err := modhost.HubGet[*modhost.APIRegistry](m.hub)
	if err != nil {
		writeJSON(w, http.StatusOK, []modhost.APIRoute{})
		return
	}
	writeJSON(w, http.StatusOK, api.Routes())
}

// requestLogger logs one line per request through the host's structured
// logger instead of chi's stdlib-flavored default.
func (m *Module) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		m.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
