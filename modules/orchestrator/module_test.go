package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/directory"
)

type orcTestLogger struct {
	t *testing.T
}

func (l *orcTestLogger) Info(msg string, args ...any)  { l.t.Logf("INFO: %s %v", msg, args) }
func (l *orcTestLogger) Error(msg string, args ...any) { l.t.Logf("ERROR: %s %v", msg, args) }
func (l *orcTestLogger) Warn(msg string, args ...any)  { l.t.Logf("WARN: %s %v", msg, args) }
func (l *orcTestLogger) Debug(msg string, args ...any) { l.t.Logf("DEBUG: %s %v", msg, args) }

type orcPlainModule struct {
	name string
}

func (m *orcPlainModule) Name() string                      { return m.name }
func (m *orcPlainModule) Init(*modhost.ModuleContext) error { return nil }

type orcFixture struct {
	m      *Module
	dir    *directory.Manager
	hub    *modhost.ClientHub
	api    *modhost.APIRegistry
	server *httptest.Server
}

// newOrchestratorFixture discovers the orchestrator plus any extra
// descriptors, wires the module the way the runtime does, and serves its
// routes from an httptest server.
func newOrchestratorFixture(t *testing.T, outOfProcess []string, extra ...modhost.Descriptor) *orcFixture {
	t.Helper()

	reg := modhost.NewRegistry()
	require.NoError(t, reg.Register(modhost.Descriptor{
		Name:   ModuleName,
		System: true,
		New:    func() modhost.Module { return New() },
	}))
	for _, d := range extra {
		require.NoError(t, reg.Register(d))
	}
	snap, err := reg.Discover()
	require.NoError(t, err)

	dir := directory.NewManager(&orcTestLogger{t: t})
	sys := modhost.NewSystemContext(dir, snap, outOfProcess)

	m := New()
	require.NoError(t, m.PreInit(sys))

	hub := modhost.NewClientHub()
	mctx := modhost.NewModuleContext(modhost.ModuleContextConfig{
		Name:    ModuleName,
		Hub:     hub,
		Context: context.Background(),
		Config:  modhost.MapConfig{},
		Logger:  &orcTestLogger{t: t},
	})
	require.NoError(t, m.Init(mctx))

	api := modhost.NewAPIRegistry()
	router := chi.NewRouter()
	require.NoError(t, m.RegisterRoutes(mctx, router, api))

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &orcFixture{m: m, dir: dir, hub: hub, api: api, server: server}
}

func orcGetJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.Unmarshal(body, out))
	}
	return resp.StatusCode
}

func TestOrchestratorHooksNeedSystemContext(t *testing.T) {
	m := New()
	mctx := modhost.NewModuleContext(modhost.ModuleContextConfig{
		Name:    ModuleName,
		Hub:     modhost.NewClientHub(),
		Context: context.Background(),
		Config:  modhost.MapConfig{},
		Logger:  &orcTestLogger{t: t},
	})

	assert.ErrorIs(t, m.Init(mctx), ErrNoSystemContext)
	assert.ErrorIs(t, m.PostInit(context.Background()), ErrNoSystemContext)
}

func TestOrchestratorPublishesDirectoryInHub(t *testing.T) {
	f := newOrchestratorFixture(t, nil)

	api, err := modhost.HubGet[directory.API](f.hub)
	require.NoError(t, err)
	assert.Same(t, f.dir, api)
}

func TestOrchestratorDirectoryWire(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	ctx := context.Background()

	client, err := directory.NewClient(f.server.URL)
	require.NoError(t, err)

	reg := directory.Registration{
		Module:     "billing",
		InstanceID: "inst-1",
		Version:    "1.2.0",
		GrpcServices: map[string]directory.Endpoint{
			"billing.v1.Invoice": directory.TCP("127.0.0.1:9000"),
		},
	}
	require.NoError(t, client.RegisterInstance(ctx, reg))

	instances, err := client.ListInstances(ctx, "billing")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "inst-1", instances[0].InstanceID)
	assert.Equal(t, "1.2.0", instances[0].Version)
	assert.Equal(t, directory.HealthRegistered, instances[0].Health)

	require.NoError(t, client.SendHeartbeat(ctx, "billing", "inst-1"))
	instances, err = client.ListInstances(ctx, "billing")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, directory.HealthHealthy, instances[0].Health)

	endpoint, err := client.ResolveGrpcService(ctx, "billing.v1.Invoice")
	require.NoError(t, err)
	assert.Equal(t, directory.TCP("127.0.0.1:9000"), endpoint)

	_, err = client.ResolveGrpcService(ctx, "ghost.v1.Svc")
	assert.ErrorIs(t, err, directory.ErrServiceNotFound)

	// Bad registrations surface as the wire's 400, not as a silent drop.
	err = client.RegisterInstance(ctx, directory.Registration{InstanceID: "stray"})
	assert.ErrorIs(t, err, directory.ErrClientStatus)

	require.NoError(t, client.DeregisterInstance(ctx, "billing", "inst-1"))
	instances, err = client.ListInstances(ctx, "billing")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestOrchestratorModulesListing(t *testing.T) {
	f := newOrchestratorFixture(t, []string{"reports"},
		modhost.Descriptor{
			Name:         "ledger",
			Version:      "2.1.0",
			Dependencies: []string{ModuleName},
			New:          func() modhost.Module { return &orcPlainModule{name: "ledger"} },
		})

	require.NoError(t, f.dir.RegisterInstance(context.Background(), directory.Registration{
		Module:     "reports",
		InstanceID: "reports-1",
	}))

	var listing []ModuleStatus
	require.Equal(t, http.StatusOK, orcGetJSON(t, f.server.URL+"/modules", &listing))
	require.Len(t, listing, 3)

	rows := make(map[string]ModuleStatus, len(listing))
	for _, row := range listing {
		rows[row.Module] = row
	}

	orc := rows[ModuleName]
	assert.Contains(t, orc.Capabilities, "system")
	assert.Contains(t, orc.Capabilities, "rest")
	assert.False(t, orc.OutOfProcess)
	assert.Empty(t, orc.Instances)

	ledger := rows["ledger"]
	assert.Equal(t, "2.1.0", ledger.Version)
	assert.Equal(t, []string{ModuleName}, ledger.Dependencies)
	assert.Empty(t, ledger.Capabilities)
	assert.NotNil(t, ledger.Capabilities)

	reports := rows["reports"]
	assert.True(t, reports.OutOfProcess)
	require.Len(t, reports.Instances, 1)
	assert.Equal(t, "reports-1", reports.Instances[0].InstanceID)
}

func TestOrchestratorReadiness(t *testing.T) {
	f := newOrchestratorFixture(t, nil)

	var status map[string]string
	require.Equal(t, http.StatusServiceUnavailable, orcGetJSON(t, f.server.URL+"/readyz", &status))
	assert.Equal(t, "starting", status["status"])

	require.NoError(t, f.m.PostInit(context.Background()))

	require.Equal(t, http.StatusOK, orcGetJSON(t, f.server.URL+"/readyz", &status))
	assert.Equal(t, "ready", status["status"])
}

func TestOrchestratorPublishesAPIRoutes(t *testing.T) {
	f := newOrchestratorFixture(t, nil)

	routes := f.api.Routes()
	require.Len(t, routes, 7)
	patterns := make([]string, 0, len(routes))
	for _, route := range routes {
		assert.Equal(t, ModuleName, route.Module)
		patterns = append(patterns, route.Pattern)
	}
	assert.Contains(t, patterns, "/directory/instances")
	assert.Contains(t, patterns, "/modules")
	assert.Contains(t, patterns, "/readyz")
}
