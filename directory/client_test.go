package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clientTestServer is an httptest handler speaking the directory wire: the
// same routes the orchestrator module mounts on the host gateway.
type clientTestServer struct {
	t *testing.T

	mu            sync.Mutex
	requests      []string
	registrations []Registration
}

func (s *clientTestServer) record(r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.Method+" "+r.URL.RequestURI())
	s.mu.Unlock()
}

func (s *clientTestServer) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *clientTestServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.record(r)

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/directory/instances":
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			s.t.Errorf("unexpected content type %q", got)
		}
		var reg Registration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.registrations = append(s.registrations, reg)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodDelete && r.URL.Path == "/directory/instances/billing/inst-1":
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPost && r.URL.Path == "/directory/instances/billing/inst-1/heartbeat":
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodGet && r.URL.Path == "/directory/instances":
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]InstanceInfo{
			{
				Module:        "billing",
				InstanceID:    "inst-1",
				Version:       "1.4.0",
				GrpcServices:  map[string]Endpoint{"billing.v1.Invoice": TCP("127.0.0.1:9000")},
				Health:        HealthHealthy,
				LastHeartbeat: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			},
		})

	case r.Method == http.MethodGet && r.URL.Path == "/directory/services/billing.v1.Invoice":
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]Endpoint{"endpoint": TCP("127.0.0.1:9000")})

	case r.Method == http.MethodGet && r.URL.Path == "/directory/services/ghost.v1.Svc":
		http.Error(w, "service not found", http.StatusNotFound)

	default:
		http.Error(w, "boom", http.StatusInternalServerError)
	}
}

func newClientFixture(t *testing.T) (*Client, *clientTestServer) {
	t.Helper()
	handler := &clientTestServer{t: t}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	// Trailing slash on the base URL is tolerated.
	client, err := NewClient(server.URL + "/")
	require.NoError(t, err)
	return client, handler
}

func TestClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient("")
	assert.ErrorIs(t, err, ErrClientBaseURL)
}

func TestClientRegisterInstance(t *testing.T) {
	client, server := newClientFixture(t)

	reg := Registration{
		Module:       "billing",
		InstanceID:   "inst-1",
		Version:      "1.4.0",
		GrpcServices: map[string]Endpoint{"billing.v1.Invoice": TCP("127.0.0.1:9000")},
	}
	require.NoError(t, client.RegisterInstance(context.Background(), reg))

	server.mu.Lock()
	defer server.mu.Unlock()
	require.Len(t, server.registrations, 1)
	assert.Equal(t, reg, server.registrations[0])
}

func TestClientDeregisterAndHeartbeat(t *testing.T) {
	client, server := newClientFixture(t)
	ctx := context.Background()

	require.NoError(t, client.SendHeartbeat(ctx, "billing", "inst-1"))
	require.NoError(t, client.DeregisterInstance(ctx, "billing", "inst-1"))

	assert.Equal(t, []string{
		"POST /directory/instances/billing/inst-1/heartbeat",
		"DELETE /directory/instances/billing/inst-1",
	}, server.recorded())
}

func TestClientListInstances(t *testing.T) {
	client, server := newClientFixture(t)

	instances, err := client.ListInstances(context.Background(), "billing")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "billing", instances[0].Module)
	assert.Equal(t, HealthHealthy, instances[0].Health)
	assert.Equal(t, TCP("127.0.0.1:9000"), instances[0].GrpcServices["billing.v1.Invoice"])

	// The module filter travels as a query parameter.
	assert.Equal(t, []string{"GET /directory/instances?module=billing"}, server.recorded())
}

func TestClientResolveGrpcService(t *testing.T) {
	client, _ := newClientFixture(t)
	ctx := context.Background()

	ep, err := client.ResolveGrpcService(ctx, "billing.v1.Invoice")
	require.NoError(t, err)
	assert.Equal(t, "tcp://127.0.0.1:9000", ep.URI())

	// The host's 404 maps back to the sentinel the in-process manager uses.
	_, err = client.ResolveGrpcService(ctx, "ghost.v1.Svc")
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestClientSurfacesServerErrors(t *testing.T) {
	client, _ := newClientFixture(t)

	err := client.RegisterInstance(context.Background(), Registration{Module: "unrouted", InstanceID: "x"})
	require.NoError(t, err)

	// An unrouted path answers 500, which is neither success nor not-found.
	err = client.SendHeartbeat(context.Background(), "ghost", "inst-9")
	assert.ErrorIs(t, err, ErrClientStatus)
}
