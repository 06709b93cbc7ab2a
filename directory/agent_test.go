package directory

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errAgentRegisterRefused = errors.New("registration refused")

// agentTestAPI fails the first few registrations before delegating to a real
// manager, mimicking a child reaching the host before it finished starting.
type agentTestAPI struct {
	*Manager
	failures int

	mu       sync.Mutex
	attempts int
}

func (a *agentTestAPI) RegisterInstance(ctx context.Context, reg Registration) error {
	a.mu.Lock()
	a.attempts++
	fail := a.attempts <= a.failures
	a.mu.Unlock()
	if fail {
		return errAgentRegisterRefused
	}
	return a.Manager.RegisterInstance(ctx, reg)
}

func (a *agentTestAPI) registerAttempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts
}

func TestAgentLifecycle(t *testing.T) {
	logger := &dirTestLogger{t: t}
	m := NewManager(logger)
	agent := NewAgent(m, logger, Registration{
		Module:       "reports",
		InstanceID:   "child-1",
		GrpcServices: map[string]Endpoint{"reports.v1.Render": TCP("127.0.0.1:7100")},
	}, WithHeartbeatInterval(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	// The agent registers and heartbeats immediately, so the instance is
	// healthy without waiting a full interval.
	require.Eventually(t, func() bool {
		instances, err := m.ListInstances(context.Background(), "reports")
		return err == nil && len(instances) == 1 && instances[0].Health == HealthHealthy
	}, 3*time.Second, 10*time.Millisecond)

	ep, err := m.ResolveGrpcService(context.Background(), "reports.v1.Render")
	require.NoError(t, err)
	assert.Equal(t, "tcp://127.0.0.1:7100", ep.URI())

	// Cancellation deregisters on the way out.
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not stop after cancellation")
	}

	instances, err := m.ListInstances(context.Background(), "reports")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestAgentRetriesRegistration(t *testing.T) {
	logger := &dirTestLogger{t: t}
	api := &agentTestAPI{Manager: NewManager(logger), failures: 2}
	agent := NewAgent(api, logger, Registration{Module: "reports", InstanceID: "child-2"},
		WithHeartbeatInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	require.Eventually(t, func() bool {
		instances, err := api.Manager.ListInstances(context.Background(), "reports")
		return err == nil && len(instances) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 3, api.registerAttempts())

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not stop after cancellation")
	}
}

func TestAgentStopsRetryingOnCancel(t *testing.T) {
	logger := &dirTestLogger{t: t}
	api := &agentTestAPI{Manager: NewManager(logger), failures: registerMaxAttempts}
	agent := NewAgent(api, logger, Registration{Module: "reports", InstanceID: "child-3"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("agent kept retrying after cancellation")
	}
}

func TestAgentFromChildEnv(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	t.Setenv(EnvModuleName, "reports")
	t.Setenv(EnvInstanceID, "child-7")
	t.Setenv(EnvDirectoryEndpoint, server.URL)
	t.Setenv(EnvModuleConfig, `{"format":"pdf"}`)

	agent, err := AgentFromChildEnv(&dirTestLogger{t: t},
		map[string]Endpoint{"reports.v1.Render": TCP("127.0.0.1:7100")},
		WithHeartbeatInterval(time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	contains := func(call string) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range calls {
			if c == call {
				return true
			}
		}
		return false
	}
	require.Eventually(t, func() bool {
		return contains("POST /directory/instances") &&
			contains("POST /directory/instances/reports/child-7/heartbeat")
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not stop after cancellation")
	}
	assert.True(t, contains("DELETE /directory/instances/reports/child-7"))
}

func TestAgentFromChildEnvRequiresIdentity(t *testing.T) {
	t.Setenv(EnvModuleName, "")
	t.Setenv(EnvInstanceID, "child-7")

	_, err := AgentFromChildEnv(&dirTestLogger{t: t}, nil)
	assert.ErrorIs(t, err, ErrChildEnvMissing)
}
