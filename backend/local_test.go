package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modhost/directory"
)

// bkTestLogger records rendered log lines so tests can assert on forwarded
// child output.
type bkTestLogger struct {
	t *testing.T

	mu    sync.Mutex
	lines []string
}

func (l *bkTestLogger) log(level, msg string, args []any) {
	line := fmt.Sprint(level, ": ", msg, " ", fmt.Sprint(args...))
	l.mu.Lock()
	l.lines = append(l.lines, line)
	l.mu.Unlock()
	l.t.Log(line)
}

func (l *bkTestLogger) Info(msg string, args ...any)  { l.log("INFO", msg, args) }
func (l *bkTestLogger) Error(msg string, args ...any) { l.log("ERROR", msg, args) }
func (l *bkTestLogger) Warn(msg string, args ...any)  { l.log("WARN", msg, args) }
func (l *bkTestLogger) Debug(msg string, args ...any) { l.log("DEBUG", msg, args) }

func (l *bkTestLogger) logged(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func newTestBackend(t *testing.T, opts ...LocalOption) (*LocalProcessBackend, *bkTestLogger) {
	t.Helper()
	logger := &bkTestLogger{t: t}
	b := NewLocalProcessBackend(context.Background(), logger, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.ShutdownAll(ctx)
	})
	return b, logger
}

func TestSpawnValidation(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		cfg     SpawnConfig
		wantErr error
	}{
		{
			name:    "unsupported backend kind",
			cfg:     SpawnConfig{Module: "reports", Backend: "k8s", Binary: "/bin/true"},
			wantErr: ErrUnsupportedBackend,
		},
		{
			name:    "missing module",
			cfg:     SpawnConfig{Binary: "/bin/true"},
			wantErr: ErrModuleRequired,
		},
		{
			name:    "missing binary",
			cfg:     SpawnConfig{Module: "reports"},
			wantErr: ErrBinaryRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Spawn(ctx, tt.cfg)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSpawnMissingExecutable(t *testing.T) {
	b, _ := newTestBackend(t)

	_, err := b.Spawn(context.Background(), SpawnConfig{
		Module: "reports",
		Binary: "/nonexistent/reports-binary",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spawning module reports")
}

func TestSpawnAndStopInstance(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	handle, err := b.Spawn(ctx, SpawnConfig{
		Module: "reports",
		Binary: "/bin/sleep",
		Args:   []string{"30"},
	})
	require.NoError(t, err)
	assert.Equal(t, "reports", handle.Module)
	assert.Equal(t, KindLocal, handle.Backend)
	assert.Greater(t, handle.PID, 0)
	_, err = uuid.Parse(handle.InstanceID)
	assert.NoError(t, err)

	listed := b.ListInstances("reports")
	require.Len(t, listed, 1)
	assert.Equal(t, handle.InstanceID, listed[0].InstanceID)

	// A module mismatch leaves the instance alone.
	require.NoError(t, b.StopInstance(ctx, "mailer", handle.InstanceID))
	assert.Len(t, b.ListInstances(""), 1)

	require.NoError(t, b.StopInstance(ctx, "reports", handle.InstanceID))
	assert.Empty(t, b.ListInstances(""))

	// Stopping again is a no-op.
	assert.NoError(t, b.StopInstance(ctx, "reports", handle.InstanceID))
}

func TestListInstancesFilters(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	_, err := b.Spawn(ctx, SpawnConfig{Module: "reports", Binary: "/bin/sleep", Args: []string{"30"}})
	require.NoError(t, err)
	_, err = b.Spawn(ctx, SpawnConfig{Module: "mailer", Binary: "/bin/sleep", Args: []string{"30"}})
	require.NoError(t, err)

	all := b.ListInstances("")
	require.Len(t, all, 2)
	// Sorted by module name.
	assert.Equal(t, "mailer", all[0].Module)
	assert.Equal(t, "reports", all[1].Module)

	assert.Len(t, b.ListInstances("reports"), 1)
	assert.Empty(t, b.ListInstances("ghost"))
}

func TestShutdownAll(t *testing.T) {
	logger := &bkTestLogger{t: t}
	b := NewLocalProcessBackend(context.Background(), logger)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := b.Spawn(ctx, SpawnConfig{Module: "reports", Binary: "/bin/sleep", Args: []string{"30"}})
		require.NoError(t, err)
	}

	require.NoError(t, b.ShutdownAll(ctx))
	assert.Empty(t, b.ListInstances(""))

	// Idempotent.
	require.NoError(t, b.ShutdownAll(ctx))

	// The backend refuses new work after shutdown.
	_, err := b.Spawn(ctx, SpawnConfig{Module: "reports", Binary: "/bin/sleep", Args: []string{"30"}})
	assert.ErrorIs(t, err, ErrAlreadyShutDown)
}

func TestUnexpectedExitReleasesHandle(t *testing.T) {
	var mu sync.Mutex
	var exited []InstanceHandle
	var exitErrs []error

	b, _ := newTestBackend(t, WithExitHandler(func(handle InstanceHandle, err error) {
		mu.Lock()
		exited = append(exited, handle)
		exitErrs = append(exitErrs, err)
		mu.Unlock()
	}))

	handle, err := b.Spawn(context.Background(), SpawnConfig{
		Module: "reports",
		Binary: "/bin/sh",
		Args:   []string{"-c", "exit 3"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(exited) == 1
	}, 5*time.Second, 10*time.Millisecond, "exit handler never ran")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, handle.InstanceID, exited[0].InstanceID)
	assert.Error(t, exitErrs[0])
	assert.Empty(t, b.ListInstances(""))
}

func TestChildOutputIsForwarded(t *testing.T) {
	b, logger := newTestBackend(t)

	_, err := b.Spawn(context.Background(), SpawnConfig{
		Module: "reports",
		Binary: "/bin/sh",
		Args:   []string{"-c", "echo render-done; echo render-warning >&2"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return logger.logged("render-done") && logger.logged("render-warning")
	}, 5*time.Second, 10*time.Millisecond, "child output never reached the log")
	assert.True(t, logger.logged("child stdout"))
	assert.True(t, logger.logged("child stderr"))
}

func TestChildEnvContract(t *testing.T) {
	env := childEnv(SpawnConfig{
		Module:            "reports",
		Config:            []byte(`{"format":"pdf"}`),
		DirectoryEndpoint: "http://127.0.0.1:8080",
		Env:               map[string]string{"B_VAR": "2", "A_VAR": "1"},
	}, "inst-42")

	want := []string{
		directory.EnvModuleName + "=reports",
		directory.EnvInstanceID + "=inst-42",
		directory.EnvModuleConfig + `={"format":"pdf"}`,
		directory.EnvDirectoryEndpoint + "=http://127.0.0.1:8080",
		"A_VAR=1",
		"B_VAR=2",
	}
	// The contract variables and sorted extras come after the inherited host
	// environment, in this exact order.
	require.GreaterOrEqual(t, len(env), len(want))
	assert.Equal(t, want, env[len(env)-len(want):])
}

func TestBackendStopsChildrenOnContextCancel(t *testing.T) {
	logger := &bkTestLogger{t: t}
	ctx, cancel := context.WithCancel(context.Background())
	b := NewLocalProcessBackend(ctx, logger)

	_, err := b.Spawn(context.Background(), SpawnConfig{
		Module: "reports",
		Binary: "/bin/sleep",
		Args:   []string{"30"},
	})
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		return len(b.ListInstances("")) == 0
	}, 5*time.Second, 10*time.Millisecond, "children survived the root cancellation")
}
