// Package backend turns module configurations into running child processes
// and back again. The local backend spawns executables on the host machine,
// forwards their stdout/stderr into the host's structured log, and terminates
// them gracefully: SIGTERM first, SIGKILL after a grace period.
//
// The backend is bound to the runtime's root cancellation at construction;
// when that context fires, every spawned process is terminated without any
// further caller action.
package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/modhost/directory"
)

// Logger matches the host runtime's logger shape.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// KindLocal is the backend kind handled by LocalProcessBackend.
const KindLocal = "local"

const (
	// shutdownGracePeriod is how long ShutdownAll waits between SIGTERM and
	// SIGKILL for each child.
	shutdownGracePeriod = 5 * time.Second

	// instanceStopGracePeriod is the SIGTERM-to-SIGKILL window for stopping
	// a single instance.
	instanceStopGracePeriod = 2 * time.Second

	// forwarderDrainTimeout bounds how long a stop waits for the log
	// forwarders to flush the child's final output.
	forwarderDrainTimeout = 100 * time.Millisecond
)

// SpawnConfig describes one out-of-process module launch: the executable,
// its arguments and environment, and the rendered configuration blob the
// child self-configures from.
type SpawnConfig struct {
	// Module is the module name the child runs as.
	Module string

	// Backend selects the backend kind. Empty means local.
	Backend string

	// Binary is the executable path. Required.
	Binary string

	// Args are the command line arguments.
	Args []string

	// Env are extra environment variables, layered over the host's own
	// environment and the child contract variables.
	Env map[string]string

	// WorkingDir is the child's working directory. A missing directory is
	// logged and the child falls back to the host's working directory.
	WorkingDir string

	// Config is the module's rendered configuration, injected as
	// MODHOST_MODULE_CONFIG.
	Config json.RawMessage

	// DirectoryEndpoint is the base URL of the host's directory routes,
	// injected as MODHOST_DIRECTORY_ENDPOINT so the child can register
	// itself.
	DirectoryEndpoint string
}

// InstanceHandle identifies one spawned process. Handles are owned by the
// backend and released when the process is stopped or exits.
type InstanceHandle struct {
	Module     string
	InstanceID string
	Backend    string
	PID        int
	CreatedAt  time.Time
}

type trackedProcess struct {
	handle     InstanceHandle
	cmd        *exec.Cmd
	waitDone   chan struct{}
	waitErr    error
	forwarders sync.WaitGroup
	stopping   atomic.Bool
}

// LocalProcessBackend supervises child processes on the local machine.
type LocalProcessBackend struct {
	logger Logger
	onExit func(handle InstanceHandle, err error)

	mu        sync.Mutex
	processes map[string]*trackedProcess // keyed by instance id
	shutdown  bool
}

// LocalOption configures a LocalProcessBackend.
type LocalOption func(*LocalProcessBackend)

// WithExitHandler installs a callback invoked when a child exits on its own,
// outside of an explicit stop. The runtime uses it to emit process events.
func WithExitHandler(fn func(handle InstanceHandle, err error)) LocalOption {
	return func(b *LocalProcessBackend) { b.onExit = fn }
}

// NewLocalProcessBackend returns a backend bound to ctx: when ctx is
// cancelled, the backend terminates every remaining child by itself.
func NewLocalProcessBackend(ctx context.Context, logger Logger, opts ...LocalOption) *LocalProcessBackend {
	b := &LocalProcessBackend{
		logger:    logger,
		processes: make(map[string]*trackedProcess),
	}
	for _, opt := range opts {
		opt(b)
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*shutdownGracePeriod)
		defer cancel()
		if err := b.ShutdownAll(shutdownCtx); err != nil {
			logger.Error("backend shutdown on cancellation failed", "error", err)
		}
	}()
	return b
}

// Spawn launches the configured executable and starts supervising it.
// Validation failures and exec errors are returned to the caller; a child
// dying later is logged and its handle released, with no automatic restart.
func (b *LocalProcessBackend) Spawn(ctx context.Context, cfg SpawnConfig) (InstanceHandle, error) {
	if cfg.Backend != "" && cfg.Backend != KindLocal {
		return InstanceHandle{}, fmt.Errorf("%w: %q", ErrUnsupportedBackend, cfg.Backend)
	}
	if cfg.Module == "" {
		return InstanceHandle{}, ErrModuleRequired
	}
	if cfg.Binary == "" {
		return InstanceHandle{}, fmt.Errorf("%w: module %s", ErrBinaryRequired, cfg.Module)
	}

	workDir := cfg.WorkingDir
	if workDir != "" {
		if _, err := os.Stat(workDir); err != nil {
			b.logger.Warn("working directory unavailable, falling back to host cwd",
				"module", cfg.Module, "dir", workDir, "error", err)
			workDir = ""
		}
	}

	instanceID := newInstanceID()

	cmd := exec.Command(cfg.Binary, cfg.Args...)
	cmd.Dir = workDir
	cmd.Env = childEnv(cfg, instanceID)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return InstanceHandle{}, fmt.Errorf("piping stdout for %s: %w", cfg.Module, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return InstanceHandle{}, fmt.Errorf("piping stderr for %s: %w", cfg.Module, err)
	}

	if err := cmd.Start(); err != nil {
		return InstanceHandle{}, fmt.Errorf("spawning module %s (%s): %w", cfg.Module, cfg.Binary, err)
	}

	t := &trackedProcess{
		handle: InstanceHandle{
			Module:     cfg.Module,
			InstanceID: instanceID,
			Backend:    KindLocal,
			PID:        cmd.Process.Pid,
			CreatedAt:  time.Now(),
		},
		cmd:      cmd,
		waitDone: make(chan struct{}),
	}

	// Track before the reaper starts so a child that exits immediately is
	// still found in the map when reap releases it.
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return InstanceHandle{}, ErrAlreadyShutDown
	}
	b.processes[instanceID] = t
	b.mu.Unlock()

	t.forwarders.Add(2)
	go b.forward(t, stdout, "stdout")
	go b.forward(t, stderr, "stderr")
	go b.reap(t)

	b.logger.Info("module process spawned",
		"module", cfg.Module, "instance", instanceID, "pid", t.handle.PID, "binary", cfg.Binary)
	return t.handle, nil
}

// StopInstance terminates one spawned process. Stopping an unknown instance
// is a no-op.
func (b *LocalProcessBackend) StopInstance(ctx context.Context, module, instanceID string) error {
	b.mu.Lock()
	t, ok := b.processes[instanceID]
	if ok && t.handle.Module != module {
		ok = false
	}
	if ok {
		delete(b.processes, instanceID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("stop of unknown instance ignored", "module", module, "instance", instanceID)
		return nil
	}

	grace := instanceStopGracePeriod
	if deadline, has := ctx.Deadline(); has {
		if until := time.Until(deadline); until < grace {
			grace = until
		}
	}
	b.terminate(t, grace)
	return nil
}

// ListInstances returns the handles currently tracked for module, or all
// handles when module is empty.
func (b *LocalProcessBackend) ListInstances(module string) []InstanceHandle {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []InstanceHandle
	for _, t := range b.processes {
		if module != "" && t.handle.Module != module {
			continue
		}
		out = append(out, t.handle)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	return out
}

// ShutdownAll terminates every remaining child concurrently. It is safe to
// call more than once; later calls find nothing to stop.
func (b *LocalProcessBackend) ShutdownAll(ctx context.Context) error {
	b.mu.Lock()
	b.shutdown = true
	remaining := make([]*trackedProcess, 0, len(b.processes))
	for _, t := range b.processes {
		remaining = append(remaining, t)
	}
	b.processes = make(map[string]*trackedProcess)
	b.mu.Unlock()

	if len(remaining) == 0 {
		return nil
	}
	b.logger.Info("stopping all module processes", "count", len(remaining))

	grace := shutdownGracePeriod
	if deadline, has := ctx.Deadline(); has {
		if until := time.Until(deadline); until < grace {
			grace = until
		}
	}

	var wg sync.WaitGroup
	for _, t := range remaining {
		wg.Add(1)
		go func(t *trackedProcess) {
			defer wg.Done()
			b.terminate(t, grace)
		}(t)
	}
	wg.Wait()
	return nil
}

// terminate asks the child to exit with SIGTERM, escalates to SIGKILL after
// the grace period, then waits for the reaper and drains the log forwarders.
func (b *LocalProcessBackend) terminate(t *trackedProcess, grace time.Duration) {
	t.stopping.Store(true)

	select {
	case <-t.waitDone:
		// Already exited on its own.
	default:
		if err := t.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			b.logger.Debug("SIGTERM failed, killing",
				"module", t.handle.Module, "instance", t.handle.InstanceID, "error", err)
			_ = t.cmd.Process.Kill()
		}
		select {
		case <-t.waitDone:
		case <-time.After(grace):
			b.logger.Warn("grace period expired, killing",
				"module", t.handle.Module, "instance", t.handle.InstanceID, "pid", t.handle.PID)
			_ = t.cmd.Process.Kill()
			<-t.waitDone
		}
	}

	drained := make(chan struct{})
	go func() {
		t.forwarders.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(forwarderDrainTimeout):
	}

	b.logger.Info("module process stopped",
		"module", t.handle.Module, "instance", t.handle.InstanceID, "pid", t.handle.PID)
}

// reap waits for the child and, when it exited without anyone asking it to,
// releases the handle and reports the death. No automatic restart: a dead
// child is a degraded instance, not a host failure.
func (b *LocalProcessBackend) reap(t *trackedProcess) {
	t.waitErr = t.cmd.Wait()
	close(t.waitDone)

	if t.stopping.Load() {
		return
	}

	b.mu.Lock()
	_, tracked := b.processes[t.handle.InstanceID]
	delete(b.processes, t.handle.InstanceID)
	b.mu.Unlock()
	if !tracked {
		return
	}

	b.logger.Warn("module process exited unexpectedly",
		"module", t.handle.Module, "instance", t.handle.InstanceID,
		"pid", t.handle.PID, "error", t.waitErr)
	if b.onExit != nil {
		b.onExit(t.handle, t.waitErr)
	}
}

func (b *LocalProcessBackend) forward(t *trackedProcess, r io.Reader, stream string) {
	defer t.forwarders.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if stream == "stderr" {
			b.logger.Warn("child stderr",
				"module", t.handle.Module, "instance", t.handle.InstanceID, "line", line)
			continue
		}
		b.logger.Info("child stdout",
			"module", t.handle.Module, "instance", t.handle.InstanceID, "line", line)
	}
}

// childEnv layers the child contract variables and the config's extra
// variables over the host environment. Extra variables are appended in
// sorted order so spawns are reproducible.
func childEnv(cfg SpawnConfig, instanceID string) []string {
	env := os.Environ()
	env = append(env,
		directory.EnvModuleName+"="+cfg.Module,
		directory.EnvInstanceID+"="+instanceID,
	)
	if len(cfg.Config) > 0 {
		env = append(env, directory.EnvModuleConfig+"="+string(cfg.Config))
	}
	if cfg.DirectoryEndpoint != "" {
		env = append(env, directory.EnvDirectoryEndpoint+"="+cfg.DirectoryEndpoint)
	}

	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+cfg.Env[k])
	}
	return env
}

// newInstanceID returns a UUIDv7 so instance ids sort by creation time in
// directory listings.
func newInstanceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
