package modhost

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/modhost/feeders"
)

// ConfigProvider supplies per-module configuration sections. The runtime
// hands each module its own section through the module context; modules
// never see each other's configuration.
type ConfigProvider interface {
	// ModuleConfig returns the named module's raw config section. The second
	// return is false when the module has no section.
	ModuleConfig(name string) (json.RawMessage, bool)
}

// DeploymentPlanner is an optional capability of a ConfigProvider: it names
// the modules that run as child processes and describes how to launch them.
// The runtime probes for it when no explicit deployment plan was given.
type DeploymentPlanner interface {
	OutOfProcess() []string
	OopModule(name string) (OopModuleConfig, bool)
}

// Deployment values accepted in a module's config section.
const (
	DeploymentLocal        = "local"
	DeploymentOutOfProcess = "out_of_process"
)

// OopModuleConfig describes how one out-of-process module is launched.
type OopModuleConfig struct {
	Module     string
	Binary     string
	Args       []string
	Env        map[string]string
	WorkingDir string
}

// HostSettings carries host-level tunables loaded from the config file.
// Zero values mean "use the runtime default".
type HostSettings struct {
	StartTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type hostSection struct {
	StartTimeout    string `json:"start_timeout" yaml:"start_timeout" toml:"start_timeout" env:"START_TIMEOUT"`
	ShutdownTimeout string `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type moduleSection struct {
	Deployment string            `json:"deployment" yaml:"deployment" toml:"deployment"`
	Binary     string            `json:"binary" yaml:"binary" toml:"binary"`
	Args       []string          `json:"args" yaml:"args" toml:"args"`
	Env        map[string]string `json:"env" yaml:"env" toml:"env"`
	WorkingDir string            `json:"working_dir" yaml:"working_dir" toml:"working_dir"`
	Config     map[string]any    `json:"config" yaml:"config" toml:"config"`
}

type fileTree struct {
	Host    hostSection              `json:"host" yaml:"host" toml:"host"`
	Modules map[string]moduleSection `json:"modules" yaml:"modules" toml:"modules"`
}

// FileConfig loads host settings and module sections from a YAML, TOML, or
// JSON file, chosen by extension. Environment variables with the MODHOST
// prefix override the host section. Reload re-reads the same file and swaps
// the parsed snapshot atomically, which is what the config watcher calls.
type FileConfig struct {
	path      string
	envPrefix string

	mu       sync.RWMutex
	host     HostSettings
	sections map[string]json.RawMessage
	oop      map[string]OopModuleConfig
	oopOrder []string
}

// NewFileConfig loads the file at path. Unsupported extensions and malformed
// content fail immediately rather than at first use.
func NewFileConfig(path string) (*FileConfig, error) {
	fc := &FileConfig{path: path, envPrefix: "MODHOST"}
	if _, err := fileFeeder(path); err != nil {
		return nil, err
	}
	if err := fc.Reload(); err != nil {
		return nil, err
	}
	return fc, nil
}

func fileFeeder(path string) (feeders.Feeder, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return feeders.NewYamlFeeder(path), nil
	case ".toml":
		return feeders.NewTomlFeeder(path), nil
	case ".json":
		return feeders.NewJSONFeeder(path), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrConfigFileUnsupported, path)
	}
}

// Reload re-reads the backing file. On error the previous snapshot stays in
// place, so a half-written file during a live edit cannot take the host's
// configuration away.
func (fc *FileConfig) Reload() error {
	feeder, err := fileFeeder(fc.path)
	if err != nil {
		return err
	}

	var tree fileTree
	if err := feeder.Feed(&tree); err != nil {
		return err
	}
	if err := feeders.NewEnvFeeder(fc.envPrefix).Feed(&tree.Host); err != nil {
		return err
	}

	host, err := parseHostSettings(tree.Host)
	if err != nil {
		return err
	}

	sections := make(map[string]json.RawMessage, len(tree.Modules))
	oop := make(map[string]OopModuleConfig)
	for name, sec := range tree.Modules {
		switch sec.Deployment {
		case "", DeploymentLocal:
		case DeploymentOutOfProcess:
			if sec.Binary == "" {
				return fmt.Errorf("%w: module %s: deployment %s requires a binary", ErrConfigDecode, name, DeploymentOutOfProcess)
			}
			oop[name] = OopModuleConfig{
				Module:     name,
				Binary:     sec.Binary,
				Args:       append([]string(nil), sec.Args...),
				Env:        copyStringMap(sec.Env),
				WorkingDir: sec.WorkingDir,
			}
		default:
			return fmt.Errorf("%w: module %s: unknown deployment %q", ErrConfigDecode, name, sec.Deployment)
		}
		if sec.Config == nil {
			continue
		}
		raw, err := json.Marshal(sec.Config)
		if err != nil {
			return fmt.Errorf("%w: module %s: %w", ErrConfigDecode, name, err)
		}
		sections[name] = raw
	}

	order := make([]string, 0, len(oop))
	for name := range oop {
		order = append(order, name)
	}
	sort.Strings(order)

	fc.mu.Lock()
	fc.host = host
	fc.sections = sections
	fc.oop = oop
	fc.oopOrder = order
	fc.mu.Unlock()
	return nil
}

func parseHostSettings(raw hostSection) (HostSettings, error) {
	var out HostSettings
	var err error
	if out.StartTimeout, err = parseOptionalDuration("host.start_timeout", raw.StartTimeout); err != nil {
		return HostSettings{}, err
	}
	if out.ShutdownTimeout, err = parseOptionalDuration("host.shutdown_timeout", raw.ShutdownTimeout); err != nil {
		return HostSettings{}, err
	}
	return out, nil
}

func parseOptionalDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrConfigDecode, field, err)
	}
	return d, nil
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Path returns the backing file path.
func (fc *FileConfig) Path() string { return fc.path }

// Host returns the parsed host settings.
func (fc *FileConfig) Host() HostSettings {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.host
}

// ModuleConfig returns the named module's config section.
func (fc *FileConfig) ModuleConfig(name string) (json.RawMessage, bool) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	raw, ok := fc.sections[name]
	return raw, ok
}

// OutOfProcess returns the modules declared with out_of_process deployment,
// sorted by name.
func (fc *FileConfig) OutOfProcess() []string {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return append([]string(nil), fc.oopOrder...)
}

// OopModule returns the launch description for one out-of-process module.
func (fc *FileConfig) OopModule(name string) (OopModuleConfig, bool) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	cfg, ok := fc.oop[name]
	if !ok {
		return OopModuleConfig{}, false
	}
	cfg.Args = append([]string(nil), cfg.Args...)
	cfg.Env = copyStringMap(cfg.Env)
	return cfg, true
}

// MapConfig is an in-memory ConfigProvider for tests and for embedders that
// assemble configuration themselves.
type MapConfig map[string]json.RawMessage

// ModuleConfig implements ConfigProvider.
func (m MapConfig) ModuleConfig(name string) (json.RawMessage, bool) {
	raw, ok := m[name]
	return raw, ok
}
