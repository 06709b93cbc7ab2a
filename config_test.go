package modhost

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const configTestYaml = `
host:
  start_timeout: 45s
  shutdown_timeout: 20s
modules:
  billing:
    config:
      dsn: postgres://localhost/billing
      pool: 8
  reports:
    deployment: out_of_process
    binary: /usr/local/bin/reports
    args: ["--schedule", "nightly"]
    env:
      REPORTS_MODE: full
    working_dir: /var/lib/reports
    config:
      format: pdf
  mailer:
    deployment: local
  exporter:
    deployment: out_of_process
    binary: /usr/local/bin/exporter
`

func TestFileConfigYaml(t *testing.T) {
	path := writeConfigFile(t, "host.yaml", configTestYaml)

	cfg, err := NewFileConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path())

	host := cfg.Host()
	assert.Equal(t, 45*time.Second, host.StartTimeout)
	assert.Equal(t, 20*time.Second, host.ShutdownTimeout)

	raw, ok := cfg.ModuleConfig("billing")
	require.True(t, ok)
	var billing struct {
		DSN  string `json:"dsn"`
		Pool int    `json:"pool"`
	}
	require.NoError(t, json.Unmarshal(raw, &billing))
	assert.Equal(t, "postgres://localhost/billing", billing.DSN)
	assert.Equal(t, 8, billing.Pool)

	// A module without a config block has no section at all.
	_, ok = cfg.ModuleConfig("mailer")
	assert.False(t, ok)
	_, ok = cfg.ModuleConfig("unknown")
	assert.False(t, ok)

	assert.Equal(t, []string{"exporter", "reports"}, cfg.OutOfProcess())

	plan, ok := cfg.OopModule("reports")
	require.True(t, ok)
	assert.Equal(t, "reports", plan.Module)
	assert.Equal(t, "/usr/local/bin/reports", plan.Binary)
	assert.Equal(t, []string{"--schedule", "nightly"}, plan.Args)
	assert.Equal(t, map[string]string{"REPORTS_MODE": "full"}, plan.Env)
	assert.Equal(t, "/var/lib/reports", plan.WorkingDir)

	// The returned plan is a copy.
	plan.Args[0] = "mutated"
	plan.Env["REPORTS_MODE"] = "mutated"
	again, _ := cfg.OopModule("reports")
	assert.Equal(t, "--schedule", again.Args[0])
	assert.Equal(t, "full", again.Env["REPORTS_MODE"])

	_, ok = cfg.OopModule("mailer")
	assert.False(t, ok)
}

func TestFileConfigToml(t *testing.T) {
	path := writeConfigFile(t, "host.toml", `
[host]
start_timeout = "1m"

[modules.billing.config]
dsn = "sqlite://billing.db"
`)

	cfg, err := NewFileConfig(path)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.Host().StartTimeout)
	assert.Zero(t, cfg.Host().ShutdownTimeout)

	raw, ok := cfg.ModuleConfig("billing")
	require.True(t, ok)
	assert.JSONEq(t, `{"dsn":"sqlite://billing.db"}`, string(raw))
}

func TestFileConfigJSON(t *testing.T) {
	path := writeConfigFile(t, "host.json", `{
  "host": {"shutdown_timeout": "30s"},
  "modules": {"api": {"config": {"addr": ":8080"}}}
}`)

	cfg, err := NewFileConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Host().ShutdownTimeout)

	raw, ok := cfg.ModuleConfig("api")
	require.True(t, ok)
	assert.JSONEq(t, `{"addr":":8080"}`, string(raw))
}

func TestFileConfigEnvOverridesHost(t *testing.T) {
	path := writeConfigFile(t, "host.yaml", configTestYaml)

	t.Setenv("MODHOST_START_TIMEOUT", "5s")
	cfg, err := NewFileConfig(path)
	require.NoError(t, err)

	// The environment wins over the file for host settings; untouched
	// fields keep their file values.
	assert.Equal(t, 5*time.Second, cfg.Host().StartTimeout)
	assert.Equal(t, 20*time.Second, cfg.Host().ShutdownTimeout)
}

func TestFileConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr error
	}{
		{
			name:    "unsupported extension",
			file:    "host.ini",
			content: "whatever",
			wantErr: ErrConfigFileUnsupported,
		},
		{
			name:    "unknown deployment value",
			file:    "host.yaml",
			content: "modules:\n  api:\n    deployment: moon\n",
			wantErr: ErrConfigDecode,
		},
		{
			name:    "out of process without binary",
			file:    "host.yaml",
			content: "modules:\n  api:\n    deployment: out_of_process\n",
			wantErr: ErrConfigDecode,
		},
		{
			name:    "bad host duration",
			file:    "host.yaml",
			content: "host:\n  start_timeout: fast\n",
			wantErr: ErrConfigDecode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfigFile(t, tt.file, tt.content)
			_, err := NewFileConfig(path)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := NewFileConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
}

func TestFileConfigReload(t *testing.T) {
	path := writeConfigFile(t, "host.yaml", "host:\n  start_timeout: 10s\n")
	cfg, err := NewFileConfig(path)
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, cfg.Host().StartTimeout)

	require.NoError(t, os.WriteFile(path, []byte("host:\n  start_timeout: 25s\n"), 0o600))
	require.NoError(t, cfg.Reload())
	assert.Equal(t, 25*time.Second, cfg.Host().StartTimeout)

	// A broken rewrite fails the reload but keeps the last good snapshot.
	require.NoError(t, os.WriteFile(path, []byte("host: ["), 0o600))
	assert.Error(t, cfg.Reload())
	assert.Equal(t, 25*time.Second, cfg.Host().StartTimeout)
}

func TestMapConfig(t *testing.T) {
	cfg := MapConfig{"api": json.RawMessage(`{"addr":":9090"}`)}

	raw, ok := cfg.ModuleConfig("api")
	require.True(t, ok)
	assert.JSONEq(t, `{"addr":":9090"}`, string(raw))

	_, ok = cfg.ModuleConfig("other")
	assert.False(t, ok)
}
