package directory

import (
	"encoding/json"
	"fmt"
	"os"
)

// Environment variables of the out-of-process child contract. The host sets
// all of them when spawning a child; a child reads them with SettingsFromEnv
// and needs no RPC round-trip to configure itself.
const (
	// EnvModuleConfig holds the module's rendered configuration as a JSON blob.
	EnvModuleConfig = "MODHOST_MODULE_CONFIG"

	// EnvDirectoryEndpoint holds the base URL of the host's directory routes.
	EnvDirectoryEndpoint = "MODHOST_DIRECTORY_ENDPOINT"

	// EnvModuleName holds the module name the child was spawned as.
	EnvModuleName = "MODHOST_MODULE_NAME"

	// EnvInstanceID holds the instance id the host assigned to this child.
	EnvInstanceID = "MODHOST_INSTANCE_ID"
)

// ChildSettings is everything a child process learns from its environment:
// who it is, where the directory lives, and its rendered configuration.
type ChildSettings struct {
	Module            string
	InstanceID        string
	DirectoryEndpoint string
	RawConfig         json.RawMessage
}

// SettingsFromEnv reads the child contract from the environment. Module name
// and instance id are mandatory; the directory endpoint and config blob may
// legitimately be absent (a child without REST host or without configuration).
func SettingsFromEnv() (ChildSettings, error) {
	module := os.Getenv(EnvModuleName)
	if module == "" {
		return ChildSettings{}, fmt.Errorf("%w: %s", ErrChildEnvMissing, EnvModuleName)
	}
	instanceID := os.Getenv(EnvInstanceID)
	if instanceID == "" {
		return ChildSettings{}, fmt.Errorf("%w: %s", ErrChildEnvMissing, EnvInstanceID)
	}

	s := ChildSettings{
		Module:            module,
		InstanceID:        instanceID,
		DirectoryEndpoint: os.Getenv(EnvDirectoryEndpoint),
	}
	if raw := os.Getenv(EnvModuleConfig); raw != "" {
		s.RawConfig = json.RawMessage(raw)
	}
	return s, nil
}

// Config decodes the rendered configuration blob into out. A child spawned
// without configuration leaves out at its zero value.
func (s ChildSettings) Config(out any) error {
	if len(s.RawConfig) == 0 {
		return nil
	}
	if err := json.Unmarshal(s.RawConfig, out); err != nil {
		return fmt.Errorf("decoding %s: %w", EnvModuleConfig, err)
	}
	return nil
}
