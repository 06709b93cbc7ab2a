package modhost

import (
	"errors"
)

// Host runtime errors
var (
	// Discovery errors. All of them abort before any lifecycle phase runs.
	ErrDiscovery          = errors.New("module discovery failed")
	ErrDuplicateModule    = errors.New("duplicate module name")
	ErrUnknownDependency  = errors.New("module depends on unknown module")
	ErrCircularDependency = errors.New("circular module dependency")
	ErrNilConstructor     = errors.New("module descriptor has no constructor")
	ErrConstructorNil     = errors.New("module constructor returned nil")
	ErrNameMismatch       = errors.New("module name does not match its descriptor")
	ErrMultipleGateways   = errors.New("more than one gateway module registered")
	ErrMultipleGrpcHubs   = errors.New("more than one grpc hub module registered")
	ErrRegistrySealed     = errors.New("registry already discovered, no further registration allowed")
	ErrDeploymentConflict = errors.New("module configured out-of-process but also registered in-process")

	// Phase errors. Any of these is fatal for the whole startup; the host
	// never serves partially initialized.
	ErrPreInitFailed       = errors.New("system module pre-init failed")
	ErrInitFailed          = errors.New("module init failed")
	ErrMigrationFailed     = errors.New("module migration failed")
	ErrRestFailed          = errors.New("rest registration failed")
	ErrGatewayRequired     = errors.New("rest modules registered but no gateway module present")
	ErrGrpcHubRequired     = errors.New("grpc services registered but no grpc hub module present")
	ErrRpcFailed           = errors.New("grpc service collection failed")
	ErrDuplicateGrpcService = errors.New("grpc service name exposed by more than one module")
	ErrStartFailed         = errors.New("module start failed")
	ErrStartTimeout        = errors.New("timed out waiting for modules to become ready")
	ErrPostInitFailed      = errors.New("system module post-init failed")
	ErrHubEndpointTimeout  = errors.New("timed out waiting for grpc hub bound endpoint")
	ErrSpawnFailed         = errors.New("out-of-process module spawn failed")
	ErrNotStarted          = errors.New("host runtime is not started")
	ErrAlreadyStarted      = errors.New("host runtime already started")
	ErrRegistryRequired    = errors.New("host runtime needs a module registry")

	// Client hub errors
	ErrHubNotRegistered   = errors.New("client not registered in hub")
	ErrHubDuplicateClient = errors.New("client already registered in hub")
	ErrHubNilClient       = errors.New("cannot register nil client in hub")

	// Module context errors
	ErrDatabaseNotConfigured = errors.New("no database provider configured for module")
	ErrConfigDecode          = errors.New("failed to decode module config section")

	// Host config errors
	ErrConfigFileUnsupported = errors.New("unsupported host config file extension")
)
