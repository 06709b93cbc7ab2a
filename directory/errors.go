package directory

import (
	"errors"
)

// Directory errors
var (
	// ErrServiceNotFound is returned by ResolveGrpcService when no instance
	// exposes the requested service. It is a normal, non-fatal outcome.
	ErrServiceNotFound = errors.New("no instance exposes the requested service")

	// Registration validation errors
	ErrModuleRequired     = errors.New("module name is required")
	ErrInstanceIDRequired = errors.New("instance id is required")

	// Endpoint parsing errors
	ErrEndpointEmpty   = errors.New("endpoint is empty")
	ErrEndpointInvalid = errors.New("endpoint is not a valid tcp:// or uds:// uri")

	// Remote client errors
	ErrClientBaseURL = errors.New("directory client requires a base url")
	ErrClientStatus  = errors.New("directory request failed")

	// Child contract errors
	ErrChildEnvMissing = errors.New("child contract environment variable not set")

	// Sweeper errors
	ErrSweeperRunning = errors.New("sweeper already running")
)
