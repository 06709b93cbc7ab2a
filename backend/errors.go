package backend

import (
	"errors"
)

// Backend errors
var (
	// Spawn validation errors, surfaced to the caller of Spawn.
	ErrBinaryRequired     = errors.New("spawn config has no binary")
	ErrModuleRequired     = errors.New("spawn config has no module name")
	ErrUnsupportedBackend = errors.New("spawn config names an unsupported backend kind")
	ErrAlreadyShutDown    = errors.New("backend already shut down")
)
