package backend

import "errors"

var (
	// ErrUnknownBackend is returned for a backend id or type the registry
	// does not know.
	ErrUnknownBackend = errors.New("unknown storage backend")
	// ErrNotFound is returned when a block or file has no known location.
	ErrNotFound = errors.New("not found")
	// ErrConnectionTest is returned when a new backend fails its
	// connection test and is therefore not registered.
	ErrConnectionTest = errors.New("storage backend connection test failed")
	// ErrNoBackends is returned when no backend is registered at all.
	ErrNoBackends = errors.New("no storage backends registered")
)
