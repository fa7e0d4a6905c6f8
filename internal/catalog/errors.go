package catalog

import "errors"

// Catalog error types.
var (
	// ErrDuplicate is returned when an insert loses a race on a unique key.
	// Callers recover by re-querying and adopting the existing row.
	ErrDuplicate = errors.New("duplicate key")
	ErrNotFound  = errors.New("not found")
)
