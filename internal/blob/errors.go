package blob

import "errors"

// Blob service error types.
var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrInvalidRange = errors.New("invalid range")
	// ErrPlacementUnstable is returned when a chunk keeps moving between
	// storage blocks while it is being read.
	ErrPlacementUnstable = errors.New("chunk placement kept changing during read")
)
