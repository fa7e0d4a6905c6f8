package storage

import "errors"

var (
	// ErrInvariantViolation is returned when placement and free-list
	// metadata contradict each other. It is never retried or swallowed.
	ErrInvariantViolation = errors.New("storage block invariant violation")
	// ErrBlockFreed is returned when a read resolves to a storage block id
	// that has been freed, typically by a concurrent combination pass.
	ErrBlockFreed = errors.New("storage block has been freed")
	// ErrBlockReferenced is returned when freeing a storage block that blob
	// blocks still point into.
	ErrBlockReferenced = errors.New("storage block is still referenced")
	// ErrBlockTooLarge is returned for writes larger than the block size.
	ErrBlockTooLarge = errors.New("data exceeds storage block size")
	// ErrEmptyBlock is returned for zero-length writes.
	ErrEmptyBlock = errors.New("empty storage block")
)
