package base

import "errors"

var (
	// Arena
	ErrInvalidSize         = errors.New("invalid item size")
	ErrDuplicateSize       = errors.New("item size already registered")
	ErrNoSizeClasses       = errors.New("no size classes registered")
	ErrInvalidCapacity     = errors.New("invalid max items")
	ErrInitialized         = errors.New("arena already initialized")
	ErrNotInitialized      = errors.New("arena not initialized")
	ErrAllocationExhausted = errors.New("allocation exhausted")
	ErrInvalidSizeClass    = errors.New("size class not registered")
	ErrInvalidHandle       = errors.New("invalid handle")

	// Tree
	ErrInvalidWide          = errors.New("branching factor must be even and within bounds")
	ErrPayloadSize          = errors.New("payload length mismatch")
	ErrBatchInProgress      = errors.New("modify batch already in progress")
	ErrNoBatch              = errors.New("no modify batch in progress")
	ErrBatchFailed          = errors.New("modify batch has failed")
	ErrRolledBack           = errors.New("modify batch rolled back")
	ErrStructuralCorruption = errors.New("structural corruption detected")
)
