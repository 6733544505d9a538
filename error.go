package agilese

import (
	"errors"

	"github.com/zilongwhu/agile-se-sub000/internal/base"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	ErrIndexClosed  = errors.New("index is closed")
	ErrInvalidDocID = errors.New("document id must be non-negative")
	ErrEmptyTerm    = errors.New("term cannot be empty")

	ErrInvalidSize         = base.ErrInvalidSize
	ErrDuplicateSize       = base.ErrDuplicateSize
	ErrNoSizeClasses       = base.ErrNoSizeClasses
	ErrInvalidCapacity     = base.ErrInvalidCapacity
	ErrInitialized         = base.ErrInitialized
	ErrNotInitialized      = base.ErrNotInitialized
	ErrAllocationExhausted = base.ErrAllocationExhausted
	ErrInvalidSizeClass    = base.ErrInvalidSizeClass
	ErrInvalidHandle       = base.ErrInvalidHandle

	ErrInvalidWide          = base.ErrInvalidWide
	ErrPayloadSize          = base.ErrPayloadSize
	ErrBatchInProgress      = base.ErrBatchInProgress
	ErrNoBatch              = base.ErrNoBatch
	ErrBatchFailed          = base.ErrBatchFailed
	ErrRolledBack           = base.ErrRolledBack
	ErrStructuralCorruption = base.ErrStructuralCorruption
)

var errBatchPanicked = errors.New("batch function panicked")
