package offheapcache

import (
	"github.com/nativekv/offheapcache/internal/arena"
)

// Re-exported so collaborators never need to import the internal arena
// package directly to match on error class.
var (
	ErrAllocationFailure = arena.ErrAllocationFailure
	ErrBufferDisposed    = arena.ErrBufferDisposed
	ErrCapacityExceeded  = arena.ErrCapacityExceeded
	ErrConfigError       = arena.ErrConfigError
)
