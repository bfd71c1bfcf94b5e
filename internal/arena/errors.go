package arena

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// Sentinel errors matching the error taxonomy in the design: allocation
// exhaustion is recoverable by the caller (a cache layer may evict and
// retry); the others indicate a programmer error in how the allocator
// is being used.
var (
	// ErrAllocationFailure is returned when an arena cannot satisfy a
	// request because granting it would exceed the configured chunk
	// budget and no existing chunk has room.
	ErrAllocationFailure = errors.New("arena: allocation failure")

	// ErrBufferDisposed is returned by any operation on a ByteBuf whose
	// backing memory has already been released.
	ErrBufferDisposed = errors.New("arena: buffer already disposed")

	// ErrCapacityExceeded is returned by ByteBuf.Write when the payload
	// is larger than the buffer's capacity.
	ErrCapacityExceeded = errors.New("arena: write exceeds buffer capacity")

	// ErrConfigError is returned at construction time for out-of-range
	// configuration.
	ErrConfigError = errors.New("arena: invalid configuration")
)

// AllocationFailureError carries the size that could not be satisfied,
// for diagnostics.
type AllocationFailureError struct {
	Requested int
	ArenaID   int
}

func (e *AllocationFailureError) Error() string {
	return fmt.Sprintf("arena[%d]: allocation failure: requested %s, chunk budget exhausted",
		e.ArenaID, humanize.IBytes(uint64(e.Requested)))
}

func (e *AllocationFailureError) Unwrap() error { return ErrAllocationFailure }

// InvalidHandleError marks an internal invariant violation: a handle
// was freed twice, or referred to memory that was never issued by the
// chunk it claims to belong to. This is never recoverable and always
// panics. Allocator.Release always panics on a ByteBuf released twice;
// the chunk-level outstanding-handle check is gated behind Allocator's
// debug-checks option (see Option WithDebugChecks) rather than a build
// tag, since there is no release build distinction in Go.
type InvalidHandleError struct {
	Handle int64
	Reason string
}

func (e *InvalidHandleError) Error() string {
	return fmt.Sprintf("arena: invalid handle %#x: %s", e.Handle, e.Reason)
}
