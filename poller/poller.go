// Package poller implements a cooperative file-descriptor multiplexer.
// Author: momentics <momentics@gmail.com>
//
// add and remove are safe to call from any goroutine, including from
// inside a callback; mutations are staged and applied atomically before
// the next Poll begins, so the set being iterated is never mutated
// mid-iteration.
package poller

// Callback is invoked when fd becomes readable. Returning false requests
// that fd be removed from the poller.
type Callback func(fd uintptr) bool

// Poller multiplexes readiness across a set of file descriptors with a
// single caller-driven Poll loop.
type Poller interface {
	// Add registers cb to run when fd is readable.
	Add(fd uintptr, cb Callback)

	// Remove unregisters fd. Safe to call even if fd was never added,
	// or was already removed.
	Remove(fd uintptr)

	// Poll performs one wait of up to timeoutMs milliseconds (negative
	// blocks indefinitely) and invokes the callback of every fd that
	// became readable. It returns the number of ready fds, or -1 on a
	// syscall error (the poller does not log it; callers may retry after
	// a backoff).
	Poll(timeoutMs int) int

	// Close releases the poller's own resources. Registered fds are not
	// closed; that remains the caller's responsibility.
	Close() error
}
