//go:build !windows

package conn

import "syscall"

// errEAGAIN and errEINTR are the errno values sendAll/OnReadable treat
// as "retry, nothing is wrong" rather than as connection failures. A
// RawSocket backed by a raw non-blocking fd (the poller-driven path)
// surfaces these directly from read(2)/write(2).
var (
	errEAGAIN = syscall.EAGAIN
	errEINTR  = syscall.EINTR
)
