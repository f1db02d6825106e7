//go:build windows

// File: server/socket_windows.go
// Author: momentics <momentics@gmail.com>
package server

import (
	"net"

	"github.com/hioload/wsreactor/conn"
)

// newRawFdSocket never succeeds on windows: there is no poll(2)-shaped
// backend to hand a descriptor to, so every connection uses
// blockingSocket via the goroutine-per-connection fallback instead.
func newRawFdSocket(c net.Conn) (conn.RawSocket, bool) {
	return nil, false
}
