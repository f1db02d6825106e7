// File: server/socket_fallback.go
// Author: momentics <momentics@gmail.com>
package server

import (
	"net"
	"sync/atomic"
)

var nextFallbackFd atomic.Uint64

// blockingSocket implements conn.RawSocket over an ordinary net.Conn,
// used whenever a raw descriptor isn't available: TLS connections (no
// *tls.Conn descriptor to poll) on any platform, and every connection
// on platforms with no poll(2)-shaped backend. Fd returns a synthetic,
// process-wide unique handle that exists only to satisfy the poller's
// map-key contract — it is never passed to a real syscall.
type blockingSocket struct {
	conn net.Conn
	fd   uintptr
}

func newBlockingSocket(c net.Conn) *blockingSocket {
	return &blockingSocket{conn: c, fd: uintptr(nextFallbackFd.Add(1))}
}

func (s *blockingSocket) Fd() uintptr                  { return s.fd }
func (s *blockingSocket) Recv(buf []byte) (int, error) { return s.conn.Read(buf) }
func (s *blockingSocket) Send(buf []byte) (int, error) { return s.conn.Write(buf) }
func (s *blockingSocket) Close() error                 { return s.conn.Close() }
