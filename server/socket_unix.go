//go:build !windows

// File: server/socket_unix.go
// Author: momentics <momentics@gmail.com>
package server

import (
	"net"
	"syscall"

	"github.com/hioload/wsreactor/conn"
	"golang.org/x/sys/unix"
)

// rawFdSocket implements conn.RawSocket directly on the (not duplicated)
// already-non-blocking file descriptor extracted from a hijacked
// plaintext connection. Go's net package always opens its sockets
// O_NONBLOCK for integration with the runtime's own poller, so reusing
// that fd for raw unix.Read/unix.Write calls already yields EAGAIN
// under exactly the conditions the poll(2) reactor is built to handle.
type rawFdSocket struct {
	keepAlive net.Conn // owns fd; keeping it referenced keeps fd open
	fd        int
}

// newRawFdSocket extracts the raw descriptor from c. It returns
// ok=false when c does not support syscall.Conn (notably *tls.Conn,
// which owns no descriptor of its own — TLS connections fall back to
// blockingSocket instead).
func newRawFdSocket(c net.Conn) (conn.RawSocket, bool) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return nil, false
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, false
	}
	var fd int
	ctrlErr := rc.Control(func(f uintptr) { fd = int(f) })
	if ctrlErr != nil {
		return nil, false
	}
	return &rawFdSocket{keepAlive: c, fd: fd}, true
}

func (s *rawFdSocket) Fd() uintptr { return uintptr(s.fd) }

func (s *rawFdSocket) Recv(buf []byte) (int, error) {
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *rawFdSocket) Send(buf []byte) (int, error) {
	n, err := unix.Write(s.fd, buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *rawFdSocket) Close() error {
	return s.keepAlive.Close()
}
